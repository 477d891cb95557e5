package proxy

import (
	"strings"
	"testing"

	"github.com/valyala/fasthttp"
)

func TestCarrier_HeaderAndQuery(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("X-Api-Key", "tok-1")
	ctx.Request.SetRequestURI("/api/generate?api_key=tok-2&model=llama3")

	c := carrier{ctx: ctx}

	// fasthttp header lookup is case-insensitive.
	if got := c.Header("x-api-key"); got != "tok-1" {
		t.Errorf("Header: got %q", got)
	}
	if got := c.Query("api_key"); got != "tok-2" {
		t.Errorf("Query: got %q", got)
	}
	if got := c.Query("missing"); got != "" {
		t.Errorf("missing query param: got %q", got)
	}
}

func TestSanitizeHeaders_DropsCredentials(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod("POST")
	ctx.Request.SetRequestURI("/api/chat")
	ctx.Request.Header.Set("Host", "proxy.local")
	ctx.Request.Header.Set("Connection", "keep-alive")
	ctx.Request.Header.Set("X-Api-Key", "tok-secret")
	ctx.Request.Header.Set("Authorization", "Bearer tok-secret")
	ctx.Request.Header.Set("Content-Type", "application/json")
	ctx.Request.Header.Set("User-Agent", "ollama-python/0.3")

	h := sanitizeHeaders(ctx)

	for _, dropped := range []string{"Host", "Connection", "X-Api-Key", "Authorization", "Content-Length"} {
		if v := h.Get(dropped); v != "" {
			t.Errorf("header %s must be dropped, got %q", dropped, v)
		}
	}
	if h.Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type must survive: %q", h.Get("Content-Type"))
	}
	if h.Get("User-Agent") != "ollama-python/0.3" {
		t.Errorf("User-Agent must survive: %q", h.Get("User-Agent"))
	}
}

func TestSanitizedQuery(t *testing.T) {
	tests := []struct {
		name string
		uri  string
		want string
	}{
		{"no query", "/api/tags", ""},
		{"no credential", "/api/tags?limit=5", "limit=5"},
		{"credential only", "/api/tags?api_key=tok", ""},
		{"credential plus params", "/api/generate?api_key=tok&verbose=1", "verbose=1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := &fasthttp.RequestCtx{}
			ctx.Request.SetRequestURI(tt.uri)

			got := sanitizedQuery(ctx)
			if got != tt.want {
				t.Errorf("sanitizedQuery(%q) = %q, want %q", tt.uri, got, tt.want)
			}
			if strings.Contains(got, "api_key") {
				t.Errorf("credential leaked into forwarded query: %q", got)
			}
		})
	}
}

func TestHeadersForLog_OmitsCredentials(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("Authorization", "Bearer tok-secret")
	ctx.Request.Header.Set("X-Api-Key", "tok-secret")
	ctx.Request.Header.Set("User-Agent", "langchain/0.2")

	out := headersForLog(ctx)

	for name := range out {
		if strings.EqualFold(name, "Authorization") || strings.EqualFold(name, "X-Api-Key") {
			t.Errorf("credential header %s must not be logged", name)
		}
	}
	if out["User-Agent"] != "langchain/0.2" {
		t.Errorf("User-Agent missing from log view: %v", out)
	}
}

func TestFormatBodyForLog(t *testing.T) {
	if got := formatBodyForLog(nil); got != "-" {
		t.Errorf("nil body: got %q", got)
	}

	long := strings.Repeat("a", 60) + "MIDDLE" + strings.Repeat("b", 60)
	body := map[string]any{
		"api_key": "prefix-SECRET-VALUE-suffix",
		"messages": []any{
			map[string]any{"role": "user", "content": long},
			map[string]any{"role": "user", "content": "short"},
		},
	}

	got := formatBodyForLog(body)

	if strings.Contains(got, "SECRET-VALUE") {
		t.Errorf("api_key leaked into log body: %s", got)
	}
	if strings.Contains(got, "MIDDLE") {
		t.Errorf("long content not truncated: %s", got)
	}
	if !strings.Contains(got, "...") {
		t.Errorf("expected truncation marker: %s", got)
	}
	if !strings.Contains(got, "short") {
		t.Errorf("short content must stay intact: %s", got)
	}

	// The original body must be untouched.
	if body["api_key"] != "prefix-SECRET-VALUE-suffix" {
		t.Error("formatBodyForLog mutated the original body")
	}
}
