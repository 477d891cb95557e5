package proxy

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/valyala/fasthttp"

	"github.com/tarnlabs/ollama-proxy/internal/auth"
)

// carrier adapts a fasthttp request to the auth.Carrier view used by the
// credential extractor. fasthttp header lookups are case-insensitive already.
type carrier struct {
	ctx  *fasthttp.RequestCtx
	body map[string]any
}

func (c carrier) Header(name string) string {
	return string(c.ctx.Request.Header.Peek(name))
}

func (c carrier) Query(name string) string {
	return string(c.ctx.QueryArgs().Peek(name))
}

func (c carrier) JSONBody() map[string]any {
	return c.body
}

// droppedHeaders are never forwarded: host and connection belong to this hop,
// the rest may carry credentials.
var droppedHeaders = []string{"Host", "Connection", "X-Api-Key", "Authorization"}

// sanitizeHeaders copies the inbound headers into a net/http header set,
// dropping the per-hop and credential headers so no key material reaches the
// backend. Content-Length is recomputed by the client from the body.
func sanitizeHeaders(ctx *fasthttp.RequestCtx) http.Header {
	h := make(http.Header)
	ctx.Request.Header.VisitAll(func(key, value []byte) {
		name := string(key)
		if dropHeader(name) || strings.EqualFold(name, "Content-Length") {
			return
		}
		h.Add(name, string(value))
	})
	return h
}

func dropHeader(name string) bool {
	for _, d := range droppedHeaders {
		if strings.EqualFold(name, d) {
			return true
		}
	}
	return false
}

// hopByHopHeaders are stripped from backend responses before relaying
// (RFC 9110 §7.6.1). fasthttp manages framing headers itself.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"TE", "Trailer", "Transfer-Encoding", "Upgrade", "Content-Length",
}

func isHopByHop(name string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	return false
}

// sanitizedQuery returns the inbound query string with the api_key parameter
// removed, so a query-borne credential never reaches the backend.
func sanitizedQuery(ctx *fasthttp.RequestCtx) string {
	qs := ctx.URI().QueryString()
	if len(qs) == 0 {
		return ""
	}
	if !ctx.QueryArgs().Has("api_key") {
		return string(qs)
	}
	var args fasthttp.Args
	ctx.QueryArgs().CopyTo(&args)
	args.Del("api_key")
	return args.String()
}

// headersForLog returns the request headers with credential headers removed,
// suitable for debug logging.
func headersForLog(ctx *fasthttp.RequestCtx) map[string]string {
	out := make(map[string]string)
	ctx.Request.Header.VisitAll(func(key, value []byte) {
		name := string(key)
		if strings.EqualFold(name, "Authorization") || strings.EqualFold(name, "X-Api-Key") {
			return
		}
		out[name] = string(value)
	})
	return out
}

// formatBodyForLog renders a parsed JSON body for logging: long chat message
// contents are truncated (first 50 + last 20 chars) and any api_key field is
// masked. Returns "-" when there is no parsed body.
func formatBodyForLog(body map[string]any) string {
	if body == nil {
		return "-"
	}

	logBody := make(map[string]any, len(body))
	for k, v := range body {
		logBody[k] = v
	}

	if key, ok := logBody["api_key"].(string); ok {
		logBody["api_key"] = auth.Mask(key)
	}

	if msgs, ok := logBody["messages"].([]any); ok {
		truncated := make([]any, len(msgs))
		for i, m := range msgs {
			msg, ok := m.(map[string]any)
			if !ok {
				truncated[i] = m
				continue
			}
			content, ok := msg["content"].(string)
			if !ok || len(content) <= 100 {
				truncated[i] = msg
				continue
			}
			cp := make(map[string]any, len(msg))
			for k, v := range msg {
				cp[k] = v
			}
			cp["content"] = content[:50] + "..." + content[len(content)-20:]
			truncated[i] = cp
		}
		logBody["messages"] = truncated
	}

	data, err := json.Marshal(logBody)
	if err != nil {
		return "-"
	}
	return string(data)
}
