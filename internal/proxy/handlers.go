package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/tarnlabs/ollama-proxy/internal/auth"
	"github.com/tarnlabs/ollama-proxy/pkg/apierr"
)

// handleAuth is the dedicated authentication endpoint for client libraries
// (LangChain and friends) that cannot attach per-request headers. It accepts
// the credential in the JSON body, the x-api-key header, or the authorization
// header, and on success records the caller's address in the trust store.
func (g *Gateway) handleAuth(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	if g.metrics != nil {
		g.metrics.IncInFlight()
		defer func() {
			g.metrics.DecInFlight()
			g.metrics.ObserveHTTP("auth", ctx.Response.StatusCode(), time.Since(start))
		}()
	}

	reqID, _ := ctx.UserValue("request_id").(string)
	clientIP := ctx.RemoteIP().String()

	g.log.InfoContext(ctx, "auth_request",
		slog.String("request_id", reqID),
		slog.String("client_ip", clientIP),
	)

	// A body is optional here; anything unparsable is treated as absent.
	var body map[string]any
	_ = json.Unmarshal(ctx.PostBody(), &body)

	key, _ := body["api_key"].(string)
	if key == "" {
		key = string(ctx.Request.Header.Peek("x-api-key"))
	}
	if key == "" {
		key = string(ctx.Request.Header.Peek("authorization"))
		key = strings.TrimPrefix(key, "Bearer ")
	}

	user, err := g.keyring.Resolve(key)
	switch {
	case errors.Is(err, auth.ErrMissingKey):
		g.recordAuth("auth-endpoint", "missing")
		apierr.WriteMissingKey(ctx)
		return
	case err != nil:
		g.recordAuth("auth-endpoint", "invalid")
		g.log.WarnContext(ctx, "auth_invalid_key",
			slog.String("request_id", reqID),
			slog.String("api_key", auth.Mask(key)),
		)
		apierr.WriteInvalidKey(ctx)
		return
	}

	if err := g.trust.Record(ctx, clientIP, user); err != nil {
		g.log.ErrorContext(ctx, "trust_record_error",
			slog.String("request_id", reqID),
			slog.String("error", err.Error()),
		)
		apierr.Write(ctx, fasthttp.StatusInternalServerError, "failed to record trust entry")
		return
	}
	g.recordAuth("auth-endpoint", "ok")
	g.recordTrustEvent("record")

	g.log.InfoContext(ctx, "auth_success",
		slog.String("request_id", reqID),
		slog.String("client_ip", clientIP),
		slog.String("user", user),
	)

	writeJSON(ctx, map[string]any{
		"status":     "success",
		"message":    "authentication successful",
		"user":       user,
		"expires_in": int(g.window.Seconds()),
	})
}

// handleHealth probes the backend liveness endpoint. It always answers 200 —
// an unreachable backend degrades the payload, never the endpoint.
func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	if g.metrics != nil {
		g.metrics.IncInFlight()
		defer func() {
			g.metrics.DecInFlight()
			g.metrics.ObserveHTTP("health", ctx.Response.StatusCode(), time.Since(start))
		}()
	}

	reqID, _ := ctx.UserValue("request_id").(string)

	status, err := g.fwd.Ping(ctx)
	switch {
	case err != nil:
		writeJSON(ctx, map[string]any{
			"status":        "warning",
			"message":       fmt.Sprintf("proxy is running but the Ollama backend is unreachable: %s", err),
			"ollama_status": "offline",
			"request_id":    reqID,
		})
	case status != fasthttp.StatusOK:
		writeJSON(ctx, map[string]any{
			"status":        "warning",
			"message":       fmt.Sprintf("proxy is running but the Ollama backend returned status %d", status),
			"ollama_status": "warning",
			"request_id":    reqID,
		})
	default:
		writeJSON(ctx, map[string]any{
			"status":        "ok",
			"message":       "proxy and Ollama backend are both running",
			"ollama_status": "online",
			"request_id":    reqID,
		})
	}
}

// handleRoot serves the static capability description.
func (g *Gateway) handleRoot(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]any{
		"name":        "ollama-proxy",
		"version":     g.version,
		"description": "authenticating reverse proxy for the Ollama API",
		"endpoints": map[string]string{
			"/":        "API information",
			"/health":  "health check (probes the Ollama backend)",
			"/auth":    "authentication endpoint for trusted client libraries",
			"/{path}":  "proxies all Ollama API requests; requires an API key",
			"/metrics": "Prometheus metrics",
		},
	})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
