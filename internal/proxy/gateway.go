// Package proxy is the core authenticating request pipeline.
//
// The Gateway receives an inbound HTTP request, establishes the caller's
// identity — via the client-IP trust window or multi-source credential
// extraction — strips credential material, and relays the request verbatim to
// the Ollama backend, streamed or buffered depending on the declared intent.
//
// Key design constraints:
//   - Credentials never reach the backend and never appear unmasked in logs.
//   - Metrics and the async request logger are optional and nil-safe.
//   - All backend I/O uses context.Context so the timeout ceiling propagates.
//   - Streamed responses are pass-through; chunks are never buffered.
package proxy

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/tarnlabs/ollama-proxy/internal/auth"
	"github.com/tarnlabs/ollama-proxy/internal/logger"
	"github.com/tarnlabs/ollama-proxy/internal/metrics"
	"github.com/tarnlabs/ollama-proxy/internal/trust"
	"github.com/tarnlabs/ollama-proxy/internal/upstream"
	"github.com/tarnlabs/ollama-proxy/pkg/apierr"
)

// Proxy-injected headers and the correlation header echoed on every response.
const (
	headerRequestID = "X-Proxy-Request-ID"
	headerProxyBy   = "X-Proxy-By"
	headerProxyUser = "X-Proxy-User"
	headerProxyTime = "X-Proxy-Time"

	// proxyMarker is the X-Proxy-By value, kept wire-compatible with earlier
	// deployments of this proxy.
	proxyMarker = "OllamaAPIProxy"

	// sourceTrustCache labels authentications satisfied by the trust window.
	sourceTrustCache = "trust-cache"
)

// Options holds optional tuning parameters for a Gateway. All fields have
// sensible defaults and can be omitted.
type Options struct {
	// Logger is the structured logger used for request events. Defaults to
	// slog.Default when nil.
	Logger *slog.Logger

	// Metrics enables Prometheus metrics collection. When nil, metrics are disabled.
	Metrics *metrics.Registry

	// RequestLogger is the async access logger. When nil, access logging is
	// disabled (request events are still written via slog).
	RequestLogger *logger.Logger

	// TrustedAgents are user-agent markers (case-insensitive substrings) for
	// client libraries that should be pointed at /auth when they arrive
	// without a credential.
	TrustedAgents []string

	// TrustWindow is reported by /auth as expires_in. Default: 1h.
	TrustWindow time.Duration

	// CORSOrigins is the CORS allowlist. Empty or ["*"] allows any origin.
	CORSOrigins []string

	// Version is reported by GET /.
	Version string
}

// Gateway is the request orchestrator — all dependencies are injected via the
// constructor so they can be replaced with test doubles.
type Gateway struct {
	keyring *auth.Keyring
	trust   trust.Store
	fwd     *upstream.Forwarder
	log     *slog.Logger

	metrics   *metrics.Registry
	reqLogger *logger.Logger

	trustedAgents []string
	window        time.Duration
	corsOrigins   []string
	version       string
}

// New creates a Gateway. keyring, store, and fwd are required.
func New(keyring *auth.Keyring, store trust.Store, fwd *upstream.Forwarder, opts Options) *Gateway {
	if keyring == nil || store == nil || fwd == nil {
		panic("gateway: keyring, trust store, and forwarder are required")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	window := opts.TrustWindow
	if window <= 0 {
		window = time.Hour
	}

	version := opts.Version
	if version == "" {
		version = "dev"
	}

	return &Gateway{
		keyring:       keyring,
		trust:         store,
		fwd:           fwd,
		log:           log,
		metrics:       opts.Metrics,
		reqLogger:     opts.RequestLogger,
		trustedAgents: opts.TrustedAgents,
		window:        window,
		corsOrigins:   opts.CORSOrigins,
		version:       version,
	}
}

// dispatchProxy is the catch-all handler implementing the orchestrator state
// machine: TrustCheck → CredentialCheck → Authenticated → Forwarding.
func (g *Gateway) dispatchProxy(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "proxy"
	streaming := false

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
			return
		}
		if streaming {
			return // finalised by the stream writer
		}
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start))
	}()

	reqID, _ := ctx.UserValue("request_id").(string)
	method := string(ctx.Method())
	path := string(ctx.Path())
	clientIP := ctx.RemoteIP().String()
	userAgent := string(ctx.Request.Header.Peek("User-Agent"))

	g.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("method", method),
		slog.String("path", path),
		slog.String("client_ip", clientIP),
	)

	// 1. Capture the raw body once, before any branch consumes it. The copy
	// matters: fasthttp reuses its buffers after the handler returns, but the
	// streamed relay outlives the handler.
	rawBody := append([]byte(nil), ctx.PostBody()...)

	// 2. Parse the body as JSON when declared as such. Malformed JSON is
	// non-fatal — it only disables the body credential source and body
	// logging; the raw bytes are still forwarded.
	bodyObj := parseJSONObject(ctx, reqID, g.log, rawBody)

	if g.log.Enabled(ctx, slog.LevelDebug) {
		g.log.DebugContext(ctx, "request_detail",
			slog.String("request_id", reqID),
			slog.Any("headers", headersForLog(ctx)),
			slog.String("body", formatBodyForLog(bodyObj)),
		)
	}

	// 3. TrustCheck: a live trust entry authenticates the caller directly and
	// slides its window.
	user, source := "", ""
	if u, ok := g.trust.Lookup(ctx, clientIP); ok {
		user, source = u, sourceTrustCache
		g.recordAuth(sourceTrustCache, "ok")
		g.recordTrustEvent("hit")
		g.log.InfoContext(ctx, "trusted_client",
			slog.String("request_id", reqID),
			slog.String("client_ip", clientIP),
			slog.String("user", user),
		)
	} else {
		g.recordTrustEvent("miss")

		// 4. CredentialCheck: try each source in priority order.
		cred, found := auth.Extract(carrier{ctx: ctx, body: bodyObj})
		if !found {
			g.recordAuth("none", "missing")
			g.log.WarnContext(ctx, "missing_api_key",
				slog.String("request_id", reqID),
				slog.String("client_ip", clientIP),
			)
			if g.isTrustedAgent(userAgent) {
				apierr.WriteMissingKeyGuidance(ctx)
			} else {
				apierr.WriteMissingKey(ctx)
			}
			g.logRequest(reqID, method, path, "", "", fasthttp.StatusUnauthorized, time.Since(start), false)
			return
		}

		g.log.InfoContext(ctx, "api_key_candidate",
			slog.String("request_id", reqID),
			slog.String("source", string(cred.Source)),
			slog.String("api_key", auth.Mask(cred.Token)),
		)

		u, err := g.keyring.Resolve(cred.Token)
		if err != nil {
			g.recordAuth(string(cred.Source), "invalid")
			g.log.WarnContext(ctx, "invalid_api_key",
				slog.String("request_id", reqID),
				slog.String("api_key", auth.Mask(cred.Token)),
			)
			apierr.WriteInvalidKey(ctx)
			g.logRequest(reqID, method, path, "", string(cred.Source), fasthttp.StatusForbidden, time.Since(start), false)
			return
		}
		user, source = u, string(cred.Source)
		g.recordAuth(source, "ok")

		// Every successful authentication (re)opens the trust window, so the
		// next request from this address skips CredentialCheck entirely.
		if err := g.trust.Record(ctx, clientIP, user); err != nil {
			g.log.ErrorContext(ctx, "trust_record_error",
				slog.String("request_id", reqID),
				slog.String("error", err.Error()),
			)
		} else {
			g.recordTrustEvent("record")
		}

		// When the credential travelled in the body, forward the body with
		// the field removed.
		if cred.FromBody {
			if stripped, ok := stripBodyKey(bodyObj); ok {
				rawBody = stripped
			}
		}
	}

	g.log.InfoContext(ctx, "authenticated",
		slog.String("request_id", reqID),
		slog.String("user", user),
		slog.String("source", source),
	)

	// 5. Authenticated: sanitize headers so credentials never reach the
	// backend, then inject the proxy identification headers.
	fwdHeader := sanitizeHeaders(ctx)
	fwdHeader.Set(headerProxyBy, proxyMarker)
	fwdHeader.Set(headerProxyUser, user)
	fwdHeader.Set(headerRequestID, reqID)

	streamIntent := false
	if bodyObj != nil {
		streamIntent, _ = bodyObj["stream"].(bool)
	}

	freq := &upstream.Request{
		ID:       reqID,
		Method:   method,
		Path:     path,
		RawQuery: sanitizedQuery(ctx),
		Header:   fwdHeader,
		Body:     rawBody,
		Stream:   streamIntent,
	}

	g.log.InfoContext(ctx, "forwarding",
		slog.String("request_id", reqID),
		slog.String("method", method),
		slog.String("path", path),
		slog.Bool("stream", streamIntent),
	)

	// 6. Forwarding: delegate to the forwarding engine and relay its outcome.
	upStart := time.Now()
	outcome, err := g.fwd.Forward(ctx, freq)
	if err != nil {
		mode := relayMode(streamIntent)
		if upstream.IsTimeout(err) {
			g.observeUpstream(mode, "timeout", time.Since(upStart))
			g.log.ErrorContext(ctx, "upstream_timeout",
				slog.String("request_id", reqID),
				slog.String("elapsed", fmt.Sprintf("%.2fs", time.Since(start).Seconds())),
			)
			apierr.WriteUpstreamTimeout(ctx)
		} else {
			g.observeUpstream(mode, "error", time.Since(upStart))
			g.log.ErrorContext(ctx, "upstream_error",
				slog.String("request_id", reqID),
				slog.String("error", err.Error()),
			)
			apierr.WriteUpstreamFailure(ctx, err)
		}
		g.logRequest(reqID, method, path, user, source, uint16(ctx.Response.StatusCode()), time.Since(start), false)
		return
	}

	if outcome.Streaming() {
		streaming = true
		capturedStart := start
		g.writeStream(ctx, reqID, outcome, func() {
			dur := time.Since(capturedStart)
			g.observeUpstream("streamed", outcome.StreamResult(), dur)
			g.logRequest(reqID, method, path, user, source, fasthttp.StatusOK, dur, true)
			if g.metrics != nil {
				g.metrics.ObserveHTTP(route, fasthttp.StatusOK, dur)
				g.metrics.DecInFlight()
			}
		})
		return
	}

	g.observeUpstream("buffered", "success", time.Since(upStart))
	g.writeBuffered(ctx, reqID, start, outcome)

	g.log.InfoContext(ctx, "response",
		slog.String("request_id", reqID),
		slog.Int("status", outcome.Status),
		slog.String("elapsed", fmt.Sprintf("%.2fs", time.Since(start).Seconds())),
	)
	g.logRequest(reqID, method, path, user, source, uint16(outcome.Status), time.Since(start), false)
}

// writeBuffered relays a complete backend response verbatim: status and body
// unchanged, hop-by-hop headers stripped, correlation and duration headers
// added.
func (g *Gateway) writeBuffered(ctx *fasthttp.RequestCtx, reqID string, start time.Time, out *upstream.Outcome) {
	ctx.SetStatusCode(out.Status)
	for name, values := range out.Header {
		if isHopByHop(name) {
			continue
		}
		for _, v := range values {
			ctx.Response.Header.Add(name, v)
		}
	}
	ctx.Response.Header.Set(headerRequestID, reqID)
	ctx.Response.Header.Set(headerProxyTime, fmt.Sprintf("%.2fs", time.Since(start).Seconds()))
	ctx.SetBody(out.Body)
}

// writeStream relays backend chunks to the caller as they arrive. The 200
// status and headers go on the wire immediately; onComplete runs once the
// stream drains, however it ended.
func (g *Gateway) writeStream(ctx *fasthttp.RequestCtx, reqID string, out *upstream.Outcome, onComplete func()) {
	contentType := string(ctx.Request.Header.ContentType())
	if contentType == "" {
		contentType = "application/json"
	}

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType(contentType)
	ctx.Response.Header.Set(headerRequestID, reqID)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { _ = recover() }()
		defer out.Close()
		if onComplete != nil {
			defer onComplete()
		}

		for chunk := range out.Chunks {
			if _, err := w.Write(chunk); err != nil {
				return // client gone; Close cancels the backend read
			}
			if err := w.Flush(); err != nil {
				return
			}
			if g.metrics != nil {
				g.metrics.AddStreamChunk(len(chunk))
			}
		}
	})
}

// logRequest enqueues an access-log entry to the async logger. Never blocks.
func (g *Gateway) logRequest(
	requestID, method, path, user, source string,
	status uint16,
	latency time.Duration,
	streamed bool,
) {
	if g.reqLogger == nil {
		return
	}

	reqUUID, _ := uuid.Parse(requestID)

	g.reqLogger.Log(logger.RequestLog{
		ID:        reqUUID,
		Method:    method,
		Path:      path,
		User:      user,
		Source:    source,
		Status:    status,
		LatencyMs: uint32(latency.Milliseconds()),
		Streamed:  streamed,
		CreatedAt: time.Now(),
	})
}

// isTrustedAgent reports whether the user-agent identifies a client library
// that should be directed to /auth (case-insensitive substring match).
func (g *Gateway) isTrustedAgent(userAgent string) bool {
	ua := strings.ToLower(userAgent)
	for _, marker := range g.trustedAgents {
		if marker != "" && strings.Contains(ua, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}

func (g *Gateway) recordAuth(source, result string) {
	if g.metrics != nil {
		g.metrics.RecordAuth(source, result)
	}
}

func (g *Gateway) recordTrustEvent(event string) {
	if g.metrics != nil {
		g.metrics.RecordTrustEvent(event)
	}
}

func (g *Gateway) observeUpstream(mode, outcome string, dur time.Duration) {
	if g.metrics != nil {
		g.metrics.ObserveUpstream(mode, outcome, dur)
	}
}

func relayMode(stream bool) string {
	if stream {
		return "streamed"
	}
	return "buffered"
}

// parseJSONObject decodes the body as a JSON object when the request declares
// a JSON content type. Returns nil for non-JSON requests, non-object values,
// and malformed payloads (logged at WARN — the raw body is still forwarded).
func parseJSONObject(ctx *fasthttp.RequestCtx, reqID string, log *slog.Logger, body []byte) map[string]any {
	if len(body) == 0 {
		return nil
	}
	contentType := string(ctx.Request.Header.ContentType())
	if !strings.Contains(strings.ToLower(contentType), "application/json") {
		return nil
	}

	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		log.WarnContext(ctx, "malformed_json_body",
			slog.String("request_id", reqID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return obj
}

// stripBodyKey re-encodes the parsed body without the api_key field.
func stripBodyKey(body map[string]any) ([]byte, bool) {
	if body == nil {
		return nil, false
	}
	stripped := make(map[string]any, len(body))
	for k, v := range body {
		if k == "api_key" {
			continue
		}
		stripped[k] = v
	}
	data, err := json.Marshal(stripped)
	if err != nil {
		return nil, false
	}
	return data, true
}
