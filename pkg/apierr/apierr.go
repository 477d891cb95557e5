// Package apierr writes the proxy's JSON error envelope and maps the error
// taxonomy (missing key, invalid key, upstream timeout, upstream failure) to
// HTTP statuses. The envelope is a flat {"error": "..."} object, matching
// what Ollama clients already expect from the proxy.
package apierr

import (
	"encoding/json"
	"fmt"

	"github.com/valyala/fasthttp"
)

// Envelope is the error body returned to clients.
type Envelope struct {
	Error string `json:"error"`
}

// Write writes message as a JSON error envelope with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(Envelope{Error: message})
	ctx.SetBody(body)
}

// WriteMissingKey writes the 401 returned when no credential was supplied.
func WriteMissingKey(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusUnauthorized, "no API key provided")
}

// WriteMissingKeyGuidance writes the 401 for trusted-agent clients (LangChain
// and friends) that cannot easily attach headers: it points them at /auth.
func WriteMissingKeyGuidance(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusUnauthorized,
		"no API key provided; call the /auth endpoint first to authenticate this client")
}

// WriteInvalidKey writes the 403 returned when the credential is not in the table.
func WriteInvalidKey(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusForbidden, "invalid API key")
}

// WriteUpstreamTimeout writes the 504 returned when the backend call exceeded
// its deadline.
func WriteUpstreamTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "request to the Ollama backend timed out")
}

// WriteUpstreamFailure writes the 500 returned for any other backend
// transport failure. The raw error is included in the message but never
// propagated as a panic or stack trace.
func WriteUpstreamFailure(ctx *fasthttp.RequestCtx, err error) {
	Write(ctx, fasthttp.StatusInternalServerError,
		fmt.Sprintf("proxying to the Ollama backend failed: %s", err))
}
