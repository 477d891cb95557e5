// Package auth implements credential extraction and validation.
//
// A credential may arrive in any of four places, tried in a fixed priority
// order: the x-api-key header, the authorization header (with or without a
// "Bearer " prefix), the api_key query parameter, and an api_key field in a
// JSON object body. Extraction is pure — when the credential comes from the
// body, the extractor only signals that the field must be stripped before
// forwarding; the rewrite itself is the orchestrator's job.
package auth

import "strings"

// SourceName identifies where a credential was found, for logs and metrics.
type SourceName string

const (
	SourceAPIKeyHeader SourceName = "header(x-api-key)"
	SourceBearerHeader SourceName = "header(authorization)"
	SourceQueryParam   SourceName = "query(api_key)"
	SourceJSONBody     SourceName = "body(api_key)"
)

// Carrier is the read-only view of an inbound request the extractor needs.
// Header and Query lookups are case-insensitive on the name; JSONBody returns
// nil when the body is absent, malformed, or not a JSON object.
type Carrier interface {
	Header(name string) string
	Query(name string) string
	JSONBody() map[string]any
}

// Credential is a candidate token together with its origin.
type Credential struct {
	Token  string
	Source SourceName

	// FromBody is true when the token came from the JSON body; the forwarded
	// body must then be rewritten with the api_key field removed.
	FromBody bool
}

// source is a single try-extract strategy in the priority chain.
type source interface {
	name() SourceName
	extract(c Carrier) (token string, fromBody bool)
}

// sources is the fixed priority order. First non-empty token wins.
var sources = []source{
	headerSource{},
	bearerSource{},
	querySource{},
	bodySource{},
}

// Extract tries each credential source in priority order and returns the
// first non-empty candidate. Returns ok=false only when no source yields any
// value at all — a present-but-empty authorization header therefore counts
// as missing, not as an (invalid) empty credential.
func Extract(c Carrier) (Credential, bool) {
	for _, s := range sources {
		if token, fromBody := s.extract(c); token != "" {
			return Credential{Token: token, Source: s.name(), FromBody: fromBody}, true
		}
	}
	return Credential{}, false
}

type headerSource struct{}

func (headerSource) name() SourceName { return SourceAPIKeyHeader }

func (headerSource) extract(c Carrier) (string, bool) {
	return c.Header("x-api-key"), false
}

type bearerSource struct{}

func (bearerSource) name() SourceName { return SourceBearerHeader }

// extract strips a "Bearer " prefix when present; otherwise the raw header
// value is used as-is, tolerating clients that omit the scheme.
func (bearerSource) extract(c Carrier) (string, bool) {
	v := c.Header("authorization")
	if after, ok := strings.CutPrefix(v, "Bearer "); ok {
		return after, false
	}
	return v, false
}

type querySource struct{}

func (querySource) name() SourceName { return SourceQueryParam }

func (querySource) extract(c Carrier) (string, bool) {
	return c.Query("api_key"), false
}

type bodySource struct{}

func (bodySource) name() SourceName { return SourceJSONBody }

func (bodySource) extract(c Carrier) (string, bool) {
	body := c.JSONBody()
	if body == nil {
		return "", false
	}
	token, _ := body["api_key"].(string)
	return token, token != ""
}
