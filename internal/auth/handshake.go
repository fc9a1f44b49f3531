package auth

import "net/http"

// Handshake header names an agent sends when opening its control
// channel, alongside the bearer token in the Authorization header.
const (
	HeaderPathPrefix    = "path-prefix"
	HeaderSupportsHTTP2 = "supports-http2"
)

// ControlPath is the reserved HTTP path an agent's control channel
// connects to; edge dispatch never routes a public request here.
const ControlPath = "/$web_tunnel"

// Handshake is the parsed set of headers an agent presents when opening
// a control channel, after the bearer token itself has been verified.
type Handshake struct {
	Token       string
	Host        string
	PathPrefix  string
	SupportsHTTP2 bool
}

// ParseHandshake extracts the handshake fields from an HTTP request's
// headers. It does not verify the token; callers pass Token to Verify
// separately.
func ParseHandshake(h http.Header, host string) Handshake {
	return Handshake{
		Token:         bearerToken(h.Get("Authorization")),
		Host:          host,
		PathPrefix:    h.Get(HeaderPathPrefix),
		SupportsHTTP2: h.Get(HeaderSupportsHTTP2) == "true",
	}
}

func bearerToken(authorization string) string {
	const prefix = "Bearer "
	if len(authorization) > len(prefix) && authorization[:len(prefix)] == prefix {
		return authorization[len(prefix):]
	}
	return authorization
}
