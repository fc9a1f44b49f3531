package wire

// Flavor selects which HTTP major version a tunneled request is carried
// as end to end. It governs trailer support and whether the body may be
// full-duplex (interleaved after the response starts).
type Flavor string

const (
	FlavorHTTP1 Flavor = "http1"
	FlavorHTTP2 Flavor = "http2"
)

// RequestDescriptor is sent once per request, in the REQUEST frame.
type RequestDescriptor struct {
	Method  string
	Path    string // URI reference including query
	Headers Headers
	Flavor  Flavor
}

// ResponseDescriptor is sent once per response, before any body frames
// or together with the first one, in the RESPONSE frame.
type ResponseDescriptor struct {
	StatusCode    int
	StatusMessage string
	Headers       Headers
}

// StripHTTP2PseudoHeaders returns a copy of h with any header whose name
// begins with ':' removed. HTTP/2 pseudo-headers (":status", ":method",
// ":path", ":authority", ":scheme") have no place in an HTTP/1 header
// block; ":status" in particular is represented by StatusCode instead.
func StripHTTP2PseudoHeaders(h Headers) Headers {
	out := make(Headers, 0, len(h))
	for _, f := range h {
		if len(f.Name) > 0 && f.Name[0] == ':' {
			continue
		}
		out = append(out, f)
	}
	return out
}
