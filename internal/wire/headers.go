package wire

import "net/http"

// HeaderField is one name/value pair in an ordered header multimap. The
// wire format allows any byte in Value except NUL, CR, LF; the name is
// ASCII. Order and duplicate names are preserved end to end across the
// control channel, unlike net/http.Header (a map, which loses insertion
// order across distinct names).
type HeaderField struct {
	Name  string
	Value string
}

// Headers is an ordered multimap of header name to value(s).
type Headers []HeaderField

// Add appends a field, preserving any existing occurrences of Name.
func (h *Headers) Add(name, value string) {
	*h = append(*h, HeaderField{Name: name, Value: value})
}

// Get returns the first value for name (case-insensitive), or "" if absent.
func (h Headers) Get(name string) string {
	for _, f := range h {
		if httpEqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Values returns every value for name, in wire order.
func (h Headers) Values(name string) []string {
	var out []string
	for _, f := range h {
		if httpEqualFold(f.Name, name) {
			out = append(out, f.Value)
		}
	}
	return out
}

// Set replaces every existing occurrence of name with a single field
// carrying value, inserted at the position of the first occurrence (or
// appended if name was absent).
func (h *Headers) Set(name, value string) {
	replaced := false
	out := make(Headers, 0, len(*h)+1)
	for _, f := range *h {
		if httpEqualFold(f.Name, name) {
			if !replaced {
				out = append(out, HeaderField{Name: name, Value: value})
				replaced = true
			}
			continue
		}
		out = append(out, f)
	}
	if !replaced {
		out = append(out, HeaderField{Name: name, Value: value})
	}
	*h = out
}

// Del removes every occurrence of name.
func (h *Headers) Del(name string) {
	out := make(Headers, 0, len(*h))
	for _, f := range *h {
		if !httpEqualFold(f.Name, name) {
			out = append(out, f)
		}
	}
	*h = out
}

func httpEqualFold(a, b string) bool {
	return http.CanonicalHeaderKey(a) == http.CanonicalHeaderKey(b)
}

// ToHTTPHeader converts to net/http.Header for handing to the standard
// library. Order across distinct names is lost (net/http.Header is a
// map); order among repeated occurrences of the same name is preserved.
func (h Headers) ToHTTPHeader() http.Header {
	out := make(http.Header, len(h))
	for _, f := range h {
		out.Add(f.Name, f.Value)
	}
	return out
}

// HeadersFromHTTP builds an ordered Headers from a net/http.Header. Since
// http.Header does not track cross-name order, the result is ordered by
// Go's (randomized) map iteration for distinct names, with same-name
// values kept in their original slice order; callers that need a
// deterministic order should sort by name first.
func HeadersFromHTTP(h http.Header) Headers {
	out := make(Headers, 0, len(h))
	for name, values := range h {
		for _, v := range values {
			out = append(out, HeaderField{Name: name, Value: v})
		}
	}
	return out
}

// Clone returns an independent copy.
func (h Headers) Clone() Headers {
	out := make(Headers, len(h))
	copy(out, h)
	return out
}
