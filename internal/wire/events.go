package wire

// Event names the kind of a Frame. The wire carries two families of names
// for the request/response events — an unprefixed HTTP/1 family and an
// "http2-" prefixed family — so that peers speaking either can
// interoperate; the wire name only sets Frame.Flavor, and dispatch logic
// branches on the descriptor's Flavor.
type Event string

const (
	EventRequest      Event = "request"
	EventReqData      Event = "req-data"
	EventReqDataBatch Event = "req-data-batch"
	EventReqEnd       Event = "req-end"
	EventReqError     Event = "req-error"

	EventResponse      Event = "response"
	EventResData       Event = "res-data"
	EventResDataBatch  Event = "res-data-batch"
	EventResEnd        Event = "res-end"
	EventResError      Event = "res-error"
	EventResTrailers   Event = "res-trailers"

	EventPing Event = "ping"
	EventPong Event = "pong"
)

// http2EventName is the "http2-" prefixed wire name for events that carry
// per-request traffic. PING/PONG have no flavor-specific variant.
var http2EventName = map[Event]Event{
	EventRequest:      "http2-request",
	EventReqData:      "http2-req-data",
	EventReqDataBatch: "http2-req-data-batch",
	EventReqEnd:       "http2-req-end",
	EventReqError:     "http2-req-error",

	EventResponse:     "http2-response",
	EventResData:      "http2-res-data",
	EventResDataBatch: "http2-res-data-batch",
	EventResEnd:       "http2-res-end",
	EventResError:     "http2-res-error",
	EventResTrailers:  "http2-res-trailers",
}

// canonicalEventName maps either wire-name family back to the canonical
// (unprefixed) Event, so decode logic only ever branches on one set of
// constants.
var canonicalEventName = func() map[Event]Event {
	m := make(map[Event]Event, len(http2EventName)*2+2)
	for canon, h2 := range http2EventName {
		m[canon] = canon
		m[h2] = canon
	}
	m[EventPing] = EventPing
	m[EventPong] = EventPong
	return m
}()

// wireName returns the on-the-wire event name for e given flavor.
func wireName(e Event, flavor Flavor) Event {
	if flavor == FlavorHTTP2 {
		if h2, ok := http2EventName[e]; ok {
			return h2
		}
	}
	return e
}

// canonicalize resolves either wire-name family to the canonical Event
// and reports which flavor the wire name implied. PING/PONG carry no
// flavor implication (flavor is reported as FlavorHTTP1 arbitrarily).
func canonicalize(wire Event) (canon Event, flavor Flavor, ok bool) {
	canon, ok = canonicalEventName[wire]
	if !ok {
		return "", "", false
	}
	for c, h2 := range http2EventName {
		if h2 == wire && c == canon {
			return canon, FlavorHTTP2, true
		}
	}
	return canon, FlavorHTTP1, true
}
