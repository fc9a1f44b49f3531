package wire

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Frame is one message on the control channel. Every frame except
// PING/PONG carries a RequestID. Which of the payload fields is
// meaningful depends on Event.
type Frame struct {
	Event  Event
	ID     RequestID
	Flavor Flavor // which wire-name family to encode as; set from the wire name on decode

	Request  *RequestDescriptor  // EventRequest
	Response *ResponseDescriptor // EventResponse
	Data     []byte              // EventReqData / EventResData
	Batch    [][]byte            // EventReqDataBatch / EventResDataBatch
	Trailers Headers             // EventResTrailers
	Message  string              // EventReqError / EventResError
}

type wireHeaderPair [2]string

func headersToWire(h Headers) []wireHeaderPair {
	out := make([]wireHeaderPair, len(h))
	for i, f := range h {
		out[i] = wireHeaderPair{f.Name, f.Value}
	}
	return out
}

func headersFromWire(pairs []wireHeaderPair) Headers {
	out := make(Headers, len(pairs))
	for i, p := range pairs {
		out[i] = HeaderField{Name: p[0], Value: p[1]}
	}
	return out
}

type wireRequestDescriptor struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers []wireHeaderPair  `json:"headers"`
	Flavor  Flavor            `json:"flavor"`
}

type wireResponseDescriptor struct {
	StatusCode    int              `json:"statusCode"`
	StatusMessage string           `json:"statusMessage"`
	Headers       []wireHeaderPair `json:"headers"`
}

// Marshal serializes a Frame as a JSON array: [event, requestId, args...].
// The event name reflects f.Flavor for request/response-family events per
// the http2- prefixed wire name family described in the frame codec.
func (f *Frame) Marshal() ([]byte, error) {
	name := wireName(f.Event, f.Flavor)
	args := []interface{}{name}
	if f.Event != EventPing && f.Event != EventPong {
		args = append(args, f.ID.String())
	}

	switch f.Event {
	case EventRequest:
		if f.Request == nil {
			return nil, errMissingField("Request")
		}
		args = append(args, wireRequestDescriptor{
			Method:  f.Request.Method,
			Path:    f.Request.Path,
			Headers: headersToWire(f.Request.Headers),
			Flavor:  f.Request.Flavor,
		})
	case EventResponse:
		if f.Response == nil {
			return nil, errMissingField("Response")
		}
		args = append(args, wireResponseDescriptor{
			StatusCode:    f.Response.StatusCode,
			StatusMessage: f.Response.StatusMessage,
			Headers:       headersToWire(f.Response.Headers),
		})
	case EventReqData, EventResData:
		args = append(args, base64.StdEncoding.EncodeToString(f.Data))
	case EventReqDataBatch, EventResDataBatch:
		encoded := make([]string, len(f.Batch))
		for i, chunk := range f.Batch {
			encoded[i] = base64.StdEncoding.EncodeToString(chunk)
		}
		args = append(args, encoded)
	case EventReqEnd, EventResEnd:
		// no additional args
	case EventReqError, EventResError:
		args = append(args, f.Message)
	case EventResTrailers:
		args = append(args, headersToWire(f.Trailers))
	case EventPing, EventPong:
		// no additional args
	default:
		return nil, fmt.Errorf("wire: unknown event %q", f.Event)
	}

	return json.Marshal(args)
}

// Unmarshal decodes a JSON array previously produced by Marshal (from
// either this side or a peer using the other wire-name family for the
// same canonical event).
func Unmarshal(data []byte) (*Frame, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("wire: malformed frame: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("wire: empty frame")
	}

	var wireEvent Event
	if err := json.Unmarshal(raw[0], &wireEvent); err != nil {
		return nil, fmt.Errorf("wire: malformed event name: %w", err)
	}
	canon, flavor, ok := canonicalize(wireEvent)
	if !ok {
		return nil, fmt.Errorf("wire: unrecognized event %q", wireEvent)
	}

	f := &Frame{Event: canon, Flavor: flavor}

	rest := raw[1:]
	if canon != EventPing && canon != EventPong {
		if len(rest) == 0 {
			return nil, fmt.Errorf("wire: %q frame missing request id", canon)
		}
		var idHex string
		if err := json.Unmarshal(rest[0], &idHex); err != nil {
			return nil, fmt.Errorf("wire: malformed request id: %w", err)
		}
		id, err := ParseRequestID(idHex)
		if err != nil {
			return nil, fmt.Errorf("wire: malformed request id: %w", err)
		}
		f.ID = id
		rest = rest[1:]
	}

	switch canon {
	case EventRequest:
		if len(rest) < 1 {
			return nil, fmt.Errorf("wire: request frame missing descriptor")
		}
		var wd wireRequestDescriptor
		if err := json.Unmarshal(rest[0], &wd); err != nil {
			return nil, fmt.Errorf("wire: malformed request descriptor: %w", err)
		}
		reqFlavor := wd.Flavor
		if reqFlavor == "" {
			reqFlavor = flavor
		}
		f.Request = &RequestDescriptor{
			Method:  wd.Method,
			Path:    wd.Path,
			Headers: headersFromWire(wd.Headers),
			Flavor:  reqFlavor,
		}
	case EventResponse:
		if len(rest) < 1 {
			return nil, fmt.Errorf("wire: response frame missing descriptor")
		}
		var wd wireResponseDescriptor
		if err := json.Unmarshal(rest[0], &wd); err != nil {
			return nil, fmt.Errorf("wire: malformed response descriptor: %w", err)
		}
		if wd.StatusCode == 0 {
			wd.StatusCode = 200
		}
		f.Response = &ResponseDescriptor{
			StatusCode:    wd.StatusCode,
			StatusMessage: wd.StatusMessage,
			Headers:       headersFromWire(wd.Headers),
		}
	case EventReqData, EventResData:
		if len(rest) < 1 {
			return nil, fmt.Errorf("wire: data frame missing payload")
		}
		var b64 string
		if err := json.Unmarshal(rest[0], &b64); err != nil {
			return nil, fmt.Errorf("wire: malformed data payload: %w", err)
		}
		data, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, fmt.Errorf("wire: malformed base64 payload: %w", err)
		}
		f.Data = data
	case EventReqDataBatch, EventResDataBatch:
		if len(rest) < 1 {
			return nil, fmt.Errorf("wire: batch frame missing payload")
		}
		var encoded []string
		if err := json.Unmarshal(rest[0], &encoded); err != nil {
			return nil, fmt.Errorf("wire: malformed batch payload: %w", err)
		}
		batch := make([][]byte, len(encoded))
		for i, e := range encoded {
			data, err := base64.StdEncoding.DecodeString(e)
			if err != nil {
				return nil, fmt.Errorf("wire: malformed base64 batch element: %w", err)
			}
			batch[i] = data
		}
		f.Batch = batch
	case EventReqEnd, EventResEnd, EventPing, EventPong:
		// no additional args
	case EventReqError, EventResError:
		if len(rest) < 1 {
			return nil, fmt.Errorf("wire: error frame missing message")
		}
		if err := json.Unmarshal(rest[0], &f.Message); err != nil {
			return nil, fmt.Errorf("wire: malformed error message: %w", err)
		}
	case EventResTrailers:
		if len(rest) < 1 {
			return nil, fmt.Errorf("wire: trailers frame missing headers")
		}
		var pairs []wireHeaderPair
		if err := json.Unmarshal(rest[0], &pairs); err != nil {
			return nil, fmt.Errorf("wire: malformed trailers: %w", err)
		}
		f.Trailers = headersFromWire(pairs)
	}

	return f, nil
}

func errMissingField(name string) error {
	return fmt.Errorf("wire: frame missing %s", name)
}
