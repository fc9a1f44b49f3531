package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTripRequest(t *testing.T) {
	id := NewRequestID()
	f := &Frame{
		Event:  EventRequest,
		ID:     id,
		Flavor: FlavorHTTP1,
		Request: &RequestDescriptor{
			Method: "GET",
			Path:   "/foo/bar?x=1",
			Headers: Headers{
				{Name: "Host", Value: "example.com"},
				{Name: "Accept", Value: "text/html"},
				{Name: "Accept", Value: "application/json"},
			},
			Flavor: FlavorHTTP1,
		},
	}

	data, err := f.Marshal()
	require.NoError(t, err)

	got, err := Unmarshal(data)
	require.NoError(t, err)

	assert.Equal(t, EventRequest, got.Event)
	assert.Equal(t, id, got.ID)
	require.NotNil(t, got.Request)
	assert.Equal(t, "GET", got.Request.Method)
	assert.Equal(t, "/foo/bar?x=1", got.Request.Path)
	assert.Equal(t, []string{"text/html", "application/json"}, got.Request.Headers.Values("Accept"))
}

func TestFrameRoundTripHTTP2RequestUsesPrefixedWireName(t *testing.T) {
	id := NewRequestID()
	f := &Frame{
		Event:  EventRequest,
		ID:     id,
		Flavor: FlavorHTTP2,
		Request: &RequestDescriptor{
			Method: "POST",
			Path:   "/grpc.Service/Method",
			Flavor: FlavorHTTP2,
		},
	}

	data, err := f.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"http2-request"`)

	got, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, EventRequest, got.Event)
	assert.Equal(t, FlavorHTTP2, got.Flavor)
	assert.Equal(t, FlavorHTTP2, got.Request.Flavor)
}

func TestFrameRoundTripDataBatch(t *testing.T) {
	id := NewRequestID()
	f := &Frame{
		Event: EventReqDataBatch,
		ID:    id,
		Batch: [][]byte{[]byte("hello"), []byte("world"), {}},
	}

	data, err := f.Marshal()
	require.NoError(t, err)

	got, err := Unmarshal(data)
	require.NoError(t, err)
	require.Len(t, got.Batch, 3)
	assert.Equal(t, "hello", string(got.Batch[0]))
	assert.Equal(t, "world", string(got.Batch[1]))
	assert.Equal(t, "", string(got.Batch[2]))
}

func TestFrameRoundTripEndAndError(t *testing.T) {
	id := NewRequestID()

	end := &Frame{Event: EventReqEnd, ID: id}
	data, err := end.Marshal()
	require.NoError(t, err)
	got, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, EventReqEnd, got.Event)
	assert.Equal(t, id, got.ID)

	errFrame := &Frame{Event: EventResError, ID: id, Message: "origin unreachable"}
	data, err = errFrame.Marshal()
	require.NoError(t, err)
	got, err = Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, "origin unreachable", got.Message)
}

func TestFrameRoundTripPingPongCarryNoRequestID(t *testing.T) {
	ping := &Frame{Event: EventPing}
	data, err := ping.Marshal()
	require.NoError(t, err)
	assert.Equal(t, `["ping"]`, string(data))

	got, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, EventPing, got.Event)
	assert.True(t, got.ID.IsNil())
}

func TestFrameRoundTripTrailers(t *testing.T) {
	id := NewRequestID()
	f := &Frame{
		Event: EventResTrailers,
		ID:    id,
		Trailers: Headers{
			{Name: "grpc-status", Value: "0"},
			{Name: "grpc-message", Value: ""},
		},
	}
	data, err := f.Marshal()
	require.NoError(t, err)

	got, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, "0", got.Trailers.Get("grpc-status"))
}

func TestUnmarshalAcceptsBothWireNameFamiliesForSameCanonicalEvent(t *testing.T) {
	id := NewRequestID()

	http1Data, err := (&Frame{Event: EventResEnd, ID: id, Flavor: FlavorHTTP1}).Marshal()
	require.NoError(t, err)
	http2Data, err := (&Frame{Event: EventResEnd, ID: id, Flavor: FlavorHTTP2}).Marshal()
	require.NoError(t, err)

	assert.NotEqual(t, http1Data, http2Data)

	f1, err := Unmarshal(http1Data)
	require.NoError(t, err)
	f2, err := Unmarshal(http2Data)
	require.NoError(t, err)

	assert.Equal(t, EventResEnd, f1.Event)
	assert.Equal(t, EventResEnd, f2.Event)
	assert.Equal(t, FlavorHTTP1, f1.Flavor)
	assert.Equal(t, FlavorHTTP2, f2.Flavor)
}

func TestUnmarshalRejectsUnknownEvent(t *testing.T) {
	_, err := Unmarshal([]byte(`["bogus-event","` + NewRequestID().String() + `"]`))
	assert.Error(t, err)
}

func TestUnmarshalRejectsMalformedRequestID(t *testing.T) {
	_, err := Unmarshal([]byte(`["req-end","not-hex"]`))
	assert.Error(t, err)
}
