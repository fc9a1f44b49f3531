package agent

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/relaytunnel/webtunnel/internal/tunlog"
	"github.com/relaytunnel/webtunnel/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	mu   sync.Mutex
	sent []*wire.Frame
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{}
}

func (fc *fakeChannel) Send(f *wire.Frame) error {
	fc.mu.Lock()
	fc.sent = append(fc.sent, f)
	fc.mu.Unlock()
	return nil
}

func (fc *fakeChannel) framesByEvent(event wire.Event) []*wire.Frame {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	var out []*wire.Frame
	for _, f := range fc.sent {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

func (fc *fakeChannel) waitFor(event wire.Event) *wire.Frame {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	deadline := time.Now().Add(2 * time.Second)
	for {
		for _, f := range fc.sent {
			if f.Event == event {
				return f
			}
		}
		if time.Now().After(deadline) {
			return nil
		}
		fc.mu.Unlock()
		time.Sleep(time.Millisecond)
		fc.mu.Lock()
	}
}

func newTestDispatcher(t *testing.T, originURL *url.URL) (*Dispatcher, *fakeChannel) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(originURL.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg := &Config{LocalHost: host, LocalPort: port}
	d := NewDispatcher(cfg, tunlog.New("test", tunlog.LevelTrace))
	fc := newFakeChannel()
	d.SetChannel(fc)

	// Give the origin reachability monitor a moment to mark the origin
	// up before any request is dispatched.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !d.origin.Ready() {
		time.Sleep(time.Millisecond)
	}
	t.Cleanup(d.Close)
	return d, fc
}

func TestDispatcherRoundTripsGetRequest(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/hello", r.URL.Path)
		assert.Equal(t, "example.com", r.Host)
		w.Header().Set("X-Reply", "yes")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("world"))
	}))
	defer origin.Close()
	u, _ := url.Parse(origin.URL)

	d, fc := newTestDispatcher(t, u)

	id := wire.NewRequestID()
	d.HandleFrame(&wire.Frame{
		Event: wire.EventRequest, ID: id,
		Request: &wire.RequestDescriptor{
			Method: "GET", Path: "/hello",
			Headers: wire.Headers{{Name: "Host", Value: "example.com"}},
			Flavor:  wire.FlavorHTTP1,
		},
	})
	d.HandleFrame(&wire.Frame{Event: wire.EventReqEnd, ID: id})

	resp := fc.waitFor(wire.EventResponse)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusOK, resp.Response.StatusCode)
	assert.Equal(t, "yes", resp.Response.Headers.Get("X-Reply"))

	end := fc.waitFor(wire.EventResEnd)
	require.NotNil(t, end)

	data := fc.framesByEvent(wire.EventResData)
	require.Len(t, data, 1)
	assert.Equal(t, "world", string(data[0].Data))
}

func TestDispatcherEmitsLocalClientNotConnectedWhenOriginDown(t *testing.T) {
	cfg := &Config{LocalHost: "127.0.0.1", LocalPort: 1} // nothing listens on port 1
	d := NewDispatcher(cfg, tunlog.New("test", tunlog.LevelTrace))
	fc := newFakeChannel()
	d.SetChannel(fc)
	defer d.Close()

	id := wire.NewRequestID()
	d.HandleFrame(&wire.Frame{
		Event: wire.EventRequest, ID: id,
		Request: &wire.RequestDescriptor{Method: "GET", Path: "/x", Flavor: wire.FlavorHTTP1},
	})
	d.HandleFrame(&wire.Frame{Event: wire.EventReqEnd, ID: id})

	errFrame := fc.waitFor(wire.EventResError)
	require.NotNil(t, errFrame)
	assert.Equal(t, "Local client not connected", errFrame.Message)
}

// TestAgentStreamEnqueueDoesNotBlockOnSlowOrigin guards against the
// shared control-channel reader goroutine ever blocking on a slow local
// origin: enqueue must return immediately even while the stream's pump
// goroutine is itself stuck writing into an io.Pipe nobody is reading.
func TestAgentStreamEnqueueDoesNotBlockOnSlowOrigin(t *testing.T) {
	pr, pw := io.Pipe()
	defer pr.Close()
	st := newAgentStream(wire.NewRequestID(), pw)

	done := make(chan struct{})
	go func() {
		// Nobody reads pr, so this Write blocks inside pump() until the
		// pipe is closed or read from.
		st.enqueue(bodyChunk{data: make([]byte, 1<<20)})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("enqueue blocked on slow origin")
	}

	st.Abort(assertErrAgent("shutting down"))
}

type assertErrAgent string

func (e assertErrAgent) Error() string { return string(e) }

func TestApplyRequestHeadersSetsGRPCTrailersHeader(t *testing.T) {
	req, err := http.NewRequest("POST", "http://example.com/pkg.Svc/Method", nil)
	require.NoError(t, err)
	desc := &wire.RequestDescriptor{
		Flavor: wire.FlavorHTTP2,
		Headers: wire.Headers{
			{Name: "Content-Type", Value: "application/grpc"},
		},
	}
	applyRequestHeaders(req, desc)
	assert.Equal(t, "trailers", req.Header.Get("te"))
	assert.Equal(t, "application/grpc", req.Header.Get("Content-Type"))
}
