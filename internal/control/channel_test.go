package control

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/relaytunnel/webtunnel/internal/tunlog"
	"github.com/relaytunnel/webtunnel/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	frames chan *wire.Frame
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{frames: make(chan *wire.Frame, 16)}
}

func (h *recordingHandler) HandleFrame(f *wire.Frame) {
	h.frames <- f
}

func newChannelPair(t *testing.T) (client *Channel, server *Channel, clientHandler, serverHandler *recordingHandler) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	serverHandler = newRecordingHandler()
	clientHandler = newRecordingHandler()

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		server = New("server-side", conn, serverHandler, tunlog.New("test", tunlog.LevelTrace))
		require.NoError(t, server.MarkReady(context.Background()))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	client = New("client-side", conn, clientHandler, tunlog.New("test", tunlog.LevelTrace))
	require.NoError(t, client.MarkReady(context.Background()))

	// give the server side a moment to finish upgrading and starting pumps
	time.Sleep(50 * time.Millisecond)
	return client, server, clientHandler, serverHandler
}

func TestChannelSendIsDeliveredToPeerHandler(t *testing.T) {
	client, server, _, serverHandler := newChannelPair(t)
	defer client.Close(nil)
	defer server.Close(nil)

	id := wire.NewRequestID()
	err := client.Send(&wire.Frame{
		Event: wire.EventRequest,
		ID:    id,
		Request: &wire.RequestDescriptor{
			Method: "GET",
			Path:   "/hello",
			Flavor: wire.FlavorHTTP1,
		},
	})
	require.NoError(t, err)

	select {
	case f := <-serverHandler.frames:
		assert.Equal(t, wire.EventRequest, f.Event)
		assert.Equal(t, id, f.ID)
		assert.Equal(t, "/hello", f.Request.Path)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
}

func TestChannelPingIsAnsweredWithPongInternally(t *testing.T) {
	client, server, clientHandler, serverHandler := newChannelPair(t)
	defer client.Close(nil)
	defer server.Close(nil)

	require.NoError(t, client.Send(&wire.Frame{Event: wire.EventPing}))

	// PING/PONG are handled inside the channel and never reach Handler.
	select {
	case f := <-serverHandler.frames:
		t.Fatalf("unexpected frame delivered to handler: %v", f.Event)
	case <-time.After(200 * time.Millisecond):
	}
	select {
	case f := <-clientHandler.frames:
		t.Fatalf("unexpected frame delivered to handler: %v", f.Event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChannelCloseUnblocksDone(t *testing.T) {
	client, server, _, _ := newChannelPair(t)
	defer server.Close(nil)

	client.Close(nil)

	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("channel did not close")
	}
	assert.Equal(t, StateClosed, client.State())
}

func TestFailHandshakeTwiceReportsIllegalSecondTransition(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var serverConn *websocket.Conn
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		serverConn = conn
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	require.NotNil(t, serverConn)

	ch := New("pending", conn, newRecordingHandler(), tunlog.New("test", tunlog.LevelTrace))
	require.NoError(t, ch.FailHandshake(assertAnError))
	assert.Error(t, ch.FailHandshake(assertAnError))
	assert.Equal(t, StateClosed, ch.State())
}

var assertAnError = errAssertion("boom")

type errAssertion string

func (e errAssertion) Error() string { return string(e) }
