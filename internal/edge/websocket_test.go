package edge

import (
	"bufio"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/relaytunnel/webtunnel/internal/registry"
	"github.com/relaytunnel/webtunnel/internal/tunlog"
	"github.com/relaytunnel/webtunnel/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestServeWebSocketUpgradeSplicesHijackedSocket exercises the full
// hijack-and-splice path end to end: a raw TCP client sends an upgrade
// request, a simulated agent answers with 101 plus a data frame, and
// the test asserts the raw bytes reach the client's hijacked socket.
func TestServeWebSocketUpgradeSplicesHijackedSocket(t *testing.T) {
	reg := registry.New()
	sender := &fakeSender{id: "agent-1"}
	ac := NewAgentConn(sender, nil, false, tunlog.New("test", tunlog.LevelTrace))
	agent, err := reg.Register("example.com", "", ac, false)
	require.NoError(t, err)
	ac.Agent = agent

	d := NewDispatcher(reg, tunlog.New("test", tunlog.LevelTrace))
	srv := httptest.NewServer(d)
	defer srv.Close()

	conn, err := net.Dial("tcp", srv.Listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	req, err := http.NewRequest("GET", srv.URL+"/ws", nil)
	require.NoError(t, err)
	req.Host = "example.com"
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	require.NoError(t, req.Write(conn))

	reqFrame := waitForFrame(sender)
	require.NotNil(t, reqFrame)
	assert.Equal(t, "/ws", reqFrame.Request.Path)

	ac.HandleFrame(&wire.Frame{
		Event: wire.EventResponse, ID: reqFrame.ID,
		Response: &wire.ResponseDescriptor{
			StatusCode:    http.StatusSwitchingProtocols,
			StatusMessage: "Switching Protocols",
			Headers: wire.Headers{
				{Name: "Upgrade", Value: "websocket"},
				{Name: "Connection", Value: "Upgrade"},
			},
		},
	})
	ac.HandleFrame(&wire.Frame{Event: wire.EventResData, ID: reqFrame.ID, Data: []byte("hello-from-agent")})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	br := bufio.NewReader(conn)
	statusLine, err := br.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, statusLine, "101")

	for {
		line, err := br.ReadString('\n')
		require.NoError(t, err)
		if line == "\r\n" {
			break
		}
	}

	buf := make([]byte, len("hello-from-agent"))
	_, err = readFull(br, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello-from-agent", string(buf))

	// Client-to-agent direction: bytes written to the raw socket should
	// surface as EventReqData frames on the channel.
	_, err = conn.Write([]byte("hi-from-client"))
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	var upFrame *wire.Frame
	for time.Now().Before(deadline) {
		for _, f := range sender.sentSnapshot() {
			if f.Event == wire.EventReqData && f.ID == reqFrame.ID {
				upFrame = f
				break
			}
		}
		if upFrame != nil {
			break
		}
		time.Sleep(time.Millisecond)
	}
	require.NotNil(t, upFrame)
	assert.Equal(t, "hi-from-client", string(upFrame.Data))
}

func (f *fakeSender) sentSnapshot() []*wire.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*wire.Frame, len(f.sent))
	copy(out, f.sent)
	return out
}

func readFull(br *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := br.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
