package edge

import (
	"bufio"
	"io"
	"net"
	"sync"

	"github.com/relaytunnel/webtunnel/internal/wire"
)

// webSocketStream is the edge-side per-request state for a tunneled
// WebSocket upgrade: unlike a regular request there is no
// http.ResponseWriter once the connection is hijacked, so response
// frames are handed off through channels instead of written directly.
type webSocketStream struct {
	id wire.RequestID

	headersReady chan struct{}
	headersOnce  sync.Once
	resp         *wire.ResponseDescriptor

	data chan []byte

	done     chan struct{}
	doneOnce sync.Once
	err      error
}

func newWebSocketStream(id wire.RequestID) *webSocketStream {
	return &webSocketStream{
		id:           id,
		headersReady: make(chan struct{}),
		data:         make(chan []byte, 16),
		done:         make(chan struct{}),
	}
}

func (ws *webSocketStream) Abort(err error) {
	ws.finish(err)
}

func (ws *webSocketStream) finish(err error) {
	ws.err = err
	ws.doneOnce.Do(func() { close(ws.done) })
	ws.headersOnce.Do(func() { close(ws.headersReady) })
}

func (ws *webSocketStream) onResponse(resp *wire.ResponseDescriptor) {
	ws.resp = resp
	ws.headersOnce.Do(func() { close(ws.headersReady) })
}

func (ws *webSocketStream) onData(data []byte) {
	select {
	case ws.data <- data:
	case <-ws.done:
	}
}

func (ws *webSocketStream) onEnd() {
	ws.finish(nil)
}

// spliceWebSocket copies bytes in both directions between the hijacked
// public socket and the tunneled connection until either side closes.
func spliceWebSocket(conn net.Conn, rw *bufio.ReadWriter, ac *AgentConn, id wire.RequestID, ws *webSocketStream) {
	defer ac.Streams.Remove(id)

	upDone := make(chan struct{})
	go func() {
		defer close(upDone)
		buf := make([]byte, requestBodyChunkSize)
		for {
			n, err := rw.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				if sendErr := ac.Channel.Send(&wire.Frame{Event: wire.EventReqData, ID: id, Data: chunk}); sendErr != nil {
					return
				}
			}
			if err != nil {
				if err == io.EOF {
					ac.Channel.Send(&wire.Frame{Event: wire.EventReqEnd, ID: id})
				} else {
					ac.Channel.Send(&wire.Frame{Event: wire.EventReqError, ID: id, Message: err.Error()})
				}
				return
			}
		}
	}()

	downDone := make(chan struct{})
	go func() {
		defer close(downDone)
		for {
			select {
			case chunk, ok := <-ws.data:
				if !ok {
					return
				}
				if _, err := rw.Write(chunk); err != nil {
					return
				}
				rw.Flush()
			case <-ws.done:
				return
			}
		}
	}()

	select {
	case <-upDone:
	case <-downDone:
	case <-ws.done:
	}
	conn.Close()
	<-upDone
	<-downDone
}
