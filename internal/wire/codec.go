package wire

import (
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// Encoder serializes Frames onto a websocket connection. Writes are
// serialized with a mutex: gorilla/websocket forbids concurrent writers,
// and taking the lock for the duration of WriteMessage is what gives the
// channel its backpressure — a slow reader on the far end stalls the
// underlying TCP write buffer, which stalls WriteMessage, which stalls
// every goroutine waiting to send the next frame.
type Encoder struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// NewEncoder wraps conn. Callers must not write to conn directly once
// wrapped.
func NewEncoder(conn *websocket.Conn) *Encoder {
	return &Encoder{conn: conn}
}

// WriteFrame blocks until f has been handed to the OS socket buffer (or an
// error occurs). It is safe to call from multiple goroutines.
func (e *Encoder) WriteFrame(f *Frame) error {
	data, err := f.Marshal()
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn.WriteMessage(websocket.TextMessage, data)
}

// Decoder deserializes Frames from a websocket connection. gorilla's
// ReadMessage is not safe for concurrent use, so a Decoder must have at
// most one reader goroutine at a time; that goroutine is expected to be
// the channel's demultiplexer.
type Decoder struct {
	conn *websocket.Conn
}

// NewDecoder wraps conn.
func NewDecoder(conn *websocket.Conn) *Decoder {
	return &Decoder{conn: conn}
}

// ReadFrame blocks for the next text frame and decodes it. Binary
// websocket messages are rejected: every frame on this protocol is a
// JSON array sent as a text message.
func (d *Decoder) ReadFrame() (*Frame, error) {
	msgType, data, err := d.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if msgType != websocket.TextMessage {
		return nil, fmt.Errorf("wire: unexpected websocket message type %d", msgType)
	}
	return Unmarshal(data)
}
