package edge

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/relaytunnel/webtunnel/internal/wire"
)

const streamQueueDepth = 64

type streamMsgKind int

const (
	msgHeaders streamMsgKind = iota
	msgData
	msgTrailers
	msgEnd
	msgError
)

// streamMsg is one decoded RESPONSE-family frame queued for a stream's
// writer goroutine.
type streamMsg struct {
	kind     streamMsgKind
	resp     *wire.ResponseDescriptor
	data     []byte
	trailers wire.Headers
	errMsg   string
}

// stream is the edge-side per-request state (part of C6): it owns the
// public http.ResponseWriter for one tunneled request. Every write to w
// happens on stream's own goroutine (pump), never on the channel's
// shared reader goroutine, so a slow public client on one request can
// never stall delivery of frames belonging to any other request
// sharing the same agent's channel.
type stream struct {
	id wire.RequestID
	w  http.ResponseWriter

	msgs  chan streamMsg
	abort chan error

	headersSent bool
	bytesOut    int64
	done        chan struct{}
	doneOnce    sync.Once
	abortOnce   sync.Once
	err         error
}

func newStream(id wire.RequestID, w http.ResponseWriter) *stream {
	s := &stream{
		id:    id,
		w:     w,
		msgs:  make(chan streamMsg, streamQueueDepth),
		abort: make(chan error, 1),
		done:  make(chan struct{}),
	}
	go s.pump()
	return s
}

// enqueue hands a decoded frame event to the writer goroutine. It is
// called from the channel's shared reader goroutine and never blocks
// once the stream has already finished.
func (s *stream) enqueue(m streamMsg) {
	select {
	case s.msgs <- m:
	case <-s.done:
	}
}

// pump is the only goroutine that ever touches w, so writeResponseHeaders
// / writeData / writeTrailers need no locking around it even though
// frames and an Abort can originate from different goroutines.
func (s *stream) pump() {
	for {
		select {
		case m := <-s.msgs:
			switch m.kind {
			case msgHeaders:
				s.writeResponseHeaders(m.resp)
			case msgData:
				s.writeData(m.data)
			case msgTrailers:
				s.writeTrailers(m.trailers)
			case msgEnd:
				s.finish(nil)
				return
			case msgError:
				if !s.headersSent {
					http.Error(s.w, "Request error", http.StatusBadGateway)
					s.headersSent = true
				}
				s.finish(fmt.Errorf("res-error: %s", m.errMsg))
				return
			}
		case err := <-s.abort:
			if !s.headersSent {
				http.Error(s.w, "Agent connection lost", http.StatusInternalServerError)
				s.headersSent = true
			}
			s.finish(err)
			return
		}
	}
}

func (s *stream) finish(err error) {
	s.err = err
	s.doneOnce.Do(func() { close(s.done) })
}

// Abort implements streamreg.Stream. It is called when the owning
// channel is closing or draining while this request is still in
// flight. If the response hasn't started yet the public client gets a
// 500 instead of net/http's default 200; if headers are already sent
// there is nothing left to do but stop writing and let the connection
// close underneath the client.
func (s *stream) Abort(err error) {
	s.abortOnce.Do(func() { s.abort <- err })
}

func (s *stream) writeResponseHeaders(resp *wire.ResponseDescriptor) {
	headers := wire.StripHTTP2PseudoHeaders(resp.Headers)
	dst := s.w.Header()
	for _, f := range headers {
		dst.Add(f.Name, f.Value)
	}
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	s.w.WriteHeader(status)
	s.headersSent = true
	if fl, ok := s.w.(http.Flusher); ok {
		fl.Flush()
	}
}

func (s *stream) writeData(data []byte) {
	if len(data) == 0 {
		return
	}
	s.w.Write(data)
	s.bytesOut += int64(len(data))
	if fl, ok := s.w.(http.Flusher); ok {
		fl.Flush()
	}
}

func (s *stream) writeTrailers(trailers wire.Headers) {
	for _, f := range trailers {
		s.w.Header().Set(http.TrailerPrefix+f.Name, f.Value)
	}
}
