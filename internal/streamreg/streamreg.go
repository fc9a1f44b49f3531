// Package streamreg implements the per-channel request-id registry (C6):
// it tracks which REQ_IDs are currently in flight over a control channel
// and lets the channel's reader goroutine hand each inbound frame to the
// right destination without either side blocking on the other.
package streamreg

import (
	"fmt"
	"sync"

	"github.com/relaytunnel/webtunnel/internal/wire"
)

// Stream is the per-request state a Registry tracks. Implementations are
// supplied by the edge dispatcher (C4) and agent dispatcher (C5); the
// registry itself only needs to be able to tear one down.
type Stream interface {
	// Abort is called when the owning channel is closing or draining
	// while this stream is still open. It must not block.
	Abort(err error)
}

// Registry maps in-flight wire.RequestIDs to their Stream state for one
// control channel. It is safe for concurrent use by the channel's reader
// goroutine (Get/Remove) and by request-handling goroutines (Register).
type Registry struct {
	mu      sync.RWMutex
	streams map[wire.RequestID]Stream
	created int64
	open    int64
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{streams: make(map[wire.RequestID]Stream)}
}

// Register adds id to the registry. It returns an error if id is already
// registered — REQ_IDs are minted fresh per request and a collision means
// a peer bug or a wrapped-around id space.
func (r *Registry) Register(id wire.RequestID, s Stream) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.streams[id]; exists {
		return fmt.Errorf("streamreg: request id %s already registered", id)
	}
	r.streams[id] = s
	r.created++
	r.open++
	return nil
}

// Get returns the Stream registered for id, if any.
func (r *Registry) Get(id wire.RequestID) (Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.streams[id]
	return s, ok
}

// Remove deletes id from the registry. It is idempotent: removing an
// unknown or already-removed id is a no-op and reports false.
func (r *Registry) Remove(id wire.RequestID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.streams[id]; !ok {
		return false
	}
	delete(r.streams, id)
	r.open--
	return true
}

// Len reports the number of currently open streams.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.streams)
}

// Stats returns lifetime-created and currently-open stream counts.
func (r *Registry) Stats() (created, open int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.created, r.open
}

// AbortAll calls Abort(err) on every currently-registered stream and
// empties the registry. It is called once when a channel transitions to
// closed, so that every in-flight request still waiting on that channel
// unblocks instead of hanging until its own timeout.
func (r *Registry) AbortAll(err error) {
	r.mu.Lock()
	streams := r.streams
	r.streams = make(map[wire.RequestID]Stream)
	r.open = 0
	r.mu.Unlock()

	for _, s := range streams {
		s.Abort(err)
	}
}
