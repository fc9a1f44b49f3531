// Package control implements the control channel (C2): the single
// multiplexed websocket connection between one agent and the edge that
// carries every tunneled request as a sequence of framed events.
package control

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/relaytunnel/webtunnel/internal/lifecycle"
	"github.com/relaytunnel/webtunnel/internal/tunlog"
	"github.com/relaytunnel/webtunnel/internal/wire"
)

const (
	// PingInterval is how often the channel emits a PING, whether or not
	// other traffic is flowing.
	PingInterval = 20 * time.Second
	// DeadAfter is how long without any inbound traffic (PONG or
	// otherwise) before the channel declares the transport dead and
	// starts shutdown.
	DeadAfter = 60 * time.Second
	// DrainTimeout bounds how long a graceful shutdown waits for
	// in-flight requests to finish on their own once a channel has
	// stopped accepting new ones, before the channel is closed anyway.
	DrainTimeout = 30 * time.Second

	outboundQueueDepth = 64
)

// Handler receives frames demultiplexed off a Channel. Implementations
// are the edge dispatcher (C4) or agent dispatcher (C5); this package
// has no notion of what a REQUEST or RESPONSE means.
type Handler interface {
	// HandleFrame is invoked from the channel's single reader goroutine
	// for every non-PING/PONG frame. It must not block for long: slow
	// per-request work should hand off to another goroutine.
	HandleFrame(f *wire.Frame)
}

// Channel is one side's view of a control channel connection. Both the
// edge (one Channel per connected agent) and the agent (exactly one
// Channel) use the same type.
type Channel struct {
	id      string
	log     tunlog.Logger
	conn    *websocket.Conn
	enc     *wire.Encoder
	dec     *wire.Decoder
	handler Handler

	lifecycle lifecycle.Helper

	outbound chan *wire.Frame

	mu       sync.Mutex
	state    State
	lastRx   time.Time
	closeErr error

	closedChan chan struct{}
	closeOnce  sync.Once
}

// New wraps an already-upgraded websocket connection. The connection is
// assumed to have already passed authentication (C7); the returned
// Channel starts in StateAuthenticating and must be moved to StateReady
// with MarkReady before frames can flow.
func New(id string, conn *websocket.Conn, handler Handler, log tunlog.Logger) *Channel {
	c := &Channel{
		id:         id,
		log:        log.Fork(id),
		conn:       conn,
		enc:        wire.NewEncoder(conn),
		dec:        wire.NewDecoder(conn),
		handler:    handler,
		state:      StateAuthenticating,
		outbound:   make(chan *wire.Frame, outboundQueueDepth),
		closedChan: make(chan struct{}),
		lastRx:     time.Now(),
	}
	c.lifecycle.Init(c)
	return c
}

// ID returns the identifier this channel was constructed with.
func (c *Channel) ID() string { return c.id }

// State returns the channel's current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) transition(next State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.canTransitionTo(next) {
		return fmt.Errorf("control: illegal transition %s -> %s", c.state, next)
	}
	c.log.Debugf("state %s -> %s", c.state, next)
	c.state = next
	return nil
}

// MarkReady transitions the channel to StateReady once the handshake
// (C7) has succeeded, and starts its background pumps. It must be called
// exactly once, before Send is used.
func (c *Channel) MarkReady(ctx context.Context) error {
	if err := c.transition(StateReady); err != nil {
		return err
	}
	c.lifecycle.ShutdownOnContext(ctx)
	go c.readLoop()
	go c.writeLoop()
	go c.heartbeatLoop()
	return nil
}

// FailHandshake transitions a not-yet-ready channel straight to closed,
// used when authentication (C7) fails before any registration happened.
func (c *Channel) FailHandshake(reason error) error {
	if err := c.transition(StateClosed); err != nil {
		return err
	}
	c.closeErr = reason
	close(c.closedChan)
	return c.conn.Close()
}

// StartDraining moves a ready channel into the draining state: no new
// requests should be dispatched onto it, but in-flight ones continue.
func (c *Channel) StartDraining() error {
	return c.transition(StateDraining)
}

// Resume moves a draining channel back to ready.
func (c *Channel) Resume() error {
	return c.transition(StateReady)
}

// IsDraining reports whether the channel is refusing new requests while
// its in-flight ones finish.
func (c *Channel) IsDraining() bool {
	return c.State() == StateDraining
}

// Send enqueues f for transmission. It blocks when the outbound queue is
// full, which is how backpressure from a slow peer propagates back to
// whichever goroutine is trying to forward request/response data onto
// this channel. It returns an error if the channel has already closed.
func (c *Channel) Send(f *wire.Frame) error {
	select {
	case c.outbound <- f:
		return nil
	case <-c.closedChan:
		return fmt.Errorf("control: channel %s is closed", c.id)
	}
}

// Done returns a channel closed once this Channel has fully shut down.
func (c *Channel) Done() <-chan struct{} {
	return c.closedChan
}

// Err returns the reason the channel closed, once Done is closed.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Close begins shutdown with the given cause. It is idempotent.
func (c *Channel) Close(cause error) error {
	return c.lifecycle.Shutdown(cause)
}

// HandleShutdown implements lifecycle.ShutdownHandler. It is invoked at
// most once by the lifecycle helper, from its own goroutine.
func (c *Channel) HandleShutdown(cause error) error {
	c.mu.Lock()
	c.state = StateClosed
	c.closeErr = cause
	c.mu.Unlock()

	err := c.conn.Close()
	c.closeOnce.Do(func() { close(c.closedChan) })
	if cause != nil {
		return cause
	}
	return err
}

func (c *Channel) writeLoop() {
	for {
		select {
		case f := <-c.outbound:
			if err := c.enc.WriteFrame(f); err != nil {
				c.log.Warnf("write error: %s", err)
				c.Close(fmt.Errorf("control: write error: %w", err))
				return
			}
		case <-c.closedChan:
			return
		}
	}
}

func (c *Channel) readLoop() {
	for {
		f, err := c.dec.ReadFrame()
		if err != nil {
			c.log.Debugf("read error: %s", err)
			c.Close(fmt.Errorf("control: read error: %w", err))
			return
		}

		c.mu.Lock()
		c.lastRx = time.Now()
		c.mu.Unlock()

		switch f.Event {
		case wire.EventPing:
			_ = c.Send(&wire.Frame{Event: wire.EventPong})
		case wire.EventPong:
			// lastRx already updated above; nothing else to do.
		default:
			c.handler.HandleFrame(f)
		}
	}
}

func (c *Channel) heartbeatLoop() {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			silence := time.Since(c.lastRx)
			c.mu.Unlock()
			if silence > DeadAfter {
				c.log.Warnf("no traffic for %s, declaring channel dead", silence)
				c.Close(fmt.Errorf("control: heartbeat timeout after %s", silence))
				return
			}
			if err := c.Send(&wire.Frame{Event: wire.EventPing}); err != nil {
				return
			}
		case <-c.closedChan:
			return
		}
	}
}
