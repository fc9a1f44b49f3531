package agent

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"github.com/relaytunnel/webtunnel/internal/auth"
	"github.com/relaytunnel/webtunnel/internal/control"
	"github.com/relaytunnel/webtunnel/internal/lifecycle"
	"github.com/relaytunnel/webtunnel/internal/tunlog"
)

const handshakeTimeout = 45 * time.Second

// Client is the agent process: it holds one control channel to the
// edge at a time, redialing with backoff whenever it drops, and
// answers tunneled requests through a Dispatcher.
type Client struct {
	cfg *Config
	log tunlog.Logger

	dispatcher *Dispatcher

	lifecycle lifecycle.Helper

	mu      sync.Mutex
	channel *control.Channel
}

// NewClient builds an agent Client from cfg. Call Run to connect.
func NewClient(cfg *Config, log tunlog.Logger) *Client {
	c := &Client{
		cfg:        cfg,
		log:        log,
		dispatcher: NewDispatcher(cfg, log),
	}
	c.lifecycle.Init(c)
	return c
}

// HandleShutdown implements lifecycle.ShutdownHandler. On a graceful
// shutdown (cause == nil) it stops accepting new requests and gives
// in-flight ones up to control.DrainTimeout to finish on their own
// before tearing the channel down; a shutdown with a cause (transport
// failure) closes immediately since there is nothing left to drain.
func (c *Client) HandleShutdown(cause error) error {
	c.mu.Lock()
	ch := c.channel
	c.mu.Unlock()
	if ch != nil {
		if cause == nil {
			c.drain(ch)
		}
		ch.Close(cause)
	}
	c.dispatcher.Close()
	return cause
}

func (c *Client) drain(ch *control.Channel) {
	if err := ch.StartDraining(); err != nil {
		return
	}
	deadline := time.Now().Add(control.DrainTimeout)
	for c.dispatcher.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
}

// Close begins graceful shutdown and waits for it to complete.
func (c *Client) Close() error {
	return c.lifecycle.Shutdown(nil)
}

// Run connects to the edge and blocks, reconnecting with backoff across
// transient failures, until ctx is cancelled or authentication is
// permanently rejected.
func (c *Client) Run(ctx context.Context) error {
	c.lifecycle.ShutdownOnContext(ctx)
	go c.connectionLoop(ctx)
	return c.lifecycle.Wait()
}

func (c *Client) connectionLoop(ctx context.Context) {
	b := &backoff.Backoff{Min: time.Second, Max: 5 * time.Second, Factor: 2}
	for {
		select {
		case <-c.lifecycle.StartedChan():
			return
		default:
		}

		err := c.connectOnce(ctx)
		if err == nil {
			err = fmt.Errorf("agent: control channel closed")
		}

		select {
		case <-c.lifecycle.StartedChan():
			return
		default:
		}

		if isAuthFailure(err) {
			c.log.Errorf("authentication rejected by edge, giving up: %s", err)
			c.lifecycle.StartShutdown(err)
			return
		}

		d := b.Duration()
		c.log.Warnf("connection error: %s (retrying in %s)", err, d)
		select {
		case <-time.After(d):
		case <-c.lifecycle.StartedChan():
			return
		}
	}
}

func (c *Client) connectOnce(ctx context.Context) error {
	target, err := controlURL(c.cfg.ServerURL)
	if err != nil {
		return err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
	if c.cfg.PathPrefix != "" {
		header.Set(auth.HeaderPathPrefix, c.cfg.PathPrefix)
	}
	header.Set(auth.HeaderSupportsHTTP2, "true")

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, resp, err := dialer.Dial(target, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %s: %w", target, resp.Status, err)
		}
		return fmt.Errorf("dial %s: %w", target, err)
	}

	ch := control.New(target, conn, c.dispatcher, c.log)
	c.dispatcher.SetChannel(ch)
	c.mu.Lock()
	c.channel = ch
	c.mu.Unlock()

	if err := ch.MarkReady(ctx); err != nil {
		conn.Close()
		return err
	}
	c.log.Infof("connected to %s", c.cfg.ServerURL)

	<-ch.Done()

	c.mu.Lock()
	c.channel = nil
	c.mu.Unlock()

	// The channel is gone: release every request still in flight on it
	// so their serveOrigin goroutines don't block on the local origin
	// forever waiting for a response that can no longer be delivered.
	c.dispatcher.Abort(ch.Err())

	return ch.Err()
}

// controlURL derives the control channel's websocket URL from the
// agent's configured server URL, defaulting to a plain http scheme and
// swapping http(s) for ws(s) the way the teacher's client does.
func controlURL(server string) (string, error) {
	if !strings.Contains(server, "://") {
		server = "http://" + server
	}
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("invalid TUNNEL_SERVER_URL %q: %w", server, err)
	}
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path = auth.ControlPath
	return u.String(), nil
}

func isAuthFailure(err error) bool {
	return err != nil && strings.Contains(err.Error(), "Authentication error")
}
