// Package agent implements the privately located side of the tunnel:
// the agent dispatcher (C5) that replays tunneled requests against a
// local origin server, and the control-channel client (reconnecting,
// authenticating) that carries them.
package agent

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/net/http2"

	"github.com/relaytunnel/webtunnel/internal/streamreg"
	"github.com/relaytunnel/webtunnel/internal/tunlog"
	"github.com/relaytunnel/webtunnel/internal/wire"
)

const responseBodyChunkSize = 32 * 1024

// channelSender is the subset of *control.Channel the dispatcher needs,
// kept as an interface for the same reason edge.channelSender is: it
// lets this package be exercised in tests without a live websocket.
type channelSender interface {
	Send(f *wire.Frame) error
}

// Dispatcher implements control.Handler on the agent side: it receives
// REQUEST/REQ_DATA/REQ_END/REQ_ERROR frames from the edge and replays
// them against the configured local origin.
type Dispatcher struct {
	cfg *Config
	log tunlog.Logger

	origin  *originLink
	streams *streamreg.Registry

	channel channelSender

	http1Client *http.Client

	h2Once   sync.Once
	h2Client *http.Client
	h2Scheme string
}

// NewDispatcher builds a Dispatcher for the given agent configuration.
// SetChannel must be called once the control channel exists, before any
// frame is delivered.
func NewDispatcher(cfg *Config, log tunlog.Logger) *Dispatcher {
	addr := dialAddr(cfg.LocalHost, cfg.LocalPort)
	return &Dispatcher{
		cfg:    cfg,
		log:    log,
		origin: newOriginLink(addr, log),
		streams: streamreg.New(),
		http1Client: &http.Client{
			Transport: &http.Transport{},
		},
	}
}

// SetChannel wires the outbound sender used to answer frames. It is
// called by Client once the control.Channel for the current connection
// attempt has been constructed.
func (d *Dispatcher) SetChannel(ch channelSender) {
	d.channel = ch
}

// Close releases the origin reachability monitor.
func (d *Dispatcher) Close() {
	d.origin.Close()
}

// Len reports the number of requests currently in flight, so a graceful
// shutdown can wait for it to reach zero before tearing down the
// control channel.
func (d *Dispatcher) Len() int {
	return d.streams.Len()
}

const agentStreamQueueDepth = 64

// bodyChunk is one queued piece of request-body work for an
// agentStream's writer goroutine.
type bodyChunk struct {
	data []byte
	end  bool
}

// agentStream is the agent-side per-request state (part of C6): it owns
// the io.Pipe feeding the outbound request body to serveOrigin. Inbound
// REQ_DATA/REQ_END frames are queued here rather than written to the
// pipe directly, so a slow local origin on one request never blocks the
// channel's shared reader goroutine from delivering frames for any
// other request in flight on the same channel.
type agentStream struct {
	id         wire.RequestID
	bodyWriter *io.PipeWriter

	queue chan bodyChunk

	once sync.Once
	done chan struct{}
}

func newAgentStream(id wire.RequestID, bodyWriter *io.PipeWriter) *agentStream {
	s := &agentStream{
		id:         id,
		bodyWriter: bodyWriter,
		queue:      make(chan bodyChunk, agentStreamQueueDepth),
		done:       make(chan struct{}),
	}
	go s.pump()
	return s
}

// enqueue hands a decoded frame event to the writer goroutine. Called
// from the channel's shared reader goroutine; it never blocks once the
// stream has finished.
func (s *agentStream) enqueue(c bodyChunk) {
	select {
	case s.queue <- c:
	case <-s.done:
	}
}

// pump is the only goroutine that ever writes to bodyWriter. It can
// block on a slow io.Pipe reader (the local origin's request body read)
// without affecting anything but this one stream.
func (s *agentStream) pump() {
	for {
		select {
		case c := <-s.queue:
			if c.end {
				s.bodyWriter.Close()
				return
			}
			if _, err := s.bodyWriter.Write(c.data); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *agentStream) Abort(err error) {
	s.once.Do(func() {
		if s.bodyWriter != nil {
			s.bodyWriter.CloseWithError(err)
		}
		close(s.done)
	})
}

func (s *agentStream) finish() {
	s.Abort(io.EOF)
}

// HandleFrame implements control.Handler. It is invoked from the owning
// channel's single reader goroutine.
func (d *Dispatcher) HandleFrame(f *wire.Frame) {
	if f.Event == wire.EventRequest {
		d.startRequest(f)
		return
	}

	s, ok := d.streams.Get(f.ID)
	if !ok {
		return
	}
	as := s.(*agentStream)

	switch f.Event {
	case wire.EventReqData:
		as.enqueue(bodyChunk{data: f.Data})
	case wire.EventReqDataBatch:
		for _, chunk := range f.Batch {
			as.enqueue(bodyChunk{data: chunk})
		}
	case wire.EventReqEnd:
		as.enqueue(bodyChunk{end: true})
	case wire.EventReqError:
		d.streams.Remove(f.ID)
		as.Abort(fmt.Errorf("req-error: %s", f.Message))
	}
}

func (d *Dispatcher) startRequest(f *wire.Frame) {
	id := f.ID
	desc := f.Request
	pr, pw := io.Pipe()
	st := newAgentStream(id, pw)
	if err := d.streams.Register(id, st); err != nil {
		return
	}
	go d.serveOrigin(id, desc, pr, st)
}

// Abort tears down every request currently in flight on this
// dispatcher, used when the owning control channel is lost so that no
// serveOrigin goroutine is left blocked on the local origin forever.
func (d *Dispatcher) Abort(err error) {
	d.streams.AbortAll(err)
}

func (d *Dispatcher) sendResError(id wire.RequestID, message string) {
	d.channel.Send(&wire.Frame{Event: wire.EventResError, ID: id, Message: message})
}

func (d *Dispatcher) serveOrigin(id wire.RequestID, desc *wire.RequestDescriptor, body *io.PipeReader, st *agentStream) {
	defer d.streams.Remove(id)
	defer body.Close()

	if !d.origin.Ready() {
		d.sendResError(id, "Local client not connected")
		st.Abort(fmt.Errorf("origin not connected"))
		return
	}

	client, targetURL, err := d.clientFor(desc)
	if err != nil {
		d.sendResError(id, err.Error())
		st.Abort(err)
		return
	}

	req, err := http.NewRequest(desc.Method, targetURL+desc.Path, body)
	if err != nil {
		d.sendResError(id, err.Error())
		st.Abort(err)
		return
	}
	applyRequestHeaders(req, desc)

	resp, err := client.Do(req)
	if err != nil {
		d.sendResError(id, err.Error())
		st.Abort(err)
		return
	}
	defer resp.Body.Close()

	respDesc := &wire.ResponseDescriptor{
		StatusCode:    resp.StatusCode,
		StatusMessage: strings.TrimPrefix(resp.Status, fmt.Sprintf("%d ", resp.StatusCode)),
		Headers:       wire.HeadersFromHTTP(resp.Header),
	}
	if err := d.channel.Send(&wire.Frame{Event: wire.EventResponse, ID: id, Response: respDesc}); err != nil {
		st.Abort(err)
		return
	}

	buf := make([]byte, responseBodyChunkSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if sendErr := d.channel.Send(&wire.Frame{Event: wire.EventResData, ID: id, Data: chunk}); sendErr != nil {
				st.Abort(sendErr)
				return
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			d.channel.Send(&wire.Frame{Event: wire.EventResError, ID: id, Message: rerr.Error()})
			st.Abort(rerr)
			return
		}
	}

	if trailers := wire.HeadersFromHTTP(resp.Trailer); len(trailers) > 0 {
		d.channel.Send(&wire.Frame{Event: wire.EventResTrailers, ID: id, Trailers: trailers})
	}
	d.channel.Send(&wire.Frame{Event: wire.EventResEnd, ID: id})
	st.finish()
}

// applyRequestHeaders implements §4.4 rule 2.
func applyRequestHeaders(req *http.Request, desc *wire.RequestDescriptor) {
	for _, f := range desc.Headers {
		if f.Name == "" || f.Name[0] == ':' {
			continue
		}
		if strings.EqualFold(f.Name, "Host") {
			req.Host = f.Value
			continue
		}
		req.Header.Add(f.Name, f.Value)
	}
	if desc.Flavor == wire.FlavorHTTP2 && strings.HasPrefix(req.Header.Get("Content-Type"), "application/grpc") {
		if req.Header.Get("te") == "" {
			req.Header.Set("te", "trailers")
		}
	}
}

// clientFor resolves the *http.Client and URL scheme+authority to use
// for desc.Flavor, lazily probing TLS-vs-cleartext for HTTP/2 origins
// the first time it is needed and remembering the answer.
func (d *Dispatcher) clientFor(desc *wire.RequestDescriptor) (*http.Client, string, error) {
	addr := dialAddr(d.cfg.LocalHost, d.cfg.LocalPort)
	if desc.Flavor != wire.FlavorHTTP2 {
		return d.http1Client, "http://" + addr, nil
	}

	d.h2Once.Do(func() {
		if probeTLS(addr, d.cfg.Insecure) {
			d.h2Scheme = "https://"
			d.h2Client = &http.Client{Transport: &http2.Transport{
				TLSClientConfig: insecureTLSConfig(d.cfg.Insecure),
			}}
		} else {
			d.h2Scheme = "http://"
			d.h2Client = &http.Client{Transport: &http2.Transport{
				AllowHTTP: true,
				DialTLSContext: func(_ context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
					return net.Dial(network, addr)
				},
			}}
		}
	})
	return d.h2Client, d.h2Scheme + addr, nil
}

// probeTLS reports whether addr accepts a TLS handshake, used to choose
// between HTTP/2-over-TLS and h2c for the local origin per §4.4 rule 1.
func probeTLS(addr string, insecure bool) bool {
	cfg := insecureTLSConfig(insecure)
	if cfg == nil {
		cfg = &tls.Config{}
	}
	conn, err := tls.Dial("tcp", addr, cfg)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
