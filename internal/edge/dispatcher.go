// Package edge implements the publicly reachable side of the tunnel: the
// edge dispatcher (C4) that accepts public HTTP/1, HTTP/2, and
// WebSocket-upgrade requests and streams them to a registered agent, and
// the HTTP(S) server and control-channel handshake (C7) that admit
// agents in the first place.
package edge

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/jpillora/sizestr"
	"github.com/relaytunnel/webtunnel/internal/registry"
	"github.com/relaytunnel/webtunnel/internal/streamreg"
	"github.com/relaytunnel/webtunnel/internal/tunlog"
	"github.com/relaytunnel/webtunnel/internal/wire"
	"github.com/tomasen/realip"
)

const requestBodyChunkSize = 32 * 1024

// AgentConn is one registered agent's connection: its control channel
// plus the C6 stream registry scoped to that channel's lifetime. It
// implements control.Handler.
type AgentConn struct {
	Channel   channelSender
	Streams   *streamreg.Registry
	Agent     *registry.Agent
	CapsHTTP2 bool
	log       tunlog.Logger
}

// channelSender is the subset of *control.Channel the dispatcher needs.
// Kept as an interface so the dispatcher can be exercised in tests with a
// fake sender instead of a live websocket (control channels are wired to
// their AgentConn by the server, not by the dispatcher).
type channelSender interface {
	Send(f *wire.Frame) error
	ID() string
	StartDraining() error
	Close(cause error) error
	IsDraining() bool
}

// NewAgentConn wires a channel and its Agent registration together.
func NewAgentConn(ch channelSender, agent *registry.Agent, capsHTTP2 bool, log tunlog.Logger) *AgentConn {
	return &AgentConn{Channel: ch, Streams: streamreg.New(), Agent: agent, CapsHTTP2: capsHTTP2, log: log}
}

// ID implements registry.Channel by delegating to the underlying control
// channel, so an *AgentConn can itself be registered as the entry's
// Channel — letting the dispatcher recover the AgentConn straight back
// out of a resolved *registry.Agent.
func (ac *AgentConn) ID() string { return ac.Channel.ID() }

// HandleFrame implements control.Handler. It is invoked from the owning
// channel's single reader goroutine.
func (ac *AgentConn) HandleFrame(f *wire.Frame) {
	s, ok := ac.Streams.Get(f.ID)
	if !ok {
		return
	}

	switch st := s.(type) {
	case *stream:
		ac.handleStreamFrame(st, f)
	case *webSocketStream:
		ac.handleWebSocketFrame(st, f)
	}
}

func (ac *AgentConn) handleStreamFrame(st *stream, f *wire.Frame) {
	switch f.Event {
	case wire.EventResponse:
		st.enqueue(streamMsg{kind: msgHeaders, resp: f.Response})
	case wire.EventResData:
		st.enqueue(streamMsg{kind: msgData, data: f.Data})
	case wire.EventResDataBatch:
		for _, chunk := range f.Batch {
			st.enqueue(streamMsg{kind: msgData, data: chunk})
		}
	case wire.EventResTrailers:
		st.enqueue(streamMsg{kind: msgTrailers, trailers: f.Trailers})
	case wire.EventResEnd:
		ac.Streams.Remove(f.ID)
		st.enqueue(streamMsg{kind: msgEnd})
	case wire.EventResError:
		ac.Streams.Remove(f.ID)
		st.enqueue(streamMsg{kind: msgError, errMsg: f.Message})
	}
}

func (ac *AgentConn) handleWebSocketFrame(ws *webSocketStream, f *wire.Frame) {
	switch f.Event {
	case wire.EventResponse:
		ws.onResponse(f.Response)
	case wire.EventResData:
		ws.onData(f.Data)
	case wire.EventResDataBatch:
		for _, chunk := range f.Batch {
			ws.onData(chunk)
		}
	case wire.EventResEnd:
		ws.onEnd()
	case wire.EventResError:
		ac.Streams.Remove(f.ID)
		ws.finish(fmt.Errorf("res-error: %s", f.Message))
	}
}

// Dispatcher is the edge's http.Handler for all public traffic other
// than the control-channel and token-issuance endpoints.
type Dispatcher struct {
	Registry *registry.Registry
	log      tunlog.Logger
}

// NewDispatcher returns a Dispatcher routing through reg.
func NewDispatcher(reg *registry.Registry, log tunlog.Logger) *Dispatcher {
	return &Dispatcher{Registry: reg, log: log}
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	agent := d.Registry.Resolve(host, r.URL.Path)
	if agent == nil {
		http.NotFound(w, r)
		return
	}
	ac := agent.Channel.(*AgentConn)
	if ac.Channel.IsDraining() {
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	if isWebSocketUpgrade(r) {
		d.serveWebSocketUpgrade(w, r, ac, host)
		return
	}

	flavor := requestFlavor(r, ac.CapsHTTP2)
	desc := &wire.RequestDescriptor{
		Method:  r.Method,
		Path:    r.URL.RequestURI(),
		Headers: buildForwardedHeaders(r, host),
		Flavor:  flavor,
	}

	id := wire.NewRequestID()
	st := newStream(id, w)
	if err := ac.Streams.Register(id, st); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if err := ac.Channel.Send(&wire.Frame{Event: wire.EventRequest, ID: id, Flavor: flavor, Request: desc}); err != nil {
		ac.Streams.Remove(id)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}

	bodyDone := make(chan struct{})
	var bytesIn int64
	go d.pumpRequestBody(ac, id, flavor, r.Body, bodyDone, &bytesIn)

	select {
	case <-st.done:
	case <-r.Context().Done():
		ac.Channel.Send(&wire.Frame{Event: wire.EventReqError, ID: id, Flavor: flavor, Message: "client disconnected"})
		ac.Streams.Remove(id)
	}
	<-bodyDone

	d.log.Debugf("%s %s: %s in / %s out", r.Method, r.URL.RequestURI(),
		sizestr.ToString(bytesIn), sizestr.ToString(st.bytesOut))
}

func (d *Dispatcher) pumpRequestBody(ac *AgentConn, id wire.RequestID, flavor wire.Flavor, body io.ReadCloser, done chan<- struct{}, bytesIn *int64) {
	defer close(done)
	defer body.Close()

	buf := make([]byte, requestBodyChunkSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			*bytesIn += int64(n)
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if sendErr := ac.Channel.Send(&wire.Frame{Event: wire.EventReqData, ID: id, Flavor: flavor, Data: chunk}); sendErr != nil {
				return
			}
		}
		if err == io.EOF {
			ac.Channel.Send(&wire.Frame{Event: wire.EventReqEnd, ID: id, Flavor: flavor})
			return
		}
		if err != nil {
			ac.Channel.Send(&wire.Frame{Event: wire.EventReqError, ID: id, Flavor: flavor, Message: err.Error()})
			return
		}
	}
}

// requestFlavor implements §4.2 rule 3.
func requestFlavor(r *http.Request, agentSupportsHTTP2 bool) wire.Flavor {
	isH2 := r.ProtoMajor == 2 || strings.HasPrefix(r.Header.Get("Content-Type"), "application/grpc")
	if isH2 && agentSupportsHTTP2 {
		return wire.FlavorHTTP2
	}
	return wire.FlavorHTTP1
}

// buildForwardedHeaders implements §4.2 rule 2.
func buildForwardedHeaders(r *http.Request, host string) wire.Headers {
	headers := wire.HeadersFromHTTP(r.Header)

	clientIP := realip.FromRequest(r)
	headers = appendCSV(headers, "X-Forwarded-For", clientIP)

	port := "80"
	proto := "http"
	if r.TLS != nil {
		port = "443"
		proto = "https"
	}
	if _, p, err := net.SplitHostPort(r.Host); err == nil && p != "" {
		port = p
	}
	headers = appendCSV(headers, "X-Forwarded-Port", port)
	headers = appendCSV(headers, "X-Forwarded-Proto", proto)

	if headers.Get("X-Forwarded-Host") == "" {
		headers.Add("X-Forwarded-Host", host)
	}
	return headers
}

func appendCSV(h wire.Headers, name, value string) wire.Headers {
	existing := h.Get(name)
	if existing == "" {
		h.Add(name, value)
		return h
	}
	h.Set(name, existing+", "+value)
	return h
}

func isWebSocketUpgrade(r *http.Request) bool {
	return r.ProtoMajor == 1 &&
		strings.EqualFold(r.Header.Get("Connection"), "upgrade") &&
		strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// serveWebSocketUpgrade implements the raw-socket splice described in
// §4.2: the request is tunneled like any other, but once the agent's
// RESPONSE arrives the status line is written directly to the hijacked
// TCP connection and, on a 101, the socket is spliced to the tunnel.
func (d *Dispatcher) serveWebSocketUpgrade(w http.ResponseWriter, r *http.Request, ac *AgentConn, host string) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "upgrade not supported", http.StatusInternalServerError)
		return
	}

	flavor := wire.FlavorHTTP1
	desc := &wire.RequestDescriptor{
		Method:  r.Method,
		Path:    r.URL.RequestURI(),
		Headers: buildForwardedHeaders(r, host),
		Flavor:  flavor,
	}
	id := wire.NewRequestID()
	ws := newWebSocketStream(id)
	if err := ac.Streams.Register(id, ws); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if err := ac.Channel.Send(&wire.Frame{Event: wire.EventRequest, ID: id, Flavor: flavor, Request: desc}); err != nil {
		ac.Streams.Remove(id)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}

	conn, rw, err := hj.Hijack()
	if err != nil {
		ac.Streams.Remove(id)
		return
	}
	defer conn.Close()

	select {
	case <-ws.headersReady:
	case <-ws.done:
	}

	if ws.resp == nil {
		ac.Streams.Remove(id)
		return
	}

	writeRawStatusLine(rw, ws.resp)
	rw.Writer.Flush()

	if ws.resp.StatusCode != http.StatusSwitchingProtocols {
		ac.Streams.Remove(id)
		return
	}

	spliceWebSocket(conn, rw, ac, id, ws)
}

func writeRawStatusLine(rw *bufio.ReadWriter, resp *wire.ResponseDescriptor) {
	msg := resp.StatusMessage
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	fmt.Fprintf(rw, "HTTP/1.1 %d %s\r\n", resp.StatusCode, msg)
	for _, f := range wire.StripHTTP2PseudoHeaders(resp.Headers) {
		fmt.Fprintf(rw, "%s: %s\r\n", f.Name, f.Value)
	}
	fmt.Fprint(rw, "\r\n")
}
