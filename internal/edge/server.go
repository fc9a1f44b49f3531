package edge

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/requestlog"
	"golang.org/x/net/http2"

	"github.com/relaytunnel/webtunnel/internal/auth"
	"github.com/relaytunnel/webtunnel/internal/control"
	"github.com/relaytunnel/webtunnel/internal/lifecycle"
	"github.com/relaytunnel/webtunnel/internal/registry"
	"github.com/relaytunnel/webtunnel/internal/streamreg"
	"github.com/relaytunnel/webtunnel/internal/tunlog"
)

const tokenTTL = 24 * time.Hour

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is the edge process: the public HTTP(S) listener, the control
// channel endpoint that admits agents (C7), and the token-issuance
// endpoint.
type Server struct {
	cfg        *Config
	registry   *registry.Registry
	dispatcher *Dispatcher
	log        tunlog.Logger

	lifecycle  lifecycle.Helper
	httpServer *http.Server
	listener   net.Listener
}

// New builds a Server from cfg. Call ListenAndServe to run it.
func New(cfg *Config, log tunlog.Logger) *Server {
	reg := registry.New()
	s := &Server{
		cfg:        cfg,
		registry:   reg,
		dispatcher: NewDispatcher(reg, log),
		log:        log,
	}
	s.lifecycle.Init(s)
	return s
}

// HandleShutdown implements lifecycle.ShutdownHandler. It stops the
// listener so no new public connections arrive, then gives every
// registered agent's in-flight requests up to control.DrainTimeout to
// finish before closing their channels. A shutdown with a cause
// (rather than a plain graceful Close) skips draining, since the
// process is already tearing down for an unrelated reason.
func (s *Server) HandleShutdown(cause error) error {
	if s.listener != nil {
		s.listener.Close()
	}
	if cause == nil {
		s.drainAgents()
	}
	return cause
}

func (s *Server) drainAgents() {
	agents := s.registry.Agents()
	var wg sync.WaitGroup
	for _, a := range agents {
		ac, ok := a.Channel.(*AgentConn)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(ac *AgentConn) {
			defer wg.Done()
			s.drainAgent(ac)
		}(ac)
	}
	wg.Wait()
}

func (s *Server) drainAgent(ac *AgentConn) {
	if err := ac.Channel.StartDraining(); err != nil {
		return
	}
	deadline := time.Now().Add(control.DrainTimeout)
	for ac.Streams.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	ac.Channel.Close(nil)
}

// Close begins graceful shutdown and waits for it to complete.
func (s *Server) Close() error {
	return s.lifecycle.Shutdown(nil)
}

// ListenAndServe binds the configured port and serves until ctx is
// cancelled or a fatal listen error occurs.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.lifecycle.ShutdownOnContext(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc(ControlPath, s.handleControl)
	mux.HandleFunc("/tunnel_jwt_generator", s.handleTokenIssue)
	mux.Handle("/", s.dispatcher)

	var handler http.Handler = mux
	if s.log.Level() >= tunlog.LevelDebug {
		handler = requestlog.Wrap(handler)
	}

	s.httpServer = &http.Server{Handler: handler}

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("edge: listen on %s: %w", addr, err)
	}
	s.listener = l

	if s.cfg.TLSEnabled() {
		cert, err := tls.LoadX509KeyPair(s.cfg.SSLCertPath, s.cfg.SSLKeyPath)
		if err != nil {
			return fmt.Errorf("edge: load TLS certificate: %w", err)
		}
		s.httpServer.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{"h2", "http/1.1"},
		}
		if err := http2.ConfigureServer(s.httpServer, &http2.Server{}); err != nil {
			return fmt.Errorf("edge: configure http2: %w", err)
		}
		s.log.Infof("listening on %s (TLS, h2+http/1.1)", addr)
		err = s.httpServer.ServeTLS(l, "", "")
	} else {
		s.log.Infof("listening on %s (http/1.1 only)", addr)
		err = s.httpServer.Serve(l)
	}

	if err != nil && err != http.ErrServerClosed {
		s.lifecycle.StartShutdown(err)
	} else {
		s.lifecycle.StartShutdown(nil)
	}
	return s.lifecycle.Wait()
}

// handleControl admits an agent's control channel connection (C7).
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if host == "" {
		http.Error(w, "Authentication error", http.StatusBadRequest)
		return
	}

	hs := auth.ParseHandshake(r.Header, host)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debugf("control channel upgrade failed: %s", err)
		return
	}

	if verifyErr := auth.Verify(hs.Token, s.cfg.SecretKey, s.cfg.VerifyToken); verifyErr != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Authentication error"),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}

	channelID := fmt.Sprintf("%s%s", host, hs.PathPrefix)
	ac := &AgentConn{Streams: streamreg.New(), CapsHTTP2: hs.SupportsHTTP2, log: s.log}
	ch := control.New(channelID, conn, ac, s.log)
	ac.Channel = ch

	agent, regErr := s.registry.Register(host, hs.PathPrefix, ac, hs.SupportsHTTP2)
	if regErr != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, regErr.Error()),
			time.Now().Add(time.Second))
		ch.FailHandshake(regErr)
		return
	}
	ac.Agent = agent

	if err := ch.MarkReady(context.Background()); err != nil {
		s.registry.Remove(agent)
		ch.FailHandshake(err)
		return
	}
	s.log.Infof("agent registered: host=%s pathPrefix=%q http2=%v", host, hs.PathPrefix, hs.SupportsHTTP2)

	<-ch.Done()
	s.registry.Remove(agent)
	ac.Streams.AbortAll(ch.Err())
	s.log.Infof("agent disconnected: host=%s pathPrefix=%q", host, hs.PathPrefix)
}

// handleTokenIssue implements GET /tunnel_jwt_generator.
func (s *Server) handleTokenIssue(w http.ResponseWriter, r *http.Request) {
	if s.cfg.JWTGeneratorUsername == "" && s.cfg.JWTGeneratorPassword == "" {
		http.NotFound(w, r)
		return
	}

	username := r.URL.Query().Get("username")
	password := r.URL.Query().Get("password")
	if !auth.CheckCredentials(username, password, s.cfg.JWTGeneratorUsername, s.cfg.JWTGeneratorPassword) {
		http.Error(w, "Forbidden", http.StatusUnauthorized)
		return
	}

	tok, err := auth.Issue(s.cfg.SecretKey, s.cfg.VerifyToken, username, tokenTTL)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(tok))
}
