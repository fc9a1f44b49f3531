package agent

import (
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/relaytunnel/webtunnel/internal/tunlog"
)

// originLink tracks reachability of the local origin, the way the
// teacher's client keeps a persistent proxied connection and reconnects
// it with backoff on loss. Actual request/response bytes flow through
// net/http (and golang.org/x/net/http2) transports, which pool and
// redial their own TCP connections; this type exists purely so the
// dispatcher can fail fast with "Local client not connected" instead of
// waiting out a dial timeout on every tunneled request while the origin
// is down.
type originLink struct {
	addr string
	log  tunlog.Logger

	mu        sync.RWMutex
	connected bool

	stop chan struct{}
}

func newOriginLink(addr string, log tunlog.Logger) *originLink {
	l := &originLink{addr: addr, log: log, stop: make(chan struct{})}
	go l.monitor()
	return l
}

func (l *originLink) Ready() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.connected
}

func (l *originLink) setConnected(v bool) {
	l.mu.Lock()
	changed := l.connected != v
	l.connected = v
	l.mu.Unlock()
	if changed {
		if v {
			l.log.Infof("local origin %s reachable", l.addr)
		} else {
			l.log.Warnf("local origin %s unreachable", l.addr)
		}
	}
}

func (l *originLink) Close() {
	close(l.stop)
}

// monitor probes the origin's TCP port with bounded backoff while
// disconnected and, once reachable, checks less aggressively so a
// dropped origin is noticed and reflected in Ready() promptly.
func (l *originLink) monitor() {
	b := &backoff.Backoff{Min: 250 * time.Millisecond, Max: 10 * time.Second, Factor: 2}
	for {
		conn, err := net.DialTimeout("tcp", l.addr, 5*time.Second)
		if err != nil {
			l.setConnected(false)
			d := b.Duration()
			select {
			case <-time.After(d):
				continue
			case <-l.stop:
				return
			}
		}
		conn.Close()
		l.setConnected(true)
		b.Reset()

		select {
		case <-time.After(5 * time.Second):
		case <-l.stop:
			return
		}
	}
}

func dialAddr(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}

func insecureTLSConfig(insecure bool) *tls.Config {
	if !insecure {
		return nil
	}
	return &tls.Config{InsecureSkipVerify: true}
}
