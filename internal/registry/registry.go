// Package registry implements the edge-side agent registry (C3): the
// table mapping a public request's (host, path) to the one agent that
// should handle it.
package registry

import (
	"fmt"
	"strings"
	"sync"
)

// Channel is the subset of a control channel the registry needs. It lets
// this package stay independent of internal/control's concrete type.
type Channel interface {
	// ID returns a value stable for the lifetime of one channel, used
	// only for diagnostics (logging which channel served a lookup).
	ID() string
}

// Agent is one registered (host, pathPrefix) binding.
type Agent struct {
	Host       string
	PathPrefix string
	Channel    Channel
	CapsHTTP2  bool
}

type key struct {
	host       string
	pathPrefix string
}

// Registry is the edge's live table of registered agents. The zero value
// is not usable; construct with New.
type Registry struct {
	mu      sync.RWMutex
	byKey   map[key]*Agent
	byHost  map[string][]*Agent // unsorted; Resolve scans and picks longest match
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		byKey:  make(map[key]*Agent),
		byHost: make(map[string][]*Agent),
	}
}

// duplicateError formats the wire-visible rejection message for a
// colliding registration.
type duplicateError string

func (e duplicateError) Error() string { return string(e) }

// Register adds an agent binding. It refuses if (host, pathPrefix) is
// already registered, returning an error whose message is exactly the
// text sent back to the rejected agent over the control channel.
func (r *Registry) Register(host, pathPrefix string, ch Channel, capsHTTP2 bool) (*Agent, error) {
	k := key{host: host, pathPrefix: pathPrefix}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byKey[k]; exists {
		return nil, duplicateError(fmt.Sprintf("%s has a existing connection", host))
	}

	a := &Agent{Host: host, PathPrefix: pathPrefix, Channel: ch, CapsHTTP2: capsHTTP2}
	r.byKey[k] = a
	r.byHost[host] = append(r.byHost[host], a)
	return a, nil
}

// Remove deletes a's binding. It is idempotent and safe to call more than
// once for the same Agent (e.g. once from channel-close handling and once
// from a defensive cleanup path).
func (r *Registry) Remove(a *Agent) {
	if a == nil {
		return
	}
	k := key{host: a.Host, pathPrefix: a.PathPrefix}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.byKey[k]; !ok || cur != a {
		return
	}
	delete(r.byKey, k)

	list := r.byHost[a.Host]
	for i, e := range list {
		if e == a {
			r.byHost[a.Host] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(r.byHost[a.Host]) == 0 {
		delete(r.byHost, a.Host)
	}
}

// Resolve returns the agent that should handle a request for host and
// path, using longest-prefix match on pathPrefix with non-empty prefixes
// preferred over the empty (wildcard) fallback. It returns nil if no
// registration matches.
func (r *Registry) Resolve(host, path string) *Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *Agent
	for _, a := range r.byHost[host] {
		if a.PathPrefix != "" && !strings.HasPrefix(path, a.PathPrefix) {
			continue
		}
		if best == nil {
			best = a
			continue
		}
		if len(a.PathPrefix) > len(best.PathPrefix) {
			best = a
		}
	}
	return best
}

// Len reports the number of currently registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKey)
}

// Agents returns a snapshot of every currently registered agent, used to
// broadcast a graceful shutdown to every live channel.
func (r *Registry) Agents() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Agent, 0, len(r.byKey))
	for _, a := range r.byKey {
		out = append(out, a)
	}
	return out
}
