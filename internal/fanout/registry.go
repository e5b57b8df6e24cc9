package fanout

import (
	"sync"

	"github.com/charleschow/live-odds/internal/telemetry"
)

// Conn is a live viewer connection as seen by the registry and the hub.
// Send must not block; a connection that cannot accept a frame returns an
// error and is evicted by the caller.
type Conn interface {
	ID() string
	Send(msg []byte) error
	Close() error
}

// Registry is the set of open connections.
type Registry struct {
	mu    sync.RWMutex
	conns map[Conn]struct{}
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[Conn]struct{})}
}

func (r *Registry) Add(c Conn) {
	r.mu.Lock()
	r.conns[c] = struct{}{}
	n := len(r.conns)
	r.mu.Unlock()
	telemetry.Metrics.ClientsConnected.Set(int64(n))
}

// Remove reports true only for the call that actually removed c.
func (r *Registry) Remove(c Conn) bool {
	r.mu.Lock()
	_, ok := r.conns[c]
	delete(r.conns, c)
	n := len(r.conns)
	r.mu.Unlock()
	if ok {
		telemetry.Metrics.ClientsConnected.Set(int64(n))
	}
	return ok
}

func (r *Registry) Contains(c Conn) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[c]
	return ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Snapshot returns the members at this instant. Later adds and removes do
// not affect the returned slice.
func (r *Registry) Snapshot() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Conn, 0, len(r.conns))
	for c := range r.conns {
		out = append(out, c)
	}
	return out
}

// ForEach calls fn for every member of a snapshot, without holding the lock.
func (r *Registry) ForEach(fn func(Conn)) {
	for _, c := range r.Snapshot() {
		fn(c)
	}
}
