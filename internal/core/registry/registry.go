package registry

import (
	"sort"
	"sync"

	"github.com/charleschow/live-odds/internal/events"
	"github.com/charleschow/live-odds/internal/telemetry"
)

// Registry maps market IDs to the snapshot they were tracked with. It is the
// only owner of tracked-market state; readers get copies.
//
// Tracking is global: one Untrack removes the market for every viewer that
// asked for it. There is no per-subscriber reference count.
type Registry struct {
	mu      sync.RWMutex
	markets map[string]events.MarketSnapshot
}

func New() *Registry {
	return &Registry{
		markets: make(map[string]events.MarketSnapshot),
	}
}

// Track inserts the market or replaces its snapshot. Idempotent.
func (r *Registry) Track(snap events.MarketSnapshot) {
	c := snap.Clone()

	r.mu.Lock()
	r.markets[c.ID] = c
	n := len(r.markets)
	r.mu.Unlock()

	telemetry.Metrics.TrackedMarkets.Set(int64(n))
}

// Untrack removes the market. Unknown IDs are a no-op; the return value
// reports whether anything was removed.
func (r *Registry) Untrack(marketID string) bool {
	r.mu.Lock()
	_, ok := r.markets[marketID]
	delete(r.markets, marketID)
	n := len(r.markets)
	r.mu.Unlock()

	telemetry.Metrics.TrackedMarkets.Set(int64(n))
	return ok
}

// Get returns a copy of the tracked snapshot.
func (r *Registry) Get(marketID string) (events.MarketSnapshot, bool) {
	r.mu.RLock()
	s, ok := r.markets[marketID]
	r.mu.RUnlock()
	if !ok {
		return events.MarketSnapshot{}, false
	}
	return s.Clone(), true
}

func (r *Registry) Contains(marketID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.markets[marketID]
	return ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.markets)
}

// SnapshotAll returns a point-in-time copy of every tracked market, ordered
// by market ID so a poll cycle visits markets in a stable order. The lock is
// released before returning; callers may do network I/O over the result.
func (r *Registry) SnapshotAll() []events.MarketSnapshot {
	r.mu.RLock()
	out := make([]events.MarketSnapshot, 0, len(r.markets))
	for _, s := range r.markets {
		out = append(out, s.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
