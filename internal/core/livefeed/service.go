package livefeed

import (
	"context"

	"github.com/charleschow/live-odds/internal/core/registry"
	"github.com/charleschow/live-odds/internal/events"
	"github.com/charleschow/live-odds/internal/telemetry"
)

// Producer refreshes tracked markets and emits PriceUpdates. The poller is
// the primary implementation; the push listener is an alternate.
type Producer interface {
	Start(ctx context.Context) bool
	Stop()
	IsRunning() bool
}

// resyncer is implemented by producers that hold upstream subscriptions
// derived from the tracked set.
type resyncer interface {
	Resync()
}

// Service is the administrative surface over the tracked set and its
// producer. Both the websocket sessions and the REST layer go through it.
type Service struct {
	ctx      context.Context
	markets  *registry.Registry
	producer Producer
}

// NewService binds the producer lifetime to ctx rather than to whichever
// request first tracks a market.
func NewService(ctx context.Context, markets *registry.Registry, producer Producer) *Service {
	return &Service{
		ctx:      ctx,
		markets:  markets,
		producer: producer,
	}
}

// StartPolling starts the producer. Returns false if it was already running.
func (s *Service) StartPolling() bool {
	started := s.producer.Start(s.ctx)
	if started {
		telemetry.Infof("livefeed: producer started  tracked=%d", s.markets.Len())
	}
	return started
}

func (s *Service) StopPolling() {
	s.producer.Stop()
}

func (s *Service) IsRunning() bool {
	return s.producer.IsRunning()
}

// TrackMarket adds or replaces the market and makes sure the producer runs.
func (s *Service) TrackMarket(snap events.MarketSnapshot) {
	s.markets.Track(snap)
	s.resync()
	s.StartPolling()
}

// UntrackMarket stops refreshing the market for every viewer. It takes effect
// no later than the start of the next cycle.
func (s *Service) UntrackMarket(marketID string) bool {
	removed := s.markets.Untrack(marketID)
	if removed {
		s.resync()
	}
	return removed
}

func (s *Service) TrackedCount() int {
	return s.markets.Len()
}

func (s *Service) resync() {
	if r, ok := s.producer.(resyncer); ok {
		r.Resync()
	}
}
