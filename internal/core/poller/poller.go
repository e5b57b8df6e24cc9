package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/charleschow/live-odds/internal/core/odds"
	"github.com/charleschow/live-odds/internal/events"
	"github.com/charleschow/live-odds/internal/telemetry"
)

// PriceSource fetches raw outcome probabilities for one market.
type PriceSource interface {
	FetchPrices(ctx context.Context, market events.MarketSnapshot) (map[string]events.Quote, error)
}

// MarketSource provides the tracked set. SnapshotAll must return a copy that
// is safe to iterate without holding any registry lock.
type MarketSource interface {
	SnapshotAll() []events.MarketSnapshot
	Contains(marketID string) bool
}

// Alerter is told once when a market has failed AlertAfterFailures cycles
// in a row.
type Alerter interface {
	UpstreamDegraded(ctx context.Context, marketID, question string, failures int, err error) error
}

// Config holds poller configuration.
type Config struct {
	Interval           time.Duration // time between cycle starts (default: 5s)
	FetchTimeout       time.Duration // per-market fetch timeout (default: 10s)
	AlertAfterFailures int           // consecutive failures before alerting, 0 disables
	UpdateBuffer       int           // capacity of the Updates channel
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:           5 * time.Second,
		FetchTimeout:       10 * time.Second,
		AlertAfterFailures: 5,
		UpdateBuffer:       64,
	}
}

// Engine refreshes every tracked market once per interval and emits one
// PriceUpdate per successfully fetched market on Updates().
type Engine struct {
	cfg     Config
	source  PriceSource
	markets MarketSource
	logger  *slog.Logger
	alerter Alerter

	updates chan events.PriceUpdate

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	failMu   sync.Mutex
	failures map[string]int
}

// New creates an Engine. It does not start polling.
func New(cfg Config, source PriceSource, markets MarketSource, logger *slog.Logger) *Engine {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = def.FetchTimeout
	}
	if cfg.UpdateBuffer <= 0 {
		cfg.UpdateBuffer = def.UpdateBuffer
	}
	if logger == nil {
		logger = telemetry.L()
	}
	return &Engine{
		cfg:      cfg,
		source:   source,
		markets:  markets,
		logger:   logger.With("component", "poller"),
		updates:  make(chan events.PriceUpdate, cfg.UpdateBuffer),
		failures: make(map[string]int),
	}
}

// SetAlerter installs an optional alert sink. Call before Start.
func (e *Engine) SetAlerter(a Alerter) {
	e.alerter = a
}

// Updates is the producer side of the broadcaster hand-off. The channel is
// never closed; the engine may be stopped and started again.
func (e *Engine) Updates() <-chan events.PriceUpdate {
	return e.updates
}

// Start begins the polling loop. Starting a running engine is a no-op and
// returns false.
func (e *Engine) Start(ctx context.Context) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return false
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	e.running = true
	e.cancel = cancel
	e.done = done

	go e.run(runCtx, done)

	e.logger.Info("poller started", "interval", e.cfg.Interval)
	return true
}

// Stop cancels the loop and waits for the in-flight cycle to unwind.
// Stopping a stopped engine is a no-op.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel = nil
	e.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	e.logger.Info("poller stopped")
}

func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *Engine) run(ctx context.Context, done chan struct{}) {
	defer func() {
		e.mu.Lock()
		if e.done == done {
			e.running = false
			e.cancel = nil
		}
		e.mu.Unlock()
		close(done)
	}()

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	// Poll immediately on start.
	e.pollAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.pollAll(ctx)
		}
	}
}

// pollAll runs one cycle over a registry snapshot and returns the number of
// updates emitted. A failing market is logged and skipped; it never aborts
// the cycle.
func (e *Engine) pollAll(ctx context.Context) int {
	start := time.Now()
	markets := e.markets.SnapshotAll()
	e.pruneFailures(markets)
	if len(markets) == 0 {
		return 0
	}

	var emitted, failed int
	for _, m := range markets {
		if ctx.Err() != nil {
			return emitted
		}

		update, err := e.pollMarket(ctx, m)
		if err != nil {
			// Stop or shutdown cut the fetch short; not an upstream failure.
			if ctx.Err() != nil {
				return emitted
			}
			failed++
			telemetry.Metrics.FetchErrors.Inc()
			e.logger.Warn("price fetch failed", "market_id", m.ID, "err", err)
			e.recordFailure(ctx, m, err)
			continue
		}
		e.clearFailure(m.ID)

		// Untracked while the fetch was in flight: drop the result.
		if !e.markets.Contains(m.ID) {
			e.logger.Debug("discarding update for untracked market", "market_id", m.ID)
			continue
		}

		select {
		case e.updates <- update:
			emitted++
			telemetry.Metrics.UpdatesEmitted.Inc()
		case <-ctx.Done():
			return emitted
		}
	}

	telemetry.Metrics.PollCycles.Inc()
	telemetry.Metrics.CycleLatency.Record(time.Since(start))
	e.logger.Debug("poll cycle complete",
		"markets", len(markets),
		"emitted", emitted,
		"errors", failed,
		"duration", time.Since(start),
	)
	return emitted
}

func (e *Engine) pollMarket(ctx context.Context, m events.MarketSnapshot) (events.PriceUpdate, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	defer cancel()

	start := time.Now()
	quotes, err := e.source.FetchPrices(fetchCtx, m)
	telemetry.Metrics.UpstreamLatency.Record(time.Since(start))
	if err != nil {
		return events.PriceUpdate{}, err
	}

	return BuildUpdate(m, quotes, time.Now().UTC()), nil
}

// BuildUpdate converts raw quotes into the display form. Every quoted
// outcome appears; decimal odds are derived from the probability.
func BuildUpdate(m events.MarketSnapshot, quotes map[string]events.Quote, ts time.Time) events.PriceUpdate {
	prices := make(map[string]events.OutcomePrice, len(quotes))
	for name, q := range quotes {
		prices[name] = events.OutcomePrice{
			TokenID:     q.TokenID,
			Probability: q.Probability,
			DecimalOdds: odds.DecimalOdds(q.Probability),
		}
	}
	return events.PriceUpdate{
		MarketID:  m.ID,
		Question:  m.Question,
		Prices:    prices,
		Timestamp: ts,
	}
}

func (e *Engine) recordFailure(ctx context.Context, m events.MarketSnapshot, err error) {
	e.failMu.Lock()
	e.failures[m.ID]++
	n := e.failures[m.ID]
	e.failMu.Unlock()

	if e.alerter == nil || e.cfg.AlertAfterFailures <= 0 || n != e.cfg.AlertAfterFailures {
		return
	}

	// Alert delivery is off the cycle's critical path.
	go func() {
		alertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if aerr := e.alerter.UpstreamDegraded(alertCtx, m.ID, m.Question, n, err); aerr != nil {
			e.logger.Warn("upstream alert failed", "market_id", m.ID, "err", aerr)
		}
	}()
}

func (e *Engine) clearFailure(marketID string) {
	e.failMu.Lock()
	delete(e.failures, marketID)
	e.failMu.Unlock()
}

// pruneFailures forgets failure streaks of markets no longer tracked.
func (e *Engine) pruneFailures(tracked []events.MarketSnapshot) {
	keep := make(map[string]struct{}, len(tracked))
	for _, m := range tracked {
		keep[m.ID] = struct{}{}
	}

	e.failMu.Lock()
	for id := range e.failures {
		if _, ok := keep[id]; !ok {
			delete(e.failures, id)
		}
	}
	e.failMu.Unlock()
}
