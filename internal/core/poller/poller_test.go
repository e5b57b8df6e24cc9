package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/charleschow/live-odds/internal/core/registry"
	"github.com/charleschow/live-odds/internal/events"
	"github.com/charleschow/live-odds/internal/telemetry"
)

func ptr(v float64) *float64 { return &v }

// fakeSource returns canned quotes per market, or an error.
type fakeSource struct {
	mu     sync.Mutex
	quotes map[string]map[string]events.Quote
	errs   map[string]error
	calls  []string
	hook   func(marketID string)
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		quotes: make(map[string]map[string]events.Quote),
		errs:   make(map[string]error),
	}
}

func (f *fakeSource) FetchPrices(_ context.Context, m events.MarketSnapshot) (map[string]events.Quote, error) {
	f.mu.Lock()
	f.calls = append(f.calls, m.ID)
	q, err, hook := f.quotes[m.ID], f.errs[m.ID], f.hook
	f.mu.Unlock()

	if hook != nil {
		hook(m.ID)
	}
	if err != nil {
		return nil, err
	}
	return q, nil
}

func (f *fakeSource) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeAlerter struct {
	mu    sync.Mutex
	calls []int
	ch    chan struct{}
}

func (a *fakeAlerter) UpstreamDegraded(_ context.Context, _, _ string, failures int, _ error) error {
	a.mu.Lock()
	a.calls = append(a.calls, failures)
	a.mu.Unlock()
	a.ch <- struct{}{}
	return nil
}

func yesNo(yes float64) map[string]events.Quote {
	return map[string]events.Quote{
		"Yes": {TokenID: "tok-yes", Probability: ptr(yes)},
		"No":  {TokenID: "tok-no", Probability: ptr(1 - yes)},
	}
}

func drain(ch <-chan events.PriceUpdate) []events.PriceUpdate {
	var out []events.PriceUpdate
	for {
		select {
		case u := <-ch:
			out = append(out, u)
		default:
			return out
		}
	}
}

func TestPollAll_FailureIsolation(t *testing.T) {
	reg := registry.New()
	reg.Track(events.MarketSnapshot{ID: "A", Question: "A?"})
	reg.Track(events.MarketSnapshot{ID: "B", Question: "B?"})
	reg.Track(events.MarketSnapshot{ID: "C", Question: "C?"})

	src := newFakeSource()
	src.quotes["A"] = yesNo(0.6)
	src.errs["B"] = errors.New("upstream 502")
	src.quotes["C"] = yesNo(0.25)

	e := New(DefaultConfig(), src, reg, nil)

	require.Equal(t, 2, e.pollAll(context.Background()))
	require.Equal(t, []string{"A", "B", "C"}, src.Calls())

	got := drain(e.Updates())
	require.Len(t, got, 2)
	require.Equal(t, "A", got[0].MarketID)
	require.Equal(t, "C", got[1].MarketID)
}

func TestPollAll_SingleFailureEmitsOnlyHealthyMarket(t *testing.T) {
	reg := registry.New()
	reg.Track(events.MarketSnapshot{ID: "A"})
	reg.Track(events.MarketSnapshot{ID: "B"})

	src := newFakeSource()
	src.quotes["A"] = yesNo(0.5)
	src.errs["B"] = context.DeadlineExceeded

	e := New(DefaultConfig(), src, reg, nil)
	e.pollAll(context.Background())

	got := drain(e.Updates())
	require.Len(t, got, 1)
	require.Equal(t, "A", got[0].MarketID)
}

func TestPollAll_EmptyRegistry(t *testing.T) {
	src := newFakeSource()
	e := New(DefaultConfig(), src, registry.New(), nil)

	require.Zero(t, e.pollAll(context.Background()))
	require.Empty(t, src.Calls())
	require.Empty(t, drain(e.Updates()))
}

func TestPollAll_ConvertsOdds(t *testing.T) {
	reg := registry.New()
	reg.Track(events.MarketSnapshot{ID: "A", Question: "Will the Celtics win?"})

	src := newFakeSource()
	src.quotes["A"] = map[string]events.Quote{
		"Yes": {TokenID: "y", Probability: ptr(0.35)},
		"No":  {TokenID: "n", Probability: ptr(0)},
		"Tie": {TokenID: "t"},
	}

	e := New(DefaultConfig(), src, reg, nil)
	e.pollAll(context.Background())

	got := drain(e.Updates())
	require.Len(t, got, 1)
	u := got[0]
	require.Equal(t, "Will the Celtics win?", u.Question)
	require.False(t, u.Timestamp.IsZero())

	require.InDelta(t, 2.86, *u.Prices["Yes"].DecimalOdds, 1e-9)
	require.Equal(t, "y", u.Prices["Yes"].TokenID)
	require.Nil(t, u.Prices["No"].DecimalOdds)
	require.NotNil(t, u.Prices["No"].Probability)
	require.Nil(t, u.Prices["Tie"].Probability)
	require.Nil(t, u.Prices["Tie"].DecimalOdds)
}

func TestPollAll_DiscardsMarketUntrackedMidFetch(t *testing.T) {
	reg := registry.New()
	reg.Track(events.MarketSnapshot{ID: "A"})
	reg.Track(events.MarketSnapshot{ID: "B"})

	src := newFakeSource()
	src.quotes["A"] = yesNo(0.5)
	src.quotes["B"] = yesNo(0.5)
	src.hook = func(id string) {
		if id == "A" {
			reg.Untrack("A")
		}
	}

	e := New(DefaultConfig(), src, reg, nil)
	e.pollAll(context.Background())

	got := drain(e.Updates())
	require.Len(t, got, 1)
	require.Equal(t, "B", got[0].MarketID)
}

func TestAlertAfterConsecutiveFailures(t *testing.T) {
	reg := registry.New()
	reg.Track(events.MarketSnapshot{ID: "A"})

	src := newFakeSource()
	src.errs["A"] = errors.New("boom")

	cfg := DefaultConfig()
	cfg.AlertAfterFailures = 3
	e := New(cfg, src, reg, nil)
	alerter := &fakeAlerter{ch: make(chan struct{}, 4)}
	e.SetAlerter(alerter)

	for i := 0; i < 5; i++ {
		e.pollAll(context.Background())
	}

	select {
	case <-alerter.ch:
	case <-time.After(time.Second):
		t.Fatal("alerter was never called")
	}
	// only the third failure alerts
	select {
	case <-alerter.ch:
		t.Fatal("alerted more than once for one streak")
	case <-time.After(50 * time.Millisecond):
	}
	alerter.mu.Lock()
	require.Equal(t, []int{3}, alerter.calls)
	alerter.mu.Unlock()
}

func TestPollAll_CancelledFetchIsNotAFailure(t *testing.T) {
	reg := registry.New()
	reg.Track(events.MarketSnapshot{ID: "A"})
	reg.Track(events.MarketSnapshot{ID: "B"})

	ctx, cancel := context.WithCancel(context.Background())
	src := newFakeSource()
	src.errs["A"] = context.Canceled
	src.quotes["B"] = yesNo(0.5)
	src.hook = func(string) { cancel() }

	e := New(DefaultConfig(), src, reg, nil)
	before := telemetry.Metrics.FetchErrors.Value()

	require.Equal(t, 0, e.pollAll(ctx))
	require.Equal(t, before, telemetry.Metrics.FetchErrors.Value())
	require.Equal(t, []string{"A"}, src.Calls())

	e.failMu.Lock()
	require.Zero(t, e.failures["A"])
	e.failMu.Unlock()
}

func TestStart_IsIdempotent(t *testing.T) {
	reg := registry.New()
	reg.Track(events.MarketSnapshot{ID: "A"})

	src := newFakeSource()
	src.quotes["A"] = yesNo(0.5)

	cfg := DefaultConfig()
	cfg.Interval = 20 * time.Millisecond
	e := New(cfg, src, reg, nil)

	require.False(t, e.IsRunning())
	require.True(t, e.Start(context.Background()))
	require.False(t, e.Start(context.Background()))
	require.True(t, e.IsRunning())

	var received atomic.Int32
	deadline := time.After(2 * time.Second)
	for received.Load() < 2 {
		select {
		case <-e.Updates():
			received.Add(1)
		case <-deadline:
			t.Fatalf("received %d updates, want at least 2", received.Load())
		}
	}

	e.Stop()
	require.False(t, e.IsRunning())
	e.Stop()

	// restart after stop
	require.True(t, e.Start(context.Background()))
	e.Stop()
}

func TestStart_ParentCancelStopsEngine(t *testing.T) {
	e := New(DefaultConfig(), newFakeSource(), registry.New(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.True(t, e.Start(ctx))
	cancel()

	require.Eventually(t, func() bool { return !e.IsRunning() }, time.Second, 5*time.Millisecond)
	e.Stop()
	require.True(t, e.Start(context.Background()))
	e.Stop()
}
