package telemetry

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Counter struct {
	val atomic.Int64
}

func (c *Counter) Inc()         { c.val.Add(1) }
func (c *Counter) Add(n int64)  { c.val.Add(n) }
func (c *Counter) Value() int64 { return c.val.Load() }

type Gauge struct {
	val atomic.Int64
}

func (g *Gauge) Set(v int64)  { g.val.Store(v) }
func (g *Gauge) Inc()         { g.val.Add(1) }
func (g *Gauge) Dec()         { g.val.Add(-1) }
func (g *Gauge) Value() int64 { return g.val.Load() }

// LatencyTracker keeps the most recent maxKeep samples.
type LatencyTracker struct {
	mu      sync.Mutex
	samples []time.Duration
	maxKeep int
}

func NewLatencyTracker(maxKeep int) *LatencyTracker {
	return &LatencyTracker{maxKeep: maxKeep}
}

func (lt *LatencyTracker) Record(d time.Duration) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	lt.samples = append(lt.samples, d)
	if len(lt.samples) > lt.maxKeep {
		lt.samples = lt.samples[len(lt.samples)-lt.maxKeep:]
	}
}

func (lt *LatencyTracker) P50() time.Duration { return lt.percentile(0.50) }
func (lt *LatencyTracker) P99() time.Duration { return lt.percentile(0.99) }

func (lt *LatencyTracker) percentile(p float64) time.Duration {
	lt.mu.Lock()
	sorted := make([]time.Duration, len(lt.samples))
	copy(sorted, lt.samples)
	lt.mu.Unlock()

	if len(sorted) == 0 {
		return 0
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}

// Metrics is the global metrics registry.
var Metrics = struct {
	PollCycles       Counter
	FetchErrors      Counter
	UpdatesEmitted   Counter
	BroadcastsSent   Counter
	DeliveryFailures Counter
	ControlMessages  Counter
	ClientsConnected Gauge
	TrackedMarkets   Gauge
	UpstreamLatency  *LatencyTracker
	CycleLatency     *LatencyTracker
}{
	UpstreamLatency: NewLatencyTracker(1000),
	CycleLatency:    NewLatencyTracker(1000),
}

// RegisterPrometheus exposes Metrics on reg. The collectors read the atomic
// values at scrape time, so nothing else has to be kept in sync.
func RegisterPrometheus(reg prometheus.Registerer) error {
	counter := func(name, help string, c *Counter) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "liveodds", Name: name, Help: help,
		}, func() float64 { return float64(c.Value()) })
	}
	gauge := func(name, help string, fn func() float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "liveodds", Name: name, Help: help,
		}, fn)
	}

	collectors := []prometheus.Collector{
		counter("poll_cycles_total", "Completed poll cycles.", &Metrics.PollCycles),
		counter("fetch_errors_total", "Upstream price fetches that failed.", &Metrics.FetchErrors),
		counter("updates_emitted_total", "Price updates handed to the broadcaster.", &Metrics.UpdatesEmitted),
		counter("broadcast_deliveries_total", "Price update frames queued to viewers.", &Metrics.BroadcastsSent),
		counter("delivery_failures_total", "Viewer deliveries that failed and evicted the viewer.", &Metrics.DeliveryFailures),
		counter("control_messages_total", "Inbound viewer control messages.", &Metrics.ControlMessages),
		gauge("clients_connected", "Open viewer connections.", func() float64 { return float64(Metrics.ClientsConnected.Value()) }),
		gauge("tracked_markets", "Markets in the refresh cycle.", func() float64 { return float64(Metrics.TrackedMarkets.Value()) }),
		gauge("upstream_latency_p50_seconds", "Median upstream price fetch latency.", func() float64 { return Metrics.UpstreamLatency.P50().Seconds() }),
		gauge("upstream_latency_p99_seconds", "p99 upstream price fetch latency.", func() float64 { return Metrics.UpstreamLatency.P99().Seconds() }),
		gauge("cycle_latency_p50_seconds", "Median poll cycle duration.", func() float64 { return Metrics.CycleLatency.P50().Seconds() }),
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
