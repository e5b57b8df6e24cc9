package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/charleschow/live-odds/internal/adapters/inbound/polymarket_ws"
	"github.com/charleschow/live-odds/internal/adapters/outbound/discord"
	"github.com/charleschow/live-odds/internal/adapters/outbound/polymarket_http"
	"github.com/charleschow/live-odds/internal/api"
	"github.com/charleschow/live-odds/internal/config"
	"github.com/charleschow/live-odds/internal/core/activity"
	"github.com/charleschow/live-odds/internal/core/classify"
	"github.com/charleschow/live-odds/internal/core/livefeed"
	"github.com/charleschow/live-odds/internal/core/poller"
	"github.com/charleschow/live-odds/internal/core/registry"
	"github.com/charleschow/live-odds/internal/events"
	"github.com/charleschow/live-odds/internal/fanout"
	"github.com/charleschow/live-odds/internal/telemetry"
)

func main() {
	cfg := config.Load()
	telemetry.Init(telemetry.ParseLogLevel(cfg.LogLevel))
	telemetry.Infof("Starting live odds server")

	catalog, err := config.LoadCatalog(cfg.CatalogPath)
	if err != nil {
		telemetry.Errorf("Failed to load catalog: %v", err)
		os.Exit(1)
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(sigCtx)

	// ── Upstream ────────────────────────────────────────────────
	upstream := polymarket_http.NewClient(cfg.GammaAPIURL, cfg.ClobAPIURL, cfg.UpstreamRatePerSec)
	notifier := discord.NewNotifier(cfg.DiscordWebhookURL)

	// ── Tracking + producer ─────────────────────────────────────
	markets := registry.New()

	var (
		producer livefeed.Producer
		updates  <-chan events.PriceUpdate
	)
	switch cfg.UpstreamMode {
	case config.UpstreamModePush:
		listener := polymarket_ws.NewListener(cfg.ClobWSURL, markets, nil)
		producer, updates = listener, listener.Updates()
	default:
		engine := poller.New(poller.Config{
			Interval:           cfg.PollInterval,
			FetchTimeout:       cfg.FetchTimeout,
			AlertAfterFailures: cfg.AlertAfterFailures,
		}, upstream, markets, nil)
		if notifier.Enabled() {
			engine.SetAlerter(notifier)
		}
		producer, updates = engine, engine.Updates()
	}
	feed := livefeed.NewService(ctx, markets, producer)
	telemetry.Infof("Upstream mode=%s  gamma=%s  clob=%s", cfg.UpstreamMode, cfg.GammaAPIURL, cfg.ClobAPIURL)

	// ── Viewers ─────────────────────────────────────────────────
	conns := fanout.NewRegistry()
	hub := fanout.NewHub(conns, nil)
	wsServer := fanout.NewServer(ctx, conns, upstream, feed, fanout.SessionConfig{
		IdleTimeout:   cfg.IdleTimeout,
		LookupTimeout: cfg.FetchTimeout,
	}, nil)

	var activityStore *activity.Store
	if cfg.ActivityStorePath != "" {
		activityStore, err = activity.OpenStore(cfg.ActivityStorePath, 0)
		if err != nil {
			telemetry.Warnf("Activity store disabled: %v", err)
		} else {
			wsServer.SetRecorder(activityStore)
		}
	}

	// ── Metrics ─────────────────────────────────────────────────
	promReg := prometheus.NewRegistry()
	if err := telemetry.RegisterPrometheus(promReg); err != nil {
		telemetry.Errorf("Metrics registration: %v", err)
		os.Exit(1)
	}
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// ── HTTP server ─────────────────────────────────────────────
	handler := api.NewHandler(api.Options{
		Upstream:   upstream,
		Feed:       feed,
		Conns:      conns,
		Classifier: classify.New(catalog.SportsTags, catalog.SportsKeywords),
		WS:         wsServer.HandleWS,
		Metrics:    promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}),
		StaticDir:  cfg.StaticDir,
	})

	addr := fmt.Sprintf("%s:%d", cfg.HTTPHost, cfg.HTTPPort)
	server := &http.Server{
		Addr:              addr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	preloadWatchlist(ctx, upstream, feed, catalog.Watchlist, cfg.FetchTimeout)

	g.Go(func() error {
		hub.Run(ctx, updates)
		return nil
	})
	g.Go(func() error {
		telemetry.Infof("Listening on %q", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		telemetry.Infof("Shutting down...")
		notifyQuietly(func(c context.Context) error {
			return notifier.ServerStopping(c, feed.TrackedCount(), conns.Len())
		})
		feed.StopPolling()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	notifyQuietly(func(c context.Context) error {
		return notifier.ServerStarted(c, addr, cfg.UpstreamMode, len(catalog.Watchlist))
	})

	err = g.Wait()
	if activityStore != nil {
		activityStore.Close()
	}

	telemetry.Infof("Shutdown complete  cycles=%d  updates=%d  deliveries=%d  evictions=%d  fetch_errors=%d",
		telemetry.Metrics.PollCycles.Value(),
		telemetry.Metrics.UpdatesEmitted.Value(),
		telemetry.Metrics.BroadcastsSent.Value(),
		telemetry.Metrics.DeliveryFailures.Value(),
		telemetry.Metrics.FetchErrors.Value(),
	)
	if err != nil {
		telemetry.Errorf("%v", err)
		os.Exit(1)
	}
}

// preloadWatchlist tracks the catalog's watchlist before any viewer
// connects. Unknown ids are logged and skipped.
func preloadWatchlist(ctx context.Context, upstream *polymarket_http.Client, feed *livefeed.Service, ids []string, timeout time.Duration) {
	for _, id := range ids {
		lctx, cancel := context.WithTimeout(ctx, timeout)
		m, err := upstream.GetMarket(lctx, id)
		cancel()
		if err != nil {
			telemetry.Warnf("Watchlist: skipping %s: %v", id, err)
			continue
		}
		feed.TrackMarket(m)
		telemetry.Infof("Watchlist: tracking %s  %q", m.ID, m.Question)
	}
}

func notifyQuietly(fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		telemetry.Warnf("Discord: %v", err)
	}
}
