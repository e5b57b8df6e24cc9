package polymarket_ws

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/charleschow/live-odds/internal/core/poller"
	"github.com/charleschow/live-odds/internal/events"
	"github.com/charleschow/live-odds/internal/telemetry"
)

const (
	DefaultURL = "wss://ws-subscriptions-clob.polymarket.com/ws/market"

	readWait      = 60 * time.Second
	keepalive     = 10 * time.Second
	writeDeadline = 5 * time.Second
	minBackoff    = 1 * time.Second
	maxBackoff    = 30 * time.Second
	updateBuffer  = 64
)

// MarketSource is the tracked set the listener subscribes for.
type MarketSource interface {
	SnapshotAll() []events.MarketSnapshot
	Contains(marketID string) bool
}

type tokenRef struct {
	marketID string
	outcome  string
}

// Listener is the push alternative to the poller: it subscribes to the CLOB
// market channel for every tracked token and emits a PriceUpdate whenever
// one of a market's outcome prices moves.
//
// Gorilla/websocket supports one concurrent reader and one concurrent
// writer, so all writes are serialized through mu.
type Listener struct {
	url     string
	markets MarketSource
	logger  *slog.Logger
	updates chan events.PriceUpdate

	mu         sync.Mutex
	conn       *websocket.Conn
	index      map[string]tokenRef
	byMarket   map[string]events.MarketSnapshot
	subscribed map[string]bool
	last       map[string]float64

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewListener(wsURL string, markets MarketSource, logger *slog.Logger) *Listener {
	if wsURL == "" {
		wsURL = DefaultURL
	}
	if logger == nil {
		logger = telemetry.L()
	}
	return &Listener{
		url:        wsURL,
		markets:    markets,
		logger:     logger.With("component", "polymarket_ws"),
		updates:    make(chan events.PriceUpdate, updateBuffer),
		index:      make(map[string]tokenRef),
		byMarket:   make(map[string]events.MarketSnapshot),
		subscribed: make(map[string]bool),
		last:       make(map[string]float64),
	}
}

// Updates is never closed.
func (l *Listener) Updates() <-chan events.PriceUpdate { return l.updates }

func (l *Listener) Start(ctx context.Context) bool {
	l.runMu.Lock()
	defer l.runMu.Unlock()

	if l.running {
		return false
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	l.running = true
	l.cancel = cancel
	l.done = done

	go l.run(runCtx, done)
	l.logger.Info("listener started", "url", l.url)
	return true
}

func (l *Listener) Stop() {
	l.runMu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel = nil
	l.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	l.closeConn()
	<-done
	l.logger.Info("listener stopped")
}

func (l *Listener) IsRunning() bool {
	l.runMu.Lock()
	defer l.runMu.Unlock()
	return l.running
}

// Resync reconciles upstream subscriptions with the tracked set. Safe to
// call from any goroutine; a no-op on the wire while disconnected.
func (l *Listener) Resync() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rebuildIndex()
	if l.conn == nil {
		return
	}

	var add, remove []string
	for token := range l.index {
		if !l.subscribed[token] {
			add = append(add, token)
		}
	}
	for token := range l.subscribed {
		if _, ok := l.index[token]; !ok {
			remove = append(remove, token)
		}
	}
	sort.Strings(add)
	sort.Strings(remove)

	if len(add) > 0 {
		if err := l.write(subscribeOp{Operation: "subscribe", AssetIDs: add}); err != nil {
			l.logger.Warn("subscribe failed", "tokens", len(add), "err", err)
		} else {
			for _, t := range add {
				l.subscribed[t] = true
			}
		}
	}
	if len(remove) > 0 {
		if err := l.write(subscribeOp{Operation: "unsubscribe", AssetIDs: remove}); err != nil {
			l.logger.Warn("unsubscribe failed", "tokens", len(remove), "err", err)
		} else {
			for _, t := range remove {
				delete(l.subscribed, t)
			}
		}
	}
}

type initialSubscribe struct {
	Type     string   `json:"type"`
	AssetIDs []string `json:"assets_ids"`
}

type subscribeOp struct {
	Operation string   `json:"operation"`
	AssetIDs  []string `json:"assets_ids"`
}

// rebuildIndex maps every tracked token to its market. Caller must hold mu.
func (l *Listener) rebuildIndex() {
	index := make(map[string]tokenRef)
	byMarket := make(map[string]events.MarketSnapshot)
	for _, m := range l.markets.SnapshotAll() {
		byMarket[m.ID] = m
		for _, o := range m.Outcomes {
			index[o.TokenID] = tokenRef{marketID: m.ID, outcome: o.Name}
		}
	}
	for token := range l.last {
		if _, ok := index[token]; !ok {
			delete(l.last, token)
		}
	}
	l.index = index
	l.byMarket = byMarket
}

// write sends a JSON frame. Caller must hold mu.
func (l *Listener) write(v any) error {
	l.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return l.conn.WriteJSON(v)
}

func (l *Listener) run(ctx context.Context, done chan struct{}) {
	defer func() {
		l.runMu.Lock()
		if l.done == done {
			l.running = false
			l.cancel = nil
		}
		l.runMu.Unlock()
		close(done)
	}()

	backoff := minBackoff
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return
		}
		connStart := time.Now()
		err := l.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if time.Since(connStart) > time.Minute {
			backoff = minBackoff
			attempt = 1
		}
		l.logger.Warn("upstream feed lost, reconnecting", "attempt", attempt, "backoff", backoff, "err", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// session dials, subscribes the tracked tokens and reads until the socket
// fails or ctx is done.
func (l *Listener) session(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, l.url, nil)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.conn = conn
	l.subscribed = make(map[string]bool)
	l.rebuildIndex()
	tokens := make([]string, 0, len(l.index))
	for t := range l.index {
		tokens = append(tokens, t)
	}
	sort.Strings(tokens)
	err = l.write(initialSubscribe{Type: "market", AssetIDs: tokens})
	if err == nil {
		for _, t := range tokens {
			l.subscribed[t] = true
		}
	}
	l.mu.Unlock()
	defer l.closeConn()

	if err != nil {
		return err
	}
	l.logger.Info("connected", "tokens", len(tokens))

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	stopPing := make(chan struct{})
	defer close(stopPing)
	go l.keepalive(conn, stopPing)

	conn.SetReadDeadline(time.Now().Add(readWait))
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(readWait))
		l.apply(ctx, ParseMessage(msg))
	}
}

func (l *Listener) keepalive(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			l.mu.Lock()
			if l.conn != conn {
				l.mu.Unlock()
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			err := conn.WriteMessage(websocket.TextMessage, []byte("PING"))
			l.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// apply folds quotes into the last-known prices and emits one update per
// affected market that is still tracked.
func (l *Listener) apply(ctx context.Context, quotes []TokenQuote) {
	if len(quotes) == 0 {
		return
	}

	l.mu.Lock()
	changed := make(map[string]bool)
	for _, q := range quotes {
		ref, ok := l.index[q.TokenID]
		if !ok {
			continue
		}
		l.last[q.TokenID] = q.Probability
		changed[ref.marketID] = true
	}
	var pending []events.PriceUpdate
	now := time.Now().UTC()
	for id := range changed {
		m := l.byMarket[id]
		prices := make(map[string]events.Quote, len(m.Outcomes))
		for _, o := range m.Outcomes {
			q := events.Quote{TokenID: o.TokenID}
			if p, ok := l.last[o.TokenID]; ok {
				q.Probability = &p
			}
			prices[o.Name] = q
		}
		pending = append(pending, poller.BuildUpdate(m, prices, now))
	}
	l.mu.Unlock()

	sort.Slice(pending, func(i, j int) bool { return pending[i].MarketID < pending[j].MarketID })
	for _, u := range pending {
		if !l.markets.Contains(u.MarketID) {
			continue
		}
		select {
		case l.updates <- u:
			telemetry.Metrics.UpdatesEmitted.Inc()
		case <-ctx.Done():
			return
		}
	}
}

func (l *Listener) closeConn() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		l.conn.Close()
		l.conn = nil
	}
}
