package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/rs/cors"

	"github.com/charleschow/live-odds/internal/adapters/outbound/polymarket_http"
	"github.com/charleschow/live-odds/internal/core/classify"
	"github.com/charleschow/live-odds/internal/core/odds"
	"github.com/charleschow/live-odds/internal/core/poller"
	"github.com/charleschow/live-odds/internal/events"
	"github.com/charleschow/live-odds/internal/telemetry"
)

// Upstream is the market data the REST surface reads through.
type Upstream interface {
	GetMarket(ctx context.Context, marketID string) (events.MarketSnapshot, error)
	FetchPrices(ctx context.Context, m events.MarketSnapshot) (map[string]events.Quote, error)
	GetOrderbook(ctx context.Context, tokenID string) (polymarket_http.Orderbook, error)
	ListMarkets(ctx context.Context, limit, offset int) ([]events.MarketSnapshot, error)
}

// Feed is the live tracking service.
type Feed interface {
	TrackMarket(snap events.MarketSnapshot)
	UntrackMarket(marketID string) bool
	IsRunning() bool
	TrackedCount() int
}

type ConnCounter interface {
	Len() int
}

type Options struct {
	Upstream   Upstream
	Feed       Feed
	Conns      ConnCounter
	Classifier *classify.Classifier
	WS         http.HandlerFunc
	Metrics    http.Handler
	StaticDir  string
}

// Handler serves the REST API, the viewer websocket, metrics and the
// static viewer page.
//
// Routes:
//
//	GET    /api/health
//	GET    /api/markets/sports?limit=&cursor=
//	GET    /api/markets/{id}
//	GET    /api/markets/{id}/prices
//	GET    /api/orderbook/{token_id}
//	POST   /api/track/{id}
//	DELETE /api/track/{id}
//	GET    /ws
//	GET    /metrics
type Handler struct {
	opts Options
	now  func() time.Time
}

func NewHandler(opts Options) *Handler {
	return &Handler{opts: opts, now: time.Now}
}

// RegisterRoutes wires HTTP routes onto the provided mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", h.health)
	mux.HandleFunc("GET /api/markets/sports", h.sportsMarkets)
	mux.HandleFunc("GET /api/markets/{id}", h.marketDetails)
	mux.HandleFunc("GET /api/markets/{id}/prices", h.marketPrices)
	mux.HandleFunc("GET /api/orderbook/{token_id}", h.orderbook)
	mux.HandleFunc("POST /api/track/{id}", h.track)
	mux.HandleFunc("DELETE /api/track/{id}", h.untrack)

	if h.opts.WS != nil {
		mux.HandleFunc("GET /ws", h.opts.WS)
	}
	if h.opts.Metrics != nil {
		mux.Handle("GET /metrics", h.opts.Metrics)
	}
	if dir := h.opts.StaticDir; dir != "" {
		if st, err := os.Stat(dir); err == nil && st.IsDir() {
			files := http.FileServer(http.Dir(dir))
			mux.Handle("GET /static/", http.StripPrefix("/static/", files))
			mux.Handle("GET /", files)
		} else {
			telemetry.Warnf("api: static dir %q not found, viewer page disabled", dir)
		}
	}
}

// Routes returns the mux wrapped in a CORS policy that admits any origin.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return cors.AllowAll().Handler(mux)
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"status":            "healthy",
		"timestamp":         h.now().UTC().Format(time.RFC3339Nano),
		"connected_clients": 0,
		"tracked_markets":   0,
		"polling":           false,
	}
	if h.opts.Conns != nil {
		resp["connected_clients"] = h.opts.Conns.Len()
	}
	if h.opts.Feed != nil {
		resp["tracked_markets"] = h.opts.Feed.TrackedCount()
		resp["polling"] = h.opts.Feed.IsRunning()
	}
	writeJSON(w, http.StatusOK, resp)
}

type outcomeView struct {
	Name        string   `json:"name"`
	TokenID     string   `json:"token_id"`
	Probability *float64 `json:"probability,omitempty"`
	DecimalOdds *float64 `json:"decimal_odds,omitempty"`
}

type marketView struct {
	ID          string        `json:"id"`
	Question    string        `json:"question"`
	Description string        `json:"description"`
	Outcomes    []outcomeView `json:"outcomes"`
	Volume      *float64      `json:"volume"`
	Liquidity   *float64      `json:"liquidity"`
	EndDate     string        `json:"end_date,omitempty"`
	Tags        []string      `json:"tags"`
	Image       string        `json:"image,omitempty"`
	Overround   *float64      `json:"overround,omitempty"`
}

func newMarketView(m events.MarketSnapshot) marketView {
	v := marketView{
		ID:          m.ID,
		Question:    m.Question,
		Description: m.Description,
		Outcomes:    make([]outcomeView, 0, len(m.Outcomes)),
		Volume:      m.Volume,
		Liquidity:   m.Liquidity,
		EndDate:     m.EndDate,
		Tags:        m.Tags,
		Image:       m.Image,
	}
	if v.Tags == nil {
		v.Tags = []string{}
	}
	for _, o := range m.Outcomes {
		v.Outcomes = append(v.Outcomes, outcomeView{Name: o.Name, TokenID: o.TokenID})
	}
	return v
}

func (h *Handler) sportsMarkets(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	cursor := queryInt(r, "cursor", 0)
	if h.opts.Classifier == nil {
		writeError(w, http.StatusServiceUnavailable, "classifier not configured")
		return
	}

	page, err := h.opts.Classifier.SportsPage(r.Context(), h.opts.Upstream, limit, cursor)
	if err != nil {
		telemetry.Warnf("api: sports markets: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	markets := make([]marketView, 0, len(page.Markets))
	for _, m := range page.Markets {
		markets = append(markets, newMarketView(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":       len(markets),
		"next_cursor": page.NextCursor,
		"markets":     markets,
	})
}

// lookup resolves the {id} path value, writing the error response itself
// when it fails.
func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (events.MarketSnapshot, bool) {
	id := r.PathValue("id")
	m, err := h.opts.Upstream.GetMarket(r.Context(), id)
	switch {
	case errors.Is(err, events.ErrMarketNotFound):
		writeError(w, http.StatusNotFound, "Market not found")
		return m, false
	case err != nil:
		telemetry.Warnf("api: market %s: %v", id, err)
		writeError(w, http.StatusBadGateway, err.Error())
		return m, false
	}
	if m.ID == "" {
		m.ID = id
	}
	return m, true
}

func (h *Handler) livePrices(r *http.Request, m events.MarketSnapshot) (events.PriceUpdate, error) {
	quotes, err := h.opts.Upstream.FetchPrices(r.Context(), m)
	if err != nil {
		return events.PriceUpdate{}, err
	}
	return poller.BuildUpdate(m, quotes, h.now().UTC()), nil
}

func (h *Handler) marketDetails(w http.ResponseWriter, r *http.Request) {
	m, ok := h.lookup(w, r)
	if !ok {
		return
	}
	view := newMarketView(m)

	update, err := h.livePrices(r, m)
	if err != nil {
		// metadata is still useful without prices
		telemetry.Warnf("api: prices for %s: %v", m.ID, err)
		writeJSON(w, http.StatusOK, view)
		return
	}

	probs := make([]*float64, 0, len(view.Outcomes))
	for i, o := range view.Outcomes {
		p, ok := update.Prices[o.Name]
		if !ok {
			continue
		}
		view.Outcomes[i].Probability = p.Probability
		view.Outcomes[i].DecimalOdds = p.DecimalOdds
		probs = append(probs, p.Probability)
	}
	if len(probs) > 0 {
		or := odds.Overround(probs...)
		view.Overround = &or
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) marketPrices(w http.ResponseWriter, r *http.Request) {
	m, ok := h.lookup(w, r)
	if !ok {
		return
	}
	update, err := h.livePrices(r, m)
	if err != nil {
		telemetry.Warnf("api: prices for %s: %v", m.ID, err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, update)
}

func (h *Handler) orderbook(w http.ResponseWriter, r *http.Request) {
	tokenID := r.PathValue("token_id")
	book, err := h.opts.Upstream.GetOrderbook(r.Context(), tokenID)
	if err != nil {
		telemetry.Warnf("api: orderbook %s: %v", tokenID, err)
		book = polymarket_http.Orderbook{Bids: []polymarket_http.Level{}, Asks: []polymarket_http.Level{}}
	}
	writeJSON(w, http.StatusOK, book)
}

func (h *Handler) track(w http.ResponseWriter, r *http.Request) {
	m, ok := h.lookup(w, r)
	if !ok {
		return
	}
	h.opts.Feed.TrackMarket(m)
	telemetry.Infof("api: tracking %s via REST", m.ID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "tracking", "market_id": m.ID})
}

func (h *Handler) untrack(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	h.opts.Feed.UntrackMarket(id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "untracked", "market_id": id})
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		telemetry.Debugf("api: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
