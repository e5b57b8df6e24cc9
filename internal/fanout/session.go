package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/charleschow/live-odds/internal/events"
	"github.com/charleschow/live-odds/internal/telemetry"
)

// MarketLookup resolves a market id to its metadata. Unknown ids return an
// error wrapping events.ErrMarketNotFound.
type MarketLookup interface {
	GetMarket(ctx context.Context, marketID string) (events.MarketSnapshot, error)
}

// Tracker owns the tracked set. TrackMarket also makes sure the producer is
// running.
type Tracker interface {
	TrackMarket(snap events.MarketSnapshot)
	UntrackMarket(marketID string) bool
}

// ActivityRecorder receives one entry per handled control message.
type ActivityRecorder interface {
	RecordControl(clientID, action, marketID, result string)
}

type State int32

const (
	StateOpen State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type SessionConfig struct {
	IdleTimeout   time.Duration
	LookupTimeout time.Duration
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		IdleTimeout:   30 * time.Second,
		LookupTimeout: 10 * time.Second,
	}
}

// Session runs the control protocol for one connection.
type Session struct {
	conn     Conn
	conns    *Registry
	lookup   MarketLookup
	tracker  Tracker
	recorder ActivityRecorder
	cfg      SessionConfig
	logger   *slog.Logger

	state      atomic.Int32
	subscribed map[string]struct{}
}

func NewSession(conn Conn, conns *Registry, lookup MarketLookup, tracker Tracker, cfg SessionConfig, logger *slog.Logger) *Session {
	def := DefaultSessionConfig()
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = def.LookupTimeout
	}
	if logger == nil {
		logger = telemetry.L()
	}
	return &Session{
		conn:       conn,
		conns:      conns,
		lookup:     lookup,
		tracker:    tracker,
		cfg:        cfg,
		logger:     logger.With("client", conn.ID()),
		subscribed: make(map[string]struct{}),
	}
}

func (s *Session) SetRecorder(r ActivityRecorder) { s.recorder = r }

func (s *Session) State() State { return State(s.state.Load()) }

// Run sends the welcome, registers the connection for broadcasts and then
// handles inbound messages until the channel closes, a send fails or ctx is
// done. The connection is deregistered and closed on return. Market lookups
// run under ctx, so it should end when the connection does.
func (s *Session) Run(ctx context.Context, inbound <-chan []byte) {
	defer s.close()

	if err := s.reply(welcome(time.Now())); err != nil {
		return
	}
	s.conns.Add(s.conn)
	s.state.Store(int32(StateActive))
	s.logger.Debug("session active")

	idle := time.NewTimer(s.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-inbound:
			if !ok {
				return
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			if err := s.handle(ctx, raw); err != nil {
				s.logger.Debug("reply failed", "err", err)
				return
			}
			idle.Reset(s.cfg.IdleTimeout)
		case <-idle.C:
			if err := s.reply(Envelope{Type: MsgPing}); err != nil {
				return
			}
			idle.Reset(s.cfg.IdleTimeout)
		}
	}
}

// handle returns an error only when the reply could not be queued.
func (s *Session) handle(ctx context.Context, raw []byte) error {
	telemetry.Metrics.ControlMessages.Inc()

	msg, err := ParseInbound(raw)
	if err != nil {
		s.record("invalid", "", "error")
		return s.reply(Envelope{Type: MsgError, Error: "invalid message"})
	}

	switch msg.Type {
	case MsgSubscribe:
		return s.subscribe(ctx, msg.MarketID)
	case MsgUnsubscribe:
		return s.unsubscribe(msg.MarketID)
	case MsgPing:
		s.record(MsgPing, "", "ok")
		return s.reply(Envelope{Type: MsgPong})
	default:
		s.record(msg.Type, msg.MarketID, "error")
		return s.reply(Envelope{Type: MsgError, Error: "unknown message type: " + msg.Type})
	}
}

func (s *Session) subscribe(ctx context.Context, marketID string) error {
	if marketID == "" {
		s.record(MsgSubscribe, "", "error")
		return s.reply(Envelope{Type: MsgError, Error: "market_id required"})
	}

	lctx, cancel := context.WithTimeout(ctx, s.cfg.LookupTimeout)
	snap, err := s.lookup.GetMarket(lctx, marketID)
	cancel()
	switch {
	case errors.Is(err, events.ErrMarketNotFound):
		s.record(MsgSubscribe, marketID, "not_found")
		return s.reply(Envelope{Type: MsgSubscribeError, MarketID: marketID, Error: "market not found"})
	case err != nil:
		s.logger.Warn("market lookup failed", "market_id", marketID, "err", err)
		s.record(MsgSubscribe, marketID, "error")
		return s.reply(Envelope{Type: MsgError, MarketID: marketID, Error: "market lookup failed"})
	}

	s.tracker.TrackMarket(snap)
	s.subscribed[marketID] = struct{}{}
	s.logger.Info("subscribed", "market_id", marketID, "subscriptions", len(s.subscribed))
	s.record(MsgSubscribe, marketID, "ok")
	return s.reply(Envelope{Type: MsgSubscribed, MarketID: marketID})
}

// unsubscribe removes the market from the tracked set for every viewer,
// not only this one.
func (s *Session) unsubscribe(marketID string) error {
	if marketID == "" {
		s.record(MsgUnsubscribe, "", "error")
		return s.reply(Envelope{Type: MsgError, Error: "market_id required"})
	}
	s.tracker.UntrackMarket(marketID)
	delete(s.subscribed, marketID)
	s.logger.Info("unsubscribed", "market_id", marketID)
	s.record(MsgUnsubscribe, marketID, "ok")
	return s.reply(Envelope{Type: MsgUnsubscribed, MarketID: marketID})
}

func (s *Session) reply(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return s.conn.Send(data)
}

func (s *Session) record(action, marketID, result string) {
	if s.recorder != nil {
		s.recorder.RecordControl(s.conn.ID(), action, marketID, result)
	}
}

func (s *Session) close() {
	s.state.Store(int32(StateClosed))
	if s.conns.Remove(s.conn) {
		s.logger.Debug("session closed", "subscriptions", len(s.subscribed))
	}
	s.conn.Close()
}
