package fanout

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/charleschow/live-odds/internal/telemetry"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// Server upgrades viewer connections and runs a Session for each.
type Server struct {
	ctx      context.Context
	conns    *Registry
	lookup   MarketLookup
	tracker  Tracker
	recorder ActivityRecorder
	cfg      SessionConfig
	logger   *slog.Logger
}

// NewServer ties session lifetimes to ctx; cancelling it closes every
// viewer.
func NewServer(ctx context.Context, conns *Registry, lookup MarketLookup, tracker Tracker, cfg SessionConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = telemetry.L()
	}
	return &Server{
		ctx:     ctx,
		conns:   conns,
		lookup:  lookup,
		tracker: tracker,
		cfg:     cfg,
		logger:  logger.With("component", "fanout"),
	}
}

func (s *Server) SetRecorder(r ActivityRecorder) { s.recorder = r }

// HandleWS is the HTTP handler for websocket upgrade requests. It blocks
// for the lifetime of the session.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		telemetry.Warnf("fanout: upgrade failed: %v", err)
		return
	}

	c := newClient(conn)
	c.start()
	telemetry.Plainf("Fanout: Client Connected [%s] from %s", c.ID(), r.RemoteAddr)

	sess := NewSession(c, s.conns, s.lookup, s.tracker, s.cfg, s.logger)
	if s.recorder != nil {
		sess.SetRecorder(s.recorder)
	}

	// Lookups in flight are abandoned as soon as the viewer goes away.
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	go func() {
		select {
		case <-c.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	sess.Run(ctx, c.Inbound())

	telemetry.Plainf("Fanout: Client Disconnected [%s]", c.ID())
}
