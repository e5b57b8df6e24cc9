package fanout

import (
	"context"
	"log/slog"

	"github.com/charleschow/live-odds/internal/events"
	"github.com/charleschow/live-odds/internal/telemetry"
)

// Hub delivers price updates to every registered connection.
type Hub struct {
	conns  *Registry
	logger *slog.Logger
}

func NewHub(conns *Registry, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = telemetry.L()
	}
	return &Hub{conns: conns, logger: logger.With("component", "hub")}
}

// Broadcast sends u to every connection present when the call starts.
// Connections whose Send fails are removed and closed after the pass; the
// rest still receive the update. Returns the number of successful sends.
func (h *Hub) Broadcast(u events.PriceUpdate) int {
	members := h.conns.Snapshot()
	if len(members) == 0 {
		return 0
	}

	data, err := MarshalUpdate(u)
	if err != nil {
		h.logger.Warn("dropping update", "market_id", u.MarketID, "err", err)
		return 0
	}

	var failed []Conn
	delivered := 0
	for _, c := range members {
		if err := c.Send(data); err != nil {
			h.logger.Debug("delivery failed", "client", c.ID(), "err", err)
			failed = append(failed, c)
			continue
		}
		delivered++
	}

	for _, c := range failed {
		if h.conns.Remove(c) {
			telemetry.Metrics.DeliveryFailures.Inc()
			telemetry.Infof("fanout: evicted client %s after failed delivery", c.ID())
		}
		c.Close()
	}
	telemetry.Metrics.BroadcastsSent.Add(int64(delivered))
	return delivered
}

// Run broadcasts updates in arrival order until ctx is cancelled or the
// channel is closed.
func (h *Hub) Run(ctx context.Context, updates <-chan events.PriceUpdate) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			h.Broadcast(u)
		}
	}
}
