package fanout

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/charleschow/live-odds/internal/events"
	"github.com/charleschow/live-odds/internal/telemetry"
)

const (
	minBackoff = 1 * time.Second
	maxBackoff = 30 * time.Second
)

// UpdateHandler is called for every price_update received by a Viewer.
type UpdateHandler func(events.PriceUpdate)

// Viewer connects to a live odds server, subscribes to a fixed list of
// markets and hands every price update to a handler. It resubscribes after
// each reconnect.
type Viewer struct {
	url      string
	markets  []string
	onUpdate UpdateHandler
	onNotice func(Envelope)
}

// NewViewer accepts either a host:port or a full ws:// URL.
func NewViewer(addr string, markets []string, onUpdate UpdateHandler) *Viewer {
	url := addr
	if !strings.HasPrefix(addr, "ws://") && !strings.HasPrefix(addr, "wss://") {
		url = fmt.Sprintf("ws://%s/ws", addr)
	}
	return &Viewer{
		url:      url,
		markets:  markets,
		onUpdate: onUpdate,
	}
}

// OnNotice installs a handler for every non price_update message.
func (v *Viewer) OnNotice(fn func(Envelope)) { v.onNotice = fn }

// ConnectWithRetry connects and reconnects on failure with exponential
// backoff. Blocks until ctx is cancelled.
func (v *Viewer) ConnectWithRetry(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		connStart := time.Now()
		err := v.connect(ctx)
		if ctx.Err() != nil {
			return
		}

		if time.Since(connStart) > time.Minute {
			attempt = 0
		}

		attempt++
		backoff := time.Duration(float64(minBackoff) * math.Pow(2, float64(min(attempt-1, 5))))
		if backoff > maxBackoff {
			backoff = maxBackoff
		}

		if err != nil {
			telemetry.Warnf("viewer: connection lost (attempt %d): %v, retrying in %s", attempt, err, backoff)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

func (v *Viewer) connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, v.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", v.url, err)
	}
	defer conn.Close()

	// unblock ReadMessage on shutdown
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	telemetry.Infof("viewer: connected to %s", v.url)

	for _, id := range v.markets {
		if err := conn.WriteJSON(InboundMessage{Type: MsgSubscribe, MarketID: id}); err != nil {
			return fmt.Errorf("subscribe %s: %w", id, err)
		}
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read: %w", err)
		}

		env, err := UnmarshalEnvelope(msg)
		if err != nil {
			telemetry.Warnf("viewer: %v", err)
			continue
		}

		switch {
		case env.Type == MsgPriceUpdate && env.Data != nil:
			if v.onUpdate != nil {
				v.onUpdate(*env.Data)
			}
		case env.Type == MsgPing:
			// answer the idle probe so the server sees traffic
			if err := conn.WriteJSON(InboundMessage{Type: MsgPing}); err != nil {
				return fmt.Errorf("keepalive: %w", err)
			}
		default:
			if v.onNotice != nil {
				v.onNotice(env)
			}
		}
	}
}
