package fanout

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/charleschow/live-odds/internal/events"
)

func startServer(t *testing.T) (*httptest.Server, *Registry, *fakeTracker) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	reg := NewRegistry()
	tracker := newFakeTracker()
	srv := NewServer(ctx, reg, defaultLookup(), tracker, SessionConfig{}, nil)

	ts := httptest.NewServer(http.HandlerFunc(srv.HandleWS))
	t.Cleanup(func() {
		cancel()
		ts.Close()
	})
	return ts, reg, tracker
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := UnmarshalEnvelope(raw)
	require.NoError(t, err)
	return env
}

func TestServer_EndToEnd(t *testing.T) {
	ts, reg, tracker := startServer(t)
	url := "ws" + strings.TrimPrefix(ts.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Equal(t, MsgConnected, readEnvelope(t, conn).Type)

	require.NoError(t, conn.WriteJSON(InboundMessage{Type: MsgSubscribe, MarketID: "m1"}))
	env := readEnvelope(t, conn)
	require.Equal(t, MsgSubscribed, env.Type)
	require.True(t, tracker.has("m1"))
	require.Equal(t, 1, reg.Len())

	hub := NewHub(reg, nil)
	require.Equal(t, 1, hub.Broadcast(sampleUpdate("m1")))

	env = readEnvelope(t, conn)
	require.Equal(t, MsgPriceUpdate, env.Type)
	require.NotNil(t, env.Data)
	require.Equal(t, "m1", env.Data.MarketID)
	require.Equal(t, 1.54, *env.Data.Prices["Yes"].DecimalOdds)
	require.Nil(t, env.Data.Prices["No"].Probability)

	conn.Close()
	require.Eventually(t, func() bool { return reg.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestViewer_ReceivesUpdates(t *testing.T) {
	ts, reg, _ := startServer(t)

	updates := make(chan events.PriceUpdate, 4)
	notices := make(chan Envelope, 8)
	v := NewViewer("ws"+strings.TrimPrefix(ts.URL, "http"), []string{"m1"}, func(u events.PriceUpdate) {
		updates <- u
	})
	v.OnNotice(func(env Envelope) { notices <- env })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		v.ConnectWithRetry(ctx)
		close(done)
	}()

	waitNotice := func(typ string) {
		for {
			select {
			case env := <-notices:
				if env.Type == typ {
					return
				}
			case <-time.After(2 * time.Second):
				t.Fatalf("no %s notice", typ)
			}
		}
	}
	waitNotice(MsgConnected)
	waitNotice(MsgSubscribed)

	NewHub(reg, nil).Broadcast(sampleUpdate("m1"))

	select {
	case u := <-updates:
		require.Equal(t, "m1", u.MarketID)
	case <-time.After(2 * time.Second):
		t.Fatal("viewer got no update")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("viewer did not stop")
	}
}

func TestNewViewer_AddressForms(t *testing.T) {
	require.Equal(t, "ws://localhost:8000/ws", NewViewer("localhost:8000", nil, nil).url)
	require.Equal(t, "wss://odds.example/ws", NewViewer("wss://odds.example/ws", nil, nil).url)
}

type blockingLookup struct {
	started chan struct{}
	ended   chan error
}

func (b *blockingLookup) GetMarket(ctx context.Context, _ string) (events.MarketSnapshot, error) {
	b.started <- struct{}{}
	<-ctx.Done()
	b.ended <- ctx.Err()
	return events.MarketSnapshot{}, ctx.Err()
}

func TestServer_DisconnectCancelsPendingLookup(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reg := NewRegistry()
	lookup := &blockingLookup{started: make(chan struct{}, 1), ended: make(chan error, 1)}
	srv := NewServer(ctx, reg, lookup, newFakeTracker(), SessionConfig{LookupTimeout: 10 * time.Second}, nil)
	ts := httptest.NewServer(http.HandlerFunc(srv.HandleWS))
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	require.Equal(t, MsgConnected, readEnvelope(t, conn).Type)

	require.NoError(t, conn.WriteJSON(InboundMessage{Type: MsgSubscribe, MarketID: "m1"}))
	select {
	case <-lookup.started:
	case <-time.After(2 * time.Second):
		t.Fatal("lookup never started")
	}
	conn.Close()

	select {
	case err := <-lookup.ended:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("lookup outlived the connection")
	}
	require.Eventually(t, func() bool { return reg.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}
