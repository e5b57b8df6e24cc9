package polymarket_ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/charleschow/live-odds/internal/core/registry"
	"github.com/charleschow/live-odds/internal/events"
)

type frame struct {
	Type      string   `json:"type"`
	Operation string   `json:"operation"`
	AssetIDs  []string `json:"assets_ids"`
}

// fakeFeed is a minimal market-channel server. Frames read from clients go
// to received; frames on send are written to the latest connection.
type fakeFeed struct {
	received  chan frame
	send      chan string
	conns     atomic.Int32
	dropFirst bool
}

func newFakeFeed(t *testing.T, dropFirst bool) (*fakeFeed, string) {
	t.Helper()
	f := &fakeFeed{received: make(chan frame, 16), send: make(chan string, 16), dropFirst: dropFirst}
	done := make(chan struct{})
	upgrader := websocket.Upgrader{}

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := f.conns.Add(1)

		readErr := make(chan struct{})
		go func() {
			defer close(readErr)
			for {
				_, msg, err := conn.ReadMessage()
				if err != nil {
					return
				}
				if string(msg) == "PING" {
					continue
				}
				var fr frame
				if json.Unmarshal(msg, &fr) == nil {
					f.received <- fr
				}
				if f.dropFirst && n == 1 {
					conn.Close()
					return
				}
			}
		}()

		for {
			select {
			case msg := <-f.send:
				conn.WriteMessage(websocket.TextMessage, []byte(msg))
			case <-readErr:
				return
			case <-done:
				return
			}
		}
	}))
	t.Cleanup(func() {
		close(done)
		ts.Close()
	})
	return f, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func (f *fakeFeed) next(t *testing.T) frame {
	t.Helper()
	select {
	case fr := <-f.received:
		return fr
	case <-time.After(3 * time.Second):
		t.Fatal("no frame from listener")
	}
	return frame{}
}

func nextUpdate(t *testing.T, l *Listener) events.PriceUpdate {
	t.Helper()
	select {
	case u := <-l.Updates():
		return u
	case <-time.After(3 * time.Second):
		t.Fatal("no update")
	}
	return events.PriceUpdate{}
}

func trackedRegistry() *registry.Registry {
	reg := registry.New()
	reg.Track(events.MarketSnapshot{
		ID:       "m1",
		Question: "Will the Lakers win?",
		Outcomes: []events.Outcome{{Name: "Yes", TokenID: "t1"}, {Name: "No", TokenID: "t2"}},
	})
	return reg
}

func TestListener_SubscribesAndEmits(t *testing.T) {
	feed, url := newFakeFeed(t, false)
	reg := trackedRegistry()
	l := NewListener(url, reg, nil)

	require.True(t, l.Start(context.Background()))
	require.False(t, l.Start(context.Background()))
	defer l.Stop()

	sub := feed.next(t)
	require.Equal(t, "market", sub.Type)
	require.Equal(t, []string{"t1", "t2"}, sub.AssetIDs)

	feed.send <- `{"event_type":"book","asset_id":"t1","bids":[{"price":"0.62","size":"1"}],"asks":[{"price":"0.66","size":"1"}]}`
	u := nextUpdate(t, l)
	require.Equal(t, "m1", u.MarketID)
	require.Equal(t, "Will the Lakers win?", u.Question)
	require.InDelta(t, 0.64, *u.Prices["Yes"].Probability, 1e-12)
	require.Equal(t, 1.56, *u.Prices["Yes"].DecimalOdds)
	require.Nil(t, u.Prices["No"].Probability)
	require.Nil(t, u.Prices["No"].DecimalOdds)

	feed.send <- `[{"event_type":"price_change","price_changes":[{"asset_id":"t2","best_bid":"0.34","best_ask":"0.36"}]}]`
	u = nextUpdate(t, l)
	require.InDelta(t, 0.64, *u.Prices["Yes"].Probability, 1e-12)
	require.InDelta(t, 0.35, *u.Prices["No"].Probability, 1e-12)
	require.Equal(t, 2.86, *u.Prices["No"].DecimalOdds)

	// unknown tokens produce nothing
	feed.send <- `{"event_type":"price_change","asset_id":"zzz","price":"0.5"}`
	select {
	case u := <-l.Updates():
		t.Fatalf("unexpected update %+v", u)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestListener_ResyncFollowsRegistry(t *testing.T) {
	feed, url := newFakeFeed(t, false)
	reg := trackedRegistry()
	l := NewListener(url, reg, nil)
	l.Start(context.Background())
	defer l.Stop()
	feed.next(t)

	reg.Track(events.MarketSnapshot{ID: "m2", Outcomes: []events.Outcome{{Name: "Over", TokenID: "t3"}}})
	l.Resync()
	fr := feed.next(t)
	require.Equal(t, "subscribe", fr.Operation)
	require.Equal(t, []string{"t3"}, fr.AssetIDs)

	reg.Untrack("m1")
	l.Resync()
	fr = feed.next(t)
	require.Equal(t, "unsubscribe", fr.Operation)
	require.Equal(t, []string{"t1", "t2"}, fr.AssetIDs)

	// prices for an untracked market are dropped
	feed.send <- `{"event_type":"price_change","asset_id":"t1","price":"0.5"}`
	feed.send <- `{"event_type":"price_change","asset_id":"t3","price":"0.4"}`
	u := nextUpdate(t, l)
	require.Equal(t, "m2", u.MarketID)
}

func TestListener_ReconnectResubscribes(t *testing.T) {
	feed, url := newFakeFeed(t, true)
	l := NewListener(url, trackedRegistry(), nil)
	l.Start(context.Background())
	defer l.Stop()

	first := feed.next(t)
	require.Equal(t, []string{"t1", "t2"}, first.AssetIDs)

	second := feed.next(t)
	require.Equal(t, "market", second.Type)
	require.Equal(t, []string{"t1", "t2"}, second.AssetIDs)
	require.Equal(t, int32(2), feed.conns.Load())
}

func TestListener_StopIsIdempotent(t *testing.T) {
	_, url := newFakeFeed(t, false)
	l := NewListener(url, registry.New(), nil)
	l.Stop()
	require.True(t, l.Start(context.Background()))
	l.Stop()
	l.Stop()
	require.False(t, l.IsRunning())
}
