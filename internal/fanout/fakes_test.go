package fanout

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/charleschow/live-odds/internal/events"
)

type fakeConn struct {
	id       string
	frames   chan []byte
	failWith error

	mu     sync.Mutex
	closed bool
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, frames: make(chan []byte, 64)}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(msg []byte) error {
	if c.failWith != nil {
		return c.failWith
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	c.frames <- msg
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func nextFrame(t *testing.T, c *fakeConn) Envelope {
	t.Helper()
	select {
	case raw := <-c.frames:
		env, err := UnmarshalEnvelope(raw)
		require.NoError(t, err)
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("no frame for %s", c.id)
	}
	return Envelope{}
}

type fakeLookup struct {
	markets map[string]events.MarketSnapshot
	err     error
}

func (f *fakeLookup) GetMarket(_ context.Context, id string) (events.MarketSnapshot, error) {
	if f.err != nil {
		return events.MarketSnapshot{}, f.err
	}
	m, ok := f.markets[id]
	if !ok {
		return events.MarketSnapshot{}, fmt.Errorf("market %s: %w", id, events.ErrMarketNotFound)
	}
	return m, nil
}

type fakeTracker struct {
	mu      sync.Mutex
	tracked map[string]events.MarketSnapshot
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{tracked: make(map[string]events.MarketSnapshot)}
}

func (f *fakeTracker) TrackMarket(snap events.MarketSnapshot) {
	f.mu.Lock()
	f.tracked[snap.ID] = snap
	f.mu.Unlock()
}

func (f *fakeTracker) UntrackMarket(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.tracked[id]
	delete(f.tracked, id)
	return ok
}

func (f *fakeTracker) has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.tracked[id]
	return ok
}

func (f *fakeTracker) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tracked)
}

type recorded struct {
	client, action, marketID, result string
}

type fakeRecorder struct {
	mu      sync.Mutex
	entries []recorded
}

func (f *fakeRecorder) RecordControl(clientID, action, marketID, result string) {
	f.mu.Lock()
	f.entries = append(f.entries, recorded{clientID, action, marketID, result})
	f.mu.Unlock()
}

func (f *fakeRecorder) all() []recorded {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recorded(nil), f.entries...)
}

func ptr(v float64) *float64 { return &v }

func sampleMarket() events.MarketSnapshot {
	return events.MarketSnapshot{
		ID:       "m1",
		Question: "Will the Lakers win?",
		Outcomes: []events.Outcome{{Name: "Yes", TokenID: "t-yes"}, {Name: "No", TokenID: "t-no"}},
	}
}
