package discord

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUpstreamDegraded_PostsEmbed(t *testing.T) {
	bodies := make(chan []byte, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodies <- b
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	n := NewNotifier(ts.URL)
	err := n.UpstreamDegraded(context.Background(), "m1", "Will the Lakers win?", 5, errors.New("status 502"))
	require.NoError(t, err)

	var payload webhookPayload
	require.NoError(t, json.Unmarshal(<-bodies, &payload))
	require.Len(t, payload.Embeds, 1)
	embed := payload.Embeds[0]
	require.Equal(t, "Will the Lakers win?", embed.Description)
	require.Equal(t, ColorRed, embed.Color)
	require.NotEmpty(t, embed.Timestamp)
	require.Equal(t, "m1", embed.Fields[0].Value)
	require.Equal(t, "5", embed.Fields[1].Value)
	require.Equal(t, "status 502", embed.Fields[2].Value)
}

func TestSend_StatusErrors(t *testing.T) {
	for _, code := range []int{http.StatusTooManyRequests, http.StatusBadRequest} {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(code)
		}))
		err := NewNotifier(ts.URL).SendText(context.Background(), "hi")
		ts.Close()
		require.Error(t, err, code)
	}
}

func TestDisabledNotifierIsNoop(t *testing.T) {
	n := NewNotifier("")
	require.False(t, n.Enabled())
	require.NoError(t, n.UpstreamDegraded(context.Background(), "m1", "q", 5, nil))
}

func TestSend_RateLimitedSentinel(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "1.5")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	err := NewNotifier(ts.URL).SendText(context.Background(), "hi")
	require.ErrorIs(t, err, ErrRateLimited)
}

func TestSend_SetsUsername(t *testing.T) {
	bodies := make(chan []byte, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodies <- b
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	require.NoError(t, NewNotifier(ts.URL).SendText(context.Background(), "hello"))

	var payload webhookPayload
	require.NoError(t, json.Unmarshal(<-bodies, &payload))
	require.Equal(t, "live-odds", payload.Username)
	require.Equal(t, "hello", payload.Content)
}
