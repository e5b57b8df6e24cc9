package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/charleschow/live-odds/internal/telemetry"
)

// ErrRateLimited is returned when Discord answers 429. The webhook is not
// retried; alerts are best effort.
var ErrRateLimited = errors.New("discord: rate limited")

const username = "live-odds"

// Notifier posts embeds to a Discord webhook. A Notifier with no URL is
// disabled and every call is a no-op.
type Notifier struct {
	webhookURL string
	httpClient *http.Client
	// Discord allows 5 webhook posts per 2s.
	limiter *rate.Limiter
}

func NewNotifier(webhookURL string) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Every(400*time.Millisecond), 5),
	}
}

func (n *Notifier) Enabled() bool { return n.webhookURL != "" }

type Embed struct {
	Title       string  `json:"title,omitempty"`
	Description string  `json:"description,omitempty"`
	Color       int     `json:"color,omitempty"`
	Fields      []Field `json:"fields,omitempty"`
	Timestamp   string  `json:"timestamp,omitempty"`
}

type Field struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type webhookPayload struct {
	Username string  `json:"username,omitempty"`
	Content  string  `json:"content,omitempty"`
	Embeds   []Embed `json:"embeds,omitempty"`
}

func (n *Notifier) SendText(ctx context.Context, msg string) error {
	return n.post(ctx, webhookPayload{Content: msg})
}

func (n *Notifier) SendEmbed(ctx context.Context, embed Embed) error {
	if embed.Timestamp == "" {
		embed.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	return n.post(ctx, webhookPayload{Embeds: []Embed{embed}})
}

func (n *Notifier) post(ctx context.Context, payload webhookPayload) error {
	if !n.Enabled() {
		return nil
	}
	if err := n.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("discord: %w", err)
	}
	payload.Username = username

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("discord: encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("discord: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("discord: post: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		retry, _ := strconv.ParseFloat(resp.Header.Get("Retry-After"), 64)
		telemetry.Warnf("discord: rate limited, retry after %.1fs", retry)
		return ErrRateLimited
	case resp.StatusCode >= 300:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("discord: status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	return nil
}

// ── Alerts ──

const (
	ColorGreen  = 0x2ECC71
	ColorRed    = 0xE74C3C
	ColorYellow = 0xF1C40F
)

// UpstreamDegraded reports a market whose prices have failed to refresh
// several cycles in a row.
func (n *Notifier) UpstreamDegraded(ctx context.Context, marketID, question string, failures int, cause error) error {
	reason := "unknown"
	if cause != nil {
		reason = truncate(cause.Error(), 1000)
	}
	return n.SendEmbed(ctx, Embed{
		Title:       "Price refresh failing",
		Description: question,
		Color:       ColorRed,
		Fields: []Field{
			{Name: "Market", Value: marketID, Inline: true},
			{Name: "Consecutive failures", Value: fmt.Sprintf("%d", failures), Inline: true},
			{Name: "Last error", Value: reason, Inline: false},
		},
	})
}

// ServerStarted is posted once at boot.
func (n *Notifier) ServerStarted(ctx context.Context, addr, mode string, watchlist int) error {
	return n.SendEmbed(ctx, Embed{
		Title: "Live odds server up",
		Color: ColorGreen,
		Fields: []Field{
			{Name: "Listen", Value: addr, Inline: true},
			{Name: "Upstream", Value: mode, Inline: true},
			{Name: "Watchlist", Value: fmt.Sprintf("%d markets", watchlist), Inline: true},
		},
	})
}

// ServerStopping is posted on graceful shutdown.
func (n *Notifier) ServerStopping(ctx context.Context, tracked, clients int) error {
	return n.SendEmbed(ctx, Embed{
		Title:       "Live odds server stopping",
		Description: fmt.Sprintf("%d tracked markets, %d connected viewers", tracked, clients),
		Color:       ColorYellow,
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
