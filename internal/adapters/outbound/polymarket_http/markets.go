package polymarket_http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/charleschow/live-odds/internal/events"
)

// gammaMarket is the subset of a Gamma /markets record we use. Outcomes
// arrive either as tokens[] or as the JSON-encoded outcomes/clobTokenIds
// string pair, depending on the endpoint.
type gammaMarket struct {
	ID           flexString   `json:"id"`
	Question     string       `json:"question"`
	Description  string       `json:"description"`
	Tokens       []gammaToken `json:"tokens"`
	Outcomes     stringList   `json:"outcomes"`
	ClobTokenIDs stringList   `json:"clobTokenIds"`
	Tags         tagList      `json:"tags"`
	Volume       flexDecimal  `json:"volume"`
	Liquidity    flexDecimal  `json:"liquidity"`
	EndDate      string       `json:"endDate"`
	Image        string       `json:"image"`
}

type gammaToken struct {
	TokenID string `json:"token_id"`
	Outcome string `json:"outcome"`
}

func (m gammaMarket) snapshot() events.MarketSnapshot {
	snap := events.MarketSnapshot{
		ID:          string(m.ID),
		Question:    m.Question,
		Description: m.Description,
		Tags:        []string(m.Tags),
		EndDate:     m.EndDate,
		Image:       m.Image,
		Volume:      m.Volume.float(),
		Liquidity:   m.Liquidity.float(),
	}

	if len(m.Tokens) > 0 {
		for _, t := range m.Tokens {
			if t.TokenID == "" {
				continue
			}
			name := t.Outcome
			if name == "" {
				name = "Unknown"
			}
			snap.Outcomes = append(snap.Outcomes, events.Outcome{Name: name, TokenID: t.TokenID})
		}
		return snap
	}

	for i, tokenID := range m.ClobTokenIDs {
		if tokenID == "" {
			continue
		}
		name := "Unknown"
		if i < len(m.Outcomes) {
			name = m.Outcomes[i]
		}
		snap.Outcomes = append(snap.Outcomes, events.Outcome{Name: name, TokenID: tokenID})
	}
	return snap
}

// GetMarket resolves a market id through Gamma. Concurrent lookups of the
// same id share one upstream request. The shared request is not tied to any
// one caller: a caller that gives up returns its own ctx error and the rest
// still get the result.
func (c *Client) GetMarket(ctx context.Context, marketID string) (events.MarketSnapshot, error) {
	ch := c.markets.DoChan(marketID, func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), requestTimeout)
		defer cancel()
		return c.fetchMarket(fctx, marketID)
	})
	select {
	case <-ctx.Done():
		return events.MarketSnapshot{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return events.MarketSnapshot{}, res.Err
		}
		return res.Val.(events.MarketSnapshot).Clone(), nil
	}
}

func (c *Client) fetchMarket(ctx context.Context, marketID string) (events.MarketSnapshot, error) {
	body, status, err := c.get(ctx, c.gammaURL, "/markets/"+url.PathEscape(marketID), nil)
	if err != nil {
		return events.MarketSnapshot{}, err
	}
	switch {
	case status == http.StatusNotFound || status == http.StatusUnprocessableEntity:
		return events.MarketSnapshot{}, fmt.Errorf("market %s: %w", marketID, ErrMarketNotFound)
	case status != http.StatusOK:
		return events.MarketSnapshot{}, fmt.Errorf("market %s: status %d", marketID, status)
	}

	if bytes.Equal(bytes.TrimSpace(body), []byte("null")) {
		return events.MarketSnapshot{}, fmt.Errorf("market %s: %w", marketID, ErrMarketNotFound)
	}

	var m gammaMarket
	if err := json.Unmarshal(body, &m); err != nil {
		return events.MarketSnapshot{}, fmt.Errorf("decode market %s: %w", marketID, err)
	}
	if m.ID == "" {
		m.ID = flexString(marketID)
	}
	return m.snapshot(), nil
}

// ListMarkets returns one page of active, open markets.
func (c *Client) ListMarkets(ctx context.Context, limit, offset int) ([]events.MarketSnapshot, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	q.Set("active", "true")
	q.Set("closed", "false")

	body, status, err := c.get(ctx, c.gammaURL, "/markets", q)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("list markets: status %d", status)
	}

	var raw []gammaMarket
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode markets: %w", err)
	}
	out := make([]events.MarketSnapshot, 0, len(raw))
	for _, m := range raw {
		out = append(out, m.snapshot())
	}
	return out, nil
}
