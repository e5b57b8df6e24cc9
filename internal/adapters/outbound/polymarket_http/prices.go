package polymarket_http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/charleschow/live-odds/internal/events"
)

const midpointConcurrency = 4

// Midpoint returns the CLOB midpoint for a token as a probability.
func (c *Client) Midpoint(ctx context.Context, tokenID string) (float64, error) {
	q := url.Values{}
	q.Set("token_id", tokenID)
	body, status, err := c.get(ctx, c.clobURL, "/midpoint", q)
	if err != nil {
		return 0, err
	}
	if status != http.StatusOK {
		return 0, fmt.Errorf("midpoint %s: status %d", tokenID, status)
	}

	var resp struct {
		Mid flexDecimal `json:"mid"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("decode midpoint %s: %w", tokenID, err)
	}
	if !resp.Mid.Valid {
		return 0, fmt.Errorf("midpoint %s: no price", tokenID)
	}
	p, _ := resp.Mid.Decimal.Float64()
	return p, nil
}

// FetchPrices fetches the midpoint of every outcome of m. An outcome whose
// midpoint cannot be fetched is returned with a nil probability; the call
// fails only when no outcome could be priced.
func (c *Client) FetchPrices(ctx context.Context, m events.MarketSnapshot) (map[string]events.Quote, error) {
	quotes := make(map[string]events.Quote, len(m.Outcomes))
	if len(m.Outcomes) == 0 {
		return quotes, nil
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(midpointConcurrency)
	for _, o := range m.Outcomes {
		g.Go(func() error {
			q := events.Quote{TokenID: o.TokenID}
			p, err := c.Midpoint(gctx, o.TokenID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
			} else {
				q.Probability = &p
			}
			quotes[o.Name] = q
			return nil
		})
	}
	g.Wait()

	if len(errs) == len(m.Outcomes) {
		return nil, fmt.Errorf("prices for market %s: %w", m.ID, errors.Join(errs...))
	}
	return quotes, nil
}

type Level struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

type Orderbook struct {
	Bids []Level `json:"bids"`
	Asks []Level `json:"asks"`
}

// GetOrderbook returns the CLOB book for a token.
func (c *Client) GetOrderbook(ctx context.Context, tokenID string) (Orderbook, error) {
	q := url.Values{}
	q.Set("token_id", tokenID)
	body, status, err := c.get(ctx, c.clobURL, "/book", q)
	if err != nil {
		return Orderbook{}, err
	}
	if status != http.StatusOK {
		return Orderbook{}, fmt.Errorf("book %s: status %d", tokenID, status)
	}

	var book Orderbook
	if err := json.Unmarshal(body, &book); err != nil {
		return Orderbook{}, fmt.Errorf("decode book %s: %w", tokenID, err)
	}
	if book.Bids == nil {
		book.Bids = []Level{}
	}
	if book.Asks == nil {
		book.Asks = []Level{}
	}
	return book, nil
}
