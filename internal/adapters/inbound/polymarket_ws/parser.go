package polymarket_ws

import (
	"bytes"
	"encoding/json"

	"github.com/shopspring/decimal"

	"github.com/charleschow/live-odds/internal/telemetry"
)

// TokenQuote is a fresh probability for one CLOB token.
type TokenQuote struct {
	TokenID     string
	Probability float64
}

type wsEvent struct {
	EventType    string           `json:"event_type"`
	Type         string           `json:"type"`
	AssetID      string           `json:"asset_id"`
	Bids         []level          `json:"bids"`
	Asks         []level          `json:"asks"`
	Price        *decimal.Decimal `json:"price"`
	BestBid      *decimal.Decimal `json:"best_bid"`
	BestAsk      *decimal.Decimal `json:"best_ask"`
	PriceChanges []priceChange    `json:"price_changes"`
}

type level struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

type priceChange struct {
	AssetID string           `json:"asset_id"`
	Price   *decimal.Decimal `json:"price"`
	BestBid *decimal.Decimal `json:"best_bid"`
	BestAsk *decimal.Decimal `json:"best_ask"`
}

// ParseMessage converts a raw market-channel frame into token quotes. The
// feed sends either a single event object or an array of them.
func ParseMessage(data []byte) []TokenQuote {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("PONG")) {
		return nil
	}

	var evts []wsEvent
	if data[0] == '[' {
		if err := json.Unmarshal(data, &evts); err != nil {
			telemetry.Warnf("polymarket_ws: parse error: %v", err)
			return nil
		}
	} else {
		var evt wsEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			telemetry.Warnf("polymarket_ws: parse error: %v", err)
			return nil
		}
		evts = []wsEvent{evt}
	}

	var out []TokenQuote
	for _, e := range evts {
		kind := e.EventType
		if kind == "" {
			kind = e.Type
		}
		switch kind {
		case "book", "book_update":
			if q, ok := bookQuote(e); ok {
				out = append(out, q)
			}
		case "price_change":
			out = append(out, priceChangeQuotes(e)...)
		}
	}
	return out
}

// bookQuote takes the midpoint of the best bid and best ask.
func bookQuote(e wsEvent) (TokenQuote, bool) {
	if e.AssetID == "" || len(e.Bids) == 0 || len(e.Asks) == 0 {
		return TokenQuote{}, false
	}
	bestBid := e.Bids[0].Price
	for _, l := range e.Bids[1:] {
		if l.Price.GreaterThan(bestBid) {
			bestBid = l.Price
		}
	}
	bestAsk := e.Asks[0].Price
	for _, l := range e.Asks[1:] {
		if l.Price.LessThan(bestAsk) {
			bestAsk = l.Price
		}
	}
	return TokenQuote{TokenID: e.AssetID, Probability: midpoint(bestBid, bestAsk)}, true
}

func priceChangeQuotes(e wsEvent) []TokenQuote {
	changes := e.PriceChanges
	if len(changes) == 0 && e.AssetID != "" {
		changes = []priceChange{{AssetID: e.AssetID, Price: e.Price, BestBid: e.BestBid, BestAsk: e.BestAsk}}
	}
	var out []TokenQuote
	for _, c := range changes {
		if c.AssetID == "" {
			continue
		}
		switch {
		case c.BestBid != nil && c.BestAsk != nil:
			out = append(out, TokenQuote{TokenID: c.AssetID, Probability: midpoint(*c.BestBid, *c.BestAsk)})
		case c.Price != nil:
			p, _ := c.Price.Float64()
			out = append(out, TokenQuote{TokenID: c.AssetID, Probability: p})
		}
	}
	return out
}

func midpoint(bid, ask decimal.Decimal) float64 {
	p, _ := bid.Add(ask).Div(decimal.NewFromInt(2)).Float64()
	return p
}
