package events

import "time"

// Outcome is one side of a market together with the CLOB token that prices it.
type Outcome struct {
	Name    string `json:"name"`
	TokenID string `json:"token_id"`
}

// MarketSnapshot is the metadata captured when a market is tracked.
// It is replaced wholesale on every re-track, never merged.
type MarketSnapshot struct {
	ID          string    `json:"id"`
	Question    string    `json:"question"`
	Description string    `json:"description,omitempty"`
	Outcomes    []Outcome `json:"outcomes"`
	Tags        []string  `json:"tags,omitempty"`
	Volume      *float64  `json:"volume,omitempty"`
	Liquidity   *float64  `json:"liquidity,omitempty"`
	EndDate     string    `json:"end_date,omitempty"`
	Image       string    `json:"image,omitempty"`
}

// Clone returns a deep copy so callers can hold it without sharing slices.
func (m MarketSnapshot) Clone() MarketSnapshot {
	out := m
	if m.Outcomes != nil {
		out.Outcomes = make([]Outcome, len(m.Outcomes))
		copy(out.Outcomes, m.Outcomes)
	}
	if m.Tags != nil {
		out.Tags = make([]string, len(m.Tags))
		copy(out.Tags, m.Tags)
	}
	if m.Volume != nil {
		v := *m.Volume
		out.Volume = &v
	}
	if m.Liquidity != nil {
		l := *m.Liquidity
		out.Liquidity = &l
	}
	return out
}

// Quote is a raw upstream price for one outcome. Probability is nil when
// the upstream had no price for the token.
type Quote struct {
	TokenID     string
	Probability *float64
}

// OutcomePrice is the display form of one outcome inside a PriceUpdate.
// Nil pointers serialize as JSON null.
type OutcomePrice struct {
	TokenID     string   `json:"token_id"`
	Probability *float64 `json:"probability"`
	DecimalOdds *float64 `json:"decimal_odds"`
}

// PriceUpdate is produced once per market per poll cycle and consumed once
// by the broadcaster.
type PriceUpdate struct {
	MarketID  string                  `json:"market_id"`
	Question  string                  `json:"question"`
	Prices    map[string]OutcomePrice `json:"prices"`
	Timestamp time.Time               `json:"timestamp"`
}
