package odds

import "github.com/shopspring/decimal"

// DecimalOdds converts a market-implied probability into decimal odds,
// 1/p rounded to two places with ties to even. It returns nil when p is nil
// or p <= 0.
func DecimalOdds(p *float64) *float64 {
	if p == nil || *p <= 0 {
		return nil
	}
	v, _ := decimal.NewFromInt(1).
		DivRound(decimal.NewFromFloat(*p), 16).
		RoundBank(2).
		Float64()
	return &v
}

// Overround returns sum(p) - 1 for a set of outcome probabilities, the
// bookmaker margin implied by the book. Missing probabilities are skipped.
func Overround(probs ...*float64) float64 {
	var total float64
	for _, p := range probs {
		if p != nil {
			total += *p
		}
	}
	return total - 1.0
}
