package events

import "errors"

// ErrMarketNotFound is returned by market lookups when the upstream has no
// market with the requested ID.
var ErrMarketNotFound = errors.New("market not found")
