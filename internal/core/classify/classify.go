package classify

import (
	"context"
	"fmt"
	"strings"

	"github.com/charleschow/live-odds/internal/events"
)

const (
	upstreamPageSize = 100
	maxUpstreamPages = 5
)

// Classifier decides whether a market is a sports market: any tag in the
// sports tag set, otherwise any keyword contained in question+description.
type Classifier struct {
	tags     map[string]struct{}
	keywords []string
}

func New(tags, keywords []string) *Classifier {
	c := &Classifier{tags: make(map[string]struct{}, len(tags))}
	for _, t := range tags {
		if n := Normalize(t); n != "" {
			c.tags[n] = struct{}{}
		}
	}
	for _, k := range keywords {
		if n := Normalize(k); n != "" {
			c.keywords = append(c.keywords, n)
		}
	}
	return c
}

func (c *Classifier) IsSports(m events.MarketSnapshot) bool {
	for _, t := range m.Tags {
		if _, ok := c.tags[Normalize(t)]; ok {
			return true
		}
	}
	text := Normalize(m.Question + " " + m.Description)
	for _, k := range c.keywords {
		if strings.Contains(text, k) {
			return true
		}
	}
	return false
}

// Lister pages through the upstream market catalogue.
type Lister interface {
	ListMarkets(ctx context.Context, limit, offset int) ([]events.MarketSnapshot, error)
}

// Page is one page of classified markets. NextCursor is the upstream
// offset to resume from, nil once the catalogue is exhausted.
type Page struct {
	Markets    []events.MarketSnapshot
	NextCursor *int
}

// SportsPage scans the upstream catalogue from cursor and collects up to
// limit sports markets, reading at most five upstream pages per call.
func (c *Classifier) SportsPage(ctx context.Context, lister Lister, limit, cursor int) (Page, error) {
	if limit <= 0 {
		limit = 20
	}
	if cursor < 0 {
		cursor = 0
	}

	page := Page{Markets: []events.MarketSnapshot{}}
	offset := cursor
	for i := 0; i < maxUpstreamPages; i++ {
		batch, err := lister.ListMarkets(ctx, upstreamPageSize, offset)
		if err != nil {
			return Page{}, fmt.Errorf("list markets at %d: %w", offset, err)
		}
		for j, m := range batch {
			if !c.IsSports(m) {
				continue
			}
			page.Markets = append(page.Markets, m)
			if len(page.Markets) == limit {
				next := offset + j + 1
				page.NextCursor = &next
				return page, nil
			}
		}
		offset += len(batch)
		if len(batch) < upstreamPageSize {
			return page, nil
		}
	}
	page.NextCursor = &offset
	return page, nil
}
