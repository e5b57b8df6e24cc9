package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/charleschow/live-odds/internal/core/activity"
)

func main() {
	market := flag.String("market", "", "filter by market id")
	client := flag.String("client", "", "filter by viewer id")
	action := flag.String("action", "", "filter by action (subscribe, unsubscribe, ping, ...)")
	n := flag.Int("n", 20, "max results to return")
	dbPath := flag.String("db", "data/activity.db", "path to activity store")
	flag.Parse()

	store, err := activity.OpenReadOnly(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	entries, err := store.Recent(context.Background(), activity.Filter{
		MarketID: *market,
		ClientID: *client,
		Action:   *action,
		Limit:    *n,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "query: %v\n", err)
		os.Exit(1)
	}

	for _, e := range entries {
		fmt.Printf("%-6d %s  client=%s  %-11s market=%-12s result=%s\n",
			e.ID, e.Received.Local().Format("2006-01-02 3:04:05 PM"), e.ClientID, e.Action, orDash(e.MarketID), e.Result)
	}
	if len(entries) == 0 {
		fmt.Println("(no matching activity)")
	} else {
		fmt.Printf("(%d results)\n", len(entries))
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
