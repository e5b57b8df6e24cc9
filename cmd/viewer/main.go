package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/charleschow/live-odds/internal/events"
	"github.com/charleschow/live-odds/internal/fanout"
	"github.com/charleschow/live-odds/internal/telemetry"
)

func main() {
	addr := flag.String("addr", "localhost:8000", "live odds server host:port or ws:// URL")
	marketList := flag.String("markets", "", "comma-separated market ids to subscribe to")
	logLevel := flag.String("log", "info", "log level")
	flag.Parse()

	telemetry.Init(telemetry.ParseLogLevel(*logLevel))

	var markets []string
	for _, id := range strings.Split(*marketList, ",") {
		if id = strings.TrimSpace(id); id != "" {
			markets = append(markets, id)
		}
	}
	if len(markets) == 0 {
		fmt.Fprintln(os.Stderr, "usage: go run ./cmd/viewer -markets <id>[,<id>...] [-addr localhost:8000]")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	v := fanout.NewViewer(*addr, markets, printUpdate)
	v.OnNotice(func(env fanout.Envelope) {
		switch env.Type {
		case fanout.MsgSubscribed:
			telemetry.Infof("subscribed %s", env.MarketID)
		case fanout.MsgSubscribeError, fanout.MsgError:
			telemetry.Warnf("%s %s: %s", env.Type, env.MarketID, env.Error)
		default:
			telemetry.Debugf("%s %s", env.Type, env.Message)
		}
	})
	v.ConnectWithRetry(ctx)
}

func printUpdate(u events.PriceUpdate) {
	names := make([]string, 0, len(u.Prices))
	for name := range u.Prices {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		p := u.Prices[name]
		fmt.Fprintf(&b, "  %s=%s (%s)", name, fmtProb(p.Probability), fmtOdds(p.DecimalOdds))
	}
	telemetry.Plainf("[%s] %s%s", u.Timestamp.Local().Format("3:04:05 PM"), u.Question, b.String())
}

func fmtProb(p *float64) string {
	if p == nil {
		return "--"
	}
	return fmt.Sprintf("%.1f%%", *p*100)
}

func fmtOdds(o *float64) string {
	if o == nil {
		return "--"
	}
	return fmt.Sprintf("%.2f", *o)
}
