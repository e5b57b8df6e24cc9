package telemetry

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestPrettyHandler_Format(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(newPrettyHandler(&buf, slog.LevelInfo))

	l.Debug("hidden")
	l.With("component", "poller").WithGroup("cycle").Warn("poll cycle slow", "markets", 3)

	out := buf.String()
	require.NotContains(t, out, "hidden")
	require.Contains(t, out, "WARN: poll cycle slow")
	require.Contains(t, out, "component=poller")
	require.Contains(t, out, "cycle.markets=3")
	require.True(t, strings.HasPrefix(out, "["))
}

func TestParseLogLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, ParseLogLevel("DEBUG"))
	require.Equal(t, slog.LevelWarn, ParseLogLevel("warn"))
	require.Equal(t, slog.LevelError, ParseLogLevel("error"))
	require.Equal(t, slog.LevelInfo, ParseLogLevel("bogus"))
}

func TestLatencyTracker(t *testing.T) {
	lt := NewLatencyTracker(3)
	require.Zero(t, lt.P50())

	for _, ms := range []int{50, 10, 40, 20} {
		lt.Record(time.Duration(ms) * time.Millisecond)
	}
	// oldest sample (50ms) was trimmed
	require.Equal(t, 20*time.Millisecond, lt.P50())
	require.Equal(t, 20*time.Millisecond, lt.P99())
}

func TestRegisterPrometheus(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, RegisterPrometheus(reg))

	Metrics.PollCycles.Inc()
	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	require.True(t, names["liveodds_poll_cycles_total"])
	require.True(t, names["liveodds_clients_connected"])

	// second registration on the same registry collides
	require.Error(t, RegisterPrometheus(reg))
}
