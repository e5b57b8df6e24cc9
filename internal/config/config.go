package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	UpstreamModePoll = "poll"
	UpstreamModePush = "push"
)

type Config struct {
	// HTTP / WebSocket listener
	HTTPHost  string
	HTTPPort  int
	StaticDir string

	// Polymarket upstream
	GammaAPIURL        string
	ClobAPIURL         string
	ClobWSURL          string
	UpstreamMode       string // "poll" or "push"
	UpstreamRatePerSec int

	// Timing
	PollInterval time.Duration
	FetchTimeout time.Duration
	IdleTimeout  time.Duration

	// Alerts
	AlertAfterFailures int
	DiscordWebhookURL  string

	// Storage
	ActivityStorePath string
	CatalogPath       string

	// Telemetry
	LogLevel string
}

func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		HTTPHost:  envStr("HTTP_HOST", "0.0.0.0"),
		HTTPPort:  envInt("HTTP_PORT", 8000),
		StaticDir: envStr("STATIC_DIR", "static"),

		GammaAPIURL:        envStr("GAMMA_API_URL", "https://gamma-api.polymarket.com"),
		ClobAPIURL:         envStr("CLOB_API_URL", "https://clob.polymarket.com"),
		ClobWSURL:          envStr("CLOB_WS_URL", "wss://ws-subscriptions-clob.polymarket.com/ws/market"),
		UpstreamMode:       envMode("UPSTREAM_MODE", UpstreamModePoll),
		UpstreamRatePerSec: envInt("UPSTREAM_RATE_PER_SEC", 20),

		// Viewers see refreshed odds at most this long after the upstream moves.
		PollInterval: envSeconds("POLL_INTERVAL_SEC", 5),
		FetchTimeout: envSeconds("FETCH_TIMEOUT_SEC", 10),
		IdleTimeout:  envSeconds("IDLE_TIMEOUT_SEC", 30),

		AlertAfterFailures: envInt("ALERT_AFTER_FAILURES", 5),
		DiscordWebhookURL:  envStr("DISCORD_WEBHOOK_URL", ""),

		ActivityStorePath: envStr("ACTIVITY_STORE_PATH", "data/activity.db"),
		CatalogPath:       envStr("CATALOG_PATH", "internal/config/catalog.yaml"),

		LogLevel: envStr("LOG_LEVEL", "info"),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envSeconds(key string, fallback int) time.Duration {
	n := envInt(key, fallback)
	if n <= 0 {
		n = fallback
	}
	return time.Duration(n) * time.Second
}

func envMode(key, fallback string) string {
	switch v := strings.ToLower(envStr(key, fallback)); v {
	case UpstreamModePoll, UpstreamModePush:
		return v
	default:
		return fallback
	}
}
