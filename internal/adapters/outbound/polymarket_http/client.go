package polymarket_http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/charleschow/live-odds/internal/events"
	"github.com/charleschow/live-odds/internal/telemetry"
)

const (
	DefaultGammaURL = "https://gamma-api.polymarket.com"
	DefaultClobURL  = "https://clob.polymarket.com"

	requestTimeout = 10 * time.Second
	maxBody        = 4 << 20
)

// ErrMarketNotFound aliases the shared sentinel so callers of this package
// can match on it without importing events.
var ErrMarketNotFound = events.ErrMarketNotFound

// ErrUpstreamUnavailable is returned while the circuit breaker is open.
var ErrUpstreamUnavailable = errors.New("polymarket: upstream unavailable")

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.code, e.body)
}

// Client talks to the Gamma metadata API and the CLOB pricing API. All
// requests share one rate limiter and one breaker.
type Client struct {
	gammaURL   string
	clobURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	markets    singleflight.Group
}

// NewClient builds a client. ratePerSec <= 0 disables client-side limiting.
func NewClient(gammaURL, clobURL string, ratePerSec int) *Client {
	if gammaURL == "" {
		gammaURL = DefaultGammaURL
	}
	if clobURL == "" {
		clobURL = DefaultClobURL
	}
	lim := rate.NewLimiter(rate.Inf, 0)
	if ratePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec)
	}
	return &Client{
		gammaURL:   strings.TrimRight(gammaURL, "/"),
		clobURL:    strings.TrimRight(clobURL, "/"),
		httpClient: &http.Client{Timeout: requestTimeout},
		limiter:    lim,
		breaker:    newBreaker("polymarket"),
	}
}

func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests > 20 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			switch {
			case to == gobreaker.StateOpen:
				telemetry.Warnf("polymarket_http: %s seems down, pausing requests", name)
			case from == gobreaker.StateOpen && to == gobreaker.StateHalfOpen:
				telemetry.Infof("polymarket_http: probing %s", name)
			case from == gobreaker.StateHalfOpen && to == gobreaker.StateClosed:
				telemetry.Infof("polymarket_http: %s recovered", name)
			}
		},
	})
}

type response struct {
	body   []byte
	status int

	// set when the caller's ctx ended mid-request; not an upstream fault
	abandoned error
}

// get performs a rate-limited GET. Transport errors and 5xx responses count
// against the breaker; 4xx responses are returned to the caller untouched.
// A request cut short by ctx is reported as ctx.Err() and does not count.
func (c *Client) get(ctx context.Context, base, path string, query url.Values) ([]byte, int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, 0, fmt.Errorf("rate limit wait: %w", err)
	}

	u := base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	out, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, fmt.Errorf("new request: %w", err)
		}
		req.Header.Set("Accept", "application/json")

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return response{abandoned: ctxErr}, nil
			}
			return nil, fmt.Errorf("http do: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return response{abandoned: ctxErr}, nil
			}
			return nil, fmt.Errorf("read response: %w", err)
		}
		telemetry.Debugf("polymarket_http: GET %s -> %d (%s)", path, resp.StatusCode, time.Since(start))

		if resp.StatusCode >= 500 {
			return nil, &statusError{code: resp.StatusCode, body: truncate(string(body), 200)}
		}
		return response{body: body, status: resp.StatusCode}, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, 0, fmt.Errorf("GET %s: %w", path, ErrUpstreamUnavailable)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("GET %s: %w", path, err)
	}
	r := out.(response)
	if r.abandoned != nil {
		return nil, 0, fmt.Errorf("GET %s: %w", path, r.abandoned)
	}
	return r.body, r.status, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
