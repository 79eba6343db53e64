// Package upstream implements the protocol client for the exchange's /info
// HTTP endpoint and the wire types shared with the WebSocket multiplexer.
// Every request withdraws its operation weight from the shared rate budget
// before touching the network.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/perpfolio/perpfolio/internal/metrics"
	"github.com/perpfolio/perpfolio/internal/net/budget"
)

// ErrTerminal marks a 4xx response other than 429. The enclosing task fails
// instead of retrying.
var ErrTerminal = errors.New("terminal upstream error")

// StatusError carries the HTTP status of a failed upstream call.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.Status, e.Body)
}

// IsTerminal reports whether err represents a non-retryable upstream failure.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrTerminal)
}

// RetryPolicy is the explicit retry configuration for upstream HTTP calls.
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Jitter      float64 // fraction of the backoff, e.g. 0.2 for +/-20%
}

// DefaultRetryPolicy matches the upstream's observed tolerance: three
// retries, exponential from one second, capped at thirty.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 4,
		BaseBackoff: time.Second,
		MaxBackoff:  30 * time.Second,
		Jitter:      0.2,
	}
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := p.BaseBackoff << uint(attempt-1)
	if d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	if p.Jitter > 0 {
		spread := float64(d) * p.Jitter
		d = time.Duration(float64(d) - spread + rand.Float64()*2*spread)
	}
	return d
}

// Config configures the HTTP protocol client.
type Config struct {
	BaseURL        string
	RequestTimeout time.Duration
	Retry          RetryPolicy
}

// Client posts JSON operations to the /info endpoint. Calls are serialized
// through the rate budget and a circuit breaker; 5xx and 429 retry with
// backoff, other 4xx are terminal.
type Client struct {
	cfg     Config
	http    *http.Client
	budget  *budget.Budget
	breaker *gobreaker.CircuitBreaker
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// NewClient creates an upstream client observing the given rate budget.
func NewClient(cfg Config, b *budget.Budget, m *metrics.Metrics, log zerolog.Logger) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.RequestTimeout},
		budget:  b,
		metrics: m,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "upstream-info",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
		}),
		log: log.With().Str("component", "upstream").Logger(),
	}
}

// ClearinghouseState fetches current positions and margin for one address.
func (c *Client) ClearinghouseState(ctx context.Context, address string) (*ClearinghouseState, error) {
	var out ClearinghouseState
	req := infoRequest{Type: "clearinghouseState", User: NormalizeAddress(address)}
	if err := c.post(ctx, req, budget.WeightClearinghouseState, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UserFillsByTime fetches fills for an address in [start, end). The upstream
// caps the response at FillsCap entries; callers must check for truncation.
func (c *Client) UserFillsByTime(ctx context.Context, address string, start, end time.Time) ([]Fill, error) {
	var out []Fill
	req := infoRequest{
		Type:      "userFillsByTime",
		User:      NormalizeAddress(address),
		StartTime: start.UnixMilli(),
		EndTime:   end.UnixMilli(),
	}
	if err := c.post(ctx, req, budget.WeightUserFillsByTime, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UserFunding fetches funding ledger entries for an address in [start, end).
func (c *Client) UserFunding(ctx context.Context, address string, start, end time.Time) ([]FundingEntry, error) {
	var out []FundingEntry
	req := infoRequest{
		Type:      "userFunding",
		User:      NormalizeAddress(address),
		StartTime: start.UnixMilli(),
		EndTime:   end.UnixMilli(),
	}
	if err := c.post(ctx, req, budget.WeightUserFunding, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Portfolio fetches the upstream's own per-period PnL summary. It is trusted
// as authoritative and surfaced with provenance, never recomputed.
func (c *Client) Portfolio(ctx context.Context, address string) (Portfolio, error) {
	var out Portfolio
	req := infoRequest{Type: "portfolio", User: NormalizeAddress(address)}
	if err := c.post(ctx, req, budget.WeightPortfolio, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RecentTrades fetches the latest coin-level trades.
func (c *Client) RecentTrades(ctx context.Context, coin string) ([]MarketTrade, error) {
	var out []MarketTrade
	req := infoRequest{Type: "recentTrades", Coin: coin}
	if err := c.post(ctx, req, budget.WeightRecentTrades, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AllMids fetches current mid prices for every coin.
func (c *Client) AllMids(ctx context.Context) (*AllMids, error) {
	var out AllMids
	req := infoRequest{Type: "allMids"}
	if err := c.post(ctx, req, budget.WeightAllMids, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) post(ctx context.Context, req infoRequest, weight int, out any) error {
	if err := c.budget.Wait(ctx, weight); err != nil {
		return err
	}
	c.metrics.WeightConsumed.Add(float64(weight))

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", req.Type, err)
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.Retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			backoff := c.cfg.Retry.backoff(attempt - 1)
			// A 429 may carry a Retry-After hint that overrides our backoff.
			var se *StatusError
			if errors.As(lastErr, &se) && se.Status == http.StatusTooManyRequests {
				if hint := retryAfterHint(lastErr); hint > backoff {
					backoff = hint
				}
			}
			c.log.Debug().
				Str("op", req.Type).
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("retrying upstream request")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		started := time.Now()
		lastErr = c.once(ctx, req.Type, body, out)
		c.metrics.UpstreamLatency.WithLabelValues(req.Type).Observe(time.Since(started).Seconds())
		outcome := "ok"
		if lastErr != nil {
			outcome = "error"
		}
		c.metrics.UpstreamRequests.WithLabelValues(req.Type, outcome).Inc()
		if lastErr == nil {
			return nil
		}
		if IsTerminal(lastErr) || errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			return lastErr
		}
	}
	return fmt.Errorf("%s: retries exhausted: %w", req.Type, lastErr)
}

func (c *Client) once(ctx context.Context, op string, body []byte, out any) error {
	_, err := c.breaker.Execute(func() (any, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/info", bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build %s request: %w", op, err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("%s request: %w", op, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			statusErr := &StatusError{Status: resp.StatusCode, Body: string(raw)}
			if resp.StatusCode == http.StatusTooManyRequests {
				return nil, &rateLimitedError{
					StatusError: statusErr,
					retryAfter:  parseRetryAfter(resp.Header.Get("Retry-After")),
				}
			}
			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return nil, fmt.Errorf("%s: %w: %w", op, ErrTerminal, statusErr)
			}
			return nil, statusErr
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			// Schema mismatch: log one sample and surface; the caller skips
			// the record rather than crashing ingestion.
			c.log.Warn().Str("op", op).Err(err).Msg("upstream response decode failed")
			return nil, fmt.Errorf("%s: %w: decode: %v", op, ErrTerminal, err)
		}
		return nil, nil
	})
	return err
}

// rateLimitedError wraps a 429 with its Retry-After hint.
type rateLimitedError struct {
	*StatusError
	retryAfter time.Duration
}

func (e *rateLimitedError) Unwrap() error { return e.StatusError }

func retryAfterHint(err error) time.Duration {
	var rle *rateLimitedError
	if errors.As(err, &rle) {
		return rle.retryAfter
	}
	return 0
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
