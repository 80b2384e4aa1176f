// Package geomac fetches directory listings and shapefiles from the GeoMAC
// file server.
package geomac

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/couchcryptid/wildfire-perimeter-etl/internal/domain"
	"github.com/couchcryptid/wildfire-perimeter-etl/internal/observability"
	"github.com/jonboulle/clockwork"
	"github.com/klauspost/compress/gzhttp"
	"github.com/sony/gobreaker/v2"
)

// statusError is a non-2xx response other than not-found.
type statusError struct {
	code int
	url  string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("GET %s: status %d", e.url, e.code)
}

func (e *statusError) retryable() bool {
	return e.code == http.StatusTooManyRequests || e.code >= 500
}

// Client implements the pipeline fetcher over HTTP. Transient failures
// (transport errors, 429, 5xx) are retried with exponential backoff and a
// shared circuit breaker stops hammering a server that keeps failing.
type Client struct {
	httpClient   *http.Client
	breaker      *gobreaker.CircuitBreaker[[]byte]
	retryMax     int
	retryInitial time.Duration
	metrics      *observability.Metrics
	logger       *slog.Logger
	clock        clockwork.Clock
}

// NewClient creates a GeoMAC client. timeout bounds each individual request.
func NewClient(timeout time.Duration, retryMax int, metrics *observability.Metrics, logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: gzhttp.Transport(http.DefaultTransport),
		},
		breaker:      newBreaker("geomac"),
		retryMax:     retryMax,
		retryInitial: 500 * time.Millisecond,
		metrics:      metrics,
		logger:       logger,
		clock:        clockwork.NewRealClock(),
	}
}

func newBreaker(name string) *gobreaker.CircuitBreaker[[]byte] {
	return gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// A missing file or a client error says nothing about server health.
			var se *statusError
			return err == nil || errors.Is(err, domain.ErrNotFound) || (errors.As(err, &se) && !se.retryable())
		},
	})
}

// Fetch retrieves the body at url. A 404 or 410 response yields an error
// wrapping domain.ErrNotFound; every other failure is a transport error.
func (c *Client) Fetch(ctx context.Context, url, kind string) ([]byte, error) {
	start := c.clock.Now()
	body, err := c.fetchWithRetry(ctx, url)
	c.metrics.FetchDuration.WithLabelValues(kind).Observe(c.clock.Since(start).Seconds())

	switch {
	case err == nil:
		c.metrics.FetchRequests.WithLabelValues(kind, "success").Inc()
	case errors.Is(err, domain.ErrNotFound):
		c.metrics.FetchRequests.WithLabelValues(kind, "not_found").Inc()
	default:
		c.metrics.FetchRequests.WithLabelValues(kind, "error").Inc()
	}
	return body, err
}

func (c *Client) fetchWithRetry(ctx context.Context, url string) ([]byte, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryInitial
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0

	var body []byte
	attempt := 0
	op := func() error {
		attempt++
		data, err := c.breaker.Execute(func() ([]byte, error) {
			return c.get(ctx, url)
		})
		if err == nil {
			body = data
			return nil
		}
		if !retryable(err) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		c.logger.Debug("fetch failed, retrying", "url", url, "attempt", attempt, "error", err)
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.retryMax)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return body, nil
}

func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("create request: %w", err))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("GET %s: %w", url, domain.ErrNotFound)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &statusError{code: resp.StatusCode, url: url}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	return data, nil
}

func retryable(err error) bool {
	if errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, gobreaker.ErrOpenState) ||
		errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.retryable()
	}
	return true
}
