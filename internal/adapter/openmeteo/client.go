// Package openmeteo resolves ground elevation through the Open-Meteo
// elevation API.
package openmeteo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/couchcryptid/wildfire-perimeter-etl/internal/domain"
	"github.com/couchcryptid/wildfire-perimeter-etl/internal/observability"
	"github.com/sony/gobreaker/v2"
)

// DefaultBaseURL is the public elevation endpoint.
const DefaultBaseURL = "https://api.open-meteo.com/v1/elevation"

// MaxBatchSize is the largest coordinate batch the API accepts per request.
const MaxBatchSize = 100

// Client implements domain.ElevationResolver.
type Client struct {
	httpClient *http.Client
	baseURL    string
	batchSize  int
	breaker    *gobreaker.CircuitBreaker[[]float64]
	metrics    *observability.Metrics
	logger     *slog.Logger
}

// NewClient creates an elevation client. batchSize is clamped to
// [1, MaxBatchSize].
func NewClient(baseURL string, timeout time.Duration, batchSize int, metrics *observability.Metrics, logger *slog.Logger) *Client {
	if batchSize <= 0 || batchSize > MaxBatchSize {
		batchSize = MaxBatchSize
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		batchSize:  batchSize,
		breaker:    newBreaker(),
		metrics:    metrics,
		logger:     logger,
	}
}

func newBreaker() *gobreaker.CircuitBreaker[[]float64] {
	return gobreaker.NewCircuitBreaker[[]float64](gobreaker.Settings{
		Name:        "open-meteo",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
}

// Elevations returns the elevation in meters for each coordinate, in input
// order. Coordinates are sent in batches of at most batchSize.
func (c *Client) Elevations(ctx context.Context, coords []domain.Coordinate) ([]float64, error) {
	out := make([]float64, 0, len(coords))
	for start := 0; start < len(coords); start += c.batchSize {
		end := min(start+c.batchSize, len(coords))
		batch := coords[start:end]

		elevations, err := c.breaker.Execute(func() ([]float64, error) {
			return c.doRequest(ctx, batch)
		})
		if err != nil {
			return nil, err
		}
		if len(elevations) != len(batch) {
			return nil, fmt.Errorf("elevation response has %d values for %d coordinates", len(elevations), len(batch))
		}
		out = append(out, elevations...)
	}
	return out, nil
}

func (c *Client) doRequest(ctx context.Context, batch []domain.Coordinate) ([]float64, error) {
	lats := make([]string, len(batch))
	lons := make([]string, len(batch))
	for i, p := range batch {
		lats[i] = strconv.FormatFloat(p.Lat, 'f', 5, 64)
		lons[i] = strconv.FormatFloat(p.Lon, 'f', 5, 64)
	}
	params := url.Values{
		"latitude":  {strings.Join(lats, ",")},
		"longitude": {strings.Join(lons, ",")},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	c.metrics.ElevationAPIDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("elevation request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("open-meteo API error: status %d: %s", resp.StatusCode, body)
	}

	var r response
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	c.logger.Debug("elevation batch resolved", "coordinates", len(batch))
	return r.Elevation, nil
}

type response struct {
	Elevation []float64 `json:"elevation"`
}
