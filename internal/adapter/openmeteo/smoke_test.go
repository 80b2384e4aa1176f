//go:build openmeteo

package openmeteo

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/couchcryptid/wildfire-perimeter-etl/internal/domain"
	"github.com/couchcryptid/wildfire-perimeter-etl/internal/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These tests hit the real Open-Meteo API.
// Run with: go test -tags=openmeteo ./internal/adapter/openmeteo/ -v -count=1

func smokeClient() *Client {
	return NewClient(DefaultBaseURL, 10*time.Second, MaxBatchSize,
		observability.NewMetricsForTesting(),
		slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestSmoke_Elevations(t *testing.T) {
	c := smokeClient()

	// Mount Hood summit and Portland waterfront.
	got, err := c.Elevations(context.Background(), []domain.Coordinate{
		{Lon: -121.6959, Lat: 45.3735},
		{Lon: -122.6709, Lat: 45.5152},
	})
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Greater(t, got[0], 3000.0)
	assert.Less(t, got[1], 200.0)
}

func TestSmoke_CachedResolver(t *testing.T) {
	cached := NewCachedResolver(smokeClient(), time.Minute, observability.NewMetricsForTesting())
	defer cached.Close()

	coords := []domain.Coordinate{{Lon: -122.0, Lat: 44.0}}
	r1, err := cached.Elevations(context.Background(), coords)
	require.NoError(t, err)

	r2, err := cached.Elevations(context.Background(), coords)
	require.NoError(t, err)
	assert.Equal(t, r1, r2)
}
