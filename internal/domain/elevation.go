package domain

import (
	"context"
	"log/slog"
)

// ElevationResolver resolves ground elevation in meters for a batch of
// coordinates. The result is parallel to the input.
type ElevationResolver interface {
	Elevations(ctx context.Context, coords []Coordinate) ([]float64, error)
}

// EnrichWithElevation resolves every fire's centroid in one batch and
// appends the elevation to its location. If resolver is nil or the lookup
// fails the fires keep two-dimensional locations (graceful degradation).
// It reports whether elevations were applied.
func EnrichWithElevation(ctx context.Context, fires []*FireRecord, resolver ElevationResolver, logger *slog.Logger) bool {
	if resolver == nil || len(fires) == 0 {
		return false
	}

	coords := make([]Coordinate, len(fires))
	for i, f := range fires {
		coords[i] = f.Centroid()
	}

	elevations, err := resolver.Elevations(ctx, coords)
	if err != nil {
		logger.Warn("elevation lookup failed, keeping 2-D locations",
			"fires", len(fires),
			"error", err,
		)
		return false
	}
	if len(elevations) != len(fires) {
		logger.Warn("elevation lookup returned a mismatched batch",
			"want", len(fires),
			"got", len(elevations),
		)
		return false
	}

	for i, f := range fires {
		f.SetElevation(elevations[i])
	}
	return true
}

// ForestEstimate is the forest-overlap result for one perimeter.
type ForestEstimate struct {
	Percent int
	// Degenerate counts intersections skipped as numerically ill-conditioned.
	Degenerate int
}
