// Package forest estimates how much of a fire perimeter overlaps a reference
// land-cover layer.
package forest

import (
	"context"
	"fmt"
	"math"

	"github.com/couchcryptid/wildfire-perimeter-etl/internal/domain"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/simplify"
	"github.com/peterstace/simplefeatures/geom"
)

// SimplifyTolerance is the Douglas-Peucker threshold, in degrees, applied to
// perimeter parts before intersection.
const SimplifyTolerance = 0.0001

// Fetcher retrieves the reference document.
type Fetcher interface {
	Fetch(ctx context.Context, url, kind string) ([]byte, error)
}

type part struct {
	bound orb.Bound
	geom  geom.Geometry
}

// Estimator holds the reference layer as single polygons. It is immutable
// after construction and safe for concurrent use.
type Estimator struct {
	reference []part
	dropped   int
}

// Load fetches a GeoJSON FeatureCollection from url and builds an Estimator.
func Load(ctx context.Context, fetcher Fetcher, url string) (*Estimator, error) {
	data, err := fetcher.Fetch(ctx, url, domain.KindForest)
	if err != nil {
		return nil, fmt.Errorf("fetch forest layer: %w", err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("parse forest layer: %w", err)
	}
	return NewEstimator(fc), nil
}

// NewEstimator flattens fc into single polygons. Zero-area parts and parts
// that fail validation are dropped.
func NewEstimator(fc *geojson.FeatureCollection) *Estimator {
	e := &Estimator{}
	for _, f := range fc.Features {
		for _, p := range flatten(f.Geometry) {
			if geo.Area(p) == 0 {
				e.dropped++
				continue
			}
			g, err := toSimpleFeatures(p)
			if err != nil {
				e.dropped++
				continue
			}
			e.reference = append(e.reference, part{bound: p.Bound(), geom: g})
		}
	}
	return e
}

// Parts returns the number of usable reference polygons.
func (e *Estimator) Parts() int { return len(e.reference) }

// Dropped returns the number of reference polygons discarded at load.
func (e *Estimator) Dropped() int { return e.dropped }

// Estimate returns the rounded percentage of the feature's geodesic area
// covered by the reference layer. Intersections that fail are counted as
// degenerate and contribute nothing.
func (e *Estimator) Estimate(f *geojson.Feature) domain.ForestEstimate {
	if f == nil || f.Geometry == nil {
		return domain.ForestEstimate{}
	}
	area := math.Abs(geo.Area(f.Geometry))
	if area == 0 {
		return domain.ForestEstimate{}
	}

	var est domain.ForestEstimate
	var covered float64
	for _, p := range flatten(f.Geometry) {
		if geo.Area(p) == 0 {
			continue
		}
		simplified := simplify.DouglasPeucker(SimplifyTolerance).Simplify(p.Clone())
		if simplified == nil {
			est.Degenerate++
			continue
		}
		a, err := toSimpleFeatures(simplified)
		if err != nil {
			est.Degenerate++
			continue
		}
		b := simplified.Bound()
		for _, ref := range e.reference {
			if !b.Intersects(ref.bound) {
				continue
			}
			v, err := intersectionArea(a, ref.geom)
			if err != nil {
				est.Degenerate++
				continue
			}
			covered += v
		}
	}

	est.Percent = int(math.Round(100 * covered / area))
	return est
}

func intersectionArea(a, b geom.Geometry) (float64, error) {
	inter, err := geom.Intersection(a, b)
	if err != nil {
		return 0, err
	}
	if inter.IsEmpty() {
		return 0, nil
	}
	g, err := wkb.Unmarshal(inter.AsBinary())
	if err != nil {
		return 0, err
	}
	return math.Abs(geo.Area(g)), nil
}

func toSimpleFeatures(g orb.Geometry) (geom.Geometry, error) {
	data, err := wkb.Marshal(g)
	if err != nil {
		return geom.Geometry{}, err
	}
	return geom.UnmarshalWKB(data)
}

// flatten splits a geometry into its polygon parts. Non-areal geometries
// yield nothing.
func flatten(g orb.Geometry) []orb.Polygon {
	switch g := g.(type) {
	case orb.Polygon:
		return []orb.Polygon{g}
	case orb.MultiPolygon:
		return []orb.Polygon(g)
	case orb.Collection:
		var out []orb.Polygon
		for _, c := range g {
			out = append(out, flatten(c)...)
		}
		return out
	default:
		return nil
	}
}
