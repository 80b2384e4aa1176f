package domain

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// precisionFactor keeps 5 decimal digits, roughly one meter at the equator.
const precisionFactor = 1e5

// Round5 rounds v to 5 decimal digits.
func Round5(v float64) float64 {
	return math.Round(v*precisionFactor) / precisionFactor
}

// RoundBoundingBox rounds every component of b to 5 decimal digits.
func RoundBoundingBox(b BoundingBox) BoundingBox {
	for i := range b {
		b[i] = Round5(b[i])
	}
	return b
}

// RoundFeature rounds the feature geometry and bbox in place.
func RoundFeature(f *geojson.Feature) *geojson.Feature {
	if f.Geometry != nil {
		f.Geometry = orb.Round(f.Geometry, precisionFactor)
	}
	for i := range f.BBox {
		f.BBox[i] = Round5(f.BBox[i])
	}
	return f
}
