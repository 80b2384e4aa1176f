package pipeline

import (
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/couchcryptid/wildfire-perimeter-etl/internal/domain"
	"github.com/paulmach/orb/geojson"
)

// Outcome summarizes a harvest run. Skips are reported here rather than as
// errors.
type Outcome struct {
	// NoData is set when the state listing does not exist.
	NoData bool `json:"no_data"`

	FiresDiscovered         int `json:"fires_discovered"`
	FireLinksSkipped        int `json:"fire_links_skipped"`
	ReportsDiscovered       int `json:"reports_discovered"`
	ReportsSkipped          int `json:"reports_skipped"`
	ReportsDecoded          int `json:"reports_decoded"`
	FiresFailed             int `json:"fires_failed"`
	FiresWritten            int `json:"fires_written"`
	DegenerateIntersections int `json:"degenerate_intersections"`

	// Published is the number of fires in the index.
	Published        int  `json:"published"`
	ElevationApplied bool `json:"elevation_applied"`
}

// tally collects counts from concurrent tasks.
type tally struct {
	firesDiscovered   atomic.Int64
	fireLinksSkipped  atomic.Int64
	reportsDiscovered atomic.Int64
	reportsSkipped    atomic.Int64
	reportsDecoded    atomic.Int64
	firesFailed       atomic.Int64
	firesWritten      atomic.Int64
	degenerate        atomic.Int64
}

func (t *tally) outcome() *Outcome {
	return &Outcome{
		FiresDiscovered:         int(t.firesDiscovered.Load()),
		FireLinksSkipped:        int(t.fireLinksSkipped.Load()),
		ReportsDiscovered:       int(t.reportsDiscovered.Load()),
		ReportsSkipped:          int(t.reportsSkipped.Load()),
		ReportsDecoded:          int(t.reportsDecoded.Load()),
		FiresFailed:             int(t.firesFailed.Load()),
		FiresWritten:            int(t.firesWritten.Load()),
		DegenerateIntersections: int(t.degenerate.Load()),
	}
}

// reportAcres reads the acreage attribute, preferring GISACRES over the
// newer gisAcres spelling. Zero counts as absent.
func reportAcres(props geojson.Properties) *float64 {
	for _, key := range []string{"GISACRES", "gisAcres"} {
		if v, ok := number(props[key]); ok && v != 0 {
			return &v
		}
	}
	return nil
}

func inciwebID(props geojson.Properties) string {
	switch v := props["inciwebId"].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

func number(v any) (float64, bool) {
	switch v := v.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// collectionBBox returns the collection envelope, falling back to the
// bounds of the first feature.
func collectionBBox(fc *geojson.FeatureCollection) domain.BoundingBox {
	if len(fc.BBox) == 4 {
		return domain.BoundingBox{fc.BBox[0], fc.BBox[1], fc.BBox[2], fc.BBox[3]}
	}
	return domain.BoundingBoxFromBound(fc.Features[0].Geometry.Bound())
}
