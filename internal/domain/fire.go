package domain

import (
	"math"
	"slices"
	"sync"
	"time"

	"github.com/paulmach/orb"
)

// DefaultAcreageThreshold is the peak acreage a fire must exceed to be
// published.
const DefaultAcreageThreshold = 1000.0

// BoundingBox is a [minLon, minLat, maxLon, maxLat] envelope.
type BoundingBox [4]float64

// EmptyBoundingBox returns the inverted sentinel [180, 90, -180, -90] that
// any real envelope shrinks on the first fold.
func EmptyBoundingBox() BoundingBox {
	return BoundingBox{180, 90, -180, -90}
}

// BoundingBoxFromBound converts an orb bound.
func BoundingBoxFromBound(b orb.Bound) BoundingBox {
	return BoundingBox{b.Min[0], b.Min[1], b.Max[0], b.Max[1]}
}

// Extend returns the component-wise union of b and o.
func (b BoundingBox) Extend(o BoundingBox) BoundingBox {
	return BoundingBox{
		math.Min(b[0], o[0]),
		math.Min(b[1], o[1]),
		math.Max(b[2], o[2]),
		math.Max(b[3], o[3]),
	}
}

// IsEmpty reports whether no envelope has been folded in yet.
func (b BoundingBox) IsEmpty() bool {
	return b[0] > b[2] || b[1] > b[3]
}

// Centroid returns the center of the box.
func (b BoundingBox) Centroid() Coordinate {
	return Coordinate{Lon: (b[0] + b[2]) / 2, Lat: (b[1] + b[3]) / 2}
}

// Coordinate is a WGS-84 longitude/latitude pair.
type Coordinate struct {
	Lon float64
	Lat float64
}

// ReportRef is one dated perimeter report of a fire.
type ReportRef struct {
	// Link is the remote .shp URL. Scratch state, cleared before output.
	Link  string    `json:"fireReportLink,omitempty"`
	Date  time.Time `json:"fireReportDate"`
	Acres *int64    `json:"fireReportAcres,omitempty"`
}

// FireRecord is one discovered fire and its running aggregate.
//
// Aggregate fields are mutated only through Fold and Finalize, which hold
// the record's lock; report tasks of the same fire run concurrently.
type FireRecord struct {
	Year          string      `json:"fireYear"`
	Name          string      `json:"fireName"`
	FileName      string      `json:"fireFileName"`
	Link          string      `json:"fireLink,omitempty"`
	Reports       []ReportRef `json:"fireReports"`
	MaxAcres      float64     `json:"fireMaxAcres"`
	BBox          BoundingBox `json:"bbox"`
	Location      []float64   `json:"location"`
	InciwebID     string      `json:"inciwebId,omitempty"`
	PercentForest *int        `json:"percentForest,omitempty"`

	mu sync.Mutex
}

// NewFireRecord creates an empty fire shell as produced by fire discovery.
func NewFireRecord(year, name, fileName, link string) *FireRecord {
	return &FireRecord{
		Year:     year,
		Name:     name,
		FileName: fileName,
		Link:     link,
		Reports:  []ReportRef{},
		BBox:     EmptyBoundingBox(),
		Location: []float64{0, 0},
	}
}

// AddReport appends a discovered report.
func (f *FireRecord) AddReport(link string, date time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Reports = append(f.Reports, ReportRef{Link: link, Date: date})
}

// SortReports orders reports by date ascending. Listing order is not
// guaranteed to be chronological.
func (f *FireRecord) SortReports() {
	f.mu.Lock()
	defer f.mu.Unlock()
	slices.SortStableFunc(f.Reports, func(a, b ReportRef) int {
		return a.Date.Compare(b.Date)
	})
}

// LatestReportDate returns the date of the chronologically last report.
func (f *FireRecord) LatestReportDate() (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest time.Time
	for _, r := range f.Reports {
		if r.Date.After(latest) {
			latest = r.Date
		}
	}
	return latest, len(f.Reports) > 0
}

// IsLatest reports whether date is the fire's latest report date.
func (f *FireRecord) IsLatest(date time.Time) bool {
	latest, ok := f.LatestReportDate()
	return ok && latest.Equal(date)
}

// ReportFold is what one decoded report contributes to its fire.
type ReportFold struct {
	Index         int // position in Reports
	BBox          BoundingBox
	Acres         *float64
	InciwebID     string
	PercentForest *int
}

// Fold merges a report into the aggregate. The bounding box grows by
// min/max, MaxAcres by max and InciwebID is kept from the first report that
// carries one. PercentForest is only supplied for the latest report.
func (f *FireRecord) Fold(r ReportFold) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.BBox = f.BBox.Extend(r.BBox)
	if r.Acres != nil {
		f.MaxAcres = math.Max(f.MaxAcres, *r.Acres)
		if r.Index >= 0 && r.Index < len(f.Reports) {
			rounded := int64(math.Round(*r.Acres))
			f.Reports[r.Index].Acres = &rounded
		}
	}
	if r.InciwebID != "" && f.InciwebID == "" {
		f.InciwebID = r.InciwebID
	}
	if r.PercentForest != nil {
		pct := *r.PercentForest
		f.PercentForest = &pct
	}
}

// Significant reports whether the fire's peak acreage exceeds threshold.
func (f *FireRecord) Significant(threshold float64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.MaxAcres > threshold
}

// Finalize sets the location to the rounded bounding-box centroid and
// rounds MaxAcres to a whole number.
func (f *FireRecord) Finalize() {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.BBox.Centroid()
	f.Location = []float64{Round5(c.Lon), Round5(c.Lat)}
	f.MaxAcres = math.Round(f.MaxAcres)
}

// Strip drops internal scratch fields before the record is published.
func (f *FireRecord) Strip() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Link = ""
	for i := range f.Reports {
		f.Reports[i].Link = ""
	}
}

// Centroid returns the finalized location as a coordinate.
func (f *FireRecord) Centroid() Coordinate {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Location) < 2 {
		return Coordinate{}
	}
	return Coordinate{Lon: f.Location[0], Lat: f.Location[1]}
}

// SetElevation appends elevation as the third location coordinate.
func (f *FireRecord) SetElevation(meters float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Location = append(f.Location[:2:2], math.Round(meters*100)/100)
}

// SelectSignificant returns the fires above threshold, keeping order.
func SelectSignificant(fires []*FireRecord, threshold float64) []*FireRecord {
	out := make([]*FireRecord, 0, len(fires))
	for _, f := range fires {
		if f.Significant(threshold) {
			out = append(out, f)
		}
	}
	return out
}
