// Package pipeline runs the two-tier fetch-and-aggregate harvest.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/wildfire-perimeter-etl/internal/domain"
	"github.com/couchcryptid/wildfire-perimeter-etl/internal/observability"
	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"
	"github.com/paulmach/orb/geojson"
	"golang.org/x/sync/errgroup"
)

// Fetcher retrieves a remote resource. A missing resource yields an error
// wrapping domain.ErrNotFound.
type Fetcher interface {
	Fetch(ctx context.Context, url, kind string) ([]byte, error)
}

// LinkParser extracts absolute links from a directory listing page.
type LinkParser interface {
	Links(pageURL string, page []byte) ([]*url.URL, error)
}

// Decoder decodes a shapefile pair.
type Decoder interface {
	Decode(shp, dbf []byte) (*geojson.FeatureCollection, error)
}

// ForestEstimator computes forest overlap for a perimeter.
type ForestEstimator interface {
	Estimate(f *geojson.Feature) domain.ForestEstimate
}

// Store persists per-fire topologies and the fire index.
type Store interface {
	WriteFire(year, fileName string, fc *geojson.FeatureCollection) error
	WriteIndex(year string, fires []*domain.FireRecord) error
}

// Options configures a harvest run.
type Options struct {
	// ListingURL is the state directory, e.g.
	// https://rmgsc.cr.usgs.gov/outgoing/GeoMAC/2020_fire_data/Oregon/.
	ListingURL        string
	Year              string
	FireConcurrency   int
	ReportConcurrency int
	AcreageThreshold  float64
}

// Option sets an optional collaborator.
type Option func(*Harvester)

// WithForest enables forest-overlap estimation on each fire's latest report.
func WithForest(e ForestEstimator) Option {
	return func(h *Harvester) { h.forest = e }
}

// WithElevation enables elevation lookup for published fires.
func WithElevation(r domain.ElevationResolver) Option {
	return func(h *Harvester) { h.elevation = r }
}

// WithClock overrides the clock used for duration metrics.
func WithClock(c clockwork.Clock) Option {
	return func(h *Harvester) { h.clock = c }
}

// Harvester discovers fires and their reports, folds every report into its
// fire and writes the output. At most FireConcurrency fires and, per fire,
// ReportConcurrency reports are in flight.
type Harvester struct {
	opts      Options
	fetcher   Fetcher
	links     LinkParser
	decoder   Decoder
	store     Store
	forest    ForestEstimator
	elevation domain.ElevationResolver
	clock     clockwork.Clock
	logger    *slog.Logger
	metrics   *observability.Metrics
	ready     atomic.Bool
	current   atomic.Pointer[tally]
}

// New creates a Harvester. Forest overlap and elevation are disabled unless
// set through options.
func New(opts Options, fetcher Fetcher, links LinkParser, decoder Decoder, store Store, logger *slog.Logger, metrics *observability.Metrics, options ...Option) *Harvester {
	if opts.FireConcurrency <= 0 {
		opts.FireConcurrency = 5
	}
	if opts.ReportConcurrency <= 0 {
		opts.ReportConcurrency = 3
	}
	h := &Harvester{
		opts:    opts,
		fetcher: fetcher,
		links:   links,
		decoder: decoder,
		store:   store,
		clock:   clockwork.NewRealClock(),
		logger:  logger,
		metrics: metrics,
	}
	for _, o := range options {
		o(h)
	}
	return h
}

// CheckReadiness returns nil once fire discovery has completed.
func (h *Harvester) CheckReadiness(_ context.Context) error {
	if !h.ready.Load() {
		return errors.New("fire discovery has not completed yet")
	}
	return nil
}

// Progress returns the counts of the run in progress, or of the last run.
func (h *Harvester) Progress() Outcome {
	t := h.current.Load()
	if t == nil {
		return Outcome{}
	}
	return *t.outcome()
}

// Run harvests one state and year. A missing state listing is reported as
// Outcome.NoData with a nil error and nothing written. A fire that fails
// only to decode is left out of the index; its error is joined into the
// returned error after the index for the remaining fires has been written.
// Any other fire failure (transport, missing file, topology write) aborts
// the run and the index is not written.
func (h *Harvester) Run(ctx context.Context) (*Outcome, error) {
	h.logger.Info("harvest started",
		"listing", h.opts.ListingURL,
		"fire_concurrency", h.opts.FireConcurrency,
		"report_concurrency", h.opts.ReportConcurrency,
		"forest", h.forest != nil,
		"elevation", h.elevation != nil,
	)
	h.metrics.PipelineRunning.Set(1)
	defer h.metrics.PipelineRunning.Set(0)

	t := &tally{}
	h.current.Store(t)
	fires, err := h.discoverFires(ctx, t)
	if errors.Is(err, domain.ErrNotFound) {
		h.logger.Warn("no data for this state and year", "listing", h.opts.ListingURL)
		h.ready.Store(true)
		out := t.outcome()
		out.NoData = true
		return out, nil
	}
	if err != nil {
		return t.outcome(), fmt.Errorf("discover fires: %w", err)
	}
	h.ready.Store(true)
	h.logger.Info("fires discovered", "count", len(fires))

	var (
		mu     sync.Mutex
		errs   *multierror.Error
		fatal  bool
		failed = make(map[*domain.FireRecord]bool)
	)
	g := new(errgroup.Group)
	g.SetLimit(h.opts.FireConcurrency)
	for _, fire := range fires {
		g.Go(func() error {
			if err := h.processFire(ctx, fire, t); err != nil {
				h.logger.Error("fire failed", "fire", fire.Name, "error", err)
				h.metrics.FiresFailed.Inc()
				t.firesFailed.Add(1)
				mu.Lock()
				errs = multierror.Append(errs, err)
				failed[fire] = true
				if !decodeOnly(err) {
					fatal = true
				}
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return t.outcome(), fmt.Errorf("harvest interrupted: %w", err)
	}
	if fatal {
		h.logger.Error("harvest aborted, fire index not written", "failed", len(failed))
		return t.outcome(), fmt.Errorf("harvest aborted: %w", errs.ErrorOrNil())
	}

	survivors := slices.DeleteFunc(slices.Clone(fires), func(f *domain.FireRecord) bool { return failed[f] })
	published := domain.SelectSignificant(survivors, h.opts.AcreageThreshold)
	for _, f := range published {
		f.Strip()
	}

	out := t.outcome()
	out.Published = len(published)
	if h.elevation != nil {
		out.ElevationApplied = domain.EnrichWithElevation(ctx, published, h.elevation, h.logger)
	} else {
		h.logger.Info("skipping elevation data")
	}

	if err := h.store.WriteIndex(h.opts.Year, published); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("write fire index: %w", err))
		return out, errs.ErrorOrNil()
	}

	h.logger.Info("harvest completed",
		"fires", out.FiresDiscovered,
		"published", out.Published,
		"failed", out.FiresFailed,
		"reports", out.ReportsDecoded,
	)
	return out, errs.ErrorOrNil()
}

// decodeOnly reports whether every failure joined in err is a decode
// failure, which stays confined to its fire.
func decodeOnly(err error) bool {
	var merr *multierror.Error
	if errors.As(err, &merr) {
		for _, e := range merr.Errors {
			if !decodeOnly(e) {
				return false
			}
		}
		return len(merr.Errors) > 0
	}
	return errors.Is(err, domain.ErrDecode)
}

// processFire runs report discovery and aggregation for one fire and writes
// its topology when it is significant.
func (h *Harvester) processFire(ctx context.Context, fire *domain.FireRecord, t *tally) error {
	start := h.clock.Now()
	defer func() {
		h.metrics.FireProcessingDuration.Observe(h.clock.Since(start).Seconds())
	}()

	if err := h.discoverReports(ctx, fire, t); err != nil {
		return &domain.FireError{Fire: fire.Name, Stage: "discover reports", Err: err}
	}
	fire.SortReports()

	features, err := h.aggregateReports(ctx, fire, t)
	if err != nil {
		return &domain.FireError{Fire: fire.Name, Stage: "aggregate reports", Err: err}
	}

	if !fire.Significant(h.opts.AcreageThreshold) {
		h.logger.Debug("fire below acreage threshold", "fire", fire.Name, "max_acres", fire.MaxAcres)
		return nil
	}
	fire.Finalize()

	fc := geojson.NewFeatureCollection()
	fc.Features = features
	if err := h.store.WriteFire(fire.Year, fire.FileName, fc); err != nil {
		return &domain.FireError{Fire: fire.Name, Stage: "write topology", Err: err}
	}
	h.metrics.FiresWritten.Inc()
	t.firesWritten.Add(1)
	h.logger.Info("completed processing", "fire", fire.FileName, "reports", len(features))
	return nil
}

// aggregateReports decodes every report of a fire, at most
// ReportConcurrency at a time. A failed report does not cancel its
// siblings; all failures are returned together once every report settles.
// Features are returned in report order.
func (h *Harvester) aggregateReports(ctx context.Context, fire *domain.FireRecord, t *tally) ([]*geojson.Feature, error) {
	refs := slices.Clone(fire.Reports)
	features := make([]*geojson.Feature, len(refs))

	var (
		mu   sync.Mutex
		errs *multierror.Error
	)
	g := new(errgroup.Group)
	g.SetLimit(h.opts.ReportConcurrency)
	for i, ref := range refs {
		g.Go(func() error {
			f, err := h.aggregateReport(ctx, fire, i, ref, t)
			if err != nil {
				mu.Lock()
				errs = multierror.Append(errs, err)
				mu.Unlock()
				return nil
			}
			features[i] = f
			return nil
		})
	}
	_ = g.Wait()

	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	return features, nil
}

func (h *Harvester) aggregateReport(ctx context.Context, fire *domain.FireRecord, index int, ref domain.ReportRef, t *tally) (*geojson.Feature, error) {
	dbf, err := h.fetcher.Fetch(ctx, domain.AttributeLink(ref.Link), domain.KindAttribute)
	if err != nil {
		return nil, fmt.Errorf("fetch attributes: %w", err)
	}
	shp, err := h.fetcher.Fetch(ctx, ref.Link, domain.KindGeometry)
	if err != nil {
		return nil, fmt.Errorf("fetch geometry: %w", err)
	}

	fc, err := h.decoder.Decode(shp, dbf)
	if err != nil {
		h.metrics.DecodeErrors.Inc()
		return nil, fmt.Errorf("report %s: %w", path.Base(ref.Link), err)
	}
	if len(fc.Features) == 0 {
		h.metrics.DecodeErrors.Inc()
		return nil, fmt.Errorf("report %s: %w: no features", path.Base(ref.Link), domain.ErrDecode)
	}
	h.metrics.ReportsDecoded.Inc()
	t.reportsDecoded.Add(1)

	feature := fc.Features[0]
	acres := reportAcres(feature.Properties)
	if acres != nil {
		feature.Properties["GISACRES"] = *acres
	}
	feature.Properties["fireReportDate"] = ref.Date.UTC().Format(time.RFC3339)
	domain.RoundFeature(feature)

	fold := domain.ReportFold{
		Index:     index,
		BBox:      domain.RoundBoundingBox(collectionBBox(fc)),
		Acres:     acres,
		InciwebID: inciwebID(feature.Properties),
	}
	if h.forest != nil && fire.IsLatest(ref.Date) {
		est := h.forest.Estimate(feature)
		fold.PercentForest = &est.Percent
		if est.Degenerate > 0 {
			h.metrics.DegenerateIntersections.Add(float64(est.Degenerate))
			t.degenerate.Add(int64(est.Degenerate))
		}
	}
	fire.Fold(fold)

	h.logger.Debug("processed fire report",
		"fire", fire.Name,
		"date", ref.Date,
		"acres", acres,
	)
	return feature, nil
}
