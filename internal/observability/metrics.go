package observability

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters, histograms, and gauges for a harvest run.
type Metrics struct {
	FiresDiscovered   prometheus.Counter
	FireLinksSkipped  prometheus.Counter
	ReportsDiscovered prometheus.Counter
	ReportsSkipped    prometheus.Counter
	ReportsDecoded    prometheus.Counter
	DecodeErrors      prometheus.Counter
	FiresFailed       prometheus.Counter
	FiresWritten      prometheus.Counter
	PipelineRunning   prometheus.Gauge

	// Forest overlap.
	DegenerateIntersections prometheus.Counter

	// Remote fetch metrics.
	FetchRequests *prometheus.CounterVec   // labels: kind={listing,shp,dbf,forest}, outcome={success,not_found,error}
	FetchDuration *prometheus.HistogramVec // labels: kind

	FireProcessingDuration prometheus.Histogram

	// Elevation metrics.
	ElevationCache       *prometheus.CounterVec // labels: result={hit,miss,coalesced}
	ElevationAPIDuration prometheus.Histogram
	ElevationEnabled     prometheus.Gauge
}

// NewMetrics creates and registers all harvest metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()

	prometheus.MustRegister(
		m.FiresDiscovered,
		m.FireLinksSkipped,
		m.ReportsDiscovered,
		m.ReportsSkipped,
		m.ReportsDecoded,
		m.DecodeErrors,
		m.FiresFailed,
		m.FiresWritten,
		m.PipelineRunning,
		m.DegenerateIntersections,
		m.FetchRequests,
		m.FetchDuration,
		m.FireProcessingDuration,
		m.ElevationCache,
		m.ElevationAPIDuration,
		m.ElevationEnabled,
	)

	return m
}

// NewMetricsForTesting creates unregistered Metrics to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

// WriteTextfile dumps the default registry in the node-exporter textfile
// format. The write is atomic (temp file + rename).
func WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, prometheus.DefaultGatherer); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

func newMetrics() *Metrics {
	return &Metrics{
		FiresDiscovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "geomac_harvest",
			Name:      "fires_discovered_total",
			Help:      "Fire directories found in the state listing.",
		}),
		FireLinksSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "geomac_harvest",
			Name:      "fire_links_skipped_total",
			Help:      "State listing links that are not fire directories.",
		}),
		ReportsDiscovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "geomac_harvest",
			Name:      "reports_discovered_total",
			Help:      "Dated perimeter reports found in fire listings.",
		}),
		ReportsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "geomac_harvest",
			Name:      "reports_skipped_total",
			Help:      "Geometry links skipped because their timestamp could not be parsed.",
		}),
		ReportsDecoded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "geomac_harvest",
			Name:      "reports_decoded_total",
			Help:      "Shapefile pairs decoded and folded into their fire.",
		}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "geomac_harvest",
			Name:      "decode_errors_total",
			Help:      "Shapefile pairs that failed to decode.",
		}),
		FiresFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "geomac_harvest",
			Name:      "fires_failed_total",
			Help:      "Fires whose pipeline branch aborted.",
		}),
		FiresWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "geomac_harvest",
			Name:      "fires_written_total",
			Help:      "Per-fire topology documents written.",
		}),
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "geomac_harvest",
			Name:      "pipeline_running",
			Help:      "1 while a harvest run is active, 0 otherwise.",
		}),
		DegenerateIntersections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "geomac_harvest",
			Name:      "degenerate_intersections_total",
			Help:      "Forest intersections skipped as numerically degenerate.",
		}),
		FetchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "geomac_harvest",
			Name:      "fetch_requests_total",
			Help:      "Remote fetches by resource kind and outcome.",
		}, []string{"kind", "outcome"}),
		FetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "geomac_harvest",
			Name:      "fetch_duration_seconds",
			Help:      "Remote fetch duration in seconds, retries included.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"kind"}),
		FireProcessingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "geomac_harvest",
			Name:      "fire_processing_duration_seconds",
			Help:      "Duration of report discovery plus aggregation for one fire.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		ElevationCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "geomac_harvest",
			Name:      "elevation_cache_total",
			Help:      "Elevation cache lookups by result.",
		}, []string{"result"}),
		ElevationAPIDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "geomac_harvest",
			Name:      "elevation_api_duration_seconds",
			Help:      "Elevation API request duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		ElevationEnabled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "geomac_harvest",
			Name:      "elevation_enabled",
			Help:      "1 when elevation enrichment is enabled, 0 otherwise.",
		}),
	}
}
