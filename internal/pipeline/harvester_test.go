package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/couchcryptid/wildfire-perimeter-etl/internal/adapter/filestore"
	"github.com/couchcryptid/wildfire-perimeter-etl/internal/adapter/geomac"
	"github.com/couchcryptid/wildfire-perimeter-etl/internal/adapter/shapefile"
	"github.com/couchcryptid/wildfire-perimeter-etl/internal/domain"
	"github.com/couchcryptid/wildfire-perimeter-etl/internal/observability"
	"github.com/couchcryptid/wildfire-perimeter-etl/internal/pipeline"
	"github.com/couchcryptid/wildfire-perimeter-etl/internal/testutil"
	"github.com/paulmach/orb/geojson"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const year = "2020"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- mocks ---

type recordingForest struct {
	mu    sync.Mutex
	dates []string
	pct   int
}

func (r *recordingForest) Estimate(f *geojson.Feature) domain.ForestEstimate {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dates = append(r.dates, f.Properties["fireReportDate"].(string))
	return domain.ForestEstimate{Percent: r.pct, Degenerate: 2}
}

type fixedElevation struct {
	meters float64
	err    error
}

func (f fixedElevation) Elevations(_ context.Context, coords []domain.Coordinate) ([]float64, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]float64, len(coords))
	for i := range out {
		out[i] = f.meters
	}
	return out, nil
}

type failingStore struct{ err error }

func (s failingStore) WriteFire(string, string, *geojson.FeatureCollection) error { return s.err }
func (s failingStore) WriteIndex(string, []*domain.FireRecord) error           { return s.err }

// --- fixtures ---

var canyonFire = testutil.Fire{
	Slug:      "Canyon_Fire_2020",
	StateCode: "or",
	Reports: []testutil.Report{
		{Stamp: "20200615_0830", Polygon: testutil.Square(-122.45, 44.15, 0.2), Acres: testutil.Acres(2400), InciwebID: "6915"},
		{Stamp: "20200601_0800", Polygon: testutil.Square(-122.5, 44.1, 0.1), Acres: testutil.Acres(800)},
		{Stamp: "20200610_1200", Polygon: testutil.Square(-122.55, 44.05, 0.05), AcresField: "gisAcres", Acres: testutil.Acres(1500.4)},
		{Stamp: "2020XX15_0830", Polygon: testutil.Square(0, 0, 1), Acres: testutil.Acres(99999)},
	},
}

var smallFire = testutil.Fire{
	Slug:      "Small_Fire",
	StateCode: "or",
	Reports: []testutil.Report{
		{Stamp: "20200701_0000", Polygon: testutil.Square(-121, 43, 0.01), Acres: testutil.Acres(500)},
	},
}

// serveTree writes fires to a temp GeoMAC tree and serves it with the
// standard file server, whose listings use relative links.
func serveTree(t *testing.T, fires ...testutil.Fire) (*httptest.Server, string) {
	t.Helper()
	root := t.TempDir()
	stateDir, err := testutil.WriteTree(root, year, "Oregon", fires)
	require.NoError(t, err)

	srv := httptest.NewServer(http.FileServer(http.Dir(root)))
	t.Cleanup(srv.Close)
	return srv, stateDir
}

func listingURL(srv *httptest.Server, y, state string) string {
	return srv.URL + "/outgoing/GeoMAC/" + y + "_fire_data/" + state + "/"
}

func newHarvester(t *testing.T, listing, dest string, opts ...pipeline.Option) (*pipeline.Harvester, *observability.Metrics) {
	t.Helper()
	metrics := observability.NewMetricsForTesting()
	client := geomac.NewClient(5*time.Second, 0, metrics, discardLogger())
	return newHarvesterWith(listing, client, filestore.New(dest), metrics, opts...), metrics
}

func newHarvesterWith(listing string, fetcher pipeline.Fetcher, store pipeline.Store, metrics *observability.Metrics, opts ...pipeline.Option) *pipeline.Harvester {
	return pipeline.New(pipeline.Options{
		ListingURL:        listing,
		Year:              year,
		FireConcurrency:   5,
		ReportConcurrency: 3,
		AcreageThreshold:  domain.DefaultAcreageThreshold,
	}, fetcher, geomac.LinkParser{}, shapefile.NewDecoder(), store, discardLogger(), metrics, opts...)
}

func readIndex(t *testing.T, dest string) ([]*domain.FireRecord, []map[string]any) {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dest, year+"fireRecords.json"))
	require.NoError(t, err)

	var typed []*domain.FireRecord
	require.NoError(t, json.Unmarshal(data, &typed))
	var raw []map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	return typed, raw
}

// --- tests ---

func TestHarvester_Run_HappyPath(t *testing.T) {
	srv, _ := serveTree(t, canyonFire, smallFire)
	dest := t.TempDir()
	h, metrics := newHarvester(t, listingURL(srv, year, "Oregon"), dest)

	out, err := h.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, &pipeline.Outcome{
		FiresDiscovered:   2,
		ReportsDiscovered: 4,
		ReportsSkipped:    1,
		ReportsDecoded:    4,
		FiresWritten:      1,
		Published:         1,
	}, out)
	assert.InDelta(t, 1, promtestutil.ToFloat64(metrics.FiresWritten), 0)
	assert.InDelta(t, 4, promtestutil.ToFloat64(metrics.ReportsDecoded), 0)
	assert.InDelta(t, 0, promtestutil.ToFloat64(metrics.PipelineRunning), 0)

	fires, raw := readIndex(t, dest)
	require.Len(t, fires, 1)
	f := fires[0]
	assert.Equal(t, year, f.Year)
	assert.Equal(t, "Canyon Fire 2020", f.Name)
	assert.Equal(t, "Canyon_Fire_2020", f.FileName)
	assert.InDelta(t, 2400, f.MaxAcres, 0)
	assert.Equal(t, "6915", f.InciwebID)
	assert.Nil(t, f.PercentForest)

	want := domain.BoundingBox{-122.55, 44.05, -122.25, 44.35}
	for i := range want {
		assert.InDelta(t, want[i], f.BBox[i], 1e-9)
	}
	require.Len(t, f.Location, 2)
	assert.InDelta(t, -122.4, f.Location[0], 1e-9)
	assert.InDelta(t, 44.2, f.Location[1], 1e-9)

	require.Len(t, f.Reports, 3)
	wantDates := []time.Time{
		time.Date(2020, 6, 1, 8, 0, 0, 0, time.UTC),
		time.Date(2020, 6, 10, 12, 0, 0, 0, time.UTC),
		time.Date(2020, 6, 15, 8, 30, 0, 0, time.UTC),
	}
	wantAcres := []int64{800, 1500, 2400}
	for i, r := range f.Reports {
		assert.True(t, wantDates[i].Equal(r.Date), "report %d date %s", i, r.Date)
		require.NotNil(t, r.Acres)
		assert.Equal(t, wantAcres[i], *r.Acres)
		assert.Empty(t, r.Link)
	}

	assert.NotContains(t, raw[0], "fireLink")
	assert.NotContains(t, raw[0], "percentForest")

	assert.FileExists(t, filepath.Join(dest, year, "Canyon_Fire_2020.json"))
	assert.NoFileExists(t, filepath.Join(dest, year, "Small_Fire.json"))
}

func TestHarvester_Run_TopologyCarriesReportDates(t *testing.T) {
	srv, _ := serveTree(t, canyonFire)
	dest := t.TempDir()
	h, _ := newHarvester(t, listingURL(srv, year, "Oregon"), dest)

	_, err := h.Run(context.Background())
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dest, year, "Canyon_Fire_2020.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"Topology"`)
	assert.Contains(t, string(data), "2020-06-01T08:00:00Z")
	assert.Contains(t, string(data), "2020-06-15T08:30:00Z")
}

func TestHarvester_Run_ForestOnlyOnLatestReport(t *testing.T) {
	srv, _ := serveTree(t, canyonFire)
	dest := t.TempDir()
	forest := &recordingForest{pct: 42}
	h, metrics := newHarvester(t, listingURL(srv, year, "Oregon"), dest, pipeline.WithForest(forest))

	out, err := h.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"2020-06-15T08:30:00Z"}, forest.dates)
	assert.Equal(t, 2, out.DegenerateIntersections)
	assert.InDelta(t, 2, promtestutil.ToFloat64(metrics.DegenerateIntersections), 0)

	fires, _ := readIndex(t, dest)
	require.Len(t, fires, 1)
	require.NotNil(t, fires[0].PercentForest)
	assert.Equal(t, 42, *fires[0].PercentForest)
}

func TestHarvester_Run_Elevation(t *testing.T) {
	srv, _ := serveTree(t, canyonFire)
	dest := t.TempDir()
	h, _ := newHarvester(t, listingURL(srv, year, "Oregon"), dest,
		pipeline.WithElevation(fixedElevation{meters: 1234.567}))

	out, err := h.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, out.ElevationApplied)

	fires, _ := readIndex(t, dest)
	require.Len(t, fires[0].Location, 3)
	assert.InDelta(t, 1234.57, fires[0].Location[2], 1e-9)
}

func TestHarvester_Run_ElevationFailureKeepsTwoDimensions(t *testing.T) {
	srv, _ := serveTree(t, canyonFire)
	dest := t.TempDir()
	h, _ := newHarvester(t, listingURL(srv, year, "Oregon"), dest,
		pipeline.WithElevation(fixedElevation{err: errors.New("terrain service down")}))

	out, err := h.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, out.ElevationApplied)

	fires, _ := readIndex(t, dest)
	assert.Len(t, fires[0].Location, 2)
}

func TestHarvester_Run_NotFoundIsNoData(t *testing.T) {
	srv, _ := serveTree(t, canyonFire)
	dest := filepath.Join(t.TempDir(), "out")
	h, _ := newHarvester(t, listingURL(srv, "1999", "Guam"), dest)

	out, err := h.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, out.NoData)
	assert.Zero(t, out.FiresDiscovered)

	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr), "nothing should be written")
	assert.NoError(t, h.CheckReadiness(context.Background()))
}

func TestHarvester_Run_TransportFailureIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "out")
	h, _ := newHarvester(t, listingURL(srv, year, "Oregon"), dest)

	out, err := h.Run(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrNotFound)
	assert.False(t, out.NoData)
	assert.Error(t, h.CheckReadiness(context.Background()))
}

func TestHarvester_Run_MidRunFailureWritesNoIndex(t *testing.T) {
	otherFire := testutil.Fire{
		Slug:      "Other_Fire",
		StateCode: "or",
		Reports: []testutil.Report{
			{Stamp: "20200720_1200", Polygon: testutil.Square(-121, 43, 0.1), Acres: testutil.Acres(5000)},
		},
	}
	otherDir := "/outgoing/GeoMAC/" + year + "_fire_data/Oregon/Other_Fire/"
	otherStem := otherDir + testutil.ReportFileName(otherFire, "20200720_1200")

	tests := []struct {
		name   string
		path   string
		status int
		want   string
	}{
		{"fire listing bad gateway", otherDir, http.StatusBadGateway, "discover reports"},
		{"geometry bad gateway", otherStem + ".shp", http.StatusBadGateway, "fetch geometry"},
		{"attributes unavailable", otherStem + ".dbf", http.StatusServiceUnavailable, "fetch attributes"},
		{"attributes missing", otherStem + ".dbf", http.StatusNotFound, "fetch attributes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			_, err := testutil.WriteTree(root, year, "Oregon", []testutil.Fire{canyonFire, otherFire})
			require.NoError(t, err)

			files := http.FileServer(http.Dir(root))
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == tt.path {
					w.WriteHeader(tt.status)
					return
				}
				files.ServeHTTP(w, r)
			}))
			defer srv.Close()

			dest := t.TempDir()
			h, _ := newHarvester(t, listingURL(srv, year, "Oregon"), dest)

			out, err := h.Run(context.Background())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.Contains(t, err.Error(), "harvest aborted")
			assert.NotErrorIs(t, err, domain.ErrDecode)
			assert.Equal(t, 1, out.FiresFailed)
			assert.Zero(t, out.Published)

			_, statErr := os.Stat(filepath.Join(dest, year+filestore.IndexSuffix))
			assert.True(t, os.IsNotExist(statErr), "fire index must not be written")
		})
	}
}

func TestHarvester_Run_TopologyWriteFailureIsFatal(t *testing.T) {
	srv, _ := serveTree(t, canyonFire)
	metrics := observability.NewMetricsForTesting()
	client := geomac.NewClient(5*time.Second, 0, metrics, discardLogger())
	h := newHarvesterWith(listingURL(srv, year, "Oregon"), client, failingStore{err: errors.New("disk full")}, metrics)

	out, err := h.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "write topology")
	assert.NotContains(t, err.Error(), "write fire index")
	assert.Zero(t, out.Published)
}

func TestHarvester_Run_DecodeFailureIsolatedToFire(t *testing.T) {
	badFire := testutil.Fire{Slug: "Bad_Fire", StateCode: "or"}
	srv, stateDir := serveTree(t, canyonFire, badFire)

	stem := filepath.Join(stateDir, "Bad_Fire", testutil.ReportFileName(badFire, "20200601_0800"))
	require.NoError(t, os.WriteFile(stem+".shp", []byte("not a shapefile"), 0o644))
	require.NoError(t, os.WriteFile(stem+".dbf", []byte("not a table"), 0o644))

	dest := t.TempDir()
	h, metrics := newHarvester(t, listingURL(srv, year, "Oregon"), dest)

	out, err := h.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDecode)

	var fe *domain.FireError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "Bad Fire", fe.Fire)

	assert.Equal(t, 1, out.FiresFailed)
	assert.Equal(t, 1, out.Published)
	assert.InDelta(t, 1, promtestutil.ToFloat64(metrics.DecodeErrors), 0)

	fires, _ := readIndex(t, dest)
	require.Len(t, fires, 1)
	assert.Equal(t, "Canyon_Fire_2020", fires[0].FileName)
}

func TestHarvester_Run_IndexWriteFailure(t *testing.T) {
	srv, _ := serveTree(t, smallFire)
	metrics := observability.NewMetricsForTesting()
	client := geomac.NewClient(5*time.Second, 0, metrics, discardLogger())
	h := newHarvesterWith(listingURL(srv, year, "Oregon"), client, failingStore{err: errors.New("disk full")}, metrics)

	_, err := h.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "write fire index")
}

func TestHarvester_Run_ThresholdFilter(t *testing.T) {
	boundary := testutil.Fire{
		Slug:      "Boundary_Fire",
		StateCode: "or",
		Reports: []testutil.Report{
			{Stamp: "20200801_0000", Polygon: testutil.Square(-120, 42, 0.1), Acres: testutil.Acres(1000)},
		},
	}
	over := testutil.Fire{
		Slug:      "Over_Fire",
		StateCode: "or",
		Reports: []testutil.Report{
			{Stamp: "20200801_0000", Polygon: testutil.Square(-119, 42, 0.1), Acres: testutil.Acres(1000.5)},
		},
	}
	srv, _ := serveTree(t, boundary, over, smallFire)
	dest := t.TempDir()
	h, _ := newHarvester(t, listingURL(srv, year, "Oregon"), dest)

	_, err := h.Run(context.Background())
	require.NoError(t, err)

	fires, _ := readIndex(t, dest)
	require.Len(t, fires, 1)
	assert.Equal(t, "Over_Fire", fires[0].FileName)
	assert.NoFileExists(t, filepath.Join(dest, year, "Boundary_Fire.json"))
}

func TestHarvester_CheckReadiness_BeforeRun(t *testing.T) {
	h, _ := newHarvester(t, "http://127.0.0.1:0/", t.TempDir())
	assert.Error(t, h.CheckReadiness(context.Background()))
}

func TestHarvester_Run_Canceled(t *testing.T) {
	srv, _ := serveTree(t, canyonFire)
	h, _ := newHarvester(t, listingURL(srv, year, "Oregon"), t.TempDir())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

// trackingFetcher records how many report fetches are in flight, per fire
// directory and across fires.
type trackingFetcher struct {
	inner pipeline.Fetcher

	mu         sync.Mutex
	perFire    map[string]int
	maxPerFire int
	maxFires   int
	maxTotal   int
	total      int
}

func (f *trackingFetcher) Fetch(ctx context.Context, rawURL, kind string) ([]byte, error) {
	if kind != domain.KindGeometry && kind != domain.KindAttribute {
		return f.inner.Fetch(ctx, rawURL, kind)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	fire := path.Base(path.Dir(u.Path))

	f.mu.Lock()
	f.perFire[fire]++
	f.total++
	f.maxPerFire = max(f.maxPerFire, f.perFire[fire])
	f.maxTotal = max(f.maxTotal, f.total)
	active := 0
	for _, n := range f.perFire {
		if n > 0 {
			active++
		}
	}
	f.maxFires = max(f.maxFires, active)
	f.mu.Unlock()

	time.Sleep(5 * time.Millisecond)
	defer func() {
		f.mu.Lock()
		f.perFire[fire]--
		f.total--
		f.mu.Unlock()
	}()
	return f.inner.Fetch(ctx, rawURL, kind)
}

func TestHarvester_Run_ConcurrencyCeilings(t *testing.T) {
	var fires []testutil.Fire
	for i := range 8 {
		f := testutil.Fire{Slug: "Fire_" + string(rune('A'+i)), StateCode: "or"}
		for d := 1; d <= 5; d++ {
			f.Reports = append(f.Reports, testutil.Report{
				Stamp:   "2020070" + string(rune('0'+d)) + "_1200",
				Polygon: testutil.Square(-120+float64(i), 42, 0.1),
				Acres:   testutil.Acres(float64(1000 + d*100)),
			})
		}
		fires = append(fires, f)
	}
	srv, _ := serveTree(t, fires...)

	metrics := observability.NewMetricsForTesting()
	tracker := &trackingFetcher{
		inner:   geomac.NewClient(5*time.Second, 0, metrics, discardLogger()),
		perFire: make(map[string]int),
	}
	dest := t.TempDir()
	h := newHarvesterWith(listingURL(srv, year, "Oregon"), tracker, filestore.New(dest), metrics)

	out, err := h.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 40, out.ReportsDecoded)
	assert.Equal(t, 8, out.Published)

	assert.LessOrEqual(t, tracker.maxPerFire, 3)
	assert.LessOrEqual(t, tracker.maxFires, 5)
	assert.LessOrEqual(t, tracker.maxTotal, 15)
	assert.Positive(t, tracker.maxPerFire)
}

func TestHarvester_Progress(t *testing.T) {
	srv, _ := serveTree(t, canyonFire, smallFire)
	h, _ := newHarvester(t, listingURL(srv, year, "Oregon"), t.TempDir())
	assert.Equal(t, pipeline.Outcome{}, h.Progress())

	out, err := h.Run(context.Background())
	require.NoError(t, err)

	p := h.Progress()
	assert.Equal(t, out.FiresDiscovered, p.FiresDiscovered)
	assert.Equal(t, out.ReportsDecoded, p.ReportsDecoded)
	assert.Equal(t, out.FiresWritten, p.FiresWritten)
}
