// Command genmock writes a mock GeoMAC directory tree of dated perimeter
// shapefiles, plus a forest land layer, so the harvester can run against a
// local file server instead of the USGS host.
//
// Usage:
//
//	go run ./cmd/genmock -out data/mock -year 2020 -state Oregon -serve :8000
//	GEOMAC_SERVER_URL=http://localhost:8000 go run ./cmd/harvest \
//	  -y 2020 -f http://localhost:8000/forestland.json -n
package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/couchcryptid/wildfire-perimeter-etl/internal/domain"
	"github.com/couchcryptid/wildfire-perimeter-etl/internal/testutil"
	"github.com/jonboulle/clockwork"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// squareMetersPerAcre converts acreage to the side of an equal-area square.
const squareMetersPerAcre = 4046.8564224

const metersPerDegreeLat = 111_320.0

type mockFire struct {
	slug    string
	lon     float64
	lat     float64
	acres   []float64 // one daily report per entry
	inciweb string
}

// catalog covers a published fire, one below the acreage threshold, one
// whose slug listings percent-encode and one with a report the harvester
// must skip.
var catalog = []mockFire{
	{slug: "Canyon_Fire_2020", lon: -122.45, lat: 44.2, acres: []float64{320, 1850, 4200.5, 6100}, inciweb: "6915"},
	{slug: "Holiday_Farm", lon: -122.3, lat: 44.15, acres: []float64{2100, 9800, 17400}, inciweb: "7162"},
	{slug: "Brush_Creek", lon: -120.9, lat: 45.1, acres: []float64{45, 210, 640}},
	{slug: "Beachie Creek", lon: -122.2, lat: 44.8, acres: []float64{500, 2600}},
	{slug: "Lionshead_", lon: -121.75, lat: 44.7, acres: []float64{1200, 3300, 5100}, inciweb: "7093"},
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	out := flag.String("out", "", "root directory of the mock tree")
	year := flag.String("year", "2020", "fire season year")
	state := flag.String("state", "Oregon", "state directory name")
	serve := flag.String("serve", "", "serve the tree on this address after writing it")
	flag.Parse()

	if *out == "" {
		flag.Usage()
		return fmt.Errorf("missing required flag: -out")
	}

	// Fixed clock so every run yields the same report stamps.
	clock := clockwork.NewFakeClockAt(time.Date(2020, time.August, 16, 8, 30, 0, 0, time.UTC))

	fires := make([]testutil.Fire, 0, len(catalog))
	for _, m := range catalog {
		fires = append(fires, buildFire(m, clock))
	}

	stateDir, err := testutil.WriteTree(*out, *year, *state, fires)
	if err != nil {
		return fmt.Errorf("writing tree: %w", err)
	}
	log.Printf("wrote %d fires under %s", len(fires), stateDir)

	// A report whose timestamp token is not numeric; the harvester skips it.
	bad := fires[0]
	stem := filepath.Join(stateDir, bad.Slug, testutil.ReportFileName(bad, "2020XX16_0830"))
	if err := testutil.WriteShapefile(stem+domain.GeometryExt, bad.Reports[0]); err != nil {
		return fmt.Errorf("writing malformed report: %w", err)
	}

	forestPath := filepath.Join(*out, "forestland.json")
	if err := writeForest(forestPath); err != nil {
		return fmt.Errorf("writing forest layer: %w", err)
	}
	log.Printf("wrote forest layer: %s", forestPath)

	printStats(catalog)

	if *serve == "" {
		return nil
	}
	log.Printf("serving %s on %s", *out, *serve)
	srv := &http.Server{
		Addr:              *serve,
		Handler:           http.FileServer(http.Dir(*out)),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv.ListenAndServe()
}

// buildFire lays out one report per day, each a square centered on the
// fire whose area matches the report acreage.
func buildFire(m mockFire, clock *clockwork.FakeClock) testutil.Fire {
	f := testutil.Fire{Slug: m.slug, StateCode: "or"}
	start := clock.Now()
	for i, acres := range m.acres {
		side := math.Sqrt(acres*squareMetersPerAcre) / metersPerDegreeLat
		r := testutil.Report{
			Stamp:   start.AddDate(0, 0, i).Format("20060102_1504"),
			Polygon: testutil.Square(m.lon-side/2, m.lat-side/2, side),
			Acres:   testutil.Acres(acres),
		}
		// Newer reports use the camel-case acreage field.
		if i%2 == 1 {
			r.AcresField = "gisAcres"
		}
		if i > 0 {
			r.InciwebID = m.inciweb
		}
		f.Reports = append(f.Reports, r)
	}
	clock.Advance(time.Hour)
	return f
}

// writeForest writes a land-cover layer covering the western half of the
// catalog's extent.
func writeForest(path string) error {
	fc := geojson.NewFeatureCollection()
	fc.Append(geojson.NewFeature(orb.Polygon{orb.Ring{
		{-123, 44}, {-123, 45.5}, {-122.3, 45.5}, {-122.3, 44}, {-123, 44},
	}}))
	data, err := fc.MarshalJSON()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func printStats(fires []mockFire) {
	fmt.Println("\n=== Expected harvest ===")
	published := 0
	for _, m := range fires {
		peak := 0.0
		for _, a := range m.acres {
			peak = math.Max(peak, a)
		}
		mark := "skipped"
		if peak > domain.DefaultAcreageThreshold {
			mark = "published"
			published++
		}
		fmt.Printf("  %-20s %-22q reports=%d peak=%.0f %s\n",
			m.slug, domain.FireNameFromSlug(m.slug), len(m.acres), peak, mark)
	}
	fmt.Printf("Published: %d of %d\n", published, len(fires))
}
