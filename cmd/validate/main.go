// Command validate checks the integrity of a harvest output directory: the
// fire index decodes and honors its invariants, and every indexed fire has
// a matching topology file.
//
// Usage:
//
//	go run ./cmd/validate -dest rcwildfires-data -year 2020
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/couchcryptid/wildfire-perimeter-etl/internal/adapter/filestore"
	"github.com/couchcryptid/wildfire-perimeter-etl/internal/domain"
)

// phase tracks pass/fail for a validation phase.
type phase struct {
	name   string
	errors []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

func main() {
	dest := flag.String("dest", "rcwildfires-data", "harvest output directory")
	year := flag.String("year", "", "fire season year to validate")
	threshold := flag.Float64("threshold", domain.DefaultAcreageThreshold, "acreage a published fire must exceed")
	flag.Parse()

	if *year == "" {
		flag.Usage()
		os.Exit(1)
	}

	if code := run(*dest, *year, *threshold); code != 0 {
		os.Exit(code)
	}
}

func run(dest, year string, threshold float64) int {
	fmt.Println("=== Fire Harvest Integrity Validation ===")
	fmt.Println()

	store := filestore.New(dest)
	data, err := os.ReadFile(store.IndexPath(year))
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: read fire index: %v\n", err)
		return 1
	}

	var fires []*domain.FireRecord
	if err := json.Unmarshal(data, &fires); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: decode fire index: %v\n", err)
		return 1
	}
	var raw []map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: decode fire index: %v\n", err)
		return 1
	}

	phases := []*phase{
		validateIndexSchema(fires, raw, year),
		validateThreshold(fires, threshold),
		validateGeometry(fires),
		validateReports(fires),
		validateTopologies(fires, store, dest, year),
	}

	fmt.Println()
	allPassed := true
	for _, p := range phases {
		status := "\033[32mPASS\033[0m"
		if !p.passed() {
			status = fmt.Sprintf("\033[31mFAIL (%d errors)\033[0m", len(p.errors))
			allPassed = false
		}
		fmt.Printf("  %-42s %s\n", p.name, status)
	}

	fmt.Println()
	fmt.Printf("Fires: %d indexed, %d reports\n", len(fires), countReports(fires))

	for _, p := range phases {
		if p.passed() {
			continue
		}
		fmt.Printf("\n--- %s ---\n", p.name)
		for i, e := range p.errors {
			fmt.Printf("  [%d] %s\n", i+1, e)
		}
	}

	if allPassed {
		fmt.Println("\nAll validations passed.")
		return 0
	}
	fmt.Println("\nValidation FAILED.")
	return 1
}

func countReports(fires []*domain.FireRecord) int {
	n := 0
	for _, f := range fires {
		n += len(f.Reports)
	}
	return n
}

// ── Index schema ──

func validateIndexSchema(fires []*domain.FireRecord, raw []map[string]json.RawMessage, year string) *phase {
	p := &phase{name: "Index schema"}
	seen := make(map[string]bool)
	for i, f := range fires {
		if f.Year != year {
			p.errorf("fire %d: fireYear=%q, want %q", i, f.Year, year)
		}
		if f.Name == "" || f.FileName == "" {
			p.errorf("fire %d: empty fireName or fireFileName", i)
		}
		if seen[f.FileName] {
			p.errorf("fire %d: duplicate fireFileName %q", i, f.FileName)
		}
		seen[f.FileName] = true

		if _, ok := raw[i]["fireLink"]; ok {
			p.errorf("fire %q: internal fireLink was not stripped", f.FileName)
		}
		if pf := f.PercentForest; pf != nil && (*pf < 0 || *pf > 100) {
			p.errorf("fire %q: percentForest=%d outside [0, 100]", f.FileName, *pf)
		}
	}
	return p
}

// ── Threshold ──

func validateThreshold(fires []*domain.FireRecord, threshold float64) *phase {
	p := &phase{name: "Acreage threshold"}
	for _, f := range fires {
		if f.MaxAcres <= threshold {
			p.errorf("fire %q: fireMaxAcres=%g does not exceed %g", f.FileName, f.MaxAcres, threshold)
		}
		if f.MaxAcres != math.Round(f.MaxAcres) {
			p.errorf("fire %q: fireMaxAcres=%g is not rounded", f.FileName, f.MaxAcres)
		}
	}
	return p
}

// ── Geometry ──

func validateGeometry(fires []*domain.FireRecord) *phase {
	p := &phase{name: "Bounding box and location"}
	for _, f := range fires {
		b := f.BBox
		if b.IsEmpty() {
			p.errorf("fire %q: bbox %v is inverted", f.FileName, b)
			continue
		}
		if len(f.Location) != 2 && len(f.Location) != 3 {
			p.errorf("fire %q: location has %d coordinates", f.FileName, len(f.Location))
			continue
		}
		lon, lat := f.Location[0], f.Location[1]
		if lon < b[0] || lon > b[2] || lat < b[1] || lat > b[3] {
			p.errorf("fire %q: location (%g, %g) outside bbox %v", f.FileName, lon, lat, b)
		}
		for _, v := range append(b[:], lon, lat) {
			if domain.Round5(v) != v {
				p.errorf("fire %q: coordinate %g has more than 5 decimals", f.FileName, v)
				break
			}
		}
	}
	return p
}

// ── Reports ──

func validateReports(fires []*domain.FireRecord) *phase {
	p := &phase{name: "Report ordering"}
	for _, f := range fires {
		if len(f.Reports) == 0 {
			p.errorf("fire %q: no reports", f.FileName)
			continue
		}
		sorted := slices.IsSortedFunc(f.Reports, func(a, b domain.ReportRef) int {
			return a.Date.Compare(b.Date)
		})
		if !sorted {
			p.errorf("fire %q: reports are not in date order", f.FileName)
		}
		for _, r := range f.Reports {
			if r.Link != "" {
				p.errorf("fire %q: report %s still carries its link", f.FileName, r.Date)
			}
			if r.Acres != nil && float64(*r.Acres) > f.MaxAcres {
				p.errorf("fire %q: report %s acres %d exceed fireMaxAcres %g",
					f.FileName, r.Date, *r.Acres, f.MaxAcres)
			}
		}
	}
	return p
}

// ── Topology files ──

type topology struct {
	Type    string                     `json:"type"`
	Objects map[string]json.RawMessage `json:"objects"`
}

func validateTopologies(fires []*domain.FireRecord, store *filestore.Store, dest, year string) *phase {
	p := &phase{name: "Topology files"}
	indexed := make(map[string]bool)
	for _, f := range fires {
		path := store.FirePath(year, f.FileName)
		indexed[filepath.Base(path)] = true

		data, err := os.ReadFile(path)
		if err != nil {
			p.errorf("fire %q: %v", f.FileName, err)
			continue
		}
		var topo topology
		if err := json.Unmarshal(data, &topo); err != nil {
			p.errorf("fire %q: decode topology: %v", f.FileName, err)
			continue
		}
		if topo.Type != "Topology" {
			p.errorf("fire %q: type=%q, want Topology", f.FileName, topo.Type)
		}
		if len(topo.Objects) == 0 {
			p.errorf("fire %q: topology has no objects", f.FileName)
		}
	}

	entries, err := os.ReadDir(filepath.Join(dest, year))
	if err != nil {
		if len(fires) > 0 {
			p.errorf("read %s: %v", filepath.Join(dest, year), err)
		}
		return p
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".json") && !indexed[e.Name()] {
			p.errorf("orphan topology %s is not in the index", e.Name())
		}
	}
	return p
}
