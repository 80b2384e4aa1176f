// Package testutil writes shapefile fixtures and mock GeoMAC directory trees
// for tests and local runs.
package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
)

// Field sizes of the fixture attribute table.
const (
	acresSize   = 14
	inciwebSize = 16
)

// Report describes one perimeter report fixture.
type Report struct {
	Stamp      string // "YYYYMMDD_HHMM"
	Polygon    orb.Polygon
	Acres      *float64
	AcresField string // defaults to GISACRES
	InciwebID  string
}

// Fire describes one fire directory fixture.
type Fire struct {
	Slug      string
	StateCode string // two-letter prefix of report file names, e.g. "or"
	Reports   []Report
}

// Acres returns a pointer to v.
func Acres(v float64) *float64 { return &v }

// Square returns a closed clockwise square ring polygon with its lower-left
// corner at (lon, lat).
func Square(lon, lat, size float64) orb.Polygon {
	return orb.Polygon{orb.Ring{
		{lon, lat},
		{lon, lat + size},
		{lon + size, lat + size},
		{lon + size, lat},
		{lon, lat},
	}}
}

// ReportFileName returns the GeoMAC report file stem for a fire and stamp,
// e.g. "or_canyon_fire_2020_20200615_0830_dd83".
func ReportFileName(f Fire, stamp string) string {
	return f.StateCode + "_" + strings.ToLower(f.Slug) + "_" + stamp + "_dd83"
}

// WriteTree lays out fires under root the way the GeoMAC server does:
// root/outgoing/GeoMAC/<year>_fire_data/<state>/<slug>/<report>.{shp,shx,dbf}.
// It returns the state directory.
func WriteTree(root, year, state string, fires []Fire) (string, error) {
	stateDir := filepath.Join(root, "outgoing", "GeoMAC", year+"_fire_data", state)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return "", err
	}
	for _, f := range fires {
		dir := filepath.Join(stateDir, f.Slug)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
		for _, r := range f.Reports {
			if err := WriteShapefile(filepath.Join(dir, ReportFileName(f, r.Stamp)+".shp"), r); err != nil {
				return "", err
			}
		}
	}
	return stateDir, nil
}

// WriteShapefile writes a single-record polygon shapefile with its .shx and
// .dbf siblings. path must end in .shp.
func WriteShapefile(path string, r Report) error {
	if err := writeShapefile(path, r); err != nil {
		return err
	}
	// go-shp names the attribute file "<stem>dbf", without the dot.
	stem := strings.TrimSuffix(path, ".shp")
	if _, err := os.Stat(stem + ".dbf"); err == nil {
		return nil
	}
	if err := os.Rename(stem+"dbf", stem+".dbf"); err != nil {
		return fmt.Errorf("rename attribute file: %w", err)
	}
	return nil
}

func writeShapefile(path string, r Report) error {
	w, err := shp.Create(path, shp.POLYGON)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer w.Close()

	acresField := r.AcresField
	if acresField == "" {
		acresField = "GISACRES"
	}
	if err := w.SetFields([]shp.Field{
		shp.FloatField(acresField, acresSize, 2),
		shp.StringField("inciwebId", inciwebSize),
	}); err != nil {
		return fmt.Errorf("set fields: %w", err)
	}

	parts := make([][]shp.Point, 0, len(r.Polygon))
	for _, ring := range r.Polygon {
		pts := make([]shp.Point, len(ring))
		for i, p := range ring {
			pts[i] = shp.Point{X: p[0], Y: p[1]}
		}
		parts = append(parts, pts)
	}
	poly := shp.Polygon(*shp.NewPolyLine(parts))
	row := int(w.Write(&poly))

	// Every field is written at full width so the row is never short.
	acres := ""
	if r.Acres != nil {
		acres = strconv.FormatFloat(*r.Acres, 'f', 2, 64)
	}
	if err := w.WriteAttribute(row, 0, fmt.Sprintf("%*s", acresSize, acres)); err != nil {
		return fmt.Errorf("write acres: %w", err)
	}
	if err := w.WriteAttribute(row, 1, fmt.Sprintf("%-*s", inciwebSize, r.InciwebID)); err != nil {
		return fmt.Errorf("write inciwebId: %w", err)
	}
	return nil
}

// ReadPair returns the .shp and .dbf bytes of a shapefile written by
// WriteShapefile.
func ReadPair(shpPath string) ([]byte, []byte, error) {
	shpData, err := os.ReadFile(shpPath)
	if err != nil {
		return nil, nil, err
	}
	dbfData, err := os.ReadFile(strings.TrimSuffix(shpPath, ".shp") + ".dbf")
	if err != nil {
		return nil, nil, err
	}
	return shpData, dbfData, nil
}
