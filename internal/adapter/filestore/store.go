// Package filestore writes harvest output to the local filesystem.
package filestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/couchcryptid/wildfire-perimeter-etl/internal/domain"
	"github.com/paulmach/orb/geojson"
	"github.com/rubenv/topojson"
)

// IndexSuffix is appended to the year to name the fire index file.
const IndexSuffix = "fireRecords.json"

// Store writes per-fire topology files under {dest}/{year}/ and the fire
// index at {dest}/{year}fireRecords.json. Directories are created on first
// write.
type Store struct {
	dest string
}

// New creates a Store rooted at dest.
func New(dest string) *Store {
	return &Store{dest: dest}
}

// FirePath returns the path of a fire's topology file.
func (s *Store) FirePath(year, fileName string) string {
	return filepath.Join(s.dest, year, fileName+".json")
}

// IndexPath returns the path of the year's fire index.
func (s *Store) IndexPath(year string) string {
	return filepath.Join(s.dest, year+IndexSuffix)
}

// WriteFire encodes fc as a TopoJSON topology and writes it.
func (s *Store) WriteFire(year, fileName string, fc *geojson.FeatureCollection) error {
	topo := topojson.NewTopology(fc, nil)
	data, err := json.Marshal(topo)
	if err != nil {
		return fmt.Errorf("encode topology %s: %w", fileName, err)
	}
	return writeFile(s.FirePath(year, fileName), data)
}

// WriteIndex writes the fire index. A nil slice is written as an empty list.
func (s *Store) WriteIndex(year string, fires []*domain.FireRecord) error {
	if fires == nil {
		fires = []*domain.FireRecord{}
	}
	data, err := json.Marshal(fires)
	if err != nil {
		return fmt.Errorf("encode fire index: %w", err)
	}
	return writeFile(s.IndexPath(year), data)
}

// writeFile writes through a temp file in the target directory and renames
// it into place so readers never see a partial document.
func writeFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
