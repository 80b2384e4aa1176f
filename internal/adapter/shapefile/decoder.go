// Package shapefile decodes ESRI shapefile pairs (.shp geometry plus .dbf
// attributes) into GeoJSON features.
package shapefile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/couchcryptid/wildfire-perimeter-etl/internal/domain"
	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
)

// Decoder converts shapefile pairs held in memory into feature collections.
type Decoder struct{}

// NewDecoder creates a Decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Decode reads every record of the pair. The collection BBox is the union
// of the record bounds. Errors wrap domain.ErrDecode.
func (d *Decoder) Decode(shpData, dbfData []byte) (fc *geojson.FeatureCollection, err error) {
	// go-shp indexes into record buffers without bounds checks; truncated
	// files surface as panics.
	defer func() {
		if r := recover(); r != nil {
			fc = nil
			err = fmt.Errorf("%w: corrupt record: %v", domain.ErrDecode, r)
		}
	}()

	sr := shp.SequentialReaderFromExt(
		io.NopCloser(bytes.NewReader(shpData)),
		io.NopCloser(bytes.NewReader(dbfData)),
	)
	defer sr.Close()

	fc = geojson.NewFeatureCollection()
	var bound orb.Bound
	for sr.Next() {
		_, shape := sr.Shape()
		geom, err := toGeometry(shape)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrDecode, err)
		}
		if geom == nil {
			continue
		}

		f := geojson.NewFeature(geom)
		f.Properties = attributes(sr)
		b := geom.Bound()
		f.BBox = geojson.NewBBox(b)
		if len(fc.Features) == 0 {
			bound = b
		} else {
			bound = bound.Union(b)
		}
		fc.Append(f)
	}
	if err := sr.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", domain.ErrDecode, err)
	}
	if len(fc.Features) == 0 {
		return nil, fmt.Errorf("%w: no features", domain.ErrDecode)
	}
	fc.BBox = geojson.NewBBox(bound)
	return fc, nil
}

func toGeometry(shape shp.Shape) (orb.Geometry, error) {
	switch s := shape.(type) {
	case *shp.Polygon:
		return polygon(s.Parts, s.Points), nil
	case *shp.PolygonZ:
		return polygon(s.Parts, s.Points), nil
	case *shp.PolygonM:
		return polygon(s.Parts, s.Points), nil
	case *shp.PolyLine:
		return lines(s.Parts, s.Points), nil
	case *shp.PolyLineZ:
		return lines(s.Parts, s.Points), nil
	case *shp.PolyLineM:
		return lines(s.Parts, s.Points), nil
	case *shp.Point:
		return orb.Point{s.X, s.Y}, nil
	case *shp.PointZ:
		return orb.Point{s.X, s.Y}, nil
	case *shp.PointM:
		return orb.Point{s.X, s.Y}, nil
	case *shp.Null, nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported shape %T", shape)
	}
}

func splitParts(parts []int32, points []shp.Point) [][]orb.Point {
	out := make([][]orb.Point, 0, len(parts))
	for i, start := range parts {
		end := int32(len(points))
		if i+1 < len(parts) {
			end = parts[i+1]
		}
		part := make([]orb.Point, 0, end-start)
		for _, p := range points[start:end] {
			part = append(part, orb.Point{p.X, p.Y})
		}
		out = append(out, part)
	}
	return out
}

func lines(parts []int32, points []shp.Point) orb.Geometry {
	split := splitParts(parts, points)
	if len(split) == 1 {
		return orb.LineString(split[0])
	}
	mls := make(orb.MultiLineString, len(split))
	for i, p := range split {
		mls[i] = orb.LineString(p)
	}
	return mls
}

// polygon groups rings into polygons. Shapefile outer rings run clockwise
// and holes counter-clockwise; each hole joins the first outer ring that
// contains it.
func polygon(parts []int32, points []shp.Point) orb.Geometry {
	var outers []orb.Polygon
	var holes []orb.Ring
	for _, p := range splitParts(parts, points) {
		r := orb.Ring(p)
		if r.Orientation() == orb.CCW {
			holes = append(holes, r)
		} else {
			outers = append(outers, orb.Polygon{r})
		}
	}

	for _, h := range holes {
		placed := false
		for i := range outers {
			if len(h) > 0 && planar.RingContains(outers[i][0], h[0]) {
				outers[i] = append(outers[i], h)
				placed = true
				break
			}
		}
		if !placed {
			outers = append(outers, orb.Polygon{h})
		}
	}

	if len(outers) == 1 {
		return outers[0]
	}
	return orb.MultiPolygon(outers)
}

func attributes(sr shp.SequentialReader) geojson.Properties {
	props := geojson.Properties{}
	for i, f := range sr.Fields() {
		raw := strings.Trim(sr.Attribute(i), " \x00")
		props[f.String()] = attributeValue(f.Fieldtype, raw)
	}
	return props
}

func attributeValue(fieldType byte, raw string) any {
	switch fieldType {
	case 'N', 'F':
		if raw == "" {
			return nil
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil
		}
		return v
	case 'L':
		switch raw {
		case "T", "t", "Y", "y":
			return true
		case "F", "f", "N", "n":
			return false
		}
		return nil
	default:
		return raw
	}
}
