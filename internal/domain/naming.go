package domain

import (
	"net/url"
	"strings"
	"time"
)

const (
	// ReportStampOffset is the number of characters between the fire slug
	// length and the timestamp in a report file name: a two-letter state
	// code and underscore before the slug, one underscore after it.
	ReportStampOffset = 4

	// ReportStampWidth is the width of the "YYYYMMDD_HHMM" timestamp token.
	ReportStampWidth = 13

	// GeometryExt and AttributeExt are the shapefile pair extensions.
	GeometryExt  = ".shp"
	AttributeExt = ".dbf"
)

// Remote resource kinds, used as the fetch metrics "kind" label.
const (
	KindListing   = "listing"
	KindGeometry  = "shp"
	KindAttribute = "dbf"
	KindForest    = "forest"
)

// FireNameFromSlug turns a directory slug into a display name: underscores
// become spaces (except a trailing one) and percent-encoding is decoded.
func FireNameFromSlug(slug string) string {
	trailing := strings.HasSuffix(slug, "_")
	body := strings.TrimSuffix(slug, "_")
	name := strings.ReplaceAll(body, "_", " ")
	if trailing {
		name += "_"
	}
	if decoded, err := url.PathUnescape(name); err == nil {
		return decoded
	}
	return name
}

// ParseReportStamp extracts the report timestamp from a report file name.
// slug is the (unescaped) fire slug the file belongs to. It returns false
// when the name is too short or the token is not a valid date and time.
func ParseReportStamp(fileName, slug string) (time.Time, bool) {
	start := len(slug) + ReportStampOffset
	if start+ReportStampWidth > len(fileName) {
		return time.Time{}, false
	}
	tok := fileName[start : start+ReportStampWidth]
	for i := 0; i < len(tok); i++ {
		if i == 8 {
			continue
		}
		if tok[i] < '0' || tok[i] > '9' {
			return time.Time{}, false
		}
	}

	iso := tok[0:4] + "-" + tok[4:6] + "-" + tok[6:8] + "T" + tok[9:11] + ":" + tok[11:13]
	t, err := time.Parse("2006-01-02T15:04", iso)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// AttributeLink swaps a geometry file link for its attribute file link.
func AttributeLink(geometryLink string) string {
	return geometryLink[:len(geometryLink)-len(GeometryExt)] + AttributeExt
}
