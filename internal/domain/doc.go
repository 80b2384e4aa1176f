// Package domain models GeoMAC wildfire perimeter data.
//
// # Data Source
//
// GeoMAC publishes fire perimeters as plain directory listings on a file
// server, one tree per year and state:
//
//	/outgoing/GeoMAC/<year>_fire_data/<state>/<fire slug>/<report files>
//
// The year segment is either a four-digit year or the literal
// "current_year" for the season in progress. Each fire directory holds one
// shapefile per perimeter report (.shp geometry plus a .dbf attribute table
// with the same stem, along with .prj/.shx files we ignore).
//
// # Naming Conventions
//
// Fire slugs:
//
//	Underscores stand in for spaces and the slug may be percent-encoded:
//	"Canyon_Fire_2020" → "Canyon Fire 2020". A trailing underscore is part of
//	the name and is kept. See [FireNameFromSlug].
//
// Report files:
//
//	"<st>_<fire slug>_<YYYYMMDD>_<HHMM>_<datum>.shp"
//	e.g. "or_chetco_bar_20170901_0000_dd83.shp"
//	The timestamp starts ReportStampOffset characters past the slug length
//	(two-letter state code, underscore, slug, underscore) and is
//	ReportStampWidth characters wide. The separator between date and time is
//	an underscore or, in older trees, a space. See [ParseReportStamp].
//
// Attributes:
//
//	Acreage lives in "GISACRES" on older reports and "gisAcres" on newer ones.
//	"inciwebId" cross-references the InciWeb incident page when present.
//
// # Aggregation
//
// Reports of a fire are folded into its [FireRecord] in any order. Every
// fold is commutative and associative (bounding-box min/max, acreage max,
// first-present InciWeb id), so concurrent report tasks produce the same
// aggregate regardless of completion order. Forest overlap is the exception:
// it is taken only from the chronologically latest report.
package domain
