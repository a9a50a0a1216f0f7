// aoi/aoi.go
package aoi

import (
	"fmt"
	"strings"

	"github.com/paulmach/orb"
)

// AOI is an area of interest: the geography a caller wants data for. It is a
// closed set of variants built through the constructors below; there is no
// way to smuggle in an unsupported shape at runtime.
type AOI struct {
	kind     kind
	regions  []string
	bound    orb.Bound
	geom     orb.Geometry
	place    string
	radiusKm float64
}

type kind int

const (
	kindNone kind = iota
	kindRegions
	kindBound
	kindGeometry
	kindPlace
)

// Regions selects an explicit list of region codes. The codes are validated
// against the border table at resolution time and returned verbatim.
func Regions(codes ...string) AOI {
	return AOI{kind: kindRegions, regions: codes}
}

// BoundingBox selects every region intersecting the given box. Coordinates
// are degrees on EPSG:4326; validation happens at resolution time.
func BoundingBox(minLon, minLat, maxLon, maxLat float64) AOI {
	return AOI{
		kind: kindBound,
		bound: orb.Bound{
			Min: orb.Point{minLon, minLat},
			Max: orb.Point{maxLon, maxLat},
		},
	}
}

// Geometry selects every region intersecting an arbitrary geometry.
func Geometry(g orb.Geometry) AOI {
	return AOI{kind: kindGeometry, geom: g}
}

// Place selects every region intersecting a circle of radiusKm around a
// geocoded place name.
func Place(name string, radiusKm float64) AOI {
	return AOI{kind: kindPlace, place: name, radiusKm: radiusKm}
}

func (a AOI) String() string {
	switch a.kind {
	case kindRegions:
		return "regions(" + strings.Join(a.regions, ",") + ")"
	case kindBound:
		return fmt.Sprintf("bbox(%g,%g,%g,%g)",
			a.bound.Min[0], a.bound.Min[1], a.bound.Max[0], a.bound.Max[1])
	case kindGeometry:
		if a.geom == nil {
			return "geometry(nil)"
		}
		return fmt.Sprintf("geometry(%s)", a.geom.GeoJSONType())
	case kindPlace:
		return fmt.Sprintf("place(%q,%gkm)", a.place, a.radiusKm)
	}
	return "aoi(empty)"
}

// UnknownRegionError reports explicit region codes absent from the border
// table. It is fatal to the triggering request and never retried.
type UnknownRegionError struct {
	Codes []string
}

func (e *UnknownRegionError) Error() string {
	return fmt.Sprintf("unknown region code(s): %s", strings.Join(e.Codes, ", "))
}

// ResolutionError reports an AOI that could not be turned into regions, for
// example a place name the geocoder cannot find or a malformed bounding box.
type ResolutionError struct {
	Reason string
	Err    error
}

func (e *ResolutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("aoi resolution failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("aoi resolution failed: %s", e.Reason)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}
