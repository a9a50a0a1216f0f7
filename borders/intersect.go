// borders/intersect.go
package borders

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/clip"
	"github.com/paulmach/orb/planar"
)

// boundIntersects reports whether a polygonal geometry overlaps a bounding
// box. Clipping handles the case where the box sits entirely inside the
// polygon without touching any vertex.
func boundIntersects(g orb.Geometry, b orb.Bound) bool {
	if g == nil || !b.Intersects(g.Bound()) {
		return false
	}
	// clip uses its input as scratch space, so work on a copy.
	return clip.Geometry(b, orb.Clone(g)) != nil
}

// geometriesIntersect is a planar overlap test between two geometries:
// mutual vertex containment plus edge crossings. Exact enough for the
// simplified border outlines it is used with.
func geometriesIntersect(a, b orb.Geometry) bool {
	if a == nil || b == nil {
		return false
	}
	if !a.Bound().Intersects(b.Bound()) {
		return false
	}
	for _, pt := range vertices(b) {
		if containsPoint(a, pt) {
			return true
		}
	}
	for _, pt := range vertices(a) {
		if containsPoint(b, pt) {
			return true
		}
	}
	for _, s := range segments(a) {
		for _, t := range segments(b) {
			if segmentsCross(s, t) {
				return true
			}
		}
	}
	return false
}

func containsPoint(g orb.Geometry, pt orb.Point) bool {
	switch g := g.(type) {
	case orb.Polygon:
		return planar.PolygonContains(g, pt)
	case orb.MultiPolygon:
		return planar.MultiPolygonContains(g, pt)
	case orb.Bound:
		return g.Contains(pt)
	}
	return false
}

func rings(g orb.Geometry) []orb.Ring {
	switch g := g.(type) {
	case orb.Ring:
		return []orb.Ring{g}
	case orb.Polygon:
		return g
	case orb.MultiPolygon:
		var rs []orb.Ring
		for _, p := range g {
			rs = append(rs, p...)
		}
		return rs
	case orb.Bound:
		return []orb.Ring{g.ToRing()}
	}
	return nil
}

func vertices(g orb.Geometry) []orb.Point {
	switch g := g.(type) {
	case orb.Point:
		return []orb.Point{g}
	case orb.MultiPoint:
		return g
	case orb.LineString:
		return g
	case orb.MultiLineString:
		var pts []orb.Point
		for _, ls := range g {
			pts = append(pts, ls...)
		}
		return pts
	}
	var pts []orb.Point
	for _, r := range rings(g) {
		pts = append(pts, r...)
	}
	return pts
}

type segment struct {
	a, b orb.Point
}

func segments(g orb.Geometry) []segment {
	var segs []segment
	add := func(pts []orb.Point) {
		for i := 1; i < len(pts); i++ {
			segs = append(segs, segment{pts[i-1], pts[i]})
		}
	}
	switch g := g.(type) {
	case orb.LineString:
		add(g)
	case orb.MultiLineString:
		for _, ls := range g {
			add(ls)
		}
	default:
		for _, r := range rings(g) {
			add(r)
		}
	}
	return segs
}

// segmentsCross is the standard orientation test, treating collinear
// touches as crossings.
func segmentsCross(s, t segment) bool {
	d1 := orient(t.a, t.b, s.a)
	d2 := orient(t.a, t.b, s.b)
	d3 := orient(s.a, s.b, t.a)
	d4 := orient(s.a, s.b, t.b)
	if ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) &&
		((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0)) {
		return true
	}
	switch {
	case d1 == 0 && onSegment(t.a, t.b, s.a):
		return true
	case d2 == 0 && onSegment(t.a, t.b, s.b):
		return true
	case d3 == 0 && onSegment(s.a, s.b, t.a):
		return true
	case d4 == 0 && onSegment(s.a, s.b, t.b):
		return true
	}
	return false
}

func orient(a, b, c orb.Point) float64 {
	return (b[0]-a[0])*(c[1]-a[1]) - (b[1]-a[1])*(c[0]-a[0])
}

func onSegment(a, b, p orb.Point) bool {
	return min(a[0], b[0]) <= p[0] && p[0] <= max(a[0], b[0]) &&
		min(a[1], b[1]) <= p[1] && p[1] <= max(a[1], b[1])
}
