// aoi/resolver.go
package aoi

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/sirupsen/logrus"

	"github.com/popgrid/popgrid/borders"
	"github.com/popgrid/popgrid/geocode"
	"github.com/popgrid/popgrid/utils"
)

var logger = logrus.WithField("component", "aoi")

// kmPerDegree is the approximate surface length of one degree of latitude.
const kmPerDegree = 111.32

// Geocoder turns a place name into its best-match coordinate. Satisfied by
// *geocode.Client.
type Geocoder interface {
	Search(ctx context.Context, query string) (geocode.Match, error)
}

// Resolver converts AOI values into region code lists using the border
// table for all spatial tests.
type Resolver struct {
	borders  *borders.Table
	geocoder Geocoder
}

// NewResolver creates a resolver. The geocoder may be nil, in which case
// place-name AOIs fail with a ResolutionError.
func NewResolver(t *borders.Table, g Geocoder) *Resolver {
	return &Resolver{borders: t, geocoder: g}
}

// Resolve turns an AOI into the list of region codes it covers. Explicit
// region lists come back in caller order; spatial variants come back sorted.
// A spatial AOI that touches no region resolves to an empty list, not an
// error; callers needing data treat that as a request-level failure.
func (r *Resolver) Resolve(ctx context.Context, a AOI) ([]string, error) {
	switch a.kind {
	case kindRegions:
		return r.resolveRegions(a.regions)
	case kindBound:
		return r.resolveBound(a.bound)
	case kindGeometry:
		if a.geom == nil {
			return nil, &ResolutionError{Reason: "nil geometry"}
		}
		return r.borders.Intersecting(a.geom), nil
	case kindPlace:
		return r.resolvePlace(ctx, a)
	}
	return nil, &ResolutionError{Reason: "empty AOI"}
}

func (r *Resolver) resolveRegions(codes []string) ([]string, error) {
	var resolved []string
	var unknown []string
	seen := make(map[string]bool, len(codes))
	for _, raw := range codes {
		code := utils.NormalizeRegionCode(raw)
		if seen[code] {
			continue
		}
		seen[code] = true
		if _, ok := r.borders.Lookup(code); !ok {
			unknown = append(unknown, code)
			continue
		}
		resolved = append(resolved, code)
	}
	if len(unknown) > 0 {
		return nil, &UnknownRegionError{Codes: unknown}
	}
	if len(resolved) == 0 {
		return nil, &ResolutionError{Reason: "no region codes given"}
	}
	return resolved, nil
}

func (r *Resolver) resolveBound(b orb.Bound) ([]string, error) {
	if err := validateBound(b); err != nil {
		return nil, err
	}
	codes := r.borders.IntersectingBound(b)
	logger.WithFields(logrus.Fields{
		"bbox":    fmt.Sprintf("%v", b),
		"regions": len(codes),
	}).Debug("Resolved bounding box")
	return codes, nil
}

func (r *Resolver) resolvePlace(ctx context.Context, a AOI) ([]string, error) {
	if a.place == "" {
		return nil, &ResolutionError{Reason: "empty place name"}
	}
	if a.radiusKm <= 0 {
		return nil, &ResolutionError{
			Reason: fmt.Sprintf("place radius must be positive, got %g km", a.radiusKm),
		}
	}
	if r.geocoder == nil {
		return nil, &ResolutionError{Reason: "no geocoder configured"}
	}

	match, err := r.geocoder.Search(ctx, a.place)
	if err != nil {
		if errors.Is(err, geocode.ErrNoMatch) {
			return nil, &ResolutionError{
				Reason: fmt.Sprintf("no geocoding result for %q", a.place),
				Err:    err,
			}
		}
		return nil, &ResolutionError{Reason: "geocoding failed", Err: err}
	}
	logger.WithFields(logrus.Fields{
		"place": a.place,
		"match": match.DisplayName,
	}).Debug("Resolved place name")

	return r.resolveBound(radiusBound(match.Lat, match.Lon, a.radiusKm))
}

// radiusBound expands a point into the bounding box of a radiusKm circle.
// Longitude degrees shrink with latitude; results are clamped to the valid
// coordinate range rather than wrapped across the antimeridian.
func radiusBound(lat, lon, radiusKm float64) orb.Bound {
	dLat := radiusKm / kmPerDegree
	cosLat := math.Cos(lat * math.Pi / 180)
	if cosLat < 0.01 {
		cosLat = 0.01
	}
	dLon := radiusKm / (kmPerDegree * cosLat)
	return orb.Bound{
		Min: orb.Point{clamp(lon-dLon, -180, 180), clamp(lat-dLat, -90, 90)},
		Max: orb.Point{clamp(lon+dLon, -180, 180), clamp(lat+dLat, -90, 90)},
	}
}

func validateBound(b orb.Bound) error {
	minLon, minLat := b.Min[0], b.Min[1]
	maxLon, maxLat := b.Max[0], b.Max[1]
	switch {
	case minLon < -180 || maxLon > 180:
		return &ResolutionError{Reason: fmt.Sprintf("longitude out of range [-180,180]: %g..%g", minLon, maxLon)}
	case minLat < -90 || maxLat > 90:
		return &ResolutionError{Reason: fmt.Sprintf("latitude out of range [-90,90]: %g..%g", minLat, maxLat)}
	case minLon >= maxLon:
		return &ResolutionError{Reason: fmt.Sprintf("min longitude %g not below max %g", minLon, maxLon)}
	case minLat >= maxLat:
		return &ResolutionError{Reason: fmt.Sprintf("min latitude %g not below max %g", minLat, maxLat)}
	}
	return nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
