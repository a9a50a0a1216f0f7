// borders/borders.go
package borders

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/sirupsen/logrus"

	"github.com/popgrid/popgrid/utils"
)

var logger = logrus.WithField("component", "borders")

// RegionGeometry is one row of the border table: a region code, its display
// name and a simplified polygon outline. The outlines are deliberately
// low-resolution; they decide which files to download, nothing more.
type RegionGeometry struct {
	RegionID string
	Name     string
	Geometry orb.Geometry
}

// Table is the in-memory border lookup, loaded once per process and
// read-only afterwards.
type Table struct {
	regions map[string]RegionGeometry
}

// Load reads a GeoJSON FeatureCollection from disk and indexes its polygon
// features by ISO3 code. Features without a usable code or without polygon
// geometry are skipped.
func Load(path string) (*Table, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read border asset: %w", err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse border asset: %w", err)
	}

	t := &Table{regions: make(map[string]RegionGeometry, len(fc.Features))}
	for _, f := range fc.Features {
		code := utils.NormalizeRegionCode(stringProp(f.Properties,
			"iso3", "ISO3", "ISO_A3", "ISO3166-1-Alpha-3", "ADM0_A3"))
		if !utils.ValidRegionCode(code) {
			continue
		}
		switch f.Geometry.(type) {
		case orb.Polygon, orb.MultiPolygon:
		default:
			continue
		}
		t.regions[code] = RegionGeometry{
			RegionID: code,
			Name:     stringProp(f.Properties, "name", "NAME", "ADMIN"),
			Geometry: f.Geometry,
		}
	}
	if len(t.regions) == 0 {
		return nil, fmt.Errorf("border asset %s contains no usable regions", path)
	}
	logger.WithField("regions", len(t.regions)).Debug("Border table loaded")
	return t, nil
}

// EnsureAsset makes sure the border asset exists at path, downloading it
// from url on first use. The download is staged to a temp file and renamed
// so a crashed fetch never leaves a half-written asset behind.
func EnsureAsset(ctx context.Context, client *retryablehttp.Client, url, path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	logger.WithField("url", url).Info("Fetching border asset")

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create border asset directory: %w", err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build border asset request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch border asset: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("border asset fetch returned status %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".part*")
	if err != nil {
		return fmt.Errorf("failed to create border asset temp file: %w", err)
	}
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write border asset: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close border asset temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to install border asset: %w", err)
	}
	return nil
}

// Lookup returns the geometry for a normalized region code.
func (t *Table) Lookup(code string) (RegionGeometry, bool) {
	rg, ok := t.regions[code]
	return rg, ok
}

// Codes returns every known region code in sorted order.
func (t *Table) Codes() []string {
	codes := make([]string, 0, len(t.regions))
	for code := range t.regions {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// Len returns the number of regions in the table.
func (t *Table) Len() int {
	return len(t.regions)
}

// IntersectingBound returns the sorted codes of all regions whose outline
// intersects the given bounding box.
func (t *Table) IntersectingBound(b orb.Bound) []string {
	var codes []string
	for code, rg := range t.regions {
		if boundIntersects(rg.Geometry, b) {
			codes = append(codes, code)
		}
	}
	sort.Strings(codes)
	return codes
}

// Intersecting returns the sorted codes of all regions whose outline
// intersects the given geometry.
func (t *Table) Intersecting(g orb.Geometry) []string {
	var codes []string
	for code, rg := range t.regions {
		if geometriesIntersect(rg.Geometry, g) {
			codes = append(codes, code)
		}
	}
	sort.Strings(codes)
	return codes
}

func stringProp(props geojson.Properties, keys ...string) string {
	for _, k := range keys {
		if v, ok := props[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
