// models/manifest.go
package models

import "fmt"

// ManifestEntry describes one downloadable raster file advertised by the
// remote catalog: a data product for a single region and, for annual
// products, a single year. Entries are unique per (product, region, year)
// and are only ever replaced wholesale by a catalog refresh.
type ManifestEntry struct {
	ProductName string `csv:"product_name"`
	RegionID    string `csv:"region_id"`
	Year        int    `csv:"year,omitempty"` // 0 for static products
	SourceURL   string `csv:"source_url"`
	VersionTag  string `csv:"version_tag"`
	ByteSize    int64  `csv:"byte_size"`
}

// IsAnnual reports whether the entry belongs to an annual product.
// Static products carry no year.
func (e ManifestEntry) IsAnnual() bool {
	return e.Year != 0
}

// Key returns the identity under which manifest entries are compared.
func (e ManifestEntry) Key() ManifestKey {
	return ManifestKey{Product: e.ProductName, Region: e.RegionID, Year: e.Year}
}

// ManifestKey identifies a manifest entry. Two entries with the same key but
// different VersionTag or ByteSize are considered a change of the same
// dataset, not two datasets.
type ManifestKey struct {
	Product string
	Region  string
	Year    int
}

func (k ManifestKey) String() string {
	if k.Year == 0 {
		return fmt.Sprintf("%s/%s", k.Product, k.Region)
	}
	return fmt.Sprintf("%s/%s/%d", k.Product, k.Region, k.Year)
}

// ManifestDiff summarises how a catalog refresh changed the locally persisted
// manifest. A key lands in Changed when it exists on both sides but the
// version tag or byte size differs.
type ManifestDiff struct {
	Added   []ManifestKey
	Changed []ManifestKey
	Removed []ManifestKey
}

// Empty reports whether the refresh found the remote catalog identical to
// the local copy.
func (d ManifestDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Changed) == 0 && len(d.Removed) == 0
}

func (d ManifestDiff) String() string {
	return fmt.Sprintf("%d added, %d changed, %d removed",
		len(d.Added), len(d.Changed), len(d.Removed))
}
