// models/cache.go
package models

import (
	"fmt"
	"time"
)

// CacheKey is the identity of a file in the local cache. It extends the
// manifest key with the version tag so that a version bump produces a new
// cache entry rather than silently reusing a stale file.
type CacheKey struct {
	Product string
	Region  string
	Year    int // 0 for static products
	Version string
}

// CacheKey derives the cache identity of a manifest entry.
func (e ManifestEntry) CacheKey() CacheKey {
	return CacheKey{
		Product: e.ProductName,
		Region:  e.RegionID,
		Year:    e.Year,
		Version: e.VersionTag,
	}
}

// String renders the key in its canonical index form. The cache store also
// derives on-disk file names from this identity.
func (k CacheKey) String() string {
	if k.Year == 0 {
		return fmt.Sprintf("%s|%s|v%s", k.Product, k.Region, k.Version)
	}
	return fmt.Sprintf("%s|%s|%d|v%s", k.Product, k.Region, k.Year, k.Version)
}

// CacheRecord is the index entry kept for every cached file. The filesystem
// remains authoritative: a record whose file is missing is treated as absent
// and repaired on the next scan.
type CacheRecord struct {
	Key        string    `json:"key"`
	Product    string    `json:"product"`
	Region     string    `json:"region"`
	Year       int       `json:"year,omitempty"`
	Version    string    `json:"version"`
	LocalPath  string    `json:"local_path"`
	ByteSize   int64     `json:"byte_size"`
	FetchedAt  time.Time `json:"fetched_at"`
	VerifiedAt time.Time `json:"verified_at"`
}

// PurgeSummary reports what a cache purge removed, or would remove when the
// purge ran in dry-run mode.
type PurgeSummary struct {
	DryRun         bool
	Files          []string
	BytesReclaimed int64
}

func (s PurgeSummary) String() string {
	verb := "removed"
	if s.DryRun {
		verb = "would remove"
	}
	return fmt.Sprintf("%s %d files (%d bytes)", verb, len(s.Files), s.BytesReclaimed)
}
