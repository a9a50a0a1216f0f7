// models/models_test.go
package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestManifestKeyString(t *testing.T) {
	annual := ManifestKey{Product: "ppp", Region: "GHA", Year: 2020}
	assert.Equal(t, "ppp/GHA/2020", annual.String())

	static := ManifestKey{Product: "roads", Region: "GHA"}
	assert.Equal(t, "roads/GHA", static.String())
}

func TestManifestEntryIdentity(t *testing.T) {
	entry := ManifestEntry{
		ProductName: "ppp",
		RegionID:    "GHA",
		Year:        2020,
		SourceURL:   "https://data.test/ppp_2020.tif",
		VersionTag:  "2.1",
		ByteSize:    123,
	}

	assert.True(t, entry.IsAnnual())
	assert.Equal(t, ManifestKey{Product: "ppp", Region: "GHA", Year: 2020}, entry.Key())

	static := ManifestEntry{ProductName: "roads", RegionID: "GHA", VersionTag: "1"}
	assert.False(t, static.IsAnnual())
}

func TestCacheKeyString(t *testing.T) {
	annual := CacheKey{Product: "ppp", Region: "GHA", Year: 2020, Version: "2.1"}
	assert.Equal(t, "ppp|GHA|2020|v2.1", annual.String())

	static := CacheKey{Product: "roads", Region: "GHA", Version: "1"}
	assert.Equal(t, "roads|GHA|v1", static.String())
}

func TestCacheKeySeparatesVersions(t *testing.T) {
	v1 := ManifestEntry{ProductName: "ppp", RegionID: "GHA", Year: 2020, VersionTag: "1"}
	v2 := ManifestEntry{ProductName: "ppp", RegionID: "GHA", Year: 2020, VersionTag: "2"}

	assert.Equal(t, v1.Key(), v2.Key(), "a version bump is the same dataset")
	assert.NotEqual(t, v1.CacheKey(), v2.CacheKey(), "but a different cached file")
}

func TestDownloadTargetString(t *testing.T) {
	target := DownloadTarget{ProductName: "ppp", RegionID: "GHA", Year: 2020}
	assert.Equal(t, "ppp/GHA/2020", target.String())
}

func TestManifestDiff(t *testing.T) {
	assert.True(t, ManifestDiff{}.Empty())

	diff := ManifestDiff{
		Added:   []ManifestKey{{Product: "ppp", Region: "GHA", Year: 2020}},
		Changed: []ManifestKey{{Product: "ppp", Region: "NGA", Year: 2020}, {Product: "roads", Region: "GHA"}},
	}
	assert.False(t, diff.Empty())
	assert.Equal(t, "1 added, 2 changed, 0 removed", diff.String())
}

func TestDownloadPlanString(t *testing.T) {
	plan := DownloadPlan{
		ToFetch:    []ManifestEntry{{ByteSize: 100}, {ByteSize: 200}},
		Cached:     []ManifestEntry{{ByteSize: 50}},
		FetchBytes: 300,
	}
	assert.Equal(t, "2 to fetch (300 bytes), 1 cached", plan.String())
}

func TestPurgeSummaryString(t *testing.T) {
	applied := PurgeSummary{Files: []string{"a", "b"}, BytesReclaimed: 10}
	assert.Equal(t, "removed 2 files (10 bytes)", applied.String())

	dry := PurgeSummary{DryRun: true, Files: []string{"a"}, BytesReclaimed: 4}
	assert.Equal(t, "would remove 1 files (4 bytes)", dry.String())
}
