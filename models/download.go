// models/download.go
package models

import "fmt"

// DownloadTarget names one dataset file a caller wants on disk. Targets are
// resolved against the manifest before any network activity happens.
type DownloadTarget struct {
	ProductName string
	RegionID    string
	Year        int // 0 for static products
}

// Key returns the manifest identity this target resolves to.
func (t DownloadTarget) Key() ManifestKey {
	return ManifestKey{Product: t.ProductName, Region: t.RegionID, Year: t.Year}
}

func (t DownloadTarget) String() string {
	return t.Key().String()
}

// OutcomeStatus classifies the terminal state of one download target.
type OutcomeStatus string

const (
	// StatusFetched means the file was downloaded on this run and now sits
	// in the cache.
	StatusFetched OutcomeStatus = "fetched"
	// StatusSkipped means a valid cached copy already existed, so no
	// network request was made for the target.
	StatusSkipped OutcomeStatus = "skipped"
	// StatusFailed means the target could not be fetched after retries, or
	// was rejected before fetching (for example an unlisted dataset).
	StatusFailed OutcomeStatus = "failed"
)

// DownloadOutcome is the per-target result of a download run. Outcomes are
// reported in the same order as the targets that produced them.
type DownloadOutcome struct {
	Target    DownloadTarget
	Status    OutcomeStatus
	LocalPath string // populated for fetched and skipped targets
	ByteSize  int64
	Attempts  int   // network attempts made; 0 when skipped
	Err       error // populated only when Status is StatusFailed
}

// DownloadPlan is the dry-run view of a download run: what would be fetched,
// what is already cached, and how much data the fetches would move.
type DownloadPlan struct {
	RunID      string
	ToFetch    []ManifestEntry
	Cached     []ManifestEntry
	FetchBytes int64 // sum of ByteSize over ToFetch
}

func (p DownloadPlan) String() string {
	return fmt.Sprintf("%d to fetch (%d bytes), %d cached",
		len(p.ToFetch), p.FetchBytes, len(p.Cached))
}
