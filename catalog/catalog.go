// catalog/catalog.go
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/popgrid/popgrid/metrics"
	"github.com/popgrid/popgrid/models"
	"github.com/popgrid/popgrid/utils"
)

var logger = logrus.WithField("component", "catalog")

// ErrManifestUnavailable means the remote catalog could not be fetched and
// no local copy exists to fall back on.
var ErrManifestUnavailable = errors.New("manifest unavailable")

// ErrUnknownProduct means the requested product appears nowhere in the
// manifest.
var ErrUnknownProduct = errors.New("unknown data product")

// Options configures a Catalog.
type Options struct {
	// ManifestURL is the remote catalog CSV endpoint.
	ManifestURL string
	// DataBaseURL prefixes the manifest's relative raster paths.
	DataBaseURL string
	// LocalPath is where the reconciled manifest CSV is persisted.
	LocalPath string
	// HTTPClient is used for manifest and autoindex requests.
	HTTPClient *retryablehttp.Client
	// Metrics may be nil.
	Metrics *metrics.Collector
}

// Catalog is the manifest service: it reconciles the remote dataset catalog
// with a locally persisted copy and answers availability lookups. Refresh
// swaps the whole table atomically, so concurrent readers always observe
// either the old or the new manifest, never a mix.
type Catalog struct {
	opts Options

	mu      sync.RWMutex
	entries map[models.ManifestKey]models.ManifestEntry
	loaded  bool
}

// New creates a Catalog. No I/O happens until Ensure, Refresh or a lookup.
func New(opts Options) *Catalog {
	return &Catalog{opts: opts}
}

// Refresh fetches the remote catalog, diffs it against the local manifest,
// persists the new table atomically and swaps it in. A refresh that fails
// to reach the remote leaves the current table untouched; it returns
// ErrManifestUnavailable only when there is no local manifest either.
func (c *Catalog) Refresh(ctx context.Context) (models.ManifestDiff, error) {
	local, err := c.currentOrLoad()
	if err != nil {
		return models.ManifestDiff{}, err
	}

	raw, err := c.fetchRemote(ctx)
	if err != nil {
		if len(local) == 0 {
			return models.ManifestDiff{}, fmt.Errorf("%w: %v", ErrManifestUnavailable, err)
		}
		logger.WithError(err).Warn("Manifest refresh failed, keeping stale local manifest")
		return models.ManifestDiff{}, fmt.Errorf("manifest refresh failed: %w", err)
	}

	remote, err := parseRemote(raw, c.opts.DataBaseURL)
	if err != nil {
		if len(local) == 0 {
			return models.ManifestDiff{}, fmt.Errorf("%w: %v", ErrManifestUnavailable, err)
		}
		logger.WithError(err).Warn("Manifest parse failed, keeping stale local manifest")
		return models.ManifestDiff{}, fmt.Errorf("manifest refresh failed: %w", err)
	}

	diff := compare(local, remote)
	if err := persist(c.opts.LocalPath, remote); err != nil {
		return models.ManifestDiff{}, err
	}

	c.mu.Lock()
	c.entries = remote
	c.loaded = true
	c.mu.Unlock()

	c.opts.Metrics.RecordManifestRefresh(len(remote))
	logger.WithFields(logrus.Fields{
		"entries": len(remote),
		"diff":    diff.String(),
	}).Info("Manifest refreshed")
	return diff, nil
}

// Ensure makes the catalog usable: it attempts a refresh, and if the remote
// is unreachable serves the stale local manifest with a warning. It fails
// with ErrManifestUnavailable only when neither source exists.
func (c *Catalog) Ensure(ctx context.Context) error {
	c.mu.RLock()
	loaded := c.loaded
	c.mu.RUnlock()
	if loaded {
		return nil
	}

	_, err := c.Refresh(ctx)
	if err == nil || !errors.Is(err, ErrManifestUnavailable) {
		// A non-fatal refresh failure leaves the stale table loaded.
		c.mu.RLock()
		loaded := c.loaded
		c.mu.RUnlock()
		if loaded {
			return nil
		}
	}
	return err
}

// Lookup returns the manifest entries for product over the given regions
// and years. Combinations absent from the manifest are silently excluded;
// the caller sees only what can actually be fetched. Static products reject
// explicit years; annual products treat an empty year list as "all
// available years".
func (c *Catalog) Lookup(ctx context.Context, product string, regionIDs []string, years []int) ([]models.ManifestEntry, error) {
	if err := c.Ensure(ctx); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	annual, known := c.productKind(product)
	if !known {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProduct, product)
	}
	if !annual && len(years) > 0 {
		return nil, fmt.Errorf("static product %q takes no years", product)
	}

	lookupYears := years
	if annual && len(lookupYears) == 0 {
		lookupYears = c.yearsForLocked(product)
	}
	if !annual {
		lookupYears = []int{0}
	}

	var found []models.ManifestEntry
	for _, raw := range regionIDs {
		region := utils.NormalizeRegionCode(raw)
		for _, year := range lookupYears {
			key := models.ManifestKey{Product: product, Region: region, Year: year}
			if e, ok := c.entries[key]; ok {
				found = append(found, e)
			}
		}
	}
	return found, nil
}

// Entry returns the manifest entry for one key, if present.
func (c *Catalog) Entry(key models.ManifestKey) (models.ManifestEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	return e, ok
}

// Len returns the number of manifest entries currently loaded.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Products returns all product names, sorted.
func (c *Catalog) Products() []string {
	return c.productNames(func(annual bool) bool { return true })
}

// AnnualProducts returns the products with at least one year available.
func (c *Catalog) AnnualProducts() []string {
	return c.productNames(func(annual bool) bool { return annual })
}

// StaticProducts returns the products without year identifiers.
func (c *Catalog) StaticProducts() []string {
	return c.productNames(func(annual bool) bool { return !annual })
}

// Regions returns every region code with at least one dataset, sorted.
func (c *Catalog) Regions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	seen := make(map[string]bool)
	for key := range c.entries {
		seen[key.Region] = true
	}
	regions := make([]string, 0, len(seen))
	for r := range seen {
		regions = append(regions, r)
	}
	sort.Strings(regions)
	return regions
}

// YearsFor returns the sorted years available for an annual product. Static
// or unknown products yield an empty slice.
func (c *Catalog) YearsFor(product string) []int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.yearsForLocked(product)
}

func (c *Catalog) yearsForLocked(product string) []int {
	seen := make(map[int]bool)
	for key := range c.entries {
		if key.Product == product && key.Year != 0 {
			seen[key.Year] = true
		}
	}
	years := make([]int, 0, len(seen))
	for y := range seen {
		years = append(years, y)
	}
	sort.Ints(years)
	return years
}

// productKind reports whether product exists and whether it is annual.
func (c *Catalog) productKind(product string) (annual, known bool) {
	for key := range c.entries {
		if key.Product == product {
			return key.Year != 0, true
		}
	}
	return false, false
}

func (c *Catalog) productNames(keep func(annual bool) bool) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	kind := make(map[string]bool)
	for key := range c.entries {
		kind[key.Product] = key.Year != 0
	}
	var names []string
	for name, annual := range kind {
		if keep(annual) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// currentOrLoad returns the in-memory table, loading the persisted manifest
// on first use.
func (c *Catalog) currentOrLoad() (map[models.ManifestKey]models.ManifestEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded {
		return c.entries, nil
	}
	entries, err := loadLocal(c.opts.LocalPath)
	if err != nil {
		return nil, err
	}
	if len(entries) > 0 {
		c.entries = entries
		c.loaded = true
		logger.WithField("entries", len(entries)).Debug("Loaded persisted manifest")
	}
	return entries, nil
}

func (c *Catalog) fetchRemote(ctx context.Context) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.opts.ManifestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build manifest request: %w", err)
	}
	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("manifest fetch failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("manifest fetch returned status %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("manifest read failed: %w", err)
	}
	return raw, nil
}

// compare produces the refresh diff between the previous and the freshly
// fetched manifest tables. Keys present on both sides count as changed when
// the version tag or the byte size moved.
func compare(prev, fresh map[models.ManifestKey]models.ManifestEntry) models.ManifestDiff {
	var diff models.ManifestDiff
	for key, entry := range fresh {
		before, ok := prev[key]
		switch {
		case !ok:
			diff.Added = append(diff.Added, key)
		case before.VersionTag != entry.VersionTag || before.ByteSize != entry.ByteSize:
			diff.Changed = append(diff.Changed, key)
		}
	}
	for key := range prev {
		if _, ok := fresh[key]; !ok {
			diff.Removed = append(diff.Removed, key)
		}
	}
	sortKeys(diff.Added)
	sortKeys(diff.Changed)
	sortKeys(diff.Removed)
	return diff
}

func sortKeys(keys []models.ManifestKey) {
	sort.Slice(keys, func(i, j int) bool { return lessKey(keys[i], keys[j]) })
}
