// popgrid.go
//
// Package popgrid downloads, caches and mosaics gridded population rasters
// from the WorldPop data service. The Client is the front door: give it a
// product name, an area of interest and optionally some years, and it
// resolves the area to country rasters, fetches whatever the local cache is
// missing and merges the pieces into one grid.
package popgrid

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/popgrid/popgrid/aoi"
	"github.com/popgrid/popgrid/borders"
	"github.com/popgrid/popgrid/cache"
	"github.com/popgrid/popgrid/catalog"
	"github.com/popgrid/popgrid/config"
	"github.com/popgrid/popgrid/fetch"
	"github.com/popgrid/popgrid/geocode"
	"github.com/popgrid/popgrid/metrics"
	"github.com/popgrid/popgrid/models"
	"github.com/popgrid/popgrid/raster"
)

var logger = logrus.WithField("component", "client")

// ErrNoCoverage reports that the manifest offers no raster for the resolved
// regions, product and years.
var ErrNoCoverage = errors.New("no matching rasters in manifest")

// Client bundles the manifest catalog, border table, disk cache and
// download orchestrator behind the one-call raster API. A Client is safe
// for concurrent use; Close releases the cache index when done.
type Client struct {
	cfg     *config.Config
	meta    *retryablehttp.Client
	catalog *catalog.Catalog
	store   *cache.Store
	fetcher *fetch.Orchestrator
	metrics *metrics.Collector

	geocoder aoi.Geocoder

	// The border table downloads lazily on the first spatial resolve, so a
	// warm-cache client works offline. Failures are retried on the next
	// call rather than sticking.
	mu       sync.Mutex
	resolver *aoi.Resolver
}

// Option tweaks client construction.
type Option func(*Client)

// WithMetrics attaches a collector; without it the client records nothing.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Client) { c.metrics = m }
}

// WithGeocoder swaps the Nominatim-backed geocoder for another resolver of
// place names.
func WithGeocoder(g aoi.Geocoder) Option {
	return func(c *Client) { c.geocoder = g }
}

// New builds a client from cfg. A nil cfg loads the default configuration
// chain (popgrid.yaml when present, then environment overrides).
func New(cfg *config.Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		var err error
		cfg, err = config.Load("")
		if err != nil {
			return nil, err
		}
	}

	store, err := cache.Open(cfg.Cache.Dir)
	if err != nil {
		return nil, err
	}

	c := &Client{cfg: cfg, store: store}
	for _, o := range opts {
		o(c)
	}

	c.meta = newMetadataClient(cfg)
	if c.geocoder == nil {
		c.geocoder = geocode.New(cfg.Remote.GeocoderURL, cfg.Remote.UserAgent, c.meta)
	}
	c.catalog = catalog.New(catalog.Options{
		ManifestURL: cfg.Remote.ManifestURL,
		DataBaseURL: cfg.Remote.DataBaseURL,
		LocalPath:   filepath.Join(cfg.Cache.Dir, "manifest.csv"),
		HTTPClient:  c.meta,
		Metrics:     c.metrics,
	})
	c.fetcher = fetch.New(c.catalog, store, fetch.Options{
		MaxParallel: cfg.Download.MaxParallel,
		Policy: fetch.RetryPolicy{
			MaxAttempts: cfg.Download.MaxAttempts,
			BaseDelay:   cfg.Download.BaseDelay,
			MaxDelay:    cfg.Download.MaxDelay,
		},
		AttemptTimeout: cfg.Download.AttemptTimeout,
		UserAgent:      cfg.Remote.UserAgent,
		HTTPClient:     &http.Client{},
		Metrics:        c.metrics,
	})

	logger.WithFields(logrus.Fields{
		"cache":    cfg.Cache.Dir,
		"manifest": cfg.Remote.ManifestURL,
	}).Debug("Client ready")
	return c, nil
}

// newMetadataClient builds the retrying client used for manifest, border
// and geocoder requests. Raster downloads retry in the fetch package with
// their own policy instead.
func newMetadataClient(cfg *config.Config) *retryablehttp.Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.Logger = nil
	rc.HTTPClient.Timeout = cfg.HTTP.Timeout
	return rc
}

// Close releases the cache index.
func (c *Client) Close() error {
	return c.store.Close()
}

// Config returns the effective configuration.
func (c *Client) Config() *config.Config {
	return c.cfg
}

// Manifest exposes the reconciled catalog, for listings and lookups beyond
// the download API.
func (c *Client) Manifest() *catalog.Catalog {
	return c.catalog
}

// Raster fetches every raster of the product covering the area, reusing the
// cache where it can, and mosaics the pieces into one result. Years apply
// to annual products only; leave them empty to get every available year,
// or pass nil for static products. Regions that fail to download are listed
// in the result's Missing field rather than failing the whole call.
func (c *Client) Raster(ctx context.Context, product string, area aoi.AOI, years []int, opts raster.Options) (*raster.AssembledRaster, error) {
	outcomes, err := c.Fetch(ctx, product, area, years)
	if err != nil {
		return nil, err
	}
	return raster.Assemble(ctx, product, outcomes, opts)
}

// Fetch downloads the rasters covering the area into the cache and reports
// one outcome per target, in resolution order.
func (c *Client) Fetch(ctx context.Context, product string, area aoi.AOI, years []int) ([]models.DownloadOutcome, error) {
	targets, err := c.resolveTargets(ctx, product, area, years)
	if err != nil {
		return nil, err
	}
	return c.fetcher.Execute(ctx, targets)
}

// Plan reports what a Fetch with the same arguments would download, without
// touching the network for raster data.
func (c *Client) Plan(ctx context.Context, product string, area aoi.AOI, years []int) (models.DownloadPlan, error) {
	targets, err := c.resolveTargets(ctx, product, area, years)
	if err != nil {
		return models.DownloadPlan{}, err
	}
	return c.fetcher.Plan(ctx, targets)
}

// ResolveAOI expands an area of interest into the region codes it covers,
// downloading the border asset on first use. A spatial AOI touching no
// region resolves to an empty list.
func (c *Client) ResolveAOI(ctx context.Context, area aoi.AOI) ([]string, error) {
	r, err := c.ensureResolver(ctx)
	if err != nil {
		return nil, err
	}
	return r.Resolve(ctx, area)
}

// RefreshManifest reconciles the local manifest against the provider and
// reports what changed.
func (c *Client) RefreshManifest(ctx context.Context) (models.ManifestDiff, error) {
	return c.catalog.Refresh(ctx)
}

// VerifyManifest cross-checks manifest entries for a product against the
// provider's directory listings.
func (c *Client) VerifyManifest(ctx context.Context, product string, regions ...string) (catalog.VerifyReport, error) {
	return c.catalog.Verify(ctx, product, regions...)
}

// PurgeCache removes cached rasters per opts and reports what was (or, on
// a dry run, would be) reclaimed.
func (c *Client) PurgeCache(opts cache.PurgeOptions) (models.PurgeSummary, error) {
	return c.store.Purge(opts)
}

// RepairCache deletes leftover staging files from interrupted runs.
func (c *Client) RepairCache() (int, error) {
	return c.store.Repair()
}

// CacheSize returns the total bytes of cached rasters.
func (c *Client) CacheSize() (int64, error) {
	return c.store.Size()
}

func (c *Client) resolveTargets(ctx context.Context, product string, area aoi.AOI, years []int) ([]models.DownloadTarget, error) {
	regions, err := c.ResolveAOI(ctx, area)
	if err != nil {
		return nil, err
	}
	if len(regions) == 0 {
		return nil, &aoi.ResolutionError{Reason: fmt.Sprintf("%s covers no region", area)}
	}
	entries, err := c.catalog.Lookup(ctx, product, regions, years)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: %s for %s", ErrNoCoverage, product, area)
	}
	targets := make([]models.DownloadTarget, len(entries))
	for i, e := range entries {
		targets[i] = models.DownloadTarget{
			ProductName: e.ProductName,
			RegionID:    e.RegionID,
			Year:        e.Year,
		}
	}
	return targets, nil
}

func (c *Client) ensureResolver(ctx context.Context) (*aoi.Resolver, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resolver != nil {
		return c.resolver, nil
	}

	path := c.cfg.Remote.BordersPath
	if path == "" {
		path = filepath.Join(c.cfg.Cache.Dir, "assets", "countries.geojson")
		if err := borders.EnsureAsset(ctx, c.meta, c.cfg.Remote.BordersURL, path); err != nil {
			return nil, fmt.Errorf("failed to prepare border table: %w", err)
		}
	}
	table, err := borders.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare border table: %w", err)
	}
	c.resolver = aoi.NewResolver(table, c.geocoder)
	return c.resolver, nil
}
