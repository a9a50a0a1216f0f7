// catalog/catalog_test.go
package catalog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/popgrid/popgrid/models"
)

// fakeProvider is a stand-in for the data service: a swappable manifest CSV
// and a switch to simulate the remote being down.
type fakeProvider struct {
	mu   sync.Mutex
	csv  string
	down bool
}

func (p *fakeProvider) set(csv string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.csv = csv
}

func (p *fakeProvider) setDown(down bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.down = down
}

func (p *fakeProvider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.down {
		http.Error(w, "down for maintenance", http.StatusInternalServerError)
		return
	}
	w.Write([]byte(p.csv))
}

func newTestHTTPClient() *retryablehttp.Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 0
	rc.Logger = nil
	return rc
}

func newTestCatalog(t *testing.T, provider *fakeProvider) (*Catalog, string) {
	t.Helper()
	srv := httptest.NewServer(provider)
	t.Cleanup(srv.Close)

	localPath := filepath.Join(t.TempDir(), "manifest.csv")
	c := New(Options{
		ManifestURL: srv.URL + "/assets/manifest.csv",
		DataBaseURL: srv.URL,
		LocalPath:   localPath,
		HTTPClient:  newTestHTTPClient(),
	})
	return c, localPath
}

func TestRefreshAddsEntries(t *testing.T) {
	provider := &fakeProvider{csv: sampleRemoteCSV}
	c, localPath := newTestCatalog(t, provider)

	diff, err := c.Refresh(context.Background())
	require.NoError(t, err)
	assert.Len(t, diff.Added, 4)
	assert.Empty(t, diff.Changed)
	assert.Empty(t, diff.Removed)
	assert.Equal(t, 4, c.Len())

	_, err = os.Stat(localPath)
	assert.NoError(t, err, "refresh should persist the manifest")
}

func TestRefreshIdempotent(t *testing.T) {
	provider := &fakeProvider{csv: sampleRemoteCSV}
	c, localPath := newTestCatalog(t, provider)

	_, err := c.Refresh(context.Background())
	require.NoError(t, err)
	before, err := os.ReadFile(localPath)
	require.NoError(t, err)

	diff, err := c.Refresh(context.Background())
	require.NoError(t, err)
	assert.True(t, diff.Empty(), "second refresh should see no changes, got %s", diff)

	after, err := os.ReadFile(localPath)
	require.NoError(t, err)
	assert.Equal(t, before, after, "unchanged refresh must not alter the persisted manifest")
}

func TestRefreshDetectsChangeAndRemoval(t *testing.T) {
	provider := &fakeProvider{csv: sampleRemoteCSV}
	c, _ := newTestCatalog(t, provider)

	_, err := c.Refresh(context.Background())
	require.NoError(t, err)

	// Bump one version tag and drop the static product.
	provider.set(`idx,country_numeric,iso3,country_name,dataset_name,remote_path,description,version_tag,byte_size
0,288,GHA,Ghana,ppp_2019,GIS/Population/GHA/ppp_2019.tif,Population,v2,100
1,288,GHA,Ghana,ppp_2020,GIS/Population/GHA/ppp_2020.tif,Population,v1,120
2,566,NGA,Nigeria,ppp_2020,GIS/Population/NGA/ppp_2020.tif,Population,v1,200
`)

	diff, err := c.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []models.ManifestKey{{Product: "ppp", Region: "GHA", Year: 2019}}, diff.Changed)
	assert.Equal(t, []models.ManifestKey{{Product: "roads", Region: "GHA", Year: 0}}, diff.Removed)
	assert.Empty(t, diff.Added)
	assert.Equal(t, 3, c.Len())
}

func TestRefreshNoRemoteNoLocal(t *testing.T) {
	provider := &fakeProvider{down: true}
	c, _ := newTestCatalog(t, provider)

	_, err := c.Refresh(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrManifestUnavailable)

	err = c.Ensure(context.Background())
	assert.ErrorIs(t, err, ErrManifestUnavailable)
}

func TestRefreshKeepsStaleOnFailure(t *testing.T) {
	provider := &fakeProvider{csv: sampleRemoteCSV}
	c, localPath := newTestCatalog(t, provider)

	_, err := c.Refresh(context.Background())
	require.NoError(t, err)
	provider.setDown(true)

	_, err = c.Refresh(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrManifestUnavailable)
	assert.Equal(t, 4, c.Len(), "failed refresh must keep the previous table")

	// A fresh catalog over the same persisted manifest still comes up, on
	// stale data, while the remote stays down.
	c2 := New(Options{
		ManifestURL: c.opts.ManifestURL,
		DataBaseURL: c.opts.DataBaseURL,
		LocalPath:   localPath,
		HTTPClient:  newTestHTTPClient(),
	})
	require.NoError(t, c2.Ensure(context.Background()))
	assert.Equal(t, 4, c2.Len())
}

func TestLookup(t *testing.T) {
	provider := &fakeProvider{csv: sampleRemoteCSV}
	c, _ := newTestCatalog(t, provider)
	ctx := context.Background()

	t.Run("unknown product", func(t *testing.T) {
		_, err := c.Lookup(ctx, "nope", []string{"GHA"}, nil)
		assert.ErrorIs(t, err, ErrUnknownProduct)
	})

	t.Run("static with years", func(t *testing.T) {
		_, err := c.Lookup(ctx, "roads", []string{"GHA"}, []int{2020})
		assert.Error(t, err)
	})

	t.Run("static", func(t *testing.T) {
		entries, err := c.Lookup(ctx, "roads", []string{"GHA"}, nil)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, 0, entries[0].Year)
	})

	t.Run("annual empty years means all", func(t *testing.T) {
		entries, err := c.Lookup(ctx, "ppp", []string{"GHA"}, nil)
		require.NoError(t, err)
		assert.Len(t, entries, 2)
	})

	t.Run("absent combinations silently excluded", func(t *testing.T) {
		entries, err := c.Lookup(ctx, "ppp", []string{"GHA", "NGA"}, []int{2019, 2020})
		require.NoError(t, err)
		// NGA has no 2019 dataset; the other three combinations exist.
		assert.Len(t, entries, 3)
	})

	t.Run("region codes normalized", func(t *testing.T) {
		entries, err := c.Lookup(ctx, "ppp", []string{" gha "}, []int{2020})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "GHA", entries[0].RegionID)
	})
}

func TestProductListings(t *testing.T) {
	provider := &fakeProvider{csv: sampleRemoteCSV}
	c, _ := newTestCatalog(t, provider)
	require.NoError(t, c.Ensure(context.Background()))

	assert.Equal(t, []string{"ppp", "roads"}, c.Products())
	assert.Equal(t, []string{"ppp"}, c.AnnualProducts())
	assert.Equal(t, []string{"roads"}, c.StaticProducts())
	assert.Equal(t, []string{"GHA", "NGA"}, c.Regions())
	assert.Equal(t, []int{2019, 2020}, c.YearsFor("ppp"))
	assert.Empty(t, c.YearsFor("roads"))
}
