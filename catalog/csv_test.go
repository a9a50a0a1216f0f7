// catalog/csv_test.go
package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/popgrid/popgrid/models"
)

func TestExtractYear(t *testing.T) {
	testCases := []struct {
		name    string
		dataset string
		year    int
		wantErr bool
	}{
		{"plain annual", "ppp_2020", 2020, false},
		{"year mid-name", "some_dataset_2020_constrained", 2020, false},
		{"no year", "bad_name", 0, true},
		{"implausibly old", "bad_name_1889", 0, true},
		{"implausibly futuristic", "ppp_2999", 0, true},
		{"two years", "foo_2020_to_2021", 0, true},
		{"same year twice", "foo_2020_to_2020", 0, true},
		{"empty", "", 0, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			year, err := ExtractYear(tc.dataset)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.year, year)
		})
	}
}

func TestSplitDatasetName(t *testing.T) {
	testCases := []struct {
		dataset string
		product string
		year    int
	}{
		{"ppp_2020", "ppp", 2020},
		{"some_dataset_2020_constrained", "some_dataset_constrained", 2020},
		{"roads", "roads", 0},
		{"foo_2020_to_2020", "foo_2020_to_2020", 0},
	}
	for _, tc := range testCases {
		t.Run(tc.dataset, func(t *testing.T) {
			product, year := SplitDatasetName(tc.dataset)
			assert.Equal(t, tc.product, product)
			assert.Equal(t, tc.year, year)
		})
	}
}

const sampleRemoteCSV = `idx,country_numeric,iso3,country_name,dataset_name,remote_path,description,version_tag,byte_size
0,288,GHA,Ghana,ppp_2019,GIS/Population/GHA/ppp_2019.tif,Population,v1,100
1,288,GHA,Ghana,ppp_2020,GIS/Population/GHA/ppp_2020.tif,Population,v1,120
2,566,NGA,Nigeria,ppp_2020,/GIS/Population/NGA/ppp_2020.tif,Population,v1,200
3,288,GHA,Ghana,roads,GIS/Roads/GHA/roads.tif,Road network,v1,50
4,0,??,Nowhere,ppp_2020,GIS/Population/XXX/ppp_2020.tif,Bad region,v1,10
5,288,GHA,Ghana,ppp_2020,GIS/Population/GHA/ppp_2020_dup.tif,Duplicate,v1,10
6,288,GHA,Ghana,notes_2020,GIS/Notes/GHA/notes_2020.txt,Not a raster,v1,10
`

func TestParseRemote(t *testing.T) {
	entries, err := parseRemote([]byte(sampleRemoteCSV), "https://data.example.org/")
	require.NoError(t, err)

	// Bad region, duplicate and non-tif rows are skipped.
	assert.Len(t, entries, 4)

	e, ok := entries[models.ManifestKey{Product: "ppp", Region: "GHA", Year: 2019}]
	require.True(t, ok)
	assert.Equal(t, "https://data.example.org/GIS/Population/GHA/ppp_2019.tif", e.SourceURL)
	assert.Equal(t, int64(100), e.ByteSize)
	assert.Equal(t, "v1", e.VersionTag)
	assert.True(t, e.IsAnnual())

	// A leading slash on the remote path does not double up in the URL.
	e, ok = entries[models.ManifestKey{Product: "ppp", Region: "NGA", Year: 2020}]
	require.True(t, ok)
	assert.Equal(t, "https://data.example.org/GIS/Population/NGA/ppp_2020.tif", e.SourceURL)

	e, ok = entries[models.ManifestKey{Product: "roads", Region: "GHA", Year: 0}]
	require.True(t, ok)
	assert.False(t, e.IsAnnual())
}

func TestParseRemoteGarbage(t *testing.T) {
	// A row with the wrong field count is unreadable as CSV.
	_, err := parseRemote([]byte("idx,iso3\n1,GHA,extra\n"), "https://data.example.org")
	assert.Error(t, err)
}

func TestPersistRoundTrip(t *testing.T) {
	entries, err := parseRemote([]byte(sampleRemoteCSV), "https://data.example.org")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "manifest.csv")
	require.NoError(t, persist(path, entries))

	loaded, err := loadLocal(path)
	require.NoError(t, err)
	assert.Equal(t, entries, loaded)

	// Persisting the same table again leaves the file byte-identical, so an
	// unchanged refresh does not churn the manifest.
	before, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, persist(path, entries))
	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestLoadLocalMissingFile(t *testing.T) {
	entries, err := loadLocal(filepath.Join(t.TempDir(), "nope.csv"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}
