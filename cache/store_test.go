// cache/store_test.go
package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/popgrid/popgrid/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func putFile(t *testing.T, s *Store, key models.CacheKey, contents string) string {
	t.Helper()
	f, err := s.CreateStaging(key)
	require.NoError(t, err)
	_, err = f.WriteString(contents)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	_, err = s.Put(key, f.Name())
	require.NoError(t, err)
	return s.PathFor(key)
}

func TestPathForNaming(t *testing.T) {
	s := newTestStore(t)

	annual := models.CacheKey{Product: "ppp", Region: "GHA", Year: 2020, Version: "1.2"}
	assert.Equal(t,
		filepath.Join(s.Root(), "ppp", "ppp_GHA_2020_v1.2.tif"),
		s.PathFor(annual))

	static := models.CacheKey{Product: "roads", Region: "GHA", Version: "1"}
	assert.Equal(t,
		filepath.Join(s.Root(), "roads", "roads_GHA_v1.tif"),
		s.PathFor(static))

	// Hostile characters in derived components cannot escape the cache root.
	weird := models.CacheKey{Product: "p/../p", Region: "GHA", Year: 2020, Version: "v 1"}
	assert.Equal(t,
		filepath.Join(s.Root(), "p-..-p", "p-..-p_GHA_2020_vv-1.tif"),
		s.PathFor(weird))
}

func TestPutHasRecord(t *testing.T) {
	s := newTestStore(t)
	key := models.CacheKey{Product: "ppp", Region: "GHA", Year: 2020, Version: "1"}

	assert.False(t, s.Has(key))
	path := putFile(t, s, key, "raster-bytes")
	assert.True(t, s.Has(key))

	rec, ok := s.Record(key)
	require.True(t, ok)
	assert.Equal(t, key.String(), rec.Key)
	assert.Equal(t, path, rec.LocalPath)
	assert.Equal(t, int64(len("raster-bytes")), rec.ByteSize)
	assert.False(t, rec.VerifiedAt.IsZero())

	// No staging leftovers after a clean install.
	removed, err := s.Repair()
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestHasSelfHeals(t *testing.T) {
	s := newTestStore(t)
	key := models.CacheKey{Product: "ppp", Region: "GHA", Year: 2020, Version: "1"}

	// A file dropped in place without an index record gets indexed.
	path := s.PathFor(key)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
	assert.True(t, s.Has(key))
	_, ok := s.Record(key)
	assert.True(t, ok)

	// Deleting the file behind the store's back drops the stale record.
	require.NoError(t, os.Remove(path))
	assert.False(t, s.Has(key))
	_, ok = s.Record(key)
	assert.False(t, ok)
}

func TestDiscardStaging(t *testing.T) {
	s := newTestStore(t)
	key := models.CacheKey{Product: "ppp", Region: "GHA", Year: 2020, Version: "1"}

	f, err := s.CreateStaging(key)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	s.Discard(f.Name())

	_, err = os.Stat(f.Name())
	assert.True(t, os.IsNotExist(err))
	assert.False(t, s.Has(key))

	// Discarding twice, or discarding nothing, is harmless.
	s.Discard(f.Name())
	s.Discard("")
}

func TestRepairSweepsStagingFiles(t *testing.T) {
	s := newTestStore(t)
	key := models.CacheKey{Product: "ppp", Region: "GHA", Year: 2020, Version: "1"}
	putFile(t, s, key, "keep me")

	// Two interrupted downloads left staging files behind.
	f1, err := s.CreateStaging(key)
	require.NoError(t, err)
	require.NoError(t, f1.Close())
	f2, err := s.CreateStaging(models.CacheKey{Product: "ppp", Region: "NGA", Year: 2020, Version: "1"})
	require.NoError(t, err)
	require.NoError(t, f2.Close())

	removed, err := s.Repair()
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, err = os.Stat(f1.Name())
	assert.True(t, os.IsNotExist(err))
	assert.True(t, s.Has(key), "repair must not touch completed files")
}

func TestPurgeAll(t *testing.T) {
	s := newTestStore(t)
	k1 := models.CacheKey{Product: "ppp", Region: "GHA", Year: 2020, Version: "1"}
	k2 := models.CacheKey{Product: "ppp", Region: "NGA", Year: 2020, Version: "1"}
	putFile(t, s, k1, "12345")
	putFile(t, s, k2, "123")

	summary, err := s.Purge(PurgeOptions{})
	require.NoError(t, err)
	assert.False(t, summary.DryRun)
	assert.Len(t, summary.Files, 2)
	assert.Equal(t, int64(8), summary.BytesReclaimed)

	assert.False(t, s.Has(k1))
	assert.False(t, s.Has(k2))
	recs, err := s.Records()
	require.NoError(t, err)
	assert.Empty(t, recs, "purge must drop index records with the files")
}

func TestPurgeDryRunPredictsRealPurge(t *testing.T) {
	s := newTestStore(t)
	k1 := models.CacheKey{Product: "ppp", Region: "GHA", Year: 2020, Version: "1"}
	k2 := models.CacheKey{Product: "roads", Region: "GHA", Version: "1"}
	putFile(t, s, k1, "12345")
	putFile(t, s, k2, "1234567")

	dry, err := s.Purge(PurgeOptions{DryRun: true})
	require.NoError(t, err)
	assert.True(t, dry.DryRun)
	assert.True(t, s.Has(k1), "dry run must not delete")
	assert.True(t, s.Has(k2))

	actual, err := s.Purge(PurgeOptions{})
	require.NoError(t, err)
	assert.ElementsMatch(t, dry.Files, actual.Files)
	assert.Equal(t, dry.BytesReclaimed, actual.BytesReclaimed)
}

func TestPurgeOlderThan(t *testing.T) {
	s := newTestStore(t)
	oldKey := models.CacheKey{Product: "ppp", Region: "GHA", Year: 2019, Version: "1"}
	newKey := models.CacheKey{Product: "ppp", Region: "GHA", Year: 2020, Version: "1"}
	oldPath := putFile(t, s, oldKey, "old")
	putFile(t, s, newKey, "new")

	// Backdate the old entry's verification time in the index.
	rec, ok := s.Record(oldKey)
	require.True(t, ok)
	rec.VerifiedAt = time.Now().Add(-90 * 24 * time.Hour)
	require.NoError(t, s.putRecord(rec))

	summary, err := s.Purge(PurgeOptions{OlderThan: time.Now().Add(-30 * 24 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, []string{oldPath}, summary.Files)
	assert.False(t, s.Has(oldKey))
	assert.True(t, s.Has(newKey), "entries verified after the cutoff must survive")
}

func TestSize(t *testing.T) {
	s := newTestStore(t)
	putFile(t, s, models.CacheKey{Product: "ppp", Region: "GHA", Year: 2020, Version: "1"}, "12345")
	putFile(t, s, models.CacheKey{Product: "ppp", Region: "NGA", Year: 2020, Version: "1"}, "12")

	total, err := s.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(7), total, "size counts raster bytes, not the index")
}

func TestVersionBumpYieldsNewFile(t *testing.T) {
	s := newTestStore(t)
	v1 := models.CacheKey{Product: "ppp", Region: "GHA", Year: 2020, Version: "1"}
	v2 := models.CacheKey{Product: "ppp", Region: "GHA", Year: 2020, Version: "2"}
	putFile(t, s, v1, "old bytes")

	assert.True(t, s.Has(v1))
	assert.False(t, s.Has(v2), "a version bump must miss the old file")
	assert.NotEqual(t, s.PathFor(v1), s.PathFor(v2))
}
