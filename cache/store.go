// cache/store.go
package cache

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/popgrid/popgrid/models"
)

var logger = logrus.WithField("component", "cache")

// stagingSuffix marks files still being written. Interrupted runs leave
// them behind; Repair sweeps them up.
const stagingSuffix = ".part"

var recordsBucket = []byte("cache_records")

// Store is the key-addressed on-disk raster cache. Completed files live
// under <root>/<product>/ with deterministic names, so the filesystem alone
// answers existence; a bbolt index carries per-file metadata and self-heals
// whenever it disagrees with the filesystem.
type Store struct {
	root string
	db   *bolt.DB
}

// Open opens (creating if needed) the cache at root.
func Open(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache root: %w", err)
	}
	db, err := bolt.Open(filepath.Join(root, "index.db"), 0644, &bolt.Options{
		Timeout: time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache index: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(recordsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init cache index: %w", err)
	}
	return &Store{root: root, db: db}, nil
}

// Close releases the index. Cached files stay on disk.
func (s *Store) Close() error {
	return s.db.Close()
}

// Root returns the cache root directory.
func (s *Store) Root() string {
	return s.root
}

// PathFor returns the deterministic cache path for a key. The file may or
// may not exist; Has answers that.
func (s *Store) PathFor(key models.CacheKey) string {
	return filepath.Join(s.root, sanitize(key.Product), fileName(key))
}

// Has reports whether a completed file for key is cached. The filesystem is
// authoritative: a stale index record without a file is dropped, a file
// without a record gets one.
func (s *Store) Has(key models.CacheKey) bool {
	path := s.PathFor(key)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		s.dropRecord(key)
		return false
	}
	if _, ok := s.Record(key); !ok {
		s.putRecord(buildRecord(key, path, info.Size(), info.ModTime()))
	}
	return true
}

// CreateStaging opens a fresh staging file next to the key's final path.
// Callers stream into it, close it, then either Put or Discard it.
func (s *Store) CreateStaging(key models.CacheKey) (*os.File, error) {
	dir := filepath.Dir(s.PathFor(key))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache subdir: %w", err)
	}
	f, err := os.CreateTemp(dir, fileName(key)+stagingSuffix+"*")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging file: %w", err)
	}
	return f, nil
}

// Discard removes an abandoned staging file. Missing files are fine; an
// interrupted run may never have created one.
func (s *Store) Discard(stagingPath string) {
	if stagingPath == "" {
		return
	}
	if err := os.Remove(stagingPath); err != nil && !os.IsNotExist(err) {
		logger.WithError(err).WithField("path", stagingPath).Warn("Failed to remove staging file")
	}
}

// Put atomically installs a fully written staging file as the cached file
// for key and records it in the index. The rename is what makes concurrent
// writers safe: the last completed write wins and both carry identical
// bytes for a given version.
func (s *Store) Put(key models.CacheKey, stagingPath string) (models.CacheRecord, error) {
	info, err := os.Stat(stagingPath)
	if err != nil {
		return models.CacheRecord{}, fmt.Errorf("failed to stat staging file: %w", err)
	}
	final := s.PathFor(key)
	if err := os.Rename(stagingPath, final); err != nil {
		return models.CacheRecord{}, fmt.Errorf("failed to install cached file: %w", err)
	}
	rec := buildRecord(key, final, info.Size(), time.Now().UTC())
	if err := s.putRecord(rec); err != nil {
		// The file is installed and remains usable; the index will
		// self-heal on the next Has.
		logger.WithError(err).WithField("key", key.String()).Warn("Failed to index cached file")
	}
	return rec, nil
}

// Record returns the index record for key, if present.
func (s *Store) Record(key models.CacheKey) (models.CacheRecord, bool) {
	var rec models.CacheRecord
	found := false
	s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(recordsBucket).Get([]byte(key.String()))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil
		}
		found = true
		return nil
	})
	return rec, found
}

// Records returns every index record, in key order.
func (s *Store) Records() ([]models.CacheRecord, error) {
	var recs []models.CacheRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).ForEach(func(k, v []byte) error {
			var rec models.CacheRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				logger.WithField("key", string(k)).Warn("Dropping unreadable cache record")
				return nil
			}
			recs = append(recs, rec)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list cache records: %w", err)
	}
	return recs, nil
}

// Size returns the total bytes of completed cached files.
func (s *Store) Size() (int64, error) {
	var total int64
	err := s.walkRasters(func(path string, info fs.FileInfo) error {
		total += info.Size()
		return nil
	})
	return total, err
}

// PurgeOptions selects what Purge removes. A zero OlderThan matches every
// file; otherwise only files last verified (or written) before the cutoff.
type PurgeOptions struct {
	OlderThan time.Time
	DryRun    bool
}

// Purge removes cached raster files and their index records. In dry-run
// mode nothing is deleted and the summary reports exactly what a real purge
// with the same options would remove.
func (s *Store) Purge(opts PurgeOptions) (models.PurgeSummary, error) {
	summary := models.PurgeSummary{DryRun: opts.DryRun}

	err := s.walkRasters(func(path string, info fs.FileInfo) error {
		if !opts.OlderThan.IsZero() && !s.lastVerified(path, info).Before(opts.OlderThan) {
			return nil
		}
		summary.Files = append(summary.Files, path)
		summary.BytesReclaimed += info.Size()
		if opts.DryRun {
			return nil
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to remove %s: %w", path, err)
		}
		return nil
	})
	if err != nil {
		return summary, err
	}

	if !opts.DryRun {
		if err := s.dropRecordsFor(summary.Files); err != nil {
			return summary, err
		}
	}
	logger.WithFields(logrus.Fields{
		"files":   len(summary.Files),
		"bytes":   summary.BytesReclaimed,
		"dry_run": opts.DryRun,
	}).Info("Cache purge complete")
	return summary, nil
}

// Repair deletes orphaned staging files left behind by interrupted runs.
func (s *Store) Repair() (int, error) {
	removed := 0
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.Contains(d.Name(), stagingSuffix) {
			return nil
		}
		if err := os.Remove(path); err != nil {
			logger.WithError(err).WithField("path", path).Warn("Failed to remove staging file")
			return nil
		}
		removed++
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("cache repair failed: %w", err)
	}
	if removed > 0 {
		logger.WithField("removed", removed).Info("Removed orphaned staging files")
	}
	return removed, nil
}

func (s *Store) walkRasters(fn func(path string, info fs.FileInfo) error) error {
	return filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".tif") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return fn(path, info)
	})
}

// lastVerified prefers the index record's verification time and falls back
// to the file's modification time for unindexed files.
func (s *Store) lastVerified(path string, info fs.FileInfo) time.Time {
	verified := info.ModTime()
	s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).ForEach(func(k, v []byte) error {
			var rec models.CacheRecord
			if json.Unmarshal(v, &rec) == nil && rec.LocalPath == path && !rec.VerifiedAt.IsZero() {
				verified = rec.VerifiedAt
			}
			return nil
		})
	})
	return verified
}

func (s *Store) putRecord(rec models.CacheRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).Put([]byte(rec.Key), raw)
	})
}

func (s *Store) dropRecord(key models.CacheKey) {
	s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).Delete([]byte(key.String()))
	})
}

func (s *Store) dropRecordsFor(paths []string) error {
	removed := make(map[string]bool, len(paths))
	for _, p := range paths {
		removed[p] = true
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(recordsBucket)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var rec models.CacheRecord
			if json.Unmarshal(v, &rec) != nil || removed[rec.LocalPath] {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func buildRecord(key models.CacheKey, path string, size int64, verified time.Time) models.CacheRecord {
	return models.CacheRecord{
		Key:        key.String(),
		Product:    key.Product,
		Region:     key.Region,
		Year:       key.Year,
		Version:    key.Version,
		LocalPath:  path,
		ByteSize:   size,
		FetchedAt:  verified,
		VerifiedAt: verified,
	}
}

// fileName renders the on-disk name for a key, version-qualified so a
// provider version bump lands beside the old file instead of over it.
func fileName(key models.CacheKey) string {
	if key.Year == 0 {
		return fmt.Sprintf("%s_%s_v%s.tif", sanitize(key.Product), key.Region, sanitize(key.Version))
	}
	return fmt.Sprintf("%s_%s_%d_v%s.tif", sanitize(key.Product), key.Region, key.Year, sanitize(key.Version))
}

// sanitize keeps file name components to a safe character set.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '-' || r == '_':
			return r
		}
		return '-'
	}, s)
}
