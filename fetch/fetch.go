// fetch/fetch.go
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/popgrid/popgrid/cache"
	"github.com/popgrid/popgrid/metrics"
	"github.com/popgrid/popgrid/models"
)

var logger = logrus.WithField("component", "fetch")

// ErrNotListed marks a target whose (product, region, year) combination is
// absent from the manifest. Such targets are never attempted.
var ErrNotListed = errors.New("target not listed in manifest")

// Manifest is the slice of the catalog the orchestrator needs.
type Manifest interface {
	Ensure(ctx context.Context) error
	Entry(key models.ManifestKey) (models.ManifestEntry, bool)
}

// Options tunes an Orchestrator.
type Options struct {
	// MaxParallel bounds concurrent fetches. Values below 1 behave as 1.
	MaxParallel int
	// Policy drives retries. A zero policy gets DefaultPolicy.
	Policy RetryPolicy
	// AttemptTimeout bounds each individual attempt, independent of the
	// run's context. Zero disables the per-attempt timeout.
	AttemptTimeout time.Duration
	// UserAgent is sent on data requests when non-empty.
	UserAgent string
	// HTTPClient performs the data requests. Retrying happens here in the
	// orchestrator, so this should be a plain client.
	HTTPClient *http.Client
	// Metrics may be nil.
	Metrics *metrics.Collector
}

// Orchestrator turns download targets into cached files: dry-run planning,
// bounded-concurrency execution, explicit retries, and one outcome per
// input target, in input order.
type Orchestrator struct {
	manifest Manifest
	store    *cache.Store
	opts     Options
}

// New creates an Orchestrator on top of a manifest and a cache store.
func New(manifest Manifest, store *cache.Store, opts Options) *Orchestrator {
	if opts.MaxParallel < 1 {
		opts.MaxParallel = 1
	}
	if opts.Policy.MaxAttempts == 0 {
		opts.Policy = DefaultPolicy()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	return &Orchestrator{manifest: manifest, store: store, opts: opts}
}

// Plan resolves targets against the manifest and the cache without touching
// the network: what a subsequent Execute would fetch, what it would skip,
// and how many bytes it would transfer. Targets the manifest does not list
// are dropped, duplicates count once.
func (o *Orchestrator) Plan(ctx context.Context, targets []models.DownloadTarget) (models.DownloadPlan, error) {
	if err := o.manifest.Ensure(ctx); err != nil {
		return models.DownloadPlan{}, err
	}

	plan := models.DownloadPlan{RunID: uuid.NewString()}
	seen := make(map[string]bool, len(targets))
	for _, t := range targets {
		entry, ok := o.manifest.Entry(t.Key())
		if !ok {
			continue
		}
		key := entry.CacheKey()
		if seen[key.String()] {
			continue
		}
		seen[key.String()] = true
		if o.store.Has(key) {
			plan.Cached = append(plan.Cached, entry)
			continue
		}
		plan.ToFetch = append(plan.ToFetch, entry)
		plan.FetchBytes += entry.ByteSize
	}

	logger.WithFields(logrus.Fields{
		"run_id":      plan.RunID,
		"to_fetch":    len(plan.ToFetch),
		"cached":      len(plan.Cached),
		"fetch_bytes": plan.FetchBytes,
	}).Debug("Planned download run")
	return plan, nil
}

// job is one scheduled fetch. Duplicate targets sharing its cache key get a
// copy of its outcome afterwards.
type job struct {
	entry   models.ManifestEntry
	target  models.DownloadTarget
	primary int
	dupes   []int
}

// Execute downloads every target not already cached, at most MaxParallel at
// a time, and returns one outcome per target in input order. A target's
// failure never aborts its siblings; the returned error is non-nil only for
// whole-run failures, that is an unusable manifest or a cancelled context.
func (o *Orchestrator) Execute(ctx context.Context, targets []models.DownloadTarget) ([]models.DownloadOutcome, error) {
	if err := o.manifest.Ensure(ctx); err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	runLog := logger.WithField("run_id", runID)

	outcomes := make([]models.DownloadOutcome, len(targets))
	jobs := make(map[string]*job)
	var order []string

	for i, t := range targets {
		outcomes[i].Target = t
		entry, ok := o.manifest.Entry(t.Key())
		if !ok {
			outcomes[i].Status = models.StatusFailed
			outcomes[i].Err = fmt.Errorf("%w: %s", ErrNotListed, t)
			continue
		}
		key := entry.CacheKey()
		if j, dup := jobs[key.String()]; dup {
			// Collapse onto the in-flight fetch for this cache key.
			j.dupes = append(j.dupes, i)
			continue
		}
		if o.store.Has(key) {
			outcomes[i].Status = models.StatusSkipped
			outcomes[i].LocalPath = o.store.PathFor(key)
			outcomes[i].ByteSize = entry.ByteSize
			o.opts.Metrics.RecordCacheHit()
			continue
		}
		o.opts.Metrics.RecordCacheMiss()
		jobs[key.String()] = &job{entry: entry, target: t, primary: i}
		order = append(order, key.String())
	}

	if len(jobs) > 0 {
		runLog.WithFields(logrus.Fields{
			"targets":  len(targets),
			"fetches":  len(jobs),
			"parallel": o.opts.MaxParallel,
		}).Info("Starting download run")

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(o.opts.MaxParallel)
		for _, key := range order {
			j := jobs[key]
			g.Go(func() error {
				out, err := o.fetchOne(gctx, runLog, j.entry, j.target)
				outcomes[j.primary] = out
				return err
			})
		}
		if err := g.Wait(); err != nil {
			for i := range outcomes {
				if outcomes[i].Status == "" {
					outcomes[i].Status = models.StatusFailed
					outcomes[i].Err = err
				}
			}
			fanOut(outcomes, targets, jobs)
			return outcomes, fmt.Errorf("download run aborted: %w", err)
		}
	}

	fanOut(outcomes, targets, jobs)

	var fetched, skipped, failed int
	for _, out := range outcomes {
		switch out.Status {
		case models.StatusFetched:
			fetched++
		case models.StatusSkipped:
			skipped++
		case models.StatusFailed:
			failed++
		}
	}
	runLog.WithFields(logrus.Fields{
		"fetched": fetched,
		"skipped": skipped,
		"failed":  failed,
	}).Info("Download run complete")
	return outcomes, nil
}

// fanOut copies each job's outcome to the slots of its duplicate targets.
func fanOut(outcomes []models.DownloadOutcome, targets []models.DownloadTarget, jobs map[string]*job) {
	for _, j := range jobs {
		for _, di := range j.dupes {
			dup := outcomes[j.primary]
			dup.Target = targets[di]
			outcomes[di] = dup
		}
	}
}

// fetchOne drives the retry loop for a single target. The returned error is
// non-nil only when the context was cancelled; every other failure is
// recorded in the outcome alone.
func (o *Orchestrator) fetchOne(ctx context.Context, runLog *logrus.Entry, entry models.ManifestEntry, target models.DownloadTarget) (models.DownloadOutcome, error) {
	out := models.DownloadOutcome{Target: target}
	tlog := runLog.WithField("target", target.String())

	o.opts.Metrics.DownloadStarted()
	defer o.opts.Metrics.DownloadFinished()
	start := time.Now()

	var lastErr error
	integrityRetried := false
	attempts := 0

attemptLoop:
	for attempts < o.opts.Policy.Attempts() {
		if attempts > 0 {
			delay := o.opts.Policy.Delay(attempts)
			tlog.WithFields(logrus.Fields{
				"attempt": attempts + 1,
				"delay":   delay.String(),
			}).Debug("Retrying download")
			o.opts.Metrics.RecordRetry()
			select {
			case <-ctx.Done():
				out.Status = models.StatusFailed
				out.Attempts = attempts
				out.Err = ctx.Err()
				return out, ctx.Err()
			case <-time.After(delay):
			}
		}
		attempts++

		written, err := o.attempt(ctx, entry, target)
		if err == nil {
			key := entry.CacheKey()
			out.Status = models.StatusFetched
			out.LocalPath = o.store.PathFor(key)
			out.ByteSize = written
			out.Attempts = attempts
			o.opts.Metrics.RecordDownload(string(models.StatusFetched), written, time.Since(start).Seconds())
			tlog.WithFields(logrus.Fields{
				"bytes":    written,
				"attempts": attempts,
			}).Info("Downloaded")
			return out, nil
		}
		if ctx.Err() != nil {
			out.Status = models.StatusFailed
			out.Attempts = attempts
			out.Err = ctx.Err()
			return out, ctx.Err()
		}
		lastErr = err

		var statusErr *httpStatusError
		var integrityErr *IntegrityError
		switch {
		case errors.As(err, &integrityErr):
			// One extra chance; a short read is usually a hiccup, a second
			// one means the manifest's size is simply wrong.
			if integrityRetried {
				break attemptLoop
			}
			integrityRetried = true
		case errors.As(err, &statusErr):
			if statusErr.code == http.StatusNotFound || !retryableStatus(statusErr.code) {
				break attemptLoop
			}
		}
		// Anything else counts as transient and goes around again.
	}

	dErr := &DownloadError{Target: target, Attempts: attempts, Err: lastErr}
	var statusErr *httpStatusError
	if errors.As(lastErr, &statusErr) && statusErr.code == http.StatusNotFound {
		dErr.NotFound = true
	}
	out.Status = models.StatusFailed
	out.Attempts = attempts
	out.Err = dErr
	o.opts.Metrics.RecordDownload(string(models.StatusFailed), 0, time.Since(start).Seconds())
	tlog.WithError(dErr).Warn("Download failed")
	return out, nil
}

// httpStatusError is a non-2xx response; the retry loop decides which
// statuses are worth another attempt.
type httpStatusError struct {
	code int
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("server returned status %d", e.code)
}

// attempt performs exactly one fetch: stream to a staging file, verify the
// byte count against the manifest, install atomically. No partial file ever
// reaches a final cache path.
func (o *Orchestrator) attempt(parent context.Context, entry models.ManifestEntry, target models.DownloadTarget) (int64, error) {
	ctx := parent
	if o.opts.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, o.opts.AttemptTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, entry.SourceURL, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build data request: %w", err)
	}
	if o.opts.UserAgent != "" {
		req.Header.Set("User-Agent", o.opts.UserAgent)
	}

	resp, err := o.opts.HTTPClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return 0, &httpStatusError{code: resp.StatusCode}
	}

	key := entry.CacheKey()
	staging, err := o.store.CreateStaging(key)
	if err != nil {
		return 0, err
	}
	stagingPath := staging.Name()

	written, err := io.Copy(staging, resp.Body)
	closeErr := staging.Close()
	if err != nil {
		o.store.Discard(stagingPath)
		return 0, fmt.Errorf("transfer failed: %w", err)
	}
	if closeErr != nil {
		o.store.Discard(stagingPath)
		return 0, fmt.Errorf("failed to finish staging file: %w", closeErr)
	}

	if entry.ByteSize > 0 && written != entry.ByteSize {
		o.store.Discard(stagingPath)
		return 0, &IntegrityError{Target: target, Expected: entry.ByteSize, Received: written}
	}
	if parent.Err() != nil {
		// Cancelled after the copy finished; do not install.
		o.store.Discard(stagingPath)
		return 0, parent.Err()
	}
	if _, err := o.store.Put(key, stagingPath); err != nil {
		o.store.Discard(stagingPath)
		return 0, err
	}
	return written, nil
}
