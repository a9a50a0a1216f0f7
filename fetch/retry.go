// fetch/retry.go
package fetch

import (
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/popgrid/popgrid/models"
)

// RetryPolicy decides how often and how patiently a failed fetch attempt is
// retried. It is invoked explicitly around each attempt; there is no hidden
// retrying anywhere below it.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries, first attempt included.
	// Values below 1 behave as 1.
	MaxAttempts int
	// BaseDelay seeds the exponential backoff: attempt n waits
	// BaseDelay * 2^(n-1), capped at MaxDelay.
	BaseDelay time.Duration
	// MaxDelay caps the backoff. Zero means no cap.
	MaxDelay time.Duration
	// Jitter perturbs a computed delay to spread out retry stampedes.
	// Nil uses the default of delay + rand(delay/8).
	Jitter func(time.Duration) time.Duration
}

// DefaultPolicy mirrors the configuration defaults.
func DefaultPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
	}
}

// Attempts returns the effective attempt limit.
func (p RetryPolicy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Delay returns the backoff before the given retry. attempt counts the
// attempts already made, so the first retry passes 1.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay << (attempt - 1)
	if delay <= 0 {
		delay = p.BaseDelay
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.Jitter != nil {
		return p.Jitter(delay)
	}
	return jitter(delay)
}

// jitter returns a duration in [delay, delay+delay/8), spreading retries
// so a recovering server is not hit by every waiter at once.
func jitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}
	spread := int64(delay) / 8
	if spread <= 0 {
		return delay
	}
	return delay + time.Duration(rand.Int63n(spread))
}

// retryableStatus reports whether an HTTP status is worth another attempt:
// throttling and transient server errors are, everything else is not.
func retryableStatus(code int) bool {
	if code == http.StatusTooManyRequests {
		return true
	}
	return code >= 500 && code != http.StatusNotImplemented
}

// DownloadError is the terminal per-target failure. It never aborts sibling
// targets; it travels inside the target's DownloadOutcome.
type DownloadError struct {
	Target   models.DownloadTarget
	Attempts int
	// NotFound marks the expected manifest/availability mismatch: the
	// manifest advertises the file, the server answers 404. Never retried.
	NotFound bool
	Err      error
}

func (e *DownloadError) Error() string {
	if e.NotFound {
		return fmt.Sprintf("download %s: advertised by manifest but not on server", e.Target)
	}
	return fmt.Sprintf("download %s failed after %d attempt(s): %v", e.Target, e.Attempts, e.Err)
}

func (e *DownloadError) Unwrap() error {
	return e.Err
}

// IntegrityError means the transferred byte count does not match the
// manifest's declared size. It earns exactly one extra attempt before being
// demoted into a DownloadError.
type IntegrityError struct {
	Target   models.DownloadTarget
	Expected int64
	Received int64
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity check for %s: expected %d bytes, received %d",
		e.Target, e.Expected, e.Received)
}
