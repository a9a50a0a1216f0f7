// fetch/retry_test.go
package fetch

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/popgrid/popgrid/models"
)

func TestPolicyAttempts(t *testing.T) {
	assert.Equal(t, 1, RetryPolicy{}.Attempts(), "zero policy still gets one attempt")
	assert.Equal(t, 1, RetryPolicy{MaxAttempts: -3}.Attempts())
	assert.Equal(t, 5, RetryPolicy{MaxAttempts: 5}.Attempts())
}

func TestPolicyDelayBacksOffExponentially(t *testing.T) {
	identity := func(d time.Duration) time.Duration { return d }
	p := RetryPolicy{
		BaseDelay: 100 * time.Millisecond,
		MaxDelay:  time.Second,
		Jitter:    identity,
	}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 1, want: 100 * time.Millisecond},
		{attempt: 2, want: 200 * time.Millisecond},
		{attempt: 3, want: 400 * time.Millisecond},
		{attempt: 4, want: 800 * time.Millisecond},
		{attempt: 5, want: time.Second},
		{attempt: 9, want: time.Second},
		// Attempt counts below 1 behave like the first retry.
		{attempt: 0, want: 100 * time.Millisecond},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, p.Delay(tc.attempt), "attempt %d", tc.attempt)
	}

	// Shift overflow on absurd attempt counts falls back to the base delay.
	assert.Equal(t, 100*time.Millisecond, p.Delay(80))

	uncapped := RetryPolicy{BaseDelay: 100 * time.Millisecond, Jitter: identity}
	assert.Equal(t, 6400*time.Millisecond, uncapped.Delay(7))
}

func TestDefaultJitterBounds(t *testing.T) {
	p := RetryPolicy{BaseDelay: 800 * time.Millisecond}
	for i := 0; i < 200; i++ {
		d := p.Delay(1)
		assert.GreaterOrEqual(t, d, 800*time.Millisecond)
		assert.Less(t, d, 900*time.Millisecond, "jitter must stay below delay/8")
	}
}

func TestRetryableStatus(t *testing.T) {
	tests := []struct {
		code int
		want bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusGatewayTimeout, true},
		{http.StatusNotImplemented, false},
		{http.StatusNotFound, false},
		{http.StatusForbidden, false},
		{http.StatusBadRequest, false},
		{http.StatusOK, false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, retryableStatus(tc.code), "status %d", tc.code)
	}
}

func TestDownloadErrorMessages(t *testing.T) {
	target := models.DownloadTarget{ProductName: "ppp", RegionID: "GHA", Year: 2020}

	inner := errors.New("connection reset")
	err := &DownloadError{Target: target, Attempts: 3, Err: inner}
	assert.Contains(t, err.Error(), "after 3 attempt(s)")
	assert.Contains(t, err.Error(), "connection reset")
	assert.ErrorIs(t, err, inner, "the last attempt's error must stay reachable")

	notFound := &DownloadError{Target: target, NotFound: true}
	assert.Contains(t, notFound.Error(), "not on server")
}

func TestIntegrityErrorMessage(t *testing.T) {
	err := &IntegrityError{
		Target:   models.DownloadTarget{ProductName: "ppp", RegionID: "GHA", Year: 2020},
		Expected: 100,
		Received: 42,
	}
	assert.Contains(t, err.Error(), "expected 100 bytes")
	assert.Contains(t, err.Error(), "received 42")
}
