package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/minio/minio-go/v7"
)

// RetryPolicy controls how often a failed download is repeated.
type RetryPolicy struct {
	// Retries is the number of attempts after the first one.
	Retries         int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// Jitter randomizes each wait by up to this fraction in either direction.
	Jitter float64
}

// DefaultRetryPolicy retries three times, starting at half a second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Retries:         3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		Jitter:          0.25,
	}
}

// backOff doubles the wait after every attempt up to MaxInterval and stops
// after Retries waits or when ctx ends.
func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOffContext {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	eb.MaxInterval = p.MaxInterval
	eb.RandomizationFactor = p.Jitter
	eb.Multiplier = 2
	eb.MaxElapsedTime = 0
	eb.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(max(0, p.Retries))), ctx)
}

// RetryStore wraps an ObjectStore and repeats downloads that fail with a
// transient error. Listing is not retried.
type RetryStore struct {
	inner  ObjectStore
	policy RetryPolicy
	log    *slog.Logger
}

// NewRetryStore creates a RetryStore around inner. A nil logger discards the
// per-attempt log.
func NewRetryStore(inner ObjectStore, policy RetryPolicy, log *slog.Logger) *RetryStore {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &RetryStore{inner: inner, policy: policy, log: log}
}

// isTransient reports whether a download error may go away on its own:
// server errors, throttling and anything that never got an HTTP status.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if resp := minio.ToErrorResponse(err); resp.StatusCode != 0 {
		return resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
	}
	return true
}

func (rs *RetryStore) ListObjects(ctx context.Context, bucket string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo {
	return rs.inner.ListObjects(ctx, bucket, opts)
}

func (rs *RetryStore) FGetObject(ctx context.Context, bucket, object, filePath string, opts minio.GetObjectOptions) error {
	attempts := 0
	get := func() error {
		attempts++
		err := rs.inner.FGetObject(ctx, bucket, object, filePath, opts)
		if err != nil && !isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	logAttempt := func(err error, wait time.Duration) {
		rs.log.Warn("download attempt failed", "object", object, "attempt", attempts, "retry_in", wait, "error", err)
	}

	err := backoff.RetryNotify(get, rs.policy.backOff(ctx), logAttempt)
	if err != nil && attempts > 1 {
		return fmt.Errorf("get %s after %d attempts: %w", object, attempts, err)
	}
	return err
}
