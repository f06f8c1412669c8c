package fetch

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quickRetries(n int) RetryPolicy {
	return RetryPolicy{Retries: n, InitialInterval: time.Millisecond, MaxInterval: 10 * time.Millisecond}
}

// scriptedStore returns the queued errors from FGetObject, then succeeds.
type scriptedStore struct {
	*fakeStore
	errs  []error
	tries int
}

func (s *scriptedStore) FGetObject(ctx context.Context, bucket, object, filePath string, opts minio.GetObjectOptions) error {
	s.tries++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return err
	}
	return s.fakeStore.FGetObject(ctx, bucket, object, filePath, opts)
}

func repeat(err error, n int) []error {
	out := make([]error, n)
	for i := range out {
		out[i] = err
	}
	return out
}

func TestIsTransient(t *testing.T) {
	assert.False(t, isTransient(nil))
	assert.True(t, isTransient(minio.ErrorResponse{StatusCode: http.StatusServiceUnavailable, Code: "SlowDown"}))
	assert.True(t, isTransient(minio.ErrorResponse{StatusCode: http.StatusTooManyRequests}))
	assert.False(t, isTransient(minio.ErrorResponse{StatusCode: http.StatusNotFound, Code: "NoSuchKey"}))
	assert.True(t, isTransient(errors.New("connection reset by peer")))
	assert.False(t, isTransient(context.Canceled))
}

func TestRetryPolicy_Intervals(t *testing.T) {
	b := RetryPolicy{Retries: 4, InitialInterval: 100 * time.Millisecond, MaxInterval: 300 * time.Millisecond}.backOff(context.Background())
	assert.Equal(t, 100*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 200*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 300*time.Millisecond, b.NextBackOff(), "capped")
	assert.Equal(t, 300*time.Millisecond, b.NextBackOff())
	assert.Equal(t, backoff.Stop, b.NextBackOff(), "retries exhausted")
}

func TestRetryStore_FGetObject(t *testing.T) {
	serverErr := minio.ErrorResponse{StatusCode: http.StatusInternalServerError}

	cases := []struct {
		name      string
		errs      []error
		retries   int
		wantTries int
		wantErr   string
	}{
		{name: "recovers", errs: repeat(serverErr, 2), retries: 3, wantTries: 3},
		{name: "exhausted", errs: repeat(serverErr, 5), retries: 2, wantTries: 3, wantErr: "after 3 attempts"},
		{name: "client error", errs: []error{minio.ErrorResponse{StatusCode: http.StatusForbidden, Code: "AccessDenied"}}, retries: 3, wantTries: 1, wantErr: "AccessDenied"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			inner := &scriptedStore{fakeStore: newFakeStore(), errs: tc.errs}
			rs := NewRetryStore(inner, quickRetries(tc.retries), nil)
			err := rs.FGetObject(context.Background(), "eo", "enmap/2024/a.ZIP", filepath.Join(t.TempDir(), "a.ZIP"), minio.GetObjectOptions{})
			if tc.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tc.wantErr)
			}
			assert.Equal(t, tc.wantTries, inner.tries)
		})
	}
}

func TestRetryStore_ContextCancellation(t *testing.T) {
	inner := &scriptedStore{fakeStore: newFakeStore(), errs: repeat(errors.New("connection reset"), 5)}
	rs := NewRetryStore(inner, RetryPolicy{Retries: 5, InitialInterval: time.Second, MaxInterval: 10 * time.Second}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := rs.FGetObject(ctx, "eo", "enmap/2024/a.ZIP", filepath.Join(t.TempDir(), "a.ZIP"), minio.GetObjectOptions{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, inner.tries)
}

func TestRetryStore_LogsEveryAttempt(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	inner := &scriptedStore{fakeStore: newFakeStore(), errs: repeat(errors.New("connection reset"), 2)}
	rs := NewRetryStore(inner, quickRetries(3), log)

	require.NoError(t, rs.FGetObject(context.Background(), "eo", "enmap/2024/a.ZIP", filepath.Join(t.TempDir(), "a.ZIP"), minio.GetObjectOptions{}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	for i, line := range lines {
		assert.Contains(t, line, "download attempt failed")
		assert.Contains(t, line, "object=enmap/2024/a.ZIP")
		assert.Contains(t, line, "attempt="+string(rune('1'+i)))
	}
}

func TestRetryStore_WithDownloader(t *testing.T) {
	inner := &scriptedStore{fakeStore: newFakeStore(), errs: repeat(errors.New("connection reset"), 2)}
	dir := t.TempDir()

	d := NewDownloader(NewRetryStore(inner, quickRetries(3), nil), nil)
	res, err := d.Fetch(context.Background(), Request{
		Bucket:      "eo",
		Objects:     []string{"enmap/2024/a.ZIP"},
		Dir:         dir,
		Concurrency: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"enmap/2024/a.ZIP"}, res.Downloaded)
	assert.Equal(t, 3, inner.tries)

	body, err := os.ReadFile(filepath.Join(dir, "a.ZIP"))
	require.NoError(t, err)
	assert.Equal(t, "a", string(body))
}
