// Package fetch downloads raster archives from S3-compatible object storage.
package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency bounds parallel downloads.
const DefaultConcurrency = 4

// ObjectStore is the part of *minio.Client used by the downloader.
type ObjectStore interface {
	ListObjects(ctx context.Context, bucket string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
	FGetObject(ctx context.Context, bucket, object, filePath string, opts minio.GetObjectOptions) error
}

// Options configures the object-storage client.
type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Secure    bool
}

// NewClient connects to an S3-compatible endpoint with static credentials.
func NewClient(opts Options) (*minio.Client, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("no object storage endpoint configured")
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("create object storage client: %w", err)
	}
	return client, nil
}

// Request selects what to download.
type Request struct {
	Bucket string
	// Objects lists explicit object keys. When empty, every object under
	// Prefix ending in Suffix is downloaded.
	Objects []string
	Prefix  string
	Suffix  string
	// Dir receives the files, flattened to their base names.
	Dir         string
	Concurrency int
}

// Result reports a finished download run.
type Result struct {
	Downloaded []string
	Existing   []string
	// Skipped holds s3:// links of objects that failed to download.
	Skipped []string
}

// Downloader fetches objects into a local directory.
type Downloader struct {
	client ObjectStore
	log    *slog.Logger
}

// NewDownloader creates a downloader. A nil logger discards output.
func NewDownloader(client ObjectStore, log *slog.Logger) *Downloader {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Downloader{client: client, log: log}
}

// List returns the sorted keys under prefix that end in suffix.
func (d *Downloader) List(ctx context.Context, bucket, prefix, suffix string) ([]string, error) {
	var keys []string
	for obj := range d.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list %s/%s: %w", bucket, prefix, obj.Err)
		}
		if strings.HasSuffix(obj.Key, "/") || !strings.HasSuffix(obj.Key, suffix) {
			continue
		}
		keys = append(keys, obj.Key)
	}
	slices.Sort(keys)
	return keys, nil
}

// Fetch downloads the requested objects. Files already present in Dir are
// left alone. A failed object is recorded in Result.Skipped and does not
// stop the others; only listing errors and cancellation abort the run.
func (d *Downloader) Fetch(ctx context.Context, req Request) (*Result, error) {
	if req.Bucket == "" {
		return nil, fmt.Errorf("no bucket given")
	}
	if err := os.MkdirAll(req.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create download directory: %w", err)
	}

	objects := slices.Compact(slices.Sorted(slices.Values(req.Objects)))
	if len(objects) == 0 {
		var err error
		if objects, err = d.List(ctx, req.Bucket, req.Prefix, req.Suffix); err != nil {
			return nil, err
		}
	}

	concurrency := req.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	var mu sync.Mutex
	res := &Result{}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, object := range objects {
		g.Go(func() error {
			dest := filepath.Join(req.Dir, path.Base(object))
			if _, err := os.Stat(dest); err == nil {
				mu.Lock()
				res.Existing = append(res.Existing, object)
				mu.Unlock()
				return nil
			}

			err := d.download(ctx, req.Bucket, object, dest)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				d.log.Warn("download failed", "object", object, "error", err)
				res.Skipped = append(res.Skipped, Link(req.Bucket, object))
				return nil
			}
			d.log.Debug("downloaded", "object", object, "path", dest)
			res.Downloaded = append(res.Downloaded, object)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}

	slices.Sort(res.Downloaded)
	slices.Sort(res.Existing)
	slices.Sort(res.Skipped)
	return res, nil
}

func (d *Downloader) download(ctx context.Context, bucket, object, dest string) error {
	// FGetObject stages the transfer in a sibling temp file and renames it
	// on success.
	return d.client.FGetObject(ctx, bucket, object, dest, minio.GetObjectOptions{})
}

// Link renders an object as an s3:// URL.
func Link(bucket, object string) string {
	return "s3://" + bucket + "/" + strings.TrimPrefix(object, "/")
}
