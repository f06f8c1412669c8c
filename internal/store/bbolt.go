// Package store provides the append-only patch store.
// Patches and run metadata live in a single embedded bbolt database file.
// Writes go through one Writer per store, which buffers entries and commits
// them in batches; readers use independent read-only transactions.
package store

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Bucket names used by the patch store.
var (
	bucketPatches = []byte("patches")
	bucketMeta    = []byte("meta")
)

// Metadata keys.
const (
	MetaNumSamples = "num_samples"
	MetaEncoding   = "encoding"
	MetaVariant    = "variant"
	MetaRunID      = "run_id"
)

const (
	// DefaultMaxSize mirrors the 1 TiB map size the training loaders expect.
	DefaultMaxSize int64 = 1 << 40
	// DefaultBatchSize is the number of entries committed per transaction.
	DefaultBatchSize = 24

	maxPrealloc int64 = 1 << 30
)

var (
	// ErrWriterBusy is returned by Begin while another Writer is open.
	ErrWriterBusy = errors.New("store writer already open")
	// ErrKeyExists is returned when a key is written twice.
	ErrKeyExists = errors.New("key already written")
	// ErrMapFull is returned when a batch would grow the file past MaxSize.
	ErrMapFull = errors.New("store maximum size reached")
	// ErrWriterClosed is returned when a closed Writer is used.
	ErrWriterClosed = errors.New("store writer closed")
)

// Options configures a Store.
type Options struct {
	// MaxSize caps the database file size in bytes. Up to 1 GiB of it is
	// reserved as the initial memory map.
	MaxSize int64
	// BatchSize is the number of buffered entries that triggers a commit.
	BatchSize int
	// Timeout bounds how long Open waits for the file lock.
	Timeout time.Duration
	// ReadOnly opens the database with a shared lock and no writer.
	ReadOnly bool
}

func (o Options) withDefaults() Options {
	if o.MaxSize <= 0 {
		o.MaxSize = DefaultMaxSize
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.Timeout <= 0 {
		o.Timeout = time.Second
	}
	return o
}

// Store represents the bbolt database store.
type Store struct {
	db      *bolt.DB
	opts    Options
	writing atomic.Bool
}

// New opens or creates a bbolt database at the given path.
func New(dbPath string, opts Options) (*Store, error) {
	opts = opts.withDefaults()
	dir := filepath.Dir(dbPath)
	if !opts.ReadOnly && dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{
		Timeout:         opts.Timeout,
		ReadOnly:        opts.ReadOnly,
		InitialMmapSize: int(min(opts.MaxSize, maxPrealloc)),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	return &Store{db: db, opts: opts}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.db.Path()
}

// Initialize creates all required buckets.
func (s *Store) Initialize() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketPatches, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Get returns a copy of the value stored under key, or nil if absent.
func (s *Store) Get(key string) ([]byte, error) {
	var val []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPatches)
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(key)); v != nil {
			val = append([]byte(nil), v...)
		}
		return nil
	})
	return val, err
}

// Has reports whether key was written.
func (s *Store) Has(key string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPatches)
		found = b != nil && b.Get([]byte(key)) != nil
		return nil
	})
	return found, err
}

// ForEach calls fn for every entry in key order. The value is only valid
// during the call.
func (s *Store) ForEach(fn func(key string, value []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPatches)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			return fn(string(k), v)
		})
	})
}

// Keys returns all entry keys in key order.
func (s *Store) Keys() ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPatches)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

// CountPrefix returns the number of entries whose key starts with prefix.
func (s *Store) CountPrefix(prefix string) (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPatches)
		if b == nil {
			return nil
		}
		p := []byte(prefix)
		c := b.Cursor()
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// Meta gets a value from the metadata bucket.
func (s *Store) Meta(key string) (string, error) {
	var val string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(key)); v != nil {
			val = string(v)
		}
		return nil
	})
	return val, err
}

// NumSamples returns the recorded sample count and whether it was set.
func (s *Store) NumSamples() (int, bool, error) {
	v, err := s.Meta(MetaNumSamples)
	if err != nil || v == "" {
		return 0, false, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false, fmt.Errorf("parse %s %q: %w", MetaNumSamples, v, err)
	}
	return n, true, nil
}

// Stats summarizes the database.
type Stats struct {
	Entries int
	Size    int64
	Meta    map[string]string
}

// Stats returns the entry count, file size and metadata.
func (s *Store) Stats() (*Stats, error) {
	st := &Stats{Meta: make(map[string]string)}
	err := s.db.View(func(tx *bolt.Tx) error {
		st.Size = tx.Size()
		if b := tx.Bucket(bucketPatches); b != nil {
			st.Entries = b.Stats().KeyN
		}
		if b := tx.Bucket(bucketMeta); b != nil {
			return b.ForEach(func(k, v []byte) error {
				st.Meta[string(k)] = string(v)
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}
