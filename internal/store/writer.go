package store

import (
	"fmt"
	"slices"

	bolt "go.etcd.io/bbolt"
)

type entry struct {
	key   []byte
	value []byte
}

// Writer is the single write handle of a Store. Entries are buffered and
// committed in batches of Options.BatchSize, each batch in one durable
// read-write transaction. A Writer is not safe for concurrent use; it belongs
// to whoever called Begin until Close or Discard.
type Writer struct {
	s        *Store
	pending  []entry
	meta     []entry
	buffered map[string]struct{}
	written  int
	flushes  int
	closed   bool
}

// Begin returns the store's writer. Only one writer may be open at a time.
func (s *Store) Begin() (*Writer, error) {
	if s.opts.ReadOnly {
		return nil, fmt.Errorf("begin writer: store opened read-only")
	}
	if !s.writing.CompareAndSwap(false, true) {
		return nil, ErrWriterBusy
	}
	if err := s.Initialize(); err != nil {
		s.writing.Store(false)
		return nil, err
	}
	return &Writer{
		s:        s,
		buffered: make(map[string]struct{}),
	}, nil
}

// Put buffers value under key and commits the buffer once it holds a full
// batch. Keys are never overwritten.
func (w *Writer) Put(key string, value []byte) error {
	return w.PutGroup([]string{key}, [][]byte{value})
}

// PutGroup buffers several entries as a unit. Either every entry is buffered
// or none is, and the batch size is checked only after the last one, so the
// group always lands in a single commit. A batch may exceed BatchSize by up
// to len(keys)-1 entries.
func (w *Writer) PutGroup(keys []string, values [][]byte) error {
	if w.closed {
		return ErrWriterClosed
	}
	if len(keys) != len(values) {
		return fmt.Errorf("put group: %d keys but %d values", len(keys), len(values))
	}
	for i, key := range keys {
		if slices.Contains(keys[:i], key) {
			return fmt.Errorf("put %s: %w", key, ErrKeyExists)
		}
		taken, err := w.taken(key)
		if err != nil {
			return fmt.Errorf("put %s: %w", key, err)
		}
		if taken {
			return fmt.Errorf("put %s: %w", key, ErrKeyExists)
		}
	}
	for i, key := range keys {
		w.pending = append(w.pending, entry{key: []byte(key), value: values[i]})
		w.buffered[key] = struct{}{}
	}
	if len(w.pending) >= w.s.opts.BatchSize {
		return w.Flush()
	}
	return nil
}

// PutIfAbsent is Put for keys that may already be durable from an earlier
// writer: such a key is left untouched and false is returned. A key already
// buffered by this writer is still an error.
func (w *Writer) PutIfAbsent(key string, value []byte) (bool, error) {
	if w.closed {
		return false, ErrWriterClosed
	}
	if _, ok := w.buffered[key]; !ok {
		durable, err := w.s.Has(key)
		if err != nil {
			return false, fmt.Errorf("put %s: %w", key, err)
		}
		if durable {
			return false, nil
		}
	}
	if err := w.Put(key, value); err != nil {
		return false, err
	}
	return true, nil
}

// taken reports whether key is buffered or already in the store.
func (w *Writer) taken(key string) (bool, error) {
	if _, ok := w.buffered[key]; ok {
		return true, nil
	}
	return w.s.Has(key)
}

// SetMeta buffers a metadata value; it is committed with the next flush.
func (w *Writer) SetMeta(key, value string) error {
	if w.closed {
		return ErrWriterClosed
	}
	w.meta = append(w.meta, entry{key: []byte(key), value: []byte(value)})
	return nil
}

// Flush commits all buffered entries and metadata in one transaction. On
// failure nothing from the batch is committed and the buffer is kept.
func (w *Writer) Flush() error {
	if w.closed {
		return ErrWriterClosed
	}
	if len(w.pending) == 0 && len(w.meta) == 0 {
		return nil
	}

	err := w.s.db.Update(func(tx *bolt.Tx) error {
		patches := tx.Bucket(bucketPatches)
		for _, e := range w.pending {
			if patches.Get(e.key) != nil {
				return fmt.Errorf("put %s: %w", e.key, ErrKeyExists)
			}
			if err := patches.Put(e.key, e.value); err != nil {
				return fmt.Errorf("put %s: %w", e.key, err)
			}
		}
		meta := tx.Bucket(bucketMeta)
		for _, e := range w.meta {
			if err := meta.Put(e.key, e.value); err != nil {
				return fmt.Errorf("set meta %s: %w", e.key, err)
			}
		}
		if size := tx.Size(); size > w.s.opts.MaxSize {
			return fmt.Errorf("%w: %d bytes exceeds %d", ErrMapFull, size, w.s.opts.MaxSize)
		}
		return nil
	})
	if err != nil {
		return err
	}

	w.written += len(w.pending)
	w.flushes++
	w.pending = w.pending[:0]
	w.meta = w.meta[:0]
	clear(w.buffered)
	return nil
}

// Written returns the number of entries durably committed.
func (w *Writer) Written() int { return w.written }

// Buffered returns the number of entries waiting for the next flush.
func (w *Writer) Buffered() int { return len(w.pending) }

// Flushes returns the number of committed batches.
func (w *Writer) Flushes() int { return w.flushes }

// Close flushes the remainder and releases the writer.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	err := w.Flush()
	w.release()
	return err
}

// Discard drops buffered entries without committing them, releases the
// writer, and returns how many entries were dropped.
func (w *Writer) Discard() int {
	if w.closed {
		return 0
	}
	n := len(w.pending)
	w.pending = nil
	w.meta = nil
	w.release()
	return n
}

func (w *Writer) release() {
	w.closed = true
	w.s.writing.Store(false)
}
