package core

import (
	"log/slog"
	"strconv"

	"github.com/kilupskalvis/hsipatch/internal/metrics"
	"github.com/kilupskalvis/hsipatch/internal/models"
	"github.com/kilupskalvis/hsipatch/internal/patch"
	"github.com/kilupskalvis/hsipatch/internal/store"
)

// sink is the aggregator side of a run. It owns the store writer and the
// run result; it must only be used from the goroutine that called schedule.
type sink struct {
	w       *store.Writer
	res     *RunResult
	metrics *metrics.Run
	log     *slog.Logger
}

func openSink(opts RunOptions, variant models.Variant, log *slog.Logger) (*sink, *RunResult) {
	res := &RunResult{RunID: opts.RunID, Variant: variant, Stage: StagePrepare}
	existing, err := existingEntries(opts.Store, variant)
	if err != nil {
		res.Err = err
		return nil, res
	}
	res.Existing = existing

	w, err := opts.Store.Begin()
	if err != nil {
		res.Err = &StoreWriteError{Err: err}
		return nil, res
	}
	meta := [][2]string{
		{store.MetaEncoding, patch.Encoding},
		{store.MetaVariant, string(variant)},
	}
	if opts.RunID != "" {
		meta = append(meta, [2]string{store.MetaRunID, opts.RunID})
	}
	for _, kv := range meta {
		if err := w.SetMeta(kv[0], kv[1]); err != nil {
			w.Discard()
			res.Err = &StoreWriteError{Err: err}
			return nil, res
		}
	}
	if existing > 0 {
		log.Info("appending to store", "path", opts.Store.Path(), "existing", existing)
	}
	return &sink{w: w, res: res, metrics: opts.Metrics, log: log}, res
}

// existingEntries checks that a non-empty store was written by the same
// variant. For a paired store it returns the number of complete pairs, which
// is where the next run continues numbering.
func existingEntries(st *store.Store, variant models.Variant) (int, error) {
	stats, err := st.Stats()
	if err != nil {
		return 0, &StoreWriteError{Err: err}
	}
	if stats.Entries == 0 {
		return 0, nil
	}
	if prev := stats.Meta[store.MetaVariant]; prev != "" && prev != string(variant) {
		return 0, preconditionf("store %s holds %s patches; write %s patches to another store",
			st.Path(), prev, variant)
	}
	if variant != models.VariantPaired {
		return 0, nil
	}
	anchors, err := st.CountPrefix(string(patch.RoleAnchor) + patch.Delimiter)
	if err != nil {
		return 0, &StoreWriteError{Err: err}
	}
	positives, err := st.CountPrefix(string(patch.RolePositive) + patch.Delimiter)
	if err != nil {
		return 0, &StoreWriteError{Err: err}
	}
	if anchors != positives {
		return 0, preconditionf("store %s holds %d anchors but %d positives", st.Path(), anchors, positives)
	}
	return anchors, nil
}

// put hands a group of entries to the writer. The group is buffered whole
// and committed in one transaction.
func (s *sink) put(keys []string, values [][]byte) error {
	written, held := s.w.Written(), s.w.Written()+s.w.Buffered()
	err := s.w.PutGroup(keys, values)
	if s.w.Written()+s.w.Buffered() > held {
		s.res.Keys = append(s.res.Keys, keys...)
	}
	s.observeFlush(written)
	if err != nil {
		return &StoreWriteError{Key: keys[0], Err: err}
	}
	return nil
}

// putIfAbsent writes one entry unless an earlier run already stored its key.
func (s *sink) putIfAbsent(key string, value []byte) (bool, error) {
	written, held := s.w.Written(), s.w.Written()+s.w.Buffered()
	added, err := s.w.PutIfAbsent(key, value)
	if s.w.Written()+s.w.Buffered() > held {
		s.res.Keys = append(s.res.Keys, key)
	}
	s.observeFlush(written)
	if err != nil {
		return false, &StoreWriteError{Key: key, Err: err}
	}
	return added, nil
}

func (s *sink) observeFlush(before int) {
	if n := s.w.Written() - before; n > 0 {
		s.metrics.ObserveFlush(n)
		s.log.Debug("flushed batch", "entries", n, "written", s.w.Written())
	}
}

// fail discards the unflushed remainder and records where the run stopped.
func (s *sink) fail(stage Stage, err error) *RunResult {
	s.res.Stage = stage
	s.res.Err = err
	s.res.Buffered = s.w.Discard()
	s.res.Written = s.w.Written()
	s.log.Error("run failed", "result", s.res)
	return s.res
}

// finish writes the sample count, existing pairs included, when countSamples
// is set and commits the remainder.
func (s *sink) finish(countSamples bool) *RunResult {
	s.res.Stage = StageFinalize
	if countSamples {
		total := strconv.Itoa(s.res.Existing + s.res.Samples)
		if err := s.w.SetMeta(store.MetaNumSamples, total); err != nil {
			return s.fail(StageFinalize, &StoreWriteError{Key: store.MetaNumSamples, Err: err})
		}
	}
	before := s.w.Written()
	err := s.w.Close()
	s.observeFlush(before)
	s.res.Written = s.w.Written()
	if err != nil {
		s.res.Err = &StoreWriteError{Err: err}
		s.res.Buffered = s.w.Buffered()
		s.log.Error("run failed", "result", s.res)
		return s.res
	}
	s.res.Stage = StageDone
	s.log.Info("run complete", "result", s.res)
	return s.res
}
