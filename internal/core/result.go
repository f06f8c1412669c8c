package core

import (
	"log/slog"

	"github.com/kilupskalvis/hsipatch/internal/models"
)

// RunResult is returned by Tile and Pair on success and on failure.
type RunResult struct {
	RunID   string
	Variant models.Variant
	// Keys lists every key handed to the store writer, in write order. The
	// first Written of them are durable.
	Keys []string
	// Candidates counts windows read; Samples counts accepted patches
	// (single) or pairs (paired) written by this run.
	Candidates int
	Samples    int
	// Existing counts what the store already held. For single-level runs it
	// is the accepted patches skipped because their key was stored earlier;
	// for paired runs it is the pairs from earlier runs, and the index of
	// the first new pair.
	Existing int
	// Written counts durably committed entries.
	Written int
	// Buffered counts entries dropped from the unflushed buffer on failure.
	Buffered int
	Stage    Stage
	Err      error
}

// Failed reports whether the run stopped before StageDone.
func (r *RunResult) Failed() bool {
	return r.Err != nil
}

// LogValue implements slog.LogValuer.
func (r *RunResult) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("run_id", r.RunID),
		slog.String("variant", string(r.Variant)),
		slog.String("stage", string(r.Stage)),
		slog.Int("candidates", r.Candidates),
		slog.Int("samples", r.Samples),
		slog.Int("existing", r.Existing),
		slog.Int("written", r.Written),
		slog.Int("buffered", r.Buffered),
	}
	if r.Err != nil {
		attrs = append(attrs, slog.String("error", r.Err.Error()))
	}
	return slog.GroupValue(attrs...)
}
