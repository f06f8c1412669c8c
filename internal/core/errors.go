package core

import (
	"errors"
	"fmt"

	"github.com/kilupskalvis/hsipatch/internal/raster"
)

// Stage names the point at which a run stopped.
type Stage string

const (
	StagePrepare  Stage = "prepare"
	StageRead     Stage = "read"
	StageStore    Stage = "store"
	StageFinalize Stage = "finalize"
	StageDone     Stage = "done"
)

// Raster errors surface unchanged from the reader.
type (
	AssetOpenError  = raster.AssetOpenError
	WindowReadError = raster.WindowReadError
)

// PreconditionError rejects a run before any work starts, or a raster pair
// whose members disagree.
type PreconditionError struct {
	Reason string
}

func (e *PreconditionError) Error() string {
	return "precondition failed: " + e.Reason
}

func preconditionf(format string, args ...any) *PreconditionError {
	return &PreconditionError{Reason: fmt.Sprintf(format, args...)}
}

// StoreWriteError reports a failed put or flush. Key is empty when the
// failure is not tied to one entry.
type StoreWriteError struct {
	Key string
	Err error
}

func (e *StoreWriteError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("store write: %v", e.Err)
	}
	return fmt.Sprintf("store write %s: %v", e.Key, e.Err)
}

func (e *StoreWriteError) Unwrap() error { return e.Err }

// stageOf classifies an error returned by the scheduler.
func stageOf(err error) Stage {
	var storeErr *StoreWriteError
	if errors.As(err, &storeErr) {
		return StageStore
	}
	return StageRead
}
