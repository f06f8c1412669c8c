package ledger

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilupskalvis/hsipatch/internal/core"
	"github.com/kilupskalvis/hsipatch/internal/models"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLedger_SuccessfulRun(t *testing.T) {
	l := newTestLedger(t)
	id := NewRunID()

	require.NoError(t, l.Start(&Run{ID: id, Variant: models.VariantPaired, StorePath: "/tmp/p.db", Inputs: 3}))
	run, err := l.Get(id)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, StatusRunning, run.Status)
	assert.True(t, run.FinishedAt.IsZero())

	require.NoError(t, l.Finish(&core.RunResult{
		RunID: id, Stage: core.StageDone, Candidates: 10, Samples: 6, Written: 12,
	}))
	run, err = l.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, run.Status)
	assert.Equal(t, core.StageDone, run.Stage)
	assert.Equal(t, 6, run.Samples)
	assert.Equal(t, 12, run.Written)
	assert.Equal(t, 3, run.Inputs)
	assert.Equal(t, "/tmp/p.db", run.StorePath)
	assert.False(t, run.FinishedAt.IsZero())
	assert.Empty(t, run.Error)
}

func TestLedger_FailedRun(t *testing.T) {
	l := newTestLedger(t)
	id := NewRunID()
	require.NoError(t, l.Start(&Run{ID: id, Variant: models.VariantSingle, StorePath: "s.db"}))

	require.NoError(t, l.Finish(&core.RunResult{
		RunID: id, Stage: core.StageStore, Samples: 40, Written: 24, Buffered: 16,
		Err: errors.New("store write: map full"),
	}))
	run, err := l.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, run.Status)
	assert.Equal(t, core.StageStore, run.Stage)
	assert.Equal(t, 24, run.Written)
	assert.Equal(t, 16, run.Buffered)
	assert.Equal(t, "store write: map full", run.Error)
}

func TestLedger_List(t *testing.T) {
	l := newTestLedger(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, l.Start(&Run{ID: id, Variant: models.VariantSingle, StartedAt: base.Add(time.Duration(i) * time.Hour)}))
	}

	runs, err := l.List(0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "c", runs[0].ID)
	assert.Equal(t, base.Add(2*time.Hour), runs[0].StartedAt)

	runs, err = l.List(2)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestLedger_Unknown(t *testing.T) {
	l := newTestLedger(t)
	run, err := l.Get("missing")
	require.NoError(t, err)
	assert.Nil(t, run)

	assert.Error(t, l.Finish(&core.RunResult{RunID: "missing"}))
	assert.Error(t, l.Start(&Run{ID: ""}))
}
