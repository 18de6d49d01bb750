package ingestion

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/clinipipe/clinipipe/internal/domain/ingestion"
)

func TestRegistryAcceptAndSnapshot(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	jobID := uuid.New()

	require.NoError(t, reg.Accept(jobID, "measurements.csv", "STUDY-001"))

	snap, err := reg.Snapshot(jobID)
	require.NoError(t, err)
	assert.Equal(t, jobID, snap.JobID)
	assert.Equal(t, "measurements.csv", snap.SourceFile)
	assert.Equal(t, "STUDY-001", snap.StudyID)
	assert.Equal(t, domain.JobStatusPending, snap.Status)
	assert.Zero(t, snap.Progress)
	assert.Equal(t, 1, reg.Len())
}

func TestRegistryAcceptDuplicate(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	jobID := uuid.New()

	require.NoError(t, reg.Accept(jobID, "a.csv", ""))
	err := reg.Accept(jobID, "b.csv", "")
	assert.ErrorIs(t, err, domain.ErrJobAlreadyExists)
}

func TestRegistrySnapshotUnknownJob(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()

	_, err := reg.Snapshot(uuid.New())
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestRegistryLifecycle(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	jobID := uuid.New()
	require.NoError(t, reg.Accept(jobID, "measurements.csv", ""))

	require.NoError(t, reg.Start(jobID))
	snap, err := reg.Snapshot(jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, snap.Status)

	require.NoError(t, reg.Progress(jobID, 30, "rows parsed and scored"))
	require.NoError(t, reg.SetRowCounts(jobID, 100, 0, 2))
	snap, err = reg.Snapshot(jobID)
	require.NoError(t, err)
	assert.Equal(t, 30, snap.Progress)
	assert.Equal(t, "rows parsed and scored", snap.Message)
	assert.EqualValues(t, 100, snap.RowsTotal)
	assert.EqualValues(t, 2, snap.RowsRejected)

	require.NoError(t, reg.Complete(jobID, "processed 100 rows: 98 loaded, 2 rejected"))
	snap, err = reg.Snapshot(jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, snap.Status)
	assert.Equal(t, 100, snap.Progress)
}

func TestRegistryRejectsProgressRegression(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	jobID := uuid.New()
	require.NoError(t, reg.Accept(jobID, "measurements.csv", ""))
	require.NoError(t, reg.Start(jobID))
	require.NoError(t, reg.Progress(jobID, 50, "halfway"))

	err := reg.Progress(jobID, 30, "backwards")
	assert.Error(t, err)

	snap, _ := reg.Snapshot(jobID)
	assert.Equal(t, 50, snap.Progress)
}

func TestRegistryTerminalIsFinal(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	jobID := uuid.New()
	require.NoError(t, reg.Accept(jobID, "measurements.csv", ""))
	require.NoError(t, reg.Start(jobID))
	require.NoError(t, reg.Complete(jobID, "done"))

	assert.ErrorIs(t, reg.Fail(jobID, "late failure", "detail"), domain.ErrInvalidTransition)
	assert.ErrorIs(t, reg.Start(jobID), domain.ErrInvalidTransition)

	snap, _ := reg.Snapshot(jobID)
	assert.Equal(t, domain.JobStatusCompleted, snap.Status)
	assert.Equal(t, "done", snap.Message)
}

func TestRegistryUpdateUnknownJob(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()

	assert.ErrorIs(t, reg.Start(uuid.New()), domain.ErrJobNotFound)
	assert.ErrorIs(t, reg.Progress(uuid.New(), 10, "m"), domain.ErrJobNotFound)
	assert.ErrorIs(t, reg.Complete(uuid.New(), "m"), domain.ErrJobNotFound)
}

func TestRegistryConcurrentAccess(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	jobID := uuid.New()
	require.NoError(t, reg.Accept(jobID, "measurements.csv", ""))
	require.NoError(t, reg.Start(jobID))

	var wg sync.WaitGroup
	for i := 1; i <= 100; i++ {
		wg.Add(2)
		pct := i
		go func() {
			defer wg.Done()
			// Regressions are rejected, which is fine here; the point is
			// that concurrent writers never corrupt the snapshot.
			_ = reg.Progress(jobID, pct, "working")
		}()
		go func() {
			defer wg.Done()
			_, _ = reg.Snapshot(jobID)
		}()
	}
	wg.Wait()

	snap, err := reg.Snapshot(jobID)
	require.NoError(t, err)
	assert.LessOrEqual(t, snap.Progress, 100)
	assert.Equal(t, domain.JobStatusRunning, snap.Status)
}
