package pause

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/loomhq/loom/pkg/models"
	"github.com/loomhq/loom/pkg/persistence"
	"github.com/loomhq/loom/pkg/persistence/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRunningRun(t *testing.T, p *memory.Persistence, runID string) *models.WorkflowExecution {
	t.Helper()

	run := &models.WorkflowExecution{
		ID:         runID,
		WorkflowID: "wf-1",
		Type:       models.WorkflowTypeWorkflow,
		Status:     models.WorkflowExecutionStatusRunning,
		StartedAt:  time.Now().UTC(),
	}

	require.NoError(t, p.WorkflowExecutionRepository().Save(context.Background(), run))

	return run
}

func TestManager_PauseResumeCycle(t *testing.T) {
	t.Parallel()

	p := memory.NewPersistence()
	blobs := NewMemoryBlobStore()
	m := NewManager(p.WorkflowExecutionRepository(), p.PauseRepository(), blobs)
	ctx := context.Background()

	newRunningRun(t, p, "run-1")

	state := []byte(`{"k":"v"}`)

	pause, err := m.CreatePause(ctx, "run-1", "user-1", state)
	require.NoError(t, err)

	run, err := p.WorkflowExecutionRepository().Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowExecutionStatusPaused, run.Status)

	loaded, err := m.LoadState(ctx, pause)
	require.NoError(t, err)
	assert.Equal(t, state, loaded)

	require.NoError(t, m.ResumePause(ctx, "run-1", pause))

	run, err = p.WorkflowExecutionRepository().Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowExecutionStatusRunning, run.Status)
	require.NotNil(t, pause.ResumedAt)

	// Second resume must fail; the pause was already consumed.
	pause.ResumedAt = nil

	err = m.ResumePause(ctx, "run-1", pause)
	require.Error(t, err)
}

func TestManager_CreatePauseRequiresRunningRun(t *testing.T) {
	t.Parallel()

	p := memory.NewPersistence()
	m := NewManager(p.WorkflowExecutionRepository(), p.PauseRepository(), NewMemoryBlobStore())
	ctx := context.Background()

	newRunningRun(t, p, "run-1")

	_, err := m.CreatePause(ctx, "run-1", "user-1", []byte("state"))
	require.NoError(t, err)

	// The first pause moved the run out of RUNNING; a second create fails.
	_, err = m.CreatePause(ctx, "run-1", "user-1", []byte("state"))
	assert.ErrorIs(t, err, ErrRunNotRunning)
}

func TestManager_ResumeRequiresPausedRun(t *testing.T) {
	t.Parallel()

	p := memory.NewPersistence()
	m := NewManager(p.WorkflowExecutionRepository(), p.PauseRepository(), NewMemoryBlobStore())
	ctx := context.Background()

	newRunningRun(t, p, "run-1")

	err := m.ResumePause(ctx, "run-1", &models.PauseSnapshot{ID: "pause-1", WorkflowRunID: "run-1"})
	assert.ErrorIs(t, err, ErrRunNotPaused)
}

func TestManager_GetPauseAfterResumeReturnsNothingActive(t *testing.T) {
	t.Parallel()

	p := memory.NewPersistence()
	m := NewManager(p.WorkflowExecutionRepository(), p.PauseRepository(), NewMemoryBlobStore())
	ctx := context.Background()

	newRunningRun(t, p, "run-1")

	pause, err := m.CreatePause(ctx, "run-1", "user-1", []byte("state"))
	require.NoError(t, err)

	active, err := m.GetPause(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, pause.ID, active.ID)

	require.NoError(t, m.ResumePause(ctx, "run-1", pause))

	_, err = m.GetPause(ctx, "run-1")
	assert.ErrorIs(t, err, persistence.ErrPauseNotFound)
}

func TestManager_LargeStateRoundTrip(t *testing.T) {
	t.Parallel()

	p := memory.NewPersistence()
	m := NewManager(p.WorkflowExecutionRepository(), p.PauseRepository(), NewMemoryBlobStore())
	ctx := context.Background()

	newRunningRun(t, p, "run-1")

	state := make([]byte, 1<<20+17)
	_, err := rand.Read(state)
	require.NoError(t, err)

	pause, err := m.CreatePause(ctx, "run-1", "user-1", state)
	require.NoError(t, err)

	loaded, err := m.LoadState(ctx, pause)
	require.NoError(t, err)
	assert.Equal(t, state, loaded)
}

func TestManager_DeleteRemovesRowAndBlob(t *testing.T) {
	t.Parallel()

	p := memory.NewPersistence()
	blobs := NewMemoryBlobStore()
	m := NewManager(p.WorkflowExecutionRepository(), p.PauseRepository(), blobs)
	ctx := context.Background()

	newRunningRun(t, p, "run-1")

	pause, err := m.CreatePause(ctx, "run-1", "user-1", []byte("state"))
	require.NoError(t, err)

	require.NoError(t, m.DeletePause(ctx, pause))

	_, err = m.GetPause(ctx, "run-1")
	assert.ErrorIs(t, err, persistence.ErrPauseNotFound)

	_, err = blobs.Load(ctx, pause.StateObjectKey)
	assert.ErrorIs(t, err, ErrBlobNotFound)
}

func TestManager_PruneRespectsResumptionThreshold(t *testing.T) {
	t.Parallel()

	p := memory.NewPersistence()
	blobs := NewMemoryBlobStore()
	m := NewManager(p.WorkflowExecutionRepository(), p.PauseRepository(), blobs)
	ctx := context.Background()

	now := time.Now().UTC()
	eightDaysAgo := now.Add(-8 * 24 * time.Hour)
	hourAgo := now.Add(-time.Hour)

	stale := &models.PauseSnapshot{
		ID:             "stale",
		WorkflowRunID:  "run-1",
		OwnerUserID:    "user-1",
		StateObjectKey: StateKey("run-1", "stale"),
		CreatedAt:      eightDaysAgo,
	}
	require.NoError(t, p.PauseRepository().Create(ctx, stale))
	require.NoError(t, blobs.Save(ctx, stale.StateObjectKey, []byte("stale")))

	// Created long ago but resumed recently: resumed_at dominates once set.
	recentlyResumed := &models.PauseSnapshot{
		ID:             "resumed",
		WorkflowRunID:  "run-2",
		OwnerUserID:    "user-1",
		StateObjectKey: StateKey("run-2", "resumed"),
		CreatedAt:      eightDaysAgo,
		ResumedAt:      &hourAgo,
	}
	require.NoError(t, p.PauseRepository().Create(ctx, recentlyResumed))
	require.NoError(t, blobs.Save(ctx, recentlyResumed.StateObjectKey, []byte("resumed")))

	pruned, err := m.PrunePauses(ctx, now.Add(-24*time.Hour), now.Add(-7*24*time.Hour), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"stale"}, pruned)

	_, err = blobs.Load(ctx, stale.StateObjectKey)
	assert.ErrorIs(t, err, ErrBlobNotFound)

	_, err = blobs.Load(ctx, recentlyResumed.StateObjectKey)
	require.NoError(t, err)
}
