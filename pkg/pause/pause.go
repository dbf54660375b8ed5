// Package pause coordinates checkpointing of in-flight workflow runs. A
// pause is a database row plus an opaque state blob; both are created and
// deleted together, and a run holds at most one active pause.
package pause

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/loomhq/loom/pkg/log"
	"github.com/loomhq/loom/pkg/models"
	"github.com/loomhq/loom/pkg/persistence"
)

var (
	// ErrRunNotRunning means CreatePause targeted a run outside RUNNING.
	ErrRunNotRunning = errors.New("workflow run is not running")

	// ErrRunNotPaused means ResumePause targeted a run outside PAUSED.
	ErrRunNotPaused = errors.New("workflow run is not paused")
)

// StateKey derives the blob key for one pause.
func StateKey(runID, pauseID string) string {
	return fmt.Sprintf("workflow_pause/%s/%s.state", runID, pauseID)
}

// Manager owns pause state transitions. The backing repository's row locking
// is what keeps two concurrent resumes from both succeeding; the manager
// adds no locking of its own.
type Manager struct {
	executions persistence.WorkflowExecutionRepository
	pauses     persistence.PauseRepository
	blobs      BlobStore
	logger     *slog.Logger
}

// NewManager creates a pause manager.
func NewManager(
	executions persistence.WorkflowExecutionRepository,
	pauses persistence.PauseRepository,
	blobs BlobStore,
) *Manager {
	return &Manager{
		executions: executions,
		pauses:     pauses,
		blobs:      blobs,
		logger:     log.WithModule("pause"),
	}
}

// CreatePause checkpoints a RUNNING run. The state bytes are opaque. Not
// idempotent: a second call finds the run already PAUSED and fails.
func (m *Manager) CreatePause(ctx context.Context, runID, ownerUserID string, state []byte) (*models.PauseSnapshot, error) {
	run, err := m.executions.Get(ctx, runID)
	if err != nil {
		return nil, err
	}

	if run.Status != models.WorkflowExecutionStatusRunning {
		return nil, fmt.Errorf("pause run %s in status %s: %w", runID, run.Status, ErrRunNotRunning)
	}

	pause := &models.PauseSnapshot{
		ID:            uuid.New().String(),
		WorkflowRunID: runID,
		OwnerUserID:   ownerUserID,
		CreatedAt:     time.Now().UTC(),
	}
	pause.StateObjectKey = StateKey(runID, pause.ID)

	err = m.blobs.Save(ctx, pause.StateObjectKey, state)
	if err != nil {
		return nil, err
	}

	err = m.pauses.Create(ctx, pause)
	if err != nil {
		// Roll the blob back so row and blob stay paired.
		if deleteErr := m.blobs.Delete(ctx, pause.StateObjectKey); deleteErr != nil {
			m.logger.Error("Failed to delete orphaned pause blob", "error", deleteErr, "key", pause.StateObjectKey)
		}

		return nil, err
	}

	run.Status = models.WorkflowExecutionStatusPaused

	err = m.executions.Save(ctx, run)
	if err != nil {
		return nil, err
	}

	m.logger.Info("Workflow run paused", "workflow_run_id", runID, "pause_id", pause.ID)

	return pause, nil
}

// GetPause returns the active (non-resumed) pause for a run.
func (m *Manager) GetPause(ctx context.Context, runID string) (*models.PauseSnapshot, error) {
	return m.pauses.GetActiveByRunID(ctx, runID)
}

// LoadState returns the pause's continuation bytes.
func (m *Manager) LoadState(ctx context.Context, pause *models.PauseSnapshot) ([]byte, error) {
	return m.blobs.Load(ctx, pause.StateObjectKey)
}

// ResumePause consumes a pause and flips the run back to RUNNING. A second
// resume of the same pause fails with ErrPauseAlreadyResumed; the caller
// must treat that as "someone else resumed it" and re-fetch, not retry.
func (m *Manager) ResumePause(ctx context.Context, runID string, pause *models.PauseSnapshot) error {
	run, err := m.executions.Get(ctx, runID)
	if err != nil {
		return err
	}

	if run.Status != models.WorkflowExecutionStatusPaused {
		return fmt.Errorf("resume run %s in status %s: %w", runID, run.Status, ErrRunNotPaused)
	}

	if pause.Resumed() {
		return persistence.NewExecutionError("ResumePause", runID, persistence.ErrPauseAlreadyResumed)
	}

	now := time.Now().UTC()

	err = m.pauses.MarkResumed(ctx, pause.ID, now)
	if err != nil {
		return err
	}

	pause.ResumedAt = &now
	run.Status = models.WorkflowExecutionStatusRunning

	err = m.executions.Save(ctx, run)
	if err != nil {
		return err
	}

	m.logger.Info("Workflow run resumed", "workflow_run_id", runID, "pause_id", pause.ID)

	return nil
}

// DeletePause removes the row and the blob. Leaving either behind is a bug,
// so a blob delete failure after the row is gone is surfaced, not swallowed.
func (m *Manager) DeletePause(ctx context.Context, pause *models.PauseSnapshot) error {
	err := m.pauses.Delete(ctx, pause.ID)
	if err != nil {
		return err
	}

	return m.blobs.Delete(ctx, pause.StateObjectKey)
}

// PrunePauses deletes pauses past their retention thresholds and returns the
// pruned ids. Unresumed pauses age by created_at against expiration; resumed
// ones by resumed_at against resumptionExpiration.
func (m *Manager) PrunePauses(ctx context.Context, expiration, resumptionExpiration time.Time, limit int) ([]string, error) {
	expired, err := m.pauses.FindExpired(ctx, expiration, resumptionExpiration, limit)
	if err != nil {
		return nil, err
	}

	pruned := make([]string, 0, len(expired))

	for _, pause := range expired {
		err = m.DeletePause(ctx, pause)
		if err != nil {
			return pruned, err
		}

		pruned = append(pruned, pause.ID)
	}

	if len(pruned) > 0 {
		m.logger.Info("Pruned expired pauses", "count", len(pruned))
	}

	return pruned, nil
}
