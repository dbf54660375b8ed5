package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/loomhq/loom/pkg/models"
	"github.com/loomhq/loom/pkg/persistence"
)

// PauseRepository handles pause snapshot rows. The partial unique index on
// (workflow_run_id) WHERE resumed_at IS NULL enforces one active pause per
// run at the database level.
type PauseRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPauseRepository creates a new pause repository.
func NewPauseRepository(db *sql.DB, logger *slog.Logger) *PauseRepository {
	return &PauseRepository{db: db, logger: logger}
}

// Create inserts a pause row, generating an id when the caller left it empty.
func (r *PauseRepository) Create(ctx context.Context, pause *models.PauseSnapshot) error {
	if pause.ID == "" {
		pause.ID = uuid.New().String()
	}

	query := `
		INSERT INTO workflow_pauses (id, workflow_run_id, owner_user_id, state_object_key, created_at, resumed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.db.ExecContext(ctx, query,
		pause.ID,
		pause.WorkflowRunID,
		pause.OwnerUserID,
		pause.StateObjectKey,
		pause.CreatedAt,
		pause.ResumedAt,
	)
	if err != nil {
		return persistence.NewExecutionError("Create", pause.WorkflowRunID, err)
	}

	return nil
}

// GetActiveByRunID returns the unresumed pause for a run.
func (r *PauseRepository) GetActiveByRunID(ctx context.Context, workflowRunID string) (*models.PauseSnapshot, error) {
	query := `
		SELECT id, workflow_run_id, owner_user_id, state_object_key, created_at, resumed_at
		FROM workflow_pauses
		WHERE workflow_run_id = $1 AND resumed_at IS NULL
	`

	pause := &models.PauseSnapshot{}

	err := r.db.QueryRowContext(ctx, query, workflowRunID).Scan(
		&pause.ID,
		&pause.WorkflowRunID,
		&pause.OwnerUserID,
		&pause.StateObjectKey,
		&pause.CreatedAt,
		&pause.ResumedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewExecutionError("GetActiveByRunID", workflowRunID, persistence.ErrPauseNotFound)
	}

	if err != nil {
		return nil, persistence.NewExecutionError("GetActiveByRunID", workflowRunID, err)
	}

	return pause, nil
}

// MarkResumed consumes a pause. The WHERE clause on resumed_at makes
// concurrent resumes race on the row update; the loser sees zero rows
// affected and gets ErrPauseAlreadyResumed.
func (r *PauseRepository) MarkResumed(ctx context.Context, pauseID string, resumedAt time.Time) error {
	query := `
		UPDATE workflow_pauses
		SET resumed_at = $2
		WHERE id = $1 AND resumed_at IS NULL
	`

	result, err := r.db.ExecContext(ctx, query, pauseID, resumedAt)
	if err != nil {
		return persistence.NewExecutionError("MarkResumed", "", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewExecutionError("MarkResumed", "", err)
	}

	if affected == 0 {
		var exists bool

		err = r.db.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM workflow_pauses WHERE id = $1)", pauseID).Scan(&exists)
		if err != nil {
			return persistence.NewExecutionError("MarkResumed", "", err)
		}

		if !exists {
			return persistence.NewExecutionError("MarkResumed", "", persistence.ErrPauseNotFound)
		}

		return persistence.NewExecutionError("MarkResumed", "", persistence.ErrPauseAlreadyResumed)
	}

	return nil
}

// Delete removes a pause row.
func (r *PauseRepository) Delete(ctx context.Context, pauseID string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM workflow_pauses WHERE id = $1", pauseID)
	if err != nil {
		return persistence.NewExecutionError("Delete", "", err)
	}

	return nil
}

// FindExpired returns pauses past their retention thresholds, oldest first.
func (r *PauseRepository) FindExpired(ctx context.Context, expiration, resumptionExpiration time.Time, limit int) ([]*models.PauseSnapshot, error) {
	query := `
		SELECT id, workflow_run_id, owner_user_id, state_object_key, created_at, resumed_at
		FROM workflow_pauses
		WHERE (resumed_at IS NULL AND created_at < $1)
			OR (resumed_at IS NOT NULL AND resumed_at < $2)
		ORDER BY created_at
	`

	args := []any{expiration, resumptionExpiration}

	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistence.NewExecutionError("FindExpired", "", err)
	}

	defer func() { _ = rows.Close() }()

	var pauses []*models.PauseSnapshot

	for rows.Next() {
		pause := &models.PauseSnapshot{}

		err = rows.Scan(
			&pause.ID,
			&pause.WorkflowRunID,
			&pause.OwnerUserID,
			&pause.StateObjectKey,
			&pause.CreatedAt,
			&pause.ResumedAt,
		)
		if err != nil {
			return nil, persistence.NewExecutionError("FindExpired", "", err)
		}

		pauses = append(pauses, pause)
	}

	err = rows.Err()
	if err != nil {
		return nil, persistence.NewExecutionError("FindExpired", "", err)
	}

	return pauses, nil
}
