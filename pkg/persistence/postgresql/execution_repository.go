package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/loomhq/loom/pkg/models"
	"github.com/loomhq/loom/pkg/persistence"
)

// WorkflowExecutionRepository handles run-related database operations.
type WorkflowExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewWorkflowExecutionRepository creates a new workflow execution repository.
func NewWorkflowExecutionRepository(db *sql.DB, logger *slog.Logger) *WorkflowExecutionRepository {
	return &WorkflowExecutionRepository{db: db, logger: logger}
}

// Save upserts a run snapshot.
func (r *WorkflowExecutionRepository) Save(ctx context.Context, execution *models.WorkflowExecution) error {
	inputsJSON, err := json.Marshal(execution.Inputs)
	if err != nil {
		return fmt.Errorf("failed to marshal inputs: %w", err)
	}

	outputsJSON, err := json.Marshal(execution.Outputs)
	if err != nil {
		return fmt.Errorf("failed to marshal outputs: %w", err)
	}

	graphJSON := []byte("null")
	if !execution.Graph.IsZero() {
		graphJSON = execution.Graph.Definition
	}

	query := `
		INSERT INTO workflow_executions (
			id, workflow_id, workflow_version, sequence_number, type, graph,
			status, inputs, outputs, error_message, total_tokens, total_steps,
			exceptions_count, started_at, finished_at, elapsed_time
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			outputs = EXCLUDED.outputs,
			error_message = EXCLUDED.error_message,
			total_tokens = EXCLUDED.total_tokens,
			total_steps = EXCLUDED.total_steps,
			exceptions_count = EXCLUDED.exceptions_count,
			finished_at = EXCLUDED.finished_at,
			elapsed_time = EXCLUDED.elapsed_time
	`

	_, err = r.db.ExecContext(ctx, query,
		execution.ID,
		execution.WorkflowID,
		execution.WorkflowVersion,
		execution.SequenceNumber,
		execution.Type,
		graphJSON,
		execution.Status,
		inputsJSON,
		outputsJSON,
		execution.ErrorMessage,
		execution.TotalTokens,
		execution.TotalSteps,
		execution.ExceptionsCount,
		execution.StartedAt,
		execution.FinishedAt,
		execution.ElapsedTime,
	)
	if err != nil {
		return persistence.NewExecutionError("Save", execution.ID, err)
	}

	return nil
}

// Get returns a run snapshot by id.
func (r *WorkflowExecutionRepository) Get(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	query := `
		SELECT id, workflow_id, workflow_version, sequence_number, type, graph,
			status, inputs, outputs, error_message, total_tokens, total_steps,
			exceptions_count, started_at, finished_at, elapsed_time
		FROM workflow_executions
		WHERE id = $1
	`

	row := r.db.QueryRowContext(ctx, query, id)

	execution := &models.WorkflowExecution{}

	var (
		graphJSON   []byte
		inputsJSON  []byte
		outputsJSON []byte
	)

	err := row.Scan(
		&execution.ID,
		&execution.WorkflowID,
		&execution.WorkflowVersion,
		&execution.SequenceNumber,
		&execution.Type,
		&graphJSON,
		&execution.Status,
		&inputsJSON,
		&outputsJSON,
		&execution.ErrorMessage,
		&execution.TotalTokens,
		&execution.TotalSteps,
		&execution.ExceptionsCount,
		&execution.StartedAt,
		&execution.FinishedAt,
		&execution.ElapsedTime,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewExecutionError("Get", id, persistence.ErrWorkflowExecutionNotFound)
	}

	if err != nil {
		return nil, persistence.NewExecutionError("Get", id, err)
	}

	if len(graphJSON) > 0 && string(graphJSON) != "null" {
		execution.Graph = models.Graph{Definition: graphJSON}
	}

	err = unmarshalMap(inputsJSON, &execution.Inputs)
	if err != nil {
		return nil, persistence.NewExecutionError("Get", id, err)
	}

	err = unmarshalMap(outputsJSON, &execution.Outputs)
	if err != nil {
		return nil, persistence.NewExecutionError("Get", id, err)
	}

	return execution, nil
}

// Create inserts a new run, assigning the sequence number as max+1 inside
// the insert statement. An advisory transaction lock on the workflow id
// serializes concurrent run starts so two runs never share a number.
func (r *WorkflowExecutionRepository) Create(ctx context.Context, execution *models.WorkflowExecution) error {
	inputsJSON, err := json.Marshal(execution.Inputs)
	if err != nil {
		return fmt.Errorf("failed to marshal inputs: %w", err)
	}

	graphJSON := []byte("null")
	if !execution.Graph.IsZero() {
		graphJSON = execution.Graph.Definition
	}

	transaction, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return persistence.NewExecutionError("Create", execution.ID, err)
	}

	defer func() { _ = transaction.Rollback() }()

	_, err = transaction.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", execution.WorkflowID)
	if err != nil {
		return persistence.NewExecutionError("Create", execution.ID, err)
	}

	query := `
		INSERT INTO workflow_executions (
			id, workflow_id, workflow_version, sequence_number, type, graph,
			status, inputs, error_message, total_tokens, total_steps,
			exceptions_count, started_at, elapsed_time
		)
		SELECT $1, $2, $3, COALESCE(MAX(sequence_number), 0) + 1, $4, $5,
			$6, $7, $8, $9, $10, $11, $12, $13
		FROM workflow_executions
		WHERE workflow_id = $2
		RETURNING sequence_number
	`

	err = transaction.QueryRowContext(ctx, query,
		execution.ID,
		execution.WorkflowID,
		execution.WorkflowVersion,
		execution.Type,
		graphJSON,
		execution.Status,
		inputsJSON,
		execution.ErrorMessage,
		execution.TotalTokens,
		execution.TotalSteps,
		execution.ExceptionsCount,
		execution.StartedAt,
		execution.ElapsedTime,
	).Scan(&execution.SequenceNumber)
	if err != nil {
		return persistence.NewExecutionError("Create", execution.ID, err)
	}

	err = transaction.Commit()
	if err != nil {
		return persistence.NewExecutionError("Create", execution.ID, err)
	}

	return nil
}

func unmarshalMap(data []byte, target *map[string]any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}

	err := json.Unmarshal(data, target)
	if err != nil {
		return fmt.Errorf("failed to unmarshal JSON column: %w", err)
	}

	return nil
}
