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

// NodeExecutionRepository handles node execution database operations.
type NodeExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewNodeExecutionRepository creates a new node execution repository.
func NewNodeExecutionRepository(db *sql.DB, logger *slog.Logger) *NodeExecutionRepository {
	return &NodeExecutionRepository{db: db, logger: logger}
}

const nodeExecutionColumns = `
	id, node_execution_id, workflow_id, workflow_run_id, node_index,
	predecessor_node_id, node_id, node_type, title, inputs, process_data,
	outputs, status, error, metadata, created_at, finished_at, elapsed_time
`

// Save upserts a node execution record.
func (r *NodeExecutionRepository) Save(ctx context.Context, execution *models.NodeExecution) error {
	inputsJSON, err := json.Marshal(execution.Inputs)
	if err != nil {
		return fmt.Errorf("failed to marshal inputs: %w", err)
	}

	processDataJSON, err := json.Marshal(execution.ProcessData)
	if err != nil {
		return fmt.Errorf("failed to marshal process data: %w", err)
	}

	outputsJSON, err := json.Marshal(execution.Outputs)
	if err != nil {
		return fmt.Errorf("failed to marshal outputs: %w", err)
	}

	metadataJSON, err := json.Marshal(execution.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		INSERT INTO node_executions (` + nodeExecutionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (id) DO UPDATE SET
			inputs = EXCLUDED.inputs,
			process_data = EXCLUDED.process_data,
			outputs = EXCLUDED.outputs,
			status = EXCLUDED.status,
			error = EXCLUDED.error,
			metadata = EXCLUDED.metadata,
			finished_at = EXCLUDED.finished_at,
			elapsed_time = EXCLUDED.elapsed_time
	`

	_, err = r.db.ExecContext(ctx, query,
		execution.ID,
		execution.NodeExecutionID,
		execution.WorkflowID,
		nullableString(execution.WorkflowRunID),
		execution.Index,
		nullableString(execution.PredecessorNodeID),
		execution.NodeID,
		execution.NodeType,
		execution.Title,
		inputsJSON,
		processDataJSON,
		outputsJSON,
		execution.Status,
		execution.Error,
		metadataJSON,
		execution.CreatedAt,
		execution.FinishedAt,
		execution.ElapsedTime,
	)
	if err != nil {
		return persistence.NewExecutionError("Save", execution.WorkflowRunID, err)
	}

	return nil
}

// GetByNodeExecutionID resolves the engine-assigned logical id within a run,
// preferring the most recent record when retries duplicated it.
func (r *NodeExecutionRepository) GetByNodeExecutionID(ctx context.Context, workflowRunID, nodeExecutionID string) (*models.NodeExecution, error) {
	query := `
		SELECT ` + nodeExecutionColumns + `
		FROM node_executions
		WHERE workflow_run_id = $1 AND node_execution_id = $2
		ORDER BY created_at DESC, node_index DESC
		LIMIT 1
	`

	row := r.db.QueryRowContext(ctx, query, workflowRunID, nodeExecutionID)

	execution, err := scanNodeExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewExecutionError("GetByNodeExecutionID", workflowRunID, persistence.ErrNodeExecutionNotFound)
	}

	if err != nil {
		return nil, persistence.NewExecutionError("GetByNodeExecutionID", workflowRunID, err)
	}

	return execution, nil
}

// GetRunningExecutions lists records still in RUNNING status for a run.
func (r *NodeExecutionRepository) GetRunningExecutions(ctx context.Context, workflowRunID string) ([]*models.NodeExecution, error) {
	query := `
		SELECT ` + nodeExecutionColumns + `
		FROM node_executions
		WHERE workflow_run_id = $1 AND status = $2
		ORDER BY node_index
	`

	rows, err := r.db.QueryContext(ctx, query, workflowRunID, models.NodeExecutionStatusRunning)
	if err != nil {
		return nil, persistence.NewExecutionError("GetRunningExecutions", workflowRunID, err)
	}

	defer func() { _ = rows.Close() }()

	var executions []*models.NodeExecution

	for rows.Next() {
		execution, err := scanNodeExecution(rows)
		if err != nil {
			return nil, persistence.NewExecutionError("GetRunningExecutions", workflowRunID, err)
		}

		executions = append(executions, execution)
	}

	err = rows.Err()
	if err != nil {
		return nil, persistence.NewExecutionError("GetRunningExecutions", workflowRunID, err)
	}

	return executions, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNodeExecution(row rowScanner) (*models.NodeExecution, error) {
	execution := &models.NodeExecution{}

	var (
		workflowRunID   sql.NullString
		predecessorID   sql.NullString
		inputsJSON      []byte
		processDataJSON []byte
		outputsJSON     []byte
		metadataJSON    []byte
	)

	err := row.Scan(
		&execution.ID,
		&execution.NodeExecutionID,
		&execution.WorkflowID,
		&workflowRunID,
		&execution.Index,
		&predecessorID,
		&execution.NodeID,
		&execution.NodeType,
		&execution.Title,
		&inputsJSON,
		&processDataJSON,
		&outputsJSON,
		&execution.Status,
		&execution.Error,
		&metadataJSON,
		&execution.CreatedAt,
		&execution.FinishedAt,
		&execution.ElapsedTime,
	)
	if err != nil {
		return nil, err
	}

	execution.WorkflowRunID = workflowRunID.String
	execution.PredecessorNodeID = predecessorID.String

	for _, pair := range []struct {
		data   []byte
		target *map[string]any
	}{
		{inputsJSON, &execution.Inputs},
		{processDataJSON, &execution.ProcessData},
		{outputsJSON, &execution.Outputs},
		{metadataJSON, &execution.Metadata},
	} {
		err = unmarshalMap(pair.data, pair.target)
		if err != nil {
			return nil, err
		}
	}

	return execution, nil
}

func nullableString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}
