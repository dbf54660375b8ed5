package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/loomhq/loom/pkg/models"
	"github.com/loomhq/loom/pkg/persistence"
)

// DraftVariableRepository persists per-node debugger variables.
type DraftVariableRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewDraftVariableRepository creates a new draft variable repository.
func NewDraftVariableRepository(db *sql.DB, logger *slog.Logger) *DraftVariableRepository {
	return &DraftVariableRepository{db: db, logger: logger}
}

// Save upserts on (node_id, node_execution_id) so replayed nodes overwrite
// their earlier capture.
func (r *DraftVariableRepository) Save(ctx context.Context, variable *models.DraftVariable) error {
	if variable.ID == "" {
		variable.ID = uuid.New().String()
	}

	processDataJSON, err := json.Marshal(variable.ProcessData)
	if err != nil {
		return fmt.Errorf("failed to marshal process data: %w", err)
	}

	outputsJSON, err := json.Marshal(variable.Outputs)
	if err != nil {
		return fmt.Errorf("failed to marshal outputs: %w", err)
	}

	query := `
		INSERT INTO draft_variables (id, node_id, node_execution_id, enclosing_id, process_data, outputs, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (node_id, node_execution_id) DO UPDATE SET
			enclosing_id = EXCLUDED.enclosing_id,
			process_data = EXCLUDED.process_data,
			outputs = EXCLUDED.outputs
	`

	_, err = r.db.ExecContext(ctx, query,
		variable.ID,
		variable.NodeID,
		variable.NodeExecutionID,
		nullableString(variable.EnclosingID),
		processDataJSON,
		outputsJSON,
		variable.CreatedAt,
	)
	if err != nil {
		return persistence.NewExecutionError("Save", "", err)
	}

	return nil
}

// GetByNodeExecution returns the capture for one node invocation.
func (r *DraftVariableRepository) GetByNodeExecution(ctx context.Context, nodeID, nodeExecutionID string) (*models.DraftVariable, error) {
	query := `
		SELECT id, node_id, node_execution_id, enclosing_id, process_data, outputs, created_at
		FROM draft_variables
		WHERE node_id = $1 AND node_execution_id = $2
	`

	variable := &models.DraftVariable{}

	var (
		enclosingID     sql.NullString
		processDataJSON []byte
		outputsJSON     []byte
	)

	err := r.db.QueryRowContext(ctx, query, nodeID, nodeExecutionID).Scan(
		&variable.ID,
		&variable.NodeID,
		&variable.NodeExecutionID,
		&enclosingID,
		&processDataJSON,
		&outputsJSON,
		&variable.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewExecutionError("GetByNodeExecution", "", persistence.ErrNodeExecutionNotFound)
	}

	if err != nil {
		return nil, persistence.NewExecutionError("GetByNodeExecution", "", err)
	}

	variable.EnclosingID = enclosingID.String

	err = unmarshalMap(processDataJSON, &variable.ProcessData)
	if err != nil {
		return nil, persistence.NewExecutionError("GetByNodeExecution", "", err)
	}

	err = unmarshalMap(outputsJSON, &variable.Outputs)
	if err != nil {
		return nil, persistence.NewExecutionError("GetByNodeExecution", "", err)
	}

	return variable, nil
}
