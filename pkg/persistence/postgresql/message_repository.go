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

// MessageRepository stores chat message records.
type MessageRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewMessageRepository creates a new message repository.
func NewMessageRepository(db *sql.DB, logger *slog.Logger) *MessageRepository {
	return &MessageRepository{db: db, logger: logger}
}

// Save upserts a message record.
func (r *MessageRepository) Save(ctx context.Context, message *models.Message) error {
	usageJSON, err := json.Marshal(message.Usage)
	if err != nil {
		return fmt.Errorf("failed to marshal usage: %w", err)
	}

	filesJSON, err := json.Marshal(message.Files)
	if err != nil {
		return fmt.Errorf("failed to marshal files: %w", err)
	}

	query := `
		INSERT INTO messages (id, task_id, conversation_id, workflow_run_id, answer, usage, files, status, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			answer = EXCLUDED.answer,
			usage = EXCLUDED.usage,
			files = EXCLUDED.files,
			status = EXCLUDED.status,
			error = EXCLUDED.error
	`

	_, err = r.db.ExecContext(ctx, query,
		message.ID,
		message.TaskID,
		nullableString(message.ConversationID),
		nullableString(message.WorkflowRunID),
		message.Answer,
		usageJSON,
		filesJSON,
		message.Status,
		message.Error,
		message.CreatedAt,
	)
	if err != nil {
		return persistence.NewExecutionError("Save", message.WorkflowRunID, err)
	}

	return nil
}

// Get returns a message by id.
func (r *MessageRepository) Get(ctx context.Context, id string) (*models.Message, error) {
	query := `
		SELECT id, task_id, conversation_id, workflow_run_id, answer, usage, files, status, error, created_at
		FROM messages
		WHERE id = $1
	`

	message := &models.Message{}

	var (
		conversationID sql.NullString
		workflowRunID  sql.NullString
		usageJSON      []byte
		filesJSON      []byte
	)

	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&message.ID,
		&message.TaskID,
		&conversationID,
		&workflowRunID,
		&message.Answer,
		&usageJSON,
		&filesJSON,
		&message.Status,
		&message.Error,
		&message.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewExecutionError("Get", "", persistence.ErrMessageNotFound)
	}

	if err != nil {
		return nil, persistence.NewExecutionError("Get", "", err)
	}

	message.ConversationID = conversationID.String
	message.WorkflowRunID = workflowRunID.String

	if len(usageJSON) > 0 && string(usageJSON) != "null" {
		message.Usage = &models.Usage{}

		err = json.Unmarshal(usageJSON, message.Usage)
		if err != nil {
			return nil, persistence.NewExecutionError("Get", "", fmt.Errorf("failed to unmarshal usage: %w", err))
		}
	}

	if len(filesJSON) > 0 && string(filesJSON) != "null" {
		err = json.Unmarshal(filesJSON, &message.Files)
		if err != nil {
			return nil, persistence.NewExecutionError("Get", "", fmt.Errorf("failed to unmarshal files: %w", err))
		}
	}

	return message, nil
}
