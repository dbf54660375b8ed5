// Package persistence provides the storage abstraction layer for workflow
// executions, node executions, pauses and draft variables.
package persistence

import (
	"context"
	"time"

	"github.com/loomhq/loom/pkg/models"
)

// WorkflowExecutionRepository stores run snapshots. Save is write-through:
// the cycle manager calls it after every state change.
type WorkflowExecutionRepository interface {
	// Create inserts a new run and assigns execution.SequenceNumber as
	// max(sequence_number)+1 for the workflow. Implementations must compute
	// and assign under one transaction so two concurrent run starts never
	// share a number.
	Create(ctx context.Context, execution *models.WorkflowExecution) error

	Save(ctx context.Context, execution *models.WorkflowExecution) error
	Get(ctx context.Context, id string) (*models.WorkflowExecution, error)
}

// NodeExecutionRepository stores node invocation records.
type NodeExecutionRepository interface {
	Save(ctx context.Context, execution *models.NodeExecution) error

	// GetByNodeExecutionID resolves the engine-assigned logical id within a
	// run. When retries created multiple records, the most recent wins.
	GetByNodeExecutionID(ctx context.Context, workflowRunID, nodeExecutionID string) (*models.NodeExecution, error)

	// GetRunningExecutions lists records still in RUNNING status for a run.
	GetRunningExecutions(ctx context.Context, workflowRunID string) ([]*models.NodeExecution, error)
}

// PauseRepository stores pause snapshot rows. The blob payload lives in the
// pause package's BlobStore; row and blob are deleted together.
type PauseRepository interface {
	Create(ctx context.Context, pause *models.PauseSnapshot) error
	GetActiveByRunID(ctx context.Context, workflowRunID string) (*models.PauseSnapshot, error)

	// MarkResumed sets resumed_at on an unresumed pause. It must fail with
	// ErrPauseAlreadyResumed when the pause was already consumed, relying on
	// the backing store's row locking to serialize concurrent resumes.
	MarkResumed(ctx context.Context, pauseID string, resumedAt time.Time) error

	Delete(ctx context.Context, pauseID string) error

	// FindExpired returns pauses older than the thresholds: unresumed pauses
	// measured by created_at against expiration, resumed ones by resumed_at
	// against resumptionExpiration. limit <= 0 means unbounded.
	FindExpired(ctx context.Context, expiration, resumptionExpiration time.Time, limit int) ([]*models.PauseSnapshot, error)
}

// DraftVariableRepository is the side channel persisting a node's raw
// process data and outputs for debugger replay. Failures never affect the
// run.
type DraftVariableRepository interface {
	Save(ctx context.Context, variable *models.DraftVariable) error
	GetByNodeExecution(ctx context.Context, nodeID, nodeExecutionID string) (*models.DraftVariable, error)
}

// MessageRepository stores the chat surface's message record.
type MessageRepository interface {
	Save(ctx context.Context, message *models.Message) error
	Get(ctx context.Context, id string) (*models.Message, error)
}
