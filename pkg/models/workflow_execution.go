// Package models defines the core domain models for the workflow run coordinator.
package models

import "time"

// WorkflowType distinguishes the surface a run was started from.
type WorkflowType string

const (
	WorkflowTypeWorkflow    WorkflowType = "workflow"
	WorkflowTypeChat        WorkflowType = "chat"
	WorkflowTypeRAGPipeline WorkflowType = "rag-pipeline"
)

// WorkflowExecutionStatus represents the lifecycle state of a run.
type WorkflowExecutionStatus string

const (
	WorkflowExecutionStatusRunning          WorkflowExecutionStatus = "running"
	WorkflowExecutionStatusPaused           WorkflowExecutionStatus = "paused"
	WorkflowExecutionStatusSucceeded        WorkflowExecutionStatus = "succeeded"
	WorkflowExecutionStatusPartialSucceeded WorkflowExecutionStatus = "partial-succeeded"
	WorkflowExecutionStatusFailed           WorkflowExecutionStatus = "failed"
	WorkflowExecutionStatusStopped          WorkflowExecutionStatus = "stopped"
)

// IsTerminal reports whether no further transition is allowed out of s.
func (s WorkflowExecutionStatus) IsTerminal() bool {
	switch s {
	case WorkflowExecutionStatusSucceeded,
		WorkflowExecutionStatusPartialSucceeded,
		WorkflowExecutionStatusFailed,
		WorkflowExecutionStatusStopped:
		return true
	default:
		return false
	}
}

// CanTransitionTo validates a status edge. PAUSED -> RUNNING is the only
// resumption edge; terminal states have no outgoing edges.
func (s WorkflowExecutionStatus) CanTransitionTo(next WorkflowExecutionStatus) bool {
	if s.IsTerminal() {
		return false
	}

	switch s {
	case WorkflowExecutionStatusRunning:
		return next != WorkflowExecutionStatusRunning
	case WorkflowExecutionStatusPaused:
		return next == WorkflowExecutionStatusRunning
	default:
		return false
	}
}

// WorkflowExecution is one run of a workflow. It is owned exclusively by the
// cycle manager while the run is live and becomes a read-only historical
// record once the status is terminal.
type WorkflowExecution struct {
	ID              string                  `json:"id"`
	WorkflowID      string                  `json:"workflow_id"`
	WorkflowVersion string                  `json:"workflow_version"`
	SequenceNumber  int64                   `json:"sequence_number"`
	Type            WorkflowType            `json:"type"`
	Graph           Graph                   `json:"graph"`
	Status          WorkflowExecutionStatus `json:"status"`
	Inputs          map[string]any          `json:"inputs,omitempty"`
	Outputs         map[string]any          `json:"outputs,omitempty"`
	ErrorMessage    string                  `json:"error_message,omitempty"`
	TotalTokens     int64                   `json:"total_tokens"`
	TotalSteps      int                     `json:"total_steps"`
	ExceptionsCount int                     `json:"exceptions_count"`
	StartedAt       time.Time               `json:"started_at"`
	FinishedAt      *time.Time              `json:"finished_at,omitempty"`
	ElapsedTime     float64                 `json:"elapsed_time"`
}

// Elapsed returns (finished_at or now) - started_at in seconds. Once the run
// finishes, ElapsedTime holds the frozen point-in-time measurement and this
// helper returns it unchanged.
func (e *WorkflowExecution) Elapsed(now time.Time) float64 {
	if e.FinishedAt != nil {
		return e.ElapsedTime
	}

	return now.Sub(e.StartedAt).Seconds()
}
