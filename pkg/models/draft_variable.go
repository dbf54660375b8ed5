package models

import "time"

// DraftVariable is a side-persisted copy of a node's raw process data and
// outputs, keyed by node and execution, used for debugger inspection. It is
// independent of the main run history.
type DraftVariable struct {
	ID              string `json:"id"`
	NodeID          string `json:"node_id"`
	NodeExecutionID string `json:"node_execution_id"`
	// EnclosingID is the iteration or loop id the node ran inside, if any.
	EnclosingID string         `json:"enclosing_id,omitempty"`
	ProcessData map[string]any `json:"process_data,omitempty"`
	Outputs     map[string]any `json:"outputs,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}
