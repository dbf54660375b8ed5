package models

import "time"

// PauseSnapshot is the durable record of a paused run. The continuation
// state itself lives in the blob store under StateObjectKey; the bytes are
// opaque to the coordinator. At most one active (non-resumed) pause exists
// per run.
type PauseSnapshot struct {
	ID             string     `json:"id"`
	WorkflowRunID  string     `json:"workflow_run_id"`
	OwnerUserID    string     `json:"owner_user_id"`
	StateObjectKey string     `json:"state_object_key"`
	CreatedAt      time.Time  `json:"created_at"`
	ResumedAt      *time.Time `json:"resumed_at,omitempty"`
}

// Resumed reports whether this pause has already been consumed.
func (p *PauseSnapshot) Resumed() bool {
	return p.ResumedAt != nil
}
