package models

import "time"

// Message is the chat surface's persisted record of one answer. Written once
// at stream end with the accumulated answer text, usage and recorded files.
type Message struct {
	ID             string           `json:"id"`
	TaskID         string           `json:"task_id"`
	ConversationID string           `json:"conversation_id,omitempty"`
	WorkflowRunID  string           `json:"workflow_run_id,omitempty"`
	Answer         string           `json:"answer"`
	Usage          *Usage           `json:"usage"`
	Files          []map[string]any `json:"files,omitempty"`
	Status         string           `json:"status,omitempty"`
	Error          string           `json:"error,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}
