// Package eventbus provides the domain event bus other services listen on:
// run lifecycle, message persistence and pause housekeeping notifications.
// Queue events (pkg/events) never travel here; this bus is for cross-service
// fan-out, not for driving a run.
package eventbus

import (
	"context"
	"time"
)

const (
	// Topic is the single stream all domain events are published on.
	Topic = "loom.domain-events"

	// EventKeyMetadataKey carries the partitioning key.
	EventKeyMetadataKey = "key"

	// EventTypeMetadataKey carries the concrete event type for decoding.
	EventTypeMetadataKey = "event_type"
)

// EventType identifies a domain event on the wire.
type EventType string

const (
	RunFinishedEvent      EventType = "run.finished"
	MessagePersistedEvent EventType = "message.persisted"
	PausePrunedEvent      EventType = "pause.pruned"
)

// Event is a domain event.
type Event interface {
	GetType() EventType
}

// RunFinished is published when a run reaches a terminal status.
type RunFinished struct {
	WorkflowRunID   string    `json:"workflow_run_id"`
	WorkflowID      string    `json:"workflow_id"`
	Status          string    `json:"status"`
	TotalTokens     int64     `json:"total_tokens"`
	TotalSteps      int       `json:"total_steps"`
	ExceptionsCount int       `json:"exceptions_count"`
	FinishedAt      time.Time `json:"finished_at"`
}

func (RunFinished) GetType() EventType { return RunFinishedEvent }

// MessagePersisted is published after the chat pipeline saves a message
// record, for downstream listeners such as usage billing.
type MessagePersisted struct {
	MessageID      string    `json:"message_id"`
	TaskID         string    `json:"task_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	WorkflowRunID  string    `json:"workflow_run_id,omitempty"`
	TotalTokens    int64     `json:"total_tokens"`
	CreatedAt      time.Time `json:"created_at"`
}

func (MessagePersisted) GetType() EventType { return MessagePersistedEvent }

// PausePruned is published by the janitor after a prune pass.
type PausePruned struct {
	PauseIDs []string  `json:"pause_ids"`
	PrunedAt time.Time `json:"pruned_at"`
}

func (PausePruned) GetType() EventType { return PausePrunedEvent }

// EventHandler processes one decoded domain event.
type EventHandler func(ctx context.Context, event Event) error

// EventBus publishes and subscribes to domain events.
type EventBus interface {
	Publish(ctx context.Context, key string, event Event) error
	Handle(eventType EventType, handler EventHandler)
	Subscribe(ctx context.Context) error
	Close() error
}
