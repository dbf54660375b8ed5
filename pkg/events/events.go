// Package events defines the queue event vocabulary emitted by the graph
// execution engine and consumed by the workflow cycle manager.
//
// The vocabulary is a closed union: every event type embeds BaseEvent and is
// dispatched with a single type switch, so adding a kind is a compile-time
// exercise rather than a runtime type-assertion chain.
package events

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	WorkflowStartedEvent          EventType = "workflow.started"
	WorkflowSucceededEvent        EventType = "workflow.succeeded"
	WorkflowPartialSucceededEvent EventType = "workflow.partial-succeeded"
	WorkflowFailedEvent           EventType = "workflow.failed"

	NodeStartedEvent           EventType = "node.started"
	NodeSucceededEvent         EventType = "node.succeeded"
	NodeFailedEvent            EventType = "node.failed"
	NodeInIterationFailedEvent EventType = "node.in-iteration-failed"
	NodeInLoopFailedEvent      EventType = "node.in-loop-failed"
	NodeExceptionEvent         EventType = "node.exception"
	NodeRetryEvent             EventType = "node.retry"

	ParallelBranchStartedEvent   EventType = "parallel-branch.started"
	ParallelBranchSucceededEvent EventType = "parallel-branch.succeeded"
	ParallelBranchFailedEvent    EventType = "parallel-branch.failed"

	IterationStartEvent     EventType = "iteration.start"
	IterationNextEvent      EventType = "iteration.next"
	IterationCompletedEvent EventType = "iteration.completed"

	LoopStartEvent     EventType = "loop.start"
	LoopNextEvent      EventType = "loop.next"
	LoopCompletedEvent EventType = "loop.completed"

	TextChunkEvent EventType = "text.chunk"
	PingEvent      EventType = "ping"
	StopEvent      EventType = "stop"
)

// Event is a queue event. The unexported marker keeps the union closed to
// this package's types.
type Event interface {
	GetType() EventType
	queueEvent()
}

type BaseEvent struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}

func (BaseEvent) queueEvent() {}

func NewBaseEvent() BaseEvent {
	return BaseEvent{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
	}
}

// Correlation carries the parallel/iteration/loop ids most node-level events
// share. Empty fields mean the node runs outside the construct in question.
type Correlation struct {
	ParallelID                string `json:"parallel_id,omitempty"`
	ParallelStartNodeID       string `json:"parallel_start_node_id,omitempty"`
	ParentParallelID          string `json:"parent_parallel_id,omitempty"`
	ParentParallelStartNodeID string `json:"parent_parallel_start_node_id,omitempty"`
	ParallelModeRunID         string `json:"parallel_mode_run_id,omitempty"`
	InIterationID             string `json:"in_iteration_id,omitempty"`
	InLoopID                  string `json:"in_loop_id,omitempty"`
}

// WorkflowStarted opens a run. The run's workflow, graph snapshot and inputs
// come from the run context the cycle manager was built with.
type WorkflowStarted struct {
	BaseEvent
}

func (WorkflowStarted) GetType() EventType { return WorkflowStartedEvent }

// WorkflowSucceeded finishes a run with every node succeeded.
type WorkflowSucceeded struct {
	BaseEvent

	Outputs map[string]any `json:"outputs,omitempty"`
}

func (WorkflowSucceeded) GetType() EventType { return WorkflowSucceededEvent }

// WorkflowPartialSucceeded finishes a run in which continue-on-error nodes
// failed but the run as a whole completed.
type WorkflowPartialSucceeded struct {
	BaseEvent

	Outputs         map[string]any `json:"outputs,omitempty"`
	ExceptionsCount int            `json:"exceptions_count"`
}

func (WorkflowPartialSucceeded) GetType() EventType { return WorkflowPartialSucceededEvent }

// WorkflowFailed finishes a run with a failure.
type WorkflowFailed struct {
	BaseEvent

	Error           string `json:"error"`
	ExceptionsCount int    `json:"exceptions_count"`
}

func (WorkflowFailed) GetType() EventType { return WorkflowFailedEvent }

// NodeStarted opens a node execution record.
type NodeStarted struct {
	BaseEvent
	Correlation

	NodeExecutionID   string    `json:"node_execution_id"`
	NodeID            string    `json:"node_id"`
	NodeType          string    `json:"node_type"`
	Title             string    `json:"title"`
	PredecessorNodeID string    `json:"predecessor_node_id,omitempty"`
	NodeRunIndex      int       `json:"node_run_index"`
	StartAt           time.Time `json:"start_at"`
}

func (NodeStarted) GetType() EventType { return NodeStartedEvent }

// NodeSucceeded closes a node execution record successfully.
type NodeSucceeded struct {
	BaseEvent
	Correlation

	NodeExecutionID   string         `json:"node_execution_id"`
	Inputs            map[string]any `json:"inputs,omitempty"`
	ProcessData       map[string]any `json:"process_data,omitempty"`
	Outputs           map[string]any `json:"outputs,omitempty"`
	ExecutionMetadata map[string]any `json:"execution_metadata,omitempty"`
	StartAt           time.Time      `json:"start_at"`
}

func (NodeSucceeded) GetType() EventType { return NodeSucceededEvent }

// NodeFailed closes a node execution record with a run-failing error.
type NodeFailed struct {
	BaseEvent
	Correlation

	NodeExecutionID   string         `json:"node_execution_id"`
	Error             string         `json:"error"`
	Inputs            map[string]any `json:"inputs,omitempty"`
	ProcessData       map[string]any `json:"process_data,omitempty"`
	Outputs           map[string]any `json:"outputs,omitempty"`
	ExecutionMetadata map[string]any `json:"execution_metadata,omitempty"`
	StartAt           time.Time      `json:"start_at"`
}

func (NodeFailed) GetType() EventType { return NodeFailedEvent }

// NodeInIterationFailed is a node failure scoped to an iteration body.
type NodeInIterationFailed struct {
	NodeFailed
}

func (NodeInIterationFailed) GetType() EventType { return NodeInIterationFailedEvent }

// NodeInLoopFailed is a node failure scoped to a loop body.
type NodeInLoopFailed struct {
	NodeFailed
}

func (NodeInLoopFailed) GetType() EventType { return NodeInLoopFailedEvent }

// NodeException is a failure of a continue-on-error node. It contributes to
// the run's exceptions_count instead of failing the run.
type NodeException struct {
	NodeFailed
}

func (NodeException) GetType() EventType { return NodeExceptionEvent }

// NodeRetry records one retry attempt. Unlike the other node events it
// produces a new node execution record, preserving retry history.
type NodeRetry struct {
	BaseEvent
	Correlation

	NodeExecutionID   string         `json:"node_execution_id"`
	NodeID            string         `json:"node_id"`
	NodeType          string         `json:"node_type"`
	Title             string         `json:"title"`
	PredecessorNodeID string         `json:"predecessor_node_id,omitempty"`
	NodeRunIndex      int            `json:"node_run_index"`
	RetryIndex        int            `json:"retry_index"`
	Error             string         `json:"error"`
	Inputs            map[string]any `json:"inputs,omitempty"`
	Outputs           map[string]any `json:"outputs,omitempty"`
	ExecutionMetadata map[string]any `json:"execution_metadata,omitempty"`
	StartAt           time.Time      `json:"start_at"`
}

func (NodeRetry) GetType() EventType { return NodeRetryEvent }

// ParallelBranchStarted marks a branch beginning inside a parallel construct.
type ParallelBranchStarted struct {
	BaseEvent
	Correlation
}

func (ParallelBranchStarted) GetType() EventType { return ParallelBranchStartedEvent }

// ParallelBranchSucceeded marks a branch finishing cleanly.
type ParallelBranchSucceeded struct {
	BaseEvent
	Correlation
}

func (ParallelBranchSucceeded) GetType() EventType { return ParallelBranchSucceededEvent }

// ParallelBranchFailed marks a branch finishing with an error.
type ParallelBranchFailed struct {
	BaseEvent
	Correlation

	Error string `json:"error"`
}

func (ParallelBranchFailed) GetType() EventType { return ParallelBranchFailedEvent }

// IterationStart opens an iteration construct.
type IterationStart struct {
	BaseEvent
	Correlation

	NodeID   string         `json:"node_id"`
	NodeType string         `json:"node_type"`
	Title    string         `json:"title"`
	Inputs   map[string]any `json:"inputs,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	StartAt  time.Time      `json:"start_at"`
}

func (IterationStart) GetType() EventType { return IterationStartEvent }

// IterationNext advances an iteration to its next round.
type IterationNext struct {
	BaseEvent
	Correlation

	NodeID   string   `json:"node_id"`
	NodeType string   `json:"node_type"`
	Title    string   `json:"title"`
	Index    int      `json:"index"`
	Output   any      `json:"output,omitempty"`
	Duration *float64 `json:"duration,omitempty"`
}

func (IterationNext) GetType() EventType { return IterationNextEvent }

// IterationCompleted closes an iteration construct. A non-empty Error means
// the iteration as a whole failed.
type IterationCompleted struct {
	BaseEvent
	Correlation

	NodeID   string         `json:"node_id"`
	NodeType string         `json:"node_type"`
	Title    string         `json:"title"`
	Inputs   map[string]any `json:"inputs,omitempty"`
	Outputs  map[string]any `json:"outputs,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Steps    int            `json:"steps"`
	Error    string         `json:"error,omitempty"`
	StartAt  time.Time      `json:"start_at"`
}

func (IterationCompleted) GetType() EventType { return IterationCompletedEvent }

// LoopStart opens a loop construct.
type LoopStart struct {
	IterationStart
}

func (LoopStart) GetType() EventType { return LoopStartEvent }

// LoopNext advances a loop to its next round.
type LoopNext struct {
	IterationNext
}

func (LoopNext) GetType() EventType { return LoopNextEvent }

// LoopCompleted closes a loop construct.
type LoopCompleted struct {
	IterationCompleted
}

func (LoopCompleted) GetType() EventType { return LoopCompletedEvent }

// TextChunk is a streamed fragment of answer text.
type TextChunk struct {
	BaseEvent

	Text             string   `json:"text"`
	FromVariablePath []string `json:"from_variable_path,omitempty"`
}

func (TextChunk) GetType() EventType { return TextChunkEvent }

// Ping is a keepalive injected by the queue while the engine is idle.
type Ping struct {
	BaseEvent
}

func (Ping) GetType() EventType { return PingEvent }

// Stop is the terminal event produced when an out-of-band stop flag is
// observed. It always ends the stream.
type Stop struct {
	BaseEvent

	Reason    string `json:"reason"`
	StoppedBy string `json:"stopped_by,omitempty"`
}

func (Stop) GetType() EventType { return StopEvent }
