// Package responses defines the outward stream vocabulary the pipeline emits
// to its consumer. Each queue event family maps to one response kind; times
// travel as epoch seconds and durations as float seconds.
package responses

import "time"

type Kind string

const (
	KindWorkflowStarted        Kind = "workflow_started"
	KindWorkflowFinished       Kind = "workflow_finished"
	KindNodeStarted            Kind = "node_started"
	KindNodeFinished           Kind = "node_finished"
	KindNodeRetry              Kind = "node_retry"
	KindParallelBranchStarted  Kind = "parallel_branch_started"
	KindParallelBranchFinished Kind = "parallel_branch_finished"
	KindIterationStarted       Kind = "iteration_started"
	KindIterationNext          Kind = "iteration_next"
	KindIterationCompleted     Kind = "iteration_completed"
	KindLoopStarted            Kind = "loop_started"
	KindLoopNext               Kind = "loop_next"
	KindLoopCompleted          Kind = "loop_completed"
	KindTextChunk              Kind = "text_chunk"
	KindTTSMessage             Kind = "tts_message"
	KindTTSMessageEnd          Kind = "tts_message_end"
	KindPing                   Kind = "ping"
	KindError                  Kind = "error"
	KindEnd                    Kind = "end"
)

// StreamResponse is one element of the outward stream.
type StreamResponse interface {
	Kind() Kind
	TaskID() string
}

// Base carries the task id every response is tagged with.
type Base struct {
	Event Kind   `json:"event"`
	Task  string `json:"task_id"`
}

func (b Base) Kind() Kind     { return b.Event }
func (b Base) TaskID() string { return b.Task }

// NewBase tags a response with its kind and task.
func NewBase(kind Kind, taskID string) Base {
	return Base{Event: kind, Task: taskID}
}

// EpochSeconds converts a wall-clock time to the wire representation.
func EpochSeconds(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}

	return t.Unix()
}

// EpochSecondsPtr converts an optional time; nil stays nil.
func EpochSecondsPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}

	seconds := t.Unix()

	return &seconds
}

// WorkflowStartData is the payload of WorkflowStartResponse.
type WorkflowStartData struct {
	ID             string         `json:"id"`
	WorkflowID     string         `json:"workflow_id"`
	SequenceNumber int64          `json:"sequence_number"`
	Inputs         map[string]any `json:"inputs,omitempty"`
	CreatedAt      int64          `json:"created_at"`
}

type WorkflowStartResponse struct {
	Base

	WorkflowRunID string            `json:"workflow_run_id"`
	Data          WorkflowStartData `json:"data"`
}

// WorkflowFinishData is the payload of WorkflowFinishResponse.
type WorkflowFinishData struct {
	ID              string           `json:"id"`
	WorkflowID      string           `json:"workflow_id"`
	SequenceNumber  int64            `json:"sequence_number"`
	Status          string           `json:"status"`
	Outputs         map[string]any   `json:"outputs,omitempty"`
	Error           string           `json:"error,omitempty"`
	ElapsedTime     float64          `json:"elapsed_time"`
	TotalTokens     int64            `json:"total_tokens"`
	TotalSteps      int              `json:"total_steps"`
	ExceptionsCount int              `json:"exceptions_count"`
	CreatedAt       int64            `json:"created_at"`
	FinishedAt      *int64           `json:"finished_at,omitempty"`
	Files           []map[string]any `json:"files,omitempty"`
}

type WorkflowFinishResponse struct {
	Base

	WorkflowRunID string             `json:"workflow_run_id"`
	Data          WorkflowFinishData `json:"data"`
}

// NodeCorrelation mirrors the parallel/iteration/loop ids on node responses.
type NodeCorrelation struct {
	ParallelID                string `json:"parallel_id,omitempty"`
	ParallelStartNodeID       string `json:"parallel_start_node_id,omitempty"`
	ParentParallelID          string `json:"parent_parallel_id,omitempty"`
	ParentParallelStartNodeID string `json:"parent_parallel_start_node_id,omitempty"`
	IterationID               string `json:"iteration_id,omitempty"`
	LoopID                    string `json:"loop_id,omitempty"`
}

// NodeStartData is the payload of NodeStartResponse.
type NodeStartData struct {
	NodeCorrelation

	ID                string         `json:"id"`
	NodeID            string         `json:"node_id"`
	NodeType          string         `json:"node_type"`
	Title             string         `json:"title"`
	Index             int            `json:"index"`
	PredecessorNodeID string         `json:"predecessor_node_id,omitempty"`
	Inputs            map[string]any `json:"inputs,omitempty"`
	CreatedAt         int64          `json:"created_at"`
}

type NodeStartResponse struct {
	Base

	WorkflowRunID string        `json:"workflow_run_id"`
	Data          NodeStartData `json:"data"`
}

// NodeFinishData is the payload of NodeFinishResponse.
type NodeFinishData struct {
	NodeCorrelation

	ID                string           `json:"id"`
	NodeID            string           `json:"node_id"`
	NodeType          string           `json:"node_type"`
	Title             string           `json:"title"`
	Index             int              `json:"index"`
	PredecessorNodeID string           `json:"predecessor_node_id,omitempty"`
	Inputs            map[string]any   `json:"inputs,omitempty"`
	ProcessData       map[string]any   `json:"process_data,omitempty"`
	Outputs           map[string]any   `json:"outputs,omitempty"`
	Status            string           `json:"status"`
	Error             string           `json:"error,omitempty"`
	ElapsedTime       float64          `json:"elapsed_time"`
	ExecutionMetadata map[string]any   `json:"execution_metadata,omitempty"`
	CreatedAt         int64            `json:"created_at"`
	FinishedAt        *int64           `json:"finished_at,omitempty"`
	Files             []map[string]any `json:"files,omitempty"`
}

type NodeFinishResponse struct {
	Base

	WorkflowRunID string         `json:"workflow_run_id"`
	Data          NodeFinishData `json:"data"`
}

// NodeRetryData extends the finish payload with the attempt number.
type NodeRetryData struct {
	NodeFinishData

	RetryIndex int `json:"retry_index"`
}

type NodeRetryResponse struct {
	Base

	WorkflowRunID string        `json:"workflow_run_id"`
	Data          NodeRetryData `json:"data"`
}

// ParallelBranchData is the payload of both parallel branch responses.
type ParallelBranchData struct {
	ParallelID                string `json:"parallel_id"`
	ParallelBranchID          string `json:"parallel_branch_id"`
	ParentParallelID          string `json:"parent_parallel_id,omitempty"`
	ParentParallelStartNodeID string `json:"parent_parallel_start_node_id,omitempty"`
	IterationID               string `json:"iteration_id,omitempty"`
	LoopID                    string `json:"loop_id,omitempty"`
	Status                    string `json:"status,omitempty"`
	Error                     string `json:"error,omitempty"`
	CreatedAt                 int64  `json:"created_at"`
}

type ParallelBranchStartResponse struct {
	Base

	WorkflowRunID string             `json:"workflow_run_id"`
	Data          ParallelBranchData `json:"data"`
}

type ParallelBranchFinishedResponse struct {
	Base

	WorkflowRunID string             `json:"workflow_run_id"`
	Data          ParallelBranchData `json:"data"`
}

// ConstructStartData is the payload opening an iteration or loop.
type ConstructStartData struct {
	ID        string         `json:"id"`
	NodeID    string         `json:"node_id"`
	NodeType  string         `json:"node_type"`
	Title     string         `json:"title"`
	Inputs    map[string]any `json:"inputs,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt int64          `json:"created_at"`
}

// ConstructNextData is the payload advancing an iteration or loop round.
type ConstructNextData struct {
	ID        string   `json:"id"`
	NodeID    string   `json:"node_id"`
	NodeType  string   `json:"node_type"`
	Title     string   `json:"title"`
	Index     int      `json:"index"`
	Output    any      `json:"pre_iteration_output,omitempty"`
	Duration  *float64 `json:"duration,omitempty"`
	CreatedAt int64    `json:"created_at"`
}

// ConstructCompletedData is the payload closing an iteration or loop.
type ConstructCompletedData struct {
	ID          string         `json:"id"`
	NodeID      string         `json:"node_id"`
	NodeType    string         `json:"node_type"`
	Title       string         `json:"title"`
	Inputs      map[string]any `json:"inputs,omitempty"`
	Outputs     map[string]any `json:"outputs,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Status      string         `json:"status"`
	Error       string         `json:"error,omitempty"`
	ElapsedTime float64        `json:"elapsed_time"`
	Steps       int            `json:"steps"`
	CreatedAt   int64          `json:"created_at"`
	FinishedAt  *int64         `json:"finished_at,omitempty"`
}

type IterationStartResponse struct {
	Base

	WorkflowRunID string             `json:"workflow_run_id"`
	Data          ConstructStartData `json:"data"`
}

type IterationNextResponse struct {
	Base

	WorkflowRunID string            `json:"workflow_run_id"`
	Data          ConstructNextData `json:"data"`
}

type IterationCompletedResponse struct {
	Base

	WorkflowRunID string                 `json:"workflow_run_id"`
	Data          ConstructCompletedData `json:"data"`
}

type LoopStartResponse struct {
	Base

	WorkflowRunID string             `json:"workflow_run_id"`
	Data          ConstructStartData `json:"data"`
}

type LoopNextResponse struct {
	Base

	WorkflowRunID string            `json:"workflow_run_id"`
	Data          ConstructNextData `json:"data"`
}

type LoopCompletedResponse struct {
	Base

	WorkflowRunID string                 `json:"workflow_run_id"`
	Data          ConstructCompletedData `json:"data"`
}

// TextChunkData is the payload of TextChunkResponse.
type TextChunkData struct {
	Text             string   `json:"text"`
	FromVariablePath []string `json:"from_variable_selector,omitempty"`
}

type TextChunkResponse struct {
	Base

	WorkflowRunID string        `json:"workflow_run_id,omitempty"`
	Data          TextChunkData `json:"data"`
}

// TTSMessageResponse carries one base64 audio fragment.
type TTSMessageResponse struct {
	Base

	MessageID string `json:"message_id"`
	Audio     string `json:"audio"`
	CreatedAt int64  `json:"created_at"`
}

// TTSMessageEndResponse closes the audio stream for a message.
type TTSMessageEndResponse struct {
	Base

	MessageID string `json:"message_id"`
	Audio     string `json:"audio"`
	CreatedAt int64  `json:"created_at"`
}

// PingResponse is the keepalive surfaced to the consumer.
type PingResponse struct {
	Base
}

// EndResponse is the unconditional final marker of every stream.
type EndResponse struct {
	Base

	WorkflowRunID string `json:"workflow_run_id,omitempty"`
}

// NewPing builds a keepalive response.
func NewPing(taskID string) *PingResponse {
	return &PingResponse{Base: NewBase(KindPing, taskID)}
}

// NewEnd builds the stream-closing marker.
func NewEnd(taskID, workflowRunID string) *EndResponse {
	return &EndResponse{Base: NewBase(KindEnd, taskID), WorkflowRunID: workflowRunID}
}
