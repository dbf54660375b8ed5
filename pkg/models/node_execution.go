package models

import "time"

// NodeExecutionStatus represents the lifecycle state of a single node
// invocation within a run.
type NodeExecutionStatus string

const (
	NodeExecutionStatusRunning   NodeExecutionStatus = "running"
	NodeExecutionStatusSucceeded NodeExecutionStatus = "succeeded"
	NodeExecutionStatusFailed    NodeExecutionStatus = "failed"
	// NodeExecutionStatusException marks a continue-on-error node whose
	// failure counts toward the run's exceptions_count instead of failing it.
	NodeExecutionStatusException NodeExecutionStatus = "exception"
	NodeExecutionStatusRetry     NodeExecutionStatus = "retry"
)

// NodeType identifies the kind of graph node an execution belongs to.
type NodeType string

const (
	NodeTypeStart         NodeType = "start"
	NodeTypeEnd           NodeType = "end"
	NodeTypeAnswer        NodeType = "answer"
	NodeTypeLLM           NodeType = "llm"
	NodeTypeTool          NodeType = "tool"
	NodeTypeCode          NodeType = "code"
	NodeTypeHTTPRequest   NodeType = "http-request"
	NodeTypeIfElse        NodeType = "if-else"
	NodeTypeIteration     NodeType = "iteration"
	NodeTypeLoop          NodeType = "loop"
	NodeTypeDatasource    NodeType = "datasource"
	NodeTypeKnowledge     NodeType = "knowledge-retrieval"
	NodeTypeTemplate      NodeType = "template-transform"
	NodeTypeVariableAgg   NodeType = "variable-aggregator"
	NodeTypeQuestionClass NodeType = "question-classifier"
)

// Metadata keys on NodeExecution.Metadata. The map is an open key-value
// union; these constants cover the correlation ids and markers the
// coordinator itself reads or writes.
const (
	MetadataKeyIterationID          = "iteration_id"
	MetadataKeyLoopID               = "loop_id"
	MetadataKeyParallelID           = "parallel_id"
	MetadataKeyParallelStartNodeID  = "parallel_start_node_id"
	MetadataKeyParentParallelID     = "parent_parallel_id"
	MetadataKeyParallelModeRunID    = "parallel_mode_run_id"
	MetadataKeyIterationDurationMap = "iteration_duration_map"
	MetadataKeyLoopDurationMap      = "loop_duration_map"
	MetadataKeyErrorStrategy        = "error_strategy"
	MetadataKeyRetryIndex           = "retry_index"
	MetadataKeyTotalTokens          = "total_tokens"
)

// NodeExecution is one invocation record of a single graph node. Retries
// create new records sharing the logical NodeExecutionID; everything else
// mutates the record created by the node-started event.
type NodeExecution struct {
	// ID is the persisted primary key.
	ID string `json:"id"`
	// NodeExecutionID is the engine-assigned logical id, repeated across
	// retries. Used for correlation, not uniqueness.
	NodeExecutionID string `json:"node_execution_id"`
	WorkflowID      string `json:"workflow_id"`
	// WorkflowRunID is empty for single-step debug execution.
	WorkflowRunID string `json:"workflow_run_id,omitempty"`
	// Index is the monotonic position within the run, used for trace ordering.
	Index             int                 `json:"index"`
	PredecessorNodeID string              `json:"predecessor_node_id,omitempty"`
	NodeID            string              `json:"node_id"`
	NodeType          NodeType            `json:"node_type"`
	Title             string              `json:"title"`
	Inputs            map[string]any      `json:"inputs,omitempty"`
	ProcessData       map[string]any      `json:"process_data,omitempty"`
	Outputs           map[string]any      `json:"outputs,omitempty"`
	Status            NodeExecutionStatus `json:"status"`
	Error             string              `json:"error,omitempty"`
	Metadata          map[string]any      `json:"metadata,omitempty"`
	CreatedAt         time.Time           `json:"created_at"`
	FinishedAt        *time.Time          `json:"finished_at,omitempty"`
	// ElapsedTime is seconds between created_at and finished_at, computed
	// once at finish time and never recomputed.
	ElapsedTime float64 `json:"elapsed_time"`
}

// Finish freezes the execution at now with the given status. Elapsed time is
// a point-in-time measurement taken here.
func (n *NodeExecution) Finish(status NodeExecutionStatus, now time.Time) {
	n.Status = status
	n.FinishedAt = &now
	n.ElapsedTime = now.Sub(n.CreatedAt).Seconds()
}

// SetMeta writes a metadata key, allocating the map on first use.
func (n *NodeExecution) SetMeta(key string, value any) {
	if n.Metadata == nil {
		n.Metadata = make(map[string]any)
	}

	n.Metadata[key] = value
}
