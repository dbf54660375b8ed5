// Package cycle implements the workflow cycle manager: the single
// authoritative translator from queue events to state mutations, persisted
// snapshots and stream responses.
//
// The manager is not a scheduler. It reacts to whatever order the graph
// engine emits, one event at a time, single-threaded per run. Every state
// change is persisted write-through before the corresponding response is
// returned.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loomhq/loom/pkg/events"
	"github.com/loomhq/loom/pkg/log"
	"github.com/loomhq/loom/pkg/models"
	"github.com/loomhq/loom/pkg/persistence"
	"github.com/loomhq/loom/pkg/responses"
	"github.com/loomhq/loom/pkg/trace"
)

var (
	// ErrRunNotInitialized means an event referenced run state that should
	// already exist. An ordering violation upstream, fatal to the run.
	ErrRunNotInitialized = errors.New("workflow run not initialized")

	// ErrRunAlreadyStarted means a second WorkflowStarted arrived for the
	// same manager.
	ErrRunAlreadyStarted = errors.New("workflow run already started")

	// ErrRunAlreadyFinished means an event tried to mutate a terminal run.
	ErrRunAlreadyFinished = errors.New("workflow run already finished")
)

// systemVariableConversation is excluded from the persisted input snapshot;
// conversation state lives on the message record, not the run.
const systemVariableConversation = "conversation"

// TraceEnqueuer receives fire-and-forget trace tasks on run transitions.
type TraceEnqueuer interface {
	EnqueueTask(task trace.Task)
}

// RunParams is everything a manager needs to open a run. Runtime is the
// graph engine's live counter snapshot; the engine mutates it and the
// manager reads it at run finish.
type RunParams struct {
	TaskID          string
	RunID           string
	WorkflowID      string
	WorkflowVersion string
	Type            models.WorkflowType
	Graph           models.Graph
	Inputs          map[string]any
	SystemVariables map[string]any
	UserID          string
	Runtime         *models.RuntimeState
}

// Manager drives the run and node state machines for one run.
type Manager struct {
	params         RunParams
	executions     persistence.WorkflowExecutionRepository
	nodeExecutions persistence.NodeExecutionRepository
	draftVariables persistence.DraftVariableRepository
	traces         TraceEnqueuer
	logger         *slog.Logger

	run       *models.WorkflowExecution
	nodeCache map[string]*models.NodeExecution
	files     []map[string]any

	sideEffects sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithDraftVariableRepository enables the async draft variable side channel.
func WithDraftVariableRepository(repo persistence.DraftVariableRepository) Option {
	return func(m *Manager) {
		m.draftVariables = repo
	}
}

// WithTraceEnqueuer attaches the trace side channel.
func WithTraceEnqueuer(traces TraceEnqueuer) Option {
	return func(m *Manager) {
		m.traces = traces
	}
}

// NewManager creates a cycle manager for one run.
func NewManager(
	params RunParams,
	executions persistence.WorkflowExecutionRepository,
	nodeExecutions persistence.NodeExecutionRepository,
	options ...Option,
) *Manager {
	m := &Manager{
		params:         params,
		executions:     executions,
		nodeExecutions: nodeExecutions,
		nodeCache:      make(map[string]*models.NodeExecution),
		logger:         log.WithModule("cycle").With("task_id", params.TaskID, "workflow_id", params.WorkflowID),
	}

	for _, option := range options {
		option(m)
	}

	return m
}

// Run returns the live run record, nil before WorkflowStarted.
func (m *Manager) Run() *models.WorkflowExecution {
	return m.run
}

// Files returns the file outputs collected from ANSWER and END nodes.
func (m *Manager) Files() []map[string]any {
	return m.files
}

// Wait joins the async side effects (draft variable persistence). Called by
// the pipeline before it signals stream completion.
func (m *Manager) Wait() {
	m.sideEffects.Wait()
}

// Process consumes one queue event and returns the stream responses it
// translates to, usually zero or one. Errors are fatal to the run; the
// caller terminates the stream with an error response.
func (m *Manager) Process(ctx context.Context, event events.Event) ([]responses.StreamResponse, error) {
	switch ev := event.(type) {
	case *events.WorkflowStarted:
		return m.handleWorkflowStarted(ctx, ev)
	case *events.WorkflowSucceeded:
		return m.handleWorkflowFinished(ctx, models.WorkflowExecutionStatusSucceeded, ev.Outputs, "", 0)
	case *events.WorkflowPartialSucceeded:
		return m.handleWorkflowFinished(ctx, models.WorkflowExecutionStatusPartialSucceeded, ev.Outputs, "", ev.ExceptionsCount)
	case *events.WorkflowFailed:
		return m.handleWorkflowFailed(ctx, ev)
	case *events.NodeStarted:
		return m.handleNodeStarted(ctx, ev)
	case *events.NodeSucceeded:
		return m.handleNodeSucceeded(ctx, ev)
	case *events.NodeFailed:
		return m.handleNodeFailed(ctx, ev, models.NodeExecutionStatusFailed)
	case *events.NodeInIterationFailed:
		return m.handleNodeFailed(ctx, &ev.NodeFailed, models.NodeExecutionStatusFailed)
	case *events.NodeInLoopFailed:
		return m.handleNodeFailed(ctx, &ev.NodeFailed, models.NodeExecutionStatusFailed)
	case *events.NodeException:
		return m.handleNodeFailed(ctx, &ev.NodeFailed, models.NodeExecutionStatusException)
	case *events.NodeRetry:
		return m.handleNodeRetry(ctx, ev)
	case *events.ParallelBranchStarted:
		return m.handleParallelBranchStarted(ev)
	case *events.ParallelBranchSucceeded:
		return m.handleParallelBranchFinished(&ev.Correlation, "succeeded", "")
	case *events.ParallelBranchFailed:
		return m.handleParallelBranchFinished(&ev.Correlation, "failed", ev.Error)
	case *events.IterationStart:
		return m.handleConstructStart(ev, responses.KindIterationStarted)
	case *events.IterationNext:
		return m.handleConstructNext(ev, responses.KindIterationNext)
	case *events.IterationCompleted:
		return m.handleConstructCompleted(ev, responses.KindIterationCompleted)
	case *events.LoopStart:
		return m.handleConstructStart(&ev.IterationStart, responses.KindLoopStarted)
	case *events.LoopNext:
		return m.handleConstructNext(&ev.IterationNext, responses.KindLoopNext)
	case *events.LoopCompleted:
		return m.handleConstructCompleted(&ev.IterationCompleted, responses.KindLoopCompleted)
	case *events.TextChunk:
		return m.handleTextChunk(ev)
	case *events.Ping:
		return []responses.StreamResponse{responses.NewPing(m.params.TaskID)}, nil
	case *events.Stop:
		return m.handleStop(ctx, ev)
	default:
		return nil, fmt.Errorf("unhandled queue event type %q", event.GetType())
	}
}

func (m *Manager) runID() string {
	if m.run == nil {
		return ""
	}

	return m.run.ID
}

// suppressed reports whether node start/finish responses are withheld for
// this node type. Iteration and loop nodes report through their own event
// family instead, so the same logical step is never double-reported.
func suppressed(nodeType models.NodeType) bool {
	return nodeType == models.NodeTypeIteration || nodeType == models.NodeTypeLoop
}

// lookupNodeExecution resolves the engine-assigned logical id, preferring
// the in-memory record owned by this run.
func (m *Manager) lookupNodeExecution(ctx context.Context, nodeExecutionID string) (*models.NodeExecution, error) {
	if execution, ok := m.nodeCache[nodeExecutionID]; ok {
		return execution, nil
	}

	execution, err := m.nodeExecutions.GetByNodeExecutionID(ctx, m.runID(), nodeExecutionID)
	if err != nil {
		return nil, err
	}

	m.nodeCache[nodeExecutionID] = execution

	return execution, nil
}

func (m *Manager) enqueueTrace(task trace.Task) {
	if m.traces == nil {
		return
	}

	m.traces.EnqueueTask(task)
}

func (m *Manager) persistDraftVariable(ctx context.Context, execution *models.NodeExecution) {
	if m.draftVariables == nil {
		return
	}

	variable := &models.DraftVariable{
		NodeID:          execution.NodeID,
		NodeExecutionID: execution.NodeExecutionID,
		EnclosingID:     enclosingConstructID(execution.Metadata),
		ProcessData:     execution.ProcessData,
		Outputs:         execution.Outputs,
		CreatedAt:       time.Now().UTC(),
	}

	detached := context.WithoutCancel(ctx)

	m.sideEffects.Add(1)

	go func() {
		defer m.sideEffects.Done()

		err := m.draftVariables.Save(detached, variable)
		if err != nil {
			m.logger.Warn("Failed to persist draft variable",
				"error", err,
				"node_id", variable.NodeID,
				"node_execution_id", variable.NodeExecutionID)
		}
	}()
}

func enclosingConstructID(metadata map[string]any) string {
	for _, key := range []string{models.MetadataKeyIterationID, models.MetadataKeyLoopID} {
		if id, ok := metadata[key].(string); ok && id != "" {
			return id
		}
	}

	return ""
}

func uniqueID() string {
	return uuid.New().String()
}
