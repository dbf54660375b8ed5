// Package pipeline adapts the cycle manager's event stream to a caller
// surface. WorkflowPipeline serves headless batch runs; ChatPipeline adds
// the chat-only side effects: message persistence, TTS audio interleaving
// and conversation naming.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/loomhq/loom/pkg/cycle"
	"github.com/loomhq/loom/pkg/eventbus"
	"github.com/loomhq/loom/pkg/models"
	"github.com/loomhq/loom/pkg/persistence"
	"github.com/loomhq/loom/pkg/responses"
)

// ErrQueueListeningStopped means the event stream ended without a terminal
// marker: an internal contract violation, not a user error.
var ErrQueueListeningStopped = errors.New("queue listening stopped unexpectedly")

const (
	// ttsGracePeriod bounds the wait for trailing audio after the stream ends.
	ttsGracePeriod = 3 * time.Second

	// ttsPollInterval is the sleep between trailing-audio polls.
	ttsPollInterval = 50 * time.Millisecond
)

// App surfaces a run may be invoked from.
const (
	SurfaceWebApp     = "web-app"
	SurfaceServiceAPI = "service-api"
	SurfaceDebugger   = "debugger"
)

// RunContext carries everything one run invocation needs.
type RunContext struct {
	TaskID          string `validate:"required"`
	WorkflowID      string `validate:"required"`
	WorkflowVersion string
	UserID          string `validate:"required"`
	AppSurface      string `validate:"omitempty,oneof=web-app service-api debugger"`

	// Stream selects ProcessStream over Process semantics.
	Stream bool

	RunID           string
	ConversationID  string
	MessageID       string
	Type            models.WorkflowType
	Graph           models.Graph
	Inputs          map[string]any
	SystemVariables map[string]any
	Runtime         *models.RuntimeState
}

// Dependencies bundles the collaborators a pipeline wires into each run's
// cycle manager.
type Dependencies struct {
	Executions     persistence.WorkflowExecutionRepository
	NodeExecutions persistence.NodeExecutionRepository
	DraftVariables persistence.DraftVariableRepository
	Messages       persistence.MessageRepository
	Bus            eventbus.EventBus
	Traces         cycle.TraceEnqueuer
}

// BlockingResponse is the accumulated result of a non-streaming run.
type BlockingResponse struct {
	TaskID        string                           `json:"task_id"`
	WorkflowRunID string                           `json:"workflow_run_id"`
	Finish        *responses.WorkflowFinishResponse `json:"finish,omitempty"`
	Error         *responses.ErrorResponse          `json:"error,omitempty"`
}

var runContextValidator = validator.New()

func validateRunContext(rc *RunContext) error {
	return runContextValidator.Struct(rc)
}

func newManager(rc *RunContext, deps Dependencies) *cycle.Manager {
	options := make([]cycle.Option, 0, 2)

	if deps.DraftVariables != nil {
		options = append(options, cycle.WithDraftVariableRepository(deps.DraftVariables))
	}

	if deps.Traces != nil {
		options = append(options, cycle.WithTraceEnqueuer(deps.Traces))
	}

	return cycle.NewManager(cycle.RunParams{
		TaskID:          rc.TaskID,
		RunID:           rc.RunID,
		WorkflowID:      rc.WorkflowID,
		WorkflowVersion: rc.WorkflowVersion,
		Type:            rc.Type,
		Graph:           rc.Graph,
		Inputs:          rc.Inputs,
		SystemVariables: rc.SystemVariables,
		UserID:          rc.UserID,
		Runtime:         rc.Runtime,
	}, deps.Executions, deps.NodeExecutions, options...)
}

// drain consumes a stream keeping only the terminal markers, the blocking
// mode's contract.
func drain(stream <-chan responses.StreamResponse, taskID string) (*BlockingResponse, error) {
	result := &BlockingResponse{TaskID: taskID}
	ended := false

	for response := range stream {
		switch r := response.(type) {
		case *responses.WorkflowFinishResponse:
			result.Finish = r
			result.WorkflowRunID = r.WorkflowRunID
		case *responses.ErrorResponse:
			result.Error = r
		case *responses.EndResponse:
			ended = true

			if result.WorkflowRunID == "" {
				result.WorkflowRunID = r.WorkflowRunID
			}
		}
	}

	if !ended {
		return nil, ErrQueueListeningStopped
	}

	return result, nil
}

// publishRunFinished notifies domain listeners of a terminal run. Fire and
// forget: a bus failure is logged, never surfaced to the stream.
func publishRunFinished(ctx context.Context, bus eventbus.EventBus, run *models.WorkflowExecution, logger *slog.Logger) {
	if bus == nil || run == nil || !run.Status.IsTerminal() {
		return
	}

	finishedAt := time.Now().UTC()
	if run.FinishedAt != nil {
		finishedAt = *run.FinishedAt
	}

	err := bus.Publish(ctx, run.ID, &eventbus.RunFinished{
		WorkflowRunID:   run.ID,
		WorkflowID:      run.WorkflowID,
		Status:          string(run.Status),
		TotalTokens:     run.TotalTokens,
		TotalSteps:      run.TotalSteps,
		ExceptionsCount: run.ExceptionsCount,
		FinishedAt:      finishedAt,
	})
	if err != nil {
		logger.Warn("Failed to publish run finished event", "error", err, "workflow_run_id", run.ID)
	}
}

// forward pushes every translated response to the consumer and reports the
// last workflow finish seen.
func forward(out chan<- responses.StreamResponse, batch []responses.StreamResponse, last *responses.WorkflowFinishResponse) *responses.WorkflowFinishResponse {
	for _, response := range batch {
		if finish, ok := response.(*responses.WorkflowFinishResponse); ok {
			last = finish
		}

		out <- response
	}

	return last
}
