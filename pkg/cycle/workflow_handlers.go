package cycle

import (
	"context"
	"time"

	"github.com/loomhq/loom/pkg/events"
	"github.com/loomhq/loom/pkg/models"
	"github.com/loomhq/loom/pkg/responses"
	"github.com/loomhq/loom/pkg/trace"
)

func (m *Manager) handleWorkflowStarted(ctx context.Context, _ *events.WorkflowStarted) ([]responses.StreamResponse, error) {
	if m.run != nil {
		return nil, ErrRunAlreadyStarted
	}

	now := time.Now().UTC()

	runID := m.params.RunID
	if runID == "" {
		runID = uniqueID()
	}

	run := &models.WorkflowExecution{
		ID:              runID,
		WorkflowID:      m.params.WorkflowID,
		WorkflowVersion: m.params.WorkflowVersion,
		Type:            m.params.Type,
		Graph:           m.params.Graph.Clone(),
		Status:          models.WorkflowExecutionStatusRunning,
		Inputs:          m.snapshotInputs(),
		StartedAt:       now,
	}

	// Create assigns the sequence number atomically with the max lookup.
	err := m.executions.Create(ctx, run)
	if err != nil {
		return nil, err
	}

	m.run = run
	m.logger = m.logger.With("workflow_run_id", run.ID)
	m.logger.Info("Workflow run started", "sequence_number", run.SequenceNumber)

	response := &responses.WorkflowStartResponse{
		Base:          responses.NewBase(responses.KindWorkflowStarted, m.params.TaskID),
		WorkflowRunID: run.ID,
		Data: responses.WorkflowStartData{
			ID:             run.ID,
			WorkflowID:     run.WorkflowID,
			SequenceNumber: run.SequenceNumber,
			Inputs:         run.Inputs,
			CreatedAt:      responses.EpochSeconds(run.StartedAt),
		},
	}

	return []responses.StreamResponse{response}, nil
}

// snapshotInputs merges the initial inputs with sys.-prefixed system
// variables into an immutable run snapshot. The conversation variable is
// excluded; it belongs to the message record.
func (m *Manager) snapshotInputs() map[string]any {
	inputs := make(map[string]any, len(m.params.Inputs)+len(m.params.SystemVariables))

	for key, value := range m.params.Inputs {
		inputs[key] = value
	}

	for key, value := range m.params.SystemVariables {
		if key == systemVariableConversation {
			continue
		}

		inputs["sys."+key] = value
	}

	return inputs
}

func (m *Manager) handleWorkflowFinished(
	ctx context.Context,
	status models.WorkflowExecutionStatus,
	outputs map[string]any,
	errorMessage string,
	exceptionsCount int,
) ([]responses.StreamResponse, error) {
	run, err := m.finalizeRun(ctx, status, outputs, errorMessage, exceptionsCount)
	if err != nil {
		return nil, err
	}

	return []responses.StreamResponse{m.workflowFinishResponse(run)}, nil
}

func (m *Manager) handleWorkflowFailed(ctx context.Context, ev *events.WorkflowFailed) ([]responses.StreamResponse, error) {
	run, err := m.finalizeRun(ctx, models.WorkflowExecutionStatusFailed, nil, ev.Error, ev.ExceptionsCount)
	if err != nil {
		return nil, err
	}

	err = m.failRunningNodeExecutions(ctx, ev.Error)
	if err != nil {
		return nil, err
	}

	// The engine-reported failure funnels through the same error-to-response
	// path infrastructure errors use, so callers see one representation.
	return []responses.StreamResponse{
		m.workflowFinishResponse(run),
		responses.FromError(m.params.TaskID, responses.NewRunFailedError(ev.Error)),
	}, nil
}

func (m *Manager) handleStop(ctx context.Context, ev *events.Stop) ([]responses.StreamResponse, error) {
	if m.run == nil || m.run.Status.IsTerminal() {
		// Stopped before the run ever started, nothing to finalize. The
		// pipeline still emits the unconditional end-of-stream marker.
		return nil, nil
	}

	reason := ev.Reason
	if reason == "" {
		reason = "workflow run stopped"
	}

	run, err := m.finalizeRun(ctx, models.WorkflowExecutionStatusStopped, nil, reason, 0)
	if err != nil {
		return nil, err
	}

	err = m.failRunningNodeExecutions(ctx, reason)
	if err != nil {
		return nil, err
	}

	return []responses.StreamResponse{m.workflowFinishResponse(run)}, nil
}

// finalizeRun moves the run to a terminal status, copying token and step
// totals from the runtime snapshot, and persists write-through.
func (m *Manager) finalizeRun(
	ctx context.Context,
	status models.WorkflowExecutionStatus,
	outputs map[string]any,
	errorMessage string,
	exceptionsCount int,
) (*models.WorkflowExecution, error) {
	if m.run == nil || m.params.Runtime == nil {
		return nil, ErrRunNotInitialized
	}

	if m.run.Status.IsTerminal() {
		return nil, ErrRunAlreadyFinished
	}

	now := time.Now().UTC()

	m.run.Status = status
	m.run.Outputs = outputs
	m.run.ErrorMessage = errorMessage
	m.run.ExceptionsCount = exceptionsCount
	m.run.TotalTokens = m.params.Runtime.TotalTokens
	m.run.TotalSteps = m.params.Runtime.TotalSteps
	m.run.FinishedAt = &now
	m.run.ElapsedTime = now.Sub(m.run.StartedAt).Seconds()

	err := m.executions.Save(ctx, m.run)
	if err != nil {
		return nil, err
	}

	m.logger.Info("Workflow run finished",
		"status", status,
		"elapsed_time", m.run.ElapsedTime,
		"total_tokens", m.run.TotalTokens)

	m.enqueueTrace(trace.Task{
		Kind:          trace.TaskKindWorkflow,
		WorkflowID:    m.run.WorkflowID,
		WorkflowRunID: m.run.ID,
		UserID:        m.params.UserID,
	})

	return m.run, nil
}

// failRunningNodeExecutions closes every still-RUNNING node record with the
// run's terminal error. A no-op when none are running; a failure detected
// between nodes is not an error.
func (m *Manager) failRunningNodeExecutions(ctx context.Context, errorMessage string) error {
	running, err := m.nodeExecutions.GetRunningExecutions(ctx, m.runID())
	if err != nil {
		return err
	}

	now := time.Now().UTC()

	for _, execution := range running {
		if cached, ok := m.nodeCache[execution.NodeExecutionID]; ok {
			execution = cached
		}

		execution.Error = errorMessage
		execution.Finish(models.NodeExecutionStatusFailed, now)

		err = m.nodeExecutions.Save(ctx, execution)
		if err != nil {
			return err
		}
	}

	return nil
}

func (m *Manager) workflowFinishResponse(run *models.WorkflowExecution) *responses.WorkflowFinishResponse {
	return &responses.WorkflowFinishResponse{
		Base:          responses.NewBase(responses.KindWorkflowFinished, m.params.TaskID),
		WorkflowRunID: run.ID,
		Data: responses.WorkflowFinishData{
			ID:              run.ID,
			WorkflowID:      run.WorkflowID,
			SequenceNumber:  run.SequenceNumber,
			Status:          string(run.Status),
			Outputs:         run.Outputs,
			Error:           run.ErrorMessage,
			ElapsedTime:     run.ElapsedTime,
			TotalTokens:     run.TotalTokens,
			TotalSteps:      run.TotalSteps,
			ExceptionsCount: run.ExceptionsCount,
			CreatedAt:       responses.EpochSeconds(run.StartedAt),
			FinishedAt:      responses.EpochSecondsPtr(run.FinishedAt),
			Files:           m.files,
		},
	}
}
