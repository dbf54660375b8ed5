package cycle

import (
	"context"
	"time"

	"github.com/loomhq/loom/pkg/events"
	"github.com/loomhq/loom/pkg/models"
	"github.com/loomhq/loom/pkg/responses"
	"github.com/loomhq/loom/pkg/trace"
)

func (m *Manager) handleNodeStarted(ctx context.Context, ev *events.NodeStarted) ([]responses.StreamResponse, error) {
	if m.run == nil {
		return nil, ErrRunNotInitialized
	}

	now := time.Now().UTC()

	execution := &models.NodeExecution{
		ID:                uniqueID(),
		NodeExecutionID:   ev.NodeExecutionID,
		WorkflowID:        m.run.WorkflowID,
		WorkflowRunID:     m.run.ID,
		Index:             ev.NodeRunIndex,
		PredecessorNodeID: ev.PredecessorNodeID,
		NodeID:            ev.NodeID,
		NodeType:          models.NodeType(ev.NodeType),
		Title:             ev.Title,
		Status:            models.NodeExecutionStatusRunning,
		CreatedAt:         now,
	}

	seedCorrelationMetadata(execution, &ev.Correlation)

	err := m.nodeExecutions.Save(ctx, execution)
	if err != nil {
		return nil, err
	}

	m.nodeCache[ev.NodeExecutionID] = execution

	if suppressed(execution.NodeType) {
		return nil, nil
	}

	response := &responses.NodeStartResponse{
		Base:          responses.NewBase(responses.KindNodeStarted, m.params.TaskID),
		WorkflowRunID: m.run.ID,
		Data: responses.NodeStartData{
			NodeCorrelation:   nodeCorrelation(&ev.Correlation),
			ID:                execution.ID,
			NodeID:            execution.NodeID,
			NodeType:          string(execution.NodeType),
			Title:             execution.Title,
			Index:             execution.Index,
			PredecessorNodeID: execution.PredecessorNodeID,
			CreatedAt:         responses.EpochSeconds(execution.CreatedAt),
		},
	}

	return []responses.StreamResponse{response}, nil
}

func (m *Manager) handleNodeSucceeded(ctx context.Context, ev *events.NodeSucceeded) ([]responses.StreamResponse, error) {
	if m.run == nil {
		return nil, ErrRunNotInitialized
	}

	execution, err := m.lookupNodeExecution(ctx, ev.NodeExecutionID)
	if err != nil {
		return nil, err
	}

	execution.Inputs = ev.Inputs
	execution.ProcessData = ev.ProcessData
	execution.Outputs = ev.Outputs
	mergeMetadata(execution, ev.ExecutionMetadata)
	execution.Finish(models.NodeExecutionStatusSucceeded, time.Now().UTC())

	err = m.nodeExecutions.Save(ctx, execution)
	if err != nil {
		return nil, err
	}

	// File outputs of the terminal-facing node types feed the run-level
	// file list surfaced on WorkflowFinish and the message record.
	if execution.NodeType == models.NodeTypeAnswer || execution.NodeType == models.NodeTypeEnd {
		m.files = append(m.files, models.ExtractFiles(ev.Outputs)...)
	}

	m.persistDraftVariable(ctx, execution)

	m.enqueueTrace(trace.Task{
		Kind:            trace.TaskKindNode,
		WorkflowID:      m.run.WorkflowID,
		WorkflowRunID:   m.run.ID,
		NodeExecutionID: execution.NodeExecutionID,
		UserID:          m.params.UserID,
	})

	if suppressed(execution.NodeType) {
		return nil, nil
	}

	return []responses.StreamResponse{m.nodeFinishResponse(execution)}, nil
}

func (m *Manager) handleNodeFailed(ctx context.Context, ev *events.NodeFailed, status models.NodeExecutionStatus) ([]responses.StreamResponse, error) {
	if m.run == nil {
		return nil, ErrRunNotInitialized
	}

	execution, err := m.lookupNodeExecution(ctx, ev.NodeExecutionID)
	if err != nil {
		return nil, err
	}

	execution.Inputs = ev.Inputs
	execution.ProcessData = ev.ProcessData
	execution.Outputs = ev.Outputs
	execution.Error = ev.Error
	mergeMetadata(execution, ev.ExecutionMetadata)
	execution.Finish(status, time.Now().UTC())

	err = m.nodeExecutions.Save(ctx, execution)
	if err != nil {
		return nil, err
	}

	if suppressed(execution.NodeType) {
		return nil, nil
	}

	return []responses.StreamResponse{m.nodeFinishResponse(execution)}, nil
}

func (m *Manager) handleNodeRetry(ctx context.Context, ev *events.NodeRetry) ([]responses.StreamResponse, error) {
	if m.run == nil {
		return nil, ErrRunNotInitialized
	}

	now := time.Now().UTC()
	startAt := ev.StartAt
	if startAt.IsZero() {
		startAt = now
	}

	// Retries keep history: a new record per attempt, never an overwrite.
	execution := &models.NodeExecution{
		ID:                uniqueID(),
		NodeExecutionID:   ev.NodeExecutionID,
		WorkflowID:        m.run.WorkflowID,
		WorkflowRunID:     m.run.ID,
		Index:             ev.NodeRunIndex,
		PredecessorNodeID: ev.PredecessorNodeID,
		NodeID:            ev.NodeID,
		NodeType:          models.NodeType(ev.NodeType),
		Title:             ev.Title,
		Inputs:            ev.Inputs,
		Outputs:           ev.Outputs,
		Status:            models.NodeExecutionStatusRetry,
		Error:             ev.Error,
		CreatedAt:         startAt,
		FinishedAt:        &now,
		ElapsedTime:       now.Sub(startAt).Seconds(),
	}

	seedCorrelationMetadata(execution, &ev.Correlation)
	mergeMetadata(execution, ev.ExecutionMetadata)
	execution.SetMeta(models.MetadataKeyRetryIndex, ev.RetryIndex)

	err := m.nodeExecutions.Save(ctx, execution)
	if err != nil {
		return nil, err
	}

	if suppressed(execution.NodeType) {
		return nil, nil
	}

	response := &responses.NodeRetryResponse{
		Base:          responses.NewBase(responses.KindNodeRetry, m.params.TaskID),
		WorkflowRunID: m.run.ID,
		Data: responses.NodeRetryData{
			NodeFinishData: m.nodeFinishData(execution),
			RetryIndex:     ev.RetryIndex,
		},
	}

	return []responses.StreamResponse{response}, nil
}

func (m *Manager) handleTextChunk(ev *events.TextChunk) ([]responses.StreamResponse, error) {
	response := &responses.TextChunkResponse{
		Base:          responses.NewBase(responses.KindTextChunk, m.params.TaskID),
		WorkflowRunID: m.runID(),
		Data: responses.TextChunkData{
			Text:             ev.Text,
			FromVariablePath: ev.FromVariablePath,
		},
	}

	return []responses.StreamResponse{response}, nil
}

func (m *Manager) nodeFinishResponse(execution *models.NodeExecution) *responses.NodeFinishResponse {
	return &responses.NodeFinishResponse{
		Base:          responses.NewBase(responses.KindNodeFinished, m.params.TaskID),
		WorkflowRunID: m.runID(),
		Data:          m.nodeFinishData(execution),
	}
}

func (m *Manager) nodeFinishData(execution *models.NodeExecution) responses.NodeFinishData {
	return responses.NodeFinishData{
		NodeCorrelation:   correlationFromMetadata(execution.Metadata),
		ID:                execution.ID,
		NodeID:            execution.NodeID,
		NodeType:          string(execution.NodeType),
		Title:             execution.Title,
		Index:             execution.Index,
		PredecessorNodeID: execution.PredecessorNodeID,
		Inputs:            execution.Inputs,
		ProcessData:       execution.ProcessData,
		Outputs:           execution.Outputs,
		Status:            string(execution.Status),
		Error:             execution.Error,
		ElapsedTime:       execution.ElapsedTime,
		ExecutionMetadata: execution.Metadata,
		CreatedAt:         responses.EpochSeconds(execution.CreatedAt),
		FinishedAt:        responses.EpochSecondsPtr(execution.FinishedAt),
	}
}

// seedCorrelationMetadata copies the event's parallel/iteration/loop ids
// into the record's metadata so they survive persistence.
func seedCorrelationMetadata(execution *models.NodeExecution, correlation *events.Correlation) {
	pairs := map[string]string{
		models.MetadataKeyIterationID:         correlation.InIterationID,
		models.MetadataKeyLoopID:              correlation.InLoopID,
		models.MetadataKeyParallelID:          correlation.ParallelID,
		models.MetadataKeyParallelStartNodeID: correlation.ParallelStartNodeID,
		models.MetadataKeyParentParallelID:    correlation.ParentParallelID,
		models.MetadataKeyParallelModeRunID:   correlation.ParallelModeRunID,
	}

	for key, value := range pairs {
		if value != "" {
			execution.SetMeta(key, value)
		}
	}
}

func mergeMetadata(execution *models.NodeExecution, metadata map[string]any) {
	for key, value := range metadata {
		execution.SetMeta(key, value)
	}
}

func nodeCorrelation(correlation *events.Correlation) responses.NodeCorrelation {
	return responses.NodeCorrelation{
		ParallelID:                correlation.ParallelID,
		ParallelStartNodeID:       correlation.ParallelStartNodeID,
		ParentParallelID:          correlation.ParentParallelID,
		ParentParallelStartNodeID: correlation.ParentParallelStartNodeID,
		IterationID:               correlation.InIterationID,
		LoopID:                    correlation.InLoopID,
	}
}

func correlationFromMetadata(metadata map[string]any) responses.NodeCorrelation {
	str := func(key string) string {
		value, _ := metadata[key].(string)

		return value
	}

	return responses.NodeCorrelation{
		ParallelID:          str(models.MetadataKeyParallelID),
		ParallelStartNodeID: str(models.MetadataKeyParallelStartNodeID),
		ParentParallelID:    str(models.MetadataKeyParentParallelID),
		IterationID:         str(models.MetadataKeyIterationID),
		LoopID:              str(models.MetadataKeyLoopID),
	}
}
