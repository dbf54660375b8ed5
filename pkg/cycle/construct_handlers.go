package cycle

import (
	"time"

	"github.com/loomhq/loom/pkg/events"
	"github.com/loomhq/loom/pkg/responses"
)

// Parallel branch and iteration/loop events are stateless pass-throughs:
// they carry correlation ids into responses without touching persistence.

func (m *Manager) handleParallelBranchStarted(ev *events.ParallelBranchStarted) ([]responses.StreamResponse, error) {
	if m.run == nil {
		return nil, ErrRunNotInitialized
	}

	response := &responses.ParallelBranchStartResponse{
		Base:          responses.NewBase(responses.KindParallelBranchStarted, m.params.TaskID),
		WorkflowRunID: m.run.ID,
		Data:          parallelBranchData(&ev.Correlation, "", ""),
	}

	return []responses.StreamResponse{response}, nil
}

func (m *Manager) handleParallelBranchFinished(correlation *events.Correlation, status, errorMessage string) ([]responses.StreamResponse, error) {
	if m.run == nil {
		return nil, ErrRunNotInitialized
	}

	response := &responses.ParallelBranchFinishedResponse{
		Base:          responses.NewBase(responses.KindParallelBranchFinished, m.params.TaskID),
		WorkflowRunID: m.run.ID,
		Data:          parallelBranchData(correlation, status, errorMessage),
	}

	return []responses.StreamResponse{response}, nil
}

func (m *Manager) handleConstructStart(ev *events.IterationStart, kind responses.Kind) ([]responses.StreamResponse, error) {
	if m.run == nil {
		return nil, ErrRunNotInitialized
	}

	data := responses.ConstructStartData{
		ID:        ev.ID,
		NodeID:    ev.NodeID,
		NodeType:  ev.NodeType,
		Title:     ev.Title,
		Inputs:    ev.Inputs,
		Metadata:  ev.Metadata,
		CreatedAt: responses.EpochSeconds(ev.StartAt),
	}

	if kind == responses.KindLoopStarted {
		return []responses.StreamResponse{&responses.LoopStartResponse{
			Base:          responses.NewBase(kind, m.params.TaskID),
			WorkflowRunID: m.run.ID,
			Data:          data,
		}}, nil
	}

	return []responses.StreamResponse{&responses.IterationStartResponse{
		Base:          responses.NewBase(kind, m.params.TaskID),
		WorkflowRunID: m.run.ID,
		Data:          data,
	}}, nil
}

func (m *Manager) handleConstructNext(ev *events.IterationNext, kind responses.Kind) ([]responses.StreamResponse, error) {
	if m.run == nil {
		return nil, ErrRunNotInitialized
	}

	data := responses.ConstructNextData{
		ID:        ev.ID,
		NodeID:    ev.NodeID,
		NodeType:  ev.NodeType,
		Title:     ev.Title,
		Index:     ev.Index,
		Output:    ev.Output,
		Duration:  ev.Duration,
		CreatedAt: responses.EpochSeconds(time.Now().UTC()),
	}

	if kind == responses.KindLoopNext {
		return []responses.StreamResponse{&responses.LoopNextResponse{
			Base:          responses.NewBase(kind, m.params.TaskID),
			WorkflowRunID: m.run.ID,
			Data:          data,
		}}, nil
	}

	return []responses.StreamResponse{&responses.IterationNextResponse{
		Base:          responses.NewBase(kind, m.params.TaskID),
		WorkflowRunID: m.run.ID,
		Data:          data,
	}}, nil
}

func (m *Manager) handleConstructCompleted(ev *events.IterationCompleted, kind responses.Kind) ([]responses.StreamResponse, error) {
	if m.run == nil {
		return nil, ErrRunNotInitialized
	}

	now := time.Now().UTC()
	finishedAt := responses.EpochSeconds(now)

	status := "succeeded"
	if ev.Error != "" {
		status = "failed"
	}

	data := responses.ConstructCompletedData{
		ID:          ev.ID,
		NodeID:      ev.NodeID,
		NodeType:    ev.NodeType,
		Title:       ev.Title,
		Inputs:      ev.Inputs,
		Outputs:     ev.Outputs,
		Metadata:    ev.Metadata,
		Status:      status,
		Error:       ev.Error,
		ElapsedTime: now.Sub(ev.StartAt).Seconds(),
		Steps:       ev.Steps,
		CreatedAt:   responses.EpochSeconds(ev.StartAt),
		FinishedAt:  &finishedAt,
	}

	if kind == responses.KindLoopCompleted {
		return []responses.StreamResponse{&responses.LoopCompletedResponse{
			Base:          responses.NewBase(kind, m.params.TaskID),
			WorkflowRunID: m.run.ID,
			Data:          data,
		}}, nil
	}

	return []responses.StreamResponse{&responses.IterationCompletedResponse{
		Base:          responses.NewBase(kind, m.params.TaskID),
		WorkflowRunID: m.run.ID,
		Data:          data,
	}}, nil
}

func parallelBranchData(correlation *events.Correlation, status, errorMessage string) responses.ParallelBranchData {
	return responses.ParallelBranchData{
		ParallelID:                correlation.ParallelID,
		ParallelBranchID:          correlation.ParallelStartNodeID,
		ParentParallelID:          correlation.ParentParallelID,
		ParentParallelStartNodeID: correlation.ParentParallelStartNodeID,
		IterationID:               correlation.InIterationID,
		LoopID:                    correlation.InLoopID,
		Status:                    status,
		Error:                     errorMessage,
		CreatedAt:                 responses.EpochSeconds(time.Now().UTC()),
	}
}
