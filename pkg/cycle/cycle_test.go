package cycle

import (
	"context"
	"testing"
	"time"

	"github.com/loomhq/loom/pkg/events"
	"github.com/loomhq/loom/pkg/models"
	"github.com/loomhq/loom/pkg/persistence/memory"
	"github.com/loomhq/loom/pkg/responses"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func emptyGraph(t *testing.T) models.Graph {
	t.Helper()

	graph, err := models.NewGraph([]byte(`{"nodes":[],"edges":[]}`))
	require.NoError(t, err)

	return graph
}

func newTestManager(t *testing.T, p *memory.Persistence, workflowID string, runtime *models.RuntimeState, options ...Option) *Manager {
	t.Helper()

	return NewManager(RunParams{
		TaskID:          "task-1",
		WorkflowID:      workflowID,
		WorkflowVersion: "draft",
		Type:            models.WorkflowTypeWorkflow,
		Graph:           emptyGraph(t),
		Inputs:          map[string]any{"query": "hello"},
		SystemVariables: map[string]any{"user_id": "user-1", "conversation": "conv-1"},
		UserID:          "user-1",
		Runtime:         runtime,
	}, p.WorkflowExecutionRepository(), p.NodeExecutionRepository(), options...)
}

func process(t *testing.T, m *Manager, event events.Event) []responses.StreamResponse {
	t.Helper()

	out, err := m.Process(context.Background(), event)
	require.NoError(t, err)

	return out
}

func startNode(id, nodeID string, index int) *events.NodeStarted {
	return &events.NodeStarted{
		BaseEvent:       events.NewBaseEvent(),
		NodeExecutionID: id,
		NodeID:          nodeID,
		NodeType:        string(models.NodeTypeLLM),
		Title:           nodeID,
		NodeRunIndex:    index,
	}
}

func TestManager_RunLifecycle(t *testing.T) {
	t.Parallel()

	p := memory.NewPersistence()
	runtime := &models.RuntimeState{}
	m := newTestManager(t, p, "wf-1", runtime)
	ctx := context.Background()

	out := process(t, m, &events.WorkflowStarted{BaseEvent: events.NewBaseEvent()})
	require.Len(t, out, 1)

	start, ok := out[0].(*responses.WorkflowStartResponse)
	require.True(t, ok)
	assert.Equal(t, int64(1), start.Data.SequenceNumber)
	assert.Equal(t, "hello", start.Data.Inputs["query"])
	assert.Equal(t, "user-1", start.Data.Inputs["sys.user_id"])
	assert.NotContains(t, start.Data.Inputs, "sys.conversation")

	run := m.Run()
	require.NotNil(t, run)
	assert.Equal(t, models.WorkflowExecutionStatusRunning, run.Status)

	out = process(t, m, startNode("exec-1", "n1", 0))
	require.Len(t, out, 1)

	node, err := p.NodeExecutionRepository().GetByNodeExecutionID(ctx, run.ID, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, models.NodeExecutionStatusRunning, node.Status)
	assert.Equal(t, 0, node.Index)

	out = process(t, m, &events.NodeSucceeded{
		BaseEvent:       events.NewBaseEvent(),
		NodeExecutionID: "exec-1",
		Outputs:         map[string]any{"x": 1},
	})
	require.Len(t, out, 1)

	mutated, err := p.NodeExecutionRepository().GetByNodeExecutionID(ctx, run.ID, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, node.ID, mutated.ID)
	assert.Equal(t, models.NodeExecutionStatusSucceeded, mutated.Status)
	assert.Equal(t, map[string]any{"x": 1}, mutated.Outputs)

	runtime.TotalTokens = 10
	runtime.TotalSteps = 1

	out = process(t, m, &events.WorkflowSucceeded{BaseEvent: events.NewBaseEvent()})
	require.Len(t, out, 1)

	finish, ok := out[0].(*responses.WorkflowFinishResponse)
	require.True(t, ok)
	assert.Equal(t, string(models.WorkflowExecutionStatusSucceeded), finish.Data.Status)
	assert.Equal(t, int64(10), finish.Data.TotalTokens)

	stored, err := p.WorkflowExecutionRepository().Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowExecutionStatusSucceeded, stored.Status)
	assert.Equal(t, int64(10), stored.TotalTokens)
	require.NotNil(t, stored.FinishedAt)
}

func TestManager_SequenceNumbersAreMonotonic(t *testing.T) {
	t.Parallel()

	p := memory.NewPersistence()

	first := newTestManager(t, p, "wf-1", &models.RuntimeState{})
	process(t, first, &events.WorkflowStarted{BaseEvent: events.NewBaseEvent()})

	second := newTestManager(t, p, "wf-1", &models.RuntimeState{})
	process(t, second, &events.WorkflowStarted{BaseEvent: events.NewBaseEvent()})

	assert.Equal(t, int64(1), first.Run().SequenceNumber)
	assert.Equal(t, int64(2), second.Run().SequenceNumber)
}

func TestManager_TerminalRunRejectsFurtherTransitions(t *testing.T) {
	t.Parallel()

	p := memory.NewPersistence()
	m := newTestManager(t, p, "wf-1", &models.RuntimeState{})
	ctx := context.Background()

	process(t, m, &events.WorkflowStarted{BaseEvent: events.NewBaseEvent()})
	process(t, m, &events.WorkflowSucceeded{BaseEvent: events.NewBaseEvent()})

	_, err := m.Process(ctx, &events.WorkflowFailed{BaseEvent: events.NewBaseEvent(), Error: "too late"})
	assert.ErrorIs(t, err, ErrRunAlreadyFinished)

	stored, err := p.WorkflowExecutionRepository().Get(ctx, m.Run().ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowExecutionStatusSucceeded, stored.Status)
}

func TestManager_NodeEventsBeforeStartFail(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, memory.NewPersistence(), "wf-1", &models.RuntimeState{})

	_, err := m.Process(context.Background(), startNode("exec-1", "n1", 0))
	assert.ErrorIs(t, err, ErrRunNotInitialized)

	_, err = m.Process(context.Background(), &events.WorkflowSucceeded{BaseEvent: events.NewBaseEvent()})
	assert.ErrorIs(t, err, ErrRunNotInitialized)
}

func TestManager_RetriesPreserveHistory(t *testing.T) {
	t.Parallel()

	p := memory.NewPersistence()
	m := newTestManager(t, p, "wf-1", &models.RuntimeState{})

	process(t, m, &events.WorkflowStarted{BaseEvent: events.NewBaseEvent()})

	for i := range 3 {
		out := process(t, m, &events.NodeRetry{
			BaseEvent:       events.NewBaseEvent(),
			NodeExecutionID: "exec-2",
			NodeID:          "n2",
			NodeType:        string(models.NodeTypeHTTPRequest),
			RetryIndex:      i,
			Error:           "connection reset",
			StartAt:         time.Now().UTC().Add(-time.Second),
		})
		require.Len(t, out, 1)

		retry, ok := out[0].(*responses.NodeRetryResponse)
		require.True(t, ok)
		assert.Equal(t, i, retry.Data.RetryIndex)
	}

	var records []*models.NodeExecution

	for _, execution := range p.NodeExecutions() {
		if execution.NodeID == "n2" {
			records = append(records, execution)
		}
	}

	require.Len(t, records, 3)

	for i, record := range records {
		assert.Equal(t, models.NodeExecutionStatusRetry, record.Status)
		assert.Equal(t, i, record.Metadata[models.MetadataKeyRetryIndex])
		assert.GreaterOrEqual(t, record.ElapsedTime, 0.0)
	}
}

func TestManager_WorkflowFailedClosesRunningNodes(t *testing.T) {
	t.Parallel()

	p := memory.NewPersistence()
	m := newTestManager(t, p, "wf-1", &models.RuntimeState{})
	ctx := context.Background()

	process(t, m, &events.WorkflowStarted{BaseEvent: events.NewBaseEvent()})
	process(t, m, startNode("exec-1", "n1", 0))

	out := process(t, m, &events.WorkflowFailed{BaseEvent: events.NewBaseEvent(), Error: "boom"})
	require.Len(t, out, 2)

	finish, ok := out[0].(*responses.WorkflowFinishResponse)
	require.True(t, ok)
	assert.Equal(t, "boom", finish.Data.Error)

	errResponse, ok := out[1].(*responses.ErrorResponse)
	require.True(t, ok)
	assert.Equal(t, "boom", errResponse.Problem.Detail)

	node, err := p.NodeExecutionRepository().GetByNodeExecutionID(ctx, m.Run().ID, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, models.NodeExecutionStatusFailed, node.Status)
	assert.Equal(t, "boom", node.Error)
	require.NotNil(t, node.FinishedAt)
}

func TestManager_WorkflowFailedWithoutOpenNodesIsNoOp(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, memory.NewPersistence(), "wf-1", &models.RuntimeState{})

	process(t, m, &events.WorkflowStarted{BaseEvent: events.NewBaseEvent()})

	out := process(t, m, &events.WorkflowFailed{BaseEvent: events.NewBaseEvent(), Error: "boom"})
	require.Len(t, out, 2)
	assert.Equal(t, models.WorkflowExecutionStatusFailed, m.Run().Status)
}

func TestManager_IterationNodesSuppressNodeResponses(t *testing.T) {
	t.Parallel()

	p := memory.NewPersistence()
	m := newTestManager(t, p, "wf-1", &models.RuntimeState{})
	ctx := context.Background()

	process(t, m, &events.WorkflowStarted{BaseEvent: events.NewBaseEvent()})

	started := startNode("exec-iter", "it1", 0)
	started.NodeType = string(models.NodeTypeIteration)

	out := process(t, m, started)
	assert.Empty(t, out)

	out = process(t, m, &events.NodeSucceeded{
		BaseEvent:       events.NewBaseEvent(),
		NodeExecutionID: "exec-iter",
	})
	assert.Empty(t, out)

	// The record is still persisted; only the response is suppressed.
	node, err := p.NodeExecutionRepository().GetByNodeExecutionID(ctx, m.Run().ID, "exec-iter")
	require.NoError(t, err)
	assert.Equal(t, models.NodeExecutionStatusSucceeded, node.Status)

	// The iteration event family reports the construct instead.
	out = process(t, m, &events.IterationStart{
		BaseEvent: events.NewBaseEvent(),
		NodeID:    "it1",
		NodeType:  string(models.NodeTypeIteration),
		StartAt:   time.Now().UTC(),
	})
	require.Len(t, out, 1)
	assert.Equal(t, responses.KindIterationStarted, out[0].Kind())
}

func TestManager_ExceptionNodesFinishPartialSucceeded(t *testing.T) {
	t.Parallel()

	p := memory.NewPersistence()
	m := newTestManager(t, p, "wf-1", &models.RuntimeState{})
	ctx := context.Background()

	process(t, m, &events.WorkflowStarted{BaseEvent: events.NewBaseEvent()})
	process(t, m, startNode("exec-1", "n1", 0))

	out := process(t, m, &events.NodeException{NodeFailed: events.NodeFailed{
		BaseEvent:       events.NewBaseEvent(),
		NodeExecutionID: "exec-1",
		Error:           "tool timeout",
	}})
	require.Len(t, out, 1)

	node, err := p.NodeExecutionRepository().GetByNodeExecutionID(ctx, m.Run().ID, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, models.NodeExecutionStatusException, node.Status)

	out = process(t, m, &events.WorkflowPartialSucceeded{
		BaseEvent:       events.NewBaseEvent(),
		Outputs:         map[string]any{"answer": "done"},
		ExceptionsCount: 1,
	})
	require.Len(t, out, 1)

	assert.Equal(t, models.WorkflowExecutionStatusPartialSucceeded, m.Run().Status)
	assert.Equal(t, 1, m.Run().ExceptionsCount)
}

func TestManager_ElapsedTimeIsFrozenAtFinish(t *testing.T) {
	t.Parallel()

	p := memory.NewPersistence()
	m := newTestManager(t, p, "wf-1", &models.RuntimeState{})
	ctx := context.Background()

	process(t, m, &events.WorkflowStarted{BaseEvent: events.NewBaseEvent()})
	process(t, m, startNode("exec-1", "n1", 0))
	process(t, m, &events.NodeSucceeded{BaseEvent: events.NewBaseEvent(), NodeExecutionID: "exec-1"})

	node, err := p.NodeExecutionRepository().GetByNodeExecutionID(ctx, m.Run().ID, "exec-1")
	require.NoError(t, err)
	require.NotNil(t, node.FinishedAt)
	assert.InDelta(t, node.FinishedAt.Sub(node.CreatedAt).Seconds(), node.ElapsedTime, 1e-9)

	time.Sleep(20 * time.Millisecond)

	again, err := p.NodeExecutionRepository().GetByNodeExecutionID(ctx, m.Run().ID, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, node.ElapsedTime, again.ElapsedTime)
}

func TestManager_AnswerNodeFilesAreCollected(t *testing.T) {
	t.Parallel()

	p := memory.NewPersistence()
	m := newTestManager(t, p, "wf-1", &models.RuntimeState{})

	process(t, m, &events.WorkflowStarted{BaseEvent: events.NewBaseEvent()})

	started := startNode("exec-1", "answer", 0)
	started.NodeType = string(models.NodeTypeAnswer)
	process(t, m, started)

	process(t, m, &events.NodeSucceeded{
		BaseEvent:       events.NewBaseEvent(),
		NodeExecutionID: "exec-1",
		Outputs: map[string]any{
			"files": []any{
				map[string]any{models.FileIdentityKey: models.FileIdentity, "url": "/files/a.png"},
			},
		},
	})

	require.Len(t, m.Files(), 1)
	assert.Equal(t, "/files/a.png", m.Files()[0]["url"])

	out := process(t, m, &events.WorkflowSucceeded{BaseEvent: events.NewBaseEvent()})
	finish := out[0].(*responses.WorkflowFinishResponse)
	require.Len(t, finish.Data.Files, 1)
}

func TestManager_DraftVariablesArePersistedAsync(t *testing.T) {
	t.Parallel()

	p := memory.NewPersistence()
	m := newTestManager(t, p, "wf-1", &models.RuntimeState{},
		WithDraftVariableRepository(p.DraftVariableRepository()))
	ctx := context.Background()

	process(t, m, &events.WorkflowStarted{BaseEvent: events.NewBaseEvent()})
	process(t, m, startNode("exec-1", "n1", 0))
	process(t, m, &events.NodeSucceeded{
		BaseEvent:       events.NewBaseEvent(),
		NodeExecutionID: "exec-1",
		ProcessData:     map[string]any{"prompt": "p"},
		Outputs:         map[string]any{"x": 1},
	})

	m.Wait()

	variable, err := p.DraftVariableRepository().GetByNodeExecution(ctx, "n1", "exec-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": 1}, variable.Outputs)
}

func TestManager_StopFinalizesStartedRun(t *testing.T) {
	t.Parallel()

	p := memory.NewPersistence()
	m := newTestManager(t, p, "wf-1", &models.RuntimeState{})

	process(t, m, &events.WorkflowStarted{BaseEvent: events.NewBaseEvent()})
	process(t, m, startNode("exec-1", "n1", 0))

	out := process(t, m, &events.Stop{BaseEvent: events.NewBaseEvent(), Reason: "stopped by user"})
	require.Len(t, out, 1)

	finish := out[0].(*responses.WorkflowFinishResponse)
	assert.Equal(t, string(models.WorkflowExecutionStatusStopped), finish.Data.Status)
	assert.Equal(t, "stopped by user", finish.Data.Error)

	node, err := p.NodeExecutionRepository().GetByNodeExecutionID(context.Background(), m.Run().ID, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, models.NodeExecutionStatusFailed, node.Status)
}

func TestManager_StopBeforeStartEmitsNothing(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, memory.NewPersistence(), "wf-1", &models.RuntimeState{})

	out := process(t, m, &events.Stop{BaseEvent: events.NewBaseEvent(), Reason: "stopped by user"})
	assert.Empty(t, out)
}
