package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/loomhq/loom/pkg/events"
	"github.com/loomhq/loom/pkg/models"
	"github.com/loomhq/loom/pkg/persistence/memory"
	"github.com/loomhq/loom/pkg/queue"
	"github.com/loomhq/loom/pkg/responses"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGraph(t *testing.T) models.Graph {
	t.Helper()

	graph, err := models.NewGraph([]byte(`{"nodes":[],"edges":[]}`))
	require.NoError(t, err)

	return graph
}

func testRunContext(t *testing.T) RunContext {
	t.Helper()

	return RunContext{
		TaskID:          "task-1",
		WorkflowID:      "wf-1",
		WorkflowVersion: "draft",
		UserID:          "user-1",
		AppSurface:      SurfaceServiceAPI,
		Type:            models.WorkflowTypeWorkflow,
		Graph:           testGraph(t),
		Inputs:          map[string]any{"query": "hello"},
		Runtime:         &models.RuntimeState{},
	}
}

func testDeps(p *memory.Persistence) Dependencies {
	return Dependencies{
		Executions:     p.WorkflowExecutionRepository(),
		NodeExecutions: p.NodeExecutionRepository(),
		DraftVariables: p.DraftVariableRepository(),
		Messages:       p.MessageRepository(),
	}
}

func publishAll(t *testing.T, q *queue.Queue, evs ...events.Event) {
	t.Helper()

	ctx := context.Background()
	for _, event := range evs {
		require.NoError(t, q.Publish(ctx, event))
	}
}

func collect(t *testing.T, stream <-chan responses.StreamResponse) []responses.StreamResponse {
	t.Helper()

	var out []responses.StreamResponse

	deadline := time.After(5 * time.Second)

	for {
		select {
		case response, ok := <-stream:
			if !ok {
				return out
			}

			out = append(out, response)
		case <-deadline:
			t.Fatal("stream did not close in time")
		}
	}
}

func successfulRunEvents() []events.Event {
	return []events.Event{
		&events.WorkflowStarted{BaseEvent: events.NewBaseEvent()},
		&events.NodeStarted{
			BaseEvent:       events.NewBaseEvent(),
			NodeExecutionID: "ne-1",
			NodeID:          "llm",
			NodeType:        string(models.NodeTypeLLM),
			Title:           "llm",
			NodeRunIndex:    1,
		},
		&events.NodeSucceeded{
			BaseEvent:       events.NewBaseEvent(),
			NodeExecutionID: "ne-1",
			Outputs:         map[string]any{"text": "hi"},
			StartAt:         time.Now().UTC(),
		},
		&events.WorkflowSucceeded{
			BaseEvent: events.NewBaseEvent(),
			Outputs:   map[string]any{"answer": "hi"},
		},
	}
}

func TestWorkflowPipeline_StreamOrder(t *testing.T) {
	t.Parallel()

	p := memory.NewPersistence()
	q := queue.NewQueue("task-1", "user-1")
	pipeline := NewWorkflowPipeline(q, testDeps(p))

	publishAll(t, q, successfulRunEvents()...)

	stream, err := pipeline.ProcessStream(context.Background(), testRunContext(t))
	require.NoError(t, err)

	out := collect(t, stream)
	require.Len(t, out, 5)

	kinds := make([]responses.Kind, 0, len(out))
	for _, response := range out {
		kinds = append(kinds, response.Kind())
	}

	assert.Equal(t, []responses.Kind{
		responses.KindWorkflowStarted,
		responses.KindNodeStarted,
		responses.KindNodeFinished,
		responses.KindWorkflowFinished,
		responses.KindEnd,
	}, kinds)

	finish, ok := out[3].(*responses.WorkflowFinishResponse)
	require.True(t, ok)
	assert.Equal(t, string(models.WorkflowExecutionStatusSucceeded), finish.Data.Status)

	end, ok := out[4].(*responses.EndResponse)
	require.True(t, ok)
	assert.Equal(t, finish.WorkflowRunID, end.WorkflowRunID)
}

func TestWorkflowPipeline_BlockingKeepsOnlyTerminals(t *testing.T) {
	t.Parallel()

	p := memory.NewPersistence()
	q := queue.NewQueue("task-1", "user-1")
	pipeline := NewWorkflowPipeline(q, testDeps(p))

	publishAll(t, q, successfulRunEvents()...)

	result, err := pipeline.Process(context.Background(), testRunContext(t))
	require.NoError(t, err)

	require.NotNil(t, result.Finish)
	assert.Nil(t, result.Error)
	assert.Equal(t, "task-1", result.TaskID)
	assert.Equal(t, result.Finish.WorkflowRunID, result.WorkflowRunID)
}

func TestWorkflowPipeline_FailedRunSurfacesError(t *testing.T) {
	t.Parallel()

	p := memory.NewPersistence()
	q := queue.NewQueue("task-1", "user-1")
	pipeline := NewWorkflowPipeline(q, testDeps(p))

	publishAll(t, q,
		&events.WorkflowStarted{BaseEvent: events.NewBaseEvent()},
		&events.WorkflowFailed{BaseEvent: events.NewBaseEvent(), Error: "boom"},
	)

	result, err := pipeline.Process(context.Background(), testRunContext(t))
	require.NoError(t, err)

	require.NotNil(t, result.Finish)
	assert.Equal(t, string(models.WorkflowExecutionStatusFailed), result.Finish.Data.Status)
	require.NotNil(t, result.Error)
	assert.Equal(t, "boom", result.Error.Problem.Detail)
}

func TestWorkflowPipeline_RejectsInvalidRunContext(t *testing.T) {
	t.Parallel()

	p := memory.NewPersistence()
	q := queue.NewQueue("task-1", "user-1")
	pipeline := NewWorkflowPipeline(q, testDeps(p))

	rc := testRunContext(t)
	rc.UserID = ""

	_, err := pipeline.ProcessStream(context.Background(), rc)
	require.Error(t, err)

	var validationErrors validator.ValidationErrors
	require.ErrorAs(t, err, &validationErrors)
}

func TestDrain_MissingEndMarker(t *testing.T) {
	t.Parallel()

	stream := make(chan responses.StreamResponse, 1)
	stream <- responses.NewPing("task-1")
	close(stream)

	_, err := drain(stream, "task-1")
	require.ErrorIs(t, err, ErrQueueListeningStopped)
}

func TestChatPipeline_PersistsAccumulatedAnswer(t *testing.T) {
	t.Parallel()

	p := memory.NewPersistence()
	q := queue.NewQueue("task-1", "user-1")
	pipeline := NewChatPipeline(q, testDeps(p))

	publishAll(t, q,
		&events.WorkflowStarted{BaseEvent: events.NewBaseEvent()},
		&events.TextChunk{BaseEvent: events.NewBaseEvent(), Text: "Hello, "},
		&events.TextChunk{BaseEvent: events.NewBaseEvent(), Text: "world."},
		&events.WorkflowSucceeded{BaseEvent: events.NewBaseEvent()},
	)

	rc := testRunContext(t)
	rc.Type = models.WorkflowTypeChat
	rc.ConversationID = "conv-1"
	rc.MessageID = "msg-1"

	result, err := pipeline.Process(context.Background(), rc)
	require.NoError(t, err)
	require.NotNil(t, result.Finish)

	message, err := p.MessageRepository().Get(context.Background(), "msg-1")
	require.NoError(t, err)

	assert.Equal(t, "Hello, world.", message.Answer)
	assert.Equal(t, result.WorkflowRunID, message.WorkflowRunID)
	assert.Equal(t, "conv-1", message.ConversationID)

	// No runtime usage accumulator means the explicit zero sentinel, not nil.
	require.NotNil(t, message.Usage)
	assert.Zero(t, message.Usage.TotalTokens)
	assert.Equal(t, "USD", message.Usage.Currency)
}

func TestChatPipeline_UsesRuntimeUsage(t *testing.T) {
	t.Parallel()

	p := memory.NewPersistence()
	q := queue.NewQueue("task-1", "user-1")
	pipeline := NewChatPipeline(q, testDeps(p))

	publishAll(t, q,
		&events.WorkflowStarted{BaseEvent: events.NewBaseEvent()},
		&events.WorkflowSucceeded{BaseEvent: events.NewBaseEvent()},
	)

	rc := testRunContext(t)
	rc.Type = models.WorkflowTypeChat
	rc.MessageID = "msg-1"
	rc.Runtime = &models.RuntimeState{
		TotalTokens: 37,
		Usage:       &models.Usage{TotalTokens: 37, Currency: "USD"},
	}

	_, err := pipeline.Process(context.Background(), rc)
	require.NoError(t, err)

	message, err := p.MessageRepository().Get(context.Background(), "msg-1")
	require.NoError(t, err)
	assert.Equal(t, int64(37), message.Usage.TotalTokens)
}

type fakeAudioPublisher struct {
	mu     sync.Mutex
	chunks []string
	closed bool
}

func (f *fakeAudioPublisher) Publish(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	// One fragment per text chunk keeps the interleaving observable.
	f.chunks = append(f.chunks, "audio:"+text)
}

func (f *fakeAudioPublisher) Poll() *AudioChunk {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.chunks) == 0 {
		return nil
	}

	chunk := f.chunks[0]
	f.chunks = f.chunks[1:]

	return &AudioChunk{Audio: chunk}
}

func (f *fakeAudioPublisher) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
}

func TestChatPipeline_InterleavesAudio(t *testing.T) {
	t.Parallel()

	p := memory.NewPersistence()
	q := queue.NewQueue("task-1", "user-1")
	audio := &fakeAudioPublisher{}
	pipeline := NewChatPipeline(q, testDeps(p), WithAudioPublisher(audio))

	publishAll(t, q,
		&events.WorkflowStarted{BaseEvent: events.NewBaseEvent()},
		&events.TextChunk{BaseEvent: events.NewBaseEvent(), Text: "speak"},
		&events.WorkflowSucceeded{BaseEvent: events.NewBaseEvent()},
	)

	rc := testRunContext(t)
	rc.Type = models.WorkflowTypeChat
	rc.MessageID = "msg-1"

	stream, err := pipeline.ProcessStream(context.Background(), rc)
	require.NoError(t, err)

	out := collect(t, stream)

	var (
		audioChunks int
		sawAudioEnd bool
	)

	for _, response := range out {
		switch r := response.(type) {
		case *responses.TTSMessageResponse:
			audioChunks++

			assert.Equal(t, "audio:speak", r.Audio)
			assert.Equal(t, "msg-1", r.MessageID)
		case *responses.TTSMessageEndResponse:
			sawAudioEnd = true
		}
	}

	assert.Equal(t, 1, audioChunks)
	assert.True(t, sawAudioEnd, "audio stream must be closed explicitly")

	audio.mu.Lock()
	defer audio.mu.Unlock()
	assert.True(t, audio.closed)

	// The end marker is still the last response on the stream.
	assert.Equal(t, responses.KindEnd, out[len(out)-1].Kind())
}

type fakeNamer struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeNamer) NameConversation(_ context.Context, conversationID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, conversationID)

	return nil
}

func TestChatPipeline_NamesConversationBeforeStreamCloses(t *testing.T) {
	t.Parallel()

	p := memory.NewPersistence()
	q := queue.NewQueue("task-1", "user-1")
	namer := &fakeNamer{}
	pipeline := NewChatPipeline(q, testDeps(p), WithConversationNamer(namer))

	publishAll(t, q,
		&events.WorkflowStarted{BaseEvent: events.NewBaseEvent()},
		&events.TextChunk{BaseEvent: events.NewBaseEvent(), Text: "hi"},
		&events.WorkflowSucceeded{BaseEvent: events.NewBaseEvent()},
	)

	rc := testRunContext(t)
	rc.Type = models.WorkflowTypeChat
	rc.ConversationID = "conv-1"
	rc.MessageID = "msg-1"

	stream, err := pipeline.ProcessStream(context.Background(), rc)
	require.NoError(t, err)

	collect(t, stream)

	// The stream only closes after the naming goroutine is joined.
	namer.mu.Lock()
	defer namer.mu.Unlock()
	require.Len(t, namer.calls, 1)
	assert.Equal(t, "conv-1", namer.calls[0])
}
