package pipeline

import (
	"context"
	"log/slog"

	"github.com/loomhq/loom/pkg/log"
	"github.com/loomhq/loom/pkg/queue"
	"github.com/loomhq/loom/pkg/responses"
)

// WorkflowPipeline serves headless batch runs: queue events in, stream
// responses out, no chat side effects.
type WorkflowPipeline struct {
	queue  *queue.Queue
	deps   Dependencies
	logger *slog.Logger
}

// NewWorkflowPipeline creates a pipeline consuming one run's queue.
func NewWorkflowPipeline(q *queue.Queue, deps Dependencies) *WorkflowPipeline {
	return &WorkflowPipeline{
		queue:  q,
		deps:   deps,
		logger: log.WithModule("workflow-pipeline"),
	}
}

// Process runs to completion and returns only the terminal result.
func (p *WorkflowPipeline) Process(ctx context.Context, rc RunContext) (*BlockingResponse, error) {
	rc.Stream = false

	stream, err := p.ProcessStream(ctx, rc)
	if err != nil {
		return nil, err
	}

	return drain(stream, rc.TaskID)
}

// ProcessStream returns the lazy response stream. Consuming it drives event
// processing; the channel closes after the unconditional End marker.
func (p *WorkflowPipeline) ProcessStream(ctx context.Context, rc RunContext) (<-chan responses.StreamResponse, error) {
	err := validateRunContext(&rc)
	if err != nil {
		return nil, err
	}

	out := make(chan responses.StreamResponse)

	go p.run(ctx, rc, out)

	return out, nil
}

func (p *WorkflowPipeline) run(ctx context.Context, rc RunContext, out chan<- responses.StreamResponse) {
	defer close(out)

	manager := newManager(&rc, p.deps)

	var lastFinish *responses.WorkflowFinishResponse

	for event := range p.queue.Listen(ctx) {
		batch, err := manager.Process(ctx, event)
		if err != nil {
			p.logger.Error("Event processing failed", "error", err, "task_id", rc.TaskID, "event_type", event.GetType())
			out <- responses.FromError(rc.TaskID, err)

			break
		}

		lastFinish = forward(out, batch, lastFinish)
	}

	manager.Wait()
	publishRunFinished(ctx, p.deps.Bus, manager.Run(), p.logger)

	runID := ""
	if manager.Run() != nil {
		runID = manager.Run().ID
	}

	out <- responses.NewEnd(rc.TaskID, runID)
}
