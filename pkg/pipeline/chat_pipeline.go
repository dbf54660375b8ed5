package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loomhq/loom/pkg/eventbus"
	"github.com/loomhq/loom/pkg/log"
	"github.com/loomhq/loom/pkg/models"
	"github.com/loomhq/loom/pkg/queue"
	"github.com/loomhq/loom/pkg/responses"
)

// AudioChunk is one synthesized audio fragment, base64 encoded.
type AudioChunk struct {
	MessageID string
	Audio     string
}

// AudioPublisher converts answer text to speech. Publish hands text to the
// synthesizer; Poll returns the next ready fragment or nil.
type AudioPublisher interface {
	Publish(text string)
	Poll() *AudioChunk
	Close()
}

// ConversationNamer derives a title for a fresh conversation from its first
// exchange.
type ConversationNamer interface {
	NameConversation(ctx context.Context, conversationID, answer string) error
}

// ChatOption customizes a ChatPipeline.
type ChatOption func(*ChatPipeline)

// WithAudioPublisher enables TTS interleaving on the stream.
func WithAudioPublisher(audio AudioPublisher) ChatOption {
	return func(p *ChatPipeline) {
		p.audio = audio
	}
}

// WithConversationNamer enables background conversation naming.
func WithConversationNamer(namer ConversationNamer) ChatOption {
	return func(p *ChatPipeline) {
		p.namer = namer
	}
}

// ChatPipeline wraps the workflow run loop with the chat surface's side
// effects: answer accumulation, message persistence, audio interleaving and
// conversation naming.
type ChatPipeline struct {
	queue  *queue.Queue
	deps   Dependencies
	audio  AudioPublisher
	namer  ConversationNamer
	logger *slog.Logger
}

// NewChatPipeline creates a pipeline consuming one chat run's queue.
func NewChatPipeline(q *queue.Queue, deps Dependencies, options ...ChatOption) *ChatPipeline {
	pipeline := &ChatPipeline{
		queue:  q,
		deps:   deps,
		logger: log.WithModule("chat-pipeline"),
	}

	for _, option := range options {
		option(pipeline)
	}

	return pipeline
}

// Process runs to completion and returns only the terminal result.
func (p *ChatPipeline) Process(ctx context.Context, rc RunContext) (*BlockingResponse, error) {
	rc.Stream = false

	stream, err := p.ProcessStream(ctx, rc)
	if err != nil {
		return nil, err
	}

	return drain(stream, rc.TaskID)
}

// ProcessStream returns the lazy response stream. Consuming it drives event
// processing; the channel closes after the unconditional End marker.
func (p *ChatPipeline) ProcessStream(ctx context.Context, rc RunContext) (<-chan responses.StreamResponse, error) {
	err := validateRunContext(&rc)
	if err != nil {
		return nil, err
	}

	out := make(chan responses.StreamResponse)

	go p.run(ctx, rc, out)

	return out, nil
}

func (p *ChatPipeline) run(ctx context.Context, rc RunContext, out chan<- responses.StreamResponse) {
	var naming sync.WaitGroup

	defer func() {
		naming.Wait()
		close(out)
	}()

	manager := newManager(&rc, p.deps)

	var (
		answer     string
		lastFinish *responses.WorkflowFinishResponse
	)

	for event := range p.queue.Listen(ctx) {
		batch, err := manager.Process(ctx, event)
		if err != nil {
			p.logger.Error("Event processing failed", "error", err, "task_id", rc.TaskID, "event_type", event.GetType())
			out <- responses.FromError(rc.TaskID, err)

			break
		}

		for _, response := range batch {
			if chunk, ok := response.(*responses.TextChunkResponse); ok {
				answer += chunk.Data.Text

				if p.audio != nil {
					p.audio.Publish(chunk.Data.Text)
				}
			}
		}

		lastFinish = forward(out, batch, lastFinish)
		p.emitReadyAudio(rc.TaskID, rc.MessageID, out)
	}

	manager.Wait()

	runID := ""
	if manager.Run() != nil {
		runID = manager.Run().ID
	}

	p.drainTrailingAudio(rc.TaskID, rc.MessageID, out)

	message := p.persistMessage(ctx, rc, runID, answer, manager.Files(), lastFinish)

	publishRunFinished(ctx, p.deps.Bus, manager.Run(), p.logger)
	p.publishMessagePersisted(ctx, message)

	if p.namer != nil && message != nil && rc.ConversationID != "" {
		naming.Add(1)

		go func() {
			defer naming.Done()

			err := p.namer.NameConversation(context.WithoutCancel(ctx), rc.ConversationID, message.Answer)
			if err != nil {
				p.logger.Warn("Conversation naming failed", "error", err, "conversation_id", rc.ConversationID)
			}
		}()
	}

	out <- responses.NewEnd(rc.TaskID, runID)
}

// emitReadyAudio forwards every fragment the synthesizer has ready without
// blocking the text stream.
func (p *ChatPipeline) emitReadyAudio(taskID, messageID string, out chan<- responses.StreamResponse) {
	if p.audio == nil {
		return
	}

	for {
		chunk := p.audio.Poll()
		if chunk == nil {
			return
		}

		out <- ttsMessage(taskID, messageID, chunk)
	}
}

// drainTrailingAudio waits out fragments still being synthesized after the
// last text chunk, bounded by the grace period, then closes the audio stream.
func (p *ChatPipeline) drainTrailingAudio(taskID, messageID string, out chan<- responses.StreamResponse) {
	if p.audio == nil {
		return
	}

	defer p.audio.Close()

	deadline := time.Now().Add(ttsGracePeriod)

	for time.Now().Before(deadline) {
		chunk := p.audio.Poll()
		if chunk == nil {
			time.Sleep(ttsPollInterval)

			continue
		}

		out <- ttsMessage(taskID, messageID, chunk)
	}

	out <- &responses.TTSMessageEndResponse{
		Base:      responses.NewBase(responses.KindTTSMessageEnd, taskID),
		MessageID: messageID,
		CreatedAt: responses.EpochSeconds(time.Now()),
	}
}

func ttsMessage(taskID, messageID string, chunk *AudioChunk) *responses.TTSMessageResponse {
	if chunk.MessageID != "" {
		messageID = chunk.MessageID
	}

	return &responses.TTSMessageResponse{
		Base:      responses.NewBase(responses.KindTTSMessage, taskID),
		MessageID: messageID,
		Audio:     chunk.Audio,
		CreatedAt: responses.EpochSeconds(time.Now()),
	}
}

// persistMessage writes the accumulated answer as the run's message record.
// Returns nil when the surface carries no message or the save failed.
func (p *ChatPipeline) persistMessage(ctx context.Context, rc RunContext, runID, answer string, files []map[string]any, finish *responses.WorkflowFinishResponse) *models.Message {
	if p.deps.Messages == nil || rc.MessageID == "" {
		return nil
	}

	usage := models.EmptyUsage()
	if rc.Runtime != nil && rc.Runtime.Usage != nil {
		usage = rc.Runtime.Usage
	}

	message := &models.Message{
		ID:             rc.MessageID,
		TaskID:         rc.TaskID,
		ConversationID: rc.ConversationID,
		WorkflowRunID:  runID,
		Answer:         answer,
		Usage:          usage,
		Files:          files,
		CreatedAt:      time.Now().UTC(),
	}

	if finish != nil {
		message.Status = finish.Data.Status
		message.Error = finish.Data.Error
	}

	err := p.deps.Messages.Save(context.WithoutCancel(ctx), message)
	if err != nil {
		p.logger.Error("Failed to persist message", "error", err, "message_id", rc.MessageID)

		return nil
	}

	return message
}

func (p *ChatPipeline) publishMessagePersisted(ctx context.Context, message *models.Message) {
	if p.deps.Bus == nil || message == nil {
		return
	}

	totalTokens := int64(0)
	if message.Usage != nil {
		totalTokens = message.Usage.TotalTokens
	}

	err := p.deps.Bus.Publish(ctx, message.ID, &eventbus.MessagePersisted{
		MessageID:      message.ID,
		TaskID:         message.TaskID,
		ConversationID: message.ConversationID,
		WorkflowRunID:  message.WorkflowRunID,
		TotalTokens:    totalTokens,
		CreatedAt:      message.CreatedAt,
	})
	if err != nil {
		p.logger.Warn("Failed to publish message persisted event", "error", err, "message_id", message.ID)
	}
}
