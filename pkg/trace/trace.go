// Package trace implements the batched, timer-flushed side channel that
// forwards run and node completion data to observability backends. Delivery
// is best-effort: nothing in this package ever fails a workflow run.
package trace

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loomhq/loom/pkg/log"
)

const (
	// DefaultFlushInterval is how often the timer drains the queue.
	DefaultFlushInterval = 5 * time.Second

	// DefaultBatchSize bounds how many tasks one flush hands to the backend.
	DefaultBatchSize = 100
)

// TaskKind identifies the payload family of a trace task.
type TaskKind string

const (
	TaskKindWorkflow         TaskKind = "workflow"
	TaskKindNode             TaskKind = "node"
	TaskKindMessage          TaskKind = "message"
	TaskKindModeration       TaskKind = "moderation"
	TaskKindTool             TaskKind = "tool"
	TaskKindConversationName TaskKind = "conversation-name"
)

// Task is one queued trace unit. Tasks carry identifiers, not denormalized
// snapshots; the backend re-derives full context from persistence at flush
// time, keeping enqueue cheap on the hot path.
type Task struct {
	Kind            TaskKind  `json:"kind"`
	WorkflowID      string    `json:"workflow_id,omitempty"`
	WorkflowRunID   string    `json:"workflow_run_id,omitempty"`
	NodeExecutionID string    `json:"node_execution_id,omitempty"`
	MessageID       string    `json:"message_id,omitempty"`
	ConversationID  string    `json:"conversation_id,omitempty"`
	UserID          string    `json:"user_id,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// FileInfo references one serialized batch handed to a backend.
type FileInfo struct {
	BatchID string `json:"batch_id"`
	Count   int    `json:"count"`
	Payload []byte `json:"payload"`
}

// Backend receives serialized batches. Delay must be quick; slow export work
// belongs behind an async dispatcher such as PoolBackend.
type Backend interface {
	Delay(info FileInfo) error
}

// QueueManager buffers trace tasks and flushes them on a repeating timer.
// The timer starts lazily on the first enqueue and restarts after each
// flush; an idle manager keeps no timer running.
type QueueManager struct {
	mu           sync.Mutex
	tasks        []Task
	timer        *time.Timer
	timerRunning bool
	closed       bool

	interval  time.Duration
	batchSize int
	backend   Backend
	logger    *slog.Logger
}

// ManagerOption configures a QueueManager.
type ManagerOption func(*QueueManager)

// WithFlushInterval overrides the flush timer interval.
func WithFlushInterval(interval time.Duration) ManagerOption {
	return func(m *QueueManager) {
		m.interval = interval
	}
}

// WithBatchSize overrides how many tasks one flush drains.
func WithBatchSize(size int) ManagerOption {
	return func(m *QueueManager) {
		m.batchSize = size
	}
}

// NewQueueManager creates a manager flushing into backend. The manager owns
// its timer; callers own the backend's lifecycle.
func NewQueueManager(backend Backend, options ...ManagerOption) *QueueManager {
	m := &QueueManager{
		interval:  DefaultFlushInterval,
		batchSize: DefaultBatchSize,
		backend:   backend,
		logger:    log.WithModule("trace"),
	}

	for _, option := range options {
		option(m)
	}

	return m
}

// EnqueueTask appends a task and makes sure the flush timer is running.
// Never blocks and never returns an error; a closed manager drops the task.
func (m *QueueManager) EnqueueTask(task Task) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	if task.Timestamp.IsZero() {
		task.Timestamp = time.Now().UTC()
	}

	m.tasks = append(m.tasks, task)
	m.ensureTimerLocked()
}

// Close stops the timer and drains whatever is queued, once. Safe to call
// more than once.
func (m *QueueManager) Close() {
	m.mu.Lock()

	if m.closed {
		m.mu.Unlock()

		return
	}

	m.closed = true

	if m.timer != nil {
		m.timer.Stop()
		m.timerRunning = false
	}

	remaining := m.tasks
	m.tasks = nil
	m.mu.Unlock()

	for len(remaining) > 0 {
		batch := remaining
		if len(batch) > m.batchSize {
			batch = batch[:m.batchSize]
		}

		remaining = remaining[len(batch):]
		m.dispatch(batch)
	}
}

func (m *QueueManager) ensureTimerLocked() {
	if m.timerRunning {
		return
	}

	m.timerRunning = true

	if m.timer == nil {
		m.timer = time.AfterFunc(m.interval, m.flush)

		return
	}

	m.timer.Reset(m.interval)
}

func (m *QueueManager) flush() {
	m.mu.Lock()

	if m.closed {
		m.mu.Unlock()

		return
	}

	batch := m.tasks
	if len(batch) > m.batchSize {
		batch = batch[:m.batchSize]
	}

	m.tasks = m.tasks[len(batch):]

	// Restart the timer while more work is queued; otherwise go idle until
	// the next enqueue.
	m.timerRunning = false
	if len(m.tasks) > 0 {
		m.ensureTimerLocked()
	}

	m.mu.Unlock()

	if len(batch) > 0 {
		m.dispatch(batch)
	}
}

func (m *QueueManager) dispatch(batch []Task) {
	payload, err := json.Marshal(batch)
	if err != nil {
		m.logger.Error("Failed to serialize trace batch", "error", err, "count", len(batch))

		return
	}

	info := FileInfo{
		BatchID: uuid.New().String(),
		Count:   len(batch),
		Payload: payload,
	}

	err = m.backend.Delay(info)
	if err != nil {
		m.logger.Error("Failed to hand trace batch to backend", "error", err, "batch_id", info.BatchID)
	}
}
