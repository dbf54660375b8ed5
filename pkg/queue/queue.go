// Package queue provides the bounded, ordered event channel connecting a
// graph engine producer to a single pipeline consumer.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loomhq/loom/pkg/events"
	"github.com/loomhq/loom/pkg/log"
)

const (
	// DefaultCapacity bounds the in-flight event buffer per run.
	DefaultCapacity = 512

	// DefaultPingInterval is how often an idle listener receives a Ping.
	DefaultPingInterval = 10 * time.Second
)

// ErrQueueClosed is returned by Publish after Close.
var ErrQueueClosed = errors.New("queue is closed")

// Queue carries events for one task from producer to consumer. Events are
// delivered in publish order. A stop flag observed during publish is
// converted into a Stop event on the same channel, so the consumer has a
// single consumption point for both engine events and out-of-band stops.
type Queue struct {
	taskID       string
	userID       string
	events       chan events.Event
	done         chan struct{}
	closeOnce    sync.Once
	stopOnce     sync.Once
	pingInterval time.Duration
	stopFlags    StopFlagStore
	logger       *slog.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithCapacity overrides the event buffer size.
func WithCapacity(capacity int) Option {
	return func(q *Queue) {
		q.events = make(chan events.Event, capacity)
	}
}

// WithPingInterval overrides the idle keepalive interval.
func WithPingInterval(interval time.Duration) Option {
	return func(q *Queue) {
		q.pingInterval = interval
	}
}

// WithStopFlagStore attaches the out-of-band stop flag store.
func WithStopFlagStore(store StopFlagStore) Option {
	return func(q *Queue) {
		q.stopFlags = store
	}
}

// NewQueue creates a queue for one task owned by one user.
func NewQueue(taskID, userID string, options ...Option) *Queue {
	q := &Queue{
		taskID:       taskID,
		userID:       userID,
		events:       make(chan events.Event, DefaultCapacity),
		done:         make(chan struct{}),
		pingInterval: DefaultPingInterval,
		logger:       log.WithModule("queue").With("task_id", taskID),
	}

	for _, option := range options {
		option(q)
	}

	return q
}

// Publish enqueues an event. Publishing a terminal event closes the queue
// after the event is buffered, ending the listener once it drains.
func (q *Queue) Publish(ctx context.Context, event events.Event) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}

	if q.stopRequested(ctx) {
		q.stopOnce.Do(func() {
			q.enqueue(ctx, event)

			stop := &events.Stop{
				BaseEvent: events.NewBaseEvent(),
				Reason:    "stop flag set",
				StoppedBy: q.userID,
			}
			q.enqueue(ctx, stop)
			q.Close()
		})

		return nil
	}

	err := q.enqueue(ctx, event)
	if err != nil {
		return err
	}

	if isTerminal(event) {
		q.Close()
	}

	return nil
}

// Listen returns the consumption channel. The channel yields events in
// order, interleaving Ping events while idle, and closes once the queue is
// closed and drained or the context is cancelled.
func (q *Queue) Listen(ctx context.Context) <-chan events.Event {
	out := make(chan events.Event)

	go func() {
		defer close(out)

		ticker := time.NewTicker(q.pingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case event := <-q.events:
				if !q.forward(ctx, out, event) {
					return
				}

				ticker.Reset(q.pingInterval)
			case <-ticker.C:
				ping := &events.Ping{BaseEvent: events.NewBaseEvent()}
				if !q.forward(ctx, out, ping) {
					return
				}
			case <-q.done:
				q.drain(ctx, out)

				return
			}
		}
	}()

	return out
}

// Close stops intake. Buffered events remain consumable. Safe to call more
// than once.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
	})
}

func (q *Queue) enqueue(ctx context.Context, event events.Event) error {
	select {
	case q.events <- event:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) forward(ctx context.Context, out chan<- events.Event, event events.Event) bool {
	select {
	case out <- event:
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *Queue) drain(ctx context.Context, out chan<- events.Event) {
	for {
		select {
		case event := <-q.events:
			if !q.forward(ctx, out, event) {
				return
			}
		default:
			return
		}
	}
}

func (q *Queue) stopRequested(ctx context.Context) bool {
	if q.stopFlags == nil {
		return false
	}

	stopped, err := q.stopFlags.Check(ctx, q.taskID, q.userID)
	if err != nil {
		q.logger.Warn("Failed to check stop flag", "error", err)

		return false
	}

	return stopped
}

func isTerminal(event events.Event) bool {
	switch event.(type) {
	case *events.Stop, *events.WorkflowSucceeded, *events.WorkflowPartialSucceeded, *events.WorkflowFailed:
		return true
	default:
		return false
	}
}
