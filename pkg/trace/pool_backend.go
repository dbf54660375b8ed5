package trace

import (
	"context"
	"log/slog"

	"github.com/loomhq/loom/pkg/log"
	"github.com/panjf2000/ants/v2"
)

// Handler performs the actual export work for one batch.
type Handler func(ctx context.Context, info FileInfo) error

// PoolBackend dispatches batches to a goroutine pool so slow exporters never
// stall the flush timer. Handler errors are logged and swallowed.
type PoolBackend struct {
	pool    *ants.Pool
	handler Handler
	logger  *slog.Logger
}

// NewPoolBackend creates a backend with a fixed-size worker pool.
func NewPoolBackend(size int, handler Handler) (*PoolBackend, error) {
	pool, err := ants.NewPool(size, ants.WithNonblocking(true))
	if err != nil {
		return nil, err
	}

	return &PoolBackend{
		pool:    pool,
		handler: handler,
		logger:  log.WithModule("trace-pool"),
	}, nil
}

// Delay schedules the batch on the pool. A saturated pool is reported as an
// error to the caller, which logs and drops the batch.
func (b *PoolBackend) Delay(info FileInfo) error {
	return b.pool.Submit(func() {
		err := b.handler(context.Background(), info)
		if err != nil {
			b.logger.Error("Trace export failed", "error", err, "batch_id", info.BatchID)
		}
	})
}

// Close releases the pool. In-flight handlers finish; queued work is dropped.
func (b *PoolBackend) Close() {
	b.pool.Release()
}
