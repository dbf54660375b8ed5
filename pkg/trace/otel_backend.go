package trace

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/loomhq/loom/pkg/otelhelper"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// OTelBackend exports each drained batch as OpenTelemetry spans, one span
// per task, grouped under a batch span.
type OTelBackend struct {
	tracer oteltrace.Tracer
}

// NewOTelBackend creates an exporter on an existing tracer.
func NewOTelBackend(tracer oteltrace.Tracer) *OTelBackend {
	return &OTelBackend{tracer: tracer}
}

// Delay converts the serialized batch back into tasks and records them.
func (b *OTelBackend) Delay(info FileInfo) error {
	var tasks []Task

	err := json.Unmarshal(info.Payload, &tasks)
	if err != nil {
		return fmt.Errorf("failed to decode trace batch %s: %w", info.BatchID, err)
	}

	ctx, batchSpan := otelhelper.StartSpan(context.Background(), b.tracer, "trace.batch",
		attribute.String(otelhelper.TraceBatchIDKey, info.BatchID),
		attribute.Int(otelhelper.TraceBatchSizeKey, len(tasks)),
	)
	defer batchSpan.End()

	for _, task := range tasks {
		_, span := otelhelper.StartSpan(ctx, b.tracer, "trace.task",
			attribute.String(otelhelper.TraceTaskKindKey, string(task.Kind)),
			attribute.String(otelhelper.WorkflowIDKey, task.WorkflowID),
			attribute.String(otelhelper.WorkflowRunIDKey, task.WorkflowRunID),
			attribute.String(otelhelper.NodeExecutionIDKey, task.NodeExecutionID),
			attribute.String(otelhelper.MessageIDKey, task.MessageID),
			attribute.String(otelhelper.ConversationIDKey, task.ConversationID),
		)
		span.End()
	}

	return nil
}
