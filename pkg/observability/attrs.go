// Domain semantic attributes and span helpers.
package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	AttrWorkspaceID = attribute.Key("foundry.workspace.id")
	AttrProductID   = attribute.Key("foundry.product.id")
	AttrVersion     = attribute.Key("foundry.product.version")

	AttrRunID     = attribute.Key("foundry.run.id")
	AttrRunStatus = attribute.Key("foundry.run.status")

	AttrStage       = attribute.Key("foundry.stage.name")
	AttrStageStatus = attribute.Key("foundry.stage.status")

	AttrSourceType = attribute.Key("foundry.source.type")
	AttrHTTPRoute  = attribute.Key("http.route")
	AttrHTTPStatus = attribute.Key("http.response.status_code")
)

// RunAttrs builds the standard attribute set for one pipeline run.
func RunAttrs(workspaceID, productID string, version int, runID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrWorkspaceID.String(workspaceID),
		AttrProductID.String(productID),
		AttrVersion.Int(version),
		AttrRunID.String(runID),
	}
}

// IngestAttrs builds the attribute set for one ingest batch.
func IngestAttrs(workspaceID, productID string, version int, sourceType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrWorkspaceID.String(workspaceID),
		AttrProductID.String(productID),
		AttrVersion.Int(version),
		AttrSourceType.String(sourceType),
	}
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus records err on the current span when non-nil.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}
