package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-deploy-backend/internal/domain"
)

// Pipeline stage span names.
const (
	StageDeploy   = "Deploy"
	StageResolve  = "ResolveAttachments"
	StageGenerate = "Generate"
	StagePublish  = "Publish"
	StageLookup   = "Get"
)

// KeyAttributes returns the span attributes identifying a deployment key.
func KeyAttributes(k domain.Key) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("deploy.task", k.Task),
		attribute.Int("deploy.round", k.Round),
		attribute.String("deploy.nonce", k.Nonce),
	}
}

// StartStage starts a span for one pipeline stage under the named tracer.
func StartStage(ctx context.Context, tracer, stage string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracer).Start(ctx, stage, trace.WithAttributes(attrs...))
}

// EndStage records err (when non-nil) on span and ends it.
func EndStage(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
