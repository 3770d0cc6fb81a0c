// Package observability wires OpenTelemetry tracing for the deploy backend:
// an OTLP/gRPC exporter, a parent-based ratio sampler, W3C propagation, a
// resource describing how the pipeline is wired (publisher, model, notifier,
// mirror), and the span helpers used by the pipeline stages.
package observability

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"google.golang.org/grpc/credentials"

	"github.com/tbourn/go-deploy-backend/internal/config"
)

// ServiceNamespace groups the backend's spans with other deploy pipeline
// components in the tracing backend.
const ServiceNamespace = "deploy-pipeline"

// Resource attribute keys describing the pipeline wiring.
const (
	AttrPublisher     = attribute.Key("deploy.publisher")
	AttrGitHubOwner   = attribute.Key("deploy.github.owner")
	AttrPagesBranch   = attribute.Key("deploy.pages.branch")
	AttrLLMModel      = attribute.Key("deploy.llm.model")
	AttrLLMAttempts   = attribute.Key("deploy.llm.max_attempts")
	AttrNotifyEnabled = attribute.Key("deploy.notify.enabled")
	AttrMirrorEnabled = attribute.Key("deploy.artifacts.mirror")
	AttrDBDriver      = attribute.Key("deploy.db.driver")
)

// ---- test seams ----
var (
	newOTLPClient = otlptracegrpc.NewClient

	newOTLPExporterFn = func(ctx context.Context, client otlptrace.Client) (*otlptrace.Exporter, error) {
		return otlptrace.New(ctx, client)
	}

	newServiceResourceFn = func(ctx context.Context, serviceName, version string, extra []attribute.KeyValue) (*resource.Resource, error) {
		attrs := append([]attribute.KeyValue{
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
			semconv.ServiceNamespace(ServiceNamespace),
		}, extra...)
		return resource.New(
			ctx,
			resource.WithHost(),
			resource.WithProcessRuntimeName(),
			resource.WithAttributes(attrs...),
		)
	}
)

// PipelineAttributes describes how the deployment pipeline is wired so
// traces from a local (SKIP_GITHUB) run can be told apart from production.
// No credentials are included.
func PipelineAttributes(cfg config.Config) []attribute.KeyValue {
	publisher := "github"
	if cfg.GitHub.Skip {
		publisher = "local"
	}
	attrs := []attribute.KeyValue{
		AttrPublisher.String(publisher),
		AttrPagesBranch.String(cfg.GitHub.Branch),
		AttrLLMModel.String(cfg.LLM.Model),
		AttrLLMAttempts.Int(cfg.LLM.MaxAttempts),
		AttrNotifyEnabled.Bool(!cfg.Notify.Skip),
		AttrMirrorEnabled.Bool(cfg.Mirror.Enabled),
		AttrDBDriver.String(cfg.DBDriver),
	}
	if cfg.GitHub.Owner != "" {
		attrs = append(attrs, AttrGitHubOwner.String(cfg.GitHub.Owner))
	}
	return attrs
}

// sampler keeps the caller's sampling decision and otherwise samples ratio
// of new traces. Ratios outside (0, 1) collapse to never/always.
func sampler(ratio float64) sdktrace.Sampler {
	var root sdktrace.Sampler
	switch {
	case ratio <= 0:
		root = sdktrace.NeverSample()
	case ratio >= 1:
		root = sdktrace.AlwaysSample()
	default:
		root = sdktrace.TraceIDRatioBased(ratio)
	}
	return sdktrace.ParentBased(root)
}

func exporterOptions(cfg config.OTELConfig) []otlptracegrpc.Option {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		return append(opts, otlptracegrpc.WithInsecure())
	}
	return append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")))
}

// SetupOTel installs the global tracer provider and propagator and returns a
// shutdown function that flushes pending spans. attrs are added to the
// service resource (see PipelineAttributes). When tracing is disabled the
// globals are left alone and shutdown is a no-op.
func SetupOTel(ctx context.Context, cfg config.OTELConfig, version string, attrs ...attribute.KeyValue) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	exp, err := newOTLPExporterFn(ctx, newOTLPClient(exporterOptions(cfg)...))
	if err != nil {
		return nil, err
	}
	res, err := newServiceResourceFn(ctx, cfg.ServiceName, version, attrs)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	// Spans of deployments that finished during shutdown are flushed before
	// the exporter closes.
	return func(ctx context.Context) error {
		return errors.Join(tp.ForceFlush(ctx), tp.Shutdown(ctx))
	}, nil
}
