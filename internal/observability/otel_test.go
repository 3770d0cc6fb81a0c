package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-deploy-backend/internal/config"
)

func preserveOTelGlobals(t *testing.T) func() {
	t.Helper()
	prevTP := otel.GetTracerProvider()
	prevProp := otel.GetTextMapPropagator()
	return func() {
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	}
}

func TestSetupOTel_Disabled_NoOp(t *testing.T) {
	restore := preserveOTelGlobals(t)
	defer restore()

	shutdown, err := SetupOTel(context.Background(), config.OTELConfig{
		Enabled:     false,
		Insecure:    true,
		Endpoint:    "ignored:4317",
		ServiceName: "deploy-backend",
		SampleRatio: 1.0,
	}, "v0.0.0")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if shutdown == nil {
		t.Fatalf("expected non-nil shutdown func")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("no-op shutdown returned error: %v", err)
	}
}

func TestSetupOTel_Insecure_SetsProviderAndPropagator(t *testing.T) {
	restore := preserveOTelGlobals(t)
	defer restore()

	cfg := config.OTELConfig{
		Enabled:     true,
		Insecure:    true,
		Endpoint:    "localhost:4317",
		ServiceName: "deploy-backend-insecure",
		SampleRatio: 1.0,
	}
	shutdown, err := SetupOTel(context.Background(), cfg, "v1.2.3")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Fatalf("expected *sdktrace.TracerProvider")
	}

	// Exercise propagator: inject/extract
	prop := otel.GetTextMapPropagator()
	carrier := propagation.MapCarrier{}
	ctx2, span := otel.Tracer("test").Start(context.Background(), "span")
	span.End()
	prop.Inject(ctx2, carrier)
	_ = prop.Extract(context.Background(), carrier)
}

func TestSetupOTel_SecureTLS_SetsProvider(t *testing.T) {
	restore := preserveOTelGlobals(t)
	defer restore()

	cfg := config.OTELConfig{
		Enabled:     true,
		Insecure:    false, // TLS branch
		Endpoint:    "localhost:4317",
		ServiceName: "deploy-backend-tls",
		SampleRatio: 1.0,
	}
	shutdown, err := SetupOTel(context.Background(), cfg, "v9.9.9")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Fatalf("expected *sdktrace.TracerProvider")
	}

	tr := otel.Tracer("secure-test")
	_, span := tr.Start(context.Background(), "child")
	span.End()
}

func TestSetupOTel_CanceledContext_StillSucceeds(t *testing.T) {
	restore := preserveOTelGlobals(t)
	defer restore()

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // exporter creation should still succeed (lazy init)

	shutdown, err := SetupOTel(ctx, config.OTELConfig{
		Enabled:     true,
		Insecure:    true,
		Endpoint:    "localhost:4317",
		ServiceName: "deploy-backend-canceled",
		SampleRatio: 1.0,
	}, "vX.Y.Z")
	if err != nil {
		t.Fatalf("unexpected err with canceled ctx: %v", err)
	}
	if shutdown == nil {
		t.Fatalf("expected non-nil shutdown func")
	}
	_ = shutdown(context.Background())
}

func TestSetupOTel_ExporterError_Propagates_AndGlobalsIntact(t *testing.T) {
	restore := preserveOTelGlobals(t)
	defer restore()

	orig := newOTLPExporterFn
	defer func() { newOTLPExporterFn = orig }()

	newOTLPExporterFn = func(ctx context.Context, client otlptrace.Client) (*otlptrace.Exporter, error) {
		return nil, errors.New("boom-exporter")
	}

	prevTP := otel.GetTracerProvider()
	prevProp := otel.GetTextMapPropagator()

	_, err := SetupOTel(context.Background(), config.OTELConfig{
		Enabled:     true,
		Insecure:    true,
		Endpoint:    "localhost:4317",
		ServiceName: "deploy-backend",
		SampleRatio: 1.0,
	}, "v0")
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	if otel.GetTracerProvider() != prevTP {
		t.Fatalf("tracer provider changed on failure")
	}
	if otel.GetTextMapPropagator() != prevProp {
		t.Fatalf("propagator changed on failure")
	}
}

func TestSetupOTel_ResourceError_Propagates_AndGlobalsIntact(t *testing.T) {
	restore := preserveOTelGlobals(t)
	defer restore()

	orig := newServiceResourceFn
	defer func() { newServiceResourceFn = orig }()

	newServiceResourceFn = func(ctx context.Context, serviceName, version string, extra []attribute.KeyValue) (*resource.Resource, error) {
		return nil, errors.New("boom-resource")
	}

	prevTP := otel.GetTracerProvider()
	prevProp := otel.GetTextMapPropagator()

	_, err := SetupOTel(context.Background(), config.OTELConfig{
		Enabled:     true,
		Insecure:    true,
		Endpoint:    "localhost:4317",
		ServiceName: "deploy-backend",
		SampleRatio: 1.0,
	}, "v0")
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	if otel.GetTracerProvider() != prevTP {
		t.Fatalf("tracer provider changed on failure")
	}
	if otel.GetTextMapPropagator() != prevProp {
		t.Fatalf("propagator changed on failure")
	}
}

func TestShutdown_IsCallable(t *testing.T) {
	restore := preserveOTelGlobals(t)
	defer restore()

	shutdown, err := SetupOTel(context.Background(), config.OTELConfig{
		Enabled:     true,
		Insecure:    true,
		Endpoint:    "localhost:4317",
		ServiceName: "deploy-backend-shutdown",
		SampleRatio: 1.0,
	}, "v1")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	ct, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	if err := shutdown(ct); err != nil {
		t.Fatalf("shutdown returned error: %v", err)
	}
}

func TestSpanCreation_Smoke(t *testing.T) {
	restore := preserveOTelGlobals(t)
	defer restore()

	shutdown, err := SetupOTel(context.Background(), config.OTELConfig{
		Enabled:     true,
		Insecure:    true,
		Endpoint:    "localhost:4317",
		ServiceName: "deploy-backend-span",
		SampleRatio: 1.0,
	}, "v1")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	tr := otel.Tracer("smoke")
	_, span := tr.Start(context.Background(), "root", trace.WithSpanKind(trace.SpanKindInternal))
	span.End()
}

func TestSetupOTel_PipelineAttributesReachResource(t *testing.T) {
	restore := preserveOTelGlobals(t)
	defer restore()

	orig := newServiceResourceFn
	defer func() { newServiceResourceFn = orig }()

	var got *resource.Resource
	newServiceResourceFn = func(ctx context.Context, serviceName, version string, extra []attribute.KeyValue) (*resource.Resource, error) {
		res, err := orig(ctx, serviceName, version, extra)
		got = res
		return res, err
	}

	var cfg config.Config
	cfg.GitHub.Skip = true
	cfg.GitHub.Branch = "gh-pages"
	cfg.LLM.Model = "gpt-4o-mini"
	cfg.LLM.MaxAttempts = 3
	cfg.DBDriver = "sqlite"

	shutdown, err := SetupOTel(context.Background(), config.OTELConfig{
		Enabled:     true,
		Insecure:    true,
		Endpoint:    "localhost:4317",
		ServiceName: "deploy-backend",
		SampleRatio: 1.0,
	}, "v1", PipelineAttributes(cfg)...)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	if got == nil {
		t.Fatalf("resource not built")
	}
	want := map[attribute.Key]string{
		AttrPublisher:       "local",
		AttrLLMModel:        "gpt-4o-mini",
		AttrDBDriver:        "sqlite",
		"service.namespace": ServiceNamespace,
	}
	for k, v := range want {
		val, ok := got.Set().Value(k)
		if !ok || val.AsString() != v {
			t.Errorf("%s = %q (present=%v), want %q", k, val.AsString(), ok, v)
		}
	}
}

func TestPipelineAttributes(t *testing.T) {
	var cfg config.Config
	cfg.GitHub.Owner = "octo"
	cfg.GitHub.Branch = "main"
	cfg.LLM.MaxAttempts = 2
	cfg.Mirror.Enabled = true

	set := attribute.NewSet(PipelineAttributes(cfg)...)
	if v, _ := set.Value(AttrPublisher); v.AsString() != "github" {
		t.Fatalf("publisher = %q", v.AsString())
	}
	if v, ok := set.Value(AttrGitHubOwner); !ok || v.AsString() != "octo" {
		t.Fatalf("owner = %q (present=%v)", v.AsString(), ok)
	}
	if v, _ := set.Value(AttrNotifyEnabled); !v.AsBool() {
		t.Fatalf("notify should be enabled when not skipped")
	}
	if v, _ := set.Value(AttrMirrorEnabled); !v.AsBool() {
		t.Fatalf("mirror should be reported enabled")
	}
	if v, _ := set.Value(AttrLLMAttempts); v.AsInt64() != 2 {
		t.Fatalf("attempts = %d", v.AsInt64())
	}

	cfg.GitHub.Owner = ""
	emptyOwner := attribute.NewSet(PipelineAttributes(cfg)...)
	if _, ok := emptyOwner.Value(AttrGitHubOwner); ok {
		t.Fatalf("empty owner should be omitted")
	}
}

func TestSampler_ClampsRatioAndHonoursParent(t *testing.T) {
	root := func(s sdktrace.Sampler) sdktrace.SamplingDecision {
		return s.ShouldSample(sdktrace.SamplingParameters{
			ParentContext: context.Background(),
			TraceID:       trace.TraceID{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 1},
			Name:          "Deploy",
		}).Decision
	}
	if d := root(sampler(0)); d != sdktrace.Drop {
		t.Fatalf("ratio 0: decision %v", d)
	}
	if d := root(sampler(-1)); d != sdktrace.Drop {
		t.Fatalf("ratio -1: decision %v", d)
	}
	if d := root(sampler(1)); d != sdktrace.RecordAndSample {
		t.Fatalf("ratio 1: decision %v", d)
	}
	if d := root(sampler(7)); d != sdktrace.RecordAndSample {
		t.Fatalf("ratio 7: decision %v", d)
	}

	parent := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1},
		SpanID:     trace.SpanID{1},
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	}))
	d := sampler(0).ShouldSample(sdktrace.SamplingParameters{
		ParentContext: parent,
		TraceID:       trace.TraceID{1},
		Name:          "Deploy",
	}).Decision
	if d != sdktrace.RecordAndSample {
		t.Fatalf("sampled parent should be kept, got %v", d)
	}
}

func TestExporterOptions(t *testing.T) {
	if n := len(exporterOptions(config.OTELConfig{Endpoint: "otel:4317", Insecure: true})); n != 2 {
		t.Fatalf("insecure options = %d, want endpoint + insecure", n)
	}
	if n := len(exporterOptions(config.OTELConfig{Endpoint: "otel:4317"})); n != 2 {
		t.Fatalf("tls options = %d, want endpoint + credentials", n)
	}
}
