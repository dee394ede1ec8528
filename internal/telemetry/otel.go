package telemetry

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Config holds telemetry configuration.
type Config struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // "otlp", "stdout", or "none"
	Endpoint    string `yaml:"endpoint"` // OTLP endpoint (e.g., "localhost:4317")
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

// Provider manages OpenTelemetry tracing for the inspection pipeline.
type Provider struct {
	config   Config
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

// NewProvider creates a new telemetry provider.
func NewProvider(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{config: cfg, tracer: otel.Tracer("sentrywall")}, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "sentrywall"
	}

	slog.Info("creating exporter", "type", cfg.Exporter)

	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Exporter {
	case "otlp":
		slog.Debug("creating OTLP exporter")
		exporter, err = createOTLPExporter(cfg)
		if err != nil {
			return nil, err
		}
		slog.Info("OTLP exporter initialized", "endpoint", cfg.Endpoint)
	case "stdout":
		slog.Debug("creating stdout exporter")
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			slog.Error("stdout exporter creation failed", "error", err)
			return nil, err
		}
		slog.Info("stdout trace exporter initialized")
	default:
		return &Provider{config: cfg, tracer: otel.Tracer("sentrywall")}, nil
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)
	otel.SetTracerProvider(tp)

	return &Provider{config: cfg, tracer: tp.Tracer("sentrywall"), provider: tp}, nil
}

func createOTLPExporter(cfg Config) (sdktrace.SpanExporter, error) {
	ctx := context.Background()

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptracegrpc.New(ctx, opts...)
}

// Tracer returns the tracer for creating spans.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// Shutdown gracefully shuts down the trace provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider != nil {
		return p.provider.Shutdown(ctx)
	}
	return nil
}

// Enabled returns whether telemetry is enabled.
func (p *Provider) Enabled() bool { return p.config.Enabled && p.provider != nil }

// Span attribute keys used across the pipeline.
const (
	AttrCorrelationID = "sentrywall.correlation_id"
	AttrHost          = "sentrywall.host"
	AttrPolicyName    = "sentrywall.policy.name"
	AttrDecisionKind  = "sentrywall.decision.kind"
	AttrBanned        = "sentrywall.decision.ban"
	AttrClientAddr    = "sentrywall.client.addr"
	AttrRequestMethod = "http.request.method"
	AttrRequestPath   = "url.path"
	AttrResponseCode  = "http.response.status_code"
	AttrStoreOp       = "sentrywall.store.op"
)

// StartAnalyzeSpan starts a span around one request's full inspection
// pipeline.
func (p *Provider) StartAnalyzeSpan(ctx context.Context, correlationID, host, method, path string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "inspect.analyze",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String(AttrCorrelationID, correlationID),
			attribute.String(AttrHost, host),
			attribute.String(AttrRequestMethod, method),
			attribute.String(AttrRequestPath, path),
		),
	)
}

// EndAnalyzeSpan ends an analyze span with the resulting decision's
// attributes.
func (p *Provider) EndAnalyzeSpan(span trace.Span, policyName, decisionKind string, banned bool, status int, err error) {
	span.SetAttributes(
		attribute.String(AttrPolicyName, policyName),
		attribute.String(AttrDecisionKind, decisionKind),
		attribute.Bool(AttrBanned, banned),
		attribute.Int(AttrResponseCode, status),
	)
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// StartStoreSpan starts a span around a single Redis round trip.
func (p *Provider) StartStoreSpan(ctx context.Context, op string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "store."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String(AttrStoreOp, op)),
	)
}

// EndStoreSpan ends a store span, recording err if the round trip failed.
func EndStoreSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// RecordReload records a config/policy reload event on the current span.
func (p *Provider) RecordReload(ctx context.Context, ok bool, errCount int) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent("policy.reload",
		trace.WithAttributes(
			attribute.Bool("sentrywall.reload.ok", ok),
			attribute.Int("sentrywall.reload.errors", errCount),
		),
	)
	slog.Info("policy reload", "ok", ok, "errors", errCount)
}

// DefaultConfig returns a default telemetry configuration.
func DefaultConfig() Config {
	return Config{Enabled: false, Exporter: "none", ServiceName: "sentrywall"}
}

// ConfigFromEnv builds a Config from environment variables.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()

	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		cfg.Enabled = true
		cfg.Exporter = "otlp"
		cfg.Endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		cfg.Insecure = os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true"
	}
	if os.Getenv("SENTRYWALL_TELEMETRY_ENABLED") == "true" {
		cfg.Enabled = true
	}
	if v := os.Getenv("SENTRYWALL_TELEMETRY_EXPORTER"); v != "" {
		cfg.Exporter = v
	}
	if v := os.Getenv("SENTRYWALL_TELEMETRY_ENDPOINT"); v != "" {
		cfg.Endpoint = v
	}
	return cfg
}

// NoopProvider returns a provider that does nothing, for tests.
func NoopProvider() *Provider {
	return &Provider{config: Config{Enabled: false}, tracer: otel.Tracer("sentrywall-noop")}
}

// SpanFromContext extracts a span from context.
func SpanFromContext(ctx context.Context) trace.Span { return trace.SpanFromContext(ctx) }

// ContextWithTimeout creates a context with timeout, used for shutdown.
func ContextWithTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}
