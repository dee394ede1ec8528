package telemetry

import (
	"context"
	"testing"
)

func TestNewProviderDisabledReturnsNoopTracer(t *testing.T) {
	p, err := NewProvider(Config{Enabled: false})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	if p.Enabled() {
		t.Fatal("expected disabled provider to report Enabled() == false")
	}
	if p.Tracer() == nil {
		t.Fatal("expected a non-nil tracer even when disabled")
	}
}

func TestNewProviderUnknownExporterFallsBackToNoop(t *testing.T) {
	p, err := NewProvider(Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	if p.Enabled() {
		t.Fatal("expected an unrecognized exporter to leave telemetry effectively disabled")
	}
}

func TestStartAndEndAnalyzeSpanDoNotPanic(t *testing.T) {
	p := NoopProvider()
	ctx, span := p.StartAnalyzeSpan(context.Background(), "corr-1", "example.com", "GET", "/")
	p.EndAnalyzeSpan(span, "default", "block", true, 403, nil)
	_ = ctx
}

func TestDefaultConfigIsDisabled(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Enabled {
		t.Fatal("expected default config to be disabled")
	}
	if cfg.Exporter != "none" {
		t.Fatalf("expected exporter 'none', got %q", cfg.Exporter)
	}
}
