package telemetry

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

func TestSetupTracingDisabled(t *testing.T) {
	for _, exporter := range []string{"", "none", " NONE "} {
		shutdown, err := SetupTracing(context.Background(), TraceConfig{Exporter: exporter}, zerolog.Nop())
		if err != nil {
			t.Fatalf("exporter %q: %v", exporter, err)
		}
		if err := shutdown(context.Background()); err != nil {
			t.Fatalf("shutdown: %v", err)
		}
	}
}

func TestSetupTracingRejectsBadConfig(t *testing.T) {
	if _, err := SetupTracing(context.Background(), TraceConfig{Exporter: "zipkin"}, zerolog.Nop()); err == nil {
		t.Fatal("expected unsupported exporter error")
	}
	if _, err := SetupTracing(context.Background(), TraceConfig{Exporter: "otlp"}, zerolog.Nop()); err == nil {
		t.Fatal("expected otlp without endpoint to fail")
	}
}

func TestResourceAttributes(t *testing.T) {
	attrs := resourceAttributes(TraceConfig{
		ServiceName: "restoreflow-api",
		Environment: "production",
		Attributes:  map[string]string{"provider": "replicate"},
	})
	got := map[attribute.Key]string{}
	for _, kv := range attrs {
		got[kv.Key] = kv.Value.AsString()
	}
	if got["service.name"] != "restoreflow-api" || got["deployment.environment"] != "production" || got["restoreflow.provider"] != "replicate" {
		t.Fatalf("unexpected attributes %v", got)
	}
}
