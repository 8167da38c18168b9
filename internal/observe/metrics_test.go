package observe

import (
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

func TestNewMetrics(t *testing.T) {
	mp := sdkmetric.NewMeterProvider()
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	if m.LLMDuration == nil || m.Turns == nil || m.ActiveSessions == nil {
		t.Fatal("instruments should be initialised")
	}

	// Recording helpers must not panic.
	ctx := t.Context()
	m.RecordProviderRequest(ctx, "tts", "ok")
	m.RecordProviderError(ctx, "tts", "server_error")
	m.RecordTurn(ctx, "fast", "ok")
	m.RecordGuardBlock(ctx, "length_cap")
}

func TestDefaultMetrics_Singleton(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Fatal("DefaultMetrics should return the same instance")
	}
}
