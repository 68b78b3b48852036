package telemetry

import (
	"context"
	"testing"
)

func TestSetupDisabledWithoutEndpoint(t *testing.T) {
	shutdown := Setup(Config{ServiceName: "queue-engine"})
	if shutdown == nil {
		t.Fatal("expected a shutdown func even when tracing is off")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("noop shutdown: %v", err)
	}
}
