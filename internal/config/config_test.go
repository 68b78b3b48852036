package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"PORT", "QUEUE_TIMEZONE", "DEFAULT_SERVICE_MINUTES",
		"AUTO_CLOSE_SCAN_INTERVAL_SECONDS", "BROADCAST_POLL_INTERVAL_SECONDS",
		"OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_INSECURE",
	} {
		t.Setenv(key, "")
	}

	cfg := Load()
	if cfg.Port != "8080" {
		t.Fatalf("expected default port 8080, got %s", cfg.Port)
	}
	if cfg.Timezone != "UTC" || cfg.DefaultServiceMinutes != 5 {
		t.Fatalf("unexpected queue defaults: %q / %d", cfg.Timezone, cfg.DefaultServiceMinutes)
	}
	if cfg.AutoCloseInterval != 60*time.Second || cfg.BroadcastPollInterval != time.Second {
		t.Fatalf("unexpected loop defaults: %v / %v", cfg.AutoCloseInterval, cfg.BroadcastPollInterval)
	}
	if cfg.OTLPEndpoint != "" || cfg.OTLPInsecure {
		t.Fatalf("tracing must default off, got %q insecure=%v", cfg.OTLPEndpoint, cfg.OTLPInsecure)
	}
}

func TestLoadTelemetryKeys(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "true")

	cfg := Load()
	if cfg.OTLPEndpoint != "collector:4317" {
		t.Fatalf("expected endpoint from env, got %q", cfg.OTLPEndpoint)
	}
	if !cfg.OTLPInsecure {
		t.Fatal("expected insecure flag from env")
	}
}

func TestReadBool(t *testing.T) {
	t.Setenv("SOME_FLAG", "not-a-bool")
	if readBool("SOME_FLAG", true) != true {
		t.Fatal("malformed value must fall back")
	}
	t.Setenv("SOME_FLAG", "false")
	if readBool("SOME_FLAG", true) != false {
		t.Fatal("explicit false must win over fallback")
	}
}
