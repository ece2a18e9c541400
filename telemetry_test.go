package leasewire

import (
	"context"
	"testing"
)

func TestResolveOTLPTarget(t *testing.T) {
	cases := map[string]otlpTarget{
		"collector":                   {protocol: "grpc", endpoint: "collector:4317", insecure: true},
		"collector:5000":              {protocol: "grpc", endpoint: "collector:5000", insecure: true},
		"grpc://collector":            {protocol: "grpc", endpoint: "collector:4317", insecure: true},
		"grpcs://collector:443":       {protocol: "grpc", endpoint: "collector:443"},
		"http://collector":            {protocol: "http", endpoint: "collector:4318", insecure: true},
		"https://otel.example/v1/tr/": {protocol: "http", endpoint: "otel.example:4318", path: "/v1/tr"},
	}
	for raw, want := range cases {
		got, err := resolveOTLPTarget(raw)
		if err != nil {
			t.Fatalf("%s: %v", raw, err)
		}
		if got != want {
			t.Fatalf("%s: got %+v, want %+v", raw, got, want)
		}
	}
	for _, raw := range []string{"", "ftp://collector", "http://"} {
		if _, err := resolveOTLPTarget(raw); err == nil {
			t.Fatalf("%q: expected error", raw)
		}
	}
}

func TestSetupTelemetryDisabled(t *testing.T) {
	tel, err := setupTelemetry(context.Background(), telemetrySettings{}, nil)
	if err != nil || tel != nil {
		t.Fatalf("expected no telemetry, got %v err=%v", tel, err)
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("nil shutdown: %v", err)
	}
}
