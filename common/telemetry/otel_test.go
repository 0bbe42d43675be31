package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/YaganovValera/exchange-sync/common/logger"
)

func TestValidateConfig(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"noService", Config{Endpoint: "c:4317", ServiceVersion: "v1"}, true},
		{"noVersion", Config{Endpoint: "c:4317", ServiceName: "s"}, true},
		{"badRatio", Config{Endpoint: "c:4317", ServiceName: "s", ServiceVersion: "v1", SamplerRatio: 2}, true},
		{"ok", Config{Endpoint: "c:4317", ServiceName: "s", ServiceVersion: "v1", SamplerRatio: 0.5}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if err := validateConfig(c.cfg); (err != nil) != c.wantErr {
				t.Errorf("validateConfig() = %v; wantErr %v", err, c.wantErr)
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := Config{SamplerRatio: -1}
	applyDefaults(&cfg)
	if cfg.Timeout != 5*time.Second || cfg.ReconnectPeriod != 5*time.Second {
		t.Errorf("timeouts = %v/%v; want 5s/5s", cfg.Timeout, cfg.ReconnectPeriod)
	}
	if cfg.SamplerRatio != 1 {
		t.Errorf("SamplerRatio = %v; want 1", cfg.SamplerRatio)
	}
}

func TestInitTracer_DisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := InitTracer(context.Background(), Config{}, logger.NewNop())
	if err != nil {
		t.Fatalf("InitTracer: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestNewResource_CarriesServiceAndEnvironment(t *testing.T) {
	res, err := newResource(context.Background(), Config{ServiceName: "trade-sync", ServiceVersion: "v9", Environment: "staging"})
	if err != nil {
		t.Fatalf("newResource: %v", err)
	}
	got := map[string]string{}
	for _, kv := range res.Attributes() {
		got[string(kv.Key)] = kv.Value.Emit()
	}
	for k, want := range map[string]string{
		"service.name":           "trade-sync",
		"service.version":        "v9",
		"deployment.environment": "staging",
	} {
		if got[k] != want {
			t.Errorf("%s = %q; want %q", k, got[k], want)
		}
	}
}
