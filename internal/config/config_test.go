package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPServer.Addr != ":8080" {
		t.Errorf("expected default addr :8080, got %s", cfg.HTTPServer.Addr)
	}
	if cfg.Redis.TTL != 30*time.Second {
		t.Errorf("expected default redis ttl 30s, got %s", cfg.Redis.TTL)
	}
	if cfg.Events.Topic != "fracbond.events" {
		t.Errorf("expected default topic, got %s", cfg.Events.Topic)
	}
	dev, _ := cfg.Pricing.MaxDeviationDecimal()
	if dev.String() != "0.05" {
		t.Errorf("expected default deviation 0.05, got %s", dev)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("RISK_MAX_PER_BOND", "500")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPServer.Addr != ":9090" {
		t.Errorf("expected :9090, got %s", cfg.HTTPServer.Addr)
	}
	if len(cfg.Events.Brokers) != 2 || cfg.Events.Brokers[1] != "k2:9092" {
		t.Errorf("expected two brokers, got %v", cfg.Events.Brokers)
	}
	if cfg.Risk.MaxPerBond != 500 {
		t.Errorf("expected max per bond 500, got %d", cfg.Risk.MaxPerBond)
	}
}

func TestLoad_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `env: local
http_server:
  address: ":7000"
risk:
  max_per_issuer: 2500
pricing:
  url: http://ml:8000
  max_deviation: "0.1"
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Env != "local" || cfg.HTTPServer.Addr != ":7000" {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if cfg.Risk.MaxPerIssuer != 2500 {
		t.Errorf("expected max per issuer 2500, got %d", cfg.Risk.MaxPerIssuer)
	}
	if cfg.Pricing.URL != "http://ml:8000" {
		t.Errorf("expected pricing url, got %s", cfg.Pricing.URL)
	}
	// Unset keys still get defaults.
	if cfg.Log.Format != "json" {
		t.Errorf("expected default log format, got %s", cfg.Log.Format)
	}
}

func TestLoad_BadDeviation(t *testing.T) {
	t.Setenv("PRICING_MAX_DEVIATION", "-1")
	if _, err := Load(""); err == nil {
		t.Error("expected error for negative deviation")
	}
}
