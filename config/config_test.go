package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleConfig = `
liqflow:
  name: liqflow
  version: "1.0.0"
channels:
  raw_buffer: 500
collector:
  buffer_capacity: 1000
  history_limit: 1000
detector:
  sensitivity: 0.6
  lookback_bars: 100
cascade:
  min_probability: 0.5
  window_minutes: 120
  min_cluster_events: 2
source:
  binance:
    enabled: true
    symbols: [BTCUSDT, ETHUSDT]
    poll_interval: 30000000000
  okx:
    enabled: true
    poll_interval: 60000000000
logging:
  level: debug
  format: json
  output: stdout
`

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeTempConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Channels.RawBuffer != 500 {
		t.Fatalf("raw_buffer = %d, want 500", cfg.Channels.RawBuffer)
	}
	if cfg.Detector.Sensitivity != 0.6 {
		t.Fatalf("sensitivity = %v, want 0.6", cfg.Detector.Sensitivity)
	}
	if cfg.Source.Binance.PollInterval != 30*time.Second {
		t.Fatalf("binance poll_interval = %v, want 30s", cfg.Source.Binance.PollInterval)
	}

	enabled := cfg.Source.EnabledSources()
	if len(enabled) != 2 {
		t.Fatalf("expected 2 enabled sources, got %d", len(enabled))
	}
	if _, ok := enabled["binance"]; !ok {
		t.Fatalf("binance should be enabled")
	}
	if _, ok := enabled["bybit"]; ok {
		t.Fatalf("bybit should not be enabled")
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeTempConfig(t, "liqflow:\n  name: liqflow\n"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Collector.BufferCapacity != 1000 {
		t.Fatalf("default buffer_capacity = %d, want 1000", cfg.Collector.BufferCapacity)
	}
	if cfg.Cascade.ClusterSpan != 15*time.Minute {
		t.Fatalf("default cluster_span = %v, want 15m", cfg.Cascade.ClusterSpan)
	}
	if cfg.Risk.FundingRateThreshold != 0.01 {
		t.Fatalf("default funding threshold = %v, want 0.01", cfg.Risk.FundingRateThreshold)
	}
}

func TestLoadConfigRejectsBadSensitivity(t *testing.T) {
	if _, err := LoadConfig(writeTempConfig(t, "detector:\n  sensitivity: 1.5\n")); err == nil {
		t.Fatalf("expected validation error for sensitivity > 1")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestLoadConfigExpandsEnv(t *testing.T) {
	t.Setenv("LIQFLOW_NAME", "liqflow-staging")
	cfg, err := LoadConfig(writeTempConfig(t, "liqflow:\n  name: ${LIQFLOW_NAME}\n"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Liqflow.Name != "liqflow-staging" {
		t.Fatalf("name = %q, want env expansion", cfg.Liqflow.Name)
	}
}

func TestS3EnvOverrides(t *testing.T) {
	t.Setenv("S3_BUCKET", "liqflow-archive")
	t.Setenv("AWS_REGION", "eu-west-1")

	cfgYaml := `
storage:
  s3:
    enabled: true
    bucket: placeholder
`
	cfg, err := LoadConfig(writeTempConfig(t, cfgYaml))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Storage.S3.Bucket != "liqflow-archive" {
		t.Fatalf("bucket = %q, want env override", cfg.Storage.S3.Bucket)
	}
	if cfg.Storage.S3.Region != "eu-west-1" {
		t.Fatalf("region = %q, want env override", cfg.Storage.S3.Region)
	}
}
