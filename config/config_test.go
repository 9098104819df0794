package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_ValidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "multiqueue.yaml")
	content := `
max_size_bytes: 4194304
max_size_items: 500
buffering:
  enabled: true
  low_watermark: 0.2
  high_watermark: 0.95
timing:
  sync_by_running_time: true
  use_interleave: true
  min_interleave_time: 250ms
adapter:
  type: webhook
  url: ${WEBHOOK_URL:-http://localhost:8080/hook}
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.MaxSizeBytes != 4194304 {
		t.Errorf("MaxSizeBytes = %d, want 4194304", cfg.MaxSizeBytes)
	}
	if !cfg.Buffering.Enabled {
		t.Error("Buffering.Enabled = false, want true")
	}
	if cfg.Timing.MinInterleaveTime.String() != "250ms" {
		t.Errorf("MinInterleaveTime = %s, want 250ms", cfg.Timing.MinInterleaveTime)
	}
	if cfg.Adapter.URL != "http://localhost:8080/hook" {
		t.Errorf("Adapter.URL = %q, want default expansion", cfg.Adapter.URL)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/multiqueue.yaml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_UnknownField(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "multiqueue.yaml")
	if err := os.WriteFile(path, []byte("not_a_real_field: 1\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("MQ_TEST_VAR", "resolved")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"set var", "${MQ_TEST_VAR}", "resolved"},
		{"unset with default", "${MQ_UNSET_VAR:-fallback}", "fallback"},
		{"unset without default", "${MQ_UNSET_VAR}", ""},
		{"no pattern", "plain string", "plain string"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExpandEnv(tt.input); got != tt.want {
				t.Errorf("ExpandEnv(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestToMultiQueueConfig_Defaults(t *testing.T) {
	cfg := &Config{}
	mc := cfg.ToMultiQueueConfig()

	if mc.MaxSizeBytes != 2*1024*1024 {
		t.Errorf("MaxSizeBytes = %d, want default 2MiB", mc.MaxSizeBytes)
	}
	if mc.UseBuffering {
		t.Error("UseBuffering should default to false when unset in file")
	}
}

func TestToMultiQueueConfig_Overrides(t *testing.T) {
	cfg := &Config{MaxSizeItems: 50}
	cfg.Buffering.Enabled = true
	cfg.Buffering.HighWatermark = 0.8

	mc := cfg.ToMultiQueueConfig()

	if mc.MaxSizeItems != 50 {
		t.Errorf("MaxSizeItems = %d, want 50", mc.MaxSizeItems)
	}
	if !mc.UseBuffering {
		t.Error("UseBuffering should be true")
	}
	if mc.HighWatermark != 0.8 {
		t.Errorf("HighWatermark = %f, want 0.8", mc.HighWatermark)
	}
	// LowWatermark wasn't set in the file, default should carry through.
	if mc.LowWatermark != 0.10 {
		t.Errorf("LowWatermark = %f, want default 0.10", mc.LowWatermark)
	}
}
