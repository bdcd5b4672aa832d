package pipeline

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.BatchSize != 50 {
		t.Fatalf("expected batch size 50, got %d", cfg.BatchSize)
	}
	if cfg.FlushSeconds != 10 {
		t.Fatalf("expected flush seconds 10, got %d", cfg.FlushSeconds)
	}
	if cfg.MaxRetries != 3 {
		t.Fatalf("expected max retries 3, got %d", cfg.MaxRetries)
	}
	if cfg.GraceDays != 10 {
		t.Fatalf("expected grace days 10, got %d", cfg.GraceDays)
	}
	if cfg.MeasurementTopic != "cuentatron/measurements/+" {
		t.Fatalf("unexpected measurement topic %q", cfg.MeasurementTopic)
	}
}

func TestLoadConfig_YAMLOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.yaml")
	body := []byte("batch_size: 100\nflush_seconds: 5\ngrace_days: 3\n")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("PIPELINE_CONFIG", path)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.BatchSize != 100 {
		t.Fatalf("expected batch size 100, got %d", cfg.BatchSize)
	}
	if cfg.FlushSeconds != 5 {
		t.Fatalf("expected flush seconds 5, got %d", cfg.FlushSeconds)
	}
	if cfg.GraceDays != 3 {
		t.Fatalf("expected grace days 3, got %d", cfg.GraceDays)
	}
	if cfg.MaxRetries != 3 {
		t.Fatalf("expected env default max retries 3, got %d", cfg.MaxRetries)
	}
}

func TestLoadConfig_RejectsInvalid(t *testing.T) {
	t.Setenv("PIPELINE_BATCH_SIZE", "0")
	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected error for zero batch size")
	}
}
