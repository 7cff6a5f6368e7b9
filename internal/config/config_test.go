package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	// Create temporary config file
	content := `
server:
  port: 9090
  host: "127.0.0.1"

database:
  host: "testdb"
  port: 5432
  user: "testuser"
  password: "testpass"
  dbname: "testdb"

pipeline:
  concurrency: 16
  retry: 0
  timeout: 30s
  memoryThreshold: 1048576

webhook:
  urls:
    - "http://hooks.example.com/a"
    - "http://hooks.example.com/b"
  secret: "s3cret"
`

	tmpfile, err := os.CreateTemp("", "config-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmpfile.Name())

	if _, err := tmpfile.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := tmpfile.Close(); err != nil {
		t.Fatal(err)
	}

	// Load config
	cfg, err := Load(tmpfile.Name())
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	// Verify loaded values
	if cfg.Server.Port != 9090 {
		t.Errorf("Expected port 9090, got %d", cfg.Server.Port)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Expected host 127.0.0.1, got %s", cfg.Server.Host)
	}

	if cfg.Database.Host != "testdb" {
		t.Errorf("Expected database host testdb, got %s", cfg.Database.Host)
	}

	if cfg.Pipeline.Concurrency != 16 {
		t.Errorf("Expected concurrency 16, got %d", cfg.Pipeline.Concurrency)
	}

	if cfg.Pipeline.Retry != 0 {
		t.Errorf("Expected retry 0, got %d", cfg.Pipeline.Retry)
	}

	if cfg.Pipeline.Timeout != 30*time.Second {
		t.Errorf("Expected timeout 30s, got %s", cfg.Pipeline.Timeout)
	}

	if cfg.Pipeline.MemoryThreshold != 1<<20 {
		t.Errorf("Expected memory threshold 1MiB, got %d", cfg.Pipeline.MemoryThreshold)
	}

	// Unset values keep their defaults
	if cfg.Pipeline.PoolChunkSize != 1<<20 {
		t.Errorf("Expected default pool chunk size, got %d", cfg.Pipeline.PoolChunkSize)
	}

	if len(cfg.Webhook.URLs) != 2 {
		t.Errorf("Expected 2 webhook urls, got %v", cfg.Webhook.URLs)
	}
}

func TestLoadNonExistentFile(t *testing.T) {
	_, err := Load("nonexistent.yaml")
	if err == nil {
		t.Error("Expected error when loading nonexistent file")
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadDefaults()
	if err != nil {
		t.Fatalf("LoadDefaults failed: %v", err)
	}

	if cfg.Pipeline.Concurrency != 8 {
		t.Errorf("Expected concurrency 8, got %d", cfg.Pipeline.Concurrency)
	}

	if cfg.Pipeline.Retry != 3 {
		t.Errorf("Expected retry 3, got %d", cfg.Pipeline.Retry)
	}

	if cfg.Pipeline.Timeout != 15*time.Second {
		t.Errorf("Expected timeout 15s, got %s", cfg.Pipeline.Timeout)
	}

	if cfg.Pipeline.MemoryThreshold != 256<<20 {
		t.Errorf("Expected memory threshold 256MiB, got %d", cfg.Pipeline.MemoryThreshold)
	}

	if cfg.Downloader.StopPollInterval != 500*time.Millisecond {
		t.Errorf("Expected stop poll interval 500ms, got %s", cfg.Downloader.StopPollInterval)
	}

	if cfg.Storage.Enabled {
		t.Error("Expected storage uploads to be disabled by default")
	}

	if !cfg.Scheduler.Enabled || cfg.Scheduler.Interval != 30*time.Second || cfg.Scheduler.BatchSize != 100 {
		t.Errorf("Unexpected scheduler defaults: %+v", cfg.Scheduler)
	}

	if cfg.Logging.Format() != "json" {
		t.Errorf("Expected json log format, got %s", cfg.Logging.Format())
	}
}
