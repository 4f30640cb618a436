package config

import (
	"os"
	"testing"
)

func TestLoadAppliesDefaultsAndFailsValidationWithoutRequiredFields(t *testing.T) {
	os.Unsetenv("SERVER_QUEUE_ADDR")
	_, err := Load("nonexistent.yaml")
	if err == nil {
		t.Fatal("expected validation error: required fields (warehouse.dsn, queue.issuer, etc.) are unset")
	}
}

func TestDefaultConfigCarriesExpectedDefaults(t *testing.T) {
	cfg := defaultConfig()
	if cfg.HTTPPool.MaxConnections != 200 {
		t.Fatalf("expected default max_connections 200, got %d", cfg.HTTPPool.MaxConnections)
	}
	if cfg.Server.DefaultTaskDeadline.Seconds() != 540 {
		t.Fatalf("expected default task deadline 540s, got %s", cfg.Server.DefaultTaskDeadline)
	}
}

func TestValidateFails(t *testing.T) {
	cfg := defaultConfig()
	cfg.Warehouse.DSN = "clickhouse://localhost:9000"
	cfg.Queue.Issuer = "issuer"
	cfg.Queue.Secret = "secret"
	cfg.Callback.URL = "https://example.com/callback"
	cfg.Callback.SigningSecret = "secret"
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected a fully populated config to validate, got %v", err)
	}

	cfg.HTTPPool.MaxConnections = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for http_pool.max_connections < 1")
	}

	cfg.HTTPPool.MaxConnections = 200
	cfg.HTTPPool.PerHost = 500
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for http_pool.per_host > max_connections")
	}

	cfg.HTTPPool.PerHost = 32
	cfg.Server.DefaultTaskDeadline = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for server.default_task_deadline_seconds <= 0")
	}
}
