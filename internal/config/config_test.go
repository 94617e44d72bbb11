package config

import (
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Server.Port != 8080 || cfg.Server.ShutdownTimeout != 10*time.Second {
		t.Errorf("Unexpected server defaults: %+v", cfg.Server)
	}
	if cfg.Workflow.LockBackend != "local" || cfg.Workflow.LockTTL != 15*time.Second {
		t.Errorf("Unexpected lock defaults: %+v", cfg.Workflow)
	}
	if cfg.Workflow.AutoResumeOnReworkComplete {
		t.Error("Expected auto-resume to be off by default")
	}
	if len(cfg.Workflow.DefaultStages) != 6 || cfg.Workflow.DefaultStages[5] != "QC" {
		t.Errorf("Unexpected default stages %v", cfg.Workflow.DefaultStages)
	}
	if cfg.Kafka.Enabled() {
		t.Error("Expected Kafka to be disabled without brokers")
	}
	if cfg.MinIO.Enabled() {
		t.Error("Expected MinIO to be disabled without an endpoint")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_PORT", "6543")
	t.Setenv("MES_AUTO_RESUME", "true")
	t.Setenv("MES_LOCK_BACKEND", "redis")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Host != "db.internal" || cfg.Database.Port != 6543 {
		t.Errorf("Expected database override, got %s:%d", cfg.Database.Host, cfg.Database.Port)
	}
	if !cfg.Workflow.AutoResumeOnReworkComplete || cfg.Workflow.LockBackend != "redis" {
		t.Errorf("Expected workflow overrides, got %+v", cfg.Workflow)
	}
	if len(cfg.Kafka.Brokers) != 2 || !cfg.Kafka.Enabled() {
		t.Errorf("Expected two brokers, got %v", cfg.Kafka.Brokers)
	}
	if got := cfg.Database.DSN(); got != "host=db.internal port=6543 user= password= dbname= sslmode=disable" {
		t.Errorf("Unexpected DSN %q", got)
	}
}
