package config_test

import (
	"os"
	"testing"

	"github.com/tripwire/sentineld/internal/config"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()
	return f.Name()
}

const validYAML = `
sinks:
  audit_log_path: "/var/lib/sentineld/audit.log"
audit_feed_path: "/var/lib/sentineld/audit.jsonl"
engine:
  kext_level: "hash"
  ancestor_depth: 4
  max_pq_ttl: 8
`

func TestLoadConfigDefaults(t *testing.T) {
	path := writeTemp(t, validYAML)

	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel default = %q, want info", cfg.LogLevel)
	}
	if cfg.HealthAddr != "127.0.0.1:9000" {
		t.Errorf("HealthAddr default = %q", cfg.HealthAddr)
	}
	if cfg.API.Addr != "127.0.0.1:9001" {
		t.Errorf("API.Addr default = %q", cfg.API.Addr)
	}
	if cfg.Engine.AncestorDepth != 4 {
		t.Errorf("AncestorDepth = %d, want 4", cfg.Engine.AncestorDepth)
	}
	if cfg.Engine.MaxPQTTL != 8 {
		t.Errorf("MaxPQTTL = %d, want 8", cfg.Engine.MaxPQTTL)
	}
	if cfg.Engine.WorkerPoolSize != 4 {
		t.Errorf("WorkerPoolSize default = %d, want 4", cfg.Engine.WorkerPoolSize)
	}
	if len(cfg.Engine.HashAlgorithms) != 1 || cfg.Engine.HashAlgorithms[0] != "sha256" {
		t.Errorf("HashAlgorithms default = %v", cfg.Engine.HashAlgorithms)
	}
	lvl, ok := cfg.ParsedKextLevel()
	if !ok || lvl != config.KextLevelHash {
		t.Errorf("ParsedKextLevel = %v, %v", lvl, ok)
	}
}

func TestLoadConfigMissingAuditPath(t *testing.T) {
	path := writeTemp(t, "log_level: info\n")

	if _, err := config.LoadConfig(path); err == nil {
		t.Fatal("expected validation error for missing sinks.audit_log_path")
	}
}

func TestLoadConfigBadKextLevel(t *testing.T) {
	path := writeTemp(t, `
sinks:
  audit_log_path: "/tmp/audit.log"
audit_feed_path: "/tmp/audit.jsonl"
engine:
  kext_level: "bogus"
`)
	if _, err := config.LoadConfig(path); err == nil {
		t.Fatal("expected validation error for bad kext_level")
	}
}

func TestLoadConfigMissingAuditFeedPath(t *testing.T) {
	path := writeTemp(t, `
sinks:
  audit_log_path: "/tmp/audit.log"
`)
	if _, err := config.LoadConfig(path); err == nil {
		t.Fatal("expected validation error for missing audit_feed_path")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := config.LoadConfig("/nonexistent/path.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}
