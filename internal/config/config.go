// Package config provides YAML configuration loading and validation for the
// sentineld process-monitoring correlation engine.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// KextLevel mirrors the staged acquisition depth a kernel-callback caller is
// willing to pay for before deferring the remainder of the pipeline to the
// worker pool. Levels are ordered: higher levels do strictly more work.
type KextLevel int

const (
	// KextLevelStat performs only stat/shebang-detection inline.
	KextLevelStat KextLevel = iota
	// KextLevelHash additionally computes content hashes inline.
	KextLevelHash
	// KextLevelCodesign additionally computes code-signatures inline.
	KextLevelCodesign
)

// kextLevelNames maps the YAML string form to a KextLevel.
var kextLevelNames = map[string]KextLevel{
	"stat":     KextLevelStat,
	"hash":     KextLevelHash,
	"codesign": KextLevelCodesign,
}

// Config is the top-level configuration for the sentineld agent.
type Config struct {
	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// HealthAddr is the listen address for the unauthenticated /healthz and
	// /metrics HTTP server. Defaults to "127.0.0.1:9000" when omitted.
	HealthAddr string `yaml:"health_addr"`

	// Engine holds the correlation-engine tunables (§4 of the design).
	Engine EngineConfig `yaml:"engine"`

	// Sinks configures where finalized process events are delivered.
	Sinks SinkConfig `yaml:"sinks"`

	// AuditFeedPath is the JSONL audit-trail file tailed by internal/auditfeed
	// for fork/spawn/exec/exit/wait4/chdir records. Required.
	AuditFeedPath string `yaml:"audit_feed_path"`

	// API configures the REST status/query API served alongside /healthz.
	API APIConfig `yaml:"api"`
}

// APIConfig configures the REST API listener.
type APIConfig struct {
	// Addr is the listen address for the authenticated REST API (GET
	// /api/v1/events, GET /api/v1/stats). Defaults to "127.0.0.1:9001"
	// when omitted.
	Addr string `yaml:"addr"`

	// JWTPublicKeyPath is the PEM-encoded RSA public key used to verify
	// RS256 Bearer tokens on /api/v1 routes. Empty disables authentication,
	// which must never be used outside of local testing.
	JWTPublicKeyPath string `yaml:"jwt_public_key_path"`
}

// EngineConfig holds the knobs that govern the correlator, the pre-exec
// queue, and the acquisition pipeline.
type EngineConfig struct {
	// KextLevel is the string form ("stat", "hash", "codesign") of the work
	// the kernel-callback thread is willing to perform inline before
	// deferring to the worker pool. Defaults to "hash".
	KextLevel string `yaml:"kext_level"`

	// MaxPQTTL is the number of correlator scans a pre-exec-queue entry may
	// be skipped over before it is evicted. Defaults to 16.
	MaxPQTTL int `yaml:"max_pq_ttl"`

	// AncestorDepth is the maximum length (K) of the prev ancestor chain
	// retained per image once it is exclusively owned. Defaults to 8.
	AncestorDepth int `yaml:"ancestor_depth"`

	// LargeFileThresholdBytes is the size above which the kernel-callback
	// thread defers hashing to the worker pool regardless of KextLevel.
	// Defaults to 8 MiB.
	LargeFileThresholdBytes int64 `yaml:"large_file_threshold_bytes"`

	// HashAlgorithms is the set of digests computed during acquisition.
	// Accepted values: "sha256", "md5". Defaults to ["sha256"].
	HashAlgorithms []string `yaml:"hash_algorithms"`

	// VerifySignatures enables code-signature computation. When false, the
	// code-signing step is always skipped (no cache lookups either).
	VerifySignatures bool `yaml:"verify_signatures"`

	// HashCacheSize / SigCacheSize bound the in-memory LRU caches consulted
	// before recomputing expensive attributes. Defaults to 8192 each.
	HashCacheSize int `yaml:"hash_cache_size"`
	SigCacheSize  int `yaml:"sig_cache_size"`

	// WorkerPoolSize is the number of goroutines draining the worker queue.
	// Defaults to 4.
	WorkerPoolSize int `yaml:"worker_pool_size"`

	// Suppression lists processes whose finalized events should never be
	// emitted, and ancestor suppression lists processes whose entire
	// descendant subtree should be suppressed.
	Suppression SuppressionConfig `yaml:"suppression"`

	// RaceAvoidPaths lists image paths (e.g. the system's exec-proxy / OCSP
	// responder) for which code-signing must never run on the
	// kernel-callback thread, to avoid a codesign-triggers-exec deadlock.
	RaceAvoidPaths []string `yaml:"race_avoid_paths"`
}

// SuppressionConfig configures the suppression sets consulted by
// Image.MatchSuppressions.
type SuppressionConfig struct {
	// ByIdent / ByPath suppress emission for the matching image only.
	ByIdent []string `yaml:"by_ident"`
	ByPath  []string `yaml:"by_path"`

	// AncestorByIdent / AncestorByPath mark the matching image NOLOG_KIDS,
	// which suppresses emission for every descendant; the matching image
	// itself is still emitted.
	AncestorByIdent []string `yaml:"ancestor_by_ident"`
	AncestorByPath  []string `yaml:"ancestor_by_path"`
}

// SinkConfig configures where finalized process events are durably
// delivered once acquisition completes.
type SinkConfig struct {
	// AuditLogPath is the path to the tamper-evident, hash-chained
	// append-only log of finalized events. Required.
	AuditLogPath string `yaml:"audit_log_path"`

	// OutboxPath is the path to the local SQLite at-least-once delivery
	// buffer sitting in front of the audit log / downstream sinks.
	// Defaults to ":memory:" when omitted (suitable for tests only).
	OutboxPath string `yaml:"outbox_path"`

	// PostgresDSN, when non-empty, additionally mirrors finalized events
	// into a PostgreSQL table for ad-hoc querying.
	PostgresDSN string `yaml:"postgres_dsn"`

	// FlushInterval controls how often buffered events are flushed to the
	// Postgres sink. Defaults to 250ms.
	FlushInterval time.Duration `yaml:"flush_interval"`
}

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.HealthAddr == "" {
		cfg.HealthAddr = "127.0.0.1:9000"
	}
	if cfg.Engine.KextLevel == "" {
		cfg.Engine.KextLevel = "hash"
	}
	if cfg.Engine.MaxPQTTL <= 0 {
		cfg.Engine.MaxPQTTL = 16
	}
	if cfg.Engine.AncestorDepth <= 0 {
		cfg.Engine.AncestorDepth = 8
	}
	if cfg.Engine.LargeFileThresholdBytes <= 0 {
		cfg.Engine.LargeFileThresholdBytes = 8 << 20
	}
	if len(cfg.Engine.HashAlgorithms) == 0 {
		cfg.Engine.HashAlgorithms = []string{"sha256"}
	}
	if cfg.Engine.HashCacheSize <= 0 {
		cfg.Engine.HashCacheSize = 8192
	}
	if cfg.Engine.SigCacheSize <= 0 {
		cfg.Engine.SigCacheSize = 8192
	}
	if cfg.Engine.WorkerPoolSize <= 0 {
		cfg.Engine.WorkerPoolSize = 4
	}
	if cfg.Sinks.OutboxPath == "" {
		cfg.Sinks.OutboxPath = ":memory:"
	}
	if cfg.Sinks.FlushInterval <= 0 {
		cfg.Sinks.FlushInterval = 250 * time.Millisecond
	}
	if cfg.API.Addr == "" {
		cfg.API.Addr = "127.0.0.1:9001"
	}
}

func validate(cfg *Config) error {
	var errs []error

	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if _, ok := kextLevelNames[cfg.Engine.KextLevel]; !ok {
		errs = append(errs, fmt.Errorf("engine.kext_level %q must be one of: stat, hash, codesign", cfg.Engine.KextLevel))
	}
	for _, h := range cfg.Engine.HashAlgorithms {
		if h != "sha256" && h != "md5" {
			errs = append(errs, fmt.Errorf("engine.hash_algorithms: %q must be sha256 or md5", h))
		}
	}
	if cfg.Sinks.AuditLogPath == "" {
		errs = append(errs, errors.New("sinks.audit_log_path is required"))
	}
	if cfg.AuditFeedPath == "" {
		errs = append(errs, errors.New("audit_feed_path is required"))
	}

	return errors.Join(errs...)
}

// ParsedKextLevel returns the KextLevel corresponding to cfg.Engine.KextLevel.
// LoadConfig guarantees this always succeeds for a validated Config; the
// bool result exists for callers constructing a Config by hand (e.g. tests).
func (cfg *Config) ParsedKextLevel() (KextLevel, bool) {
	lvl, ok := kextLevelNames[cfg.Engine.KextLevel]
	return lvl, ok
}
