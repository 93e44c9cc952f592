// Copyright 2025 Certen Protocol
//
// Package retroconfig loads this module's configuration from environment
// variables using the same getEnv/getEnvInt/getEnvBool helper style this
// codebase has always used for configuration — no viper, no cobra, no
// config-file parser, matching the ambient stack of the code this module
// grew out of.
package retroconfig

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// ExecutorConfig bounds the pipeline executor's concurrency and retry
// behavior (spec §4.6, §5).
type ExecutorConfig struct {
	Concurrency       int
	MaxInflight       int
	Retries           int
	BaseBackoff       time.Duration
	PerItemTimeout    time.Duration
	CanaryCount       int
	CutoverTimeout    time.Duration
}

// LoadExecutorConfig reads RETROSIGN_CONCURRENCY, RETROSIGN_MAX_INFLIGHT,
// RETROSIGN_RETRIES, RETROSIGN_BASE_BACKOFF_MS, RETROSIGN_ITEM_TIMEOUT_S,
// RETROSIGN_CANARY_COUNT, RETROSIGN_CUTOVER_TIMEOUT_MIN, falling back to
// the spec's documented defaults when unset.
func LoadExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		Concurrency:    getEnvInt("RETROSIGN_CONCURRENCY", 256),
		MaxInflight:    getEnvInt("RETROSIGN_MAX_INFLIGHT", 4096),
		Retries:        getEnvInt("RETROSIGN_RETRIES", 6),
		BaseBackoff:    time.Duration(getEnvInt("RETROSIGN_BASE_BACKOFF_MS", 500)) * time.Millisecond,
		PerItemTimeout: time.Duration(getEnvInt("RETROSIGN_ITEM_TIMEOUT_S", 12)) * time.Second,
		CanaryCount:    getEnvInt("RETROSIGN_CANARY_COUNT", 10),
		CutoverTimeout: time.Duration(getEnvInt("RETROSIGN_CUTOVER_TIMEOUT_MIN", 30)) * time.Minute,
	}
}

// CheckpointConfig points at the embedded checkpoint/worklog store.
// Path has no default: it is job-specific and must be set explicitly.
type CheckpointConfig struct {
	Path string
}

// LoadCheckpointConfig reads RETROSIGN_CHECKPOINT_PATH. An empty result
// means the caller must supply a path explicitly (e.g. from CLI flags) —
// there is deliberately no default, since a shared default would risk
// two jobs silently corrupting each other's checkpoint state.
func LoadCheckpointConfig() CheckpointConfig {
	return CheckpointConfig{Path: os.Getenv("RETROSIGN_CHECKPOINT_PATH")}
}

// TrustPackConfig controls the offline verifier's staleness check.
type TrustPackConfig struct {
	MaxAge time.Duration
}

// LoadTrustPackConfig reads RETROSIGN_TRUST_MAX_AGE_DAYS, defaulting to
// the 90-day freshness window from spec §4.9.
func LoadTrustPackConfig() TrustPackConfig {
	return TrustPackConfig{
		MaxAge: time.Duration(getEnvInt("RETROSIGN_TRUST_MAX_AGE_DAYS", 90)) * 24 * time.Hour,
	}
}

// GCSStoreConfig configures the optional Cloud Storage manifest-store
// backend. It follows the enabled/no-op pattern: when Enabled is false,
// manifeststore.NewGCSStore logs and returns a no-op store rather than
// constructing a real client, matching how this codebase has always
// handled optional cloud integrations.
type GCSStoreConfig struct {
	Enabled bool
	Bucket  string
}

// LoadGCSStoreConfig reads RETROSIGN_GCS_ENABLED and RETROSIGN_GCS_BUCKET.
func LoadGCSStoreConfig() GCSStoreConfig {
	return GCSStoreConfig{
		Enabled: getEnvBool("RETROSIGN_GCS_ENABLED", false),
		Bucket:  getEnv("RETROSIGN_GCS_BUCKET", ""),
	}
}

// Validate confirms a GCS config that claims to be enabled actually
// names a bucket. Required/security-sensitive settings have no silent
// defaults; callers must call Validate after Load.
func (c GCSStoreConfig) Validate() error {
	if c.Enabled && c.Bucket == "" {
		return fmt.Errorf("retroconfig: RETROSIGN_GCS_BUCKET must be set when RETROSIGN_GCS_ENABLED=true")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
