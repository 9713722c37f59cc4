/*
 * Copyright (c) 2026 The Driftlog Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

/*
Package config provides configuration management for the driftlog engine.

CONFIGURATION SOURCES (in order of precedence):
===============================================
1. Environment variables (DRIFTLOG_* prefix, highest priority)
2. Configuration file (JSON format)
3. Default values

EXAMPLE CONFIGURATION FILE:
===========================

	{
	  "data_dir": "/var/lib/driftlog",
	  "segment_bytes": 67108864,
	  "flush_policy": "interval",
	  "retention": {
	    "enabled": true,
	    "max_age_seconds": 604800,
	    "max_total_bytes": 10737418240
	  }
	}

ENVIRONMENT VARIABLES:
======================
Example: DRIFTLOG_DATA_DIR="/var/lib/driftlog" DRIFTLOG_LOG_LEVEL="debug"
*/
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// Environment variable names.
const (
	EnvDataDir            = "DRIFTLOG_DATA_DIR"
	EnvSegmentBytes       = "DRIFTLOG_SEGMENT_BYTES"
	EnvIndexInterval      = "DRIFTLOG_INDEX_INTERVAL_BYTES"
	EnvMaxRecordBytes     = "DRIFTLOG_MAX_RECORD_BYTES"
	EnvFlushPolicy        = "DRIFTLOG_FLUSH_POLICY"
	EnvFlushIntervalMs    = "DRIFTLOG_FLUSH_INTERVAL_MS"
	EnvLogLevel           = "DRIFTLOG_LOG_LEVEL"
	EnvLogJSON            = "DRIFTLOG_LOG_JSON"
	EnvMetricsAddr        = "DRIFTLOG_METRICS_ADDR"
	EnvRetentionEnabled   = "DRIFTLOG_RETENTION_ENABLED"
	EnvRetentionMaxAge    = "DRIFTLOG_RETENTION_MAX_AGE_SECONDS"
	EnvRetentionMaxBytes  = "DRIFTLOG_RETENTION_MAX_TOTAL_BYTES"
	EnvRetentionInterval  = "DRIFTLOG_RETENTION_INTERVAL_SECONDS"
	EnvEncryptionEnabled  = "DRIFTLOG_ENCRYPTION_ENABLED"
	EnvEncryptionKey      = "DRIFTLOG_ENCRYPTION_KEY"
	EnvArchiveEnabled     = "DRIFTLOG_ARCHIVE_ENABLED"
	EnvArchiveBucket      = "DRIFTLOG_ARCHIVE_BUCKET"
	EnvArchiveRegion      = "DRIFTLOG_ARCHIVE_REGION"
	EnvArchiveEndpoint    = "DRIFTLOG_ARCHIVE_ENDPOINT"
	EnvArchiveAccessKey   = "DRIFTLOG_ARCHIVE_ACCESS_KEY_ID"
	EnvArchiveSecretKey   = "DRIFTLOG_ARCHIVE_SECRET_ACCESS_KEY"
	EnvArchivePrefix      = "DRIFTLOG_ARCHIVE_PREFIX"
)

// Config is the engine configuration.
type Config struct {
	// DataDir is the root directory; each topic partition gets a
	// subdirectory of segment files beneath it.
	DataDir string `json:"data_dir"`

	// SegmentBytes is the rotation threshold per segment file.
	SegmentBytes uint64 `json:"segment_bytes"`

	// IndexIntervalBytes is the sparse index sampling interval.
	IndexIntervalBytes uint64 `json:"index_interval_bytes"`

	// MaxRecordBytes caps a single payload.
	MaxRecordBytes uint32 `json:"max_record_bytes"`

	// FlushPolicy is "always", "interval" or "none".
	FlushPolicy string `json:"flush_policy"`

	// FlushIntervalMs is the periodic sync cadence for the "interval"
	// policy. It bounds the worst-case data-loss window after a crash.
	FlushIntervalMs int `json:"flush_interval_ms"`

	Retention  RetentionConfig  `json:"retention"`
	Archive    ArchiveConfig    `json:"archive"`
	Encryption EncryptionConfig `json:"encryption"`

	// MetricsAddr is the listen address of the Prometheus endpoint;
	// empty disables it.
	MetricsAddr string `json:"metrics_addr"`

	LogLevel string `json:"log_level"`
	LogJSON  bool   `json:"log_json"`
}

// RetentionConfig bounds how much history each log keeps.
type RetentionConfig struct {
	Enabled bool `json:"enabled"`

	// MaxAgeSeconds deletes sealed segments whose newest record is
	// older than this. Zero means no age limit.
	MaxAgeSeconds int64 `json:"max_age_seconds"`

	// MaxTotalBytes deletes oldest sealed segments while a log's total
	// size exceeds this. Zero means no size limit.
	MaxTotalBytes uint64 `json:"max_total_bytes"`

	// IntervalSeconds is the enforcement cadence.
	IntervalSeconds int `json:"interval_seconds"`
}

// ArchiveConfig uploads sealed segments to S3-compatible object storage
// before retention deletes them.
type ArchiveConfig struct {
	Enabled         bool   `json:"enabled"`
	Bucket          string `json:"bucket"`
	Region          string `json:"region"`
	Endpoint        string `json:"endpoint,omitempty"`
	AccessKeyID     string `json:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty"`
	SessionToken    string `json:"session_token,omitempty"`
	ForcePathStyle  bool   `json:"force_path_style,omitempty"`
	Prefix          string `json:"prefix,omitempty"`
}

// EncryptionConfig enables at-rest payload encryption. Exactly one of
// Key (hex, 64 chars) or Passphrase must be set when enabled.
type EncryptionConfig struct {
	Enabled    bool   `json:"enabled"`
	Key        string `json:"key,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		DataDir:            "data",
		SegmentBytes:       64 * 1024 * 1024,
		IndexIntervalBytes: 4 * 1024,
		MaxRecordBytes:     16 * 1024 * 1024,
		FlushPolicy:        "interval",
		FlushIntervalMs:    50,
		Retention: RetentionConfig{
			Enabled:         true,
			MaxAgeSeconds:   7 * 24 * 3600,
			IntervalSeconds: 60,
		},
		MetricsAddr: "",
		LogLevel:    "info",
	}
}

// Load builds the effective configuration: defaults, then the optional
// JSON file, then environment overrides, then validation.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envString(EnvDataDir, &c.DataDir)
	envUint64(EnvSegmentBytes, &c.SegmentBytes)
	envUint64(EnvIndexInterval, &c.IndexIntervalBytes)
	envUint32(EnvMaxRecordBytes, &c.MaxRecordBytes)
	envString(EnvFlushPolicy, &c.FlushPolicy)
	envInt(EnvFlushIntervalMs, &c.FlushIntervalMs)
	envString(EnvLogLevel, &c.LogLevel)
	envBool(EnvLogJSON, &c.LogJSON)
	envString(EnvMetricsAddr, &c.MetricsAddr)

	envBool(EnvRetentionEnabled, &c.Retention.Enabled)
	envInt64(EnvRetentionMaxAge, &c.Retention.MaxAgeSeconds)
	envUint64(EnvRetentionMaxBytes, &c.Retention.MaxTotalBytes)
	envInt(EnvRetentionInterval, &c.Retention.IntervalSeconds)

	envBool(EnvEncryptionEnabled, &c.Encryption.Enabled)
	envString(EnvEncryptionKey, &c.Encryption.Key)

	envBool(EnvArchiveEnabled, &c.Archive.Enabled)
	envString(EnvArchiveBucket, &c.Archive.Bucket)
	envString(EnvArchiveRegion, &c.Archive.Region)
	envString(EnvArchiveEndpoint, &c.Archive.Endpoint)
	envString(EnvArchiveAccessKey, &c.Archive.AccessKeyID)
	envString(EnvArchiveSecretKey, &c.Archive.SecretAccessKey)
	envString(EnvArchivePrefix, &c.Archive.Prefix)
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir must not be empty")
	}
	switch c.FlushPolicy {
	case "always", "interval", "none":
	default:
		return fmt.Errorf("config: invalid flush_policy %q (want always, interval or none)", c.FlushPolicy)
	}
	if c.FlushPolicy == "interval" && c.FlushIntervalMs <= 0 {
		return fmt.Errorf("config: flush_interval_ms must be positive with the interval policy")
	}
	if c.SegmentBytes == 0 {
		return fmt.Errorf("config: segment_bytes must be positive")
	}
	if c.Retention.Enabled && c.Retention.IntervalSeconds <= 0 {
		return fmt.Errorf("config: retention interval_seconds must be positive")
	}
	if c.Encryption.Enabled {
		if (c.Encryption.Key == "") == (c.Encryption.Passphrase == "") {
			return fmt.Errorf("config: encryption needs exactly one of key or passphrase")
		}
	}
	if c.Archive.Enabled {
		if c.Archive.Bucket == "" {
			return fmt.Errorf("config: archive bucket must not be empty")
		}
		if c.Archive.Region == "" {
			return fmt.Errorf("config: archive region must not be empty")
		}
	}
	return nil
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envBool(name string, dst *bool) {
	if v := os.Getenv(name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(name string, dst *int64) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envUint32(name string, dst *uint32) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			*dst = uint32(n)
		}
	}
}

func envUint64(name string, dst *uint64) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}
