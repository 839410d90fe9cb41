// Copyright 2025 Mateo Piedra
// SPDX-License-Identifier: Apache-2.0

// Package config loads sync daemon settings from the environment,
// with an optional .env file for development setups.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config carries every tunable the sync daemon and the sweeper read.
type Config struct {
	// Connection strings for the two Postgres instances.
	LocalDatabaseURL  string
	RemoteDatabaseURL string

	// Base URL of the remote sync API, e.g. https://gym.example.com.
	RemoteURL string

	// Static token sent as X-Upload-Token on uploads. Optional.
	UploadToken string
	// HMAC secret for minting per-device JWTs. Optional; when empty
	// no Authorization header is attached.
	JWTSecret string

	// Bootstrap watermark used when no persisted watermark exists.
	BootstrapSince string

	// Tables whose outbox rows this device uploads. Empty means all.
	UploadTables []string

	DownloadInterval time.Duration
	FlushInterval    time.Duration
	BatchSize        int
	MaxQueue         int

	// Directory for queue and watermark state files plus logs.
	StateDir string

	// Cron expression for the reconciliation sweep. Empty disables
	// the scheduler.
	SweepCron string

	// Logical replication subscription paused during sweeps. Optional.
	Subscription string

	MetricsAddr string

	LogLevel  string
	LogFormat string
}

// Load reads the environment, layering an optional .env file under a
// plain os.Environ lookup. Environment variables win over the file.
func Load() (*Config, error) {
	// Missing .env is the normal production case.
	_ = godotenv.Load()

	cfg := &Config{
		LocalDatabaseURL:  os.Getenv("DATABASE_URL_LOCAL"),
		RemoteDatabaseURL: os.Getenv("DATABASE_URL_REMOTE"),
		RemoteURL:         strings.TrimRight(os.Getenv("SYNC_REMOTE_URL"), "/"),
		UploadToken:       os.Getenv("SYNC_UPLOAD_TOKEN"),
		JWTSecret:         os.Getenv("SYNC_JWT_SECRET"),
		BootstrapSince:    getEnv("SYNC_BOOTSTRAP_SINCE", "1970-01-01T00:00:00Z"),
		UploadTables:      splitList(os.Getenv("SYNC_UPLOAD_TABLES")),
		DownloadInterval:  time.Duration(getEnvInt("SYNC_DOWNLOAD_INTERVAL_SEC", 20, 1, 3600)) * time.Second,
		FlushInterval:     time.Duration(getEnvInt("SYNC_FLUSH_INTERVAL_SEC", 15, 1, 3600)) * time.Second,
		BatchSize:         getEnvInt("SYNC_BATCH_SIZE", 50, 1, 500),
		MaxQueue:          getEnvInt("SYNC_MAX_QUEUE", 1000, 10, 100000),
		StateDir:          getEnv("SYNC_STATE_DIR", "."),
		SweepCron:         os.Getenv("SWEEP_CRON"),
		Subscription:      os.Getenv("SYNC_SUBSCRIPTION"),
		MetricsAddr:       getEnv("METRICS_ADDR", ""),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogFormat:         getEnv("LOG_FORMAT", "json"),
	}

	if cfg.LocalDatabaseURL == "" {
		return nil, fmt.Errorf("config: DATABASE_URL_LOCAL is required")
	}
	return cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// getEnvInt parses an integer variable and clamps it to [min, max].
// Unparseable values fall back to def rather than failing startup.
func getEnvInt(key string, def, min, max int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
