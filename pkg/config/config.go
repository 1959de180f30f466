// SPDX-License-Identifier: AGPL-3.0-or-later
package config

import (
	"fmt"
	"os"
	"strings"
)

type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Dispatch   DispatchConfig
	Attachment AttachmentConfig
	Report     ReportConfig
	Cleanup    CleanupConfig
	Logger     LoggerConfig
}

// ServerConfig controls the control-plane HTTP surface (healthz/readyz/
// run-now), not the submission REST API (out of scope for the core).
type ServerConfig struct {
	ListenAddr string
}

// DatabaseConfig selects and configures the storage adapter. Backend is one
// of "postgres", "sqlite", "mysql"; DSN is interpreted accordingly (a
// filesystem path for sqlite).
type DatabaseConfig struct {
	Backend string
	DSN     string
}

type DispatchConfig struct {
	PollIntervalMs       int
	ClaimBatchSize       int
	MaxConcurrentSends   int
	MaxConcurrentAccount int
	ConnectionTTLDefault int // seconds; loaded but not passed to the SMTP pool, which uses smtp.DefaultTTL when an account omits connection_ttl_hint
}

type AttachmentConfig struct {
	BaseDir            string
	MemoryMaxBytes      int64
	MemoryTTLSeconds   int
	DiskDir            string
	DiskMaxBytes       int64
	DiskTTLSeconds     int
	HTTPTimeoutMs      int
	MaxFetchBytes      int64
	MaxConcurrency     int64
}

// ReportConfig tunes the report loop's batching and outbound HTTP timeout.
type ReportConfig struct {
	PollIntervalMs    int
	BatchSize         int
	MaxConcurrent     int
	RequestTimeoutMs  int
}

type CleanupConfig struct {
	CronExpr               string
	RetentionDefaultSeconds int
	SendLogWindowSeconds   int
}

type LoggerConfig struct {
	Level  string
	Format string // "classic" or "json"
}

// Load loads configuration from environment variables, following the
// teacher's mustGetEnv/getEnv/getEnvBool/getEnvInt idiom.
func Load() (*Config, error) {
	cfg := &Config{}

	backend := strings.ToLower(getEnv("RELAY_DB_BACKEND", "postgres"))
	switch backend {
	case "postgres", "sqlite", "mysql":
	default:
		return nil, fmt.Errorf("unsupported RELAY_DB_BACKEND %q: want postgres, sqlite or mysql", backend)
	}
	cfg.Database.Backend = backend

	dsn, err := getRequiredEnv("RELAY_DB_DSN")
	if err != nil {
		return nil, err
	}
	cfg.Database.DSN = dsn

	cfg.Server.ListenAddr = getEnv("RELAY_LISTEN_ADDR", ":8080")

	cfg.Dispatch.PollIntervalMs = getEnvInt("RELAY_DISPATCH_POLL_INTERVAL_MS", 1000)
	cfg.Dispatch.ClaimBatchSize = getEnvInt("RELAY_DISPATCH_CLAIM_BATCH_SIZE", 100)
	cfg.Dispatch.MaxConcurrentSends = getEnvInt("RELAY_DISPATCH_MAX_CONCURRENT_SENDS", 16)
	cfg.Dispatch.MaxConcurrentAccount = getEnvInt("RELAY_DISPATCH_MAX_CONCURRENT_PER_ACCOUNT", 4)
	cfg.Dispatch.ConnectionTTLDefault = getEnvInt("RELAY_DISPATCH_CONNECTION_TTL_SECONDS", 60)

	cfg.Attachment.BaseDir = getEnv("RELAY_ATTACHMENT_BASE_DIR", "/var/lib/smtprelay/attachments")
	cfg.Attachment.MemoryMaxBytes = getEnvInt64("RELAY_ATTACHMENT_MEMORY_MAX_BYTES", 64*1024*1024)
	cfg.Attachment.MemoryTTLSeconds = getEnvInt("RELAY_ATTACHMENT_MEMORY_TTL_SECONDS", 300)
	cfg.Attachment.DiskDir = getEnv("RELAY_ATTACHMENT_DISK_DIR", "/var/lib/smtprelay/cache")
	cfg.Attachment.DiskMaxBytes = getEnvInt64("RELAY_ATTACHMENT_DISK_MAX_BYTES", 1024*1024*1024)
	cfg.Attachment.DiskTTLSeconds = getEnvInt("RELAY_ATTACHMENT_DISK_TTL_SECONDS", 3600)
	cfg.Attachment.HTTPTimeoutMs = getEnvInt("RELAY_ATTACHMENT_HTTP_TIMEOUT_MS", 5000)
	cfg.Attachment.MaxFetchBytes = getEnvInt64("RELAY_ATTACHMENT_MAX_FETCH_BYTES", 25*1024*1024)
	cfg.Attachment.MaxConcurrency = int64(getEnvInt("RELAY_ATTACHMENT_MAX_CONCURRENCY", 8))

	cfg.Report.PollIntervalMs = getEnvInt("RELAY_REPORT_POLL_INTERVAL_MS", 5000)
	cfg.Report.BatchSize = getEnvInt("RELAY_REPORT_BATCH_SIZE", 50)
	cfg.Report.MaxConcurrent = getEnvInt("RELAY_REPORT_MAX_CONCURRENT", 5)
	cfg.Report.RequestTimeoutMs = getEnvInt("RELAY_REPORT_REQUEST_TIMEOUT_MS", 10000)

	cfg.Cleanup.CronExpr = getEnv("RELAY_CLEANUP_CRON", "0 */15 * * * *")
	cfg.Cleanup.RetentionDefaultSeconds = getEnvInt("RELAY_RETENTION_DEFAULT_SECONDS", 7*24*3600)
	cfg.Cleanup.SendLogWindowSeconds = getEnvInt("RELAY_SEND_LOG_WINDOW_SECONDS", 25*3600)

	cfg.Logger.Level = getEnv("RELAY_LOG_LEVEL", "info")
	cfg.Logger.Format = getEnv("RELAY_LOG_FORMAT", "classic")

	return cfg, nil
}

func getRequiredEnv(key string) (string, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return "", fmt.Errorf("missing required environment variable: %s", key)
	}
	return value, nil
}

func getEnv(key, defaultValue string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvInt(key string, defaultValue int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	var result int
	if _, err := fmt.Sscanf(value, "%d", &result); err == nil {
		return result
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	var result int64
	if _, err := fmt.Sscanf(value, "%d", &result); err == nil {
		return result
	}
	return defaultValue
}
