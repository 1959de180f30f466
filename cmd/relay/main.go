// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relaycore/smtprelay/internal/application"
	"github.com/relaycore/smtprelay/internal/domain/models"
	"github.com/relaycore/smtprelay/internal/infrastructure/attachment"
	"github.com/relaycore/smtprelay/internal/infrastructure/controlhttp"
	"github.com/relaycore/smtprelay/internal/infrastructure/database"
	"github.com/relaycore/smtprelay/internal/infrastructure/smtp"
	"github.com/relaycore/smtprelay/pkg/config"
	"github.com/relaycore/smtprelay/pkg/logger"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "health" {
		os.Exit(runHealthCheck())
	}

	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.SetLevelAndFormat(logger.ParseLevel(cfg.Logger.Level), cfg.Logger.Format)
	logger.Logger.Info("starting relay core", "version", Version, "commit", Commit, "build_date", BuildDate)

	storage, err := database.Open(ctx, cfg.Database)
	if err != nil {
		logger.Logger.Error("failed to open storage", "error", err.Error())
		os.Exit(1)
	}

	pool := smtp.NewPool(storage)

	cache, err := attachment.NewCache(cfg.Attachment.DiskDir,
		attachment.TierConfig{MaxBytes: cfg.Attachment.MemoryMaxBytes, TTL: time.Duration(cfg.Attachment.MemoryTTLSeconds) * time.Second},
		attachment.TierConfig{MaxBytes: cfg.Attachment.DiskMaxBytes, TTL: time.Duration(cfg.Attachment.DiskTTLSeconds) * time.Second},
	)
	if err != nil {
		logger.Logger.Error("failed to initialize attachment cache", "error", err.Error())
		os.Exit(1)
	}

	resolverCfg := attachment.ResolverConfig{
		BaseDir:        cfg.Attachment.BaseDir,
		HTTPTimeoutMs:  cfg.Attachment.HTTPTimeoutMs,
		MaxBytes:       cfg.Attachment.MaxFetchBytes,
		MaxConcurrency: cfg.Attachment.MaxConcurrency,
		AttachmentAuthCtx: func(tenantID string) *models.Auth {
			return tenantAttachmentAuth(ctx, storage, tenantID)
		},
		AttachmentEndpointURLCtx: func(tenantID string) string {
			return tenantAttachmentEndpointURL(ctx, storage, tenantID)
		},
	}
	resolver := attachment.NewResolver(cache, resolverCfg)

	classifier := application.NewClassifier()
	limiter := application.NewRateLimiter(storage)

	dispatchCfg := application.DispatchConfig{
		PollInterval:         time.Duration(cfg.Dispatch.PollIntervalMs) * time.Millisecond,
		ClaimBatchSize:       cfg.Dispatch.ClaimBatchSize,
		MaxConcurrentSends:   cfg.Dispatch.MaxConcurrentSends,
		MaxConcurrentAccount: cfg.Dispatch.MaxConcurrentAccount,
	}

	reportCfg := application.ReportConfig{
		PollInterval:   time.Duration(cfg.Report.PollIntervalMs) * time.Millisecond,
		BatchSize:      cfg.Report.BatchSize,
		MaxConcurrent:  cfg.Report.MaxConcurrent,
		RequestTimeout: time.Duration(cfg.Report.RequestTimeoutMs) * time.Millisecond,
	}
	cleanupCfg := application.CleanupConfig{
		RetentionDefaultSeconds: int64(cfg.Cleanup.RetentionDefaultSeconds),
		SendLogWindowSeconds:    int64(cfg.Cleanup.SendLogWindowSeconds),
		CronExpr:                cfg.Cleanup.CronExpr,
	}

	coordinator := application.NewCoordinator(storage)
	dispatcher := application.NewDispatcher(storage, storage, limiter, coordinator, pool, resolver, classifier, dispatchCfg)
	reporter := application.NewReporter(storage, storage, &http.Client{}, reportCfg)
	cleaner := application.NewCleaner(storage, storage, cache, cleanupCfg)
	coordinator.AttachLoops(dispatcher, reporter, cleaner)

	if err := coordinator.Start(ctx); err != nil {
		logger.Logger.Error("failed to start coordinator", "error", err.Error())
		os.Exit(1)
	}

	controlServer := controlhttp.NewServer(cfg.Server.ListenAddr, coordinator)
	go func() {
		if err := controlServer.Start(); err != nil {
			logger.Logger.Error("control http server error", "error", err.Error())
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Logger.Info("shutting down relay core")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := controlServer.Shutdown(shutdownCtx); err != nil {
		logger.Logger.Warn("control http server shutdown error", "error", err.Error())
	}
	if err := coordinator.Stop(); err != nil {
		logger.Logger.Warn("coordinator shutdown error", "error", err.Error())
	}

	logger.Logger.Info("relay core exited")
}

// runHealthCheck performs a health check against the local control server,
// for use as a Docker HEALTHCHECK command.
func runHealthCheck() int {
	addr := os.Getenv("RELAY_LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	host := "localhost"
	port := addr
	if addr[0] != ':' {
		for i := len(addr) - 1; i >= 0; i-- {
			if addr[i] == ':' {
				port = addr[i:]
				break
			}
		}
	}
	url := fmt.Sprintf("http://%s%s/healthz", host, port)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	return 0
}

// tenantAttachmentAuth looks up the outbound auth descriptor a tenant's
// attachment endpoint fetch mode should present, per spec §4.4.
func tenantAttachmentAuth(ctx context.Context, storage application.StorageAdapter, tenantID string) *models.Auth {
	if tenantID == "" {
		return nil
	}
	t, err := storage.GetTenant(ctx, tenantID)
	if err != nil {
		logger.Logger.Warn("attachment auth lookup failed", "tenant_id", tenantID, "error", err.Error())
		return nil
	}
	return &t.OutboundAuth
}

func tenantAttachmentEndpointURL(ctx context.Context, storage application.StorageAdapter, tenantID string) string {
	if tenantID == "" {
		return ""
	}
	t, err := storage.GetTenant(ctx, tenantID)
	if err != nil {
		logger.Logger.Warn("attachment endpoint lookup failed", "tenant_id", tenantID, "error", err.Error())
		return ""
	}
	return t.AttachmentEndpointURL()
}
