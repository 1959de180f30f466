// SPDX-License-Identifier: AGPL-3.0-or-later
package application

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/relaycore/smtprelay/internal/infrastructure/attachment"
	"github.com/relaycore/smtprelay/pkg/logger"
)

// CleanupConfig controls the retention purge / send-log truncation / cache
// expiry cycle (spec §4.9). CronExpr, when set, schedules the cycle with
// robfig/cron (6-field, seconds-resolution) instead of a plain ticker,
// mirroring Onyx-Go-framework's Schedule.
type CleanupConfig struct {
	CronExpr                string
	TickerInterval          time.Duration // used when CronExpr is empty
	RetentionDefaultSeconds int64
	SendLogWindowSeconds    int64
}

func DefaultCleanupConfig() CleanupConfig {
	return CleanupConfig{
		TickerInterval:          15 * time.Minute,
		RetentionDefaultSeconds: 7 * 24 * 3600,
		SendLogWindowSeconds:    25 * 3600,
	}
}

// Cleaner is the cleanup loop of spec §4.9: purge reported messages past
// retention and truncate send-log beyond the widest rate-limit window. It
// does not evict attachment cache entries; it only logs the cache's stats.
type Cleaner struct {
	storage StorageAdapter
	tenants TenantResolver
	cache   *attachment.Cache
	cfg     CleanupConfig

	cron *cron.Cron

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopCh  chan struct{}
	mu      sync.Mutex
	started bool
}

func NewCleaner(storage StorageAdapter, tenants TenantResolver, cache *attachment.Cache, cfg CleanupConfig) *Cleaner {
	if cfg.TickerInterval <= 0 {
		cfg.TickerInterval = 15 * time.Minute
	}
	if cfg.RetentionDefaultSeconds <= 0 {
		cfg.RetentionDefaultSeconds = 7 * 24 * 3600
	}
	if cfg.SendLogWindowSeconds <= 0 {
		cfg.SendLogWindowSeconds = 25 * 3600
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Cleaner{
		storage: storage,
		tenants: tenants,
		cache:   cache,
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		stopCh:  make(chan struct{}),
	}
}

func (c *Cleaner) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("cleaner already started")
	}
	c.started = true

	if c.cfg.CronExpr != "" {
		c.cron = cron.New(
			cron.WithSeconds(),
			cron.WithChain(
				cron.Recover(cron.DefaultLogger),
				cron.DelayIfStillRunning(cron.DefaultLogger),
			),
		)
		if _, err := c.cron.AddFunc(c.cfg.CronExpr, c.runCycle); err != nil {
			c.started = false
			return fmt.Errorf("cleanup: invalid cron expression %q: %w", c.cfg.CronExpr, err)
		}
		c.cron.Start()
		logger.Logger.Info("starting cleanup loop", "cron", c.cfg.CronExpr)
		return nil
	}

	logger.Logger.Info("starting cleanup loop", "ticker_interval", c.cfg.TickerInterval)
	c.wg.Add(1)
	go c.tickerLoop()
	return nil
}

func (c *Cleaner) Stop() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return fmt.Errorf("cleaner not started")
	}
	c.mu.Unlock()

	if c.cron != nil {
		cronCtx := c.cron.Stop()
		select {
		case <-cronCtx.Done():
		case <-time.After(30 * time.Second):
			logger.Logger.Warn("cleanup cron stop timed out")
		}
	} else {
		c.cancel()
		close(c.stopCh)
		done := make(chan struct{})
		go func() { c.wg.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(30 * time.Second):
			logger.Logger.Warn("cleanup loop stop timed out")
		}
	}

	c.mu.Lock()
	c.started = false
	c.mu.Unlock()
	return nil
}

func (c *Cleaner) tickerLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.TickerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.runCycle()
		}
	}
}

// runCycle executes one purge pass across tenants plus the global send-log
// truncation (spec §4.9). The attachment cache is not swept here: expired
// entries leave a tier only when a lookup finds them past their TTL, or
// when a put evicts them to fit the byte budget.
func (c *Cleaner) runCycle() {
	ctx, cancel := context.WithTimeout(c.ctx, 10*time.Minute)
	defer cancel()

	now := time.Now()

	tenants, err := c.tenants.ListTenants(ctx)
	if err != nil {
		logger.Logger.Error("cleanup: list_tenants failed", "error", err.Error())
		return
	}

	retentionGlobal := time.Duration(c.cfg.RetentionDefaultSeconds) * time.Second
	for _, t := range tenants {
		retention := retentionGlobal
		if t.RetentionOverrideSeconds > 0 {
			retention = time.Duration(t.RetentionOverrideSeconds) * time.Second
		}
		tenantID := t.ID
		cutoff := now.Add(-retention)
		deleted, err := c.storage.DeleteReportedBefore(ctx, cutoff, &tenantID)
		if err != nil {
			logger.Logger.Error("cleanup: delete_reported_before failed", "tenant_id", tenantID, "error", err.Error())
			continue
		}
		if deleted > 0 {
			logger.Logger.Info("cleanup: purged reported messages", "tenant_id", tenantID, "count", deleted)
		}
	}

	// Untenanted messages purge under the global default.
	if deleted, err := c.storage.DeleteReportedBefore(ctx, now.Add(-retentionGlobal), nil); err != nil {
		logger.Logger.Error("cleanup: delete_reported_before (untenanted) failed", "error", err.Error())
	} else if deleted > 0 {
		logger.Logger.Info("cleanup: purged untenanted reported messages", "count", deleted)
	}

	sendLogCutoff := now.Add(-time.Duration(c.cfg.SendLogWindowSeconds) * time.Second)
	if deleted, err := c.storage.DeleteSendLogBefore(ctx, sendLogCutoff); err != nil {
		logger.Logger.Error("cleanup: delete_send_log_before failed", "error", err.Error())
	} else if deleted > 0 {
		logger.Logger.Info("cleanup: truncated send log", "count", deleted)
	}

	if c.cache != nil {
		stats := c.cache.Stats()
		logger.Logger.Debug("cleanup: attachment cache stats", "memory_hits", stats.MemoryHits, "disk_hits", stats.DiskHits, "misses", stats.Misses, "evictions", stats.Evictions)
	}
}
