// SPDX-License-Identifier: AGPL-3.0-or-later
package application

import (
	"context"
	"fmt"
	"sync"

	"github.com/relaycore/smtprelay/internal/domain/models"
	"github.com/relaycore/smtprelay/pkg/logger"
)

// Coordinator owns the lifecycle of the dispatch, report and cleanup loops
// and exposes the operational surface spec §9 describes on top of them:
// submit, list_messages, delete_messages, suspend/activate, run_now.
// It also caches each tenant's suspension set in memory, implementing
// TenantGate for the dispatch loop without a storage round-trip per claim.
type Coordinator struct {
	storage    StorageAdapter
	dispatcher *Dispatcher
	reporter   *Reporter
	cleaner    *Cleaner

	mu          sync.RWMutex
	suspensions map[string]models.SuspendedBatches // tenant ID -> suspended set
}

// NewCoordinator constructs a Coordinator around storage alone: the gate
// capability (IsSuspended) that the dispatch loop needs at construction time
// depends only on storage, not on the loops themselves. Call AttachLoops
// once the loops exist, breaking the constructor cycle (the dispatcher
// needs a TenantGate, and the coordinator needs the dispatcher to expose
// Start/Stop/Wake/AuthFailureCount).
func NewCoordinator(storage StorageAdapter) *Coordinator {
	return &Coordinator{
		storage:     storage,
		suspensions: make(map[string]models.SuspendedBatches),
	}
}

// AttachLoops wires the dispatch/report/cleanup loops the coordinator owns
// the lifecycle of. Must be called before Start.
func (c *Coordinator) AttachLoops(dispatcher *Dispatcher, reporter *Reporter, cleaner *Cleaner) {
	c.dispatcher = dispatcher
	c.reporter = reporter
	c.cleaner = cleaner
}

// Start loads the suspension cache from storage and starts all three loops.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.refreshSuspensions(ctx); err != nil {
		return fmt.Errorf("coordinator: load suspensions: %w", err)
	}
	if err := c.dispatcher.Start(); err != nil {
		return fmt.Errorf("coordinator: start dispatcher: %w", err)
	}
	if err := c.reporter.Start(); err != nil {
		return fmt.Errorf("coordinator: start reporter: %w", err)
	}
	if err := c.cleaner.Start(); err != nil {
		return fmt.Errorf("coordinator: start cleaner: %w", err)
	}
	logger.Logger.Info("coordinator: all loops started")
	return nil
}

// Stop drains the loops in reverse dependency order: stop accepting new
// dispatch work first, let in-flight reports finish, then cleanup.
func (c *Coordinator) Stop() error {
	var firstErr error
	note := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	note(c.dispatcher.Stop())
	note(c.reporter.Stop())
	note(c.cleaner.Stop())
	logger.Logger.Info("coordinator: all loops stopped")
	return firstErr
}

func (c *Coordinator) refreshSuspensions(ctx context.Context) error {
	tenants, err := c.storage.ListTenants(ctx)
	if err != nil {
		return err
	}
	next := make(map[string]models.SuspendedBatches, len(tenants))
	for _, t := range tenants {
		if !t.Suspended.Empty() {
			next[t.ID] = t.Suspended
		}
	}
	c.mu.Lock()
	c.suspensions = next
	c.mu.Unlock()
	return nil
}

// IsSuspended implements Dispatcher's TenantGate. A nil tenantID (untenanted
// message) is never suspended.
func (c *Coordinator) IsSuspended(tenantID *string, batchCode string) bool {
	if tenantID == nil {
		return false
	}
	c.mu.RLock()
	suspended, ok := c.suspensions[*tenantID]
	c.mu.RUnlock()
	if !ok {
		return false
	}
	return suspended.Suspends(batchCode)
}

// Submit validates and enqueues a batch of messages for one tenant (spec
// §4.2's submit operation). defaultPriority fills in messages that omit one.
func (c *Coordinator) Submit(ctx context.Context, tenantID *string, defaultPriority models.Priority, inputs []models.MessageInput) (accepted []string, rejected []models.RejectedMessage, err error) {
	return c.storage.InsertMessages(ctx, tenantID, defaultPriority, inputs)
}

// ListMessages returns a tenant's queue contents, optionally restricted to
// non-terminal (active) messages.
func (c *Coordinator) ListMessages(ctx context.Context, tenantID *string, activeOnly bool) ([]*models.Message, error) {
	return c.storage.ListMessages(ctx, tenantID, activeOnly)
}

// DeleteMessages removes queued messages by ID, per spec §4.2's
// delete_messages operation.
func (c *Coordinator) DeleteMessages(ctx context.Context, tenantID *string, ids []string) (removed, notFound []string, err error) {
	return c.storage.DeleteMessages(ctx, tenantID, ids)
}

// Suspend marks a tenant's batches (or all batches, when batchCode is empty)
// as suspended, persists it, and refreshes the in-memory gate immediately so
// the next dispatch cycle honors it without waiting for a periodic refresh.
// Suspending a single batch while "all" is already set clears "all" first
// and records just that tag, per spec §4.7.
func (c *Coordinator) Suspend(ctx context.Context, tenantID string, batchCode string) (models.SuspendedBatches, error) {
	t, err := c.storage.GetTenant(ctx, tenantID)
	if err != nil {
		return models.SuspendedBatches{}, fmt.Errorf("coordinator: suspend: %w", err)
	}
	suspended := t.Suspended
	if suspended.Batches == nil {
		suspended = models.NewSuspendedBatches()
	}
	if batchCode == "" {
		suspended.All = true
	} else {
		suspended.All = false
		suspended.Batches[batchCode] = struct{}{}
	}
	if err := c.storage.SetSuspension(ctx, tenantID, suspended); err != nil {
		return models.SuspendedBatches{}, fmt.Errorf("coordinator: suspend: %w", err)
	}
	c.mu.Lock()
	c.suspensions[tenantID] = suspended
	c.mu.Unlock()
	logger.Logger.Info("coordinator: tenant suspended", "tenant_id", tenantID, "batch_code", batchCode)
	return suspended, nil
}

// Activate clears a suspension, either for one batch code or the tenant
// entirely when batchCode is empty. Activating a single batch while the
// tenant is suspended under the "all" sentinel is rejected with ErrConflict
// (spec §4.7): the caller must activate() with no batch first.
func (c *Coordinator) Activate(ctx context.Context, tenantID string, batchCode string) (models.SuspendedBatches, error) {
	t, err := c.storage.GetTenant(ctx, tenantID)
	if err != nil {
		return models.SuspendedBatches{}, fmt.Errorf("coordinator: activate: %w", err)
	}
	suspended := t.Suspended
	if suspended.Batches == nil {
		suspended = models.NewSuspendedBatches()
	}
	if batchCode == "" {
		suspended = models.NewSuspendedBatches()
	} else {
		if suspended.All {
			return models.SuspendedBatches{}, fmt.Errorf("%w: cannot activate a single batch while all batches are suspended", models.ErrConflict)
		}
		delete(suspended.Batches, batchCode)
	}
	if err := c.storage.SetSuspension(ctx, tenantID, suspended); err != nil {
		return models.SuspendedBatches{}, fmt.Errorf("coordinator: activate: %w", err)
	}
	c.mu.Lock()
	if suspended.Empty() {
		delete(c.suspensions, tenantID)
	} else {
		c.suspensions[tenantID] = suspended
	}
	c.mu.Unlock()
	logger.Logger.Info("coordinator: tenant activated", "tenant_id", tenantID, "batch_code", batchCode)
	return suspended, nil
}

// RunNow nudges the dispatch and report loops to run an extra cycle
// immediately, per spec §9's operational surface.
func (c *Coordinator) RunNow() {
	c.dispatcher.Wake()
	c.reporter.Wake()
}

// QueueStats returns the operational queue snapshot for a tenant (or the
// whole instance when tenantID is nil), per spec §9.
func (c *Coordinator) QueueStats(ctx context.Context, tenantID *string) (*QueueStats, error) {
	return c.storage.QueueStats(ctx, tenantID)
}

// AuthFailureCount surfaces the dispatcher's consecutive-535 counter for an
// account (spec §9's supplemented "needs attention" signal).
func (c *Coordinator) AuthFailureCount(accountID string) int64 {
	return c.dispatcher.AuthFailureCount(accountID)
}
