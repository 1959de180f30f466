// SPDX-License-Identifier: AGPL-3.0-or-later
package application

import (
	"context"
	"time"

	"github.com/relaycore/smtprelay/internal/domain/models"
)

// StorageAdapter is the capability set spec §4.1 and §9 describe: durable
// persistence of messages, accounts, tenants and send-log (it has no
// configuration key/value operations), with the
// claim_ready contract serialized per account so two workers never claim the
// same row. Two implementations exist: an embedded single-file adapter
// (sqlite, a single-writer transaction) and a networked relational adapter
// (postgres/mysql, row-level locking via FOR UPDATE SKIP LOCKED).
type StorageAdapter interface {
	InsertMessages(ctx context.Context, tenantID *string, defaultPriority models.Priority, inputs []models.MessageInput) (accepted []string, rejected []models.RejectedMessage, err error)

	// ClaimReady returns up to limit messages ready for dispatch, ordered by
	// (priority ASC, deferred_ts ASC, created_ts ASC), restricted to accounts
	// with positive remaining quota. Backends do not filter out suspended
	// tenants or batches; the dispatcher drops those messages after the claim.
	ClaimReady(ctx context.Context, now time.Time, accountQuota map[string]int, limit int) ([]*models.Message, error)

	MarkSent(ctx context.Context, surrogateID string, ts time.Time) error
	MarkError(ctx context.Context, surrogateID string, ts time.Time, errText string, nextDeferredTS *time.Time, newRetryCount int, deferReason string) error
	MarkBounce(ctx context.Context, surrogateID string, ts time.Time, bounceType, bounceCode, bounceReason string) error

	ListTerminalUnreported(ctx context.Context, limit int, tenantID *string) ([]*models.Message, error)
	MarkReported(ctx context.Context, surrogateIDs []string, ts time.Time) error

	DeleteReportedBefore(ctx context.Context, cutoff time.Time, tenantID *string) (int64, error)
	DeleteSendLogBefore(ctx context.Context, cutoff time.Time) (int64, error)

	CountSendLogSince(ctx context.Context, accountID string, since time.Time) (int, error)
	OldestSendLogSince(ctx context.Context, accountID string, since time.Time) (*time.Time, error)
	AppendSendLog(ctx context.Context, accountID string, ts time.Time) error

	ListMessages(ctx context.Context, tenantID *string, activeOnly bool) ([]*models.Message, error)
	DeleteMessages(ctx context.Context, tenantID *string, ids []string) (removed []string, notFound []string, err error)

	UpsertAccount(ctx context.Context, account *models.Account) error
	ListAccounts(ctx context.Context, tenantID *string) ([]*models.Account, error)
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	DeleteAccount(ctx context.Context, id string) error

	UpsertTenant(ctx context.Context, tenant *models.Tenant) error
	ListTenants(ctx context.Context) ([]*models.Tenant, error)
	GetTenant(ctx context.Context, id string) (*models.Tenant, error)
	DeleteTenant(ctx context.Context, id string) error

	SetSuspension(ctx context.Context, tenantID string, suspended models.SuspendedBatches) error

	QueueStats(ctx context.Context, tenantID *string) (*QueueStats, error)
}

// QueueStats is the supplemented read-only operational view described in
// SPEC_FULL.md, grounded on the teacher's EmailQueueStats shape.
type QueueStats struct {
	TotalPending  int
	TotalSent     int
	TotalError    int
	OldestPending *time.Time
	ByPriority    map[models.Priority]int
}
