// SPDX-License-Identifier: AGPL-3.0-or-later
package application

import (
	"context"
	"time"

	"github.com/relaycore/smtprelay/internal/domain/models"
)

// fakeStorage is an in-memory StorageAdapter double shared across this
// package's tests, grounded on the teacher's httptest/in-memory fake style
// rather than a real database.
type fakeStorage struct {
	sendLog map[string][]time.Time

	messages       []*models.Message
	tenants        map[string]*models.Tenant
	accounts       map[string]*models.Account
	claimReadyFunc func(ctx context.Context, now time.Time, accountQuota map[string]int, limit int) ([]*models.Message, error)

	markSentCalls  []string
	markErrorCalls []string
	markBounceCalls []string

	deleteReportedBeforeFunc func(ctx context.Context, cutoff time.Time, tenantID *string) (int64, error)
	deleteSendLogBeforeFunc  func(ctx context.Context, cutoff time.Time) (int64, error)
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		sendLog:  make(map[string][]time.Time),
		tenants:  make(map[string]*models.Tenant),
		accounts: make(map[string]*models.Account),
	}
}

func (f *fakeStorage) InsertMessages(ctx context.Context, tenantID *string, defaultPriority models.Priority, inputs []models.MessageInput) ([]string, []models.RejectedMessage, error) {
	return nil, nil, nil
}

func (f *fakeStorage) ClaimReady(ctx context.Context, now time.Time, accountQuota map[string]int, limit int) ([]*models.Message, error) {
	if f.claimReadyFunc != nil {
		return f.claimReadyFunc(ctx, now, accountQuota, limit)
	}
	return f.messages, nil
}

func (f *fakeStorage) MarkSent(ctx context.Context, surrogateID string, ts time.Time) error {
	f.markSentCalls = append(f.markSentCalls, surrogateID)
	return nil
}

func (f *fakeStorage) MarkError(ctx context.Context, surrogateID string, ts time.Time, errText string, nextDeferredTS *time.Time, newRetryCount int, deferReason string) error {
	f.markErrorCalls = append(f.markErrorCalls, surrogateID)
	return nil
}

func (f *fakeStorage) MarkBounce(ctx context.Context, surrogateID string, ts time.Time, bounceType, bounceCode, bounceReason string) error {
	f.markBounceCalls = append(f.markBounceCalls, surrogateID)
	return nil
}

func (f *fakeStorage) ListTerminalUnreported(ctx context.Context, limit int, tenantID *string) ([]*models.Message, error) {
	return f.messages, nil
}

func (f *fakeStorage) MarkReported(ctx context.Context, surrogateIDs []string, ts time.Time) error {
	return nil
}

func (f *fakeStorage) DeleteReportedBefore(ctx context.Context, cutoff time.Time, tenantID *string) (int64, error) {
	if f.deleteReportedBeforeFunc != nil {
		return f.deleteReportedBeforeFunc(ctx, cutoff, tenantID)
	}
	return 0, nil
}

func (f *fakeStorage) DeleteSendLogBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if f.deleteSendLogBeforeFunc != nil {
		return f.deleteSendLogBeforeFunc(ctx, cutoff)
	}
	return 0, nil
}

func (f *fakeStorage) CountSendLogSince(ctx context.Context, accountID string, since time.Time) (int, error) {
	n := 0
	for _, ts := range f.sendLog[accountID] {
		if ts.After(since) {
			n++
		}
	}
	return n, nil
}

func (f *fakeStorage) OldestSendLogSince(ctx context.Context, accountID string, since time.Time) (*time.Time, error) {
	var oldest *time.Time
	for i, ts := range f.sendLog[accountID] {
		if !ts.After(since) {
			continue
		}
		if oldest == nil || ts.Before(*oldest) {
			t := f.sendLog[accountID][i]
			oldest = &t
		}
	}
	return oldest, nil
}

func (f *fakeStorage) AppendSendLog(ctx context.Context, accountID string, ts time.Time) error {
	f.sendLog[accountID] = append(f.sendLog[accountID], ts)
	return nil
}

func (f *fakeStorage) ListMessages(ctx context.Context, tenantID *string, activeOnly bool) ([]*models.Message, error) {
	return f.messages, nil
}

func (f *fakeStorage) DeleteMessages(ctx context.Context, tenantID *string, ids []string) ([]string, []string, error) {
	return ids, nil, nil
}

func (f *fakeStorage) UpsertAccount(ctx context.Context, account *models.Account) error {
	f.accounts[account.ID] = account
	return nil
}

func (f *fakeStorage) ListAccounts(ctx context.Context, tenantID *string) ([]*models.Account, error) {
	var out []*models.Account
	for _, a := range f.accounts {
		out = append(out, a)
	}
	return out, nil
}

func (f *fakeStorage) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	a, ok := f.accounts[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return a, nil
}

func (f *fakeStorage) DeleteAccount(ctx context.Context, id string) error {
	delete(f.accounts, id)
	return nil
}

func (f *fakeStorage) UpsertTenant(ctx context.Context, t *models.Tenant) error {
	f.tenants[t.ID] = t
	return nil
}

func (f *fakeStorage) ListTenants(ctx context.Context) ([]*models.Tenant, error) {
	var out []*models.Tenant
	for _, t := range f.tenants {
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeStorage) GetTenant(ctx context.Context, id string) (*models.Tenant, error) {
	t, ok := f.tenants[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return t, nil
}

func (f *fakeStorage) DeleteTenant(ctx context.Context, id string) error {
	delete(f.tenants, id)
	return nil
}

func (f *fakeStorage) SetSuspension(ctx context.Context, tenantID string, suspended models.SuspendedBatches) error {
	t, ok := f.tenants[tenantID]
	if !ok {
		return models.ErrNotFound
	}
	t.Suspended = suspended
	return nil
}

func (f *fakeStorage) QueueStats(ctx context.Context, tenantID *string) (*QueueStats, error) {
	return &QueueStats{}, nil
}
