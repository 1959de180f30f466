// SPDX-License-Identifier: AGPL-3.0-or-later
package application

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/smtprelay/internal/domain/models"
)

func newTestCoordinator(t *testing.T, tenants ...*models.Tenant) (*Coordinator, *fakeStorage) {
	t.Helper()
	storage := newFakeStorage()
	for _, tn := range tenants {
		storage.tenants[tn.ID] = tn
	}
	c := NewCoordinator(storage)
	require.NoError(t, c.refreshSuspensions(context.Background()))
	return c, storage
}

func TestSuspendAllSetsSentinel(t *testing.T) {
	c, storage := newTestCoordinator(t, &models.Tenant{ID: "t1"})

	suspended, err := c.Suspend(context.Background(), "t1", "")
	require.NoError(t, err)
	assert.True(t, suspended.All)
	assert.True(t, storage.tenants["t1"].Suspended.All)
	assert.True(t, c.IsSuspended(strPtr("t1"), "any-batch"))
}

func TestSuspendSingleBatchClearsAllSentinel(t *testing.T) {
	c, _ := newTestCoordinator(t, &models.Tenant{ID: "t1", Suspended: models.SuspendedBatches{All: true, Batches: map[string]struct{}{}}})

	suspended, err := c.Suspend(context.Background(), "t1", "promo")
	require.NoError(t, err)
	assert.False(t, suspended.All)
	assert.True(t, suspended.Suspends("promo"))
	assert.False(t, c.IsSuspended(strPtr("t1"), "other-batch"))
	assert.True(t, c.IsSuspended(strPtr("t1"), "promo"))
}

func TestActivateClearsSpecificBatch(t *testing.T) {
	c, _ := newTestCoordinator(t, &models.Tenant{
		ID: "t1",
		Suspended: models.SuspendedBatches{
			Batches: map[string]struct{}{"promo": {}},
		},
	})

	suspended, err := c.Activate(context.Background(), "t1", "promo")
	require.NoError(t, err)
	assert.True(t, suspended.Empty())
	assert.False(t, c.IsSuspended(strPtr("t1"), "promo"))
}

func TestActivateSingleBatchWhileAllSuspendedIsConflict(t *testing.T) {
	c, _ := newTestCoordinator(t, &models.Tenant{ID: "t1", Suspended: models.SuspendedBatches{All: true, Batches: map[string]struct{}{}}})

	_, err := c.Activate(context.Background(), "t1", "promo")
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrConflict))
}

func TestActivateWithNoBatchClearsEverything(t *testing.T) {
	c, _ := newTestCoordinator(t, &models.Tenant{ID: "t1", Suspended: models.SuspendedBatches{All: true, Batches: map[string]struct{}{}}})

	suspended, err := c.Activate(context.Background(), "t1", "")
	require.NoError(t, err)
	assert.True(t, suspended.Empty())
	assert.False(t, c.IsSuspended(strPtr("t1"), "anything"))
}

func TestIsSuspendedNilTenantNeverSuspended(t *testing.T) {
	c, _ := newTestCoordinator(t)
	assert.False(t, c.IsSuspended(nil, "promo"))
}

func strPtr(s string) *string { return &s }
