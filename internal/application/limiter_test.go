// SPDX-License-Identifier: AGPL-3.0-or-later
package application

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/smtprelay/internal/domain/models"
)

func TestRateLimiterAdmitsUnderQuota(t *testing.T) {
	storage := newFakeStorage()
	limiter := NewRateLimiter(storage)
	now := time.Now()

	account := &models.Account{ID: "acct-1", Limits: models.RateLimits{PerMinute: 10}}
	storage.sendLog["acct-1"] = []time.Time{now.Add(-30 * time.Second)}

	decision, err := limiter.Decide(context.Background(), account, now)
	require.NoError(t, err)
	assert.True(t, decision.Admit)
}

func TestRateLimiterDefersOverLimitAccount(t *testing.T) {
	storage := newFakeStorage()
	limiter := NewRateLimiter(storage)
	now := time.Now()

	account := &models.Account{
		ID:              "acct-1",
		Limits:          models.RateLimits{PerMinute: 1},
		OverLimitPolicy: models.OverLimitDefer,
	}
	storage.sendLog["acct-1"] = []time.Time{now.Add(-10 * time.Second)}

	decision, err := limiter.Decide(context.Background(), account, now)
	require.NoError(t, err)
	assert.False(t, decision.Admit)
	assert.False(t, decision.Reject)
	assert.True(t, decision.NextTryTS.After(now))
}

func TestRateLimiterRejectsOverLimitAccount(t *testing.T) {
	storage := newFakeStorage()
	limiter := NewRateLimiter(storage)
	now := time.Now()

	account := &models.Account{
		ID:              "acct-1",
		Limits:          models.RateLimits{PerMinute: 1},
		OverLimitPolicy: models.OverLimitReject,
	}
	storage.sendLog["acct-1"] = []time.Time{now.Add(-10 * time.Second)}

	decision, err := limiter.Decide(context.Background(), account, now)
	require.NoError(t, err)
	assert.True(t, decision.Reject)
}

func TestRateLimiterUnboundedAccountAlwaysAdmits(t *testing.T) {
	storage := newFakeStorage()
	limiter := NewRateLimiter(storage)

	account := &models.Account{ID: "acct-1"}
	decision, err := limiter.Decide(context.Background(), account, time.Now())
	require.NoError(t, err)
	assert.True(t, decision.Admit)
}

func TestRateLimiterPicksMostBindingWindow(t *testing.T) {
	storage := newFakeStorage()
	limiter := NewRateLimiter(storage)
	now := time.Now()

	account := &models.Account{
		ID:              "acct-1",
		Limits:          models.RateLimits{PerMinute: 1, PerHour: 1},
		OverLimitPolicy: models.OverLimitDefer,
	}
	// A single send 10s ago saturates both the per-minute and per-hour
	// windows; the hourly window's retry candidate is further out and must
	// win as the most binding constraint.
	storage.sendLog["acct-1"] = []time.Time{now.Add(-10 * time.Second)}

	decision, err := limiter.Decide(context.Background(), account, now)
	require.NoError(t, err)
	assert.False(t, decision.Admit)
	assert.True(t, decision.NextTryTS.Sub(now) > 30*time.Minute)
}

func TestRemainingQuotaUnbounded(t *testing.T) {
	storage := newFakeStorage()
	limiter := NewRateLimiter(storage)

	account := &models.Account{ID: "acct-1"}
	remaining, err := limiter.RemainingQuota(context.Background(), account, time.Now())
	require.NoError(t, err)
	assert.Equal(t, -1, remaining)
}

func TestRemainingQuotaReflectsSendLog(t *testing.T) {
	storage := newFakeStorage()
	limiter := NewRateLimiter(storage)
	now := time.Now()

	account := &models.Account{ID: "acct-1", Limits: models.RateLimits{PerMinute: 5}}
	storage.sendLog["acct-1"] = []time.Time{now.Add(-10 * time.Second), now.Add(-20 * time.Second)}

	remaining, err := limiter.RemainingQuota(context.Background(), account, now)
	require.NoError(t, err)
	assert.Equal(t, 3, remaining)
}

func TestRemainingQuotaNeverNegative(t *testing.T) {
	storage := newFakeStorage()
	limiter := NewRateLimiter(storage)
	now := time.Now()

	account := &models.Account{ID: "acct-1", Limits: models.RateLimits{PerMinute: 1}}
	storage.sendLog["acct-1"] = []time.Time{now.Add(-5 * time.Second), now.Add(-6 * time.Second), now.Add(-7 * time.Second)}

	remaining, err := limiter.RemainingQuota(context.Background(), account, now)
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)
}
