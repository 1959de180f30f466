// SPDX-License-Identifier: AGPL-3.0-or-later
package application

import (
	"context"
	"fmt"
	"time"

	"github.com/relaycore/smtprelay/internal/domain/models"
	"github.com/relaycore/smtprelay/pkg/logger"
)

// window is one of the three sliding windows the limiter enforces,
// grounded on spec §4.2's (60s, 3600s, 86400s) triple.
type window struct {
	width time.Duration
	limit int
}

// Decision is the limiter's admission verdict for one account.
type Decision struct {
	Admit       bool
	Reject      bool
	NextTryTS   time.Time
}

// RateLimiter makes admit/defer/reject decisions over the send-log. It is
// strictly read-only against storage: the successful send itself is the
// event that appends to the send-log (spec §4.2), never the limiter.
type RateLimiter struct {
	storage StorageAdapter
}

func NewRateLimiter(storage StorageAdapter) *RateLimiter {
	return &RateLimiter{storage: storage}
}

// Decide evaluates every configured window for the account and returns the
// most restrictive outcome.
func (l *RateLimiter) Decide(ctx context.Context, account *models.Account, now time.Time) (Decision, error) {
	windows := []window{
		{width: time.Minute, limit: account.Limits.PerMinute},
		{width: time.Hour, limit: account.Limits.PerHour},
		{width: 24 * time.Hour, limit: account.Limits.PerDay},
	}

	var mostBinding *window
	var nextTry time.Time

	for i := range windows {
		w := windows[i]
		if w.limit <= 0 {
			continue // unbounded window: always admits
		}

		since := now.Add(-w.width)
		count, err := l.storage.CountSendLogSince(ctx, account.ID, since)
		if err != nil {
			return Decision{}, fmt.Errorf("rate limiter: count send log for %s: %w", account.ID, err)
		}
		if count < w.limit {
			continue
		}

		oldest, err := l.storage.OldestSendLogSince(ctx, account.ID, since)
		if err != nil {
			return Decision{}, fmt.Errorf("rate limiter: oldest send log for %s: %w", account.ID, err)
		}
		candidate := now.Add(w.width) // conservative fallback if oldest is unavailable
		if oldest != nil {
			candidate = oldest.Add(w.width)
		}
		if mostBinding == nil || candidate.After(nextTry) {
			mostBinding = &w
			nextTry = candidate
		}
	}

	if mostBinding == nil {
		return Decision{Admit: true}, nil
	}

	if account.OverLimitPolicy == models.OverLimitReject {
		logger.Logger.Debug("rate limiter rejecting over-limit account", "account_id", account.ID)
		return Decision{Reject: true}, nil
	}

	logger.Logger.Debug("rate limiter deferring over-limit account", "account_id", account.ID, "next_try_ts", nextTry)
	return Decision{NextTryTS: nextTry}, nil
}

// RemainingQuota reports how many more sends the account may make right now
// across all windows, used by the dispatch loop to build claim_ready's
// account_quota_map (spec §4.7 step 1). A value of -1 means unbounded.
func (l *RateLimiter) RemainingQuota(ctx context.Context, account *models.Account, now time.Time) (int, error) {
	remaining := -1

	check := func(width time.Duration, limit int) error {
		if limit <= 0 {
			return nil
		}
		count, err := l.storage.CountSendLogSince(ctx, account.ID, now.Add(-width))
		if err != nil {
			return err
		}
		left := limit - count
		if left < 0 {
			left = 0
		}
		if remaining == -1 || left < remaining {
			remaining = left
		}
		return nil
	}

	if err := check(time.Minute, account.Limits.PerMinute); err != nil {
		return 0, err
	}
	if err := check(time.Hour, account.Limits.PerHour); err != nil {
		return 0, err
	}
	if err := check(24*time.Hour, account.Limits.PerDay); err != nil {
		return 0, err
	}

	return remaining, nil
}
