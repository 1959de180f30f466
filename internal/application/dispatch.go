// SPDX-License-Identifier: AGPL-3.0-or-later

// Package application hosts the core's three loops (dispatch, report,
// cleanup) and the coordinator that owns their lifecycle, independent of
// any storage backend or transport detail.
package application

import (
	"context"
	"fmt"
	"sync"
	"time"

	mail "github.com/go-mail/mail/v2"

	"github.com/relaycore/smtprelay/internal/domain/models"
	"github.com/relaycore/smtprelay/internal/infrastructure/attachment"
	"github.com/relaycore/smtprelay/internal/infrastructure/mime"
	"github.com/relaycore/smtprelay/internal/infrastructure/smtp"
	"github.com/relaycore/smtprelay/pkg/logger"
)

// Limiter tracks send-log-backed remaining quota per account for one
// dispatch cycle (spec §4.6's rate limiter, backed by CountSendLogSince).
// RemainingQuota returns -1 for an account with no configured limits. Decide
// distinguishes the reject and defer flavors of RateLimited for an
// over-quota account (spec §7).
type Limiter interface {
	RemainingQuota(ctx context.Context, account *models.Account, now time.Time) (int, error)
	Decide(ctx context.Context, account *models.Account, now time.Time) (Decision, error)
}

// TenantGate answers whether a tenant/batch is currently accepting sends
// (spec §3's suspended-batches set).
type TenantGate interface {
	IsSuspended(tenantID *string, batchCode string) bool
}

// DispatchConfig mirrors pkg/config's DispatchConfig, injected rather than
// imported directly so application stays independent of the config package.
type DispatchConfig struct {
	PollInterval         time.Duration
	ClaimBatchSize       int
	MaxConcurrentSends   int
	MaxConcurrentAccount int
}

// Dispatcher is the dispatch loop described in spec §4.6: claim ready
// messages, group by account, send through a leased SMTP session, classify
// the outcome and persist the transition. Grounded on email/worker.go's
// processLoop/processBatch, generalized with per-account grouping and a
// resolver-aware attachment path.
type Dispatcher struct {
	storage    StorageAdapter
	accounts   AccountResolver
	limiter    Limiter
	gate       TenantGate
	pool       *smtp.Pool
	resolver   *attachment.Resolver
	classifier *Classifier

	cfg DispatchConfig

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopCh   chan struct{}
	mu       sync.Mutex
	started  bool
	wakeCh   chan struct{}

	authFailures sync.Map // account id -> consecutive 535 count
}

// AccountResolver supplies cached Account configuration.
type AccountResolver interface {
	GetAccount(ctx context.Context, id string) (*models.Account, error)
}

func DefaultDispatchConfig() DispatchConfig {
	return DispatchConfig{
		PollInterval:         time.Second,
		ClaimBatchSize:       100,
		MaxConcurrentSends:   16,
		MaxConcurrentAccount: 4,
	}
}

func NewDispatcher(storage StorageAdapter, accounts AccountResolver, limiter Limiter, gate TenantGate, pool *smtp.Pool, resolver *attachment.Resolver, classifier *Classifier, cfg DispatchConfig) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.ClaimBatchSize <= 0 {
		cfg.ClaimBatchSize = 100
	}
	if cfg.MaxConcurrentSends <= 0 {
		cfg.MaxConcurrentSends = 16
	}
	if cfg.MaxConcurrentAccount <= 0 {
		cfg.MaxConcurrentAccount = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		storage:    storage,
		accounts:   accounts,
		limiter:    limiter,
		gate:       gate,
		pool:       pool,
		resolver:   resolver,
		classifier: classifier,
		cfg:        cfg,
		ctx:        ctx,
		cancel:     cancel,
		stopCh:     make(chan struct{}),
		wakeCh:     make(chan struct{}, 1),
	}
}

func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return fmt.Errorf("dispatcher already started")
	}
	d.started = true
	logger.Logger.Info("starting dispatch loop", "poll_interval", d.cfg.PollInterval, "claim_batch_size", d.cfg.ClaimBatchSize)
	d.wg.Add(1)
	go d.loop()
	return nil
}

func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher not started")
	}
	d.mu.Unlock()

	d.cancel()
	close(d.stopCh)

	done := make(chan struct{})
	go func() { d.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		logger.Logger.Warn("dispatch loop stop timed out, some sends may still be in flight")
	}

	d.mu.Lock()
	d.started = false
	d.mu.Unlock()
	return nil
}

// Wake nudges the loop to run a cycle immediately (run_now, spec §9's
// supplemented operational surface).
func (d *Dispatcher) Wake() {
	select {
	case d.wakeCh <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	d.runCycle()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.runCycle()
		case <-d.wakeCh:
			d.runCycle()
		}
	}
}

// runCycle executes one claim_ready + dispatch pass (spec §4.6 steps 1-6).
func (d *Dispatcher) runCycle() {
	ctx, cancel := context.WithTimeout(d.ctx, 5*time.Minute)
	defer cancel()

	quota, err := d.buildQuotaMap(ctx)
	if err != nil {
		logger.Logger.Error("dispatch: failed to build account quota map", "error", err.Error())
		return
	}
	if len(quota) == 0 {
		return
	}

	now := time.Now()
	messages, err := d.storage.ClaimReady(ctx, now, quota, d.cfg.ClaimBatchSize)
	if err != nil {
		logger.Logger.Error("dispatch: claim_ready failed", "error", err.Error())
		return
	}
	if len(messages) == 0 {
		return
	}

	byAccount := make(map[string][]*models.Message)
	for _, m := range messages {
		var tenantID *string
		if m.TenantID != nil {
			s := m.TenantID.String()
			tenantID = &s
		}
		if d.gate != nil && d.gate.IsSuspended(tenantID, m.BatchCode) {
			continue
		}
		byAccount[m.AccountID] = append(byAccount[m.AccountID], m)
	}

	globalSem := make(chan struct{}, d.cfg.MaxConcurrentSends)
	var wg sync.WaitGroup

	for accountID, group := range byAccount {
		accountSem := make(chan struct{}, d.cfg.MaxConcurrentAccount)
		for _, m := range group {
			wg.Add(1)
			globalSem <- struct{}{}
			accountSem <- struct{}{}
			go func(m *models.Message) {
				defer wg.Done()
				defer func() { <-accountSem }()
				defer func() { <-globalSem }()
				d.dispatchOne(ctx, m)
			}(m)
		}
		_ = accountID
	}

	wg.Wait()
}

// buildQuotaMap computes remaining send capacity per account for this cycle.
// An over-quota account with OverLimitPolicy=defer is simply omitted from
// the map, so its messages are retried next cycle once the window clears.
// An over-quota account with OverLimitPolicy=reject is a terminal condition
// (spec §7's RateLimited(reject)): its currently pending messages are failed
// now with "rate_limited" rather than left to retry forever.
func (d *Dispatcher) buildQuotaMap(ctx context.Context) (map[string]int, error) {
	accounts, err := d.storage.ListAccounts(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("list_accounts: %w", err)
	}

	quota := make(map[string]int)
	now := time.Now()
	for _, account := range accounts {
		remaining, err := d.limiter.RemainingQuota(ctx, account, now)
		if err != nil {
			logger.Logger.Warn("dispatch: remaining quota lookup failed", "account_id", account.ID, "error", err.Error())
			continue
		}
		if remaining < 0 {
			quota[account.ID] = d.cfg.ClaimBatchSize // unbounded: cap at this cycle's batch size
			continue
		}
		if remaining > 0 {
			quota[account.ID] = remaining
			continue
		}

		if account.OverLimitPolicy == models.OverLimitReject {
			d.rejectOverLimitMessages(ctx, account, now)
		}
	}
	return quota, nil
}

// rejectOverLimitMessages terminally fails account's currently pending
// messages once Decide confirms the account's policy is reject and the
// quota is exhausted.
func (d *Dispatcher) rejectOverLimitMessages(ctx context.Context, account *models.Account, now time.Time) {
	decision, err := d.limiter.Decide(ctx, account, now)
	if err != nil {
		logger.Logger.Warn("dispatch: rate limit decide failed", "account_id", account.ID, "error", err.Error())
		return
	}
	if !decision.Reject {
		return
	}

	var tenantID *string
	if account.TenantID != nil {
		tenantID = account.TenantID
	}
	messages, err := d.storage.ListMessages(ctx, tenantID, true)
	if err != nil {
		logger.Logger.Warn("dispatch: list_messages for rate-limited account failed", "account_id", account.ID, "error", err.Error())
		return
	}

	reason := (&models.RateLimitedError{Reject: true}).Error()
	for _, m := range messages {
		if m.AccountID != account.ID || m.Status != models.StatusPending {
			continue
		}
		if err := d.storage.MarkError(ctx, m.SurrogateID.String(), now, reason, nil, m.RetryCount, "rate_limited"); err != nil {
			logger.Logger.Error("dispatch: mark_error (rate_limited) failed", "surrogate_id", m.SurrogateID, "error", err.Error())
			continue
		}
		logger.Logger.Warn("dispatch: message rejected by over-limit policy", "surrogate_id", m.SurrogateID, "account_id", account.ID)
	}
}

func (d *Dispatcher) dispatchOne(ctx context.Context, m *models.Message) {
	account, err := d.accounts.GetAccount(ctx, m.AccountID)
	if err != nil {
		logger.Logger.Error("dispatch: account lookup failed", "surrogate_id", m.SurrogateID, "account_id", m.AccountID, "error", err.Error())
		d.markError(ctx, m, fmt.Errorf("account lookup: %w", err))
		return
	}

	msg, err := d.buildMessage(ctx, m)
	if err != nil {
		logger.Logger.Warn("dispatch: attachment resolution failed", "surrogate_id", m.SurrogateID, "error", err.Error())
		d.markError(ctx, m, fmt.Errorf("%w: %v", models.ErrAttachmentResolve, err))
		return
	}

	lease, err := d.pool.Acquire(ctx, account)
	if err != nil {
		d.markError(ctx, m, fmt.Errorf("pool acquire: %w", err))
		return
	}

	sendErr := lease.Send(msg)
	d.pool.Release(lease, sendErr == nil)

	result := d.classifier.Classify(sendErr)
	switch result.Outcome {
	case OutcomeSuccess:
		d.authFailures.Delete(m.AccountID)
		if err := d.storage.MarkSent(ctx, m.SurrogateID.String(), time.Now()); err != nil {
			logger.Logger.Error("dispatch: mark_sent failed", "surrogate_id", m.SurrogateID, "error", err.Error())
		}
		if err := d.storage.AppendSendLog(ctx, m.AccountID, time.Now()); err != nil {
			logger.Logger.Error("dispatch: append_send_log failed", "account_id", m.AccountID, "error", err.Error())
		}
		logger.Logger.Info("dispatch: message sent", "surrogate_id", m.SurrogateID, "account_id", m.AccountID)

	case OutcomeTransient:
		if result.NeedsAttention {
			d.noteAuthFailure(m.AccountID)
		}
		nextTS, shouldRetry := d.classifier.NextAttempt(m.RetryCount)
		newRetryCount := m.RetryCount + 1
		var next *time.Time
		reason := "retry scheduled"
		if shouldRetry {
			next = &nextTS
		} else {
			reason = "max retries exceeded"
		}
		if err := d.storage.MarkError(ctx, m.SurrogateID.String(), time.Now(), result.Reason, next, newRetryCount, reason); err != nil {
			logger.Logger.Error("dispatch: mark_error failed", "surrogate_id", m.SurrogateID, "error", err.Error())
		}
		logger.Logger.Warn("dispatch: transient failure", "surrogate_id", m.SurrogateID, "retry_count", newRetryCount, "will_retry", shouldRetry)

	case OutcomePermanent:
		if result.NeedsAttention {
			d.noteAuthFailure(m.AccountID)
		}
		if err := d.storage.MarkError(ctx, m.SurrogateID.String(), time.Now(), result.Reason, nil, m.RetryCount+1, ""); err != nil {
			logger.Logger.Error("dispatch: mark_error (permanent) failed", "surrogate_id", m.SurrogateID, "error", err.Error())
		}
		logger.Logger.Warn("dispatch: permanent failure", "surrogate_id", m.SurrogateID, "reason", result.Reason)
	}
}

func (d *Dispatcher) markError(ctx context.Context, m *models.Message, err error) {
	nextTS, shouldRetry := d.classifier.NextAttempt(m.RetryCount)
	var next *time.Time
	if shouldRetry {
		next = &nextTS
	}
	if merr := d.storage.MarkError(ctx, m.SurrogateID.String(), time.Now(), err.Error(), next, m.RetryCount+1, "pre-send failure"); merr != nil {
		logger.Logger.Error("dispatch: mark_error failed", "surrogate_id", m.SurrogateID, "error", merr.Error())
	}
}

// noteAuthFailure tracks consecutive SMTP 535 failures per account (spec
// §9's supplemented "needs attention" counter), reset on any success.
func (d *Dispatcher) noteAuthFailure(accountID string) {
	v, _ := d.authFailures.LoadOrStore(accountID, new(int64))
	counter := v.(*int64)
	*counter++
}

// AuthFailureCount reports the consecutive-535 counter for an account, for
// operational surfacing (spec §9).
func (d *Dispatcher) AuthFailureCount(accountID string) int64 {
	v, ok := d.authFailures.Load(accountID)
	if !ok {
		return 0
	}
	return *(v.(*int64))
}

// buildMessage resolves attachments and composes the go-mail Message via
// the mime package, which applies spec §6's X-Mail-ID header, RFC 2047
// header encoding and RFC 5987 Content-Disposition.
func (d *Dispatcher) buildMessage(ctx context.Context, m *models.Message) (*mail.Message, error) {
	resolved, err := d.resolver.ResolveAll(ctx, tenantIDString(m), m.Payload.Attachments)
	if err != nil {
		return nil, err
	}

	attachments := make([]mime.ResolvedAttachment, len(resolved))
	for i, a := range resolved {
		attachments[i] = mime.ResolvedAttachment{
			Filename: a.Filename,
			MimeType: a.MimeType,
			Bytes:    a.Bytes,
		}
	}

	return mime.Compose(m, m.SurrogateID.String(), attachments), nil
}

func tenantIDString(m *models.Message) string {
	if m.TenantID == nil {
		return ""
	}
	return m.TenantID.String()
}
