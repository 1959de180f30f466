// SPDX-License-Identifier: AGPL-3.0-or-later
package application

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/relaycore/smtprelay/internal/domain/models"
	"github.com/relaycore/smtprelay/pkg/logger"
)

// HTTPDoer abstracts http.Client for testing, matching the teacher's
// webhook.HTTPDoer.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// TenantResolver supplies the cached Tenant configuration (report sink,
// outbound auth) that report delivery needs.
type TenantResolver interface {
	ListTenants(ctx context.Context) ([]*models.Tenant, error)
	GetTenant(ctx context.Context, id string) (*models.Tenant, error)
}

// ReportEntry is one line of the delivery-report batch posted to a tenant's
// report sink, per spec §6.
type ReportEntry struct {
	TenantID     *string `json:"tenant_id"`
	ID           string  `json:"id"`
	PK           string  `json:"pk"`
	SentTS       *int64  `json:"sent_ts,omitempty"`
	ErrorTS      *int64  `json:"error_ts,omitempty"`
	Error        string  `json:"error,omitempty"`
	DeferredTS   *int64  `json:"deferred_ts,omitempty"`
	DeferReason  string  `json:"deferred_reason,omitempty"`
	BounceTS     *int64  `json:"bounce_ts,omitempty"`
	BounceType   string  `json:"bounce_type,omitempty"`
	BounceCode   string  `json:"bounce_code,omitempty"`
	BounceReason string  `json:"bounce_reason,omitempty"`
}

type reportBody struct {
	DeliveryReport []ReportEntry `json:"delivery_report"`
}

type ReportConfig struct {
	PollInterval   time.Duration
	BatchSize      int
	MaxConcurrent  int
	RequestTimeout time.Duration
}

func DefaultReportConfig() ReportConfig {
	return ReportConfig{
		PollInterval:   5 * time.Second,
		BatchSize:      50,
		MaxConcurrent:  5,
		RequestTimeout: 10 * time.Second,
	}
}

// Reporter is the report loop of spec §4.8: batch terminal-but-unreported
// messages per tenant, POST to the tenant's report sink, mark_reported on
// any 2xx. Grounded on webhook.Worker's processLoop/processBatch/processOne,
// generalized from one-row-per-request webhooks to one-batch-per-tenant.
type Reporter struct {
	storage StorageAdapter
	tenants TenantResolver
	http    HTTPDoer
	cfg     ReportConfig

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopCh  chan struct{}
	wakeCh  chan struct{}
	mu      sync.Mutex
	started bool
}

func NewReporter(storage StorageAdapter, tenants TenantResolver, doer HTTPDoer, cfg ReportConfig) *Reporter {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if c, ok := doer.(*http.Client); ok {
		c.Timeout = cfg.RequestTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Reporter{
		storage: storage,
		tenants: tenants,
		http:    doer,
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		stopCh:  make(chan struct{}),
		wakeCh:  make(chan struct{}, 1),
	}
}

func (r *Reporter) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("reporter already started")
	}
	r.started = true
	logger.Logger.Info("starting report loop", "poll_interval", r.cfg.PollInterval, "batch_size", r.cfg.BatchSize)
	r.wg.Add(1)
	go r.loop()
	return nil
}

func (r *Reporter) Stop() error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return fmt.Errorf("reporter not started")
	}
	r.mu.Unlock()

	r.cancel()
	close(r.stopCh)

	done := make(chan struct{})
	go func() { r.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		logger.Logger.Warn("report loop stop timed out")
	}

	r.mu.Lock()
	r.started = false
	r.mu.Unlock()
	return nil
}

func (r *Reporter) Wake() {
	select {
	case r.wakeCh <- struct{}{}:
	default:
	}
}

func (r *Reporter) loop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	r.runCycle()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.runCycle()
		case <-r.wakeCh:
			r.runCycle()
		}
	}
}

// runCycle fetches terminal-unreported messages per tenant and posts one
// batch per tenant (spec §4.8: "batched per tenant").
func (r *Reporter) runCycle() {
	ctx, cancel := context.WithTimeout(r.ctx, 5*time.Minute)
	defer cancel()

	tenants, err := r.tenants.ListTenants(ctx)
	if err != nil {
		logger.Logger.Error("report: list_tenants failed", "error", err.Error())
		return
	}

	// Only tenants returned by ListTenants are reported. Untenanted
	// messages (TenantID == nil) are not read by this loop and stay
	// unreported.
	sem := make(chan struct{}, r.cfg.MaxConcurrent)
	var wg sync.WaitGroup
	for _, t := range tenants {
		t := t
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			r.reportTenant(ctx, t)
		}()
	}
	wg.Wait()
}

func (r *Reporter) reportTenant(ctx context.Context, t *models.Tenant) {
	tenantID := t.ID
	messages, err := r.storage.ListTerminalUnreported(ctx, r.cfg.BatchSize, &tenantID)
	if err != nil {
		logger.Logger.Error("report: list_terminal_unreported failed", "tenant_id", tenantID, "error", err.Error())
		return
	}
	if len(messages) == 0 {
		return
	}
	if t.ReportSinkURL() == "" {
		return
	}

	entries := make([]ReportEntry, 0, len(messages))
	ids := make([]string, 0, len(messages))
	for _, m := range messages {
		entries = append(entries, toReportEntry(m))
		ids = append(ids, m.SurrogateID.String())
	}

	body, err := json.Marshal(reportBody{DeliveryReport: entries})
	if err != nil {
		logger.Logger.Error("report: marshal failed", "tenant_id", tenantID, "error", err.Error())
		return
	}

	if err := r.post(ctx, t, body); err != nil {
		logger.Logger.Warn("report: delivery failed", "tenant_id", tenantID, "error", err.Error())
		return
	}

	if err := r.storage.MarkReported(ctx, ids, time.Now()); err != nil {
		logger.Logger.Error("report: mark_reported failed", "tenant_id", tenantID, "error", err.Error())
		return
	}
	logger.Logger.Info("report: batch acknowledged", "tenant_id", tenantID, "count", len(entries))
}

func (r *Reporter) post(ctx context.Context, t *models.Tenant, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.ReportSinkURL(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	applyTenantAuth(req, t.OutboundAuth)

	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrReportSinkUnavailable, err)
	}
	defer resp.Body.Close()
	_, _ = io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: sink returned HTTP %d", models.ErrReportSinkUnavailable, resp.StatusCode)
	}
	return nil
}

func applyTenantAuth(req *http.Request, auth models.Auth) {
	switch auth.Kind {
	case models.AuthBearer:
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	case models.AuthBasic:
		creds := base64.StdEncoding.EncodeToString([]byte(auth.Username + ":" + auth.Password))
		req.Header.Set("Authorization", "Basic "+creds)
	}
}

func toReportEntry(m *models.Message) ReportEntry {
	e := ReportEntry{
		ID: m.ID,
		PK: m.SurrogateID.String(),
	}
	if m.TenantID != nil {
		s := m.TenantID.String()
		e.TenantID = &s
	}
	switch {
	case m.SentTS != nil:
		ts := m.SentTS.Unix()
		e.SentTS = &ts
	case m.ErrorTS != nil:
		ts := m.ErrorTS.Unix()
		e.ErrorTS = &ts
		e.Error = m.LastError
	case m.BounceTS != nil:
		ts := m.BounceTS.Unix()
		e.BounceTS = &ts
		e.BounceType = m.BounceType
		e.BounceCode = m.BounceCode
		e.BounceReason = m.BounceReason
	}
	if m.DeferReason != "" && e.SentTS == nil && e.ErrorTS == nil && e.BounceTS == nil {
		ts := m.DeferredTS.Unix()
		e.DeferredTS = &ts
		e.DeferReason = m.DeferReason
	}
	return e
}
