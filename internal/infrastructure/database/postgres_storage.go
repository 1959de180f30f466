// SPDX-License-Identifier: AGPL-3.0-or-later

// Package database implements application.StorageAdapter against Postgres
// (lib/pq), embedded SQLite (mattn/go-sqlite3) and MySQL
// (go-sql-driver/mysql). The Postgres variant is grounded on the teacher's
// EmailQueueRepository: GetNextToProcess's FOR UPDATE SKIP LOCKED claim
// query, pq.Array for address lists, and the RLS transaction pattern from
// internal/infrastructure/tenant.WithTenantContext.
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/relaycore/smtprelay/internal/application"
	"github.com/relaycore/smtprelay/internal/domain/models"
	"github.com/relaycore/smtprelay/internal/infrastructure/dbctx"
	"github.com/relaycore/smtprelay/internal/infrastructure/tenant"
)

// PostgresStorage is the networked relational StorageAdapter implementation
// described in spec §4.1.
type PostgresStorage struct {
	db *sql.DB
}

func NewPostgresStorage(db *sql.DB) *PostgresStorage {
	return &PostgresStorage{db: db}
}

func (s *PostgresStorage) querier(ctx context.Context) dbctx.Querier {
	return dbctx.GetQuerier(ctx, s.db)
}

// withTenantScope runs fn under a transaction with app.tenant_id set to
// tenantID, so the RLS policies on messages/tenants (migrations/0001_init)
// enforce tenant isolation as defense-in-depth on top of the explicit
// WHERE tenant_id = ... filtering every query already does. Operations that
// are inherently cross-tenant (ClaimReady, ListTenants, ListAccounts(nil),
// QueueStats(nil)) never have a single tenantID to scope to and run
// unscoped instead, relying on the relay's DSN connecting as a role exempt
// from the RLS policies (see DESIGN.md).
func (s *PostgresStorage) withTenantScope(ctx context.Context, tenantID *string, fn func(ctx context.Context) error) error {
	if tenantID == nil || *tenantID == "" {
		return fn(ctx)
	}
	return tenant.WithTenantContext(ctx, s.db, *tenantID, fn)
}

func (s *PostgresStorage) InsertMessages(ctx context.Context, tenantID *string, defaultPriority models.Priority, inputs []models.MessageInput) ([]string, []models.RejectedMessage, error) {
	var accepted []string
	var rejected []models.RejectedMessage

	err := s.withTenantScope(ctx, tenantID, func(ctx context.Context) error {
		var innerErr error
		accepted, rejected, innerErr = s.insertMessagesLocked(ctx, tenantID, defaultPriority, inputs)
		return innerErr
	})
	return accepted, rejected, err
}

func (s *PostgresStorage) insertMessagesLocked(ctx context.Context, tenantID *string, defaultPriority models.Priority, inputs []models.MessageInput) ([]string, []models.RejectedMessage, error) {
	q := s.querier(ctx)

	var accepted []string
	var rejected []models.RejectedMessage

	for _, in := range inputs {
		if in.ID == "" {
			rejected = append(rejected, models.RejectedMessage{ID: in.ID, Reason: "missing id"})
			continue
		}

		var exists bool
		err := q.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM messages WHERE tenant_id IS NOT DISTINCT FROM $1 AND id = $2)`, tenantID, in.ID).Scan(&exists)
		if err != nil {
			return accepted, rejected, fmt.Errorf("insert_messages: check duplicate: %w", err)
		}
		if exists {
			rejected = append(rejected, models.RejectedMessage{ID: in.ID, Reason: "duplicate"})
			continue
		}

		priority := defaultPriority
		if in.Priority != nil {
			priority = *in.Priority
		}
		if !priority.Valid() {
			rejected = append(rejected, models.RejectedMessage{ID: in.ID, Reason: "invalid priority"})
			continue
		}

		deferredTS := time.Now()
		if in.DeferredTS != nil {
			deferredTS = time.Unix(*in.DeferredTS, 0)
		}

		contentType := in.ContentType
		if contentType == "" {
			contentType = models.ContentTypePlain
		}

		payload := models.Payload{
			From:        in.From,
			To:          []string(in.To),
			Cc:          []string(in.Cc),
			Bcc:         []string(in.Bcc),
			Subject:     in.Subject,
			ContentType: contentType,
			Body:        in.Body,
			Headers:     in.Headers,
			ReplyTo:     in.ReplyTo,
			ReturnPath:  in.ReturnPath,
			Attachments: in.Attachments,
		}
		payloadJSON, err := json.Marshal(payload)
		if err != nil {
			rejected = append(rejected, models.RejectedMessage{ID: in.ID, Reason: "payload encode: " + err.Error()})
			continue
		}

		var surrogateID uuid.UUID
		err = q.QueryRowContext(ctx, `
			INSERT INTO messages (id, tenant_id, account_id, priority, batch_code, deferred_ts, max_retries, payload, status, created_ts)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending', now())
			RETURNING surrogate_id
		`, in.ID, tenantID, in.AccountID, priority, in.BatchCode, deferredTS, application.DefaultMaxRetries, payloadJSON).Scan(&surrogateID)
		if err != nil {
			rejected = append(rejected, models.RejectedMessage{ID: in.ID, Reason: err.Error()})
			continue
		}

		accepted = append(accepted, surrogateID.String())
	}

	return accepted, rejected, nil
}

// ClaimReady implements spec §4.1's claim_ready contract using
// FOR UPDATE SKIP LOCKED so concurrent dispatch workers never claim the same
// row, the same locking idiom as the teacher's GetNextToProcess.
func (s *PostgresStorage) ClaimReady(ctx context.Context, now time.Time, accountQuota map[string]int, limit int) ([]*models.Message, error) {
	q := s.querier(ctx)

	accountIDs := make([]string, 0, len(accountQuota))
	for id, quota := range accountQuota {
		if quota > 0 {
			accountIDs = append(accountIDs, id)
		}
	}
	if len(accountIDs) == 0 {
		return nil, nil
	}

	rows, err := q.QueryContext(ctx, `
		UPDATE messages
		SET status = 'pending'
		WHERE surrogate_id IN (
			SELECT surrogate_id FROM messages
			WHERE sent_ts IS NULL AND error_ts IS NULL AND bounce_ts IS NULL
			  AND deferred_ts <= $1
			  AND account_id = ANY($2)
			ORDER BY priority ASC, deferred_ts ASC, created_ts ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING surrogate_id, id, tenant_id, account_id, priority, batch_code,
		          deferred_ts, retry_count, max_retries, last_error, payload,
		          status, created_ts, sent_ts, error_ts, bounce_ts, reported_ts,
		          bounce_type, bounce_code, bounce_reason, defer_reason
	`, now, pq.Array(accountIDs), limit)
	if err != nil {
		return nil, fmt.Errorf("claim_ready: %w", err)
	}
	defer rows.Close()

	claimed := make(map[string]int)
	var out []*models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("claim_ready: scan: %w", err)
		}
		if claimed[m.AccountID] >= accountQuota[m.AccountID] {
			continue
		}
		claimed[m.AccountID]++
		out = append(out, m)
	}
	return out, nil
}

func scanMessage(rows *sql.Rows) (*models.Message, error) {
	var m models.Message
	var tenantID sql.NullString
	var payloadJSON []byte
	var sentTS, errorTS, bounceTS, reportedTS sql.NullTime

	if err := rows.Scan(
		&m.SurrogateID, &m.ID, &tenantID, &m.AccountID, &m.Priority, &m.BatchCode,
		&m.DeferredTS, &m.RetryCount, &m.MaxRetries, &m.LastError, &payloadJSON,
		&m.Status, &m.CreatedTS, &sentTS, &errorTS, &bounceTS, &reportedTS,
		&m.BounceType, &m.BounceCode, &m.BounceReason, &m.DeferReason,
	); err != nil {
		return nil, err
	}

	if tenantID.Valid {
		tid, err := uuid.Parse(tenantID.String)
		if err == nil {
			m.TenantID = &tid
		}
	}
	if err := json.Unmarshal(payloadJSON, &m.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	if sentTS.Valid {
		m.SentTS = &sentTS.Time
	}
	if errorTS.Valid {
		m.ErrorTS = &errorTS.Time
	}
	if bounceTS.Valid {
		m.BounceTS = &bounceTS.Time
	}
	if reportedTS.Valid {
		m.ReportedTS = &reportedTS.Time
	}

	return &m, nil
}

func (s *PostgresStorage) MarkSent(ctx context.Context, surrogateID string, ts time.Time) error {
	q := s.querier(ctx)
	res, err := q.ExecContext(ctx, `UPDATE messages SET status = 'sent', sent_ts = $1 WHERE surrogate_id = $2`, ts, surrogateID)
	if err != nil {
		return fmt.Errorf("mark_sent: %w", err)
	}
	return checkAffected(res, surrogateID)
}

func (s *PostgresStorage) MarkError(ctx context.Context, surrogateID string, ts time.Time, errText string, nextDeferredTS *time.Time, newRetryCount int, deferReason string) error {
	q := s.querier(ctx)

	if nextDeferredTS != nil {
		res, err := q.ExecContext(ctx, `
			UPDATE messages
			SET status = 'pending', retry_count = $1, last_error = $2, deferred_ts = $3, defer_reason = $4
			WHERE surrogate_id = $5
		`, newRetryCount, errText, *nextDeferredTS, deferReason, surrogateID)
		if err != nil {
			return fmt.Errorf("mark_error (retry): %w", err)
		}
		return checkAffected(res, surrogateID)
	}

	res, err := q.ExecContext(ctx, `
		UPDATE messages
		SET status = 'error', retry_count = $1, last_error = $2, error_ts = $3
		WHERE surrogate_id = $4
	`, newRetryCount, errText, ts, surrogateID)
	if err != nil {
		return fmt.Errorf("mark_error (terminal): %w", err)
	}
	return checkAffected(res, surrogateID)
}

func (s *PostgresStorage) MarkBounce(ctx context.Context, surrogateID string, ts time.Time, bounceType, bounceCode, bounceReason string) error {
	q := s.querier(ctx)
	res, err := q.ExecContext(ctx, `
		UPDATE messages
		SET status = 'bounced', bounce_ts = $1, bounce_type = $2, bounce_code = $3, bounce_reason = $4
		WHERE surrogate_id = $5
	`, ts, bounceType, bounceCode, bounceReason, surrogateID)
	if err != nil {
		return fmt.Errorf("mark_bounce: %w", err)
	}
	return checkAffected(res, surrogateID)
}

func checkAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("message not found: %s", id)
	}
	return nil
}

func (s *PostgresStorage) ListTerminalUnreported(ctx context.Context, limit int, tenantID *string) ([]*models.Message, error) {
	q := s.querier(ctx)
	rows, err := q.QueryContext(ctx, `
		SELECT surrogate_id, id, tenant_id, account_id, priority, batch_code,
		       deferred_ts, retry_count, max_retries, last_error, payload,
		       status, created_ts, sent_ts, error_ts, bounce_ts, reported_ts,
		       bounce_type, bounce_code, bounce_reason, defer_reason
		FROM messages
		WHERE reported_ts IS NULL
		  AND (sent_ts IS NOT NULL OR error_ts IS NOT NULL OR bounce_ts IS NOT NULL)
		  AND ($1::text IS NULL OR tenant_id = $1)
		ORDER BY created_ts ASC
		LIMIT $2
	`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list_terminal_unreported: %w", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *PostgresStorage) MarkReported(ctx context.Context, surrogateIDs []string, ts time.Time) error {
	if len(surrogateIDs) == 0 {
		return nil
	}
	q := s.querier(ctx)
	_, err := q.ExecContext(ctx, `UPDATE messages SET reported_ts = $1 WHERE surrogate_id = ANY($2)`, ts, pq.Array(surrogateIDs))
	if err != nil {
		return fmt.Errorf("mark_reported: %w", err)
	}
	return nil
}

func (s *PostgresStorage) DeleteReportedBefore(ctx context.Context, cutoff time.Time, tenantID *string) (int64, error) {
	q := s.querier(ctx)
	res, err := q.ExecContext(ctx, `
		DELETE FROM messages
		WHERE reported_ts IS NOT NULL AND reported_ts < $1
		  AND ($2::text IS NULL OR tenant_id = $2)
	`, cutoff, tenantID)
	if err != nil {
		return 0, fmt.Errorf("delete_reported_before: %w", err)
	}
	return res.RowsAffected()
}

func (s *PostgresStorage) DeleteSendLogBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	q := s.querier(ctx)
	res, err := q.ExecContext(ctx, `DELETE FROM send_log WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete_send_log_before: %w", err)
	}
	return res.RowsAffected()
}

func (s *PostgresStorage) CountSendLogSince(ctx context.Context, accountID string, since time.Time) (int, error) {
	q := s.querier(ctx)
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM send_log WHERE account_id = $1 AND ts > $2`, accountID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count_send_log_since: %w", err)
	}
	return n, nil
}

func (s *PostgresStorage) OldestSendLogSince(ctx context.Context, accountID string, since time.Time) (*time.Time, error) {
	q := s.querier(ctx)
	var ts sql.NullTime
	err := q.QueryRowContext(ctx, `SELECT MIN(ts) FROM send_log WHERE account_id = $1 AND ts > $2`, accountID, since).Scan(&ts)
	if err != nil {
		return nil, fmt.Errorf("oldest_send_log_since: %w", err)
	}
	if !ts.Valid {
		return nil, nil
	}
	return &ts.Time, nil
}

func (s *PostgresStorage) AppendSendLog(ctx context.Context, accountID string, ts time.Time) error {
	q := s.querier(ctx)
	_, err := q.ExecContext(ctx, `INSERT INTO send_log (account_id, ts) VALUES ($1, $2)`, accountID, ts)
	if err != nil {
		return fmt.Errorf("append_send_log: %w", err)
	}
	return nil
}

func (s *PostgresStorage) ListMessages(ctx context.Context, tenantID *string, activeOnly bool) ([]*models.Message, error) {
	var out []*models.Message
	err := s.withTenantScope(ctx, tenantID, func(ctx context.Context) error {
		var innerErr error
		out, innerErr = s.listMessagesLocked(ctx, tenantID, activeOnly)
		return innerErr
	})
	return out, err
}

func (s *PostgresStorage) listMessagesLocked(ctx context.Context, tenantID *string, activeOnly bool) ([]*models.Message, error) {
	q := s.querier(ctx)
	query := `
		SELECT surrogate_id, id, tenant_id, account_id, priority, batch_code,
		       deferred_ts, retry_count, max_retries, last_error, payload,
		       status, created_ts, sent_ts, error_ts, bounce_ts, reported_ts,
		       bounce_type, bounce_code, bounce_reason, defer_reason
		FROM messages
		WHERE ($1::text IS NULL OR tenant_id = $1)
	`
	if activeOnly {
		query += ` AND sent_ts IS NULL AND error_ts IS NULL AND bounce_ts IS NULL`
	}
	query += ` ORDER BY created_ts DESC`

	rows, err := q.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list_messages: %w", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *PostgresStorage) DeleteMessages(ctx context.Context, tenantID *string, ids []string) ([]string, []string, error) {
	var removed, notFound []string
	err := s.withTenantScope(ctx, tenantID, func(ctx context.Context) error {
		var innerErr error
		removed, notFound, innerErr = s.deleteMessagesLocked(ctx, tenantID, ids)
		return innerErr
	})
	return removed, notFound, err
}

func (s *PostgresStorage) deleteMessagesLocked(ctx context.Context, tenantID *string, ids []string) ([]string, []string, error) {
	q := s.querier(ctx)

	var removed, notFound []string
	for _, id := range ids {
		res, err := q.ExecContext(ctx, `
			DELETE FROM messages
			WHERE id = $1 AND ($2::text IS NULL OR tenant_id = $2)
			  AND sent_ts IS NULL AND error_ts IS NULL AND bounce_ts IS NULL
		`, id, tenantID)
		if err != nil {
			return removed, notFound, fmt.Errorf("delete_messages: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return removed, notFound, fmt.Errorf("delete_messages: rows affected: %w", err)
		}
		if n > 0 {
			removed = append(removed, id)
		} else {
			notFound = append(notFound, id)
		}
	}
	return removed, notFound, nil
}

func (s *PostgresStorage) UpsertAccount(ctx context.Context, a *models.Account) error {
	q := s.querier(ctx)
	_, err := q.ExecContext(ctx, `
		INSERT INTO accounts (id, tenant_id, host, port, tls_mode, username, password_encrypted,
		                       limit_per_minute, limit_per_hour, limit_per_day, over_limit_policy,
		                       batch_size_hint, connection_ttl_hint)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			tenant_id = EXCLUDED.tenant_id, host = EXCLUDED.host, port = EXCLUDED.port,
			tls_mode = EXCLUDED.tls_mode, username = EXCLUDED.username,
			password_encrypted = EXCLUDED.password_encrypted,
			limit_per_minute = EXCLUDED.limit_per_minute, limit_per_hour = EXCLUDED.limit_per_hour,
			limit_per_day = EXCLUDED.limit_per_day, over_limit_policy = EXCLUDED.over_limit_policy,
			batch_size_hint = EXCLUDED.batch_size_hint, connection_ttl_hint = EXCLUDED.connection_ttl_hint
	`, a.ID, a.TenantID, a.Host, a.Port, a.TLSMode, a.Username, a.PasswordEncrypted,
		a.Limits.PerMinute, a.Limits.PerHour, a.Limits.PerDay, a.OverLimitPolicy,
		a.BatchSizeHint, a.ConnectionTTLHint)
	if err != nil {
		return fmt.Errorf("upsert_account: %w", err)
	}
	return nil
}

func (s *PostgresStorage) ListAccounts(ctx context.Context, tenantID *string) ([]*models.Account, error) {
	q := s.querier(ctx)
	rows, err := q.QueryContext(ctx, `
		SELECT id, tenant_id, host, port, tls_mode, username, password_encrypted,
		       limit_per_minute, limit_per_hour, limit_per_day, over_limit_policy,
		       batch_size_hint, connection_ttl_hint
		FROM accounts WHERE ($1::text IS NULL OR tenant_id = $1)
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list_accounts: %w", err)
	}
	defer rows.Close()

	var out []*models.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func scanAccount(rows *sql.Rows) (*models.Account, error) {
	var a models.Account
	var tenantID sql.NullString
	if err := rows.Scan(&a.ID, &tenantID, &a.Host, &a.Port, &a.TLSMode, &a.Username, &a.PasswordEncrypted,
		&a.Limits.PerMinute, &a.Limits.PerHour, &a.Limits.PerDay, &a.OverLimitPolicy,
		&a.BatchSizeHint, &a.ConnectionTTLHint); err != nil {
		return nil, fmt.Errorf("scan account: %w", err)
	}
	if tenantID.Valid {
		a.TenantID = &tenantID.String
	}
	return &a, nil
}

func (s *PostgresStorage) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	q := s.querier(ctx)
	rows, err := q.QueryContext(ctx, `
		SELECT id, tenant_id, host, port, tls_mode, username, password_encrypted,
		       limit_per_minute, limit_per_hour, limit_per_day, over_limit_policy,
		       batch_size_hint, connection_ttl_hint
		FROM accounts WHERE id = $1
	`, id)
	if err != nil {
		return nil, fmt.Errorf("get_account: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, fmt.Errorf("account not found: %s", id)
	}
	return scanAccount(rows)
}

func (s *PostgresStorage) DeleteAccount(ctx context.Context, id string) error {
	q := s.querier(ctx)
	res, err := q.ExecContext(ctx, `DELETE FROM accounts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete_account: %w", err)
	}
	return checkAffected(res, id)
}

func (s *PostgresStorage) UpsertTenant(ctx context.Context, t *models.Tenant) error {
	q := s.querier(ctx)
	batches := suspendedBatchesSlice(t.Suspended)
	_, err := q.ExecContext(ctx, `
		INSERT INTO tenants (id, display_name, report_sink_base_url, report_sink_path,
		                      attachment_endpoint_base_url, attachment_endpoint_path,
		                      outbound_auth_kind, outbound_auth_token, outbound_auth_username, outbound_auth_password,
		                      active, suspended_all, suspended_batches, retention_override_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			report_sink_base_url = EXCLUDED.report_sink_base_url, report_sink_path = EXCLUDED.report_sink_path,
			attachment_endpoint_base_url = EXCLUDED.attachment_endpoint_base_url,
			attachment_endpoint_path = EXCLUDED.attachment_endpoint_path,
			outbound_auth_kind = EXCLUDED.outbound_auth_kind, outbound_auth_token = EXCLUDED.outbound_auth_token,
			outbound_auth_username = EXCLUDED.outbound_auth_username, outbound_auth_password = EXCLUDED.outbound_auth_password,
			active = EXCLUDED.active, suspended_all = EXCLUDED.suspended_all,
			suspended_batches = EXCLUDED.suspended_batches, retention_override_seconds = EXCLUDED.retention_override_seconds
	`, t.ID, t.DisplayName, t.ReportSinkBaseURL, t.ReportSinkPath,
		t.AttachmentEndpointBaseURL, t.AttachmentEndpointPath,
		t.OutboundAuth.Kind, t.OutboundAuth.Token, t.OutboundAuth.Username, t.OutboundAuth.Password,
		t.Active, t.Suspended.All, pq.Array(batches), t.RetentionOverrideSeconds)
	if err != nil {
		return fmt.Errorf("upsert_tenant: %w", err)
	}
	return nil
}

func suspendedBatchesSlice(s models.SuspendedBatches) []string {
	out := make([]string, 0, len(s.Batches))
	for b := range s.Batches {
		out = append(out, b)
	}
	return out
}

func (s *PostgresStorage) ListTenants(ctx context.Context) ([]*models.Tenant, error) {
	q := s.querier(ctx)
	rows, err := q.QueryContext(ctx, `
		SELECT id, display_name, report_sink_base_url, report_sink_path,
		       attachment_endpoint_base_url, attachment_endpoint_path,
		       outbound_auth_kind, outbound_auth_token, outbound_auth_username, outbound_auth_password,
		       active, suspended_all, suspended_batches, retention_override_seconds
		FROM tenants
	`)
	if err != nil {
		return nil, fmt.Errorf("list_tenants: %w", err)
	}
	defer rows.Close()

	var out []*models.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func scanTenant(rows *sql.Rows) (*models.Tenant, error) {
	var t models.Tenant
	var batches pq.StringArray
	if err := rows.Scan(&t.ID, &t.DisplayName, &t.ReportSinkBaseURL, &t.ReportSinkPath,
		&t.AttachmentEndpointBaseURL, &t.AttachmentEndpointPath,
		&t.OutboundAuth.Kind, &t.OutboundAuth.Token, &t.OutboundAuth.Username, &t.OutboundAuth.Password,
		&t.Active, &t.Suspended.All, &batches, &t.RetentionOverrideSeconds); err != nil {
		return nil, fmt.Errorf("scan tenant: %w", err)
	}
	t.Suspended.Batches = make(map[string]struct{}, len(batches))
	for _, b := range batches {
		t.Suspended.Batches[b] = struct{}{}
	}
	return &t, nil
}

func (s *PostgresStorage) GetTenant(ctx context.Context, id string) (*models.Tenant, error) {
	var t *models.Tenant
	err := s.withTenantScope(ctx, &id, func(ctx context.Context) error {
		var innerErr error
		t, innerErr = s.getTenantLocked(ctx, id)
		return innerErr
	})
	return t, err
}

func (s *PostgresStorage) getTenantLocked(ctx context.Context, id string) (*models.Tenant, error) {
	q := s.querier(ctx)
	rows, err := q.QueryContext(ctx, `
		SELECT id, display_name, report_sink_base_url, report_sink_path,
		       attachment_endpoint_base_url, attachment_endpoint_path,
		       outbound_auth_kind, outbound_auth_token, outbound_auth_username, outbound_auth_password,
		       active, suspended_all, suspended_batches, retention_override_seconds
		FROM tenants WHERE id = $1
	`, id)
	if err != nil {
		return nil, fmt.Errorf("get_tenant: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, fmt.Errorf("tenant not found: %s", id)
	}
	return scanTenant(rows)
}

func (s *PostgresStorage) DeleteTenant(ctx context.Context, id string) error {
	q := s.querier(ctx)
	res, err := q.ExecContext(ctx, `DELETE FROM tenants WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete_tenant: %w", err)
	}
	return checkAffected(res, id)
}

func (s *PostgresStorage) SetSuspension(ctx context.Context, tenantID string, suspended models.SuspendedBatches) error {
	return s.withTenantScope(ctx, &tenantID, func(ctx context.Context) error {
		q := s.querier(ctx)
		batches := suspendedBatchesSlice(suspended)
		res, err := q.ExecContext(ctx, `UPDATE tenants SET suspended_all = $1, suspended_batches = $2 WHERE id = $3`,
			suspended.All, pq.Array(batches), tenantID)
		if err != nil {
			return fmt.Errorf("set_suspension: %w", err)
		}
		return checkAffected(res, tenantID)
	})
}

func (s *PostgresStorage) QueueStats(ctx context.Context, tenantID *string) (*application.QueueStats, error) {
	q := s.querier(ctx)

	stats := &application.QueueStats{ByPriority: make(map[models.Priority]int)}

	rows, err := q.QueryContext(ctx, `
		SELECT priority, status, COUNT(*)
		FROM messages
		WHERE ($1::text IS NULL OR tenant_id = $1)
		GROUP BY priority, status
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("queue_stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var priority models.Priority
		var status string
		var count int
		if err := rows.Scan(&priority, &status, &count); err != nil {
			return nil, fmt.Errorf("queue_stats: scan: %w", err)
		}
		switch status {
		case string(models.StatusPending):
			stats.TotalPending += count
			stats.ByPriority[priority] += count
		case string(models.StatusSent):
			stats.TotalSent += count
		case string(models.StatusError):
			stats.TotalError += count
		}
	}

	var oldest sql.NullTime
	err = q.QueryRowContext(ctx, `
		SELECT MIN(created_ts) FROM messages
		WHERE sent_ts IS NULL AND error_ts IS NULL AND bounce_ts IS NULL
		  AND ($1::text IS NULL OR tenant_id = $1)
	`, tenantID).Scan(&oldest)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("queue_stats: oldest pending: %w", err)
	}
	if oldest.Valid {
		stats.OldestPending = &oldest.Time
	}

	return stats, nil
}
