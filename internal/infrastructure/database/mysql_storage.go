// SPDX-License-Identifier: AGPL-3.0-or-later
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/relaycore/smtprelay/internal/application"
	"github.com/relaycore/smtprelay/internal/domain/models"
)

// MySQLStorage is the third StorageAdapter variant (spec §9's "additional
// relational backend"): MySQL 8 supports FOR UPDATE SKIP LOCKED the same as
// Postgres, so ClaimReady keeps that locking shape, swapping $n placeholders
// for `?` and pq.Array for a hand-rolled IN-list. Driver registration
// follows Onyx-Go-framework's database.go blank-import pattern.
type MySQLStorage struct {
	db *sql.DB
}

func NewMySQLStorage(dsn string) (*MySQLStorage, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	return &MySQLStorage{db: db}, nil
}

// MySQL has no RLS equivalent, so tenant isolation is enforced by the
// explicit tenant_id predicates in every query instead of a transaction-
// scoped session variable.
func (s *MySQLStorage) InsertMessages(ctx context.Context, tenantID *string, defaultPriority models.Priority, inputs []models.MessageInput) ([]string, []models.RejectedMessage, error) {
	q := s.db

	var accepted []string
	var rejected []models.RejectedMessage

	for _, in := range inputs {
		if in.ID == "" {
			rejected = append(rejected, models.RejectedMessage{ID: in.ID, Reason: "missing id"})
			continue
		}

		var exists int
		err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE IFNULL(tenant_id,'') = IFNULL(?, '') AND id = ?`, tenantID, in.ID).Scan(&exists)
		if err != nil {
			return accepted, rejected, fmt.Errorf("insert_messages: check duplicate: %w", err)
		}
		if exists > 0 {
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
			From: in.From, To: []string(in.To), Cc: []string(in.Cc), Bcc: []string(in.Bcc),
			Subject: in.Subject, ContentType: contentType, Body: in.Body, Headers: in.Headers,
			ReplyTo: in.ReplyTo, ReturnPath: in.ReturnPath, Attachments: in.Attachments,
		}
		payloadJSON, err := json.Marshal(payload)
		if err != nil {
			rejected = append(rejected, models.RejectedMessage{ID: in.ID, Reason: "payload encode: " + err.Error()})
			continue
		}

		surrogateID := uuid.New().String()
		_, err = q.ExecContext(ctx, `
			INSERT INTO messages (surrogate_id, id, tenant_id, account_id, priority, batch_code, deferred_ts, max_retries, payload, status, created_ts)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', ?)
		`, surrogateID, in.ID, tenantID, in.AccountID, priority, in.BatchCode, deferredTS, application.DefaultMaxRetries, payloadJSON, time.Now())
		if err != nil {
			rejected = append(rejected, models.RejectedMessage{ID: in.ID, Reason: err.Error()})
			continue
		}

		accepted = append(accepted, surrogateID)
	}

	return accepted, rejected, nil
}

func (s *MySQLStorage) ClaimReady(ctx context.Context, now time.Time, accountQuota map[string]int, limit int) ([]*models.Message, error) {
	var accountIDs []string
	for id, quota := range accountQuota {
		if quota > 0 {
			accountIDs = append(accountIDs, id)
		}
	}
	if len(accountIDs) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(accountIDs))
	args := make([]interface{}, 0, len(accountIDs)+2)
	args = append(args, now)
	for i, id := range accountIDs {
		placeholders[i] = "?"
		args = append(args, id)
	}
	args = append(args, limit)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim_ready: begin tx: %w", err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`
		SELECT surrogate_id, id, tenant_id, account_id, priority, batch_code,
		       deferred_ts, retry_count, max_retries, last_error, payload,
		       status, created_ts, sent_ts, error_ts, bounce_ts, reported_ts,
		       bounce_type, bounce_code, bounce_reason, defer_reason
		FROM messages
		WHERE sent_ts IS NULL AND error_ts IS NULL AND bounce_ts IS NULL
		  AND deferred_ts <= ?
		  AND account_id IN (%s)
		ORDER BY priority ASC, deferred_ts ASC, created_ts ASC
		LIMIT ?
		FOR UPDATE SKIP LOCKED
	`, strings.Join(placeholders, ","))

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("claim_ready: %w", err)
	}

	claimed := make(map[string]int)
	var out []*models.Message
	for rows.Next() {
		m, err := scanMessageSQLite(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("claim_ready: scan: %w", err)
		}
		if claimed[m.AccountID] >= accountQuota[m.AccountID] {
			continue
		}
		claimed[m.AccountID]++
		out = append(out, m)
	}
	rows.Close()

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim_ready: commit: %w", err)
	}
	return out, nil
}

func (s *MySQLStorage) MarkSent(ctx context.Context, surrogateID string, ts time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET status = 'sent', sent_ts = ? WHERE surrogate_id = ?`, ts, surrogateID)
	if err != nil {
		return fmt.Errorf("mark_sent: %w", err)
	}
	return checkAffected(res, surrogateID)
}

func (s *MySQLStorage) MarkError(ctx context.Context, surrogateID string, ts time.Time, errText string, nextDeferredTS *time.Time, newRetryCount int, deferReason string) error {
	if nextDeferredTS != nil {
		res, err := s.db.ExecContext(ctx, `
			UPDATE messages SET status = 'pending', retry_count = ?, last_error = ?, deferred_ts = ?, defer_reason = ?
			WHERE surrogate_id = ?
		`, newRetryCount, errText, *nextDeferredTS, deferReason, surrogateID)
		if err != nil {
			return fmt.Errorf("mark_error (retry): %w", err)
		}
		return checkAffected(res, surrogateID)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = 'error', retry_count = ?, last_error = ?, error_ts = ? WHERE surrogate_id = ?
	`, newRetryCount, errText, ts, surrogateID)
	if err != nil {
		return fmt.Errorf("mark_error (terminal): %w", err)
	}
	return checkAffected(res, surrogateID)
}

func (s *MySQLStorage) MarkBounce(ctx context.Context, surrogateID string, ts time.Time, bounceType, bounceCode, bounceReason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = 'bounced', bounce_ts = ?, bounce_type = ?, bounce_code = ?, bounce_reason = ?
		WHERE surrogate_id = ?
	`, ts, bounceType, bounceCode, bounceReason, surrogateID)
	if err != nil {
		return fmt.Errorf("mark_bounce: %w", err)
	}
	return checkAffected(res, surrogateID)
}

func (s *MySQLStorage) ListTerminalUnreported(ctx context.Context, limit int, tenantID *string) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT surrogate_id, id, tenant_id, account_id, priority, batch_code,
		       deferred_ts, retry_count, max_retries, last_error, payload,
		       status, created_ts, sent_ts, error_ts, bounce_ts, reported_ts,
		       bounce_type, bounce_code, bounce_reason, defer_reason
		FROM messages
		WHERE reported_ts IS NULL
		  AND (sent_ts IS NOT NULL OR error_ts IS NOT NULL OR bounce_ts IS NOT NULL)
		  AND (? IS NULL OR tenant_id = ?)
		ORDER BY created_ts ASC
		LIMIT ?
	`, tenantID, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list_terminal_unreported: %w", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		m, err := scanMessageSQLite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *MySQLStorage) MarkReported(ctx context.Context, surrogateIDs []string, ts time.Time) error {
	if len(surrogateIDs) == 0 {
		return nil
	}
	placeholders := make([]string, len(surrogateIDs))
	args := make([]interface{}, 0, len(surrogateIDs)+1)
	args = append(args, ts)
	for i, id := range surrogateIDs {
		placeholders[i] = "?"
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`UPDATE messages SET reported_ts = ? WHERE surrogate_id IN (%s)`, strings.Join(placeholders, ",")), args...)
	if err != nil {
		return fmt.Errorf("mark_reported: %w", err)
	}
	return nil
}

func (s *MySQLStorage) DeleteReportedBefore(ctx context.Context, cutoff time.Time, tenantID *string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM messages WHERE reported_ts IS NOT NULL AND reported_ts < ? AND (? IS NULL OR tenant_id = ?)
	`, cutoff, tenantID, tenantID)
	if err != nil {
		return 0, fmt.Errorf("delete_reported_before: %w", err)
	}
	return res.RowsAffected()
}

func (s *MySQLStorage) DeleteSendLogBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM send_log WHERE ts < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete_send_log_before: %w", err)
	}
	return res.RowsAffected()
}

func (s *MySQLStorage) CountSendLogSince(ctx context.Context, accountID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM send_log WHERE account_id = ? AND ts > ?`, accountID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count_send_log_since: %w", err)
	}
	return n, nil
}

func (s *MySQLStorage) OldestSendLogSince(ctx context.Context, accountID string, since time.Time) (*time.Time, error) {
	var ts sql.NullTime
	err := s.db.QueryRowContext(ctx, `SELECT MIN(ts) FROM send_log WHERE account_id = ? AND ts > ?`, accountID, since).Scan(&ts)
	if err != nil {
		return nil, fmt.Errorf("oldest_send_log_since: %w", err)
	}
	if !ts.Valid {
		return nil, nil
	}
	return &ts.Time, nil
}

func (s *MySQLStorage) AppendSendLog(ctx context.Context, accountID string, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO send_log (account_id, ts) VALUES (?, ?)`, accountID, ts)
	if err != nil {
		return fmt.Errorf("append_send_log: %w", err)
	}
	return nil
}

func (s *MySQLStorage) ListMessages(ctx context.Context, tenantID *string, activeOnly bool) ([]*models.Message, error) {
	query := `
		SELECT surrogate_id, id, tenant_id, account_id, priority, batch_code,
		       deferred_ts, retry_count, max_retries, last_error, payload,
		       status, created_ts, sent_ts, error_ts, bounce_ts, reported_ts,
		       bounce_type, bounce_code, bounce_reason, defer_reason
		FROM messages WHERE (? IS NULL OR tenant_id = ?)
	`
	if activeOnly {
		query += ` AND sent_ts IS NULL AND error_ts IS NULL AND bounce_ts IS NULL`
	}
	query += ` ORDER BY created_ts DESC`

	rows, err := s.db.QueryContext(ctx, query, tenantID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list_messages: %w", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		m, err := scanMessageSQLite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *MySQLStorage) DeleteMessages(ctx context.Context, tenantID *string, ids []string) ([]string, []string, error) {
	var removed, notFound []string
	for _, id := range ids {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM messages WHERE id = ? AND (? IS NULL OR tenant_id = ?)
			  AND sent_ts IS NULL AND error_ts IS NULL AND bounce_ts IS NULL
		`, id, tenantID, tenantID)
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

func (s *MySQLStorage) UpsertAccount(ctx context.Context, a *models.Account) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, tenant_id, host, port, tls_mode, username, password_encrypted,
		                       limit_per_minute, limit_per_hour, limit_per_day, over_limit_policy,
		                       batch_size_hint, connection_ttl_hint)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			tenant_id=VALUES(tenant_id), host=VALUES(host), port=VALUES(port),
			tls_mode=VALUES(tls_mode), username=VALUES(username), password_encrypted=VALUES(password_encrypted),
			limit_per_minute=VALUES(limit_per_minute), limit_per_hour=VALUES(limit_per_hour),
			limit_per_day=VALUES(limit_per_day), over_limit_policy=VALUES(over_limit_policy),
			batch_size_hint=VALUES(batch_size_hint), connection_ttl_hint=VALUES(connection_ttl_hint)
	`, a.ID, a.TenantID, a.Host, a.Port, a.TLSMode, a.Username, a.PasswordEncrypted,
		a.Limits.PerMinute, a.Limits.PerHour, a.Limits.PerDay, a.OverLimitPolicy,
		a.BatchSizeHint, a.ConnectionTTLHint)
	if err != nil {
		return fmt.Errorf("upsert_account: %w", err)
	}
	return nil
}

func (s *MySQLStorage) ListAccounts(ctx context.Context, tenantID *string) ([]*models.Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, host, port, tls_mode, username, password_encrypted,
		       limit_per_minute, limit_per_hour, limit_per_day, over_limit_policy,
		       batch_size_hint, connection_ttl_hint
		FROM accounts WHERE (? IS NULL OR tenant_id = ?)
	`, tenantID, tenantID)
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

func (s *MySQLStorage) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, host, port, tls_mode, username, password_encrypted,
		       limit_per_minute, limit_per_hour, limit_per_day, over_limit_policy,
		       batch_size_hint, connection_ttl_hint
		FROM accounts WHERE id = ?
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

func (s *MySQLStorage) DeleteAccount(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete_account: %w", err)
	}
	return checkAffected(res, id)
}

func (s *MySQLStorage) UpsertTenant(ctx context.Context, t *models.Tenant) error {
	batches := strings.Join(suspendedBatchesSlice(t.Suspended), ",")
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenants (id, display_name, report_sink_base_url, report_sink_path,
		                      attachment_endpoint_base_url, attachment_endpoint_path,
		                      outbound_auth_kind, outbound_auth_token, outbound_auth_username, outbound_auth_password,
		                      active, suspended_all, suspended_batches, retention_override_seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			display_name=VALUES(display_name),
			report_sink_base_url=VALUES(report_sink_base_url), report_sink_path=VALUES(report_sink_path),
			attachment_endpoint_base_url=VALUES(attachment_endpoint_base_url),
			attachment_endpoint_path=VALUES(attachment_endpoint_path),
			outbound_auth_kind=VALUES(outbound_auth_kind), outbound_auth_token=VALUES(outbound_auth_token),
			outbound_auth_username=VALUES(outbound_auth_username), outbound_auth_password=VALUES(outbound_auth_password),
			active=VALUES(active), suspended_all=VALUES(suspended_all),
			suspended_batches=VALUES(suspended_batches), retention_override_seconds=VALUES(retention_override_seconds)
	`, t.ID, t.DisplayName, t.ReportSinkBaseURL, t.ReportSinkPath,
		t.AttachmentEndpointBaseURL, t.AttachmentEndpointPath,
		t.OutboundAuth.Kind, t.OutboundAuth.Token, t.OutboundAuth.Username, t.OutboundAuth.Password,
		t.Active, t.Suspended.All, batches, t.RetentionOverrideSeconds)
	if err != nil {
		return fmt.Errorf("upsert_tenant: %w", err)
	}
	return nil
}

func (s *MySQLStorage) ListTenants(ctx context.Context) ([]*models.Tenant, error) {
	rows, err := s.db.QueryContext(ctx, `
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
		t, err := scanTenantSQLite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *MySQLStorage) GetTenant(ctx context.Context, id string) (*models.Tenant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, display_name, report_sink_base_url, report_sink_path,
		       attachment_endpoint_base_url, attachment_endpoint_path,
		       outbound_auth_kind, outbound_auth_token, outbound_auth_username, outbound_auth_password,
		       active, suspended_all, suspended_batches, retention_override_seconds
		FROM tenants WHERE id = ?
	`, id)
	if err != nil {
		return nil, fmt.Errorf("get_tenant: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, fmt.Errorf("tenant not found: %s", id)
	}
	return scanTenantSQLite(rows)
}

func (s *MySQLStorage) DeleteTenant(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tenants WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete_tenant: %w", err)
	}
	return checkAffected(res, id)
}

func (s *MySQLStorage) SetSuspension(ctx context.Context, tenantID string, suspended models.SuspendedBatches) error {
	batches := strings.Join(suspendedBatchesSlice(suspended), ",")
	res, err := s.db.ExecContext(ctx, `UPDATE tenants SET suspended_all = ?, suspended_batches = ? WHERE id = ?`,
		suspended.All, batches, tenantID)
	if err != nil {
		return fmt.Errorf("set_suspension: %w", err)
	}
	return checkAffected(res, tenantID)
}

func (s *MySQLStorage) QueueStats(ctx context.Context, tenantID *string) (*application.QueueStats, error) {
	stats := &application.QueueStats{ByPriority: make(map[models.Priority]int)}

	rows, err := s.db.QueryContext(ctx, `
		SELECT priority, status, COUNT(*) FROM messages
		WHERE (? IS NULL OR tenant_id = ?)
		GROUP BY priority, status
	`, tenantID, tenantID)
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
	err = s.db.QueryRowContext(ctx, `
		SELECT MIN(created_ts) FROM messages
		WHERE sent_ts IS NULL AND error_ts IS NULL AND bounce_ts IS NULL AND (? IS NULL OR tenant_id = ?)
	`, tenantID, tenantID).Scan(&oldest)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("queue_stats: oldest pending: %w", err)
	}
	if oldest.Valid {
		stats.OldestPending = &oldest.Time
	}

	return stats, nil
}
