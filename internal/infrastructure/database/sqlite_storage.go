// SPDX-License-Identifier: AGPL-3.0-or-later
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/relaycore/smtprelay/internal/application"
	"github.com/relaycore/smtprelay/internal/domain/models"
)

// SQLiteStorage is the embedded, single-file StorageAdapter variant (spec
// §4.1's "two natural implementations"). SQLite has no FOR UPDATE SKIP
// LOCKED, so ClaimReady and every other write go through a single mutex,
// serializing access the way the teacher's database.go registers drivers
// with blank imports and opens one *sql.DB per backend; the registration
// idiom is grounded on Onyx-Go-framework's database.go (driver string
// switch over lib/pq / go-sqlite3 / go-sql-driver/mysql).
type SQLiteStorage struct {
	db *sql.DB
	mu sync.Mutex
}

func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStorage{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStorage) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS tenants (
			id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			report_sink_base_url TEXT NOT NULL DEFAULT '',
			report_sink_path TEXT NOT NULL DEFAULT '',
			attachment_endpoint_base_url TEXT NOT NULL DEFAULT '',
			attachment_endpoint_path TEXT NOT NULL DEFAULT '',
			outbound_auth_kind TEXT NOT NULL DEFAULT 'none',
			outbound_auth_token TEXT NOT NULL DEFAULT '',
			outbound_auth_username TEXT NOT NULL DEFAULT '',
			outbound_auth_password TEXT NOT NULL DEFAULT '',
			active INTEGER NOT NULL DEFAULT 1,
			suspended_all INTEGER NOT NULL DEFAULT 0,
			suspended_batches TEXT NOT NULL DEFAULT '',
			retention_override_seconds INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			tenant_id TEXT,
			host TEXT NOT NULL,
			port INTEGER NOT NULL,
			tls_mode TEXT NOT NULL DEFAULT 'starttls',
			username TEXT NOT NULL,
			password_encrypted BLOB,
			limit_per_minute INTEGER NOT NULL DEFAULT 0,
			limit_per_hour INTEGER NOT NULL DEFAULT 0,
			limit_per_day INTEGER NOT NULL DEFAULT 0,
			over_limit_policy TEXT NOT NULL DEFAULT 'defer',
			batch_size_hint INTEGER NOT NULL DEFAULT 0,
			connection_ttl_hint INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS messages (
			surrogate_id TEXT PRIMARY KEY,
			id TEXT NOT NULL,
			tenant_id TEXT,
			account_id TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 2,
			batch_code TEXT NOT NULL DEFAULT '',
			deferred_ts DATETIME NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 5,
			last_error TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			created_ts DATETIME NOT NULL,
			sent_ts DATETIME,
			error_ts DATETIME,
			bounce_ts DATETIME,
			reported_ts DATETIME,
			bounce_type TEXT NOT NULL DEFAULT '',
			bounce_code TEXT NOT NULL DEFAULT '',
			bounce_reason TEXT NOT NULL DEFAULT '',
			defer_reason TEXT NOT NULL DEFAULT '',
			UNIQUE (tenant_id, id)
		);
		CREATE INDEX IF NOT EXISTS idx_messages_claim ON messages (priority, deferred_ts, created_ts);
		CREATE TABLE IF NOT EXISTS send_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id TEXT NOT NULL,
			ts DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_send_log_account_ts ON send_log (account_id, ts);
	`)
	if err != nil {
		return fmt.Errorf("sqlite migrate: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) InsertMessages(ctx context.Context, tenantID *string, defaultPriority models.Priority, inputs []models.MessageInput) ([]string, []models.RejectedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var accepted []string
	var rejected []models.RejectedMessage

	for _, in := range inputs {
		if in.ID == "" {
			rejected = append(rejected, models.RejectedMessage{ID: in.ID, Reason: "missing id"})
			continue
		}

		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE IFNULL(tenant_id,'') = IFNULL(?, '') AND id = ?`, tenantID, in.ID).Scan(&exists)
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
		_, err = s.db.ExecContext(ctx, `
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

func (s *SQLiteStorage) ClaimReady(ctx context.Context, now time.Time, accountQuota map[string]int, limit int) ([]*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

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
	args := make([]interface{}, 0, len(accountIDs)+3)
	args = append(args, now)
	for i, id := range accountIDs {
		placeholders[i] = "?"
		args = append(args, id)
	}
	args = append(args, limit)

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
	`, strings.Join(placeholders, ","))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("claim_ready: %w", err)
	}
	defer rows.Close()

	claimed := make(map[string]int)
	var out []*models.Message
	var ids []string
	for rows.Next() {
		m, err := scanMessageSQLite(rows)
		if err != nil {
			return nil, fmt.Errorf("claim_ready: scan: %w", err)
		}
		if claimed[m.AccountID] >= accountQuota[m.AccountID] {
			continue
		}
		claimed[m.AccountID]++
		out = append(out, m)
		ids = append(ids, m.SurrogateID.String())
	}
	_ = ids
	return out, nil
}

func scanMessageSQLite(rows *sql.Rows) (*models.Message, error) {
	var m models.Message
	var surrogateID string
	var tenantID sql.NullString
	var payloadJSON []byte
	var sentTS, errorTS, bounceTS, reportedTS sql.NullTime

	if err := rows.Scan(
		&surrogateID, &m.ID, &tenantID, &m.AccountID, &m.Priority, &m.BatchCode,
		&m.DeferredTS, &m.RetryCount, &m.MaxRetries, &m.LastError, &payloadJSON,
		&m.Status, &m.CreatedTS, &sentTS, &errorTS, &bounceTS, &reportedTS,
		&m.BounceType, &m.BounceCode, &m.BounceReason, &m.DeferReason,
	); err != nil {
		return nil, err
	}

	if sid, err := uuid.Parse(surrogateID); err == nil {
		m.SurrogateID = sid
	}
	if tenantID.Valid {
		if tid, err := uuid.Parse(tenantID.String); err == nil {
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

func (s *SQLiteStorage) MarkSent(ctx context.Context, surrogateID string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET status = 'sent', sent_ts = ? WHERE surrogate_id = ?`, ts, surrogateID)
	if err != nil {
		return fmt.Errorf("mark_sent: %w", err)
	}
	return checkAffected(res, surrogateID)
}

func (s *SQLiteStorage) MarkError(ctx context.Context, surrogateID string, ts time.Time, errText string, nextDeferredTS *time.Time, newRetryCount int, deferReason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

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

func (s *SQLiteStorage) MarkBounce(ctx context.Context, surrogateID string, ts time.Time, bounceType, bounceCode, bounceReason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = 'bounced', bounce_ts = ?, bounce_type = ?, bounce_code = ?, bounce_reason = ?
		WHERE surrogate_id = ?
	`, ts, bounceType, bounceCode, bounceReason, surrogateID)
	if err != nil {
		return fmt.Errorf("mark_bounce: %w", err)
	}
	return checkAffected(res, surrogateID)
}

func (s *SQLiteStorage) ListTerminalUnreported(ctx context.Context, limit int, tenantID *string) ([]*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
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

func (s *SQLiteStorage) MarkReported(ctx context.Context, surrogateIDs []string, ts time.Time) error {
	if len(surrogateIDs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

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

func (s *SQLiteStorage) DeleteReportedBefore(ctx context.Context, cutoff time.Time, tenantID *string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM messages WHERE reported_ts IS NOT NULL AND reported_ts < ? AND (? IS NULL OR tenant_id = ?)
	`, cutoff, tenantID, tenantID)
	if err != nil {
		return 0, fmt.Errorf("delete_reported_before: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStorage) DeleteSendLogBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM send_log WHERE ts < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete_send_log_before: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStorage) CountSendLogSince(ctx context.Context, accountID string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM send_log WHERE account_id = ? AND ts > ?`, accountID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count_send_log_since: %w", err)
	}
	return n, nil
}

func (s *SQLiteStorage) OldestSendLogSince(ctx context.Context, accountID string, since time.Time) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
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

func (s *SQLiteStorage) AppendSendLog(ctx context.Context, accountID string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `INSERT INTO send_log (account_id, ts) VALUES (?, ?)`, accountID, ts)
	if err != nil {
		return fmt.Errorf("append_send_log: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) ListMessages(ctx context.Context, tenantID *string, activeOnly bool) ([]*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

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

func (s *SQLiteStorage) DeleteMessages(ctx context.Context, tenantID *string, ids []string) ([]string, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

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

func (s *SQLiteStorage) UpsertAccount(ctx context.Context, a *models.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, tenant_id, host, port, tls_mode, username, password_encrypted,
		                       limit_per_minute, limit_per_hour, limit_per_day, over_limit_policy,
		                       batch_size_hint, connection_ttl_hint)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tenant_id=excluded.tenant_id, host=excluded.host, port=excluded.port,
			tls_mode=excluded.tls_mode, username=excluded.username, password_encrypted=excluded.password_encrypted,
			limit_per_minute=excluded.limit_per_minute, limit_per_hour=excluded.limit_per_hour,
			limit_per_day=excluded.limit_per_day, over_limit_policy=excluded.over_limit_policy,
			batch_size_hint=excluded.batch_size_hint, connection_ttl_hint=excluded.connection_ttl_hint
	`, a.ID, a.TenantID, a.Host, a.Port, a.TLSMode, a.Username, a.PasswordEncrypted,
		a.Limits.PerMinute, a.Limits.PerHour, a.Limits.PerDay, a.OverLimitPolicy,
		a.BatchSizeHint, a.ConnectionTTLHint)
	if err != nil {
		return fmt.Errorf("upsert_account: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) ListAccounts(ctx context.Context, tenantID *string) ([]*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
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

func (s *SQLiteStorage) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
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

func (s *SQLiteStorage) DeleteAccount(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete_account: %w", err)
	}
	return checkAffected(res, id)
}

func (s *SQLiteStorage) UpsertTenant(ctx context.Context, t *models.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	batches := strings.Join(suspendedBatchesSlice(t.Suspended), ",")
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenants (id, display_name, report_sink_base_url, report_sink_path,
		                      attachment_endpoint_base_url, attachment_endpoint_path,
		                      outbound_auth_kind, outbound_auth_token, outbound_auth_username, outbound_auth_password,
		                      active, suspended_all, suspended_batches, retention_override_seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name=excluded.display_name,
			report_sink_base_url=excluded.report_sink_base_url, report_sink_path=excluded.report_sink_path,
			attachment_endpoint_base_url=excluded.attachment_endpoint_base_url,
			attachment_endpoint_path=excluded.attachment_endpoint_path,
			outbound_auth_kind=excluded.outbound_auth_kind, outbound_auth_token=excluded.outbound_auth_token,
			outbound_auth_username=excluded.outbound_auth_username, outbound_auth_password=excluded.outbound_auth_password,
			active=excluded.active, suspended_all=excluded.suspended_all,
			suspended_batches=excluded.suspended_batches, retention_override_seconds=excluded.retention_override_seconds
	`, t.ID, t.DisplayName, t.ReportSinkBaseURL, t.ReportSinkPath,
		t.AttachmentEndpointBaseURL, t.AttachmentEndpointPath,
		t.OutboundAuth.Kind, t.OutboundAuth.Token, t.OutboundAuth.Username, t.OutboundAuth.Password,
		t.Active, t.Suspended.All, batches, t.RetentionOverrideSeconds)
	if err != nil {
		return fmt.Errorf("upsert_tenant: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) ListTenants(ctx context.Context) ([]*models.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
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

func scanTenantSQLite(rows *sql.Rows) (*models.Tenant, error) {
	var t models.Tenant
	var batches string
	if err := rows.Scan(&t.ID, &t.DisplayName, &t.ReportSinkBaseURL, &t.ReportSinkPath,
		&t.AttachmentEndpointBaseURL, &t.AttachmentEndpointPath,
		&t.OutboundAuth.Kind, &t.OutboundAuth.Token, &t.OutboundAuth.Username, &t.OutboundAuth.Password,
		&t.Active, &t.Suspended.All, &batches, &t.RetentionOverrideSeconds); err != nil {
		return nil, fmt.Errorf("scan tenant: %w", err)
	}
	t.Suspended.Batches = make(map[string]struct{})
	for _, b := range strings.Split(batches, ",") {
		if b != "" {
			t.Suspended.Batches[b] = struct{}{}
		}
	}
	return &t, nil
}

func (s *SQLiteStorage) GetTenant(ctx context.Context, id string) (*models.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
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

func (s *SQLiteStorage) DeleteTenant(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM tenants WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete_tenant: %w", err)
	}
	return checkAffected(res, id)
}

func (s *SQLiteStorage) SetSuspension(ctx context.Context, tenantID string, suspended models.SuspendedBatches) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	batches := strings.Join(suspendedBatchesSlice(suspended), ",")
	res, err := s.db.ExecContext(ctx, `UPDATE tenants SET suspended_all = ?, suspended_batches = ? WHERE id = ?`,
		suspended.All, batches, tenantID)
	if err != nil {
		return fmt.Errorf("set_suspension: %w", err)
	}
	return checkAffected(res, tenantID)
}

func (s *SQLiteStorage) QueueStats(ctx context.Context, tenantID *string) (*application.QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

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
