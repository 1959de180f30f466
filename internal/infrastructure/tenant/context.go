// SPDX-License-Identifier: AGPL-3.0-or-later
package tenant

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/relaycore/smtprelay/internal/infrastructure/dbctx"
)

// WithTenantContext executes fn within a transaction configured for RLS
// tenant isolation. It:
// 1. Begins a new transaction
// 2. Sets the app.tenant_id session variable the migrations' RLS policies
//    key off of
// 3. Stores the transaction in the context for use by PostgresStorage
// 4. Commits on success, rolls back on error or panic
//
// This is defense-in-depth on top of the explicit tenant_id filtering every
// storage query already does; it scopes single-tenant operations
// (ListMessages, DeleteMessages, SetSuspension, GetTenant, InsertMessages)
// so that even a query that forgot its WHERE clause could not cross a
// tenant boundary. Operations that are inherently cross-tenant (ClaimReady,
// ListTenants, ListAccounts/QueueStats with a nil tenantID) have no single
// tenant to scope to and run outside this wrapper.
func WithTenantContext(ctx context.Context, db *sql.DB, tenantID string, fn func(ctx context.Context) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		} else if err != nil {
			_ = tx.Rollback()
		}
	}()

	// LOCAL scope: cleared automatically at transaction end.
	_, err = tx.ExecContext(ctx, "SELECT set_config('app.tenant_id', $1, true)", tenantID)
	if err != nil {
		return fmt.Errorf("failed to set tenant context: %w", err)
	}

	txCtx := dbctx.WithTx(ctx, tx)

	if err = fn(txCtx); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// WithTenantContextFromProvider is like WithTenantContext but obtains the
// tenant ID from a Provider, for callers that resolve it indirectly.
func WithTenantContextFromProvider(ctx context.Context, db *sql.DB, provider Provider, fn func(ctx context.Context) error) error {
	tenantID, err := provider.CurrentTenant(ctx)
	if err != nil {
		return fmt.Errorf("failed to get tenant ID: %w", err)
	}
	return WithTenantContext(ctx, db, tenantID, fn)
}
