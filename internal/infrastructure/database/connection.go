// SPDX-License-Identifier: AGPL-3.0-or-later
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/relaycore/smtprelay/internal/application"
	"github.com/relaycore/smtprelay/pkg/config"
)

// Open selects and opens the StorageAdapter named by cfg.Backend. Postgres
// and MySQL dial a networked connection and ping it before returning; the
// embedded sqlite adapter opens (and migrates) a local file instead.
func Open(ctx context.Context, cfg config.DatabaseConfig) (application.StorageAdapter, error) {
	switch cfg.Backend {
	case "postgres":
		db, err := openPing(ctx, "postgres", cfg.DSN)
		if err != nil {
			return nil, err
		}
		return NewPostgresStorage(db), nil
	case "mysql":
		storage, err := NewMySQLStorage(cfg.DSN)
		if err != nil {
			return nil, err
		}
		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := storage.db.PingContext(pingCtx); err != nil {
			return nil, fmt.Errorf("ping mysql: %w", err)
		}
		return storage, nil
	case "sqlite":
		return NewSQLiteStorage(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database backend %q", cfg.Backend)
	}
}

func openPing(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	return db, nil
}
