package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

const sqlTxKey contextKey = "sql_tx"

// SQLQuerier is the subset of *sql.DB and *sql.Tx the SQLite repositories use.
type SQLQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// OpenSQLite opens the unpooled embedded store used when no database URL is
// configured. The handle is limited to a single connection.
func OpenSQLite(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	sqlDB, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return sqlDB, nil
}

type sqlTxState struct {
	tx    *sql.Tx
	depth int
}

// SQLFromContext returns the transaction in ctx, or fallback when there is none.
func SQLFromContext(ctx context.Context, fallback *sql.DB) SQLQuerier {
	if st, ok := ctx.Value(sqlTxKey).(*sqlTxState); ok && st != nil {
		return st.tx
	}
	return fallback
}

// SQLTxRunner is the database/sql counterpart of TxRunner. Nested calls use
// SAVEPOINT / ROLLBACK TO.
type SQLTxRunner struct {
	db *sql.DB
}

func NewSQLTxRunner(sqlDB *sql.DB) *SQLTxRunner {
	return &SQLTxRunner{db: sqlDB}
}

func (r *SQLTxRunner) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if st, ok := ctx.Value(sqlTxKey).(*sqlTxState); ok && st != nil {
		return r.savepoint(ctx, st, fn)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(context.WithValue(ctx, sqlTxKey, &sqlTxState{tx: tx})); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (r *SQLTxRunner) savepoint(ctx context.Context, st *sqlTxState, fn func(ctx context.Context) error) error {
	name := fmt.Sprintf("sp_%d", st.depth+1)
	if _, err := st.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("savepoint %s: %w", name, err)
	}

	inner := &sqlTxState{tx: st.tx, depth: st.depth + 1}
	if err := fn(context.WithValue(ctx, sqlTxKey, inner)); err != nil {
		if _, rbErr := st.tx.ExecContext(ctx, "ROLLBACK TO "+name); rbErr != nil {
			return fmt.Errorf("rollback to %s: %v (after %w)", name, rbErr, err)
		}
		_, _ = st.tx.ExecContext(ctx, "RELEASE "+name)
		return err
	}
	if _, err := st.tx.ExecContext(ctx, "RELEASE "+name); err != nil {
		return fmt.Errorf("release %s: %w", name, err)
	}
	return nil
}
