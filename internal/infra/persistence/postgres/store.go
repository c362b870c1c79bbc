// Package postgres provides a Postgres-backed engine. All registry paths share
// one database; rows are partitioned by a registry column.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"timestack/internal/infra/persistence/kv"
	"timestack/pkg/domain"
)

var (
	_ domain.Engine = (*Engine)(nil)
	_ kv.Backend    = (*Backend)(nil)
)

const (
	defaultDriver = "pgx"
	// DefaultDSN keeps parity with the storage defaults while allowing overrides via env.
	DefaultDSN = "postgres://localhost/timestack?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Engine is a kv.Engine that also owns the shared connection pool.
type Engine struct {
	*kv.Engine
	db *sql.DB
}

// NewEngine opens the database from dsn (falls back to DefaultDSN) and
// ensures the records table exists.
func NewEngine(ctx context.Context, dsn string) (*Engine, error) {
	if dsn == "" {
		dsn = DefaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := ensureRecordsTable(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	eng := kv.NewEngine(func(_ context.Context, registryPath string) (kv.Backend, error) {
		return &Backend{db: db, registry: registryPath}, nil
	})
	return &Engine{Engine: eng, db: db}, nil
}

// Close releases the backends and the connection pool.
func (e *Engine) Close() error {
	return errors.Join(e.Engine.Close(), e.db.Close())
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (e *Engine) DB() *sql.DB { return e.db }

func ensureRecordsTable(ctx context.Context, db *sql.DB) error {
	ddl := `CREATE TABLE IF NOT EXISTS timestack_records (
		registry TEXT NOT NULL,
		k TEXT NOT NULL,
		v BYTEA NOT NULL,
		PRIMARY KEY (registry, k)
	)`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure records table: %w", err)
	}
	return nil
}

// Backend scopes the shared table to one registry path. Closing it leaves the
// pool open; Engine.Close owns that.
type Backend struct {
	db       *sql.DB
	registry string
}

// View runs fn inside a transaction that is always rolled back.
func (b *Backend) View(ctx context.Context, fn func(kv.Reader) error) error {
	tx, err := b.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	return fn(&pgTx{ctx: ctx, tx: tx, registry: b.registry})
}

// Update runs fn inside a transaction committed when fn succeeds. Rows read
// through the writer are locked until commit, so concurrent read-modify-write
// cycles on one row serialize instead of losing updates.
func (b *Backend) Update(ctx context.Context, fn func(kv.Writer) error) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(&pgTx{ctx: ctx, tx: tx, registry: b.registry, forUpdate: true}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

// Close is a no-op.
func (b *Backend) Close() error { return nil }

type pgTx struct {
	ctx       context.Context
	tx        *sql.Tx
	registry  string
	forUpdate bool
}

const (
	selectRecord          = `SELECT v FROM timestack_records WHERE registry = $1 AND k = $2`
	selectRecordForUpdate = selectRecord + ` FOR UPDATE`
)

func (t *pgTx) Get(key string) ([]byte, bool, error) {
	query := selectRecord
	if t.forUpdate {
		query = selectRecordForUpdate
	}
	var v []byte
	err := t.tx.QueryRowContext(t.ctx, query, t.registry, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("select record: %w", err)
	}
	return v, true, nil
}

func (t *pgTx) Scan(prefix string) ([]kv.Entry, error) {
	rows, err := t.tx.QueryContext(t.ctx, `SELECT k, v FROM timestack_records WHERE registry = $1 AND left(k, length($2)) = $2 ORDER BY k`, t.registry, prefix)
	if err != nil {
		return nil, fmt.Errorf("select records: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []kv.Entry
	for rows.Next() {
		var e kv.Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

func (t *pgTx) Put(key string, value []byte) error {
	if _, err := t.tx.ExecContext(t.ctx, `INSERT INTO timestack_records(registry, k, v) VALUES($1, $2, $3) ON CONFLICT(registry, k) DO UPDATE SET v = EXCLUDED.v`, t.registry, key, value); err != nil {
		return fmt.Errorf("upsert record: %w", err)
	}
	return nil
}

func (t *pgTx) Delete(key string) error {
	if _, err := t.tx.ExecContext(t.ctx, `DELETE FROM timestack_records WHERE registry = $1 AND k = $2`, t.registry, key); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
