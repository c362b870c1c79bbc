// Package badger provides a BadgerDB-backed engine. Each registry path is a
// database directory; in-memory mode keeps one volatile database per path.
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"timestack/internal/infra/persistence/kv"
	"timestack/pkg/domain"
)

var (
	_ domain.Engine = (*kv.Engine)(nil)
	_ kv.Backend    = (*Backend)(nil)
)

// Config holds configuration shared by every database the engine opens.
type Config struct {
	// InMemory disables disk persistence. Useful for testing.
	InMemory bool
	// SyncWrites fsyncs every commit.
	SyncWrites bool
	// Logger receives BadgerDB's internal logging. Nil disables it.
	Logger *slog.Logger
	// GCInterval is how often value log garbage collection runs. Zero
	// disables it.
	GCInterval time.Duration
	// GCDiscardRatio is the minimum ratio of discardable data before GC.
	GCDiscardRatio float64
}

// DefaultConfig returns durable production defaults.
func DefaultConfig() Config {
	return Config{
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration suited to tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// NewEngine returns an engine opening one database per registry path.
func NewEngine(cfg Config) *kv.Engine {
	return kv.NewEngine(func(_ context.Context, registryPath string) (kv.Backend, error) {
		return Open(cfg, registryPath)
	})
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Backend wraps one BadgerDB instance and its GC loop.
type Backend struct {
	db     *badger.DB
	path   string
	stopGC chan struct{}
	gcDone chan struct{}
}

// Open opens the database for a registry path.
func Open(cfg Config, path string) (*Backend, error) {
	if !cfg.InMemory && path == "" {
		return nil, errors.New("path is required for persistent database")
	}
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(path, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", path, err)
		}
		opts = badger.DefaultOptions(path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	b := &Backend{db: db, path: path}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		b.stopGC = make(chan struct{})
		b.gcDone = make(chan struct{})
		go b.runGC(cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger)
	}
	return b, nil
}

func (b *Backend) runGC(interval time.Duration, ratio float64, logger *slog.Logger) {
	defer close(b.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopGC:
			return
		case <-ticker.C:
			// ErrNoRewrite means nothing needed collecting.
			if err := b.db.RunValueLogGC(ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) && logger != nil {
				logger.Warn("badger value log GC error", slog.String("path", b.path), slog.String("error", err.Error()))
			}
		}
	}
}

// View runs fn in a read-only transaction.
func (b *Backend) View(ctx context.Context, fn func(kv.Reader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.View(func(txn *badger.Txn) error {
		return fn(badgerTxn{txn: txn})
	})
}

// maxConflictRetries bounds how often Update reruns fn after a concurrent
// transaction committed over the keys it read.
const maxConflictRetries = 64

// Update runs fn in a read-write transaction committed when fn succeeds.
// A commit that loses to a concurrent writer is retried with fn run again
// against fresh reads.
func (b *Backend) Update(ctx context.Context, fn func(kv.Writer) error) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := b.db.Update(func(txn *badger.Txn) error {
			return fn(badgerTxn{txn: txn})
		})
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		if attempt == maxConflictRetries {
			return fmt.Errorf("commit after %d attempts: %w", attempt+1, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 100 * time.Microsecond):
		}
	}
}

// Close stops garbage collection and closes the database.
func (b *Backend) Close() error {
	if b.stopGC != nil {
		close(b.stopGC)
		<-b.gcDone
		b.stopGC = nil
	}
	return b.db.Close()
}

type badgerTxn struct {
	txn *badger.Txn
}

func (t badgerTxn) Get(key string) ([]byte, bool, error) {
	item, err := t.txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get: %w", err)
	}
	v, err := item.ValueCopy(nil)
	if err != nil {
		return nil, false, fmt.Errorf("read value: %w", err)
	}
	return v, true, nil
}

func (t badgerTxn) Scan(prefix string) ([]kv.Entry, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	it := t.txn.NewIterator(opts)
	defer it.Close()
	var out []kv.Entry
	for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
		item := it.Item()
		v, err := item.ValueCopy(nil)
		if err != nil {
			return nil, fmt.Errorf("read value: %w", err)
		}
		out = append(out, kv.Entry{Key: string(item.KeyCopy(nil)), Value: v})
	}
	return out, nil
}

func (t badgerTxn) Put(key string, value []byte) error {
	if err := t.txn.Set([]byte(key), append([]byte(nil), value...)); err != nil {
		return fmt.Errorf("set: %w", err)
	}
	return nil
}

func (t badgerTxn) Delete(key string) error {
	if err := t.txn.Delete([]byte(key)); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}
