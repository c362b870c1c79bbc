package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"timestack/internal/infra/persistence/kv"
	"timestack/internal/infra/persistence/kv/kvtest"
	"timestack/pkg/domain"
)

func TestEngineSuite(t *testing.T) {
	if _, err := Open(context.Background(), filepath.Join(t.TempDir(), "check.db")); err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	kvtest.Run(t, func(t *testing.T) (domain.Engine, string) {
		return NewEngine(), filepath.Join(t.TempDir(), "registry.db")
	})
}

func TestPersistAcrossEngines(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "registry.db")
	loc := domain.Location{RegistryPath: path, StorePath: "main"}

	first := NewEngine()
	if err := first.SaveSchema(ctx, loc, domain.RecordSchema{Name: "cpu_SNAPSHOT", Properties: domain.Properties{"v": domain.TypeInt}}, false); err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second := NewEngine()
	t.Cleanup(func() { _ = second.Close() })
	names, err := second.SchemaNames(ctx, loc)
	if err != nil {
		t.Fatalf("schema names: %v", err)
	}
	if len(names) != 1 || names[0] != "cpu_SNAPSHOT" {
		t.Fatalf("expected persisted schema, got %v", names)
	}
}

func TestRecordsTableCreated(t *testing.T) {
	b, err := Open(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	var name string
	if err := b.DB().QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", "records").Scan(&name); err != nil {
		t.Fatalf("lookup records table: %v", err)
	}
	if name != "records" {
		t.Fatalf("expected records table, got %s", name)
	}
}

func TestScanMatchesPrefixOnly(t *testing.T) {
	ctx := context.Background()
	b, err := Open(ctx, filepath.Join(t.TempDir(), "scan.db"))
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	err = b.Update(ctx, func(w kv.Writer) error {
		for _, k := range []string{"a\x1fb", "a\x1fa", "ab", "b"} {
			if err := w.Put(k, []byte(k)); err != nil {
				return err
			}
		}
		return w.Put("a\x1fa", []byte("replaced"))
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	err = b.View(ctx, func(r kv.Reader) error {
		entries, err := r.Scan("a\x1f")
		if err != nil {
			return err
		}
		if len(entries) != 2 || entries[0].Key != "a\x1fa" || string(entries[0].Value) != "replaced" {
			t.Fatalf("unexpected entries %+v", entries)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}
