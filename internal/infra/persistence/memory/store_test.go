package memory

import (
	"context"
	"errors"
	"testing"

	"timestack/internal/infra/persistence/kv"
	"timestack/internal/infra/persistence/kv/kvtest"
	"timestack/pkg/domain"
)

func TestEngineSuite(t *testing.T) {
	kvtest.Run(t, func(t *testing.T) (domain.Engine, string) {
		return NewEngine(), "mem"
	})
}

func TestBackendUpdateIsCopyOnWrite(t *testing.T) {
	ctx := context.Background()
	b := NewBackend()
	if err := b.Update(ctx, func(w kv.Writer) error { return w.Put("a", []byte("1")) }); err != nil {
		t.Fatalf("put: %v", err)
	}
	err := b.Update(ctx, func(w kv.Writer) error {
		if err := w.Delete("a"); err != nil {
			return err
		}
		return errors.New("abort")
	})
	if err == nil {
		t.Fatalf("expected abort error")
	}
	_ = b.View(ctx, func(r kv.Reader) error {
		v, ok, _ := r.Get("a")
		if !ok || string(v) != "1" {
			t.Fatalf("aborted update leaked: ok=%v v=%q", ok, v)
		}
		return nil
	})
}

func TestBackendScanOrdersByKey(t *testing.T) {
	ctx := context.Background()
	b := NewBackend()
	_ = b.Update(ctx, func(w kv.Writer) error {
		for _, k := range []string{"p/c", "p/a", "q/x", "p/b"} {
			_ = w.Put(k, []byte(k))
		}
		return nil
	})
	_ = b.View(ctx, func(r kv.Reader) error {
		entries, err := r.Scan("p/")
		if err != nil {
			t.Fatalf("scan: %v", err)
		}
		if len(entries) != 3 || entries[0].Key != "p/a" || entries[2].Key != "p/c" {
			t.Fatalf("unexpected entries %+v", entries)
		}
		return nil
	})
}

func TestBackendClosed(t *testing.T) {
	b := NewBackend()
	_ = b.Close()
	err := b.View(context.Background(), func(kv.Reader) error { return nil })
	if !errors.Is(err, domain.ErrStoreClosed) {
		t.Fatalf("expected ErrStoreClosed, got %v", err)
	}
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := NewBackend().Update(ctx, func(kv.Writer) error { return nil }); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
