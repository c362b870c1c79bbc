// Package blobtest holds the behaviour every blob driver must share.
package blobtest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"timestack/internal/blob/core"
)

// Factory returns a fresh, empty store.
type Factory func(t *testing.T) core.Store

// Run exercises the core.Store contract against stores built by factory.
func Run(t *testing.T, factory Factory) {
	t.Helper()
	t.Run("PutGetHead", func(t *testing.T) { putGetHead(t, factory(t)) })
	t.Run("PutIsCreateOnly", func(t *testing.T) { createOnly(t, factory(t)) })
	t.Run("Missing", func(t *testing.T) { missing(t, factory(t)) })
	t.Run("ListByPrefix", func(t *testing.T) { listByPrefix(t, factory(t)) })
	t.Run("Delete", func(t *testing.T) { deleteObject(t, factory(t)) })
	t.Run("InvalidKeys", func(t *testing.T) { invalidKeys(t, factory(t)) })
}

func put(t *testing.T, st core.Store, key, body string) core.Info {
	t.Helper()
	info, err := st.Put(context.Background(), key, strings.NewReader(body), core.PutOptions{ContentType: "application/json"})
	if err != nil {
		t.Fatalf("put %s: %v", key, err)
	}
	return info
}

func putGetHead(t *testing.T, st core.Store) {
	ctx := context.Background()
	body := `{"stack":"cpu"}`
	info, err := st.Put(ctx, "stacks/cpu/a.json", bytes.NewReader([]byte(body)), core.PutOptions{
		ContentType: "application/json",
		Metadata:    map[string]string{"stack": "cpu"},
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Key != "stacks/cpu/a.json" || info.Size != int64(len(body)) {
		t.Fatalf("unexpected put info %+v", info)
	}
	got, rc, err := st.Get(ctx, "stacks/cpu/a.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	data, err := io.ReadAll(rc)
	_ = rc.Close()
	if err != nil || string(data) != body {
		t.Fatalf("get body %q err %v", data, err)
	}
	if got.ContentType != "application/json" || got.Metadata["stack"] != "cpu" {
		t.Fatalf("metadata lost: %+v", got)
	}
	head, err := st.Head(ctx, "stacks/cpu/a.json")
	if err != nil || head.Size != int64(len(body)) {
		t.Fatalf("head: %+v %v", head, err)
	}
}

func createOnly(t *testing.T, st core.Store) {
	put(t, st, "k.json", "first")
	_, err := st.Put(context.Background(), "k.json", strings.NewReader("second"), core.PutOptions{})
	if !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	_, rc, err := st.Get(context.Background(), "k.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer rc.Close()
	if data, _ := io.ReadAll(rc); string(data) != "first" {
		t.Fatalf("existing object overwritten: %q", data)
	}
}

func missing(t *testing.T, st core.Store) {
	ctx := context.Background()
	if _, _, err := st.Get(ctx, "nope.json"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("get: expected ErrNotFound, got %v", err)
	}
	if _, err := st.Head(ctx, "nope.json"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("head: expected ErrNotFound, got %v", err)
	}
	infos, err := st.List(ctx, "")
	if err != nil || len(infos) != 0 {
		t.Fatalf("empty list: %v %v", infos, err)
	}
}

func listByPrefix(t *testing.T, st core.Store) {
	for _, key := range []string{"stacks/mem/1.json", "stacks/cpu/2.json", "stacks/cpu/1.json", "stacks/cpu2/1.json", "other.json"} {
		put(t, st, key, key)
	}
	infos, err := st.List(context.Background(), "stacks/cpu/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(infos) != 2 || infos[0].Key != "stacks/cpu/1.json" || infos[1].Key != "stacks/cpu/2.json" {
		t.Fatalf("unexpected listing %+v", infos)
	}
	all, err := st.List(context.Background(), "")
	if err != nil || len(all) != 5 {
		t.Fatalf("full listing: %d %v", len(all), err)
	}
	for i := 1; i < len(all); i++ {
		if all[i-1].Key >= all[i].Key {
			t.Fatalf("listing not ordered: %s >= %s", all[i-1].Key, all[i].Key)
		}
	}
}

func deleteObject(t *testing.T, st core.Store) {
	ctx := context.Background()
	put(t, st, "gone.json", "x")
	ok, err := st.Delete(ctx, "gone.json")
	if err != nil || !ok {
		t.Fatalf("delete existing: %v %v", ok, err)
	}
	ok, err = st.Delete(ctx, "gone.json")
	if err != nil || ok {
		t.Fatalf("delete missing: %v %v", ok, err)
	}
	if _, err := st.Head(ctx, "gone.json"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("deleted object still visible: %v", err)
	}
	// A deleted key can be written again.
	put(t, st, "gone.json", "y")
}

func invalidKeys(t *testing.T, st core.Store) {
	for _, key := range []string{"", "/abs.json", "a/../b.json", "../up.json"} {
		_, err := st.Put(context.Background(), key, strings.NewReader("x"), core.PutOptions{})
		if !errors.Is(err, core.ErrInvalidKey) {
			t.Fatalf("key %q: expected ErrInvalidKey, got %v", key, err)
		}
	}
}
