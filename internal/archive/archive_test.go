package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"timestack/internal/blob"
	"timestack/internal/core"
	"timestack/internal/infra/persistence/memory"
	"timestack/pkg/domain"
)

var (
	day0  = time.Date(2022, 9, 1, 0, 0, 0, 0, time.UTC)
	props = domain.Properties{
		"load":  domain.TypeFloat,
		"hosts": domain.ArrayOf(domain.TypeString),
		"seen":  domain.TypeDate,
	}
	loc = domain.Location{RegistryPath: "reg", StorePath: "main"}
)

func newRegistry(t *testing.T) (*core.Registry, domain.Engine) {
	t.Helper()
	eng := memory.NewEngine()
	reg := core.NewRegistry(eng)
	t.Cleanup(func() {
		_ = reg.CloseAll()
		_ = eng.Close()
	})
	return reg, eng
}

func seeded(t *testing.T, reg *core.Registry, name string, n int) *core.Stack {
	t.Helper()
	ctx := context.Background()
	s, err := reg.CreateStack(ctx, loc, name, props)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < n; i++ {
		ts := day0.Add(time.Duration(i)*time.Hour + time.Duration(i)*time.Nanosecond)
		f := domain.Fields{"load": float64(i) / 4, "hosts": []string{fmt.Sprintf("h%d", i)}, "seen": ts}
		if err := s.Push(ctx, ts, f); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
	return s
}

func sequentialIDs() func() string {
	var n atomic.Int64
	return func() string { return fmt.Sprintf("id-%02d", n.Add(1)) }
}

func TestExportWritesDocument(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)
	s := seeded(t, reg, "cpu", 3)
	store := blob.NewMemory()
	exp := New(store)
	exp.newID = sequentialIDs()

	info, err := exp.Export(ctx, s)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if info.Key != "stacks/cpu/id-01.json" {
		t.Fatalf("unexpected key %q", info.Key)
	}
	if info.Metadata["snapshots"] != "3" || info.ContentType != contentType {
		t.Fatalf("unexpected info %+v", info)
	}
	_, rc, err := store.Get(ctx, info.Key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer rc.Close()
	raw, _ := io.ReadAll(rc)
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc.Version != FormatVersion || doc.Stack != "cpu" || doc.Location != loc {
		t.Fatalf("unexpected header %+v", doc)
	}
	if !doc.Properties.Equal(props) {
		t.Fatalf("properties %v want %v", doc.Properties, props)
	}
	if !strings.Contains(string(raw), `"hosts":"string[]"`) {
		t.Fatalf("property types must use their string notation: %s", raw)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	src, _ := newRegistry(t)
	s := seeded(t, src, "cpu", 5)
	want := s.ListSnapshots(ctx)

	for _, name := range []string{"memory", "s3"} {
		t.Run(name, func(t *testing.T) {
			store := blob.NewMemory()
			if name == "s3" {
				var err error
				if store, err = blob.NewMockS3(ctx); err != nil {
					t.Fatalf("mock: %v", err)
				}
			}
			exp := New(store)
			info, err := exp.Export(ctx, s)
			if err != nil {
				t.Fatalf("export: %v", err)
			}
			dst, _ := newRegistry(t)
			target := domain.Location{RegistryPath: "reg", StorePath: "restored"}
			restored, err := exp.Import(ctx, dst, target, info.Key)
			if err != nil {
				t.Fatalf("import: %v", err)
			}
			if restored.Location() != target {
				t.Fatalf("imported at %v", restored.Location())
			}
			got := restored.ListSnapshots(ctx)
			if len(got) != len(want) {
				t.Fatalf("got %d snapshots want %d", len(got), len(want))
			}
			for i := range want {
				if !got[i].Timestamp.Equal(want[i].Timestamp) {
					t.Fatalf("timestamp %d: %v want %v", i, got[i].Timestamp, want[i].Timestamp)
				}
				if got[i].Fields["load"] != want[i].Fields["load"] {
					t.Fatalf("load %d: %v want %v", i, got[i].Fields["load"], want[i].Fields["load"])
				}
				hosts, ok := got[i].Fields["hosts"].([]string)
				if !ok || len(hosts) != 1 || hosts[0] != want[i].Fields["hosts"].([]string)[0] {
					t.Fatalf("hosts %d: %#v", i, got[i].Fields["hosts"])
				}
				if seen, ok := got[i].Fields["seen"].(time.Time); !ok || !seen.Equal(want[i].Timestamp) {
					t.Fatalf("seen %d: %#v", i, got[i].Fields["seen"])
				}
			}
			d := want[2].Timestamp
			a, _ := s.ClosestDate(ctx, d)
			b, _ := restored.ClosestDate(ctx, d)
			if a != b {
				t.Fatalf("closest differs after import: %d vs %d", a, b)
			}
		})
	}
}

func TestImportDefaultsToArchivedLocation(t *testing.T) {
	ctx := context.Background()
	src, _ := newRegistry(t)
	s := seeded(t, src, "cpu", 1)
	exp := New(blob.NewMemory())
	info, err := exp.Export(ctx, s)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	dst, _ := newRegistry(t)
	restored, err := exp.Import(ctx, dst, domain.Location{}, info.Key)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if restored.Location() != loc {
		t.Fatalf("expected archived location, got %v", restored.Location())
	}
}

func TestImportAfterUpdateKeepsDroppedFields(t *testing.T) {
	ctx := context.Background()
	src, _ := newRegistry(t)
	s := seeded(t, src, "cpu", 3)
	if err := s.Update(ctx, domain.Properties{"load": domain.TypeFloat}); err != nil {
		t.Fatalf("update: %v", err)
	}
	exp := New(blob.NewMemory())
	info, err := exp.Export(ctx, s)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	dst, _ := newRegistry(t)
	target := domain.Location{RegistryPath: "reg", StorePath: "restored"}
	restored, err := exp.Import(ctx, dst, target, info.Key)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	got, err := restored.AllSnapshots(ctx)
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d snapshots want 3", len(got))
	}
	// Newest first: index 0 was pushed last.
	if got[0].Fields["load"] != 0.5 {
		t.Fatalf("load: %#v", got[0].Fields["load"])
	}
	hosts, ok := got[0].Fields["hosts"].([]any)
	if !ok || len(hosts) != 1 || hosts[0] != "h2" {
		t.Fatalf("dropped field not kept: %#v", got[0].Fields["hosts"])
	}
	if _, ok := got[0].Fields["seen"]; !ok {
		t.Fatalf("dropped date field not kept: %#v", got[0].Fields)
	}
	restoredProps, err := restored.Properties(ctx)
	if err != nil {
		t.Fatalf("properties: %v", err)
	}
	if !restoredProps.Equal(domain.Properties{"load": domain.TypeFloat}) {
		t.Fatalf("imported with %v", restoredProps)
	}
}

func TestFailedImportLeavesNothingBehind(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemory()
	exp := New(store)
	reg, _ := newRegistry(t)
	body := `{"version":1,"stack":"cpu","location":{"registry_path":"reg","store_path":"main"},` +
		`"properties":{"load":"float"},` +
		`"snapshots":[{"timestamp":"2022-09-01T00:00:00Z","fields":{"load":1.5,"timestamp":"2022-09-01T00:00:00Z"}}]}`
	key := "stacks/cpu/reserved.json"
	if _, err := store.Put(ctx, key, strings.NewReader(body), blob.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	var verr domain.ValidationError
	if _, err := exp.Import(ctx, reg, loc, key); !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if names := reg.LoadedStackNames(); len(names) != 0 {
		t.Fatalf("failed import left registered stacks: %v", names)
	}
	persisted, err := reg.ListStackNamesAt(ctx, loc)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(persisted) != 0 {
		t.Fatalf("failed import left persisted stacks: %v", persisted)
	}
	// The name is free again.
	if _, err := reg.CreateStack(ctx, loc, "cpu", props); err != nil {
		t.Fatalf("create after failed import: %v", err)
	}
}

func TestImportRefusesExistingStack(t *testing.T) {
	ctx := context.Background()
	reg, eng := newRegistry(t)
	s := seeded(t, reg, "cpu", 2)
	exp := New(blob.NewMemory())
	info, err := exp.Export(ctx, s)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if _, err := exp.Import(ctx, reg, loc, info.Key); !errors.Is(err, ErrStackExists) {
		t.Fatalf("registered name: expected ErrStackExists, got %v", err)
	}
	// Persisted but not loaded in this registry.
	other := core.NewRegistry(eng)
	t.Cleanup(func() { _ = other.CloseAll() })
	if _, err := exp.Import(ctx, other, loc, info.Key); !errors.Is(err, ErrStackExists) {
		t.Fatalf("persisted name: expected ErrStackExists, got %v", err)
	}
	if got := len(s.ListSnapshots(ctx)); got != 2 {
		t.Fatalf("existing history modified: %d", got)
	}
}

func TestImportRejectsBadDocuments(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemory()
	exp := New(store)
	reg, _ := newRegistry(t)
	docs := map[string]string{
		"stacks/x/garbage.json": "{",
		"stacks/x/version.json": `{"version":99,"stack":"x","snapshots":[]}`,
		"stacks/x/name.json":    `{"version":1,"stack":"a_b","snapshots":[]}`,
	}
	for key, body := range docs {
		if _, err := store.Put(ctx, key, strings.NewReader(body), blob.PutOptions{}); err != nil {
			t.Fatalf("put: %v", err)
		}
		if _, err := exp.Import(ctx, reg, loc, key); err == nil {
			t.Fatalf("%s: expected error", key)
		}
	}
	if _, err := exp.Import(ctx, reg, loc, "stacks/x/missing.json"); !errors.Is(err, blob.ErrNotFound) {
		t.Fatalf("missing key: expected ErrNotFound, got %v", err)
	}
	if names := reg.LoadedStackNames(); len(names) != 0 {
		t.Fatalf("failed imports registered stacks: %v", names)
	}
}

func TestExportAllAndList(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)
	for i, name := range []string{"zeta", "alpha", "mid", "beta", "gamma", "delta"} {
		seeded(t, reg, name, i)
	}
	exp := New(blob.NewMemory())
	infos, err := exp.ExportAll(ctx, reg)
	if err != nil {
		t.Fatalf("export all: %v", err)
	}
	if len(infos) != 6 || !strings.HasPrefix(infos[0].Key, "stacks/alpha/") || !strings.HasPrefix(infos[5].Key, "stacks/zeta/") {
		t.Fatalf("unexpected results %+v", infos)
	}
	if _, err := exp.Export(ctx, mustStack(t, reg, "alpha")); err != nil {
		t.Fatalf("second export: %v", err)
	}
	alpha, err := exp.List(ctx, "alpha")
	if err != nil || len(alpha) != 2 {
		t.Fatalf("alpha exports: %d %v", len(alpha), err)
	}
	all, err := exp.List(ctx, "")
	if err != nil || len(all) != 7 {
		t.Fatalf("all exports: %d %v", len(all), err)
	}
}

func TestExportAllStopsOnFailure(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)
	seeded(t, reg, "a", 1)
	seeded(t, reg, "b", 1)
	exp := New(blob.NewMemory())
	exp.newID = func() string { return "same" }
	if _, err := exp.Export(ctx, mustStack(t, reg, "a")); err != nil {
		t.Fatalf("export: %v", err)
	}
	if _, err := exp.ExportAll(ctx, reg); !errors.Is(err, blob.ErrExists) {
		t.Fatalf("expected ErrExists from the colliding key, got %v", err)
	}
}

func mustStack(t *testing.T, reg *core.Registry, name string) *core.Stack {
	t.Helper()
	s, err := reg.GetStack(name)
	if err != nil {
		t.Fatalf("get %s: %v", name, err)
	}
	return s
}

func TestKeyLayout(t *testing.T) {
	if got := Key("cpu", "abc"); got != "stacks/cpu/abc.json" {
		t.Fatalf("key %q", got)
	}
	if Prefix("") != "stacks/" || Prefix("cpu") != "stacks/cpu/" {
		t.Fatalf("prefix layout changed")
	}
	exp := New(blob.NewMemory())
	id := exp.newID()
	if len(id) != 36 {
		t.Fatalf("expected uuid ids, got %q", id)
	}
}
