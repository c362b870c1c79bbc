// Package kvtest holds the behavioural checks every domain.Engine
// implementation is expected to pass.
package kvtest

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"timestack/pkg/domain"
)

// Factory returns a fresh engine plus a registry path valid for it.
type Factory func(t *testing.T) (domain.Engine, string)

// Run executes the engine suite against engines produced by newEngine.
func Run(t *testing.T, newEngine Factory) {
	t.Helper()
	t.Run("SchemaLifecycle", func(t *testing.T) { testSchemaLifecycle(t, newEngine) })
	t.Run("WriteAndRead", func(t *testing.T) { testWriteAndRead(t, newEngine) })
	t.Run("RollbackOnError", func(t *testing.T) { testRollback(t, newEngine) })
	t.Run("StorePathsIsolated", func(t *testing.T) { testIsolation(t, newEngine) })
	t.Run("ClosedHandle", func(t *testing.T) { testClosedHandle(t, newEngine) })
	t.Run("ConcurrentPushesToOneRow", func(t *testing.T) { testConcurrentPushes(t, newEngine) })
}

const (
	snapshotSchema = "metrics_SNAPSHOT"
	listSchema     = "metrics_STACK"
)

func define(t *testing.T, ctx context.Context, eng domain.Engine, loc domain.Location) {
	t.Helper()
	snap := domain.RecordSchema{Name: snapshotSchema, Properties: domain.Properties{
		domain.TimestampField: domain.TypeDate,
		"cpu":                 domain.TypeFloat,
		"tags":                domain.ArrayOf(domain.TypeString),
	}}
	list := domain.RecordSchema{Name: listSchema, PrimaryKey: "name", Properties: domain.Properties{
		"name": domain.TypeString,
		"list": domain.ListOf(snapshotSchema),
	}}
	if err := eng.SaveSchema(ctx, loc, snap, false); err != nil {
		t.Fatalf("save snapshot schema: %v", err)
	}
	if err := eng.SaveSchema(ctx, loc, list, false); err != nil {
		t.Fatalf("save list schema: %v", err)
	}
}

func newEngine(t *testing.T, factory Factory) (domain.Engine, domain.Location) {
	t.Helper()
	eng, reg := factory(t)
	t.Cleanup(func() { _ = eng.Close() })
	return eng, domain.Location{RegistryPath: reg, StorePath: "main"}
}

func testSchemaLifecycle(t *testing.T, factory Factory) {
	ctx := context.Background()
	eng, loc := newEngine(t, factory)
	define(t, ctx, eng, loc)

	err := eng.SaveSchema(ctx, loc, domain.RecordSchema{Name: snapshotSchema}, false)
	if !errors.Is(err, domain.ErrSchemaExists) {
		t.Fatalf("expected ErrSchemaExists, got %v", err)
	}
	names, err := eng.SchemaNames(ctx, loc)
	if err != nil {
		t.Fatalf("schema names: %v", err)
	}
	if len(names) != 2 || names[0] != snapshotSchema || names[1] != listSchema {
		t.Fatalf("unexpected schema names %v", names)
	}

	updated := domain.Properties{domain.TimestampField: domain.TypeDate, "mem": domain.TypeInt}
	if err := eng.UpdateSchema(ctx, loc, domain.RecordSchema{Name: snapshotSchema, Properties: updated}); err != nil {
		t.Fatalf("update schema: %v", err)
	}
	props, err := eng.Properties(ctx, loc, snapshotSchema)
	if err != nil {
		t.Fatalf("properties: %v", err)
	}
	if !props.Equal(updated) {
		t.Fatalf("properties not updated: %v", props)
	}
	if err := eng.UpdateSchema(ctx, loc, domain.RecordSchema{Name: "absent_SNAPSHOT"}); !domain.IsNotFound(err, domain.EntitySchema) {
		t.Fatalf("expected not found on update, got %v", err)
	}

	if err := eng.RemoveSchema(ctx, loc, listSchema); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := eng.RemoveSchema(ctx, loc, listSchema); !domain.IsNotFound(err, domain.EntitySchema) {
		t.Fatalf("expected not found on second remove, got %v", err)
	}
	if _, err := eng.Properties(ctx, loc, listSchema); !domain.IsNotFound(err, domain.EntitySchema) {
		t.Fatalf("expected not found for removed schema, got %v", err)
	}
}

func testWriteAndRead(t *testing.T, factory Factory) {
	ctx := context.Background()
	eng, loc := newEngine(t, factory)
	define(t, ctx, eng, loc)
	store, err := eng.Open(ctx, loc)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if store.Location() != loc {
		t.Fatalf("unexpected location %v", store.Location())
	}
	if _, ok := store.Schema(listSchema); !ok {
		t.Fatalf("expected list schema visible after open")
	}

	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	row := domain.ListRow{Name: "STACK_LIST_ROW", List: []domain.Snapshot{
		{Timestamp: ts.Add(time.Minute), Fields: domain.Fields{"cpu": 0.5, "tags": []string{"a", "b"}}},
		{Timestamp: ts},
	}}
	err = store.Write(ctx, func(tx domain.Transaction) error {
		if err := tx.Create(listSchema, row); err != nil {
			return err
		}
		if err := tx.Create(listSchema, row); !errors.Is(err, domain.ErrDuplicateObject) {
			t.Errorf("expected ErrDuplicateObject, got %v", err)
		}
		got, ok, err := tx.Object(listSchema, row.Name)
		if err != nil || !ok || len(got.List) != 2 {
			t.Errorf("object inside txn: ok=%v err=%v row=%+v", ok, err, got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	got, ok, err := store.Object(ctx, listSchema, row.Name)
	if err != nil || !ok {
		t.Fatalf("object: ok=%v err=%v", ok, err)
	}
	if len(got.List) != 2 || !got.List[0].Timestamp.Equal(ts.Add(time.Minute)) || !got.List[1].Timestamp.Equal(ts) {
		t.Fatalf("unexpected list %+v", got.List)
	}
	if cpu, _ := got.List[0].Fields["cpu"].(float64); cpu != 0.5 {
		t.Fatalf("cpu not decoded as float64: %#v", got.List[0].Fields["cpu"])
	}
	if tags, _ := got.List[0].Fields["tags"].([]string); len(tags) != 2 || tags[1] != "b" {
		t.Fatalf("tags not decoded as []string: %#v", got.List[0].Fields["tags"])
	}

	got.List = got.List[:1]
	again, _, _ := store.Object(ctx, listSchema, row.Name)
	if len(again.List) != 2 {
		t.Fatalf("returned row must be detached")
	}

	objects, err := store.Objects(ctx, snapshotSchema)
	if err != nil {
		t.Fatalf("objects: %v", err)
	}
	if len(objects) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(objects))
	}

	if _, ok, err := store.Object(ctx, listSchema, "missing"); err != nil || ok {
		t.Fatalf("missing object: ok=%v err=%v", ok, err)
	}
	if _, _, err := store.Object(ctx, "nope_STACK", "x"); !domain.IsNotFound(err, domain.EntitySchema) {
		t.Fatalf("expected schema not found, got %v", err)
	}

	reopened, err := eng.Open(ctx, loc)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, ok, err := reopened.Object(ctx, listSchema, row.Name); err != nil || !ok {
		t.Fatalf("row not visible to a second handle: ok=%v err=%v", ok, err)
	}
}

func testRollback(t *testing.T, factory Factory) {
	ctx := context.Background()
	eng, loc := newEngine(t, factory)
	define(t, ctx, eng, loc)
	store, err := eng.Open(ctx, loc)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	boom := errors.New("boom")
	err = store.Write(ctx, func(tx domain.Transaction) error {
		if err := tx.Put(listSchema, domain.ListRow{Name: "STACK_LIST_ROW"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, ok, err := store.Object(ctx, listSchema, "STACK_LIST_ROW"); err != nil || ok {
		t.Fatalf("write must roll back: ok=%v err=%v", ok, err)
	}
}

func testIsolation(t *testing.T, factory Factory) {
	ctx := context.Background()
	eng, loc := newEngine(t, factory)
	define(t, ctx, eng, loc)
	other := domain.Location{RegistryPath: loc.RegistryPath, StorePath: "other"}
	names, err := eng.SchemaNames(ctx, other)
	if err != nil {
		t.Fatalf("schema names: %v", err)
	}
	if len(names) != 0 {
		t.Fatalf("store paths must not share schemas: %v", names)
	}
	if _, err := eng.Open(ctx, domain.Location{RegistryPath: loc.RegistryPath}); err == nil {
		t.Fatalf("expected empty store path to be rejected")
	}
}

func testClosedHandle(t *testing.T, factory Factory) {
	ctx := context.Background()
	eng, loc := newEngine(t, factory)
	define(t, ctx, eng, loc)
	store, err := eng.Open(ctx, loc)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, _, err := store.Object(ctx, listSchema, "x"); !errors.Is(err, domain.ErrStoreClosed) {
		t.Fatalf("expected ErrStoreClosed, got %v", err)
	}
	if err := store.Reload(ctx); !errors.Is(err, domain.ErrStoreClosed) {
		t.Fatalf("expected ErrStoreClosed on reload, got %v", err)
	}
}

// testConcurrentPushes runs read-modify-write cycles on one list row from
// several goroutines at once; every prepend must survive.
func testConcurrentPushes(t *testing.T, factory Factory) {
	const (
		writers = 8
		pushes  = 20
	)
	ctx := context.Background()
	eng, loc := newEngine(t, factory)
	define(t, ctx, eng, loc)
	store, err := eng.Open(ctx, loc)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	const rowName = "STACK_LIST_ROW"
	if err := store.Write(ctx, func(tx domain.Transaction) error {
		return tx.Create(listSchema, domain.ListRow{Name: rowName})
	}); err != nil {
		t.Fatalf("create row: %v", err)
	}

	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	var g errgroup.Group
	for w := 0; w < writers; w++ {
		g.Go(func() error {
			for i := 0; i < pushes; i++ {
				snap := domain.Snapshot{
					Timestamp: base.Add(time.Duration(w*pushes+i) * time.Second),
					Fields:    domain.Fields{"cpu": float64(w)},
				}
				err := store.Write(ctx, func(tx domain.Transaction) error {
					row, ok, err := tx.Object(listSchema, rowName)
					if err != nil {
						return err
					}
					if !ok {
						return domain.ErrMissingListRow
					}
					row.List = append([]domain.Snapshot{snap}, row.List...)
					return tx.Put(listSchema, row)
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent write: %v", err)
	}

	row, ok, err := store.Object(ctx, listSchema, rowName)
	if err != nil || !ok {
		t.Fatalf("object: ok=%v err=%v", ok, err)
	}
	if len(row.List) != writers*pushes {
		t.Fatalf("lost updates: got %d snapshots want %d", len(row.List), writers*pushes)
	}
	seen := make(map[time.Time]struct{}, len(row.List))
	for _, snap := range row.List {
		seen[snap.Timestamp.UTC()] = struct{}{}
	}
	if len(seen) != writers*pushes {
		t.Fatalf("expected %d distinct snapshots, got %d", writers*pushes, len(seen))
	}
}
