package core

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"timestack/pkg/domain"
)

func TestCreateStackIsIdempotent(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)
	loc := testLocation("main")
	first := mustCreate(t, reg, loc, "cpu", cpuProps)
	if err := first.Push(ctx, day0, domain.Fields{"seq": 1}); err != nil {
		t.Fatalf("push: %v", err)
	}
	second, err := reg.CreateStack(ctx, testLocation("other"), "cpu", domain.Properties{"x": domain.TypeBool})
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if second != first {
		t.Fatalf("expected the existing handle")
	}
	if got := len(second.ListSnapshots(ctx)); got != 1 {
		t.Fatalf("re-create must not reset the list, got %d", got)
	}
	if l, _ := reg.StackLocation("cpu"); l != loc {
		t.Fatalf("location changed to %v", l)
	}
}

func TestCreateStackToleratesPersistedSchemas(t *testing.T) {
	ctx := context.Background()
	log := &captureLogger{}
	reg, eng := newTestRegistry(t)
	loc := testLocation("main")
	s := mustCreate(t, reg, loc, "cpu", cpuProps)
	if err := s.Push(ctx, day0, domain.Fields{"seq": 7}); err != nil {
		t.Fatalf("push: %v", err)
	}

	fresh := NewRegistry(eng, WithLogger(log))
	t.Cleanup(func() { _ = fresh.CloseAll() })
	again, err := fresh.CreateStack(ctx, loc, "cpu", cpuProps)
	if err != nil {
		t.Fatalf("create over persisted stack: %v", err)
	}
	if !log.has("w:schema already defined") || !log.has("w:list row already exists") {
		t.Fatalf("expected tolerated warnings, got %v", log.calls)
	}
	list := again.ListSnapshots(ctx)
	if len(list) != 1 || list[0].Fields["seq"] != int64(7) {
		t.Fatalf("existing history must survive, got %+v", list)
	}
}

func TestCreateStackValidation(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)
	cases := []struct {
		name  string
		loc   domain.Location
		stack string
		props domain.Properties
	}{
		{"delimiter", testLocation("main"), "a_b", nil},
		{"empty name", testLocation("main"), "", nil},
		{"timestamp property", testLocation("main"), "cpu", domain.Properties{domain.TimestampField: domain.TypeDate}},
		{"empty store path", domain.Location{RegistryPath: "reg"}, "cpu", nil},
		{"reserved byte in path", testLocation("a" + domain.KeySeparator), "cpu", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := reg.CreateStack(ctx, tc.loc, tc.stack, tc.props)
			var verr domain.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
		})
	}
	if names := reg.LoadedStackNames(); len(names) != 0 {
		t.Fatalf("failed creates must not register: %v", names)
	}
}

func TestStacksShareOneStorePerLocation(t *testing.T) {
	ctx := context.Background()
	reg, eng := newTestRegistry(t)
	loc := testLocation("shared")
	a := mustCreate(t, reg, loc, "a", nil)
	b := mustCreate(t, reg, loc, "b", nil)
	if a.store != b.store {
		t.Fatalf("stacks at one location must share the store handle")
	}
	schemas, err := eng.SchemaNames(ctx, loc)
	if err != nil {
		t.Fatalf("schema names: %v", err)
	}
	want := []string{"a_SNAPSHOT", "a_STACK", "b_SNAPSHOT", "b_STACK"}
	if !slices.Equal(schemas, want) {
		t.Fatalf("schemas at %v: %v want %v", loc, schemas, want)
	}
	if got := reg.LoadedLocations(); len(got) != 1 || got[0] != loc {
		t.Fatalf("unexpected locations %v", got)
	}
	if err := a.Push(ctx, day0, domain.Fields{}); err != nil {
		t.Fatalf("push a: %v", err)
	}
	if got := len(b.ListSnapshots(ctx)); got != 0 {
		t.Fatalf("stacks must not share history, b has %d", got)
	}
}

func TestScenarioMultipleLocations(t *testing.T) {
	ctx := context.Background()
	reg, eng := newTestRegistry(t)
	locA, locB, locC := testLocation("a"), testLocation("b"), domain.Location{RegistryPath: "other", StorePath: "a"}
	layout := map[string]domain.Location{"s1": locA, "s2": locA, "s3": locB, "s4": locC}
	for _, name := range []string{"s1", "s2", "s3", "s4"} {
		s := mustCreate(t, reg, layout[name], name, domain.Properties{"v": domain.TypeString})
		if err := s.Push(ctx, day0, domain.Fields{"v": name}); err != nil {
			t.Fatalf("push %s: %v", name, err)
		}
	}
	if got := len(reg.LoadedLocations()); got != 3 {
		t.Fatalf("expected 3 open stores, got %d", got)
	}
	for name, want := range layout {
		if got, ok := reg.StackLocation(name); !ok || got != want {
			t.Fatalf("%s location %v want %v", name, got, want)
		}
	}
	names, err := reg.ListStackNamesAt(ctx, locA)
	if err != nil || len(names) != 2 || names[0] != "s1" || names[1] != "s2" {
		t.Fatalf("names at a: %v %v", names, err)
	}
	if err := reg.CloseAll(); err != nil {
		t.Fatalf("close all: %v", err)
	}
	if got := reg.LoadedStackNames(); len(got) != 0 {
		t.Fatalf("close all must forget stacks: %v", got)
	}

	fresh := NewRegistry(eng)
	t.Cleanup(func() { _ = fresh.CloseAll() })
	if got := fresh.LoadedStackNames(); len(got) != 0 {
		t.Fatalf("a new registry starts empty: %v", got)
	}
	total := 0
	for _, loc := range []domain.Location{locA, locB, locC} {
		n, err := fresh.LoadAllStacksAt(ctx, loc)
		if err != nil {
			t.Fatalf("load all at %v: %v", loc, err)
		}
		total += n
	}
	if total != 4 {
		t.Fatalf("expected 4 loaded stacks, got %d", total)
	}
	for name := range layout {
		s, err := fresh.GetStack(name)
		if err != nil {
			t.Fatalf("get %s: %v", name, err)
		}
		list := s.ListSnapshots(ctx)
		if len(list) != 1 || list[0].Fields["v"] != name {
			t.Fatalf("%s history lost: %+v", name, list)
		}
	}

	if !fresh.RemoveStack(ctx, "s1") {
		t.Fatalf("remove s1 reported unknown")
	}
	if _, err := fresh.GetStack("s1"); !domain.IsNotFound(err, domain.EntityStack) {
		t.Fatalf("s1 still registered: %v", err)
	}
	names, err = fresh.ListStackNamesAt(ctx, locA)
	if err != nil || len(names) != 1 || names[0] != "s2" {
		t.Fatalf("names after remove: %v %v", names, err)
	}
	if got := len(mustGet(t, fresh, "s2").ListSnapshots(ctx)); got != 1 {
		t.Fatalf("sibling stack affected by removal")
	}
}

func mustGet(t *testing.T, reg *Registry, name string) *Stack {
	t.Helper()
	s, err := reg.GetStack(name)
	if err != nil {
		t.Fatalf("get %s: %v", name, err)
	}
	return s
}

func TestLoadStackMissing(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)
	_, err := reg.LoadStack(ctx, testLocation("main"), "ghost", true)
	if !domain.IsNotFound(err, domain.EntityStack) {
		t.Fatalf("expected stack not found, got %v", err)
	}
	if _, err := reg.GetStack("ghost"); err == nil {
		t.Fatalf("missing stack must not register")
	}
	if n, err := reg.LoadAllStacksAt(ctx, testLocation("empty")); err != nil || n != 0 {
		t.Fatalf("empty location: n=%d err=%v", n, err)
	}
}

func TestLoadStackReplacesHandle(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)
	loc := testLocation("main")
	created := mustCreate(t, reg, loc, "cpu", cpuProps)
	loaded, err := reg.LoadStack(ctx, loc, "cpu", true)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded == created {
		t.Fatalf("load must register a fresh handle")
	}
	if got := mustGet(t, reg, "cpu"); got != loaded {
		t.Fatalf("registry must track the loaded handle")
	}
	if loaded.store != created.store {
		t.Fatalf("handles at one location must share the store")
	}
}

func TestRemoveStack(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)
	if reg.RemoveStack(ctx, "unknown") {
		t.Fatalf("unknown name must report false")
	}
	mustCreate(t, reg, testLocation("main"), "cpu", cpuProps)
	if !reg.RemoveStack(ctx, "cpu") {
		t.Fatalf("expected removal")
	}
	if _, ok := reg.StackLocation("cpu"); ok {
		t.Fatalf("location must be forgotten")
	}
	// The name can be reused afterwards with a new shape.
	s := mustCreate(t, reg, testLocation("main"), "cpu", domain.Properties{"flag": domain.TypeBool})
	if err := s.Push(ctx, day0, domain.Fields{"flag": true}); err != nil {
		t.Fatalf("push after recreate: %v", err)
	}
}

func TestRemoveStackUnregistersOnDeleteFailure(t *testing.T) {
	ctx := context.Background()
	log := &captureLogger{}
	_, eng := newTestRegistry(t)
	faulty := &faultyEngine{Engine: eng}
	freg := NewRegistry(faulty, WithLogger(log))
	t.Cleanup(func() { _ = freg.CloseAll() })
	mustCreate(t, freg, testLocation("main"), "cpu", cpuProps)
	faulty.removeErr = errInjected
	if !freg.RemoveStack(ctx, "cpu") {
		t.Fatalf("expected removal to report the registered name")
	}
	if _, err := freg.GetStack("cpu"); err == nil {
		t.Fatalf("stack must be unregistered even when delete fails")
	}
	if !log.has("w:stack delete failed") {
		t.Fatalf("expected warning, got %v", log.calls)
	}
	names, err := freg.ListStackNamesAt(ctx, testLocation("main"))
	if err != nil || len(names) != 1 {
		t.Fatalf("schemas should remain after failed delete: %v %v", names, err)
	}
}

func TestCloseAllClosesStores(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)
	s := mustCreate(t, reg, testLocation("main"), "cpu", cpuProps)
	if err := reg.CloseAll(); err != nil {
		t.Fatalf("close all: %v", err)
	}
	if _, err := s.AllSnapshots(ctx); !errors.Is(err, domain.ErrStoreClosed) {
		t.Fatalf("expected ErrStoreClosed from stale handle, got %v", err)
	}
	if got := reg.LoadedLocations(); len(got) != 0 {
		t.Fatalf("stores must be forgotten: %v", got)
	}
	if err := reg.CloseAll(); err != nil {
		t.Fatalf("second close all: %v", err)
	}
}

func TestLoadedStacksOrdered(t *testing.T) {
	reg, _ := newTestRegistry(t)
	for _, name := range []string{"zeta", "alpha", "mid"} {
		mustCreate(t, reg, testLocation("main"), name, nil)
	}
	stacks := reg.LoadedStacks()
	if len(stacks) != 3 || stacks[0].Name() != "alpha" || stacks[2].Name() != "zeta" {
		t.Fatalf("unexpected order")
	}
}

func TestConcurrentPushesAcrossStacks(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)
	names := []string{"a", "b", "c", "d"}
	for _, name := range names {
		mustCreate(t, reg, testLocation("main"), name, domain.Properties{"seq": domain.TypeInt})
	}
	var wg sync.WaitGroup
	errs := make(chan error, len(names)*10)
	for _, name := range names {
		s := mustGet(t, reg, name)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				if err := s.Push(ctx, day0.Add(time.Duration(i)*time.Minute), domain.Fields{"seq": i}); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("push: %v", err)
	}
	for _, name := range names {
		if got := len(mustGet(t, reg, name).ListSnapshots(ctx)); got != 10 {
			t.Fatalf("%s has %d snapshots", name, got)
		}
	}
}

func TestConcurrentPushesToOneStack(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)
	s := mustCreate(t, reg, testLocation("main"), "cpu", cpuProps)
	var wg sync.WaitGroup
	errs := make(chan error, 8*20)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				if err := s.Push(ctx, day0.Add(time.Duration(w*20+i)*time.Second), domain.Fields{"seq": w*20 + i}); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("push: %v", err)
	}
	if got := len(s.ListSnapshots(ctx)); got != 160 {
		t.Fatalf("lost pushes: %d of 160", got)
	}
}

func TestStoreOpensOutsideRegistryLock(t *testing.T) {
	ctx := context.Background()
	base, _ := newTestRegistry(t)
	eng := &gatedEngine{Engine: base.engine, gate: make(chan struct{})}
	reg := NewRegistry(eng)
	t.Cleanup(func() { _ = reg.CloseAll() })
	loc := testLocation("main")

	const callers = 4
	var wg sync.WaitGroup
	stores := make([]domain.Store, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stores[i], errs[i] = reg.store(ctx, loc)
		}()
	}
	deadline := time.Now().Add(5 * time.Second)
	for eng.opens() < callers {
		if time.Now().After(deadline) {
			close(eng.gate)
			wg.Wait()
			t.Fatalf("only %d of %d opens ran concurrently; the registry lock is held across Open", eng.opens(), callers)
		}
		time.Sleep(time.Millisecond)
	}
	close(eng.gate)
	wg.Wait()

	for i := range stores {
		if errs[i] != nil {
			t.Fatalf("store %d: %v", i, errs[i])
		}
		if stores[i] != stores[0] {
			t.Fatalf("caller %d got a different handle", i)
		}
	}
	if got := eng.closedHandles(); got != callers-1 {
		t.Fatalf("expected %d losing handles closed, got %d", callers-1, got)
	}
	if got := reg.LoadedLocations(); len(got) != 1 || got[0] != loc {
		t.Fatalf("unexpected locations %v", got)
	}
}

type recordedObservation struct {
	op      string
	success bool
}

type captureMetrics struct {
	mu  sync.Mutex
	obs []recordedObservation
}

func (c *captureMetrics) Observe(_ context.Context, op string, success bool, _ time.Duration) {
	c.mu.Lock()
	c.obs = append(c.obs, recordedObservation{op: op, success: success})
	c.mu.Unlock()
}

func (c *captureMetrics) find(op string, success bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, o := range c.obs {
		if o.op == op && o.success == success {
			return true
		}
	}
	return false
}

func TestOperationsAreObserved(t *testing.T) {
	ctx := context.Background()
	metrics := &captureMetrics{}
	tracer := NewJSONTracer(nil)
	reg, _ := newTestRegistry(t, WithMetricsRecorder(metrics), WithTracer(tracer))
	s := mustCreate(t, reg, testLocation("main"), "cpu", cpuProps)
	if err := s.Push(ctx, day0, domain.Fields{"seq": 1}); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := s.Push(ctx, day0, domain.Fields{"bogus": 1}); err == nil {
		t.Fatalf("expected push failure")
	}
	if _, err := s.ClosestDate(ctx, day0); err != nil {
		t.Fatalf("closest: %v", err)
	}
	if _, err := s.DeleteIndexes(ctx, 0); err != nil {
		t.Fatalf("delete indexes: %v", err)
	}
	reg.RemoveStack(ctx, "cpu")

	for _, want := range []recordedObservation{
		{"registry.create_stack", true},
		{"stack.push", true},
		{"stack.push", false},
		{"stack.closest_date", true},
		{"stack.delete_indexes", true},
		{"stack.delete", true},
		{"registry.remove_stack", true},
	} {
		if !metrics.find(want.op, want.success) {
			t.Fatalf("missing observation %+v in %+v", want, metrics.obs)
		}
	}
	var sawError bool
	for _, e := range tracer.Entries() {
		if e.Operation == "stack.push" && e.Status == "error" && e.Error != "" {
			sawError = true
		}
	}
	if !sawError {
		t.Fatalf("tracer must record the failed push")
	}
}
