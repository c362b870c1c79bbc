package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"timestack/internal/infra/persistence/memory"
	"timestack/pkg/domain"
)

type stubClock struct{ t time.Time }

func (s stubClock) Now() time.Time { return s.t }

type captureLogger struct {
	mu    sync.Mutex
	calls []string
}

func (c *captureLogger) add(s string) {
	c.mu.Lock()
	c.calls = append(c.calls, s)
	c.mu.Unlock()
}

func (c *captureLogger) Debug(msg string, _ ...any) { c.add("d:" + msg) }
func (c *captureLogger) Info(msg string, _ ...any)  { c.add("i:" + msg) }
func (c *captureLogger) Warn(msg string, _ ...any)  { c.add("w:" + msg) }
func (c *captureLogger) Error(msg string, _ ...any) { c.add("e:" + msg) }

func (c *captureLogger) has(entry string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, call := range c.calls {
		if call == entry {
			return true
		}
	}
	return false
}

// faultyEngine injects failures into an otherwise working engine.
type faultyEngine struct {
	domain.Engine
	removeErr error
}

func (f *faultyEngine) RemoveSchema(ctx context.Context, loc domain.Location, name string) error {
	if f.removeErr != nil {
		return f.removeErr
	}
	return f.Engine.RemoveSchema(ctx, loc, name)
}

// gatedEngine holds every Open until gate is closed and counts the handles
// closed afterwards.
type gatedEngine struct {
	domain.Engine
	gate chan struct{}

	mu     sync.Mutex
	opened int
	closed int
}

func (g *gatedEngine) Open(ctx context.Context, loc domain.Location) (domain.Store, error) {
	g.mu.Lock()
	g.opened++
	g.mu.Unlock()
	<-g.gate
	st, err := g.Engine.Open(ctx, loc)
	if err != nil {
		return nil, err
	}
	return &closeCountingStore{Store: st, engine: g}, nil
}

func (g *gatedEngine) opens() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.opened
}

func (g *gatedEngine) closedHandles() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

type closeCountingStore struct {
	domain.Store
	engine *gatedEngine
}

func (s *closeCountingStore) Close() error {
	s.engine.mu.Lock()
	s.engine.closed++
	s.engine.mu.Unlock()
	return s.Store.Close()
}

var errInjected = errors.New("injected")

func testLocation(store string) domain.Location {
	return domain.Location{RegistryPath: "reg", StorePath: store}
}

func newTestRegistry(t *testing.T, opts ...Option) (*Registry, domain.Engine) {
	t.Helper()
	eng := memory.NewEngine()
	reg := NewRegistry(eng, opts...)
	t.Cleanup(func() {
		_ = reg.CloseAll()
		_ = eng.Close()
	})
	return reg, eng
}

func mustCreate(t *testing.T, reg *Registry, loc domain.Location, name string, props domain.Properties) *Stack {
	t.Helper()
	s, err := reg.CreateStack(context.Background(), loc, name, props)
	if err != nil {
		t.Fatalf("create %s: %v", name, err)
	}
	return s
}

func timestamps(list []domain.Snapshot) []time.Time {
	out := make([]time.Time, len(list))
	for i, s := range list {
		out[i] = s.Timestamp
	}
	return out
}
