// Package memory provides an in-memory engine used for tests and ephemeral
// environments.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"timestack/internal/infra/persistence/kv"
	"timestack/pkg/domain"
)

// Compile-time contract assertions ensuring the memory engine adheres to the
// domain persistence interfaces.
var (
	_ domain.Engine = (*kv.Engine)(nil)
	_ kv.Backend    = (*Backend)(nil)
)

// NewEngine returns an engine whose registries live in process memory. Every
// registry path gets its own isolated keyspace that survives until Close.
func NewEngine() *kv.Engine {
	return kv.NewEngine(func(context.Context, string) (kv.Backend, error) {
		return NewBackend(), nil
	})
}

// Backend is a map guarded by a mutex. Updates run against a staged clone that
// replaces the live map only when fn succeeds.
type Backend struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

// NewBackend returns an empty backend.
func NewBackend() *Backend {
	return &Backend{data: make(map[string][]byte)}
}

// View runs fn against the live state under a read lock.
func (b *Backend) View(ctx context.Context, fn func(kv.Reader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return domain.ErrStoreClosed
	}
	return fn(state(b.data))
}

// Update runs fn against a copy of the state and commits it on success.
func (b *Backend) Update(ctx context.Context, fn func(kv.Writer) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return domain.ErrStoreClosed
	}
	staged := cloneState(b.data)
	if err := fn(staged); err != nil {
		return err
	}
	b.data = staged
	return nil
}

// Close drops the state.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.data = nil
	return nil
}

type state map[string][]byte

func cloneState(in map[string][]byte) state {
	out := make(state, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (s state) Get(key string) ([]byte, bool, error) {
	v, ok := s[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s state) Scan(prefix string) ([]kv.Entry, error) {
	var out []kv.Entry
	for k, v := range s {
		if strings.HasPrefix(k, prefix) {
			out = append(out, kv.Entry{Key: k, Value: append([]byte(nil), v...)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s state) Put(key string, value []byte) error {
	s[key] = append([]byte(nil), value...)
	return nil
}

func (s state) Delete(key string) error {
	delete(s, key)
	return nil
}
