// Package kv implements domain.Engine on top of any transactional key/value
// backend. Schemas and rows are stored as JSON blobs under keys scoped by the
// location's store path; each registry path maps to one backend instance.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"timestack/pkg/domain"
)

// Compile-time contract assertions.
var (
	_ domain.Engine      = (*Engine)(nil)
	_ domain.Store       = (*Store)(nil)
	_ domain.Transaction = (*txn)(nil)
)

// Entry is one key/value pair returned by a prefix scan.
type Entry struct {
	Key   string
	Value []byte
}

// Reader is the read surface of a backend transaction.
type Reader interface {
	Get(key string) ([]byte, bool, error)
	// Scan returns entries whose key starts with prefix, ordered by key.
	Scan(prefix string) ([]Entry, error)
}

// Writer extends Reader with mutations applied atomically on commit.
type Writer interface {
	Reader
	Put(key string, value []byte) error
	Delete(key string) error
}

// Backend is a transactional key/value store.
type Backend interface {
	View(ctx context.Context, fn func(Reader) error) error
	Update(ctx context.Context, fn func(Writer) error) error
	Close() error
}

// Opener opens the backend that serves a registry path.
type Opener func(ctx context.Context, registryPath string) (Backend, error)

const (
	schemaPrefix = "schema"
	objectPrefix = "object"
)

func schemaScope(loc domain.Location) string {
	return schemaPrefix + domain.KeySeparator + loc.StorePath + domain.KeySeparator
}

func schemaKey(loc domain.Location, name string) string {
	return schemaScope(loc) + name
}

func objectScope(loc domain.Location, schema string) string {
	return objectPrefix + domain.KeySeparator + loc.StorePath + domain.KeySeparator + schema + domain.KeySeparator
}

func objectKey(loc domain.Location, schema, key string) string {
	return objectScope(loc, schema) + key
}

// Engine caches one backend per registry path.
type Engine struct {
	open     Opener
	mu       sync.Mutex
	backends map[string]Backend
	closed   bool
}

// NewEngine constructs an engine that opens backends lazily with open.
func NewEngine(open Opener) *Engine {
	return &Engine{open: open, backends: make(map[string]Backend)}
}

func (e *Engine) backend(ctx context.Context, registryPath string) (Backend, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, domain.ErrStoreClosed
	}
	if b, ok := e.backends[registryPath]; ok {
		return b, nil
	}
	b, err := e.open(ctx, registryPath)
	if err != nil {
		return nil, fmt.Errorf("open registry %q: %w", registryPath, err)
	}
	e.backends[registryPath] = b
	return b, nil
}

func checkName(name string) error {
	if name == "" || strings.Contains(name, domain.KeySeparator) {
		return domain.ValidationError{Subject: "schema name", Reason: fmt.Sprintf("%q is not storable", name)}
	}
	return nil
}

// Open returns a fresh handle for loc.
func (e *Engine) Open(ctx context.Context, loc domain.Location) (domain.Store, error) {
	if err := loc.Validate(); err != nil {
		return nil, err
	}
	b, err := e.backend(ctx, loc.RegistryPath)
	if err != nil {
		return nil, err
	}
	s := &Store{backend: b, loc: loc}
	if err := s.Reload(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// SaveSchema defines schema at loc.
func (e *Engine) SaveSchema(ctx context.Context, loc domain.Location, schema domain.RecordSchema, overwrite bool) error {
	if err := checkName(schema.Name); err != nil {
		return err
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("encode schema %s: %w", schema.Name, err)
	}
	return e.update(ctx, loc, func(w Writer) error {
		key := schemaKey(loc, schema.Name)
		if !overwrite {
			if _, ok, err := w.Get(key); err != nil {
				return err
			} else if ok {
				return fmt.Errorf("save schema %s: %w", schema.Name, domain.ErrSchemaExists)
			}
		}
		return w.Put(key, data)
	})
}

// UpdateSchema replaces an existing schema definition.
func (e *Engine) UpdateSchema(ctx context.Context, loc domain.Location, schema domain.RecordSchema) error {
	data, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("encode schema %s: %w", schema.Name, err)
	}
	return e.update(ctx, loc, func(w Writer) error {
		key := schemaKey(loc, schema.Name)
		if _, ok, err := w.Get(key); err != nil {
			return err
		} else if !ok {
			return domain.ErrNotFound{Entity: domain.EntitySchema, Name: schema.Name}
		}
		return w.Put(key, data)
	})
}

// RemoveSchema deletes a schema and its objects.
func (e *Engine) RemoveSchema(ctx context.Context, loc domain.Location, name string) error {
	return e.update(ctx, loc, func(w Writer) error {
		key := schemaKey(loc, name)
		if _, ok, err := w.Get(key); err != nil {
			return err
		} else if !ok {
			return domain.ErrNotFound{Entity: domain.EntitySchema, Name: name}
		}
		objects, err := w.Scan(objectScope(loc, name))
		if err != nil {
			return err
		}
		for _, obj := range objects {
			if err := w.Delete(obj.Key); err != nil {
				return err
			}
		}
		return w.Delete(key)
	})
}

// SchemaNames lists schema names at loc.
func (e *Engine) SchemaNames(ctx context.Context, loc domain.Location) ([]string, error) {
	schemas, err := e.schemas(ctx, loc)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(schemas))
	for name := range schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Properties returns the current field definitions of a schema.
func (e *Engine) Properties(ctx context.Context, loc domain.Location, name string) (domain.Properties, error) {
	if err := loc.Validate(); err != nil {
		return nil, err
	}
	b, err := e.backend(ctx, loc.RegistryPath)
	if err != nil {
		return nil, err
	}
	var schema domain.RecordSchema
	err = b.View(ctx, func(r Reader) error {
		data, ok, err := r.Get(schemaKey(loc, name))
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrNotFound{Entity: domain.EntitySchema, Name: name}
		}
		return json.Unmarshal(data, &schema)
	})
	if err != nil {
		return nil, err
	}
	return schema.Properties.Clone(), nil
}

// Close closes every backend opened by the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	var errs []error
	for path, b := range e.backends {
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close registry %q: %w", path, err))
		}
	}
	e.backends = nil
	return errors.Join(errs...)
}

func (e *Engine) update(ctx context.Context, loc domain.Location, fn func(Writer) error) error {
	if err := loc.Validate(); err != nil {
		return err
	}
	b, err := e.backend(ctx, loc.RegistryPath)
	if err != nil {
		return err
	}
	return b.Update(ctx, fn)
}

func (e *Engine) schemas(ctx context.Context, loc domain.Location) (map[string]domain.RecordSchema, error) {
	if err := loc.Validate(); err != nil {
		return nil, err
	}
	b, err := e.backend(ctx, loc.RegistryPath)
	if err != nil {
		return nil, err
	}
	var out map[string]domain.RecordSchema
	err = b.View(ctx, func(r Reader) error {
		var err error
		out, err = readSchemas(r, loc)
		return err
	})
	return out, err
}

func readSchemas(r Reader, loc domain.Location) (map[string]domain.RecordSchema, error) {
	entries, err := r.Scan(schemaScope(loc))
	if err != nil {
		return nil, err
	}
	out := make(map[string]domain.RecordSchema, len(entries))
	for _, entry := range entries {
		var schema domain.RecordSchema
		if err := json.Unmarshal(entry.Value, &schema); err != nil {
			return nil, fmt.Errorf("decode schema %s: %w", strings.TrimPrefix(entry.Key, schemaScope(loc)), err)
		}
		out[schema.Name] = schema
	}
	return out, nil
}
