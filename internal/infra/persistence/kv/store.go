package kv

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"timestack/pkg/domain"
)

// Store is an opened location. It keeps the schema view captured at open or
// reload time; rows are always read from the backend so callers get detached
// copies.
type Store struct {
	backend Backend
	loc     domain.Location

	mu      sync.RWMutex
	schemas map[string]domain.RecordSchema
	closed  bool
}

// Location returns the location the handle was opened for.
func (s *Store) Location() domain.Location { return s.loc }

// Reload re-reads the schema definitions for the location.
func (s *Store) Reload(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	var schemas map[string]domain.RecordSchema
	err := s.backend.View(ctx, func(r Reader) error {
		var err error
		schemas, err = readSchemas(r, s.loc)
		return err
	})
	if err != nil {
		return fmt.Errorf("reload %s: %w", s.loc, err)
	}
	s.mu.Lock()
	s.schemas = schemas
	s.mu.Unlock()
	return nil
}

// Schema returns a schema from the loaded view.
func (s *Store) Schema(name string) (domain.RecordSchema, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	schema, ok := s.schemas[name]
	if !ok {
		return domain.RecordSchema{}, false
	}
	schema.Properties = schema.Properties.Clone()
	return schema, true
}

// Object reads one row by primary key.
func (s *Store) Object(ctx context.Context, schema, key string) (domain.ListRow, bool, error) {
	if err := s.checkOpen(); err != nil {
		return domain.ListRow{}, false, err
	}
	var (
		row domain.ListRow
		ok  bool
	)
	err := s.backend.View(ctx, func(r Reader) error {
		var err error
		row, ok, err = s.readObject(r, schema, key)
		return err
	})
	return row, ok, err
}

// Objects collects every snapshot of the given type from the rows whose
// schema links to it, in row order.
func (s *Store) Objects(ctx context.Context, schema string) ([]domain.Snapshot, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if _, ok := s.Schema(schema); !ok {
		return nil, domain.ErrNotFound{Entity: domain.EntitySchema, Name: schema}
	}
	var owners []string
	s.mu.RLock()
	for name, candidate := range s.schemas {
		if elem, ok := candidate.ElementType(); ok && elem == schema {
			owners = append(owners, name)
		}
	}
	s.mu.RUnlock()
	var out []domain.Snapshot
	err := s.backend.View(ctx, func(r Reader) error {
		for _, owner := range slices.Sorted(slices.Values(owners)) {
			entries, err := r.Scan(objectScope(s.loc, owner))
			if err != nil {
				return err
			}
			for _, entry := range entries {
				row, err := s.decodeRow(owner, entry.Value)
				if err != nil {
					return err
				}
				out = append(out, row.List...)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Write runs fn inside one backend transaction.
func (s *Store) Write(ctx context.Context, fn func(domain.Transaction) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.backend.Update(ctx, func(w Writer) error {
		return fn(&txn{store: s, w: w})
	})
}

// Close marks the handle closed. The backend stays open for other handles
// and is released by Engine.Close.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("%s: %w", s.loc, domain.ErrStoreClosed)
	}
	return nil
}

func (s *Store) elementProperties(schema string) (domain.Properties, error) {
	list, ok := s.Schema(schema)
	if !ok {
		return nil, domain.ErrNotFound{Entity: domain.EntitySchema, Name: schema}
	}
	elem, ok := list.ElementType()
	if !ok {
		return nil, fmt.Errorf("schema %s has no list property", schema)
	}
	snapshot, ok := s.Schema(elem)
	if !ok {
		return nil, domain.ErrNotFound{Entity: domain.EntitySchema, Name: elem}
	}
	return snapshot.Properties, nil
}

func (s *Store) readObject(r Reader, schema, key string) (domain.ListRow, bool, error) {
	if _, ok := s.Schema(schema); !ok {
		return domain.ListRow{}, false, domain.ErrNotFound{Entity: domain.EntitySchema, Name: schema}
	}
	data, ok, err := r.Get(objectKey(s.loc, schema, key))
	if err != nil || !ok {
		return domain.ListRow{}, false, err
	}
	row, err := s.decodeRow(schema, data)
	if err != nil {
		return domain.ListRow{}, false, err
	}
	return row, true, nil
}

func (s *Store) decodeRow(schema string, data []byte) (domain.ListRow, error) {
	props, err := s.elementProperties(schema)
	if err != nil {
		return domain.ListRow{}, err
	}
	row, err := domain.DecodeListRow(data, props)
	if err != nil {
		return domain.ListRow{}, fmt.Errorf("%s: %w", schema, err)
	}
	return row, nil
}

type txn struct {
	store *Store
	w     Writer
}

func (t *txn) Object(schema, key string) (domain.ListRow, bool, error) {
	return t.store.readObject(t.w, schema, key)
}

func (t *txn) Create(schema string, row domain.ListRow) error {
	if _, ok, err := t.Object(schema, row.Name); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("create %s/%s: %w", schema, row.Name, domain.ErrDuplicateObject)
	}
	return t.Put(schema, row)
}

func (t *txn) Put(schema string, row domain.ListRow) error {
	if _, err := t.store.elementProperties(schema); err != nil {
		return err
	}
	if err := checkName(row.Name); err != nil {
		return err
	}
	data, err := domain.EncodeListRow(row)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", schema, row.Name, err)
	}
	return t.w.Put(objectKey(t.store.loc, schema, row.Name), data)
}
