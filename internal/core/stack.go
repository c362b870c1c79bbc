package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"timestack/pkg/domain"
)

// Stack is a handle on one named stack. It holds no lock of its own; every
// mutation is a single store transaction and reads observe either the state
// before or after a concurrent write.
type Stack struct {
	name   string
	loc    domain.Location
	store  domain.Store
	engine domain.Engine
	opts   *options
}

// Name returns the stack name.
func (s *Stack) Name() string { return s.name }

// Location returns where the stack's records live.
func (s *Stack) Location() domain.Location { return s.loc }

// SnapshotSchema returns the name of the stack's snapshot record type.
func (s *Stack) SnapshotSchema() string { return SnapshotSchemaName(s.name) }

// ListSchema returns the name of the stack's list record type.
func (s *Stack) ListSchema() string { return ListSchemaName(s.name) }

// Properties returns the caller-defined property schema as currently stored.
func (s *Stack) Properties(ctx context.Context) (domain.Properties, error) {
	props, err := s.engine.Properties(ctx, s.loc, s.SnapshotSchema())
	if err != nil {
		return nil, fmt.Errorf("stack %s properties: %w", s.name, err)
	}
	return stripTimestamp(props), nil
}

// PropertyNames returns the property names in lexical order.
func (s *Stack) PropertyNames(ctx context.Context) ([]string, error) {
	props, err := s.Properties(ctx)
	if err != nil {
		return nil, err
	}
	return props.Names(), nil
}

// AllSnapshots returns every snapshot of the stack, newest first.
func (s *Stack) AllSnapshots(ctx context.Context) (_ []domain.Snapshot, err error) {
	ctx, done := s.opts.observe(ctx, "stack.all_snapshots")
	defer done(&err)
	list, err := s.store.Objects(ctx, s.SnapshotSchema())
	if err != nil {
		return nil, fmt.Errorf("stack %s snapshots: %w", s.name, err)
	}
	return list, nil
}

// ListRow returns the singleton row holding the stack's history. ok is false
// when the row was never initialised.
func (s *Stack) ListRow(ctx context.Context) (domain.ListRow, bool, error) {
	row, ok, err := s.store.Object(ctx, s.ListSchema(), ListRowKey)
	if err != nil {
		return domain.ListRow{}, false, fmt.Errorf("stack %s list row: %w", s.name, err)
	}
	return row, ok, nil
}

func (s *Stack) requireListRow(ctx context.Context) (domain.ListRow, error) {
	row, ok, err := s.ListRow(ctx)
	if err != nil {
		return domain.ListRow{}, err
	}
	if !ok {
		return domain.ListRow{}, &domain.ListRowError{Stack: s.name, Schema: s.ListSchema()}
	}
	return row, nil
}

// ListSnapshots returns a detached copy of the history, newest first. Read
// failures and a missing list row are logged and yield an empty slice.
func (s *Stack) ListSnapshots(ctx context.Context) []domain.Snapshot {
	row, err := s.requireListRow(ctx)
	if err != nil {
		s.opts.logger.Warn("list snapshots failed", "stack", s.name, "schema", s.ListSchema(), "error", err)
		return []domain.Snapshot{}
	}
	if row.List == nil {
		return []domain.Snapshot{}
	}
	return row.List
}

// Push inserts one snapshot per fields value at the front of the list, all
// stamped with ts, in one transaction. fields[0] ends up at index 0. A zero
// ts means now.
func (s *Stack) Push(ctx context.Context, ts time.Time, fields ...domain.Fields) error {
	if ts.IsZero() {
		ts = s.opts.clock.Now()
	}
	snaps := make([]domain.Snapshot, len(fields))
	for i, f := range fields {
		snaps[i] = domain.Snapshot{Timestamp: ts, Fields: f}
	}
	return s.PushSnapshots(ctx, snaps...)
}

// PushSnapshots inserts snapshots at the front of the list in one
// transaction, keeping their order and their own timestamps. Zero timestamps
// are replaced with now.
func (s *Stack) PushSnapshots(ctx context.Context, snaps ...domain.Snapshot) (err error) {
	ctx, done := s.opts.observe(ctx, "stack.push")
	defer done(&err)
	if len(snaps) == 0 {
		return nil
	}
	schema, ok := s.store.Schema(s.SnapshotSchema())
	if !ok {
		return fmt.Errorf("stack %s push: %w", s.name, domain.ErrNotFound{Entity: domain.EntitySchema, Name: s.SnapshotSchema()})
	}
	now := s.opts.clock.Now()
	fresh := make([]domain.Snapshot, len(snaps))
	for i, snap := range snaps {
		fields, err := domain.NormalizeFields(schema.Properties, snap.Fields)
		if err != nil {
			return fmt.Errorf("stack %s push: %w", s.name, err)
		}
		ts := snap.Timestamp
		if ts.IsZero() {
			ts = now
		}
		fresh[i] = domain.Snapshot{Timestamp: ts, Fields: fields}
	}
	return s.prepend(ctx, fresh)
}

// RestoreSnapshots inserts archived snapshots at the front of the list the
// way they were stored. Fields the current schema no longer declares, or
// declares with another type, are kept as decoded, matching what Update
// leaves behind in place.
func (s *Stack) RestoreSnapshots(ctx context.Context, snaps ...domain.Snapshot) (err error) {
	ctx, done := s.opts.observe(ctx, "stack.restore")
	defer done(&err)
	if len(snaps) == 0 {
		return nil
	}
	schema, ok := s.store.Schema(s.SnapshotSchema())
	if !ok {
		return fmt.Errorf("stack %s restore: %w", s.name, domain.ErrNotFound{Entity: domain.EntitySchema, Name: s.SnapshotSchema()})
	}
	now := s.opts.clock.Now()
	fresh := make([]domain.Snapshot, len(snaps))
	for i, snap := range snaps {
		fields, err := restoreFields(schema.Properties, snap.Fields)
		if err != nil {
			return fmt.Errorf("stack %s restore: %w", s.name, err)
		}
		ts := snap.Timestamp
		if ts.IsZero() {
			ts = now
		}
		fresh[i] = domain.Snapshot{Timestamp: ts, Fields: fields}
	}
	return s.prepend(ctx, fresh)
}

// restoreFields normalizes the fields props still describes and passes the
// rest through. Only the reserved timestamp key is rejected.
func restoreFields(props domain.Properties, in domain.Fields) (domain.Fields, error) {
	if in == nil {
		return nil, nil
	}
	out := make(domain.Fields, len(in))
	for name, v := range in {
		if name == domain.TimestampField {
			return nil, domain.ValidationError{Subject: "snapshot", Reason: "field \"timestamp\" is reserved"}
		}
		if t, ok := props[name]; ok {
			if nv, err := t.Normalize(v); err == nil {
				v = nv
			}
		}
		if v != nil {
			out[name] = v
		}
	}
	return out, nil
}

func (s *Stack) prepend(ctx context.Context, fresh []domain.Snapshot) error {
	err := s.store.Write(ctx, func(tx domain.Transaction) error {
		row, ok, err := tx.Object(s.ListSchema(), ListRowKey)
		if err != nil {
			return err
		}
		if !ok {
			return &domain.ListRowError{Stack: s.name, Schema: s.ListSchema()}
		}
		row.List = append(fresh, row.List...)
		return tx.Put(s.ListSchema(), row)
	})
	if err != nil {
		return fmt.Errorf("stack %s push: %w", s.name, err)
	}
	return nil
}

// ClosestDate returns the index of the oldest snapshot at or after
// searchDate, or NotFound.
func (s *Stack) ClosestDate(ctx context.Context, searchDate time.Time) (_ int, err error) {
	ctx, done := s.opts.observe(ctx, "stack.closest_date")
	defer done(&err)
	row, err := s.requireListRow(ctx)
	if err != nil {
		return NotFound, err
	}
	return ClosestSnapshot(row.List, searchDate), nil
}

// DeleteIndexes removes the snapshots at the given indices, all resolved
// against the list as it was before the call. Out of range indices are
// ignored. It returns how many snapshots were removed.
func (s *Stack) DeleteIndexes(ctx context.Context, indexes ...int) (removed int, err error) {
	ctx, done := s.opts.observe(ctx, "stack.delete_indexes")
	defer done(&err)
	err = s.store.Write(ctx, func(tx domain.Transaction) error {
		row, ok, err := tx.Object(s.ListSchema(), ListRowKey)
		if err != nil {
			return err
		}
		if !ok {
			return &domain.ListRowError{Stack: s.name, Schema: s.ListSchema()}
		}
		drop := make(map[int]struct{}, len(indexes))
		for _, i := range indexes {
			if i >= 0 && i < len(row.List) {
				drop[i] = struct{}{}
			}
		}
		if len(drop) == 0 {
			return nil
		}
		kept := make([]domain.Snapshot, 0, len(row.List)-len(drop))
		for i, snap := range row.List {
			if _, gone := drop[i]; !gone {
				kept = append(kept, snap)
			}
		}
		removed = len(drop)
		row.List = kept
		return tx.Put(s.ListSchema(), row)
	})
	if err != nil {
		return 0, fmt.Errorf("stack %s delete indexes: %w", s.name, err)
	}
	return removed, nil
}

// Delete removes both record types of the stack, with all their data, and
// reloads the store.
func (s *Stack) Delete(ctx context.Context) (err error) {
	ctx, done := s.opts.observe(ctx, "stack.delete")
	defer done(&err)
	var errs []error
	for _, schema := range []string{s.ListSchema(), s.SnapshotSchema()} {
		if err := s.engine.RemoveSchema(ctx, s.loc, schema); err != nil {
			errs = append(errs, fmt.Errorf("remove schema %s: %w", schema, err))
		}
	}
	if err := s.store.Reload(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("stack %s delete: %w", s.name, err)
	}
	return nil
}

// Update replaces the snapshot property schema and reloads the store.
// Snapshots already stored keep the fields they were written with.
func (s *Stack) Update(ctx context.Context, props domain.Properties) (err error) {
	ctx, done := s.opts.observe(ctx, "stack.update")
	defer done(&err)
	schema, err := snapshotSchema(s.name, props)
	if err != nil {
		return err
	}
	if err := s.engine.UpdateSchema(ctx, s.loc, schema); err != nil {
		return fmt.Errorf("stack %s update: %w", s.name, err)
	}
	if err := s.store.Reload(ctx); err != nil {
		return fmt.Errorf("stack %s update: %w", s.name, err)
	}
	return nil
}

// Reload refreshes the schema view of the store the stack lives in. The store
// is shared, so every stack at the same location observes the reload.
func (s *Stack) Reload(ctx context.Context) error {
	return s.store.Reload(ctx)
}
