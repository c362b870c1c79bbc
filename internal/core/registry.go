package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"timestack/pkg/domain"
)

// Registry maps stack names to their locations and shares one opened store
// per location between every stack that lives there. Stores stay open until
// CloseAll. The mutex guards the maps only; callers serialise schema
// mutations per location.
type Registry struct {
	engine domain.Engine
	opts   options

	mu             sync.Mutex
	stacks         map[string]*Stack
	stackLocations map[string]domain.Location
	openStores     map[domain.Location]domain.Store
}

// NewRegistry constructs an empty registry on top of engine. The caller keeps
// ownership of the engine and closes it after CloseAll.
func NewRegistry(engine domain.Engine, opts ...Option) *Registry {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Registry{
		engine:         engine,
		opts:           o,
		stacks:         make(map[string]*Stack),
		stackLocations: make(map[string]domain.Location),
		openStores:     make(map[domain.Location]domain.Store),
	}
}

// store returns the shared handle for loc, opening it on first use. The
// engine is called without r.mu held; when two callers race, the first handle
// registered wins and the other is closed.
func (r *Registry) store(ctx context.Context, loc domain.Location) (domain.Store, error) {
	r.mu.Lock()
	st, ok := r.openStores[loc]
	r.mu.Unlock()
	if ok {
		return st, nil
	}
	opened, err := r.engine.Open(ctx, loc)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", loc, err)
	}
	r.mu.Lock()
	if st, ok := r.openStores[loc]; ok {
		r.mu.Unlock()
		if err := opened.Close(); err != nil {
			r.opts.logger.Warn("closing duplicate store failed", "location", loc.String(), "error", err)
		}
		return st, nil
	}
	r.openStores[loc] = opened
	r.mu.Unlock()
	r.opts.logger.Debug("store opened", "location", loc.String())
	return opened, nil
}

// reloadedStore returns the handle for loc with a schema view that includes
// every definition saved so far.
func (r *Registry) reloadedStore(ctx context.Context, loc domain.Location) (domain.Store, error) {
	r.mu.Lock()
	st, ok := r.openStores[loc]
	r.mu.Unlock()
	if !ok {
		return r.store(ctx, loc)
	}
	if err := st.Reload(ctx); err != nil {
		return nil, fmt.Errorf("reload store %s: %w", loc, err)
	}
	return st, nil
}

func (r *Registry) newStack(name string, loc domain.Location, st domain.Store) *Stack {
	return &Stack{name: name, loc: loc, store: st, engine: r.engine, opts: &r.opts}
}

// register tracks s unless keep is set and the name is already tracked, in
// which case the existing handle is returned.
func (r *Registry) register(s *Stack, keep bool) *Stack {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.stacks[s.name]; ok && keep {
		return existing
	}
	r.stacks[s.name] = s
	r.stackLocations[s.name] = s.loc
	return s
}

// CreateStack defines the stack's record types at loc, initialises its list
// row and returns its handle. A name that is already registered returns the
// existing handle unchanged.
func (r *Registry) CreateStack(ctx context.Context, loc domain.Location, name string, props domain.Properties) (_ *Stack, err error) {
	ctx, done := r.opts.observe(ctx, "registry.create_stack")
	defer done(&err)

	r.mu.Lock()
	existing, ok := r.stacks[name]
	r.mu.Unlock()
	if ok {
		return existing, nil
	}
	schemas, err := GenerateSchemas(name, props)
	if err != nil {
		return nil, err
	}
	if err := loc.Validate(); err != nil {
		return nil, err
	}
	for _, schema := range []domain.RecordSchema{schemas.Snapshot, schemas.List} {
		err := r.engine.SaveSchema(ctx, loc, schema, false)
		if errors.Is(err, domain.ErrSchemaExists) {
			r.opts.logger.Warn("schema already defined", "stack", name, "schema", schema.Name, "error", err)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create stack %s: %w", name, err)
		}
	}
	st, err := r.reloadedStore(ctx, loc)
	if err != nil {
		return nil, fmt.Errorf("create stack %s: %w", name, err)
	}
	err = st.Write(ctx, func(tx domain.Transaction) error {
		return tx.Create(schemas.List.Name, domain.ListRow{Name: ListRowKey, List: []domain.Snapshot{}})
	})
	if errors.Is(err, domain.ErrDuplicateObject) {
		r.opts.logger.Warn("list row already exists", "stack", name, "schema", schemas.List.Name, "error", err)
	} else if err != nil {
		return nil, fmt.Errorf("create stack %s: init list row: %w", name, err)
	}
	s := r.register(r.newStack(name, loc, st), true)
	r.opts.logger.Info("stack created", "stack", name, "location", loc.String())
	return s, nil
}

// LoadStack registers a handle for a stack already persisted at loc. When
// reload is false the store's schema view is left as is, letting batch loads
// reload once at the end.
func (r *Registry) LoadStack(ctx context.Context, loc domain.Location, name string, reload bool) (_ *Stack, err error) {
	ctx, done := r.opts.observe(ctx, "registry.load_stack")
	defer done(&err)
	if err := ValidateStackName(name); err != nil {
		return nil, err
	}
	st, err := r.store(ctx, loc)
	if err != nil {
		return nil, fmt.Errorf("load stack %s: %w", name, err)
	}
	if reload {
		if err := st.Reload(ctx); err != nil {
			return nil, fmt.Errorf("load stack %s: %w", name, err)
		}
	}
	if _, err := r.engine.Properties(ctx, loc, SnapshotSchemaName(name)); err != nil {
		if domain.IsNotFound(err, domain.EntitySchema) {
			return nil, domain.ErrNotFound{Entity: domain.EntityStack, Name: name}
		}
		return nil, fmt.Errorf("load stack %s: %w", name, err)
	}
	return r.register(r.newStack(name, loc, st), false), nil
}

// LoadAllStacksAt loads every stack persisted at loc, reloads the store once
// and returns how many stacks were loaded.
func (r *Registry) LoadAllStacksAt(ctx context.Context, loc domain.Location) (_ int, err error) {
	ctx, done := r.opts.observe(ctx, "registry.load_all_stacks")
	defer done(&err)
	names, err := r.ListStackNamesAt(ctx, loc)
	if err != nil {
		return 0, err
	}
	if len(names) == 0 {
		return 0, nil
	}
	for _, name := range names {
		if _, err := r.LoadStack(ctx, loc, name, false); err != nil {
			return 0, err
		}
	}
	if _, err := r.reloadedStore(ctx, loc); err != nil {
		return 0, err
	}
	return len(names), nil
}

// GetStack returns a registered stack.
func (r *Registry) GetStack(name string) (*Stack, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stacks[name]
	if !ok {
		return nil, domain.ErrNotFound{Entity: domain.EntityStack, Name: name}
	}
	return s, nil
}

// RemoveStack deletes a registered stack's record types and unregisters it.
// Deletion failures are logged; the name is unregistered regardless. It
// reports whether the name was registered.
func (r *Registry) RemoveStack(ctx context.Context, name string) bool {
	ctx, done := r.opts.observe(ctx, "registry.remove_stack")
	defer done(nil)
	r.mu.Lock()
	s, ok := r.stacks[name]
	r.mu.Unlock()
	if !ok {
		return false
	}
	if err := s.Delete(ctx); err != nil {
		r.opts.logger.Warn("stack delete failed", "stack", name, "error", err)
	}
	r.mu.Lock()
	delete(r.stacks, name)
	delete(r.stackLocations, name)
	r.mu.Unlock()
	return true
}

// ListStackNamesAt returns the base names of the stacks persisted at loc,
// whether or not they are loaded.
func (r *Registry) ListStackNamesAt(ctx context.Context, loc domain.Location) ([]string, error) {
	schemas, err := r.engine.SchemaNames(ctx, loc)
	if err != nil {
		return nil, fmt.Errorf("list stacks at %s: %w", loc, err)
	}
	set := make(map[string]struct{}, len(schemas)/2)
	for _, schema := range schemas {
		if !strings.HasSuffix(schema, SchemaDelimiter+SnapshotSuffix) && !strings.HasSuffix(schema, SchemaDelimiter+ListSuffix) {
			continue
		}
		set[BaseNameFromSchemaName(schema)] = struct{}{}
	}
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// LoadedStackNames returns the registered stack names in lexical order.
func (r *Registry) LoadedStackNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.stacks))
	for name := range r.stacks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadedStacks returns the registered handles ordered by name.
func (r *Registry) LoadedStacks() []*Stack {
	names := r.LoadedStackNames()
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Stack, 0, len(names))
	for _, name := range names {
		if s, ok := r.stacks[name]; ok {
			out = append(out, s)
		}
	}
	return out
}

// StackLocation returns where a registered stack lives.
func (r *Registry) StackLocation(name string) (domain.Location, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	loc, ok := r.stackLocations[name]
	return loc, ok
}

// LoadedLocations returns the locations with an open store.
func (r *Registry) LoadedLocations() []domain.Location {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Location, 0, len(r.openStores))
	for loc := range r.openStores {
		out = append(out, loc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// CloseAll closes every open store and forgets all stacks.
func (r *Registry) CloseAll() (err error) {
	_, done := r.opts.observe(context.Background(), "registry.close_all")
	defer done(&err)
	r.mu.Lock()
	stores := r.openStores
	r.openStores = make(map[domain.Location]domain.Store)
	r.stacks = make(map[string]*Stack)
	r.stackLocations = make(map[string]domain.Location)
	r.mu.Unlock()

	var g errgroup.Group
	for loc, st := range stores {
		g.Go(func() error {
			if err := st.Close(); err != nil {
				return fmt.Errorf("close store %s: %w", loc, err)
			}
			return nil
		})
	}
	return g.Wait()
}
