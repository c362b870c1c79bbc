// Package archive exports a stack's full history to a blob store and imports
// it back into a registry.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"timestack/internal/blob"
	"timestack/internal/core"
	"timestack/pkg/domain"
)

// FormatVersion is written into every document; Import rejects others.
const FormatVersion = 1

const (
	keyPrefix   = "stacks/"
	contentType = "application/json"
	// exportConcurrency bounds ExportAll fan-out.
	exportConcurrency = 4
)

// ErrStackExists is returned by Import when the target name is taken at the
// destination.
var ErrStackExists = errors.New("archive: stack already exists")

// Document is the archived form of one stack. Snapshots are in stored form,
// newest first.
type Document struct {
	Version    int               `json:"version"`
	Stack      string            `json:"stack"`
	Location   domain.Location   `json:"location"`
	Properties domain.Properties `json:"properties"`
	ExportedAt time.Time         `json:"exported_at"`
	Snapshots  json.RawMessage   `json:"snapshots"`
}

// Exporter moves stacks between a registry and a blob store.
type Exporter struct {
	store  blob.Store
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// Option customises an Exporter.
type Option func(*Exporter)

// WithLogger sets the logger for export and import events.
func WithLogger(l *slog.Logger) Option {
	return func(e *Exporter) {
		if l != nil {
			e.logger = l
		}
	}
}

// New returns an Exporter writing to store.
func New(store blob.Store, opts ...Option) *Exporter {
	e := &Exporter{
		store:  store,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Key returns the object key for one export of a stack.
func Key(stack, id string) string {
	return keyPrefix + stack + "/" + id + ".json"
}

// Prefix returns the key prefix of a stack's exports, or of all exports when
// stack is empty.
func Prefix(stack string) string {
	if stack == "" {
		return keyPrefix
	}
	return keyPrefix + stack + "/"
}

// Export writes the stack's properties and full history as a new object.
func (e *Exporter) Export(ctx context.Context, s *core.Stack) (blob.Info, error) {
	props, err := s.Properties(ctx)
	if err != nil {
		return blob.Info{}, fmt.Errorf("export %s: %w", s.Name(), err)
	}
	snaps, err := s.AllSnapshots(ctx)
	if err != nil {
		return blob.Info{}, fmt.Errorf("export %s: %w", s.Name(), err)
	}
	raw, err := domain.MarshalSnapshots(snaps)
	if err != nil {
		return blob.Info{}, fmt.Errorf("export %s: %w", s.Name(), err)
	}
	doc := Document{
		Version:    FormatVersion,
		Stack:      s.Name(),
		Location:   s.Location(),
		Properties: props,
		ExportedAt: e.now(),
		Snapshots:  raw,
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return blob.Info{}, fmt.Errorf("export %s: encode: %w", s.Name(), err)
	}
	key := Key(s.Name(), e.newID())
	info, err := e.store.Put(ctx, key, bytes.NewReader(data), blob.PutOptions{
		ContentType: contentType,
		Metadata: map[string]string{
			"stack":     s.Name(),
			"snapshots": strconv.Itoa(len(snaps)),
		},
	})
	if err != nil {
		return blob.Info{}, fmt.Errorf("export %s: %w", s.Name(), err)
	}
	e.logger.Info("stack exported", "stack", s.Name(), "key", key, "snapshots", len(snaps))
	return info, nil
}

// ExportAll exports every loaded stack concurrently. Results follow the
// registry's name order; the first failure cancels the rest.
func (e *Exporter) ExportAll(ctx context.Context, reg *core.Registry) ([]blob.Info, error) {
	stacks := reg.LoadedStacks()
	out := make([]blob.Info, len(stacks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(exportConcurrency)
	for i, s := range stacks {
		g.Go(func() error {
			info, err := e.Export(gctx, s)
			if err != nil {
				return err
			}
			out[i] = info
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Read fetches and decodes an archived document.
func (e *Exporter) Read(ctx context.Context, key string) (Document, error) {
	_, rc, err := e.store.Get(ctx, key)
	if err != nil {
		return Document{}, fmt.Errorf("read %s: %w", key, err)
	}
	defer rc.Close()
	var doc Document
	if err := json.NewDecoder(rc).Decode(&doc); err != nil {
		return Document{}, fmt.Errorf("read %s: decode: %w", key, err)
	}
	if doc.Version != FormatVersion {
		return Document{}, fmt.Errorf("read %s: unsupported format version %d", key, doc.Version)
	}
	if err := core.ValidateStackName(doc.Stack); err != nil {
		return Document{}, fmt.Errorf("read %s: %w", key, err)
	}
	return doc, nil
}

// Import recreates an archived stack at loc, or at its archived location when
// loc is the zero value, and restores its history with timestamps and order
// intact. The name must be free both in reg and at the destination.
func (e *Exporter) Import(ctx context.Context, reg *core.Registry, loc domain.Location, key string) (*core.Stack, error) {
	doc, err := e.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	if loc == (domain.Location{}) {
		loc = doc.Location
	}
	if _, err := reg.GetStack(doc.Stack); err == nil {
		return nil, fmt.Errorf("import %s: %w", doc.Stack, ErrStackExists)
	}
	persisted, err := reg.ListStackNamesAt(ctx, loc)
	if err != nil {
		return nil, fmt.Errorf("import %s: %w", doc.Stack, err)
	}
	if slices.Contains(persisted, doc.Stack) {
		return nil, fmt.Errorf("import %s at %s: %w", doc.Stack, loc, ErrStackExists)
	}
	snaps, err := domain.UnmarshalSnapshots(doc.Snapshots, doc.Properties)
	if err != nil {
		return nil, fmt.Errorf("import %s: %w", doc.Stack, err)
	}
	s, err := reg.CreateStack(ctx, loc, doc.Stack, doc.Properties)
	if err != nil {
		return nil, fmt.Errorf("import %s: %w", doc.Stack, err)
	}
	if err := s.RestoreSnapshots(ctx, snaps...); err != nil {
		reg.RemoveStack(ctx, doc.Stack)
		return nil, fmt.Errorf("import %s: %w", doc.Stack, err)
	}
	e.logger.Info("stack imported", "stack", doc.Stack, "key", key, "location", loc.String(), "snapshots", len(snaps))
	return s, nil
}

// List returns the exports of one stack, or of every stack when name is
// empty, ordered by key.
func (e *Exporter) List(ctx context.Context, name string) ([]blob.Info, error) {
	infos, err := e.store.List(ctx, Prefix(name))
	if err != nil {
		return nil, fmt.Errorf("list exports: %w", err)
	}
	out := infos[:0]
	for _, info := range infos {
		if strings.HasSuffix(info.Key, ".json") {
			out = append(out, info)
		}
	}
	return out, nil
}
