package domain

import (
	"context"
	"fmt"
	"strings"
)

// Location identifies one physical store: the registry that holds schema
// definitions plus the store path inside it. Locations are comparable and are
// used directly as map keys.
type Location struct {
	RegistryPath string `json:"registry_path" yaml:"registry_path"`
	StorePath    string `json:"store_path" yaml:"store_path"`
}

// KeySeparator is reserved inside storage keys and may not appear in
// location paths or schema names.
const KeySeparator = "\x1f"

func (l Location) String() string {
	return l.RegistryPath + "#" + l.StorePath
}

// Validate rejects locations that cannot be encoded into storage keys.
func (l Location) Validate() error {
	if strings.TrimSpace(l.StorePath) == "" {
		return ValidationError{Subject: "location", Reason: "store path is required"}
	}
	if strings.Contains(l.RegistryPath, KeySeparator) || strings.Contains(l.StorePath, KeySeparator) {
		return ValidationError{Subject: "location", Reason: fmt.Sprintf("%s contains a reserved control character", l)}
	}
	return nil
}

// Engine is the embedded store engine the stack layer is built on. It owns
// schema definitions per location and hands out Store handles for data access.
type Engine interface {
	// Open returns a new handle for loc with the schemas currently defined.
	Open(ctx context.Context, loc Location) (Store, error)
	// SaveSchema defines a record type. Without overwrite an existing
	// definition yields ErrSchemaExists.
	SaveSchema(ctx context.Context, loc Location, schema RecordSchema, overwrite bool) error
	// UpdateSchema replaces an existing record type definition.
	UpdateSchema(ctx context.Context, loc Location, schema RecordSchema) error
	// RemoveSchema deletes a record type and every object stored under it.
	RemoveSchema(ctx context.Context, loc Location, name string) error
	// SchemaNames lists the record types defined at loc in lexical order.
	SchemaNames(ctx context.Context, loc Location) ([]string, error)
	// Properties returns the field definitions of a record type.
	Properties(ctx context.Context, loc Location, name string) (Properties, error)
	Close() error
}

// Store is an opened location. Handles see the schemas that existed when
// they were opened or last reloaded.
type Store interface {
	Location() Location
	// Reload refreshes the schema view; reads issued after it returns observe
	// the new definitions.
	Reload(ctx context.Context) error
	Schema(name string) (RecordSchema, bool)
	// Object fetches a detached copy of a singleton row by primary key.
	Object(ctx context.Context, schema, key string) (ListRow, bool, error)
	// Objects returns every record of a snapshot type across the rows that
	// link to it.
	Objects(ctx context.Context, schema string) ([]Snapshot, error)
	// Write runs fn in one atomic transaction.
	Write(ctx context.Context, fn func(Transaction) error) error
	Close() error
}

// Transaction is the mutation surface available inside Store.Write.
type Transaction interface {
	Object(schema, key string) (ListRow, bool, error)
	// Create inserts a new row keyed by row.Name, failing with
	// ErrDuplicateObject if one exists.
	Create(schema string, row ListRow) error
	// Put inserts or replaces the row keyed by row.Name.
	Put(schema string, row ListRow) error
}
