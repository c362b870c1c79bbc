package domain

import (
	"errors"
	"fmt"
)

// EntityType names the kind of thing an ErrNotFound refers to.
type EntityType string

const (
	EntityStack  EntityType = "stack"
	EntitySchema EntityType = "schema"
	EntityObject EntityType = "object"
)

// ErrNotFound is returned when a named stack, schema or object does not exist.
type ErrNotFound struct {
	Entity EntityType
	Name   string
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.Name)
}

// IsNotFound reports whether err wraps an ErrNotFound for the given entity.
// An empty entity matches any.
func IsNotFound(err error, entity EntityType) bool {
	var nf ErrNotFound
	if !errors.As(err, &nf) {
		return false
	}
	return entity == "" || nf.Entity == entity
}

var (
	// ErrMissingListRow marks a stack whose singleton list row was never
	// written, which only happens when creation was interrupted.
	ErrMissingListRow = errors.New("missing stack list row")
	// ErrDuplicateObject is returned when creating an object whose primary
	// key already exists.
	ErrDuplicateObject = errors.New("object already exists")
	// ErrSchemaExists is returned when saving a schema without overwrite
	// while one with the same name is already defined.
	ErrSchemaExists = errors.New("schema already exists")
	// ErrStoreClosed is returned by store handles used after Close.
	ErrStoreClosed = errors.New("store is closed")
)

// ListRowError reports a stack without its list row.
type ListRowError struct {
	Stack  string
	Schema string
}

func (e *ListRowError) Error() string {
	return fmt.Sprintf("missing a STACK_LIST_ROW for the stack %q (schema %s)", e.Stack, e.Schema)
}

func (e *ListRowError) Unwrap() error { return ErrMissingListRow }

// ValidationError describes caller input rejected before touching storage.
type ValidationError struct {
	Subject string
	Reason  string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Subject, e.Reason)
}
