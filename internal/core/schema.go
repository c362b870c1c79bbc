package core

import (
	"fmt"
	"strings"

	"timestack/pkg/domain"
)

// Schema naming. Both record types of a stack share the stack name as prefix;
// the delimiter may not appear in stack names.
const (
	SchemaDelimiter = "_"
	SnapshotSuffix  = "SNAPSHOT"
	ListSuffix      = "STACK"

	// ListRowKey is the primary key of the singleton row holding a stack's
	// history.
	ListRowKey = "STACK_LIST_ROW"
	// ListPrimaryKey and ListProperty name the fields of the list type.
	ListPrimaryKey = "name"
	ListProperty   = "list"
)

// SnapshotSchemaName returns the snapshot record type name for a stack.
func SnapshotSchemaName(stack string) string {
	return stack + SchemaDelimiter + SnapshotSuffix
}

// ListSchemaName returns the list record type name for a stack.
func ListSchemaName(stack string) string {
	return stack + SchemaDelimiter + ListSuffix
}

// BaseNameFromSchemaName strips the last delimiter and the suffix after it.
// Names without a delimiter are returned unchanged.
func BaseNameFromSchemaName(schema string) string {
	i := strings.LastIndex(schema, SchemaDelimiter)
	if i < 0 {
		return schema
	}
	return schema[:i]
}

// StackSchemas is the pair of record types backing one stack.
type StackSchemas struct {
	Snapshot domain.RecordSchema
	List     domain.RecordSchema
}

// ValidateStackName rejects names that would collide with derived schema
// names.
func ValidateStackName(name string) error {
	if strings.TrimSpace(name) == "" {
		return domain.ValidationError{Subject: "stack name", Reason: "name is required"}
	}
	if strings.Contains(name, SchemaDelimiter) {
		return domain.ValidationError{Subject: "stack name", Reason: fmt.Sprintf("%q contains reserved delimiter %q", name, SchemaDelimiter)}
	}
	if strings.Contains(name, domain.KeySeparator) {
		return domain.ValidationError{Subject: "stack name", Reason: fmt.Sprintf("%q contains a control character", name)}
	}
	return nil
}

func validateProperties(stack string, props domain.Properties) error {
	for _, name := range props.Names() {
		t := props[name]
		switch {
		case strings.TrimSpace(name) == "":
			return domain.ValidationError{Subject: "properties", Reason: fmt.Sprintf("stack %q has an empty property name", stack)}
		case name == domain.TimestampField:
			return domain.ValidationError{Subject: "properties", Reason: fmt.Sprintf("stack %q: %q is reserved", stack, domain.TimestampField)}
		case !t.IsPrimitive():
			return domain.ValidationError{Subject: "properties", Reason: fmt.Sprintf("stack %q: property %q has unsupported type %s", stack, name, t)}
		}
	}
	return nil
}

// GenerateSchemas derives the snapshot and list record types for a stack.
func GenerateSchemas(stack string, props domain.Properties) (StackSchemas, error) {
	if err := ValidateStackName(stack); err != nil {
		return StackSchemas{}, err
	}
	snapshot, err := snapshotSchema(stack, props)
	if err != nil {
		return StackSchemas{}, err
	}
	list := domain.RecordSchema{
		Name:       ListSchemaName(stack),
		PrimaryKey: ListPrimaryKey,
		Properties: domain.Properties{
			ListPrimaryKey: domain.TypeString,
			ListProperty:   domain.ListOf(snapshot.Name),
		},
	}
	return StackSchemas{Snapshot: snapshot, List: list}, nil
}

func snapshotSchema(stack string, props domain.Properties) (domain.RecordSchema, error) {
	if err := validateProperties(stack, props); err != nil {
		return domain.RecordSchema{}, err
	}
	fields := props.Clone()
	if fields == nil {
		fields = domain.Properties{}
	}
	fields[domain.TimestampField] = domain.TypeDate
	return domain.RecordSchema{Name: SnapshotSchemaName(stack), Properties: fields}, nil
}

// stripTimestamp returns the caller-visible part of a snapshot schema.
func stripTimestamp(props domain.Properties) domain.Properties {
	out := props.Clone()
	if out == nil {
		out = domain.Properties{}
	}
	delete(out, domain.TimestampField)
	return out
}
