package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Kind enumerates the primitive value kinds a snapshot property may hold.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindInt
	KindFloat
	KindBool
	KindString
	KindDate
	// KindObject links to another record type by name. Only engine-internal
	// list schemas use it; caller snapshot properties are primitives.
	KindObject
)

var kindNames = map[Kind]string{
	KindInt:    "int",
	KindFloat:  "float",
	KindBool:   "bool",
	KindString: "string",
	KindDate:   "date",
}

var kindAliases = map[string]Kind{
	"int":    KindInt,
	"float":  KindFloat,
	"double": KindFloat,
	"bool":   KindBool,
	"string": KindString,
	"date":   KindDate,
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	if k == KindObject {
		return "object"
	}
	return "invalid"
}

// PropertyType is a tagged union over the supported property shapes: a
// primitive kind, optionally as a homogeneous array, or a link to another
// record type.
type PropertyType struct {
	Kind       Kind
	Array      bool
	ObjectType string
}

// Primitive property types.
var (
	TypeInt    = PropertyType{Kind: KindInt}
	TypeFloat  = PropertyType{Kind: KindFloat}
	TypeBool   = PropertyType{Kind: KindBool}
	TypeString = PropertyType{Kind: KindString}
	TypeDate   = PropertyType{Kind: KindDate}
)

// ArrayOf returns the homogeneous array form of t.
func ArrayOf(t PropertyType) PropertyType {
	t.Array = true
	return t
}

// ListOf returns an array property linking to the named record type.
func ListOf(objectType string) PropertyType {
	return PropertyType{Kind: KindObject, Array: true, ObjectType: objectType}
}

// ParsePropertyType parses the textual notation used in schemas and on the
// command line: int, float (alias double), bool, string, date, an object type
// name, each optionally suffixed with [] for arrays.
func ParsePropertyType(s string) (PropertyType, error) {
	raw := strings.TrimSpace(s)
	var t PropertyType
	if strings.HasSuffix(raw, "[]") {
		t.Array = true
		raw = strings.TrimSuffix(raw, "[]")
	}
	if raw == "" {
		return PropertyType{}, ValidationError{Subject: "property type", Reason: fmt.Sprintf("empty type in %q", s)}
	}
	if kind, ok := kindAliases[raw]; ok {
		t.Kind = kind
		return t, nil
	}
	if strings.ContainsAny(raw, " []") {
		return PropertyType{}, ValidationError{Subject: "property type", Reason: fmt.Sprintf("unrecognised type %q", s)}
	}
	t.Kind = KindObject
	t.ObjectType = raw
	return t, nil
}

// MustParsePropertyType is ParsePropertyType for literals known to be valid.
func MustParsePropertyType(s string) PropertyType {
	t, err := ParsePropertyType(s)
	if err != nil {
		panic(err)
	}
	return t
}

// String renders the type in the notation accepted by ParsePropertyType.
func (t PropertyType) String() string {
	base := t.Kind.String()
	if t.Kind == KindObject {
		base = t.ObjectType
	}
	if t.Array {
		return base + "[]"
	}
	return base
}

// IsPrimitive reports whether the type holds caller data rather than a link.
func (t PropertyType) IsPrimitive() bool {
	_, ok := kindNames[t.Kind]
	return ok
}

// MarshalText implements encoding.TextMarshaler.
func (t PropertyType) MarshalText() ([]byte, error) {
	if t.Kind == KindInvalid {
		return nil, ValidationError{Subject: "property type", Reason: "invalid kind"}
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *PropertyType) UnmarshalText(b []byte) error {
	parsed, err := ParsePropertyType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Normalize checks v against the type and converts it to the canonical Go
// representation: int64, float64, bool, string, time.Time, or a typed slice
// of those. Nil is accepted and left unset.
func (t PropertyType) Normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if !t.IsPrimitive() {
		return nil, fmt.Errorf("cannot store value in %s property", t)
	}
	if !t.Array {
		return normalizeScalar(t.Kind, v)
	}
	items, ok := toSlice(v)
	if !ok {
		return nil, fmt.Errorf("expected %s, got %T", t, v)
	}
	switch t.Kind {
	case KindInt:
		return normalizeSlice[int64](t.Kind, items)
	case KindFloat:
		return normalizeSlice[float64](t.Kind, items)
	case KindBool:
		return normalizeSlice[bool](t.Kind, items)
	case KindString:
		return normalizeSlice[string](t.Kind, items)
	default:
		return normalizeSlice[time.Time](t.Kind, items)
	}
}

func normalizeSlice[T any](kind Kind, items []any) (any, error) {
	out := make([]T, 0, len(items))
	for i, item := range items {
		v, err := normalizeScalar(kind, item)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		typed, ok := v.(T)
		if !ok {
			return nil, fmt.Errorf("element %d: nil not allowed in %s[]", i, kind)
		}
		out = append(out, typed)
	}
	return out, nil
}

func normalizeScalar(kind Kind, v any) (any, error) {
	switch kind {
	case KindInt:
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int8:
			return int64(n), nil
		case int16:
			return int64(n), nil
		case int32:
			return int64(n), nil
		case int64:
			return n, nil
		case uint8:
			return int64(n), nil
		case uint16:
			return int64(n), nil
		case uint32:
			return int64(n), nil
		case float64:
			if n != float64(int64(n)) {
				return nil, fmt.Errorf("expected int, got fractional %v", n)
			}
			return int64(n), nil
		case json.Number:
			return n.Int64()
		}
	case KindFloat:
		switch n := v.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case json.Number:
			return n.Float64()
		}
	case KindBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case KindString:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case KindDate:
		switch d := v.(type) {
		case time.Time:
			return d, nil
		case string:
			parsed, err := time.Parse(time.RFC3339Nano, d)
			if err != nil {
				return nil, fmt.Errorf("expected date: %w", err)
			}
			return parsed, nil
		}
	}
	if v == nil {
		return nil, nil
	}
	return nil, fmt.Errorf("expected %s, got %T", kind, v)
}

func toSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []int:
		return anySlice(s), true
	case []int64:
		return anySlice(s), true
	case []float64:
		return anySlice(s), true
	case []bool:
		return anySlice(s), true
	case []string:
		return anySlice(s), true
	case []time.Time:
		return anySlice(s), true
	}
	return nil, false
}

func anySlice[T any](in []T) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}

// Decode converts a stored JSON value back into the canonical representation.
func (t PropertyType) Decode(raw json.RawMessage) (any, error) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return t.Normalize(v)
}

// ParseValue parses a textual value, as typed on a command line. Array
// elements are comma separated.
func (t PropertyType) ParseValue(s string) (any, error) {
	if !t.Array {
		return parseScalar(t.Kind, s)
	}
	if strings.TrimSpace(s) == "" {
		return t.Normalize([]any{})
	}
	parts := strings.Split(s, ",")
	items := make([]any, 0, len(parts))
	for _, p := range parts {
		v, err := parseScalar(t.Kind, strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		items = append(items, v)
	}
	return t.Normalize(items)
}

func parseScalar(kind Kind, s string) (any, error) {
	switch kind {
	case KindInt:
		return strconv.ParseInt(s, 10, 64)
	case KindFloat:
		return strconv.ParseFloat(s, 64)
	case KindBool:
		return strconv.ParseBool(s)
	case KindString:
		return s, nil
	case KindDate:
		return ParseTime(s)
	}
	return nil, fmt.Errorf("cannot parse %s value", kind)
}

// ParseTime accepts RFC 3339 timestamps and bare YYYY-MM-DD dates (UTC).
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: want RFC 3339 or YYYY-MM-DD", s)
	}
	return t, nil
}

// Properties maps property names to their types.
type Properties map[string]PropertyType

// Names returns the property names in lexical order.
func (p Properties) Names() []string {
	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns an independent copy.
func (p Properties) Clone() Properties {
	if p == nil {
		return nil
	}
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Equal reports whether both maps describe the same properties.
func (p Properties) Equal(o Properties) bool {
	if len(p) != len(o) {
		return false
	}
	for k, v := range p {
		if ov, ok := o[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// ParseProperties builds Properties from name -> notation pairs.
func ParseProperties(in map[string]string) (Properties, error) {
	out := make(Properties, len(in))
	for name, notation := range in {
		t, err := ParsePropertyType(notation)
		if err != nil {
			return nil, fmt.Errorf("property %s: %w", name, err)
		}
		out[name] = t
	}
	return out, nil
}
