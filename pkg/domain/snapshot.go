package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// TimestampField is the reserved property every snapshot record carries.
const TimestampField = "timestamp"

// Fields holds the caller-defined values of one snapshot.
type Fields map[string]any

// Snapshot is one immutable, timestamped record of a stack.
type Snapshot struct {
	Timestamp time.Time
	Fields    Fields
}

// Clone returns a copy whose field map and slice values are not shared.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{Timestamp: s.Timestamp}
	if s.Fields != nil {
		out.Fields = make(Fields, len(s.Fields))
		for k, v := range s.Fields {
			out.Fields[k] = cloneValue(v)
		}
	}
	return out
}

func cloneValue(v any) any {
	switch s := v.(type) {
	case []int64:
		return append([]int64(nil), s...)
	case []float64:
		return append([]float64(nil), s...)
	case []bool:
		return append([]bool(nil), s...)
	case []string:
		return append([]string(nil), s...)
	case []time.Time:
		return append([]time.Time(nil), s...)
	case []any:
		return append([]any(nil), s...)
	}
	return v
}

// MarshalJSON flattens the snapshot into a single object with a timestamp key,
// matching the stored record shape.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(s.Fields)+1)
	for k, v := range s.Fields {
		flat[k] = v
	}
	flat[TimestampField] = s.Timestamp
	return json.Marshal(flat)
}

// ListRow is the singleton row that owns a stack's ordered history, newest
// first.
type ListRow struct {
	Name string
	List []Snapshot
}

// Clone deep-copies the row.
func (r ListRow) Clone() ListRow {
	out := ListRow{Name: r.Name, List: make([]Snapshot, len(r.List))}
	for i, s := range r.List {
		out.List[i] = s.Clone()
	}
	return out
}

// RecordSchema describes a named record type stored by an engine.
type RecordSchema struct {
	Name       string     `json:"name"`
	PrimaryKey string     `json:"primary_key,omitempty"`
	Properties Properties `json:"properties"`
}

// ElementType returns the linked record type of the first object-list
// property, which is how list schemas reference their snapshot schema.
func (s RecordSchema) ElementType() (string, bool) {
	names := s.Properties.Names()
	for _, name := range names {
		t := s.Properties[name]
		if t.Kind == KindObject && t.Array {
			return t.ObjectType, true
		}
	}
	return "", false
}

// NormalizeFields validates caller values against props and returns the
// canonical copy. Unknown names and the reserved timestamp key are rejected.
func NormalizeFields(props Properties, in Fields) (Fields, error) {
	out := make(Fields, len(in))
	for _, name := range sortedKeys(in) {
		if name == TimestampField {
			return nil, ValidationError{Subject: "snapshot", Reason: "field \"timestamp\" is reserved"}
		}
		t, ok := props[name]
		if !ok {
			return nil, ValidationError{Subject: "snapshot", Reason: fmt.Sprintf("unknown field %q", name)}
		}
		v, err := t.Normalize(in[name])
		if err != nil {
			return nil, ValidationError{Subject: "snapshot", Reason: fmt.Sprintf("field %q: %v", name, err)}
		}
		if v != nil {
			out[name] = v
		}
	}
	return out, nil
}

func sortedKeys(in Fields) []string {
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type storedSnapshot struct {
	Timestamp time.Time                  `json:"timestamp"`
	Fields    map[string]json.RawMessage `json:"fields,omitempty"`
}

type storedRow struct {
	Name string           `json:"name"`
	List []storedSnapshot `json:"list"`
}

// MarshalSnapshots encodes snapshots in their stored form.
func MarshalSnapshots(list []Snapshot) ([]byte, error) {
	stored, err := toStored(list)
	if err != nil {
		return nil, err
	}
	return json.Marshal(stored)
}

// UnmarshalSnapshots decodes stored snapshots, typing known fields by props.
func UnmarshalSnapshots(data []byte, props Properties) ([]Snapshot, error) {
	var stored []storedSnapshot
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("decode snapshots: %w", err)
	}
	return fromStored(stored, props)
}

// EncodeListRow serialises a list row for storage.
func EncodeListRow(row ListRow) ([]byte, error) {
	list, err := toStored(row.List)
	if err != nil {
		return nil, err
	}
	return json.Marshal(storedRow{Name: row.Name, List: list})
}

// DecodeListRow restores a list row written by EncodeListRow. Fields present
// in props are decoded to their canonical type; fields written under an older
// schema keep their generic JSON form.
func DecodeListRow(data []byte, props Properties) (ListRow, error) {
	var stored storedRow
	if err := json.Unmarshal(data, &stored); err != nil {
		return ListRow{}, fmt.Errorf("decode list row: %w", err)
	}
	list, err := fromStored(stored.List, props)
	if err != nil {
		return ListRow{}, err
	}
	return ListRow{Name: stored.Name, List: list}, nil
}

func toStored(list []Snapshot) ([]storedSnapshot, error) {
	out := make([]storedSnapshot, len(list))
	for i, s := range list {
		out[i].Timestamp = s.Timestamp
		if len(s.Fields) == 0 {
			continue
		}
		out[i].Fields = make(map[string]json.RawMessage, len(s.Fields))
		for k, v := range s.Fields {
			raw, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("encode field %s: %w", k, err)
			}
			out[i].Fields[k] = raw
		}
	}
	return out, nil
}

func fromStored(stored []storedSnapshot, props Properties) ([]Snapshot, error) {
	out := make([]Snapshot, len(stored))
	for i, s := range stored {
		out[i].Timestamp = s.Timestamp
		if len(s.Fields) == 0 {
			continue
		}
		out[i].Fields = make(Fields, len(s.Fields))
		for k, raw := range s.Fields {
			v, err := decodeField(props, k, raw)
			if err != nil {
				return nil, fmt.Errorf("decode snapshot %d field %s: %w", i, k, err)
			}
			out[i].Fields[k] = v
		}
	}
	return out, nil
}

func decodeField(props Properties, name string, raw json.RawMessage) (any, error) {
	if t, ok := props[name]; ok && t.IsPrimitive() {
		if v, err := t.Decode(raw); err == nil {
			return v, nil
		}
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return generic, nil
}
