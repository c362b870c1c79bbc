package domain

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"
)

var testProps = Properties{
	"load": TypeFloat,
	"tags": ArrayOf(TypeString),
	"seen": TypeDate,
}

func TestNormalizeFields(t *testing.T) {
	got, err := NormalizeFields(testProps, Fields{"load": 1, "tags": []any{"a"}, "seen": nil})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	want := Fields{"load": 1.0, "tags": []string{"a"}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %#v want %#v", got, want)
	}

	for name, in := range map[string]Fields{
		"reserved": {TimestampField: time.Now()},
		"unknown":  {"disk": 1},
		"type":     {"load": "high"},
	} {
		var verr ValidationError
		if _, err := NormalizeFields(testProps, in); !errors.As(err, &verr) {
			t.Fatalf("%s: expected ValidationError, got %v", name, err)
		}
	}
}

func TestSnapshotCloneIsDetached(t *testing.T) {
	s := Snapshot{Timestamp: time.Unix(0, 0), Fields: Fields{"tags": []string{"a"}, "load": 1.0}}
	c := s.Clone()
	c.Fields["tags"].([]string)[0] = "changed"
	c.Fields["load"] = 2.0
	if s.Fields["tags"].([]string)[0] != "a" || s.Fields["load"] != 1.0 {
		t.Fatalf("clone shares state with the original: %#v", s.Fields)
	}
	if (Snapshot{}).Clone().Fields != nil {
		t.Fatal("nil fields clone to nil")
	}
}

func TestSnapshotMarshalJSONIsFlat(t *testing.T) {
	s := Snapshot{
		Timestamp: time.Date(2022, 9, 1, 0, 0, 0, 0, time.UTC),
		Fields:    Fields{"load": 0.5},
	}
	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"load":0.5,"timestamp":"2022-09-01T00:00:00Z"}` {
		t.Fatalf("unexpected json %s", data)
	}
}

func TestListRowRoundTrip(t *testing.T) {
	day := time.Date(2022, 9, 1, 0, 0, 0, 0, time.UTC)
	row := ListRow{Name: "STACK_LIST_ROW", List: []Snapshot{
		{Timestamp: day.AddDate(0, 0, 1), Fields: Fields{"load": 0.5, "tags": []string{"x", "y"}, "seen": day}},
		{Timestamp: day},
	}}
	data, err := EncodeListRow(row)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	back, err := DecodeListRow(data, testProps)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if back.Name != row.Name || len(back.List) != 2 {
		t.Fatalf("unexpected row %+v", back)
	}
	f := back.List[0].Fields
	if f["load"] != 0.5 || !reflect.DeepEqual(f["tags"], []string{"x", "y"}) {
		t.Fatalf("fields not typed: %#v", f)
	}
	if seen, ok := f["seen"].(time.Time); !ok || !seen.Equal(day) {
		t.Fatalf("date field %#v", f["seen"])
	}
	if back.List[1].Fields != nil || !back.List[1].Timestamp.Equal(day) {
		t.Fatalf("empty snapshot changed: %+v", back.List[1])
	}
}

func TestDecodeKeepsFieldsFromOlderSchemas(t *testing.T) {
	data, err := MarshalSnapshots([]Snapshot{{
		Timestamp: time.Unix(100, 0).UTC(),
		Fields:    Fields{"load": 1.5, "zone": "eu", "count": int64(3)},
	}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	// "load" changed type and "zone" and "count" are gone from the schema.
	snaps, err := UnmarshalSnapshots(data, Properties{"load": TypeInt})
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	f := snaps[0].Fields
	if f["load"] != 1.5 || f["zone"] != "eu" || f["count"] != 3.0 {
		t.Fatalf("fallback decoding: %#v", f)
	}
	if _, err := UnmarshalSnapshots([]byte("{"), testProps); err == nil || !strings.Contains(err.Error(), "decode snapshots") {
		t.Fatalf("expected decode error, got %v", err)
	}
}

func TestRecordSchemaElementType(t *testing.T) {
	list := RecordSchema{Name: "cpu_STACK", Properties: Properties{"name": TypeString, "list": ListOf("cpu_SNAPSHOT")}}
	if et, ok := list.ElementType(); !ok || et != "cpu_SNAPSHOT" {
		t.Fatalf("element type %q %v", et, ok)
	}
	if _, ok := (RecordSchema{Properties: testProps}).ElementType(); ok {
		t.Fatal("snapshot schemas have no element type")
	}
}

func TestErrors(t *testing.T) {
	err := error(ErrNotFound{Entity: EntityStack, Name: "cpu"})
	wrapped := errors.Join(errors.New("load"), err)
	if !IsNotFound(wrapped, EntityStack) || !IsNotFound(wrapped, "") || IsNotFound(wrapped, EntitySchema) {
		t.Fatal("IsNotFound entity matching")
	}
	if IsNotFound(errors.New("x"), "") {
		t.Fatal("plain errors are not ErrNotFound")
	}
	lre := &ListRowError{Stack: "cpu", Schema: "cpu_STACK"}
	if !errors.Is(lre, ErrMissingListRow) || !strings.Contains(lre.Error(), "STACK_LIST_ROW") {
		t.Fatalf("list row error: %v", lre)
	}
}

func TestLocation(t *testing.T) {
	loc := Location{RegistryPath: "reg.db", StorePath: "main"}
	if loc.String() != "reg.db#main" || loc.Validate() != nil {
		t.Fatalf("valid location %v", loc)
	}
	if (Location{RegistryPath: "reg.db"}).Validate() == nil {
		t.Fatal("store path is required")
	}
	if (Location{RegistryPath: "a" + KeySeparator, StorePath: "b"}).Validate() == nil {
		t.Fatal("separator must be rejected")
	}
}
