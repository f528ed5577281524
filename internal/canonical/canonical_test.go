package canonical_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ILLUVRSE/anchor/internal/canonical"
	"github.com/ILLUVRSE/anchor/internal/dataset"
)

func fixtureRecord() dataset.Record {
	return dataset.Record{
		Tenant:    "t1",
		Player:    "p1",
		Elo:       1500,
		Rank:      3,
		Matches:   42,
		UpdatedAt: time.Date(2024, 5, 1, 12, 34, 56, 789000000, time.UTC),
	}
}

func TestRecordFixture(t *testing.T) {
	got, err := canonical.Record(fixtureRecord())
	if err != nil {
		t.Fatalf("canonical.Record error: %v", err)
	}
	want := `{"elo":1500,"matches":42,"player":"p1","rank":3,"tenant":"t1","updated_at":"2024-05-01T12:34:56+00:00"}`
	if string(got) != want {
		t.Fatalf("canonical bytes mismatch:\n got: %s\nwant: %s", got, want)
	}
}

func TestRecordFieldOrderIndependent(t *testing.T) {
	a := fixtureRecord()

	var b dataset.Record
	b.UpdatedAt = a.UpdatedAt
	b.Matches = a.Matches
	b.Rank = a.Rank
	b.Elo = a.Elo
	b.Player = a.Player
	b.Tenant = a.Tenant

	ca, err := canonical.Record(a)
	if err != nil {
		t.Fatalf("canonical.Record(a) error: %v", err)
	}
	cb, err := canonical.Record(b)
	if err != nil {
		t.Fatalf("canonical.Record(b) error: %v", err)
	}
	if string(ca) != string(cb) {
		t.Fatalf("canonical outputs differ:\nA: %s\nB: %s", ca, cb)
	}
}

func TestRecordTimezoneAndSubsecondInsensitive(t *testing.T) {
	a := fixtureRecord()
	b := fixtureRecord()
	loc := time.FixedZone("UTC+5", 5*3600)
	b.UpdatedAt = a.UpdatedAt.Truncate(time.Second).In(loc).Add(250 * time.Millisecond)

	ca, _ := canonical.Record(a)
	cb, _ := canonical.Record(b)
	if string(ca) != string(cb) {
		t.Fatalf("expected identical bytes across zones:\nA: %s\nB: %s", ca, cb)
	}
}

func TestRecordMissingFieldIsSchemaError(t *testing.T) {
	r := fixtureRecord()
	r.Player = ""
	_, err := canonical.Record(r)
	var se *dataset.SchemaError
	if !errors.As(err, &se) {
		t.Fatalf("expected SchemaError, got %v", err)
	}
	if se.Field != "player" {
		t.Fatalf("expected field player, got %s", se.Field)
	}
}

func TestMarshalSortedKeys(t *testing.T) {
	a := map[string]interface{}{"b": 2, "a": 1}
	b := map[string]interface{}{"a": 1, "b": 2}

	ca, err := canonical.Marshal(a)
	if err != nil {
		t.Fatalf("canonical.Marshal(a) error: %v", err)
	}
	cb, err := canonical.Marshal(b)
	if err != nil {
		t.Fatalf("canonical.Marshal(b) error: %v", err)
	}
	if string(ca) != `{"a":1,"b":2}` || string(ca) != string(cb) {
		t.Fatalf("unexpected canonical output: %s / %s", ca, cb)
	}

	var tmp interface{}
	if err := json.Unmarshal(ca, &tmp); err != nil {
		t.Fatalf("canonical output is not valid JSON: %v", err)
	}
}

func TestMarshalRejectsFloats(t *testing.T) {
	if _, err := canonical.Marshal(map[string]interface{}{"elo": 1500.5}); err == nil {
		t.Fatalf("expected error for float value")
	}
	if _, err := canonical.Marshal(json.Number("1.5")); err == nil {
		t.Fatalf("expected error for fractional json.Number")
	}
}

func TestMarshalASCIIEscaping(t *testing.T) {
	got, err := canonical.Marshal(map[string]interface{}{
		"name": "Zoë \"<&>\"\n\U0001F600",
	})
	if err != nil {
		t.Fatalf("canonical.Marshal error: %v", err)
	}
	want := `{"name":"Zo\u00eb \"<&>\"\n\ud83d\ude00"}`
	if string(got) != want {
		t.Fatalf("escaping mismatch:\n got: %s\nwant: %s", got, want)
	}

	var out map[string]string
	if err := json.Unmarshal(got, &out); err != nil {
		t.Fatalf("unmarshal canonical: %v", err)
	}
	if out["name"] != "Zoë \"<&>\"\n\U0001F600" {
		t.Fatalf("round trip changed value: %q", out["name"])
	}
}
