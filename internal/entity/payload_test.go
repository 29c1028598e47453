package entity

import (
	"encoding/json"
	"testing"
)

// TestParseKind_Valid tests that every wire token parses to its kind
func TestParseKind_Valid(t *testing.T) {
	for _, k := range Kinds {
		parsed, err := ParseKind(k.String())
		if err != nil {
			t.Fatalf("ParseKind(%q) failed: %v", k.String(), err)
		}
		if parsed != k {
			t.Errorf("ParseKind(%q) = %v, want %v", k.String(), parsed, k)
		}
	}
}

// TestParseKind_Invalid tests rejection of unknown entity types
func TestParseKind_Invalid(t *testing.T) {
	for _, bad := range []string{"", "task", "Project", "properties"} {
		if _, err := ParseKind(bad); err == nil {
			t.Errorf("ParseKind(%q) should have failed", bad)
		}
	}
}

// TestParseOp_Invalid tests rejection of unknown operations
func TestParseOp_Invalid(t *testing.T) {
	for _, bad := range []string{"", "upsert", "CREATE", "remove"} {
		if _, err := ParseOp(bad); err == nil {
			t.Errorf("ParseOp(%q) should have failed", bad)
		}
	}
}

// TestDecodePayload_MalformedJSON tests that broken JSON is reported
func TestDecodePayload_MalformedJSON(t *testing.T) {
	_, err := DecodePayload(KindProject, json.RawMessage(`{"name":`))
	if err == nil {
		t.Fatal("DecodePayload should have failed on malformed JSON")
	}
}

// TestDecodePayload_Empty tests that an absent payload decodes to an empty one
func TestDecodePayload_Empty(t *testing.T) {
	p, err := DecodePayload(KindComment, nil)
	if err != nil {
		t.Fatalf("DecodePayload(nil) failed: %v", err)
	}
	if len(p.Fields()) != 0 {
		t.Errorf("empty payload should have no fields, got %v", p.Fields())
	}
}

// TestProjectPayload_ValidateCreate tests required project fields
func TestProjectPayload_ValidateCreate(t *testing.T) {
	p := &ProjectPayload{}
	if err := p.ValidateCreate(); err == nil || err.Error() != "missing name" {
		t.Errorf("ValidateCreate() = %v, want missing name", err)
	}

	name := "Rental portfolio"
	p.Name = &name
	if err := p.ValidateCreate(); err != nil {
		t.Errorf("ValidateCreate() failed: %v", err)
	}
}

// TestPropertyPayload_ValidateCreate tests parent and enum validation
func TestPropertyPayload_ValidateCreate(t *testing.T) {
	name := "Main St"
	proj := "proj-1"
	bad := "castle"

	p := &PropertyPayload{Name: &name}
	if err := p.ValidateCreate(); err == nil || err.Error() != "missing projectId" {
		t.Errorf("ValidateCreate() = %v, want missing projectId", err)
	}

	p.ProjectID = &proj
	p.PropertyType = &bad
	if err := p.ValidateCreate(); err == nil || err.Error() != "invalid propertyType" {
		t.Errorf("ValidateCreate() = %v, want invalid propertyType", err)
	}

	good := "house"
	p.PropertyType = &good
	if err := p.ValidateCreate(); err != nil {
		t.Errorf("ValidateCreate() failed: %v", err)
	}
}

// TestUnitPayload_ValidateUpdate tests that a partial update only checks
// the fields it carries
func TestUnitPayload_ValidateUpdate(t *testing.T) {
	bad := "closet"
	p := &UnitPayload{UnitType: &bad}
	if err := p.ValidateUpdate(); err == nil || err.Error() != "invalid unitType" {
		t.Errorf("ValidateUpdate() = %v, want invalid unitType", err)
	}

	name := "Kitchen"
	p2 := &UnitPayload{Name: &name}
	if err := p2.ValidateUpdate(); err != nil {
		t.Errorf("ValidateUpdate() failed: %v", err)
	}
}

// TestRecordPayload_Validate tests record enums and cost bounds
func TestRecordPayload_Validate(t *testing.T) {
	title := "Fix boiler"
	prop := "prop-1"
	rt := "repair"
	p := &RecordPayload{Title: &title, PropertyID: &prop, RecordType: &rt}
	if err := p.ValidateCreate(); err != nil {
		t.Fatalf("ValidateCreate() failed: %v", err)
	}

	badStatus := "paused"
	p.Status = &badStatus
	if err := p.ValidateCreate(); err == nil || err.Error() != "invalid recordStatus" {
		t.Errorf("ValidateCreate() = %v, want invalid recordStatus", err)
	}
	p.Status = nil

	badType := "upgrade"
	p.RecordType = &badType
	if err := p.ValidateCreate(); err == nil || err.Error() != "invalid recordType" {
		t.Errorf("ValidateCreate() = %v, want invalid recordType", err)
	}
	p.RecordType = &rt

	negative := -10.0
	p.Cost = &negative
	if err := p.ValidateCreate(); err == nil || err.Error() != "invalid cost" {
		t.Errorf("ValidateCreate() = %v, want invalid cost", err)
	}
}

// TestCommentPayload_Fields tests the wire-to-column mapping
func TestCommentPayload_Fields(t *testing.T) {
	body := "replaced the valve"
	rec := "rec-9"
	p := &CommentPayload{Body: &body, RecordID: &rec}

	f := p.Fields()
	if f["body"] != body {
		t.Errorf("fields[body] = %v, want %q", f["body"], body)
	}
	if f["record_id"] != rec {
		t.Errorf("fields[record_id] = %v, want %q", f["record_id"], rec)
	}
	if _, ok := f["author_id"]; ok {
		t.Error("unset author_id should not appear in fields")
	}
}

// TestPayload_RoundTrip tests that a marshaled payload decodes back through
// the wire format
func TestPayload_RoundTrip(t *testing.T) {
	title := "Inspect roof"
	prop := "prop-2"
	cost := 150.5
	tags := []string{"roof", "annual"}
	p := &RecordPayload{Title: &title, PropertyID: &prop, Cost: &cost, Tags: &tags}

	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	decoded, err := DecodePayload(KindRecord, raw)
	if err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	f := decoded.Fields()
	if f["title"] != title || f["property_id"] != prop || f["cost"] != cost {
		t.Errorf("round trip lost fields: %v", f)
	}
}
