package ingest

import (
	"testing"

	"bulk-ingest-worker/internal/models"
)

func testMapping() models.ColumnMapping {
	return models.ColumnMapping{
		"email":  {Source: "E-mail", Identifier: true},
		"name":   {Source: "Name", Required: true},
		"amount": {Source: "Amount", Type: models.FieldNumber},
		"joined": {Source: "Joined", Type: models.FieldDate, DateLayout: "01/02/2006"},
	}
}

func TestValidateOK(t *testing.T) {
	v := NewValidator(testMapping())
	out := v.Validate(RawRecord{Number: 1}, map[string]string{
		"email":  "a@x.com",
		"name":   "alice",
		"amount": "12.5",
		"joined": "2024-03-15",
	})
	if !out.OK {
		t.Fatalf("expected ok, got %+v", out)
	}
}

func TestValidateMissingIdentifier(t *testing.T) {
	v := NewValidator(testMapping())
	out := v.Validate(RawRecord{Number: 1}, map[string]string{"name": "alice"})
	if out.OK || out.ReasonCode != models.ReasonMissingIdentifier {
		t.Fatalf("got %+v", out)
	}
}

func TestValidateMissingRequired(t *testing.T) {
	v := NewValidator(testMapping())
	out := v.Validate(RawRecord{Number: 1}, map[string]string{"email": "a@x.com"})
	if out.OK || out.ReasonCode != models.ReasonMissingRequired {
		t.Fatalf("got %+v", out)
	}
}

func TestValidateInvalidNumber(t *testing.T) {
	v := NewValidator(testMapping())
	out := v.Validate(RawRecord{Number: 1}, map[string]string{
		"email": "a@x.com", "name": "alice", "amount": "12x",
	})
	if out.OK || out.ReasonCode != models.ReasonInvalidNumber {
		t.Fatalf("got %+v", out)
	}
}

func TestValidateInvalidDate(t *testing.T) {
	v := NewValidator(testMapping())
	out := v.Validate(RawRecord{Number: 1}, map[string]string{
		"email": "a@x.com", "name": "alice", "joined": "15/99/2024",
	})
	if out.OK || out.ReasonCode != models.ReasonInvalidDate {
		t.Fatalf("got %+v", out)
	}
}

func TestValidateMalformedRow(t *testing.T) {
	v := NewValidator(testMapping())
	out := v.Validate(RawRecord{Number: 1, ParseErr: "bare quote"}, nil)
	if out.OK || out.ReasonCode != models.ReasonMalformedRow {
		t.Fatalf("got %+v", out)
	}
}

func TestValidateNoIdentifiersDeclared(t *testing.T) {
	v := NewValidator(models.ColumnMapping{"note": {Source: "Note"}})
	out := v.Validate(RawRecord{Number: 1}, map[string]string{})
	if !out.OK {
		t.Fatalf("no identifier declared should not require one: %+v", out)
	}
}
