package ingest

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func TestRecordReaderStreams(t *testing.T) {
	input := "Name,Age\nalice,30\nbob,41\n"
	rr, err := NewRecordReader(strings.NewReader(input))
	if err != nil {
		t.Fatalf("new reader: %v", err)
	}

	if got := rr.Headers(); got[0] != "name" || got[1] != "age" {
		t.Fatalf("headers = %v", got)
	}

	rec, err := rr.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if rec.Number != 1 || rec.Fields["name"] != "alice" || rec.Fields["age"] != "30" {
		t.Fatalf("record 1 = %+v", rec)
	}

	rec, err = rr.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if rec.Number != 2 || rec.Fields["name"] != "bob" {
		t.Fatalf("record 2 = %+v", rec)
	}

	if _, err := rr.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestRecordReaderRaggedRows(t *testing.T) {
	input := "a,b,c\n1,2\n1,2,3,4\n"
	rr, err := NewRecordReader(strings.NewReader(input))
	if err != nil {
		t.Fatalf("new reader: %v", err)
	}

	short, err := rr.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if short.Fields["c"] != "" {
		t.Fatalf("short row should pad: %+v", short)
	}

	long, err := rr.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if len(long.Fields) != 3 || long.Fields["c"] != "3" {
		t.Fatalf("long row should truncate: %+v", long)
	}
}

func TestRecordReaderEmptyStream(t *testing.T) {
	if _, err := NewRecordReader(strings.NewReader("")); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF for empty stream, got %v", err)
	}
}

func TestRecordReaderQuotedFields(t *testing.T) {
	input := "name,note\n\"smith, jane\",\"said \"\"hi\"\"\"\n"
	rr, err := NewRecordReader(strings.NewReader(input))
	if err != nil {
		t.Fatalf("new reader: %v", err)
	}
	rec, err := rr.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if rec.Fields["name"] != "smith, jane" {
		t.Fatalf("quoted comma mangled: %q", rec.Fields["name"])
	}
	if rec.Fields["note"] != `said "hi"` {
		t.Fatalf("escaped quotes mangled: %q", rec.Fields["note"])
	}
}
