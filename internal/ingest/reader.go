package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
)

// RawRecord is one source record keyed by canonical header name.
type RawRecord struct {
	// Number is the 1-based position in source-file order, header excluded.
	Number int64
	Fields map[string]string
	// ParseErr carries a per-line CSV parse problem. The record still flows
	// through the pipeline so it can be staged as an error row.
	ParseErr string
}

// RecordReader produces a lazy, forward-only sequence of records from a
// byte stream. Memory use is O(one record). It is not restartable; replays
// re-open the source.
type RecordReader struct {
	csv     *csv.Reader
	headers []string
	number  int64
}

// NewRecordReader reads and normalizes the header row, then positions the
// reader at the first data record. io.EOF means the stream had no header
// at all (empty object).
func NewRecordReader(r io.Reader) (*RecordReader, error) {
	cr := csv.NewReader(r)
	// Ragged rows are handled per record, not rejected wholesale.
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = true

	rawHeader, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read header row: %w", err)
	}

	return &RecordReader{
		csv:     cr,
		headers: NormalizeHeaders(rawHeader),
	}, nil
}

// Headers returns the canonicalized header names in source order.
func (rr *RecordReader) Headers() []string {
	return rr.headers
}

// Next pulls the next record. It returns io.EOF at stream end; any other
// error is a stream-level read failure. Malformed CSV lines are returned
// as records with ParseErr set so the caller can record them per row.
func (rr *RecordReader) Next() (RawRecord, error) {
	line, err := rr.csv.Read()
	if errors.Is(err, io.EOF) {
		return RawRecord{}, io.EOF
	}

	rr.number++
	rec := RawRecord{Number: rr.number, Fields: make(map[string]string, len(rr.headers))}

	var parseErr *csv.ParseError
	if err != nil {
		if !errors.As(err, &parseErr) {
			return RawRecord{}, fmt.Errorf("read record %d: %w", rr.number, err)
		}
		rec.ParseErr = parseErr.Err.Error()
	}

	// Short rows pad with empty values, long rows drop the extras.
	for i, h := range rr.headers {
		if i < len(line) {
			rec.Fields[h] = line[i]
		} else {
			rec.Fields[h] = ""
		}
	}
	return rec, nil
}
