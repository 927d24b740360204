package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bulk-ingest-worker/internal/models"
	"bulk-ingest-worker/internal/source"
)

// memStore mimics the durable store's contract: insert-and-ignore-conflict
// row writes keyed by (batch_id, row_number), lease-checked terminal
// transitions, and summaries recomputed from the written rows.
type memStore struct {
	mu         sync.Mutex
	rows       map[string]map[int64]models.Row
	status     map[string]string
	errorCode  map[string]string
	summary    map[string]models.ReportSummary
	writeFails int
}

func newMemStore() *memStore {
	return &memStore{
		rows:      map[string]map[int64]models.Row{},
		status:    map[string]string{},
		errorCode: map[string]string{},
		summary:   map[string]models.ReportSummary{},
	}
}

func (m *memStore) WriteRows(_ context.Context, batchID, _, _ string, rows []models.Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeFails > 0 {
		m.writeFails--
		return errors.New("storage unavailable")
	}
	if m.rows[batchID] == nil {
		m.rows[batchID] = map[int64]models.Row{}
	}
	for _, r := range rows {
		if _, exists := m.rows[batchID][r.RowNumber]; exists {
			continue // conflict: do nothing
		}
		m.rows[batchID][r.RowNumber] = r
	}
	return nil
}

func (m *memStore) summarize(batchID string) models.ReportSummary {
	s := models.ReportSummary{}
	for _, r := range m.rows[batchID] {
		if r.Status == models.RowStatusStaged {
			s.StagedCount++
		} else {
			s.ErrorCount++
		}
	}
	return s
}

func (m *memStore) FinishStaged(_ context.Context, batchID, _ string) (models.ReportSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.summarize(batchID)
	m.status[batchID] = models.BatchStaged
	m.summary[batchID] = s
	return s, nil
}

func (m *memStore) FailBatch(_ context.Context, batchID, _, errorCode string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status[batchID] = models.BatchFailed
	m.errorCode[batchID] = errorCode
	m.summary[batchID] = m.summarize(batchID)
	return nil
}

type memFetcher struct {
	data string
	err  error
}

func (f memFetcher) Open(_ context.Context, _ string) (io.ReadCloser, error) {
	if f.err != nil {
		return nil, f.err
	}
	return io.NopCloser(strings.NewReader(f.data)), nil
}

func claimedBatch(id string, mapping models.ColumnMapping) models.Batch {
	pointer := "uploads/" + id + ".csv"
	return models.Batch{
		ID:            id,
		Tenant:        "t1",
		Status:        models.BatchParsing,
		SourcePointer: &pointer,
		ColumnMapping: mapping,
	}
}

func fastWriter() WriterOptions {
	return WriterOptions{ChunkSize: 2, RetryMax: 2, BackoffInitial: time.Millisecond, BackoffMax: 2 * time.Millisecond}
}

func TestPipelineScenario(t *testing.T) {
	st := newMemStore()
	mapping := models.ColumnMapping{"email": {Source: "E-mail", Identifier: true}}
	fetcher := memFetcher{data: "E-mail\n a@x.com \n\"\"\n"}

	p := NewPipeline(st, fetcher, "w1", Options{RowCap: 100, Writer: fastWriter()})
	var progress atomic.Int64
	if err := p.Process(context.Background(), claimedBatch("b1", mapping), &progress); err != nil {
		t.Fatalf("process: %v", err)
	}

	if st.status["b1"] != models.BatchStaged {
		t.Fatalf("status = %s", st.status["b1"])
	}
	if len(st.rows["b1"]) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(st.rows["b1"]))
	}

	row1 := st.rows["b1"][1]
	if row1.Status != models.RowStatusStaged || row1.NormalizedPayload["email"] != "a@x.com" {
		t.Fatalf("row 1 = %+v", row1)
	}

	row2 := st.rows["b1"][2]
	if row2.Status != models.RowStatusError || *row2.ReasonCode != models.ReasonMissingIdentifier {
		t.Fatalf("row 2 = %+v", row2)
	}

	s := st.summary["b1"]
	if s.StagedCount != 1 || s.ErrorCount != 1 {
		t.Fatalf("summary = %+v", s)
	}
	if progress.Load() != 2 {
		t.Fatalf("progress = %d", progress.Load())
	}
}

func csvRows(n int) string {
	var sb strings.Builder
	sb.WriteString("E-mail\n")
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&sb, "user%d@x.com\n", i)
	}
	return sb.String()
}

func TestPipelineRowCapBoundary(t *testing.T) {
	mapping := models.ColumnMapping{"email": {Source: "E-mail", Identifier: true}}

	// Exactly cap rows: stages all of them.
	st := newMemStore()
	p := NewPipeline(st, memFetcher{data: csvRows(3)}, "w1", Options{RowCap: 3, Writer: fastWriter()})
	var progress atomic.Int64
	if err := p.Process(context.Background(), claimedBatch("b1", mapping), &progress); err != nil {
		t.Fatalf("process: %v", err)
	}
	if st.status["b1"] != models.BatchStaged || len(st.rows["b1"]) != 3 {
		t.Fatalf("cap rows: status=%s rows=%d", st.status["b1"], len(st.rows["b1"]))
	}

	// cap+1 rows: terminates failed, writes at most cap rows.
	st = newMemStore()
	p = NewPipeline(st, memFetcher{data: csvRows(4)}, "w1", Options{RowCap: 3, Writer: fastWriter()})
	if err := p.Process(context.Background(), claimedBatch("b2", mapping), &progress); err != nil {
		t.Fatalf("process: %v", err)
	}
	if st.status["b2"] != models.BatchFailed || st.errorCode["b2"] != models.ErrCodeRowLimitExceeded {
		t.Fatalf("overflow: status=%s code=%s", st.status["b2"], st.errorCode["b2"])
	}
	if n := len(st.rows["b2"]); n > 3 {
		t.Fatalf("overflow wrote %d rows, cap is 3", n)
	}
	if _, exists := st.rows["b2"][4]; exists {
		t.Fatal("overflow record must not be written")
	}
}

func TestPipelineIdempotentReplay(t *testing.T) {
	mapping := models.ColumnMapping{"email": {Source: "E-mail", Identifier: true}}
	data := "E-mail\nu1@x.com\nu2@x.com\n\"\"\nu4@x.com\nu5@x.com\n"

	// Uninterrupted run establishes the expected final state.
	full := newMemStore()
	p := NewPipeline(full, memFetcher{data: data}, "w1", Options{RowCap: 100, Writer: fastWriter()})
	var progress atomic.Int64
	if err := p.Process(context.Background(), claimedBatch("b1", mapping), &progress); err != nil {
		t.Fatalf("full run: %v", err)
	}

	// Interrupted run: rows 1-3 already written by a worker that died, the
	// replay starts over from record 1.
	partial := newMemStore()
	partial.rows["b1"] = map[int64]models.Row{}
	for n := int64(1); n <= 3; n++ {
		partial.rows["b1"][n] = full.rows["b1"][n]
	}
	p = NewPipeline(partial, memFetcher{data: data}, "w2", Options{RowCap: 100, Writer: fastWriter()})
	if err := p.Process(context.Background(), claimedBatch("b1", mapping), &progress); err != nil {
		t.Fatalf("replay run: %v", err)
	}

	if !reflect.DeepEqual(outcomeMap(full.rows["b1"]), outcomeMap(partial.rows["b1"])) {
		t.Fatalf("replay diverged:\nfull:    %v\npartial: %v",
			outcomeMap(full.rows["b1"]), outcomeMap(partial.rows["b1"]))
	}
	if !reflect.DeepEqual(full.summary["b1"], partial.summary["b1"]) {
		t.Fatalf("summaries diverged: %+v vs %+v", full.summary["b1"], partial.summary["b1"])
	}
}

func outcomeMap(rows map[int64]models.Row) map[int64]string {
	out := make(map[int64]string, len(rows))
	for n, r := range rows {
		out[n] = r.Status
		if r.ReasonCode != nil {
			out[n] += ":" + *r.ReasonCode
		}
	}
	return out
}

func TestPipelineSourceUnavailable(t *testing.T) {
	st := newMemStore()
	fetcher := memFetcher{err: fmt.Errorf("%w: missing", source.ErrSourceUnavailable)}
	p := NewPipeline(st, fetcher, "w1", Options{RowCap: 100, Writer: fastWriter()})

	var progress atomic.Int64
	if err := p.Process(context.Background(), claimedBatch("b1", nil), &progress); err != nil {
		t.Fatalf("process: %v", err)
	}
	if st.status["b1"] != models.BatchFailed || st.errorCode["b1"] != models.ErrCodeSourceUnavailable {
		t.Fatalf("status=%s code=%s", st.status["b1"], st.errorCode["b1"])
	}
	if len(st.rows["b1"]) != 0 {
		t.Fatalf("no rows may be written, got %d", len(st.rows["b1"]))
	}
}

func TestPipelineChunkWriteExhaustionFailsBatch(t *testing.T) {
	st := newMemStore()
	st.writeFails = 100
	mapping := models.ColumnMapping{"email": {Source: "E-mail", Identifier: true}}
	p := NewPipeline(st, memFetcher{data: csvRows(3)}, "w1", Options{RowCap: 100, Writer: fastWriter()})

	var progress atomic.Int64
	if err := p.Process(context.Background(), claimedBatch("b1", mapping), &progress); err != nil {
		t.Fatalf("process: %v", err)
	}
	if st.status["b1"] != models.BatchFailed || st.errorCode["b1"] != models.ErrCodeChunkWriteFailed {
		t.Fatalf("status=%s code=%s", st.status["b1"], st.errorCode["b1"])
	}
}

func TestPipelineEmptyObjectStagesZeroRows(t *testing.T) {
	st := newMemStore()
	p := NewPipeline(st, memFetcher{data: ""}, "w1", Options{RowCap: 100, Writer: fastWriter()})

	var progress atomic.Int64
	if err := p.Process(context.Background(), claimedBatch("b1", nil), &progress); err != nil {
		t.Fatalf("process: %v", err)
	}
	if st.status["b1"] != models.BatchStaged {
		t.Fatalf("status = %s", st.status["b1"])
	}
	if s := st.summary["b1"]; s.StagedCount != 0 || s.ErrorCount != 0 {
		t.Fatalf("summary = %+v", s)
	}
}
