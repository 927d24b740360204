package ingest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"bulk-ingest-worker/internal/models"
	"bulk-ingest-worker/internal/telemetry"
)

// ErrChunkWrite marks a chunk that could not be persisted after retry
// exhaustion. The pipeline escalates it to batch-fatal CHUNK_WRITE_FAILED.
var ErrChunkWrite = errors.New("chunk write failed after retries")

// RowSink persists one chunk of rows in a single durable operation with
// insert-on-conflict-do-nothing semantics on (batch_id, row_number).
type RowSink interface {
	WriteRows(ctx context.Context, batchID, tenant, workerID string, rows []models.Row) error
}

// ChunkWriter accumulates row outcomes and flushes them in fixed-size
// chunks. Because the sink ignores conflicts, re-sending already-written
// rows on a resumed run is a silent no-op: that is what makes crash
// recovery safe.
type ChunkWriter struct {
	sink     RowSink
	batchID  string
	tenant   string
	workerID string

	chunkSize      int
	retryMax       int
	backoffInitial time.Duration
	backoffMax     time.Duration

	buf     []models.Row
	staged  int64
	errored int64
}

// WriterOptions bound chunk size and the retry policy for failed writes.
type WriterOptions struct {
	ChunkSize      int
	RetryMax       int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

func NewChunkWriter(sink RowSink, batchID, tenant, workerID string, opts WriterOptions) *ChunkWriter {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 500
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = 4
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = 250 * time.Millisecond
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 10 * time.Second
	}
	return &ChunkWriter{
		sink:           sink,
		batchID:        batchID,
		tenant:         tenant,
		workerID:       workerID,
		chunkSize:      opts.ChunkSize,
		retryMax:       opts.RetryMax,
		backoffInitial: opts.BackoffInitial,
		backoffMax:     opts.BackoffMax,
		buf:            make([]models.Row, 0, opts.ChunkSize),
	}
}

// Add buffers one row, flushing when the chunk is full.
func (w *ChunkWriter) Add(ctx context.Context, row models.Row) error {
	w.buf = append(w.buf, row)
	if row.Status == models.RowStatusStaged {
		w.staged++
	} else {
		w.errored++
	}
	if len(w.buf) >= w.chunkSize {
		return w.Flush(ctx)
	}
	return nil
}

// Flush writes the buffered chunk, retrying transient failures with
// exponential backoff and jitter before giving up with ErrChunkWrite.
func (w *ChunkWriter) Flush(ctx context.Context) error {
	if len(w.buf) == 0 {
		return nil
	}

	var lastErr error
	for attempt := 1; attempt <= w.retryMax; attempt++ {
		lastErr = w.sink.WriteRows(ctx, w.batchID, w.tenant, w.workerID, w.buf)
		if lastErr == nil {
			w.buf = w.buf[:0]
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		telemetry.ChunkRetries.Inc()
		wait := backoffWithJitter(w.backoffInitial, w.backoffMax, attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("%w: %v", ErrChunkWrite, lastErr)
}

// Counts reports how many rows this run observed, by outcome. Under replay
// the durable counts come from the store, not from here.
func (w *ChunkWriter) Counts() (staged, errored int64) {
	return w.staged, w.errored
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}
