package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync/atomic"

	"bulk-ingest-worker/internal/models"
	"bulk-ingest-worker/internal/source"
	"bulk-ingest-worker/internal/telemetry"
)

// BatchStore is the durable side of the pipeline: chunked row writes plus
// the terminal transitions. All operations are lease-checked by the store.
type BatchStore interface {
	RowSink
	FinishStaged(ctx context.Context, batchID, workerID string) (models.ReportSummary, error)
	FailBatch(ctx context.Context, batchID, workerID, errorCode string) error
}

// Options bound a single batch run.
type Options struct {
	RowCap int64
	Writer WriterOptions
}

// Pipeline processes one claimed batch at a time: open the source stream,
// pull records lazily, normalize, validate, and stage them in idempotent
// chunks until the stream ends or a fatal condition stops it.
type Pipeline struct {
	store    BatchStore
	fetcher  source.Fetcher
	workerID string
	opts     Options
}

func NewPipeline(st BatchStore, fetcher source.Fetcher, workerID string, opts Options) *Pipeline {
	if opts.RowCap <= 0 {
		opts.RowCap = 100000
	}
	return &Pipeline{store: st, fetcher: fetcher, workerID: workerID, opts: opts}
}

// Process runs a claimed batch to a terminal state. progress is updated
// with the count of records consumed so the heartbeat can publish it. A
// returned error means the run was abandoned non-terminally (lost lease,
// mid-stream read failure); the reaper protocol owns recovery from there.
func (p *Pipeline) Process(ctx context.Context, batch models.Batch, progress *atomic.Int64) error {
	if batch.SourcePointer == nil || *batch.SourcePointer == "" {
		return p.fail(ctx, batch, models.ErrCodeSourceUnavailable)
	}

	stream, err := p.fetcher.Open(ctx, *batch.SourcePointer)
	if err != nil {
		if errors.Is(err, source.ErrSourceUnavailable) {
			return p.fail(ctx, batch, models.ErrCodeSourceUnavailable)
		}
		return fmt.Errorf("open source for batch %s: %w", batch.ID, err)
	}
	defer stream.Close()

	decoded, err := source.DecodeStream(stream, batch.SourceEncoding)
	if err != nil {
		return fmt.Errorf("decode source for batch %s: %w", batch.ID, err)
	}

	reader, err := NewRecordReader(decoded)
	if errors.Is(err, io.EOF) {
		// Empty object: nothing to stage, but the batch is done.
		return p.finish(ctx, batch)
	}
	if err != nil {
		return fmt.Errorf("read header for batch %s: %w", batch.ID, err)
	}

	validator := NewValidator(batch.ColumnMapping)
	writer := NewChunkWriter(p.store, batch.ID, batch.Tenant, p.workerID, p.opts.Writer)

	for {
		rec, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read batch %s: %w", batch.ID, err)
		}

		// The overflow record is neither validated nor written: stop
		// consuming and terminate the batch. Rows staged below the cap
		// stay put but the failed status makes them inert downstream.
		if rec.Number > p.opts.RowCap {
			if err := writer.Flush(ctx); err != nil {
				log.Printf("batch %s: flush before row-cap failure: %v", batch.ID, err)
			}
			return p.fail(ctx, batch, models.ErrCodeRowLimitExceeded)
		}
		progress.Store(rec.Number)

		normalized := NormalizeRecord(batch.ColumnMapping, rec.Fields)
		outcome := validator.Validate(rec, normalized)

		row := models.Row{
			BatchID:    batch.ID,
			RowNumber:  rec.Number,
			RawPayload: rec.Fields,
			Status:     models.RowStatusStaged,
		}
		if outcome.OK {
			row.NormalizedPayload = normalized
		} else {
			row.Status = models.RowStatusError
			row.ReasonCode = &outcome.ReasonCode
			row.ReasonDetail = &outcome.ReasonDetail
		}

		if err := writer.Add(ctx, row); err != nil {
			if errors.Is(err, ErrChunkWrite) {
				log.Printf("batch %s: %v", batch.ID, err)
				return p.fail(ctx, batch, models.ErrCodeChunkWriteFailed)
			}
			return err
		}
	}

	if err := writer.Flush(ctx); err != nil {
		if errors.Is(err, ErrChunkWrite) {
			log.Printf("batch %s: %v", batch.ID, err)
			return p.fail(ctx, batch, models.ErrCodeChunkWriteFailed)
		}
		return err
	}

	staged, errored := writer.Counts()
	telemetry.RowsStaged.Add(float64(staged))
	telemetry.RowsRejected.Add(float64(errored))

	return p.finish(ctx, batch)
}

func (p *Pipeline) finish(ctx context.Context, batch models.Batch) error {
	summary, err := p.store.FinishStaged(ctx, batch.ID, p.workerID)
	if err != nil {
		return fmt.Errorf("finish batch %s: %w", batch.ID, err)
	}
	telemetry.BatchesStaged.Inc()
	log.Printf("batch %s staged: %d rows staged, %d rows rejected", batch.ID, summary.StagedCount, summary.ErrorCount)
	return nil
}

func (p *Pipeline) fail(ctx context.Context, batch models.Batch, code string) error {
	if err := p.store.FailBatch(ctx, batch.ID, p.workerID, code); err != nil {
		return fmt.Errorf("fail batch %s with %s: %w", batch.ID, code, err)
	}
	telemetry.BatchesFailed.Inc()
	log.Printf("batch %s failed: %s", batch.ID, code)
	return nil
}
