package worker

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"bulk-ingest-worker/internal/config"
	"bulk-ingest-worker/internal/models"
	"bulk-ingest-worker/internal/store"
	"bulk-ingest-worker/internal/telemetry"
)

// BatchStore is the coordination surface the run loop needs. All
// cross-replica state lives behind it; workers share nothing in process.
type BatchStore interface {
	ClaimNext(ctx context.Context, workerID string, maxAttempts int) (models.Batch, bool, error)
	FailExhausted(ctx context.Context, maxAttempts int) ([]string, error)
	ReapStale(ctx context.Context, staleAfter time.Duration, maxAttempts int) (requeued, failed []string, err error)
	Heartbeat(ctx context.Context, batchID, workerID string, rowsSeen int64) error
	ClaimableCount(ctx context.Context) (int64, error)
}

// BatchProcessor runs one claimed batch to a terminal state.
type BatchProcessor interface {
	Process(ctx context.Context, batch models.Batch, progress *atomic.Int64) error
}

// Runner drives one worker instance: reap, claim, process up to
// BatchConcurrency batches at once (each on its own claim), heartbeat each
// claim independently of row progress.
type Runner struct {
	cfg       config.Config
	store     BatchStore
	processor BatchProcessor
	workerID  string
	sem       chan struct{}
	wg        sync.WaitGroup
}

func NewRunner(cfg config.Config, st BatchStore, processor BatchProcessor, workerID string) *Runner {
	concurrency := cfg.BatchConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Runner{
		cfg:       cfg,
		store:     st,
		processor: processor,
		workerID:  workerID,
		sem:       make(chan struct{}, concurrency),
	}
}

// Run polls until context cancellation, then waits for in-flight batches.
func (r *Runner) Run(ctx context.Context) error {
	defer r.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		r.sweep(ctx)

		if depth, err := r.store.ClaimableCount(ctx); err == nil {
			telemetry.ClaimableGauge.Set(float64(depth))
		}

		// Block for a free slot before claiming so a claim never sits idle
		// waiting on local capacity while its lease burns down.
		select {
		case r.sem <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}

		batch, ok, err := r.store.ClaimNext(ctx, r.workerID, r.cfg.MaxAttempts)
		if err != nil || !ok {
			<-r.sem
			if err != nil {
				log.Printf("claim next: %v", err)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.cfg.WorkerPollInterval):
			}
			continue
		}

		telemetry.BatchesClaimed.Inc()
		telemetry.InFlightGauge.Inc()
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			defer func() { <-r.sem }()
			defer telemetry.InFlightGauge.Dec()
			r.runBatch(ctx, batch)
		}()
	}
}

// sweep performs the reaper duties: reclaim stale leases and retire
// batches whose attempts are spent. Any replica may run it.
func (r *Runner) sweep(ctx context.Context) {
	requeued, failed, err := r.store.ReapStale(ctx, r.cfg.StaleAfter, r.cfg.MaxAttempts)
	if err != nil {
		log.Printf("reap stale: %v", err)
	}
	if n := len(requeued) + len(failed); n > 0 {
		telemetry.BatchesReaped.Add(float64(n))
		log.Printf("reaper: requeued=%v worker_lost=%v", requeued, failed)
	}
	if ids, err := r.store.FailExhausted(ctx, r.cfg.MaxAttempts); err != nil {
		log.Printf("fail exhausted: %v", err)
	} else if len(ids) > 0 {
		log.Printf("reaper: max attempts exceeded for %v", ids)
	}
}

// runBatch processes one claim with its heartbeat attached. If the
// heartbeat discovers the lease is gone, the run context is cancelled and
// the stale run aborts without further writes.
func (r *Runner) runBatch(ctx context.Context, batch models.Batch) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var progress atomic.Int64
	go r.heartbeatLoop(runCtx, cancel, batch.ID, &progress)

	if err := r.processor.Process(runCtx, batch, &progress); err != nil {
		// Non-terminal abandonment: the lease goes stale and the reaper
		// either requeues the batch or retires it.
		log.Printf("batch %s abandoned (attempt %d): %v", batch.ID, batch.AttemptCount, err)
	}
}

// heartbeatLoop extends the claim lease on a fixed interval, independent of
// row-processing progress, so a slow-but-alive worker is never mistaken for
// a dead one.
func (r *Runner) heartbeatLoop(ctx context.Context, cancel context.CancelFunc, batchID string, progress *atomic.Int64) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := r.store.Heartbeat(ctx, batchID, r.workerID, progress.Load())
			if errors.Is(err, store.ErrLeaseLost) {
				log.Printf("batch %s: lease lost, aborting run", batchID)
				cancel()
				return
			}
			if err != nil && ctx.Err() == nil {
				log.Printf("batch %s: heartbeat: %v", batchID, err)
			}
		}
	}
}
