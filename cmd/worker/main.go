package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"bulk-ingest-worker/internal/config"
	"bulk-ingest-worker/internal/ingest"
	"bulk-ingest-worker/internal/source"
	"bulk-ingest-worker/internal/store"
	"bulk-ingest-worker/internal/telemetry"
	workerrun "bulk-ingest-worker/internal/worker"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	var fetcher source.Fetcher
	if cfg.SourceS3Bucket != "" {
		fetcher, err = source.NewS3Fetcher(ctx, cfg)
		if err != nil {
			log.Fatalf("init s3 fetcher: %v", err)
		}
	} else {
		fetcher = source.NewLocalFetcher(cfg.SourceLocalDir)
	}

	// Generate a unique worker ID from hostname or env var.
	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	pipeline := ingest.NewPipeline(st, fetcher, workerID, ingest.Options{
		RowCap: cfg.RowCap,
		Writer: ingest.WriterOptions{
			ChunkSize:      cfg.ChunkSize,
			RetryMax:       cfg.WriteRetryMax,
			BackoffInitial: cfg.BackoffInitial,
			BackoffMax:     cfg.BackoffMax,
		},
	})
	runner := workerrun.NewRunner(cfg, st, pipeline, workerID)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("worker %s started: heartbeat=%s stale_after=%s row_cap=%d chunk=%d",
		workerID, cfg.HeartbeatInterval, cfg.StaleAfter, cfg.RowCap, cfg.ChunkSize)
	if err := runner.Run(ctx); err != nil {
		log.Printf("worker stopped: %v", err)
	}
}
