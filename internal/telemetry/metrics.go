package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	BatchesCreated   = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_batches_created_total", Help: "Batches created via the API"})
	BatchesClaimed   = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_batches_claimed_total", Help: "Batches claimed by workers"})
	BatchesStaged    = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_batches_staged_total", Help: "Batches that reached staged"})
	BatchesFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_batches_failed_total", Help: "Batches that terminated failed"})
	BatchesReaped    = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_batches_reaped_total", Help: "Stale leases reclaimed by the reaper"})
	RowsStaged       = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_rows_staged_total", Help: "Rows staged successfully"})
	RowsRejected     = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_rows_rejected_total", Help: "Rows rejected with a reason code"})
	ChunkRetries     = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_chunk_write_retries_total", Help: "Chunk writes retried after a transient failure"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_rate_limit_rejects_total", Help: "API requests rejected by the rate limiter"})
	ClaimableGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ingest_batches_claimable", Help: "Uploaded batches waiting for a claim"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ingest_batches_inflight", Help: "Batches currently being processed by this worker"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			BatchesCreated,
			BatchesClaimed,
			BatchesStaged,
			BatchesFailed,
			BatchesReaped,
			RowsStaged,
			RowsRejected,
			ChunkRetries,
			RateLimitRejects,
			ClaimableGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
