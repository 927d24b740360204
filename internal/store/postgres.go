package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"bulk-ingest-worker/internal/models"
)

var (
	// ErrNotFound is returned when a batch does not exist in the caller's tenant.
	ErrNotFound = errors.New("batch not found")
	// ErrLeaseLost is returned when a claim-scoped write finds the lease
	// held by someone else (the batch was reaped and reassigned). The
	// caller must abort its write path.
	ErrLeaseLost = errors.New("claim lease lost")
	// ErrConflict is returned when a lifecycle transition finds the batch
	// in an unexpected state.
	ErrConflict = errors.New("batch state conflict")
)

// Store wraps pgxpool for Postgres persistence. The batch row is the single
// serialization point across worker replicas: claims, heartbeats, reaping,
// and terminal transitions all coordinate through it.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const batchColumns = `id, tenant, status, display_name, source_pointer, source_encoding, column_mapping,
	claimed_by, claimed_at, heartbeat_at, attempt_count, rows_seen, total_rows, report_summary,
	last_error_code, last_error_at, created_at, updated_at`

// CreateBatchParams collects inputs required to insert a batch.
type CreateBatchParams struct {
	Tenant        string
	DisplayName   string
	ColumnMapping models.ColumnMapping
}

// CreateBatch inserts a batch in status created. The source object is not
// yet durably stored at this point; MarkUploaded attaches it later.
func (s *Store) CreateBatch(ctx context.Context, p CreateBatchParams) (models.Batch, error) {
	mappingJSON, err := json.Marshal(p.ColumnMapping)
	if err != nil {
		return models.Batch{}, fmt.Errorf("marshal column mapping: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err = s.pool.Exec(ctx, `
		INSERT INTO ingest_batches (id, tenant, status, display_name, column_mapping, attempt_count, rows_seen, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, 0, $6, $6)
	`, id, p.Tenant, models.BatchCreated, p.DisplayName, mappingJSON, now)
	if err != nil {
		return models.Batch{}, fmt.Errorf("insert batch: %w", err)
	}

	return models.Batch{
		ID:            id,
		Tenant:        p.Tenant,
		Status:        models.BatchCreated,
		DisplayName:   p.DisplayName,
		ColumnMapping: p.ColumnMapping,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// MarkUploaded transitions created -> uploaded once the source object is
// durably stored, recording the opaque pointer used to stream it back. The
// tenant check is against the batch's own recorded tenant.
func (s *Store) MarkUploaded(ctx context.Context, id, tenant, sourcePointer, sourceEncoding string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE ingest_batches
		SET status = $3, source_pointer = $4, source_encoding = $5, updated_at = NOW()
		WHERE id = $1 AND tenant = $2 AND status = $6
	`, id, tenant, models.BatchUploaded, sourcePointer, sourceEncoding, models.BatchCreated)
	if err != nil {
		return fmt.Errorf("mark uploaded: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetBatch(ctx, id, tenant); err != nil {
			return err
		}
		return fmt.Errorf("%w: batch %s is not in status created", ErrConflict, id)
	}
	return nil
}

// GetBatch fetches a batch scoped to a tenant.
func (s *Store) GetBatch(ctx context.Context, id, tenant string) (models.Batch, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+batchColumns+`
		FROM ingest_batches WHERE id = $1 AND tenant = $2
	`, id, tenant)
	return scanBatch(row)
}

// ClaimNext atomically assigns one eligible batch to workerID, or returns
// false when nothing is claimable. The inner SELECT uses FOR UPDATE SKIP
// LOCKED so concurrent claimers never block each other and never pick the
// same batch: selection and update are indivisible.
func (s *Store) ClaimNext(ctx context.Context, workerID string, maxAttempts int) (models.Batch, bool, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE ingest_batches
		SET status = $2, claimed_by = $1, claimed_at = NOW(), heartbeat_at = NOW(),
			attempt_count = attempt_count + 1, updated_at = NOW()
		WHERE id = (
			SELECT id FROM ingest_batches
			WHERE status = $3 AND attempt_count < $4
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+batchColumns, workerID, models.BatchParsing, models.BatchUploaded, maxAttempts)

	batch, err := scanBatch(row)
	if errors.Is(err, ErrNotFound) {
		return models.Batch{}, false, nil
	}
	if err != nil {
		return models.Batch{}, false, err
	}
	return batch, true, nil
}

// FailExhausted moves uploaded batches whose attempts are spent directly to
// failed with MAX_ATTEMPTS_EXCEEDED, so they are never claimed again.
// Returns the ids it failed.
func (s *Store) FailExhausted(ctx context.Context, maxAttempts int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE ingest_batches
		SET status = $1, last_error_code = $2, last_error_at = NOW(), updated_at = NOW()
		WHERE status = $3 AND attempt_count >= $4
		RETURNING id
	`, models.BatchFailed, models.ErrCodeMaxAttemptsExceeded, models.BatchUploaded, maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("fail exhausted batches: %w", err)
	}
	return collectIDs(rows)
}

// Heartbeat extends workerID's lease on a claimed batch and publishes
// coarse progress. Zero rows affected means the lease is no longer ours
// (reaped and possibly reassigned): the stale run must stop writing.
func (s *Store) Heartbeat(ctx context.Context, batchID, workerID string, rowsSeen int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE ingest_batches
		SET heartbeat_at = NOW(), rows_seen = $3, updated_at = NOW()
		WHERE id = $1 AND claimed_by = $2 AND status = $4
	`, batchID, workerID, rowsSeen, models.BatchParsing)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// WriteRows persists one chunk of staged/rejected rows in a single round
// trip. Conflicts on (batch_id, row_number) are silent no-ops: replaying an
// already-written row is the expected outcome of idempotent retry, never an
// error. Every insert is guarded by the batch's recorded tenant and the
// caller's live lease, so a reaped worker's writes land nowhere.
func (s *Store) WriteRows(ctx context.Context, batchID, tenant, workerID string, rows []models.Row) error {
	if len(rows) == 0 {
		return nil
	}

	b := &pgx.Batch{}
	for _, r := range rows {
		rawJSON, err := json.Marshal(r.RawPayload)
		if err != nil {
			return fmt.Errorf("marshal raw payload row %d: %w", r.RowNumber, err)
		}
		var normJSON []byte
		if r.NormalizedPayload != nil {
			normJSON, err = json.Marshal(r.NormalizedPayload)
			if err != nil {
				return fmt.Errorf("marshal normalized payload row %d: %w", r.RowNumber, err)
			}
		}
		b.Queue(`
			INSERT INTO ingest_rows (batch_id, row_number, raw_payload, normalized_payload, status, reason_code, reason_detail, created_at)
			SELECT $1, $2, $3, $4, $5, $6, $7, NOW()
			WHERE EXISTS (
				SELECT 1 FROM ingest_batches
				WHERE id = $1 AND tenant = $8 AND claimed_by = $9 AND status = $10
			)
			ON CONFLICT (batch_id, row_number) DO NOTHING
		`, batchID, r.RowNumber, rawJSON, normJSON, r.Status, r.ReasonCode, r.ReasonDetail, tenant, workerID, models.BatchParsing)
	}

	br := s.pool.SendBatch(ctx, b)
	defer br.Close()
	for range rows {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("write row chunk: %w", err)
		}
	}
	return nil
}

// FinishStaged transitions parsing -> staged, recomputing the summary from
// the rows table so a resumed run after partial writes converges on the
// same numbers as an uninterrupted one. Requires a live lease.
func (s *Store) FinishStaged(ctx context.Context, batchID, workerID string) (models.ReportSummary, error) {
	summary, total, err := s.summarizeRows(ctx, batchID)
	if err != nil {
		return models.ReportSummary{}, err
	}
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return models.ReportSummary{}, fmt.Errorf("marshal summary: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE ingest_batches
		SET status = $3, total_rows = $4, report_summary = $5, rows_seen = $4,
			claimed_by = NULL, claimed_at = NULL, heartbeat_at = NULL,
			last_error_code = NULL, updated_at = NOW()
		WHERE id = $1 AND claimed_by = $2 AND status = $6
	`, batchID, workerID, models.BatchStaged, total, summaryJSON, models.BatchParsing)
	if err != nil {
		return models.ReportSummary{}, fmt.Errorf("finish batch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ReportSummary{}, ErrLeaseLost
	}
	return summary, nil
}

// FailBatch transitions parsing -> failed with a coarse error code. Failed
// is a hard stop: the lease guard on WriteRows refuses further rows. The
// summary still reflects whatever rows were staged before the failure.
func (s *Store) FailBatch(ctx context.Context, batchID, workerID, errorCode string) error {
	summary, total, err := s.summarizeRows(ctx, batchID)
	if err != nil {
		return err
	}
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE ingest_batches
		SET status = $3, last_error_code = $4, last_error_at = NOW(),
			total_rows = $5, report_summary = $6,
			claimed_by = NULL, claimed_at = NULL, heartbeat_at = NULL, updated_at = NOW()
		WHERE id = $1 AND claimed_by = $2 AND status = $7
	`, batchID, workerID, models.BatchFailed, errorCode, total, summaryJSON, models.BatchParsing)
	if err != nil {
		return fmt.Errorf("fail batch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// ReapStale reclaims batches whose lease went quiet: back to uploaded when
// attempts remain, else failed with WORKER_LOST. Any replica may reap; the
// (status, heartbeat_at) index backs the scan.
func (s *Store) ReapStale(ctx context.Context, staleAfter time.Duration, maxAttempts int) (requeued, failed []string, err error) {
	cutoff := time.Now().Add(-staleAfter)

	rows, err := s.pool.Query(ctx, `
		UPDATE ingest_batches
		SET status = $1, claimed_by = NULL, claimed_at = NULL, heartbeat_at = NULL, updated_at = NOW()
		WHERE status = $2 AND heartbeat_at < $3 AND attempt_count < $4
		RETURNING id
	`, models.BatchUploaded, models.BatchParsing, cutoff, maxAttempts)
	if err != nil {
		return nil, nil, fmt.Errorf("requeue stale batches: %w", err)
	}
	requeued, err = collectIDs(rows)
	if err != nil {
		return nil, nil, err
	}

	rows, err = s.pool.Query(ctx, `
		UPDATE ingest_batches
		SET status = $1, last_error_code = $2, last_error_at = NOW(),
			claimed_by = NULL, claimed_at = NULL, heartbeat_at = NULL, updated_at = NOW()
		WHERE status = $3 AND heartbeat_at < $4 AND attempt_count >= $5
		RETURNING id
	`, models.BatchFailed, models.ErrCodeWorkerLost, models.BatchParsing, cutoff, maxAttempts)
	if err != nil {
		return nil, nil, fmt.Errorf("fail stale batches: %w", err)
	}
	failed, err = collectIDs(rows)
	if err != nil {
		return nil, nil, err
	}
	return requeued, failed, nil
}

// ListRows pages through a batch's rows, optionally filtered by status, in
// source order. Reads are tenant-scoped like everything else.
func (s *Store) ListRows(ctx context.Context, batchID, tenant, status string, limit, offset int) ([]models.Row, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT r.batch_id, r.row_number, r.raw_payload, r.normalized_payload, r.status, r.reason_code, r.reason_detail, r.created_at
		FROM ingest_rows r
		JOIN ingest_batches b ON b.id = r.batch_id
		WHERE r.batch_id = $1 AND b.tenant = $2 AND ($3 = '' OR r.status = $3)
		ORDER BY r.row_number
		LIMIT $4 OFFSET $5
	`, batchID, tenant, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list rows: %w", err)
	}
	defer rows.Close()

	var out []models.Row
	for rows.Next() {
		var r models.Row
		var rawJSON, normJSON []byte
		var reason, detail pgtype.Text
		if err := rows.Scan(&r.BatchID, &r.RowNumber, &rawJSON, &normJSON, &r.Status, &reason, &detail, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if err := json.Unmarshal(rawJSON, &r.RawPayload); err != nil {
			return nil, fmt.Errorf("unmarshal raw payload: %w", err)
		}
		if len(normJSON) > 0 {
			if err := json.Unmarshal(normJSON, &r.NormalizedPayload); err != nil {
				return nil, fmt.Errorf("unmarshal normalized payload: %w", err)
			}
		}
		r.ReasonCode = textPtr(reason)
		r.ReasonDetail = textPtr(detail)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ClaimableCount returns how many batches are waiting to be claimed.
func (s *Store) ClaimableCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM ingest_batches WHERE status = $1
	`, models.BatchUploaded).Scan(&n); err != nil {
		return 0, fmt.Errorf("count claimable batches: %w", err)
	}
	return n, nil
}

func (s *Store) summarizeRows(ctx context.Context, batchID string) (models.ReportSummary, int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, COALESCE(reason_code, ''), COUNT(*)
		FROM ingest_rows WHERE batch_id = $1
		GROUP BY status, reason_code
	`, batchID)
	if err != nil {
		return models.ReportSummary{}, 0, fmt.Errorf("summarize rows: %w", err)
	}
	defer rows.Close()

	summary := models.ReportSummary{}
	var total int64
	for rows.Next() {
		var status, reason string
		var count int64
		if err := rows.Scan(&status, &reason, &count); err != nil {
			return models.ReportSummary{}, 0, fmt.Errorf("scan summary: %w", err)
		}
		total += count
		switch status {
		case models.RowStatusStaged:
			summary.StagedCount += count
		case models.RowStatusError:
			summary.ErrorCount += count
			if reason != "" {
				if summary.ErrorReasons == nil {
					summary.ErrorReasons = map[string]int64{}
				}
				summary.ErrorReasons[reason] += count
			}
		}
	}
	return summary, total, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatch(row rowScanner) (models.Batch, error) {
	var b models.Batch
	var mappingJSON, summaryJSON []byte
	var pointer, encoding, claimedBy, lastCode pgtype.Text
	var claimedAt, heartbeatAt, lastErrAt pgtype.Timestamptz
	var totalRows pgtype.Int8

	err := row.Scan(&b.ID, &b.Tenant, &b.Status, &b.DisplayName, &pointer, &encoding, &mappingJSON,
		&claimedBy, &claimedAt, &heartbeatAt, &b.AttemptCount, &b.RowsSeen, &totalRows, &summaryJSON,
		&lastCode, &lastErrAt, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Batch{}, ErrNotFound
	}
	if err != nil {
		return models.Batch{}, fmt.Errorf("scan batch: %w", err)
	}

	if err := json.Unmarshal(mappingJSON, &b.ColumnMapping); err != nil {
		return models.Batch{}, fmt.Errorf("unmarshal column mapping: %w", err)
	}
	if len(summaryJSON) > 0 {
		b.ReportSummary = &models.ReportSummary{}
		if err := json.Unmarshal(summaryJSON, b.ReportSummary); err != nil {
			return models.Batch{}, fmt.Errorf("unmarshal report summary: %w", err)
		}
	}
	b.SourcePointer = textPtr(pointer)
	if encoding.Valid {
		b.SourceEncoding = encoding.String
	}
	b.ClaimedBy = textPtr(claimedBy)
	b.ClaimedAt = timePtr(claimedAt)
	b.HeartbeatAt = timePtr(heartbeatAt)
	b.LastErrorCode = textPtr(lastCode)
	b.LastErrorAt = timePtr(lastErrAt)
	if totalRows.Valid {
		b.TotalRows = &totalRows.Int64
	}
	return b, nil
}

func collectIDs(rows pgx.Rows) ([]string, error) {
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		return &t.Time
	}
	return nil
}
