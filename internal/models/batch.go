package models

import (
	"time"
)

// BatchStatus enumerates lifecycle states persisted in Postgres.
const (
	BatchCreated  = "created"
	BatchUploaded = "uploaded"
	BatchParsing  = "parsing"
	BatchStaged   = "staged"
	BatchFailed   = "failed"
)

// Batch-level error codes recorded in last_error_code on fatal failure.
const (
	ErrCodeSourceUnavailable   = "SOURCE_UNAVAILABLE"
	ErrCodeRowLimitExceeded    = "ROW_LIMIT_EXCEEDED"
	ErrCodeChunkWriteFailed    = "CHUNK_WRITE_FAILED"
	ErrCodeMaxAttemptsExceeded = "MAX_ATTEMPTS_EXCEEDED"
	ErrCodeWorkerLost          = "WORKER_LOST"
)

// Batch is one unit of ingestion work: one uploaded source file.
type Batch struct {
	ID             string         `json:"id"`
	Tenant         string         `json:"tenant"`
	Status         string         `json:"status"`
	DisplayName    string         `json:"display_name"`
	SourcePointer  *string        `json:"source_pointer,omitempty"`
	SourceEncoding string         `json:"source_encoding,omitempty"`
	ColumnMapping  ColumnMapping  `json:"column_mapping"`
	ClaimedBy      *string        `json:"claimed_by,omitempty"`
	ClaimedAt      *time.Time     `json:"claimed_at,omitempty"`
	HeartbeatAt    *time.Time     `json:"heartbeat_at,omitempty"`
	AttemptCount   int            `json:"attempt_count"`
	RowsSeen       int64          `json:"rows_seen"`
	TotalRows      *int64         `json:"total_rows,omitempty"`
	ReportSummary  *ReportSummary `json:"report_summary,omitempty"`
	LastErrorCode  *string        `json:"last_error_code,omitempty"`
	LastErrorAt    *time.Time     `json:"last_error_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// ReportSummary aggregates row outcomes for a terminal batch.
type ReportSummary struct {
	StagedCount  int64            `json:"staged_count"`
	ErrorCount   int64            `json:"error_count"`
	ErrorReasons map[string]int64 `json:"error_reasons,omitempty"`
}
