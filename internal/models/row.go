package models

import "time"

// RowStatus enumerates per-row staging outcomes.
const (
	RowStatusStaged = "staged"
	RowStatusError  = "error"
)

// Row-level rejection reason codes.
const (
	ReasonMissingIdentifier = "MISSING_IDENTIFIER"
	ReasonMissingRequired   = "MISSING_REQUIRED"
	ReasonInvalidNumber     = "INVALID_NUMBER"
	ReasonInvalidDate       = "INVALID_DATE"
	ReasonMalformedRow      = "MALFORMED_ROW"
)

// Row is one staged source record. Rows are append-only: identity is
// (batch_id, row_number) and a row is never updated after insert.
type Row struct {
	BatchID           string            `json:"batch_id"`
	RowNumber         int64             `json:"row_number"`
	RawPayload        map[string]string `json:"raw_payload"`
	NormalizedPayload map[string]string `json:"normalized_payload,omitempty"`
	Status            string            `json:"status"`
	ReasonCode        *string           `json:"reason_code,omitempty"`
	ReasonDetail      *string           `json:"reason_detail,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
}
