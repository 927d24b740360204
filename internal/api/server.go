package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"bulk-ingest-worker/internal/config"
	"bulk-ingest-worker/internal/models"
	"bulk-ingest-worker/internal/ratelimit"
	"bulk-ingest-worker/internal/source"
	"bulk-ingest-worker/internal/store"
	"bulk-ingest-worker/internal/telemetry"
)

// Server wires HTTP handlers for the batch front door and read models.
// Creation and the uploaded transition belong to the upload collaborator;
// status and row listing are the polled read models for the UI and the
// downstream execute step.
type Server struct {
	cfg     config.Config
	store   *store.Store
	limiter *ratelimit.TokenBucket
}

// New constructs the API server. limiter may be nil to disable rate limiting.
func New(cfg config.Config, st *store.Store, limiter *ratelimit.TokenBucket) *Server {
	return &Server{cfg: cfg, store: st, limiter: limiter}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/batches", s.handleCreateBatch)
	r.Post("/batches/{id}/uploaded", s.handleMarkUploaded)
	r.Get("/batches/{id}", s.handleGetBatch)
	r.Get("/batches/{id}/rows", s.handleListRows)
	return r
}

type createBatchRequest struct {
	DisplayName   string               `json:"display_name"`
	ColumnMapping models.ColumnMapping `json:"column_mapping"`
}

type markUploadedRequest struct {
	SourcePointer  string `json:"source_pointer"`
	SourceEncoding string `json:"source_encoding"`
}

func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromRequest(r)
	if !s.allow(w, r, tenant) {
		return
	}

	var req createBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if len(req.ColumnMapping) == 0 {
		http.Error(w, "column_mapping is required", http.StatusBadRequest)
		return
	}
	for name, fm := range req.ColumnMapping {
		if name == "" || fm.Source == "" {
			http.Error(w, "column_mapping entries need a name and source", http.StatusBadRequest)
			return
		}
	}

	batch, err := s.store.CreateBatch(r.Context(), store.CreateBatchParams{
		Tenant:        tenant,
		DisplayName:   req.DisplayName,
		ColumnMapping: req.ColumnMapping,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	telemetry.BatchesCreated.Inc()
	writeJSON(w, http.StatusCreated, batch)
}

// handleMarkUploaded is the upload collaborator's callback once the source
// object is durably stored: created -> uploaded, claimable by workers.
func (s *Server) handleMarkUploaded(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromRequest(r)
	if !s.allow(w, r, tenant) {
		return
	}

	var req markUploadedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.SourcePointer == "" {
		http.Error(w, "source_pointer is required", http.StatusBadRequest)
		return
	}
	// Reject undeclarable encodings up front rather than at claim time.
	if !source.ValidEncoding(req.SourceEncoding) {
		http.Error(w, "unsupported source_encoding", http.StatusBadRequest)
		return
	}

	id := chi.URLParam(r, "id")
	err := s.store.MarkUploaded(r.Context(), id, tenant, req.SourcePointer, req.SourceEncoding)
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "batch not found", http.StatusNotFound)
		return
	case errors.Is(err, store.ErrConflict):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": models.BatchUploaded})
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromRequest(r)
	id := chi.URLParam(r, "id")

	batch, err := s.store.GetBatch(r.Context(), id, tenant)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "batch not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

func (s *Server) handleListRows(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromRequest(r)
	id := chi.URLParam(r, "id")

	status := r.URL.Query().Get("status")
	if status != "" && status != models.RowStatusStaged && status != models.RowStatusError {
		http.Error(w, "status must be staged or error", http.StatusBadRequest)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	// Existence check keeps "no rows" distinguishable from "no batch".
	if _, err := s.store.GetBatch(r.Context(), id, tenant); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "batch not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	rows, err := s.store.ListRows(r.Context(), id, tenant, status, limit, offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = []models.Row{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rows": rows})
}

// allow applies the per-tenant token bucket to mutating routes.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, tenant string) bool {
	if s.limiter == nil {
		return true
	}
	allowed, _, err := s.limiter.Allow(r.Context(), tenant)
	if err != nil {
		http.Error(w, "rate limit error", http.StatusInternalServerError)
		return false
	}
	if !allowed {
		telemetry.RateLimitRejects.Inc()
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return false
	}
	return true
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
