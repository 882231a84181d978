package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/flurbudurbur/fieldsync/internal/domain"
	"github.com/flurbudurbur/fieldsync/pkg/errors"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/rs/zerolog"
)

const defaultSubmitTimeout = 30 * time.Second

type syncService interface {
	CreateSyncRecord(ctx context.Context, record *domain.SyncRecord) error
	CreateSyncBatch(ctx context.Context, batch *domain.SyncBatch) error
	GetRecord(ctx context.Context, userID string, id string) (*domain.SyncRecord, error)
	GetBatch(ctx context.Context, userID string, batchID string) (*domain.SyncBatch, error)
}

type recordRequest struct {
	EntityType domain.EntityType `json:"entity_type"`
	Data       json.RawMessage   `json:"data"`
}

type batchRequest struct {
	Records []recordRequest `json:"records"`
}

type createResponse struct {
	SyncID   string            `json:"sync_id"`
	Status   domain.SyncStatus `json:"status"`
	ShardKey int               `json:"shard_key"`
}

type batchCreateResponse struct {
	BatchID string            `json:"batch_id"`
	SyncIDs []string          `json:"sync_ids"`
	Status  domain.SyncStatus `json:"status"`
}

type recordResponse struct {
	SyncID       string            `json:"sync_id"`
	BatchID      string            `json:"batch_id,omitempty"`
	EntityType   domain.EntityType `json:"entity_type"`
	Status       domain.SyncStatus `json:"status"`
	ShardKey     int               `json:"shard_key"`
	RetryCount   int               `json:"retry_count"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Version      int64             `json:"version"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

func newRecordResponse(r *domain.SyncRecord) recordResponse {
	return recordResponse{
		SyncID:       r.ID,
		BatchID:      r.BatchID,
		EntityType:   r.EntityType,
		Status:       r.Status,
		ShardKey:     r.ShardKey,
		RetryCount:   r.RetryCount,
		ErrorMessage: r.ErrorMessage,
		Version:      r.Version,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

type batchStatusResponse struct {
	BatchID     string                    `json:"batch_id"`
	Total       int                       `json:"total"`
	Counts      map[domain.SyncStatus]int `json:"counts"`
	Complete    bool                      `json:"complete"`
	CreatedAt   time.Time                 `json:"created_at"`
	CompletedAt *time.Time                `json:"completed_at,omitempty"`
}

type syncHandler struct {
	encoder encoder
	log     zerolog.Logger
	service syncService
	timeout time.Duration
}

func newSyncHandler(encoder encoder, log zerolog.Logger, service syncService) *syncHandler {
	return &syncHandler{
		encoder: encoder,
		log:     log,
		service: service,
		timeout: defaultSubmitTimeout,
	}
}

// Routes registers the read endpoints. Submissions are registered separately so the
// rate limiter only wraps them.
func (h syncHandler) Routes(r chi.Router) {
	r.Get("/batch/{batchID}", h.getBatch)
	r.Get("/{syncID}", h.getRecord)
}

func (h syncHandler) SubmitRoutes(r chi.Router) {
	r.Post("/", h.create)
	r.Post("/batch", h.createBatch)
}

func (h syncHandler) create(w http.ResponseWriter, r *http.Request) {
	userID := userFromContext(r.Context())

	var req recordRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		h.encoder.StatusError(w, http.StatusBadRequest, errors.Wrap(err, "invalid request body"))
		return
	}

	record, err := domain.NewSyncRecord(userID, req.EntityType, req.Data)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if err := h.service.CreateSyncRecord(ctx, record); err != nil {
		h.writeError(w, r, err)
		return
	}

	h.encoder.StatusResponse(r.Context(), w, createResponse{
		SyncID:   record.ID,
		Status:   record.Status,
		ShardKey: record.ShardKey,
	}, http.StatusAccepted)
}

func (h syncHandler) createBatch(w http.ResponseWriter, r *http.Request) {
	userID := userFromContext(r.Context())

	var req batchRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		h.encoder.StatusError(w, http.StatusBadRequest, errors.Wrap(err, "invalid request body"))
		return
	}
	if len(req.Records) == 0 || len(req.Records) > domain.MaxBatchSize {
		h.writeError(w, r, errors.Wrap(domain.ErrBatchSize, "got %d records, want 1..%d", len(req.Records), domain.MaxBatchSize))
		return
	}

	records := make([]*domain.SyncRecord, 0, len(req.Records))
	for i, rr := range req.Records {
		record, err := domain.NewSyncRecord(userID, rr.EntityType, rr.Data)
		if err != nil {
			h.writeError(w, r, errors.Wrap(err, "record %d", i))
			return
		}
		records = append(records, record)
	}

	batch, err := domain.NewSyncBatch(userID, records)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if err := h.service.CreateSyncBatch(ctx, batch); err != nil {
		h.writeError(w, r, err)
		return
	}

	ids := make([]string, len(batch.Records))
	for i, rec := range batch.Records {
		ids[i] = rec.ID
	}

	h.encoder.StatusResponse(r.Context(), w, batchCreateResponse{
		BatchID: batch.BatchID,
		SyncIDs: ids,
		Status:  domain.SyncStatusPending,
	}, http.StatusAccepted)
}

func (h syncHandler) getRecord(w http.ResponseWriter, r *http.Request) {
	record, err := h.service.GetRecord(r.Context(), userFromContext(r.Context()), chi.URLParam(r, "syncID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	render.JSON(w, r, newRecordResponse(record))
}

func (h syncHandler) getBatch(w http.ResponseWriter, r *http.Request) {
	batch, err := h.service.GetBatch(r.Context(), userFromContext(r.Context()), chi.URLParam(r, "batchID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	render.JSON(w, r, batchStatusResponse{
		BatchID:     batch.BatchID,
		Total:       len(batch.Records),
		Counts:      batch.Counts(),
		Complete:    batch.IsComplete(),
		CreatedAt:   batch.CreatedAt,
		CompletedAt: batch.CompletionTime(),
	})
}

func (h syncHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	writeServiceError(h.encoder, h.log, w, r, err)
}

// writeServiceError maps domain errors onto status codes. Unknown errors are logged
// and answered with an empty 500.
func writeServiceError(enc encoder, log zerolog.Logger, w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		enc.StatusInternalError(w)
		return
	}

	enc.StatusError(w, status, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrBatchSize):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrShardUnhealthy):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}
