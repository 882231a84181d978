package http

import (
	"context"
	"net/http"
	"strconv"

	"github.com/flurbudurbur/fieldsync/internal/domain"
	"github.com/flurbudurbur/fieldsync/internal/shard"
	"github.com/flurbudurbur/fieldsync/internal/sync"
	"github.com/flurbudurbur/fieldsync/pkg/errors"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/rs/zerolog"
)

type adminService interface {
	Shards() (int, []shard.Status)
	SetShardHealth(shardID int, healthy bool, reason string) error
	Replay(ctx context.Context, shardID int, id string) (*domain.SyncRecord, error)
	ProcessPendingSyncs(ctx context.Context) (*sync.CycleReport, error)
	Stats(ctx context.Context) (*sync.Stats, error)
}

type shardsResponse struct {
	Count     int            `json:"count"`
	Unhealthy []shard.Status `json:"unhealthy"`
}

type shardHealthRequest struct {
	Healthy bool   `json:"healthy"`
	Reason  string `json:"reason"`
}

type adminHandler struct {
	encoder encoder
	log     zerolog.Logger
	service adminService
}

func newAdminHandler(encoder encoder, log zerolog.Logger, service adminService) *adminHandler {
	return &adminHandler{
		encoder: encoder,
		log:     log,
		service: service,
	}
}

func (h adminHandler) Routes(r chi.Router) {
	r.Get("/shards", h.listShards)
	r.Put("/shards/{shardID}/health", h.setShardHealth)
	r.Post("/shards/{shardID}/records/{syncID}/replay", h.replay)
	r.Post("/process", h.process)
	r.Get("/stats", h.stats)
}

func (h adminHandler) listShards(w http.ResponseWriter, r *http.Request) {
	count, unhealthy := h.service.Shards()
	if unhealthy == nil {
		unhealthy = []shard.Status{}
	}

	render.JSON(w, r, shardsResponse{Count: count, Unhealthy: unhealthy})
}

func (h adminHandler) setShardHealth(w http.ResponseWriter, r *http.Request) {
	shardID, err := shardParam(r)
	if err != nil {
		h.encoder.StatusError(w, http.StatusBadRequest, err)
		return
	}

	var req shardHealthRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		h.encoder.StatusError(w, http.StatusBadRequest, errors.Wrap(err, "invalid request body"))
		return
	}

	if err := h.service.SetShardHealth(shardID, req.Healthy, req.Reason); err != nil {
		writeServiceError(h.encoder, h.log, w, r, err)
		return
	}

	h.log.Info().Int("shard", shardID).Bool("healthy", req.Healthy).Str("reason", req.Reason).Msg("shard health set by operator")

	h.encoder.NoContent(w)
}

func (h adminHandler) replay(w http.ResponseWriter, r *http.Request) {
	shardID, err := shardParam(r)
	if err != nil {
		h.encoder.StatusError(w, http.StatusBadRequest, err)
		return
	}

	record, err := h.service.Replay(r.Context(), shardID, chi.URLParam(r, "syncID"))
	if err != nil {
		writeServiceError(h.encoder, h.log, w, r, err)
		return
	}

	render.JSON(w, r, newRecordResponse(record))
}

// process runs one cycle on demand. Shard errors are reported in the body, not as a
// failed request.
func (h adminHandler) process(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.ProcessPendingSyncs(r.Context())
	if report == nil {
		if err == nil {
			err = errors.New("no cycle report")
		}
		writeServiceError(h.encoder, h.log, w, r, err)
		return
	}
	if err != nil {
		h.log.Warn().Err(err).Msg("manual cycle finished with shard errors")
	}

	render.JSON(w, r, report)
}

func (h adminHandler) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		writeServiceError(h.encoder, h.log, w, r, err)
		return
	}

	render.JSON(w, r, stats)
}

func shardParam(r *http.Request) (int, error) {
	raw := chi.URLParam(r, "shardID")
	id, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.Wrap(domain.ErrValidation, "invalid shard id %q", raw)
	}
	return id, nil
}
