package http

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// DBPinger defines an interface for types that can be pinged.
type DBPinger interface {
	Ping() error
}

// dependencyCheck is an optional readiness check such as the queue connection.
type dependencyCheck struct {
	name  string
	check func(ctx context.Context) error
}

type healthHandler struct {
	encoder  encoder
	dbPinger DBPinger
	checks   []dependencyCheck
}

func newHealthHandler(encoder encoder, dbPinger DBPinger, checks ...dependencyCheck) *healthHandler {
	return &healthHandler{
		encoder:  encoder,
		dbPinger: dbPinger,
		checks:   checks,
	}
}

func (h healthHandler) Routes(r chi.Router) {
	r.Get("/liveness", h.handleLiveness)
	r.Get("/readiness", h.handleReadiness)
}

func (h healthHandler) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	writeHealthy(w)
}

func (h healthHandler) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if err := h.dbPinger.Ping(); err != nil {
		writeUnhealthy(w, "Database")
		return
	}

	for _, c := range h.checks {
		if err := c.check(r.Context()); err != nil {
			writeUnhealthy(w, c.name)
			return
		}
	}

	writeHealthy(w)
}

func writeHealthy(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func writeUnhealthy(w http.ResponseWriter, dependency string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusInternalServerError)
	fmt.Fprintf(w, "Unhealthy. %s unreachable", dependency)
}
