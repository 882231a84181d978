// Package collab is the client side of the services that own entity data
// (species catalogue, fossil registry, user collections).
package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/flurbudurbur/fieldsync/internal/domain"
	"github.com/flurbudurbur/fieldsync/pkg/errors"
)

var (
	ErrNotFound    = errors.New("collab: not found")
	ErrConflict    = errors.New("collab: conflict")
	ErrRejected    = errors.New("collab: rejected")
	ErrUnavailable = errors.New("collab: unavailable")
)

// Entity is a collaborating service's current copy of an entity.
type Entity struct {
	ID        string          `json:"id"`
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
	Data      json.RawMessage `json:"data"`
}

// Change is a write sent to a collaborating service. BaseVersion is the version the
// client last saw, zero when unknown.
type Change struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	SyncID      string          `json:"sync_id"`
	BaseVersion int64           `json:"base_version,omitempty"`
	Force       bool            `json:"force,omitempty"`
	ObservedAt  time.Time       `json:"observed_at"`
	Data        json.RawMessage `json:"data"`
}

type Client interface {
	// Fetch returns ErrNotFound when the entity does not exist.
	Fetch(ctx context.Context, entityType domain.EntityType, id string) (*Entity, error)
	// Apply returns ErrConflict when BaseVersion is stale and Force is unset.
	Apply(ctx context.Context, entityType domain.EntityType, change Change) (*Entity, error)
}

// StatusError carries the HTTP status of a failed call.
type StatusError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("collab: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// classifyStatus maps a response status to a sentinel. Client errors other than
// 404, 408, 409 and 429 are not worth retrying.
func classifyStatus(code int) error {
	switch code {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict, http.StatusPreconditionFailed:
		return ErrConflict
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return ErrUnavailable
	}

	switch {
	case code >= http.StatusInternalServerError:
		return ErrUnavailable
	case code >= http.StatusBadRequest:
		return errors.Join(ErrRejected, domain.ErrNonRetryable)
	}
	return nil
}
