package processor

import (
	"context"
	"time"

	"github.com/flurbudurbur/fieldsync/internal/collab"
	"github.com/flurbudurbur/fieldsync/internal/domain"
	"github.com/flurbudurbur/fieldsync/pkg/errors"

	"github.com/tidwall/gjson"
)

// reconciler is the flow shared by the entity processors: validate the payload, fetch
// the server copy, resolve divergence under the policy and apply.
type reconciler struct {
	entityType domain.EntityType
	idPath     string
	client     collab.Client
	policy     ConflictPolicy
	validate   func(doc gjson.Result) error
}

func (r *reconciler) EntityType() domain.EntityType {
	return r.entityType
}

func (r *reconciler) Policy() ConflictPolicy {
	return r.policy
}

func (r *reconciler) Process(ctx context.Context, record *domain.SyncRecord) error {
	if record.EntityType != r.entityType {
		return NonRetryable(errors.New("%s processor got %s record", r.entityType, record.EntityType))
	}

	if !gjson.ValidBytes(record.Data) {
		return NonRetryable(errors.Wrap(domain.ErrValidation, "data is not valid json"))
	}
	doc := gjson.ParseBytes(record.Data)

	id := doc.Get(r.idPath)
	if id.Type != gjson.String || id.Str == "" {
		return NonRetryable(errors.Wrap(domain.ErrValidation, "%s is required", r.idPath))
	}

	if r.validate != nil {
		if err := r.validate(doc); err != nil {
			return NonRetryable(err)
		}
	}

	baseVersion := doc.Get("base_version").Int()
	observedAt := record.CreatedAt
	if v := doc.Get("observed_at"); v.Type == gjson.String {
		if t, err := time.Parse(time.RFC3339, v.Str); err == nil {
			observedAt = t.UTC()
		}
	}

	remote, err := r.client.Fetch(ctx, r.entityType, id.Str)
	if err != nil {
		if !errors.Is(err, collab.ErrNotFound) {
			return errors.Wrap(err, "fetch %s %s", r.entityType, id.Str)
		}
		remote = nil
	}

	d, err := r.policy.resolve(remote, baseVersion, observedAt)
	if err != nil {
		return err
	}
	if d == keepServer {
		return nil
	}

	_, err = r.client.Apply(ctx, r.entityType, collab.Change{
		ID:          id.Str,
		UserID:      record.UserID,
		SyncID:      record.ID,
		BaseVersion: baseVersion,
		Force:       d == applyForced,
		ObservedAt:  observedAt,
		Data:        record.Data,
	})
	if err != nil {
		return errors.Wrap(err, "apply %s %s", r.entityType, id.Str)
	}

	return nil
}

// validateLocation checks the optional location object shared by sightings and finds.
func validateLocation(doc gjson.Result) error {
	loc := doc.Get("location")
	if !loc.Exists() {
		return nil
	}
	if !loc.IsObject() {
		return errors.Wrap(domain.ErrValidation, "location must be an object")
	}

	lat, lon := loc.Get("lat"), loc.Get("lon")
	if lat.Type != gjson.Number || lon.Type != gjson.Number {
		return errors.Wrap(domain.ErrValidation, "location needs numeric lat and lon")
	}
	if lat.Num < -90 || lat.Num > 90 {
		return errors.Wrap(domain.ErrValidation, "latitude %v out of range", lat.Num)
	}
	if lon.Num < -180 || lon.Num > 180 {
		return errors.Wrap(domain.ErrValidation, "longitude %v out of range", lon.Num)
	}
	return nil
}
