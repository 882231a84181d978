package processor

import (
	"github.com/flurbudurbur/fieldsync/internal/collab"
	"github.com/flurbudurbur/fieldsync/internal/domain"
	"github.com/flurbudurbur/fieldsync/pkg/errors"

	"github.com/tidwall/gjson"
)

// Species reconciles wildlife sightings with the species catalogue.
type Species struct {
	reconciler
}

func NewSpecies(client collab.Client, policy ConflictPolicy) *Species {
	return &Species{reconciler{
		entityType: domain.EntityTypeSpecies,
		idPath:     "species_id",
		client:     client,
		policy:     policy,
		validate:   validateSighting,
	}}
}

func validateSighting(doc gjson.Result) error {
	if c := doc.Get("confidence"); c.Exists() {
		if c.Type != gjson.Number || c.Num < 0 || c.Num > 1 {
			return errors.Wrap(domain.ErrValidation, "confidence must be a number in [0, 1]")
		}
	}
	if n := doc.Get("count"); n.Exists() {
		if n.Type != gjson.Number || n.Num < 1 || n.Num != float64(n.Int()) {
			return errors.Wrap(domain.ErrValidation, "count must be a positive integer")
		}
	}
	return validateLocation(doc)
}
