package processor

import (
	"github.com/flurbudurbur/fieldsync/internal/collab"
	"github.com/flurbudurbur/fieldsync/internal/domain"
	"github.com/flurbudurbur/fieldsync/pkg/errors"

	"github.com/tidwall/gjson"
)

// Fossil reconciles fossil finds with the fossil registry.
type Fossil struct {
	reconciler
}

func NewFossil(client collab.Client, policy ConflictPolicy) *Fossil {
	return &Fossil{reconciler{
		entityType: domain.EntityTypeFossil,
		idPath:     "fossil_id",
		client:     client,
		policy:     policy,
		validate:   validateFind,
	}}
}

func validateFind(doc gjson.Result) error {
	if p := doc.Get("period"); p.Exists() && (p.Type != gjson.String || p.Str == "") {
		return errors.Wrap(domain.ErrValidation, "period must be a non-empty string")
	}
	if d := doc.Get("depth_m"); d.Exists() && (d.Type != gjson.Number || d.Num < 0) {
		return errors.Wrap(domain.ErrValidation, "depth_m must be a non-negative number")
	}
	return validateLocation(doc)
}
