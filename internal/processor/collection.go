package processor

import (
	"github.com/flurbudurbur/fieldsync/internal/collab"
	"github.com/flurbudurbur/fieldsync/internal/domain"
	"github.com/flurbudurbur/fieldsync/pkg/errors"

	"github.com/tidwall/gjson"
)

// Collection applies edits to a user's collection.
type Collection struct {
	reconciler
}

func NewCollection(client collab.Client, policy ConflictPolicy) *Collection {
	return &Collection{reconciler{
		entityType: domain.EntityTypeCollection,
		idPath:     "collection_id",
		client:     client,
		policy:     policy,
		validate:   validateEdit,
	}}
}

func validateEdit(doc gjson.Result) error {
	op := doc.Get("op")
	if op.Type != gjson.String {
		return errors.Wrap(domain.ErrValidation, "op is required")
	}

	switch op.Str {
	case "add", "remove":
		if item := doc.Get("item_id"); item.Type != gjson.String || item.Str == "" {
			return errors.Wrap(domain.ErrValidation, "%s needs item_id", op.Str)
		}
	case "rename":
		if name := doc.Get("name"); name.Type != gjson.String || name.Str == "" {
			return errors.Wrap(domain.ErrValidation, "rename needs name")
		}
	default:
		return errors.Wrap(domain.ErrValidation, "unknown op %q", op.Str)
	}
	return nil
}
