package processor

import (
	"github.com/flurbudurbur/fieldsync/internal/collab"
	"github.com/flurbudurbur/fieldsync/internal/domain"
	"github.com/flurbudurbur/fieldsync/pkg/errors"
)

var defaultPolicies = map[domain.EntityType]ConflictPolicy{
	domain.EntityTypeSpecies:    LastWriteWins,
	domain.EntityTypeFossil:     ServerWins,
	domain.EntityTypeCollection: ClientWins,
}

// NewDefaultRegistry registers the species, fossil and collection processors. policies
// maps entity type to policy name and falls back to the built-in policy per type.
func NewDefaultRegistry(client collab.Client, policies map[string]string) (*Registry, error) {
	policy := func(t domain.EntityType) (ConflictPolicy, error) {
		name, ok := policies[string(t)]
		if !ok || name == "" {
			return defaultPolicies[t], nil
		}
		p, err := ParsePolicy(name)
		if err != nil {
			return "", errors.Wrap(err, "policy for %s", t)
		}
		return p, nil
	}

	species, err := policy(domain.EntityTypeSpecies)
	if err != nil {
		return nil, err
	}
	fossil, err := policy(domain.EntityTypeFossil)
	if err != nil {
		return nil, err
	}
	collection, err := policy(domain.EntityTypeCollection)
	if err != nil {
		return nil, err
	}

	return NewRegistry(
		NewSpecies(client, species),
		NewFossil(client, fossil),
		NewCollection(client, collection),
	)
}
