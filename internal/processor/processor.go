// Package processor holds the per-entity handlers that reconcile a synced record with
// the service owning that entity.
package processor

import (
	"context"
	"sort"

	"github.com/flurbudurbur/fieldsync/internal/domain"
	"github.com/flurbudurbur/fieldsync/pkg/errors"
)

type Processor interface {
	EntityType() domain.EntityType
	Process(ctx context.Context, record *domain.SyncRecord) error
}

// Registry dispatches records to the processor registered for their entity type. It is
// immutable once built.
type Registry struct {
	processors map[domain.EntityType]Processor
}

func NewRegistry(processors ...Processor) (*Registry, error) {
	r := &Registry{processors: make(map[domain.EntityType]Processor, len(processors))}

	for _, p := range processors {
		if p == nil {
			return nil, errors.New("nil processor")
		}
		t := p.EntityType()
		if !t.Valid() {
			return nil, errors.New("processor for unknown entity type %q", t)
		}
		if _, ok := r.processors[t]; ok {
			return nil, errors.New("duplicate processor for entity type %q", t)
		}
		r.processors[t] = p
	}

	return r, nil
}

func (r *Registry) Get(t domain.EntityType) (Processor, bool) {
	p, ok := r.processors[t]
	return p, ok
}

// Types returns the registered entity types in sorted order.
func (r *Registry) Types() []domain.EntityType {
	out := make([]domain.EntityType, 0, len(r.processors))
	for t := range r.processors {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Process runs the record through its processor. A record without a processor fails
// permanently.
func (r *Registry) Process(ctx context.Context, record *domain.SyncRecord) error {
	p, ok := r.processors[record.EntityType]
	if !ok {
		return NonRetryable(errors.New("no processor for entity type %q", record.EntityType))
	}
	return p.Process(ctx, record)
}

type nonRetryable struct {
	err error
}

func (e *nonRetryable) Error() string {
	return e.err.Error()
}

func (e *nonRetryable) Unwrap() error {
	return e.err
}

func (e *nonRetryable) Is(target error) bool {
	return target == domain.ErrNonRetryable
}

// NonRetryable marks err so the retry policy stops at the first attempt.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryable{err: err}
}

func IsNonRetryable(err error) bool {
	return errors.Is(err, domain.ErrNonRetryable)
}
