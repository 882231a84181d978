package sync

import (
	"context"

	"github.com/flurbudurbur/fieldsync/internal/domain"
	"github.com/flurbudurbur/fieldsync/internal/logger"

	"github.com/rs/zerolog"
)

// Publisher delivers one outbox message to the queue.
type Publisher interface {
	Publish(ctx context.Context, msg domain.OutboxMessage) error
}

// Relay moves committed outbox rows onto the queue.
type Relay struct {
	log       zerolog.Logger
	repo      domain.OutboxRepo
	publisher Publisher
	batch     int
}

func NewRelay(log logger.Logger, repo domain.OutboxRepo, publisher Publisher, batch int) *Relay {
	if batch <= 0 {
		batch = 500
	}
	return &Relay{
		log:       log.With().Str("module", "outbox-relay").Logger(),
		repo:      repo,
		publisher: publisher,
		batch:     batch,
	}
}

// Run relays batches until the outbox is drained, a batch has failures or ctx ends.
func (r *Relay) Run(ctx context.Context) (domain.RelayResult, error) {
	var total domain.RelayResult

	for {
		res, err := r.repo.Relay(ctx, r.batch, r.publisher.Publish)
		total.Published += res.Published
		total.Failed += res.Failed
		if err != nil {
			r.log.Error().Err(err).Msg("outbox relay failed")
			return total, err
		}
		if res.Failed > 0 || res.Published < r.batch || ctx.Err() != nil {
			break
		}
	}

	if total.Failed > 0 {
		r.log.Warn().
			Int("published", total.Published).
			Int("failed", total.Failed).
			Msg("outbox relay could not publish every message")
	} else if total.Published > 0 {
		r.log.Debug().Int("published", total.Published).Msg("outbox relayed")
	}

	return total, nil
}
