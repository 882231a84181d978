package scheduler

import (
	"context"
	"time"

	"github.com/flurbudurbur/fieldsync/internal/domain"
	"github.com/flurbudurbur/fieldsync/internal/sync"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
)

type syncService interface {
	ProcessPendingSyncs(ctx context.Context) (*sync.CycleReport, error)
	ReclaimStale(ctx context.Context) (int64, error)
}

type outboxRelay interface {
	Run(ctx context.Context) (domain.RelayResult, error)
}

type shardBreaker interface {
	ResetExpired() []int
}

// ProcessPendingJob runs one processing cycle over every shard.
type ProcessPendingJob struct {
	Name    string
	Log     zerolog.Logger
	Ctx     context.Context
	Svc     syncService
	Timeout time.Duration
}

func (j *ProcessPendingJob) Run() {
	ctx := j.Ctx
	if j.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.Timeout)
		defer cancel()
	}

	report, err := j.Svc.ProcessPendingSyncs(ctx)
	if err != nil {
		e := j.Log.Error().Err(err)
		if report != nil {
			e = e.Int("processed", report.Processed).Int("shard_errors", len(report.ShardErrors))
		}
		e.Msg("sync cycle finished with errors")
	}
}

// OutboxRelayJob publishes committed outbox rows to the queue.
type OutboxRelayJob struct {
	Name  string
	Log   zerolog.Logger
	Ctx   context.Context
	Relay outboxRelay
}

func (j *OutboxRelayJob) Run() {
	res, err := j.Relay.Run(j.Ctx)
	if err != nil {
		j.Log.Error().Err(err).Msg("outbox relay failed")
		return
	}
	if res.Published > 0 {
		j.Log.Trace().Msgf("relayed %s record pointers", humanize.Comma(int64(res.Published)))
	}
}

// ReclaimStaleJob returns records left in processing by a dead worker to pending.
type ReclaimStaleJob struct {
	Name string
	Log  zerolog.Logger
	Ctx  context.Context
	Svc  syncService
}

func (j *ReclaimStaleJob) Run() {
	n, err := j.Svc.ReclaimStale(j.Ctx)
	if err != nil {
		j.Log.Error().Err(err).Msg("could not reclaim stale records")
	}
	if n > 0 {
		j.Log.Info().Int64("records", n).Msg("stale records returned to pending")
	}
}

// BreakerResetJob puts shards back into rotation once their breaker cooldown passed.
type BreakerResetJob struct {
	Name    string
	Log     zerolog.Logger
	Breaker shardBreaker
}

func (j *BreakerResetJob) Run() {
	if restored := j.Breaker.ResetExpired(); len(restored) > 0 {
		j.Log.Info().Ints("shards", restored).Msg("shards restored")
	}
}
