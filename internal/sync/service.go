package sync

import (
	"context"
	"sort"
	gosync "sync"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/dustin/go-humanize"
	"github.com/flurbudurbur/fieldsync/internal/domain"
	"github.com/flurbudurbur/fieldsync/internal/logger"
	"github.com/flurbudurbur/fieldsync/internal/processor"
	"github.com/flurbudurbur/fieldsync/internal/retry"
	"github.com/flurbudurbur/fieldsync/internal/shard"
	"github.com/flurbudurbur/fieldsync/internal/telemetry"
	"github.com/flurbudurbur/fieldsync/pkg/errors"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Service owns record creation and the per-shard processing cycle.
type Service struct {
	log      zerolog.Logger
	repo     domain.SyncRepo
	outbox   domain.OutboxRepo
	router   *shard.Router
	health   *shard.HealthTracker
	breaker  *shard.Breaker
	gate     *shard.Gate
	registry *processor.Registry
	metrics  *telemetry.Metrics
	bus      EventBus.Bus

	mu  gosync.RWMutex
	cfg domain.SyncConfig
}

func NewService(log logger.Logger, cfg domain.SyncConfig, repo domain.SyncRepo, outbox domain.OutboxRepo, router *shard.Router, health *shard.HealthTracker, registry *processor.Registry, metrics *telemetry.Metrics, bus EventBus.Bus) *Service {
	return &Service{
		log:      log.With().Str("module", "sync").Logger(),
		repo:     repo,
		outbox:   outbox,
		router:   router,
		health:   health,
		gate:     shard.NewGate(router.Count()),
		registry: registry,
		metrics:  metrics,
		bus:      bus,
		cfg:      normalize(cfg),
	}
}

// SetBreaker enables automatic shard tripping on shard-level failures.
func (s *Service) SetBreaker(b *shard.Breaker) {
	s.breaker = b
}

func normalize(cfg domain.SyncConfig) domain.SyncConfig {
	if cfg.MaxRetryAttempts <= 0 {
		cfg.MaxRetryAttempts = domain.DefaultMaxRetryAttempts
	}
	if cfg.BatchSize <= 0 || cfg.BatchSize > domain.MaxBatchSize {
		cfg.BatchSize = domain.MaxBatchSize
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 15 * time.Minute
	}
	return cfg
}

// Reconfigure swaps the processing tunables. The shard count is ignored.
func (s *Service) Reconfigure(cfg domain.SyncConfig) {
	cfg = normalize(cfg)

	s.mu.Lock()
	cfg.ShardCount = s.cfg.ShardCount
	s.cfg = cfg
	s.mu.Unlock()

	s.log.Debug().
		Int("max_retry_attempts", cfg.MaxRetryAttempts).
		Int("batch_size", cfg.BatchSize).
		Msg("sync settings reloaded")
}

func (s *Service) config() domain.SyncConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

func (s *Service) publish(topic string, r *domain.SyncRecord) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(topic, domain.NewRecordEvent(r))
}

// CreateSyncRecord validates the record, assigns its shard and stores it together with
// its outbox pointer. Every failure is a *domain.StageError.
func (s *Service) CreateSyncRecord(ctx context.Context, record *domain.SyncRecord) (err error) {
	if err := record.Validate(); err != nil {
		return domain.NewStageError(domain.StageValidation, err)
	}

	record.ShardKey = s.router.ShardKey(record.UserID)

	ctx, span := telemetry.StartSpan(ctx, "sync.CreateSyncRecord",
		telemetry.ShardAttr(record.ShardKey),
		telemetry.EntityAttr(record.EntityType),
		telemetry.RecordAttr(record.ID),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	if err := s.repo.Create(ctx, record.ShardKey, record); err != nil {
		s.log.Error().Err(err).
			Str("record_id", record.ID).
			Int("shard", record.ShardKey).
			Msg("could not create sync record")
		return err
	}

	s.metrics.RecordCreated(ctx, record.ShardKey, record.EntityType)
	s.publish(domain.EventRecordCreated, record)

	s.log.Debug().
		Str("record_id", record.ID).
		Str("user_id", record.UserID).
		Str("entity_type", string(record.EntityType)).
		Int("shard", record.ShardKey).
		Msg("sync record created")

	return nil
}

// CreateSyncBatch stores every record of the batch. Records are grouped per shard and
// each group is written in one transaction; the first failing group stops the batch.
func (s *Service) CreateSyncBatch(ctx context.Context, batch *domain.SyncBatch) (err error) {
	if batch == nil || len(batch.Records) == 0 || len(batch.Records) > domain.MaxBatchSize {
		return domain.NewStageError(domain.StageValidation, errors.Wrap(domain.ErrBatchSize, "batch must hold 1..%d records", domain.MaxBatchSize))
	}

	groups := map[int][]*domain.SyncRecord{}
	for i, r := range batch.Records {
		if err := r.Validate(); err != nil {
			return domain.NewStageError(domain.StageValidation, errors.Wrap(err, "record %d", i))
		}
		r.BatchID = batch.BatchID
		r.ShardKey = s.router.ShardKey(r.UserID)
		groups[r.ShardKey] = append(groups[r.ShardKey], r)
	}

	shards := make([]int, 0, len(groups))
	for k := range groups {
		shards = append(shards, k)
	}
	sort.Ints(shards)

	ctx, span := telemetry.StartSpan(ctx, "sync.CreateSyncBatch")
	defer func() { telemetry.EndSpan(span, err) }()

	for _, k := range shards {
		if err := s.repo.Create(ctx, k, groups[k]...); err != nil {
			s.log.Error().Err(err).
				Str("batch_id", batch.BatchID).
				Int("shard", k).
				Msg("could not create sync batch")
			return err
		}
		for _, r := range groups[k] {
			s.metrics.RecordCreated(ctx, k, r.EntityType)
			s.publish(domain.EventRecordCreated, r)
		}
	}

	s.log.Debug().
		Str("batch_id", batch.BatchID).
		Int("records", len(batch.Records)).
		Int("shards", len(shards)).
		Msg("sync batch created")

	return nil
}

// GetRecord looks up a record owned by userID.
func (s *Service) GetRecord(ctx context.Context, userID string, id string) (*domain.SyncRecord, error) {
	if userID == "" || id == "" {
		return nil, domain.ErrRecordNotFound
	}

	record, err := s.repo.FindByID(ctx, s.router.ShardKey(userID), id)
	if err != nil {
		return nil, err
	}
	if record.UserID != userID {
		return nil, domain.ErrRecordNotFound
	}

	return record, nil
}

// GetBatch rebuilds a batch from its stored records.
func (s *Service) GetBatch(ctx context.Context, userID string, batchID string) (*domain.SyncBatch, error) {
	if userID == "" || batchID == "" {
		return nil, domain.ErrRecordNotFound
	}

	records, err := s.repo.FindByBatch(ctx, s.router.ShardKey(userID), batchID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, domain.ErrRecordNotFound
	}

	batch := &domain.SyncBatch{
		BatchID:   batchID,
		UserID:    userID,
		Records:   records,
		CreatedAt: records[0].CreatedAt,
	}
	for _, r := range records {
		if r.CreatedAt.Before(batch.CreatedAt) {
			batch.CreatedAt = r.CreatedAt
		}
	}
	batch.CompletedAt = batch.CompletionTime()

	return batch, nil
}

// Replay puts a failed record back into the pending pool with a fresh attempt budget.
func (s *Service) Replay(ctx context.Context, shardID int, id string) (*domain.SyncRecord, error) {
	if !s.router.Valid(shardID) {
		return nil, errors.Wrap(domain.ErrValidation, "shard %d out of range", shardID)
	}

	record, err := s.repo.FindByID(ctx, shardID, id)
	if err != nil {
		return nil, err
	}
	if err := record.Replay(); err != nil {
		return nil, err
	}
	if err := s.updateRecordStatus(ctx, shardID, record); err != nil {
		return nil, err
	}

	s.log.Info().Str("record_id", id).Int("shard", shardID).Msg("failed record replayed")

	return record, nil
}

// SetShardHealth lets an operator take a shard out of rotation or put it back.
func (s *Service) SetShardHealth(shardID int, healthy bool, reason string) error {
	if !s.router.Valid(shardID) {
		return errors.Wrap(domain.ErrValidation, "shard %d out of range", shardID)
	}

	if healthy {
		s.health.MarkHealthy(shardID)
		return nil
	}
	if reason == "" {
		reason = "marked unhealthy by operator"
	}
	s.health.MarkUnhealthy(shardID, reason)
	return nil
}

// Shards returns the shard count and the shards currently out of rotation.
func (s *Service) Shards() (int, []shard.Status) {
	return s.router.Count(), s.health.Unhealthy()
}

// Stats summarizes record state over every shard.
type Stats struct {
	Shards        int                         `json:"shards"`
	Unhealthy     []shard.Status              `json:"unhealthy"`
	Records       map[domain.SyncStatus]int64 `json:"records"`
	OutboxBacklog int64                       `json:"outbox_backlog"`
	Counters      telemetry.Snapshot          `json:"counters"`
}

func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{
		Shards:    s.router.Count(),
		Unhealthy: s.health.Unhealthy(),
		Records:   map[domain.SyncStatus]int64{},
		Counters:  s.metrics.Snapshot(),
	}

	for k := 0; k < s.router.Count(); k++ {
		counts, err := s.repo.CountByStatus(ctx, k)
		if err != nil {
			return nil, errors.Wrap(err, "shard %d", k)
		}
		for status, n := range counts {
			st.Records[status] += n
		}
	}

	if s.outbox != nil {
		n, err := s.outbox.CountUnpublished(ctx)
		if err != nil {
			return nil, err
		}
		st.OutboxBacklog = n
	}

	return st, nil
}

// ReclaimStale returns records stuck in processing to the pending pool. Records that
// already spent their retry budget are failed, since FindPending would never pick
// them up again.
func (s *Service) ReclaimStale(ctx context.Context) (int64, error) {
	cfg := s.config()
	olderThan := time.Now().UTC().Add(-cfg.StaleAfter)

	var (
		total int64
		errs  []error
	)
	for k := 0; k < s.router.Count(); k++ {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := s.repo.ReclaimStale(ctx, k, olderThan, cfg.MaxRetryAttempts)
		if err != nil {
			errs = append(errs, errors.Wrap(err, "shard %d", k))
			continue
		}
		if n > 0 {
			s.log.Warn().Int("shard", k).Int64("records", n).Msg("reclaimed stale processing records")
		}
		total += n
	}

	return total, errors.Join(errs...)
}

// CycleReport aggregates one processing cycle.
type CycleReport struct {
	Shards      int            `json:"shards"`
	Processed   int            `json:"processed"`
	Failed      int            `json:"failed"`
	Released    int            `json:"released"`
	Conflicts   int            `json:"conflicts"`
	ShardErrors map[int]string `json:"shard_errors,omitempty"`
	Duration    time.Duration  `json:"duration"`
}

// ShardReport counts record outcomes on one shard.
type ShardReport struct {
	Processed int
	Failed    int
	Released  int
	Conflicts int
}

func (r *CycleReport) add(shardID int, sr ShardReport, err error) {
	r.Processed += sr.Processed
	r.Failed += sr.Failed
	r.Released += sr.Released
	r.Conflicts += sr.Conflicts
	if err != nil {
		if r.ShardErrors == nil {
			r.ShardErrors = map[int]string{}
		}
		r.ShardErrors[shardID] = err.Error()
	}
}

// ProcessPendingSyncs runs one task per shard. Shard errors are collected and returned
// together once every shard has finished; only cancellation of ctx stops the cycle.
func (s *Service) ProcessPendingSyncs(ctx context.Context) (*CycleReport, error) {
	start := time.Now()
	count := s.router.Count()

	report := &CycleReport{Shards: count}
	shardErrs := make([]error, count)

	var mu gosync.Mutex
	g, gctx := errgroup.WithContext(ctx)

	for k := 0; k < count; k++ {
		shardID := k
		g.Go(func() error {
			sr, err := s.processShard(gctx, shardID)

			mu.Lock()
			report.add(shardID, sr, err)
			mu.Unlock()

			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				shardErrs[shardID] = err
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		report.Duration = time.Since(start)
		return report, err
	}
	report.Duration = time.Since(start)

	if report.Processed+report.Failed+report.Released+report.Conflicts > 0 || len(report.ShardErrors) > 0 {
		s.log.Info().
			Int("processed", report.Processed).
			Int("failed", report.Failed).
			Int("released", report.Released).
			Int("conflicts", report.Conflicts).
			Int("shard_errors", len(report.ShardErrors)).
			Msgf("sync cycle finished in %s: %s records processed", report.Duration.Round(time.Millisecond), humanize.Comma(int64(report.Processed)))
	}

	return report, errors.Join(shardErrs...)
}

// HandlePointers is the queue handler. The pointers only signal work on a shard; the
// shard's pending rows are processed in order so earlier records are never skipped.
func (s *Service) HandlePointers(ctx context.Context, shardID int, pointers []domain.RecordPointer) error {
	if !s.router.Valid(shardID) {
		return errors.Wrap(domain.ErrValidation, "shard %d out of range", shardID)
	}

	s.log.Trace().Int("shard", shardID).Int("pointers", len(pointers)).Msg("queue signalled shard")

	_, err := s.processShard(ctx, shardID)
	return err
}

func (s *Service) processShard(ctx context.Context, shardID int) (report ShardReport, err error) {
	ctx, span := telemetry.StartSpan(ctx, "sync.processShard", telemetry.ShardAttr(shardID))
	defer func() { telemetry.EndSpan(span, err) }()

	release, err := s.gate.Acquire(ctx, shardID)
	if err != nil {
		return report, err
	}
	defer release()

	if !s.health.IsHealthy(shardID) {
		return report, errors.Wrap(domain.ErrShardUnhealthy, "shard %d", shardID)
	}

	cfg := s.config()
	records, err := s.repo.FindPending(ctx, shardID, cfg.MaxRetryAttempts, cfg.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			s.shardFailure(shardID, err)
		}
		return report, errors.Wrap(err, "shard %d: query pending records", shardID)
	}
	s.shardSuccess(shardID)

	if len(records) == 0 {
		return report, nil
	}

	policy := retry.FromConfig(cfg.MaxRetryAttempts, cfg.Backoff)

	for _, record := range records {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !s.health.IsHealthy(shardID) {
			return report, errors.Wrap(domain.ErrShardUnhealthy, "shard %d", shardID)
		}

		out, err := s.handleRecord(ctx, shardID, record, policy)
		switch out {
		case outcomeCompleted:
			report.Processed++
		case outcomeFailed:
			report.Failed++
		case outcomeReleased:
			report.Released++
		case outcomeConflict:
			report.Conflicts++
		}
		if err != nil {
			if ctx.Err() == nil {
				s.shardFailure(shardID, err)
			}
			return report, errors.Wrap(err, "shard %d", shardID)
		}
	}

	s.log.Debug().
		Int("shard", shardID).
		Int("records", len(records)).
		Int("processed", report.Processed).
		Int("failed", report.Failed).
		Msg("shard processed")

	return report, nil
}

func (s *Service) shardFailure(shardID int, err error) {
	s.log.Error().Err(err).Int("shard", shardID).Msg("shard processing failed")
	if s.breaker != nil {
		s.breaker.RecordFailure(shardID, err)
	}
}

func (s *Service) shardSuccess(shardID int) {
	if s.breaker != nil {
		s.breaker.RecordSuccess(shardID)
	}
}

type outcome int

const (
	outcomeNone outcome = iota
	outcomeCompleted
	outcomeFailed
	outcomeReleased
	outcomeConflict
)

// handleRecord claims the record and runs it under the retry policy. A non-nil error
// means the shard store failed or ctx ended; record-level failures end up in the
// record itself.
func (s *Service) handleRecord(ctx context.Context, shardID int, record *domain.SyncRecord, policy retry.Policy) (outcome, error) {
	log := s.log.With().Str("record_id", record.ID).Int("shard", shardID).Logger()

	if err := record.MarkProcessing(); err != nil {
		log.Warn().Err(err).Msg("skipping record that is not pending")
		return outcomeNone, nil
	}
	if out, err := s.persist(ctx, shardID, record); out != outcomeNone || err != nil {
		return out, err
	}

	budget := policy.MaxAttempts - record.RetryCount
	if budget <= 0 {
		return s.fail(ctx, shardID, record, domain.ErrRetryExhausted)
	}

	var writeErr error
	p := policy.WithMaxAttempts(budget)
	p.Retryable = func(err error) bool {
		return writeErr == nil && !errors.Is(err, domain.ErrNonRetryable)
	}

	start := time.Now()
	res := p.DoNotify(ctx, func(ctx context.Context, attempt int) error {
		err := s.processRecord(ctx, record)
		if err == nil || ctx.Err() != nil {
			return err
		}

		record.RecordAttemptFailure()
		record.ErrorMessage = err.Error()
		if werr := s.updateRecordStatus(ctx, shardID, record); werr != nil {
			writeErr = werr
		}
		return err
	}, func(err error, attempt int, next time.Duration) {
		log.Debug().Err(err).
			Int("attempt", attempt).
			Dur("next", next).
			Msg("record attempt failed, retrying")
	})

	if ctx.Err() != nil {
		// The row stays in processing and is reclaimed later.
		return outcomeNone, ctx.Err()
	}
	if writeErr != nil {
		if errors.Is(writeErr, domain.ErrVersionConflict) {
			s.metrics.RecordConflict(ctx, shardID, record.EntityType)
			return outcomeConflict, nil
		}
		return outcomeNone, writeErr
	}

	if res.Stop == retry.Succeeded && !s.health.IsHealthy(shardID) {
		// The shard was taken out of rotation while the record ran.
		if err := record.Release(); err != nil {
			return outcomeNone, err
		}
		if out, err := s.persist(ctx, shardID, record); out != outcomeNone || err != nil {
			return out, err
		}
		return outcomeReleased, errors.Wrap(domain.ErrShardUnhealthy, "shard %d", shardID)
	}

	switch res.Stop {
	case retry.Succeeded:
		if err := record.MarkCompleted(); err != nil {
			return outcomeNone, err
		}
		if out, err := s.persist(ctx, shardID, record); out != outcomeNone || err != nil {
			return out, err
		}
		s.metrics.RecordProcessed(ctx, shardID, record.EntityType)
		s.metrics.ObserveDuration(ctx, shardID, record.EntityType, time.Since(start))
		s.publish(domain.EventRecordCompleted, record)
		log.Debug().Int("attempts", res.Attempts).Msg("record completed")
		return outcomeCompleted, nil

	case retry.Elapsed:
		if err := record.Release(); err != nil {
			return outcomeNone, err
		}
		if out, err := s.persist(ctx, shardID, record); out != outcomeNone || err != nil {
			return out, err
		}
		log.Info().
			Int("retry_count", record.RetryCount).
			Msg("record released after reaching the retry time limit")
		return outcomeReleased, nil

	default:
		return s.fail(ctx, shardID, record, res.Err)
	}
}

func (s *Service) fail(ctx context.Context, shardID int, record *domain.SyncRecord, cause error) (outcome, error) {
	if err := record.MarkFailed(cause); err != nil {
		return outcomeNone, err
	}
	if out, err := s.persist(ctx, shardID, record); out != outcomeNone || err != nil {
		return out, err
	}

	s.metrics.RecordFailed(ctx, shardID, record.EntityType)
	s.publish(domain.EventRecordFailed, record)

	s.log.Warn().
		Str("record_id", record.ID).
		Int("shard", shardID).
		Int("retry_count", record.RetryCount).
		Str("error", record.ErrorMessage).
		Msg("record failed")

	return outcomeFailed, nil
}

// persist writes the record and turns a version conflict into an outcome.
func (s *Service) persist(ctx context.Context, shardID int, record *domain.SyncRecord) (outcome, error) {
	err := s.updateRecordStatus(ctx, shardID, record)
	if err == nil {
		return outcomeNone, nil
	}
	if errors.Is(err, domain.ErrVersionConflict) {
		s.metrics.RecordConflict(ctx, shardID, record.EntityType)
		return outcomeConflict, nil
	}
	return outcomeNone, err
}

func (s *Service) processRecord(ctx context.Context, record *domain.SyncRecord) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "sync.processRecord",
		telemetry.ShardAttr(record.ShardKey),
		telemetry.EntityAttr(record.EntityType),
		telemetry.RecordAttr(record.ID),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	return s.registry.Process(ctx, record)
}

// updateRecordStatus persists status, retry count and error message under the
// record's version.
func (s *Service) updateRecordStatus(ctx context.Context, shardID int, record *domain.SyncRecord) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "sync.updateRecordStatus",
		telemetry.ShardAttr(shardID),
		telemetry.RecordAttr(record.ID),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	if err := s.repo.UpdateStatus(ctx, shardID, record); err != nil {
		if errors.Is(err, domain.ErrVersionConflict) {
			s.log.Debug().
				Str("record_id", record.ID).
				Int("shard", shardID).
				Int64("version", record.Version).
				Msg("record changed by another worker")
			return err
		}
		return errors.Wrap(err, "update record %s", record.ID)
	}

	return nil
}
