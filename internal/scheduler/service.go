package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flurbudurbur/fieldsync/internal/domain"
	"github.com/flurbudurbur/fieldsync/internal/logger"
	"github.com/flurbudurbur/fieldsync/internal/shard"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	breakerResetInterval = 30 * time.Second
	stopTimeout          = 30 * time.Second
)

type Service interface {
	Start()
	Stop()
	// AddJob adds a job that runs periodically at the given interval.
	AddJob(job cron.Job, interval time.Duration, identifier string) (int, error)
	RemoveJobByIdentifier(id string) error
	GetNextRun(id string) (time.Time, error)
	// Reschedule replaces the processing and reclaim jobs with ones built from cfg.
	Reschedule(cfg domain.SyncConfig) error
}

const (
	processPendingJob = "sync-process-pending"
	reclaimStaleJob   = "sync-reclaim-stale"
)

type service struct {
	log     zerolog.Logger
	config  *domain.Config
	syncSvc syncService
	relay   outboxRelay
	breaker *shard.Breaker

	ctx    context.Context
	cancel context.CancelFunc

	cron *cron.Cron
	jobs map[string]cron.EntryID
	m    sync.RWMutex
}

// NewService builds the scheduler. breaker may be nil when automatic shard tripping
// is disabled.
func NewService(log logger.Logger, config *domain.Config, syncSvc syncService, relay outboxRelay, breaker *shard.Breaker) Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &service{
		log:     log.With().Str("module", "scheduler").Logger(),
		config:  config,
		syncSvc: syncSvc,
		relay:   relay,
		breaker: breaker,
		ctx:     ctx,
		cancel:  cancel,
		cron: cron.New(cron.WithChain(
			cron.Recover(cron.DefaultLogger),
		)),
		jobs: map[string]cron.EntryID{},
	}
}

func (s *service) Start() {
	s.log.Info().Msg("Starting scheduler service")

	s.cron.Start()

	s.addAppJobs()
}

func (s *service) addAppJobs() {
	if err := s.addCycleJobs(s.config.Sync); err != nil {
		s.log.Error().Err(err).Msg("Failed to add sync cycle jobs")
	}

	if s.relay != nil {
		relay := &OutboxRelayJob{
			Name:  "sync-outbox-relay",
			Log:   s.log.With().Str("job", "sync-outbox-relay").Logger(),
			Ctx:   s.ctx,
			Relay: s.relay,
		}
		if _, err := s.AddJob(relay, every(s.config.Queue.RelayInterval, 5*time.Second), relay.Name); err != nil {
			s.log.Error().Err(err).Msg("Failed to add 'sync-outbox-relay' job")
		}
	}

	if s.breaker != nil {
		reset := &BreakerResetJob{
			Name:    "shard-breaker-reset",
			Log:     s.log.With().Str("job", "shard-breaker-reset").Logger(),
			Breaker: s.breaker,
		}
		if _, err := s.AddJob(reset, breakerResetInterval, reset.Name); err != nil {
			s.log.Error().Err(err).Msg("Failed to add 'shard-breaker-reset' job")
		}
	}
}

func (s *service) addCycleJobs(cfg domain.SyncConfig) error {
	processPending := &ProcessPendingJob{
		Name:    processPendingJob,
		Log:     s.log.With().Str("job", processPendingJob).Logger(),
		Ctx:     s.ctx,
		Svc:     s.syncSvc,
		Timeout: cfg.CycleTimeout,
	}
	if _, err := s.AddJob(processPending, every(cfg.ProcessInterval, time.Minute), processPending.Name); err != nil {
		return err
	}

	reclaim := &ReclaimStaleJob{
		Name: reclaimStaleJob,
		Log:  s.log.With().Str("job", reclaimStaleJob).Logger(),
		Ctx:  s.ctx,
		Svc:  s.syncSvc,
	}
	if _, err := s.AddJob(reclaim, every(cfg.StaleAfter, 15*time.Minute), reclaim.Name); err != nil {
		return err
	}

	return nil
}

// Reschedule is called after a config reload so interval and timeout changes apply
// without a restart.
func (s *service) Reschedule(cfg domain.SyncConfig) error {
	for _, id := range []string{processPendingJob, reclaimStaleJob} {
		if err := s.RemoveJobByIdentifier(id); err != nil {
			return err
		}
	}

	if err := s.addCycleJobs(cfg); err != nil {
		return err
	}

	next, err := s.GetNextRun(processPendingJob)
	if err != nil {
		return err
	}
	s.log.Debug().Time("next_run", next).Dur("interval", every(cfg.ProcessInterval, time.Minute)).Msg("sync jobs rescheduled")

	return nil
}

func every(d time.Duration, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

// Stop waits for running jobs to finish, then cancels whatever is still in flight
// once stopTimeout has passed.
func (s *service) Stop() {
	s.log.Info().Msg("Stopping scheduler service")

	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-time.After(stopTimeout):
		s.log.Warn().Msg("scheduled jobs still running, cancelling them")
	}
	s.cancel()
}

func (s *service) AddJob(job cron.Job, interval time.Duration, identifier string) (int, error) {
	return s.addJob(job, fmt.Sprintf("@every %s", interval.String()), identifier)
}

func (s *service) addJob(job cron.Job, spec string, identifier string) (int, error) {
	s.m.Lock()
	defer s.m.Unlock()

	if _, exists := s.jobs[identifier]; exists {
		return 0, fmt.Errorf("job with identifier '%s' already exists", identifier)
	}

	entryID, err := s.cron.AddJob(spec, cron.NewChain(
		cron.SkipIfStillRunning(cron.DefaultLogger)).Then(job))
	if err != nil {
		return 0, fmt.Errorf("failed to add job '%s' with spec '%s': %w", identifier, spec, err)
	}

	s.log.Debug().Str("identifier", identifier).Str("spec", spec).Int("entryID", int(entryID)).Msg("Scheduled job added")
	s.jobs[identifier] = entryID
	return int(entryID), nil
}

func (s *service) RemoveJobByIdentifier(id string) error {
	s.m.Lock()
	defer s.m.Unlock()

	v, ok := s.jobs[id]
	if !ok {
		return nil
	}

	s.log.Debug().Msgf("scheduler.Remove: removing job: %v", id)

	s.cron.Remove(v)
	delete(s.jobs, id)

	return nil
}

func (s *service) GetNextRun(id string) (time.Time, error) {
	entry := s.getEntryById(id)

	if !entry.Valid() {
		return time.Time{}, nil
	}

	return entry.Next, nil
}

func (s *service) getEntryById(id string) cron.Entry {
	s.m.RLock()
	defer s.m.RUnlock()

	v, ok := s.jobs[id]
	if !ok {
		return cron.Entry{}
	}

	return s.cron.Entry(v)
}
