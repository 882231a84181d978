package server

import (
	"context"
	"sync"

	"github.com/flurbudurbur/fieldsync/internal/domain"
	"github.com/flurbudurbur/fieldsync/internal/logger"
	"github.com/flurbudurbur/fieldsync/internal/queue"
	"github.com/flurbudurbur/fieldsync/internal/scheduler"

	"github.com/rs/zerolog"
)

type consumer interface {
	Run(ctx context.Context, handle queue.Handler) error
	Close()
}

// Server runs the background side of the service: the cron scheduler and the queue
// consumer.
type Server struct {
	log    zerolog.Logger
	config *domain.Config

	scheduler scheduler.Service
	consumer  consumer
	handler   queue.Handler

	cancel context.CancelFunc
	stopWG sync.WaitGroup
	lock   sync.Mutex
}

func NewServer(log logger.Logger, config *domain.Config, scheduler scheduler.Service, consumer consumer, handler queue.Handler) *Server {
	return &Server{
		log:       log.With().Str("module", "server").Logger(),
		config:    config,
		scheduler: scheduler,
		consumer:  consumer,
		handler:   handler,
	}
}

func (s *Server) Start() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.scheduler.Start()

	if s.consumer != nil {
		s.stopWG.Add(1)
		go func() {
			defer s.stopWG.Done()

			if err := s.consumer.Run(ctx, s.handler); err != nil && ctx.Err() == nil {
				s.log.Error().Err(err).Msg("queue consumer stopped")
			}
		}()
	}

	return nil
}

// Shutdown stops the scheduler after its running jobs finish, then stops the consumer
// and waits for it to return.
func (s *Server) Shutdown() {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.log.Info().Msg("Shutting down server")

	s.scheduler.Stop()

	if s.cancel != nil {
		s.cancel()
	}
	s.stopWG.Wait()

	if s.consumer != nil {
		s.consumer.Close()
	}
}
