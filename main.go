package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flurbudurbur/fieldsync/internal/collab"
	"github.com/flurbudurbur/fieldsync/internal/config"
	"github.com/flurbudurbur/fieldsync/internal/database"
	"github.com/flurbudurbur/fieldsync/internal/domain"
	"github.com/flurbudurbur/fieldsync/internal/events"
	"github.com/flurbudurbur/fieldsync/internal/http"
	"github.com/flurbudurbur/fieldsync/internal/logger"
	"github.com/flurbudurbur/fieldsync/internal/processor"
	"github.com/flurbudurbur/fieldsync/internal/queue"
	"github.com/flurbudurbur/fieldsync/internal/ratelimit"
	"github.com/flurbudurbur/fieldsync/internal/scheduler"
	"github.com/flurbudurbur/fieldsync/internal/server"
	"github.com/flurbudurbur/fieldsync/internal/shard"
	"github.com/flurbudurbur/fieldsync/internal/sync"
	"github.com/flurbudurbur/fieldsync/internal/telemetry"

	"github.com/asaskevich/EventBus"
	"github.com/r3labs/sse/v2"
	"github.com/spf13/pflag"
)

var (
	version = "dev"
	commit  = ""
	date    = ""
)

func main() {
	var configPath string
	pflag.StringVar(&configPath, "config", "", "path to configuration file")
	pflag.Parse()

	if pflag.Arg(0) == "hash-token" {
		hashToken(pflag.Arg(1))
		return
	}

	// read config
	cfg := config.New(configPath, version)

	// init new logger
	log := logger.New(cfg.Config)

	// init dynamic config
	cfg.DynamicReload(log)

	// setup server-sent-events
	serverEvents := sse.New()
	serverEvents.CreateStreamWithOpts("logs", sse.StreamOpts{MaxEntries: 1000, AutoReplay: true})
	serverEvents.CreateStreamWithOpts(events.SyncStream, sse.StreamOpts{MaxEntries: 1000, AutoReplay: false})

	// register SSE writer
	log.RegisterSSEWriter(serverEvents)

	// setup internal eventbus
	bus := EventBus.New()

	// open database connection
	db, err := database.NewDB(cfg.Config, log)
	if err != nil {
		log.Fatal().Err(err).Msg("could not create new db")
	}

	if err := db.Open(); err != nil {
		log.Fatal().Err(err).Msg("could not open db connection")
	}

	log.Info().Msgf("Starting fieldsync")
	log.Info().Msgf("Version: %s", version)
	log.Info().Msgf("Commit: %s", commit)
	log.Info().Msgf("Build date: %s", date)
	log.Info().Msgf("Log-level: %s", cfg.Config.Logging.Level)
	log.Info().Msgf("Using database: %s", db.Driver)
	log.Info().Msgf("Shards: %d", cfg.Config.Sync.ShardCount)

	// setup repos
	var (
		syncRepo   = database.NewSyncRepo(log, db)
		outboxRepo = database.NewOutboxRepo(log, db)
	)

	// shard routing and health
	router := shard.NewRouter(cfg.Config.Sync.ShardCount)
	health := shard.NewHealthTracker()
	health.OnChange(events.ShardHealthNotifier(bus))

	var breaker *shard.Breaker
	if cfg.Config.Breaker.Enabled {
		breaker = shard.NewBreaker(log, health, cfg.Config.Breaker.Threshold, cfg.Config.Breaker.Cooldown)
	}

	registry, err := processor.NewDefaultRegistry(collab.NewHTTPClient(log, cfg.Config.Collab, nil), cfg.Config.Collab.Policies)
	if err != nil {
		log.Fatal().Err(err).Msg("could not build processor registry")
	}

	metrics, err := telemetry.NewMetrics(nil)
	if err != nil {
		log.Fatal().Err(err).Msg("could not register metrics")
	}

	syncService := sync.NewService(log, cfg.Config.Sync, syncRepo, outboxRepo, router, health, registry, metrics, bus)
	if breaker != nil {
		syncService.SetBreaker(breaker)
	}

	cfg.OnReload(func(c *domain.Config) {
		syncService.Reconfigure(c.Sync)
	})

	// register event subscribers
	events.NewSubscribers(log, bus, serverEvents)

	// queue transport, rate limit store
	var (
		queueClient queue.Client
		valkeyConn  *queue.ValkeyClient
		limitStore  ratelimit.Store = ratelimit.NewMemoryStore()
	)
	if cfg.Config.Queue.Enabled {
		valkeyConn, err = queue.NewValkeyClient(cfg.Config.Valkey)
		if err != nil {
			log.Fatal().Err(err).Msg("could not connect to valkey")
		}
		queueClient = valkeyConn
		limitStore = ratelimit.NewValkeyStore(valkeyConn.Client())
		log.Info().Msgf("Valkey queue on %s", cfg.Config.Valkey.Address)
	} else {
		queueClient = queue.NewMemoryClient()
		log.Info().Msg("Valkey queue disabled, using in-process queue")
	}

	queueService := queue.NewService(log, queueClient, cfg.Config.Queue)
	relay := sync.NewRelay(log, outboxRepo, queueService, cfg.Config.Queue.RelayBatch)

	var limiter *ratelimit.Limiter
	if cfg.Config.RateLimit.Enabled {
		limiter = ratelimit.New(limitStore, cfg.Config.RateLimit)
	}

	schedulingService := scheduler.NewService(log, cfg.Config, syncService, relay, breaker)
	cfg.OnReload(func(c *domain.Config) {
		if err := schedulingService.Reschedule(c.Sync); err != nil {
			log.Error().Err(err).Msg("could not reschedule sync jobs")
		}
	})

	errorChannel := make(chan error, 1)

	httpServer := newHTTPServer(log, cfg.Config, serverEvents, db, syncService, limiter, valkeyConn)
	go func() {
		errorChannel <- httpServer.Open()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	srv := server.NewServer(log, cfg.Config, schedulingService, queueService, syncService.HandlePointers)
	if err := srv.Start(); err != nil {
		log.Fatal().Stack().Err(err).Msg("could not start server")
		return
	}

	exitCode := 0
	select {
	case sig := <-sigCh:
		log.Info().Msgf("Shutting down server due to %s...", sig)
		if sig == syscall.SIGHUP {
			exitCode = 1
		}
	case err := <-errorChannel:
		if err != nil {
			log.Error().Stack().Err(err).Msg("http server stopped")
			exitCode = 1
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("could not shut down http server")
	}
	cancel()

	srv.Shutdown()

	if err := db.Close(); err != nil {
		log.Error().Stack().Err(err).Msg("could not close db connection")
	}

	os.Exit(exitCode)
}

func newHTTPServer(log logger.Logger, cfg *domain.Config, serverEvents *sse.Server, db *database.DB, syncService *sync.Service, limiter *ratelimit.Limiter, valkeyConn *queue.ValkeyClient) *http.Server {
	// typed nils must not reach the interface fields
	var rl interface {
		Allow(ctx context.Context, identifier string) (ratelimit.Result, error)
	}
	var qp interface {
		Ping(ctx context.Context) error
	}
	if limiter != nil {
		rl = limiter
	}
	if valkeyConn != nil {
		qp = valkeyConn
	}

	return http.NewServer(log, cfg, serverEvents, db, version, syncService, syncService, rl, qp)
}

func hashToken(token string) {
	hash, err := http.HashToken(token)
	if err != nil {
		fmt.Fprintf(os.Stderr, "usage: fieldsync hash-token <token>: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(hash)
}
