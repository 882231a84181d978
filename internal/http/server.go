package http

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/flurbudurbur/fieldsync/internal/domain"
	"github.com/flurbudurbur/fieldsync/internal/logger"
	"github.com/flurbudurbur/fieldsync/internal/ratelimit"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/r3labs/sse/v2"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

type rateLimiter interface {
	Allow(ctx context.Context, identifier string) (ratelimit.Result, error)
}

type queuePinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	log     zerolog.Logger
	sse     *sse.Server
	db      DBPinger
	config  *domain.Config
	encoder encoder

	version string

	syncService  syncService
	adminService adminService
	limiter      rateLimiter
	queue        queuePinger

	mu     sync.Mutex
	server *http.Server
}

// NewServer builds the HTTP boundary. limiter and queue may be nil when rate limiting
// or the Valkey queue are disabled.
func NewServer(
	log logger.Logger,
	config *domain.Config,
	sse *sse.Server,
	db DBPinger,
	version string,
	syncService syncService,
	adminService adminService,
	limiter rateLimiter,
	queue queuePinger,
) *Server {
	return &Server{
		log:          log.With().Str("module", "http").Logger(),
		config:       config,
		sse:          sse,
		db:           db,
		version:      version,
		syncService:  syncService,
		adminService: adminService,
		limiter:      limiter,
		queue:        queue,
	}
}

func (s *Server) Open() error {
	addr := fmt.Sprintf("%v:%v", s.config.Server.Host, s.config.Server.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.server = server
	s.mu.Unlock()

	s.log.Info().Msgf("Starting server. Listening on %s", listener.Addr().String())

	if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	server := s.server
	s.mu.Unlock()

	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(LoggerMiddleware(&s.log))

	c := cors.New(cors.Options{
		AllowCredentials:   true,
		AllowedMethods:     []string{"HEAD", "OPTIONS", "GET", "POST", "PUT", "PATCH", "DELETE"},
		AllowOriginFunc:    func(origin string) bool { return true },
		OptionsPassthrough: true,
		Debug:              false,
	})

	r.Use(c.Handler)

	var checks []dependencyCheck
	if s.queue != nil {
		checks = append(checks, dependencyCheck{name: "Queue", check: s.queue.Ping})
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/healthz", newHealthHandler(s.encoder, s.db, checks...).Routes)

		r.Group(func(r chi.Router) {
			r.Use(ClientVersionGate(s.log, s.config.Sync.MinClientVersion))
			r.Use(s.RequireUser)

			syncHandler := newSyncHandler(s.encoder, s.log, s.syncService)
			r.Route("/v1/sync", func(r chi.Router) {
				r.Group(func(r chi.Router) {
					r.Use(s.RateLimiter)
					syncHandler.SubmitRoutes(r)
				})
				syncHandler.Routes(r)
			})
		})

		// The event streams carry server logs and user ids, so they share the admin token.
		if s.config.Admin.TokenHash != "" {
			r.Group(func(r chi.Router) {
				r.Use(s.AdminToken)
				r.Route("/admin", newAdminHandler(s.encoder, s.log, s.adminService).Routes)
				if s.sse != nil {
					r.HandleFunc("/events", s.handleEvents)
				}
			})
		} else {
			s.log.Info().Msg("admin token not configured, admin routes and event streams disabled")
		}
	})

	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		s.encoder.StatusResponse(r.Context(), w, map[string]string{"version": s.version}, http.StatusOK)
	})

	return r
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.sse.Headers = map[string]string{
		"Content-Type":      "text/event-stream",
		"Cache-Control":     "no-cache",
		"Connection":        "keep-alive",
		"X-Accel-Buffering": "no",
	}
	s.sse.ServeHTTP(w, r)
}
