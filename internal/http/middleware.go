package http

import (
	"context"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/flurbudurbur/fieldsync/internal/ratelimit"
	"github.com/flurbudurbur/fieldsync/pkg/errors"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/go-version"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

// ContextKey is a type for context keys to avoid collisions.
type ContextKey string

const (
	// UserContextKey holds the gateway supplied user id.
	UserContextKey ContextKey = "user"

	headerUserID        = "X-User-ID"
	headerClientVersion = "X-Client-Version"
)

var errUnauthorized = errors.New("unauthorized")

func userFromContext(ctx context.Context) string {
	id, _ := ctx.Value(UserContextKey).(string)
	return id
}

// RequireUser rejects requests the gateway did not tag with a user id.
func (s *Server) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(headerUserID))
		if userID == "" {
			s.encoder.StatusError(w, http.StatusUnauthorized, errors.Wrap(errUnauthorized, "missing %s header", headerUserID))
			return
		}

		ctx := context.WithValue(r.Context(), UserContextKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClientVersionGate answers 426 to clients older than minimum. Requests without a
// version header pass.
func ClientVersionGate(log zerolog.Logger, minimum string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if minimum == "" {
			return next
		}

		minVersion, err := version.NewVersion(minimum)
		if err != nil {
			log.Warn().Err(err).Str("min_client_version", minimum).Msg("invalid minimum client version, gate disabled")
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get(headerClientVersion)
			if raw == "" {
				next.ServeHTTP(w, r)
				return
			}

			v, err := version.NewVersion(raw)
			if err != nil {
				http.Error(w, "invalid client version", http.StatusBadRequest)
				return
			}

			if v.LessThan(minVersion) {
				w.Header().Set("X-Min-Client-Version", minVersion.String())
				http.Error(w, "client upgrade required", http.StatusUpgradeRequired)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// LoggerMiddleware provides structured logging for HTTP requests.
func LoggerMiddleware(logger *zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			reqLogger := logger.With().Logger()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			defer func() {
				reqID := middleware.GetReqID(r.Context())

				if rec := recover(); rec != nil {
					reqLogger.Error().
						Str("type", "error").
						Timestamp().
						Interface("recover_info", rec).
						Bytes("debug_stack", debug.Stack()).
						Str("request_id", reqID).
						Msg("Unhandled panic recovered by middleware")
					http.Error(ww, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
					return
				}

				reqLogger.Trace().
					Str("request_id", reqID).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Int("bytes", ww.BytesWritten()).
					Dur("elapsed", time.Since(start)).
					Msg("request")
			}()

			next.ServeHTTP(ww, r)
		}
		return http.HandlerFunc(fn)
	}
}

// RateLimiter limits requests per user id, or per client IP when no user is known.
// Limiter failures let the request through.
func (s *Server) RateLimiter(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}

		identifier, identifierType := getClientIdentifier(r)

		res, err := s.limiter.Allow(r.Context(), identifierType+":"+identifier)
		if err != nil {
			s.log.Error().Err(err).
				Str("identifier", identifier).
				Str("type", identifierType).
				Msg("Error checking rate limit")
			next.ServeHTTP(w, r)
			return
		}

		setRateLimitHeaders(w, res)

		if !res.Allowed {
			s.log.Warn().
				Str("identifier", identifier).
				Str("type", identifierType).
				Int64("current_count", res.Count).
				Int("limit", res.Limit).
				Msg("Rate limit exceeded")

			w.Header().Set("Retry-After", strconv.Itoa(int(res.RetryAfter.Seconds())))
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func setRateLimitHeaders(w http.ResponseWriter, res ratelimit.Result) {
	remaining := int64(res.Limit) - res.Count
	if remaining < 0 {
		remaining = 0
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
}

func getClientIdentifier(r *http.Request) (string, string) {
	if id := userFromContext(r.Context()); id != "" {
		return id, "user_id"
	}
	return getClientIP(r), "ip_address"
}

// getClientIP extracts the client IP address from the request, honouring proxy headers.
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		if clientIP := strings.TrimSpace(ips[0]); clientIP != "" {
			return clientIP
		}
	}

	if xrip := r.Header.Get("X-Real-IP"); xrip != "" {
		return strings.TrimSpace(xrip)
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return ip
}

// AdminToken checks the bearer token against the configured bcrypt hash.
func (s *Server) AdminToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			s.encoder.StatusError(w, http.StatusUnauthorized, errUnauthorized)
			return
		}

		if err := bcrypt.CompareHashAndPassword([]byte(s.config.Admin.TokenHash), []byte(token)); err != nil {
			s.log.Warn().Str("ip", getClientIP(r)).Msg("admin token rejected")
			s.encoder.StatusError(w, http.StatusUnauthorized, errUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// HashToken returns the bcrypt hash to store as admin.token_hash.
func HashToken(token string) (string, error) {
	if token == "" {
		return "", errors.New("token is empty")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", errors.Wrap(err, "could not hash token")
	}
	return string(hash), nil
}
