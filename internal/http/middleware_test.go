package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/flurbudurbur/fieldsync/internal/domain"
	"github.com/flurbudurbur/fieldsync/internal/logger"
	"github.com/flurbudurbur/fieldsync/internal/ratelimit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type mockLimiter struct {
	mock.Mock
}

func (m *mockLimiter) Allow(ctx context.Context, identifier string) (ratelimit.Result, error) {
	args := m.Called(ctx, identifier)
	return args.Get(0).(ratelimit.Result), args.Error(1)
}

func setupTestServerForMiddleware(t *testing.T, cfg *domain.Config) *Server {
	t.Helper()
	if cfg == nil {
		cfg = &domain.Config{}
	}
	return NewServer(logger.Mock(), cfg, nil, nil, "dev", nil, nil, nil, nil)
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(userFromContext(r.Context())))
	})
}

func TestRequireUser(t *testing.T) {
	s := setupTestServerForMiddleware(t, nil)
	handler := s.RequireUser(okHandler())

	t.Run("header present", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("X-User-ID", " user-1 ")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "user-1", rr.Body.String())
	})

	t.Run("header missing", func(t *testing.T) {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))

		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.Contains(t, rr.Body.String(), "X-User-ID")
	})
}

func TestClientVersionGate(t *testing.T) {
	handler := ClientVersionGate(logger.Mock().With().Logger(), "1.4.0")(okHandler())

	tests := []struct {
		name    string
		version string
		want    int
	}{
		{name: "older", version: "1.3.9", want: http.StatusUpgradeRequired},
		{name: "equal", version: "1.4.0", want: http.StatusOK},
		{name: "newer", version: "2.0.0-beta.1", want: http.StatusOK},
		{name: "missing", version: "", want: http.StatusOK},
		{name: "garbage", version: "not-a-version", want: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/", nil)
			if tt.version != "" {
				req.Header.Set("X-Client-Version", tt.version)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			assert.Equal(t, tt.want, rr.Code)
			if tt.want == http.StatusUpgradeRequired {
				assert.Equal(t, "1.4.0", rr.Header().Get("X-Min-Client-Version"))
			}
		})
	}
}

func TestClientVersionGate_Disabled(t *testing.T) {
	for _, minimum := range []string{"", "???"} {
		handler := ClientVersionGate(logger.Mock().With().Logger(), minimum)(okHandler())

		req := httptest.NewRequest("POST", "/", nil)
		req.Header.Set("X-Client-Version", "0.0.1")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code, minimum)
	}
}

func TestRateLimiter(t *testing.T) {
	s := setupTestServerForMiddleware(t, nil)
	s.limiter = ratelimit.New(ratelimit.NewMemoryStore(), domain.RateLimitConfig{Enabled: true, RequestsPerMinute: 2, Window: time.Minute})

	handler := s.RequireUser(s.RateLimiter(okHandler()))

	send := func(user string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/v1/sync", nil)
		req.Header.Set("X-User-ID", user)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	rr := send("user-1")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "2", rr.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", rr.Header().Get("X-RateLimit-Remaining"))

	rr = send("user-1")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "0", rr.Header().Get("X-RateLimit-Remaining"))

	rr = send("user-1")
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "60", rr.Header().Get("Retry-After"))
	assert.Equal(t, "0", rr.Header().Get("X-RateLimit-Remaining"))

	rr = send("user-2")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestRateLimiter_FailsOpen(t *testing.T) {
	limiter := &mockLimiter{}
	limiter.On("Allow", mock.Anything, "ip_address:203.0.113.7").Return(ratelimit.Result{}, assert.AnError).Once()

	s := setupTestServerForMiddleware(t, nil)
	s.limiter = limiter

	req := httptest.NewRequest("POST", "/", nil)
	req.RemoteAddr = "203.0.113.7:5555"
	rr := httptest.NewRecorder()
	s.RateLimiter(okHandler()).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	limiter.AssertExpectations(t)
}

func TestRateLimiter_Disabled(t *testing.T) {
	s := setupTestServerForMiddleware(t, nil)

	rr := httptest.NewRecorder()
	s.RateLimiter(okHandler()).ServeHTTP(rr, httptest.NewRequest("POST", "/", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, rr.Header().Get("X-RateLimit-Limit"))
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		headers    map[string]string
		remoteAddr string
		want       string
	}{
		{name: "forwarded for", headers: map[string]string{"X-Forwarded-For": "198.51.100.1, 10.0.0.1"}, remoteAddr: "10.0.0.2:1", want: "198.51.100.1"},
		{name: "real ip", headers: map[string]string{"X-Real-IP": " 198.51.100.2 "}, remoteAddr: "10.0.0.2:1", want: "198.51.100.2"},
		{name: "remote addr", remoteAddr: "192.0.2.10:4321", want: "192.0.2.10"},
		{name: "remote addr without port", remoteAddr: "192.0.2.11", want: "192.0.2.11"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, getClientIP(req))
		})
	}
}

func TestAdminToken(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	s := setupTestServerForMiddleware(t, &domain.Config{Admin: domain.AdminConfig{TokenHash: string(hash)}})
	handler := s.AdminToken(okHandler())

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{name: "valid", header: "Bearer s3cret", want: http.StatusOK},
		{name: "wrong token", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic s3cret", want: http.StatusUnauthorized},
		{name: "missing", header: "", want: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/admin/shards", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			assert.Equal(t, tt.want, rr.Code)
		})
	}
}

func TestHashToken(t *testing.T) {
	hash, err := HashToken("operator-token")
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("operator-token")))

	_, err = HashToken("")
	assert.Error(t, err)
}

func TestLoggerMiddleware_RecoversPanic(t *testing.T) {
	log := logger.Mock().With().Logger()
	handler := LoggerMiddleware(&log)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rr := httptest.NewRecorder()
	assert.NotPanics(t, func() {
		handler.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))
	})
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}
