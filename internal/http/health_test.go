package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// MockDBPinger is a mock for DBPinger interface
type MockDBPinger struct {
	mock.Mock
}

func (m *MockDBPinger) Ping() error {
	args := m.Called()
	return args.Error(0)
}

func serveHealth(handler *healthHandler, path string) *httptest.ResponseRecorder {
	router := chi.NewRouter()
	handler.Routes(router)

	req := httptest.NewRequest("GET", path, nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestHealthHandler_Liveness(t *testing.T) {
	// dbPinger can be nil for liveness as it's not used by handleLiveness
	rr := serveHealth(newHealthHandler(encoder{}, nil), "/liveness")

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/plain", rr.Header().Get("Content-Type"))
	assert.Equal(t, "OK", rr.Body.String())
}

func TestHealthHandler_Readiness_Healthy(t *testing.T) {
	mockDbPinger := new(MockDBPinger)
	mockDbPinger.On("Ping").Return(nil)

	queueChecked := false
	check := dependencyCheck{name: "Queue", check: func(context.Context) error {
		queueChecked = true
		return nil
	}}

	rr := serveHealth(newHealthHandler(encoder{}, mockDbPinger, check), "/readiness")

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "OK", rr.Body.String())
	assert.True(t, queueChecked)
	mockDbPinger.AssertExpectations(t)
}

func TestHealthHandler_Readiness_Unhealthy(t *testing.T) {
	mockDbPinger := new(MockDBPinger)
	mockDbPinger.On("Ping").Return(errors.New("db ping failed"))

	rr := serveHealth(newHealthHandler(encoder{}, mockDbPinger), "/readiness")

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "text/plain", rr.Header().Get("Content-Type"))
	assert.Equal(t, "Unhealthy. Database unreachable", rr.Body.String())
	mockDbPinger.AssertExpectations(t)
}

func TestHealthHandler_Readiness_QueueDown(t *testing.T) {
	mockDbPinger := new(MockDBPinger)
	mockDbPinger.On("Ping").Return(nil)

	check := dependencyCheck{name: "Queue", check: func(context.Context) error {
		return errors.New("connection refused")
	}}

	rr := serveHealth(newHealthHandler(encoder{}, mockDbPinger, check), "/readiness")

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "Unhealthy. Queue unreachable", rr.Body.String())
}
