package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/flurbudurbur/fieldsync/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Hit(ctx context.Context, key string, now time.Time, window time.Duration) (int64, error) {
	args := m.Called(ctx, key, now, window)
	return args.Get(0).(int64), args.Error(1)
}

func TestLimiter_Allow(t *testing.T) {
	l := New(NewMemoryStore(), domain.RateLimitConfig{Enabled: true, RequestsPerMinute: 3, Window: time.Minute})

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		res, err := l.Allow(ctx, "user-1")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, int64(i), res.Count)
	}

	res, err := l.Allow(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 3, res.Limit)
	assert.Equal(t, time.Minute, res.RetryAfter)

	res, err = l.Allow(ctx, "user-2")
	require.NoError(t, err)
	assert.True(t, res.Allowed, "identifiers are counted separately")

	now = now.Add(61 * time.Second)
	res, err = l.Allow(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(1), res.Count)
}

func TestLimiter_Defaults(t *testing.T) {
	l := New(NewMemoryStore(), domain.RateLimitConfig{})
	assert.Equal(t, 120, l.limit)
	assert.Equal(t, time.Minute, l.window)
}

func TestLimiter_StoreError(t *testing.T) {
	store := &mockStore{}
	store.On("Hit", mock.Anything, "rate_limit:user-1", mock.Anything, time.Minute).Return(int64(0), assert.AnError)

	l := New(store, domain.RateLimitConfig{RequestsPerMinute: 1})
	res, err := l.Allow(context.Background(), "user-1")

	assert.ErrorIs(t, err, assert.AnError)
	assert.True(t, res.Allowed, "store failures fail open")
	store.AssertExpectations(t)
}

func TestMemoryStore_Hit(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	start := time.Now()

	n, _ := s.Hit(ctx, "k", start, time.Second)
	assert.Equal(t, int64(1), n)
	n, _ = s.Hit(ctx, "k", start.Add(500*time.Millisecond), time.Second)
	assert.Equal(t, int64(2), n)
	n, _ = s.Hit(ctx, "k", start.Add(1200*time.Millisecond), time.Second)
	assert.Equal(t, int64(2), n, "first hit expired")
}
