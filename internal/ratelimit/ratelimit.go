// Package ratelimit counts requests per identifier in a sliding window.
package ratelimit

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/flurbudurbur/fieldsync/internal/domain"
	"github.com/flurbudurbur/fieldsync/pkg/errors"

	"github.com/google/uuid"
	"github.com/valkey-io/valkey-go"
)

const keyPrefix = "rate_limit:"

// Store records a hit for key at now and returns the number of hits inside the
// window ending at now, the new hit included.
type Store interface {
	Hit(ctx context.Context, key string, now time.Time, window time.Duration) (int64, error)
}

type Result struct {
	Allowed    bool
	Count      int64
	Limit      int
	RetryAfter time.Duration
}

type Limiter struct {
	store  Store
	limit  int
	window time.Duration
	now    func() time.Time
}

func New(store Store, cfg domain.RateLimitConfig) *Limiter {
	l := &Limiter{
		store:  store,
		limit:  cfg.RequestsPerMinute,
		window: cfg.Window,
		now:    time.Now,
	}
	if l.limit <= 0 {
		l.limit = 120
	}
	if l.window <= 0 {
		l.window = time.Minute
	}
	return l
}

func (l *Limiter) Allow(ctx context.Context, identifier string) (Result, error) {
	count, err := l.store.Hit(ctx, keyPrefix+identifier, l.now(), l.window)
	if err != nil {
		return Result{Allowed: true, Limit: l.limit}, err
	}

	res := Result{Allowed: count <= int64(l.limit), Count: count, Limit: l.limit}
	if !res.Allowed {
		res.RetryAfter = l.window
	}
	return res, nil
}

// ValkeyStore keeps one sorted set per key scored by hit time.
type ValkeyStore struct {
	client valkey.Client
}

func NewValkeyStore(client valkey.Client) *ValkeyStore {
	return &ValkeyStore{client: client}
}

func (s *ValkeyStore) Hit(ctx context.Context, key string, now time.Time, window time.Duration) (int64, error) {
	cutoff := now.Add(-window).UnixMilli()

	cmds := valkey.Commands{
		s.client.B().Zremrangebyscore().Key(key).Min("-inf").Max(strconv.FormatInt(cutoff, 10)).Build(),
		s.client.B().Zadd().Key(key).ScoreMember().ScoreMember(float64(now.UnixMilli()), uuid.NewString()).Build(),
		s.client.B().Pexpire().Key(key).Milliseconds(window.Milliseconds()).Build(),
		s.client.B().Zcard().Key(key).Build(),
	}

	results := s.client.DoMulti(ctx, cmds...)
	for _, r := range results[:3] {
		if err := r.Error(); err != nil {
			return 0, errors.Wrap(err, "rate limit update failed")
		}
	}

	count, err := results[3].AsInt64()
	if err != nil {
		return 0, errors.Wrap(err, "rate limit count failed")
	}
	return count, nil
}

// MemoryStore is the in-process store used when Valkey is not configured.
type MemoryStore struct {
	mu   sync.Mutex
	hits map[string][]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{hits: map[string][]time.Time{}}
}

func (s *MemoryStore) Hit(_ context.Context, key string, now time.Time, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-window)
	kept := s.hits[key][:0]
	for _, t := range s.hits[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	s.hits[key] = kept

	return int64(len(kept)), nil
}
