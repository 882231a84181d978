package shard

import (
	"sync"
	"time"

	"github.com/flurbudurbur/fieldsync/internal/logger"
	"github.com/rs/zerolog"
)

const (
	DefaultBreakerThreshold = 5
	DefaultBreakerCooldown  = 2 * time.Minute
)

type failureRecord struct {
	count   int
	lastErr string
	lastAt  time.Time
}

// Breaker takes a shard out of rotation after repeated shard-level failures and puts
// it back once the cooldown has passed. Record-level processor errors must not be
// reported here.
type Breaker struct {
	log       zerolog.Logger
	health    *HealthTracker
	threshold int
	cooldown  time.Duration

	mu      sync.Mutex
	records map[int]*failureRecord
	tripped map[int]time.Time
	nowFunc func() time.Time
}

func NewBreaker(log logger.Logger, health *HealthTracker, threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = DefaultBreakerThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultBreakerCooldown
	}
	return &Breaker{
		log:       log.With().Str("module", "shard-breaker").Logger(),
		health:    health,
		threshold: threshold,
		cooldown:  cooldown,
		records:   map[int]*failureRecord{},
		tripped:   map[int]time.Time{},
		nowFunc:   time.Now,
	}
}

// RecordFailure counts a shard-level failure and trips the shard at the threshold.
func (b *Breaker) RecordFailure(shard int, err error) {
	b.mu.Lock()
	rec, ok := b.records[shard]
	if !ok {
		rec = &failureRecord{}
		b.records[shard] = rec
	}

	now := b.nowFunc()
	if now.Sub(rec.lastAt) > b.cooldown {
		rec.count = 0
	}

	rec.count++
	rec.lastAt = now
	if err != nil {
		rec.lastErr = err.Error()
	}

	trip := rec.count >= b.threshold
	if trip {
		b.tripped[shard] = now
	}
	count, lastErr := rec.count, rec.lastErr
	b.mu.Unlock()

	if trip {
		b.log.Warn().
			Int("shard", shard).
			Int("failures", count).
			Str("last_error", lastErr).
			Dur("cooldown", b.cooldown).
			Msg("shard taken out of rotation after repeated failures")
		b.health.markUnhealthy(shard, "breaker: "+lastErr, true)
	}
}

// RecordSuccess clears the failure history for a shard.
func (b *Breaker) RecordSuccess(shard int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.records, shard)
}

// ResetExpired restores shards the breaker tripped whose cooldown has elapsed. Shards
// marked unhealthy by an operator are left alone. It returns the restored shards.
func (b *Breaker) ResetExpired() []int {
	b.mu.Lock()
	now := b.nowFunc()
	var restored []int
	for shard, at := range b.tripped {
		if now.Sub(at) < b.cooldown {
			continue
		}
		delete(b.tripped, shard)
		delete(b.records, shard)
		restored = append(restored, shard)
	}
	b.mu.Unlock()

	for _, shard := range restored {
		if !b.isAutoTripped(shard) {
			continue
		}
		b.health.MarkHealthy(shard)
		b.log.Info().Int("shard", shard).Msg("shard restored after breaker cooldown")
	}

	return restored
}

func (b *Breaker) isAutoTripped(shard int) bool {
	for _, s := range b.health.Unhealthy() {
		if s.Shard == shard {
			return s.Auto
		}
	}
	return false
}
