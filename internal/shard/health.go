package shard

import (
	"sort"
	"sync"
	"time"
)

// Status describes why a shard is out of rotation.
type Status struct {
	Shard  int       `json:"shard"`
	Reason string    `json:"reason"`
	Since  time.Time `json:"since"`
	Auto   bool      `json:"auto"`
}

// HealthTracker records shards that must not be processed. Shards are healthy unless
// marked otherwise.
type HealthTracker struct {
	mu        sync.RWMutex
	unhealthy map[int]Status
	onChange  func(shard int, healthy bool, reason string)
	now       func() time.Time
}

func NewHealthTracker() *HealthTracker {
	return &HealthTracker{
		unhealthy: map[int]Status{},
		now:       time.Now,
	}
}

// OnChange registers a callback invoked after every state change, outside the lock.
func (h *HealthTracker) OnChange(fn func(shard int, healthy bool, reason string)) {
	h.mu.Lock()
	h.onChange = fn
	h.mu.Unlock()
}

func (h *HealthTracker) IsHealthy(shard int) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	_, bad := h.unhealthy[shard]
	return !bad
}

func (h *HealthTracker) MarkUnhealthy(shard int, reason string) {
	h.markUnhealthy(shard, reason, false)
}

func (h *HealthTracker) markUnhealthy(shard int, reason string, auto bool) {
	h.mu.Lock()
	_, already := h.unhealthy[shard]
	h.unhealthy[shard] = Status{Shard: shard, Reason: reason, Since: h.now(), Auto: auto}
	fn := h.onChange
	h.mu.Unlock()

	if !already && fn != nil {
		fn(shard, false, reason)
	}
}

func (h *HealthTracker) MarkHealthy(shard int) {
	h.mu.Lock()
	_, was := h.unhealthy[shard]
	delete(h.unhealthy, shard)
	fn := h.onChange
	h.mu.Unlock()

	if was && fn != nil {
		fn(shard, true, "")
	}
}

// Unhealthy returns the shards currently out of rotation ordered by shard index.
func (h *HealthTracker) Unhealthy() []Status {
	h.mu.RLock()
	out := make([]Status, 0, len(h.unhealthy))
	for _, s := range h.unhealthy {
		out = append(out, s)
	}
	h.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Shard < out[j].Shard })
	return out
}
