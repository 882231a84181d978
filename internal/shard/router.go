package shard

import (
	"fmt"
	"hash/fnv"

	"github.com/flurbudurbur/fieldsync/internal/domain"
)

// Router maps an owning identity to its shard. It holds no state besides the shard
// count, so every replica agrees on placement.
type Router struct {
	count int
}

func NewRouter(count int) *Router {
	if count <= 0 {
		count = domain.DefaultShardCount
	}
	return &Router{count: count}
}

func (r *Router) Count() int {
	return r.count
}

// ShardKey returns FNV-1a(userID) mod Count.
func (r *Router) ShardKey(userID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return int(h.Sum32() % uint32(r.count))
}

// Valid reports whether shard is inside [0, Count).
func (r *Router) Valid(shard int) bool {
	return shard >= 0 && shard < r.count
}

// TableName returns the record table for a shard.
func TableName(shard int) string {
	return fmt.Sprintf("sync_records_shard_%d", shard)
}
