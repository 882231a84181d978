package shard

import "context"

// Gate serializes work on a shard within this process so a queue-triggered pass and
// the periodic cycle never interleave records of the same shard.
type Gate struct {
	slots []chan struct{}
}

func NewGate(count int) *Gate {
	g := &Gate{slots: make([]chan struct{}, count)}
	for i := range g.slots {
		g.slots[i] = make(chan struct{}, 1)
	}
	return g
}

// Acquire blocks until the shard is free or ctx is done.
func (g *Gate) Acquire(ctx context.Context, shard int) (release func(), err error) {
	slot := g.slots[shard]
	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
