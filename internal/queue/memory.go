package queue

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/flurbudurbur/fieldsync/pkg/errors"
)

// ErrClosed is returned by MemoryClient after Close.
var ErrClosed = errors.New("queue closed")

// MemoryClient is an in-process stream used when no Valkey server is configured. It
// supports one consumer group per stream.
type MemoryClient struct {
	mu      sync.Mutex
	streams map[string]*memStream
	closed  bool
	wake    chan struct{}
}

type memStream struct {
	seq     int64
	entries []Entry
	// next is the index of the first entry not yet delivered to the group.
	next    int
	pending map[string]map[string]Entry
	group   string
}

func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		streams: make(map[string]*memStream),
		wake:    make(chan struct{}),
	}
}

func (c *MemoryClient) stream(name string) *memStream {
	s, ok := c.streams[name]
	if !ok {
		s = &memStream{pending: make(map[string]map[string]Entry)}
		c.streams[name] = s
	}
	return s
}

// notify wakes blocked readers. Must be called with mu held.
func (c *MemoryClient) notify() {
	close(c.wake)
	c.wake = make(chan struct{})
}

func (c *MemoryClient) Add(_ context.Context, stream string, maxLen int64, fields map[string]string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return "", ErrClosed
	}

	s := c.stream(stream)
	s.seq++
	id := strconv.FormatInt(time.Now().UnixMilli(), 10) + "-" + strconv.FormatInt(s.seq, 10)

	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	s.entries = append(s.entries, Entry{ID: id, Fields: copied})

	if maxLen > 0 && int64(len(s.entries)) > maxLen {
		drop := len(s.entries) - int(maxLen)
		s.entries = s.entries[drop:]
		s.next -= drop
		if s.next < 0 {
			s.next = 0
		}
	}

	c.notify()
	return id, nil
}

func (c *MemoryClient) CreateGroup(_ context.Context, stream string, group string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	s := c.stream(stream)
	if s.group == "" {
		s.group = group
		s.next = len(s.entries)
		return nil
	}
	if s.group != group {
		return errors.New("memory stream %s already has group %s", stream, s.group)
	}
	return nil
}

func (c *MemoryClient) ReadGroup(ctx context.Context, stream string, group string, consumer string, id string, count int64, block time.Duration) ([]Entry, error) {
	var deadline <-chan time.Time
	if block > 0 {
		t := time.NewTimer(block)
		defer t.Stop()
		deadline = t.C
	}

	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, ErrClosed
		}

		s := c.stream(stream)
		if s.group != group {
			c.mu.Unlock()
			return nil, errors.New("NOGROUP no such group %s for stream %s", group, stream)
		}

		pending, ok := s.pending[consumer]
		if !ok {
			pending = make(map[string]Entry)
			s.pending[consumer] = pending
		}

		if id != ">" {
			out := make([]Entry, 0, len(pending))
			for _, e := range s.entries {
				if count > 0 && int64(len(out)) >= count {
					break
				}
				if _, ok := pending[e.ID]; ok && idAfter(e.ID, id) {
					out = append(out, e)
				}
			}
			c.mu.Unlock()
			return out, nil
		}

		if s.next < len(s.entries) {
			end := len(s.entries)
			if count > 0 && int64(end-s.next) > count {
				end = s.next + int(count)
			}
			out := append([]Entry(nil), s.entries[s.next:end]...)
			for _, e := range out {
				pending[e.ID] = e
			}
			s.next = end
			c.mu.Unlock()
			return out, nil
		}

		wake := c.wake
		c.mu.Unlock()

		if deadline == nil {
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, nil
		case <-wake:
		}
	}
}

// idAfter reports whether stream id a sorts after b. Ids are "<ms>-<seq>"; a bare
// "<ms>" has seq 0.
func idAfter(a string, b string) bool {
	am, as := splitID(a)
	bm, bs := splitID(b)
	if am != bm {
		return am > bm
	}
	return as > bs
}

func splitID(id string) (int64, int64) {
	ms, seq, _ := strings.Cut(id, "-")
	m, _ := strconv.ParseInt(ms, 10, 64)
	n, _ := strconv.ParseInt(seq, 10, 64)
	return m, n
}

func (c *MemoryClient) Ack(_ context.Context, stream string, _ string, ids ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stream(stream)
	for _, pending := range s.pending {
		for _, id := range ids {
			delete(pending, id)
		}
	}
	return nil
}

// Pending returns the number of delivered but unacknowledged entries.
func (c *MemoryClient) Pending(stream string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, pending := range c.stream(stream).pending {
		n += len(pending)
	}
	return n
}

func (c *MemoryClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		c.notify()
	}
}
