package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/flurbudurbur/fieldsync/internal/domain"
	"github.com/flurbudurbur/fieldsync/internal/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() domain.QueueConfig {
	return domain.QueueConfig{
		Stream:    domain.SyncRecordsTopic,
		Group:     "sync-workers",
		Consumer:  "test",
		ReadCount: 10,
		Block:     50 * time.Millisecond,
	}
}

func outboxMessage(t *testing.T, id string, shard int) domain.OutboxMessage {
	t.Helper()
	payload, err := domain.RecordPointer{RecordID: id, ShardKey: shard}.Marshal()
	require.NoError(t, err)
	return domain.OutboxMessage{RecordID: id, ShardKey: shard, Topic: domain.SyncRecordsTopic, Payload: payload}
}

type call struct {
	shard int
	ids   []string
}

type recorder struct {
	mu    sync.Mutex
	calls []call
	err   error
}

func (r *recorder) handle(_ context.Context, shard int, pointers []domain.RecordPointer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := call{shard: shard}
	for _, p := range pointers {
		c.ids = append(c.ids, p.RecordID)
	}
	r.calls = append(r.calls, c)
	return r.err
}

func (r *recorder) snapshot() []call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]call(nil), r.calls...)
}

func runService(t *testing.T, svc *Service, handle Handler) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx, handle) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("Run did not stop after cancel")
		}
	})
	return cancel
}

func TestService_PublishAndConsume(t *testing.T) {
	ctx := context.Background()
	client := NewMemoryClient()
	cfg := testConfig()
	svc := NewService(logger.Mock(), client, cfg)
	require.NoError(t, client.CreateGroup(ctx, cfg.Stream, cfg.Group))

	require.NoError(t, svc.Publish(ctx, outboxMessage(t, "a", 3)))
	require.NoError(t, svc.Publish(ctx, outboxMessage(t, "b", 7)))
	require.NoError(t, svc.Publish(ctx, outboxMessage(t, "c", 3)))

	rec := &recorder{}
	runService(t, svc, rec.handle)

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []call{
		{shard: 3, ids: []string{"a", "c"}},
		{shard: 7, ids: []string{"b"}},
	}, rec.snapshot())

	require.Eventually(t, func() bool { return client.Pending(cfg.Stream) == 0 }, time.Second, 5*time.Millisecond)
}

func TestService_HandlerErrorStillAcks(t *testing.T) {
	ctx := context.Background()
	client := NewMemoryClient()
	cfg := testConfig()
	svc := NewService(logger.Mock(), client, cfg)
	require.NoError(t, client.CreateGroup(ctx, cfg.Stream, cfg.Group))
	require.NoError(t, svc.Publish(ctx, outboxMessage(t, "a", 1)))

	rec := &recorder{err: domain.ErrShardUnhealthy}
	runService(t, svc, rec.handle)

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return client.Pending(cfg.Stream) == 0 }, time.Second, 5*time.Millisecond)
}

func TestService_DropsUndecodable(t *testing.T) {
	ctx := context.Background()
	client := NewMemoryClient()
	cfg := testConfig()
	svc := NewService(logger.Mock(), client, cfg)
	require.NoError(t, client.CreateGroup(ctx, cfg.Stream, cfg.Group))

	_, err := client.Add(ctx, cfg.Stream, 0, map[string]string{fieldPayload: "not json"})
	require.NoError(t, err)
	_, err = client.Add(ctx, cfg.Stream, 0, map[string]string{fieldPayload: `{"shard_key":1}`})
	require.NoError(t, err)

	rec := &recorder{}
	runService(t, svc, rec.handle)

	require.Eventually(t, func() bool { return client.Pending(cfg.Stream) == 0 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, rec.snapshot())
}

func TestService_RedeliversBacklog(t *testing.T) {
	ctx := context.Background()
	client := NewMemoryClient()
	cfg := testConfig()
	svc := NewService(logger.Mock(), client, cfg)
	require.NoError(t, client.CreateGroup(ctx, cfg.Stream, cfg.Group))
	require.NoError(t, svc.Publish(ctx, outboxMessage(t, "a", 2)))

	// delivered to this consumer by a previous run that never acked
	entries, err := client.ReadGroup(ctx, cfg.Stream, cfg.Group, cfg.Consumer, ">", 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, client.Pending(cfg.Stream))

	rec := &recorder{}
	runService(t, svc, rec.handle)

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a"}, rec.snapshot()[0].ids)
	require.Eventually(t, func() bool { return client.Pending(cfg.Stream) == 0 }, time.Second, 5*time.Millisecond)
}

// failingAckClient never acknowledges and counts backlog reads.
type failingAckClient struct {
	*MemoryClient

	mu    sync.Mutex
	reads int
}

func (c *failingAckClient) ReadGroup(ctx context.Context, stream string, group string, consumer string, id string, count int64, block time.Duration) ([]Entry, error) {
	if id != ">" {
		c.mu.Lock()
		c.reads++
		c.mu.Unlock()
	}
	return c.MemoryClient.ReadGroup(ctx, stream, group, consumer, id, count, block)
}

func (c *failingAckClient) Ack(context.Context, string, string, ...string) error {
	return errors.New("READONLY You can't write against a read only replica")
}

func (c *failingAckClient) backlogReads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads
}

func TestService_AckFailureDoesNotSpin(t *testing.T) {
	ctx := context.Background()
	client := &failingAckClient{MemoryClient: NewMemoryClient()}
	cfg := testConfig()
	svc := NewService(logger.Mock(), client, cfg)
	require.NoError(t, client.CreateGroup(ctx, cfg.Stream, cfg.Group))
	require.NoError(t, svc.Publish(ctx, outboxMessage(t, "a", 2)))
	require.NoError(t, svc.Publish(ctx, outboxMessage(t, "b", 5)))

	_, err := client.MemoryClient.ReadGroup(ctx, cfg.Stream, cfg.Group, cfg.Consumer, ">", 10, 0)
	require.NoError(t, err)

	rec := &recorder{}
	runService(t, svc, rec.handle)

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	assert.Len(t, rec.snapshot(), 2)
	assert.Equal(t, 1, client.backlogReads())
	assert.Equal(t, 2, client.Pending(cfg.Stream))
}

func TestService_CanceledHandlerLeavesPending(t *testing.T) {
	ctx := context.Background()
	client := NewMemoryClient()
	cfg := testConfig()
	svc := NewService(logger.Mock(), client, cfg)
	require.NoError(t, client.CreateGroup(ctx, cfg.Stream, cfg.Group))
	require.NoError(t, svc.Publish(ctx, outboxMessage(t, "a", 2)))

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- svc.Run(runCtx, func(ctx context.Context, _ int, _ []domain.RecordPointer) error {
			cancel()
			return ctx.Err()
		})
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
	assert.Equal(t, 1, client.Pending(cfg.Stream))
}

func TestService_StopsOnClose(t *testing.T) {
	client := NewMemoryClient()
	svc := NewService(logger.Mock(), client, testConfig())

	done := make(chan error, 1)
	go func() { done <- svc.Run(context.Background(), (&recorder{}).handle) }()

	time.Sleep(20 * time.Millisecond)
	svc.Close()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after Close")
	}
}

func TestGroup(t *testing.T) {
	entries := []Entry{
		{ID: "1-1", Fields: map[string]string{fieldPayload: `{"record_id":"a","shard_key":5}`}},
		{ID: "1-2", Fields: map[string]string{fieldPayload: `{"record_id":"b","shard_key":1}`}},
		{ID: "1-3", Fields: map[string]string{fieldPayload: `garbage`}},
		{ID: "1-4", Fields: map[string]string{fieldPayload: `{"record_id":"c","shard_key":5}`}},
	}

	groups, bad := group(entries)
	assert.Equal(t, []string{"1-3"}, bad)
	require.Len(t, groups, 2)
	assert.Equal(t, 5, groups[0].shard)
	assert.Equal(t, []string{"1-1", "1-4"}, groups[0].ids)
	assert.Equal(t, "c", groups[0].pointers[1].RecordID)
	assert.Equal(t, 1, groups[1].shard)
}

func TestMemoryClient_MaxLen(t *testing.T) {
	ctx := context.Background()
	client := NewMemoryClient()
	require.NoError(t, client.CreateGroup(ctx, "s", "g"))

	for i := 0; i < 5; i++ {
		_, err := client.Add(ctx, "s", 3, map[string]string{"n": string(rune('a' + i))})
		require.NoError(t, err)
	}

	entries, err := client.ReadGroup(ctx, "s", "g", "c", ">", 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "c", entries[0].Fields["n"])
}

func TestMemoryClient_GroupStartsAtTail(t *testing.T) {
	ctx := context.Background()
	client := NewMemoryClient()

	_, err := client.Add(ctx, "s", 0, map[string]string{"n": "old"})
	require.NoError(t, err)
	require.NoError(t, client.CreateGroup(ctx, "s", "g"))
	require.NoError(t, client.CreateGroup(ctx, "s", "g"))
	assert.Error(t, client.CreateGroup(ctx, "s", "other"))

	entries, err := client.ReadGroup(ctx, "s", "g", "c", ">", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMemoryClient_BacklogAfterID(t *testing.T) {
	ctx := context.Background()
	client := NewMemoryClient()
	require.NoError(t, client.CreateGroup(ctx, "s", "g"))

	for _, v := range []string{"1", "2", "3"} {
		_, err := client.Add(ctx, "s", 0, map[string]string{fieldRecordID: v})
		require.NoError(t, err)
	}
	delivered, err := client.ReadGroup(ctx, "s", "g", "c", ">", 10, 0)
	require.NoError(t, err)
	require.Len(t, delivered, 3)

	backlog, err := client.ReadGroup(ctx, "s", "g", "c", "0", 2, 0)
	require.NoError(t, err)
	require.Len(t, backlog, 2)

	rest, err := client.ReadGroup(ctx, "s", "g", "c", backlog[1].ID, 2, 0)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, delivered[2].ID, rest[0].ID)

	rest, err = client.ReadGroup(ctx, "s", "g", "c", rest[0].ID, 2, 0)
	require.NoError(t, err)
	assert.Empty(t, rest)
}

func TestIsBusyGroup(t *testing.T) {
	assert.True(t, isBusyGroup(errors.New("BUSYGROUP Consumer Group name already exists")))
	assert.False(t, isBusyGroup(errors.New("NOGROUP")))
	assert.False(t, isBusyGroup(nil))
}
