package database

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/flurbudurbur/fieldsync/internal/domain"
	"github.com/flurbudurbur/fieldsync/internal/logger"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutboxRepo_Relay(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, 2)
	records := NewSyncRepo(logger.Mock(), db)
	outbox := NewOutboxRepo(logger.Mock(), db)

	a, b := newRecord(t, "u", 1), newRecord(t, "u", 1)
	require.NoError(t, records.Create(ctx, 1, a, b))

	var got []domain.OutboxMessage
	res, err := outbox.Relay(ctx, 10, func(_ context.Context, msg domain.OutboxMessage) error {
		got = append(got, msg)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RelayResult{Published: 2}, res)

	require.Len(t, got, 2)
	assert.Equal(t, a.ID, got[0].RecordID)
	assert.Equal(t, b.ID, got[1].RecordID)
	assert.Equal(t, domain.SyncRecordsTopic, got[0].Topic)

	ptr, err := domain.ParseRecordPointer(got[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, domain.RecordPointer{RecordID: a.ID, ShardKey: 1}, ptr)

	n, err := outbox.CountUnpublished(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	res, err = outbox.Relay(ctx, 10, func(context.Context, domain.OutboxMessage) error {
		t.Fatal("published message relayed twice")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RelayResult{}, res)
}

func TestOutboxRepo_Relay_PublishFailure(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, 2)
	records := NewSyncRepo(logger.Mock(), db)
	outbox := NewOutboxRepo(logger.Mock(), db)

	a, b := newRecord(t, "u", 0), newRecord(t, "u", 0)
	require.NoError(t, records.Create(ctx, 0, a, b))

	res, err := outbox.Relay(ctx, 10, func(_ context.Context, msg domain.OutboxMessage) error {
		if msg.RecordID == a.ID {
			return errors.New("stream unavailable")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RelayResult{Published: 1, Failed: 1}, res)

	var retried []domain.OutboxMessage
	res, err = outbox.Relay(ctx, 10, func(_ context.Context, msg domain.OutboxMessage) error {
		retried = append(retried, msg)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RelayResult{Published: 1}, res)
	require.Len(t, retried, 1)
	assert.Equal(t, a.ID, retried[0].RecordID)
	assert.Equal(t, 1, retried[0].Attempts)
	assert.Equal(t, "stream unavailable", retried[0].LastError)
}

func TestOutboxRepo_Relay_Limit(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, 2)
	records := NewSyncRepo(logger.Mock(), db)
	outbox := NewOutboxRepo(logger.Mock(), db)

	for i := 0; i < 5; i++ {
		require.NoError(t, records.Create(ctx, 0, newRecord(t, "u", 0)))
	}

	res, err := outbox.Relay(ctx, 3, func(context.Context, domain.OutboxMessage) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 3, res.Published)

	n, err := outbox.CountUnpublished(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestOutboxRepo_SelectUnpublished(t *testing.T) {
	pg := &OutboxRepo{db: &DB{Driver: "postgres"}}
	query, args, err := pg.selectUnpublished(50)
	require.NoError(t, err)
	assert.Empty(t, args)
	assert.Equal(t, "SELECT id, record_id, shard_key, topic, payload, attempts, last_error, created_at, published_at FROM sync_outbox WHERE published_at IS NULL ORDER BY id ASC LIMIT 50 FOR UPDATE SKIP LOCKED", query)

	lite := &OutboxRepo{db: &DB{Driver: "sqlite"}}
	query, _, err = lite.selectUnpublished(50)
	require.NoError(t, err)
	assert.NotContains(t, query, "SKIP LOCKED")
}

func TestOutboxRepo_Relay_Postgres(t *testing.T) {
	db, mock := newMockDB(t)
	outbox := NewOutboxRepo(logger.Mock(), db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FROM sync_outbox WHERE published_at IS NULL ORDER BY id ASC LIMIT 10 FOR UPDATE SKIP LOCKED`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "record_id", "shard_key", "topic", "payload", "attempts", "last_error", "created_at", "published_at"}))
	mock.ExpectCommit()

	res, err := outbox.Relay(context.Background(), 10, func(context.Context, domain.OutboxMessage) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, domain.RelayResult{}, res)
	assert.NoError(t, mock.ExpectationsWereMet())
}
