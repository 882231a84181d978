package domain

import (
	"context"
	"time"

	"github.com/flurbudurbur/fieldsync/pkg/errors"
	"github.com/goccy/go-json"
)

// SyncRecordsTopic is the stream carrying record pointers.
const SyncRecordsTopic = "sync.records"

type OutboxRepo interface {
	// Relay locks up to limit unpublished messages, hands each to publish and marks the
	// ones that succeeded as published, all in one transaction. Failed messages keep
	// their row with an incremented attempt counter.
	Relay(ctx context.Context, limit int, publish func(ctx context.Context, msg OutboxMessage) error) (RelayResult, error)
	CountUnpublished(ctx context.Context) (int64, error)
}

type OutboxMessage struct {
	ID          int64
	RecordID    string
	ShardKey    int
	Topic       string
	Payload     []byte
	Attempts    int
	LastError   string
	CreatedAt   time.Time
	PublishedAt *time.Time
}

type RelayResult struct {
	Published int
	Failed    int
}

// RecordPointer is the queue envelope. Consumers re-read the record from its shard.
type RecordPointer struct {
	RecordID string `json:"record_id"`
	ShardKey int    `json:"shard_key"`
}

func (p RecordPointer) Marshal() ([]byte, error) {
	return json.Marshal(p)
}

func ParseRecordPointer(data []byte) (RecordPointer, error) {
	var p RecordPointer
	if err := json.Unmarshal(data, &p); err != nil {
		return p, errors.Wrap(err, "could not decode record pointer")
	}
	if p.RecordID == "" {
		return p, errors.Wrap(ErrValidation, "record pointer without record_id")
	}
	if p.ShardKey < 0 {
		return p, errors.Wrap(ErrValidation, "record pointer with negative shard_key %d", p.ShardKey)
	}
	return p, nil
}
