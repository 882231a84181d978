package domain

import "time"

const (
	EventRecordCreated   = "sync:record:created"
	EventRecordCompleted = "sync:record:completed"
	EventRecordFailed    = "sync:record:failed"
	EventShardHealth     = "sync:shard:health"
)

// RecordEvent is published on the internal bus whenever a record changes hands.
type RecordEvent struct {
	RecordID   string     `json:"record_id"`
	UserID     string     `json:"user_id"`
	BatchID    string     `json:"batch_id,omitempty"`
	ShardKey   int        `json:"shard_key"`
	EntityType EntityType `json:"entity_type"`
	Status     SyncStatus `json:"status"`
	RetryCount int        `json:"retry_count"`
	Error      string     `json:"error,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

func NewRecordEvent(r *SyncRecord) *RecordEvent {
	return &RecordEvent{
		RecordID:   r.ID,
		UserID:     r.UserID,
		BatchID:    r.BatchID,
		ShardKey:   r.ShardKey,
		EntityType: r.EntityType,
		Status:     r.Status,
		RetryCount: r.RetryCount,
		Error:      r.ErrorMessage,
		Timestamp:  time.Now().UTC(),
	}
}

type ShardHealthEvent struct {
	ShardKey  int       `json:"shard_key"`
	Healthy   bool      `json:"healthy"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
