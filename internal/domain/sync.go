package domain

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/flurbudurbur/fieldsync/pkg/errors"
	"github.com/google/uuid"
)

const (
	// DefaultShardCount is the number of record partitions. It must not change for the
	// life of a deployment since it determines where every record lives.
	DefaultShardCount = 256

	// DefaultMaxRetryAttempts is the per-record processing attempt budget.
	DefaultMaxRetryAttempts = 3

	// MaxBatchSize bounds both client batches and the per-shard pending query.
	MaxBatchSize = 1000
)

type SyncRepo interface {
	// Create inserts the records and one outbox pointer per record into the shard in a
	// single transaction.
	Create(ctx context.Context, shard int, records ...*SyncRecord) error
	FindByID(ctx context.Context, shard int, id string) (*SyncRecord, error)
	FindByBatch(ctx context.Context, shard int, batchID string) ([]*SyncRecord, error)
	// FindPending returns up to limit pending records with retry_count < maxRetries
	// in insertion order.
	FindPending(ctx context.Context, shard int, maxRetries int, limit int) ([]*SyncRecord, error)
	FindByStatus(ctx context.Context, shard int, status SyncStatus, limit int) ([]*SyncRecord, error)
	// UpdateStatus persists status, retry count and error message guarded by the record's
	// version. It returns ErrVersionConflict when no row matched and advances
	// record.Version on success.
	UpdateStatus(ctx context.Context, shard int, record *SyncRecord) error
	// ReclaimStale moves processing records not touched since olderThan back to pending.
	// Records whose retry_count already reached maxRetries are failed instead, whether
	// stale or left pending.
	ReclaimStale(ctx context.Context, shard int, olderThan time.Time, maxRetries int) (int64, error)
	CountByStatus(ctx context.Context, shard int) (map[SyncStatus]int64, error)
}

type SyncStatus string

const (
	SyncStatusPending    SyncStatus = "pending"
	SyncStatusProcessing SyncStatus = "processing"
	SyncStatusCompleted  SyncStatus = "completed"
	SyncStatusFailed     SyncStatus = "failed"
)

func (s SyncStatus) Valid() bool {
	switch s {
	case SyncStatusPending, SyncStatusProcessing, SyncStatusCompleted, SyncStatusFailed:
		return true
	}
	return false
}

func (s SyncStatus) Terminal() bool {
	return s == SyncStatusCompleted || s == SyncStatusFailed
}

type EntityType string

const (
	EntityTypeSpecies    EntityType = "species"
	EntityTypeFossil     EntityType = "fossil"
	EntityTypeCollection EntityType = "collection"
)

// EntityTypes lists the closed set of supported entity types.
var EntityTypes = []EntityType{EntityTypeSpecies, EntityTypeFossil, EntityTypeCollection}

func (e EntityType) Valid() bool {
	switch e {
	case EntityTypeSpecies, EntityTypeFossil, EntityTypeCollection:
		return true
	}
	return false
}

// SyncRecord is a single offline discovery waiting to be reconciled.
type SyncRecord struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	BatchID      string          `json:"batch_id,omitempty"`
	ShardKey     int             `json:"shard_key"`
	EntityType   EntityType      `json:"entity_type"`
	Status       SyncStatus      `json:"status"`
	Data         json.RawMessage `json:"data"`
	RetryCount   int             `json:"retry_count"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	Version      int64           `json:"version"`
}

// NewSyncRecord builds a pending record. The shard key is assigned by the caller that
// owns the router.
func NewSyncRecord(userID string, entityType EntityType, data json.RawMessage) (*SyncRecord, error) {
	now := time.Now().UTC()
	r := &SyncRecord{
		ID:         uuid.NewString(),
		UserID:     userID,
		EntityType: entityType,
		Status:     SyncStatusPending,
		Data:       data,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := r.Validate(); err != nil {
		return nil, err
	}

	return r, nil
}

// Validate checks the structural constraints a record must meet before it is persisted.
func (r *SyncRecord) Validate() error {
	if r == nil {
		return errors.Wrap(ErrValidation, "record is nil")
	}
	if r.ID == "" {
		return errors.Wrap(ErrValidation, "record id is empty")
	}
	if r.UserID == "" {
		return errors.Wrap(ErrValidation, "user id is empty")
	}
	if !r.EntityType.Valid() {
		return errors.Wrap(ErrValidation, "unknown entity type %q", r.EntityType)
	}
	if !r.Status.Valid() {
		return errors.Wrap(ErrValidation, "unknown status %q", r.Status)
	}
	if r.RetryCount < 0 {
		return errors.Wrap(ErrValidation, "retry count is negative")
	}
	return validateData(r.Data)
}

func validateData(data json.RawMessage) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return errors.Wrap(ErrValidation, "data is empty")
	}
	if trimmed[0] != '{' || !json.Valid(trimmed) {
		return errors.Wrap(ErrValidation, "data must be a json object")
	}
	if bytes.Equal(trimmed, []byte("{}")) {
		return errors.Wrap(ErrValidation, "data is empty")
	}
	return nil
}

func (r *SyncRecord) transition(from SyncStatus, to SyncStatus) error {
	if r.Status != from {
		return errors.Wrap(ErrInvalidTransition, "%s -> %s from %s", from, to, r.Status)
	}
	r.Status = to
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkProcessing claims a pending record for a worker.
func (r *SyncRecord) MarkProcessing() error {
	return r.transition(SyncStatusPending, SyncStatusProcessing)
}

func (r *SyncRecord) MarkCompleted() error {
	if err := r.transition(SyncStatusProcessing, SyncStatusCompleted); err != nil {
		return err
	}
	r.ErrorMessage = ""
	return nil
}

// RecordAttemptFailure counts one failed processing attempt without changing status.
func (r *SyncRecord) RecordAttemptFailure() {
	r.RetryCount++
	r.UpdatedAt = time.Now().UTC()
}

// MarkFailed moves a processing record to its terminal failed state.
func (r *SyncRecord) MarkFailed(cause error) error {
	if err := r.transition(SyncStatusProcessing, SyncStatusFailed); err != nil {
		return err
	}
	r.ErrorMessage = "unknown error"
	if cause != nil && cause.Error() != "" {
		r.ErrorMessage = cause.Error()
	}
	return nil
}

// Release hands a processing record back to the pending pool for a later cycle.
func (r *SyncRecord) Release() error {
	return r.transition(SyncStatusProcessing, SyncStatusPending)
}

// Replay resets a failed record so it is picked up again with a fresh budget.
func (r *SyncRecord) Replay() error {
	if err := r.transition(SyncStatusFailed, SyncStatusPending); err != nil {
		return err
	}
	r.RetryCount = 0
	r.ErrorMessage = ""
	return nil
}

// SyncBatch groups records a device submitted together after reconnecting.
type SyncBatch struct {
	BatchID     string        `json:"batch_id"`
	UserID      string        `json:"user_id"`
	Records     []*SyncRecord `json:"records"`
	CreatedAt   time.Time     `json:"created_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

func NewSyncBatch(userID string, records []*SyncRecord) (*SyncBatch, error) {
	if userID == "" {
		return nil, errors.Wrap(ErrValidation, "user id is empty")
	}
	if len(records) == 0 || len(records) > MaxBatchSize {
		return nil, errors.Wrap(ErrBatchSize, "got %d records, want 1..%d", len(records), MaxBatchSize)
	}

	b := &SyncBatch{
		BatchID:   uuid.NewString(),
		UserID:    userID,
		Records:   make([]*SyncRecord, len(records)),
		CreatedAt: time.Now().UTC(),
	}

	for i, r := range records {
		if r == nil {
			return nil, errors.Wrap(ErrValidation, "record %d is nil", i)
		}
		if r.UserID != userID {
			return nil, errors.Wrap(ErrValidation, "record %d belongs to another user", i)
		}
		r.BatchID = b.BatchID
		b.Records[i] = r
	}

	return b, nil
}

// IsComplete reports whether every record in the batch has completed.
func (b *SyncBatch) IsComplete() bool {
	if len(b.Records) == 0 {
		return false
	}
	for _, r := range b.Records {
		if r.Status != SyncStatusCompleted {
			return false
		}
	}
	return true
}

// CompletionTime is the last member update of a complete batch, nil otherwise.
func (b *SyncBatch) CompletionTime() *time.Time {
	if !b.IsComplete() {
		return nil
	}

	var last time.Time
	for _, r := range b.Records {
		if r.UpdatedAt.After(last) {
			last = r.UpdatedAt
		}
	}
	last = last.UTC()
	return &last
}

func (b *SyncBatch) Counts() map[SyncStatus]int {
	counts := map[SyncStatus]int{}
	for _, r := range b.Records {
		counts[r.Status]++
	}
	return counts
}
