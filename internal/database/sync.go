package database

import (
	"context"
	"time"

	"github.com/flurbudurbur/fieldsync/internal/domain"
	"github.com/flurbudurbur/fieldsync/internal/logger"
	"github.com/flurbudurbur/fieldsync/pkg/errors"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// recordRow is the row layout of every sync_records_shard_<N> table. Seq gives the
// per-shard insertion order used for FIFO processing.
type recordRow struct {
	Seq          int64     `gorm:"column:seq;primaryKey;autoIncrement"`
	ID           string    `gorm:"column:id;size:36;not null"`
	UserID       string    `gorm:"column:user_id;size:255;not null"`
	BatchID      string    `gorm:"column:batch_id;size:36"`
	EntityType   string    `gorm:"column:entity_type;size:32;not null"`
	Status       string    `gorm:"column:status;size:16;not null"`
	Data         []byte    `gorm:"column:data;not null"`
	RetryCount   int       `gorm:"column:retry_count;not null"`
	ErrorMessage string    `gorm:"column:error_message"`
	CreatedAt    time.Time `gorm:"column:created_at;not null"`
	UpdatedAt    time.Time `gorm:"column:updated_at;not null"`
	Version      int64     `gorm:"column:version;not null"`
}

func newRecordRow(r *domain.SyncRecord) recordRow {
	return recordRow{
		ID:           r.ID,
		UserID:       r.UserID,
		BatchID:      r.BatchID,
		EntityType:   string(r.EntityType),
		Status:       string(r.Status),
		Data:         []byte(r.Data),
		RetryCount:   r.RetryCount,
		ErrorMessage: r.ErrorMessage,
		CreatedAt:    r.CreatedAt.UTC(),
		UpdatedAt:    r.UpdatedAt.UTC(),
		Version:      r.Version,
	}
}

func (row recordRow) toDomain(shardKey int) *domain.SyncRecord {
	return &domain.SyncRecord{
		ID:           row.ID,
		UserID:       row.UserID,
		BatchID:      row.BatchID,
		ShardKey:     shardKey,
		EntityType:   domain.EntityType(row.EntityType),
		Status:       domain.SyncStatus(row.Status),
		Data:         row.Data,
		RetryCount:   row.RetryCount,
		ErrorMessage: row.ErrorMessage,
		CreatedAt:    row.CreatedAt.UTC(),
		UpdatedAt:    row.UpdatedAt.UTC(),
		Version:      row.Version,
	}
}

func NewSyncRepo(log logger.Logger, db *DB) domain.SyncRepo {
	return &SyncRepo{
		log: log.With().Str("repo", "sync").Logger(),
		db:  db,
	}
}

type SyncRepo struct {
	log zerolog.Logger
	db  *DB
}

func (r *SyncRepo) Create(ctx context.Context, shardKey int, records ...*domain.SyncRecord) error {
	table, err := r.db.table(shardKey)
	if err != nil {
		return domain.NewStageError(domain.StageInsert, err)
	}
	if len(records) == 0 {
		return nil
	}

	rows := make([]recordRow, 0, len(records))
	messages := make([]outboxRow, 0, len(records))
	for _, rec := range records {
		if rec.ShardKey != shardKey {
			return domain.NewStageError(domain.StageInsert, errors.New("record %s routed to shard %d, not %d", rec.ID, rec.ShardKey, shardKey))
		}

		payload, err := domain.RecordPointer{RecordID: rec.ID, ShardKey: shardKey}.Marshal()
		if err != nil {
			return domain.NewStageError(domain.StagePublish, err)
		}

		rows = append(rows, newRecordRow(rec))
		messages = append(messages, outboxRow{
			RecordID:  rec.ID,
			ShardKey:  shardKey,
			Topic:     domain.SyncRecordsTopic,
			Payload:   payload,
			CreatedAt: rec.CreatedAt.UTC(),
		})
	}

	tx := r.db.Get().WithContext(ctx).Begin()
	if tx.Error != nil {
		return domain.NewStageError(domain.StageBegin, tx.Error)
	}

	if err := tx.Table(table).CreateInBatches(&rows, createBatchSize).Error; err != nil {
		tx.Rollback()
		return domain.NewStageError(domain.StageInsert, errors.Wrap(err, "insert into %s", table))
	}

	if err := tx.CreateInBatches(&messages, createBatchSize).Error; err != nil {
		tx.Rollback()
		return domain.NewStageError(domain.StagePublish, errors.Wrap(err, "enqueue outbox"))
	}

	if err := tx.Commit().Error; err != nil {
		return domain.NewStageError(domain.StageCommit, err)
	}

	r.log.Trace().Int("shard", shardKey).Int("records", len(rows)).Msg("records created")
	return nil
}

const createBatchSize = 250

func (r *SyncRepo) FindByID(ctx context.Context, shardKey int, id string) (*domain.SyncRecord, error) {
	table, err := r.db.table(shardKey)
	if err != nil {
		return nil, err
	}

	var row recordRow
	if err := r.db.Get().WithContext(ctx).Table(table).Where("id = ?", id).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Wrap(domain.ErrRecordNotFound, "record %s", id)
		}
		return nil, errors.Wrap(err, "failed to find record %s", id)
	}

	return row.toDomain(shardKey), nil
}

func (r *SyncRepo) FindByBatch(ctx context.Context, shardKey int, batchID string) ([]*domain.SyncRecord, error) {
	return r.find(ctx, shardKey, 0, "batch_id = ?", batchID)
}

func (r *SyncRepo) FindPending(ctx context.Context, shardKey int, maxRetries int, limit int) ([]*domain.SyncRecord, error) {
	return r.find(ctx, shardKey, limit, "status = ? AND retry_count < ?", string(domain.SyncStatusPending), maxRetries)
}

func (r *SyncRepo) FindByStatus(ctx context.Context, shardKey int, status domain.SyncStatus, limit int) ([]*domain.SyncRecord, error) {
	return r.find(ctx, shardKey, limit, "status = ?", string(status))
}

func (r *SyncRepo) find(ctx context.Context, shardKey int, limit int, query string, args ...interface{}) ([]*domain.SyncRecord, error) {
	table, err := r.db.table(shardKey)
	if err != nil {
		return nil, err
	}

	q := r.db.Get().WithContext(ctx).Table(table).Where(query, args...).Order("seq ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var rows []recordRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "failed to query %s", table)
	}

	records := make([]*domain.SyncRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, row.toDomain(shardKey))
	}
	return records, nil
}

func (r *SyncRepo) UpdateStatus(ctx context.Context, shardKey int, record *domain.SyncRecord) error {
	table, err := r.db.table(shardKey)
	if err != nil {
		return err
	}

	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now().UTC()
	}

	res := r.db.Get().WithContext(ctx).Table(table).
		Where("id = ? AND version = ?", record.ID, record.Version).
		Updates(map[string]interface{}{
			"status":        string(record.Status),
			"retry_count":   record.RetryCount,
			"error_message": record.ErrorMessage,
			"updated_at":    record.UpdatedAt.UTC(),
			"version":       gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return errors.Wrap(res.Error, "failed to update record %s", record.ID)
	}

	if res.RowsAffected == 0 {
		return errors.Wrap(domain.ErrVersionConflict, "record %s at version %d", record.ID, record.Version)
	}

	record.Version++
	return nil
}

func (r *SyncRepo) ReclaimStale(ctx context.Context, shardKey int, olderThan time.Time, maxRetries int) (int64, error) {
	table, err := r.db.table(shardKey)
	if err != nil {
		return 0, err
	}

	var (
		now        = time.Now().UTC()
		processing = string(domain.SyncStatusProcessing)
	)

	tx := r.db.Get().WithContext(ctx).Begin()
	if tx.Error != nil {
		return 0, errors.Wrap(tx.Error, "failed to begin reclaim on %s", table)
	}

	exhausted := tx.Table(table).
		Where("retry_count >= ? AND (status = ? OR (status = ? AND updated_at < ?))",
			maxRetries, string(domain.SyncStatusPending), processing, olderThan.UTC()).
		Updates(map[string]interface{}{
			"status":        string(domain.SyncStatusFailed),
			"error_message": gorm.Expr("COALESCE(NULLIF(error_message, ''), ?)", domain.ErrRetryExhausted.Error()),
			"updated_at":    now,
			"version":       gorm.Expr("version + 1"),
		})
	if exhausted.Error != nil {
		tx.Rollback()
		return 0, errors.Wrap(exhausted.Error, "failed to fail exhausted records in %s", table)
	}

	requeued := tx.Table(table).
		Where("status = ? AND updated_at < ?", processing, olderThan.UTC()).
		Updates(map[string]interface{}{
			"status":     string(domain.SyncStatusPending),
			"updated_at": now,
			"version":    gorm.Expr("version + 1"),
		})
	if requeued.Error != nil {
		tx.Rollback()
		return 0, errors.Wrap(requeued.Error, "failed to reclaim stale records in %s", table)
	}

	if err := tx.Commit().Error; err != nil {
		return 0, errors.Wrap(err, "failed to commit reclaim on %s", table)
	}

	if exhausted.RowsAffected > 0 {
		r.log.Warn().Int("shard", shardKey).Int64("records", exhausted.RowsAffected).Msg("failed records with exhausted retry budget")
	}

	return exhausted.RowsAffected + requeued.RowsAffected, nil
}

func (r *SyncRepo) CountByStatus(ctx context.Context, shardKey int) (map[domain.SyncStatus]int64, error) {
	table, err := r.db.table(shardKey)
	if err != nil {
		return nil, err
	}

	query, args, err := r.db.builder().
		Select("status", "COUNT(*)").
		From(pq.QuoteIdentifier(table)).
		GroupBy("status").
		ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "error building query")
	}

	rows, err := r.db.Get().WithContext(ctx).Raw(query, args...).Rows()
	if err != nil {
		return nil, errors.Wrap(err, "failed to count %s", table)
	}
	defer rows.Close()

	counts := make(map[domain.SyncStatus]int64, 4)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "error scanning row")
		}
		counts[domain.SyncStatus(status)] = n
	}

	return counts, rows.Err()
}
