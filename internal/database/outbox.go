package database

import (
	"context"
	"time"

	"github.com/flurbudurbur/fieldsync/internal/domain"
	"github.com/flurbudurbur/fieldsync/internal/logger"
	"github.com/flurbudurbur/fieldsync/pkg/errors"

	sq "github.com/Masterminds/squirrel"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

type outboxRow struct {
	ID          int64      `gorm:"column:id;primaryKey;autoIncrement"`
	RecordID    string     `gorm:"column:record_id;size:36;not null"`
	ShardKey    int        `gorm:"column:shard_key;not null"`
	Topic       string     `gorm:"column:topic;size:128;not null"`
	Payload     []byte     `gorm:"column:payload;not null"`
	Attempts    int        `gorm:"column:attempts;not null"`
	LastError   string     `gorm:"column:last_error"`
	CreatedAt   time.Time  `gorm:"column:created_at;not null"`
	PublishedAt *time.Time `gorm:"column:published_at;index:ix_sync_outbox_published_at"`
}

func (outboxRow) TableName() string {
	return "sync_outbox"
}

func (row outboxRow) toDomain() domain.OutboxMessage {
	return domain.OutboxMessage{
		ID:          row.ID,
		RecordID:    row.RecordID,
		ShardKey:    row.ShardKey,
		Topic:       row.Topic,
		Payload:     row.Payload,
		Attempts:    row.Attempts,
		LastError:   row.LastError,
		CreatedAt:   row.CreatedAt.UTC(),
		PublishedAt: row.PublishedAt,
	}
}

const maxLastErrorLen = 512

func NewOutboxRepo(log logger.Logger, db *DB) domain.OutboxRepo {
	return &OutboxRepo{
		log: log.With().Str("repo", "outbox").Logger(),
		db:  db,
	}
}

type OutboxRepo struct {
	log zerolog.Logger
	db  *DB
}

func (r *OutboxRepo) selectUnpublished(limit int) (string, []interface{}, error) {
	q := r.db.builder().
		Select("id", "record_id", "shard_key", "topic", "payload", "attempts", "last_error", "created_at", "published_at").
		From("sync_outbox").
		Where(sq.Eq{"published_at": nil}).
		OrderBy("id ASC").
		Limit(uint64(limit))

	if r.db.Driver == "postgres" {
		// lets several relays share the table without publishing a row twice
		q = q.Suffix("FOR UPDATE SKIP LOCKED")
	}

	return q.ToSql()
}

func (r *OutboxRepo) Relay(ctx context.Context, limit int, publish func(ctx context.Context, msg domain.OutboxMessage) error) (domain.RelayResult, error) {
	var result domain.RelayResult
	if limit <= 0 {
		limit = 100
	}

	query, args, err := r.selectUnpublished(limit)
	if err != nil {
		return result, errors.Wrap(err, "error building query")
	}

	err = r.db.Get().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []outboxRow
		if err := tx.Raw(query, args...).Scan(&rows).Error; err != nil {
			return errors.Wrap(err, "failed to select outbox messages")
		}

		published := make([]int64, 0, len(rows))
		for _, row := range rows {
			if err := ctx.Err(); err != nil {
				break
			}

			if err := publish(ctx, row.toDomain()); err != nil {
				result.Failed++
				msg := err.Error()
				if len(msg) > maxLastErrorLen {
					msg = msg[:maxLastErrorLen]
				}

				if err := tx.Model(&outboxRow{}).Where("id = ?", row.ID).Updates(map[string]interface{}{
					"attempts":   gorm.Expr("attempts + 1"),
					"last_error": msg,
				}).Error; err != nil {
					return errors.Wrap(err, "failed to record outbox attempt")
				}
				continue
			}

			published = append(published, row.ID)
		}

		if len(published) == 0 {
			return nil
		}

		if err := tx.Model(&outboxRow{}).Where("id IN ?", published).Update("published_at", time.Now().UTC()).Error; err != nil {
			return errors.Wrap(err, "failed to mark outbox messages published")
		}
		result.Published = len(published)

		return nil
	})
	if err != nil {
		return domain.RelayResult{}, err
	}

	if result.Published > 0 || result.Failed > 0 {
		r.log.Debug().Int("published", result.Published).Int("failed", result.Failed).Msg("outbox relayed")
	}

	return result, nil
}

func (r *OutboxRepo) CountUnpublished(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.Get().WithContext(ctx).Model(&outboxRow{}).Where("published_at IS NULL").Count(&n).Error; err != nil {
		return 0, errors.Wrap(err, "failed to count outbox messages")
	}
	return n, nil
}
