package database

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/flurbudurbur/fieldsync/internal/domain"
	"github.com/flurbudurbur/fieldsync/internal/logger"
	"github.com/flurbudurbur/fieldsync/internal/shard"
	"github.com/flurbudurbur/fieldsync/pkg/errors"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

type DB struct {
	log     zerolog.Logger
	handler *gorm.DB
	ctx     context.Context
	cancel  func()

	Driver       string
	DSN          string
	MaxOpenConns int
	ShardCount   int
}

func NewDB(cfg *domain.Config, log logger.Logger) (*DB, error) {
	db := &DB{
		log:          log.With().Str("module", "database").Logger(),
		MaxOpenConns: cfg.Database.MaxOpenConns,
		ShardCount:   cfg.Sync.ShardCount,
	}
	db.ctx, db.cancel = context.WithCancel(context.Background())

	if db.ShardCount <= 0 {
		db.ShardCount = domain.DefaultShardCount
	}

	switch cfg.Database.Type {
	case "sqlite":
		db.Driver = "sqlite"
		db.DSN = dataSourceName(cfg.ConfigPath, "fieldsync.db")
	case "postgres", "postgresql":
		pg := cfg.Database.Postgres
		if pg.Host == "" || pg.Port == 0 || pg.Database == "" {
			return nil, errors.New("postgres configuration is incomplete")
		}
		db.DSN = fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			pg.Host, pg.Port, pg.User, pg.Pass, pg.Database, pg.SslMode)
		db.Driver = "postgres"
	default:
		return nil, errors.New("unsupported database type: %v", cfg.Database.Type)
	}

	return db, nil
}

func (db *DB) gormLogger() gormlogger.Interface {
	level := db.log.GetLevel()
	if global := zerolog.GlobalLevel(); global > level {
		level = global
	}

	gormLogLevel := gormlogger.Silent
	switch level {
	case zerolog.TraceLevel:
		gormLogLevel = gormlogger.Info
	case zerolog.DebugLevel, zerolog.InfoLevel, zerolog.WarnLevel:
		gormLogLevel = gormlogger.Warn
	case zerolog.ErrorLevel, zerolog.FatalLevel, zerolog.PanicLevel:
		gormLogLevel = gormlogger.Error
	}

	return gormlogger.New(
		log.New(db.log, "", 0),
		gormlogger.Config{
			SlowThreshold:             500 * time.Millisecond,
			LogLevel:                  gormLogLevel,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
}

func (db *DB) Open() error {
	if db.DSN == "" {
		return errors.New("database DSN is required but not configured")
	}

	var dialector gorm.Dialector
	switch db.Driver {
	case "sqlite":
		// modernc registers itself as "sqlite"
		dialector = &sqlite.Dialector{DriverName: "sqlite", DSN: db.DSN}
		db.log.Info().Str("dsn", db.DSN).Msg("Using SQLite driver")
	case "postgres":
		dialector = postgres.Open(db.DSN)
		db.log.Info().Msg("Using PostgreSQL driver")
	default:
		return errors.New("unsupported database driver: %s", db.Driver)
	}

	gormDB, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 db.gormLogger(),
		SkipDefaultTransaction: true,
		NowFunc:                func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		db.log.Error().Err(err).Str("driver", db.Driver).Msg("Failed to connect database")
		return errors.Wrap(err, "failed to connect database")
	}
	db.handler = gormDB

	sqlDB, err := gormDB.DB()
	if err != nil {
		return errors.Wrap(err, "failed to get underlying *sql.DB")
	}
	if db.Driver == "sqlite" {
		// sqlite allows a single writer
		sqlDB.SetMaxOpenConns(1)
	} else if db.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(db.MaxOpenConns)
		sqlDB.SetMaxIdleConns(db.MaxOpenConns / 2)
	}

	if err := sqlDB.PingContext(db.ctx); err != nil {
		return errors.Wrap(err, "failed to connect database")
	}
	db.log.Info().Msg("Database connection established successfully.")

	if err := db.migrate(); err != nil {
		db.log.Error().Err(err).Msg("Failed to run database migrations")
		return err
	}

	return nil
}

// migrate creates the outbox table and one record table per shard. Index names are
// derived from the table name since index names are global in both dialects.
func (db *DB) migrate() error {
	db.log.Info().Int("shards", db.ShardCount).Msg("Running database migrations...")

	if err := db.handler.AutoMigrate(&outboxRow{}); err != nil {
		return errors.Wrap(err, "failed to migrate outbox")
	}

	for s := 0; s < db.ShardCount; s++ {
		table := shard.TableName(s)
		if err := db.handler.Table(table).AutoMigrate(&recordRow{}); err != nil {
			return errors.Wrap(err, "failed to migrate %s", table)
		}

		for _, stmt := range shardIndexes(table) {
			if err := db.handler.Exec(stmt).Error; err != nil {
				return errors.Wrap(err, "failed to create index on %s", table)
			}
		}
	}

	db.log.Info().Msg("Database migrations completed.")
	return nil
}

func shardIndexes(table string) []string {
	t := pq.QuoteIdentifier(table)
	return []string{
		fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (id)", pq.QuoteIdentifier("ux_"+table+"_id"), t),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (status, retry_count, seq)", pq.QuoteIdentifier("ix_"+table+"_pending"), t),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (batch_id)", pq.QuoteIdentifier("ix_"+table+"_batch"), t),
	}
}

func (db *DB) Close() error {
	db.cancel()

	if db.handler == nil {
		return nil
	}

	sqlDB, err := db.handler.DB()
	if err != nil {
		return errors.Wrap(err, "failed to get underlying *sql.DB")
	}
	if err := sqlDB.Close(); err != nil {
		return errors.Wrap(err, "failed to close database")
	}

	db.log.Info().Msg("Database service closed.")
	return nil
}

func (db *DB) Ping() error {
	return db.PingContext(db.ctx)
}

func (db *DB) PingContext(ctx context.Context) error {
	if db.handler == nil {
		return errors.New("database handler is not initialized")
	}
	sqlDB, err := db.handler.DB()
	if err != nil {
		return errors.Wrap(err, "failed to get underlying *sql.DB")
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		db.log.Warn().Err(err).Msg("Database ping failed")
		return errors.Wrap(err, "database ping failed")
	}
	return nil
}

// Get returns the underlying GORM DB instance.
func (db *DB) Get() *gorm.DB {
	return db.handler
}

// builder returns a squirrel builder for queries run through gorm's Raw, which rebinds
// ? to the dialect's placeholders.
func (db *DB) builder() sq.StatementBuilderType {
	return sq.StatementBuilder.PlaceholderFormat(sq.Question)
}

func (db *DB) table(s int) (string, error) {
	if s < 0 || s >= db.ShardCount {
		return "", errors.New("shard %d out of range [0, %d)", s, db.ShardCount)
	}
	return shard.TableName(s), nil
}
