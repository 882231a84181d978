package domain

import "time"

type ServerConfig struct {
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	BaseURL string `mapstructure:"base_url"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Pass     string `mapstructure:"pass"`
	SslMode  string `mapstructure:"ssl_mode"`
}

type DatabaseConfig struct {
	Type         string         `mapstructure:"type"`
	MaxOpenConns int            `mapstructure:"max_open_conns"`
	Postgres     PostgresConfig `mapstructure:"postgres"`
}

type LoggingConfig struct {
	Path           string `mapstructure:"path"`
	Level          string `mapstructure:"level"`
	MaxFileSize    int    `mapstructure:"max_file_size"`
	MaxBackupCount int    `mapstructure:"max_backup_count"`
}

type ValkeyConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// QueueConfig controls the record pointer stream.
type QueueConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Stream        string        `mapstructure:"stream"`
	Group         string        `mapstructure:"group"`
	Consumer      string        `mapstructure:"consumer"`
	ReadCount     int64         `mapstructure:"read_count"`
	Block         time.Duration `mapstructure:"block"`
	MaxLen        int64         `mapstructure:"max_len"`
	RelayInterval time.Duration `mapstructure:"relay_interval"`
	RelayBatch    int           `mapstructure:"relay_batch"`
}

type BackoffConfig struct {
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time"`
}

type SyncConfig struct {
	ShardCount       int           `mapstructure:"shard_count"`
	MaxRetryAttempts int           `mapstructure:"max_retry_attempts"`
	BatchSize        int           `mapstructure:"batch_size"`
	ProcessInterval  time.Duration `mapstructure:"process_interval"`
	CycleTimeout     time.Duration `mapstructure:"cycle_timeout"`
	StaleAfter       time.Duration `mapstructure:"stale_after"`
	MinClientVersion string        `mapstructure:"min_client_version"`
	Backoff          BackoffConfig `mapstructure:"backoff"`
}

// BreakerConfig controls automatic shard health marking.
type BreakerConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Threshold int           `mapstructure:"threshold"`
	Cooldown  time.Duration `mapstructure:"cooldown"`
}

type CollabConfig struct {
	SpeciesURL    string        `mapstructure:"species_url"`
	FossilURL     string        `mapstructure:"fossil_url"`
	CollectionURL string        `mapstructure:"collection_url"`
	Timeout       time.Duration `mapstructure:"timeout"`
	// Policies maps entity type to conflict policy name.
	Policies map[string]string `mapstructure:"policies"`
}

// RateLimitConfig bounds record submissions per user.
type RateLimitConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	Window            time.Duration `mapstructure:"window"`
}

type AdminConfig struct {
	// TokenHash is a bcrypt hash of the operator bearer token. Admin routes are
	// disabled when empty.
	TokenHash string `mapstructure:"token_hash"`
}

// Config holds the application's configuration, mapped from config.toml
type Config struct {
	Version    string
	ConfigPath string

	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Valkey    ValkeyConfig    `mapstructure:"valkey"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Collab    CollabConfig    `mapstructure:"collab"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Admin     AdminConfig     `mapstructure:"admin"`
}
