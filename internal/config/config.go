package config

import (
	"bytes"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/flurbudurbur/fieldsync/internal/domain"
	"github.com/flurbudurbur/fieldsync/internal/logger"
	"github.com/flurbudurbur/fieldsync/pkg/errors"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

var configTemplate = `# config.toml

[server]
  # Hostname or IP address for the server to listen on.
  # Default: "{{ .host }}"
  host = "{{ .host }}"

  # Port for the server to listen on.
  # Default: 8383
  port = 8383

  # Base URL when served under a subdirectory.
  # Default: ""
  #base_url = ""

[database]
  # Supported: "sqlite", "postgres"
  # Default: "sqlite"
  type = "sqlite"

  # Maximum open connections. Forced to 1 for sqlite.
  # Default: 25
  max_open_conns = 25

  [database.postgres]
    host = "localhost"
    port = 5432
    database = "fieldsync"
    user = "postgres"
    pass = "postgres"
    # Options: "disable", "allow", "prefer", "require", "verify-ca", "verify-full"
    ssl_mode = "disable"

[logging]
  # Log directory. Logs go to stderr only when empty.
  # Default: ""
  path = "log/"

  # Options: "ERROR", "WARN", "INFO", "DEBUG", "TRACE"
  # Default: "DEBUG"
  level = "DEBUG"

  # Default: 50
  max_file_size = 50

  # Default: 3
  max_backup_count = 3

[valkey]
  # Default: "localhost:6379"
  address = "localhost:6379"
  password = ""
  db = 0

[queue]
  # Publish record pointers to the Valkey stream and consume them.
  # Default: true
  enabled = true
  stream = "sync.records"
  group = "sync-workers"
  # Consumer name inside the group. Defaults to the hostname.
  consumer = "{{ .consumer }}"
  read_count = 100
  block = "5s"
  max_len = 100000
  relay_interval = "5s"
  relay_batch = 500

[sync]
  # Number of shard tables. Fixed for the life of a deployment.
  # Default: 256
  shard_count = 256

  # Processing attempts per record before it is marked failed.
  # Default: 3
  max_retry_attempts = 3

  # Pending records fetched per shard per cycle.
  # Default: 1000
  batch_size = 1000

  # Interval of the periodic processing cycle.
  # Default: "1m"
  process_interval = "1m"

  # Deadline of one processing cycle.
  # Default: "10m"
  cycle_timeout = "10m"

  # Records stuck in processing longer than this are returned to pending.
  # Default: "15m"
  stale_after = "15m"

  # Clients sending an older X-Client-Version get 426.
  # Default: "" (disabled)
  min_client_version = ""

  [sync.backoff]
    initial_interval = "500ms"
    max_interval = "1m"
    multiplier = 1.5
    max_elapsed_time = "5m"

[breaker]
  # Mark a shard unhealthy after repeated shard level failures.
  # Default: true
  enabled = true
  threshold = 5
  cooldown = "2m"

[collab]
  # Base URLs of the collaborating services. Records are accepted without a
  # remote check when a URL is empty.
  species_url = ""
  fossil_url = ""
  collection_url = ""
  timeout = "10s"

  # Conflict policy per entity type.
  # Options: "server_wins", "client_wins", "last_write_wins", "manual"
  [collab.policies]
    species = "last_write_wins"
    fossil = "server_wins"
    collection = "client_wins"

[ratelimit]
  # Per-user limit on record submissions, counted in Valkey when the queue is
  # enabled and in process otherwise.
  # Default: true
  enabled = true
  requests_per_minute = 120
  window = "1m"

[admin]
  # bcrypt hash of the operator bearer token. Admin routes are disabled when empty.
  # Generate with: fieldsync hash-token <token>
  token_hash = ""
`

func writeConfig(configPath string, configFile string) error {
	cfgPath := filepath.Join(configPath, configFile)

	if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(configPath, os.ModePerm); err != nil {
			log.Println(err)
			return err
		}
	}

	if _, err := os.Stat(cfgPath); !errors.Is(err, os.ErrNotExist) {
		return nil
	}

	host := "127.0.0.1"
	if _, err := os.Stat("/.dockerenv"); err == nil {
		host = "0.0.0.0"
	} else if b, err := os.ReadFile("/proc/1/cgroup"); err == nil {
		if strings.Contains(string(b), "/docker") || strings.Contains(string(b), "/lxc") {
			host = "0.0.0.0"
		}
	}

	consumer, err := os.Hostname()
	if err != nil || consumer == "" {
		consumer = "fieldsync"
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return errors.Wrap(err, "could not create config template")
	}

	var buffer bytes.Buffer
	if err := tmpl.Execute(&buffer, map[string]string{"host": host, "consumer": consumer}); err != nil {
		return errors.Wrap(err, "could not write config template output")
	}

	if err := os.WriteFile(cfgPath, buffer.Bytes(), 0644); err != nil {
		log.Printf("error writing contents to file: %v %q", configPath, err)
		return err
	}

	return nil
}

type Config interface {
	Current() *domain.Config
	DynamicReload(log logger.Logger)
}

type AppConfig struct {
	Config *domain.Config
	m      sync.RWMutex
	v      *viper.Viper

	onReload []func(*domain.Config)
}

func New(configPath string, version string) *AppConfig {
	c := &AppConfig{v: viper.New()}
	c.defaults()
	c.Config.Version = version
	c.Config.ConfigPath = configPath

	c.load(configPath)

	return c
}

// Defaults returns the built-in configuration used when a key is absent from config.toml.
func Defaults() *domain.Config {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "fieldsync"
	}

	return &domain.Config{
		Version: "dev",
		Server: domain.ServerConfig{
			Host: "127.0.0.1",
			Port: 8383,
		},
		Database: domain.DatabaseConfig{
			Type:         "sqlite",
			MaxOpenConns: 25,
			Postgres: domain.PostgresConfig{
				Host:     "localhost",
				Port:     5432,
				Database: "fieldsync",
				User:     "postgres",
				Pass:     "postgres",
				SslMode:  "disable",
			},
		},
		Logging: domain.LoggingConfig{
			Level:          "DEBUG",
			MaxFileSize:    50,
			MaxBackupCount: 3,
		},
		Valkey: domain.ValkeyConfig{
			Address: "localhost:6379",
		},
		Queue: domain.QueueConfig{
			Enabled:       true,
			Stream:        domain.SyncRecordsTopic,
			Group:         "sync-workers",
			Consumer:      hostname,
			ReadCount:     100,
			Block:         5 * time.Second,
			MaxLen:        100000,
			RelayInterval: 5 * time.Second,
			RelayBatch:    500,
		},
		Sync: domain.SyncConfig{
			ShardCount:       domain.DefaultShardCount,
			MaxRetryAttempts: domain.DefaultMaxRetryAttempts,
			BatchSize:        domain.MaxBatchSize,
			ProcessInterval:  time.Minute,
			CycleTimeout:     10 * time.Minute,
			StaleAfter:       15 * time.Minute,
			Backoff: domain.BackoffConfig{
				InitialInterval: 500 * time.Millisecond,
				MaxInterval:     time.Minute,
				Multiplier:      1.5,
				MaxElapsedTime:  5 * time.Minute,
			},
		},
		Breaker: domain.BreakerConfig{
			Enabled:   true,
			Threshold: 5,
			Cooldown:  2 * time.Minute,
		},
		RateLimit: domain.RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 120,
			Window:            time.Minute,
		},
		Collab: domain.CollabConfig{
			Timeout: 10 * time.Second,
			Policies: map[string]string{
				string(domain.EntityTypeSpecies):    "last_write_wins",
				string(domain.EntityTypeFossil):     "server_wins",
				string(domain.EntityTypeCollection): "client_wins",
			},
		},
	}
}

func (c *AppConfig) defaults() {
	c.Config = Defaults()
}

func (c *AppConfig) load(configPath string) {
	c.v.SetConfigType("toml")

	if configPath != "" {
		configPath = path.Clean(configPath)
		if err := writeConfig(configPath, "config.toml"); err != nil {
			log.Printf("writeConfig error during load: %q", err)
		}
		c.v.SetConfigFile(path.Join(configPath, "config.toml"))
	} else {
		c.v.SetConfigName("config")
		c.v.AddConfigPath(".")
		c.v.AddConfigPath("$HOME/.config/fieldsync")
	}

	if err := c.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Printf("Config file not found, using defaults")
		} else {
			log.Printf("Config read error: %q. Using defaults.", err)
		}
	}

	if err := c.v.Unmarshal(c.Config); err != nil {
		log.Fatalf("Could not unmarshal config file into struct: %v. Config file used: %s", err, c.v.ConfigFileUsed())
	}
}

// Current returns the active configuration. The returned value must not be modified.
func (c *AppConfig) Current() *domain.Config {
	c.m.RLock()
	defer c.m.RUnlock()
	return c.Config
}

// OnReload registers fn to run with the new configuration after each successful reload.
func (c *AppConfig) OnReload(fn func(*domain.Config)) {
	c.m.Lock()
	c.onReload = append(c.onReload, fn)
	c.m.Unlock()
}

// reload re-reads the file on top of the defaults. Version and config path are kept.
func (c *AppConfig) reload() (*domain.Config, error) {
	if err := c.v.ReadInConfig(); err != nil {
		return nil, errors.Wrap(err, "could not read config file")
	}

	next := Defaults()
	if err := c.v.Unmarshal(next); err != nil {
		return nil, errors.Wrap(err, "could not unmarshal config")
	}

	c.m.Lock()
	next.Version = c.Config.Version
	next.ConfigPath = c.Config.ConfigPath
	if next.Sync.ShardCount != c.Config.Sync.ShardCount {
		// shard placement is fixed for the life of the process
		next.Sync.ShardCount = c.Config.Sync.ShardCount
	}
	c.Config = next
	hooks := append([]func(*domain.Config){}, c.onReload...)
	c.m.Unlock()

	for _, fn := range hooks {
		fn(next)
	}

	return next, nil
}

func (c *AppConfig) DynamicReload(log logger.Logger) {
	c.v.OnConfigChange(func(e fsnotify.Event) {
		log.Info().Msgf("Config file changed: %s. Reloading configuration.", e.Name)

		cfg, err := c.reload()
		if err != nil {
			log.Error().Err(err).Msg("Error during dynamic config reload")
			return
		}

		log.SetLogLevel(cfg.Logging.Level)

		log.Debug().Msg("Configuration reloaded successfully!")
	})
	c.v.WatchConfig()
}
