// internal/config/config.go
package config

import (
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Postgres PostgresConfig `yaml:"postgres"`
	NATS     NATSConfig     `yaml:"nats"`
	LevelDB  LevelDBConfig  `yaml:"leveldb"`
	Worker   WorkerConfig   `yaml:"worker"`
	Sync     SyncConfig     `yaml:"sync"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         string `yaml:"port" env:"REGSYNC_SERVER_PORT"`
	ReadTimeout  int    `yaml:"readTimeout" env:"REGSYNC_SERVER_READ_TIMEOUT"`
	WriteTimeout int    `yaml:"writeTimeout" env:"REGSYNC_SERVER_WRITE_TIMEOUT"`
}

// PostgresConfig holds PostgreSQL configuration
type PostgresConfig struct {
	URL string `yaml:"-" env:"REGSYNC_POSTGRES_URL,required"`
}

// NATSConfig holds NATS JetStream configuration
type NATSConfig struct {
	URL           string `yaml:"-" env:"REGSYNC_NATS_URL,required"`
	TasksStream   string `yaml:"tasksStream" env:"REGSYNC_NATS_TASKS_STREAM"`
	TasksSubject  string `yaml:"tasksSubject" env:"REGSYNC_NATS_TASKS_SUBJECT"`
	StatusStream  string `yaml:"statusStream" env:"REGSYNC_NATS_STATUS_STREAM"`
	StatusSubject string `yaml:"statusSubject" env:"REGSYNC_NATS_STATUS_SUBJECT"`
	QueueGroup    string `yaml:"queueGroup" env:"REGSYNC_NATS_QUEUE_GROUP"`
}

// LevelDBConfig holds the task log store configuration
type LevelDBConfig struct {
	Path string `yaml:"path" env:"REGSYNC_LEVELDB_PATH"`
	// LogRetention is how long task log chunks are kept, in hours
	LogRetention int `yaml:"logRetention" env:"REGSYNC_LEVELDB_LOG_RETENTION"`
}

// WorkerConfig holds runner configuration. Durations are in seconds.
type WorkerConfig struct {
	MaxWorkers         int `yaml:"maxWorkers" env:"REGSYNC_WORKER_MAX_WORKERS"`
	ShutdownTimeout    int `yaml:"shutdownTimeout" env:"REGSYNC_WORKER_SHUTDOWN_TIMEOUT"`
	TaskTimeout        int `yaml:"taskTimeout" env:"REGSYNC_WORKER_TASK_TIMEOUT"`
	MaxAttempts        int `yaml:"maxAttempts" env:"REGSYNC_WORKER_MAX_ATTEMPTS"`
	RetryDelay         int `yaml:"retryDelay" env:"REGSYNC_WORKER_RETRY_DELAY"`
	// StaleAfter must exceed StaleCheckInterval, the period at which runners
	// touch their running tasks
	StaleAfter         int `yaml:"staleAfter" env:"REGSYNC_WORKER_STALE_AFTER" validate:"gtfield=StaleCheckInterval"`
	StaleCheckInterval int `yaml:"staleCheckInterval" env:"REGSYNC_WORKER_STALE_CHECK_INTERVAL"`
}

// SyncConfig lists the system tasks the service keeps alive
type SyncConfig struct {
	ChangesStreamTarget string   `yaml:"changesStreamTarget" env:"REGSYNC_SYNC_CHANGES_STREAM_TARGET"`
	Binaries            []string `yaml:"binaries" env:"REGSYNC_SYNC_BINARIES" envSeparator:","`
}

// LogConfig holds logger configuration
type LogConfig struct {
	Level       string `yaml:"level" env:"REGSYNC_LOG_LEVEL"`
	Development bool   `yaml:"development" env:"REGSYNC_LOG_DEVELOPMENT"`
}

// Default configuration values
const (
	DefaultServerPort         = "8080"
	DefaultServerReadTimeout  = 30
	DefaultServerWriteTimeout = 30
	DefaultMaxWorkers         = 10
	DefaultShutdownTimeout    = 30
	DefaultTaskTimeout        = 600
	DefaultMaxAttempts        = 3
	DefaultRetryDelay         = 5
	DefaultStaleAfter         = 900
	DefaultStaleCheckInterval = 60
	DefaultLevelDBPath        = "./data/leveldb"
	DefaultLogRetention       = 72
	DefaultTasksStream        = "REGSYNC_TASKS"
	DefaultTasksSubject       = "regsync.tasks"
	DefaultStatusStream       = "REGSYNC_STATUS"
	DefaultStatusSubject      = "regsync.status"
	DefaultQueueGroup         = "regsync-workers"
	DefaultLogLevel           = "info"
)

// Load reads the YAML file at configPath, applies REGSYNC_* environment
// overrides and fills every unset value with its default
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.Wrap(err, "failed to parse config")
	}

	// Environment variables override values from the file; the postgres and
	// nats URLs are only accepted from the environment
	if err := env.Parse(&config); err != nil {
		return nil, errors.Wrap(err, "failed to parse environment")
	}

	config.applyDefaults()

	if err := validator.New().Struct(&config); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	return &config, nil
}

func (c *Config) applyDefaults() {
	setDefault(&c.Server.Port, DefaultServerPort)
	setDefault(&c.Server.ReadTimeout, DefaultServerReadTimeout)
	setDefault(&c.Server.WriteTimeout, DefaultServerWriteTimeout)

	setDefault(&c.NATS.TasksStream, DefaultTasksStream)
	setDefault(&c.NATS.TasksSubject, DefaultTasksSubject)
	setDefault(&c.NATS.StatusStream, DefaultStatusStream)
	setDefault(&c.NATS.StatusSubject, DefaultStatusSubject)
	setDefault(&c.NATS.QueueGroup, DefaultQueueGroup)

	setDefault(&c.LevelDB.Path, DefaultLevelDBPath)
	setDefault(&c.LevelDB.LogRetention, DefaultLogRetention)

	setDefault(&c.Worker.MaxWorkers, DefaultMaxWorkers)
	setDefault(&c.Worker.ShutdownTimeout, DefaultShutdownTimeout)
	setDefault(&c.Worker.TaskTimeout, DefaultTaskTimeout)
	setDefault(&c.Worker.MaxAttempts, DefaultMaxAttempts)
	setDefault(&c.Worker.RetryDelay, DefaultRetryDelay)
	setDefault(&c.Worker.StaleAfter, DefaultStaleAfter)
	setDefault(&c.Worker.StaleCheckInterval, DefaultStaleCheckInterval)

	setDefault(&c.Log.Level, DefaultLogLevel)
}

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}

// Seconds converts a configured number of seconds to a duration
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
