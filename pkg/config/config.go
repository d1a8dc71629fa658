package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App        AppConfig
	Worker     WorkerConfig
	DB         DBConfig
	Redis      RedisConfig
	Kafka      KafkaConfig
	ClickHouse ClickHouseConfig
	Celery     CeleryConfig
	JobQueue   JobQueueConfig
	Scheduler  SchedulerConfig
	GeoIP      GeoIPConfig
}

// Load reads the full configuration from the environment, merging built-in
// defaults. The returned value is treated as immutable for the process
// lifetime.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	LogLevel         string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat        string `envconfig:"LOG_FORMAT" default:"json"`
	HealthPort       string `envconfig:"HEALTH_PORT" default:"6738"`
	IngestionEnabled bool   `envconfig:"PLUGIN_SERVER_INGESTION" default:"true"`
}

type WorkerConfig struct {
	Concurrency    int `envconfig:"WORKER_CONCURRENCY" default:"8"`
	TasksPerWorker int `envconfig:"TASKS_PER_WORKER" default:"10"`
	TaskTimeoutSec int `envconfig:"TASK_TIMEOUT" default:"30"`
}

// TaskTimeout returns the per-task deadline.
func (w WorkerConfig) TaskTimeout() time.Duration {
	return time.Duration(w.TaskTimeoutSec) * time.Second
}

// PoolCapacity is the maximum number of in-flight pipeline tasks the process
// admits; the consumer pauses the broker at this watermark.
func (w WorkerConfig) PoolCapacity() int {
	return w.Concurrency * w.TasksPerWorker
}

type DBConfig struct {
	URL             string        `envconfig:"DATABASE_URL" required:"true"`
	MaxOpenConns    int           `envconfig:"DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"REDIS_URL" default:"redis://127.0.0.1:6379"`
	PoolMinSize  int           `envconfig:"REDIS_POOL_MIN_SIZE" default:"1"`
	PoolMaxSize  int           `envconfig:"REDIS_POOL_MAX_SIZE" default:"3"`
	DialTimeout  time.Duration `envconfig:"REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"REDIS_WRITE_TIMEOUT" default:"5s"`
}

type KafkaConfig struct {
	Enabled          bool   `envconfig:"KAFKA_ENABLED" default:"true"`
	Hosts            string `envconfig:"KAFKA_HOSTS" default:"kafka:9092"`
	ClientCertB64    string `envconfig:"KAFKA_CLIENT_CERT_B64"`
	ClientCertKeyB64 string `envconfig:"KAFKA_CLIENT_CERT_KEY_B64"`
	TrustedCertB64   string `envconfig:"KAFKA_TRUSTED_CERT_B64"`

	ConsumptionTopic      string `envconfig:"KAFKA_CONSUMPTION_TOPIC" default:"events_ingestion_handoff"`
	GroupID               string `envconfig:"KAFKA_GROUP_ID" default:"plugin-server-ingestion"`
	EventsTopic           string `envconfig:"KAFKA_EVENTS_TOPIC" default:"clickhouse_events_json"`
	SessionRecordingTopic string `envconfig:"KAFKA_SESSION_RECORDING_TOPIC" default:"clickhouse_session_recording_events"`
	PersonTopic           string `envconfig:"KAFKA_PERSON_TOPIC" default:"person"`
	PersonUniqueIDTopic   string `envconfig:"KAFKA_PERSON_UNIQUE_ID_TOPIC" default:"person_unique_id"`

	FlushBatchSize int           `envconfig:"KAFKA_FLUSH_BATCH_SIZE" default:"20"`
	FlushInterval  time.Duration `envconfig:"KAFKA_FLUSH_INTERVAL" default:"500ms"`
}

// HostList splits KAFKA_HOSTS into broker addresses.
func (k KafkaConfig) HostList() []string {
	parts := strings.Split(k.Hosts, ",")
	hosts := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			hosts = append(hosts, trimmed)
		}
	}
	return hosts
}

// TLSConfigured reports whether client certificate material was supplied.
func (k KafkaConfig) TLSConfigured() bool {
	return k.ClientCertB64 != "" && k.ClientCertKeyB64 != "" && k.TrustedCertB64 != ""
}

type ClickHouseConfig struct {
	Host     string `envconfig:"CLICKHOUSE_HOST" default:"localhost"`
	Database string `envconfig:"CLICKHOUSE_DATABASE" default:"default"`
	User     string `envconfig:"CLICKHOUSE_USER" default:"default"`
	Password string `envconfig:"CLICKHOUSE_PASSWORD"`
	CA       string `envconfig:"CLICKHOUSE_CA"`
	Secure   bool   `envconfig:"CLICKHOUSE_SECURE" default:"false"`
}

type CeleryConfig struct {
	PluginsQueue string `envconfig:"PLUGINS_CELERY_QUEUE" default:"plugins"`
	DefaultQueue string `envconfig:"CELERY_DEFAULT_QUEUE" default:"celery"`
	IngestedTask string `envconfig:"CELERY_INGESTED_TASK" default:"events.process_ingested_event"`
}

type JobQueueConfig struct {
	GraphileSchema string        `envconfig:"JOB_QUEUE_GRAPHILE_SCHEMA" default:"graphile_worker"`
	GraphileURL    string        `envconfig:"JOB_QUEUE_GRAPHILE_URL"`
	BatchSize      int           `envconfig:"JOB_QUEUE_BATCH_SIZE" default:"20"`
	PollInterval   time.Duration `envconfig:"JOB_QUEUE_POLL_INTERVAL" default:"1s"`
	MaxAttempts    int           `envconfig:"JOB_QUEUE_MAX_ATTEMPTS" default:"5"`
}

type SchedulerConfig struct {
	LockTTL time.Duration `envconfig:"SCHEDULE_LOCK_TTL" default:"60s"`
}

type GeoIPConfig struct {
	DisableMMDB bool   `envconfig:"DISABLE_MMDB" default:"false"`
	MMDBPath    string `envconfig:"MMDB_FILE_LOCATION" default:"share/GeoLite2-City.mmdb"`
}

func (c *Config) finalize() error {
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive")
	}
	if c.Worker.TasksPerWorker <= 0 {
		return fmt.Errorf("TASKS_PER_WORKER must be positive")
	}
	if c.Worker.TaskTimeoutSec <= 0 {
		return fmt.Errorf("TASK_TIMEOUT must be positive")
	}
	if c.Kafka.Enabled && len(c.Kafka.HostList()) == 0 {
		return fmt.Errorf("KAFKA_HOSTS is required when KAFKA_ENABLED is set")
	}
	if c.JobQueue.GraphileURL == "" {
		c.JobQueue.GraphileURL = c.DB.URL
	}
	return nil
}
