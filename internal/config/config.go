package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "CONTEST_"

// ServerConfig holds configuration for the contest server.
type ServerConfig struct {
	Addr      string `yaml:"addr"`       // Listen address (default ":8000")
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text, json
	DBPath    string `yaml:"db_path"`    // SQLite path (default ~/.contestd/contest.db, ":memory:" for testing)

	Dataset            string        `yaml:"dataset"`              // directory or s3://bucket/prefix of task JSON files
	MaxTasks           int           `yaml:"max_tasks"`            // pool size cap applied when seeding
	DefaultMaxAttempts int           `yaml:"default_max_attempts"` // per-task attempt limit when the item has none
	TaskInterval       time.Duration `yaml:"task_interval"`        // scheduler tick interval
	TaskStagger        time.Duration `yaml:"task_stagger"`         // eligibility offset between consecutive tasks

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	QueueCapacity     int           `yaml:"queue_capacity"` // per-team offline queue bound
	QueueBackend      string        `yaml:"queue_backend"`  // memory, redis

	Redis RedisConfig `yaml:"redis"`
	Kafka KafkaConfig `yaml:"kafka"`
	Auth  AuthConfig  `yaml:"auth"`

	CORSOrigins []string `yaml:"cors_origins"`
}

// RedisConfig configures the redis-backed offline queue.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// KafkaConfig configures the issuance event stream. Empty Brokers disables it.
type KafkaConfig struct {
	Brokers string `yaml:"brokers"` // comma-separated
	Topic   string `yaml:"topic"`
}

// AuthConfig configures token issuance and the admin endpoints.
type AuthConfig struct {
	Secret   string        `yaml:"secret"`
	TokenTTL time.Duration `yaml:"token_ttl"`
	Issuer   string        `yaml:"issuer"`
	AdminKey string        `yaml:"admin_key"` // empty disables admin endpoints
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:               ":8000",
		LogLevel:           "info",
		LogFormat:          "text",
		Dataset:            "dataset",
		MaxTasks:           50,
		DefaultMaxAttempts: 3,
		TaskInterval:       30 * time.Second,
		HeartbeatInterval:  30 * time.Second,
		QueueCapacity:      100,
		QueueBackend:       "memory",
		Redis:              RedisConfig{Addr: "localhost:6379"},
		Kafka:              KafkaConfig{Topic: "contest-events"},
		Auth: AuthConfig{
			TokenTTL: time.Hour,
			Issuer:   "contestd",
		},
		CORSOrigins: []string{"*"},
	}
}

// Load builds the configuration from defaults, then the YAML file at path
// (skipped when path is empty), then .env files, then CONTEST_* environment
// variables. With no envFiles, a .env in the working directory is loaded if
// present. Variables already set in the environment win over .env values.
func Load(path string, envFiles ...string) (ServerConfig, error) {
	cfg := DefaultServerConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if len(envFiles) == 0 {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return cfg, fmt.Errorf("load .env: %w", err)
		}
	} else if err := godotenv.Load(envFiles...); err != nil {
		return cfg, fmt.Errorf("load env files: %w", err)
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations the server cannot run with.
func (c ServerConfig) Validate() error {
	var errs []error
	if c.MaxTasks <= 0 {
		errs = append(errs, errors.New("max_tasks must be positive"))
	}
	if c.DefaultMaxAttempts <= 0 {
		errs = append(errs, errors.New("default_max_attempts must be positive"))
	}
	if c.TaskInterval <= 0 {
		errs = append(errs, errors.New("task_interval must be positive"))
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("heartbeat_interval must be positive"))
	}
	if c.QueueCapacity <= 0 {
		errs = append(errs, errors.New("queue_capacity must be positive"))
	}
	switch c.QueueBackend {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("unknown queue_backend %q", c.QueueBackend))
	}
	return errors.Join(errs...)
}

func applyEnv(cfg *ServerConfig) error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			*dst = v
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = d
		}
	}

	str("ADDR", &cfg.Addr)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("LOG_FORMAT", &cfg.LogFormat)
	str("DB_PATH", &cfg.DBPath)
	str("DATASET", &cfg.Dataset)
	num("MAX_TASKS", &cfg.MaxTasks)
	num("DEFAULT_MAX_ATTEMPTS", &cfg.DefaultMaxAttempts)
	dur("TASK_INTERVAL", &cfg.TaskInterval)
	dur("TASK_STAGGER", &cfg.TaskStagger)
	dur("HEARTBEAT_INTERVAL", &cfg.HeartbeatInterval)
	num("QUEUE_CAPACITY", &cfg.QueueCapacity)
	str("QUEUE_BACKEND", &cfg.QueueBackend)
	str("REDIS_ADDR", &cfg.Redis.Addr)
	str("REDIS_PASSWORD", &cfg.Redis.Password)
	num("REDIS_DB", &cfg.Redis.DB)
	str("KAFKA_BROKERS", &cfg.Kafka.Brokers)
	str("KAFKA_TOPIC", &cfg.Kafka.Topic)
	str("JWT_SECRET", &cfg.Auth.Secret)
	dur("TOKEN_TTL", &cfg.Auth.TokenTTL)
	str("TOKEN_ISSUER", &cfg.Auth.Issuer)
	str("ADMIN_KEY", &cfg.Auth.AdminKey)

	if v, ok := os.LookupEnv(EnvPrefix + "CORS_ORIGINS"); ok {
		cfg.CORSOrigins = SplitCSV(v)
	}
	return errors.Join(errs...)
}

// SplitCSV splits a comma-separated list, trimming blanks.
func SplitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
