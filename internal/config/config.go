package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
)

// Config holds everything the server reads from the environment
type Config struct {
	Server      ServerConfig
	DB          DBConfig
	Redis       RedisConfig
	Auth        AuthConfig
	Session     SessionConfig
	Persistence PersistenceConfig

	// Observability
	JaegerEndpoint    string  `envconfig:"JAEGER_ENDPOINT" default:"http://localhost:14268/api/traces"`
	JaegerSampleRatio float64 `envconfig:"JAEGER_SAMPLE_RATIO" default:"1"`
	LogLevel          string  `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat         string  `envconfig:"LOG_FORMAT" default:"console"` // console or json
}

type ServerConfig struct {
	Host            string        `envconfig:"SERVER_HOST" default:"localhost"`
	Port            string        `envconfig:"SERVER_PORT" default:"8080"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

type DBConfig struct {
	Host     string `envconfig:"DB_HOST" default:"localhost"`
	Port     string `envconfig:"DB_PORT" default:"5432"`
	User     string `envconfig:"DB_USER" default:"postgres"`
	Password string `envconfig:"DB_PASSWORD" default:"postgres"`
	Name     string `envconfig:"DB_NAME" default:"vtt_sync"`
	SSLMode  string `envconfig:"DB_SSLMODE" default:"disable"`
	LogSQL   bool   `envconfig:"DB_LOG_SQL" default:"false"`
}

// RedisConfig configures the snapshot cache; an empty Addr disables it
type RedisConfig struct {
	Addr        string        `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	Password    string        `envconfig:"REDIS_PASSWORD"`
	DB          int           `envconfig:"REDIS_DB" default:"0"`
	SnapshotTTL time.Duration `envconfig:"REDIS_SNAPSHOT_TTL" default:"24h"`
}

type AuthConfig struct {
	JWTSecret string `envconfig:"JWT_SECRET"`
	// Disabled trusts the user_id query parameter; local development only
	Disabled bool `envconfig:"AUTH_DISABLED" default:"false"`
}

type SessionConfig struct {
	ApprovalTimeout  time.Duration `envconfig:"APPROVAL_TIMEOUT" default:"30s"`
	HeartbeatTimeout time.Duration `envconfig:"GM_HEARTBEAT_TIMEOUT" default:"90s"`
	GracePeriod      time.Duration `envconfig:"GM_GRACE_PERIOD" default:"10m"`
	QueueMaxSize     int           `envconfig:"QUEUE_MAX_SIZE" default:"100"`
	QueueMaxAge      time.Duration `envconfig:"QUEUE_MAX_AGE" default:"5m"`
	OutboxSize       int           `envconfig:"OUTBOX_SIZE" default:"256"`
	HistoryLimit     int           `envconfig:"HISTORY_LIMIT" default:"128"`
	MailboxSize      int           `envconfig:"MAILBOX_SIZE" default:"64"`
	SweepInterval    time.Duration `envconfig:"SWEEP_INTERVAL" default:"5s"`
}

type PersistenceConfig struct {
	Workers      int           `envconfig:"PERSIST_WORKERS" default:"4"`
	QueueSize    int           `envconfig:"PERSIST_QUEUE_SIZE" default:"1024"`
	KeepBatches  int           `envconfig:"PERSIST_KEEP_BATCHES" default:"1000"`
	WriteTimeout time.Duration `envconfig:"PERSIST_WRITE_TIMEOUT" default:"5s"`
}

// Load reads .env (if present) and then the process environment
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}

	if cfg.Auth.JWTSecret == "" && !cfg.Auth.Disabled {
		return nil, errors.New("JWT_SECRET is required unless AUTH_DISABLED=true")
	}
	if cfg.Session.QueueMaxSize <= 0 || cfg.Session.OutboxSize <= 0 {
		return nil, errors.New("QUEUE_MAX_SIZE and OUTBOX_SIZE must be positive")
	}

	return &cfg, nil
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host, c.DB.Port, c.DB.User, c.DB.Password, c.DB.Name, c.DB.SSLMode)
}

func (c *Config) ServerAddr() string {
	return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
}
