package config

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Env        string `env:"ENV" env-default:"local"`
	Port       int    `env:"PORT" env-default:"8080"`
	GRPCPort   int    `env:"GRPC_PORT" env-default:"9090"`
	SigningKey string `env:"EVENT_SIGNING_KEY"`

	Log        LogConfig
	Database   DatabaseConfig
	RunLog     RunLogConfig
	Bus        BusConfig
	OpenAI     OpenAIConfig
	Chat       ChatConfig
	Transcript TranscriptConfig
}

type LogConfig struct {
	Level string `env:"LOG_LEVEL" env-default:"info"`
	JSON  bool   `env:"LOG_JSON" env-default:"false"`
}

type DatabaseConfig struct {
	User     string `env:"DB_USER"`
	Password string `env:"DB_PASSWORD"`
	Host     string `env:"DB_HOST" env-default:"localhost"`
	Name     string `env:"DB_NAME"`
	Port     int    `env:"DB_PORT" env-default:"5432"`
	SSLMode  string `env:"DB_SSLMODE" env-default:"disable"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s password=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Name, d.Password, d.SSLMode)
}

type RunLogConfig struct {
	// URL is a postgres:// connection string for the engine's own run and step log.
	// Empty keeps the log in memory, which only survives within one process.
	URL        string        `env:"RUNLOG_DATABASE_URL"`
	Retention  time.Duration `env:"RUN_RETENTION" env-default:"168h"`
	PruneEvery time.Duration `env:"RUN_PRUNE_INTERVAL" env-default:"1h"`
}

type BusConfig struct {
	Driver      string        `env:"BUS_DRIVER" env-default:"nats"`
	NatsURL     string        `env:"NATS_URL" env-default:"nats://127.0.0.1:4222"`
	Stream      string        `env:"BUS_STREAM" env-default:"WORKFLOWS"`
	Consumer    string        `env:"BUS_CONSUMER" env-default:"workflow-engine"`
	Workers     int           `env:"BUS_WORKERS" env-default:"8"`
	QueueSize   int           `env:"BUS_QUEUE_SIZE" env-default:"64"`
	MaxAttempts int           `env:"BUS_MAX_ATTEMPTS" env-default:"4"`
	BaseBackoff time.Duration `env:"BUS_BASE_BACKOFF" env-default:"2s"`
	MaxBackoff  time.Duration `env:"BUS_MAX_BACKOFF" env-default:"1m"`
	AckWait     time.Duration `env:"BUS_ACK_WAIT" env-default:"5m"`
}

type OpenAIConfig struct {
	APIKey     string        `env:"OPENAI_API_KEY"`
	BaseURL    string        `env:"OPENAI_BASE_URL"`
	Model      string        `env:"OPENAI_MODEL" env-default:"gpt-4o-mini"`
	Timeout    time.Duration `env:"OPENAI_TIMEOUT" env-default:"60s"`
	MaxRetries int           `env:"OPENAI_MAX_RETRIES" env-default:"2"`
}

type ChatConfig struct {
	APIKey       string        `env:"STREAM_API_KEY"`
	APISecret    string        `env:"STREAM_API_SECRET"`
	BaseURL      string        `env:"STREAM_BASE_URL" env-default:"https://chat.stream-io-api.com"`
	ChannelType  string        `env:"STREAM_CHANNEL_TYPE" env-default:"messaging"`
	HistoryLimit int           `env:"CHAT_HISTORY_LIMIT" env-default:"5"`
	Timeout      time.Duration `env:"STREAM_TIMEOUT" env-default:"15s"`
	AvatarURL    string        `env:"AVATAR_BASE_URL" env-default:"https://api.dicebear.com/9.x"`
	AvatarStyle  string        `env:"AVATAR_STYLE" env-default:"bottts-neutral"`
}

type TranscriptConfig struct {
	Timeout  time.Duration `env:"TRANSCRIPT_TIMEOUT" env-default:"30s"`
	PoolSize int           `env:"TRANSCRIPT_POOL_SIZE" env-default:"16"`
}

func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic("failed to read environment variables: " + err.Error())
	}
	return cfg
}

func Load() (*Config, error) {
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, err
	}
	if cfg.Bus.Driver != "nats" && cfg.Bus.Driver != "memory" {
		return nil, fmt.Errorf("unknown BUS_DRIVER %q", cfg.Bus.Driver)
	}
	if cfg.Bus.MaxAttempts < 1 {
		return nil, fmt.Errorf("BUS_MAX_ATTEMPTS must be positive")
	}
	return &cfg, nil
}
