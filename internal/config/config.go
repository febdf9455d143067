package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultPollInterval = 100 * time.Millisecond
	DefaultBatchSize    = 100
	DefaultMaxRetries   = 3
	DefaultBackoffBase  = 1 * time.Second

	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

// Config is the merged configuration for all courier processes. Each
// subcommand reads only its own sections.
type Config struct {
	HTTPAddr    string `mapstructure:"http_addr"`
	GatewayAddr string `mapstructure:"gateway_addr"`
	OpsAddr     string `mapstructure:"ops_addr"`

	DB      DB        `mapstructure:"db"`
	Redis   Redis     `mapstructure:"redis"`
	Outbox  Outbox    `mapstructure:"outbox"`
	Events  Events    `mapstructure:"events"`
	Gateway Gateway   `mapstructure:"gateway"`
	Log     Log       `mapstructure:"log"`
	Otel    Telemetry `mapstructure:"otel"`

	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl"`
}

type DB struct {
	DSN string `mapstructure:"dsn"`
}

type Redis struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type Outbox struct {
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	BatchSize     int           `mapstructure:"batch_size"`
	MaxRetries    int           `mapstructure:"max_retries"`
	BackoffPolicy string        `mapstructure:"backoff_policy"`
	BackoffBase   time.Duration `mapstructure:"backoff_base"`
}

type Events struct {
	// Sink selects the publish target: kafka|redis|none.
	Sink         string   `mapstructure:"sink"`
	KafkaBrokers []string `mapstructure:"kafka_brokers"`
	KafkaTopic   string   `mapstructure:"kafka_topic"`
	KafkaGroup   string   `mapstructure:"kafka_group"`
	RedisStream  string   `mapstructure:"redis_stream"`
}

type Gateway struct {
	WriteWait  time.Duration `mapstructure:"write_wait"`
	PongWait   time.Duration `mapstructure:"pong_wait"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
}

type Log struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

type Telemetry struct {
	Enabled      bool    `mapstructure:"enabled"`
	CollectorURL string  `mapstructure:"collector_url"`
	ServiceName  string  `mapstructure:"service_name"`
	Environment  string  `mapstructure:"environment"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
}

// Load reads the optional config file and environment overrides
// (COURIER_ prefix, dots and dashes mapped to underscores).
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("COURIER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", cfgFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) GetHTTPAddr() string {
	if c.HTTPAddr == "" {
		return ":8080"
	}
	return c.HTTPAddr
}

func (c *Config) GetGatewayAddr() string {
	if c.GatewayAddr == "" {
		return ":8081"
	}
	return c.GatewayAddr
}

func (c *Config) GetOpsAddr() string {
	if c.OpsAddr == "" {
		return ":9090"
	}
	return c.OpsAddr
}

func (c *Config) GetRedisAddr() string {
	if c.Redis.Addr == "" {
		return "localhost:6379"
	}
	return c.Redis.Addr
}

func (c *Config) GetIdempotencyTTL() time.Duration {
	if c.IdempotencyTTL <= 0 {
		return 24 * time.Hour
	}
	return c.IdempotencyTTL
}

func (o Outbox) GetPollInterval() time.Duration {
	if o.PollInterval <= 0 {
		return DefaultPollInterval
	}
	return o.PollInterval
}

func (o Outbox) GetBatchSize() int {
	if o.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return o.BatchSize
}

func (o Outbox) GetMaxRetries() int {
	if o.MaxRetries <= 0 {
		return DefaultMaxRetries
	}
	return o.MaxRetries
}

// GetBackoffPolicy normalizes the retry backoff policy. The relay does not
// guess: anything other than "exponential" means a flat interval.
func (o Outbox) GetBackoffPolicy() string {
	if strings.EqualFold(o.BackoffPolicy, BackoffExponential) {
		return BackoffExponential
	}
	return BackoffFixed
}

func (o Outbox) GetBackoffBase() time.Duration {
	if o.BackoffBase <= 0 {
		return DefaultBackoffBase
	}
	return o.BackoffBase
}

func (e Events) GetSink() string {
	switch strings.ToLower(e.Sink) {
	case "kafka":
		return "kafka"
	case "redis":
		return "redis"
	default:
		return "none"
	}
}

func (e Events) GetKafkaTopic() string {
	if e.KafkaTopic == "" {
		return "chat.events"
	}
	return e.KafkaTopic
}

func (e Events) GetKafkaGroup() string {
	if e.KafkaGroup == "" {
		return "ws-gateway"
	}
	return e.KafkaGroup
}

func (e Events) GetRedisStream() string {
	if e.RedisStream == "" {
		return "chat:events"
	}
	return e.RedisStream
}

func (g Gateway) GetWriteWait() time.Duration {
	if g.WriteWait <= 0 {
		return 10 * time.Second
	}
	return g.WriteWait
}

func (g Gateway) GetPongWait() time.Duration {
	if g.PongWait <= 0 {
		return 90 * time.Second
	}
	return g.PongWait
}

// GetPingPeriod must stay below the pong wait or the probe itself times out.
func (g Gateway) GetPingPeriod() time.Duration {
	if g.PingPeriod <= 0 || g.PingPeriod >= g.GetPongWait() {
		return g.GetPongWait() * 3 / 10
	}
	return g.PingPeriod
}
