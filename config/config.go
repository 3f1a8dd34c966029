package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Redis     RedisConfig     `yaml:"redis"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Messenger MessengerConfig `yaml:"messenger"`
	Queue     QueueConfig     `yaml:"queue"`
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
}

type DatabaseConfig struct {
	// Driver: "sqlite" (single node, the default) | "postgres"
	Driver     string `yaml:"driver" validate:"oneof=sqlite postgres"`
	SQLitePath string `yaml:"sqlite_path" validate:"required_if=Driver sqlite"`

	Host     string `yaml:"host" validate:"required_if=Driver postgres"`
	Port     int    `yaml:"port" validate:"gte=0,lte=65535"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name" validate:"required_if=Driver postgres"`
	SSLMode  string `yaml:"ssl_mode"`
}

func (d DatabaseConfig) PostgresDSN() string {
	ssl := d.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", d.Username, d.Password, d.Host, d.Port, d.DBName, ssl)
}

type KafkaConfig struct {
	// Brokers empty disables queue events and the kafka messenger.
	Brokers                []string `yaml:"brokers"`
	QueueEventsTopicName   string   `yaml:"queue_events_topic_name"`
	InboundEventsTopicName string   `yaml:"inbound_events_topic_name"`
	ConsumerGroup          string   `yaml:"consumer_group"`
}

func (k KafkaConfig) Enabled() bool { return len(k.Brokers) > 0 }

type RedisConfig struct {
	// Addr empty disables the view cache and the edit rate limit.
	Addr                string `yaml:"addr"`
	EditsPerSecond      int    `yaml:"edits_per_second" validate:"gte=0"`
	ViewCacheTTLSeconds int    `yaml:"view_cache_ttl_seconds" validate:"gte=0"`
}

type TelegramConfig struct {
	BaseURL            string `yaml:"base_url" validate:"omitempty,url"`
	Token              string `yaml:"token"`
	PollTimeoutSeconds int    `yaml:"poll_timeout_seconds" validate:"gte=0"`
}

type MessengerConfig struct {
	// Kind: "telegram" | "kafka" | "fake"
	Kind string `yaml:"kind" validate:"oneof=telegram kafka fake"`
}

type QueueConfig struct {
	StationsPath           string  `yaml:"stations_path"`
	AllowedRadiusMeters    float64 `yaml:"allowed_radius_meters" validate:"gt=0"`
	EvictionMarginMeters   float64 `yaml:"eviction_margin_meters" validate:"gte=0"`
	TickIntervalSeconds    int     `yaml:"tick_interval_seconds" validate:"gt=0"`
	Concurrency            int     `yaml:"concurrency" validate:"gt=0"`
	DriverTimeoutSeconds   int     `yaml:"driver_timeout_seconds" validate:"gt=0"`
	EnforceJoinRadius      *bool   `yaml:"enforce_join_radius"`
	EvictionEnabled        *bool   `yaml:"eviction_enabled"`
	FirstPlaceAlertEnabled *bool   `yaml:"first_place_alert_enabled"`
	// Timezone of the "updated" footer, e.g. "Asia/Tashkent".
	Timezone string `yaml:"timezone"`
}

func (q QueueConfig) TickInterval() time.Duration {
	return time.Duration(q.TickIntervalSeconds) * time.Second
}

func (q QueueConfig) DriverTimeout() time.Duration {
	return time.Duration(q.DriverTimeoutSeconds) * time.Second
}

// Feature flags default to on; the join-radius-free variant sets enforce_join_radius: false.
func (q QueueConfig) JoinRadiusEnforced() bool { return boolOr(q.EnforceJoinRadius, true) }

func (q QueueConfig) Eviction() bool { return boolOr(q.EvictionEnabled, true) }

func (q QueueConfig) FirstPlaceAlert() bool { return boolOr(q.FirstPlaceAlertEnabled, true) }

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=text json"`
}

// LoadConfig reads the YAML file, fills defaults, applies BOT_TOKEN from the
// environment (or a .env file next to the binary) and validates the result.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	// .env is optional
	_ = godotenv.Load()
	if tok := strings.TrimSpace(os.Getenv("BOT_TOKEN")); tok != "" {
		config.Telegram.Token = tok
	}

	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver == "sqlite" && c.Database.SQLitePath == "" {
		c.Database.SQLitePath = "taxi_queue.db"
	}
	if c.Database.Driver == "postgres" && c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Kafka.QueueEventsTopicName == "" {
		c.Kafka.QueueEventsTopicName = "station.queue.events"
	}
	if c.Kafka.InboundEventsTopicName == "" {
		c.Kafka.InboundEventsTopicName = "station.driver.actions"
	}
	if c.Kafka.ConsumerGroup == "" {
		c.Kafka.ConsumerGroup = "queue-bot"
	}
	if c.Redis.EditsPerSecond == 0 {
		c.Redis.EditsPerSecond = 25
	}
	if c.Redis.ViewCacheTTLSeconds == 0 {
		c.Redis.ViewCacheTTLSeconds = 60
	}
	if c.Telegram.PollTimeoutSeconds == 0 {
		c.Telegram.PollTimeoutSeconds = 30
	}
	if c.Messenger.Kind == "" {
		c.Messenger.Kind = "telegram"
	}
	if c.Queue.StationsPath == "" {
		c.Queue.StationsPath = "locations.json"
	}
	if c.Queue.AllowedRadiusMeters == 0 {
		c.Queue.AllowedRadiusMeters = 500
	}
	if c.Queue.EvictionMarginMeters == 0 {
		c.Queue.EvictionMarginMeters = 200
	}
	if c.Queue.TickIntervalSeconds == 0 {
		c.Queue.TickIntervalSeconds = 5
	}
	if c.Queue.Concurrency == 0 {
		c.Queue.Concurrency = 16
	}
	if c.Queue.DriverTimeoutSeconds == 0 {
		c.Queue.DriverTimeoutSeconds = 10
	}
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = ":8080"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Messenger.Kind == "telegram" && c.Telegram.Token == "" {
		return fmt.Errorf("invalid config: telegram messenger needs telegram.token or BOT_TOKEN")
	}
	if c.Messenger.Kind == "kafka" && !c.Kafka.Enabled() {
		return fmt.Errorf("invalid config: kafka messenger needs kafka.brokers")
	}
	return nil
}
