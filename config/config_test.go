package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "cfg.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("BOT_TOKEN", "")
	p := writeConfig(t, `
database:
  driver: "postgres"
  host: "localhost"
  username: "u"
  password: "p"
  name: "db"
kafka:
  brokers: ["localhost:9092"]
  queue_events_topic_name: "queue.events"
redis:
  addr: "localhost:6379"
telegram:
  token: "from-file"
messenger:
  kind: "telegram"
queue:
  stations_path: "stations.geojson"
  allowed_radius_meters: 300
  tick_interval_seconds: 2
  eviction_enabled: false
server:
  http_addr: ":9090"
  grpc_addr: ":50051"
log:
  level: "debug"
  format: "json"
`)

	cfg, err := LoadConfig(p)
	require.NoError(t, err)
	require.Equal(t, "postgres", cfg.Database.Driver)
	require.Equal(t, 5432, cfg.Database.Port)
	require.Equal(t, "postgres://u:p@localhost:5432/db?sslmode=disable", cfg.Database.PostgresDSN())
	require.True(t, cfg.Kafka.Enabled())
	require.Equal(t, "queue.events", cfg.Kafka.QueueEventsTopicName)
	require.Equal(t, "station.driver.actions", cfg.Kafka.InboundEventsTopicName)
	require.Equal(t, "from-file", cfg.Telegram.Token)
	require.Equal(t, 300.0, cfg.Queue.AllowedRadiusMeters)
	require.Equal(t, 200.0, cfg.Queue.EvictionMarginMeters)
	require.Equal(t, 2*time.Second, cfg.Queue.TickInterval())
	require.Equal(t, 10*time.Second, cfg.Queue.DriverTimeout())
	require.False(t, cfg.Queue.Eviction())
	require.True(t, cfg.Queue.JoinRadiusEnforced())
	require.True(t, cfg.Queue.FirstPlaceAlert())
	require.Equal(t, ":9090", cfg.Server.HTTPAddr)
	require.Equal(t, "json", cfg.Log.Format)
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("BOT_TOKEN", "")
	cfg, err := LoadConfig(writeConfig(t, `
messenger:
  kind: "fake"
`))
	require.NoError(t, err)
	require.Equal(t, "sqlite", cfg.Database.Driver)
	require.Equal(t, "taxi_queue.db", cfg.Database.SQLitePath)
	require.False(t, cfg.Kafka.Enabled())
	require.Equal(t, "station.queue.events", cfg.Kafka.QueueEventsTopicName)
	require.Equal(t, "locations.json", cfg.Queue.StationsPath)
	require.Equal(t, 500.0, cfg.Queue.AllowedRadiusMeters)
	require.Equal(t, 5*time.Second, cfg.Queue.TickInterval())
	require.Equal(t, 16, cfg.Queue.Concurrency)
	require.Equal(t, 25, cfg.Redis.EditsPerSecond)
	require.Equal(t, ":8080", cfg.Server.HTTPAddr)
	require.Equal(t, "info", cfg.Log.Level)
}

func TestLoadConfig_BotTokenFromEnv(t *testing.T) {
	t.Setenv("BOT_TOKEN", "env-token")
	cfg, err := LoadConfig(writeConfig(t, `
telegram:
  token: "file-token"
`))
	require.NoError(t, err)
	require.Equal(t, "env-token", cfg.Telegram.Token)
	require.Equal(t, "telegram", cfg.Messenger.Kind)
}

func TestLoadConfig_Invalid(t *testing.T) {
	t.Setenv("BOT_TOKEN", "")

	_, err := LoadConfig(writeConfig(t, `{}`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "BOT_TOKEN")

	_, err = LoadConfig(writeConfig(t, `
messenger:
  kind: "kafka"
`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "kafka.brokers")

	_, err = LoadConfig(writeConfig(t, `
messenger:
  kind: "carrier-pigeon"
`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid config")

	_, err = LoadConfig(writeConfig(t, `
messenger:
  kind: "fake"
database:
  driver: "postgres"
`))
	require.Error(t, err)

	_, err = LoadConfig(writeConfig(t, `
messenger:
  kind: "fake"
queue:
  tick_interval_seconds: -1
`))
	require.Error(t, err)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to read config file")
}
