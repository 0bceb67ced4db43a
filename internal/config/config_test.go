package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv blanks every variable Read looks at so the host environment
// cannot leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"CONFIG_FILE", "SERVICE_NAME", "HTTP_PORT", "LOG_LEVEL", "CORS_ORIGINS",
		"DB_URL", "BLUEPRINT_DB_HOST", "BLUEPRINT_DB_PORT", "BLUEPRINT_DB_DATABASE",
		"BLUEPRINT_DB_USERNAME", "BLUEPRINT_DB_PASSWORD", "BLUEPRINT_DB_SCHEMA",
		"BUS_DRIVER", "RABBITMQ_URL", "RABBITMQ_PREFETCH", "RABBITMQ_CONFIRMS",
		"KAFKA_BROKERS", "KAFKA_GROUP_ID",
		"BUS_CONNECT_ATTEMPTS", "BUS_CONNECT_INITIAL_DELAY", "BUS_CONNECT_STEP", "BUS_CONNECT_MAX_DELAY",
		"OUTBOX_INTERVAL", "OUTBOX_BATCH_SIZE", "OUTBOX_LEASE", "OUTBOX_PUBLISH_TIMEOUT", "REDIS_URL",
	} {
		t.Setenv(name, "")
	}
}

func TestReadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Read(Defaults("order-service", 8081))
	require.NoError(t, err)
	assert.Equal(t, "order-service", cfg.ServiceName)
	assert.Equal(t, 8081, cfg.HTTPPort)
	assert.Equal(t, BusRabbitMQ, cfg.BusDriver)
	assert.True(t, cfg.RabbitConfirms)
	assert.Equal(t, "order-service", cfg.KafkaGroupID)
	assert.Equal(t, 30, cfg.BusConnectAttempts)
	assert.Equal(t, 3*time.Second, cfg.BusConnectInitialDelay)
	assert.Equal(t, time.Second, cfg.BusConnectStep)
	assert.Equal(t, 10*time.Second, cfg.BusConnectMaxDelay)
	assert.Equal(t, 5*time.Second, cfg.OutboxInterval)
	assert.Equal(t, 10*time.Second, cfg.OutboxPublishTimeout)
	assert.False(t, cfg.HasDatabase())
}

func TestReadEnvironmentOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("HTTP_PORT", "9000")
	t.Setenv("BUS_DRIVER", "Kafka")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("RABBITMQ_CONFIRMS", "false")
	t.Setenv("OUTBOX_INTERVAL", "250ms")
	t.Setenv("OUTBOX_PUBLISH_TIMEOUT", "2s")
	t.Setenv("CORS_ORIGINS", "http://a.test,http://b.test")
	t.Setenv("BLUEPRINT_DB_DATABASE", "gozon")
	t.Setenv("BLUEPRINT_DB_SCHEMA", "orders")

	cfg, err := Read(Defaults("order-service", 8081))
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.HTTPPort)
	assert.Equal(t, BusKafka, cfg.BusDriver)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.False(t, cfg.RabbitConfirms)
	assert.Equal(t, 250*time.Millisecond, cfg.OutboxInterval)
	assert.Equal(t, 2*time.Second, cfg.OutboxPublishTimeout)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.CORSOrigins)
	assert.True(t, cfg.HasDatabase())
	assert.Contains(t, cfg.Database.DSN(), "search_path=orders")
}

func TestReadCollectsEveryBadValue(t *testing.T) {
	clearEnv(t)
	t.Setenv("HTTP_PORT", "eighty")
	t.Setenv("OUTBOX_LEASE", "soon")
	t.Setenv("RABBITMQ_CONFIRMS", "maybe")

	_, err := Read(Defaults("payment-service", 8082))
	require.Error(t, err)
	assert.ErrorContains(t, err, "HTTP_PORT")
	assert.ErrorContains(t, err, "OUTBOX_LEASE")
	assert.ErrorContains(t, err, "RABBITMQ_CONFIRMS")
}

func TestReadFileThenEnvironment(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
service:
  http_port: 7000
  log_level: debug
database:
  url: postgres://u:p@db:5432/gozon?sslmode=disable
bus:
  driver: memory
  confirms: false
  connect:
    attempts: 3
    initial_delay: 100ms
outbox:
  batch_size: 10
  publish_timeout: 3s
redis:
  url: redis://cache:6379/0
`), 0o600))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("HTTP_PORT", "7100")

	cfg, err := Load(Defaults("payment-service", 8082))
	require.NoError(t, err)
	assert.Equal(t, 7100, cfg.HTTPPort, "the environment wins over the file")
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "postgres://u:p@db:5432/gozon?sslmode=disable", cfg.Database.DSN())
	assert.Equal(t, BusMemory, cfg.BusDriver)
	assert.False(t, cfg.RabbitConfirms)
	assert.Equal(t, 3, cfg.BusConnectAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.BusConnectInitialDelay)
	assert.Equal(t, 10*time.Second, cfg.BusConnectMaxDelay)
	assert.Equal(t, 10, cfg.OutboxBatchSize)
	assert.Equal(t, 3*time.Second, cfg.OutboxPublishTimeout)
	assert.Equal(t, "redis://cache:6379/0", cfg.RedisURL)
}

func TestReadRejectsBrokenFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("outbox:\n  interval: often\n"), 0o600))
	t.Setenv("CONFIG_FILE", path)

	_, err := Read(Defaults("order-service", 8081))
	assert.ErrorContains(t, err, "outbox.interval")

	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err = Read(Defaults("order-service", 8081))
	assert.ErrorContains(t, err, "read config file")
}

func TestValidate(t *testing.T) {
	valid := Defaults("order-service", 8081)
	valid.Database.Database = "gozon"
	require.NoError(t, valid.Validate())

	cases := map[string]func(*Config){
		"no database":      func(c *Config) { c.Database.Database = "" },
		"unknown driver":   func(c *Config) { c.BusDriver = "smoke-signals" },
		"kafka no brokers": func(c *Config) { c.BusDriver = BusKafka },
		"rabbit no url":    func(c *Config) { c.RabbitMQURL = "" },
		"bad port":         func(c *Config) { c.HTTPPort = 70000 },
		"no attempts":      func(c *Config) { c.BusConnectAttempts = 0 },
		"cap below start":  func(c *Config) { c.BusConnectMaxDelay = time.Second },
		"zero interval":    func(c *Config) { c.OutboxInterval = 0 },
		"zero batch":       func(c *Config) { c.OutboxBatchSize = 0 },
		"zero lease":       func(c *Config) { c.OutboxLease = 0 },
		"no publish bound": func(c *Config) { c.OutboxPublishTimeout = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid
			mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), "invalid config")
		})
	}
}
