package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "test",
			Password: "test",
			Database: "test_db",
		},
		Redis: RedisConfig{
			Host: "localhost",
			Port: 6379,
		},
		Queue: QueueConfig{
			MaxAttempts: 3,
			LockTTL:     30 * time.Second,
		},
		Worker: WorkerConfig{
			Count:     4,
			BatchSize: 10,
		},
		RateLimit: RateLimitConfig{
			MaxPerMinute: 60,
			MaxPerDay:    10000,
		},
	}
}

func TestConfig_Validate_Success(t *testing.T) {
	err := validConfig().Validate()
	assert.NoError(t, err)
}

func TestConfig_Validate_InvalidServerPort(t *testing.T) {
	tests := []struct {
		name string
		port int
	}{
		{"port too low", 0},
		{"port negative", -1},
		{"port too high", 99999},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Server.Port = tt.port

			err := cfg.Validate()
			assert.Error(t, err)
			assert.Contains(t, err.Error(), "server.port")
		})
	}
}

func TestConfig_Validate_InvalidTimeouts(t *testing.T) {
	cfg := validConfig()
	cfg.Server.ReadTimeout = 0
	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "read_timeout")

	cfg = validConfig()
	cfg.Server.WriteTimeout = 0
	err = cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "write_timeout")
}

func TestConfig_Validate_MissingDatabaseHost(t *testing.T) {
	cfg := validConfig()
	cfg.Database.Host = ""

	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "database.host")
}

func TestConfig_Validate_InvalidQueueSettings(t *testing.T) {
	cfg := validConfig()
	cfg.Queue.LockTTL = 0
	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "queue.lock_ttl")

	cfg = validConfig()
	cfg.Queue.MaxAttempts = 0
	err = cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "queue.max_attempts")
}

func TestConfig_Validate_InvalidWorkerSettings(t *testing.T) {
	cfg := validConfig()
	cfg.Worker.BatchSize = 0
	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "worker.batch_size")

	cfg = validConfig()
	cfg.Worker.Count = 0
	err = cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "worker.count")
}

func TestConfig_Validate_InvalidRateLimits(t *testing.T) {
	cfg := validConfig()
	cfg.RateLimit.MaxPerMinute = 0
	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "rate_limit.max_per_minute")

	cfg = validConfig()
	cfg.RateLimit.MaxPerDay = 10
	err = cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "rate_limit.max_per_day")
}

func TestConfig_Validate_ShortJWTSecret(t *testing.T) {
	cfg := validConfig()
	cfg.Auth.JWTSecret = "too-short"

	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "jwt_secret")
}

func TestConfig_Validate_MultipleErrors(t *testing.T) {
	cfg := &Config{}

	err := cfg.Validate()
	require.Error(t, err)

	errStr := err.Error()
	assert.Contains(t, errStr, "server.port")
	assert.Contains(t, errStr, "database.host")
	assert.Contains(t, errStr, "redis.port")
	assert.Contains(t, errStr, "queue.lock_ttl")
	assert.Contains(t, errStr, "worker.batch_size")
}

func TestDatabaseConfig_DSN(t *testing.T) {
	cfg := DatabaseConfig{
		Host:     "db.example.com",
		Port:     5432,
		User:     "app_user",
		Password: "secret",
		Database: "ledgersync",
		SSLMode:  "require",
	}

	dsn := cfg.DatabaseDSN()
	assert.Contains(t, dsn, "host=db.example.com")
	assert.Contains(t, dsn, "dbname=ledgersync")
	assert.Contains(t, dsn, "sslmode=require")
}

func TestRedisConfig_Addr(t *testing.T) {
	cfg := RedisConfig{Host: "redis.example.com", Port: 6379}
	assert.Equal(t, "redis.example.com:6379", cfg.RedisAddr())
}

func TestQueueConfig_EntityOverrides(t *testing.T) {
	cfg := QueueConfig{
		EntityOverrides: map[string]RetryOverride{
			"invoice": {BaseDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second, MaxAttempts: 5},
		},
	}

	ov, ok := cfg.EntityOverrides["invoice"]
	require.True(t, ok)
	assert.Equal(t, 5, ov.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, ov.BaseDelay)
}
