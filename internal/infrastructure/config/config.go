package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Queue         QueueConfig         `mapstructure:"queue"`
	Worker        WorkerConfig        `mapstructure:"worker"`
	RateLimit     RateLimitConfig     `mapstructure:"rate_limit"`
	Health        HealthConfig        `mapstructure:"health"`
	Remote        RemoteConfig        `mapstructure:"remote"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Auth          AuthConfig          `mapstructure:"auth"`
	InstanceID    string              `mapstructure:"instance_id"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	WebhookPerIP    int           `mapstructure:"webhook_per_ip"`
	CORS            CORSConfig    `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	JWTExpiry time.Duration `mapstructure:"jwt_expiry"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MinConnections  int           `mapstructure:"min_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	SSLMode         string        `mapstructure:"ssl_mode"`
}

type RedisConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	DB                int           `mapstructure:"db"`
	Password          string        `mapstructure:"password"`
	ConnectRetries    int           `mapstructure:"connect_retries"`
	ConnectRetryDelay time.Duration `mapstructure:"connect_retry_delay"`
}

// RetryOverride tunes the backoff policy for one entity type.
type RetryOverride struct {
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

type QueueConfig struct {
	MaxAttempts      int                      `mapstructure:"max_attempts"`
	BaseDelay        time.Duration            `mapstructure:"base_delay"`
	MaxDelay         time.Duration            `mapstructure:"max_delay"`
	LockTTL          time.Duration            `mapstructure:"lock_ttl"`
	RetentionDays    int                      `mapstructure:"retention_days"`
	CleanupInterval  time.Duration            `mapstructure:"cleanup_interval"`
	EntityOverrides  map[string]RetryOverride `mapstructure:"entity_overrides"`
	DefaultPriority  int                      `mapstructure:"default_priority"`
	EntityPriorities map[string]int           `mapstructure:"entity_priorities"`
}

type WorkerConfig struct {
	Count        int           `mapstructure:"count"`
	BatchSize    int           `mapstructure:"batch_size"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type RateLimitConfig struct {
	MaxPerMinute  int           `mapstructure:"max_per_minute"`
	MaxPerDay     int           `mapstructure:"max_per_day"`
	MaxConcurrent int64         `mapstructure:"max_concurrent"`
	ThrottleBase  time.Duration `mapstructure:"throttle_base"`
	UseRedis      bool          `mapstructure:"use_redis"`
}

type HealthConfig struct {
	Window   time.Duration `mapstructure:"window"`
	Interval time.Duration `mapstructure:"interval"`
}

type RemoteConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIToken       string        `mapstructure:"api_token"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type ObservabilityConfig struct {
	LogLevel       string `mapstructure:"log_level"`
	JaegerEndpoint string `mapstructure:"jaeger_endpoint"`
	EnableMetrics  bool   `mapstructure:"enable_metrics"`
	EnableTracing  bool   `mapstructure:"enable_tracing"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read from environment variables
	v.SetEnvPrefix("LEDGERSYNC")
	v.AutomaticEnv()

	// Read from config file if exists
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/ledgersync")

	// Config file is optional
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Server.ReadTimeout <= 0 {
		errs = append(errs, fmt.Errorf("server.read_timeout must be positive"))
	}
	if c.Server.WriteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("server.write_timeout must be positive"))
	}
	if c.Database.Host == "" {
		errs = append(errs, fmt.Errorf("database.host is required"))
	}
	if c.Database.Port <= 0 {
		errs = append(errs, fmt.Errorf("database.port must be positive"))
	}
	if c.Redis.Port <= 0 {
		errs = append(errs, fmt.Errorf("redis.port must be positive"))
	}
	if c.Queue.LockTTL <= 0 {
		errs = append(errs, fmt.Errorf("queue.lock_ttl must be positive"))
	}
	if c.Queue.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("queue.max_attempts must be positive"))
	}
	if c.Worker.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("worker.batch_size must be positive"))
	}
	if c.Worker.Count <= 0 {
		errs = append(errs, fmt.Errorf("worker.count must be positive"))
	}
	if c.RateLimit.MaxPerMinute <= 0 {
		errs = append(errs, fmt.Errorf("rate_limit.max_per_minute must be positive"))
	}
	if c.RateLimit.MaxPerDay < c.RateLimit.MaxPerMinute {
		errs = append(errs, fmt.Errorf("rate_limit.max_per_day must be at least max_per_minute"))
	}

	// Production environment checks
	env := os.Getenv("ENV")
	if env == "production" || env == "prod" {
		if c.Database.Password == "" {
			errs = append(errs, fmt.Errorf("database.password required in production"))
		}
		if c.Auth.JWTSecret == "" {
			errs = append(errs, fmt.Errorf("auth.jwt_secret required in production"))
		}
		if c.Remote.APIToken == "" {
			errs = append(errs, fmt.Errorf("remote.api_token required in production"))
		}
	}

	// JWT secret length validation
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		errs = append(errs, fmt.Errorf("auth.jwt_secret must be at least 32 characters"))
	}

	return errors.Join(errs...)
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.webhook_per_ip", 300)
	v.SetDefault("server.cors.allowed_origins", []string{"*"})
	v.SetDefault("server.cors.allow_credentials", false)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "ledgersync")
	v.SetDefault("database.database", "ledgersync")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_connections", 5)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.ssl_mode", "disable")

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.connect_retries", 5)
	v.SetDefault("redis.connect_retry_delay", "1s")

	// Queue defaults
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.base_delay", "1s")
	v.SetDefault("queue.max_delay", "60s")
	v.SetDefault("queue.lock_ttl", "30s")
	v.SetDefault("queue.retention_days", 7)
	v.SetDefault("queue.cleanup_interval", "1h")
	v.SetDefault("queue.default_priority", 5)
	v.SetDefault("queue.entity_priorities", map[string]int{
		"invoice": 1,
		"order":   2,
	})

	// Worker defaults
	v.SetDefault("worker.count", 4)
	v.SetDefault("worker.batch_size", 10)
	v.SetDefault("worker.poll_interval", "2s")

	// Rate limit defaults
	v.SetDefault("rate_limit.max_per_minute", 60)
	v.SetDefault("rate_limit.max_per_day", 10000)
	v.SetDefault("rate_limit.max_concurrent", 5)
	v.SetDefault("rate_limit.throttle_base", "30s")
	v.SetDefault("rate_limit.use_redis", true)

	// Health defaults
	v.SetDefault("health.window", "1h")
	v.SetDefault("health.interval", "30s")

	// Remote defaults
	v.SetDefault("remote.base_url", "https://api.remote-platform.example")
	v.SetDefault("remote.request_timeout", "30s")

	// Observability defaults
	v.SetDefault("observability.log_level", "info")
	v.SetDefault("observability.jaeger_endpoint", "http://localhost:14268/api/traces")
	v.SetDefault("observability.enable_metrics", true)
	v.SetDefault("observability.enable_tracing", false)

	// Auth defaults
	v.SetDefault("auth.jwt_expiry", "24h")

	// Instance ID
	v.SetDefault("instance_id", "ledgersync-1")
}

func (c *DatabaseConfig) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
