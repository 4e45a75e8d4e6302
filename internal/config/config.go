package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Store      StoreConfig      `mapstructure:"store"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Delivery   DeliveryConfig   `mapstructure:"delivery"`
	Resolver   ResolverConfig   `mapstructure:"resolver"`
	Auth       AuthConfig       `mapstructure:"auth"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`

	// Credentials come from the environment only.
	Credentials Credentials `mapstructure:"-"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN renders the lib/pq connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
}

// Store drivers
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

type StoreConfig struct {
	// Records selects the notification record store: redis or memory.
	Records string `mapstructure:"records"`
	// Directory selects the user/subscription directory: postgres or memory.
	Directory string        `mapstructure:"directory"`
	RecordTTL time.Duration `mapstructure:"record_ttl"`
}

type DispatchConfig struct {
	BatchSize            int           `mapstructure:"batch_size"`
	MaxConcurrentBatches int           `mapstructure:"max_concurrent_batches"`
	MaxAttempts          int           `mapstructure:"max_attempts"`
	InitialBackoff       time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff           time.Duration `mapstructure:"max_backoff"`
}

type QueueConfig struct {
	Workers  int `mapstructure:"workers"`
	Capacity int `mapstructure:"capacity"`
}

type DeliveryConfig struct {
	Timeout    time.Duration `mapstructure:"timeout"`
	WebPushRPS float64       `mapstructure:"webpush_rps"`
	FCMRPS     float64       `mapstructure:"fcm_rps"`
	Burst      int           `mapstructure:"burst"`
	FCMEnabled bool          `mapstructure:"fcm_enabled"`
}

type ResolverConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Issuer  string `mapstructure:"issuer"`
}

type RateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool   `mapstructure:"prometheus_enabled"`
	MetricsPath       string `mapstructure:"metrics_path"`
}

// Credentials are provider secrets. They are read once at startup and handed
// to constructors; nothing reads them from the environment later.
type Credentials struct {
	VAPIDPublicKey          string `envconfig:"VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey         string `envconfig:"VAPID_PRIVATE_KEY"`
	VAPIDSubject            string `envconfig:"VAPID_SUBJECT" default:"mailto:admin@school.local"`
	FirebaseCredentialsFile string `envconfig:"FIREBASE_CREDENTIALS_FILE" default:"firebase-adminsdk.json"`
	FirebaseProjectID       string `envconfig:"FIREBASE_PROJECT_ID"`
	JWTSecret               string `envconfig:"JWT_SECRET"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.request_timeout", 20*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.retry_backoff", 100*time.Millisecond)
	v.SetDefault("redis.pool_size", 20)

	v.SetDefault("store.records", DriverRedis)
	v.SetDefault("store.directory", DriverPostgres)
	v.SetDefault("store.record_ttl", 30*24*time.Hour)

	v.SetDefault("dispatch.batch_size", 50)
	v.SetDefault("dispatch.max_concurrent_batches", 5)
	v.SetDefault("dispatch.max_attempts", 1)
	v.SetDefault("dispatch.initial_backoff", 500*time.Millisecond)
	v.SetDefault("dispatch.max_backoff", 10*time.Second)

	v.SetDefault("queue.workers", 4)
	v.SetDefault("queue.capacity", 100)

	v.SetDefault("delivery.timeout", 10*time.Second)
	v.SetDefault("delivery.webpush_rps", 100)
	v.SetDefault("delivery.fcm_rps", 100)
	v.SetDefault("delivery.burst", 50)
	v.SetDefault("delivery.fcm_enabled", true)

	v.SetDefault("resolver.cache_ttl", time.Minute)

	v.SetDefault("auth.enabled", true)
	v.SetDefault("auth.issuer", "school-notify")

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.requests_per_second", 20)
	v.SetDefault("rate_limit.burst", 40)

	v.SetDefault("monitoring.prometheus_enabled", true)
	v.SetDefault("monitoring.metrics_path", "/metrics")
}

// LoadConfig reads config.yml from the usual locations (or the file named by
// CONFIG_FILE), overlays environment variables and loads credentials.
// A missing config file is not an error; defaults apply.
func LoadConfig() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if file := os.Getenv("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/app/config")
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	creds, err := LoadCredentials()
	if err != nil {
		return nil, err
	}
	config.Credentials = *creds

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// LoadCredentials seeds the environment from .env when present and decodes
// the provider secrets.
func LoadCredentials() (*Credentials, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	var creds Credentials
	if err := envconfig.Process("", &creds); err != nil {
		return nil, fmt.Errorf("failed to read credentials: %w", err)
	}
	return &creds, nil
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	if c.Dispatch.BatchSize <= 0 {
		return errors.New("dispatch.batch_size must be positive")
	}
	if c.Dispatch.MaxConcurrentBatches <= 0 {
		return errors.New("dispatch.max_concurrent_batches must be positive")
	}
	if c.Dispatch.MaxAttempts <= 0 {
		return errors.New("dispatch.max_attempts must be positive")
	}
	if c.Dispatch.MaxBackoff < c.Dispatch.InitialBackoff {
		return errors.New("dispatch.max_backoff must not be less than dispatch.initial_backoff")
	}
	if c.Queue.Workers <= 0 || c.Queue.Capacity <= 0 {
		return errors.New("queue.workers and queue.capacity must be positive")
	}
	switch c.Store.Records {
	case DriverRedis, DriverMemory:
	default:
		return fmt.Errorf("unknown store.records driver %q", c.Store.Records)
	}
	switch c.Store.Directory {
	case DriverPostgres, DriverMemory:
	default:
		return fmt.Errorf("unknown store.directory driver %q", c.Store.Directory)
	}
	if c.Auth.Enabled && c.Credentials.JWTSecret == "" {
		return errors.New("JWT_SECRET is required when auth is enabled")
	}
	return nil
}
