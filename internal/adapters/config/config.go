package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config represents application configuration
type Config struct {
	Engine     EngineConfig     `envconfig:"ENGINE"`
	Broker     BrokerConfig     `envconfig:"BROKER"`
	Database   DatabaseConfig   `envconfig:"DATABASE"`
	ClickHouse ClickHouseConfig `envconfig:"CLICKHOUSE"`
	Redis      RedisConfig      `envconfig:"REDIS"`
	Telegram   TelegramConfig   `envconfig:"TELEGRAM"`
	Logging    LoggingConfig    `envconfig:"LOGGING"`
}

// EngineConfig represents decision loop parameters
type EngineConfig struct {
	Variant            string        `envconfig:"ENGINE_VARIANT" default:"momentum"`
	TickBufferSize     int           `envconfig:"ENGINE_TICK_BUFFER_SIZE" default:"60"`
	DiagnosticCooldown time.Duration `envconfig:"ENGINE_DIAGNOSTIC_COOLDOWN" default:"30s"`
	HealthCheckEvery   time.Duration `envconfig:"ENGINE_HEALTH_CHECK_EVERY" default:"1m"`
}

// BrokerConfig represents broker connection parameters
type BrokerConfig struct {
	URL               string        `envconfig:"BROKER_URL" default:"wss://ws.binaryws.com/websockets/v3"`
	AppID             string        `envconfig:"BROKER_APP_ID" required:"true"`
	TickToken         string        `envconfig:"BROKER_TICK_TOKEN" required:"true"`
	Currency          string        `envconfig:"BROKER_CURRENCY" default:"USD"`
	AuthTimeout       time.Duration `envconfig:"BROKER_AUTH_TIMEOUT" default:"15s"`
	RequestTimeout    time.Duration `envconfig:"BROKER_REQUEST_TIMEOUT" default:"30s"`
	SubscribeTimeout  time.Duration `envconfig:"BROKER_SUBSCRIBE_TIMEOUT" default:"120s"`
	KeepAliveInterval time.Duration `envconfig:"BROKER_KEEPALIVE_INTERVAL" default:"90s"`
	WarmupDelay       time.Duration `envconfig:"BROKER_WARMUP_DELAY" default:"2s"`
	MaxRetries        int           `envconfig:"BROKER_MAX_RETRIES" default:"2"`
	MinStake          float64       `envconfig:"BROKER_MIN_STAKE" default:"0.35"`
	CommissionPercent float64       `envconfig:"BROKER_COMMISSION_PERCENT" default:"3.0"`
	DefaultPayout     float64       `envconfig:"BROKER_DEFAULT_PAYOUT" default:"0.92"`
	DurationTicks     int           `envconfig:"BROKER_DURATION_TICKS" default:"5"`
}

// DatabaseConfig represents database connection parameters
type DatabaseConfig struct {
	Host     string `envconfig:"DB_HOST" default:"localhost"`
	Port     int    `envconfig:"DB_PORT" default:"5432"`
	Name     string `envconfig:"DB_NAME" default:"zeenix"`
	User     string `envconfig:"DB_USER" required:"true"`
	Password string `envconfig:"DB_PASSWORD" required:"true"`
	SSLMode  string `envconfig:"DB_SSLMODE" default:"disable"`
}

// ClickHouseConfig represents the engine event sink connection
type ClickHouseConfig struct {
	Enabled bool   `envconfig:"CLICKHOUSE_ENABLED" default:"false"`
	DSN     string `envconfig:"CLICKHOUSE_DSN" default:"clickhouse://localhost:9000/zeenix"`
}

// RedisConfig represents redis parameters for distributed activation locks
type RedisConfig struct {
	Enabled  bool   `envconfig:"REDIS_ENABLED" default:"false"`
	Host     string `envconfig:"REDIS_HOST" default:"localhost"`
	Port     int    `envconfig:"REDIS_PORT" default:"6379"`
	Password string `envconfig:"REDIS_PASSWORD" required:"false"`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
}

// TelegramConfig represents notification parameters
type TelegramConfig struct {
	BotToken      string `envconfig:"TELEGRAM_BOT_TOKEN" required:"false"`
	AlertOnTrades bool   `envconfig:"TELEGRAM_ALERT_ON_TRADES" default:"true"`
	AlertOnStops  bool   `envconfig:"TELEGRAM_ALERT_ON_STOPS" default:"true"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level string `envconfig:"LOG_LEVEL" default:"info"`
	File  string `envconfig:"LOG_FILE" default:""`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Broker.URL == "" {
		return fmt.Errorf("broker URL is required")
	}
	if c.Broker.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	if c.Broker.MinStake <= 0 {
		return fmt.Errorf("min_stake must be positive")
	}
	if c.Broker.CommissionPercent < 0 || c.Broker.CommissionPercent >= 100 {
		return fmt.Errorf("commission_percent must be within [0, 100)")
	}
	if c.Broker.DefaultPayout <= 0 || c.Broker.DefaultPayout >= 2 {
		return fmt.Errorf("default_payout must be a fraction of stake, got %v", c.Broker.DefaultPayout)
	}
	if c.Engine.TickBufferSize < 10 {
		return fmt.Errorf("tick_buffer_size must be at least 10")
	}
	return nil
}

// GetDSN returns PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}
