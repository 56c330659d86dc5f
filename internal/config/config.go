package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"flow-alerts/internal/logging"
	"flow-alerts/internal/thresholds"
)

const envPrefix = "FLOWWATCH"

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Feed       FeedConfig       `mapstructure:"feed"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Stream     StreamConfig     `mapstructure:"stream"`
	Thresholds ThresholdsConfig `mapstructure:"thresholds"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	Export     ExportConfig     `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	// AlertRetention bounds the alert audit table; zero keeps everything.
	AlertRetention  time.Duration `mapstructure:"alert_retention"`
}

// RedisConfig enables remote threshold sync and alert fan-out.
type RedisConfig struct {
	Addr         string `mapstructure:"addr"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MaxRetries   int    `mapstructure:"max_retries"`
	TLSEnabled   bool   `mapstructure:"tls_enabled"`
	AlertChannel string `mapstructure:"alert_channel"`
}

// FeedConfig identifies the streaming subscription.
type FeedConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Insecure bool   `mapstructure:"insecure"`
	Symbol   string `mapstructure:"symbol"`
	// Date is YYYY-MM-DD; empty follows the current day in Timezone.
	Date     string `mapstructure:"date"`
	Timezone string `mapstructure:"timezone"`
}

// AuthConfig selects where the bearer credential comes from.
type AuthConfig struct {
	Source       string        `mapstructure:"source"`
	Token        string        `mapstructure:"token"`
	TokenEnv     string        `mapstructure:"token_env"`
	EnvFile      string        `mapstructure:"env_file"`
	TokenURL     string        `mapstructure:"token_url"`
	ClientID     string        `mapstructure:"client_id"`
	ClientSecret string        `mapstructure:"client_secret"`
	Audience     string        `mapstructure:"audience"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// StreamConfig tunes the connection lifecycle.
type StreamConfig struct {
	BackoffDelay     time.Duration `mapstructure:"backoff_delay"`
	SettleDelay      time.Duration `mapstructure:"settle_delay"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	PongWait         time.Duration `mapstructure:"pong_wait"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	StoreLimit       int           `mapstructure:"store_limit"`
}

// ThresholdsConfig seeds the per-symbol threshold sets.
type ThresholdsConfig struct {
	Default      thresholds.Config            `mapstructure:"default"`
	Notification map[string]thresholds.Config `mapstructure:"notification"`
	Highlight    map[string]thresholds.Config `mapstructure:"highlight"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Cooldown time.Duration  `mapstructure:"cooldown"`
	Burst    int            `mapstructure:"burst"`
	Timeout  time.Duration  `mapstructure:"timeout"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Discord  DiscordConfig  `mapstructure:"discord"`
}

// TelegramConfig describes Telegram delivery.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// DiscordConfig describes Discord webhook delivery.
type DiscordConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	WebhookURL string `mapstructure:"webhook_url"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}
	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "flowwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.max_size_mb", 50)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 14)

	v.SetDefault("feed.host", "localhost")
	v.SetDefault("feed.port", 8000)
	v.SetDefault("feed.insecure", false)
	v.SetDefault("feed.symbol", "SPY")
	v.SetDefault("feed.date", "")
	v.SetDefault("feed.timezone", "America/New_York")

	v.SetDefault("auth.source", "env")
	v.SetDefault("auth.token_env", "FLOWWATCH_FEED_TOKEN")
	v.SetDefault("auth.env_file", ".env")
	v.SetDefault("auth.timeout", "15s")

	v.SetDefault("stream.backoff_delay", "5s")
	v.SetDefault("stream.settle_delay", "500ms")
	v.SetDefault("stream.ping_interval", "30s")
	v.SetDefault("stream.pong_wait", "60s")
	v.SetDefault("stream.handshake_timeout", "15s")
	v.SetDefault("stream.store_limit", 0)

	v.SetDefault("thresholds.default.enabled", true)
	v.SetDefault("thresholds.default.call_ratio", "40")
	v.SetDefault("thresholds.default.put_ratio", "0.5")
	v.SetDefault("thresholds.default.call_premium", "1000000")
	v.SetDefault("thresholds.default.put_premium", "500000")
	v.SetDefault("thresholds.default.premium_gate", "1000000")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.cooldown", "5m")
	v.SetDefault("alerting.burst", 1)
	v.SetDefault("alerting.timeout", "10s")
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.discord.enabled", false)

	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.alert_channel", "flowwatch:alerts")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.advisory_lock_key", int64(0x666c6f77))
	v.SetDefault("database.alert_retention", "720h")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			stringToDecimalHookFunc(),
		)
	}
}

var decimalType = reflect.TypeOf(decimal.Decimal{})

// stringToDecimalHookFunc lets thresholds be written as strings or numbers.
func stringToDecimalHookFunc() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != decimalType {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			if strings.TrimSpace(v) == "" {
				return decimal.Zero, nil
			}
			return decimal.NewFromString(strings.TrimSpace(v))
		case float64:
			return decimal.NewFromFloat(v), nil
		case float32:
			return decimal.NewFromFloat32(v), nil
		case int:
			return decimal.NewFromInt(int64(v)), nil
		case int64:
			return decimal.NewFromInt(v), nil
		default:
			return data, nil
		}
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Stream.BackoffDelay <= 0 {
		return fmt.Errorf("stream.backoff_delay must be greater than zero")
	}
	if c.Stream.SettleDelay < 0 {
		return fmt.Errorf("stream.settle_delay cannot be negative")
	}
	if c.Stream.PingInterval <= 0 {
		return fmt.Errorf("stream.ping_interval must be greater than zero")
	}
	if c.Stream.PongWait <= c.Stream.PingInterval {
		return fmt.Errorf("stream.pong_wait must be greater than stream.ping_interval")
	}
	if c.Feed.Date != "" {
		if _, err := time.Parse(DateLayout, c.Feed.Date); err != nil {
			return fmt.Errorf("feed.date must be YYYY-MM-DD: %w", err)
		}
	}
	if _, err := c.Feed.Location(); err != nil {
		return err
	}
	if err := c.Thresholds.Default.Validate(); err != nil {
		return fmt.Errorf("thresholds.default: %w", err)
	}
	for sym, t := range c.Thresholds.Notification {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("thresholds.notification.%s: %w", sym, err)
		}
	}
	for sym, t := range c.Thresholds.Highlight {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("thresholds.highlight.%s: %w", sym, err)
		}
	}
	switch strings.ToLower(c.Auth.Source) {
	case "env", "static":
	case "token_endpoint":
		if c.Auth.TokenURL == "" {
			return fmt.Errorf("auth.token_url is required for token_endpoint source")
		}
	default:
		return fmt.Errorf("auth.source %q is not supported", c.Auth.Source)
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	if c.Alerting.Discord.Enabled && c.Alerting.Discord.WebhookURL == "" {
		return fmt.Errorf("alerting.discord.webhook_url is required")
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
