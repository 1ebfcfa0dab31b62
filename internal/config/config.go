package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"flip-sentinel/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Consumer  ConsumerConfig  `mapstructure:"consumer"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Detection DetectionConfig `mapstructure:"detection"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Feed      FeedConfig      `mapstructure:"feed"`
	Export    ExportConfig    `mapstructure:"export"`
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
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// RedisConfig covers the stream broker and leaderboard store.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// TopicConfig tunes one consumption loop.
type TopicConfig struct {
	Stream      string        `mapstructure:"stream"`
	Group       string        `mapstructure:"group"`
	BatchSize   int64         `mapstructure:"batch_size"`
	MaxAge      time.Duration `mapstructure:"max_age"`
	SoftTimeout time.Duration `mapstructure:"soft_timeout"`
	Backoff     time.Duration `mapstructure:"backoff"`
}

// ConsumerConfig holds per-topic loop settings.
type ConsumerConfig struct {
	BlockTime       time.Duration `mapstructure:"block_time"`
	HandlerRetries  int           `mapstructure:"handler_retries"`
	NewFlips        TopicConfig   `mapstructure:"new_flips"`
	FlipEvents      TopicConfig   `mapstructure:"flip_events"`
	Trades          TopicConfig   `mapstructure:"trades"`
	SoldLeaderboard TopicConfig   `mapstructure:"sold_leaderboard"`
	SoldIndexer     TopicConfig   `mapstructure:"sold_indexer"`
	NewAuctions     TopicConfig   `mapstructure:"new_auctions"`
	Recovery        TopicConfig   `mapstructure:"recovery"`
}

// IngestConfig tunes the dedup/persistence layer.
type IngestConfig struct {
	FlipRetries    int           `mapstructure:"flip_retries"`
	FlipRetryDelay time.Duration `mapstructure:"flip_retry_delay"`
}

// DetectionConfig carries the scoring constants and static id sets.
type DetectionConfig struct {
	WindowMinutes      int     `mapstructure:"window_minutes"`
	LongLookbackFactor int     `mapstructure:"long_lookback_factor"`
	AntiMacroFactor    int     `mapstructure:"anti_macro_factor"`
	BadPlayerIDs       []int64 `mapstructure:"bad_player_ids"`
	KnownMacroerIDs    []int64 `mapstructure:"known_macroer_ids"`
}

// AlertingConfig defines moderation alert thresholds and routing.
type AlertingConfig struct {
	Enabled          bool           `mapstructure:"enabled"`
	PenaltyThreshold float64        `mapstructure:"penalty_threshold"`
	Telegram         TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig routes alerts to a Telegram chat.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// FeedConfig points the websocket firehose bridge at its source.
type FeedConfig struct {
	URL              string        `mapstructure:"url"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FLIPSENTINEL")
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
	v.SetDefault("app.name", "flipsentinel")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("consumer.block_time", "5s")
	v.SetDefault("consumer.handler_retries", 3)

	v.SetDefault("consumer.new_flips.stream", "flips:new")
	v.SetDefault("consumer.new_flips.group", "sentinel")
	v.SetDefault("consumer.new_flips.batch_size", 50)
	v.SetDefault("consumer.new_flips.max_age", "1h")

	v.SetDefault("consumer.flip_events.stream", "flips:events")
	v.SetDefault("consumer.flip_events.group", "sentinel")
	v.SetDefault("consumer.flip_events.batch_size", 50)
	v.SetDefault("consumer.flip_events.max_age", "1h")

	v.SetDefault("consumer.trades.stream", "trades")
	v.SetDefault("consumer.trades.group", "sentinel")
	v.SetDefault("consumer.trades.batch_size", 10)
	v.SetDefault("consumer.trades.max_age", "1h")

	v.SetDefault("consumer.sold_leaderboard.stream", "auctions:sold")
	v.SetDefault("consumer.sold_leaderboard.group", "leaderboard")
	v.SetDefault("consumer.sold_leaderboard.batch_size", 1)
	v.SetDefault("consumer.sold_leaderboard.max_age", "1h")

	v.SetDefault("consumer.sold_indexer.stream", "auctions:sold")
	v.SetDefault("consumer.sold_indexer.group", "indexer")
	v.SetDefault("consumer.sold_indexer.batch_size", 20)
	v.SetDefault("consumer.sold_indexer.max_age", "48h")
	v.SetDefault("consumer.sold_indexer.soft_timeout", "5s")
	v.SetDefault("consumer.sold_indexer.backoff", "20s")

	v.SetDefault("consumer.new_auctions.stream", "auctions:new")
	v.SetDefault("consumer.new_auctions.group", "sentinel")
	v.SetDefault("consumer.new_auctions.batch_size", 50)
	v.SetDefault("consumer.new_auctions.max_age", "1h")

	v.SetDefault("consumer.recovery.stream", "flips:recover")
	v.SetDefault("consumer.recovery.group", "sentinel")
	v.SetDefault("consumer.recovery.batch_size", 25)
	v.SetDefault("consumer.recovery.max_age", "96h")

	v.SetDefault("ingest.flip_retries", 10)
	v.SetDefault("ingest.flip_retry_delay", "100ms")

	v.SetDefault("detection.window_minutes", 20)
	v.SetDefault("detection.long_lookback_factor", 30)
	v.SetDefault("detection.anti_macro_factor", 6)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.penalty_threshold", 4.0)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("feed.handshake_timeout", "10s")
	v.SetDefault("feed.heartbeat_timeout", "60s")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Ingest.FlipRetries <= 0 {
		return fmt.Errorf("ingest.flip_retries must be greater than zero")
	}
	if c.Consumer.HandlerRetries <= 0 {
		return fmt.Errorf("consumer.handler_retries must be greater than zero")
	}
	if c.Detection.WindowMinutes <= 0 {
		return fmt.Errorf("detection.window_minutes must be greater than zero")
	}
	if c.Detection.LongLookbackFactor <= 0 {
		return fmt.Errorf("detection.long_lookback_factor must be greater than zero")
	}
	if c.Detection.AntiMacroFactor <= 0 {
		return fmt.Errorf("detection.anti_macro_factor must be greater than zero")
	}
	if c.Alerting.PenaltyThreshold < 0 {
		return fmt.Errorf("alerting.penalty_threshold cannot be negative")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	for _, topic := range c.Topics() {
		if topic.Stream == "" || topic.Group == "" {
			return fmt.Errorf("consumer topics require stream and group names")
		}
		if topic.BatchSize <= 0 {
			return fmt.Errorf("consumer topic %s: batch_size must be greater than zero", topic.Stream)
		}
	}
	return nil
}

// Topics lists every configured consumption topic.
func (c *Config) Topics() []TopicConfig {
	return []TopicConfig{
		c.Consumer.NewFlips,
		c.Consumer.FlipEvents,
		c.Consumer.Trades,
		c.Consumer.SoldLeaderboard,
		c.Consumer.SoldIndexer,
		c.Consumer.NewAuctions,
		c.Consumer.Recovery,
	}
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
