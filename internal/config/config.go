// Package config loads the service configuration from YAML files and
// TRADECORE_-prefixed environment variables, with sane defaults for
// local development.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full service configuration.
type Config struct {
	LogLevel string `mapstructure:"log_level"`

	HTTP      HTTPConfig      `mapstructure:"http"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Rebalance RebalanceConfig `mapstructure:"rebalance"`
	PriceFeed PriceFeedConfig `mapstructure:"pricefeed"`
	Pairs     []PairConfig    `mapstructure:"pairs"`
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// DatabaseConfig selects the gorm backend.
type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// RedisConfig configures the optional order cache.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// KafkaConfig configures the optional event publisher.
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// EngineConfig tunes the matching engine and risk gate.
type EngineConfig struct {
	QueueSize           int           `mapstructure:"queue_size"`
	DefaultHalfSpread   string        `mapstructure:"default_half_spread"`
	ExpirySweepInterval time.Duration `mapstructure:"expiry_sweep_interval"`
	PriceBand           string        `mapstructure:"price_band"`
}

// RebalanceConfig tunes the rebalancing engine.
type RebalanceConfig struct {
	CashAsset      string        `mapstructure:"cash_asset"`
	FeeRate        string        `mapstructure:"fee_rate"`
	MinLegNotional string        `mapstructure:"min_leg_notional"`
	CheckInterval  time.Duration `mapstructure:"check_interval"`
}

// PriceFeedConfig seeds the in-process price feed. Seeds map asset
// symbols to prices in the rebalance cash asset.
type PriceFeedConfig struct {
	Seeds map[string]string `mapstructure:"seeds"`
}

// PairConfig seeds one trading pair at startup.
type PairConfig struct {
	Symbol      string `mapstructure:"symbol"`
	BaseAsset   string `mapstructure:"base_asset"`
	QuoteAsset  string `mapstructure:"quote_asset"`
	TickSize    string `mapstructure:"tick_size"`
	MinQuantity string `mapstructure:"min_quantity"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "file:tradecore.db?cache=shared")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "tradecore.events")
	v.SetDefault("engine.queue_size", 1024)
	v.SetDefault("engine.default_half_spread", "0.001")
	v.SetDefault("engine.expiry_sweep_interval", time.Second)
	v.SetDefault("engine.price_band", "0.10")
	v.SetDefault("rebalance.cash_asset", "USDT")
	v.SetDefault("rebalance.fee_rate", "0.001")
	v.SetDefault("rebalance.min_leg_notional", "1")
	v.SetDefault("rebalance.check_interval", time.Minute)
}

// Load reads configuration. File paths are optional; missing files are
// skipped and environment variables always win.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("TRADECORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if len(paths) == 0 {
		paths = []string{"./config.yaml", "/etc/tradecore/config.yaml"}
	}
	for _, path := range paths {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("config: unsupported database driver %q", c.Database.Driver)
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("config: kafka enabled without brokers")
	}
	for _, p := range c.Pairs {
		if p.Symbol == "" || p.BaseAsset == "" || p.QuoteAsset == "" {
			return fmt.Errorf("config: pair %+v missing symbol or assets", p)
		}
	}
	return nil
}
