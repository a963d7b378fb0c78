package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"SaleOracle/pkg/logger"
	"SaleOracle/pkg/util"
)

// Known provider names for oracle.providers.
const (
	ProviderCoinMarketCap = "coinmarketcap"
	ProviderCoinGecko     = "coingecko"
	ProviderSynthetic     = "synthetic"
)

type Config struct {
	Environment string        `yaml:"environment" default:"development" validate:"required,oneof=development staging production"`
	Server      ServerConfig  `yaml:"server"`
	Metrics     MetricsConfig `yaml:"metrics"`
	Log         logger.Config `yaml:"log"`
	Oracle      OracleConfig  `yaml:"oracle"`

	CoinMarketCap ProviderConfig  `yaml:"coinmarketcap"`
	CoinGecko     CoinGeckoConfig `yaml:"coingecko"`
	Synthetic     SyntheticConfig `yaml:"synthetic"`

	Sale       SaleConfig       `yaml:"sale"`
	Stream     StreamConfig     `yaml:"stream"`
	Redis      RedisConfig      `yaml:"redis"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
}

type ServerConfig struct {
	Host            string        `yaml:"host" default:"0.0.0.0"`
	Port            int           `yaml:"port" default:"8080" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout" default:"10s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" default:"10s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"10s"`
	SlowThreshold   time.Duration `yaml:"slow_threshold" default:"2s"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path" default:"/metrics"`
}

type OracleConfig struct {
	ReferenceAsset  string        `yaml:"reference_asset" default:"SOL" validate:"required,alphanum"`
	QuoteCurrency   string        `yaml:"quote_currency" default:"USD" validate:"required,alpha"`
	Providers       []string      `yaml:"providers" default:"[\"coinmarketcap\",\"coingecko\"]" validate:"min=1,dive,oneof=coinmarketcap coingecko synthetic"`
	FreshnessWindow time.Duration `yaml:"freshness_window" default:"60s"`
	MaxRetries      int           `yaml:"max_retries" default:"3" validate:"min=0,max=10"`
	BaseDelay       time.Duration `yaml:"base_delay" default:"1s"`
	MaxDelay        time.Duration `yaml:"max_delay" default:"10s"`
	DefaultBlock    time.Duration `yaml:"default_block" default:"5m"`
	CallsPerMinute  int           `yaml:"calls_per_minute" default:"30" validate:"min=0"`
	SharedCache     bool          `yaml:"shared_cache"`
}

type ProviderConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout" default:"10s"`
}

type CoinGeckoConfig struct {
	ProviderConfig `yaml:",inline"`
	// IDs maps asset keys (SOL) to CoinGecko coin ids (solana).
	IDs map[string]string `yaml:"ids" default:"{\"SOL\":\"solana\",\"BTC\":\"bitcoin\",\"ETH\":\"ethereum\"}"`
}

type SyntheticConfig struct {
	BasePrice     float64 `yaml:"base_price" default:"100" validate:"gt=0"`
	SpreadPercent float64 `yaml:"spread_percent" default:"5" validate:"gte=0,lt=100"`
}

type StageConfig struct {
	ID           string `yaml:"id" validate:"required"`
	Name         string `yaml:"name" validate:"required"`
	PricePerUnit string `yaml:"price_per_unit" validate:"required,numeric"`
	UnitCap      *int64 `yaml:"unit_cap" validate:"omitempty,gt=0"`
	OpensAt      string `yaml:"opens_at"`
	ClosesAt     string `yaml:"closes_at"`
}

type SaleConfig struct {
	Stages []StageConfig `yaml:"stages" validate:"dive"`
}

type StreamConfig struct {
	Interval time.Duration `yaml:"interval" default:"30s"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host" default:"localhost"`
	Port     int    `yaml:"port" default:"6379"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix" default:"saleoracle"`
}

type KafkaConfig struct {
	Enabled          bool     `yaml:"enabled"`
	Brokers          []string `yaml:"brokers"`
	TransitionsTopic string   `yaml:"transitions_topic" default:"sale.stage-transitions"`
	LogsTopic        string   `yaml:"logs_topic" default:"sale.oracle-logs"`
	AdminTopic       string   `yaml:"admin_topic" default:"sale.oracle-admin"`
	RequiredAcks     int      `yaml:"required_acks" default:"-1"`
	Compression      string   `yaml:"compression" default:"gzip" validate:"oneof=gzip snappy lz4 zstd"`
	Producer         struct {
		MaxAttempts  int           `yaml:"max_attempts" default:"3"`
		Linger       time.Duration `yaml:"linger" default:"100ms"`
		BatchSize    int           `yaml:"batch_size" default:"100"`
		WriteTimeout time.Duration `yaml:"write_timeout" default:"10s"`
		ReadTimeout  time.Duration `yaml:"read_timeout" default:"10s"`
	} `yaml:"producer"`
	Consumer struct {
		GroupID    string        `yaml:"group_id" default:"sale-oracle"`
		Workers    int           `yaml:"workers" default:"1"`
		RetryMax   int           `yaml:"retry_max" default:"3"`
		BackoffMin time.Duration `yaml:"backoff_min" default:"50ms"`
		BackoffMax time.Duration `yaml:"backoff_max" default:"2s"`
		DLQTopic   string        `yaml:"dlq_topic"`
	} `yaml:"consumer"`
}

type ClickHouseConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Host             string        `yaml:"host" default:"localhost"`
	Port             int           `yaml:"port" default:"9000"`
	Database         string        `yaml:"database" default:"saleoracle"`
	Table            string        `yaml:"table" default:"price_observations"`
	User             string        `yaml:"user" default:"default"`
	Password         string        `yaml:"password"`
	UseHTTP          bool          `yaml:"use_http"`
	AsyncInsert      bool          `yaml:"async_insert"`
	WaitForAsync     bool          `yaml:"wait_for_async_insert"`
	DialTimeout      time.Duration `yaml:"dial_timeout" default:"5s"`
	ReadTimeout      time.Duration `yaml:"read_timeout" default:"10s"`
	MaxExecutionTime time.Duration `yaml:"max_execution_time" default:"30s"`
}

var validate = validator.New()

// Load reads and parses a YAML configuration file, applying defaults before validation.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// Parse decodes YAML bytes into a validated Config.
func Parse(b []byte) (*Config, error) {
	var c Config
	// defaults first so explicit zeros in the file survive
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("apply defaults: %w", err)
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &c, nil
}

// LoadWithEnv loads .env (when present) and config from YAML, then applies
// environment overrides and validates again.
func LoadWithEnv(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	c, err := Load(path)
	if err != nil {
		return nil, err
	}

	c.applyEnv()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("ENVIRONMENT"); v != "" {
		c.Environment = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("COINMARKETCAP_API_KEY"); v != "" {
		c.CoinMarketCap.APIKey = v
	}
	if v := os.Getenv("COINGECKO_API_KEY"); v != "" {
		c.CoinGecko.APIKey = v
	}
	if v := os.Getenv("ORACLE_PROVIDERS"); v != "" {
		c.Oracle.Providers = util.SplitList(v)
	}
	if v := os.Getenv("REFERENCE_ASSET"); v != "" {
		c.Oracle.ReferenceAsset = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		c.Server.Port = util.ParseIntDefault(v, c.Server.Port)
	}
	if v := os.Getenv("REDIS_HOST"); v != "" {
		c.Redis.Host = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = util.SplitList(v)
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	o := c.Oracle
	if o.FreshnessWindow < time.Second || o.FreshnessWindow > time.Hour {
		return fmt.Errorf("oracle.freshness_window must be between 1s and 60m, got %s", o.FreshnessWindow)
	}
	if o.BaseDelay <= 0 {
		return fmt.Errorf("oracle.base_delay must be positive")
	}
	if o.MaxDelay < o.BaseDelay {
		return fmt.Errorf("oracle.max_delay (%s) must not be below oracle.base_delay (%s)", o.MaxDelay, o.BaseDelay)
	}
	if o.DefaultBlock <= 0 {
		return fmt.Errorf("oracle.default_block must be positive")
	}

	seen := make(map[string]struct{}, len(o.Providers))
	for _, p := range o.Providers {
		if _, dup := seen[p]; dup {
			return fmt.Errorf("oracle.providers lists %q twice", p)
		}
		seen[p] = struct{}{}
		if p == ProviderCoinMarketCap && c.CoinMarketCap.APIKey == "" && c.Environment == "production" {
			return fmt.Errorf("coinmarketcap.api_key is required in production")
		}
	}
	if o.SharedCache && !c.Redis.Enabled {
		return fmt.Errorf("oracle.shared_cache requires redis.enabled")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers cannot be empty when kafka is enabled")
	}
	if c.Stream.Interval < 5*time.Second || c.Stream.Interval > 5*time.Minute {
		return fmt.Errorf("stream.interval must be between 5s and 5m, got %s", c.Stream.Interval)
	}

	ids := make(map[string]struct{}, len(c.Sale.Stages))
	for _, s := range c.Sale.Stages {
		if _, dup := ids[s.ID]; dup {
			return fmt.Errorf("sale.stages: duplicate id %q", s.ID)
		}
		ids[s.ID] = struct{}{}
		opens, closes, err := s.Window()
		if err != nil {
			return fmt.Errorf("sale.stages[%s]: %w", s.ID, err)
		}
		if opens != nil && closes != nil && !opens.Before(*closes) {
			return fmt.Errorf("sale.stages[%s]: opens_at must be before closes_at", s.ID)
		}
	}
	return nil
}

// Window parses the stage's optional open and close timestamps.
func (s StageConfig) Window() (opens, closes *time.Time, err error) {
	if opens, err = util.ParseOptionalTime(s.OpensAt); err != nil {
		return nil, nil, fmt.Errorf("opens_at: %w", err)
	}
	if closes, err = util.ParseOptionalTime(s.ClosesAt); err != nil {
		return nil, nil, fmt.Errorf("closes_at: %w", err)
	}
	return opens, closes, nil
}
