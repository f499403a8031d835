// Package config loads paygate server configuration from defaults, an
// optional YAML file and PAYGATE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds server configuration.
type Config struct {
	Listen   string `mapstructure:"listen" validate:"required"`
	LogLevel string `mapstructure:"log_level" validate:"oneof=DEBUG INFO WARN ERROR debug info warn error"`

	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Chain       ChainConfig       `mapstructure:"chain"`
	Facilitator FacilitatorConfig `mapstructure:"facilitator"`
	Payment     PaymentConfig     `mapstructure:"payment"`
	Policy      PolicyConfig      `mapstructure:"policy"`
	Receipts    ReceiptsConfig    `mapstructure:"receipts"`
	Events      EventsConfig      `mapstructure:"events"`
	Edge        EdgeConfig        `mapstructure:"edge"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
}

// DatabaseConfig selects the relational store. Driver "sqlite" runs the
// whole server from one local file; "postgres" uses URL.
type DatabaseConfig struct {
	Driver     string `mapstructure:"driver" validate:"oneof=sqlite postgres"`
	URL        string `mapstructure:"url" validate:"required_if=Driver postgres"`
	SQLitePath string `mapstructure:"sqlite_path" validate:"required_if=Driver sqlite"`
}

// RedisConfig enables the shared nonce store and rate limiter when Addr is set.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
}

// ChainConfig describes the settlement ledger.
type ChainConfig struct {
	RPCURL        string `mapstructure:"rpc_url"`
	Asset         string `mapstructure:"asset" validate:"required,eth_addr"`
	PayTo         string `mapstructure:"pay_to" validate:"required,eth_addr"`
	AssetDecimals int32  `mapstructure:"asset_decimals" validate:"gte=0,lte=36"`
}

// FacilitatorConfig configures the off-chain attestation service.
type FacilitatorConfig struct {
	URL     string        `mapstructure:"url" validate:"omitempty,url"`
	Secret  string        `mapstructure:"secret"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// PaymentConfig tunes quoting.
type PaymentConfig struct {
	QuoteTTL      time.Duration `mapstructure:"quote_ttl" validate:"gt=0"`
	LenientQuotes bool          `mapstructure:"lenient_quotes"`
	MaxSkew       time.Duration `mapstructure:"max_skew" validate:"gte=0"`
	NonceTTL      time.Duration `mapstructure:"nonce_ttl" validate:"gt=0"`
}

// PolicyConfig points at the route table and the optional policy seed.
type PolicyConfig struct {
	RoutesFile string `mapstructure:"routes_file" validate:"required"`
	SeedFile   string `mapstructure:"seed_file"`
	// Source is "seed" (memory store loaded from SeedFile) or "sql".
	Source string `mapstructure:"source" validate:"oneof=seed sql"`
}

// ReceiptsConfig selects the receipt ledger.
type ReceiptsConfig struct {
	Ledger   string `mapstructure:"ledger" validate:"oneof=sql s3 gcs"`
	Bucket   string `mapstructure:"bucket" validate:"required_unless=Ledger sql"`
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
	Prefix   string `mapstructure:"prefix"`
}

// EventsConfig adds a Kafka stream next to the SQL event table when brokers are set.
type EventsConfig struct {
	KafkaBrokers []string `mapstructure:"kafka_brokers"`
	KafkaTopic   string   `mapstructure:"kafka_topic"`
}

// EdgeConfig is the per-IP limiter in front of every route.
type EdgeConfig struct {
	RPS   float64 `mapstructure:"rps" validate:"gte=0"`
	Burst int     `mapstructure:"burst" validate:"gte=0"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	Endpoint   string  `mapstructure:"endpoint"`
	SampleRate float64 `mapstructure:"sample_rate" validate:"gte=0,lte=1"`
	Insecure   bool    `mapstructure:"insecure"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Listen:   ":8080",
		LogLevel: "INFO",
		Database: DatabaseConfig{Driver: "sqlite", SQLitePath: "paygate.db"},
		Chain: ChainConfig{
			Asset:         "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
			PayTo:         "0x000000000000000000000000000000000000dEaD",
			AssetDecimals: 6,
		},
		Facilitator: FacilitatorConfig{Timeout: 10 * time.Second},
		Payment: PaymentConfig{
			QuoteTTL: 3 * time.Minute,
			MaxSkew:  5 * time.Minute,
			NonceTTL: 24 * time.Hour,
		},
		Policy:    PolicyConfig{RoutesFile: "routes.yaml", Source: "seed"},
		Receipts:  ReceiptsConfig{Ledger: "sql"},
		Events:    EventsConfig{KafkaTopic: "paygate.enforcement-events"},
		Edge:      EdgeConfig{RPS: 20, Burst: 40},
		Telemetry: TelemetryConfig{Endpoint: "localhost:4317", SampleRate: 1.0, Insecure: true},
	}
}

// InitViper creates a viper instance with defaults registered, the config
// file read (when path is set) and PAYGATE_* environment variables bound.
//
// Precedence (highest to lowest): flags bound by the caller, environment,
// config file, defaults.
func InitViper(path string) (*viper.Viper, error) {
	v := viper.New()
	setViperDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		}
	}

	// PAYGATE_DATABASE_URL, PAYGATE_CHAIN_RPC_URL, ...
	v.SetEnvPrefix("PAYGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v, nil
}

func setViperDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("listen", d.Listen)
	v.SetDefault("log_level", d.LogLevel)

	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("database.url", d.Database.URL)
	v.SetDefault("database.sqlite_path", d.Database.SQLitePath)

	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)

	v.SetDefault("chain.rpc_url", d.Chain.RPCURL)
	v.SetDefault("chain.asset", d.Chain.Asset)
	v.SetDefault("chain.pay_to", d.Chain.PayTo)
	v.SetDefault("chain.asset_decimals", d.Chain.AssetDecimals)

	v.SetDefault("facilitator.url", d.Facilitator.URL)
	v.SetDefault("facilitator.secret", d.Facilitator.Secret)
	v.SetDefault("facilitator.timeout", d.Facilitator.Timeout)

	v.SetDefault("payment.quote_ttl", d.Payment.QuoteTTL)
	v.SetDefault("payment.lenient_quotes", d.Payment.LenientQuotes)
	v.SetDefault("payment.max_skew", d.Payment.MaxSkew)
	v.SetDefault("payment.nonce_ttl", d.Payment.NonceTTL)

	v.SetDefault("policy.routes_file", d.Policy.RoutesFile)
	v.SetDefault("policy.seed_file", d.Policy.SeedFile)
	v.SetDefault("policy.source", d.Policy.Source)

	v.SetDefault("receipts.ledger", d.Receipts.Ledger)
	v.SetDefault("receipts.bucket", d.Receipts.Bucket)
	v.SetDefault("receipts.region", d.Receipts.Region)
	v.SetDefault("receipts.endpoint", d.Receipts.Endpoint)
	v.SetDefault("receipts.prefix", d.Receipts.Prefix)

	v.SetDefault("events.kafka_brokers", []string{})
	v.SetDefault("events.kafka_topic", d.Events.KafkaTopic)

	v.SetDefault("edge.rps", d.Edge.RPS)
	v.SetDefault("edge.burst", d.Edge.Burst)

	v.SetDefault("telemetry.enabled", d.Telemetry.Enabled)
	v.SetDefault("telemetry.endpoint", d.Telemetry.Endpoint)
	v.SetDefault("telemetry.sample_rate", d.Telemetry.SampleRate)
	v.SetDefault("telemetry.insecure", d.Telemetry.Insecure)
}

// FromViper decodes and validates the configuration held by v.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Load is InitViper followed by FromViper.
func Load(path string) (*Config, error) {
	v, err := InitViper(path)
	if err != nil {
		return nil, err
	}
	return FromViper(v)
}
