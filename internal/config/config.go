package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"volumeflex/internal/retry"
)

// EnvPrefix prefixes every environment override, e.g. VOLUMEFLEX_RPC.
const EnvPrefix = "VOLUMEFLEX"

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	RPCURL        string
	Chain         string
	Wallets       []string
	FromBlock     uint64
	ToBlock       uint64
	Lookback      uint64
	ChunkSize     uint64
	BroadScan     bool
	RequireSender bool
	Concurrency   int

	MaxRetries     int
	RetryDelay     time.Duration
	RetryJitter    bool
	RequestTimeout time.Duration

	RedisURL        string
	PriceTTL        time.Duration
	CoinGeckoURL    string
	CoinGeckoAPIKey string
	CoinGeckoRate   int
	FeedOverrides   map[string]string
	AssetOverrides  map[string]string

	PGDSN        string
	Out          string
	Checkpoint   string
	KafkaBrokers []string
	KafkaTopic   string

	Listen   string
	LogLevel string
	LogFile  string
}

// RetryPolicy returns the retry settings shared by RPC and HTTP calls.
func (c Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		Attempts:  c.MaxRetries,
		BaseDelay: c.RetryDelay,
		Jitter:    c.RetryJitter,
		Timeout:   c.RequestTimeout,
	}
}

// Load merges .env, config file, environment variables, and flags into Config.
// Flags win over env, env over the config file.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := Config{
		RPCURL:        v.GetString("rpc"),
		Chain:         v.GetString("chain"),
		Wallets:       getStringSlice(v, "wallet"),
		FromBlock:     v.GetUint64("from"),
		ToBlock:       v.GetUint64("to"),
		Lookback:      v.GetUint64("lookback"),
		ChunkSize:     v.GetUint64("chunk-size"),
		BroadScan:     v.GetBool("broad-scan"),
		RequireSender: v.GetBool("require-sender"),
		Concurrency:   v.GetInt("concurrency"),

		MaxRetries:     v.GetInt("max-retries"),
		RetryDelay:     v.GetDuration("retry-delay"),
		RetryJitter:    v.GetBool("retry-jitter"),
		RequestTimeout: v.GetDuration("request-timeout"),

		RedisURL:        v.GetString("redis-url"),
		PriceTTL:        v.GetDuration("price-ttl"),
		CoinGeckoURL:    v.GetString("coingecko-url"),
		CoinGeckoAPIKey: v.GetString("coingecko-api-key"),
		CoinGeckoRate:   v.GetInt("coingecko-rate"),
		FeedOverrides:   getStringMap(v, "feed"),
		AssetOverrides:  getStringMap(v, "coingecko-id"),

		PGDSN:        v.GetString("pg-dsn"),
		Out:          v.GetString("out"),
		Checkpoint:   v.GetString("checkpoint"),
		KafkaBrokers: getStringSlice(v, "kafka-brokers"),
		KafkaTopic:   v.GetString("kafka-topic"),

		Listen:   v.GetString("listen"),
		LogLevel: v.GetString("log-level"),
		LogFile:  v.GetString("log-file"),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("chain", "ethereum")
	v.SetDefault("lookback", uint64(100_000))
	v.SetDefault("chunk-size", uint64(2000))
	v.SetDefault("concurrency", 1)
	v.SetDefault("max-retries", 3)
	v.SetDefault("retry-delay", 2*time.Second)
	v.SetDefault("retry-jitter", true)
	v.SetDefault("request-timeout", 30*time.Second)
	v.SetDefault("price-ttl", 7*24*time.Hour)
	v.SetDefault("coingecko-url", "https://api.coingecko.com/api/v3")
	v.SetDefault("coingecko-rate", 30)
	v.SetDefault("kafka-topic", "volumeflex.trades")
	v.SetDefault("listen", ":8000")
	v.SetDefault("log-level", "info")
}

func (c Config) validate() error {
	if c.ChunkSize == 0 {
		return fmt.Errorf("chunk-size must be greater than zero")
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("max-retries must be at least 1")
	}
	if c.ToBlock != 0 && c.FromBlock > c.ToBlock {
		return fmt.Errorf("from block %d is after to block %d", c.FromBlock, c.ToBlock)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1")
	}
	return nil
}

func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func getStringSlice(v *viper.Viper, key string) []string {
	if !v.IsSet(key) {
		return nil
	}

	val := v.Get(key)
	switch typed := val.(type) {
	case []string:
		return cleanStrings(typed)
	case string:
		return splitAndClean(typed)
	case []interface{}:
		items := make([]string, 0, len(typed))
		for _, item := range typed {
			items = append(items, fmt.Sprintf("%v", item))
		}
		return cleanStrings(items)
	default:
		return nil
	}
}

func splitAndClean(input string) []string {
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	return cleanStrings(parts)
}

func cleanStrings(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}
