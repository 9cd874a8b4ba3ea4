package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"volumeflex/internal/config"
)

func main() {
	root := &cobra.Command{
		Use:          "volumeflex",
		Short:        "Uniswap V3 wallet trading volume indexer",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().String("log-file", "", "optional rotating JSON log file")

	scanCmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan wallets for Uniswap V3 swaps and store priced trades",
		RunE:  runScan,
	}
	addChainFlags(scanCmd.Flags())
	addPriceFlags(scanCmd.Flags())
	addIngestFlags(scanCmd.Flags())
	addStorageFlags(scanCmd.Flags())
	root.AddCommand(scanCmd)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve volume summaries, on-demand ingestion and metrics over HTTP",
		RunE:  runServe,
	}
	serveCmd.Flags().String("listen", ":8000", "HTTP listen address")
	addChainFlags(serveCmd.Flags())
	addPriceFlags(serveCmd.Flags())
	addIngestFlags(serveCmd.Flags())
	addStorageFlags(serveCmd.Flags())
	root.AddCommand(serveCmd)

	priceCmd := &cobra.Command{
		Use:   "price",
		Short: "Resolve the historical USD price of one token",
		RunE:  runPrice,
	}
	priceCmd.Flags().String("token", "", "token address")
	priceCmd.Flags().String("at", "", "timestamp (unix seconds or RFC3339), empty means now")
	addChainFlags(priceCmd.Flags())
	addPriceFlags(priceCmd.Flags())
	root.AddCommand(priceCmd)

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the trades and wallets tables",
		RunE:  runMigrate,
	}
	migrateCmd.Flags().String("pg-dsn", "", "Postgres DSN")
	root.AddCommand(migrateCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func addChainFlags(flags *pflag.FlagSet) {
	flags.String("rpc", "", "Ethereum RPC URL")
	flags.Int("max-retries", 3, "maximum attempts per RPC or HTTP call")
	flags.Duration("retry-delay", 2*time.Second, "base retry delay, doubled per attempt")
	flags.Bool("retry-jitter", true, "add up to one second of random jitter to retry waits")
	flags.Duration("request-timeout", 30*time.Second, "per-attempt timeout, 0 disables")
}

func addPriceFlags(flags *pflag.FlagSet) {
	flags.String("redis-url", "", "Redis URL for the shared price cache, empty uses an in-process cache")
	flags.Duration("price-ttl", 7*24*time.Hour, "price cache entry lifetime")
	flags.String("coingecko-url", "https://api.coingecko.com/api/v3", "historical price API base URL")
	flags.String("coingecko-api-key", "", "historical price API key")
	flags.Int("coingecko-rate", 30, "historical price requests per minute, 0 disables limiting")
	flags.String("feed", "", "extra token->aggregator feed mappings (comma-separated key=value)")
	flags.String("coingecko-id", "", "extra token->coin id mappings (comma-separated key=value)")
}

func addIngestFlags(flags *pflag.FlagSet) {
	flags.StringSlice("wallet", nil, "wallet addresses (comma-separated)")
	flags.String("chain", "ethereum", "chain label stored with wallets")
	flags.Uint64("from", 0, "start block (inclusive), 0 resumes from checkpoint or looks back")
	flags.Uint64("to", 0, "end block (inclusive), 0 means latest")
	flags.Uint64("lookback", 100_000, "blocks scanned before head when no start block is known")
	flags.Uint64("chunk-size", 2000, "blocks per log query")
	flags.Bool("broad-scan", false, "also scan every swap in range and attribute by transaction sender")
	flags.Bool("require-sender", false, "require the transaction sender to be the wallet for every swap")
	flags.Int("concurrency", 1, "wallets ingested in parallel")
}

func addStorageFlags(flags *pflag.FlagSet) {
	flags.String("pg-dsn", "", "Postgres DSN, empty keeps trades in memory")
	flags.String("out", "", "optional JSONL export of newly stored trades")
	flags.String("checkpoint", "", "optional checkpoint file path")
	flags.StringSlice("kafka-brokers", nil, "Kafka brokers for trade publishing (comma-separated)")
	flags.String("kafka-topic", "volumeflex.trades", "Kafka topic for trade publishing")
}

func loadConfig(cmd *cobra.Command) (config.Config, *zap.Logger, error) {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := newLogger(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

func newLogger(level, logFile string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	if logFile == "" {
		return logger, nil
	}

	rotator := &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     30,
		Compress:   true,
	}
	fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(cfg.EncoderConfig), zapcore.AddSync(rotator), cfg.Level)
	return logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, fileCore)
	})), nil
}
