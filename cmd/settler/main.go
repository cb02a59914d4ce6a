package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	root := &cobra.Command{
		Use:          "settler",
		Short:        "Ghost permit settlement engine",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Watch the intent store and settle intents as they arrive",
		RunE:  runSettler,
	}
	addChainFlags(runCmd)
	addSettleFlags(runCmd)
	runCmd.Flags().Duration("poll-interval", 5*time.Second, "fallback poll interval (min 5s)")
	runCmd.Flags().Int("dedup-size", 10000, "processed-id set capacity")
	runCmd.Flags().Duration("dedup-ttl", 24*time.Hour, "processed-id retention")
	runCmd.Flags().Int("max-requeue", 3, "re-deliveries per unconfirmed intent")
	runCmd.Flags().String("metrics-addr", ":9102", "health and metrics listen address")
	root.AddCommand(runCmd)

	settleCmd := &cobra.Command{
		Use:   "settle",
		Short: "Settle one intent (with its companions) and print the result",
		RunE:  runSettleOnce,
	}
	addChainFlags(settleCmd)
	addSettleFlags(settleCmd)
	settleCmd.Flags().String("id", "", "intent id to settle")
	root.AddCommand(settleCmd)

	poolCmd := &cobra.Command{
		Use:   "pool",
		Short: "Read a pool's state and print the computed price limits",
		RunE:  runPool,
	}
	addChainFlags(poolCmd)
	poolCmd.Flags().String("token0", "", "first pool asset (symbol or address)")
	poolCmd.Flags().String("token1", "", "second pool asset (symbol or address)")
	poolCmd.Flags().Uint32("fee", 3000, "pool fee in hundredths of a bip")
	poolCmd.Flags().Int32("tick-spacing", 60, "pool tick spacing")
	root.AddCommand(poolCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func addChainFlags(cmd *cobra.Command) {
	cmd.Flags().String("rpc", "", "RPC URL")
	cmd.Flags().Uint64("chain-id", 1301, "expected chain id")
	cmd.Flags().String("hook", "", "settlement hook address")
	cmd.Flags().String("pool-manager", "", "pool manager address")
	cmd.Flags().Uint64("pool-slot", 6, "pool state mapping slot")
	cmd.Flags().String("storage-mode", "extsload", "pool state read mode (extsload, getstorage)")
	cmd.Flags().Bool("allow-native", false, "map native asset markers to the zero address")
	cmd.Flags().Bool("allow-uninitialized", false, "use protocol bounds for uninitialized pools (debug)")
	cmd.Flags().Uint64("drain-tolerance-bps", 10, "distance from a price bound treated as drained")
	cmd.Flags().Int("max-retries", 3, "maximum attempts per RPC call")
	cmd.Flags().Duration("retry-backoff", time.Second, "initial retry backoff")
	cmd.Flags().Float64("rpc-rate", 0, "RPC requests per second, 0 disables limiting")
	cmd.Flags().StringSlice("tokens", nil, "token overrides SYMBOL=address:decimals")
	cmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	cmd.Flags().String("log-file", "", "optional rotating log file")
}

func addSettleFlags(cmd *cobra.Command) {
	cmd.Flags().String("private-key", "", "operator private key (hex)")
	cmd.Flags().String("permit2", "", "Permit2 address")
	cmd.Flags().String("executor", "", "settlement executor contract address")
	cmd.Flags().Float64("gas-multiplier", 1.2, "gas estimate multiplier")
	cmd.Flags().Duration("receipt-timeout", 2*time.Minute, "receipt wait timeout")
	cmd.Flags().String("redis-url", "", "Redis URL of the intent store")
	cmd.Flags().String("redis-key", "eidolon:orders", "Redis key holding the intent list")
	cmd.Flags().String("redis-channel", "eidolon:events", "Redis pub/sub channel for new intents")
	cmd.Flags().String("relayer-url", "", "relayer base URL")
	cmd.Flags().String("relayer-ws", "", "relayer websocket feed URL")
	cmd.Flags().String("pg-dsn", "", "Postgres DSN for the attempt ledger")
	cmd.Flags().String("results-out", "./data/results.jsonl", "output JSONL path for attempt results")
}

func newLogger(level, file string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil || file == "" {
		return logger, err
	}

	rotating := zapcore.AddSync(&lumberjack.Logger{
		Filename:   file,
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     28,
		Compress:   true,
	})
	fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(cfg.EncoderConfig), rotating, cfg.Level)
	return logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, fileCore)
	})), nil
}
