package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Storage modes for reading pool state.
const (
	StorageExtsload   = "extsload"
	StorageGetStorage = "getstorage"
)

// Floors applied to poll-interval and dedup-ttl.
const (
	MinPollInterval = 5 * time.Second
	MinDedupTTL     = time.Second
)

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	RPCURL      string
	ChainID     uint64
	PrivateKey  string
	Permit2     string
	Hook        string
	Executor    string
	PoolManager string
	PoolSlot    uint64
	StorageMode string

	AllowNative        bool
	AllowUninitialized bool
	DrainToleranceBps  uint64
	GasMultiplier      float64

	MaxRetries     int
	RetryBackoff   time.Duration
	RPCRate        float64
	ReceiptTimeout time.Duration

	PollInterval time.Duration
	DedupSize    int
	DedupTTL     time.Duration
	MaxRequeue   int

	RedisURL     string
	RedisKey     string
	RedisChannel string
	RelayerURL   string
	RelayerWS    string

	PGDSN       string
	ResultsOut  string
	MetricsAddr string

	LogLevel string
	LogFile  string
	Tokens   []string
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SETTLER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("rpc", "https://sepolia.unichain.org")
	v.SetDefault("chain-id", uint64(1301))
	v.SetDefault("permit2", "0x000000000022D473030F116dDEE9F6B43aC78BA3")
	v.SetDefault("hook", "0x2eb9Bc212868Ca74c0f9191B3a27990e0dfa80C8")
	v.SetDefault("pool-manager", "0x00B036B58a818B1BC34d502D3fE730Db729e62AC")
	v.SetDefault("pool-slot", uint64(6))
	v.SetDefault("storage-mode", StorageExtsload)
	v.SetDefault("drain-tolerance-bps", uint64(10))
	v.SetDefault("gas-multiplier", 1.2)
	v.SetDefault("max-retries", 3)
	v.SetDefault("retry-backoff", time.Second)
	v.SetDefault("receipt-timeout", 2*time.Minute)
	v.SetDefault("poll-interval", MinPollInterval)
	v.SetDefault("dedup-size", 10000)
	v.SetDefault("dedup-ttl", 24*time.Hour)
	v.SetDefault("max-requeue", 3)
	v.SetDefault("redis-key", "eidolon:orders")
	v.SetDefault("redis-channel", "eidolon:events")
	v.SetDefault("results-out", "./data/results.jsonl")
	v.SetDefault("metrics-addr", ":9102")
	v.SetDefault("log-level", "info")

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
		RPCURL:             v.GetString("rpc"),
		ChainID:            v.GetUint64("chain-id"),
		PrivateKey:         v.GetString("private-key"),
		Permit2:            v.GetString("permit2"),
		Hook:               v.GetString("hook"),
		Executor:           v.GetString("executor"),
		PoolManager:        v.GetString("pool-manager"),
		PoolSlot:           v.GetUint64("pool-slot"),
		StorageMode:        strings.ToLower(v.GetString("storage-mode")),
		AllowNative:        v.GetBool("allow-native"),
		AllowUninitialized: v.GetBool("allow-uninitialized"),
		DrainToleranceBps:  v.GetUint64("drain-tolerance-bps"),
		GasMultiplier:      v.GetFloat64("gas-multiplier"),
		MaxRetries:         v.GetInt("max-retries"),
		RetryBackoff:       v.GetDuration("retry-backoff"),
		RPCRate:            v.GetFloat64("rpc-rate"),
		ReceiptTimeout:     v.GetDuration("receipt-timeout"),
		PollInterval:       v.GetDuration("poll-interval"),
		DedupSize:          v.GetInt("dedup-size"),
		DedupTTL:           v.GetDuration("dedup-ttl"),
		MaxRequeue:         v.GetInt("max-requeue"),
		RedisURL:           v.GetString("redis-url"),
		RedisKey:           v.GetString("redis-key"),
		RedisChannel:       v.GetString("redis-channel"),
		RelayerURL:         v.GetString("relayer-url"),
		RelayerWS:          v.GetString("relayer-ws"),
		PGDSN:              v.GetString("pg-dsn"),
		ResultsOut:         v.GetString("results-out"),
		MetricsAddr:        v.GetString("metrics-addr"),
		LogLevel:           v.GetString("log-level"),
		LogFile:            v.GetString("log-file"),
		Tokens:             getStringSlice(v, "tokens"),
	}

	if cfg.PollInterval < MinPollInterval {
		cfg.PollInterval = MinPollInterval
	}
	if cfg.DedupTTL < MinDedupTTL {
		cfg.DedupTTL = MinDedupTTL
	}

	return cfg, nil
}

// ValidateSettle checks the values needed to submit settlements.
func (c Config) ValidateSettle() error {
	if err := c.ValidateRead(); err != nil {
		return err
	}
	if c.PrivateKey == "" {
		return fmt.Errorf("private key is required")
	}
	if c.Executor == "" {
		return fmt.Errorf("executor address is required")
	}
	if c.Permit2 == "" || c.Hook == "" {
		return fmt.Errorf("permit2 and hook addresses are required")
	}
	if c.RedisURL == "" && c.RelayerURL == "" {
		return fmt.Errorf("an intent source is required (redis-url or relayer-url)")
	}
	return nil
}

// ValidateRead checks the values needed to read pool state.
func (c Config) ValidateRead() error {
	if c.RPCURL == "" {
		return fmt.Errorf("rpc url is required")
	}
	if c.PoolManager == "" {
		return fmt.Errorf("pool manager address is required")
	}
	switch c.StorageMode {
	case StorageExtsload, StorageGetStorage:
	default:
		return fmt.Errorf("unknown storage mode %q", c.StorageMode)
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
