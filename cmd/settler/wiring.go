package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"ghostSettler/internal/assets"
	"ghostSettler/internal/chain"
	"ghostSettler/internal/config"
	"ghostSettler/internal/metrics"
	"ghostSettler/internal/model"
	"ghostSettler/internal/permit"
	"ghostSettler/internal/pool"
	"ghostSettler/internal/retry"
	"ghostSettler/internal/settlement"
	"ghostSettler/internal/source"
	"ghostSettler/internal/storage"
	"ghostSettler/internal/storage/postgres"
)

// readSide holds what every command needs to look at pools.
type readSide struct {
	client   *chain.Client
	retry    *retry.Caller
	registry *assets.Registry
	reader   *pool.Reader
	policy   pool.LimitPolicy
	hook     common.Address
}

// engine is the full settlement stack built for run and settle.
type engine struct {
	*readSide
	executor *settlement.Executor
	source   source.Source
	redis    *source.Redis
	sink     storage.Storage
	pg       *postgres.Store
	logger   *zap.Logger
}

func buildReadSide(ctx context.Context, cfg config.Config, m *metrics.Metrics, logger *zap.Logger) (*readSide, error) {
	if err := cfg.ValidateRead(); err != nil {
		return nil, err
	}

	overrides, err := assets.ParseTokenOverrides(cfg.Tokens)
	if err != nil {
		return nil, err
	}
	registry := assets.NewRegistry(append(assets.DefaultTokens(), overrides...), cfg.AllowNative)

	manager, err := assets.ParseAddress(cfg.PoolManager)
	if err != nil {
		return nil, fmt.Errorf("pool manager: %w", err)
	}
	hook, err := assets.ParseAddress(cfg.Hook)
	if err != nil {
		return nil, fmt.Errorf("hook: %w", err)
	}

	client, err := chain.NewClient(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("connect rpc: %w", err)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("chain id: %w", err)
	}
	if cfg.ChainID != 0 && chainID.Uint64() != cfg.ChainID {
		client.Close()
		return nil, fmt.Errorf("rpc chain id %s does not match configured %d", chainID, cfg.ChainID)
	}

	retryCaller := retry.NewCaller(retry.Config{
		MaxAttempts: cfg.MaxRetries,
		BaseDelay:   cfg.RetryBackoff,
		RatePerSec:  cfg.RPCRate,
		OnRetry:     m.RPCRetry,
	}, logger)

	var slots pool.StorageReader
	switch cfg.StorageMode {
	case config.StorageGetStorage:
		slots = pool.GetStorageReader{Client: client, Manager: manager}
	default:
		slots = pool.ExtsloadReader{Caller: client, Manager: manager}
	}

	return &readSide{
		client:   client,
		retry:    retryCaller,
		registry: registry,
		reader:   pool.NewReader(slots, retryCaller, cfg.PoolSlot, logger),
		policy: pool.LimitPolicy{
			AllowUninitialized: cfg.AllowUninitialized,
			DrainToleranceBps:  cfg.DrainToleranceBps,
		},
		hook: hook,
	}, nil
}

func buildEngine(ctx context.Context, cfg config.Config, m *metrics.Metrics, logger *zap.Logger) (*engine, error) {
	if err := cfg.ValidateSettle(); err != nil {
		return nil, err
	}
	rs, err := buildReadSide(ctx, cfg, m, logger)
	if err != nil {
		return nil, err
	}
	e := &engine{readSide: rs, logger: logger}
	if err := e.init(ctx, cfg, m); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

func (e *engine) init(ctx context.Context, cfg config.Config, m *metrics.Metrics) error {
	permit2, err := assets.ParseAddress(cfg.Permit2)
	if err != nil {
		return fmt.Errorf("permit2: %w", err)
	}
	executorAddr, err := assets.ParseAddress(cfg.Executor)
	if err != nil {
		return fmt.Errorf("executor: %w", err)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return fmt.Errorf("private key: %w", err)
	}

	ledger := settlement.NewHookLedger(e.client, e.hook, e.retry)
	verifier := permit.NewVerifier(permit.Domain{
		ChainID: new(big.Int).SetUint64(cfg.ChainID),
		Permit2: permit2,
		Hook:    e.hook,
	}, ledger, e.logger)

	submitter, err := settlement.NewTxSubmitter(e.client, settlement.TxSubmitterConfig{
		ChainID:        new(big.Int).SetUint64(cfg.ChainID),
		Executor:       executorAddr,
		PrivateKey:     key,
		GasMultiplier:  cfg.GasMultiplier,
		ReceiptTimeout: cfg.ReceiptTimeout,
	}, e.retry, e.logger)
	if err != nil {
		return err
	}

	e.executor, err = settlement.NewExecutor(settlement.ExecutorDeps{
		Normalizer: settlement.NewNormalizer(e.registry, e.hook),
		Verifier:   verifier,
		Reader:     e.reader,
		Policy:     e.policy,
		Submitter:  submitter,
		Ledger:     ledger,
		Hook:       e.hook,
		Metrics:    m,
		Logger:     e.logger,
	})
	if err != nil {
		return err
	}

	if cfg.RedisURL != "" {
		e.redis, err = source.NewRedis(cfg.RedisURL, cfg.RedisKey, cfg.RedisChannel, e.logger)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		e.source = e.redis
	} else {
		e.source = source.NewRelayer(cfg.RelayerURL, cfg.RelayerWS, 10*time.Second, e.logger)
	}

	sinks := storage.Multi{}
	if cfg.ResultsOut != "" {
		sinks = append(sinks, storage.NewJsonlStorage(cfg.ResultsOut))
	}
	if cfg.PGDSN != "" {
		e.pg, err = postgres.NewStore(ctx, cfg.PGDSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		if err := e.pg.Migrate(ctx); err != nil {
			return err
		}
		sinks = append(sinks, e.pg)
	}
	e.sink = sinks

	e.logger.Info("settler configured",
		zap.String("rpc", cfg.RPCURL),
		zap.Uint64("chain_id", cfg.ChainID),
		zap.String("hook", e.hook.Hex()),
		zap.String("executor", executorAddr.Hex()),
		zap.String("operator", submitter.From().Hex()),
		zap.String("storage_mode", cfg.StorageMode),
		zap.Bool("redis", e.redis != nil),
		zap.Bool("postgres", e.pg != nil),
	)
	return nil
}

// settle runs one attempt and records its result in every sink.
func (e *engine) settle(ctx context.Context, trigger model.Intent, companions []model.Intent) model.ExecutionResult {
	res := e.executor.Execute(ctx, trigger, companions)

	if err := e.sink.PutResultBatch(ctx, []model.ExecutionResult{res}); err != nil {
		e.logger.Error("record result", zap.String("attempt_id", res.AttemptID), zap.Error(err))
	}
	if e.redis != nil && len(res.SettledIDs) > 0 {
		if err := e.redis.MarkSettled(ctx, res.SettledIDs, res.TxHash); err != nil {
			e.logger.Warn("mark settled in store", zap.Strings("intent_ids", res.SettledIDs), zap.Error(err))
		}
	}
	return res
}

func (e *engine) Close() {
	if e.redis != nil {
		_ = e.redis.Close()
	}
	if e.pg != nil {
		e.pg.Close()
	}
	e.readSide.Close()
}

func (r *readSide) Close() {
	if r != nil && r.client != nil {
		r.client.Close()
	}
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

func isContextDone(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
