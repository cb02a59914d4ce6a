package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"ghostSettler/internal/config"
	"ghostSettler/internal/metrics"
	"ghostSettler/internal/model"
	"ghostSettler/internal/pool"
)

type poolReport struct {
	Key          model.PoolKey `json:"key"`
	PoolID       string        `json:"pool_id"`
	StateSlot    string        `json:"state_slot"`
	Raw          string        `json:"raw"`
	Initialized  bool          `json:"initialized"`
	SqrtPriceX96 string        `json:"sqrt_price_x96"`
	Tick         int32         `json:"tick"`
	ProtocolFee  uint32        `json:"protocol_fee"`
	LPFee        uint32        `json:"lp_fee"`
	Drained      bool          `json:"drained"`
	Limits       limitReport   `json:"limits"`
}

type limitReport struct {
	ZeroForOne string `json:"zero_for_one"`
	OneForZero string `json:"one_for_zero"`
}

func runPool(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}
	token0, _ := cmd.Flags().GetString("token0")
	token1, _ := cmd.Flags().GetString("token1")
	fee, _ := cmd.Flags().GetUint32("fee")
	tickSpacing, _ := cmd.Flags().GetInt32("tick-spacing")
	if token0 == "" || token1 == "" {
		return fmt.Errorf("token0 and token1 are required")
	}

	logger, err := newLogger(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx := context.Background()
	rs, err := buildReadSide(ctx, cfg, metrics.New(newRegistry()), logger)
	if err != nil {
		return err
	}
	defer rs.Close()

	a, err := rs.registry.Resolve(token0)
	if err != nil {
		return fmt.Errorf("token0: %w", err)
	}
	b, err := rs.registry.Resolve(token1)
	if err != nil {
		return fmt.Errorf("token1: %w", err)
	}

	key := pool.NewKey(a.Address, b.Address, fee, tickSpacing, rs.hook)
	id, err := pool.ComputeID(key)
	if err != nil {
		return err
	}
	snap, err := rs.reader.Snapshot(ctx, key)
	if err != nil {
		return err
	}

	report := poolReport{
		Key:         key,
		PoolID:      id.Hex(),
		StateSlot:   snap.Slot.Hex(),
		Raw:         snap.Raw.Hex(),
		Initialized: snap.Initialized(),
		Tick:        snap.Tick,
		ProtocolFee: snap.ProtocolFee,
		LPFee:       snap.LPFee,
	}
	if snap.SqrtPriceX96 != nil {
		report.SqrtPriceX96 = snap.SqrtPriceX96.String()
		report.Drained = rs.policy.Drained(snap.SqrtPriceX96)
	}
	report.Limits.ZeroForOne = limitString(rs.policy, snap, true)
	report.Limits.OneForZero = limitString(rs.policy, snap, false)

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

func limitString(policy pool.LimitPolicy, snap model.PoolSnapshot, zeroForOne bool) string {
	limit, err := policy.Limit(snap, zeroForOne)
	switch {
	case errors.Is(err, pool.ErrUninitialized):
		return "uninitialized"
	case errors.Is(err, pool.ErrDrained):
		return "drained"
	case err != nil:
		return err.Error()
	}
	return limit.String()
}
