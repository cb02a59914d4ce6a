package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ghostSettler/internal/config"
	"ghostSettler/internal/metrics"
	"ghostSettler/internal/model"
	"ghostSettler/internal/source"
)

func runSettleOnce(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}
	id, _ := cmd.Flags().GetString("id")
	if id == "" {
		return fmt.Errorf("intent id is required")
	}

	logger, err := newLogger(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := buildEngine(ctx, cfg, metrics.New(newRegistry()), logger)
	if err != nil {
		return err
	}
	defer eng.Close()

	list, err := eng.source.List(ctx)
	if err != nil {
		return fmt.Errorf("list intents: %w", err)
	}
	trigger, ok := source.Find(list, id)
	if !ok {
		return fmt.Errorf("intent %s not found", id)
	}
	now := time.Now()
	if !source.Dispatchable(trigger, now) {
		logger.Warn("intent is not active or has expired", zap.String("intent_id", id), zap.String("status", string(trigger.Status)))
	}
	companions := source.Companions(list, trigger, now, nil)

	res := eng.settle(context.WithoutCancel(ctx), trigger, companions)

	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))

	if res.State != model.StateSettled {
		return fmt.Errorf("settlement %s at %s: %s", res.State, res.Stage, res.Reason)
	}
	return nil
}
