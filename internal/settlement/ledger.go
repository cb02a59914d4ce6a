package settlement

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"ghostSettler/internal/dex"
	"ghostSettler/internal/retry"
)

// HookLedger reads the hook's own permit consumption ledger.
type HookLedger struct {
	caller dex.ContractCaller
	hook   common.Address
	retry  *retry.Caller
}

func NewHookLedger(caller dex.ContractCaller, hook common.Address, retryCaller *retry.Caller) *HookLedger {
	if retryCaller == nil {
		retryCaller = retry.NewCaller(retry.Config{MaxAttempts: 1}, nil)
	}
	return &HookLedger{caller: caller, hook: hook, retry: retryCaller}
}

// IsConsumed reports whether the hook recorded (provider, nonce) as used.
func (l *HookLedger) IsConsumed(ctx context.Context, provider common.Address, nonce *big.Int) (bool, error) {
	var used bool
	err := l.retry.Do(ctx, "isPermitUsed", func(ctx context.Context) error {
		var callErr error
		used, callErr = dex.IsPermitUsed(ctx, l.caller, l.hook, provider, nonce)
		return callErr
	})
	return used, err
}
