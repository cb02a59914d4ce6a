package model

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// IntentStatus is the lifecycle state reported by the intent store.
type IntentStatus string

const (
	IntentActive  IntentStatus = "Active"
	IntentExpired IntentStatus = "Expired"
	IntentRevoked IntentStatus = "Revoked"
	IntentSettled IntentStatus = "Settled"
)

const liquidityModeDualSided = "dual-sided"

// Intent is a signed ghost permit as published by the relayer.
// Expiry is unix milliseconds; the signed deadline is Expiry/1000.
type Intent struct {
	ID            string       `json:"id"`
	Provider      string       `json:"provider"`
	TokenA        string       `json:"tokenA"`
	TokenB        string       `json:"tokenB"`
	AmountA       string       `json:"amountA"`
	AmountB       string       `json:"amountB,omitempty"`
	Fee           uint32       `json:"fee"`
	TickSpacing   int32        `json:"tickSpacing"`
	HookAddress   string       `json:"hookAddress"`
	PoolID        string       `json:"poolId"`
	Nonce         string       `json:"nonce"`
	Expiry        int64        `json:"expiry"`
	Signature     string       `json:"signature"`
	LiquidityMode string       `json:"liquidityMode"`
	Status        IntentStatus `json:"status"`
	Timestamp     int64        `json:"timestamp,omitempty"`
	TxHash        string       `json:"txHash,omitempty"`
}

// DeadlineSeconds returns the signed deadline in unix seconds.
func (i Intent) DeadlineSeconds() int64 {
	return i.Expiry / 1000
}

// IsDualSided reports whether the provider supplies symmetric liquidity.
func (i Intent) IsDualSided() bool {
	return i.LiquidityMode == liquidityModeDualSided
}

// NormalizedIntent is an Intent with every field resolved to its canonical on-chain form.
type NormalizedIntent struct {
	Intent        Intent
	Provider      common.Address
	InputAsset    common.Address
	CounterAsset  common.Address
	InputDecimals uint8
	Amount        *big.Int
	Nonce         *big.Int
	Deadline      *big.Int
	Key           PoolKey
	PoolID        common.Hash
	Signature     []byte
}

// ZeroForOne reports whether the provider's input asset is the lower-sorted currency.
func (n NormalizedIntent) ZeroForOne() bool {
	return n.InputAsset == n.Key.Currency0
}
