package model

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// PoolKey identifies a pool by its sorted currency pair, fee tier, tick spacing and hook.
type PoolKey struct {
	Currency0   common.Address `json:"currency0"`
	Currency1   common.Address `json:"currency1"`
	Fee         uint32         `json:"fee"`
	TickSpacing int32          `json:"tick_spacing"`
	Hooks       common.Address `json:"hooks"`
}

// PoolSnapshot is the decoded slot0 word of a pool, read fresh for every attempt.
type PoolSnapshot struct {
	PoolID       common.Hash `json:"pool_id"`
	Slot         common.Hash `json:"slot"`
	Raw          common.Hash `json:"raw"`
	SqrtPriceX96 *big.Int    `json:"sqrt_price_x96"`
	Tick         int32       `json:"tick"`
	ProtocolFee  uint32      `json:"protocol_fee"`
	LPFee        uint32      `json:"lp_fee"`
}

// Initialized reports whether the pool's state word has been written.
func (s PoolSnapshot) Initialized() bool {
	return s.Raw != (common.Hash{})
}
