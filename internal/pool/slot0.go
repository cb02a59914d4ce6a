package pool

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"ghostSettler/internal/model"
)

var (
	mask160 = new(uint256.Int).Sub(new(uint256.Int).Lsh(uint256.NewInt(1), 160), uint256.NewInt(1))
	mask24  = uint256.NewInt(0xFFFFFF)
)

// DecodeSlot0 unpacks a pool state word.
// Layout from the least significant bit: sqrtPriceX96 (160), tick (24),
// protocolFee (24), lpFee (24).
func DecodeSlot0(word common.Hash) model.PoolSnapshot {
	w := new(uint256.Int).SetBytes32(word[:])

	sqrt := new(uint256.Int).And(w, mask160)
	tick := new(uint256.Int).And(new(uint256.Int).Rsh(w, 160), mask24)
	protocolFee := new(uint256.Int).And(new(uint256.Int).Rsh(w, 184), mask24)
	lpFee := new(uint256.Int).And(new(uint256.Int).Rsh(w, 208), mask24)

	return model.PoolSnapshot{
		Raw:          word,
		SqrtPriceX96: sqrt.ToBig(),
		Tick:         SignExtend24(uint32(tick.Uint64())),
		ProtocolFee:  uint32(protocolFee.Uint64()),
		LPFee:        uint32(lpFee.Uint64()),
	}
}

// SignExtend24 interprets the low 24 bits of raw as a two's-complement value.
func SignExtend24(raw uint32) int32 {
	raw &= 0xFFFFFF
	if raw&0x800000 != 0 {
		return int32(raw) - 1<<24
	}
	return int32(raw)
}
