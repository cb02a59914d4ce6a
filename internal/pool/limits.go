package pool

import (
	"errors"
	"fmt"
	"math/big"

	"ghostSettler/internal/model"
)

var (
	// MinSqrtPrice and MaxSqrtPrice are the protocol's sqrtPriceX96 bounds.
	MinSqrtPrice = big.NewInt(4295128739)
	MaxSqrtPrice = mustBig("1461446703485210103287273052203988822378723970342")

	ErrUninitialized = errors.New("pool uninitialized")
	ErrDrained       = errors.New("pool liquidity drained")
)

// DefaultDrainToleranceBps treats prices within 0.1% of a bound as drained.
const DefaultDrainToleranceBps uint64 = 10

// LimitPolicy turns a snapshot and a direction into a sqrtPriceLimitX96.
type LimitPolicy struct {
	AllowUninitialized bool
	DrainToleranceBps  uint64
}

// Limit returns the directional price bound. Selling currency0 (zeroForOne)
// moves price down: max(P*0.8, MIN+1). Otherwise: min(P*1.2, MAX-1).
func (p LimitPolicy) Limit(snap model.PoolSnapshot, zeroForOne bool) (*big.Int, error) {
	if !snap.Initialized() || snap.SqrtPriceX96 == nil || snap.SqrtPriceX96.Sign() == 0 {
		if !p.AllowUninitialized {
			return nil, fmt.Errorf("%w: %s", ErrUninitialized, snap.PoolID.Hex())
		}
		return fallbackLimit(zeroForOne), nil
	}

	price := snap.SqrtPriceX96
	if p.Drained(price) {
		return nil, fmt.Errorf("%w: sqrtPriceX96 %s at bound", ErrDrained, price.String())
	}
	return DirectionalLimit(price, zeroForOne), nil
}

// Drained reports whether price sits within the tolerance of either bound.
func (p LimitPolicy) Drained(price *big.Int) bool {
	lower := new(big.Int).Mul(MinSqrtPrice, big.NewInt(int64(10_000+p.DrainToleranceBps)))
	lower.Quo(lower, big.NewInt(10_000))

	upper := new(big.Int).Mul(MaxSqrtPrice, big.NewInt(int64(10_000-minBps(p.DrainToleranceBps))))
	upper.Quo(upper, big.NewInt(10_000))

	return price.Cmp(lower) <= 0 || price.Cmp(upper) >= 0
}

// DirectionalLimit applies the 20% band clamped inside the protocol bounds.
func DirectionalLimit(price *big.Int, zeroForOne bool) *big.Int {
	if zeroForOne {
		limit := new(big.Int).Mul(price, big.NewInt(8))
		limit.Quo(limit, big.NewInt(10))
		floor := new(big.Int).Add(MinSqrtPrice, big.NewInt(1))
		if limit.Cmp(floor) < 0 {
			return floor
		}
		return limit
	}
	limit := new(big.Int).Mul(price, big.NewInt(12))
	limit.Quo(limit, big.NewInt(10))
	ceiling := new(big.Int).Sub(MaxSqrtPrice, big.NewInt(1))
	if limit.Cmp(ceiling) > 0 {
		return ceiling
	}
	return limit
}

func fallbackLimit(zeroForOne bool) *big.Int {
	if zeroForOne {
		return new(big.Int).Add(MinSqrtPrice, big.NewInt(1))
	}
	return new(big.Int).Sub(MaxSqrtPrice, big.NewInt(1))
}

func minBps(bps uint64) uint64 {
	if bps > 10_000 {
		return 10_000
	}
	return bps
}

func mustBig(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("invalid big integer constant " + s)
	}
	return v
}
