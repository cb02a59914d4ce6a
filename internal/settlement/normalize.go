package settlement

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"ghostSettler/internal/assets"
	"ghostSettler/internal/model"
	"ghostSettler/internal/pool"
)

const (
	maxFee         = 1<<24 - 1
	maxTickSpacing = 32767
)

var (
	ErrInvalidIntent = errors.New("invalid intent")
	ErrHookMismatch  = errors.New("intent hook does not match settlement hook")
)

// Normalizer resolves raw intents into their canonical on-chain form.
type Normalizer struct {
	registry *assets.Registry
	hook     common.Address
}

func NewNormalizer(registry *assets.Registry, hook common.Address) *Normalizer {
	return &Normalizer{registry: registry, hook: hook}
}

// Normalize resolves assets, scales the amount and recomputes the pool key and id.
// Every failure here is an input error and happens before any remote call.
func (n *Normalizer) Normalize(in model.Intent) (model.NormalizedIntent, error) {
	provider, err := assets.ParseAddress(in.Provider)
	if err != nil {
		return model.NormalizedIntent{}, fmt.Errorf("provider: %w", err)
	}

	input, err := n.registry.Resolve(in.TokenA)
	if err != nil {
		return model.NormalizedIntent{}, fmt.Errorf("input asset: %w", err)
	}
	counter, err := n.registry.Resolve(in.TokenB)
	if err != nil {
		return model.NormalizedIntent{}, fmt.Errorf("counter asset: %w", err)
	}
	if input.Address == counter.Address {
		return model.NormalizedIntent{}, fmt.Errorf("%w: input and counter asset are both %s", ErrInvalidIntent, input.Address.Hex())
	}

	hook := n.hook
	if strings.TrimSpace(in.HookAddress) != "" {
		declared, err := assets.ParseAddress(in.HookAddress)
		if err != nil {
			return model.NormalizedIntent{}, fmt.Errorf("hook: %w", err)
		}
		if declared != n.hook {
			return model.NormalizedIntent{}, fmt.Errorf("%w: %s", ErrHookMismatch, declared.Hex())
		}
	}

	if in.Fee > maxFee {
		return model.NormalizedIntent{}, fmt.Errorf("%w: fee %d exceeds uint24", ErrInvalidIntent, in.Fee)
	}
	if in.TickSpacing < 1 || in.TickSpacing > maxTickSpacing {
		return model.NormalizedIntent{}, fmt.Errorf("%w: tick spacing %d out of range", ErrInvalidIntent, in.TickSpacing)
	}

	amount, err := assets.ParseAmount(in.AmountA, input.Decimals)
	if err != nil {
		return model.NormalizedIntent{}, fmt.Errorf("amount: %w", err)
	}

	nonce, ok := parseUint256(in.Nonce)
	if !ok {
		return model.NormalizedIntent{}, fmt.Errorf("%w: nonce %q", ErrInvalidIntent, in.Nonce)
	}
	if in.Expiry <= 0 {
		return model.NormalizedIntent{}, fmt.Errorf("%w: expiry %d", ErrInvalidIntent, in.Expiry)
	}

	sig, err := hexutil.Decode(strings.TrimSpace(in.Signature))
	if err != nil {
		return model.NormalizedIntent{}, fmt.Errorf("%w: signature: %v", ErrInvalidIntent, err)
	}
	if len(sig) != 64 && len(sig) != 65 {
		return model.NormalizedIntent{}, fmt.Errorf("%w: signature length %d", ErrInvalidIntent, len(sig))
	}

	key := pool.NewKey(input.Address, counter.Address, in.Fee, in.TickSpacing, hook)
	id, err := pool.ComputeID(key)
	if err != nil {
		return model.NormalizedIntent{}, fmt.Errorf("pool id: %w", err)
	}

	return model.NormalizedIntent{
		Intent:        in,
		Provider:      provider,
		InputAsset:    input.Address,
		CounterAsset:  counter.Address,
		InputDecimals: input.Decimals,
		Amount:        amount,
		Nonce:         nonce,
		Deadline:      big.NewInt(in.DeadlineSeconds()),
		Key:           key,
		PoolID:        id,
		Signature:     sig,
	}, nil
}

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

func parseUint256(input string) (*big.Int, bool) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, false
	}
	value, ok := new(big.Int).SetString(input, 0)
	if !ok || value.Sign() < 0 || value.Cmp(maxUint256) > 0 {
		return nil, false
	}
	return value, true
}
