package dex

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"ghostSettler/internal/model"
)

// ContractCaller is the read-only call primitive the bindings need.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Extsload reads one raw storage word through the pool manager's extsload.
func Extsload(ctx context.Context, caller ContractCaller, manager common.Address, slot common.Hash) (common.Hash, error) {
	parsed, err := PoolManagerABI()
	if err != nil {
		return common.Hash{}, fmt.Errorf("parse pool manager abi: %w", err)
	}
	values, err := callMethod(ctx, caller, manager, parsed, "extsload", nil, slot)
	if err != nil {
		return common.Hash{}, err
	}
	word, ok := values[0].([32]byte)
	if !ok {
		return common.Hash{}, fmt.Errorf("extsload: unsupported word type %T", values[0])
	}
	return common.Hash(word), nil
}

// IsPermitUsed asks the hook's ledger whether (provider, nonce) was consumed.
func IsPermitUsed(ctx context.Context, caller ContractCaller, hook common.Address, provider common.Address, nonce *big.Int) (bool, error) {
	parsed, err := HookABI()
	if err != nil {
		return false, fmt.Errorf("parse hook abi: %w", err)
	}
	values, err := callMethod(ctx, caller, hook, parsed, "isPermitUsed", nil, provider, nonce)
	if err != nil {
		return false, err
	}
	used, ok := values[0].(bool)
	if !ok {
		return false, fmt.Errorf("isPermitUsed: unsupported result type %T", values[0])
	}
	return used, nil
}

type poolKeyArg struct {
	Currency0   common.Address
	Currency1   common.Address
	Fee         *big.Int
	TickSpacing *big.Int
	Hooks       common.Address
}

type swapParamsArg struct {
	ZeroForOne        bool
	AmountSpecified   *big.Int
	SqrtPriceLimitX96 *big.Int
}

// SwapParams are the directional trade parameters passed to execute.
type SwapParams struct {
	ZeroForOne        bool
	AmountSpecified   *big.Int
	SqrtPriceLimitX96 *big.Int
}

// PackExecute encodes the executor's execute call.
func PackExecute(key model.PoolKey, params SwapParams, hookData []byte, recipient common.Address) ([]byte, error) {
	parsed, err := ExecutorABI()
	if err != nil {
		return nil, fmt.Errorf("parse executor abi: %w", err)
	}
	data, err := parsed.Pack("execute",
		poolKeyArg{
			Currency0:   key.Currency0,
			Currency1:   key.Currency1,
			Fee:         new(big.Int).SetUint64(uint64(key.Fee)),
			TickSpacing: big.NewInt(int64(key.TickSpacing)),
			Hooks:       key.Hooks,
		},
		swapParamsArg{
			ZeroForOne:        params.ZeroForOne,
			AmountSpecified:   params.AmountSpecified,
			SqrtPriceLimitX96: params.SqrtPriceLimitX96,
		},
		hookData,
		recipient,
	)
	if err != nil {
		return nil, fmt.Errorf("pack execute: %w", err)
	}
	return data, nil
}

// UnpackExecuteDelta splits the packed BalanceDelta returned by execute into
// its signed amount0 (high 128 bits) and amount1 (low 128 bits).
func UnpackExecuteDelta(output []byte) (*big.Int, *big.Int, error) {
	parsed, err := ExecutorABI()
	if err != nil {
		return nil, nil, fmt.Errorf("parse executor abi: %w", err)
	}
	values, err := parsed.Unpack("execute", output)
	if err != nil {
		return nil, nil, fmt.Errorf("unpack execute: %w", err)
	}
	delta, err := asBigInt(values[0])
	if err != nil {
		return nil, nil, fmt.Errorf("execute delta: %w", err)
	}
	amount0, amount1 := SplitBalanceDelta(delta)
	return amount0, amount1, nil
}

// SplitBalanceDelta decodes an int256 holding two packed int128 values.
func SplitBalanceDelta(delta *big.Int) (*big.Int, *big.Int) {
	word := common.BigToHash(toTwos256(delta))
	return int128FromBytes(word[:16]), int128FromBytes(word[16:])
}

func callMethod(ctx context.Context, caller ContractCaller, to common.Address, parsed abi.ABI, method string, block *big.Int, args ...interface{}) ([]interface{}, error) {
	if caller == nil {
		return nil, fmt.Errorf("contract caller is nil")
	}
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	msg := ethereum.CallMsg{To: &to, Data: data}
	resp, err := caller.CallContract(ctx, msg, block)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	values, err := parsed.Unpack(method, resp)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("unpack %s: empty result", method)
	}
	return values, nil
}

var two256 = new(big.Int).Lsh(big.NewInt(1), 256)

func toTwos256(value *big.Int) *big.Int {
	if value.Sign() >= 0 {
		return value
	}
	return new(big.Int).Add(value, two256)
}

func int128FromBytes(b []byte) *big.Int {
	out := new(big.Int).SetBytes(b)
	if len(b) > 0 && b[0]&0x80 != 0 {
		out.Sub(out, new(big.Int).Lsh(big.NewInt(1), uint(len(b)*8)))
	}
	return out
}

func asBigInt(value interface{}) (*big.Int, error) {
	switch v := value.(type) {
	case *big.Int:
		return new(big.Int).Set(v), nil
	case big.Int:
		return new(big.Int).Set(&v), nil
	case int64:
		return big.NewInt(v), nil
	case uint64:
		return new(big.Int).SetUint64(v), nil
	default:
		return nil, fmt.Errorf("unsupported int type %T", value)
	}
}
