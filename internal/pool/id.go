package pool

import (
	"bytes"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"ghostSettler/internal/model"
)

// DefaultStateSlot is the pool manager's mapping slot for pool state.
const DefaultStateSlot uint64 = 6

var (
	keyArgs     abi.Arguments
	slotArgs    abi.Arguments
	argsOnce    sync.Once
	argsInitErr error
)

func initArgs() error {
	argsOnce.Do(func() {
		addressT, err := abi.NewType("address", "", nil)
		if err != nil {
			argsInitErr = err
			return
		}
		uint24T, err := abi.NewType("uint24", "", nil)
		if err != nil {
			argsInitErr = err
			return
		}
		int24T, err := abi.NewType("int24", "", nil)
		if err != nil {
			argsInitErr = err
			return
		}
		bytes32T, err := abi.NewType("bytes32", "", nil)
		if err != nil {
			argsInitErr = err
			return
		}
		uint256T, err := abi.NewType("uint256", "", nil)
		if err != nil {
			argsInitErr = err
			return
		}
		keyArgs = abi.Arguments{{Type: addressT}, {Type: addressT}, {Type: uint24T}, {Type: int24T}, {Type: addressT}}
		slotArgs = abi.Arguments{{Type: bytes32T}, {Type: uint256T}}
	})
	return argsInitErr
}

// NewKey sorts the pair ascending and returns the canonical pool key.
func NewKey(a, b common.Address, fee uint32, tickSpacing int32, hooks common.Address) model.PoolKey {
	if bytes.Compare(a.Bytes(), b.Bytes()) > 0 {
		a, b = b, a
	}
	return model.PoolKey{
		Currency0:   a,
		Currency1:   b,
		Fee:         fee,
		TickSpacing: tickSpacing,
		Hooks:       hooks,
	}
}

// ComputeID returns keccak256(abi.encode(currency0, currency1, fee, tickSpacing, hooks)).
func ComputeID(key model.PoolKey) (common.Hash, error) {
	if bytes.Compare(key.Currency0.Bytes(), key.Currency1.Bytes()) > 0 {
		return common.Hash{}, fmt.Errorf("pool key currencies not sorted")
	}
	if err := initArgs(); err != nil {
		return common.Hash{}, fmt.Errorf("init abi args: %w", err)
	}
	encoded, err := keyArgs.Pack(
		key.Currency0,
		key.Currency1,
		new(big.Int).SetUint64(uint64(key.Fee)),
		big.NewInt(int64(key.TickSpacing)),
		key.Hooks,
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("encode pool key: %w", err)
	}
	return crypto.Keccak256Hash(encoded), nil
}

// StateSlot returns the storage location of a pool's packed state word.
func StateSlot(id common.Hash, mappingSlot uint64) (common.Hash, error) {
	if err := initArgs(); err != nil {
		return common.Hash{}, fmt.Errorf("init abi args: %w", err)
	}
	encoded, err := slotArgs.Pack([32]byte(id), new(big.Int).SetUint64(mappingSlot))
	if err != nil {
		return common.Hash{}, fmt.Errorf("encode state slot: %w", err)
	}
	return crypto.Keccak256Hash(encoded), nil
}
