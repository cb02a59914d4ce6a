package pool

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"ghostSettler/internal/dex"
	"ghostSettler/internal/model"
	"ghostSettler/internal/retry"
)

// StorageReader reads one raw storage word of the pool manager.
type StorageReader interface {
	ReadSlot(ctx context.Context, slot common.Hash) (common.Hash, error)
}

// ExtsloadReader reads storage through the pool manager's extsload view.
type ExtsloadReader struct {
	Caller  dex.ContractCaller
	Manager common.Address
}

func (r ExtsloadReader) ReadSlot(ctx context.Context, slot common.Hash) (common.Hash, error) {
	return dex.Extsload(ctx, r.Caller, r.Manager, slot)
}

// StorageAtClient is satisfied by the chain client.
type StorageAtClient interface {
	StorageAt(ctx context.Context, account common.Address, key common.Hash, blockNumber *big.Int) ([]byte, error)
}

// GetStorageReader reads storage through eth_getStorageAt.
type GetStorageReader struct {
	Client  StorageAtClient
	Manager common.Address
}

func (r GetStorageReader) ReadSlot(ctx context.Context, slot common.Hash) (common.Hash, error) {
	raw, err := r.Client.StorageAt(ctx, r.Manager, slot, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("get storage: %w", err)
	}
	return common.BytesToHash(raw), nil
}

// Reader produces fresh pool snapshots. Nothing is cached between calls.
type Reader struct {
	storage     StorageReader
	caller      *retry.Caller
	mappingSlot uint64
	logger      *zap.Logger
}

// NewReader builds a Reader. mappingSlot 0 selects DefaultStateSlot.
func NewReader(storage StorageReader, caller *retry.Caller, mappingSlot uint64, logger *zap.Logger) *Reader {
	if logger == nil {
		logger = zap.NewNop()
	}
	if caller == nil {
		caller = retry.NewCaller(retry.Config{MaxAttempts: 1}, logger)
	}
	if mappingSlot == 0 {
		mappingSlot = DefaultStateSlot
	}
	return &Reader{storage: storage, caller: caller, mappingSlot: mappingSlot, logger: logger}
}

// Snapshot recomputes the pool id from key and reads its current state word.
func (r *Reader) Snapshot(ctx context.Context, key model.PoolKey) (model.PoolSnapshot, error) {
	id, err := ComputeID(key)
	if err != nil {
		return model.PoolSnapshot{}, err
	}
	slot, err := StateSlot(id, r.mappingSlot)
	if err != nil {
		return model.PoolSnapshot{}, err
	}

	var word common.Hash
	err = r.caller.Do(ctx, "read pool state", func(ctx context.Context) error {
		var readErr error
		word, readErr = r.storage.ReadSlot(ctx, slot)
		return readErr
	})
	if err != nil {
		return model.PoolSnapshot{}, fmt.Errorf("read pool state %s: %w", id.Hex(), err)
	}

	snap := DecodeSlot0(word)
	snap.PoolID = id
	snap.Slot = slot

	r.logger.Debug("pool state read",
		zap.String("pool_id", id.Hex()),
		zap.String("slot", slot.Hex()),
		zap.String("sqrt_price_x96", snap.SqrtPriceX96.String()),
		zap.Int32("tick", snap.Tick),
		zap.Bool("initialized", snap.Initialized()),
	)
	return snap, nil
}
