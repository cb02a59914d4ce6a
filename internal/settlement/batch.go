package settlement

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"ghostSettler/internal/model"
)

// GhostPermit mirrors the hook's on-chain permit struct.
type GhostPermit struct {
	Provider    common.Address `abi:"provider"`
	Currency    common.Address `abi:"currency"`
	Amount      *big.Int       `abi:"amount"`
	PoolID      [32]byte       `abi:"poolId"`
	Deadline    *big.Int       `abi:"deadline"`
	Nonce       *big.Int       `abi:"nonce"`
	IsDualSided bool           `abi:"isDualSided"`
}

// WitnessData is the witness each permit was signed over.
type WitnessData struct {
	PoolID [32]byte       `abi:"poolId"`
	Hook   common.Address `abi:"hook"`
}

// Batch holds index-aligned permits, signatures and witnesses in validation order.
type Batch struct {
	Intents    []model.NormalizedIntent
	Permits    []GhostPermit
	Signatures [][]byte
	Witnesses  []WitnessData
}

// Add appends a verified intent to every list at the same index.
func (b *Batch) Add(n model.NormalizedIntent, hook common.Address) {
	b.Intents = append(b.Intents, n)
	b.Permits = append(b.Permits, GhostPermit{
		Provider:    n.Provider,
		Currency:    n.InputAsset,
		Amount:      new(big.Int).Set(n.Amount),
		PoolID:      n.PoolID,
		Deadline:    new(big.Int).Set(n.Deadline),
		Nonce:       new(big.Int).Set(n.Nonce),
		IsDualSided: n.Intent.IsDualSided(),
	})
	b.Signatures = append(b.Signatures, append([]byte(nil), n.Signature...))
	b.Witnesses = append(b.Witnesses, WitnessData{PoolID: n.PoolID, Hook: hook})
}

// Len returns the number of permits.
func (b *Batch) Len() int {
	return len(b.Permits)
}

// IDs returns the intent ids in batch order.
func (b *Batch) IDs() []string {
	ids := make([]string, 0, len(b.Intents))
	for _, n := range b.Intents {
		ids = append(ids, n.Intent.ID)
	}
	return ids
}

var (
	hookDataArgs    abi.Arguments
	hookDataArgsErr error
	hookDataOnce    sync.Once
)

func hookDataArguments() (abi.Arguments, error) {
	hookDataOnce.Do(func() {
		permitsT, err := abi.NewType("tuple[]", "", []abi.ArgumentMarshaling{
			{Name: "provider", Type: "address"},
			{Name: "currency", Type: "address"},
			{Name: "amount", Type: "uint256"},
			{Name: "poolId", Type: "bytes32"},
			{Name: "deadline", Type: "uint256"},
			{Name: "nonce", Type: "uint256"},
			{Name: "isDualSided", Type: "bool"},
		})
		if err != nil {
			hookDataArgsErr = err
			return
		}
		sigsT, err := abi.NewType("bytes[]", "", nil)
		if err != nil {
			hookDataArgsErr = err
			return
		}
		witnessT, err := abi.NewType("tuple[]", "", []abi.ArgumentMarshaling{
			{Name: "poolId", Type: "bytes32"},
			{Name: "hook", Type: "address"},
		})
		if err != nil {
			hookDataArgsErr = err
			return
		}
		hookDataArgs = abi.Arguments{
			{Name: "permits", Type: permitsT},
			{Name: "signatures", Type: sigsT},
			{Name: "witnesses", Type: witnessT},
		}
	})
	return hookDataArgs, hookDataArgsErr
}

// Encode returns abi.encode(permits, signatures, witnesses).
func (b *Batch) Encode() ([]byte, error) {
	if b.Len() == 0 {
		return nil, fmt.Errorf("encode empty batch")
	}
	if len(b.Signatures) != b.Len() || len(b.Witnesses) != b.Len() {
		return nil, fmt.Errorf("batch lists not aligned: %d permits, %d signatures, %d witnesses",
			b.Len(), len(b.Signatures), len(b.Witnesses))
	}
	args, err := hookDataArguments()
	if err != nil {
		return nil, fmt.Errorf("hook data abi: %w", err)
	}
	data, err := args.Pack(b.Permits, b.Signatures, b.Witnesses)
	if err != nil {
		return nil, fmt.Errorf("pack hook data: %w", err)
	}
	return data, nil
}
