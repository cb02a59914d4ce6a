package permit

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

const (
	domainName  = "Permit2"
	primaryType = "PermitWitnessTransferFrom"
	witnessType = "WitnessData"
)

var permitTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	primaryType: {
		{Name: "permitted", Type: "TokenPermissions"},
		{Name: "spender", Type: "address"},
		{Name: "nonce", Type: "uint256"},
		{Name: "deadline", Type: "uint256"},
		{Name: "witness", Type: witnessType},
	},
	"TokenPermissions": {
		{Name: "token", Type: "address"},
		{Name: "amount", Type: "uint256"},
	},
	witnessType: {
		{Name: "poolId", Type: "bytes32"},
		{Name: "hook", Type: "address"},
	},
}

// Domain fixes the signing context every permit is checked against.
// The hook is both the spender and the witness hook.
type Domain struct {
	ChainID *big.Int
	Permit2 common.Address
	Hook    common.Address
}

// Permit is the signed tuple of one ghost permit.
type Permit struct {
	Provider common.Address
	Token    common.Address
	Amount   *big.Int
	Nonce    *big.Int
	Deadline *big.Int
	PoolID   common.Hash
}

// TypedData builds the EIP-712 payload for p under d.
func (d Domain) TypedData(p Permit) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       permitTypes,
		PrimaryType: primaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              domainName,
			ChainId:           (*math.HexOrDecimal256)(new(big.Int).Set(d.ChainID)),
			VerifyingContract: d.Permit2.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"permitted": map[string]interface{}{
				"token":  p.Token.Hex(),
				"amount": new(big.Int).Set(p.Amount),
			},
			"spender":  d.Hook.Hex(),
			"nonce":    new(big.Int).Set(p.Nonce),
			"deadline": new(big.Int).Set(p.Deadline),
			"witness": map[string]interface{}{
				"poolId": p.PoolID.Hex(),
				"hook":   d.Hook.Hex(),
			},
		},
	}
}

// Digest returns the EIP-712 hash a provider signs for p.
func (d Domain) Digest(p Permit) (common.Hash, error) {
	if d.ChainID == nil {
		return common.Hash{}, fmt.Errorf("chain id is nil")
	}
	if p.Amount == nil || p.Nonce == nil || p.Deadline == nil {
		return common.Hash{}, fmt.Errorf("permit has nil numeric field")
	}
	hash, _, err := apitypes.TypedDataAndHash(d.TypedData(p))
	if err != nil {
		return common.Hash{}, fmt.Errorf("hash typed data: %w", err)
	}
	return common.BytesToHash(hash), nil
}
