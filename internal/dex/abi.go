package dex

import (
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const poolManagerABIJSON = `[
  {
    "inputs": [{"internalType": "bytes32", "name": "slot", "type": "bytes32"}],
    "name": "extsload",
    "outputs": [{"internalType": "bytes32", "name": "", "type": "bytes32"}],
    "stateMutability": "view",
    "type": "function"
  }
]`

const hookABIJSON = `[
  {
    "inputs": [
      {"internalType": "address", "name": "provider", "type": "address"},
      {"internalType": "uint256", "name": "nonce", "type": "uint256"}
    ],
    "name": "isPermitUsed",
    "outputs": [{"internalType": "bool", "name": "", "type": "bool"}],
    "stateMutability": "view",
    "type": "function"
  }
]`

const executorABIJSON = `[
  {
    "inputs": [
      {
        "components": [
          {"internalType": "address", "name": "currency0", "type": "address"},
          {"internalType": "address", "name": "currency1", "type": "address"},
          {"internalType": "uint24", "name": "fee", "type": "uint24"},
          {"internalType": "int24", "name": "tickSpacing", "type": "int24"},
          {"internalType": "address", "name": "hooks", "type": "address"}
        ],
        "internalType": "struct PoolKey",
        "name": "key",
        "type": "tuple"
      },
      {
        "components": [
          {"internalType": "bool", "name": "zeroForOne", "type": "bool"},
          {"internalType": "int256", "name": "amountSpecified", "type": "int256"},
          {"internalType": "uint160", "name": "sqrtPriceLimitX96", "type": "uint160"}
        ],
        "internalType": "struct SwapParams",
        "name": "params",
        "type": "tuple"
      },
      {"internalType": "bytes", "name": "hookData", "type": "bytes"},
      {"internalType": "address", "name": "recipient", "type": "address"}
    ],
    "name": "execute",
    "outputs": [{"internalType": "int256", "name": "delta", "type": "int256"}],
    "stateMutability": "payable",
    "type": "function"
  }
]`

var (
	poolManagerABI     abi.ABI
	poolManagerABIOnce sync.Once
	poolManagerABIErr  error

	hookABI     abi.ABI
	hookABIOnce sync.Once
	hookABIErr  error

	executorABI     abi.ABI
	executorABIOnce sync.Once
	executorABIErr  error
)

// PoolManagerABI returns the parsed pool manager ABI (extsload only).
func PoolManagerABI() (abi.ABI, error) {
	poolManagerABIOnce.Do(func() {
		poolManagerABI, poolManagerABIErr = abi.JSON(strings.NewReader(poolManagerABIJSON))
	})
	return poolManagerABI, poolManagerABIErr
}

// HookABI returns the parsed hook ABI used for consumption checks.
func HookABI() (abi.ABI, error) {
	hookABIOnce.Do(func() {
		hookABI, hookABIErr = abi.JSON(strings.NewReader(hookABIJSON))
	})
	return hookABI, hookABIErr
}

// ExecutorABI returns the parsed settlement executor ABI.
func ExecutorABI() (abi.ABI, error) {
	executorABIOnce.Do(func() {
		executorABI, executorABIErr = abi.JSON(strings.NewReader(executorABIJSON))
	})
	return executorABI, executorABIErr
}
