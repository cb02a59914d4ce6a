package settlement

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"ghostSettler/internal/dex"
	"ghostSettler/internal/model"
	"ghostSettler/internal/retry"
)

var (
	ErrReverted       = errors.New("settlement reverted")
	ErrReceiptTimeout = errors.New("receipt wait timed out")
)

// RevertError carries whatever diagnostic data the chain returned for a revert.
type RevertError struct {
	Reason string
	Data   string
	Cause  error
}

func (e *RevertError) Error() string {
	msg := "settlement reverted"
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Data != "" {
		msg += " (data " + e.Data + ")"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *RevertError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrReverted}
	}
	return []error{ErrReverted, e.Cause}
}

// Call is one settlement invocation of the executor contract.
type Call struct {
	Key       model.PoolKey
	Params    dex.SwapParams
	HookData  []byte
	Recipient common.Address
}

// Submission describes a broadcast transaction.
type Submission struct {
	TxHash  common.Hash
	Nonce   uint64
	Gas     uint64
	Amount0 *big.Int
	Amount1 *big.Int
}

// TxClient is the chain surface used to simulate, sign and send.
type TxClient interface {
	dex.ContractCaller
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// TxSubmitterConfig holds signing and receipt polling parameters.
type TxSubmitterConfig struct {
	ChainID        *big.Int
	Executor       common.Address
	PrivateKey     *ecdsa.PrivateKey
	GasMultiplier  float64
	ReceiptTimeout time.Duration
	ReceiptPoll    time.Duration
}

// TxSubmitter signs and broadcasts settlement transactions from one operator key.
type TxSubmitter struct {
	client TxClient
	cfg    TxSubmitterConfig
	from   common.Address
	retry  *retry.Caller
	logger *zap.Logger
}

func NewTxSubmitter(client TxClient, cfg TxSubmitterConfig, retryCaller *retry.Caller, logger *zap.Logger) (*TxSubmitter, error) {
	if client == nil {
		return nil, fmt.Errorf("tx client is nil")
	}
	if cfg.PrivateKey == nil {
		return nil, fmt.Errorf("operator key is nil")
	}
	if cfg.ChainID == nil {
		return nil, fmt.Errorf("chain id is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if retryCaller == nil {
		retryCaller = retry.NewCaller(retry.Config{MaxAttempts: 1}, logger)
	}
	if cfg.GasMultiplier < 1 {
		cfg.GasMultiplier = 1.2
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = 2 * time.Minute
	}
	if cfg.ReceiptPoll <= 0 {
		cfg.ReceiptPoll = 2 * time.Second
	}
	return &TxSubmitter{
		client: client,
		cfg:    cfg,
		from:   crypto.PubkeyToAddress(cfg.PrivateKey.PublicKey),
		retry:  retryCaller,
		logger: logger,
	}, nil
}

// From returns the operator address.
func (s *TxSubmitter) From() common.Address {
	return s.from
}

// Submit simulates the call, estimates gas, then signs and broadcasts it.
// A revert during simulation or estimation returns a *RevertError and nothing is sent.
func (s *TxSubmitter) Submit(ctx context.Context, call Call) (Submission, error) {
	data, err := dex.PackExecute(call.Key, call.Params, call.HookData, call.Recipient)
	if err != nil {
		return Submission{}, err
	}
	msg := ethereum.CallMsg{From: s.from, To: &s.cfg.Executor, Data: data}

	var sub Submission
	var output []byte
	err = s.retry.Do(ctx, "simulate execute", func(ctx context.Context) error {
		var callErr error
		output, callErr = s.client.CallContract(ctx, msg, nil)
		return callErr
	})
	if err != nil {
		return Submission{}, classifyCallError("simulate execute", err)
	}
	if amount0, amount1, err := dex.UnpackExecuteDelta(output); err == nil {
		sub.Amount0, sub.Amount1 = amount0, amount1
	} else {
		s.logger.Debug("execute simulation returned no delta", zap.Error(err))
	}

	var gas uint64
	err = s.retry.Do(ctx, "estimate gas", func(ctx context.Context) error {
		var estErr error
		gas, estErr = s.client.EstimateGas(ctx, msg)
		return estErr
	})
	if err != nil {
		return Submission{}, classifyCallError("estimate gas", err)
	}
	gas = gas * uint64(math.Round(s.cfg.GasMultiplier*100)) / 100

	var nonce uint64
	var tip *big.Int
	var head *types.Header
	err = s.retry.Do(ctx, "fee params", func(ctx context.Context) error {
		var rpcErr error
		if nonce, rpcErr = s.client.PendingNonceAt(ctx, s.from); rpcErr != nil {
			return rpcErr
		}
		if tip, rpcErr = s.client.SuggestGasTipCap(ctx); rpcErr != nil {
			return rpcErr
		}
		head, rpcErr = s.client.HeaderByNumber(ctx, nil)
		return rpcErr
	})
	if err != nil {
		return Submission{}, fmt.Errorf("fee params: %w", err)
	}

	feeCap := new(big.Int).Set(tip)
	if head != nil && head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   s.cfg.ChainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &s.cfg.Executor,
		Value:     big.NewInt(0),
		Data:      data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(s.cfg.ChainID), s.cfg.PrivateKey)
	if err != nil {
		return Submission{}, fmt.Errorf("sign tx: %w", err)
	}

	attempts := 0
	err = s.retry.Do(ctx, "send tx", func(ctx context.Context) error {
		attempts++
		sendErr := s.client.SendTransaction(ctx, signed)
		if sendErr == nil {
			return nil
		}
		msg := strings.ToLower(sendErr.Error())
		if strings.Contains(msg, "already known") {
			return nil
		}
		// A timed-out earlier attempt may have reached the pool; the receipt decides.
		if attempts > 1 && (strings.Contains(msg, "nonce too low") || strings.Contains(msg, "replacement transaction underpriced")) {
			s.logger.Warn("resend rejected after an earlier attempt, awaiting receipt",
				zap.String("tx_hash", signed.Hash().Hex()),
				zap.Error(sendErr),
			)
			return nil
		}
		return sendErr
	})
	if err != nil {
		return Submission{}, classifyCallError("send tx", err)
	}

	sub.TxHash = signed.Hash()
	sub.Nonce = nonce
	sub.Gas = gas
	return sub, nil
}

// WaitReceipt polls until the transaction is mined or the receipt timeout passes.
// A mined transaction with failed status returns the receipt and a *RevertError.
func (s *TxSubmitter) WaitReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ReceiptTimeout)
	defer cancel()

	ticker := time.NewTicker(s.cfg.ReceiptPoll)
	defer ticker.Stop()

	for {
		receipt, err := s.client.TransactionReceipt(ctx, txHash)
		switch {
		case err == nil && receipt != nil:
			if receipt.Status != types.ReceiptStatusSuccessful {
				return receipt, &RevertError{Reason: "receipt status failed"}
			}
			return receipt, nil
		case err != nil && !errors.Is(err, ethereum.NotFound) && !retry.IsTransient(err):
			return nil, fmt.Errorf("get receipt: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s", ErrReceiptTimeout, txHash.Hex())
		case <-ticker.C:
		}
	}
}

func classifyCallError(op string, err error) error {
	if retry.IsTransient(err) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if reason, data, ok := revertDetails(err); ok {
		return &RevertError{Reason: reason, Data: data, Cause: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func revertDetails(err error) (string, string, bool) {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if hexData, ok := dataErr.ErrorData().(string); ok {
			if raw, decErr := hexutil.Decode(hexData); decErr == nil {
				if reason, unpackErr := abi.UnpackRevert(raw); unpackErr == nil {
					return reason, hexData, true
				}
			}
			return "", hexData, true
		}
	}
	if strings.Contains(strings.ToLower(err.Error()), "revert") {
		return "", "", true
	}
	return "", "", false
}
