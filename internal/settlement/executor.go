package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"ghostSettler/internal/dex"
	"ghostSettler/internal/metrics"
	"ghostSettler/internal/model"
	"ghostSettler/internal/permit"
	"ghostSettler/internal/pool"
)

// Stage names one step of a settlement attempt.
type Stage string

const (
	StageNormalizing      Stage = "NORMALIZING"
	StageVerifying        Stage = "VERIFYING"
	StageBuildingPayload  Stage = "BUILDING_PAYLOAD"
	StageReadingPoolState Stage = "READING_POOL_STATE"
	StageComputingLimits  Stage = "COMPUTING_LIMITS"
	StageSubmitting       Stage = "SUBMITTING"
	StageAwaitingReceipt  Stage = "AWAITING_RECEIPT"
	StageReconciling      Stage = "RECONCILING"
)

// PermitVerifier checks one permit signature.
type PermitVerifier interface {
	Verify(ctx context.Context, p permit.Permit, sig []byte) error
}

// SnapshotReader reads fresh pool state for a canonical key.
type SnapshotReader interface {
	Snapshot(ctx context.Context, key model.PoolKey) (model.PoolSnapshot, error)
}

// ConsumptionChecker reads the destination contract's consumption ledger.
type ConsumptionChecker interface {
	IsConsumed(ctx context.Context, provider common.Address, nonce *big.Int) (bool, error)
}

// Submitter sends a settlement call and waits for it to be mined.
type Submitter interface {
	Submit(ctx context.Context, call Call) (Submission, error)
	WaitReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Executor runs one settlement attempt per trigger intent.
type Executor struct {
	normalizer *Normalizer
	verifier   PermitVerifier
	reader     SnapshotReader
	policy     pool.LimitPolicy
	submitter  Submitter
	ledger     ConsumptionChecker
	hook       common.Address
	metrics    *metrics.Metrics
	logger     *zap.Logger
	now        func() time.Time
}

// ExecutorDeps are the collaborators of an Executor.
type ExecutorDeps struct {
	Normalizer *Normalizer
	Verifier   PermitVerifier
	Reader     SnapshotReader
	Policy     pool.LimitPolicy
	Submitter  Submitter
	Ledger     ConsumptionChecker
	Hook       common.Address
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

func NewExecutor(deps ExecutorDeps) (*Executor, error) {
	if deps.Normalizer == nil || deps.Verifier == nil || deps.Reader == nil || deps.Submitter == nil || deps.Ledger == nil {
		return nil, fmt.Errorf("executor: missing dependency")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		normalizer: deps.Normalizer,
		verifier:   deps.Verifier,
		reader:     deps.Reader,
		policy:     deps.Policy,
		submitter:  deps.Submitter,
		ledger:     deps.Ledger,
		hook:       deps.Hook,
		metrics:    deps.Metrics,
		logger:     logger,
		now:        time.Now,
	}, nil
}

type attempt struct {
	result model.ExecutionResult
	stage  Stage
	log    *zap.Logger
}

func (a *attempt) enter(stage Stage) {
	a.stage = stage
	a.result.Stage = string(stage)
}

// Execute settles trigger together with any companions sharing its pool.
// It always returns a result in a terminal state.
func (e *Executor) Execute(ctx context.Context, trigger model.Intent, companions []model.Intent) model.ExecutionResult {
	a := &attempt{
		result: model.ExecutionResult{
			AttemptID:      uuid.NewString(),
			TriggerID:      trigger.ID,
			StartedAt:      e.now().UTC(),
			BatchIDs:       []string{},
			SettledIDs:     []string{},
			UnconfirmedIDs: []string{},
			SkippedIDs:     []string{},
		},
	}
	a.log = e.logger.With(zap.String("attempt_id", a.result.AttemptID), zap.String("trigger_id", trigger.ID))

	e.run(ctx, a, trigger, companions)

	a.result.FinishedAt = e.now().UTC()
	e.metrics.ObserveAttempt(string(a.result.State), a.result.Stage, a.result.FinishedAt.Sub(a.result.StartedAt))
	e.metrics.AddIntents("settled", len(a.result.SettledIDs))
	e.metrics.AddIntents("unconfirmed", len(a.result.UnconfirmedIDs))
	e.metrics.AddIntents("skipped", len(a.result.SkippedIDs))

	a.log.Info("settlement attempt finished",
		zap.String("state", string(a.result.State)),
		zap.String("stage", a.result.Stage),
		zap.String("reason", a.result.Reason),
		zap.String("tx_hash", a.result.TxHash),
		zap.Strings("settled", a.result.SettledIDs),
		zap.Strings("unconfirmed", a.result.UnconfirmedIDs),
		zap.Strings("skipped", a.result.SkippedIDs),
	)
	return a.result
}

func (e *Executor) run(ctx context.Context, a *attempt, trigger model.Intent, companions []model.Intent) {
	a.enter(StageNormalizing)
	candidates, ok := e.normalize(a, trigger, companions)
	if !ok {
		return
	}

	a.enter(StageVerifying)
	valid, err := e.verify(ctx, a, candidates)
	if err != nil {
		e.fail(a, err)
		return
	}
	if len(valid) == 0 {
		e.abort(a, "no valid intents in batch")
		return
	}
	lead := valid[0]
	if lead.Intent.ID != trigger.ID {
		a.log.Warn("trigger not usable, leading with first valid companion", zap.String("lead_id", lead.Intent.ID))
	}

	a.enter(StageBuildingPayload)
	var batch Batch
	for _, n := range valid {
		batch.Add(n, e.hook)
	}
	hookData, err := batch.Encode()
	if err != nil {
		e.fail(a, fmt.Errorf("encode batch: %w", err))
		return
	}
	a.result.BatchIDs = batch.IDs()
	a.result.PoolID = lead.PoolID.Hex()
	a.log.Info("batch built", zap.String("stage", string(a.stage)), zap.Strings("batch", a.result.BatchIDs), zap.Int("hook_data_bytes", len(hookData)))

	a.enter(StageReadingPoolState)
	snap, err := e.reader.Snapshot(ctx, lead.Key)
	if err != nil {
		e.fail(a, err)
		return
	}
	a.log.Info("pool state read",
		zap.String("stage", string(a.stage)),
		zap.String("pool_id", snap.PoolID.Hex()),
		zap.String("sqrt_price_x96", bigString(snap.SqrtPriceX96)),
		zap.Int32("tick", snap.Tick),
		zap.Uint32("lp_fee", snap.LPFee),
	)

	a.enter(StageComputingLimits)
	zeroForOne := lead.ZeroForOne()
	limit, err := e.policy.Limit(snap, zeroForOne)
	if err != nil {
		if errors.Is(err, pool.ErrUninitialized) || errors.Is(err, pool.ErrDrained) {
			e.abort(a, err.Error())
			return
		}
		e.fail(a, err)
		return
	}
	if !snap.Initialized() {
		a.log.Warn("pool uninitialized, using fallback limit", zap.String("stage", string(a.stage)))
	}
	a.result.ZeroForOne = zeroForOne
	a.result.SqrtPriceLimit = limit.String()

	a.enter(StageSubmitting)
	call := Call{
		Key: lead.Key,
		Params: dex.SwapParams{
			ZeroForOne:        zeroForOne,
			AmountSpecified:   new(big.Int).Neg(lead.Amount),
			SqrtPriceLimitX96: limit,
		},
		HookData:  hookData,
		Recipient: lead.Provider,
	}
	sub, err := e.submitter.Submit(ctx, call)
	if err != nil {
		e.fail(a, err)
		return
	}
	a.result.TxHash = sub.TxHash.Hex()
	a.result.Amount0 = bigString(sub.Amount0)
	a.result.Amount1 = bigString(sub.Amount1)
	a.log.Info("settlement submitted",
		zap.String("stage", string(a.stage)),
		zap.String("tx_hash", a.result.TxHash),
		zap.Bool("zero_for_one", zeroForOne),
		zap.String("amount_specified", call.Params.AmountSpecified.String()),
		zap.String("sqrt_price_limit", limit.String()),
	)

	a.enter(StageAwaitingReceipt)
	receipt, err := e.submitter.WaitReceipt(ctx, sub.TxHash)
	if receipt != nil && receipt.BlockNumber != nil {
		a.result.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if err != nil {
		e.fail(a, err)
		return
	}

	a.enter(StageReconciling)
	e.reconcile(ctx, a, batch)
	a.result.State = model.StateSettled
}

// normalize resolves the trigger and its companions. A trigger that cannot be
// normalized is skipped and the first normalized companion fixes the pool key.
func (e *Executor) normalize(a *attempt, trigger model.Intent, companions []model.Intent) ([]model.NormalizedIntent, bool) {
	var out []model.NormalizedIntent
	seen := map[string]struct{}{}
	nonces := map[string]struct{}{}

	for i, in := range append([]model.Intent{trigger}, companions...) {
		if _, dup := seen[in.ID]; dup {
			continue
		}
		seen[in.ID] = struct{}{}

		n, err := e.normalizer.Normalize(in)
		if err != nil {
			reason := "normalize companion"
			if i == 0 {
				reason = "normalize trigger"
			}
			e.skip(a, in.ID, reason, err)
			continue
		}
		if len(out) == 0 {
			if advisory := strings.TrimSpace(in.PoolID); advisory != "" && !strings.EqualFold(advisory, n.PoolID.Hex()) {
				a.log.Warn("advisory pool id differs from recomputed id",
					zap.String("stage", string(a.stage)),
					zap.String("intent_id", in.ID),
					zap.String("advisory", advisory),
					zap.String("recomputed", n.PoolID.Hex()),
				)
			}
		} else if n.Key != out[0].Key {
			e.skip(a, in.ID, "companion pool key mismatch", fmt.Errorf("pool %s != %s", n.PoolID.Hex(), out[0].PoolID.Hex()))
			continue
		}
		if _, dup := nonces[nonceKey(n)]; dup {
			e.skip(a, in.ID, "duplicate provider nonce", nil)
			continue
		}
		nonces[nonceKey(n)] = struct{}{}
		out = append(out, n)
	}

	if len(out) == 0 {
		e.abort(a, "no intent in batch could be normalized")
		return nil, false
	}
	if out[0].Intent.ID != trigger.ID {
		a.log.Warn("trigger could not be normalized, leading with first valid companion",
			zap.String("stage", string(a.stage)),
			zap.String("lead_id", out[0].Intent.ID),
		)
	}
	return out, true
}

// verify drops intents that fail authorization. Any other error, such as a
// nonce ledger that stays unreachable after retries, ends the attempt.
func (e *Executor) verify(ctx context.Context, a *attempt, candidates []model.NormalizedIntent) ([]model.NormalizedIntent, error) {
	valid := make([]model.NormalizedIntent, 0, len(candidates))
	for _, n := range candidates {
		if err := e.verifier.Verify(ctx, permit.FromIntent(n), n.Signature); err != nil {
			if !isAuthorizationError(err) {
				return nil, fmt.Errorf("verify %s: %w", n.Intent.ID, err)
			}
			e.skip(a, n.Intent.ID, "verification failed", err)
			continue
		}
		a.log.Info("intent verified",
			zap.String("stage", string(a.stage)),
			zap.String("intent_id", n.Intent.ID),
			zap.String("provider", n.Provider.Hex()),
		)
		valid = append(valid, n)
	}
	return valid, nil
}

func isAuthorizationError(err error) bool {
	return errors.Is(err, permit.ErrExpired) || errors.Is(err, permit.ErrNonceUsed) || errors.Is(err, permit.ErrBadSignature)
}

// reconcile marks only ledger-confirmed intents as settled.
func (e *Executor) reconcile(ctx context.Context, a *attempt, batch Batch) {
	for _, n := range batch.Intents {
		used, err := e.ledger.IsConsumed(ctx, n.Provider, n.Nonce)
		switch {
		case err != nil:
			a.log.Warn("consumption check failed",
				zap.String("stage", string(a.stage)),
				zap.String("intent_id", n.Intent.ID),
				zap.Error(err),
			)
			a.result.UnconfirmedIDs = append(a.result.UnconfirmedIDs, n.Intent.ID)
		case used:
			a.result.SettledIDs = append(a.result.SettledIDs, n.Intent.ID)
		default:
			a.log.Warn("permit included but not consumed",
				zap.String("stage", string(a.stage)),
				zap.String("intent_id", n.Intent.ID),
			)
			a.result.UnconfirmedIDs = append(a.result.UnconfirmedIDs, n.Intent.ID)
		}
	}
}

func (e *Executor) skip(a *attempt, id, reason string, err error) {
	a.result.SkippedIDs = append(a.result.SkippedIDs, id)
	a.log.Warn("intent skipped",
		zap.String("stage", string(a.stage)),
		zap.String("intent_id", id),
		zap.String("reason", reason),
		zap.Error(err),
	)
}

func (e *Executor) abort(a *attempt, reason string) {
	a.result.State = model.StateAborted
	a.result.Reason = reason
	a.log.Warn("settlement aborted", zap.String("stage", string(a.stage)), zap.String("reason", reason))
}

func (e *Executor) fail(a *attempt, err error) {
	a.result.State = model.StateFailed
	a.result.Reason = err.Error()
	a.log.Error("settlement failed", zap.String("stage", string(a.stage)), zap.Error(err))
}

func nonceKey(n model.NormalizedIntent) string {
	return n.Provider.Hex() + ":" + n.Nonce.String()
}

func bigString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}
