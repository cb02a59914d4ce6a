package settlement

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"ghostSettler/internal/assets"
	"ghostSettler/internal/model"
	"ghostSettler/internal/permit"
	"ghostSettler/internal/pool"
)

var (
	testHook   = common.HexToAddress("0xa5CC49688cB5026977a2A501cd7dD3daB2C580c8")
	testDomain = permit.Domain{
		ChainID: big.NewInt(1301),
		Permit2: common.HexToAddress("0x000000000022D473030F116dDEE9F6B43aC78BA3"),
		Hook:    testHook,
	}
	healthyPrice = new(big.Int).Lsh(big.NewInt(1), 96)
)

type fakeReader struct {
	calls int
	snap  model.PoolSnapshot
	keys  []model.PoolKey
}

func (f *fakeReader) Snapshot(_ context.Context, key model.PoolKey) (model.PoolSnapshot, error) {
	f.calls++
	f.keys = append(f.keys, key)
	snap := f.snap
	snap.PoolID, _ = pool.ComputeID(key)
	return snap, nil
}

type fakeSubmitter struct {
	calls      []Call
	submitErr  error
	receiptErr error
	status     uint64
}

func (f *fakeSubmitter) Submit(_ context.Context, call Call) (Submission, error) {
	f.calls = append(f.calls, call)
	if f.submitErr != nil {
		return Submission{}, f.submitErr
	}
	return Submission{TxHash: common.HexToHash("0xfeed"), Amount0: big.NewInt(-10), Amount1: big.NewInt(9)}, nil
}

func (f *fakeSubmitter) WaitReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	receipt := &types.Receipt{Status: f.status, BlockNumber: big.NewInt(42)}
	if f.receiptErr != nil {
		return receipt, f.receiptErr
	}
	return receipt, nil
}

type fakeLedger struct {
	calls    int
	consumed map[string]bool
}

func (f *fakeLedger) IsConsumed(_ context.Context, provider common.Address, nonce *big.Int) (bool, error) {
	f.calls++
	return f.consumed[provider.Hex()+":"+nonce.String()], nil
}

type harness struct {
	exec      *Executor
	reader    *fakeReader
	submitter *fakeSubmitter
	ledger    *fakeLedger
	norm      *Normalizer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		reader:    &fakeReader{snap: pool.DecodeSlot0(common.BigToHash(healthyPrice))},
		submitter: &fakeSubmitter{status: types.ReceiptStatusSuccessful},
		ledger:    &fakeLedger{consumed: map[string]bool{}},
		norm:      NewNormalizer(assets.NewRegistry(assets.DefaultTokens(), false), testHook),
	}
	exec, err := NewExecutor(ExecutorDeps{
		Normalizer: h.norm,
		Verifier:   permit.NewVerifier(testDomain, nil, nil),
		Reader:     h.reader,
		Policy:     pool.LimitPolicy{DrainToleranceBps: pool.DefaultDrainToleranceBps},
		Submitter:  h.submitter,
		Ledger:     h.ledger,
		Hook:       testHook,
	})
	if err != nil {
		t.Fatalf("executor: %v", err)
	}
	h.exec = exec
	return h
}

// signedIntent builds an intent and signs it over its recomputed pool id.
func (h *harness) signedIntent(t *testing.T, key *ecdsa.PrivateKey, id, nonce string, fee uint32) model.Intent {
	t.Helper()
	in := model.Intent{
		ID:            id,
		Provider:      crypto.PubkeyToAddress(key.PublicKey).Hex(),
		TokenA:        "USDC",
		TokenB:        "WETH",
		AmountA:       "10",
		Fee:           fee,
		TickSpacing:   60,
		HookAddress:   testHook.Hex(),
		Nonce:         nonce,
		Expiry:        time.Now().Add(time.Hour).UnixMilli(),
		Signature:     hexutil.Encode(make([]byte, 65)),
		LiquidityMode: "one-sided",
		Status:        model.IntentActive,
	}
	n, err := h.norm.Normalize(in)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	digest, err := testDomain.Digest(permit.FromIntent(n))
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sig[64] += 27
	in.Signature = hexutil.Encode(sig)
	in.PoolID = n.PoolID.Hex()
	return in
}

func (h *harness) consume(in model.Intent) {
	h.ledger.consumed[common.HexToAddress(in.Provider).Hex()+":"+in.Nonce] = true
}

func TestExecuteSettlesConfirmedSubset(t *testing.T) {
	h := newHarness(t)
	keyA, _ := crypto.GenerateKey()
	keyB, _ := crypto.GenerateKey()
	trigger := h.signedIntent(t, keyA, "trigger", "1", 3000)
	companion := h.signedIntent(t, keyB, "companion", "2", 3000)
	h.consume(trigger)

	res := h.exec.Execute(context.Background(), trigger, []model.Intent{companion})
	if res.State != model.StateSettled {
		t.Fatalf("state: %s (%s)", res.State, res.Reason)
	}
	if len(res.BatchIDs) != 2 || res.BatchIDs[0] != "trigger" || res.BatchIDs[1] != "companion" {
		t.Fatalf("batch order: %v", res.BatchIDs)
	}
	if len(res.SettledIDs) != 1 || res.SettledIDs[0] != "trigger" {
		t.Fatalf("settled: %v", res.SettledIDs)
	}
	if len(res.UnconfirmedIDs) != 1 || res.UnconfirmedIDs[0] != "companion" {
		t.Fatalf("unconfirmed: %v", res.UnconfirmedIDs)
	}
	if res.BlockNumber != 42 || res.Amount0 != "-10" {
		t.Fatalf("receipt data not recorded: %+v", res)
	}

	if len(h.submitter.calls) != 1 {
		t.Fatalf("expected one submission, got %d", len(h.submitter.calls))
	}
	call := h.submitter.calls[0]
	if call.Recipient != crypto.PubkeyToAddress(keyA.PublicKey) {
		t.Fatalf("recipient is not the trigger provider")
	}
	if !call.Params.ZeroForOne {
		t.Fatalf("selling currency0 must be zeroForOne")
	}
	if call.Params.AmountSpecified.Cmp(big.NewInt(-10_000_000)) != 0 {
		t.Fatalf("amount specified: %s", call.Params.AmountSpecified)
	}
	if call.Params.SqrtPriceLimitX96.Cmp(pool.DirectionalLimit(healthyPrice, true)) != 0 {
		t.Fatalf("limit: %s", call.Params.SqrtPriceLimitX96)
	}

	decoded := decodeHookData(t, call.HookData)
	if len(decoded.permits) != 2 || len(decoded.signatures) != 2 || len(decoded.witnesses) != 2 {
		t.Fatalf("hook data lists not aligned")
	}
	if decoded.permits[1].Provider != crypto.PubkeyToAddress(keyB.PublicKey) {
		t.Fatalf("permit order mismatch")
	}
	if decoded.witnesses[0].Hook != testHook {
		t.Fatalf("witness hook mismatch")
	}
}

func TestExecuteAbortsWhenNoIntentVerifies(t *testing.T) {
	h := newHarness(t)
	key, _ := crypto.GenerateKey()
	trigger := h.signedIntent(t, key, "a", "1", 3000)
	other := h.signedIntent(t, key, "b", "2", 3000)
	// Swap signatures so neither matches its own payload.
	trigger.Signature, other.Signature = other.Signature, trigger.Signature

	res := h.exec.Execute(context.Background(), trigger, []model.Intent{other})
	if res.State != model.StateAborted {
		t.Fatalf("state: %s", res.State)
	}
	if len(h.submitter.calls) != 0 || h.reader.calls != 0 {
		t.Fatalf("no remote work expected: %d submits, %d reads", len(h.submitter.calls), h.reader.calls)
	}
	if len(res.SkippedIDs) != 2 {
		t.Fatalf("skipped: %v", res.SkippedIDs)
	}
}

func TestExecuteContinuesWithValidCompanion(t *testing.T) {
	h := newHarness(t)
	keyA, _ := crypto.GenerateKey()
	keyB, _ := crypto.GenerateKey()
	trigger := h.signedIntent(t, keyA, "trigger", "1", 3000)
	trigger.AmountA = "11"
	companion := h.signedIntent(t, keyB, "companion", "2", 3000)
	h.consume(companion)

	res := h.exec.Execute(context.Background(), trigger, []model.Intent{companion})
	if res.State != model.StateSettled {
		t.Fatalf("state: %s (%s)", res.State, res.Reason)
	}
	if len(res.BatchIDs) != 1 || res.BatchIDs[0] != "companion" {
		t.Fatalf("batch: %v", res.BatchIDs)
	}
	if h.submitter.calls[0].Recipient != crypto.PubkeyToAddress(keyB.PublicKey) {
		t.Fatalf("recipient should be the leading valid intent's provider")
	}
}

func TestExecuteDropsCompanionFromOtherPool(t *testing.T) {
	h := newHarness(t)
	keyA, _ := crypto.GenerateKey()
	keyB, _ := crypto.GenerateKey()
	trigger := h.signedIntent(t, keyA, "trigger", "1", 3000)
	stray := h.signedIntent(t, keyB, "stray", "2", 500)
	stray.PoolID = trigger.PoolID

	res := h.exec.Execute(context.Background(), trigger, []model.Intent{stray})
	if res.State != model.StateSettled {
		t.Fatalf("state: %s (%s)", res.State, res.Reason)
	}
	if len(res.BatchIDs) != 1 || len(res.SkippedIDs) != 1 || res.SkippedIDs[0] != "stray" {
		t.Fatalf("batch %v skipped %v", res.BatchIDs, res.SkippedIDs)
	}
	if len(res.SettledIDs) != 0 || len(res.UnconfirmedIDs) != 1 {
		t.Fatalf("unconsumed trigger must not be settled: %+v", res)
	}
}

func TestExecuteRevertIsFailedWithoutReconcile(t *testing.T) {
	h := newHarness(t)
	h.submitter.submitErr = &RevertError{Reason: "GuardViolation"}
	key, _ := crypto.GenerateKey()
	trigger := h.signedIntent(t, key, "trigger", "1", 3000)

	res := h.exec.Execute(context.Background(), trigger, nil)
	if res.State != model.StateFailed || res.Stage != string(StageSubmitting) {
		t.Fatalf("state %s stage %s", res.State, res.Stage)
	}
	if !strings.Contains(res.Reason, "GuardViolation") {
		t.Fatalf("revert reason not reported: %s", res.Reason)
	}
	if h.ledger.calls != 0 || len(res.SettledIDs) != 0 {
		t.Fatalf("reverted attempt must not reconcile")
	}
	if len(h.submitter.calls) != 1 {
		t.Fatalf("revert must not be retried: %d calls", len(h.submitter.calls))
	}
}

func TestExecuteMinedFailureIsFailed(t *testing.T) {
	h := newHarness(t)
	h.submitter.status = types.ReceiptStatusFailed
	h.submitter.receiptErr = &RevertError{Reason: "receipt status failed"}
	key, _ := crypto.GenerateKey()
	trigger := h.signedIntent(t, key, "trigger", "1", 3000)

	res := h.exec.Execute(context.Background(), trigger, nil)
	if res.State != model.StateFailed || res.Stage != string(StageAwaitingReceipt) {
		t.Fatalf("state %s stage %s", res.State, res.Stage)
	}
	if res.TxHash == "" || res.BlockNumber != 42 {
		t.Fatalf("failed tx must still be reported: %+v", res)
	}
	if !errors.Is(h.submitter.receiptErr, ErrReverted) {
		t.Fatalf("revert error must match ErrReverted")
	}
}

func TestExecuteAbortsOnPoolState(t *testing.T) {
	h := newHarness(t)
	key, _ := crypto.GenerateKey()
	trigger := h.signedIntent(t, key, "trigger", "1", 3000)

	h.reader.snap = model.PoolSnapshot{}
	res := h.exec.Execute(context.Background(), trigger, nil)
	if res.State != model.StateAborted || res.Stage != string(StageComputingLimits) {
		t.Fatalf("uninitialized: state %s stage %s", res.State, res.Stage)
	}

	h.reader.snap = pool.DecodeSlot0(common.BigToHash(new(big.Int).Add(pool.MinSqrtPrice, big.NewInt(1))))
	res = h.exec.Execute(context.Background(), trigger, nil)
	if res.State != model.StateAborted || !strings.Contains(res.Reason, "drained") {
		t.Fatalf("drained: state %s reason %s", res.State, res.Reason)
	}
	if len(h.submitter.calls) != 0 {
		t.Fatalf("no submission expected")
	}
}

func TestExecuteAbortsOnContaminatedInput(t *testing.T) {
	h := newHarness(t)
	key, _ := crypto.GenerateKey()
	trigger := h.signedIntent(t, key, "trigger", "1", 3000)
	trigger.TokenA = "0x31d0220469e10c4E71834a79b1f276d740d376"

	res := h.exec.Execute(context.Background(), trigger, nil)
	if res.State != model.StateAborted || res.Stage != string(StageNormalizing) {
		t.Fatalf("state %s stage %s", res.State, res.Stage)
	}
	if h.reader.calls != 0 || len(h.submitter.calls) != 0 {
		t.Fatalf("no remote calls expected")
	}
}

func TestExecuteLeadsWithCompanionWhenTriggerUnresolvable(t *testing.T) {
	h := newHarness(t)
	keyA, _ := crypto.GenerateKey()
	keyB, _ := crypto.GenerateKey()
	trigger := h.signedIntent(t, keyA, "trigger", "1", 3000)
	trigger.TokenA = "DOGE"
	companion := h.signedIntent(t, keyB, "companion", "2", 3000)
	h.consume(companion)

	res := h.exec.Execute(context.Background(), trigger, []model.Intent{companion})
	if res.State != model.StateSettled {
		t.Fatalf("state: %s (%s)", res.State, res.Reason)
	}
	if len(res.SkippedIDs) != 1 || res.SkippedIDs[0] != "trigger" {
		t.Fatalf("skipped: %v", res.SkippedIDs)
	}
	if len(res.SettledIDs) != 1 || res.SettledIDs[0] != "companion" {
		t.Fatalf("settled: %v", res.SettledIDs)
	}
	if len(h.submitter.calls) != 1 || h.submitter.calls[0].Recipient != crypto.PubkeyToAddress(keyB.PublicKey) {
		t.Fatalf("companion should lead the submission")
	}
}

type failingLedger struct{ calls int }

func (f *failingLedger) IsConsumed(context.Context, common.Address, *big.Int) (bool, error) {
	f.calls++
	return false, errors.New("429 too many requests")
}

func TestExecuteLedgerOutageIsFailed(t *testing.T) {
	h := newHarness(t)
	ledger := &failingLedger{}
	exec, err := NewExecutor(ExecutorDeps{
		Normalizer: h.norm,
		Verifier:   permit.NewVerifier(testDomain, ledger, nil),
		Reader:     h.reader,
		Policy:     pool.LimitPolicy{DrainToleranceBps: pool.DefaultDrainToleranceBps},
		Submitter:  h.submitter,
		Ledger:     ledger,
		Hook:       testHook,
	})
	if err != nil {
		t.Fatalf("executor: %v", err)
	}
	key, _ := crypto.GenerateKey()
	trigger := h.signedIntent(t, key, "trigger", "1", 3000)

	res := exec.Execute(context.Background(), trigger, nil)
	if res.State != model.StateFailed || res.Stage != string(StageVerifying) {
		t.Fatalf("state %s stage %s (%s)", res.State, res.Stage, res.Reason)
	}
	if !strings.Contains(res.Reason, "too many requests") {
		t.Fatalf("rpc failure not surfaced: %s", res.Reason)
	}
	if len(res.SkippedIDs) != 0 {
		t.Fatalf("outage must not be reported as a bad intent: %v", res.SkippedIDs)
	}
	if len(h.submitter.calls) != 0 {
		t.Fatalf("no submission expected")
	}
}

type decodedHookData struct {
	permits    []GhostPermit
	signatures [][]byte
	witnesses  []WitnessData
}

func decodeHookData(t *testing.T, data []byte) decodedHookData {
	t.Helper()
	args, err := hookDataArguments()
	if err != nil {
		t.Fatalf("hook data args: %v", err)
	}
	values, err := args.Unpack(data)
	if err != nil {
		t.Fatalf("unpack hook data: %v", err)
	}
	var out decodedHookData
	out.permits = *abiConvert[[]GhostPermit](values[0])
	out.signatures = *abiConvert[[][]byte](values[1])
	out.witnesses = *abiConvert[[]WitnessData](values[2])
	return out
}
