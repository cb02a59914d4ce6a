package settlement

import (
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"ghostSettler/internal/assets"
	"ghostSettler/internal/model"
	"ghostSettler/internal/pool"
)

func baseIntent() model.Intent {
	return model.Intent{
		ID:          "i-1",
		Provider:    "0x1111111111111111111111111111111111111111",
		TokenA:      "WETH",
		TokenB:      "usdc",
		AmountA:     "0.05",
		Fee:         3000,
		TickSpacing: 60,
		HookAddress: testHook.Hex(),
		Nonce:       "1712345678901",
		Expiry:      time.Now().Add(time.Hour).UnixMilli(),
		Signature:   hexutil.Encode(make([]byte, 65)),
	}
}

func TestNormalizeCanonicalizes(t *testing.T) {
	norm := NewNormalizer(assets.NewRegistry(assets.DefaultTokens(), false), testHook)
	in := baseIntent()

	n, err := norm.Normalize(in)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	weth := common.HexToAddress("0x4200000000000000000000000000000000000006")
	usdc := common.HexToAddress("0x31d0220469e10c4E71834a79b1f276d740d3768F")
	if n.InputAsset != weth || n.CounterAsset != usdc {
		t.Fatalf("assets: %s %s", n.InputAsset.Hex(), n.CounterAsset.Hex())
	}
	if n.Key.Currency0 != usdc || n.ZeroForOne() {
		t.Fatalf("selling WETH into a USDC/WETH pool is oneForZero")
	}
	if n.Amount.String() != "50000000000000000" {
		t.Fatalf("amount: %s", n.Amount)
	}
	if n.Deadline.Int64() != in.Expiry/1000 {
		t.Fatalf("deadline: %s", n.Deadline)
	}
	want, _ := pool.ComputeID(pool.NewKey(usdc, weth, 3000, 60, testHook))
	if n.PoolID != want {
		t.Fatalf("pool id: %s", n.PoolID.Hex())
	}
}

func TestNormalizeIgnoresAdvisoryPoolID(t *testing.T) {
	norm := NewNormalizer(assets.NewRegistry(assets.DefaultTokens(), false), testHook)
	in := baseIntent()
	clean, _ := norm.Normalize(in)

	in.PoolID = common.HexToHash("0xdead").Hex()
	n, err := norm.Normalize(in)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if n.PoolID != clean.PoolID {
		t.Fatalf("advisory pool id leaked into normalized intent")
	}
}

func TestNormalizeRejects(t *testing.T) {
	norm := NewNormalizer(assets.NewRegistry(assets.DefaultTokens(), false), testHook)

	cases := []struct {
		name   string
		mutate func(*model.Intent)
		want   error
	}{
		{"truncated provider", func(i *model.Intent) { i.Provider = "0x1111" }, assets.ErrMalformedAddress},
		{"unknown symbol", func(i *model.Intent) { i.TokenB = "PEPE" }, assets.ErrUnknownAsset},
		{"native marker", func(i *model.Intent) { i.TokenA = "ETH" }, assets.ErrNativeAsset},
		{"same asset", func(i *model.Intent) { i.TokenB = "WETH" }, ErrInvalidIntent},
		{"foreign hook", func(i *model.Intent) { i.HookAddress = "0x2222222222222222222222222222222222222222" }, ErrHookMismatch},
		{"bad amount", func(i *model.Intent) { i.AmountA = "-3" }, assets.ErrInvalidAmount},
		{"bad nonce", func(i *model.Intent) { i.Nonce = "abc" }, ErrInvalidIntent},
		{"zero tick spacing", func(i *model.Intent) { i.TickSpacing = 0 }, ErrInvalidIntent},
		{"short signature", func(i *model.Intent) { i.Signature = "0x1234" }, ErrInvalidIntent},
	}
	for _, tc := range cases {
		in := baseIntent()
		tc.mutate(&in)
		if _, err := norm.Normalize(in); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}
