package permit

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"ghostSettler/internal/model"
)

var (
	ErrExpired      = errors.New("permit expired")
	ErrNonceUsed    = errors.New("permit nonce already used")
	ErrBadSignature = errors.New("invalid permit signature")
)

// NonceLedger reports whether a (provider, nonce) pair was already consumed.
type NonceLedger interface {
	IsConsumed(ctx context.Context, provider common.Address, nonce *big.Int) (bool, error)
}

// Verifier checks ghost permit signatures locally.
type Verifier struct {
	domain Domain
	ledger NonceLedger
	now    func() time.Time
	logger *zap.Logger
}

// NewVerifier builds a Verifier. ledger may be nil to skip the nonce check.
func NewVerifier(domain Domain, ledger NonceLedger, logger *zap.Logger) *Verifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Verifier{domain: domain, ledger: ledger, now: time.Now, logger: logger}
}

// FromIntent builds the permit tuple from a normalized intent. The witness
// pool id is the recomputed one, never the intent's advisory value.
func FromIntent(n model.NormalizedIntent) Permit {
	return Permit{
		Provider: n.Provider,
		Token:    n.InputAsset,
		Amount:   n.Amount,
		Nonce:    n.Nonce,
		Deadline: n.Deadline,
		PoolID:   n.PoolID,
	}
}

// Verify returns nil when sig is a valid provider signature over p.
// Expiry is checked before any remote call.
func (v *Verifier) Verify(ctx context.Context, p Permit, sig []byte) error {
	if p.Deadline == nil || p.Deadline.Cmp(big.NewInt(v.now().Unix())) < 0 {
		return fmt.Errorf("%w: deadline %v", ErrExpired, p.Deadline)
	}

	digest, err := v.domain.Digest(p)
	if err != nil {
		return err
	}
	signer, err := RecoverSigner(digest, sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if signer != p.Provider {
		v.diagnose(p, signer)
		return fmt.Errorf("%w: signer mismatch", ErrBadSignature)
	}

	if v.ledger != nil {
		used, err := v.ledger.IsConsumed(ctx, p.Provider, p.Nonce)
		if err != nil {
			return fmt.Errorf("check nonce: %w", err)
		}
		if used {
			return fmt.Errorf("%w: nonce %s", ErrNonceUsed, p.Nonce.String())
		}
	}
	return nil
}

// diagnose only logs; it never affects the verification result.
func (v *Verifier) diagnose(p Permit, recovered common.Address) {
	v.logger.Warn("permit signed by unexpected address",
		zap.String("provider", p.Provider.Hex()),
		zap.String("recovered", recovered.Hex()),
		zap.String("pool_id", p.PoolID.Hex()),
		zap.String("nonce", p.Nonce.String()),
	)
}

// RecoverSigner returns the address that produced sig over digest.
// It accepts 65-byte signatures with v in {0,1,27,28} and 64-byte compact ones.
func RecoverSigner(digest common.Hash, sig []byte) (common.Address, error) {
	normalized, err := normalizeSignature(sig)
	if err != nil {
		return common.Address{}, err
	}
	pub, err := crypto.SigToPub(digest.Bytes(), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func normalizeSignature(sig []byte) ([]byte, error) {
	switch len(sig) {
	case 65:
		out := make([]byte, 65)
		copy(out, sig)
		if out[64] >= 27 {
			out[64] -= 27
		}
		if out[64] > 1 {
			return nil, fmt.Errorf("invalid recovery id %d", sig[64])
		}
		return out, nil
	case 64:
		// EIP-2098: the top bit of vs carries the recovery id.
		out := make([]byte, 65)
		copy(out, sig[:32])
		copy(out[32:64], sig[32:])
		out[64] = out[32] >> 7
		out[32] &= 0x7f
		return out, nil
	default:
		return nil, fmt.Errorf("invalid signature length %d", len(sig))
	}
}
