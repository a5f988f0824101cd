package payment

import (
	"context"

	"github.com/pkg/errors"
)

// Rejection and issuance failure reasons. ErrOracleUnavailable is the only
// transient one; everything else is a hard rejection for that proof.
var (
	ErrProofInvalid       = errors.New("payment proof invalid")
	ErrProofExpired       = errors.New("payment proof expired")
	ErrAmountInsufficient = errors.New("payment amount insufficient for current price")
	ErrProofConsumed      = errors.New("payment proof already consumed")
	ErrOracleUnavailable  = errors.New("settlement oracle unreachable")
	ErrInsufficientFunds  = errors.New("insufficient funds")
)

// Oracle is the external settlement program. A nil return means the proof
// was accepted for the given piece at the given price.
type Oracle interface {
	Validate(ctx context.Context, proof *Proof, expectedPiece int, expectedPrice uint64) error
}

// Wallet issues signed payment proofs against the downloader's escrow
// deposit.
type Wallet interface {
	IssueProof(ctx context.Context, pieceIndex int, price uint64) (*Proof, error)
}

// Pricing maps a piece index to its current price. Implementations may be
// static or demand-adjusted; one proof always covers exactly one piece.
type Pricing interface {
	PriceOf(pieceIndex int) uint64
}

type staticPricing struct {
	price uint64
}

func NewStaticPricing(price uint64) Pricing {
	return &staticPricing{price: price}
}

func (s *staticPricing) PriceOf(pieceIndex int) uint64 {
	return s.price
}

// Transient reports whether err only describes a temporary oracle outage.
func Transient(err error) bool {
	return errors.Is(err, ErrOracleUnavailable)
}
