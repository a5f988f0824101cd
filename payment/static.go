package payment

import (
	"context"
	"crypto/rand"
	"sync"
	"time"
)

// StaticOracle is a deterministic in-process settlement oracle. It checks
// the proof fields it can see and tracks consumed deposits. Used for local
// swarms and tests; production swarms plug in a chain-backed Oracle.
type StaticOracle struct {
	mu sync.Mutex
	// Reject, when set, makes every validation fail with this error
	Reject   error
	consumed map[[32]byte]bool
}

func NewStaticOracle() *StaticOracle {
	return &StaticOracle{
		consumed: make(map[[32]byte]bool),
	}
}

func (o *StaticOracle) Validate(ctx context.Context, proof *Proof, expectedPiece int, expectedPrice uint64) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.Reject != nil {
		return o.Reject
	}
	if proof == nil || int(proof.Piece) != expectedPiece {
		return ErrProofInvalid
	}
	if proof.Expiry != 0 && proof.Expiry < time.Now().Unix() {
		return ErrProofExpired
	}
	if proof.Amount < expectedPrice {
		return ErrAmountInsufficient
	}
	if o.consumed[proof.Deposit] {
		return ErrProofConsumed
	}
	o.consumed[proof.Deposit] = true
	return nil
}

// StaticWallet issues proofs against a fixed balance, one deposit reference
// per proof. IssueCount records how many proofs were cut per piece, which
// doubles as the pay-exactly-once instrumentation point.
type StaticWallet struct {
	mu         sync.Mutex
	Payer      [20]byte
	Balance    uint64
	IssueCount map[int]int
}

func NewStaticWallet(payer [20]byte, balance uint64) *StaticWallet {
	return &StaticWallet{
		Payer:      payer,
		Balance:    balance,
		IssueCount: make(map[int]int),
	}
}

func (w *StaticWallet) IssueProof(ctx context.Context, pieceIndex int, price uint64) (*Proof, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if price > w.Balance {
		return nil, ErrInsufficientFunds
	}
	w.Balance -= price

	proof := &Proof{
		Payer:  w.Payer,
		Piece:  uint32(pieceIndex),
		Amount: price,
		Expiry: time.Now().Add(time.Hour).Unix(),
	}
	rand.Read(proof.Deposit[:])
	proof.Sig = make([]byte, 64)
	rand.Read(proof.Sig)
	w.IssueCount[pieceIndex]++
	return proof, nil
}
