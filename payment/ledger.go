package payment

import (
	"context"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

var (
	ORACLE_MAX_RETRIES      = 3
	ORACLE_BACKOFF_INTERVAL = 100 * time.Millisecond
)

type EntryState int

const (
	Unpaid EntryState = iota
	ProofSubmitted
	ProofAccepted
	Delivered
)

func (s EntryState) String() string {
	switch s {
	case Unpaid:
		return "Unpaid"
	case ProofSubmitted:
		return "ProofSubmitted"
	case ProofAccepted:
		return "ProofAccepted"
	case Delivered:
		return "Delivered"
	}
	return "Unknown"
}

// Ledger tracks, per (peer, piece), whether payment has been proven. Each
// key is guarded by its own lock so unrelated connections never serialize.
type Ledger interface {
	// SubmitProof validates the proof against the oracle and records the
	// transition. Transient oracle outages are retried with bounded
	// exponential backoff before surfacing.
	SubmitProof(ctx context.Context, peer string, piece int, proof *Proof, price uint64) error
	IsPaid(peer string, piece int) bool
	// MarkDelivered is only legal from ProofAccepted. Calling it from any
	// other state means the payment gate was bypassed and is fatal.
	MarkDelivered(peer string, piece int)
	// Release returns a non-Delivered entry to Unpaid, making the pair
	// eligible for a fresh proof attempt.
	Release(peer string, piece int)
	// AcceptedProof returns the stored proof while the pair sits in
	// ProofAccepted, nil otherwise. A new session to a peer that was paid
	// but never delivered reuses it instead of paying again.
	AcceptedProof(peer string, piece int) *Proof
	State(peer string, piece int) EntryState
}

type ledgerKey struct {
	peer  string
	piece int
}

type ledgerEntry struct {
	sync.Mutex
	state EntryState
	proof *Proof
}

type ledger struct {
	mu      sync.Mutex
	oracle  Oracle
	entries map[ledgerKey]*ledgerEntry
}

func NewLedger(oracle Oracle) Ledger {
	return &ledger{
		oracle:  oracle,
		entries: make(map[ledgerKey]*ledgerEntry),
	}
}

// entry returns the per-key entry, creating it on first touch. Only the map
// access is globally locked; state transitions hold the entry lock.
func (l *ledger) entry(peer string, piece int) *ledgerEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := ledgerKey{peer: peer, piece: piece}
	e, ok := l.entries[key]
	if !ok {
		e = &ledgerEntry{}
		l.entries[key] = e
	}
	return e
}

func (l *ledger) SubmitProof(ctx context.Context, peer string, piece int, proof *Proof, price uint64) error {
	e := l.entry(peer, piece)
	e.Lock()
	defer e.Unlock()

	switch e.state {
	case Delivered, ProofAccepted:
		return ErrProofConsumed
	case ProofSubmitted:
		return errors.New("proof validation already in flight")
	}
	e.state = ProofSubmitted

	validate := func() error {
		err := l.oracle.Validate(ctx, proof, piece, price)
		if err != nil && !Transient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(ORACLE_BACKOFF_INTERVAL)),
		uint64(ORACLE_MAX_RETRIES)), ctx)
	if err := backoff.Retry(validate, bo); err != nil {
		// Rejection returns the entry to Unpaid
		e.state = Unpaid
		return err
	}

	e.state = ProofAccepted
	e.proof = proof
	return nil
}

func (l *ledger) IsPaid(peer string, piece int) bool {
	e := l.entry(peer, piece)
	e.Lock()
	defer e.Unlock()

	return e.state == ProofAccepted || e.state == Delivered
}

func (l *ledger) MarkDelivered(peer string, piece int) {
	e := l.entry(peer, piece)
	e.Lock()
	defer e.Unlock()

	if e.state != ProofAccepted {
		panic(errors.Errorf(
			"payment gate bypassed: delivering piece %d to %s from state %s",
			piece, peer, e.state))
	}
	e.state = Delivered
}

func (l *ledger) Release(peer string, piece int) {
	e := l.entry(peer, piece)
	e.Lock()
	defer e.Unlock()

	if e.state == Delivered {
		return
	}
	e.state = Unpaid
	e.proof = nil
}

func (l *ledger) AcceptedProof(peer string, piece int) *Proof {
	e := l.entry(peer, piece)
	e.Lock()
	defer e.Unlock()

	if e.state != ProofAccepted {
		return nil
	}
	return e.proof
}

func (l *ledger) State(peer string, piece int) EntryState {
	e := l.entry(peer, piece)
	e.Lock()
	defer e.Unlock()

	return e.state
}
