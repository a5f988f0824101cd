package payment

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockOracle struct {
	mock.Mock
}

func (m *mockOracle) Validate(ctx context.Context, proof *Proof, expectedPiece int, expectedPrice uint64) error {
	args := m.Called(proof, expectedPiece, expectedPrice)
	return args.Error(0)
}

func testProof(piece int, amount uint64) *Proof {
	p := &Proof{
		Piece:  uint32(piece),
		Amount: amount,
		Expiry: time.Now().Add(time.Hour).Unix(),
		Sig:    make([]byte, 64),
	}
	p.Deposit[0] = byte(piece)
	return p
}

func TestSubmitProofAccepted(t *testing.T) {
	proof := testProof(3, 10)
	oracle := &mockOracle{}
	oracle.On("Validate", proof, 3, uint64(10)).Return(nil).Once()

	l := NewLedger(oracle)
	assert.Equal(t, Unpaid, l.State("peer1", 3))
	assert.False(t, l.IsPaid("peer1", 3))

	err := l.SubmitProof(context.Background(), "peer1", 3, proof, 10)
	require.NoError(t, err)
	assert.Equal(t, ProofAccepted, l.State("peer1", 3))
	assert.True(t, l.IsPaid("peer1", 3))

	// the pair is paid; submitting again must not hit the oracle
	err = l.SubmitProof(context.Background(), "peer1", 3, proof, 10)
	assert.Equal(t, ErrProofConsumed, err)

	l.MarkDelivered("peer1", 3)
	assert.Equal(t, Delivered, l.State("peer1", 3))
	assert.True(t, l.IsPaid("peer1", 3))
	oracle.AssertExpectations(t)
}

func TestSubmitProofRejected(t *testing.T) {
	proof := testProof(0, 1)
	oracle := &mockOracle{}
	oracle.On("Validate", proof, 0, uint64(5)).Return(ErrAmountInsufficient).Once()

	l := NewLedger(oracle)
	err := l.SubmitProof(context.Background(), "peer1", 0, proof, 5)
	assert.Equal(t, ErrAmountInsufficient, err)

	// rejection returns the pair to Unpaid
	assert.Equal(t, Unpaid, l.State("peer1", 0))
	assert.False(t, l.IsPaid("peer1", 0))
	oracle.AssertExpectations(t)
}

func TestLedgerKeysAreIndependent(t *testing.T) {
	proof := testProof(0, 10)
	oracle := &mockOracle{}
	oracle.On("Validate", proof, 0, uint64(10)).Return(nil).Once()

	l := NewLedger(oracle)
	require.NoError(t, l.SubmitProof(context.Background(), "peer1", 0, proof, 10))

	assert.True(t, l.IsPaid("peer1", 0))
	assert.False(t, l.IsPaid("peer1", 1))
	assert.False(t, l.IsPaid("peer2", 0))
}

func TestMarkDeliveredWithoutPaymentPanics(t *testing.T) {
	l := NewLedger(&mockOracle{})

	assert.Panics(t, func() {
		l.MarkDelivered("peer1", 0)
	})
}

func TestMarkDeliveredTwicePanics(t *testing.T) {
	proof := testProof(0, 10)
	oracle := &mockOracle{}
	oracle.On("Validate", proof, 0, uint64(10)).Return(nil).Once()

	l := NewLedger(oracle)
	require.NoError(t, l.SubmitProof(context.Background(), "peer1", 0, proof, 10))
	l.MarkDelivered("peer1", 0)

	// Delivered is terminal
	assert.Panics(t, func() {
		l.MarkDelivered("peer1", 0)
	})
}

func TestRelease(t *testing.T) {
	proof := testProof(2, 10)
	oracle := &mockOracle{}
	oracle.On("Validate", proof, 2, uint64(10)).Return(nil).Twice()

	l := NewLedger(oracle)
	require.NoError(t, l.SubmitProof(context.Background(), "peer1", 2, proof, 10))
	l.Release("peer1", 2)
	assert.Equal(t, Unpaid, l.State("peer1", 2))

	// a released pair accepts a fresh proof
	require.NoError(t, l.SubmitProof(context.Background(), "peer1", 2, proof, 10))
	l.MarkDelivered("peer1", 2)

	// Release never reverts a delivery
	l.Release("peer1", 2)
	assert.Equal(t, Delivered, l.State("peer1", 2))
	oracle.AssertExpectations(t)
}

func TestAcceptedProofOnlyWhileAccepted(t *testing.T) {
	proof := testProof(4, 10)
	oracle := &mockOracle{}
	oracle.On("Validate", proof, 4, uint64(10)).Return(nil).Once()

	l := NewLedger(oracle)
	assert.Nil(t, l.AcceptedProof("peer1", 4))

	require.NoError(t, l.SubmitProof(context.Background(), "peer1", 4, proof, 10))
	assert.Same(t, proof, l.AcceptedProof("peer1", 4))
	assert.Nil(t, l.AcceptedProof("peer2", 4))

	l.MarkDelivered("peer1", 4)
	assert.Nil(t, l.AcceptedProof("peer1", 4))
}

func TestAcceptedProofClearedByRelease(t *testing.T) {
	proof := testProof(0, 10)
	oracle := &mockOracle{}
	oracle.On("Validate", proof, 0, uint64(10)).Return(nil).Once()

	l := NewLedger(oracle)
	require.NoError(t, l.SubmitProof(context.Background(), "peer1", 0, proof, 10))
	l.Release("peer1", 0)
	assert.Nil(t, l.AcceptedProof("peer1", 0))
}

func TestSubmitProofRetriesTransientOutage(t *testing.T) {
	prev := ORACLE_BACKOFF_INTERVAL
	ORACLE_BACKOFF_INTERVAL = time.Millisecond
	defer func() { ORACLE_BACKOFF_INTERVAL = prev }()

	proof := testProof(1, 10)
	oracle := &mockOracle{}
	oracle.On("Validate", proof, 1, uint64(10)).Return(ErrOracleUnavailable).Twice()
	oracle.On("Validate", proof, 1, uint64(10)).Return(nil).Once()

	l := NewLedger(oracle)
	err := l.SubmitProof(context.Background(), "peer1", 1, proof, 10)
	require.NoError(t, err)
	assert.Equal(t, ProofAccepted, l.State("peer1", 1))
	oracle.AssertExpectations(t)
}

func TestSubmitProofGivesUpAfterRetries(t *testing.T) {
	prev := ORACLE_BACKOFF_INTERVAL
	ORACLE_BACKOFF_INTERVAL = time.Millisecond
	defer func() { ORACLE_BACKOFF_INTERVAL = prev }()

	proof := testProof(1, 10)
	oracle := &mockOracle{}
	oracle.On("Validate", proof, 1, uint64(10)).Return(ErrOracleUnavailable)

	l := NewLedger(oracle)
	err := l.SubmitProof(context.Background(), "peer1", 1, proof, 10)
	assert.Equal(t, ErrOracleUnavailable, err)
	assert.Equal(t, Unpaid, l.State("peer1", 1))
	oracle.AssertNumberOfCalls(t, "Validate", ORACLE_MAX_RETRIES+1)
}

func TestSubmitProofRejectionDoesNotRetry(t *testing.T) {
	proof := testProof(1, 10)
	oracle := &mockOracle{}
	oracle.On("Validate", proof, 1, uint64(10)).Return(ErrProofInvalid)

	l := NewLedger(oracle)
	err := l.SubmitProof(context.Background(), "peer1", 1, proof, 10)
	assert.Equal(t, ErrProofInvalid, err)
	oracle.AssertNumberOfCalls(t, "Validate", 1)
}
