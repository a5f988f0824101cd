package payment

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticOracleAccepts(t *testing.T) {
	o := NewStaticOracle()
	proof := testProof(3, 10)
	assert.NoError(t, o.Validate(context.Background(), proof, 3, 10))
}

func TestStaticOracleRejections(t *testing.T) {
	o := NewStaticOracle()

	// proof bound to another piece
	assert.Equal(t, ErrProofInvalid, o.Validate(context.Background(), testProof(2, 10), 3, 10))

	// expired
	expired := testProof(3, 10)
	expired.Expiry = time.Now().Add(-time.Minute).Unix()
	assert.Equal(t, ErrProofExpired, o.Validate(context.Background(), expired, 3, 10))

	// underpaid
	assert.Equal(t, ErrAmountInsufficient, o.Validate(context.Background(), testProof(3, 4), 3, 10))
}

func TestStaticOracleRejectsConsumedDeposit(t *testing.T) {
	o := NewStaticOracle()
	proof := testProof(3, 10)

	require.NoError(t, o.Validate(context.Background(), proof, 3, 10))
	assert.Equal(t, ErrProofConsumed, o.Validate(context.Background(), proof, 3, 10))
}

func TestStaticOracleRejectAll(t *testing.T) {
	o := NewStaticOracle()
	o.Reject = ErrOracleUnavailable
	assert.Equal(t, ErrOracleUnavailable, o.Validate(context.Background(), testProof(0, 10), 0, 10))
}

func TestStaticWalletIssuesDistinctDeposits(t *testing.T) {
	var payer [20]byte
	copy(payer[:], "payer")
	w := NewStaticWallet(payer, 100)

	p1, err := w.IssueProof(context.Background(), 0, 10)
	require.NoError(t, err)
	p2, err := w.IssueProof(context.Background(), 0, 10)
	require.NoError(t, err)

	assert.Equal(t, payer, p1.Payer)
	assert.NotEqual(t, p1.Deposit, p2.Deposit)
	assert.Equal(t, uint64(80), w.Balance)
	assert.Equal(t, 2, w.IssueCount[0])
}

func TestStaticWalletInsufficientFunds(t *testing.T) {
	w := NewStaticWallet([20]byte{}, 5)
	_, err := w.IssueProof(context.Background(), 0, 10)
	assert.Equal(t, ErrInsufficientFunds, err)
	assert.Equal(t, uint64(5), w.Balance)
}

func TestTransient(t *testing.T) {
	assert.True(t, Transient(ErrOracleUnavailable))
	assert.False(t, Transient(ErrProofInvalid))
	assert.False(t, Transient(nil))
}
