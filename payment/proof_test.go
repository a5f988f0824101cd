package payment

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProofRoundTrip(t *testing.T) {
	proof := &Proof{
		Piece:  7,
		Amount: 42,
		Expiry: time.Now().Add(time.Hour).Unix(),
		Sig:    make([]byte, 64),
	}
	copy(proof.Payer[:], "-X4021 -payerpayerpa")
	for i := range proof.Deposit {
		proof.Deposit[i] = byte(i)
	}
	for i := range proof.Sig {
		proof.Sig[i] = byte(0xff - i)
	}

	raw, err := proof.MarshalBinary()
	require.NoError(t, err)
	assert.Len(t, raw, proofHeaderLen+len(proof.Sig))

	got, err := UnmarshalProof(raw)
	require.NoError(t, err)
	assert.Equal(t, proof, got)
}

func TestUnmarshalProofTooShort(t *testing.T) {
	_, err := UnmarshalProof(make([]byte, proofHeaderLen-1))
	assert.Error(t, err)
}

func TestUnmarshalProofBadSigLength(t *testing.T) {
	proof := &Proof{Piece: 1, Amount: 1, Sig: make([]byte, 64)}
	raw, err := proof.MarshalBinary()
	require.NoError(t, err)

	// truncating the signature breaks the declared length
	_, err = UnmarshalProof(raw[:len(raw)-1])
	assert.Error(t, err)
}
