package payment

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

// Proof is the opaque signed record attached to a piece request. The engine
// never interprets the signature; only the settlement oracle can.
type Proof struct {
	Payer   [20]byte
	Piece   uint32
	Amount  uint64
	Deposit [32]byte
	Expiry  int64
	Sig     []byte
}

// 20 + 4 + 8 + 32 + 8 + 4-byte sig length prefix
const proofHeaderLen = 76

func (p *Proof) MarshalBinary() ([]byte, error) {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, p.Payer)
	binary.Write(b, binary.BigEndian, p.Piece)
	binary.Write(b, binary.BigEndian, p.Amount)
	binary.Write(b, binary.BigEndian, p.Deposit)
	binary.Write(b, binary.BigEndian, p.Expiry)
	binary.Write(b, binary.BigEndian, int32(len(p.Sig)))
	binary.Write(b, binary.BigEndian, p.Sig)
	return b.Bytes(), nil
}

func UnmarshalProof(data []byte) (*Proof, error) {
	if len(data) < proofHeaderLen {
		return nil, errors.Errorf("proof too short: %d bytes", len(data))
	}
	p := &Proof{}
	buf := bytes.NewBuffer(data)
	binary.Read(buf, binary.BigEndian, &p.Payer)
	binary.Read(buf, binary.BigEndian, &p.Piece)
	binary.Read(buf, binary.BigEndian, &p.Amount)
	binary.Read(buf, binary.BigEndian, &p.Deposit)
	binary.Read(buf, binary.BigEndian, &p.Expiry)
	var sigLen int32
	binary.Read(buf, binary.BigEndian, &sigLen)
	if sigLen < 0 || int(sigLen) != buf.Len() {
		return nil, errors.New("proof has bad signature length")
	}
	p.Sig = make([]byte, sigLen)
	copy(p.Sig, buf.Bytes())
	return p, nil
}
