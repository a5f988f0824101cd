package wire

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const (
	CHOKE          = 0
	UNCHOKE        = 1
	INTERESTED     = 2
	NOT_INTERESTED = 3
	HAVE           = 4
	BITFIELD       = 5
	REQUEST        = 6
	BLOCK          = 7
	CANCEL         = 8
	PORT           = 9
	// Payment extension, not present in the unpaid baseline protocol
	PAYMENT_REJECTED = 10
)

// Payment rejection reason codes carried by PAYMENT_REJECTED
const (
	REJECT_PROOF_INVALID       = 0
	REJECT_PROOF_EXPIRED       = 1
	REJECT_AMOUNT_INSUFFICIENT = 2
	REJECT_PROOF_CONSUMED      = 3
	REJECT_ORACLE_UNAVAILABLE  = 4
)

// Reserved byte 5 of the handshake advertises the payment extension
const PAYMENT_EXTENSION_BIT = 0x01

// HANDSHAKE_TIMEOUT bounds the handshake read independently of the
// connection's message timeout, which is sized for idle sessions.
var HANDSHAKE_TIMEOUT = 10 * time.Second

type Wire interface {
	// Reading
	ReadHandshake() (uint8, string, []byte, []byte, error)
	ReadMessage() (int32, byte, []byte, error)

	// Writing
	SendHandshake(length uint8, protocol string, infohash []byte, peerID []byte) error
	SendKeepAlive() error
	SendChoke() error
	SendUnchoke() error
	SendInterested() error
	SendUnInterested() error
	SendHave(pieceIndex int) error
	SendBitField(bitfield []byte) error
	SendRequest(pieceIndex, begin, length int, proof []byte) error
	SendBlock(pieceIndex, begin int, block []byte) error
	SendPaymentRejected(pieceIndex int, reason byte) error

	// Other
	GetLastMessageSent() (lastMessageSent time.Time)
	Close()
}

type wire struct {
	conn            net.Conn
	timeoutDuration time.Duration

	// guards writes; sessions send from multiple goroutines
	sendMu          sync.Mutex
	lastMessageSent time.Time
}

func NewWire(
	conn net.Conn,
	timeoutDuration time.Duration) Wire {

	return &wire{
		conn:            conn,
		timeoutDuration: timeoutDuration,
	}
}

// 1 + 19 + 8 + 20 + 20
type Handshake struct {
	Len      uint8
	Protocol [19]byte
	Reserved [8]uint8
	InfoHash [20]byte
	PeerID   [20]byte
}

// Request is the payment-extended piece request payload: the baseline
// index/begin/length triple followed by a length-prefixed payment proof.
type Request struct {
	PieceIndex int
	Begin      int
	Length     int
	Proof      []byte
}

// ParseRequest decodes a REQUEST payload.
func ParseRequest(payload []byte) (*Request, error) {
	buf := bytes.NewBuffer(payload)
	var pieceIndex, begin, length, proofLen int32
	for _, field := range []*int32{&pieceIndex, &begin, &length, &proofLen} {
		if err := binary.Read(buf, binary.BigEndian, field); err != nil {
			return nil, errors.Wrap(err, "malformed request")
		}
	}
	if proofLen < 0 || int(proofLen) != buf.Len() {
		return nil, errors.New("malformed request: bad proof length")
	}
	return &Request{
		PieceIndex: int(pieceIndex),
		Begin:      int(begin),
		Length:     int(length),
		Proof:      buf.Bytes(),
	}, nil
}

// ParsePaymentRejected decodes a PAYMENT_REJECTED payload.
func ParsePaymentRejected(payload []byte) (pieceIndex int, reason byte, err error) {
	if len(payload) != 5 {
		return 0, 0, errors.New("malformed payment rejection")
	}
	return int(int32(binary.BigEndian.Uint32(payload[:4]))), payload[4], nil
}

func (w *wire) GetLastMessageSent() time.Time {
	w.sendMu.Lock()
	defer w.sendMu.Unlock()
	return w.lastMessageSent
}

func (w *wire) SendKeepAlive() error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(0))
	return w.sendMessage(b.Bytes())
}

func (w *wire) SendHave(pieceIndex int) error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(5))
	binary.Write(b, binary.BigEndian, uint8(HAVE))
	binary.Write(b, binary.BigEndian, int32(pieceIndex))
	return w.sendMessage(b.Bytes())
}

func (w *wire) SendHandshake(length uint8, protocol string, infohash []byte, peerID []byte) error {
	reserved := make([]byte, 8)
	reserved[5] |= PAYMENT_EXTENSION_BIT
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, length)
	binary.Write(b, binary.BigEndian, []byte(protocol))
	binary.Write(b, binary.BigEndian, reserved)
	binary.Write(b, binary.BigEndian, infohash)
	binary.Write(b, binary.BigEndian, peerID)
	return w.sendMessage(b.Bytes())
}

func (w *wire) Close() {
	w.conn.Close()
}

func (w *wire) ReadHandshake() (uint8, string, []byte, []byte, error) {
	h := &Handshake{}
	w.conn.SetReadDeadline(time.Now().Add(HANDSHAKE_TIMEOUT))
	data := make([]byte, 68)
	_, err := io.ReadFull(w.conn, data)
	if err != nil {
		return 0, "", nil, nil, err
	}
	err = binary.Read(bytes.NewBuffer(data), binary.BigEndian, h)
	if err != nil {
		return 0, "", nil, nil, err
	}
	return h.Len, string(h.Protocol[:]), h.InfoHash[:], h.PeerID[:], nil
}

func (w *wire) ReadMessage() (int32, byte, []byte, error) {
	w.conn.SetReadDeadline(time.Now().Add(w.timeoutDuration))

	var length int32
	err1 := binary.Read(w.conn, binary.BigEndian, &length)
	if err1 != nil {
		return 0, 0, nil, err1
	}
	if length == 0 {
		// keep-alive
		return length, 0, nil, nil
	}
	if length < 0 {
		return 0, 0, nil, errors.New("malformed message: negative length")
	}
	var ID uint8
	err2 := binary.Read(w.conn, binary.BigEndian, &ID)
	if err2 != nil {
		return 0, 0, nil, err2
	}

	payload := make([]byte, length-1)
	_, err3 := io.ReadFull(w.conn, payload)
	if err3 != nil {
		return 0, 0, nil, err3
	}
	return length, ID, payload, nil
}

func (w *wire) SendChoke() error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(1))
	binary.Write(b, binary.BigEndian, uint8(CHOKE))
	return w.sendMessage(b.Bytes())
}

func (w *wire) SendUnchoke() error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(1))
	binary.Write(b, binary.BigEndian, uint8(UNCHOKE))
	return w.sendMessage(b.Bytes())
}

func (w *wire) SendInterested() error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(1))
	binary.Write(b, binary.BigEndian, uint8(INTERESTED))
	return w.sendMessage(b.Bytes())
}

func (w *wire) SendUnInterested() error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(1))
	binary.Write(b, binary.BigEndian, uint8(NOT_INTERESTED))
	return w.sendMessage(b.Bytes())
}

func (w *wire) SendBlock(pieceIndex, begin int, block []byte) error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(9+len(block)))
	binary.Write(b, binary.BigEndian, uint8(BLOCK))
	binary.Write(b, binary.BigEndian, int32(pieceIndex))
	binary.Write(b, binary.BigEndian, int32(begin))
	binary.Write(b, binary.BigEndian, block)
	return w.sendMessage(b.Bytes())
}

func (w *wire) SendBitField(bitfield []byte) error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(1+len(bitfield)))
	binary.Write(b, binary.BigEndian, uint8(BITFIELD))
	binary.Write(b, binary.BigEndian, bitfield)
	return w.sendMessage(b.Bytes())
}

// SendRequest carries the payment proof alongside the baseline request
// fields. A request without a proof is only valid for a free piece.
func (w *wire) SendRequest(pieceIndex, begin, length int, proof []byte) error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(17+len(proof)))
	binary.Write(b, binary.BigEndian, uint8(REQUEST))
	binary.Write(b, binary.BigEndian, int32(pieceIndex))
	binary.Write(b, binary.BigEndian, int32(begin))
	binary.Write(b, binary.BigEndian, int32(length))
	binary.Write(b, binary.BigEndian, int32(len(proof)))
	binary.Write(b, binary.BigEndian, proof)
	return w.sendMessage(b.Bytes())
}

func (w *wire) SendPaymentRejected(pieceIndex int, reason byte) error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(6))
	binary.Write(b, binary.BigEndian, uint8(PAYMENT_REJECTED))
	binary.Write(b, binary.BigEndian, int32(pieceIndex))
	binary.Write(b, binary.BigEndian, reason)
	return w.sendMessage(b.Bytes())
}

func (w *wire) sendMessage(msg []byte) error {
	w.sendMu.Lock()
	defer w.sendMu.Unlock()
	w.lastMessageSent = time.Now()
	w.conn.SetWriteDeadline(time.Now().Add(w.timeoutDuration))
	_, err := w.conn.Write(msg)
	if err != nil {
		return err
	}
	return nil
}
