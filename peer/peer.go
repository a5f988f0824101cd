package peer

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/Orionexuss/x402-p2p-protocol/payment"
	"github.com/Orionexuss/x402-p2p-protocol/piece"
	"github.com/Orionexuss/x402-p2p-protocol/stats"
	"github.com/Orionexuss/x402-p2p-protocol/storage"
	"github.com/Orionexuss/x402-p2p-protocol/torrent"
	"github.com/Orionexuss/x402-p2p-protocol/wire"
	bitmap "github.com/boljen/go-bitmap"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const PROTOCOL = "BitTorrent protocol"

var (
	HANDSHAKE_TIMEOUT        = 10 * time.Second
	REQUEST_TIMEOUT          = 30 * time.Second
	PROOF_TIMEOUT            = 10 * time.Second
	KEEP_ALIVE_INTERVAL      = time.Minute
	BLOCK_READ_REQUEST_DELAY = 0 * time.Second
	MAX_PAYMENT_RETRIES      = 3
	CORRUPTION_THRESHOLD     = 2
)

// ErrHandshakeMismatch means the remote is in a different swarm; the
// connection is torn down and never retried.
var ErrHandshakeMismatch = errors.New("handshake content-hash mismatch")

// SessionState enumerates the connection state machine. The request cycle
// runs Idle -> AwaitingProof -> RequestSent -> ReceivingBlocks -> Verifying
// and back to Idle; Closed is terminal.
type SessionState int

const (
	Connecting SessionState = iota
	HandshakeSent
	HandshakeVerified
	Idle
	AwaitingProof
	RequestSent
	ReceivingBlocks
	Verifying
	Closed
)

func (s SessionState) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case HandshakeSent:
		return "HandshakeSent"
	case HandshakeVerified:
		return "HandshakeVerified"
	case Idle:
		return "Idle"
	case AwaitingProof:
		return "AwaitingProof"
	case RequestSent:
		return "RequestSent"
	case ReceivingBlocks:
		return "ReceivingBlocks"
	case Verifying:
		return "Verifying"
	case Closed:
		return "Closed"
	}
	return "Unknown"
}

type Peer interface {
	Start()
	Stop()
	GetPeerInfo() (id string, state connState, lastPiece int64)
	GetState() SessionState
	GetWire() wire.Wire
	SendChoke() error
	SendUnchoke() error
}

var newWire = wire.NewWire

// Resources are the swarm-wide collaborators shared by every session.
type Resources struct {
	Torrent  *torrent.Torrent
	Storage  storage.Storage
	PieceMgr piece.PieceManager
	// PayLedger tracks payments the local node made (local node as payer);
	// ServeLedger tracks payments received (remote peer as payer). The two
	// are distinct so serving a piece never aliases with having bought it.
	PayLedger   payment.Ledger
	ServeLedger payment.Ledger
	Wallet      payment.Wallet
	Pricing     payment.Pricing
	Stats       stats.Stats
	Logger      *zap.Logger
}

type peer struct {
	sync.Mutex
	id      string
	state   SessionState
	conn    connState
	closed  bool
	wire    wire.Wire
	peerMgr PeerManager
	res     *Resources
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	peerBitfield          *bitmap.Bitmap
	lastPiece             int64
	lastBlockAt           time.Time
	paymentRetries        map[int]int
	proofs                map[int][]byte
	servedBytes           map[int]int
	readRequestCancelChan map[string]chan int
}

type connState struct {
	peerInterested   bool
	clientInterested bool
	peerChoking      bool
	clientChoking    bool
}

func NewPeer(
	id string,
	w wire.Wire,
	peerMgr PeerManager,
	res *Resources) Peer {

	ctx, cancel := context.WithCancel(context.Background())
	return &peer{
		id:                    id,
		state:                 Connecting,
		wire:                  w,
		peerMgr:               peerMgr,
		res:                   res,
		logger:                res.Logger.With(zap.String("peer", id)),
		ctx:                   ctx,
		cancel:                cancel,
		paymentRetries:        make(map[int]int),
		proofs:                make(map[int][]byte),
		servedBytes:           make(map[int]int),
		readRequestCancelChan: make(map[string]chan int),
		conn: connState{
			peerChoking:      true,
			clientChoking:    true,
			peerInterested:   false,
			clientInterested: false,
		},
	}
}

func (p *peer) GetWire() wire.Wire {
	return p.wire
}

func (p *peer) GetState() SessionState {
	p.Lock()
	defer p.Unlock()

	return p.state
}

func (p *peer) GetPeerInfo() (string, connState, int64) {
	p.Lock()
	defer p.Unlock()

	return p.id, p.conn, p.lastPiece
}

func (p *peer) SendChoke() error {
	p.Lock()
	p.conn.clientChoking = true
	p.Unlock()
	return p.wire.SendChoke()
}

func (p *peer) SendUnchoke() error {
	p.Lock()
	p.conn.clientChoking = false
	p.Unlock()
	return p.wire.SendUnchoke()
}

func (p *peer) Stop() {
	p.Lock()
	if p.closed {
		p.Unlock()
		return
	}
	p.closed = true
	p.state = Closed
	bf := p.peerBitfield
	p.Unlock()

	p.cancel()
	go func() {
		p.peerMgr.RemovePeer(p.id)
		p.res.PieceMgr.PeerStopped(p.id, bf)
	}()
	if p.wire != nil {
		p.wire.Close()
	}
	p.logger.Debug("session closed")
}

func (p *peer) isClosed() bool {
	p.Lock()
	defer p.Unlock()

	return p.closed
}

// setState records a transition unless the session has already closed.
func (p *peer) setState(s SessionState) {
	p.Lock()
	defer p.Unlock()

	if p.closed {
		return
	}
	p.state = s
}

func (p *peer) fatal(reason string, err error) {
	if p.isClosed() {
		return
	}
	p.logger.Debug("closing session", zap.String("reason", reason), zap.Error(err))
	p.Stop()
}

func (p *peer) Start() {
	if p.wire == nil {
		conn, err := net.DialTimeout("tcp4", p.id, HANDSHAKE_TIMEOUT)
		if err != nil {
			p.fatal("dial failed", err)
			return
		}
		// Same idle deadline as inbound sessions; it must outlast the
		// remote's keep-alive cadence or a merely choked session dies.
		p.wire = newWire(conn, time.Duration(time.Second*PEER_TIMEOUT))
	}

	// Handshake exchange: wrong content-hash means wrong swarm, torn down
	// immediately with no retry.
	err := p.wire.SendHandshake(19, PROTOCOL, p.res.Torrent.InfoHash, torrent.PEER_ID)
	if err != nil {
		p.fatal("handshake send failed", err)
		return
	}
	p.setState(HandshakeSent)

	length, protocol, infoHash, _, err := p.wire.ReadHandshake()
	if err != nil || length != 19 || protocol != PROTOCOL {
		p.fatal("malformed handshake", err)
		return
	}
	if !bytes.Equal(infoHash, p.res.Torrent.InfoHash) {
		p.fatal("wrong swarm", ErrHandshakeMismatch)
		return
	}
	p.setState(HandshakeVerified)
	p.logger.Debug("handshake verified")

	go p.keepAlive()

	err = p.wire.SendBitField(p.res.PieceMgr.GetBitField())
	if err != nil {
		p.fatal("bitfield send failed", err)
		return
	}
	p.setState(Idle)

	go p.watchRequests()

	// Handle all subsequent messages
	for {
		length, messageID, payload, err := p.wire.ReadMessage()
		if err != nil {
			p.fatal("read failed", err)
			return
		}
		if length == 0 {
			// keep-alive message
			continue
		}
		if !p.decodeMessage(messageID, bytes.NewBuffer(payload)) {
			return
		}
	}
}

func (p *peer) keepAlive() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case now := <-time.After(KEEP_ALIVE_INTERVAL):
			if p.wire.GetLastMessageSent().Before(now.Add(-KEEP_ALIVE_INTERVAL)) {
				if err := p.wire.SendKeepAlive(); err != nil {
					return
				}
			}
		}
	}
}

// watchRequests enforces the request timeout: a request cycle that produced
// no block for too long releases the piece for other peers. An accepted
// proof for that pair is consumed and is not reissued; recovery is
// delegated to the settlement layer.
func (p *peer) watchRequests() {
	interval := REQUEST_TIMEOUT / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.Lock()
			waiting := p.state == RequestSent || p.state == ReceivingBlocks
			expired := waiting && time.Since(p.lastBlockAt) > REQUEST_TIMEOUT
			if expired {
				p.state = Idle
			}
			p.Unlock()
			if !expired {
				continue
			}
			pieceIndex, ok := p.res.PieceMgr.PeerTimedOut(p.id)
			p.res.Stats.RecordTimeout(p.id)
			if ok && p.res.PayLedger.IsPaid(p.id, pieceIndex) {
				p.logger.Warn("request timed out after accepted payment; proof consumed",
					zap.Int("piece", pieceIndex))
			}
			go p.requestCycle()
		}
	}
}

// decodeMessage returns false when the session should terminate.
func (p *peer) decodeMessage(messageID uint8, payload *bytes.Buffer) bool {
	switch messageID {
	case wire.CHOKE:
		p.Lock()
		wasChoking := p.conn.peerChoking
		p.conn.peerChoking = true
		if p.state == AwaitingProof || p.state == RequestSent ||
			p.state == ReceivingBlocks || p.state == Verifying {
			p.state = Idle
		}
		p.Unlock()
		if !wasChoking {
			go p.res.PieceMgr.PeerChoked(p.id)
		}
	case wire.UNCHOKE:
		p.Lock()
		wasChoking := p.conn.peerChoking
		p.conn.peerChoking = false
		p.Unlock()
		if wasChoking {
			go p.requestCycle()
		}
	case wire.INTERESTED:
		p.Lock()
		p.conn.peerInterested = true
		p.Unlock()
	case wire.NOT_INTERESTED:
		p.Lock()
		p.conn.peerInterested = false
		p.Unlock()
	case wire.HAVE:
		var pieceIndex int32
		binary.Read(payload, binary.BigEndian, &pieceIndex)
		go p.res.PieceMgr.PieceHave(p.id, int(pieceIndex))
		p.Lock()
		if p.peerBitfield != nil {
			p.peerBitfield.Set(int(pieceIndex), true)
		}
		p.Unlock()

		// If the client doesn't have the piece, become interested
		if !bitmap.Get(p.res.PieceMgr.GetBitField(), int(pieceIndex)) {
			if !p.declareInterest() {
				return false
			}
			go p.requestCycle()
		}
	case wire.BITFIELD:
		peerBitfield := payload.Bytes()
		bitfield := bitmap.New(p.res.Torrent.NumPieces)
		p.Lock()
		p.peerBitfield = &bitfield
		p.Unlock()
		for pieceIndex := 0; pieceIndex < p.res.Torrent.NumPieces; pieceIndex++ {
			if bitmap.Get(peerBitfield, pieceIndex) {
				bitfield.Set(pieceIndex, true)
				p.res.PieceMgr.PieceHave(p.id, pieceIndex)
			}
		}

		// Become interested if the peer has anything the client lacks
		clientBitField := p.res.PieceMgr.GetBitField()
		for pieceIndex := 0; pieceIndex < p.res.Torrent.NumPieces; pieceIndex++ {
			if bitfield.Get(pieceIndex) && !bitmap.Get(clientBitField, pieceIndex) {
				if !p.declareInterest() {
					return false
				}
				go p.requestCycle()
				break
			}
		}
	case wire.REQUEST:
		return p.handleRequest(payload.Bytes())
	case wire.BLOCK:
		return p.handleBlock(payload)
	case wire.PAYMENT_REJECTED:
		pieceIndex, reason, err := wire.ParsePaymentRejected(payload.Bytes())
		if err != nil {
			p.fatal("malformed payment rejection", err)
			return false
		}
		p.handlePaymentRejected(pieceIndex, reason)
	case wire.CANCEL:
		p.Lock()
		choking, interested := p.conn.clientChoking, p.conn.peerInterested
		p.Unlock()
		if choking || !interested {
			p.fatal("cancel while choked or not interested", nil)
			return false
		}
		var pieceIndex, blockByteOffset, length int32
		binary.Read(payload, binary.BigEndian, &pieceIndex)
		binary.Read(payload, binary.BigEndian, &blockByteOffset)
		binary.Read(payload, binary.BigEndian, &length)

		requestID := strconv.Itoa(int(pieceIndex)) + strconv.Itoa(int(blockByteOffset)) + strconv.Itoa(int(length))
		p.Lock()
		quitC, ok := p.readRequestCancelChan[requestID]
		if ok {
			delete(p.readRequestCancelChan, requestID)
		}
		p.Unlock()
		if ok {
			close(quitC)
		}
	case wire.PORT:
		// DHT is out of scope
	}
	return true
}

func (p *peer) declareInterest() bool {
	p.Lock()
	already := p.conn.clientInterested
	p.conn.clientInterested = true
	p.Unlock()
	if already {
		return true
	}
	if err := p.wire.SendInterested(); err != nil {
		p.fatal("interested send failed", err)
		return false
	}
	return true
}

func (p *peer) cachedProof(pieceIndex int) []byte {
	p.Lock()
	defer p.Unlock()

	return p.proofs[pieceIndex]
}
