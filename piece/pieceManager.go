package piece

import (
	"github.com/Orionexuss/x402-p2p-protocol/wire"
	bitmap "github.com/boljen/go-bitmap"
	mapset "github.com/deckarep/golang-set"
)

var (
	MAX_OUTSTANDING_REQUESTS = 5
	BLOCK_SIZE               = 16384 // 2^14
	// Peers below this reliability score only get pieces nobody else has
	MIN_RELIABILITY = -5
)

// WriteResult reports what a block write did to its piece. A completed
// piece either verified (stored, bitmap updated) or failed its checksum
// (buffer discarded, contributors excluded from the piece).
type WriteResult struct {
	PieceDone    bool
	Verified     bool
	PieceIndex   int
	Contributors mapset.Set
}

type PieceManager interface {
	GetPiecesDownloaded() (piecesDownloaded int)
	GetBitField() (clientBitfield []byte)
	// CompletionChan is closed once every piece is verified locally
	CompletionChan() <-chan struct{}
	PeerChoked(id string)
	PeerStopped(id string, peerBitfield *bitmap.Bitmap)
	// PeerTimedOut releases the peer's assignment and excludes it from that
	// piece; the piece becomes schedulable from other peers.
	PeerTimedOut(id string) (pieceIndex int, ok bool)
	PieceHave(id string, pieceIndex int)
	// PickPiece assigns the rarest wanted piece the peer advertises,
	// tie-broken by lowest price. Never selects a locally complete piece.
	PickPiece(id string, peerBitfield *bitmap.Bitmap) (pieceIndex int, ok bool)
	AssignedPiece(id string) (pieceIndex int, ok bool)
	SendBlockRequests(id string, w wire.Wire, proof []byte) (err error)
	WriteBlock(id string, pieceIndex, blockIndex int, data []byte) (result WriteResult, err error)
}
