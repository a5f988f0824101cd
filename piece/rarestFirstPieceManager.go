package piece

import (
	"bytes"
	"crypto/sha1"
	"math"
	"sort"
	"sync"

	"github.com/Orionexuss/x402-p2p-protocol/payment"
	"github.com/Orionexuss/x402-p2p-protocol/stats"
	"github.com/Orionexuss/x402-p2p-protocol/storage"
	"github.com/Orionexuss/x402-p2p-protocol/torrent"
	"github.com/Orionexuss/x402-p2p-protocol/wire"
	bitmap "github.com/boljen/go-bitmap"
	mapset "github.com/deckarep/golang-set"
	"github.com/pkg/errors"
)

type rarestFirst struct {
	sync.Mutex
	clientBitField bitmap.Bitmap
	tor            *torrent.Torrent
	storage        storage.Storage
	pricing        payment.Pricing
	stats          stats.Stats
	peerToPiece    map[string]int
	pieceInfo      []*pieceInfo
	numHave        int
	completionCh   chan struct{}
	completeOnce   sync.Once
}

type pieceInfo struct {
	downloaded  bool
	downloading bool
	blocks      []*blockInfo
	availabilty int
	// peers that contributed blocks to the current buffer
	contributors mapset.Set
	// peers excluded from this piece after corruption or timeout
	banned mapset.Set
}

type blockInfo struct {
	downloaded  bool
	downloading bool
	data        []byte
}

func NewRarestFirstPieceManager(
	tor *torrent.Torrent,
	store storage.Storage,
	pricing payment.Pricing,
	st stats.Stats,
	clientBitField bitmap.Bitmap) PieceManager {

	pm := &rarestFirst{
		clientBitField: clientBitField,
		tor:            tor,
		storage:        store,
		pricing:        pricing,
		stats:          st,
		peerToPiece:    make(map[string]int),
		completionCh:   make(chan struct{}),
	}

	pis := make([]*pieceInfo, 0, tor.NumPieces)
	for i := 0; i < tor.NumPieces; i++ {
		pi := &pieceInfo{
			contributors: mapset.NewSet(),
			banned:       mapset.NewSet(),
		}
		numBlocks := int(math.Ceil(float64(tor.PieceLength(i)) / float64(BLOCK_SIZE)))
		for j := 0; j < numBlocks; j++ {
			pi.blocks = append(pi.blocks, &blockInfo{})
		}
		if clientBitField.Get(i) {
			pi.downloaded = true
			pm.numHave++
		}
		pis = append(pis, pi)
	}
	pm.pieceInfo = pis
	if pm.numHave == tor.NumPieces {
		pm.completeOnce.Do(func() { close(pm.completionCh) })
	}

	return pm
}

// blockLength returns the byte length of a block; only the last block of a
// piece may be short.
func (pm *rarestFirst) blockLength(pieceIndex, blockIndex int) int {
	pieceLen := pm.tor.PieceLength(pieceIndex)
	if (blockIndex+1)*BLOCK_SIZE > pieceLen {
		return pieceLen - blockIndex*BLOCK_SIZE
	}
	return BLOCK_SIZE
}

func (pm *rarestFirst) GetBitField() []byte {
	pm.Lock()
	defer pm.Unlock()

	return pm.clientBitField.Data(true)
}

func (pm *rarestFirst) GetPiecesDownloaded() int {
	pm.Lock()
	defer pm.Unlock()

	return pm.numHave
}

func (pm *rarestFirst) CompletionChan() <-chan struct{} {
	return pm.completionCh
}

// release drops the peer's current assignment and resets in-flight blocks
// so another peer can pick the piece up.
func (pm *rarestFirst) release(id string) (int, bool) {
	pieceIndex, ok := pm.peerToPiece[id]
	if !ok {
		return 0, false
	}
	pm.pieceInfo[pieceIndex].downloading = false
	for _, block := range pm.pieceInfo[pieceIndex].blocks {
		block.downloading = false
	}
	delete(pm.peerToPiece, id)
	return pieceIndex, true
}

func (pm *rarestFirst) PeerChoked(id string) {
	pm.Lock()
	defer pm.Unlock()

	pm.release(id)
}

func (pm *rarestFirst) PeerStopped(id string, peerBitfield *bitmap.Bitmap) {
	pm.Lock()
	defer pm.Unlock()

	// Update piece availabilities
	if peerBitfield != nil {
		for pieceIndex := 0; pieceIndex < pm.tor.NumPieces; pieceIndex++ {
			if peerBitfield.Get(pieceIndex) {
				pm.pieceInfo[pieceIndex].availabilty--
			}
		}
	}

	pm.release(id)
}

func (pm *rarestFirst) PeerTimedOut(id string) (int, bool) {
	pm.Lock()
	defer pm.Unlock()

	pieceIndex, ok := pm.release(id)
	if !ok {
		return 0, false
	}
	// The peer took payment without delivering; never re-request this piece
	// from it.
	pm.pieceInfo[pieceIndex].banned.Add(id)
	return pieceIndex, true
}

func (pm *rarestFirst) PieceHave(id string, pieceIndex int) {
	pm.Lock()
	defer pm.Unlock()

	if pieceIndex < 0 || pieceIndex >= pm.tor.NumPieces {
		return
	}
	pm.pieceInfo[pieceIndex].availabilty++
}

func (pm *rarestFirst) AssignedPiece(id string) (int, bool) {
	pm.Lock()
	defer pm.Unlock()

	pieceIndex, ok := pm.peerToPiece[id]
	return pieceIndex, ok
}

func (pm *rarestFirst) PickPiece(id string, peerBitfield *bitmap.Bitmap) (int, bool) {
	pm.Lock()
	defer pm.Unlock()

	if pieceIndex, ok := pm.peerToPiece[id]; ok {
		return pieceIndex, true
	}
	if peerBitfield == nil {
		return 0, false
	}

	unreliable := pm.stats != nil && pm.stats.Reliability(id) < MIN_RELIABILITY

	// Candidates: pieces the peer advertises, the client lacks, nobody is
	// downloading, and this peer hasn't been excluded from
	pieces := make([]int, 0)
	for pieceIndex := 0; pieceIndex < pm.tor.NumPieces; pieceIndex++ {
		if !peerBitfield.Get(pieceIndex) || pm.clientBitField.Get(pieceIndex) {
			continue
		}
		pi := pm.pieceInfo[pieceIndex]
		if pi.downloaded || pi.downloading || pi.banned.Contains(id) {
			continue
		}
		if unreliable && pi.availabilty > 1 {
			continue
		}
		pieces = append(pieces, pieceIndex)
	}
	if len(pieces) == 0 {
		return 0, false
	}

	// Rarest first, then cheapest
	sort.Slice(pieces, func(i, j int) bool {
		p1, p2 := pieces[i], pieces[j]
		if pm.pieceInfo[p1].availabilty != pm.pieceInfo[p2].availabilty {
			return pm.pieceInfo[p1].availabilty < pm.pieceInfo[p2].availabilty
		}
		return pm.pricing.PriceOf(p1) < pm.pricing.PriceOf(p2)
	})

	pieceIndex := pieces[0]
	pm.peerToPiece[id] = pieceIndex
	pm.pieceInfo[pieceIndex].downloading = true
	return pieceIndex, true
}

func (pm *rarestFirst) SendBlockRequests(id string, w wire.Wire, proof []byte) error {
	pm.Lock()
	defer pm.Unlock()

	pieceIndex, ok := pm.peerToPiece[id]
	if !ok {
		return errors.New("no piece assigned to peer")
	}

	inflight := 0
	for _, block := range pm.pieceInfo[pieceIndex].blocks {
		if block.downloading {
			inflight++
		}
	}

	for blockIndex, block := range pm.pieceInfo[pieceIndex].blocks {
		if inflight >= MAX_OUTSTANDING_REQUESTS {
			return nil
		}
		if !block.downloaded && !block.downloading {
			err := w.SendRequest(pieceIndex, blockIndex*BLOCK_SIZE, pm.blockLength(pieceIndex, blockIndex), proof)
			if err != nil {
				return err
			}
			block.downloading = true
			inflight++
		}
	}
	return nil
}

func (pm *rarestFirst) WriteBlock(id string, pieceIndex, blockIndex int, data []byte) (WriteResult, error) {
	pm.Lock()
	defer pm.Unlock()

	res := WriteResult{PieceIndex: pieceIndex}

	// Check pieceIndex and blockIndex and set block as downloaded
	if pi, ok := pm.peerToPiece[id]; !ok || pi != pieceIndex {
		return res, errors.New("downloaded block from incorrect piece")
	}
	if blockIndex < 0 || blockIndex >= len(pm.pieceInfo[pieceIndex].blocks) {
		return res, errors.New("downloaded block out of range")
	}
	if !pm.pieceInfo[pieceIndex].blocks[blockIndex].downloading {
		return res, errors.New("downloaded incorrect block")
	}
	if len(data) != pm.blockLength(pieceIndex, blockIndex) {
		return res, errors.New("incorrect block size")
	}
	pi := pm.pieceInfo[pieceIndex]
	pi.blocks[blockIndex].downloaded = true
	pi.blocks[blockIndex].downloading = false
	pi.blocks[blockIndex].data = data
	pi.contributors.Add(id)

	// If any block is still missing the piece stays in flight
	for _, block := range pi.blocks {
		if !block.downloaded {
			return res, nil
		}
	}
	res.PieceDone = true
	res.Contributors = pi.contributors.Clone()

	// Full coverage: verify against the content descriptor
	pieceBuf := &bytes.Buffer{}
	for _, block := range pi.blocks {
		pieceBuf.Write(block.data)
	}
	pieceData := pieceBuf.Bytes()
	actualChecksum := sha1.Sum(pieceData)
	if !bytes.Equal(pm.tor.PieceHash(pieceIndex), actualChecksum[:]) {
		// Discard the buffer and exclude every contributor from this piece;
		// it becomes schedulable from other peers.
		for _, block := range pi.blocks {
			block.downloaded = false
			block.downloading = false
			block.data = nil
		}
		pi.banned = pi.banned.Union(pi.contributors)
		pi.contributors = mapset.NewSet()
		pm.release(id)
		return res, nil
	}
	res.Verified = true

	if err := pm.storage.PutVerified(pieceIndex, pieceData); err != nil {
		return res, err
	}

	// Set piece as downloaded and free the block buffers
	pi.downloaded = true
	pi.downloading = false
	for _, block := range pi.blocks {
		block.data = nil
	}
	delete(pm.peerToPiece, id)
	pm.clientBitField.Set(pieceIndex, true)
	pm.numHave++
	if pm.numHave == pm.tor.NumPieces {
		pm.completeOnce.Do(func() { close(pm.completionCh) })
	}

	return res, nil
}
