package peer

import (
	"bytes"
	"context"
	"encoding/binary"
	"io/ioutil"
	"strconv"
	"time"

	"github.com/Orionexuss/x402-p2p-protocol/payment"
	"github.com/Orionexuss/x402-p2p-protocol/piece"
	"github.com/Orionexuss/x402-p2p-protocol/wire"
	mapset "github.com/deckarep/golang-set"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// requestCycle drives one payment-gated piece request: pick a piece, obtain
// and submit a proof, then fan out block requests. Entered only from Idle.
func (p *peer) requestCycle() {
	p.Lock()
	if p.closed || p.state != Idle || p.conn.peerChoking ||
		!p.conn.clientInterested || p.peerBitfield == nil {
		p.Unlock()
		return
	}
	p.state = AwaitingProof
	bf := p.peerBitfield
	p.Unlock()

	pieceIndex, ok := p.res.PieceMgr.PickPiece(p.id, bf)
	if !ok {
		p.Lock()
		if !p.closed && p.state == AwaitingProof {
			p.state = Idle
		}
		wasInterested := p.conn.clientInterested
		p.conn.clientInterested = false
		p.Unlock()
		if wasInterested {
			if err := p.wire.SendUnInterested(); err != nil {
				p.fatal("uninterested send failed", err)
			}
		}
		return
	}

	proofBytes, err := p.obtainProof(pieceIndex)
	if err != nil {
		p.paymentFailed(pieceIndex, err)
		return
	}

	p.Lock()
	if p.closed {
		p.Unlock()
		return
	}
	if p.state != AwaitingProof || p.conn.peerChoking {
		// A choke landed while the wallet was working. The accepted proof
		// stays cached and is reused once the remote unchokes; nothing may
		// be requested while choked.
		p.Unlock()
		return
	}
	p.state = RequestSent
	p.lastBlockAt = time.Now()
	p.Unlock()

	if err := p.res.PieceMgr.SendBlockRequests(p.id, p.wire, proofBytes); err != nil {
		p.fatal("request send failed", err)
	}
}

// obtainProof returns the marshaled accepted proof for the pair, issuing
// and validating a fresh one only when the pair is still unpaid. A pair
// that already reached ProofAccepted reuses its proof: payment happens at
// most once per (peer, piece).
func (p *peer) obtainProof(pieceIndex int) ([]byte, error) {
	price := p.res.Pricing.PriceOf(pieceIndex)

	if cached := p.cachedProof(pieceIndex); cached != nil && p.res.PayLedger.IsPaid(p.id, pieceIndex) {
		return cached, nil
	}
	// A prior session may have paid for the pair without taking delivery;
	// the ledger still holds the accepted proof, so never charge twice.
	if prior := p.res.PayLedger.AcceptedProof(p.id, pieceIndex); prior != nil {
		raw, err := prior.MarshalBinary()
		if err != nil {
			return nil, err
		}
		p.Lock()
		p.proofs[pieceIndex] = raw
		p.Unlock()
		return raw, nil
	}

	ctx, cancel := context.WithTimeout(p.ctx, PROOF_TIMEOUT)
	defer cancel()

	proof, err := p.res.Wallet.IssueProof(ctx, pieceIndex, price)
	if err != nil {
		return nil, err
	}
	if err := p.res.PayLedger.SubmitProof(ctx, p.id, pieceIndex, proof, price); err != nil {
		return nil, err
	}

	raw, err := proof.MarshalBinary()
	if err != nil {
		return nil, err
	}
	p.Lock()
	p.proofs[pieceIndex] = raw
	p.Unlock()
	return raw, nil
}

// paymentFailed bounds proof retries per piece; past the bound the peer is
// deprioritized and the piece released for other peers.
func (p *peer) paymentFailed(pieceIndex int, err error) {
	p.Lock()
	p.paymentRetries[pieceIndex]++
	attempts := p.paymentRetries[pieceIndex]
	p.Unlock()
	p.setState(Idle)

	p.logger.Warn("payment attempt failed",
		zap.Int("piece", pieceIndex),
		zap.Int("attempts", attempts),
		zap.Error(err))

	if attempts >= MAX_PAYMENT_RETRIES {
		p.res.Stats.RecordPaymentFailure(p.id)
		p.res.PieceMgr.PeerTimedOut(p.id)
		return
	}
	go p.requestCycle()
}

// handlePaymentRejected reverts the ledger entry for the pair and retries
// with a fresh proof, bounded by MAX_PAYMENT_RETRIES.
func (p *peer) handlePaymentRejected(pieceIndex int, reason byte) {
	p.logger.Warn("payment rejected by peer",
		zap.Int("piece", pieceIndex),
		zap.Uint8("reason", reason))

	p.res.PayLedger.Release(p.id, pieceIndex)
	p.Lock()
	delete(p.proofs, pieceIndex)
	if p.state == RequestSent || p.state == ReceivingBlocks {
		p.state = Idle
	}
	p.Unlock()
	p.paymentFailed(pieceIndex, payment.ErrProofInvalid)
}

// handleBlock is the requester-side receive path.
func (p *peer) handleBlock(payload *bytes.Buffer) bool {
	p.Lock()
	if p.conn.peerChoking || !p.conn.clientInterested {
		p.Unlock()
		return true
	}
	p.state = ReceivingBlocks
	p.lastBlockAt = time.Now()
	p.lastPiece = time.Now().Unix()
	p.Unlock()

	var pi int32
	binary.Read(payload, binary.BigEndian, &pi)
	pieceIndex := int(pi)
	var bbo int32
	binary.Read(payload, binary.BigEndian, &bbo)
	blockIndex := int(bbo) / piece.BLOCK_SIZE
	blockData, _ := ioutil.ReadAll(payload)

	res, err := p.res.PieceMgr.WriteBlock(p.id, pieceIndex, blockIndex, blockData)
	if err != nil {
		p.fatal("bad block", err)
		return false
	}
	p.res.Stats.UpdatePeer(p.id, len(blockData), 0)

	if !res.PieceDone {
		// Keep the pipeline full
		if err := p.res.PieceMgr.SendBlockRequests(p.id, p.wire, p.cachedProof(pieceIndex)); err != nil {
			p.fatal("request send failed", err)
			return false
		}
		return true
	}

	p.setState(Verifying)
	if res.Verified {
		p.res.PayLedger.MarkDelivered(p.id, res.PieceIndex)
		p.res.Stats.RecordDelivered(p.id)
		p.Lock()
		delete(p.proofs, res.PieceIndex)
		delete(p.paymentRetries, res.PieceIndex)
		p.Unlock()
		p.logger.Debug("piece verified", zap.Int("piece", res.PieceIndex))
		p.peerMgr.BroadcastHave(res.PieceIndex)
	} else {
		p.punishContributors(res)
	}
	p.setState(Idle)
	go p.requestCycle()
	return true
}

// punishContributors penalizes every peer that fed bytes into a corrupt
// buffer; repeat offenders are banned for the session.
func (p *peer) punishContributors(res piece.WriteResult) {
	p.logger.Warn("integrity violation",
		zap.Int("piece", res.PieceIndex),
		zap.Any("contributors", res.Contributors))

	banned := mapset.NewSet()
	for _, c := range res.Contributors.ToSlice() {
		id := c.(string)
		p.res.Stats.RecordCorruption(id)
		if p.res.Stats.Corruptions(id) >= CORRUPTION_THRESHOLD {
			banned.Add(id)
		}
	}
	if banned.Cardinality() > 0 {
		p.peerMgr.BanPeers(banned)
	}
}

// handleRequest is the serve path: the payment gate sits between parsing
// and any read from storage. Rejections are answered explicitly, never
// with silence.
func (p *peer) handleRequest(payload []byte) bool {
	p.Lock()
	choking, interested := p.conn.clientChoking, p.conn.peerInterested
	p.Unlock()
	if choking || !interested {
		// Protocol violation per the baseline protocol
		p.fatal("request while choked or not interested", nil)
		return false
	}

	req, err := wire.ParseRequest(payload)
	if err != nil {
		p.fatal("malformed request", err)
		return false
	}
	if req.PieceIndex < 0 || req.PieceIndex >= p.res.Torrent.NumPieces {
		p.fatal("request for piece out of range", nil)
		return false
	}

	price := p.res.Pricing.PriceOf(req.PieceIndex)
	if !p.res.ServeLedger.IsPaid(p.id, req.PieceIndex) {
		proof, perr := payment.UnmarshalProof(req.Proof)
		if perr != nil {
			p.sendPaymentRejected(req.PieceIndex, wire.REJECT_PROOF_INVALID)
			return true
		}
		ctx, cancel := context.WithTimeout(p.ctx, PROOF_TIMEOUT)
		serr := p.res.ServeLedger.SubmitProof(ctx, p.id, req.PieceIndex, proof, price)
		cancel()
		if serr != nil {
			p.logger.Debug("rejecting request", zap.Int("piece", req.PieceIndex), zap.Error(serr))
			p.sendPaymentRejected(req.PieceIndex, rejectReason(serr))
			return true
		}
	}

	requestID := strconv.Itoa(req.PieceIndex) + strconv.Itoa(req.Begin) + strconv.Itoa(req.Length)
	quit := make(chan int)
	go func() {
		select {
		case <-quit:
			return
		case <-p.ctx.Done():
			return
		case <-time.After(BLOCK_READ_REQUEST_DELAY):
			p.Lock()
			delete(p.readRequestCancelChan, requestID)
			p.Unlock()
			p.serveBlock(req)
		}
	}()
	p.Lock()
	p.readRequestCancelChan[requestID] = quit
	p.Unlock()
	return true
}

func (p *peer) serveBlock(req *wire.Request) {
	// The gate must have been passed before any bytes leave storage; this
	// failing is a programming fault, not peer misbehavior.
	if !p.res.ServeLedger.IsPaid(p.id, req.PieceIndex) {
		p.logger.DPanic("payment gate bypassed on serve path",
			zap.Int("piece", req.PieceIndex))
		p.Stop()
		return
	}

	block, err := p.res.Storage.BlockReadRequest(req.PieceIndex, req.Begin, req.Length)
	if err != nil {
		p.fatal("block read failed", err)
		return
	}
	if err := p.wire.SendBlock(req.PieceIndex, req.Begin, block); err != nil {
		p.fatal("block send failed", err)
		return
	}
	p.res.Stats.UpdatePeer(p.id, 0, req.Length)

	p.Lock()
	p.servedBytes[req.PieceIndex] += req.Length
	done := p.servedBytes[req.PieceIndex] >= p.res.Torrent.PieceLength(req.PieceIndex)
	if done {
		delete(p.servedBytes, req.PieceIndex)
	}
	p.Unlock()
	if done && p.res.ServeLedger.State(p.id, req.PieceIndex) == payment.ProofAccepted {
		p.res.ServeLedger.MarkDelivered(p.id, req.PieceIndex)
	}
}

func rejectReason(err error) byte {
	switch {
	case err == nil:
		return wire.REJECT_PROOF_INVALID
	case payment.Transient(err):
		return wire.REJECT_ORACLE_UNAVAILABLE
	}
	switch {
	case errors.Is(err, payment.ErrProofExpired):
		return wire.REJECT_PROOF_EXPIRED
	case errors.Is(err, payment.ErrAmountInsufficient):
		return wire.REJECT_AMOUNT_INSUFFICIENT
	case errors.Is(err, payment.ErrProofConsumed):
		return wire.REJECT_PROOF_CONSUMED
	}
	return wire.REJECT_PROOF_INVALID
}

func (p *peer) sendPaymentRejected(pieceIndex int, reason byte) {
	if err := p.wire.SendPaymentRejected(pieceIndex, reason); err != nil {
		p.fatal("rejection send failed", err)
	}
}
