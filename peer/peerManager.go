package peer

import (
	"net"
	"sync"
	"time"

	"github.com/Orionexuss/x402-p2p-protocol/wire"
	mapset "github.com/deckarep/golang-set"
	"go.uber.org/zap"
)

const (
	PEER_TIMEOUT = 120
)

var (
	MAX_PEERS = 100
)

// PeerManager owns the lifecycle of every session in the swarm: admission,
// removal, bans and swarm-wide broadcasts.
type PeerManager interface {
	AddPeer(id string, conn net.Conn)
	RemovePeer(id string)
	GetPeerList() []Peer
	StopPeers()
	BroadcastHave(pieceIndex int)
	BanPeers(peers mapset.Set)
	NumPeers() int
}

type peerManager struct {
	sync.RWMutex
	res         *Resources
	logger      *zap.Logger
	peers       map[string]Peer
	numPeers    int
	maxPeers    int
	bannedPeers mapset.Set
}

func NewPeerManager(res *Resources) PeerManager {
	return &peerManager{
		res:         res,
		logger:      res.Logger,
		peers:       make(map[string]Peer),
		bannedPeers: mapset.NewSet(),
		maxPeers:    MAX_PEERS,
	}
}

func (pm *peerManager) BanPeers(peers mapset.Set) {
	pm.Lock()
	pm.bannedPeers = pm.bannedPeers.Union(peers)
	toStop := []Peer{}
	for _, id := range peers.ToSlice() {
		if peer, ok := pm.peers[id.(string)]; ok {
			toStop = append(toStop, peer)
		}
	}
	pm.Unlock()

	for _, peer := range toStop {
		pm.logger.Warn("banning peer for this session")
		peer.Stop()
	}
}

func (pm *peerManager) BroadcastHave(pieceIndex int) {
	pm.RLock()
	defer pm.RUnlock()

	for _, peer := range pm.peers {
		w := peer.GetWire()
		if w != nil {
			w.SendHave(pieceIndex)
		}
	}
}

func (pm *peerManager) StopPeers() {
	pm.RLock()
	peers := []Peer{}
	for _, peer := range pm.peers {
		peers = append(peers, peer)
	}
	pm.RUnlock()

	for _, peer := range peers {
		peer.Stop()
	}
}

func (pm *peerManager) GetPeerList() []Peer {
	pm.RLock()
	defer pm.RUnlock()

	peers := []Peer{}
	for _, peer := range pm.peers {
		peers = append(peers, peer)
	}
	return peers
}

func (pm *peerManager) NumPeers() int {
	pm.RLock()
	defer pm.RUnlock()

	return pm.numPeers
}

func (pm *peerManager) AddPeer(id string, conn net.Conn) {
	pm.Lock()
	defer pm.Unlock()

	if pm.bannedPeers.Contains(id) {
		// Peer has been banned
		return
	}
	if pm.numPeers >= pm.maxPeers {
		// Connected to too many peers
		return
	}
	if _, ok := pm.peers[id]; ok {
		// Already connected to peer
		return
	}

	w := (wire.Wire)(nil)
	if conn != nil {
		w = wire.NewWire(conn, time.Duration(time.Second*PEER_TIMEOUT))
	}
	peer := NewPeer(id, w, pm, pm.res)
	pm.peers[id] = peer
	pm.numPeers++
	go peer.Start()
}

func (pm *peerManager) RemovePeer(id string) {
	pm.Lock()
	defer pm.Unlock()

	if _, ok := pm.peers[id]; !ok {
		return
	}
	delete(pm.peers, id)
	pm.numPeers--
}
