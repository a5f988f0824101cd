package peer

import (
	"math/rand"
	"sort"
	"time"

	"github.com/Orionexuss/x402-p2p-protocol/stats"
)

const (
	SNUBBED_PERIOD = 60
	DOWNLOADERS    = 5
)

var (
	CHOKE_INTERVAL = 10 * time.Second
)

type PeerInfo struct {
	ID            string
	State         connState
	LastPiece     int64
	speed         int
	shouldUnchoke bool
	snubbedClient bool
}

type Choke interface {
	Start()
}

type choke struct {
	peerMgr PeerManager
	stats   stats.Stats
	seeding bool
	quit    chan int
}

func NewChoke(
	peerMgr PeerManager,
	st stats.Stats,
	seeding bool,
	quit chan int) Choke {

	return &choke{
		peerMgr: peerMgr,
		stats:   st,
		seeding: seeding,
		quit:    quit,
	}
}

func sortBySpeed(peers []*PeerInfo) {
	sort.Slice(peers, func(i, j int) bool {
		return peers[i].speed > peers[j].speed
	})
}

func (c *choke) choke() {
	peers := c.peerMgr.GetPeerList()

	peerInfos := []*PeerInfo{}
	for _, peer := range peers {
		id, state, lastPiece := peer.GetPeerInfo()
		peerInfo := &PeerInfo{
			ID:        id,
			State:     state,
			LastPiece: lastPiece,
		}
		peerInfos = append(peerInfos, peerInfo)
	}
	peerStats := c.stats.GetPeerStats()

	// Partition interested and uninterested peers. Peers with repeated
	// integrity offenses never get unchoked.
	interested := make([]*PeerInfo, 0)
	notInterested := make([]*PeerInfo, 0)
	for _, peerInfo := range peerInfos {
		if peerStat, ok := peerStats[peerInfo.ID]; ok {
			if c.seeding {
				peerInfo.speed = peerStat.UploadRate
			} else {
				peerInfo.speed = peerStat.DownloadRate
			}
		}
		if c.stats.Corruptions(peerInfo.ID) >= CORRUPTION_THRESHOLD {
			continue
		}
		if peerInfo.State.clientInterested && !peerInfo.State.peerChoking {
			if time.Now().Unix()-peerInfo.LastPiece > SNUBBED_PERIOD {
				peerInfo.snubbedClient = true
			}
		}
		if peerInfo.State.peerInterested && !peerInfo.snubbedClient {
			interested = append(interested, peerInfo)
		} else {
			notInterested = append(notInterested, peerInfo)
		}
	}

	// Sort in descending order of peer upload speed
	sortBySpeed(interested)
	sortBySpeed(notInterested)

	// Unchoke the fastest uploading clients so they keep the client
	// unchoked in return
	speedThreshold := 0
	for i := 0; i < len(interested) && i < DOWNLOADERS-1; i++ {
		interested[i].shouldUnchoke = true
		speedThreshold = interested[i].speed
	}
	// Unchoke uninterested peers with better upload rates so that when
	// they become interested they might pick the client as a downloader
	for i := 0; i < len(notInterested) && notInterested[i].speed > speedThreshold; i++ {
		notInterested[i].shouldUnchoke = true
	}

	// Optimistically unchoke a single interested peer - charity upload
	// for peers newly connecting to the swarm
	if len(interested) > DOWNLOADERS-1 {
		rest := interested[DOWNLOADERS-1:]
		rand.Shuffle(len(rest), func(i, j int) {
			rest[i], rest[j] = rest[j], rest[i]
		})
		for _, peer := range rest {
			if peer.State.peerInterested {
				peer.shouldUnchoke = true
				break
			}
		}
	}

	// Apply unchoke/choke
	byID := make(map[string]Peer)
	for _, peer := range peers {
		id, _, _ := peer.GetPeerInfo()
		byID[id] = peer
	}
	for _, peerInfo := range peerInfos {
		peer, ok := byID[peerInfo.ID]
		if !ok {
			continue
		}
		if peerInfo.shouldUnchoke && peerInfo.State.clientChoking {
			peer.SendUnchoke()
		}
		if !peerInfo.shouldUnchoke && !peerInfo.State.clientChoking {
			peer.SendChoke()
		}
	}
}

func (c *choke) Start() {
	for {
		select {
		case <-c.quit:
			return
		case <-time.After(CHOKE_INTERVAL):
			c.choke()
		}
	}
}
