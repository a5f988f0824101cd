// Package swarm wires the engine together: storage, payment ledgers, the
// piece scheduler and the per-connection sessions, and runs the swarm to
// completion.
package swarm

import (
	"context"
	"encoding/hex"
	"net"

	"github.com/Orionexuss/x402-p2p-protocol/discovery"
	"github.com/Orionexuss/x402-p2p-protocol/payment"
	"github.com/Orionexuss/x402-p2p-protocol/peer"
	"github.com/Orionexuss/x402-p2p-protocol/piece"
	"github.com/Orionexuss/x402-p2p-protocol/server"
	"github.com/Orionexuss/x402-p2p-protocol/stats"
	"github.com/Orionexuss/x402-p2p-protocol/storage"
	"github.com/Orionexuss/x402-p2p-protocol/torrent"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	// Price per piece when no Pricing is supplied
	Price uint64
	// Serve without downloading
	Seeding bool
	// Accept inbound connections
	ListenForPeers bool

	Oracle  payment.Oracle
	Wallet  payment.Wallet
	Pricing payment.Pricing
	Logger  *zap.Logger
}

type Swarm struct {
	cfg      Config
	tor      *torrent.Torrent
	storage  storage.Storage
	stats    stats.Stats
	pieceMgr piece.PieceManager
	peerMgr  peer.PeerManager
	logger   *zap.Logger
	quit     chan int
	server   server.Server
}

func New(tor *torrent.Torrent, cfg Config) (*Swarm, error) {
	if cfg.Oracle == nil {
		return nil, errors.New("swarm: an oracle is required")
	}
	if cfg.Wallet == nil && !cfg.Seeding {
		return nil, errors.New("swarm: a wallet is required to download")
	}
	if cfg.Pricing == nil {
		cfg.Pricing = payment.NewStaticPricing(cfg.Price)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	logger := cfg.Logger.With(zap.String("infohash", infoHashHex(tor)))

	store := storage.NewRandomAccessStorage(tor)
	clientBitfield, completed, left := store.GetCurrentDownloadState()
	st := stats.NewStats(0, 0, left)
	pieceMgr := piece.NewRarestFirstPieceManager(tor, store, cfg.Pricing, st, clientBitfield)
	res := &peer.Resources{
		Torrent:     tor,
		Storage:     store,
		PieceMgr:    pieceMgr,
		PayLedger:   payment.NewLedger(cfg.Oracle),
		ServeLedger: payment.NewLedger(cfg.Oracle),
		Wallet:      cfg.Wallet,
		Pricing:     cfg.Pricing,
		Stats:       st,
		Logger:      logger,
	}
	peerMgr := peer.NewPeerManager(res)

	s := &Swarm{
		cfg:      cfg,
		tor:      tor,
		storage:  store,
		stats:    st,
		pieceMgr: pieceMgr,
		peerMgr:  peerMgr,
		logger:   logger,
		quit:     make(chan int),
	}
	if completed {
		logger.Info("content already complete locally")
	}
	if cfg.ListenForPeers {
		sv, err := server.NewServer(peerMgr, logger, s.quit)
		if err != nil {
			return nil, err
		}
		s.server = sv
	}
	return s, nil
}

// AddPeers admits candidate peer addresses into the swarm.
func (s *Swarm) AddPeers(addrs ...string) {
	for _, addr := range addrs {
		s.peerMgr.AddPeer(addr, nil)
	}
}

// AddConn admits an already established connection, mainly for tests and
// local swarms.
func (s *Swarm) AddConn(id string, conn net.Conn) {
	s.peerMgr.AddPeer(id, conn)
}

func (s *Swarm) Storage() storage.Storage {
	return s.storage
}

func (s *Swarm) Stats() stats.Stats {
	return s.stats
}

func (s *Swarm) Completed() bool {
	return s.pieceMgr.GetPiecesDownloaded() == s.tor.NumPieces
}

func (s *Swarm) ListenPort() int {
	if s.server == nil {
		return 0
	}
	return s.server.GetServerPort()
}

// Run drives the swarm until the local copy is complete, or forever when
// seeding, or until ctx is cancelled. It always converges: either to full
// completion or to an explicit terminal error.
func (s *Swarm) Run(ctx context.Context, disc discovery.Discovery) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	ch := peer.NewChoke(s.peerMgr, s.stats, s.cfg.Seeding, s.quit)
	g.Go(func() error {
		ch.Start()
		return nil
	})
	if s.server != nil {
		g.Go(func() error {
			s.server.Serve()
			return nil
		})
	}
	if disc != nil {
		g.Go(func() error {
			peers, err := disc.Peers(ctx)
			if err != nil {
				return errors.Wrap(err, "peer discovery failed")
			}
			for addr := range peers {
				s.peerMgr.AddPeer(addr, nil)
			}
			return nil
		})
	}

	g.Go(func() error {
		defer close(s.quit)
		defer s.peerMgr.StopPeers()
		// Unblocks the discovery feed and the sibling loops either way
		defer cancel()
		if s.cfg.Seeding {
			<-ctx.Done()
			return ctx.Err()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.pieceMgr.CompletionChan():
			s.logger.Info("content complete",
				zap.Int("pieces", s.tor.NumPieces))
			return nil
		}
	})

	return g.Wait()
}

func infoHashHex(tor *torrent.Torrent) string {
	return hex.EncodeToString(tor.InfoHash)
}
