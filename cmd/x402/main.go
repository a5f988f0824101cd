package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Orionexuss/x402-p2p-protocol/discovery"
	"github.com/Orionexuss/x402-p2p-protocol/payment"
	"github.com/Orionexuss/x402-p2p-protocol/swarm"
	"github.com/Orionexuss/x402-p2p-protocol/torrent"
	arg "github.com/alexflint/go-arg"
	"go.uber.org/zap"
)

type inspectCmd struct {
	Source string `arg:"positional,required" help:"path to a .torrent file, or a magnet link"`
}

type downloadCmd struct {
	Source  string   `arg:"positional,required" help:"path to a .torrent file"`
	Peers   []string `arg:"--peer,separate" help:"peer address to connect to"`
	Balance uint64   `arg:"--balance" default:"1000000" help:"wallet balance"`
}

type serveCmd struct {
	Source string `arg:"positional,required" help:"path to a .torrent file"`
	Price  uint64 `arg:"--price" default:"0" help:"price per piece"`
}

type args struct {
	Inspect  *inspectCmd  `arg:"subcommand:inspect"`
	Download *downloadCmd `arg:"subcommand:download"`
	Serve    *serveCmd    `arg:"subcommand:serve"`
	Verbose  bool         `arg:"-v,--verbose"`
}

func main() {
	var a args
	p := arg.MustParse(&a)

	logger, _ := zap.NewProduction()
	if a.Verbose {
		logger, _ = zap.NewDevelopment()
	}
	defer logger.Sync()

	var err error
	switch {
	case a.Inspect != nil:
		err = inspect(a.Inspect)
	case a.Download != nil:
		err = download(a.Download, logger)
	case a.Serve != nil:
		err = serve(a.Serve, logger)
	default:
		p.WriteHelp(os.Stderr)
		os.Exit(2)
	}
	if err != nil {
		logger.Fatal("command failed", zap.Error(err))
	}
}

func loadTorrent(path string) (*torrent.Torrent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return torrent.NewTorrent(f)
}

func inspect(cmd *inspectCmd) error {
	if strings.HasPrefix(cmd.Source, "magnet:") {
		m, err := torrent.ParseMagnet(cmd.Source)
		if err != nil {
			return err
		}
		fmt.Printf("Name: %s\n", m.DisplayName)
		fmt.Printf("Info Hash: %s\n", hex.EncodeToString(m.InfoHash))
		if m.Length > 0 {
			fmt.Printf("Length: %d bytes\n", m.Length)
		}
		for _, tr := range m.Trackers {
			fmt.Printf("Tracker URL: %s\n", tr)
		}
		return nil
	}

	tor, err := loadTorrent(cmd.Source)
	if err != nil {
		return err
	}
	fmt.Printf("Name: %s\n", tor.MetaInfo.Info.Name)
	fmt.Printf("Tracker URL: %s\n", tor.MetaInfo.Announce)
	fmt.Printf("Length: %d bytes\n", tor.Length)
	fmt.Printf("Piece Length: %d\n", tor.MetaInfo.Info.PieceLength)
	fmt.Printf("Number of Pieces: %d\n", tor.NumPieces)
	fmt.Printf("Info Hash: %s\n", hex.EncodeToString(tor.InfoHash))
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func download(cmd *downloadCmd, logger *zap.Logger) error {
	tor, err := loadTorrent(cmd.Source)
	if err != nil {
		return err
	}

	var payer [20]byte
	copy(payer[:], torrent.PEER_ID)
	s, err := swarm.New(tor, swarm.Config{
		Oracle: payment.NewStaticOracle(),
		Wallet: payment.NewStaticWallet(payer, cmd.Balance),
		Logger: logger,
	})
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	var disc discovery.Discovery
	if len(cmd.Peers) > 0 {
		disc = &discovery.StaticDiscovery{Addrs: cmd.Peers}
	} else if tor.MetaInfo.Announce != "" {
		disc = discovery.NewHTTPTracker(tor.MetaInfo.Announce, tor, s.Stats(), s.ListenPort())
	}
	return s.Run(ctx, disc)
}

func serve(cmd *serveCmd, logger *zap.Logger) error {
	tor, err := loadTorrent(cmd.Source)
	if err != nil {
		return err
	}

	s, err := swarm.New(tor, swarm.Config{
		Price:          cmd.Price,
		Seeding:        true,
		ListenForPeers: true,
		Oracle:         payment.NewStaticOracle(),
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	logger.Info("serving swarm",
		zap.Int("port", s.ListenPort()),
		zap.Uint64("price", cmd.Price))

	ctx, cancel := signalContext()
	defer cancel()
	return s.Run(ctx, nil)
}
