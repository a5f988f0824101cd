package server

import (
	"net"

	"github.com/Orionexuss/x402-p2p-protocol/peer"
	"go.uber.org/zap"
)

// Server accepts inbound swarm connections and hands them to the peer
// manager, which runs the handshake.
type Server interface {
	Serve()
	GetServerPort() int
}

type server struct {
	port     int
	listener net.Listener
	quit     chan int
	pm       peer.PeerManager
	logger   *zap.Logger
}

var (
	listen = net.Listen
)

func NewServer(
	pm peer.PeerManager,
	logger *zap.Logger,
	quit chan int) (Server, error) {

	sv := &server{
		pm:     pm,
		logger: logger,
		quit:   quit,
	}
	listener, err := listen("tcp4", "")
	if err != nil {
		return nil, err
	}
	sv.listener = listener
	sv.port = sv.listener.Addr().(*net.TCPAddr).Port
	return sv, nil
}

func (sv *server) Serve() {
	go func() {
		<-sv.quit
		sv.listener.Close()
	}()
	for {
		conn, err := sv.listener.Accept()
		if err != nil {
			select {
			case <-sv.quit:
				sv.logger.Debug("peer listener terminated")
			default:
				sv.logger.Warn("peer listener failed", zap.Error(err))
			}
			return
		}
		addr := conn.RemoteAddr().String()
		sv.logger.Debug("inbound connection", zap.String("addr", addr))
		sv.pm.AddPeer(addr, conn)
	}
}

func (sv *server) GetServerPort() int {
	return sv.port
}
