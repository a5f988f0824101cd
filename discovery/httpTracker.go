package discovery

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Orionexuss/x402-p2p-protocol/stats"
	"github.com/Orionexuss/x402-p2p-protocol/torrent"
	bencode "github.com/jackpal/bencode-go"
	"github.com/pkg/errors"
)

var (
	DEFAULT_ANNOUNCE_INTERVAL = 30 * time.Minute
	NUMWANT                   = 50
)

type announceResponse struct {
	FailureReason string `bencode:"failure reason"`
	Interval      int    `bencode:"interval"`
	Leechers      int    `bencode:"incomplete"`
	Seeders       int    `bencode:"complete"`
	Peers         string `bencode:"peers"`
}

type httpTracker struct {
	announceURL string
	torrent     *torrent.Torrent
	stats       stats.Stats
	port        int
}

func NewHTTPTracker(
	announceURL string,
	tor *torrent.Torrent,
	st stats.Stats,
	port int) Discovery {

	return &httpTracker{
		announceURL: announceURL,
		torrent:     tor,
		stats:       st,
		port:        port,
	}
}

func (tr *httpTracker) Peers(ctx context.Context) (<-chan string, error) {
	u, err := url.Parse(tr.announceURL)
	if err != nil {
		return nil, errors.Wrap(err, "bad tracker URL")
	}
	if !u.IsAbs() {
		return nil, errors.New("tracker URL not absolute")
	}

	out := make(chan string)
	go func() {
		defer close(out)
		for {
			addrs, interval, err := tr.announce(ctx, u)
			if err == nil {
				for _, addr := range addrs {
					select {
					case <-ctx.Done():
						return
					case out <- addr:
					}
				}
			}
			if interval <= 0 {
				interval = DEFAULT_ANNOUNCE_INTERVAL
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
			}
		}
	}()
	return out, nil
}

func (tr *httpTracker) announce(ctx context.Context, base *url.URL) ([]string, time.Duration, error) {
	u := *base
	q := u.Query()
	q.Set("info_hash", string(tr.torrent.InfoHash))
	q.Set("peer_id", string(torrent.PEER_ID))
	uploaded, downloaded, left := tr.stats.GetTrackerStats()
	q.Set("uploaded", strconv.Itoa(uploaded))
	q.Set("downloaded", strconv.Itoa(downloaded))
	q.Set("left", strconv.Itoa(left))
	q.Set("numwant", strconv.Itoa(NUMWANT))
	q.Set("port", strconv.Itoa(tr.port))
	q.Set("compact", "1")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	announceResp := &announceResponse{}
	if err := bencode.Unmarshal(resp.Body, announceResp); err != nil {
		return nil, 0, errors.Wrap(err, "malformed tracker response")
	}
	if announceResp.FailureReason != "" {
		return nil, 0, errors.New(announceResp.FailureReason)
	}

	// Compact format: 6 bytes per peer, 4-byte IPv4 + 2-byte big-endian port
	peerAddrs := []byte(announceResp.Peers)
	addrs := make([]string, 0, len(peerAddrs)/6)
	for i := 0; i+6 <= len(peerAddrs); i += 6 {
		ip := net.IPv4(peerAddrs[i], peerAddrs[i+1], peerAddrs[i+2], peerAddrs[i+3])
		port := int(peerAddrs[i+4])<<8 | int(peerAddrs[i+5])
		addrs = append(addrs, net.JoinHostPort(ip.String(), strconv.Itoa(port)))
	}
	return addrs, time.Duration(announceResp.Interval) * time.Second, nil
}
