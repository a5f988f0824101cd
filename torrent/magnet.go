package torrent

import (
	"encoding/base32"
	"encoding/hex"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Magnet holds the fields of a parsed magnet link. Only the infohash is
// mandatory; everything else is advisory.
type Magnet struct {
	InfoHash    []byte
	DisplayName string
	Trackers    []string
	Length      int
}

const magnetPrefix = "magnet:?"

func ParseMagnet(raw string) (*Magnet, error) {
	if !strings.HasPrefix(raw, magnetPrefix) {
		return nil, errors.New("invalid magnet link: missing magnet:? prefix")
	}
	params, err := url.ParseQuery(raw[len(magnetPrefix):])
	if err != nil {
		return nil, errors.Wrap(err, "invalid magnet link")
	}

	xt := params.Get("xt")
	if xt == "" {
		return nil, errors.New("invalid magnet link: missing xt parameter")
	}
	if !strings.HasPrefix(xt, "urn:btih:") {
		return nil, errors.New("invalid magnet link: xt is not urn:btih")
	}
	infoHash, err := decodeInfoHash(strings.TrimPrefix(xt, "urn:btih:"))
	if err != nil {
		return nil, err
	}

	m := &Magnet{
		InfoHash:    infoHash,
		DisplayName: params.Get("dn"),
		Trackers:    params["tr"],
	}
	if xl := params.Get("xl"); xl != "" {
		m.Length, _ = strconv.Atoi(xl)
	}
	return m, nil
}

// Infohashes appear either as 40 hex characters or 32 base32 characters.
func decodeInfoHash(s string) ([]byte, error) {
	switch len(s) {
	case 40:
		infoHash, err := hex.DecodeString(s)
		if err != nil {
			return nil, errors.Wrap(err, "invalid magnet link: bad hex infohash")
		}
		return infoHash, nil
	case 32:
		infoHash, err := base32.StdEncoding.DecodeString(strings.ToUpper(s))
		if err != nil {
			return nil, errors.Wrap(err, "invalid magnet link: bad base32 infohash")
		}
		return infoHash, nil
	default:
		return nil, errors.Errorf("invalid magnet link: infohash length %d", len(s))
	}
}
