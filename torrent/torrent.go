package torrent

import (
	"bytes"
	"crypto/sha1"
	"io"
	"log"
	"math/rand"

	bencode "github.com/jackpal/bencode-go"
	"github.com/pkg/errors"
)

var (
	PEER_ID = make([]byte, 20, 20)
)

func init() {
	copy(PEER_ID[:8], []byte("-X4021 -"))
	_, err := rand.Read(PEER_ID[8:])
	if err != nil {
		log.Fatalln(err)
	}
}

// Torrent is the content descriptor the rest of the engine treats as
// read-only truth: infohash, total length and the per-piece checksums.
type Torrent struct {
	Length    int
	MetaInfo  MetaInfo
	InfoHash  []byte
	NumPieces int
}

type MetaInfo struct {
	Info         Info
	Announce     string
	AnnounceList [][]string `bencode:"announce-list"`
	CreationDate int        `bencode:"creation date"`
	Comment      string
	CreatedBy    string `bencode:"created by"`
	Encoding     string
}

type Info struct {
	PieceLength int `bencode:"piece length"`
	Pieces      string
	Private     int
	Name        string
	Length      int
	Md5sum      string
	Files       []File
}

type File struct {
	Length int
	Md5sum string
	Path   []string
}

func NewTorrent(torrentReader io.ReadSeeker) (*Torrent, error) {
	torrent := &Torrent{}

	metaInfo, err := bencode.Decode(torrentReader)
	if err != nil {
		return nil, errors.Wrap(err, "malformed metadata")
	}
	metaInfoMap, ok := metaInfo.(map[string]interface{})
	if !ok {
		return nil, errors.New("malformed metadata")
	}
	infoMap, ok := metaInfoMap["info"]
	if !ok {
		return nil, errors.New("malformed metadata: missing info dict")
	}

	// The infohash is the SHA1 of the bencoded info dict
	infoBencode := &bytes.Buffer{}
	if err := bencode.Marshal(infoBencode, infoMap); err != nil {
		return nil, errors.Wrap(err, "malformed metadata")
	}
	infoHash := sha1.Sum(infoBencode.Bytes())
	torrent.InfoHash = infoHash[:]

	torrentReader.Seek(0, 0)
	err = bencode.Unmarshal(torrentReader, &torrent.MetaInfo)
	if err != nil {
		return nil, errors.Wrap(err, "malformed metadata")
	}
	if torrent.MetaInfo.Info.PieceLength <= 0 {
		return nil, errors.New("malformed metadata: bad piece length")
	}
	if len(torrent.MetaInfo.Info.Pieces)%sha1.Size != 0 {
		return nil, errors.New("malformed metadata: bad pieces string")
	}
	torrent.NumPieces = len(torrent.MetaInfo.Info.Pieces) / sha1.Size

	// Total size of all files
	if len(torrent.MetaInfo.Info.Files) > 0 {
		for i := 0; i < len(torrent.MetaInfo.Info.Files); i++ {
			torrent.Length += torrent.MetaInfo.Info.Files[i].Length
		}
	} else {
		torrent.Length += torrent.MetaInfo.Info.Length
	}
	return torrent, nil
}

// PieceHash returns the expected SHA1 digest of the given piece.
func (t *Torrent) PieceHash(pieceIndex int) []byte {
	return []byte(t.MetaInfo.Info.Pieces[sha1.Size*pieceIndex : sha1.Size*(pieceIndex+1)])
}

// PieceLength returns the byte length of the given piece. Every piece has
// the nominal length except possibly the last one.
func (t *Torrent) PieceLength(pieceIndex int) int {
	if pieceIndex == t.NumPieces-1 {
		last := t.Length - (t.NumPieces-1)*t.MetaInfo.Info.PieceLength
		if last > 0 {
			return last
		}
	}
	return t.MetaInfo.Info.PieceLength
}
