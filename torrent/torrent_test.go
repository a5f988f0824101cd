package torrent

import (
	"bytes"
	"crypto/sha1"
	"testing"

	bencode "github.com/jackpal/bencode-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func metaInfoBytes(t *testing.T, info map[string]interface{}) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	err := bencode.Marshal(buf, map[string]interface{}{
		"announce": "http://tracker.example.com/announce",
		"info":     info,
	})
	require.NoError(t, err)
	return buf.Bytes()
}

func TestNewTorrentSingleFile(t *testing.T) {
	pieces := bytes.Repeat([]byte{0xab}, 3*sha1.Size)
	info := map[string]interface{}{
		"name":         "content.bin",
		"piece length": 32768,
		"pieces":       string(pieces),
		"length":       32768*2 + 1000,
	}

	tor, err := NewTorrent(bytes.NewReader(metaInfoBytes(t, info)))
	require.NoError(t, err)

	assert.Equal(t, 3, tor.NumPieces)
	assert.Equal(t, 32768*2+1000, tor.Length)
	assert.Equal(t, "content.bin", tor.MetaInfo.Info.Name)
	assert.Equal(t, "http://tracker.example.com/announce", tor.MetaInfo.Announce)

	infoBuf := &bytes.Buffer{}
	require.NoError(t, bencode.Marshal(infoBuf, info))
	expected := sha1.Sum(infoBuf.Bytes())
	assert.Equal(t, expected[:], tor.InfoHash)
}

func TestNewTorrentMultiFile(t *testing.T) {
	pieces := bytes.Repeat([]byte{0x01}, 2*sha1.Size)
	info := map[string]interface{}{
		"name":         "root",
		"piece length": 256,
		"pieces":       string(pieces),
		"files": []map[string]interface{}{
			{"length": 300, "path": []string{"sub1", "name1"}},
			{"length": 212, "path": []string{"sub1", "sub2", "name2"}},
		},
	}

	tor, err := NewTorrent(bytes.NewReader(metaInfoBytes(t, info)))
	require.NoError(t, err)

	assert.Equal(t, 512, tor.Length)
	assert.Equal(t, 2, tor.NumPieces)
	assert.Len(t, tor.MetaInfo.Info.Files, 2)
	assert.Equal(t, []string{"sub1", "name1"}, tor.MetaInfo.Info.Files[0].Path)
}

func TestNewTorrentMalformed(t *testing.T) {
	cases := []struct {
		name string
		raw  []byte
	}{
		{"not bencode", []byte("garbage")},
		{"not a dict", []byte("4:spam")},
		{"missing info", []byte("d8:announce3:urle")},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := NewTorrent(bytes.NewReader(c.raw))
			assert.Error(t, err)
		})
	}

	// bad piece length
	_, err := NewTorrent(bytes.NewReader(metaInfoBytes(t, map[string]interface{}{
		"name":         "x",
		"piece length": 0,
		"pieces":       "",
		"length":       10,
	})))
	assert.Error(t, err)

	// pieces string not a multiple of the digest size
	_, err = NewTorrent(bytes.NewReader(metaInfoBytes(t, map[string]interface{}{
		"name":         "x",
		"piece length": 256,
		"pieces":       "tooshort",
		"length":       10,
	})))
	assert.Error(t, err)
}

func TestPieceHashAndLength(t *testing.T) {
	h0 := sha1.Sum([]byte("piece zero"))
	h1 := sha1.Sum([]byte("piece one"))
	tor := &Torrent{
		Length:    256 + 100,
		NumPieces: 2,
		MetaInfo: MetaInfo{
			Info: Info{
				PieceLength: 256,
				Pieces:      string(h0[:]) + string(h1[:]),
			},
		},
	}

	assert.Equal(t, h0[:], tor.PieceHash(0))
	assert.Equal(t, h1[:], tor.PieceHash(1))
	assert.Equal(t, 256, tor.PieceLength(0))
	assert.Equal(t, 100, tor.PieceLength(1))
}

func TestPieceLengthExactMultiple(t *testing.T) {
	tor := &Torrent{
		Length:    512,
		NumPieces: 2,
		MetaInfo:  MetaInfo{Info: Info{PieceLength: 256}},
	}
	assert.Equal(t, 256, tor.PieceLength(1))
}

func TestPeerIDPrefix(t *testing.T) {
	assert.Len(t, PEER_ID, 20)
	assert.Equal(t, []byte("-X4021 -"), PEER_ID[:8])
}
