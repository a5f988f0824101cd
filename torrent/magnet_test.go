package torrent

import (
	"encoding/base32"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMagnetHex(t *testing.T) {
	infoHash := make([]byte, 20)
	for i := range infoHash {
		infoHash[i] = byte(i)
	}
	raw := "magnet:?xt=urn:btih:" + hex.EncodeToString(infoHash) +
		"&dn=content.bin&xl=1234" +
		"&tr=http%3A%2F%2Ftracker1%2Fannounce&tr=http%3A%2F%2Ftracker2%2Fannounce"

	m, err := ParseMagnet(raw)
	require.NoError(t, err)

	assert.Equal(t, infoHash, m.InfoHash)
	assert.Equal(t, "content.bin", m.DisplayName)
	assert.Equal(t, 1234, m.Length)
	assert.Equal(t, []string{"http://tracker1/announce", "http://tracker2/announce"}, m.Trackers)
}

func TestParseMagnetBase32(t *testing.T) {
	infoHash := make([]byte, 20)
	for i := range infoHash {
		infoHash[i] = byte(0xf0 + i)
	}
	raw := "magnet:?xt=urn:btih:" + base32.StdEncoding.EncodeToString(infoHash)

	m, err := ParseMagnet(raw)
	require.NoError(t, err)
	assert.Equal(t, infoHash, m.InfoHash)
}

func TestParseMagnetInvalid(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"missing prefix", "http://example.com"},
		{"missing xt", "magnet:?dn=foo"},
		{"wrong urn", "magnet:?xt=urn:sha1:deadbeef"},
		{"bad infohash length", "magnet:?xt=urn:btih:deadbeef"},
		{"bad hex", "magnet:?xt=urn:btih:zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := ParseMagnet(c.raw)
			assert.Error(t, err)
		})
	}
}
