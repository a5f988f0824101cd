package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReliabilityBookkeeping(t *testing.T) {
	s := NewStats(0, 0, 0)

	assert.Equal(t, 0, s.Reliability("a"))

	s.RecordDelivered("a")
	s.RecordDelivered("a")
	assert.Equal(t, 2, s.Reliability("a"))

	s.RecordCorruption("a")
	assert.Equal(t, 2-CORRUPTION_PENALTY, s.Reliability("a"))
	assert.Equal(t, 1, s.Corruptions("a"))

	s.RecordTimeout("a")
	s.RecordPaymentFailure("a")
	assert.Equal(t, 2-CORRUPTION_PENALTY-TIMEOUT_PENALTY-PAYMENT_PENALTY, s.Reliability("a"))

	// peers are scored independently
	assert.Equal(t, 0, s.Reliability("b"))
	assert.Equal(t, 0, s.Corruptions("b"))
}

func TestPeerRates(t *testing.T) {
	s := NewStats(0, 0, 1000)

	s.UpdatePeer("a", 100, 500)
	peerStats := s.GetPeerStats()
	assert.Equal(t, 100/PONDERATION_TIME, peerStats["a"].UploadRate)
	assert.Equal(t, 500/PONDERATION_TIME, peerStats["a"].DownloadRate)

	// totals flow into the tracker stats
	uploaded, downloaded, left := s.GetTrackerStats()
	assert.Equal(t, 500, uploaded)
	assert.Equal(t, 100, downloaded)
	assert.Equal(t, 1000, left)
}

func TestRemovePeer(t *testing.T) {
	s := NewStats(0, 0, 0)
	s.UpdatePeer("a", 1, 1)
	s.RemovePeer("a")
	assert.NotContains(t, s.GetPeerStats(), "a")
}
