package stats

import (
	"sync"

	underscore "github.com/ahl5esoft/golang-underscore"
)

type Stats interface {
	GetTrackerStats() (uploaded int, downloaded int, left int)
	GetPeerStats() (peerStats map[string]*PeerStat)
	UpdatePeer(id string, uploaded int, downloaded int)
	RemovePeer(id string)

	// Reliability bookkeeping consumed by the scheduler
	Reliability(id string) int
	Corruptions(id string) int
	RecordDelivered(id string)
	RecordCorruption(id string)
	RecordTimeout(id string)
	RecordPaymentFailure(id string)
}

const (
	PONDERATION_TIME = 10
)

var (
	CORRUPTION_PENALTY = 3
	TIMEOUT_PENALTY    = 1
	PAYMENT_PENALTY    = 2
)

type stats struct {
	sync.Mutex

	trackerStats *TrackerStats
	clientStats  *ClientStats
	peerStats    map[string]*PeerStat
}

type TrackerStats struct {
	TotalUpload   int
	TotalDownload int
	Left          int
}

type ClientStats struct {
	UploadRate       int
	DownloadRate     int
	uploadActivity   [PONDERATION_TIME]int
	downloadActivity [PONDERATION_TIME]int
	i                int
}

type PeerStat struct {
	UploadRate       int
	DownloadRate     int
	Reliability      int
	Corruptions      int
	currentUpload    int
	currentDownload  int
	uploadActivity   [PONDERATION_TIME]int
	downloadActivity [PONDERATION_TIME]int
	i                int
}

func NewStats(
	uploaded int, downloaded int, left int) Stats {

	return &stats{
		trackerStats: &TrackerStats{
			TotalUpload:   uploaded,
			TotalDownload: downloaded,
			Left:          left,
		},
		clientStats: &ClientStats{},
		peerStats:   make(map[string]*PeerStat),
	}
}

func (s *stats) GetTrackerStats() (int, int, int) {
	s.Lock()
	defer s.Unlock()

	return s.trackerStats.TotalUpload, s.trackerStats.TotalDownload, s.trackerStats.Left
}

func (s *stats) peer(id string) *PeerStat {
	peerStat, ok := s.peerStats[id]
	if !ok {
		peerStat = &PeerStat{}
		s.peerStats[id] = peerStat
	}
	return peerStat
}

func (s *stats) UpdatePeer(id string, uploaded int, downloaded int) {
	s.Lock()
	defer s.Unlock()

	peerStat := s.peer(id)
	peerStat.currentUpload += uploaded
	peerStat.currentDownload += downloaded
}

func (s *stats) RemovePeer(id string) {
	s.Lock()
	defer s.Unlock()

	delete(s.peerStats, id)
}

func (s *stats) Reliability(id string) int {
	s.Lock()
	defer s.Unlock()

	return s.peer(id).Reliability
}

func (s *stats) Corruptions(id string) int {
	s.Lock()
	defer s.Unlock()

	return s.peer(id).Corruptions
}

func (s *stats) RecordDelivered(id string) {
	s.Lock()
	defer s.Unlock()

	s.peer(id).Reliability++
}

func (s *stats) RecordCorruption(id string) {
	s.Lock()
	defer s.Unlock()

	peerStat := s.peer(id)
	peerStat.Corruptions++
	peerStat.Reliability -= CORRUPTION_PENALTY
}

func (s *stats) RecordTimeout(id string) {
	s.Lock()
	defer s.Unlock()

	s.peer(id).Reliability -= TIMEOUT_PENALTY
}

func (s *stats) RecordPaymentFailure(id string) {
	s.Lock()
	defer s.Unlock()

	s.peer(id).Reliability -= PAYMENT_PENALTY
}

func sumReduce(acc int, x, _ int) int {
	return acc + x
}

func (s *stats) GetPeerStats() map[string]*PeerStat {
	s.Lock()
	defer s.Unlock()

	clientCurrentUpload := 0
	clientCurrentDownload := 0
	for _, peerStat := range s.peerStats {
		peerStat.uploadActivity[peerStat.i] = peerStat.currentUpload
		peerStat.downloadActivity[peerStat.i] = peerStat.currentDownload
		underscore.Chain(peerStat.uploadActivity).Reduce(0, sumReduce).Value(&peerStat.UploadRate)
		peerStat.UploadRate /= PONDERATION_TIME
		underscore.Chain(peerStat.downloadActivity).Reduce(0, sumReduce).Value(&peerStat.DownloadRate)
		peerStat.DownloadRate /= PONDERATION_TIME
		peerStat.i = (peerStat.i + 1) % PONDERATION_TIME

		clientCurrentDownload += peerStat.currentUpload
		clientCurrentUpload += peerStat.currentDownload
		peerStat.currentUpload = 0
		peerStat.currentDownload = 0
	}

	s.clientStats.uploadActivity[s.clientStats.i] = clientCurrentUpload
	s.clientStats.downloadActivity[s.clientStats.i] = clientCurrentDownload
	underscore.Chain(s.clientStats.uploadActivity).Reduce(0, sumReduce).Value(&s.clientStats.UploadRate)
	s.clientStats.UploadRate /= PONDERATION_TIME
	underscore.Chain(s.clientStats.downloadActivity).Reduce(0, sumReduce).Value(&s.clientStats.DownloadRate)
	s.clientStats.DownloadRate /= PONDERATION_TIME
	s.clientStats.i = (s.clientStats.i + 1) % PONDERATION_TIME

	s.trackerStats.TotalUpload += clientCurrentUpload
	s.trackerStats.TotalDownload += clientCurrentDownload
	return s.peerStats
}
