package optimize

import (
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/noodlenet/pkg/mesh"
)

var (
	MetricLinkLatency   = []string{"noodlenet", "link", "latency"}
	MetricLinkBytesSent = []string{"noodlenet", "link", "bytes", "sent"}
	MetricLinkBytesRecv = []string{"noodlenet", "link", "bytes", "received"}
)

// DefaultSmoothing is the weight of a new round-trip sample.
const DefaultSmoothing = 0.2

// LinkStat is what we measured towards one direct neighbour.
type LinkStat struct {
	Latency   time.Duration
	Samples   uint64
	BytesSent uint64
	BytesRecv uint64
	Updated   time.Time
}

// LinkStats keeps an exponentially weighted moving average of round-trip
// times and byte counters per neighbour.
type LinkStats struct {
	alpha float64
	msink metrics.MetricSink
	now   func() time.Time

	links map[mesh.NodeID]*LinkStat
	lk    sync.RWMutex
}

func NewLinkStats(alpha float64, ms metrics.MetricSink) *LinkStats {
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultSmoothing
	}
	return &LinkStats{
		alpha: alpha,
		msink: mesh.Sink(ms),
		now:   time.Now,
		links: make(map[mesh.NodeID]*LinkStat),
	}
}

func (s *LinkStats) link(peer mesh.NodeID) *LinkStat {
	st, ok := s.links[peer]
	if !ok {
		st = &LinkStat{}
		s.links[peer] = st
	}
	return st
}

// ObserveRTT folds a round-trip sample into the average.
func (s *LinkStats) ObserveRTT(peer mesh.NodeID, rtt time.Duration) {
	if rtt < 0 {
		return
	}
	s.lk.Lock()
	st := s.link(peer)
	if st.Samples == 0 {
		st.Latency = rtt
	} else {
		st.Latency = time.Duration(s.alpha*float64(rtt) + (1-s.alpha)*float64(st.Latency))
	}
	st.Samples++
	st.Updated = s.now()
	s.lk.Unlock()

	s.msink.AddSampleWithLabels(MetricLinkLatency, mesh.Milliseconds(rtt), []metrics.Label{mesh.LabelPeer.M(string(peer))})
}

func (s *LinkStats) ObserveBytes(peer mesh.NodeID, sent, recv int) {
	s.lk.Lock()
	st := s.link(peer)
	st.BytesSent += uint64(sent)
	st.BytesRecv += uint64(recv)
	s.lk.Unlock()

	labels := []metrics.Label{mesh.LabelPeer.M(string(peer))}
	if sent > 0 {
		s.msink.IncrCounterWithLabels(MetricLinkBytesSent, float32(sent), labels)
	}
	if recv > 0 {
		s.msink.IncrCounterWithLabels(MetricLinkBytesRecv, float32(recv), labels)
	}
}

// Latency returns the smoothed round-trip time to peer, if measured.
func (s *LinkStats) Latency(peer mesh.NodeID) (time.Duration, bool) {
	s.lk.RLock()
	defer s.lk.RUnlock()
	st, ok := s.links[peer]
	if !ok || st.Samples == 0 {
		return 0, false
	}
	return st.Latency, true
}

// Latencies returns the measured latencies in milliseconds, the form
// carried by announces.
func (s *LinkStats) Latencies() map[mesh.NodeID]float64 {
	s.lk.RLock()
	defer s.lk.RUnlock()
	out := make(map[mesh.NodeID]float64, len(s.links))
	for peer, st := range s.links {
		if st.Samples > 0 {
			out[peer] = float64(st.Latency) / float64(time.Millisecond)
		}
	}
	return out
}

func (s *LinkStats) Snapshot() map[mesh.NodeID]LinkStat {
	s.lk.RLock()
	defer s.lk.RUnlock()
	out := make(map[mesh.NodeID]LinkStat, len(s.links))
	for peer, st := range s.links {
		out[peer] = *st
	}
	return out
}

// Forget drops what we know about peer.
func (s *LinkStats) Forget(peer mesh.NodeID) {
	s.lk.Lock()
	defer s.lk.Unlock()
	delete(s.links, peer)
}

// Restore seeds latencies, typically from a checkpoint.
func (s *LinkStats) Restore(latencies map[mesh.NodeID]float64) {
	s.lk.Lock()
	defer s.lk.Unlock()
	for peer, ms := range latencies {
		st := s.link(peer)
		if st.Samples == 0 {
			st.Latency = time.Duration(ms * float64(time.Millisecond))
			st.Samples = 1
		}
	}
}
