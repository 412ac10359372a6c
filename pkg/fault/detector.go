// Package fault keeps the mesh usable when nodes fail: heartbeat based
// failure detection, checkpoints of the local view for warm restarts and
// replication of mesh-critical values.
package fault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/noodlenet/pkg/mesh"
	"github.com/raskyld/noodlenet/pkg/wire"
)

const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultMissThreshold     = 3
)

var (
	ErrInvalidCfg          = errors.New("fault: invalid options")
	ErrReplicationDegraded = errors.New("fault: replication degraded")
	ErrNoCheckpoint        = errors.New("fault: no checkpoint")
	ErrCorruptCheckpoint   = errors.New("fault: corrupt checkpoint")
)

var (
	MetricHeartbeatSent   = []string{"noodlenet", "fault", "heartbeat", "sent"}
	MetricHeartbeatMissed = []string{"noodlenet", "fault", "heartbeat", "missed"}
	MetricHeartbeatRTT    = []string{"noodlenet", "fault", "heartbeat", "rtt"}
	MetricFailover        = []string{"noodlenet", "fault", "failover", "count"}
)

// HeartbeatSender delivers hb to peer. It should not block for long, the
// detector counts a miss at the next tick anyway.
type HeartbeatSender func(peer mesh.NodeID, hb *wire.Heartbeat) error

type peerState struct {
	seq     uint64
	pending bool
	sentAt  time.Time
	heardAt time.Time
	misses  int
	health  mesh.HealthStatus
}

type DetectorOption func(*detectorConfig) error

type detectorConfig struct {
	interval   time.Duration
	threshold  int
	load       func() float64
	now        func() time.Time
	logHandler slog.Handler
	msink      metrics.MetricSink
}

func WithHeartbeatInterval(d time.Duration) DetectorOption {
	return func(c *detectorConfig) error {
		if d <= 0 {
			return fmt.Errorf("%w: heartbeat interval must be positive", ErrInvalidCfg)
		}
		c.interval = d
		return nil
	}
}

// WithMissThreshold sets how many consecutive heartbeats may go unanswered
// before a peer is declared unreachable.
func WithMissThreshold(n int) DetectorOption {
	return func(c *detectorConfig) error {
		if n < 1 {
			return fmt.Errorf("%w: miss threshold must be at least 1", ErrInvalidCfg)
		}
		c.threshold = n
		return nil
	}
}

// WithLoad reports the local load in every heartbeat.
func WithLoad(load func() float64) DetectorOption {
	return func(c *detectorConfig) error {
		c.load = load
		return nil
	}
}

func WithDetectorClock(now func() time.Time) DetectorOption {
	return func(c *detectorConfig) error {
		c.now = now
		return nil
	}
}

func WithDetectorLog(handler slog.Handler) DetectorOption {
	return func(c *detectorConfig) error {
		c.logHandler = handler
		return nil
	}
}

func WithDetectorMetricSink(ms metrics.MetricSink) DetectorOption {
	return func(c *detectorConfig) error {
		c.msink = ms
		return nil
	}
}

// HealthChange is emitted whenever the detector changes its opinion of a peer.
type HealthChange struct {
	Peer   mesh.NodeID
	From   mesh.HealthStatus
	To     mesh.HealthStatus
	Misses int
}

// FailureDetector heartbeats every monitored peer once per interval. Each
// unanswered heartbeat is a miss and one miss degrades the peer. A peer
// that stayed silent for threshold intervals since its last ack, or since
// it was first monitored, is unreachable. An ack resets both.
type FailureDetector struct {
	cfg    detectorConfig
	send   HeartbeatSender
	peers  func() []mesh.NodeID
	logger *slog.Logger
	msink  metrics.MetricSink

	watched   map[mesh.NodeID]*peerState
	listeners []func(HealthChange)
	rtt       []func(peer mesh.NodeID, rtt time.Duration, load float64)
	lk        sync.Mutex
}

// NewFailureDetector monitors the peers returned by peers at every tick.
func NewFailureDetector(send HeartbeatSender, peers func() []mesh.NodeID, opts ...DetectorOption) (*FailureDetector, error) {
	cfg := detectorConfig{
		interval:  DefaultHeartbeatInterval,
		threshold: DefaultMissThreshold,
		load:      func() float64 { return 0 },
		now:       time.Now,
	}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	if send == nil || peers == nil {
		return nil, fmt.Errorf("%w: sender and peer source are required", ErrInvalidCfg)
	}

	return &FailureDetector{
		cfg:     cfg,
		send:    send,
		peers:   peers,
		logger:  mesh.Logger(cfg.logHandler).With("component", "failure_detector"),
		msink:   mesh.Sink(cfg.msink),
		watched: make(map[mesh.NodeID]*peerState),
	}, nil
}

// Interval is the heartbeat period.
func (fd *FailureDetector) Interval() time.Duration {
	return fd.cfg.interval
}

// DetectionBound is the longest a peer can stay silent after its last ack
// before it is declared unreachable.
func (fd *FailureDetector) DetectionBound() time.Duration {
	return time.Duration(fd.cfg.threshold) * fd.cfg.interval
}

// OnChange registers fn for every health change. Callbacks run outside the
// detector lock.
func (fd *FailureDetector) OnChange(fn func(HealthChange)) {
	fd.lk.Lock()
	defer fd.lk.Unlock()
	fd.listeners = append(fd.listeners, fn)
}

// OnRTT registers fn for every measured round trip.
func (fd *FailureDetector) OnRTT(fn func(peer mesh.NodeID, rtt time.Duration, load float64)) {
	fd.lk.Lock()
	defer fd.lk.Unlock()
	fd.rtt = append(fd.rtt, fn)
}

func (fd *FailureDetector) silent(p *peerState, now time.Time) bool {
	return now.Sub(p.heardAt) >= fd.DetectionBound()
}

func (fd *FailureDetector) healthFor(p *peerState, now time.Time) mesh.HealthStatus {
	switch {
	case p.misses >= fd.cfg.threshold || fd.silent(p, now):
		return mesh.Unreachable
	case p.misses > 0:
		return mesh.Degraded
	default:
		return mesh.Healthy
	}
}

// update recomputes p's health. Caller holds fd.lk.
func (fd *FailureDetector) update(id mesh.NodeID, p *peerState, now time.Time) (HealthChange, bool) {
	return fd.set(id, p, fd.healthFor(p, now))
}

// set moves p to health to. Caller holds fd.lk.
func (fd *FailureDetector) set(id mesh.NodeID, p *peerState, to mesh.HealthStatus) (HealthChange, bool) {
	if to == p.health {
		return HealthChange{}, false
	}
	ch := HealthChange{Peer: id, From: p.health, To: to, Misses: p.misses}
	p.health = to
	return ch, true
}

func (fd *FailureDetector) emit(changes []HealthChange) {
	if len(changes) == 0 {
		return
	}
	fd.lk.Lock()
	listeners := slices.Clone(fd.listeners)
	fd.lk.Unlock()

	for _, ch := range changes {
		level := slog.LevelInfo
		if ch.To == mesh.Unreachable {
			level = slog.LevelWarn
			fd.msink.IncrCounterWithLabels(MetricFailover, 1.0, []metrics.Label{mesh.LabelPeer.M(ch.Peer.Short())})
		}
		fd.logger.Log(context.Background(), level, "peer health changed",
			mesh.LabelPeer.L(ch.Peer),
			mesh.LabelHealth.L(ch.To.String()),
			"from", ch.From.String(),
			"misses", ch.Misses,
		)
		for _, fn := range listeners {
			fn(ch)
		}
	}
}

// Tick closes the current heartbeat round and starts a new one.
func (fd *FailureDetector) Tick() {
	now := fd.cfg.now()
	monitored := fd.peers()
	load := fd.cfg.load()

	var (
		changes []HealthChange
		beats   = make(map[mesh.NodeID]*wire.Heartbeat, len(monitored))
	)

	fd.lk.Lock()
	for id := range fd.watched {
		if !slices.Contains(monitored, id) {
			delete(fd.watched, id)
		}
	}
	for _, id := range monitored {
		p, ok := fd.watched[id]
		if !ok {
			p = &peerState{health: mesh.HealthUnknown, heardAt: now}
			fd.watched[id] = p
		}
		if p.pending {
			p.misses++
			fd.msink.IncrCounterWithLabels(MetricHeartbeatMissed, 1.0, []metrics.Label{mesh.LabelPeer.M(id.Short())})
			if ch, changed := fd.update(id, p, now); changed {
				changes = append(changes, ch)
			}
		}
		p.seq++
		p.pending = true
		p.sentAt = now
		beats[id] = &wire.Heartbeat{Seq: p.seq, SentAt: now, Load: load}
	}
	fd.lk.Unlock()

	fd.emit(changes)

	for id, hb := range beats {
		if err := fd.send(id, hb); err != nil {
			fd.logger.Debug("heartbeat not sent", mesh.LabelPeer.L(id), mesh.LabelError.L(err))
			continue
		}
		fd.msink.IncrCounter(MetricHeartbeatSent, 1.0)
	}
}

// Ack records the answer of peer to one of our heartbeats. Acks for an
// older sequence are ignored.
func (fd *FailureDetector) Ack(peer mesh.NodeID, ack *wire.HeartbeatAck) {
	now := fd.cfg.now()

	fd.lk.Lock()
	p, ok := fd.watched[peer]
	if !ok || !p.pending || ack.Seq != p.seq {
		fd.lk.Unlock()
		return
	}
	p.pending = false
	p.misses = 0
	p.heardAt = now
	rtt := now.Sub(p.sentAt)
	ch, changed := fd.update(peer, p, now)
	rttListeners := slices.Clone(fd.rtt)
	fd.lk.Unlock()

	if rtt < 0 {
		rtt = 0
	}
	fd.msink.AddSampleWithLabels(MetricHeartbeatRTT, mesh.Milliseconds(rtt), []metrics.Label{mesh.LabelPeer.M(peer.Short())})
	for _, fn := range rttListeners {
		fn(peer, rtt, ack.Load)
	}
	if changed {
		fd.emit([]HealthChange{ch})
	}
}

// Suspect declares peer unreachable right away, as when a reliable send to
// it failed after retries. The next ack clears it.
func (fd *FailureDetector) Suspect(peer mesh.NodeID, reason error) {
	fd.lk.Lock()
	p, ok := fd.watched[peer]
	if !ok {
		p = &peerState{health: mesh.HealthUnknown}
		fd.watched[peer] = p
	}
	p.misses = fd.cfg.threshold
	ch, changed := fd.set(peer, p, mesh.Unreachable)
	fd.lk.Unlock()

	fd.logger.Warn("peer suspected", mesh.LabelPeer.L(peer), mesh.LabelReason.L(reason))
	if changed {
		fd.emit([]HealthChange{ch})
	}
}

// Health is the detector's opinion of peer.
func (fd *FailureDetector) Health(peer mesh.NodeID) mesh.HealthStatus {
	fd.lk.Lock()
	defer fd.lk.Unlock()
	if p, ok := fd.watched[peer]; ok {
		return p.health
	}
	return mesh.HealthUnknown
}

// Misses is the number of consecutive unanswered heartbeats of peer.
func (fd *FailureDetector) Misses(peer mesh.NodeID) int {
	fd.lk.Lock()
	defer fd.lk.Unlock()
	if p, ok := fd.watched[peer]; ok {
		return p.misses
	}
	return 0
}

// Check declares unreachable every peer silent for DetectionBound or
// longer. It only ever worsens a verdict, acks and ticks do the rest.
func (fd *FailureDetector) Check() {
	now := fd.cfg.now()
	var changes []HealthChange

	fd.lk.Lock()
	for id, p := range fd.watched {
		if p.health == mesh.Unreachable || !fd.silent(p, now) {
			continue
		}
		if ch, changed := fd.set(id, p, mesh.Unreachable); changed {
			changes = append(changes, ch)
		}
	}
	fd.lk.Unlock()

	fd.emit(changes)
}

// untilVerdict is how long until the first peer not yet unreachable
// reaches DetectionBound of silence, at most one interval.
func (fd *FailureDetector) untilVerdict() time.Duration {
	now := fd.cfg.now()
	wait := fd.cfg.interval

	fd.lk.Lock()
	defer fd.lk.Unlock()
	for _, p := range fd.watched {
		if p.health == mesh.Unreachable {
			continue
		}
		wait = min(wait, p.heardAt.Add(fd.DetectionBound()).Sub(now))
	}
	return max(wait, time.Millisecond)
}

// Run ticks every interval and checks silent peers as soon as they reach
// DetectionBound, until ctx is done.
func (fd *FailureDetector) Run(ctx context.Context) error {
	ticker := time.NewTicker(fd.cfg.interval)
	defer ticker.Stop()
	verdict := time.NewTimer(fd.cfg.interval)
	defer verdict.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fd.Tick()
		case <-verdict.C:
			fd.Check()
		}
		verdict.Reset(fd.untilVerdict())
	}
}
