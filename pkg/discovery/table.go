// Package discovery builds the local, eventually consistent, view of the
// mesh membership.
//
// Peers announce themselves with signed announces, received either on a
// multicast group, relayed by gossip rounds, or carried as memberlist node
// metadata. Every source feeds the same PeerTable which ages entries out
// when they are not refreshed.
package discovery

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/noodlenet/pkg/mesh"
	"github.com/raskyld/noodlenet/pkg/wire"
)

const (
	DefaultPeerTTL     = 15 * time.Second
	DefaultGracePeriod = 15 * time.Second
)

var (
	ErrInvalidCfg     = errors.New("discovery: invalid options")
	ErrBadAnnounce    = errors.New("discovery: invalid announce")
	ErrStaleAnnounce  = errors.New("discovery: announce older than known state")
	ErrFutureAnnounce = errors.New("discovery: announce timestamp is in the future")
)

var (
	MetricPeersKnown       = []string{"noodlenet", "discovery", "peers"}
	MetricPeerTransitions  = []string{"noodlenet", "discovery", "peer", "transition", "count"}
	MetricPeerEvictions    = []string{"noodlenet", "discovery", "peer", "eviction", "count"}
	MetricAnnounceRejected = []string{"noodlenet", "discovery", "announce", "rejected", "count"}
)

// Transition is emitted whenever the health of a peer changes. Evicted
// peers transition to mesh.HealthUnknown.
type Transition struct {
	Peer   mesh.NodeID
	From   mesh.HealthStatus
	To     mesh.HealthStatus
	Record mesh.PeerRecord
}

type tableConfig struct {
	ttl        time.Duration
	grace      time.Duration
	now        func() time.Time
	logHandler slog.Handler
	msink      metrics.MetricSink
}

type TableOption func(*tableConfig) error

// WithPeerTTL sets how long a peer stays healthy without being refreshed.
func WithPeerTTL(ttl time.Duration) TableOption {
	return func(c *tableConfig) error {
		if ttl <= 0 {
			return fmt.Errorf("%w: peer ttl must be positive", ErrInvalidCfg)
		}
		c.ttl = ttl
		return nil
	}
}

// WithGracePeriod sets how long an unreachable peer is kept before eviction.
func WithGracePeriod(grace time.Duration) TableOption {
	return func(c *tableConfig) error {
		if grace < 0 {
			return fmt.Errorf("%w: negative grace period", ErrInvalidCfg)
		}
		c.grace = grace
		return nil
	}
}

func WithTableClock(now func() time.Time) TableOption {
	return func(c *tableConfig) error {
		c.now = now
		return nil
	}
}

func WithTableLog(handler slog.Handler) TableOption {
	return func(c *tableConfig) error {
		c.logHandler = handler
		return nil
	}
}

func WithTableMetricSink(ms metrics.MetricSink) TableOption {
	return func(c *tableConfig) error {
		c.msink = ms
		return nil
	}
}

type peerEntry struct {
	record   mesh.PeerRecord
	announce *wire.Announce
}

// PeerTable is the membership table. Records are derived from announces and
// liveness signals, the table never decides that a node exists on its own.
type PeerTable struct {
	self   mesh.NodeID
	cfg    tableConfig
	logger *slog.Logger
	msink  metrics.MetricSink

	peers     map[mesh.NodeID]*peerEntry
	listeners []func(Transition)
	lk        sync.RWMutex
}

func NewPeerTable(self mesh.NodeID, opts ...TableOption) (*PeerTable, error) {
	cfg := tableConfig{
		ttl:   DefaultPeerTTL,
		grace: DefaultGracePeriod,
		now:   time.Now,
	}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	return &PeerTable{
		self:   self,
		cfg:    cfg,
		logger: mesh.Logger(cfg.logHandler).With("component", "peer_table"),
		msink:  mesh.Sink(cfg.msink),
		peers:  make(map[mesh.NodeID]*peerEntry),
	}, nil
}

// OnTransition registers fn to be called, outside of any table lock, on
// every health transition.
func (pt *PeerTable) OnTransition(fn func(Transition)) {
	pt.lk.Lock()
	defer pt.lk.Unlock()
	pt.listeners = append(pt.listeners, fn)
}

func (pt *PeerTable) notify(events []Transition) {
	if len(events) == 0 {
		return
	}
	pt.lk.RLock()
	listeners := slices.Clone(pt.listeners)
	pt.lk.RUnlock()

	for _, ev := range events {
		pt.logger.Info(
			"peer health changed",
			mesh.LabelPeer.L(ev.Peer),
			"from", ev.From.String(),
			mesh.LabelHealth.L(ev.To.String()),
		)
		pt.msink.IncrCounterWithLabels(MetricPeerTransitions, 1.0, []metrics.Label{
			mesh.LabelHealth.M(ev.To.String()),
		})
		for _, fn := range listeners {
			fn(ev)
		}
	}
}

// setHealth changes the health of e. Caller holds pt.lk.
func (pt *PeerTable) setHealth(e *peerEntry, to mesh.HealthStatus, now time.Time) (Transition, bool) {
	from := e.record.Health
	if from == to {
		return Transition{}, false
	}
	e.record.Health = to
	if to == mesh.Unreachable {
		e.record.UnreachableSince = now
	} else {
		e.record.UnreachableSince = time.Time{}
	}
	return Transition{
		Peer:   e.record.ID,
		From:   from,
		To:     to,
		Record: e.record.Clone(),
	}, true
}

// Merge folds a verified announce into the table. The announce with the
// highest timestamp wins, older or equal ones are rejected with
// ErrStaleAnnounce. An unreachable peer is only revived by an announce
// stamped after it became unreachable.
func (pt *PeerTable) Merge(ann *wire.Announce) error {
	if ann.NodeID == pt.self {
		return nil
	}
	now := pt.cfg.now()

	pt.lk.Lock()
	e, known := pt.peers[ann.NodeID]
	if known && !ann.Timestamp.After(e.record.Timestamp) {
		pt.lk.Unlock()
		return ErrStaleAnnounce
	}
	if !known {
		e = &peerEntry{record: mesh.PeerRecord{ID: ann.NodeID}}
		pt.peers[ann.NodeID] = e
	}

	rec := &e.record
	rec.Addrs = slices.Clone(ann.Addrs)
	rec.PublicKey = slices.Clone(ann.PublicKey)
	rec.Capacity = ann.Capacity
	rec.Load = ann.Load
	if ann.LinksIncluded || rec.Links == nil {
		rec.Links = maps.Clone(ann.Links)
	}
	rec.Timestamp = ann.Timestamp
	rec.LastSeen = now
	e.announce = ann

	var events []Transition
	switch rec.Health {
	case mesh.HealthUnknown:
		if ev, ok := pt.setHealth(e, mesh.Healthy, now); ok {
			events = append(events, ev)
		}
	case mesh.Unreachable:
		if ann.Timestamp.After(rec.UnreachableSince) {
			if ev, ok := pt.setHealth(e, mesh.Healthy, now); ok {
				events = append(events, ev)
			}
		}
	}
	size := len(pt.peers)
	discovered := e.record.Clone()
	pt.lk.Unlock()

	if !known {
		pt.logger.Debug("peer discovered", slog.Any("peer", &discovered))
		pt.msink.SetGauge(MetricPeersKnown, float32(size))
	}
	pt.notify(events)
	return nil
}

// Touch records a liveness signal, such as a heartbeat ack, from id.
func (pt *PeerTable) Touch(id mesh.NodeID, load float64) {
	pt.lk.Lock()
	defer pt.lk.Unlock()
	if e, ok := pt.peers[id]; ok {
		e.record.LastSeen = pt.cfg.now()
		if load >= 0 {
			e.record.Load = load
		}
	}
}

// SetHealth forces the health of a known peer, as decided by the failure
// detector. Unknown peers are ignored.
func (pt *PeerTable) SetHealth(id mesh.NodeID, health mesh.HealthStatus) {
	now := pt.cfg.now()
	pt.lk.Lock()
	e, ok := pt.peers[id]
	if !ok {
		pt.lk.Unlock()
		return
	}
	if health.Routable() {
		e.record.LastSeen = now
	}
	ev, changed := pt.setHealth(e, health, now)
	pt.lk.Unlock()

	if changed {
		pt.notify([]Transition{ev})
	}
}

// Sweep marks peers not refreshed within the TTL as unreachable and evicts
// peers unreachable for longer than the grace period.
func (pt *PeerTable) Sweep() []Transition {
	now := pt.cfg.now()
	var events []Transition

	pt.lk.Lock()
	for id, e := range pt.peers {
		switch {
		case e.record.Health == mesh.Unreachable:
			if now.Sub(e.record.UnreachableSince) > pt.cfg.grace {
				delete(pt.peers, id)
				events = append(events, Transition{
					Peer:   id,
					From:   mesh.Unreachable,
					To:     mesh.HealthUnknown,
					Record: e.record.Clone(),
				})
				pt.msink.IncrCounter(MetricPeerEvictions, 1.0)
			}
		case now.Sub(e.record.LastSeen) > pt.cfg.ttl:
			if ev, ok := pt.setHealth(e, mesh.Unreachable, now); ok {
				events = append(events, ev)
			}
		}
	}
	size := len(pt.peers)
	pt.lk.Unlock()

	pt.msink.SetGauge(MetricPeersKnown, float32(size))
	pt.notify(events)
	return events
}

// Remove drops id, typically after it left the mesh gracefully.
func (pt *PeerTable) Remove(id mesh.NodeID) {
	pt.lk.Lock()
	e, ok := pt.peers[id]
	if ok {
		delete(pt.peers, id)
	}
	pt.lk.Unlock()

	if ok {
		pt.notify([]Transition{{
			Peer:   id,
			From:   e.record.Health,
			To:     mesh.HealthUnknown,
			Record: e.record.Clone(),
		}})
	}
}

// Get returns a copy of the record of id.
func (pt *PeerTable) Get(id mesh.NodeID) (mesh.PeerRecord, bool) {
	pt.lk.RLock()
	defer pt.lk.RUnlock()
	e, ok := pt.peers[id]
	if !ok {
		return mesh.PeerRecord{}, false
	}
	return e.record.Clone(), true
}

// Health returns mesh.HealthUnknown for unknown peers.
func (pt *PeerTable) Health(id mesh.NodeID) mesh.HealthStatus {
	pt.lk.RLock()
	defer pt.lk.RUnlock()
	if e, ok := pt.peers[id]; ok {
		return e.record.Health
	}
	return mesh.HealthUnknown
}

// Peers returns a copy of every record ordered by node id.
func (pt *PeerTable) Peers() []mesh.PeerRecord {
	pt.lk.RLock()
	defer pt.lk.RUnlock()
	out := make([]mesh.PeerRecord, 0, len(pt.peers))
	for _, e := range pt.peers {
		out = append(out, e.record.Clone())
	}
	slices.SortFunc(out, func(a, b mesh.PeerRecord) int {
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out
}

// Announces returns the latest signed announce of every reachable peer, as
// relayed by gossip.
func (pt *PeerTable) Announces() []*wire.Announce {
	pt.lk.RLock()
	defer pt.lk.RUnlock()
	out := make([]*wire.Announce, 0, len(pt.peers))
	for _, e := range pt.peers {
		if e.announce != nil && e.record.Health != mesh.Unreachable {
			out = append(out, e.announce)
		}
	}
	return out
}

func (pt *PeerTable) Len() int {
	pt.lk.RLock()
	defer pt.lk.RUnlock()
	return len(pt.peers)
}

// Restore seeds the table with records saved by a checkpoint. Restored peers
// count as freshly seen so they age out normally if they are gone.
func (pt *PeerTable) Restore(records []mesh.PeerRecord) int {
	now := pt.cfg.now()
	restored := 0

	pt.lk.Lock()
	for _, rec := range records {
		if rec.ID == pt.self || rec.Health == mesh.Unreachable {
			continue
		}
		if _, ok := pt.peers[rec.ID]; ok {
			continue
		}
		rec = rec.Clone()
		rec.LastSeen = now
		rec.Health = mesh.Healthy
		rec.UnreachableSince = time.Time{}
		pt.peers[rec.ID] = &peerEntry{record: rec}
		restored++
	}
	size := len(pt.peers)
	pt.lk.Unlock()

	pt.msink.SetGauge(MetricPeersKnown, float32(size))
	return restored
}
