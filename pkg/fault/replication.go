package fault

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/noodlenet/pkg/mesh"
	"github.com/raskyld/noodlenet/pkg/wire"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultReplicationFactor = 3
	DefaultRepairInterval    = 10 * time.Second
)

var (
	MetricReplicaSent     = []string{"noodlenet", "fault", "replica", "sent"}
	MetricReplicaFailed   = []string{"noodlenet", "fault", "replica", "failed"}
	MetricReplicaHeld     = []string{"noodlenet", "fault", "replica", "held"}
	MetricReplicaDegraded = []string{"noodlenet", "fault", "replica", "degraded"}
)

// ReplicaSender hands r to peer and returns once peer acknowledged it.
type ReplicaSender func(ctx context.Context, peer mesh.NodeID, r *wire.Replica) error

type owned struct {
	version uint64
	value   []byte
	holders map[mesh.NodeID]uint64
}

type ReplicationOption func(*replicationConfig) error

type replicationConfig struct {
	factor     int
	interval   time.Duration
	logHandler slog.Handler
	msink      metrics.MetricSink
}

// WithFactor sets how many distinct peers hold each value.
func WithFactor(n int) ReplicationOption {
	return func(c *replicationConfig) error {
		if n < 1 {
			return fmt.Errorf("%w: replication factor must be at least 1", ErrInvalidCfg)
		}
		c.factor = n
		return nil
	}
}

func WithRepairInterval(d time.Duration) ReplicationOption {
	return func(c *replicationConfig) error {
		if d <= 0 {
			return fmt.Errorf("%w: repair interval must be positive", ErrInvalidCfg)
		}
		c.interval = d
		return nil
	}
}

func WithReplicationLog(handler slog.Handler) ReplicationOption {
	return func(c *replicationConfig) error {
		c.logHandler = handler
		return nil
	}
}

func WithReplicationMetricSink(ms metrics.MetricSink) ReplicationOption {
	return func(c *replicationConfig) error {
		c.msink = ms
		return nil
	}
}

// ReplicationManager keeps the values this node owns on factor distinct
// peers and holds the copies other nodes trust it with. Placement uses
// rendezvous hashing so every node agrees on the preferred holders of a key.
type ReplicationManager struct {
	self       mesh.NodeID
	cfg        replicationConfig
	send       ReplicaSender
	candidates func() []mesh.NodeID
	logger     *slog.Logger
	msink      metrics.MetricSink

	owned map[string]*owned
	held  map[string]ReplicaRecord
	lk    sync.Mutex
}

// NewReplicationManager places replicas on the nodes returned by candidates,
// which should only list routable peers.
func NewReplicationManager(self mesh.NodeID, send ReplicaSender, candidates func() []mesh.NodeID, opts ...ReplicationOption) (*ReplicationManager, error) {
	cfg := replicationConfig{
		factor:   DefaultReplicationFactor,
		interval: DefaultRepairInterval,
	}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	if send == nil || candidates == nil {
		return nil, fmt.Errorf("%w: sender and candidate source are required", ErrInvalidCfg)
	}
	return &ReplicationManager{
		self:       self,
		cfg:        cfg,
		send:       send,
		candidates: candidates,
		logger:     mesh.Logger(cfg.logHandler).With("component", "replication"),
		msink:      mesh.Sink(cfg.msink),
		owned:      make(map[string]*owned),
		held:       make(map[string]ReplicaRecord),
	}, nil
}

func (rm *ReplicationManager) Factor() int {
	return rm.cfg.factor
}

func score(key string, id mesh.NodeID) uint64 {
	h := sha256.New()
	h.Write([]byte(key))
	h.Write([]byte{0})
	h.Write([]byte(id))
	return binary.BigEndian.Uint64(h.Sum(nil)[:8])
}

// Placement returns the n preferred holders of key among nodes.
func Placement(key string, nodes []mesh.NodeID, n int) []mesh.NodeID {
	ranked := slices.Clone(nodes)
	slices.SortFunc(ranked, func(a, b mesh.NodeID) int {
		sa, sb := score(key, a), score(key, b)
		switch {
		case sa > sb:
			return -1
		case sa < sb:
			return 1
		case a < b:
			return -1
		case a > b:
			return 1
		}
		return 0
	})
	ranked = slices.Compact(ranked)
	if len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}

func (rm *ReplicationManager) eligible() []mesh.NodeID {
	return slices.DeleteFunc(rm.candidates(), func(id mesh.NodeID) bool {
		return id == rm.self
	})
}

// Put stores value under key and replicates it. The value is kept even when
// fewer than factor peers acknowledged it, in which case the error wraps
// ErrReplicationDegraded and the repair loop keeps trying.
func (rm *ReplicationManager) Put(ctx context.Context, key string, value []byte) ([]mesh.NodeID, error) {
	rm.lk.Lock()
	o, ok := rm.owned[key]
	if !ok {
		o = &owned{holders: make(map[mesh.NodeID]uint64)}
		rm.owned[key] = o
	}
	o.version++
	o.value = slices.Clone(value)
	clear(o.holders)
	rec := &wire.Replica{Key: key, Version: o.version, Value: o.value, Origin: rm.self}
	rm.lk.Unlock()

	targets := Placement(key, rm.eligible(), rm.cfg.factor)
	rm.replicate(ctx, rec, targets)
	return rm.checkFactor(key)
}

func (rm *ReplicationManager) checkFactor(key string) ([]mesh.NodeID, error) {
	rm.lk.Lock()
	o, ok := rm.owned[key]
	if !ok {
		rm.lk.Unlock()
		return nil, nil
	}
	holders := slices.Sorted(maps.Keys(o.holders))
	rm.lk.Unlock()

	if len(holders) < rm.cfg.factor {
		rm.msink.IncrCounterWithLabels(MetricReplicaDegraded, 1.0, []metrics.Label{mesh.LabelKey.M(key)})
		return holders, fmt.Errorf("%w: %q has %d of %d replicas", ErrReplicationDegraded, key, len(holders), rm.cfg.factor)
	}
	return holders, nil
}

// replicate sends rec to every target concurrently and records who acked.
func (rm *ReplicationManager) replicate(ctx context.Context, rec *wire.Replica, targets []mesh.NodeID) {
	var g errgroup.Group
	for _, peer := range targets {
		g.Go(func() error {
			if err := rm.send(ctx, peer, rec); err != nil {
				rm.msink.IncrCounter(MetricReplicaFailed, 1.0)
				rm.logger.Warn("replica not stored",
					mesh.LabelKey.L(rec.Key),
					mesh.LabelPeer.L(peer),
					mesh.LabelError.L(err),
				)
				return nil
			}
			rm.msink.IncrCounter(MetricReplicaSent, 1.0)

			rm.lk.Lock()
			defer rm.lk.Unlock()
			if o, ok := rm.owned[rec.Key]; ok && o.version == rec.Version {
				o.holders[peer] = rec.Version
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Handle stores a copy sent by another node and returns the ack to relay.
// Versions older than the one held are not stored, the ack then carries the
// held version.
func (rm *ReplicationManager) Handle(r *wire.Replica) *wire.ReplicaAck {
	rm.lk.Lock()
	defer rm.lk.Unlock()

	cur, ok := rm.held[r.Key]
	if !ok || r.Version > cur.Version || r.Origin != cur.Origin {
		cur = ReplicaRecord{Key: r.Key, Version: r.Version, Value: slices.Clone(r.Value), Origin: r.Origin}
		rm.held[r.Key] = cur
		rm.msink.SetGauge(MetricReplicaHeld, float32(len(rm.held)))
	}
	return &wire.ReplicaAck{Key: r.Key, Version: cur.Version}
}

// Get returns the value of key, owned or held for another node.
func (rm *ReplicationManager) Get(key string) ([]byte, bool) {
	rm.lk.Lock()
	defer rm.lk.Unlock()
	if o, ok := rm.owned[key]; ok {
		return slices.Clone(o.value), true
	}
	if r, ok := rm.held[key]; ok {
		return slices.Clone(r.Value), true
	}
	return nil, false
}

// Holders returns the peers known to hold the current version of key.
func (rm *ReplicationManager) Holders(key string) []mesh.NodeID {
	rm.lk.Lock()
	defer rm.lk.Unlock()
	if o, ok := rm.owned[key]; ok {
		return slices.Sorted(maps.Keys(o.holders))
	}
	return nil
}

// PeerDown forgets peer as a holder and re-replicates what it held.
func (rm *ReplicationManager) PeerDown(ctx context.Context, peer mesh.NodeID) int {
	rm.lk.Lock()
	var affected []string
	for key, o := range rm.owned {
		if _, ok := o.holders[peer]; ok {
			delete(o.holders, peer)
			affected = append(affected, key)
		}
	}
	rm.lk.Unlock()

	if len(affected) == 0 {
		return 0
	}
	rm.logger.Info("re-replicating after holder loss", mesh.LabelPeer.L(peer), "keys", len(affected))
	return rm.repair(ctx, affected)
}

// Repair tops up every owned key that lost replicas.
func (rm *ReplicationManager) Repair(ctx context.Context) int {
	rm.lk.Lock()
	keys := slices.Sorted(maps.Keys(rm.owned))
	rm.lk.Unlock()
	return rm.repair(ctx, keys)
}

func (rm *ReplicationManager) repair(ctx context.Context, keys []string) int {
	nodes := rm.eligible()
	sent := 0
	for _, key := range keys {
		if ctx.Err() != nil {
			return sent
		}

		rm.lk.Lock()
		o, ok := rm.owned[key]
		if !ok {
			rm.lk.Unlock()
			continue
		}
		for holder := range o.holders {
			if !slices.Contains(nodes, holder) {
				delete(o.holders, holder)
			}
		}
		missing := rm.cfg.factor - len(o.holders)
		var targets []mesh.NodeID
		if missing > 0 {
			free := slices.DeleteFunc(slices.Clone(nodes), func(id mesh.NodeID) bool {
				_, holds := o.holders[id]
				return holds
			})
			targets = Placement(key, free, missing)
		}
		rec := &wire.Replica{Key: key, Version: o.version, Value: o.value, Origin: rm.self}
		rm.lk.Unlock()

		if len(targets) == 0 {
			continue
		}
		rm.replicate(ctx, rec, targets)
		sent += len(targets)
	}
	return sent
}

// Records lists every value this node owns or holds.
func (rm *ReplicationManager) Records() []ReplicaRecord {
	rm.lk.Lock()
	defer rm.lk.Unlock()
	out := make([]ReplicaRecord, 0, len(rm.owned)+len(rm.held))
	for key, o := range rm.owned {
		out = append(out, ReplicaRecord{Key: key, Version: o.version, Value: slices.Clone(o.value), Origin: rm.self})
	}
	for _, r := range rm.held {
		r.Value = slices.Clone(r.Value)
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b ReplicaRecord) int {
		switch {
		case a.Key < b.Key:
			return -1
		case a.Key > b.Key:
			return 1
		}
		return 0
	})
	return out
}

// Restore reloads records from a checkpoint. Owned values have no known
// holder afterwards, the repair loop replicates them again.
func (rm *ReplicationManager) Restore(records []ReplicaRecord) {
	rm.lk.Lock()
	defer rm.lk.Unlock()
	for _, r := range records {
		if r.Origin == rm.self {
			if cur, ok := rm.owned[r.Key]; ok && cur.version >= r.Version {
				continue
			}
			rm.owned[r.Key] = &owned{
				version: r.Version,
				value:   slices.Clone(r.Value),
				holders: make(map[mesh.NodeID]uint64),
			}
			continue
		}
		if cur, ok := rm.held[r.Key]; ok && cur.Version >= r.Version {
			continue
		}
		rm.held[r.Key] = r
	}
}

// Run repairs under-replicated keys every interval until ctx is done.
func (rm *ReplicationManager) Run(ctx context.Context) error {
	ticker := time.NewTicker(rm.cfg.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := rm.Repair(ctx); n > 0 {
				rm.logger.Debug("replicas repaired", "count", n)
			}
		}
	}
}
