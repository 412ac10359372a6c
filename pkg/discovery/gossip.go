package discovery

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/noodlenet/pkg/mesh"
	"github.com/raskyld/noodlenet/pkg/wire"
)

const (
	DefaultGossipInterval = time.Second
	DefaultGossipFanout   = 3
	// Stay below a typical path MTU so rounds are never fragmented.
	DefaultGossipBudget = 1400
)

var (
	MetricGossipRound = []string{"noodlenet", "discovery", "gossip", "round", "count"}
	MetricGossipOut   = []string{"noodlenet", "discovery", "gossip", "out", "count"}
	MetricGossipFresh = []string{"noodlenet", "discovery", "gossip", "fresh", "count"}
)

// SendFunc fire-and-forgets b to a datagram address.
type SendFunc func(addr string, b []byte) error

type GossipConfig struct {
	Interval time.Duration

	// Fanout is how many random peers receive each round.
	Fanout int

	// Budget bounds the encoded size of one gossip message.
	Budget int

	LogHandler slog.Handler
	MetricSink metrics.MetricSink
}

// Gossiper forwards a random subset of the announces it knows to a random
// subset of reachable peers every round, so membership converges without
// every node talking to every other one.
type Gossiper struct {
	cfg       GossipConfig
	table     *PeerTable
	ingester  *Ingester
	announcer *Announcer
	send      SendFunc
	logger    *slog.Logger
	msink     metrics.MetricSink

	rand *rand.Rand
	lk   sync.Mutex
}

func NewGossiper(cfg GossipConfig, table *PeerTable, ingester *Ingester, announcer *Announcer, send SendFunc) *Gossiper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultGossipInterval
	}
	if cfg.Fanout <= 0 {
		cfg.Fanout = DefaultGossipFanout
	}
	if cfg.Budget <= 0 {
		cfg.Budget = DefaultGossipBudget
	}
	return &Gossiper{
		cfg:       cfg,
		table:     table,
		ingester:  ingester,
		announcer: announcer,
		send:      send,
		logger:    mesh.Logger(cfg.LogHandler).With("component", "gossiper"),
		msink:     mesh.Sink(cfg.MetricSink),
		rand:      rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
}

func (g *Gossiper) shuffle(n int, swap func(i, j int)) {
	g.lk.Lock()
	defer g.lk.Unlock()
	g.rand.Shuffle(n, swap)
}

// DatagramAddr returns the first plain "host:port" address of rec.
func DatagramAddr(rec *mesh.PeerRecord) (string, bool) {
	for _, addr := range rec.Addrs {
		if !strings.Contains(addr, "://") {
			return addr, true
		}
	}
	return "", false
}

// embeddedSize is the size of ann inside a gossip message, tag and length
// prefix included.
func embeddedSize(ann *wire.Announce) int {
	return len(ann.Marshal()) + 4
}

// Compose builds the gossip message sent to target: our own announce first,
// then random announces of other peers, as many as the budget allows.
func (g *Gossiper) Compose(target mesh.NodeID) *wire.Envelope {
	self := g.announcer.Announce(true)
	size := embeddedSize(self)
	if size > g.cfg.Budget {
		self = g.announcer.Announce(false)
		size = embeddedSize(self)
	}
	msg := &wire.Gossip{Announces: []*wire.Announce{self}}

	known := g.table.Announces()
	g.shuffle(len(known), func(i, j int) { known[i], known[j] = known[j], known[i] })
	for _, ann := range known {
		if ann.NodeID == target {
			continue
		}
		cost := embeddedSize(ann)
		if size+cost > g.cfg.Budget {
			continue
		}
		msg.Announces = append(msg.Announces, ann)
		size += cost
	}
	return wire.NewEnvelope(msg, self.NodeID, target)
}

// Round sends one gossip message to up to Fanout random reachable peers and
// returns how many were sent.
func (g *Gossiper) Round() int {
	peers := g.table.Peers()
	g.shuffle(len(peers), func(i, j int) { peers[i], peers[j] = peers[j], peers[i] })

	sent := 0
	for i := range peers {
		if sent >= g.cfg.Fanout {
			break
		}
		rec := &peers[i]
		if !rec.Health.Routable() {
			continue
		}
		addr, ok := DatagramAddr(rec)
		if !ok {
			continue
		}
		env := g.Compose(rec.ID)
		if err := g.send(addr, env.Marshal()); err != nil {
			g.logger.Debug(
				"gossip send failed",
				mesh.LabelPeer.L(rec.ID),
				mesh.LabelPeerAddr.L(addr),
				mesh.LabelError.L(err),
			)
			continue
		}
		sent++
	}

	g.msink.IncrCounter(MetricGossipRound, 1.0)
	if sent > 0 {
		g.msink.IncrCounter(MetricGossipOut, float32(sent))
	}
	return sent
}

// Handle ingests a received gossip or announce envelope.
func (g *Gossiper) Handle(env *wire.Envelope) {
	if fresh := g.ingester.IngestEnvelope(env, SourceGossip); fresh > 0 {
		g.msink.IncrCounter(MetricGossipFresh, float32(fresh))
	}
}

// Run gossips every interval until ctx is done.
func (g *Gossiper) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			g.Round()
		}
	}
}
