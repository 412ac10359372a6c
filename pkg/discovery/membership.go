package discovery

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	leg_metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"github.com/raskyld/noodlenet/pkg/mesh"
	"github.com/raskyld/noodlenet/pkg/wire"
)

var ErrJoin = errors.New("discovery: failed to join the mesh")

// EnvelopeHandler receives envelopes relayed by memberlist that discovery
// does not handle itself, such as revocations.
type EnvelopeHandler func(env *wire.Envelope)

type MembershipConfig struct {
	BindAddr string
	BindPort int

	// Transport carries memberlist traffic, typically a link.Transport.
	Transport memberlist.Transport

	// ProbeTimeout overrides the memberlist default when set.
	ProbeTimeout time.Duration

	MetricLabels []metrics.Label
	LogHandler   slog.Handler
}

// Membership runs a memberlist SWIM cluster whose node names are node ids
// and whose node metadata are compact signed announces. It complements our
// own gossip: joining through seeds, full state push/pull and piggybacked
// broadcasts.
type Membership struct {
	ml        *memberlist.Memberlist
	queue     *memberlist.TransmitLimitedQueue
	table     *PeerTable
	ingester  *Ingester
	announcer *Announcer
	handler   EnvelopeHandler
	logger    *slog.Logger
}

func NewMembership(
	cfg MembershipConfig,
	table *PeerTable,
	ingester *Ingester,
	announcer *Announcer,
	handler EnvelopeHandler,
) (*Membership, error) {
	mb := &Membership{
		table:     table,
		ingester:  ingester,
		announcer: announcer,
		handler:   handler,
	}
	mb.logger = mesh.Logger(cfg.LogHandler).With("component", "membership")

	mlCfg := memberlist.DefaultLANConfig()
	mlCfg.Name = string(announcer.ident.ID())
	mlCfg.BindAddr = cfg.BindAddr
	mlCfg.BindPort = cfg.BindPort
	mlCfg.Transport = cfg.Transport
	mlCfg.Delegate = mb
	mlCfg.Events = &membershipEvents{mb: mb}
	mlCfg.LogOutput = nil
	mlCfg.Logger = slog.NewLogLogger(mb.logger.Handler(), slog.LevelDebug)
	if cfg.ProbeTimeout > 0 {
		mlCfg.ProbeTimeout = cfg.ProbeTimeout
	}

	// TODO(raskyld): drop the translation once memberlist emits with
	// hashicorp/go-metrics.
	mlCfg.MetricLabels = make([]leg_metrics.Label, len(cfg.MetricLabels))
	for i, label := range cfg.MetricLabels {
		mlCfg.MetricLabels[i] = leg_metrics.Label{
			Name:  label.Name,
			Value: label.Value,
		}
	}

	mb.queue = &memberlist.TransmitLimitedQueue{
		NumNodes: func() int {
			if mb.ml == nil {
				return 1
			}
			return mb.ml.NumMembers()
		},
		RetransmitMult: mlCfg.RetransmitMult,
	}

	ml, err := memberlist.Create(mlCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: memberlist: %w", ErrInvalidCfg, err)
	}
	mb.ml = ml
	return mb, nil
}

// Join contacts seeds and returns how many answered.
func (mb *Membership) Join(seeds []string) (int, error) {
	if len(seeds) == 0 {
		return 0, nil
	}
	joined, err := mb.ml.Join(seeds)
	if err != nil {
		return joined, fmt.Errorf("%w: %w", ErrJoin, err)
	}
	if joined != len(seeds) {
		mb.logger.Warn(
			"not all seeds are reachable",
			"joined", joined,
			"expected", len(seeds),
		)
	}
	return joined, nil
}

// Broadcast piggybacks env on memberlist gossip until every member likely
// received it.
func (mb *Membership) Broadcast(env *wire.Envelope) {
	mb.queue.QueueBroadcast(&broadcast{msg: env.Marshal()})
}

// Refresh pushes our latest metadata to the cluster.
func (mb *Membership) Refresh(timeout time.Duration) error {
	return mb.ml.UpdateNode(timeout)
}

func (mb *Membership) Members() int {
	return mb.ml.NumMembers()
}

// Leave announces our departure and stops memberlist.
func (mb *Membership) Leave(timeout time.Duration) error {
	err := mb.ml.Leave(timeout)
	if shutErr := mb.ml.Shutdown(); err == nil {
		err = shutErr
	}
	return err
}

// NodeMeta is a compact announce, no links, so it fits the metadata limit.
func (mb *Membership) NodeMeta(limit int) []byte {
	meta := mb.announcer.Announce(false).Marshal()
	if len(meta) > limit {
		mb.logger.Error("announce does not fit in memberlist metadata", "size", len(meta), "limit", limit)
		return nil
	}
	return meta
}

func (mb *Membership) NotifyMsg(b []byte) {
	env, err := wire.Unmarshal(slices.Clone(b))
	if err != nil {
		mb.logger.Debug("invalid broadcast", mesh.LabelError.L(err))
		return
	}
	switch env.Type {
	case wire.TypeAnnounce, wire.TypeGossip:
		mb.ingester.IngestEnvelope(env, SourceMembership)
	default:
		if mb.handler != nil {
			mb.handler(env)
		}
	}
}

func (mb *Membership) GetBroadcasts(overhead, limit int) [][]byte {
	return mb.queue.GetBroadcasts(overhead, limit)
}

// LocalState sends every announce we know, ours included and complete, on
// push/pull.
func (mb *Membership) LocalState(join bool) []byte {
	anns := append([]*wire.Announce{mb.announcer.Announce(true)}, mb.table.Announces()...)
	env := wire.NewEnvelope(&wire.Gossip{Announces: anns}, mb.announcer.ident.ID(), "")
	return env.Marshal()
}

func (mb *Membership) MergeRemoteState(buf []byte, join bool) {
	env, err := wire.Unmarshal(buf)
	if err != nil {
		mb.logger.Debug("invalid remote state", mesh.LabelError.L(err))
		return
	}
	fresh := mb.ingester.IngestEnvelope(env, SourceMembership)
	mb.logger.Debug("merged remote state", "fresh", fresh, "join", join)
}

type membershipEvents struct {
	mb *Membership
}

func withLogNode(logger *slog.Logger, node *memberlist.Node) *slog.Logger {
	return logger.With(
		mesh.LabelPeer.L(mesh.NodeID(node.Name).Short()),
		mesh.LabelPeerAddr.L(node.Address()),
	)
}

func (ev *membershipEvents) ingestMeta(node *memberlist.Node) {
	if len(node.Meta) == 0 {
		return
	}
	ann, err := wire.UnmarshalAnnounce(node.Meta)
	if err != nil {
		withLogNode(ev.mb.logger, node).Warn("invalid node metadata", mesh.LabelError.L(err))
		return
	}
	if ann.NodeID != mesh.NodeID(node.Name) {
		withLogNode(ev.mb.logger, node).Warn("node metadata announces another node")
		return
	}
	ev.mb.ingester.Ingest(ann, SourceMembership)
}

func (ev *membershipEvents) NotifyJoin(node *memberlist.Node) {
	withLogNode(ev.mb.logger, node).Info("peer joined the mesh")
	ev.ingestMeta(node)
}

// NotifyLeave marks the peer unreachable. A later announce revives it.
func (ev *membershipEvents) NotifyLeave(node *memberlist.Node) {
	withLogNode(ev.mb.logger, node).Info("peer left the mesh")
	ev.mb.table.SetHealth(mesh.NodeID(node.Name), mesh.Unreachable)
}

func (ev *membershipEvents) NotifyUpdate(node *memberlist.Node) {
	withLogNode(ev.mb.logger, node).Debug("peer updated")
	ev.ingestMeta(node)
}

type broadcast struct {
	msg []byte
}

func (b *broadcast) Invalidates(memberlist.Broadcast) bool { return false }
func (b *broadcast) Message() []byte                       { return b.msg }
func (b *broadcast) Finished()                             {}
