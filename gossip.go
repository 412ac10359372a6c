package noodlenet

import (
	"context"

	"github.com/raskyld/noodlenet/pkg/discovery"
	"github.com/raskyld/noodlenet/pkg/link"
	"github.com/raskyld/noodlenet/pkg/mesh"
	"github.com/raskyld/noodlenet/pkg/wire"
)

// localState is what our announces advertise.
func (n *Node) localState() discovery.LocalState {
	addrs := []string{n.tr.AdvertiseAddr()}
	if quic := n.tr.QUICAddr(); quic != "" {
		addrs = append(addrs, quic)
	}
	n.lk.Lock()
	if n.reflexive != "" && n.reflexive != addrs[0] {
		addrs = append(addrs, n.reflexive)
	}
	n.lk.Unlock()

	return discovery.LocalState{
		Addrs:    addrs,
		Capacity: n.config.capacity,
		Load:     n.load(),
		Links:    n.links.Latencies(),
	}
}

func (n *Node) load() float64 {
	return float64(n.inflight.Load())
}

// heartbeatTargets are the peers we keep a direct link with. Unreachable
// ones are still probed so an ack can revive them.
func (n *Node) heartbeatTargets() []mesh.NodeID {
	var ids []mesh.NodeID
	for _, p := range n.table.Peers() {
		if n.config.directPeers(p.ID) {
			ids = append(ids, p.ID)
		}
	}
	return ids
}

func (n *Node) sendHeartbeat(peer mesh.NodeID, hb *wire.Heartbeat) error {
	rec, ok := n.table.Get(peer)
	if !ok {
		return ErrPeerUnreachable
	}
	addr, ok := discovery.DatagramAddr(&rec)
	if !ok {
		return ErrPeerUnreachable
	}
	env := wire.NewEnvelope(hb, n.ID(), peer)
	env.Sign(n.ident.Sign)
	return n.tr.SendUnreliable(addr, env.Marshal())
}

func (n *Node) broadcastRevocation(rev *wire.Revocation) {
	if n.membership == nil {
		return
	}
	env := wire.NewEnvelope(rev, n.ID(), "")
	env.Sign(n.ident.Sign)
	n.membership.Broadcast(env)
}

// handleBroadcast receives what memberlist relays besides announces.
func (n *Node) handleBroadcast(env *wire.Envelope) {
	if env.Type != wire.TypeRevocation {
		n.logger.Debug("ignoring broadcast", mesh.LabelMessageType.L(env.Type))
		return
	}
	msg, err := wire.Decode(env)
	if err != nil {
		n.logger.Debug("invalid broadcast", mesh.LabelError.L(err))
		return
	}
	n.applyRevocation(msg.(*wire.Revocation), env.Source)
}

func (n *Node) applyRevocation(rev *wire.Revocation, from mesh.NodeID) {
	if err := n.caps.ApplyRevocation(rev); err != nil {
		n.logger.Warn(
			"revocation rejected",
			mesh.LabelPeer.L(from),
			mesh.LabelError.L(err),
		)
	}
}

func (n *Node) serveDatagrams(ctx context.Context) error {
	for {
		var d *link.Datagram
		select {
		case d = <-n.tr.Datagrams():
		case <-ctx.Done():
			return nil
		}
		if d == nil {
			return nil
		}
		n.handleDatagram(d)
	}
}

func (n *Node) handleDatagram(d *link.Datagram) {
	env, err := wire.Unmarshal(d.Buf)
	if err != nil {
		n.logger.Debug("invalid datagram", mesh.LabelPeerAddr.L(d.From), mesh.LabelError.L(err))
		return
	}

	switch env.Type {
	case wire.TypeAnnounce, wire.TypeGossip:
		n.gossiper.Handle(env)
		return
	case wire.TypeHeartbeat, wire.TypeHeartbeatAck, wire.TypeRevocation:
	default:
		n.logger.Debug("unexpected datagram", mesh.LabelMessageType.L(env.Type), mesh.LabelPeerAddr.L(d.From))
		return
	}

	if env.Destination != n.ID() || !n.dir.Verify(env.SigningBytes(), env.Signature, env.Source) {
		n.logger.Debug("dropping unverifiable datagram", mesh.LabelPeer.L(env.Source), mesh.LabelMessageType.L(env.Type))
		return
	}
	msg, err := wire.Decode(env)
	if err != nil {
		n.logger.Debug("invalid datagram", mesh.LabelPeer.L(env.Source), mesh.LabelError.L(err))
		return
	}

	switch m := msg.(type) {
	case *wire.Heartbeat:
		// Links are symmetric, we only answer the peers we would probe.
		if !n.config.directPeers(env.Source) {
			return
		}
		ack := wire.NewEnvelope(&wire.HeartbeatAck{Seq: m.Seq, SentAt: m.SentAt, Load: n.load()}, n.ID(), env.Source)
		ack.Sign(n.ident.Sign)
		if err := n.tr.SendUnreliable(d.From.String(), ack.Marshal()); err != nil {
			n.logger.Debug("heartbeat ack not sent", mesh.LabelPeer.L(env.Source), mesh.LabelError.L(err))
		}
	case *wire.HeartbeatAck:
		n.detector.Ack(env.Source, m)
	case *wire.Revocation:
		n.applyRevocation(m, env.Source)
	}
}
