package noodlenet

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/noodlenet/pkg/link"
	"github.com/raskyld/noodlenet/pkg/mesh"
	"github.com/raskyld/noodlenet/pkg/security"
	"github.com/raskyld/noodlenet/pkg/wire"
)

func (n *Node) serveMesh(ctx context.Context) error {
	for {
		select {
		case conn, ok := <-n.tr.MeshCh():
			if !ok {
				return nil
			}
			n.wg.Add(1)
			go n.serveConn(ctx, conn)
		case <-ctx.Done():
			return nil
		}
	}
}

// serveConn authenticates the peer on conn then answers its envelopes one
// at a time until it hangs up.
func (n *Node) serveConn(ctx context.Context, conn net.Conn) {
	defer n.wg.Done()
	n.msink.IncrCounter(MetricInboundConnCount, 1.0)

	hsCtx, cancel := context.WithTimeout(ctx, n.config.trCfg.DialTimeout)
	sc, err := security.Server(hsCtx, conn, n.ident, n.dir, n.config.maxMessageSize)
	cancel()
	if err != nil {
		_ = conn.Close()
		n.msink.IncrCounter(MetricHandshakeErrors, 1.0)
		n.logger.Debug("inbound handshake failed", mesh.LabelPeerAddr.L(conn.RemoteAddr()), mesh.LabelError.L(err))
		return
	}
	defer sc.Close()
	stop := context.AfterFunc(ctx, func() {
		_ = sc.Close()
	})
	defer stop()

	peer := sc.Peer()
	for {
		raw, err := sc.ReadMessage()
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				n.logger.Debug("inbound channel closed", mesh.LabelPeer.L(peer), mesh.LabelError.L(err))
			}
			return
		}

		var reply *wire.Envelope
		if env, err := wire.Unmarshal(raw); err != nil {
			reply = n.nack(&wire.Envelope{Source: peer}, wire.NackMalformed, err.Error())
		} else {
			reply = n.handleEnvelope(ctx, env, peer)
		}

		if err := sc.WriteMessage(reply.Marshal()); err != nil {
			n.logger.Debug("could not reply", mesh.LabelPeer.L(peer), mesh.LabelError.L(err))
			return
		}
	}
}

// handleEnvelope processes env received from the neighbour from, or from
// ourselves, and returns the reply for its sender.
func (n *Node) handleEnvelope(ctx context.Context, env *wire.Envelope, from mesh.NodeID) *wire.Envelope {
	if !n.dir.Verify(env.SigningBytes(), env.Signature, env.Source) {
		return n.nack(env, wire.NackDenied, "invalid signature")
	}
	if env.Expired(time.Now()) {
		return n.nack(env, wire.NackExpired, "deadline exceeded")
	}
	if env.Destination != n.ID() {
		return n.forward(ctx, env, from)
	}

	if err := n.compressor.Decompress(env); err != nil {
		return n.nack(env, wire.NackMalformed, err.Error())
	}
	msg, err := wire.Decode(env)
	if err != nil {
		return n.nack(env, wire.NackMalformed, err.Error())
	}

	switch m := msg.(type) {
	case *wire.Data:
		return n.deliver(ctx, env, m)
	case *wire.Batch:
		return n.handleBatch(ctx, env, m, from)
	case *wire.CapabilityRequest:
		grant := &wire.CapabilityGrant{}
		if capab, err := n.caps.Grant(env.Source, m); err != nil {
			grant.Error = err.Error()
		} else {
			grant.Token = capab.Token
		}
		return n.reply(env, grant)
	case *wire.Replica:
		return n.reply(env, n.replicas.Handle(m))
	case *wire.Revocation:
		n.applyRevocation(m, env.Source)
		return n.reply(env, &wire.Ack{Ref: env.ID, Path: []mesh.NodeID{n.ID()}})
	default:
		return n.nack(env, wire.NackMalformed, "unexpected "+env.Type.String())
	}
}

// forward relays env one hop closer to its destination. The neighbour it
// came from is never chosen as the next hop.
func (n *Node) forward(ctx context.Context, env *wire.Envelope, from mesh.NodeID) *wire.Envelope {
	if env.HopLimit <= 1 {
		return n.nack(env, wire.NackNoRoute, "hop limit reached")
	}
	env.HopLimit--
	n.msink.IncrCounter(MetricForwardCount, 1.0)

	var cancel context.CancelFunc
	if env.Deadline.IsZero() {
		ctx, cancel = n.bound(ctx)
	} else {
		ctx, cancel = context.WithDeadline(ctx, env.Deadline)
	}
	defer cancel()

	reply, _, err := n.dispatch(ctx, env, []mesh.NodeID{from}, false)
	if err != nil {
		code := wire.NackInternal
		switch {
		case errors.Is(err, ErrNoRouteToDestination):
			code = wire.NackNoRoute
		case errors.Is(err, ErrOperationCancelled):
			code = wire.NackExpired
		case link.Transient(err):
			code = wire.NackUnreachable
		}
		n.logger.Debug(
			"could not forward",
			mesh.LabelMessageID.L(env.ID),
			mesh.LabelSource.L(env.Source),
			mesh.LabelDestination.L(env.Destination),
			mesh.LabelError.L(err),
		)
		return n.nack(env, code, err.Error())
	}

	if reply.Type != wire.TypeAck {
		return reply
	}
	msg, err := wire.Decode(reply)
	if err != nil {
		return n.nack(env, wire.NackInternal, err.Error())
	}
	ack := msg.(*wire.Ack)
	return n.reply(env, &wire.Ack{
		Ref:  ack.Ref,
		Path: append([]mesh.NodeID{n.ID()}, ack.Path...),
	})
}

func (n *Node) deliver(ctx context.Context, env *wire.Envelope, data *wire.Data) *wire.Envelope {
	capab, err := n.sc.Authorize(env.Capability, env.Source, env.Resource, env.Operation)
	if err != nil {
		n.logger.Warn(
			"rejected message",
			mesh.LabelSource.L(env.Source),
			mesh.LabelResource.L(env.Resource),
			mesh.LabelOperation.L(env.Operation),
			mesh.LabelError.L(err),
		)
		return n.nack(env, wire.NackDenied, err.Error())
	}

	ep := n.lookupEndpoint(env.Resource)
	if ep == nil {
		return n.nack(env, wire.NackNoEndpoint, env.Resource)
	}

	var cancel context.CancelFunc
	if env.Deadline.IsZero() {
		ctx, cancel = n.bound(ctx)
	} else {
		ctx, cancel = context.WithDeadline(ctx, env.Deadline)
	}
	defer cancel()

	err = ep.push(ctx, &Delivery{
		ID:          env.ID,
		Source:      env.Source,
		Resource:    env.Resource,
		Operation:   env.Operation,
		ContentType: env.ContentType,
		Payload:     data.Body,
		ReceivedAt:  time.Now(),
		Capability:  capab,
	})
	switch {
	case errors.Is(err, ErrEndpointClosed):
		return n.nack(env, wire.NackNoEndpoint, env.Resource)
	case err != nil:
		return n.nack(env, wire.NackExpired, "endpoint backlog full")
	}

	n.msink.IncrCounter(MetricDeliveredCount, 1.0)
	return n.reply(env, &wire.Ack{Ref: env.ID, Path: []mesh.NodeID{n.ID()}})
}

// handleBatch processes the frames of a batch in order and answers them in
// a single batch.
func (n *Node) handleBatch(ctx context.Context, env *wire.Envelope, batch *wire.Batch, from mesh.NodeID) *wire.Envelope {
	if from != env.Source {
		return n.nack(env, wire.NackMalformed, "batch from a relay")
	}

	replies := make([][]byte, 0, len(batch.Envelopes))
	for _, frame := range batch.Envelopes {
		var reply *wire.Envelope
		inner, err := wire.Unmarshal(frame)
		switch {
		case err != nil:
			reply = n.nack(&wire.Envelope{Source: from}, wire.NackMalformed, err.Error())
		case inner.Type == wire.TypeBatch:
			reply = n.nack(inner, wire.NackMalformed, "nested batch")
		default:
			reply = n.handleEnvelope(ctx, inner, from)
		}
		replies = append(replies, reply.Marshal())
	}
	return n.reply(env, &wire.Batch{Envelopes: replies})
}

func (n *Node) reply(env *wire.Envelope, msg wire.Message) *wire.Envelope {
	out := wire.NewEnvelope(msg, n.ID(), env.Source)
	out.Sign(n.ident.Sign)
	return out
}

func (n *Node) nack(env *wire.Envelope, code wire.NackCode, reason string) *wire.Envelope {
	n.msink.IncrCounterWithLabels(MetricNackCount, 1.0, []metrics.Label{
		mesh.LabelReason.M(code.String()),
	})
	return n.reply(env, &wire.Nack{
		Ref:    env.ID,
		Code:   code,
		Reason: reason,
		At:     n.ID(),
	})
}
