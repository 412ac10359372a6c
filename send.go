package noodlenet

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/raskyld/noodlenet/pkg/discovery"
	"github.com/raskyld/noodlenet/pkg/link"
	"github.com/raskyld/noodlenet/pkg/mesh"
	"github.com/raskyld/noodlenet/pkg/optimize"
	"github.com/raskyld/noodlenet/pkg/security"
	"github.com/raskyld/noodlenet/pkg/wire"
)

// DefaultOperation is the operation a Send performs on the resource when
// none is given.
const DefaultOperation = "write"

// Receipt describes a delivered message.
type Receipt struct {
	MessageID   uuid.UUID
	Destination mesh.NodeID

	// Path lists the nodes the message went through, destination last.
	Path []mesh.NodeID

	Latency  time.Duration
	Attempts int
}

type sendOptions struct {
	operation   string
	deadline    time.Time
	contentType wire.ContentType
	batch       bool
}

type SendOption func(*sendOptions)

// WithOperation sets the operation the capability must allow.
func WithOperation(op string) SendOption {
	return func(o *sendOptions) {
		o.operation = op
	}
}

// WithDeadline bounds delivery, including every relay on the way. It
// defaults to the context deadline.
func WithDeadline(deadline time.Time) SendOption {
	return func(o *sendOptions) {
		o.deadline = deadline
	}
}

// WithContentType tags the payload for the receiving endpoint.
func WithContentType(ct wire.ContentType) SendOption {
	return func(o *sendOptions) {
		o.contentType = ct
	}
}

// WithoutBatching sends the message on its own even when batching is on.
func WithoutBatching() SendOption {
	return func(o *sendOptions) {
		o.batch = false
	}
}

// Send delivers payload to the endpoint of dest listening on the resource
// capab was issued for. It returns once dest acknowledged the message.
//
// The capability is checked locally first so an unauthorised message never
// leaves the node. On a transport failure the next hop is suspected and the
// message fails over to the best route avoiding it.
func (n *Node) Send(
	ctx context.Context,
	dest mesh.NodeID,
	payload []byte,
	capab *security.Capability,
	opts ...SendOption,
) (receipt *Receipt, err error) {
	if n.closing() {
		return nil, ErrNodeClosed
	}
	if capab == nil {
		return nil, fmt.Errorf("%w: no capability", ErrAuthorizationDenied)
	}

	o := sendOptions{operation: DefaultOperation, batch: true}
	for _, opt := range opts {
		opt(&o)
	}

	if _, err := n.sc.AuthorizeAt(capab.Token, n.ID(), capab.Resource, o.operation, dest); err != nil {
		return nil, err
	}

	start := time.Now()
	n.inflight.Add(1)
	defer func() {
		n.inflight.Add(-1)
		n.msink.IncrCounter(MetricSendCount, 1.0)
		if err != nil {
			n.msink.IncrCounter(MetricSendErrorCount, 1.0)
			return
		}
		n.msink.AddSample(MetricSendLatency, mesh.Milliseconds(receipt.Latency))
		n.msink.AddSample(MetricSendAttempts, float32(receipt.Attempts))
	}()

	if !o.deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, o.deadline)
		defer cancel()
	}
	ctx, cancel := n.bound(ctx)
	defer cancel()
	deadline, _ := ctx.Deadline()

	env := wire.NewEnvelope(&wire.Data{Body: payload}, n.ID(), dest)
	env.Resource = capab.Resource
	env.Operation = o.operation
	env.Capability = capab.Token
	env.ContentType = o.contentType
	env.Deadline = deadline
	n.compressor.Compress(env)
	env.Sign(n.ident.Sign)

	var (
		reply    *wire.Envelope
		attempts = 1
	)
	if dest == n.ID() {
		reply = n.handleEnvelope(ctx, env, n.ID())
	} else {
		reply, attempts, err = n.dispatch(ctx, env, nil, o.batch)
		if err != nil {
			return nil, err
		}
	}

	msg, err := wire.Decode(reply)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnexpectedReply, err)
	}
	switch m := msg.(type) {
	case *wire.Ack:
		if m.Ref != env.ID {
			return nil, fmt.Errorf("%w: ack for another message", ErrUnexpectedReply)
		}
		return &Receipt{
			MessageID:   env.ID,
			Destination: dest,
			Path:        m.Path,
			Latency:     time.Since(start),
			Attempts:    attempts,
		}, nil
	case *wire.Nack:
		return nil, nackError(m)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedReply, reply.Type)
	}
}

// bound applies the request timeout to contexts without a deadline.
func (n *Node) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, n.config.requestTimeout)
}

// dispatch routes env towards its destination and returns the reply. Next
// hops failing with a transient error, or answering that they cannot go
// further, are avoided and the next best route is tried until none is left.
func (n *Node) dispatch(ctx context.Context, env *wire.Envelope, avoid []mesh.NodeID, batch bool) (*wire.Envelope, int, error) {
	frame := env.Marshal()
	attempts := 0
	for {
		hop, err := n.selectHop(env.Destination, avoid)
		if err != nil {
			return nil, attempts, err
		}

		raw, tries, err := n.transmit(ctx, hop, frame, env.Deadline, batch)
		attempts += tries
		if err == nil {
			reply, err := wire.Unmarshal(raw)
			if err != nil {
				return nil, attempts, fmt.Errorf("%w: %w", ErrUnexpectedReply, err)
			}
			if hop != env.Destination && n.relayGaveUp(reply) {
				n.logger.Debug(
					"relay could not go further",
					mesh.LabelMessageID.L(env.ID),
					mesh.LabelNextHop.L(hop),
					mesh.LabelDestination.L(env.Destination),
				)
				avoid = append(avoid, hop)
				continue
			}
			return reply, attempts, nil
		}

		if !link.Transient(err) {
			return nil, attempts, err
		}

		n.detector.Suspect(hop, err)
		n.msink.IncrCounter(MetricFailoverCount, 1.0)
		n.logger.Warn(
			"next hop failed, rerouting",
			mesh.LabelMessageID.L(env.ID),
			mesh.LabelNextHop.L(hop),
			mesh.LabelDestination.L(env.Destination),
			mesh.LabelError.L(err),
		)
		avoid = append(avoid, hop)
	}
}

func (n *Node) relayGaveUp(reply *wire.Envelope) bool {
	if reply.Type != wire.TypeNack {
		return false
	}
	msg, err := wire.Decode(reply)
	if err != nil {
		return false
	}
	code := msg.(*wire.Nack).Code
	return code == wire.NackUnreachable || code == wire.NackNoRoute
}

func (n *Node) selectHop(dest mesh.NodeID, avoid []mesh.NodeID) (mesh.NodeID, error) {
	if len(avoid) == 0 {
		hop, _, err := n.router.NextHop(dest)
		return hop, err
	}
	entry, err := n.router.RouteAvoiding(dest, avoid...)
	if err != nil {
		return "", err
	}
	return entry.NextHop, nil
}

func (n *Node) transmit(ctx context.Context, hop mesh.NodeID, frame []byte, deadline time.Time, batch bool) ([]byte, int, error) {
	if batch && n.batcher != nil {
		reply, err := n.batcher.Submit(ctx, hop, frame, deadline)
		return reply, 1, err
	}
	return n.send(ctx, hop, frame)
}

// send exchanges frame with hop under the retry policy.
func (n *Node) send(ctx context.Context, hop mesh.NodeID, frame []byte) ([]byte, int, error) {
	var (
		reply    []byte
		attempts int
	)
	err := link.Retry(ctx, n.config.retry, func(ctx context.Context) error {
		attempts++
		var err error
		reply, err = n.exchange(ctx, hop, frame)
		return err
	})
	return reply, attempts, err
}

// exchange writes frame on a pooled channel to hop and reads the reply.
// A channel that failed, or whose deadline was cut short by ctx, is not
// returned to the pool.
func (n *Node) exchange(ctx context.Context, hop mesh.NodeID, frame []byte) ([]byte, error) {
	lease, err := n.conns.Acquire(ctx, hop)
	if err != nil {
		return nil, err
	}
	sc := lease.Conn()

	deadline := time.Now().Add(n.config.requestTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = sc.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = sc.SetDeadline(time.Now())
	})

	var reply []byte
	err = sc.WriteMessage(frame)
	if err == nil {
		reply, err = sc.ReadMessage()
	}

	if !stop() || err != nil {
		lease.Discard()
	} else {
		_ = sc.SetDeadline(time.Time{})
		lease.Release()
	}
	if err != nil {
		return nil, link.Classify(ctx, err, false)
	}

	n.links.ObserveBytes(hop, len(frame), len(reply))
	return reply, nil
}

// meshAddr picks where to dial peer, QUIC first when both ends speak it.
func (n *Node) meshAddr(rec *mesh.PeerRecord) (string, bool) {
	if n.tr.QUICAddr() != "" {
		for _, addr := range rec.Addrs {
			if strings.HasPrefix(addr, link.QUICScheme) {
				return addr, true
			}
		}
	}
	return discovery.DatagramAddr(rec)
}

// dialPeer is the pool factory: it opens a mesh stream and authenticates
// the peer on it.
func (n *Node) dialPeer(ctx context.Context, peer mesh.NodeID) (*security.Conn, error) {
	rec, ok := n.table.Get(peer)
	if !ok {
		return nil, fmt.Errorf("%w: %s is unknown", ErrPeerUnreachable, peer.Short())
	}
	addr, ok := n.meshAddr(&rec)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no address", ErrPeerUnreachable, peer.Short())
	}

	conn, err := n.tr.DialMesh(ctx, addr)
	if err != nil {
		return nil, link.Classify(ctx, err, true)
	}

	sc, err := security.Client(ctx, conn, n.ident, n.dir, peer, n.config.maxMessageSize)
	if err != nil {
		_ = conn.Close()
		n.msink.IncrCounter(MetricHandshakeErrors, 1.0)
		if ctx.Err() != nil {
			return nil, mesh.Cancelled(ctx.Err())
		}
		return nil, fmt.Errorf("%w: %w", ErrPeerUnreachable, err)
	}
	return sc, nil
}

// flushBatch sends the frames queued for hop in one Batch envelope. The
// hop answers with one reply per frame, in order.
func (n *Node) flushBatch(ctx context.Context, hop mesh.NodeID, frames [][]byte) []optimize.Result {
	results := make([]optimize.Result, len(frames))
	if len(frames) == 1 {
		reply, _, err := n.send(ctx, hop, frames[0])
		results[0] = optimize.Result{Reply: reply, Err: err}
		return results
	}

	env := wire.NewEnvelope(&wire.Batch{Envelopes: frames}, n.ID(), hop)
	env.Sign(n.ident.Sign)

	var replies [][]byte
	raw, _, err := n.send(ctx, hop, env.Marshal())
	if err == nil {
		replies, err = batchReplies(raw, len(frames))
	}
	if err != nil {
		n.logger.Debug(
			"batch failed",
			mesh.LabelNextHop.L(hop),
			slog.Int("frames", len(frames)),
			mesh.LabelError.L(err),
		)
	}
	for i := range results {
		if err != nil {
			results[i].Err = err
			continue
		}
		results[i].Reply = replies[i]
	}
	return results
}

func batchReplies(raw []byte, want int) ([][]byte, error) {
	env, err := wire.Unmarshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnexpectedReply, err)
	}
	msg, err := wire.Decode(env)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnexpectedReply, err)
	}
	switch m := msg.(type) {
	case *wire.Batch:
		if len(m.Envelopes) != want {
			return nil, fmt.Errorf("%w: %d replies for %d frames", ErrUnexpectedReply, len(m.Envelopes), want)
		}
		return m.Envelopes, nil
	case *wire.Nack:
		return nil, nackError(m)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedReply, env.Type)
	}
}

// request sends a control message to dest and decodes the reply. Nacks
// are turned into errors.
func (n *Node) request(ctx context.Context, dest mesh.NodeID, msg wire.Message) (wire.Message, error) {
	ctx, cancel := n.bound(ctx)
	defer cancel()

	env := wire.NewEnvelope(msg, n.ID(), dest)
	env.Deadline, _ = ctx.Deadline()
	env.Sign(n.ident.Sign)

	reply, _, err := n.dispatch(ctx, env, nil, false)
	if err != nil {
		return nil, err
	}
	out, err := wire.Decode(reply)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnexpectedReply, err)
	}
	if nack, ok := out.(*wire.Nack); ok {
		return nil, nackError(nack)
	}
	return out, nil
}

// RequestCapability asks authority for a capability on resource. The
// authority decides according to its grant policy.
func (n *Node) RequestCapability(
	ctx context.Context,
	authority mesh.NodeID,
	resource string,
	ops []string,
	ttl time.Duration,
) (*security.Capability, error) {
	if n.closing() {
		return nil, ErrNodeClosed
	}
	if authority == n.ID() {
		return n.caps.Issue(n.ID(), resource, ops, ttl)
	}

	out, err := n.request(ctx, authority, &wire.CapabilityRequest{
		Resource:   resource,
		Operations: ops,
		TTL:        ttl,
	})
	if err != nil {
		return nil, err
	}
	grant, ok := out.(*wire.CapabilityGrant)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedReply, out.Type())
	}
	if grant.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrGrantRefused, grant.Error)
	}

	capab, err := n.sc.InspectAt(grant.Token, authority)
	if err != nil {
		return nil, err
	}
	if capab.Subject != n.ID() {
		return nil, fmt.Errorf("%w: granted to %s", ErrUnexpectedReply, capab.Subject.Short())
	}
	return capab, nil
}

// IssueCapability mints a capability signed by this node. With
// security.WithParent it delegates a capability the node holds, which must
// allow security.OpDelegate on resource.
func (n *Node) IssueCapability(
	subject mesh.NodeID,
	resource string,
	ops []string,
	ttl time.Duration,
	opts ...security.IssueOption,
) (*security.Capability, error) {
	if n.closing() {
		return nil, ErrNodeClosed
	}
	return n.caps.Issue(subject, resource, ops, ttl, opts...)
}

// Revoke withdraws a capability this node issued and tells the mesh.
func (n *Node) Revoke(capab *security.Capability) error {
	if n.closing() {
		return ErrNodeClosed
	}
	_, err := n.caps.Revoke(capab)
	return err
}

func (n *Node) sendReplica(ctx context.Context, peer mesh.NodeID, r *wire.Replica) error {
	out, err := n.request(ctx, peer, r)
	if err != nil {
		return err
	}
	ack, ok := out.(*wire.ReplicaAck)
	if !ok || ack.Key != r.Key || ack.Version < r.Version {
		return fmt.Errorf("%w: replica of %s not acknowledged", ErrUnexpectedReply, r.Key)
	}
	return nil
}
