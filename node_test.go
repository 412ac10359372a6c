package noodlenet

import (
	"context"
	"log/slog"
	"os"
	"slices"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/noodlenet/pkg/identity"
	"github.com/raskyld/noodlenet/pkg/mesh"
	"github.com/raskyld/noodlenet/pkg/security"
	"github.com/stretchr/testify/require"
)

func newTestNode(t *testing.T, name string, opts ...Option) *Node {
	t.Helper()

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}).WithAttrs([]slog.Attr{
		{Key: "emitter", Value: slog.StringValue(name)},
	})

	base := []Option{
		WithListenOn("127.0.0.1", -1),
		WithLog(handler),
		WithMetricSink(&metrics.BlackholeSink{}),
		WithHeartbeat(50*time.Millisecond, 3),
		WithGossip(50*time.Millisecond, 3),
		WithRouting(time.Second, 10*time.Millisecond, 0),
		WithRetry(1, 10*time.Millisecond),
		WithPeerTTL(time.Minute, time.Minute),
		WithGracePeriod(100*time.Millisecond),
		WithDialTimeout(500*time.Millisecond),
		WithRequestTimeout(5*time.Second),
		WithGrantPolicy(func(_ mesh.NodeID, _ string, ops []string) bool {
			return !slices.Contains(ops, "read")
		}),
	}

	n, err := Create(append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = n.Shutdown()
	})
	return n
}

func only(ids ...mesh.NodeID) func(mesh.NodeID) bool {
	return func(id mesh.NodeID) bool {
		return slices.Contains(ids, id)
	}
}

func healthy(n *Node, ids ...mesh.NodeID) func() bool {
	return func() bool {
		for _, id := range ids {
			if n.GetHealth(id) != mesh.Healthy {
				return false
			}
		}
		return true
	}
}

func TestNodeTriangle(t *testing.T) {
	a := newTestNode(t, "a")
	b := newTestNode(t, "b")
	c := newTestNode(t, "c")

	_, err := b.Join(a.Addr())
	require.NoError(t, err)
	_, err = c.Join(a.Addr())
	require.NoError(t, err)

	require.Eventually(t, healthy(a, b.ID(), c.ID()), 10*time.Second, 50*time.Millisecond)
	require.Eventually(t, healthy(b, a.ID(), c.ID()), 10*time.Second, 50*time.Millisecond)
	require.Eventually(t, healthy(c, a.ID(), b.ID()), 10*time.Second, 50*time.Millisecond)

	inbox, err := c.Listen("inbox")
	require.NoError(t, err)

	_, err = c.Listen("inbox")
	require.ErrorIs(t, err, ErrEndpointConflict)

	capab, err := a.RequestCapability(context.Background(), c.ID(), "inbox", []string{"write"}, time.Minute)
	require.NoError(t, err)
	require.Equal(t, c.ID(), capab.Issuer)

	require.NoError(t, a.AddStaticRoute(c.ID(), b.ID(), 1))

	t.Run("a message follows the static route through b", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		receipt, err := a.Send(ctx, c.ID(), []byte("hello"), capab, WithoutBatching())
		require.NoError(t, err)
		require.Equal(t, []mesh.NodeID{b.ID(), c.ID()}, receipt.Path)

		d, err := inbox.Accept(ctx)
		require.NoError(t, err)
		require.Equal(t, []byte("hello"), d.Payload)
		require.Equal(t, a.ID(), d.Source)
		require.Equal(t, receipt.MessageID, d.ID)
	})

	t.Run("batched messages are all delivered in order", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		for _, body := range []string{"one", "two", "three"} {
			_, err := a.Send(ctx, c.ID(), []byte(body), capab)
			require.NoError(t, err)
		}
		for _, body := range []string{"one", "two", "three"} {
			d, err := inbox.Accept(ctx)
			require.NoError(t, err)
			require.Equal(t, body, string(d.Payload))
		}
	})

	t.Run("an operation outside the capability never leaves the node", func(t *testing.T) {
		_, err := a.Send(context.Background(), c.ID(), []byte("nope"), capab, WithOperation("delete"))
		require.ErrorIs(t, err, ErrAuthorizationDenied)
	})

	t.Run("a refused grant is reported", func(t *testing.T) {
		_, err := a.RequestCapability(context.Background(), c.ID(), "inbox", []string{"read"}, time.Minute)
		require.ErrorIs(t, err, ErrGrantRefused)
	})

	t.Run("a resource without endpoint is nacked", func(t *testing.T) {
		other, err := a.RequestCapability(context.Background(), c.ID(), "outbox", []string{"write"}, time.Minute)
		require.NoError(t, err)
		_, err = a.Send(context.Background(), c.ID(), []byte("lost"), other)
		require.ErrorIs(t, err, ErrNoEndpoint)
	})

	t.Run("when b fails, messages fail over to the direct link", func(t *testing.T) {
		require.NoError(t, b.Shutdown())

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		receipt, err := a.Send(ctx, c.ID(), []byte("still there"), capab, WithoutBatching())
		require.NoError(t, err)
		require.Equal(t, []mesh.NodeID{c.ID()}, receipt.Path)

		d, err := inbox.Accept(ctx)
		require.NoError(t, err)
		require.Equal(t, "still there", string(d.Payload))

		require.Eventually(t, func() bool {
			return a.GetHealth(b.ID()) == mesh.Unreachable
		}, 10*a.DetectionBound(), 50*time.Millisecond)
	})

	t.Run("a revoked capability is refused", func(t *testing.T) {
		require.NoError(t, c.Revoke(capab))
		require.Eventually(t, func() bool {
			_, err := a.Send(context.Background(), c.ID(), []byte("revoked"), capab)
			return err != nil
		}, 5*time.Second, 50*time.Millisecond)
	})
}

func TestNodeNoRoute(t *testing.T) {
	idA, err := identity.Generate()
	require.NoError(t, err)
	idB, err := identity.Generate()
	require.NoError(t, err)
	idC, err := identity.Generate()
	require.NoError(t, err)

	// a and c only ever talk through b.
	a := newTestNode(t, "a", WithIdentity(idA), WithDirectPeers(only(idB.ID())))
	b := newTestNode(t, "b", WithIdentity(idB))
	c := newTestNode(t, "c", WithIdentity(idC), WithDirectPeers(only(idB.ID())))

	_, err = b.Join(a.Addr())
	require.NoError(t, err)
	_, err = c.Join(b.Addr())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		route, err := a.GetRoute(c.ID())
		return err == nil && route.NextHop == b.ID()
	}, 10*time.Second, 50*time.Millisecond)

	capab, err := c.IssueCapability(a.ID(), "inbox", []string{"write"}, time.Minute)
	require.NoError(t, err)
	inbox, err := c.Listen("inbox")
	require.NoError(t, err)

	receipt, err := a.Send(context.Background(), c.ID(), []byte("via b"), capab)
	require.NoError(t, err)
	require.Equal(t, []mesh.NodeID{b.ID(), c.ID()}, receipt.Path)
	_, err = inbox.Accept(context.Background())
	require.NoError(t, err)

	require.NoError(t, b.Shutdown())

	_, err = a.Send(context.Background(), c.ID(), []byte("lost"), capab)
	require.ErrorIs(t, err, ErrNoRouteToDestination)
}

func TestNodeNextHopCrash(t *testing.T) {
	idA, err := identity.Generate()
	require.NoError(t, err)
	idB, err := identity.Generate()
	require.NoError(t, err)
	idC, err := identity.Generate()
	require.NoError(t, err)
	idD, err := identity.Generate()
	require.NoError(t, err)

	// a and c are linked through either b or d, never directly.
	a := newTestNode(t, "a", WithIdentity(idA), WithDirectPeers(only(idB.ID(), idD.ID())))
	b := newTestNode(t, "b", WithIdentity(idB))
	c := newTestNode(t, "c", WithIdentity(idC), WithDirectPeers(only(idB.ID(), idD.ID())))
	d := newTestNode(t, "d", WithIdentity(idD))
	relays := map[mesh.NodeID]*Node{b.ID(): b, d.ID(): d}

	for _, n := range []*Node{a, c, d} {
		_, err := n.Join(b.Addr())
		require.NoError(t, err)
	}
	require.Eventually(t, healthy(a, b.ID(), d.ID()), 10*time.Second, 50*time.Millisecond)

	var first mesh.RouteEntry
	require.Eventually(t, func() bool {
		route, err := a.GetRoute(c.ID())
		first = route
		return err == nil && relays[route.NextHop] != nil
	}, 10*time.Second, 50*time.Millisecond)

	var other mesh.NodeID
	for id := range relays {
		if id != first.NextHop {
			other = id
		}
	}
	require.Eventually(t, healthy(c, b.ID(), d.ID()), 10*time.Second, 50*time.Millisecond)

	// The relay crashes: it stops answering without leaving the mesh.
	crashed := relays[first.NextHop]
	require.NoError(t, crashed.tr.Shutdown())
	crashedAt := time.Now()

	const jitter = 50 * time.Millisecond
	require.Eventually(t, func() bool {
		return a.GetHealth(crashed.ID()) == mesh.Unreachable
	}, a.DetectionBound()+jitter, 5*time.Millisecond)
	declared := time.Since(crashedAt)
	require.LessOrEqual(t, declared, a.DetectionBound()+jitter)

	require.Eventually(t, func() bool {
		route, err := a.GetRoute(c.ID())
		return err == nil && route.NextHop == other
	}, a.config.debounce+jitter, 5*time.Millisecond)

	capab, err := c.IssueCapability(a.ID(), "inbox", []string{"write"}, time.Minute)
	require.NoError(t, err)
	inbox, err := c.Listen("inbox")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	receipt, err := a.Send(ctx, c.ID(), []byte("around"), capab, WithoutBatching())
	require.NoError(t, err)
	require.Equal(t, []mesh.NodeID{other, c.ID()}, receipt.Path)
	got, err := inbox.Accept(ctx)
	require.NoError(t, err)
	require.Equal(t, "around", string(got.Payload))
}

func TestNodeDelegatedCapability(t *testing.T) {
	a := newTestNode(t, "a")
	c := newTestNode(t, "c")
	d := newTestNode(t, "d")

	_, err := c.Join(a.Addr())
	require.NoError(t, err)
	_, err = d.Join(a.Addr())
	require.NoError(t, err)
	require.Eventually(t, healthy(a, c.ID(), d.ID()), 10*time.Second, 50*time.Millisecond)
	require.Eventually(t, healthy(d, a.ID(), c.ID()), 10*time.Second, 50*time.Millisecond)

	inbox, err := c.Listen("inbox")
	require.NoError(t, err)

	parent, err := a.RequestCapability(context.Background(), c.ID(), "inbox", []string{security.OpDelegate, "write"}, time.Minute)
	require.NoError(t, err)
	require.Equal(t, c.ID(), parent.Issuer)

	child, err := a.IssueCapability(d.ID(), "inbox", []string{"write"}, time.Minute, security.WithParent(parent))
	require.NoError(t, err)
	require.Equal(t, a.ID(), child.Issuer)
	require.Equal(t, 1, child.Depth())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = d.Send(ctx, c.ID(), []byte("on behalf of a"), child)
	require.NoError(t, err)

	got, err := inbox.Accept(ctx)
	require.NoError(t, err)
	require.Equal(t, d.ID(), got.Source)
	require.Equal(t, a.ID(), got.Capability.Issuer)
	require.Equal(t, c.ID(), got.Capability.Parent.Issuer)

	t.Run("the delegated capability does not widen the operations", func(t *testing.T) {
		_, err := a.IssueCapability(d.ID(), "inbox", []string{"admin"}, time.Minute, security.WithParent(parent))
		require.ErrorIs(t, err, security.ErrDelegation)
	})
}

func TestNodeLocalDelivery(t *testing.T) {
	a := newTestNode(t, "a")

	inbox, err := a.Listen("self")
	require.NoError(t, err)
	capab, err := a.RequestCapability(context.Background(), a.ID(), "self", []string{"write"}, time.Minute)
	require.NoError(t, err)

	receipt, err := a.Send(context.Background(), a.ID(), []byte("loopback"), capab)
	require.NoError(t, err)
	require.Equal(t, []mesh.NodeID{a.ID()}, receipt.Path)

	d, err := inbox.Accept(context.Background())
	require.NoError(t, err)
	require.Equal(t, "loopback", string(d.Payload))

	require.NoError(t, inbox.Close())
	_, err = inbox.Accept(context.Background())
	require.ErrorIs(t, err, ErrEndpointClosed)

	_, err = a.Send(context.Background(), a.ID(), []byte("closed"), capab)
	require.ErrorIs(t, err, ErrNoEndpoint)

	// The resource is free again.
	_, err = a.Listen("self")
	require.NoError(t, err)
}

func TestNodeShutdown(t *testing.T) {
	a := newTestNode(t, "a")
	ep, err := a.Listen("inbox")
	require.NoError(t, err)

	require.NoError(t, a.Shutdown())
	require.NoError(t, a.Shutdown())

	_, err = ep.Accept(context.Background())
	require.ErrorIs(t, err, ErrEndpointClosed)

	_, err = a.Listen("other")
	require.ErrorIs(t, err, ErrNodeClosed)

	_, err = a.Join("127.0.0.1:1")
	require.ErrorIs(t, err, ErrNodeClosed)
}
