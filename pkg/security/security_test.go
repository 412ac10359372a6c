package security

import (
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/raskyld/noodlenet/pkg/identity"
	"github.com/raskyld/noodlenet/pkg/mesh"
	"github.com/raskyld/noodlenet/pkg/wire"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
	lk  sync.Mutex
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.lk.Lock()
	defer c.lk.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.lk.Lock()
	defer c.lk.Unlock()
	c.now = c.now.Add(d)
}

type node struct {
	ident *identity.Identity
	dir   *identity.Directory
	mgr   *CapabilityManager
	ctx   *Context
	audit *AuditLog
}

func newNode(t *testing.T, clock *fakeClock, opts ...Option) *node {
	t.Helper()
	ident, err := identity.Generate()
	require.NoError(t, err)
	dir := identity.NewDirectory(ident)
	audit := NewAuditLog(AuditConfig{Keep: 64, Signer: ident.PrivateKey(), Node: ident.ID()})
	audit.now = clock.Now

	opts = append([]Option{WithClock(clock.Now), WithAuditLog(audit)}, opts...)
	mgr, ctx, err := New(ident, dir, opts...)
	require.NoError(t, err)
	return &node{ident: ident, dir: dir, mgr: mgr, ctx: ctx, audit: audit}
}

func introduce(t *testing.T, nodes ...*node) {
	t.Helper()
	for _, a := range nodes {
		for _, b := range nodes {
			require.NoError(t, a.dir.Learn(b.ident.ID(), b.ident.PublicKey()))
		}
	}
}

func TestCapabilityScenario(t *testing.T) {
	clock := newFakeClock()
	a := newNode(t, clock)
	c := newNode(t, clock)
	introduce(t, a, c)

	capab, err := c.mgr.Issue(a.ident.ID(), "queue:X", []string{"write"}, 60*time.Second)
	require.NoError(t, err)
	require.Equal(t, uint64(1), c.mgr.Issued())

	t.Run("write is allowed", func(t *testing.T) {
		_, err := c.ctx.Authorize(capab.Token, a.ident.ID(), "queue:X", "write")
		require.NoError(t, err)
	})

	t.Run("read is denied", func(t *testing.T) {
		_, err := c.ctx.Authorize(capab.Token, a.ident.ID(), "queue:X", "read")
		require.ErrorIs(t, err, ErrAuthorizationDenied)
		require.ErrorIs(t, err, ErrOperationForbidden)
	})

	t.Run("another resource is denied", func(t *testing.T) {
		_, err := c.ctx.Authorize(capab.Token, a.ident.ID(), "queue:Y", "write")
		require.ErrorIs(t, err, ErrResourceMismatch)
	})

	t.Run("another subject is denied", func(t *testing.T) {
		_, err := c.ctx.Authorize(capab.Token, c.ident.ID(), "queue:X", "write")
		require.ErrorIs(t, err, ErrSubjectMismatch)
	})

	t.Run("write is denied after expiry", func(t *testing.T) {
		clock.Advance(61 * time.Second)
		_, err := c.ctx.Authorize(capab.Token, a.ident.ID(), "queue:X", "write")
		require.ErrorIs(t, err, ErrAuthorizationDenied)
		require.ErrorIs(t, err, ErrExpired)
	})

	records := c.audit.Recent(0)
	require.NotEmpty(t, records)
	require.Equal(t, DecisionIssue, records[0].Decision)
	require.Equal(t, DecisionAllow, records[1].Decision)
	require.Equal(t, DecisionDeny, records[len(records)-1].Decision)
	require.NoError(t, VerifyRecords(records, c.ident.PublicKey()))
}

func TestUntrustedIssuer(t *testing.T) {
	clock := newFakeClock()
	a := newNode(t, clock)
	b := newNode(t, clock)
	c := newNode(t, clock)
	introduce(t, a, b, c)

	// b is known to c but is not one of its root authorities.
	capab, err := b.mgr.Issue(a.ident.ID(), "queue:X", []string{"write"}, time.Minute)
	require.NoError(t, err)

	_, err = c.ctx.Authorize(capab.Token, a.ident.ID(), "queue:X", "write")
	require.ErrorIs(t, err, ErrUntrustedIssuer)

	stranger := newNode(t, clock)
	capab, err = stranger.mgr.Issue(a.ident.ID(), "queue:X", []string{"write"}, time.Minute)
	require.NoError(t, err)
	_, err = c.ctx.Authorize(capab.Token, a.ident.ID(), "queue:X", "write")
	require.ErrorIs(t, err, ErrUnknownIssuer)
}

func TestAuthorizeAtDestination(t *testing.T) {
	clock := newFakeClock()
	a := newNode(t, clock)
	c := newNode(t, clock)
	introduce(t, a, c)

	// c hosts queue:X and granted a write to a.
	capab, err := c.mgr.Issue(a.ident.ID(), "queue:X", []string{"write"}, time.Minute)
	require.NoError(t, err)

	_, err = a.ctx.Authorize(capab.Token, a.ident.ID(), "queue:X", "write")
	require.ErrorIs(t, err, ErrUntrustedIssuer)

	got, err := a.ctx.AuthorizeAt(capab.Token, a.ident.ID(), "queue:X", "write", c.ident.ID())
	require.NoError(t, err)
	require.Equal(t, capab.ID, got.ID)

	_, err = a.ctx.AuthorizeAt(capab.Token, a.ident.ID(), "queue:X", "read", c.ident.ID())
	require.ErrorIs(t, err, ErrAuthorizationDenied)
}

func TestTamperedToken(t *testing.T) {
	clock := newFakeClock()
	a := newNode(t, clock)
	c := newNode(t, clock)
	introduce(t, a, c)

	capab, err := c.mgr.Issue(a.ident.ID(), "queue:X", []string{"write"}, time.Minute)
	require.NoError(t, err)

	tampered := []byte(capab.Token)
	last := len(tampered) - 2
	if tampered[last] == 'A' {
		tampered[last] = 'B'
	} else {
		tampered[last] = 'A'
	}
	require.False(t, c.ctx.Allowed(string(tampered), a.ident.ID(), "queue:X", "write"))
	require.False(t, c.ctx.Allowed("", a.ident.ID(), "queue:X", "write"))
}

func TestDelegation(t *testing.T) {
	clock := newFakeClock()
	a := newNode(t, clock)
	c := newNode(t, clock)
	b := newNode(t, clock, WithTrustedIssuers(c.ident.ID()))
	introduce(t, a, b, c)

	parent, err := c.mgr.Issue(b.ident.ID(), "queue:X", []string{OpDelegate, "read", "write"}, time.Minute)
	require.NoError(t, err)

	child, err := b.mgr.Issue(a.ident.ID(), "queue:X", []string{"write"}, time.Hour, WithParent(parent))
	require.NoError(t, err)
	require.True(t, parent.Expiry.Equal(child.Expiry), "child expiry is clamped to the parent's")
	require.Equal(t, 1, child.Depth())

	got, err := c.ctx.Authorize(child.Token, a.ident.ID(), "queue:X", "write")
	require.NoError(t, err)
	require.Equal(t, b.ident.ID(), got.Issuer)
	require.Equal(t, parent.ID, got.Parent.ID)

	t.Run("operations beyond the parent are refused", func(t *testing.T) {
		_, err := b.mgr.Issue(a.ident.ID(), "queue:X", []string{"admin"}, time.Minute, WithParent(parent))
		require.ErrorIs(t, err, ErrDelegation)
	})

	t.Run("parent without delegate is refused", func(t *testing.T) {
		plain, err := c.mgr.Issue(b.ident.ID(), "queue:X", []string{"write"}, time.Minute)
		require.NoError(t, err)
		_, err = b.mgr.Issue(a.ident.ID(), "queue:X", []string{"write"}, time.Minute, WithParent(plain))
		require.ErrorIs(t, err, ErrDelegation)
	})

	t.Run("revoking the parent invalidates the child", func(t *testing.T) {
		rev, err := c.mgr.Revoke(parent)
		require.NoError(t, err)
		_, err = c.ctx.Authorize(child.Token, a.ident.ID(), "queue:X", "write")
		require.ErrorIs(t, err, ErrDelegation)
		require.ErrorIs(t, err, ErrRevoked)

		// b learns about it through the broadcast revocation.
		require.NoError(t, b.mgr.ApplyRevocation(rev))
		_, err = b.mgr.Issue(a.ident.ID(), "queue:X", []string{"write"}, time.Minute, WithParent(parent))
		require.ErrorIs(t, err, ErrRevoked)
	})
}

func TestDelegationFromResourceHost(t *testing.T) {
	clock := newFakeClock()
	a := newNode(t, clock)
	c := newNode(t, clock)
	d := newNode(t, clock)
	introduce(t, a, c, d)

	// a does not trust c as an issuer, c hosts the resource.
	parent, err := c.mgr.Issue(a.ident.ID(), "queue:X", []string{OpDelegate, "write"}, time.Minute)
	require.NoError(t, err)
	child, err := a.mgr.Issue(d.ident.ID(), "queue:X", []string{"write"}, time.Minute, WithParent(parent))
	require.NoError(t, err)

	_, err = c.ctx.Authorize(child.Token, d.ident.ID(), "queue:X", "write")
	require.NoError(t, err)

	t.Run("the host still checks its own trust", func(t *testing.T) {
		_, err := d.ctx.Authorize(child.Token, d.ident.ID(), "queue:X", "write")
		require.ErrorIs(t, err, ErrUntrustedIssuer)
	})

	t.Run("a forged parent is refused", func(t *testing.T) {
		forged := *parent
		forged.Token = parent.Token[:len(parent.Token)-4] + "AAAA"
		_, err := a.mgr.Issue(d.ident.ID(), "queue:X", []string{"write"}, time.Minute, WithParent(&forged))
		require.ErrorIs(t, err, ErrDelegation)
	})
}

func TestCapabilityMillisecondExpiry(t *testing.T) {
	clock := newFakeClock()
	clock.Advance(250 * time.Millisecond)
	a := newNode(t, clock)
	c := newNode(t, clock)
	introduce(t, a, c)

	capab, err := c.mgr.Issue(a.ident.ID(), "queue:X", []string{"write"}, 1500*time.Millisecond)
	require.NoError(t, err)
	require.True(t, capab.Expiry.Equal(clock.Now().Add(1500*time.Millisecond)), "expiry %s", capab.Expiry)

	got, err := c.ctx.Authorize(capab.Token, a.ident.ID(), "queue:X", "write")
	require.NoError(t, err)
	require.True(t, got.Expiry.Equal(capab.Expiry))

	clock.Advance(1499 * time.Millisecond)
	require.True(t, c.ctx.Allowed(capab.Token, a.ident.ID(), "queue:X", "write"))
	clock.Advance(time.Millisecond)
	require.False(t, c.ctx.Allowed(capab.Token, a.ident.ID(), "queue:X", "write"))
}

func TestDelegationDepth(t *testing.T) {
	clock := newFakeClock()
	root := newNode(t, clock, WithMaxDelegationDepth(1))
	mid := newNode(t, clock, WithTrustedIssuers(root.ident.ID()))
	leaf := newNode(t, clock, WithTrustedIssuers(root.ident.ID()))
	user := newNode(t, clock)
	introduce(t, root, mid, leaf, user)

	ops := []string{OpDelegate, "write"}
	c1, err := root.mgr.Issue(mid.ident.ID(), "r", ops, time.Minute)
	require.NoError(t, err)
	c2, err := mid.mgr.Issue(leaf.ident.ID(), "r", ops, time.Minute, WithParent(c1))
	require.NoError(t, err)
	c3, err := leaf.mgr.Issue(user.ident.ID(), "r", []string{"write"}, time.Minute, WithParent(c2))
	require.NoError(t, err)

	require.True(t, root.ctx.Allowed(c2.Token, leaf.ident.ID(), "r", "write"))
	_, err = root.ctx.Authorize(c3.Token, user.ident.ID(), "r", "write")
	require.ErrorIs(t, err, ErrDelegationDepth)
}

func TestRevocation(t *testing.T) {
	clock := newFakeClock()
	a := newNode(t, clock)
	var broadcast []*wire.Revocation
	c := newNode(t, clock, WithRevocationHook(func(rev *wire.Revocation) {
		broadcast = append(broadcast, rev)
	}))
	introduce(t, a, c)

	capab, err := c.mgr.Issue(a.ident.ID(), "queue:X", []string{"write"}, time.Minute)
	require.NoError(t, err)

	_, err = a.mgr.Revoke(capab)
	require.ErrorIs(t, err, ErrNotIssuer)

	_, err = c.mgr.Revoke(capab)
	require.NoError(t, err)
	require.Len(t, broadcast, 1)
	require.False(t, c.ctx.Allowed(capab.Token, a.ident.ID(), "queue:X", "write"))

	forged := *broadcast[0]
	forged.CapabilityID = "something-else"
	require.ErrorIs(t, a.mgr.ApplyRevocation(&forged), ErrBadSignature)

	clock.Advance(2 * time.Minute)
	require.Equal(t, 1, c.mgr.Prune())
}

func TestGrantPolicy(t *testing.T) {
	clock := newFakeClock()
	a := newNode(t, clock)
	c := newNode(t, clock, WithGrantPolicy(func(subject mesh.NodeID, resource string, ops []string) bool {
		return resource == "queue:X" && len(ops) == 1 && ops[0] == "read"
	}))
	introduce(t, a, c)

	_, err := c.mgr.Grant(a.ident.ID(), &wire.CapabilityRequest{Resource: "queue:X", Operations: []string{"write"}, TTL: time.Minute})
	require.ErrorIs(t, err, ErrGrantRefused)

	capab, err := c.mgr.Grant(a.ident.ID(), &wire.CapabilityRequest{Resource: "queue:X", Operations: []string{"read"}, TTL: time.Minute})
	require.NoError(t, err)
	require.True(t, c.ctx.Allowed(capab.Token, a.ident.ID(), "queue:X", "read"))

	// The default policy denies everything.
	_, err = a.mgr.Grant(c.ident.ID(), &wire.CapabilityRequest{Resource: "queue:X", Operations: []string{"read"}, TTL: time.Minute})
	require.ErrorIs(t, err, ErrGrantRefused)
}

func TestExpiredCapabilityAlwaysRejected(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	clock := newFakeClock()
	a := newNode(t, clock)
	c := newNode(t, clock)
	introduce(t, a, c)

	properties.Property("a capability past its expiry never authorizes", prop.ForAll(
		func(ttlSeconds, extraSeconds int) bool {
			capab, err := c.mgr.Issue(a.ident.ID(), "queue:X", []string{"write"}, time.Duration(ttlSeconds)*time.Second)
			if err != nil {
				return false
			}
			if !c.ctx.Allowed(capab.Token, a.ident.ID(), "queue:X", "write") {
				return false
			}
			clock.Advance(time.Duration(ttlSeconds+extraSeconds) * time.Second)
			return !c.ctx.Allowed(capab.Token, a.ident.ID(), "queue:X", "write")
		},
		gen.IntRange(1, 3600),
		gen.IntRange(0, 3600),
	))

	properties.TestingRun(t)
}
