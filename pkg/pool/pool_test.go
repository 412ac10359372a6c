package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/raskyld/noodlenet/pkg/mesh"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id     int
	closed atomic.Bool
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

type factory struct {
	dialed atomic.Int64
	fail   atomic.Bool
}

func (f *factory) dial(ctx context.Context, _ mesh.NodeID) (*fakeConn, error) {
	if f.fail.Load() {
		return nil, errors.New("dial failed")
	}
	return &fakeConn{id: int(f.dialed.Add(1))}, nil
}

type clock struct {
	now time.Time
	lk  sync.Mutex
}

func (c *clock) Now() time.Time {
	c.lk.Lock()
	defer c.lk.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.lk.Lock()
	defer c.lk.Unlock()
	c.now = c.now.Add(d)
}

const peerB mesh.NodeID = "b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0"

func newTestPool(t *testing.T, opts ...Option) (*Pool[*fakeConn], *factory) {
	t.Helper()
	f := &factory{}
	opts = append([]Option{WithReapInterval(-1)}, opts...)
	p, err := New(f.dial, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p, f
}

func TestAcquireReuse(t *testing.T) {
	p, f := newTestPool(t)
	ctx := context.Background()

	lease, err := p.Acquire(ctx, peerB)
	require.NoError(t, err)
	require.False(t, lease.Reused())
	require.Equal(t, StateInUse, lease.State())
	first := lease.Conn()
	lease.Release()
	require.Equal(t, StateIdle, lease.State())

	lease, err = p.Acquire(ctx, peerB)
	require.NoError(t, err)
	require.True(t, lease.Reused())
	require.Same(t, first, lease.Conn())
	lease.Release()

	// A second release is a no-op.
	lease.Release()
	require.Equal(t, 1, p.Idle(peerB))
	require.Equal(t, int64(1), f.dialed.Load())
}

func TestAcquireReleaseKeepsSize(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	parameters.Rng.Seed(time.Now().UnixNano())
	properties := gopter.NewProperties(parameters)

	p, _ := newTestPool(t, WithMaxPerPeer(8))
	ctx := context.Background()

	// Warm the pool so every later acquire is served from the idle list.
	warm := make([]*Lease[*fakeConn], 0, 8)
	for i := 0; i < 8; i++ {
		lease, err := p.Acquire(ctx, peerB)
		require.NoError(t, err)
		warm = append(warm, lease)
	}
	for _, lease := range warm {
		lease.Release()
	}

	properties.Property("acquire then release leaves the pool size unchanged", prop.ForAll(
		func(n int) bool {
			before := p.Size(peerB)
			leases := make([]*Lease[*fakeConn], 0, n)
			for i := 0; i < n; i++ {
				lease, err := p.Acquire(ctx, peerB)
				if err != nil {
					return false
				}
				leases = append(leases, lease)
			}
			for _, lease := range leases {
				lease.Release()
			}
			return p.Size(peerB) == before && p.Idle(peerB) == before
		},
		gen.IntRange(1, 8),
	))

	properties.TestingRun(t)
}

func TestPoolExhausted(t *testing.T) {
	p, _ := newTestPool(t, WithMaxPerPeer(2), WithAcquireTimeout(50*time.Millisecond))
	ctx := context.Background()

	l1, err := p.Acquire(ctx, peerB)
	require.NoError(t, err)
	l2, err := p.Acquire(ctx, peerB)
	require.NoError(t, err)

	start := time.Now()
	_, err = p.Acquire(ctx, peerB)
	require.ErrorIs(t, err, ErrPoolExhausted)
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	// Another peer has its own budget.
	other, err := p.Acquire(ctx, "c0c0c0c0")
	require.NoError(t, err)
	other.Release()

	l1.Release()
	l3, err := p.Acquire(ctx, peerB)
	require.NoError(t, err)
	l3.Release()
	l2.Release()
}

func TestAcquireCancelled(t *testing.T) {
	p, _ := newTestPool(t, WithMaxPerPeer(1), WithAcquireTimeout(time.Minute))
	held, err := p.Acquire(context.Background(), peerB)
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err = p.Acquire(ctx, peerB)
	require.ErrorIs(t, err, mesh.ErrOperationCancelled)
	require.Equal(t, 1, p.Size(peerB), "no slot leaked by the cancelled acquire")
}

func TestWithDiscardsOnError(t *testing.T) {
	p, f := newTestPool(t)
	ctx := context.Background()

	var used *fakeConn
	boom := errors.New("boom")
	err := p.With(ctx, peerB, func(c *fakeConn) error {
		used = c
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.True(t, used.closed.Load())
	require.Equal(t, 0, p.Size(peerB))
	require.Equal(t, 0, p.Idle(peerB))

	require.NoError(t, p.With(ctx, peerB, func(*fakeConn) error { return nil }))
	require.Equal(t, 1, p.Idle(peerB))

	f.fail.Store(true)
	p.Evict(peerB)
	err = p.With(ctx, peerB, func(*fakeConn) error { return nil })
	require.Error(t, err)
	require.Equal(t, 0, p.Size(peerB), "failed dial releases its slot")
}

func TestReapIdle(t *testing.T) {
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	p, _ := newTestPool(t, WithClock(clk.Now), WithMaxIdleTime(time.Minute))
	ctx := context.Background()

	lease, err := p.Acquire(ctx, peerB)
	require.NoError(t, err)
	conn := lease.Conn()
	lease.Release()

	clk.Advance(30 * time.Second)
	require.Equal(t, 0, p.Reap())

	clk.Advance(31 * time.Second)
	require.Equal(t, 1, p.Reap())
	require.True(t, conn.closed.Load())
	require.Equal(t, 0, p.Size(peerB))
}

func TestClose(t *testing.T) {
	p, _ := newTestPool(t)
	ctx := context.Background()

	idle, err := p.Acquire(ctx, peerB)
	require.NoError(t, err)
	idleConn := idle.Conn()
	idle.Release()

	busy, err := p.Acquire(ctx, "c0c0c0c0")
	require.NoError(t, err)

	require.NoError(t, p.Close())
	require.True(t, idleConn.closed.Load())

	busy.Release()
	require.True(t, busy.Conn().closed.Load(), "released after close means closed")

	_, err = p.Acquire(ctx, peerB)
	require.ErrorIs(t, err, ErrPoolClosed)
}
