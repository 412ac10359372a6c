package discovery

import (
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/noodlenet/pkg/identity"
	"github.com/raskyld/noodlenet/pkg/link"
	"github.com/raskyld/noodlenet/pkg/mesh"
	"github.com/raskyld/noodlenet/pkg/wire"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
	lk  sync.Mutex
}

func newClock() *fakeClock {
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

type peer struct {
	ident     *identity.Identity
	announcer *Announcer
	state     LocalState
}

func newPeer(t *testing.T, clock *fakeClock, addrs ...string) *peer {
	t.Helper()
	ident, err := identity.Generate()
	require.NoError(t, err)
	p := &peer{ident: ident, state: LocalState{Addrs: addrs, Capacity: 10}}
	p.announcer = NewAnnouncer(ident, func() LocalState { return p.state })
	if clock != nil {
		p.announcer.now = clock.Now
	}
	return p
}

func newTable(t *testing.T, clock *fakeClock, self mesh.NodeID) (*PeerTable, *[]Transition) {
	t.Helper()
	table, err := NewPeerTable(self,
		WithPeerTTL(15*time.Second),
		WithGracePeriod(15*time.Second),
		WithTableClock(clock.Now),
	)
	require.NoError(t, err)

	var events []Transition
	var lk sync.Mutex
	table.OnTransition(func(ev Transition) {
		lk.Lock()
		defer lk.Unlock()
		events = append(events, ev)
	})
	return table, &events
}

func TestMergeHighestTimestampWins(t *testing.T) {
	clock := newClock()
	b := newPeer(t, clock, "10.0.0.2:4040")
	table, events := newTable(t, clock, "self")

	older := b.announcer.Announce(true)
	b.state.Load = 4
	b.state.Links = map[mesh.NodeID]float64{"c": 3}
	clock.Advance(time.Second)
	newer := b.announcer.Announce(true)

	require.NoError(t, table.Merge(newer))
	require.ErrorIs(t, table.Merge(older), ErrStaleAnnounce)
	require.ErrorIs(t, table.Merge(newer), ErrStaleAnnounce)

	rec, ok := table.Get(b.ident.ID())
	require.True(t, ok)
	require.Equal(t, mesh.Healthy, rec.Health)
	require.Equal(t, 4.0, rec.Load)
	require.Equal(t, 3.0, rec.Links["c"])
	require.Len(t, *events, 1)
	require.Equal(t, mesh.HealthUnknown, (*events)[0].From)

	// A compact announce keeps the links of the full one.
	clock.Advance(time.Second)
	require.NoError(t, table.Merge(b.announcer.Announce(false)))
	rec, _ = table.Get(b.ident.ID())
	require.Equal(t, 3.0, rec.Links["c"])

	// Our own announces are never merged.
	self, _ := NewPeerTable(b.ident.ID())
	require.NoError(t, self.Merge(newer))
	require.Zero(t, self.Len())
}

func TestSweepTTLThenGrace(t *testing.T) {
	clock := newClock()
	b := newPeer(t, clock, "10.0.0.2:4040")
	table, events := newTable(t, clock, "self")
	require.NoError(t, table.Merge(b.announcer.Announce(false)))

	clock.Advance(10 * time.Second)
	require.Empty(t, table.Sweep())

	table.Touch(b.ident.ID(), 2)
	clock.Advance(14 * time.Second)
	require.Empty(t, table.Sweep(), "touch refreshed the peer")

	clock.Advance(2 * time.Second)
	swept := table.Sweep()
	require.Len(t, swept, 1)
	require.Equal(t, mesh.Unreachable, swept[0].To)
	require.Equal(t, mesh.Unreachable, table.Health(b.ident.ID()))
	require.Empty(t, table.Announces(), "unreachable peers are not gossiped")

	clock.Advance(16 * time.Second)
	swept = table.Sweep()
	require.Len(t, swept, 1)
	require.Equal(t, mesh.HealthUnknown, swept[0].To)
	_, ok := table.Get(b.ident.ID())
	require.False(t, ok)
	require.Len(t, *events, 3)
}

func TestReviveOnlyWithLaterAnnounce(t *testing.T) {
	clock := newClock()
	b := newPeer(t, clock, "10.0.0.2:4040")
	table, _ := newTable(t, clock, "self")

	require.NoError(t, table.Merge(b.announcer.Announce(false)))
	clock.Advance(time.Second)
	relayed := b.announcer.Announce(false)

	clock.Advance(time.Second)
	table.SetHealth(b.ident.ID(), mesh.Unreachable)

	// Stamped before the peer became unreachable: merged, not revived.
	require.NoError(t, table.Merge(relayed))
	require.Equal(t, mesh.Unreachable, table.Health(b.ident.ID()))

	clock.Advance(time.Second)
	require.NoError(t, table.Merge(b.announcer.Announce(false)))
	require.Equal(t, mesh.Healthy, table.Health(b.ident.ID()))
}

func TestRestore(t *testing.T) {
	clock := newClock()
	table, _ := newTable(t, clock, "self")
	n := table.Restore([]mesh.PeerRecord{
		{ID: "b", Addrs: []string{"10.0.0.2:4040"}, Health: mesh.Degraded, Timestamp: clock.Now()},
		{ID: "c", Health: mesh.Unreachable},
		{ID: "self"},
	})
	require.Equal(t, 1, n)
	require.Equal(t, mesh.Healthy, table.Health("b"))

	clock.Advance(16 * time.Second)
	require.Len(t, table.Sweep(), 1)
}

func TestVerifyAnnounce(t *testing.T) {
	clock := newClock()
	b := newPeer(t, clock, "10.0.0.2:4040")
	dir := identity.NewDirectory(nil)

	ann := b.announcer.Announce(true)
	require.NoError(t, VerifyAnnounce(ann, dir, clock.Now(), time.Minute))
	_, known := dir.PublicKey(b.ident.ID())
	require.True(t, known)

	tampered := *ann
	tampered.Capacity = 1000
	require.ErrorIs(t, VerifyAnnounce(&tampered, dir, clock.Now(), time.Minute), ErrBadAnnounce)

	other := newPeer(t, clock)
	impostor := *ann
	impostor.PublicKey = other.ident.PublicKey()
	require.ErrorIs(t, VerifyAnnounce(&impostor, dir, clock.Now(), time.Minute), identity.ErrIDMismatch)

	clock.Advance(-2 * time.Minute)
	require.ErrorIs(t, VerifyAnnounce(ann, dir, clock.Now(), time.Minute), ErrFutureAnnounce)
}

func TestAnnouncerMonotonic(t *testing.T) {
	clock := newClock()
	b := newPeer(t, clock)
	first := b.announcer.Announce(false)
	second := b.announcer.Announce(false)
	require.True(t, second.Timestamp.After(first.Timestamp))
}

func TestIngesterDedupe(t *testing.T) {
	clock := newClock()
	b := newPeer(t, clock, "10.0.0.2:4040")
	table, _ := newTable(t, clock, "self")
	sink := metrics.NewInmemSink(time.Minute, time.Minute)
	in := NewIngester(table, identity.NewDirectory(nil), nil, sink)

	ann := b.announcer.Announce(true)
	fresh, err := in.Ingest(ann, SourceGossip)
	require.NoError(t, err)
	require.True(t, fresh)

	fresh, err = in.Ingest(ann, SourceMulticast)
	require.NoError(t, err)
	require.False(t, fresh)

	forged := *b.announcer.Announce(true)
	forged.Signature = []byte("nope")
	_, err = in.Ingest(&forged, SourceGossip)
	require.ErrorIs(t, err, ErrBadAnnounce)

	gossip := wire.NewEnvelope(&wire.Gossip{Announces: []*wire.Announce{b.announcer.Announce(false)}}, b.ident.ID(), "self")
	decoded, err := wire.Unmarshal(gossip.Marshal())
	require.NoError(t, err)
	require.Equal(t, 1, in.IngestEnvelope(decoded, SourceGossip))
}

func TestGossipConverges(t *testing.T) {
	clock := newClock()
	nodes := []*peer{
		newPeer(t, clock, "a:1"),
		newPeer(t, clock, "b:1"),
		newPeer(t, clock, "c:1"),
	}

	type member struct {
		table    *PeerTable
		gossiper *Gossiper
	}
	byAddr := make(map[string]*member)
	members := make([]*member, len(nodes))
	var send SendFunc = func(addr string, b []byte) error {
		env, err := wire.Unmarshal(b)
		if err != nil {
			return err
		}
		byAddr[addr].gossiper.Handle(env)
		return nil
	}
	for i, n := range nodes {
		table, _ := newTable(t, clock, n.ident.ID())
		in := NewIngester(table, identity.NewDirectory(n.ident), nil, nil)
		members[i] = &member{
			table:    table,
			gossiper: NewGossiper(GossipConfig{Fanout: 2}, table, in, n.announcer, send),
		}
		byAddr[n.state.Addrs[0]] = members[i]
	}

	// A only knows B, B only knows C.
	_, err := members[0].gossiper.ingester.Ingest(nodes[1].announcer.Announce(true), SourceMulticast)
	require.NoError(t, err)
	_, err = members[1].gossiper.ingester.Ingest(nodes[2].announcer.Announce(true), SourceMulticast)
	require.NoError(t, err)

	for round := 0; round < 3; round++ {
		clock.Advance(time.Second)
		for _, m := range members {
			m.gossiper.Round()
		}
	}

	for i, m := range members {
		require.Equal(t, 2, m.table.Len(), "member %d knows every other member", i)
	}
}

func TestGossipBudget(t *testing.T) {
	clock := newClock()
	a := newPeer(t, clock, "a:1")
	table, _ := newTable(t, clock, a.ident.ID())
	in := NewIngester(table, identity.NewDirectory(a.ident), nil, nil)
	for i := 0; i < 20; i++ {
		p := newPeer(t, clock, "10.0.0.1:4040")
		_, err := in.Ingest(p.announcer.Announce(true), SourceMulticast)
		require.NoError(t, err)
	}

	g := NewGossiper(GossipConfig{Budget: 1000}, table, in, a.announcer, nil)
	env := g.Compose("target")
	require.LessOrEqual(t, len(env.Payload), 1000)

	msg, err := wire.Decode(env)
	require.NoError(t, err)
	gossip := msg.(*wire.Gossip)
	require.Equal(t, a.ident.ID(), gossip.Announces[0].NodeID)
	require.Greater(t, len(gossip.Announces), 1)
	require.Less(t, len(gossip.Announces), 21)
}

func TestDatagramAddr(t *testing.T) {
	addr, ok := DatagramAddr(&mesh.PeerRecord{Addrs: []string{link.QUICScheme + "10.0.0.1:4041", "10.0.0.1:4040"}})
	require.True(t, ok)
	require.Equal(t, "10.0.0.1:4040", addr)

	_, ok = DatagramAddr(&mesh.PeerRecord{Addrs: []string{link.QUICScheme + "10.0.0.1:4041"}})
	require.False(t, ok)
}

func newMember(t *testing.T) (*Membership, *PeerTable, *peer) {
	t.Helper()
	tr, err := link.NewTransport(&link.TransportConfig{
		BindAddr:    "127.0.0.1",
		BindPort:    -1,
		DialTimeout: time.Second,
	})
	require.NoError(t, err)

	p := newPeer(t, nil, tr.AdvertiseAddr())
	table, err := NewPeerTable(p.ident.ID())
	require.NoError(t, err)
	in := NewIngester(table, identity.NewDirectory(p.ident), nil, nil)

	mb, err := NewMembership(MembershipConfig{
		BindAddr:  "127.0.0.1",
		BindPort:  tr.Addr().Port,
		Transport: tr,
	}, table, in, p.announcer, nil)
	require.NoError(t, err)
	t.Cleanup(func() { mb.Leave(time.Second) })
	return mb, table, p
}

func TestMembershipJoin(t *testing.T) {
	a, tableA, pa := newMember(t)
	b, tableB, pb := newMember(t)

	joined, err := b.Join(pa.state.Addrs)
	require.NoError(t, err)
	require.Equal(t, 1, joined)

	require.Eventually(t, func() bool {
		return tableA.Health(pb.ident.ID()) == mesh.Healthy &&
			tableB.Health(pa.ident.ID()) == mesh.Healthy
	}, 5*time.Second, 50*time.Millisecond)
	require.Equal(t, 2, a.Members())
}

func TestMulticasterConfig(t *testing.T) {
	p := newPeer(t, nil)
	table, err := NewPeerTable(p.ident.ID())
	require.NoError(t, err)
	in := NewIngester(table, identity.NewDirectory(p.ident), nil, nil)

	_, err = NewMulticaster(MulticastConfig{Group: "10.0.0.1:10000"}, p.announcer, in)
	require.ErrorIs(t, err, ErrInvalidCfg)
	_, err = NewMulticaster(MulticastConfig{Group: "not a group"}, p.announcer, in)
	require.ErrorIs(t, err, ErrInvalidCfg)
}

func TestMulticastLoopback(t *testing.T) {
	a := newPeer(t, nil, "127.0.0.1:4040")
	b := newPeer(t, nil, "127.0.0.1:4041")
	tableB, err := NewPeerTable(b.ident.ID())
	require.NoError(t, err)

	group := "239.255.42.99:19999"
	ma, err := NewMulticaster(MulticastConfig{Group: group}, a.announcer, NewIngester(mustTable(t, a), identity.NewDirectory(a.ident), nil, nil))
	if err != nil {
		t.Skipf("multicast unavailable: %v", err)
	}
	defer ma.Close()
	mb, err := NewMulticaster(MulticastConfig{Group: group}, b.announcer, NewIngester(tableB, identity.NewDirectory(b.ident), nil, nil))
	if err != nil {
		t.Skipf("multicast unavailable: %v", err)
	}
	defer mb.Close()
	go mb.readLoop()

	if err := ma.AnnounceNow(); err != nil {
		t.Skipf("multicast send unavailable: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if tableB.Health(a.ident.ID()) == mesh.Healthy {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Skip("no multicast route on this host")
}

func mustTable(t *testing.T, p *peer) *PeerTable {
	t.Helper()
	table, err := NewPeerTable(p.ident.ID())
	require.NoError(t, err)
	return table
}
