package routing

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/raskyld/noodlenet/pkg/mesh"
	"github.com/stretchr/testify/require"
)

type fakeTopology struct {
	peers map[mesh.NodeID]mesh.PeerRecord
	lk    sync.Mutex
}

func newTopology(peers ...mesh.PeerRecord) *fakeTopology {
	t := &fakeTopology{peers: make(map[mesh.NodeID]mesh.PeerRecord)}
	for _, p := range peers {
		t.peers[p.ID] = p
	}
	return t
}

func (t *fakeTopology) Peers() []mesh.PeerRecord {
	t.lk.Lock()
	defer t.lk.Unlock()
	out := make([]mesh.PeerRecord, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p.Clone())
	}
	return out
}

func (t *fakeTopology) Get(id mesh.NodeID) (mesh.PeerRecord, bool) {
	t.lk.Lock()
	defer t.lk.Unlock()
	p, ok := t.peers[id]
	return p.Clone(), ok
}

func (t *fakeTopology) setHealth(id mesh.NodeID, h mesh.HealthStatus) {
	t.lk.Lock()
	defer t.lk.Unlock()
	p := t.peers[id]
	p.Health = h
	t.peers[id] = p
}

type fakeLinks map[mesh.NodeID]float64

func (l fakeLinks) Latencies() map[mesh.NodeID]float64 {
	out := make(map[mesh.NodeID]float64, len(l))
	for k, v := range l {
		out[k] = v
	}
	return out
}

func (l fakeLinks) Latency(peer mesh.NodeID) (time.Duration, bool) {
	ms, ok := l[peer]
	if !ok || ms <= 0 {
		return 0, false
	}
	return time.Duration(ms * float64(time.Millisecond)), true
}

func healthy(id mesh.NodeID, capacity float64, links map[mesh.NodeID]float64) mesh.PeerRecord {
	return mesh.PeerRecord{ID: id, Capacity: capacity, Links: links, Health: mesh.Healthy}
}

// bellmanFord is the reference the Dijkstra implementation is checked
// against.
func bellmanFord(g *Graph, src mesh.NodeID) map[mesh.NodeID]float64 {
	nodes := g.Nodes()
	dist := make(map[mesh.NodeID]float64, len(nodes))
	for _, n := range nodes {
		dist[n] = math.Inf(1)
	}
	dist[src] = 0
	for range len(nodes) - 1 {
		for _, a := range nodes {
			for _, b := range g.Neighbours(a) {
				w, _ := g.Weight(a, b)
				if dist[a]+w < dist[b] {
					dist[b] = dist[a] + w
				}
			}
		}
	}
	return dist
}

const propNodes = 7

func graphFromMatrix(weights []int) *Graph {
	g := NewGraph()
	for i := range propNodes {
		g.AddNode(mesh.NodeID(fmt.Sprintf("n%d", i)), float64(i), 0)
	}
	k := 0
	for i := range propNodes {
		for j := i + 1; j < propNodes; j++ {
			if w := weights[k]; w > 0 {
				g.SetEdge(mesh.NodeID(fmt.Sprintf("n%d", i)), mesh.NodeID(fmt.Sprintf("n%d", j)), float64(w))
			}
			k++
		}
	}
	return g
}

func TestShortestPathsProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	edges := propNodes * (propNodes - 1) / 2
	matrix := gen.SliceOfN(edges, gen.IntRange(-4, 9))

	properties.Property("costs match Bellman-Ford", prop.ForAll(
		func(weights []int) bool {
			g := graphFromMatrix(weights)
			paths := ShortestPaths(g, "n0")
			ref := bellmanFord(g, "n0")
			for id, d := range ref {
				if id == "n0" {
					continue
				}
				p, ok := paths[id]
				if math.IsInf(d, 1) {
					if ok {
						return false
					}
					continue
				}
				if !ok || !sameCost(p.Cost, d) {
					return false
				}
			}
			return true
		},
		matrix,
	))

	properties.Property("first hops are neighbours starting a cheapest path", prop.ForAll(
		func(weights []int) bool {
			g := graphFromMatrix(weights)
			paths := ShortestPaths(g, "n0")
			for dest, p := range paths {
				if len(p.FirstHops) == 0 || p.Hops < 1 {
					return false
				}
				for _, hop := range p.FirstHops {
					w, ok := g.Weight("n0", hop)
					if !ok {
						return false
					}
					rest := 0.0
					if hop != dest {
						rest = bellmanFord(g, hop)[dest]
					}
					if !sameCost(w+rest, p.Cost) {
						return false
					}
				}
			}
			return true
		},
		matrix,
	))

	properties.Property("results are deterministic", prop.ForAll(
		func(weights []int) bool {
			g := graphFromMatrix(weights)
			a, b := ShortestPaths(g, "n0"), ShortestPaths(g, "n0")
			if len(a) != len(b) {
				return false
			}
			for id, pa := range a {
				pb := b[id]
				if pa.Hops != pb.Hops || fmt.Sprint(pa.FirstHops) != fmt.Sprint(pb.FirstHops) {
					return false
				}
			}
			return true
		},
		matrix,
	))

	properties.TestingRun(t)
}

func TestEqualCostTieBreak(t *testing.T) {
	g := NewGraph()
	g.AddNode("s", 0, 0)
	g.AddNode("a", 5, 0)
	g.AddNode("b", 10, 0)
	g.AddNode("c", 10, 0)
	g.AddNode("d", 0, 0)
	for _, hop := range []mesh.NodeID{"a", "b", "c"} {
		g.SetEdge("s", hop, 5)
		g.SetEdge(hop, "d", 5)
	}

	p := ShortestPaths(g, "s")["d"]
	require.Equal(t, 10.0, p.Cost)
	require.Equal(t, 2, p.Hops)
	require.Equal(t, []mesh.NodeID{"b", "c", "a"}, p.FirstHops)
}

func TestSnapshotSkipsUnreachable(t *testing.T) {
	peers := []mesh.PeerRecord{
		healthy("b", 10, map[mesh.NodeID]float64{"a": 10, "c": 10}),
		{ID: "c", Health: mesh.Unreachable, Links: map[mesh.NodeID]float64{"b": 10}},
	}
	g := Snapshot("a", map[mesh.NodeID]float64{"b": 10}, peers)
	require.True(t, g.Has("b"))
	require.False(t, g.Has("c"))
	_, ok := g.Weight("b", "c")
	require.False(t, ok)
}

func TestSnapshotPrefersOwnMeasurement(t *testing.T) {
	peers := []mesh.PeerRecord{healthy("b", 10, map[mesh.NodeID]float64{"a": 80})}
	g := Snapshot("a", map[mesh.NodeID]float64{"b": 12}, peers)
	w, ok := g.Weight("a", "b")
	require.True(t, ok)
	require.Equal(t, 12.0, w)
}

// triangle is A-B (10ms), B-C (10ms) and an optional direct A-C link.
func triangle(direct float64) (*fakeTopology, fakeLinks) {
	links := fakeLinks{"b": 10}
	bLinks := map[mesh.NodeID]float64{"a": 10, "c": 10}
	cLinks := map[mesh.NodeID]float64{"b": 10}
	if direct > 0 {
		links["c"] = direct
		cLinks["a"] = direct
	}
	return newTopology(healthy("b", 10, bLinks), healthy("c", 10, cLinks)), links
}

func newRouter(t *testing.T, topo Topology, links LinkView, opts ...Option) *Router {
	t.Helper()
	opts = append([]Option{WithMetricSink(&metrics.BlackholeSink{})}, opts...)
	r, err := NewRouter("a", topo, links, opts...)
	require.NoError(t, err)
	return r
}

func TestRouterTwoHops(t *testing.T) {
	topo, links := triangle(0)
	r := newRouter(t, topo, links)
	require.Equal(t, uint64(1), r.Recompute())

	entry, err := r.Route("c")
	require.NoError(t, err)
	require.Equal(t, mesh.NodeID("b"), entry.NextHop)
	require.Equal(t, 20.0, entry.Cost)
	require.Equal(t, 2, entry.Hops)
	require.Equal(t, mesh.RouteComputed, entry.Source)

	_, err = r.Route("z")
	require.ErrorIs(t, err, ErrNoRouteToDestination)
}

func TestRouterAvoidsDeadHop(t *testing.T) {
	topo, links := triangle(50)
	r := newRouter(t, topo, links)
	r.Recompute()

	entry, err := r.Route("c")
	require.NoError(t, err)
	require.Equal(t, mesh.NodeID("b"), entry.NextHop)

	topo.setHealth("b", mesh.Unreachable)
	entry, err = r.Route("c")
	require.NoError(t, err)
	require.Equal(t, mesh.NodeID("c"), entry.NextHop)
	require.Equal(t, 50.0, entry.Cost)

	_, err = r.RouteAvoiding("c", "c")
	require.ErrorIs(t, err, ErrNoRouteToDestination)
}

func TestRouterNoAlternative(t *testing.T) {
	topo, links := triangle(0)
	r := newRouter(t, topo, links)
	r.Recompute()

	topo.setHealth("b", mesh.Unreachable)
	_, err := r.Route("c")
	require.ErrorIs(t, err, ErrNoRouteToDestination)
}

func TestRouterStaticRoute(t *testing.T) {
	topo, links := triangle(50)
	r := newRouter(t, topo, links)
	r.Recompute()

	require.ErrorIs(t, r.AddStaticRoute("a", "b", 1), ErrInvalidStaticRoute)
	require.NoError(t, r.AddStaticRoute("c", "c", 99))

	entry, err := r.Route("c")
	require.NoError(t, err)
	require.Equal(t, mesh.RouteStatic, entry.Source)
	require.Equal(t, mesh.NodeID("c"), entry.NextHop)

	// A recompute leaves static routes alone.
	r.Recompute()
	entry, err = r.Route("c")
	require.NoError(t, err)
	require.Equal(t, mesh.RouteStatic, entry.Source)

	require.True(t, r.RemoveStaticRoute("c"))
	entry, err = r.Route("c")
	require.NoError(t, err)
	require.Equal(t, mesh.NodeID("b"), entry.NextHop)
}

func TestRouterDebounce(t *testing.T) {
	topo, links := triangle(0)
	r := newRouter(t, topo, links, WithRecomputeInterval(0), WithDebounce(50*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	for range 10 {
		r.Trigger("test")
	}
	require.Eventually(t, func() bool {
		return r.Generation() == 1
	}, time.Second, 10*time.Millisecond)
	require.Never(t, func() bool {
		return r.Generation() > 1
	}, 200*time.Millisecond, 20*time.Millisecond)

	_, err := r.Route("c")
	require.NoError(t, err)

	cancel()
	require.NoError(t, <-done)
}

func TestRouterNotifiesRecompute(t *testing.T) {
	topo, links := triangle(0)
	r := newRouter(t, topo, links)
	var gens []uint64
	r.OnRecompute(func(gen uint64) { gens = append(gens, gen) })
	r.Recompute()
	r.Recompute()
	require.Equal(t, []uint64{1, 2}, gens)
	require.Equal(t, 2, r.Table().Len())
}

func TestPurgeStale(t *testing.T) {
	rt := NewRoutingTable()
	now := time.Unix(1_700_000_000, 0)
	rt.Replace(map[mesh.NodeID]mesh.RouteEntry{
		"old":   {Destination: "old", NextHop: "x", LastUpdated: now.Add(-time.Hour)},
		"fresh": {Destination: "fresh", NextHop: "x", LastUpdated: now},
	})
	require.Equal(t, 1, rt.PurgeStale(now, time.Minute))
	require.Equal(t, 1, rt.Len())
	require.Equal(t, []mesh.NodeID{"fresh"}, rt.UsingHop("x"))
}

func TestLoadBalancerStrategies(t *testing.T) {
	info := map[mesh.NodeID]HopInfo{
		"x": {Load: 5, Capacity: 0, Latency: 30 * time.Millisecond},
		"y": {Load: 1, Capacity: 10, Latency: 10 * time.Millisecond},
		"z": {Load: 3, Capacity: 0},
	}
	lookup := func(id mesh.NodeID) HopInfo { return info[id] }
	candidates := []mesh.NodeID{"x", "y", "z"}

	t.Run("least loaded", func(t *testing.T) {
		lb := NewLoadBalancer(LeastLoaded)
		require.Equal(t, mesh.NodeID("y"), lb.Pick("d", candidates, lookup))
	})

	t.Run("round robin", func(t *testing.T) {
		lb := NewLoadBalancer(RoundRobin)
		var got []mesh.NodeID
		for range 4 {
			got = append(got, lb.Pick("d", candidates, lookup))
		}
		require.Equal(t, []mesh.NodeID{"x", "y", "z", "x"}, got)
		require.Equal(t, mesh.NodeID("x"), lb.Pick("other", candidates, lookup))
		lb.Forget("d")
		require.Equal(t, mesh.NodeID("x"), lb.Pick("d", candidates, lookup))
	})

	t.Run("lowest latency", func(t *testing.T) {
		lb := NewLoadBalancer(LowestLatency)
		require.Equal(t, mesh.NodeID("y"), lb.Pick("d", candidates, lookup))
		require.Equal(t, mesh.NodeID("z"), lb.Pick("d", []mesh.NodeID{"z"}, lookup))
	})

	t.Run("weighted", func(t *testing.T) {
		lb := NewLoadBalancer(Weighted)
		for range 50 {
			require.Equal(t, mesh.NodeID("y"), lb.Pick("d", candidates, lookup))
		}
	})

	require.Equal(t, mesh.NodeID(""), NewLoadBalancer(LeastLoaded).Pick("d", nil, lookup))
}

func TestParseStrategy(t *testing.T) {
	for name, want := range map[string]Strategy{
		"":               LeastLoaded,
		"round-robin":    RoundRobin,
		"LOWEST_LATENCY": LowestLatency,
		"weighted":       Weighted,
	} {
		got, err := ParseStrategy(name)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := ParseStrategy("random")
	require.ErrorIs(t, err, ErrInvalidCfg)

	var s Strategy
	require.NoError(t, s.UnmarshalText([]byte("round_robin")))
	require.Equal(t, "round_robin", s.String())
}
