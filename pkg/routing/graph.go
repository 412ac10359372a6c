// Package routing computes how the local node reaches every other node of
// the mesh.
//
// The live topology is snapshotted into a Graph, an adjacency map keyed by
// node id, on which Dijkstra computes the cheapest paths. The resulting
// RoutingTable is owned by the Router, which debounces recompute triggers.
package routing

import (
	"maps"
	"slices"

	"github.com/raskyld/noodlenet/pkg/mesh"
)

// UnmeasuredWeight is the weight of a link nobody measured yet, so paths
// fall back to hop count.
const UnmeasuredWeight = 1.0

// Graph is an immutable snapshot of the peer graph. Edges are undirected.
type Graph struct {
	adj   map[mesh.NodeID]map[mesh.NodeID]float64
	spare map[mesh.NodeID]float64
	load  map[mesh.NodeID]float64
}

func NewGraph() *Graph {
	return &Graph{
		adj:   make(map[mesh.NodeID]map[mesh.NodeID]float64),
		spare: make(map[mesh.NodeID]float64),
		load:  make(map[mesh.NodeID]float64),
	}
}

func weight(latency float64) float64 {
	if latency <= 0 {
		return UnmeasuredWeight
	}
	return latency
}

// AddNode declares id with its spare capacity and load.
func (g *Graph) AddNode(id mesh.NodeID, spare, load float64) {
	if _, ok := g.adj[id]; !ok {
		g.adj[id] = make(map[mesh.NodeID]float64)
	}
	g.spare[id] = spare
	g.load[id] = load
}

// SetEdge sets the weight of the link between a and b. A latency of zero or
// less means unmeasured. When both ends report the link, the last call wins.
func (g *Graph) SetEdge(a, b mesh.NodeID, latency float64) {
	if a == b {
		return
	}
	for _, id := range []mesh.NodeID{a, b} {
		if _, ok := g.adj[id]; !ok {
			g.adj[id] = make(map[mesh.NodeID]float64)
		}
	}
	w := weight(latency)
	g.adj[a][b] = w
	g.adj[b][a] = w
}

func (g *Graph) addReported(a, b mesh.NodeID, latency float64) {
	if existing, ok := g.adj[a][b]; ok && existing != UnmeasuredWeight && latency <= 0 {
		return
	}
	g.SetEdge(a, b, latency)
}

func (g *Graph) Has(id mesh.NodeID) bool {
	_, ok := g.adj[id]
	return ok
}

// Weight returns the weight of the a-b link.
func (g *Graph) Weight(a, b mesh.NodeID) (float64, bool) {
	w, ok := g.adj[a][b]
	return w, ok
}

func (g *Graph) Neighbours(id mesh.NodeID) []mesh.NodeID {
	return slices.Sorted(maps.Keys(g.adj[id]))
}

func (g *Graph) Nodes() []mesh.NodeID {
	return slices.Sorted(maps.Keys(g.adj))
}

// SpareCapacity is the declared spare capacity of id.
func (g *Graph) SpareCapacity(id mesh.NodeID) float64 {
	return g.spare[id]
}

func (g *Graph) Load(id mesh.NodeID) float64 {
	return g.load[id]
}

// Without returns a copy of g without the given nodes.
func (g *Graph) Without(ids ...mesh.NodeID) *Graph {
	out := NewGraph()
	for id, edges := range g.adj {
		if slices.Contains(ids, id) {
			continue
		}
		out.AddNode(id, g.spare[id], g.load[id])
		for peer, w := range edges {
			if !slices.Contains(ids, peer) {
				out.adj[id][peer] = w
			}
		}
	}
	return out
}

// Snapshot builds the graph seen by self. Direct links of self are the
// latencies it measured. Other links come from the announces of peers.
// Unreachable peers are left out entirely, as are links towards nodes
// nobody vouches for.
func Snapshot(self mesh.NodeID, selfLinks map[mesh.NodeID]float64, peers []mesh.PeerRecord) *Graph {
	g := NewGraph()
	g.AddNode(self, 0, 0)

	routable := make(map[mesh.NodeID]bool, len(peers))
	for i := range peers {
		p := &peers[i]
		if p.ID == self || !p.Health.Routable() {
			continue
		}
		routable[p.ID] = true
		g.AddNode(p.ID, p.SpareCapacity(), p.Load)
	}

	for _, peer := range slices.Sorted(maps.Keys(selfLinks)) {
		if routable[peer] {
			g.SetEdge(self, peer, selfLinks[peer])
		}
	}

	for i := range peers {
		p := &peers[i]
		if !routable[p.ID] {
			continue
		}
		for _, other := range slices.Sorted(maps.Keys(p.Links)) {
			// Our own measurements are authoritative for our links.
			if other == self {
				if _, measured := selfLinks[p.ID]; measured {
					continue
				}
			}
			if routable[other] || other == self {
				g.addReported(p.ID, other, p.Links[other])
			}
		}
	}
	return g
}
