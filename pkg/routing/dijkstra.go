package routing

import (
	"container/heap"
	"math"
	"slices"

	"github.com/raskyld/noodlenet/pkg/mesh"
)

// costEpsilon absorbs float rounding when comparing path costs.
const costEpsilon = 1e-9

// Path is the shortest way from the source to one destination.
type Path struct {
	Cost float64
	Hops int

	// FirstHops are every neighbour of the source starting a path of minimal
	// cost, best first.
	FirstHops []mesh.NodeID
}

type queueItem struct {
	id   mesh.NodeID
	cost float64
}

type costQueue []queueItem

func (q costQueue) Len() int { return len(q) }
func (q costQueue) Less(i, j int) bool {
	if q[i].cost != q[j].cost {
		return q[i].cost < q[j].cost
	}
	return q[i].id < q[j].id
}
func (q costQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *costQueue) Push(x any)   { *q = append(*q, x.(queueItem)) }
func (q *costQueue) Pop() any {
	old := *q
	it := old[len(old)-1]
	*q = old[:len(old)-1]
	return it
}

func sameCost(a, b float64) bool {
	return math.Abs(a-b) <= costEpsilon
}

// ShortestPaths runs Dijkstra from src over g. Equal-cost paths are all kept
// so their first hops can be load balanced. First hops are ordered by
// spare capacity, highest first, then by node id.
func ShortestPaths(g *Graph, src mesh.NodeID) map[mesh.NodeID]Path {
	if !g.Has(src) {
		return nil
	}

	dist := map[mesh.NodeID]float64{src: 0}
	hops := map[mesh.NodeID]int{src: 0}
	first := make(map[mesh.NodeID]map[mesh.NodeID]struct{})
	done := make(map[mesh.NodeID]bool)

	q := &costQueue{{id: src, cost: 0}}
	for q.Len() > 0 {
		cur := heap.Pop(q).(queueItem)
		if done[cur.id] || cur.cost > dist[cur.id]+costEpsilon {
			continue
		}
		done[cur.id] = true

		for _, next := range g.Neighbours(cur.id) {
			if done[next] {
				continue
			}
			w := g.adj[cur.id][next]
			cand := dist[cur.id] + w

			var via map[mesh.NodeID]struct{}
			if cur.id == src {
				via = map[mesh.NodeID]struct{}{next: {}}
			} else {
				via = first[cur.id]
			}

			known, seen := dist[next]
			switch {
			case !seen || cand < known-costEpsilon:
				dist[next] = cand
				hops[next] = hops[cur.id] + 1
				first[next] = make(map[mesh.NodeID]struct{}, len(via))
				for id := range via {
					first[next][id] = struct{}{}
				}
				heap.Push(q, queueItem{id: next, cost: cand})
			case sameCost(cand, known):
				for id := range via {
					first[next][id] = struct{}{}
				}
				hops[next] = min(hops[next], hops[cur.id]+1)
			}
		}
	}

	paths := make(map[mesh.NodeID]Path, len(dist))
	for id, cost := range dist {
		if id == src {
			continue
		}
		fh := make([]mesh.NodeID, 0, len(first[id]))
		for hop := range first[id] {
			fh = append(fh, hop)
		}
		SortHops(g, fh)
		paths[id] = Path{Cost: cost, Hops: hops[id], FirstHops: fh}
	}
	return paths
}

// SortHops orders equal-cost hops by spare capacity, highest first, then by
// node id.
func SortHops(g *Graph, hops []mesh.NodeID) {
	slices.SortFunc(hops, func(a, b mesh.NodeID) int {
		sa, sb := g.SpareCapacity(a), g.SpareCapacity(b)
		switch {
		case sa > sb:
			return -1
		case sa < sb:
			return 1
		case a < b:
			return -1
		case a > b:
			return 1
		}
		return 0
	})
}
