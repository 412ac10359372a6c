package routing

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/raskyld/noodlenet/pkg/mesh"
)

var (
	ErrNoRouteToDestination = errors.New("routing: no route to destination")
	ErrInvalidCfg           = errors.New("routing: invalid options")
	ErrInvalidStaticRoute   = errors.New("routing: invalid static route")
)

// RoutingTable holds one RouteEntry per destination. Computed entries are
// replaced as a whole on every recompute, static entries survive it.
type RoutingTable struct {
	computed map[mesh.NodeID]mesh.RouteEntry
	static   map[mesh.NodeID]mesh.RouteEntry
	lk       sync.RWMutex
}

func NewRoutingTable() *RoutingTable {
	return &RoutingTable{
		computed: make(map[mesh.NodeID]mesh.RouteEntry),
		static:   make(map[mesh.NodeID]mesh.RouteEntry),
	}
}

func cloneEntry(e mesh.RouteEntry) mesh.RouteEntry {
	e.Alternatives = slices.Clone(e.Alternatives)
	return e
}

// Replace installs a fresh set of computed entries.
func (rt *RoutingTable) Replace(entries map[mesh.NodeID]mesh.RouteEntry) {
	rt.lk.Lock()
	defer rt.lk.Unlock()
	rt.computed = entries
}

// SetStatic pins the route towards dest.
func (rt *RoutingTable) SetStatic(entry mesh.RouteEntry) {
	entry.Source = mesh.RouteStatic
	if len(entry.Alternatives) == 0 {
		entry.Alternatives = []mesh.NodeID{entry.NextHop}
	}
	rt.lk.Lock()
	defer rt.lk.Unlock()
	rt.static[entry.Destination] = entry
}

func (rt *RoutingTable) RemoveStatic(dest mesh.NodeID) bool {
	rt.lk.Lock()
	defer rt.lk.Unlock()
	_, ok := rt.static[dest]
	delete(rt.static, dest)
	return ok
}

// Lookup returns the static entry for dest if usable, the computed one
// otherwise. usable tells whether a next hop may be used.
func (rt *RoutingTable) Lookup(dest mesh.NodeID, usable func(mesh.NodeID) bool) (mesh.RouteEntry, bool) {
	rt.lk.RLock()
	defer rt.lk.RUnlock()
	if e, ok := rt.static[dest]; ok && (usable == nil || usable(e.NextHop)) {
		return cloneEntry(e), true
	}
	e, ok := rt.computed[dest]
	if !ok {
		return mesh.RouteEntry{}, false
	}
	return cloneEntry(e), true
}

// Entries returns every entry, static ones taking precedence.
func (rt *RoutingTable) Entries() []mesh.RouteEntry {
	rt.lk.RLock()
	defer rt.lk.RUnlock()
	out := make([]mesh.RouteEntry, 0, len(rt.computed)+len(rt.static))
	for dest, e := range rt.computed {
		if _, pinned := rt.static[dest]; !pinned {
			out = append(out, cloneEntry(e))
		}
	}
	for _, e := range rt.static {
		out = append(out, cloneEntry(e))
	}
	slices.SortFunc(out, func(a, b mesh.RouteEntry) int {
		if a.Destination < b.Destination {
			return -1
		}
		if a.Destination > b.Destination {
			return 1
		}
		return 0
	})
	return out
}

// UsingHop lists the destinations whose computed next hop is hop.
func (rt *RoutingTable) UsingHop(hop mesh.NodeID) []mesh.NodeID {
	rt.lk.RLock()
	defer rt.lk.RUnlock()
	var out []mesh.NodeID
	for dest, e := range rt.computed {
		if slices.Contains(e.Alternatives, hop) {
			out = append(out, dest)
		}
	}
	slices.Sort(out)
	return out
}

// PurgeStale drops computed entries older than horizon.
func (rt *RoutingTable) PurgeStale(now time.Time, horizon time.Duration) int {
	rt.lk.Lock()
	defer rt.lk.Unlock()
	purged := 0
	for dest, e := range rt.computed {
		if e.Stale(now, horizon) {
			delete(rt.computed, dest)
			purged++
		}
	}
	return purged
}

func (rt *RoutingTable) Len() int {
	rt.lk.RLock()
	defer rt.lk.RUnlock()
	return len(rt.computed)
}
