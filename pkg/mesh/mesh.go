// Package mesh holds the data model shared by every NoodleNet component:
// node identifiers, peer health, peer records and route entries.
package mesh

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"
)

// ErrOperationCancelled is returned by any blocking operation whose context
// was cancelled or whose deadline elapsed before completion.
var ErrOperationCancelled = errors.New("mesh: operation cancelled")

// Cancelled wraps a context error into ErrOperationCancelled.
func Cancelled(cause error) error {
	if cause == nil {
		return ErrOperationCancelled
	}
	return fmt.Errorf("%w: %w", ErrOperationCancelled, cause)
}

// NodeID is the stable unique key of a node, derived from its public key.
type NodeID string

func (id NodeID) String() string {
	return string(id)
}

// Short returns a truncated form suitable for humans.
func (id NodeID) Short() string {
	if len(id) <= 8 {
		return string(id)
	}
	return string(id[:8])
}

type HealthStatus uint8

const (
	HealthUnknown HealthStatus = iota
	Healthy
	Degraded
	Unreachable
)

func (h HealthStatus) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

func (h HealthStatus) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *HealthStatus) UnmarshalText(text []byte) error {
	switch string(text) {
	case "healthy":
		*h = Healthy
	case "degraded":
		*h = Degraded
	case "unreachable":
		*h = Unreachable
	case "unknown", "":
		*h = HealthUnknown
	default:
		return fmt.Errorf("mesh: unknown health status %q", text)
	}
	return nil
}

// Routable reports whether a peer in this state may be used as a next hop.
func (h HealthStatus) Routable() bool {
	return h == Healthy || h == Degraded
}

// PeerRecord is the local view of a remote node. It is derived state,
// regenerated from announces, gossip and heartbeats.
type PeerRecord struct {
	ID        NodeID
	Addrs     []string
	PublicKey ed25519.PublicKey

	// Capacity is the declared capacity of the node, Load its current load,
	// both in the same arbitrary unit.
	Capacity float64
	Load     float64

	// Links are the latencies, in milliseconds, the peer measured towards
	// its direct neighbours. Zero means connected but unmeasured.
	Links map[NodeID]float64

	// Timestamp is the time the peer stamped on its latest announce.
	Timestamp time.Time
	LastSeen  time.Time
	Health    HealthStatus

	// UnreachableSince is set when Health became Unreachable.
	UnreachableSince time.Time
}

// SpareCapacity is how much declared capacity is left.
func (p *PeerRecord) SpareCapacity() float64 {
	spare := p.Capacity - p.Load
	if spare < 0 {
		return 0
	}
	return spare
}

// Clone returns a deep copy so callers never share maps with the table.
func (p PeerRecord) Clone() PeerRecord {
	p.Addrs = slices.Clone(p.Addrs)
	p.PublicKey = slices.Clone(p.PublicKey)
	p.Links = maps.Clone(p.Links)
	return p
}

func (p *PeerRecord) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", p.ID.Short()),
		slog.Any("addrs", p.Addrs),
		slog.String("health", p.Health.String()),
		slog.Float64("capacity", p.Capacity),
		slog.Float64("load", p.Load),
		slog.Time("last_seen", p.LastSeen),
	)
}

type RouteSource uint8

const (
	RouteComputed RouteSource = iota
	RouteStatic
)

func (s RouteSource) String() string {
	if s == RouteStatic {
		return "static"
	}
	return "computed"
}

func (s RouteSource) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// RouteEntry is how the local node reaches Destination.
type RouteEntry struct {
	Destination NodeID
	NextHop     NodeID

	// Alternatives are every next hop reaching Destination at the same cost,
	// NextHop included and first.
	Alternatives []NodeID
	Cost         float64
	Hops         int
	LastUpdated  time.Time
	Source       RouteSource
}

// Stale reports whether the entry is older than horizon at now.
func (r *RouteEntry) Stale(now time.Time, horizon time.Duration) bool {
	return horizon > 0 && now.Sub(r.LastUpdated) > horizon
}

func (r *RouteEntry) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("destination", r.Destination.Short()),
		slog.String("next_hop", r.NextHop.Short()),
		slog.Float64("cost", r.Cost),
		slog.Int("hops", r.Hops),
		slog.String("source", r.Source.String()),
	)
}
