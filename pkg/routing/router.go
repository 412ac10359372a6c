package routing

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/noodlenet/pkg/mesh"
)

const (
	DefaultRecomputeInterval = 30 * time.Second
	DefaultDebounce          = 100 * time.Millisecond
)

var (
	MetricRecomputeCount = []string{"noodlenet", "routing", "recompute", "count"}
	MetricRecomputeMs    = []string{"noodlenet", "routing", "recompute", "duration"}
	MetricRoutes         = []string{"noodlenet", "routing", "routes"}
	MetricDecisionMs     = []string{"noodlenet", "routing", "decision", "duration"}
	MetricNoRoute        = []string{"noodlenet", "routing", "no_route", "count"}
)

// Topology is the membership view routes are computed from.
type Topology interface {
	Peers() []mesh.PeerRecord
	Get(id mesh.NodeID) (mesh.PeerRecord, bool)
}

// LinkView gives the latencies the local node measured to its neighbours.
type LinkView interface {
	Latencies() map[mesh.NodeID]float64
	Latency(peer mesh.NodeID) (time.Duration, bool)
}

type config struct {
	strategy   Strategy
	interval   time.Duration
	debounce   time.Duration
	staleAfter time.Duration
	now        func() time.Time
	logHandler slog.Handler
	msink      metrics.MetricSink
}

type Option func(*config) error

func WithStrategy(strategy Strategy) Option {
	return func(c *config) error {
		c.strategy = strategy
		return nil
	}
}

// WithRecomputeInterval sets the periodic recompute, zero disables it.
func WithRecomputeInterval(d time.Duration) Option {
	return func(c *config) error {
		if d < 0 {
			return fmt.Errorf("%w: negative recompute interval", ErrInvalidCfg)
		}
		c.interval = d
		return nil
	}
}

// WithDebounce sets how long triggers are collected before a recompute.
func WithDebounce(d time.Duration) Option {
	return func(c *config) error {
		if d < 0 {
			return fmt.Errorf("%w: negative debounce", ErrInvalidCfg)
		}
		c.debounce = d
		return nil
	}
}

// WithStaleAfter sets the horizon past which computed routes are purged.
// Zero means three recompute intervals.
func WithStaleAfter(d time.Duration) Option {
	return func(c *config) error {
		c.staleAfter = d
		return nil
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *config) error {
		c.now = now
		return nil
	}
}

func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		c.msink = ms
		return nil
	}
}

// Router owns the RoutingTable. Recomputes are requested with Trigger and
// collapse when they arrive within the debounce window.
type Router struct {
	self   mesh.NodeID
	topo   Topology
	links  LinkView
	cfg    config
	table  *RoutingTable
	lb     *LoadBalancer
	logger *slog.Logger
	msink  metrics.MetricSink

	trigger    chan struct{}
	generation atomic.Uint64

	graph     *Graph
	listeners []func(gen uint64)
	lk        sync.Mutex
}

func NewRouter(self mesh.NodeID, topo Topology, links LinkView, opts ...Option) (*Router, error) {
	cfg := config{
		strategy: LeastLoaded,
		interval: DefaultRecomputeInterval,
		debounce: DefaultDebounce,
		now:      time.Now,
	}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	if cfg.staleAfter == 0 {
		cfg.staleAfter = 3 * cfg.interval
	}

	return &Router{
		self:    self,
		topo:    topo,
		links:   links,
		cfg:     cfg,
		table:   NewRoutingTable(),
		lb:      NewLoadBalancer(cfg.strategy),
		logger:  mesh.Logger(cfg.logHandler).With("component", "router"),
		msink:   mesh.Sink(cfg.msink),
		trigger: make(chan struct{}, 1),
		graph:   NewGraph(),
	}, nil
}

func (r *Router) Table() *RoutingTable {
	return r.table
}

func (r *Router) Balancer() *LoadBalancer {
	return r.lb
}

// Generation counts completed recomputes.
func (r *Router) Generation() uint64 {
	return r.generation.Load()
}

// OnRecompute registers fn, called after every recompute.
func (r *Router) OnRecompute(fn func(gen uint64)) {
	r.lk.Lock()
	defer r.lk.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Graph returns the snapshot used by the last recompute.
func (r *Router) Graph() *Graph {
	r.lk.Lock()
	defer r.lk.Unlock()
	return r.graph
}

func (r *Router) snapshot() *Graph {
	return Snapshot(r.self, r.links.Latencies(), r.topo.Peers())
}

// Trigger asks for a recompute. It never blocks.
func (r *Router) Trigger(reason string) {
	select {
	case r.trigger <- struct{}{}:
		r.logger.Debug("recompute requested", mesh.LabelReason.L(reason))
	default:
	}
}

// Recompute rebuilds the computed routes now and returns the new
// generation.
func (r *Router) Recompute() uint64 {
	start := time.Now()
	g := r.snapshot()
	paths := ShortestPaths(g, r.self)
	now := r.cfg.now()

	entries := make(map[mesh.NodeID]mesh.RouteEntry, len(paths))
	for dest, p := range paths {
		if len(p.FirstHops) == 0 {
			continue
		}
		entries[dest] = mesh.RouteEntry{
			Destination:  dest,
			NextHop:      p.FirstHops[0],
			Alternatives: p.FirstHops,
			Cost:         p.Cost,
			Hops:         p.Hops,
			LastUpdated:  now,
			Source:       mesh.RouteComputed,
		}
	}
	r.table.Replace(entries)
	gen := r.generation.Add(1)

	r.lk.Lock()
	r.graph = g
	listeners := slices.Clone(r.listeners)
	r.lk.Unlock()

	r.msink.IncrCounter(MetricRecomputeCount, 1.0)
	r.msink.AddSample(MetricRecomputeMs, mesh.Milliseconds(time.Since(start)))
	r.msink.SetGauge(MetricRoutes, float32(len(entries)))
	r.logger.Debug("routes recomputed", "routes", len(entries), "generation", gen)

	for _, fn := range listeners {
		fn(gen)
	}
	return gen
}

// Run serves triggers and the periodic recompute until ctx is done.
func (r *Router) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if r.cfg.interval > 0 {
		ticker := time.NewTicker(r.cfg.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick:
			r.Recompute()
			if purged := r.table.PurgeStale(r.cfg.now(), r.cfg.staleAfter); purged > 0 {
				r.logger.Info("purged stale routes", "count", purged)
			}
		case <-r.trigger:
			if r.cfg.debounce > 0 {
				timer := time.NewTimer(r.cfg.debounce)
				select {
				case <-ctx.Done():
					timer.Stop()
					return nil
				case <-timer.C:
				}
			}
			// Triggers received while debouncing are served by this pass.
			select {
			case <-r.trigger:
			default:
			}
			r.Recompute()
		}
	}
}

func (r *Router) usable(id mesh.NodeID) bool {
	rec, ok := r.topo.Get(id)
	return ok && rec.Health.Routable()
}

// Route returns how to reach dest. Next hops that became unusable since
// the last recompute are filtered out, and a recompute is triggered.
func (r *Router) Route(dest mesh.NodeID) (mesh.RouteEntry, error) {
	start := time.Now()
	defer func() {
		r.msink.AddSample(MetricDecisionMs, mesh.Milliseconds(time.Since(start)))
	}()

	entry, ok := r.table.Lookup(dest, r.usable)
	if !ok {
		r.msink.IncrCounter(MetricNoRoute, 1.0)
		return mesh.RouteEntry{}, fmt.Errorf("%w: %s", ErrNoRouteToDestination, dest.Short())
	}

	alive := slices.DeleteFunc(slices.Clone(entry.Alternatives), func(id mesh.NodeID) bool {
		return !r.usable(id)
	})
	if len(alive) == len(entry.Alternatives) {
		return entry, nil
	}

	dead := slices.DeleteFunc(slices.Clone(entry.Alternatives), r.usable)
	r.Trigger("next hop unusable")
	if len(alive) > 0 {
		entry.Alternatives = alive
		entry.NextHop = alive[0]
		return entry, nil
	}
	return r.RouteAvoiding(dest, dead...)
}

// NextHop routes dest and lets the load balancer choose among equal-cost
// next hops.
func (r *Router) NextHop(dest mesh.NodeID) (mesh.NodeID, mesh.RouteEntry, error) {
	entry, err := r.Route(dest)
	if err != nil {
		return "", entry, err
	}
	hop := r.lb.Pick(dest, entry.Alternatives, r.hopInfo)
	return hop, entry, nil
}

func (r *Router) hopInfo(id mesh.NodeID) HopInfo {
	var info HopInfo
	if rec, ok := r.topo.Get(id); ok {
		info.Load = rec.Load
		info.Capacity = rec.Capacity
	}
	if lat, ok := r.links.Latency(id); ok {
		info.Latency = lat
	}
	return info
}

// RouteAvoiding computes, on a fresh snapshot, the best route to dest that
// does not go through any of the avoided nodes.
func (r *Router) RouteAvoiding(dest mesh.NodeID, avoid ...mesh.NodeID) (mesh.RouteEntry, error) {
	if slices.Contains(avoid, dest) {
		return mesh.RouteEntry{}, fmt.Errorf("%w: %s is avoided", ErrNoRouteToDestination, dest.Short())
	}
	g := r.snapshot().Without(avoid...)
	p, ok := ShortestPaths(g, r.self)[dest]
	if !ok || len(p.FirstHops) == 0 {
		r.msink.IncrCounter(MetricNoRoute, 1.0)
		return mesh.RouteEntry{}, fmt.Errorf("%w: %s", ErrNoRouteToDestination, dest.Short())
	}
	return mesh.RouteEntry{
		Destination:  dest,
		NextHop:      p.FirstHops[0],
		Alternatives: p.FirstHops,
		Cost:         p.Cost,
		Hops:         p.Hops,
		LastUpdated:  r.cfg.now(),
		Source:       mesh.RouteComputed,
	}, nil
}

// AddStaticRoute pins the route to dest through nextHop. It is only used
// while nextHop is reachable.
func (r *Router) AddStaticRoute(dest, nextHop mesh.NodeID, cost float64) error {
	if dest == "" || nextHop == "" || dest == r.self || nextHop == r.self {
		return ErrInvalidStaticRoute
	}
	r.table.SetStatic(mesh.RouteEntry{
		Destination: dest,
		NextHop:     nextHop,
		Cost:        cost,
		Hops:        1,
		LastUpdated: r.cfg.now(),
	})
	r.logger.Info("static route added", mesh.LabelDestination.L(dest), mesh.LabelNextHop.L(nextHop))
	return nil
}

func (r *Router) RemoveStaticRoute(dest mesh.NodeID) bool {
	return r.table.RemoveStatic(dest)
}
