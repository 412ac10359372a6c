package noodlenet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/noodlenet/pkg/discovery"
	"github.com/raskyld/noodlenet/pkg/fault"
	"github.com/raskyld/noodlenet/pkg/identity"
	"github.com/raskyld/noodlenet/pkg/link"
	"github.com/raskyld/noodlenet/pkg/mesh"
	"github.com/raskyld/noodlenet/pkg/monitor"
	"github.com/raskyld/noodlenet/pkg/optimize"
	"github.com/raskyld/noodlenet/pkg/pool"
	"github.com/raskyld/noodlenet/pkg/routing"
	"github.com/raskyld/noodlenet/pkg/security"
	"golang.org/x/sync/errgroup"
)

type Node struct {
	config config
	logger *slog.Logger
	msink  metrics.MetricSink

	// identity and security
	ident *identity.Identity
	dir   *identity.Directory
	caps  *security.CapabilityManager
	sc    *security.Context
	audit *security.AuditLog

	// transport and discovery
	tr         *link.Transport
	table      *discovery.PeerTable
	announcer  *discovery.Announcer
	ingester   *discovery.Ingester
	gossiper   *discovery.Gossiper
	membership *discovery.Membership
	multicast  *discovery.Multicaster
	reflexive  string

	// routing and transmission
	router     *routing.Router
	links      *optimize.LinkStats
	compressor *optimize.Compressor
	batcher    *optimize.Batcher
	conns      *pool.Pool[*security.Conn]
	inflight   atomic.Int64

	// fault tolerance
	detector    *fault.FailureDetector
	replicas    *fault.ReplicationManager
	checkpoints *fault.CheckpointManager

	// monitoring
	collector *monitor.Collector
	alerts    *monitor.AlertManager
	health    *monitor.HealthChecker

	endpoints map[string]*endpoint

	// synchronisation
	lk sync.Mutex

	// 2-phase close:
	// phase 1: shutdown notification, the node leaves the mesh.
	// phase 2: background tasks stop and all resources are freed.
	shutdown bool
	ctx      context.Context
	cancel   context.CancelFunc
	tasks    *errgroup.Group
	wg       sync.WaitGroup
}

// Create starts a node. It listens right away but only knows peers found
// through multicast or a restored checkpoint until `Join` is called.
func Create(opts ...Option) (n *Node, err error) {
	n = &Node{
		config:    defaultConfig(),
		endpoints: make(map[string]*endpoint),
	}
	for _, opt := range opts {
		if err := opt(&n.config); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}
	cfg := &n.config

	defer func() {
		if err != nil {
			n.release()
		}
	}()

	// Metrics are fanned out to the caller's sink and to our own collector
	// so alert rules see everything the node emits.
	n.collector, err = monitor.NewCollector(monitor.WithRetention(cfg.retention))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	n.msink = metrics.FanoutSink{mesh.Sink(cfg.msink), n.collector}

	// Identity is fatal when corrupt, it is surfaced as is.
	switch {
	case cfg.ident != nil:
		n.ident = cfg.ident
	case cfg.identityPath != "":
		n.ident, err = identity.LoadOrGenerate(cfg.identityPath)
	default:
		n.ident, err = identity.Generate()
	}
	if err != nil {
		return nil, err
	}
	self := n.ident.ID()
	n.dir = identity.NewDirectory(n.ident)

	n.logger = mesh.Logger(cfg.logHandler).With("node", self.Short())
	handler := n.logger.Handler()

	auditCfg := security.DefaultAuditConfig()
	auditCfg.FilePath = cfg.auditPath
	auditCfg.Signer = n.ident.PrivateKey()
	auditCfg.Node = self
	n.audit = security.NewAuditLog(auditCfg)

	secOpts := []security.Option{
		security.WithTrustedIssuers(cfg.trusted...),
		security.WithGrantPolicy(cfg.grantPolicy),
		security.WithAuditLog(n.audit),
		security.WithLog(handler),
		security.WithMetricSink(n.msink),
		security.WithRevocationHook(n.broadcastRevocation),
	}
	if cfg.maxCapTTL > 0 {
		secOpts = append(secOpts, security.WithMaxTTL(cfg.maxCapTTL))
	}
	n.caps, n.sc, err = security.New(n.ident, n.dir, secOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}

	cfg.trCfg.LogHandler = handler
	cfg.trCfg.MetricSink = n.msink
	cfg.trCfg.MetricLabels = cfg.metricLabels
	if cfg.quicPort != 0 {
		cfg.trCfg.QUIC = &link.QUICConfig{
			BindPort: cfg.quicPort,
			Key:      n.ident.PrivateKey(),
		}
	}
	n.tr, err = link.NewTransport(&cfg.trCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	cfg.retry.MetricSink = n.msink

	n.table, err = discovery.NewPeerTable(
		self,
		discovery.WithPeerTTL(cfg.peerTTL),
		discovery.WithGracePeriod(cfg.peerGrace),
		discovery.WithTableLog(handler),
		discovery.WithTableMetricSink(n.msink),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	n.links = optimize.NewLinkStats(optimize.DefaultSmoothing, n.msink)
	n.announcer = discovery.NewAnnouncer(n.ident, n.localState)
	n.ingester = discovery.NewIngester(n.table, n.dir, handler, n.msink)
	n.gossiper = discovery.NewGossiper(discovery.GossipConfig{
		Interval:   cfg.gossipInterval,
		Fanout:     cfg.gossipFanout,
		LogHandler: handler,
		MetricSink: n.msink,
	}, n.table, n.ingester, n.announcer, n.tr.SendUnreliable)

	n.membership, err = discovery.NewMembership(discovery.MembershipConfig{
		BindAddr:     cfg.trCfg.BindAddr,
		BindPort:     n.tr.Addr().Port,
		Transport:    n.tr,
		MetricLabels: cfg.metricLabels,
		LogHandler:   handler,
	}, n.table, n.ingester, n.announcer, n.handleBroadcast)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}

	routerOpts := []routing.Option{
		routing.WithStrategy(cfg.strategy),
		routing.WithRecomputeInterval(cfg.recompute),
		routing.WithDebounce(cfg.debounce),
		routing.WithLog(handler),
		routing.WithMetricSink(n.msink),
	}
	if cfg.staleAfter > 0 {
		routerOpts = append(routerOpts, routing.WithStaleAfter(cfg.staleAfter))
	}
	n.router, err = routing.NewRouter(self, n.table, n.links, routerOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}

	n.compressor, err = optimize.NewCompressor(cfg.compressionThreshold, cfg.maxMessageSize, n.msink)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	n.conns, err = pool.New(
		n.dialPeer,
		pool.WithMaxPerPeer(cfg.maxPerPeer),
		pool.WithAcquireTimeout(cfg.acquireTimeout),
		pool.WithMaxIdleTime(cfg.maxIdleTime),
		pool.WithLog(handler),
		pool.WithMetricSink(n.msink),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	if cfg.batchWindow > 0 {
		n.batcher, err = optimize.NewBatcher(optimize.BatcherConfig{
			Window:       cfg.batchWindow,
			MaxBatch:     cfg.batchMax,
			FlushTimeout: cfg.requestTimeout,
			LogHandler:   handler,
			MetricSink:   n.msink,
		}, n.flushBatch)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	n.detector, err = fault.NewFailureDetector(
		n.sendHeartbeat,
		n.heartbeatTargets,
		fault.WithHeartbeatInterval(cfg.hbInterval),
		fault.WithMissThreshold(cfg.missThreshold),
		fault.WithLoad(n.load),
		fault.WithDetectorLog(handler),
		fault.WithDetectorMetricSink(n.msink),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	n.replicas, err = fault.NewReplicationManager(
		self,
		n.sendReplica,
		n.replicaCandidates,
		fault.WithFactor(cfg.replicationFactor),
		fault.WithRepairInterval(cfg.repairInterval),
		fault.WithReplicationLog(handler),
		fault.WithReplicationMetricSink(n.msink),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	if cfg.checkpointDir != "" {
		store, err := fault.NewFileStore(cfg.checkpointDir)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
		cpOpts := []fault.CheckpointOption{
			fault.WithCheckpointInterval(cfg.checkpointInterval),
			fault.WithRetention(cfg.checkpointRetention),
			fault.WithCheckpointLog(handler),
			fault.WithCheckpointMetricSink(n.msink),
		}
		if cfg.checkpointKey != nil {
			cpOpts = append(cpOpts, fault.WithEncryption(cfg.checkpointKey))
		}
		n.checkpoints, err = fault.NewCheckpointManager(store, n.snapshot, cpOpts...)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	// The alert manager reports to the caller's sink only, feeding its own
	// metrics back to the collector it observes would loop.
	n.alerts, err = monitor.NewAlertManager(
		monitor.WithAlertLog(handler),
		monitor.WithAlertMetricSink(mesh.Sink(cfg.msink)),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	for _, rule := range cfg.rules {
		if err := n.alerts.AddRule(rule); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}
	n.alerts.Subscribe(monitor.NewLogSink(handler))
	for _, sink := range cfg.sinks {
		n.alerts.Subscribe(sink)
	}
	n.collector.Observe(n.alerts.Observe)
	n.health = monitor.NewHealthChecker(2 * time.Second)
	n.registerChecks()

	if cfg.multicast != nil {
		mc := *cfg.multicast
		mc.LogHandler = handler
		mc.MetricSink = n.msink
		n.multicast, err = discovery.NewMulticaster(mc, n.announcer, n.ingester)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	n.wire()
	n.restore()

	n.ctx, n.cancel = context.WithCancel(context.Background())
	var gctx context.Context
	n.tasks, gctx = errgroup.WithContext(n.ctx)
	n.tasks.Go(func() error { return n.router.Run(gctx) })
	n.tasks.Go(func() error { return n.detector.Run(gctx) })
	n.tasks.Go(func() error { return n.gossiper.Run(gctx) })
	n.tasks.Go(func() error { return n.replicas.Run(gctx) })
	n.tasks.Go(func() error { return n.alerts.Run(gctx, cfg.alertInterval) })
	n.tasks.Go(func() error { return n.maintain(gctx) })
	n.tasks.Go(func() error { return n.serveMesh(gctx) })
	n.tasks.Go(func() error { return n.serveDatagrams(gctx) })
	if n.checkpoints != nil {
		n.tasks.Go(func() error { return n.checkpoints.Run(gctx) })
	}
	if n.multicast != nil {
		n.tasks.Go(func() error { return n.multicast.Run(gctx) })
	}
	if cfg.stunServer != "" {
		n.tasks.Go(func() error { return n.learnReflexive(gctx) })
	}

	n.logger.Info(
		"node started",
		"addr", n.tr.AdvertiseAddr(),
		mesh.LabelStrategy.L(cfg.strategy),
	)
	return n, nil
}

// wire connects the health signals of the components: detector verdicts
// feed the peer table, whose transitions drive routing, the pool and the
// replicas.
func (n *Node) wire() {
	n.detector.OnChange(func(ch fault.HealthChange) {
		if ch.To != mesh.HealthUnknown {
			n.table.SetHealth(ch.Peer, ch.To)
		}
	})
	n.detector.OnRTT(func(peer mesh.NodeID, rtt time.Duration, load float64) {
		_, measured := n.links.Latency(peer)
		n.links.ObserveRTT(peer, rtt)
		n.table.Touch(peer, load)
		if !measured {
			n.router.Trigger("link measured")
		}
	})
	n.table.OnTransition(func(tr discovery.Transition) {
		n.router.Trigger("peer " + tr.To.String())
		if tr.To.Routable() {
			return
		}
		n.conns.Evict(tr.Peer)
		if tr.To == mesh.HealthUnknown {
			n.links.Forget(tr.Peer)
		}
		n.background(func(ctx context.Context) {
			n.replicas.PeerDown(ctx, tr.Peer)
		})
	})
}

// background runs fn unless the node is shutting down. Shutdown waits
// for it.
func (n *Node) background(fn func(ctx context.Context)) {
	n.lk.Lock()
	if n.shutdown || n.ctx == nil {
		n.lk.Unlock()
		return
	}
	n.wg.Add(1)
	ctx := n.ctx
	n.lk.Unlock()

	go func() {
		defer n.wg.Done()
		fn(ctx)
	}()
}

// restore resumes from the latest checkpoint so the node does not start
// from an empty membership.
func (n *Node) restore() {
	if n.checkpoints == nil {
		return
	}
	cp, err := n.checkpoints.Latest()
	if errors.Is(err, fault.ErrNoCheckpoint) {
		return
	}
	if err != nil {
		n.logger.Warn("checkpoint not restored", mesh.LabelError.L(err))
		return
	}
	if cp.NodeID != n.ID() {
		n.logger.Warn("ignoring checkpoint of another node", mesh.LabelPeer.L(cp.NodeID))
		return
	}

	for _, p := range cp.Peers {
		if len(p.PublicKey) > 0 {
			if err := n.dir.Learn(p.ID, p.PublicKey); err != nil {
				n.logger.Warn("restored peer has an invalid key", mesh.LabelPeer.L(p.ID), mesh.LabelError.L(err))
			}
		}
	}
	peers := n.table.Restore(cp.Peers)
	n.links.Restore(cp.Links)
	for _, r := range cp.Routes {
		if r.Source != mesh.RouteStatic {
			continue
		}
		if err := n.router.AddStaticRoute(r.Destination, r.NextHop, r.Cost); err != nil {
			n.logger.Warn("static route not restored", mesh.LabelDestination.L(r.Destination), mesh.LabelError.L(err))
		}
	}
	n.replicas.Restore(cp.Replicas)
	n.router.Recompute()

	n.logger.Info(
		"checkpoint restored",
		"created_at", cp.CreatedAt,
		"peers", peers,
		"replicas", len(cp.Replicas),
	)
}

func (n *Node) snapshot() *fault.Checkpoint {
	return &fault.Checkpoint{
		NodeID:   n.ID(),
		Peers:    n.table.Peers(),
		Routes:   n.router.Table().Entries(),
		Links:    n.links.Latencies(),
		Replicas: n.replicas.Records(),
	}
}

func (n *Node) registerChecks() {
	_ = n.health.Register(monitor.Check{
		Name:     "transport",
		Critical: true,
		Probe: func(context.Context) error {
			if n.closing() {
				return ErrNodeClosed
			}
			return nil
		},
	})
	_ = n.health.Register(monitor.Check{
		Name: "peers",
		Probe: func(context.Context) error {
			if len(n.config.seeds) == 0 || len(n.replicaCandidates()) > 0 {
				return nil
			}
			return fmt.Errorf("%w: no routable peer", ErrPeerUnreachable)
		},
	})
	_ = n.health.Register(monitor.Check{
		Name: "alerts",
		Probe: func(context.Context) error {
			for _, a := range n.alerts.Active() {
				if a.Level == monitor.LevelCritical {
					return fmt.Errorf("critical alert %s is active", a.Rule)
				}
			}
			return nil
		},
	})
}

// maintain expires silent peers and forgotten revocations.
func (n *Node) maintain(ctx context.Context) error {
	interval := min(time.Second, n.config.peerTTL/2)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n.table.Sweep()
			n.caps.Prune()
			n.msink.SetGauge(MetricInflight, float32(n.inflight.Load()))
		}
	}
}

// learnReflexive learns the address NAT gives us, failures are not fatal.
func (n *Node) learnReflexive(ctx context.Context) error {
	addr, err := discovery.ReflexiveAddr(ctx, n.config.stunServer, 3*time.Second)
	if err != nil {
		n.logger.Warn("reflexive address not found", "server", n.config.stunServer, mesh.LabelError.L(err))
		return nil
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil
	}
	reflexive := net.JoinHostPort(host, strconv.Itoa(n.tr.Addr().Port))

	n.lk.Lock()
	n.reflexive = reflexive
	n.lk.Unlock()
	n.logger.Info("reflexive address found", "addr", reflexive)
	return nil
}

// Join contacts the seeds, the configured ones when none are given, and
// returns how many answered.
func (n *Node) Join(seeds ...string) (int, error) {
	if n.closing() {
		return 0, ErrNodeClosed
	}
	if len(seeds) == 0 {
		seeds = n.config.seeds
	}
	joined, err := n.membership.Join(seeds)
	if err != nil {
		return joined, err
	}
	if joined > 0 {
		n.logger.Info("mesh joined", "seeds", joined)
		n.gossiper.Round()
		n.router.Trigger("joined")
	}
	return joined, nil
}

func (n *Node) closing() bool {
	n.lk.Lock()
	defer n.lk.Unlock()
	return n.shutdown
}

func (n *Node) ID() mesh.NodeID {
	return n.ident.ID()
}

func (n *Node) Identity() identity.Public {
	return n.ident.Public()
}

// Addr is the "host:port" peers reach this node on.
func (n *Node) Addr() string {
	return n.tr.AdvertiseAddr()
}

func (n *Node) Peers() []mesh.PeerRecord {
	return n.table.Peers()
}

func (n *Node) Routes() []mesh.RouteEntry {
	return n.router.Table().Entries()
}

// GetRoute returns how dest is currently reached.
func (n *Node) GetRoute(dest mesh.NodeID) (mesh.RouteEntry, error) {
	return n.router.Route(dest)
}

// GetHealth is the local opinion of the health of id.
func (n *Node) GetHealth(id mesh.NodeID) mesh.HealthStatus {
	if id == n.ID() {
		if n.closing() {
			return mesh.Unreachable
		}
		return mesh.Healthy
	}
	return n.table.Health(id)
}

// DetectionBound is the longest a dead next hop stays routable.
func (n *Node) DetectionBound() time.Duration {
	return n.detector.DetectionBound()
}

func (n *Node) AddStaticRoute(dest, nextHop mesh.NodeID, cost float64) error {
	if err := n.router.AddStaticRoute(dest, nextHop, cost); err != nil {
		return err
	}
	n.router.Trigger("static route")
	return nil
}

func (n *Node) RemoveStaticRoute(dest mesh.NodeID) bool {
	return n.router.RemoveStaticRoute(dest)
}

// SubscribeAlerts registers sink for every raised and resolved alert. The
// returned function unsubscribes it.
func (n *Node) SubscribeAlerts(sink monitor.Sink) func() {
	return n.alerts.Subscribe(sink)
}

func (n *Node) AddAlertRule(rule monitor.Rule) error {
	return n.alerts.AddRule(rule)
}

func (n *Node) Alerts() []monitor.Alert {
	return n.alerts.Active()
}

func (n *Node) AlertHistory() []monitor.Alert {
	return n.alerts.History()
}

func (n *Node) Metrics() *monitor.Collector {
	return n.collector
}

// Health runs the health checks of the node.
func (n *Node) Health(ctx context.Context) monitor.Report {
	return n.health.Check(ctx)
}

// Audit returns up to the last limit authorization decisions.
func (n *Node) Audit(limit int) []security.AuditRecord {
	return n.audit.Recent(limit)
}

// Checkpoint saves the state of the node now.
func (n *Node) Checkpoint() (string, error) {
	if n.checkpoints == nil {
		return "", ErrNoCheckpoints
	}
	return n.checkpoints.Save()
}

// Replicate keeps value available on distinct peers, as many as the
// replication factor. ErrReplicationDegraded is returned, with the peers
// that did store it, when too few peers are routable.
func (n *Node) Replicate(ctx context.Context, key string, value []byte) ([]mesh.NodeID, error) {
	if n.closing() {
		return nil, ErrNodeClosed
	}
	return n.replicas.Put(ctx, key, value)
}

// Replica returns a value replicated by this node or held for a peer.
func (n *Node) Replica(key string) ([]byte, bool) {
	return n.replicas.Get(key)
}

func (n *Node) replicaCandidates() []mesh.NodeID {
	var ids []mesh.NodeID
	for _, p := range n.table.Peers() {
		if p.Health.Routable() {
			ids = append(ids, p.ID)
		}
	}
	slices.Sort(ids)
	return ids
}

func (n *Node) Shutdown() error {
	// Phase 1: Shutdown notify.
	n.lk.Lock()
	if n.shutdown {
		n.lk.Unlock()
		return nil
	}
	n.shutdown = true
	endpoints := make([]*endpoint, 0, len(n.endpoints))
	for _, ep := range n.endpoints {
		endpoints = append(endpoints, ep)
	}
	n.lk.Unlock()

	start := time.Now()
	n.logger.Info("shutting down...")

	if n.checkpoints != nil {
		n.logger.Info("shutdown: final checkpoint")
		if _, err := n.checkpoints.Save(); err != nil {
			n.logger.Warn("final checkpoint failed", mesh.LabelError.L(err))
		}
	}

	n.logger.Info("shutdown: leave mesh")
	if err := n.membership.Leave(n.config.leaveTimeout); err != nil {
		n.logger.Warn("leave did not propagate", mesh.LabelError.L(err))
	}

	n.logger.Info("shutdown: close endpoints")
	for _, ep := range endpoints {
		ep.close()
	}

	// Phase 2: Drop all resources.
	n.logger.Info("shutdown: wait for sub-tasks to finish")
	n.cancel()
	if err := n.tasks.Wait(); err != nil {
		n.logger.Error("background task failed", mesh.LabelError.L(err))
	}
	n.release()
	n.wg.Wait()

	n.logger.Info("shutdown: completed", mesh.LabelDuration.L(time.Since(start)))
	return nil
}

// release frees whatever Create managed to allocate.
func (n *Node) release() {
	if n.batcher != nil {
		_ = n.batcher.Close()
	}
	if n.conns != nil {
		_ = n.conns.Close()
	}
	if n.multicast != nil {
		_ = n.multicast.Close()
	}
	if n.membership != nil && n.ctx == nil {
		_ = n.membership.Leave(0)
	}
	if n.tr != nil {
		_ = n.tr.Shutdown()
	}
	if n.compressor != nil {
		_ = n.compressor.Close()
	}
	if n.audit != nil {
		_ = n.audit.Close()
	}
}
