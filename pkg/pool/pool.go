// Package pool bounds and reuses connections per peer.
//
// Every peer gets its own weighted semaphore of MaxPerPeer slots. A Lease
// holds one slot until it is released, even when the connection is
// discarded, so the number of connections open to a peer never exceeds
// the bound.
package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/noodlenet/pkg/mesh"
	"golang.org/x/sync/semaphore"
)

var (
	ErrPoolExhausted = errors.New("pool: exhausted")
	ErrPoolClosed    = errors.New("pool: closed")
	ErrInvalidCfg    = errors.New("pool: invalid options")
)

var (
	MetricAcquireHit      = []string{"noodlenet", "pool", "acquire", "hit"}
	MetricAcquireMiss     = []string{"noodlenet", "pool", "acquire", "miss"}
	MetricAcquireTimeout  = []string{"noodlenet", "pool", "acquire", "timeout"}
	MetricAcquireDuration = []string{"noodlenet", "pool", "acquire", "duration"}
	MetricIdleReaped      = []string{"noodlenet", "pool", "idle", "reaped"}
	MetricOpen            = []string{"noodlenet", "pool", "open"}
)

// State of a pooled connection.
type State uint8

const (
	StateIdle State = iota
	StateInUse
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInUse:
		return "in_use"
	default:
		return "closed"
	}
}

// Factory opens a new connection to peer.
type Factory[C io.Closer] func(ctx context.Context, peer mesh.NodeID) (C, error)

type config struct {
	maxPerPeer     int64
	acquireTimeout time.Duration
	maxIdleTime    time.Duration
	reapInterval   time.Duration
	now            func() time.Time
	logHandler     slog.Handler
	msink          metrics.MetricSink
}

type Option func(*config) error

func WithMaxPerPeer(n int) Option {
	return func(c *config) error {
		if n <= 0 {
			return fmt.Errorf("%w: max connections per peer must be positive", ErrInvalidCfg)
		}
		c.maxPerPeer = int64(n)
		return nil
	}
}

// WithAcquireTimeout bounds how long Acquire waits for a free slot.
func WithAcquireTimeout(d time.Duration) Option {
	return func(c *config) error {
		if d <= 0 {
			return fmt.Errorf("%w: acquire timeout must be positive", ErrInvalidCfg)
		}
		c.acquireTimeout = d
		return nil
	}
}

// WithMaxIdleTime closes idle connections unused for longer than d.
func WithMaxIdleTime(d time.Duration) Option {
	return func(c *config) error {
		c.maxIdleTime = d
		return nil
	}
}

func WithReapInterval(d time.Duration) Option {
	return func(c *config) error {
		c.reapInterval = d
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

type entry[C io.Closer] struct {
	conn     C
	lastUsed time.Time
}

type peerPool[C io.Closer] struct {
	sem  *semaphore.Weighted
	idle []*entry[C]
	open int
}

// Pool is a bounded per-peer connection pool.
type Pool[C io.Closer] struct {
	cfg     config
	factory Factory[C]
	logger  *slog.Logger
	msink   metrics.MetricSink

	peers  map[mesh.NodeID]*peerPool[C]
	closed bool
	lk     sync.Mutex

	stopReaper context.CancelFunc
	reaperDone chan struct{}
}

func New[C io.Closer](factory Factory[C], opts ...Option) (*Pool[C], error) {
	cfg := config{
		maxPerPeer:     10,
		acquireTimeout: 5 * time.Second,
		maxIdleTime:    time.Minute,
		now:            time.Now,
	}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	if factory == nil {
		return nil, fmt.Errorf("%w: a factory is required", ErrInvalidCfg)
	}
	// A negative reap interval disables the background reaper.
	if cfg.reapInterval == 0 {
		cfg.reapInterval = cfg.maxIdleTime / 2
	}

	p := &Pool[C]{
		cfg:     cfg,
		factory: factory,
		logger:  mesh.Logger(cfg.logHandler).With("component", "pool"),
		msink:   mesh.Sink(cfg.msink),
		peers:   make(map[mesh.NodeID]*peerPool[C]),
	}

	if cfg.maxIdleTime > 0 && cfg.reapInterval > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		p.stopReaper = cancel
		p.reaperDone = make(chan struct{})
		go p.reaper(ctx)
	}
	return p, nil
}

func (p *Pool[C]) peer(id mesh.NodeID) *peerPool[C] {
	pp, ok := p.peers[id]
	if !ok {
		pp = &peerPool[C]{sem: semaphore.NewWeighted(p.cfg.maxPerPeer)}
		p.peers[id] = pp
	}
	return pp
}

// Acquire borrows a connection to peer, reusing an idle one when possible.
// It waits at most the acquire timeout for a slot and then fails with
// ErrPoolExhausted. Cancelling ctx yields mesh.ErrOperationCancelled.
func (p *Pool[C]) Acquire(ctx context.Context, peer mesh.NodeID) (*Lease[C], error) {
	start := p.cfg.now()
	p.lk.Lock()
	if p.closed {
		p.lk.Unlock()
		return nil, ErrPoolClosed
	}
	pp := p.peer(peer)
	p.lk.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, p.cfg.acquireTimeout)
	defer cancel()
	if err := pp.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, mesh.Cancelled(ctx.Err())
		}
		p.msink.IncrCounterWithLabels(MetricAcquireTimeout, 1.0, []metrics.Label{mesh.LabelPeer.M(string(peer))})
		return nil, fmt.Errorf("%w: %d connections to %s in use", ErrPoolExhausted, p.cfg.maxPerPeer, peer.Short())
	}

	p.lk.Lock()
	if p.closed {
		p.lk.Unlock()
		pp.sem.Release(1)
		return nil, ErrPoolClosed
	}
	if n := len(pp.idle); n > 0 {
		e := pp.idle[n-1]
		pp.idle = pp.idle[:n-1]
		p.lk.Unlock()
		p.msink.IncrCounter(MetricAcquireHit, 1.0)
		p.msink.AddSample(MetricAcquireDuration, mesh.Milliseconds(p.cfg.now().Sub(start)))
		return &Lease[C]{pool: p, peer: peer, conn: e.conn, reused: true, state: StateInUse}, nil
	}
	pp.open++
	p.lk.Unlock()

	conn, err := p.factory(ctx, peer)
	if err != nil {
		p.lk.Lock()
		pp.open--
		p.lk.Unlock()
		pp.sem.Release(1)
		if ctx.Err() != nil && !errors.Is(err, mesh.ErrOperationCancelled) {
			return nil, mesh.Cancelled(ctx.Err())
		}
		return nil, err
	}

	p.msink.IncrCounter(MetricAcquireMiss, 1.0)
	p.msink.AddSample(MetricAcquireDuration, mesh.Milliseconds(p.cfg.now().Sub(start)))
	p.emitOpen()
	return &Lease[C]{pool: p, peer: peer, conn: conn, state: StateInUse}, nil
}

// With runs fn with a leased connection. The connection is returned to the
// pool when fn succeeds and discarded when it fails.
func (p *Pool[C]) With(ctx context.Context, peer mesh.NodeID, fn func(C) error) error {
	lease, err := p.Acquire(ctx, peer)
	if err != nil {
		return err
	}
	defer lease.Release()

	if err := fn(lease.Conn()); err != nil {
		lease.Discard()
		return err
	}
	return nil
}

func (p *Pool[C]) release(peer mesh.NodeID, conn C, keep bool) {
	p.lk.Lock()
	pp := p.peers[peer]
	if p.closed {
		keep = false
	}
	if keep {
		pp.idle = append(pp.idle, &entry[C]{conn: conn, lastUsed: p.cfg.now()})
	} else {
		pp.open--
	}
	p.lk.Unlock()
	pp.sem.Release(1)

	if !keep {
		conn.Close()
		p.emitOpen()
	}
}

// Size is how many connections are open to peer, idle or in use.
func (p *Pool[C]) Size(peer mesh.NodeID) int {
	p.lk.Lock()
	defer p.lk.Unlock()
	if pp, ok := p.peers[peer]; ok {
		return pp.open
	}
	return 0
}

// Idle is how many connections to peer are waiting for reuse.
func (p *Pool[C]) Idle(peer mesh.NodeID) int {
	p.lk.Lock()
	defer p.lk.Unlock()
	if pp, ok := p.peers[peer]; ok {
		return len(pp.idle)
	}
	return 0
}

// Evict closes every idle connection to peer, typically once it is
// declared unreachable.
func (p *Pool[C]) Evict(peer mesh.NodeID) int {
	p.lk.Lock()
	pp, ok := p.peers[peer]
	if !ok {
		p.lk.Unlock()
		return 0
	}
	idle := pp.idle
	pp.idle = nil
	pp.open -= len(idle)
	p.lk.Unlock()

	for _, e := range idle {
		e.conn.Close()
	}
	if len(idle) > 0 {
		p.emitOpen()
	}
	return len(idle)
}

// Reap closes idle connections unused since before now - max idle time.
func (p *Pool[C]) Reap() int {
	if p.cfg.maxIdleTime <= 0 {
		return 0
	}
	cutoff := p.cfg.now().Add(-p.cfg.maxIdleTime)

	var stale []*entry[C]
	p.lk.Lock()
	for _, pp := range p.peers {
		kept := pp.idle[:0]
		for _, e := range pp.idle {
			if e.lastUsed.Before(cutoff) {
				stale = append(stale, e)
				pp.open--
			} else {
				kept = append(kept, e)
			}
		}
		pp.idle = kept
	}
	p.lk.Unlock()

	for _, e := range stale {
		e.conn.Close()
	}
	if len(stale) > 0 {
		p.msink.IncrCounter(MetricIdleReaped, float32(len(stale)))
		p.logger.Debug("closed idle connections", "count", len(stale))
		p.emitOpen()
	}
	return len(stale)
}

func (p *Pool[C]) reaper(ctx context.Context) {
	defer close(p.reaperDone)
	ticker := time.NewTicker(p.cfg.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Reap()
		}
	}
}

func (p *Pool[C]) emitOpen() {
	p.lk.Lock()
	total := 0
	for _, pp := range p.peers {
		total += pp.open
	}
	p.lk.Unlock()
	p.msink.SetGauge(MetricOpen, float32(total))
}

// Close closes idle connections and stops the reaper. Leased connections
// are closed when released.
func (p *Pool[C]) Close() error {
	p.lk.Lock()
	if p.closed {
		p.lk.Unlock()
		return nil
	}
	p.closed = true
	var errs []error
	for _, pp := range p.peers {
		for _, e := range pp.idle {
			errs = append(errs, e.conn.Close())
		}
		pp.open -= len(pp.idle)
		pp.idle = nil
	}
	p.lk.Unlock()

	if p.stopReaper != nil {
		p.stopReaper()
		<-p.reaperDone
	}
	return errors.Join(errs...)
}

// Lease is a borrowed connection. Exactly one of Release or Discard takes
// effect, later calls are no-ops, so `defer lease.Release()` is always safe.
type Lease[C io.Closer] struct {
	pool   *Pool[C]
	peer   mesh.NodeID
	conn   C
	reused bool
	state  State
	lk     sync.Mutex
}

func (l *Lease[C]) Conn() C {
	return l.conn
}

func (l *Lease[C]) Peer() mesh.NodeID {
	return l.peer
}

// Reused reports whether the connection came from the idle list.
func (l *Lease[C]) Reused() bool {
	return l.reused
}

// State is StateInUse until the lease is released or discarded.
func (l *Lease[C]) State() State {
	l.lk.Lock()
	defer l.lk.Unlock()
	return l.state
}

// Release returns the connection to the idle list.
func (l *Lease[C]) Release() {
	l.finish(true)
}

// Discard closes the connection instead of returning it, after a failure.
func (l *Lease[C]) Discard() {
	l.finish(false)
}

func (l *Lease[C]) finish(keep bool) {
	l.lk.Lock()
	if l.state != StateInUse {
		l.lk.Unlock()
		return
	}
	if keep {
		l.state = StateIdle
	} else {
		l.state = StateClosed
	}
	l.lk.Unlock()

	l.pool.release(l.peer, l.conn, keep)
}
