// Package optimize holds the message optimizer of the send path: batching
// of small frames per next hop, payload compression and link statistics.
package optimize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/noodlenet/pkg/mesh"
)

var (
	ErrBatcherClosed = errors.New("optimize: batcher closed")
	ErrInvalidCfg    = errors.New("optimize: invalid options")
)

var (
	MetricBatchSize   = []string{"noodlenet", "optimize", "batch", "size"}
	MetricBatchFlush  = []string{"noodlenet", "optimize", "batch", "flush"}
	MetricBatchWaitMs = []string{"noodlenet", "optimize", "batch", "wait"}
)

// Result is the outcome of one frame of a flushed batch.
type Result struct {
	Reply []byte
	Err   error
}

// FlushFunc sends frames, in order, to hop and returns one Result per
// frame.
type FlushFunc func(ctx context.Context, hop mesh.NodeID, frames [][]byte) []Result

type BatcherConfig struct {
	// Window is how long the first frame of a batch may wait for company.
	Window time.Duration

	// MaxBatch flushes as soon as that many frames are queued for a hop.
	MaxBatch int

	// FlushTimeout bounds a single flush.
	FlushTimeout time.Duration

	LogHandler slog.Handler
	MetricSink metrics.MetricSink
}

type pending struct {
	frame    []byte
	enqueued time.Time
	flushBy  time.Time
	taken    bool
	done     chan Result
}

type hopQueue struct {
	items []*pending
	wake  chan struct{}
}

// Batcher groups frames bound to the same next hop. Frames are flushed in
// submission order when the window elapses or when MaxBatch frames are
// queued. A frame with a deadline waits at most half of the time it had
// left when submitted, so its batch leaves with the other half for the
// trip.
type Batcher struct {
	cfg    BatcherConfig
	flush  FlushFunc
	logger *slog.Logger
	msink  metrics.MetricSink

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	queues map[mesh.NodeID]*hopQueue
	closed bool
	lk     sync.Mutex
}

func NewBatcher(cfg BatcherConfig, flush FlushFunc) (*Batcher, error) {
	if flush == nil {
		return nil, fmt.Errorf("%w: a flush function is required", ErrInvalidCfg)
	}
	if cfg.Window < 0 {
		return nil, fmt.Errorf("%w: negative flush window", ErrInvalidCfg)
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 64
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Batcher{
		cfg:    cfg,
		flush:  flush,
		logger: mesh.Logger(cfg.LogHandler).With("component", "batcher"),
		msink:  mesh.Sink(cfg.MetricSink),
		ctx:    ctx,
		cancel: cancel,
		queues: make(map[mesh.NodeID]*hopQueue),
	}, nil
}

// Submit queues frame for hop and blocks until its batch was flushed. A
// zero deadline means none. If ctx is cancelled while the frame still
// waits in the queue, it is withdrawn and mesh.ErrOperationCancelled is
// returned.
func (b *Batcher) Submit(ctx context.Context, hop mesh.NodeID, frame []byte, deadline time.Time) ([]byte, error) {
	p := &pending{
		frame:    frame,
		enqueued: time.Now(),
		done:     make(chan Result, 1),
	}
	if !deadline.IsZero() {
		p.flushBy = p.enqueued.Add(deadline.Sub(p.enqueued) / 2)
	}

	b.lk.Lock()
	if b.closed {
		b.lk.Unlock()
		return nil, ErrBatcherClosed
	}
	q, ok := b.queues[hop]
	if !ok {
		q = &hopQueue{wake: make(chan struct{}, 1)}
		b.queues[hop] = q
		b.wg.Add(1)
		go b.run(hop, q)
	}
	q.items = append(q.items, p)
	b.lk.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}

	select {
	case res := <-p.done:
		return res.Reply, res.Err
	case <-ctx.Done():
		b.lk.Lock()
		if !p.taken {
			for i, item := range q.items {
				if item == p {
					q.items = append(q.items[:i], q.items[i+1:]...)
					break
				}
			}
			p.taken = true
		}
		b.lk.Unlock()
		return nil, mesh.Cancelled(ctx.Err())
	}
}

// due returns when the queue must be flushed. Caller holds b.lk.
func (b *Batcher) due(q *hopQueue) time.Time {
	at := q.items[0].enqueued.Add(b.cfg.Window)
	for _, item := range q.items {
		if !item.flushBy.IsZero() && item.flushBy.Before(at) {
			at = item.flushBy
		}
	}
	return at
}

func (b *Batcher) run(hop mesh.NodeID, q *hopQueue) {
	defer b.wg.Done()
	for {
		b.lk.Lock()
		if len(q.items) == 0 {
			// Idle hops don't keep a worker around.
			if b.queues[hop] == q {
				delete(b.queues, hop)
			}
			b.lk.Unlock()
			return
		}
		if b.closed {
			items := q.items
			q.items = nil
			for _, item := range items {
				item.taken = true
			}
			b.lk.Unlock()
			for _, item := range items {
				item.done <- Result{Err: ErrBatcherClosed}
			}
			continue
		}

		now := time.Now()
		due := b.due(q)
		if len(q.items) >= b.cfg.MaxBatch || !due.After(now) {
			n := min(len(q.items), b.cfg.MaxBatch)
			batch := make([]*pending, n)
			copy(batch, q.items[:n])
			q.items = append(q.items[:0], q.items[n:]...)
			for _, item := range batch {
				item.taken = true
			}
			b.lk.Unlock()
			b.send(hop, batch)
			continue
		}
		b.lk.Unlock()

		timer := time.NewTimer(due.Sub(now))
		select {
		case <-timer.C:
		case <-q.wake:
			timer.Stop()
		case <-b.ctx.Done():
			timer.Stop()
		}
	}
}

func (b *Batcher) send(hop mesh.NodeID, batch []*pending) {
	frames := make([][]byte, len(batch))
	now := time.Now()
	for i, item := range batch {
		frames[i] = item.frame
		b.msink.AddSample(MetricBatchWaitMs, mesh.Milliseconds(now.Sub(item.enqueued)))
	}

	ctx, cancel := context.WithTimeout(b.ctx, b.cfg.FlushTimeout)
	results := b.flush(ctx, hop, frames)
	cancel()

	b.msink.IncrCounterWithLabels(MetricBatchFlush, 1.0, []metrics.Label{mesh.LabelNextHop.M(string(hop))})
	b.msink.AddSample(MetricBatchSize, float32(len(frames)))

	if len(results) != len(batch) {
		b.logger.Error(
			"flush returned a wrong number of results",
			mesh.LabelNextHop.L(hop),
			"expected", len(batch),
			"got", len(results),
		)
	}
	for i, item := range batch {
		if i < len(results) {
			item.done <- results[i]
		} else {
			item.done <- Result{Err: fmt.Errorf("optimize: no result for frame %d of batch", i)}
		}
	}
}

// Pending is how many frames wait for hop.
func (b *Batcher) Pending(hop mesh.NodeID) int {
	b.lk.Lock()
	defer b.lk.Unlock()
	if q, ok := b.queues[hop]; ok {
		return len(q.items)
	}
	return 0
}

// Close fails every queued frame with ErrBatcherClosed and waits for the
// in-flight flushes.
func (b *Batcher) Close() error {
	b.lk.Lock()
	if b.closed {
		b.lk.Unlock()
		return nil
	}
	b.closed = true
	for _, q := range b.queues {
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
	b.lk.Unlock()

	b.cancel()
	b.wg.Wait()
	return nil
}
