package flow

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/raskyld/noodlenet"
	"github.com/raskyld/noodlenet/pkg/mesh"
)

// Message is a decoded delivery.
type Message[T any] struct {
	Value    T
	Delivery *noodlenet.Delivery
}

// Receiver is a thread-safe and typed flow reader. It owns the endpoint
// and closes it with the flow.
//
// Deliveries which do not carry the codec content type or fail to decode
// are dropped, see [Receiver.Dropped].
type Receiver[T any] struct {
	ep    noodlenet.Endpoint
	codec Codec[T]

	readCh     chan Message[T]
	closeCh    chan struct{}
	cancel     context.CancelFunc
	mainLoopWg sync.WaitGroup
	dropped    atomic.Uint64

	// handle Close sync.
	err error
	lk  sync.Mutex
}

func NewReceiver[T any](ep noodlenet.Endpoint, codec Codec[T], bufferSize uint) *Receiver[T] {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Receiver[T]{
		ep:    ep,
		codec: codec,

		readCh:  make(chan Message[T], bufferSize),
		closeCh: make(chan struct{}),
		cancel:  cancel,
	}

	r.mainLoopWg.Add(1)
	go r.run(ctx)

	return r
}

// Recv returns the next message, in the order the endpoint accepted them.
func (r *Receiver[T]) Recv(ctx context.Context) (result Message[T], err error) {
	r.lk.Lock()
	if r.err != nil {
		r.lk.Unlock()
		return result, r.err
	}
	r.lk.Unlock()

	select {
	case <-ctx.Done():
		return result, mesh.Cancelled(ctx.Err())
	case elem, ok := <-r.readCh:
		if !ok {
			return result, ErrFlowClosed
		}
		return elem, nil
	}
}

// Dropped counts the deliveries which could not be decoded.
func (r *Receiver[T]) Dropped() uint64 {
	return r.dropped.Load()
}

func (r *Receiver[T]) Close() error {
	return r.closeWith(ErrFlowClosed, true)
}

func (r *Receiver[T]) closeWith(cause error, mustWait bool) error {
	r.lk.Lock()
	if r.err != nil {
		r.lk.Unlock()
		return nil
	}
	r.err = cause
	close(r.closeCh)
	r.cancel()
	err := r.ep.Close()
	r.lk.Unlock()
	if mustWait {
		r.mainLoopWg.Wait()
	}
	close(r.readCh)
	return err
}

func (r *Receiver[T]) run(ctx context.Context) {
	defer r.mainLoopWg.Done()
	for {
		d, err := r.ep.Accept(ctx)
		if err != nil {
			_ = r.closeWith(err, false)
			return
		}

		if d.ContentType != r.codec.ContentType() {
			r.dropped.Add(1)
			continue
		}
		value, err := r.codec.Unmarshal(d.Payload)
		if err != nil {
			r.dropped.Add(1)
			continue
		}

		select {
		case <-r.closeCh:
			return
		case r.readCh <- Message[T]{Value: value, Delivery: d}:
		}
	}
}
