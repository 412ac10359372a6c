package flow

import (
	"context"
	"errors"
	"sync"

	"github.com/raskyld/noodlenet"
	"github.com/raskyld/noodlenet/pkg/mesh"
	"github.com/raskyld/noodlenet/pkg/security"
)

// RawSender delivers one payload at a time, [noodlenet.Node] implements it.
type RawSender interface {
	Send(
		ctx context.Context,
		dest mesh.NodeID,
		payload []byte,
		capab *security.Capability,
		opts ...noodlenet.SendOption,
	) (*noodlenet.Receipt, error)
}

var _ RawSender = (*noodlenet.Node)(nil)

// Sender is a thread-safe and typed flow writer. Messages are delivered in
// the order Send accepted them. The first delivery failure closes the flow
// and is returned by every later call.
type Sender[T any] struct {
	raw   RawSender
	codec Codec[T]
	dest  mesh.NodeID
	capab *security.Capability
	opts  []noodlenet.SendOption

	writeCh    chan T
	closeCh    chan struct{}
	mainLoopWg sync.WaitGroup

	// handle Close sync.
	writer sync.WaitGroup
	err    error
	lk     sync.Mutex
}

func NewSender[T any](
	raw RawSender,
	dest mesh.NodeID,
	capab *security.Capability,
	codec Codec[T],
	bufferSize uint,
	opts ...noodlenet.SendOption,
) *Sender[T] {
	w := &Sender[T]{
		raw:   raw,
		codec: codec,
		dest:  dest,
		capab: capab,
		opts:  append([]noodlenet.SendOption{noodlenet.WithContentType(codec.ContentType())}, opts...),

		writeCh: make(chan T, bufferSize),
		closeCh: make(chan struct{}),
	}

	w.mainLoopWg.Add(1)
	go w.run()

	return w
}

// Send queues msg. It blocks only while the buffer is full.
func (w *Sender[T]) Send(ctx context.Context, msg T) error {
	w.lk.Lock()
	if w.err != nil {
		w.lk.Unlock()
		return w.err
	}
	w.writer.Add(1)
	defer w.writer.Done()
	w.lk.Unlock()

	select {
	case <-ctx.Done():
		return mesh.Cancelled(ctx.Err())
	case <-w.closeCh:
		return ErrFlowClosed
	case w.writeCh <- msg:
	}

	return nil
}

// Err returns why the flow closed, nil while it is open.
func (w *Sender[T]) Err() error {
	w.lk.Lock()
	defer w.lk.Unlock()
	return w.err
}

// Close stops accepting messages and waits for the queued ones to be
// delivered.
func (w *Sender[T]) Close() error {
	w.closeWith(ErrFlowClosed)
	w.mainLoopWg.Wait()
	if err := w.Err(); !errors.Is(err, ErrFlowClosed) {
		return err
	}
	return nil
}

func (w *Sender[T]) closeWith(cause error) {
	w.lk.Lock()
	defer w.lk.Unlock()
	if w.err != nil {
		return
	}
	w.err = cause
	close(w.closeCh)
	w.writer.Wait()
	close(w.writeCh)
}

func (w *Sender[T]) run() {
	defer w.mainLoopWg.Done()
	for msg := range w.writeCh {
		payload, err := w.codec.Marshal(msg)
		if err == nil {
			_, err = w.raw.Send(context.Background(), w.dest, payload, w.capab, w.opts...)
		}
		if err != nil {
			w.fail(err)
			// Drain so closeWith is never stuck on a full buffer.
			for range w.writeCh {
			}
			return
		}
	}
}

// fail records err unless the flow is already closing, in which case the
// delivery error still wins over ErrFlowClosed.
func (w *Sender[T]) fail(err error) {
	w.lk.Lock()
	if w.err == nil {
		w.lk.Unlock()
		w.closeWith(err)
		return
	}
	if w.err == ErrFlowClosed {
		w.err = err
	}
	w.lk.Unlock()
}
