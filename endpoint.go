package noodlenet

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/raskyld/noodlenet/pkg/mesh"
	"github.com/raskyld/noodlenet/pkg/security"
	"github.com/raskyld/noodlenet/pkg/wire"
)

// endpointBacklog is how many deliveries wait for Accept before senders
// are held back.
const endpointBacklog = 64

// Endpoint receives the messages sent to a resource of the local node.
type Endpoint interface {
	Resource() string
	Accept(context.Context) (*Delivery, error)
	io.Closer
}

// Delivery is a message accepted by an Endpoint. It was authorised
// against Capability before being queued.
type Delivery struct {
	ID          uuid.UUID
	Source      mesh.NodeID
	Resource    string
	Operation   string
	ContentType wire.ContentType
	Payload     []byte
	ReceivedAt  time.Time
	Capability  *security.Capability
}

var _ Endpoint = (*endpoint)(nil)

type endpoint struct {
	resource string

	closed  bool
	closeCh chan struct{}
	lk      sync.Mutex

	forget     func(*endpoint)
	deliveries chan *Delivery
}

func newEndpoint(resource string, forget func(*endpoint)) *endpoint {
	return &endpoint{
		resource:   resource,
		forget:     forget,
		closeCh:    make(chan struct{}),
		deliveries: make(chan *Delivery, endpointBacklog),
	}
}

func (ep *endpoint) Resource() string {
	return ep.resource
}

func (ep *endpoint) Accept(ctx context.Context) (*Delivery, error) {
	select {
	case <-ctx.Done():
		return nil, mesh.Cancelled(ctx.Err())
	case <-ep.closeCh:
		return nil, ErrEndpointClosed
	case d := <-ep.deliveries:
		return d, nil
	}
}

// push queues d, waiting for room until ctx is done.
func (ep *endpoint) push(ctx context.Context, d *Delivery) error {
	select {
	case <-ep.closeCh:
		return ErrEndpointClosed
	default:
	}

	select {
	case ep.deliveries <- d:
		return nil
	case <-ep.closeCh:
		return ErrEndpointClosed
	case <-ctx.Done():
		return mesh.Cancelled(ctx.Err())
	}
}

func (ep *endpoint) Close() error {
	if ep.close() {
		ep.forget(ep)
	}
	return nil
}

// close reports whether this call closed the endpoint.
func (ep *endpoint) close() bool {
	ep.lk.Lock()
	defer ep.lk.Unlock()
	if ep.closed {
		return false
	}

	ep.closed = true
	close(ep.closeCh)
	return true
}

// Listen opens the endpoint of resource. Only one endpoint can listen on a
// resource at a time.
func (n *Node) Listen(resource string) (Endpoint, error) {
	if resource == "" {
		return nil, fmt.Errorf("%w: empty resource", ErrInvalidCfg)
	}

	n.lk.Lock()
	defer n.lk.Unlock()
	if n.shutdown {
		return nil, ErrNodeClosed
	}
	if _, ok := n.endpoints[resource]; ok {
		return nil, fmt.Errorf("%w: %s", ErrEndpointConflict, resource)
	}

	ep := newEndpoint(resource, n.forgetEndpoint)
	n.endpoints[resource] = ep
	n.logger.Debug("endpoint opened", mesh.LabelResource.L(resource))
	return ep, nil
}

func (n *Node) forgetEndpoint(ep *endpoint) {
	n.lk.Lock()
	defer n.lk.Unlock()
	if n.endpoints[ep.resource] == ep {
		delete(n.endpoints, ep.resource)
	}
}

func (n *Node) lookupEndpoint(resource string) *endpoint {
	n.lk.Lock()
	defer n.lk.Unlock()
	return n.endpoints[resource]
}
