package noodlenet

import (
	"errors"
	"fmt"

	"github.com/raskyld/noodlenet/pkg/discovery"
	"github.com/raskyld/noodlenet/pkg/fault"
	"github.com/raskyld/noodlenet/pkg/identity"
	"github.com/raskyld/noodlenet/pkg/link"
	"github.com/raskyld/noodlenet/pkg/mesh"
	"github.com/raskyld/noodlenet/pkg/pool"
	"github.com/raskyld/noodlenet/pkg/routing"
	"github.com/raskyld/noodlenet/pkg/security"
	"github.com/raskyld/noodlenet/pkg/wire"
)

var (
	ErrInvalidCfg       = errors.New("node: invalid options")
	ErrNodeClosed       = errors.New("node: closed")
	ErrEndpointClosed   = errors.New("node: endpoint closed")
	ErrEndpointConflict = errors.New("node: an endpoint already listens on this resource")
	ErrNoEndpoint       = errors.New("node: no endpoint for resource")
	ErrDeliveryFailed   = errors.New("node: delivery failed")
	ErrUnexpectedReply  = errors.New("node: unexpected reply")
	ErrNoCheckpoints    = errors.New("node: checkpoints are not enabled")
)

// The error taxonomy of the mesh. Every error returned by a Node matches one
// of them, or one of the errors above, with errors.Is.
var (
	ErrIdentity             = identity.ErrIdentity
	ErrConnectTimeout       = link.ErrConnectTimeout
	ErrWriteError           = link.ErrWriteError
	ErrPeerUnreachable      = link.ErrPeerUnreachable
	ErrNoRouteToDestination = routing.ErrNoRouteToDestination
	ErrAuthorizationDenied  = security.ErrAuthorizationDenied
	ErrPoolExhausted        = pool.ErrPoolExhausted
	ErrOperationCancelled   = mesh.ErrOperationCancelled
	ErrReplicationDegraded  = fault.ErrReplicationDegraded
	ErrJoin                 = discovery.ErrJoin
	ErrGrantRefused         = security.ErrGrantRefused
)

// nackError turns a negative acknowledgement into the taxonomy error the
// caller would have seen had the failure happened locally.
func nackError(nack *wire.Nack) error {
	var base error
	switch nack.Code {
	case wire.NackDenied:
		base = ErrAuthorizationDenied
	case wire.NackNoRoute:
		base = ErrNoRouteToDestination
	case wire.NackUnreachable:
		base = ErrPeerUnreachable
	case wire.NackExpired:
		base = ErrOperationCancelled
	case wire.NackNoEndpoint:
		base = ErrNoEndpoint
	default:
		base = ErrDeliveryFailed
	}
	if nack.Reason == "" {
		return fmt.Errorf("%w: %s at %s", base, nack.Code, nack.At.Short())
	}
	return fmt.Errorf("%w: %s at %s: %s", base, nack.Code, nack.At.Short(), nack.Reason)
}
