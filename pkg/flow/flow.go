// Package flow gives typed, ordered message streams on top of a mesh node.
//
// A [Sender] encodes values with a [Codec] and delivers them to a remote
// endpoint one after the other, a [Receiver] decodes what an endpoint
// accepts. Both buffer so the caller is not held by the network.
package flow

import (
	"errors"

	"github.com/raskyld/noodlenet/pkg/wire"
)

var ErrFlowClosed = errors.New("flow: closed")

// Codec turns values of type T into payloads and back.
type Codec[T any] interface {
	ContentType() wire.ContentType
	Marshal(T) ([]byte, error)
	Unmarshal([]byte) (T, error)
}
