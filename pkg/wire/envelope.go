// Package wire defines the NoodleNet wire format: a closed, versioned
// envelope carrying one typed message, and the framing used on streams.
//
// Envelopes are protobuf-compatible on the wire (hand-encoded with
// protowire) and end with a CRC-32C checksum over every preceding byte.
package wire

import (
	"errors"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/google/uuid"
	"github.com/raskyld/noodlenet/pkg/mesh"
	"google.golang.org/protobuf/encoding/protowire"
)

// Version is the only envelope version this package speaks.
const Version uint32 = 1

// DefaultHopLimit bounds how many times an envelope can be forwarded.
const DefaultHopLimit uint32 = 16

var (
	ErrMalformed   = errors.New("wire: malformed envelope")
	ErrVersion     = errors.New("wire: unsupported envelope version")
	ErrChecksum    = errors.New("wire: checksum mismatch")
	ErrUnknownType = errors.New("wire: unknown message type")
	ErrTypeMatch   = errors.New("wire: message does not match envelope type")
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func malformed(err error) error {
	return fmt.Errorf("%w: %w", ErrMalformed, err)
}

func malformedf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrMalformed}, args...)...)
}

type ContentType uint8

const (
	ContentRaw ContentType = iota
	ContentJSON
	ContentProto
)

type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionZstd
)

const (
	fieldVersion     protowire.Number = 1
	fieldType        protowire.Number = 2
	fieldID          protowire.Number = 3
	fieldSource      protowire.Number = 4
	fieldDestination protowire.Number = 5
	fieldResource    protowire.Number = 6
	fieldOperation   protowire.Number = 7
	fieldCapability  protowire.Number = 8
	fieldContentType protowire.Number = 9
	fieldCompression protowire.Number = 10
	fieldPayload     protowire.Number = 11
	fieldDeadline    protowire.Number = 12
	fieldHopLimit    protowire.Number = 13
	fieldSignature   protowire.Number = 14
	fieldChecksum    protowire.Number = 15
)

// Envelope is the self-describing frame exchanged between nodes.
type Envelope struct {
	Version     uint32
	Type        MessageType
	ID          uuid.UUID
	Source      mesh.NodeID
	Destination mesh.NodeID

	// Resource and Operation scope the Capability presented with the message.
	Resource   string
	Operation  string
	Capability string

	ContentType ContentType
	Compression Compression
	Payload     []byte

	// Deadline is zero when the sender set none.
	Deadline time.Time
	HopLimit uint32

	// Signature covers SigningBytes. It is only set on messages sent outside
	// of a secure channel.
	Signature []byte
}

// NewEnvelope wraps msg into an envelope ready to be sent.
func NewEnvelope(msg Message, source, destination mesh.NodeID) *Envelope {
	return &Envelope{
		Version:     Version,
		Type:        msg.Type(),
		ID:          uuid.New(),
		Source:      source,
		Destination: destination,
		Payload:     msg.appendTo(nil),
		HopLimit:    DefaultHopLimit,
	}
}

func (env *Envelope) appendFields(b []byte, withSignature bool) []byte {
	b = appendVarint(b, fieldVersion, uint64(env.Version))
	b = appendVarint(b, fieldType, uint64(env.Type))
	if env.ID != uuid.Nil {
		b = appendBytes(b, fieldID, env.ID[:])
	}
	b = appendString(b, fieldSource, string(env.Source))
	b = appendString(b, fieldDestination, string(env.Destination))
	b = appendString(b, fieldResource, env.Resource)
	b = appendString(b, fieldOperation, env.Operation)
	b = appendString(b, fieldCapability, env.Capability)
	b = appendVarint(b, fieldContentType, uint64(env.ContentType))
	b = appendVarint(b, fieldCompression, uint64(env.Compression))
	b = appendBytes(b, fieldPayload, env.Payload)
	b = appendTime(b, fieldDeadline, env.Deadline)
	b = appendVarint(b, fieldHopLimit, uint64(env.HopLimit))
	if withSignature {
		b = appendBytes(b, fieldSignature, env.Signature)
	}
	return b
}

// SigningBytes is the canonical encoding covered by Signature. The hop
// limit is left out since relays decrement it.
func (env *Envelope) SigningBytes() []byte {
	signed := *env
	signed.HopLimit = 0
	return signed.appendFields(nil, false)
}

// Sign sets the signature using sign, typically identity.Identity.Sign.
func (env *Envelope) Sign(sign func([]byte) []byte) {
	env.Signature = sign(env.SigningBytes())
}

// Expired reports whether the envelope deadline has passed at now.
func (env *Envelope) Expired(now time.Time) bool {
	return !env.Deadline.IsZero() && now.After(env.Deadline)
}

// Marshal encodes the envelope and appends its checksum.
func (env *Envelope) Marshal() []byte {
	b := env.appendFields(make([]byte, 0, 128+len(env.Payload)), true)
	sum := crc32.Checksum(b, castagnoli)
	b = protowire.AppendTag(b, fieldChecksum, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, sum)
}

// Unmarshal decodes and validates an envelope. The checksum must be the
// last field.
func Unmarshal(buf []byte) (*Envelope, error) {
	env := &Envelope{}
	d := newDecoder(buf)
	checked := false

	for {
		offset := len(buf) - len(d.b)
		num, ok := d.next()
		if !ok {
			break
		}
		if checked {
			return nil, malformedf("data after checksum")
		}

		switch num {
		case fieldVersion:
			env.Version = uint32(d.varint())
		case fieldType:
			env.Type = MessageType(d.varint())
		case fieldID:
			raw := d.bytes()
			if d.err == nil {
				id, err := uuid.FromBytes(raw)
				if err != nil {
					d.fail(malformed(err))
				}
				env.ID = id
			}
		case fieldSource:
			env.Source = mesh.NodeID(d.string())
		case fieldDestination:
			env.Destination = mesh.NodeID(d.string())
		case fieldResource:
			env.Resource = d.string()
		case fieldOperation:
			env.Operation = d.string()
		case fieldCapability:
			env.Capability = d.string()
		case fieldContentType:
			env.ContentType = ContentType(d.varint())
		case fieldCompression:
			env.Compression = Compression(d.varint())
		case fieldPayload:
			env.Payload = d.bytes()
		case fieldDeadline:
			env.Deadline = d.time()
		case fieldHopLimit:
			env.HopLimit = uint32(d.varint())
		case fieldSignature:
			env.Signature = d.bytes()
		case fieldChecksum:
			sum := d.fixed32()
			if d.err == nil && crc32.Checksum(buf[:offset], castagnoli) != sum {
				return nil, ErrChecksum
			}
			checked = true
		default:
			d.skip(num)
		}
	}

	if d.err != nil {
		return nil, d.err
	}
	if !checked {
		return nil, fmt.Errorf("%w: missing checksum", ErrChecksum)
	}
	if env.Version != Version {
		return nil, fmt.Errorf("%w: %d", ErrVersion, env.Version)
	}
	return env, nil
}
