package wire

import (
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/raskyld/noodlenet/pkg/mesh"
	"google.golang.org/protobuf/encoding/protowire"
)

type MessageType uint8

const (
	TypeUnspecified MessageType = iota
	TypeData
	TypeAck
	TypeNack
	TypeHeartbeat
	TypeHeartbeatAck
	TypeAnnounce
	TypeGossip
	TypeBatch
	TypeReplica
	TypeReplicaAck
	TypeRevocation
	TypeCapabilityRequest
	TypeCapabilityGrant
)

func (t MessageType) String() string {
	switch t {
	case TypeData:
		return "data"
	case TypeAck:
		return "ack"
	case TypeNack:
		return "nack"
	case TypeHeartbeat:
		return "heartbeat"
	case TypeHeartbeatAck:
		return "heartbeat_ack"
	case TypeAnnounce:
		return "announce"
	case TypeGossip:
		return "gossip"
	case TypeBatch:
		return "batch"
	case TypeReplica:
		return "replica"
	case TypeReplicaAck:
		return "replica_ack"
	case TypeRevocation:
		return "revocation"
	case TypeCapabilityRequest:
		return "capability_request"
	case TypeCapabilityGrant:
		return "capability_grant"
	default:
		return "unspecified"
	}
}

// Message is the closed set of payloads an Envelope can carry.
type Message interface {
	Type() MessageType
	appendTo(b []byte) []byte
}

// Decode returns the typed message carried by env.
func Decode(env *Envelope) (Message, error) {
	var msg interface {
		Message
		decode(*decoder)
	}

	switch env.Type {
	case TypeData:
		return &Data{Body: env.Payload}, nil
	case TypeAck:
		msg = &Ack{}
	case TypeNack:
		msg = &Nack{}
	case TypeHeartbeat:
		msg = &Heartbeat{}
	case TypeHeartbeatAck:
		msg = &HeartbeatAck{}
	case TypeAnnounce:
		msg = &Announce{}
	case TypeGossip:
		msg = &Gossip{}
	case TypeBatch:
		msg = &Batch{}
	case TypeReplica:
		msg = &Replica{}
	case TypeReplicaAck:
		msg = &ReplicaAck{}
	case TypeRevocation:
		msg = &Revocation{}
	case TypeCapabilityRequest:
		msg = &CapabilityRequest{}
	case TypeCapabilityGrant:
		msg = &CapabilityGrant{}
	default:
		return nil, ErrUnknownType
	}

	d := newDecoder(env.Payload)
	msg.decode(d)
	if d.err != nil {
		return nil, d.err
	}
	return msg, nil
}

// Data carries an application payload. The body is the envelope payload as is.
type Data struct {
	Body []byte
}

func (*Data) Type() MessageType { return TypeData }

func (m *Data) appendTo(b []byte) []byte {
	return append(b, m.Body...)
}

// Ack confirms end-to-end delivery of envelope Ref.
type Ack struct {
	Ref uuid.UUID
	// Path lists the nodes the envelope went through, destination last.
	Path []mesh.NodeID
}

func (*Ack) Type() MessageType { return TypeAck }

func (m *Ack) appendTo(b []byte) []byte {
	b = appendBytes(b, 1, m.Ref[:])
	for _, hop := range m.Path {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, string(hop))
	}
	return b
}

func (m *Ack) decode(d *decoder) {
	for {
		num, ok := d.next()
		if !ok {
			return
		}
		switch num {
		case 1:
			m.Ref = decodeUUID(d)
		case 2:
			m.Path = append(m.Path, mesh.NodeID(d.string()))
		default:
			d.skip(num)
		}
	}
}

type NackCode uint8

const (
	NackInternal NackCode = iota
	NackDenied
	NackNoRoute
	NackUnreachable
	NackExpired
	NackNoEndpoint
	NackMalformed
)

func (c NackCode) String() string {
	switch c {
	case NackDenied:
		return "authorization_denied"
	case NackNoRoute:
		return "no_route"
	case NackUnreachable:
		return "unreachable"
	case NackExpired:
		return "expired"
	case NackNoEndpoint:
		return "no_endpoint"
	case NackMalformed:
		return "malformed"
	default:
		return "internal"
	}
}

// Nack reports that envelope Ref could not be delivered.
type Nack struct {
	Ref    uuid.UUID
	Code   NackCode
	Reason string
	// At is the node that gave up.
	At mesh.NodeID
}

func (*Nack) Type() MessageType { return TypeNack }

func (m *Nack) appendTo(b []byte) []byte {
	b = appendBytes(b, 1, m.Ref[:])
	b = appendVarint(b, 2, uint64(m.Code))
	b = appendString(b, 3, m.Reason)
	b = appendString(b, 4, string(m.At))
	return b
}

func (m *Nack) decode(d *decoder) {
	for {
		num, ok := d.next()
		if !ok {
			return
		}
		switch num {
		case 1:
			m.Ref = decodeUUID(d)
		case 2:
			m.Code = NackCode(d.varint())
		case 3:
			m.Reason = d.string()
		case 4:
			m.At = mesh.NodeID(d.string())
		default:
			d.skip(num)
		}
	}
}

type Heartbeat struct {
	Seq    uint64
	SentAt time.Time
	Load   float64
}

func (*Heartbeat) Type() MessageType { return TypeHeartbeat }

func (m *Heartbeat) appendTo(b []byte) []byte {
	b = appendVarint(b, 1, m.Seq)
	b = appendTime(b, 2, m.SentAt)
	b = appendDouble(b, 3, m.Load)
	return b
}

func (m *Heartbeat) decode(d *decoder) {
	for {
		num, ok := d.next()
		if !ok {
			return
		}
		switch num {
		case 1:
			m.Seq = d.varint()
		case 2:
			m.SentAt = d.time()
		case 3:
			m.Load = d.double()
		default:
			d.skip(num)
		}
	}
}

// HeartbeatAck echoes the heartbeat sequence and send time so the sender can
// measure the round trip with its own clock.
type HeartbeatAck struct {
	Seq    uint64
	SentAt time.Time
	Load   float64
}

func (*HeartbeatAck) Type() MessageType { return TypeHeartbeatAck }

func (m *HeartbeatAck) appendTo(b []byte) []byte {
	return (*Heartbeat)(m).appendTo(b)
}

func (m *HeartbeatAck) decode(d *decoder) {
	(*Heartbeat)(m).decode(d)
}

// Announce is the signed self-description of a node. It is sent on
// multicast, relayed by gossip and carried as memberlist node metadata.
type Announce struct {
	NodeID    mesh.NodeID
	PublicKey []byte
	Addrs     []string
	Capacity  float64
	Load      float64
	// Links is only meaningful when LinksIncluded is set, so a compact
	// announce does not erase the links known from a full one.
	Links         map[mesh.NodeID]float64
	LinksIncluded bool
	Timestamp     time.Time
	Signature     []byte
}

func (*Announce) Type() MessageType { return TypeAnnounce }

func (m *Announce) appendFields(b []byte, withSignature bool) []byte {
	b = appendString(b, 1, string(m.NodeID))
	b = appendBytes(b, 2, m.PublicKey)
	for _, addr := range m.Addrs {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, addr)
	}
	b = appendDouble(b, 4, m.Capacity)
	b = appendDouble(b, 5, m.Load)
	// Sorted so the signed bytes are canonical.
	for _, peer := range slices.Sorted(maps.Keys(m.Links)) {
		var link []byte
		link = appendString(link, 1, string(peer))
		link = appendDouble(link, 2, m.Links[peer])
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendBytes(b, link)
	}
	b = appendBool(b, 7, m.LinksIncluded)
	b = appendTime(b, 8, m.Timestamp)
	if withSignature {
		b = appendBytes(b, 9, m.Signature)
	}
	return b
}

func (m *Announce) appendTo(b []byte) []byte {
	return m.appendFields(b, true)
}

// SigningBytes is the canonical encoding covered by Signature.
func (m *Announce) SigningBytes() []byte {
	return m.appendFields(nil, false)
}

// Marshal encodes the announce alone, as used for memberlist metadata.
func (m *Announce) Marshal() []byte {
	return m.appendTo(nil)
}

func (m *Announce) decode(d *decoder) {
	for {
		num, ok := d.next()
		if !ok {
			return
		}
		switch num {
		case 1:
			m.NodeID = mesh.NodeID(d.string())
		case 2:
			m.PublicKey = d.bytes()
		case 3:
			m.Addrs = append(m.Addrs, d.string())
		case 4:
			m.Capacity = d.double()
		case 5:
			m.Load = d.double()
		case 6:
			ld := newDecoder(d.bytes())
			var peer mesh.NodeID
			var latency float64
			for {
				lnum, ok := ld.next()
				if !ok {
					break
				}
				switch lnum {
				case 1:
					peer = mesh.NodeID(ld.string())
				case 2:
					latency = ld.double()
				default:
					ld.skip(lnum)
				}
			}
			if ld.err != nil {
				d.fail(ld.err)
				return
			}
			if m.Links == nil {
				m.Links = make(map[mesh.NodeID]float64)
			}
			m.Links[peer] = latency
		case 7:
			m.LinksIncluded = d.bool()
		case 8:
			m.Timestamp = d.time()
		case 9:
			m.Signature = d.bytes()
		default:
			d.skip(num)
		}
	}
}

// UnmarshalAnnounce decodes an announce encoded with Announce.Marshal.
func UnmarshalAnnounce(b []byte) (*Announce, error) {
	m := &Announce{}
	d := newDecoder(b)
	m.decode(d)
	if d.err != nil {
		return nil, d.err
	}
	return m, nil
}

// Gossip relays announces signed by their respective originators.
type Gossip struct {
	Announces []*Announce
}

func (*Gossip) Type() MessageType { return TypeGossip }

func (m *Gossip) appendTo(b []byte) []byte {
	for _, ann := range m.Announces {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, ann.Marshal())
	}
	return b
}

func (m *Gossip) decode(d *decoder) {
	for {
		num, ok := d.next()
		if !ok {
			return
		}
		switch num {
		case 1:
			ann, err := UnmarshalAnnounce(d.bytes())
			if err != nil {
				d.fail(err)
				return
			}
			m.Announces = append(m.Announces, ann)
		default:
			d.skip(num)
		}
	}
}

// Batch groups envelopes bound to the same next hop, in submission order.
type Batch struct {
	Envelopes [][]byte
}

func (*Batch) Type() MessageType { return TypeBatch }

func (m *Batch) appendTo(b []byte) []byte {
	for _, env := range m.Envelopes {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, env)
	}
	return b
}

func (m *Batch) decode(d *decoder) {
	for {
		num, ok := d.next()
		if !ok {
			return
		}
		switch num {
		case 1:
			m.Envelopes = append(m.Envelopes, d.bytes())
		default:
			d.skip(num)
		}
	}
}

// Replica asks the receiver to hold a copy of a mesh-critical value.
type Replica struct {
	Key     string
	Version uint64
	Value   []byte
	Origin  mesh.NodeID
}

func (*Replica) Type() MessageType { return TypeReplica }

func (m *Replica) appendTo(b []byte) []byte {
	b = appendString(b, 1, m.Key)
	b = appendVarint(b, 2, m.Version)
	b = appendBytes(b, 3, m.Value)
	b = appendString(b, 4, string(m.Origin))
	return b
}

func (m *Replica) decode(d *decoder) {
	for {
		num, ok := d.next()
		if !ok {
			return
		}
		switch num {
		case 1:
			m.Key = d.string()
		case 2:
			m.Version = d.varint()
		case 3:
			m.Value = d.bytes()
		case 4:
			m.Origin = mesh.NodeID(d.string())
		default:
			d.skip(num)
		}
	}
}

type ReplicaAck struct {
	Key     string
	Version uint64
}

func (*ReplicaAck) Type() MessageType { return TypeReplicaAck }

func (m *ReplicaAck) appendTo(b []byte) []byte {
	b = appendString(b, 1, m.Key)
	b = appendVarint(b, 2, m.Version)
	return b
}

func (m *ReplicaAck) decode(d *decoder) {
	for {
		num, ok := d.next()
		if !ok {
			return
		}
		switch num {
		case 1:
			m.Key = d.string()
		case 2:
			m.Version = d.varint()
		default:
			d.skip(num)
		}
	}
}

// Revocation withdraws a capability before its expiry. Only the issuer of
// the capability may sign it.
type Revocation struct {
	CapabilityID string
	Issuer       mesh.NodeID
	Expiry       time.Time
	RevokedAt    time.Time
	Signature    []byte
}

func (*Revocation) Type() MessageType { return TypeRevocation }

func (m *Revocation) appendFields(b []byte, withSignature bool) []byte {
	b = appendString(b, 1, m.CapabilityID)
	b = appendString(b, 2, string(m.Issuer))
	b = appendTime(b, 3, m.Expiry)
	b = appendTime(b, 4, m.RevokedAt)
	if withSignature {
		b = appendBytes(b, 5, m.Signature)
	}
	return b
}

func (m *Revocation) appendTo(b []byte) []byte {
	return m.appendFields(b, true)
}

func (m *Revocation) SigningBytes() []byte {
	return m.appendFields(nil, false)
}

func (m *Revocation) decode(d *decoder) {
	for {
		num, ok := d.next()
		if !ok {
			return
		}
		switch num {
		case 1:
			m.CapabilityID = d.string()
		case 2:
			m.Issuer = mesh.NodeID(d.string())
		case 3:
			m.Expiry = d.time()
		case 4:
			m.RevokedAt = d.time()
		case 5:
			m.Signature = d.bytes()
		default:
			d.skip(num)
		}
	}
}

// CapabilityRequest asks the receiver's root authority for a capability.
type CapabilityRequest struct {
	Resource   string
	Operations []string
	TTL        time.Duration
}

func (*CapabilityRequest) Type() MessageType { return TypeCapabilityRequest }

func (m *CapabilityRequest) appendTo(b []byte) []byte {
	b = appendString(b, 1, m.Resource)
	for _, op := range m.Operations {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, op)
	}
	b = appendVarint(b, 3, uint64(m.TTL))
	return b
}

func (m *CapabilityRequest) decode(d *decoder) {
	for {
		num, ok := d.next()
		if !ok {
			return
		}
		switch num {
		case 1:
			m.Resource = d.string()
		case 2:
			m.Operations = append(m.Operations, d.string())
		case 3:
			m.TTL = time.Duration(d.varint())
		default:
			d.skip(num)
		}
	}
}

// CapabilityGrant answers a CapabilityRequest. Error is set on refusal.
type CapabilityGrant struct {
	Token string
	Error string
}

func (*CapabilityGrant) Type() MessageType { return TypeCapabilityGrant }

func (m *CapabilityGrant) appendTo(b []byte) []byte {
	b = appendString(b, 1, m.Token)
	b = appendString(b, 2, m.Error)
	return b
}

func (m *CapabilityGrant) decode(d *decoder) {
	for {
		num, ok := d.next()
		if !ok {
			return
		}
		switch num {
		case 1:
			m.Token = d.string()
		case 2:
			m.Error = d.string()
		default:
			d.skip(num)
		}
	}
}

func decodeUUID(d *decoder) uuid.UUID {
	raw := d.bytes()
	if d.err != nil {
		return uuid.Nil
	}
	id, err := uuid.FromBytes(raw)
	if err != nil {
		d.fail(malformed(err))
		return uuid.Nil
	}
	return id
}
