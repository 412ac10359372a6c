package wire

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"testing"
	"time"

	"github.com/raskyld/noodlenet/pkg/mesh"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	deadline := time.Now().Add(time.Minute).Round(0)
	env := NewEnvelope(&Data{Body: []byte(`{"hello":"world"}`)}, "a", "c")
	env.Resource = "queue:X"
	env.Operation = "write"
	env.Capability = "token"
	env.ContentType = ContentJSON
	env.Deadline = deadline

	got, err := Unmarshal(env.Marshal())
	require.NoError(t, err)
	require.Equal(t, env.ID, got.ID)
	require.Equal(t, TypeData, got.Type)
	require.Equal(t, mesh.NodeID("a"), got.Source)
	require.Equal(t, mesh.NodeID("c"), got.Destination)
	require.Equal(t, "queue:X", got.Resource)
	require.Equal(t, ContentJSON, got.ContentType)
	require.Equal(t, DefaultHopLimit, got.HopLimit)
	require.True(t, deadline.Equal(got.Deadline))

	msg, err := Decode(got)
	require.NoError(t, err)
	require.Equal(t, `{"hello":"world"}`, string(msg.(*Data).Body))
}

func TestEnvelopeChecksum(t *testing.T) {
	buf := NewEnvelope(&Data{Body: []byte("payload")}, "a", "b").Marshal()

	corrupted := bytes.Clone(buf)
	// Flip a byte inside the payload, before the trailing checksum.
	corrupted[len(corrupted)-8] ^= 0xFF
	_, err := Unmarshal(corrupted)
	require.ErrorIs(t, err, ErrChecksum)

	_, err = Unmarshal(buf[:len(buf)-6])
	require.Error(t, err)
}

func TestEnvelopeVersion(t *testing.T) {
	env := NewEnvelope(&Data{}, "a", "b")
	env.Version = 7
	_, err := Unmarshal(env.Marshal())
	require.ErrorIs(t, err, ErrVersion)
}

func TestEnvelopeSignature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	env := NewEnvelope(&Heartbeat{Seq: 3, SentAt: time.Now()}, "a", "b")
	env.Sign(func(b []byte) []byte { return ed25519.Sign(priv, b) })

	got, err := Unmarshal(env.Marshal())
	require.NoError(t, err)
	require.True(t, ed25519.Verify(pub, got.SigningBytes(), got.Signature))

	got.HopLimit--
	require.True(t, ed25519.Verify(pub, got.SigningBytes(), got.Signature))

	got.Destination = "c"
	require.False(t, ed25519.Verify(pub, got.SigningBytes(), got.Signature))
}

func TestDecodeMessages(t *testing.T) {
	now := time.Unix(1700000000, 42)
	ann := &Announce{
		NodeID:        "a",
		PublicKey:     []byte{1, 2, 3},
		Addrs:         []string{"10.0.0.1:4040", "quic://10.0.0.1:4041"},
		Capacity:      10,
		Load:          2.5,
		Links:         map[mesh.NodeID]float64{"b": 1.5, "c": 0},
		LinksIncluded: true,
		Timestamp:     now,
		Signature:     []byte{9},
	}

	cases := []Message{
		&Ack{Ref: NewEnvelope(&Data{}, "", "").ID, Path: []mesh.NodeID{"b", "c"}},
		&Nack{Code: NackDenied, Reason: "nope", At: "c"},
		&HeartbeatAck{Seq: 9, SentAt: now, Load: 0.5},
		ann,
		&Gossip{Announces: []*Announce{ann}},
		&Batch{Envelopes: [][]byte{{1}, {2, 3}}},
		&Replica{Key: "k", Version: 2, Value: []byte("v"), Origin: "a"},
		&Revocation{CapabilityID: "id", Issuer: "a", Expiry: now, RevokedAt: now},
		&CapabilityRequest{Resource: "queue:X", Operations: []string{"read", "write"}, TTL: time.Minute},
		&CapabilityGrant{Token: "tok"},
	}

	for _, msg := range cases {
		t.Run(msg.Type().String(), func(t *testing.T) {
			env, err := Unmarshal(NewEnvelope(msg, "a", "b").Marshal())
			require.NoError(t, err)
			got, err := Decode(env)
			require.NoError(t, err)
			require.Equal(t, msg.Type(), got.Type())
			require.Equal(t, msg.appendTo(nil), got.appendTo(nil))
		})
	}
}

func TestAnnounceSigningBytesCanonical(t *testing.T) {
	a := &Announce{NodeID: "a", Links: map[mesh.NodeID]float64{"x": 1, "y": 2, "z": 3}}
	for i := 0; i < 10; i++ {
		b := &Announce{NodeID: "a", Links: map[mesh.NodeID]float64{"z": 3, "y": 2, "x": 1}}
		require.Equal(t, a.SigningBytes(), b.SigningBytes())
	}
}

func TestUnknownType(t *testing.T) {
	env := NewEnvelope(&Data{}, "a", "b")
	env.Type = 200
	_, err := Decode(env)
	require.ErrorIs(t, err, ErrUnknownType)
}

func TestFrames(t *testing.T) {
	var buf bytes.Buffer
	big := bytes.Repeat([]byte("x"), 300)
	require.NoError(t, WriteFrame(&buf, []byte("a")))
	require.NoError(t, WriteFrame(&buf, big))
	require.NoError(t, WriteFrame(&buf, nil))

	frame, err := ReadFrame(&buf, 0)
	require.NoError(t, err)
	require.Equal(t, "a", string(frame))

	frame, err = ReadFrame(&buf, 0)
	require.NoError(t, err)
	require.Equal(t, big, frame)

	frame, err = ReadFrame(&buf, 0)
	require.NoError(t, err)
	require.Empty(t, frame)

	_, err = ReadFrame(&buf, 0)
	require.ErrorIs(t, err, io.EOF)
}

func TestFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, make([]byte, 100)))
	_, err := ReadFrame(&buf, 10)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestFrameTruncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("hello")))
	truncated := bytes.NewReader(buf.Bytes()[:3])
	_, err := ReadFrame(truncated, 0)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
