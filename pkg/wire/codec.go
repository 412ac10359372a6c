package wire

import (
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// The helpers below omit zero values, like proto3 does.

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return appendVarint(b, num, 1)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendTime(b []byte, num protowire.Number, t time.Time) []byte {
	if t.IsZero() {
		return b
	}
	return appendVarint(b, num, uint64(t.UnixNano()))
}

// decoder walks the fields of a protowire message. The first error sticks
// and every later call becomes a no-op.
type decoder struct {
	b   []byte
	typ protowire.Type
	err error
}

func newDecoder(b []byte) *decoder {
	return &decoder{b: b}
}

func (d *decoder) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

func (d *decoder) next() (protowire.Number, bool) {
	if d.err != nil || len(d.b) == 0 {
		return 0, false
	}
	num, typ, n := protowire.ConsumeTag(d.b)
	if n < 0 {
		d.fail(malformed(protowire.ParseError(n)))
		return 0, false
	}
	d.b = d.b[n:]
	d.typ = typ
	return num, true
}

func (d *decoder) expect(typ protowire.Type) bool {
	if d.err != nil {
		return false
	}
	if d.typ != typ {
		d.fail(malformedf("unexpected wire type %d", d.typ))
		return false
	}
	return true
}

func (d *decoder) varint() uint64 {
	if !d.expect(protowire.VarintType) {
		return 0
	}
	v, n := protowire.ConsumeVarint(d.b)
	if n < 0 {
		d.fail(malformed(protowire.ParseError(n)))
		return 0
	}
	d.b = d.b[n:]
	return v
}

func (d *decoder) bool() bool {
	return d.varint() != 0
}

func (d *decoder) time() time.Time {
	v := d.varint()
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(v))
}

func (d *decoder) bytes() []byte {
	if !d.expect(protowire.BytesType) {
		return nil
	}
	v, n := protowire.ConsumeBytes(d.b)
	if n < 0 {
		d.fail(malformed(protowire.ParseError(n)))
		return nil
	}
	d.b = d.b[n:]
	// Never alias the receive buffer.
	out := make([]byte, len(v))
	copy(out, v)
	return out
}

func (d *decoder) string() string {
	return string(d.bytes())
}

func (d *decoder) fixed32() uint32 {
	if !d.expect(protowire.Fixed32Type) {
		return 0
	}
	v, n := protowire.ConsumeFixed32(d.b)
	if n < 0 {
		d.fail(malformed(protowire.ParseError(n)))
		return 0
	}
	d.b = d.b[n:]
	return v
}

func (d *decoder) double() float64 {
	if !d.expect(protowire.Fixed64Type) {
		return 0
	}
	v, n := protowire.ConsumeFixed64(d.b)
	if n < 0 {
		d.fail(malformed(protowire.ParseError(n)))
		return 0
	}
	d.b = d.b[n:]
	return math.Float64frombits(v)
}

// skip discards a field this version does not know about.
func (d *decoder) skip(num protowire.Number) {
	if d.err != nil {
		return
	}
	n := protowire.ConsumeFieldValue(num, d.typ, d.b)
	if n < 0 {
		d.fail(malformed(protowire.ParseError(n)))
		return
	}
	d.b = d.b[n:]
}
