package flow

import (
	"encoding/json"
	"reflect"

	"github.com/raskyld/noodlenet/pkg/wire"
	"google.golang.org/protobuf/proto"
)

// BytesCodec passes payloads through untouched.
type BytesCodec struct {
	copyBuffers bool
}

var _ Codec[[]byte] = BytesCodec{}

// NewBytesCodec returns a codec for raw payloads. With copyBuffers the
// caller may reuse its buffer as soon as Send returns.
func NewBytesCodec(copyBuffers bool) BytesCodec {
	return BytesCodec{copyBuffers: copyBuffers}
}

func (BytesCodec) ContentType() wire.ContentType {
	return wire.ContentRaw
}

func (c BytesCodec) Marshal(buf []byte) ([]byte, error) {
	if !c.copyBuffers {
		return buf, nil
	}
	return append([]byte(nil), buf...), nil
}

func (BytesCodec) Unmarshal(buf []byte) ([]byte, error) {
	return buf, nil
}

// JSONCodec encodes values with encoding/json. T must be a pointer type.
type JSONCodec[T any] struct {
	allocator func() T
}

// NewJSONCodec panics if T is not a pointer, there is nothing to decode
// into otherwise.
func NewJSONCodec[T any]() JSONCodec[T] {
	t := reflect.TypeFor[T]()
	if t.Kind() != reflect.Ptr {
		panic("flow: JSONCodec needs a pointer type, got " + t.String())
	}
	return JSONCodec[T]{
		allocator: func() T {
			return reflect.New(t.Elem()).Interface().(T)
		},
	}
}

func (JSONCodec[T]) ContentType() wire.ContentType {
	return wire.ContentJSON
}

func (JSONCodec[T]) Marshal(msg T) ([]byte, error) {
	return json.Marshal(msg)
}

func (c JSONCodec[T]) Unmarshal(buf []byte) (T, error) {
	msg := c.allocator()
	err := json.Unmarshal(buf, msg)
	return msg, err
}

// ProtoCodec encodes protobuf messages.
type ProtoCodec[T proto.Message] struct{}

func (ProtoCodec[T]) ContentType() wire.ContentType {
	return wire.ContentProto
}

func (ProtoCodec[T]) Marshal(msg T) ([]byte, error) {
	return proto.Marshal(msg)
}

func (ProtoCodec[T]) Unmarshal(buf []byte) (T, error) {
	var zero T
	msg := zero.ProtoReflect().New().Interface().(T)
	err := proto.Unmarshal(buf, msg)
	return msg, err
}
