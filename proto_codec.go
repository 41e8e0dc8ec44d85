package eventsourced

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// NewProtoCodec constructs a protobuf codec for the given message types.
// Type names are the messages' full names, eg. counter.v1.Increased.
func NewProtoCodec[T proto.Message](samples ...T) *ProtoCodec[T] {
	c := ProtoCodec[T]{
		types: make(map[string]protoreflect.MessageType),
	}

	for _, s := range samples {
		mt := s.ProtoReflect().Type()
		c.types[string(mt.Descriptor().FullName())] = mt
	}

	return &c
}

// ProtoCodec is a Codec for generated protobuf messages
type ProtoCodec[T proto.Message] struct {
	types map[string]protoreflect.MessageType
}

// Encode marshals m using the protobuf wire format
func (c *ProtoCodec[T]) Encode(m T) (string, []byte, error) {
	data, err := proto.Marshal(m)
	if err != nil {
		return "", nil, err
	}

	return string(m.ProtoReflect().Descriptor().FullName()), data, nil
}

// Decode unmarshals data into a new message of the type registered under typeName.
// An empty typeName resolves to the only registered type, if there is just one.
func (c *ProtoCodec[T]) Decode(typeName string, data []byte) (T, error) {
	var zero T

	mt, ok := c.types[typeName]
	if !ok && typeName == "" && len(c.types) == 1 {
		for _, t := range c.types {
			mt, ok = t, true
		}
	}

	if !ok {
		return zero, fmt.Errorf("proto codec: unknown message %q", typeName)
	}

	m := mt.New().Interface()

	if err := proto.Unmarshal(data, m); err != nil {
		return zero, err
	}

	v, ok := m.(T)
	if !ok {
		return zero, fmt.Errorf("proto codec: %s does not satisfy %T", typeName, zero)
	}

	return v, nil
}
