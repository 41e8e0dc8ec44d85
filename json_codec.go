package eventsourced

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// NewJSONCodec constructs json codec
//
// Every concrete type that may be decoded must be registered via a sample
// value, eg. NewJSONCodec[CounterEvent](Increased{}, Decreased{}).
// Without samples the codec decodes straight into T, which suits entity states.
func NewJSONCodec[T any](samples ...T) *JSONCodec[T] {
	c := JSONCodec[T]{
		types: make(map[string]reflect.Type),
	}

	for _, s := range samples {
		t := reflect.TypeOf(s)
		if t == nil {
			continue
		}

		if t.Kind() == reflect.Pointer {
			t = t.Elem()
		}

		c.types[t.Name()] = t
	}

	return &c
}

// JSONCodec provides default json Codec implementation
// It will marshal and unmarshal values to/from json and store the type name
type JSONCodec[T any] struct {
	types map[string]reflect.Type
}

// Encode marshals v to its json representation
func (c *JSONCodec[T]) Encode(v T) (string, []byte, error) {
	t := reflect.TypeOf(v)
	if t == nil {
		return "", nil, fmt.Errorf("json codec: can not encode nil value")
	}

	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	data, err := json.Marshal(v)
	if err != nil {
		return "", nil, err
	}

	return t.Name(), data, nil
}

// Decode unmarshals data to the go type registered under typeName.
// An empty typeName resolves to the only registered type, if there is just one.
func (c *JSONCodec[T]) Decode(typeName string, data []byte) (T, error) {
	var zero T

	if len(c.types) == 0 {
		var v T

		if err := json.Unmarshal(data, &v); err != nil {
			return zero, err
		}

		return v, nil
	}

	t, ok := c.types[typeName]
	if !ok && typeName == "" && len(c.types) == 1 {
		for _, rt := range c.types {
			t, ok = rt, true
		}
	}

	if !ok {
		return zero, fmt.Errorf("json codec: unknown type %q", typeName)
	}

	p := reflect.New(t)

	if err := json.Unmarshal(data, p.Interface()); err != nil {
		return zero, err
	}

	if v, ok := p.Elem().Interface().(T); ok {
		return v, nil
	}

	if v, ok := p.Interface().(T); ok {
		return v, nil
	}

	return zero, fmt.Errorf("json codec: %s does not satisfy %T", typeName, zero)
}
