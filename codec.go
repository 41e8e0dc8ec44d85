package eventsourced

// Codec converts events or entity states to and from their stored form.
// The returned type name is stored alongside the payload and handed back to Decode.
type Codec[T any] interface {
	Encode(T) (typeName string, data []byte, err error)
	Decode(typeName string, data []byte) (T, error)
}
