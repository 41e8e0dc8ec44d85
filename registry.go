package eventsourced

import (
	"fmt"
	"sort"
	"sync"
)

// Kind is the type erased capability of an entity type: its name, initial
// state, apply function and codecs. Bind produces one from an Entity.
type Kind interface {
	TypeName() string
	Initial() any
	Apply(state, event any) (any, error)
	DecodeEvent(typeName string, data []byte) (any, error)
	EncodeState(state any) ([]byte, error)
	DecodeState(data []byte) (any, error)
}

// Entity describes an entity type. Apply must be a pure function of state and event.
type Entity[S, E any] struct {
	TypeName string
	Initial  func() S
	Apply    func(S, E) S
}

// Bind combines an entity with its event and state codecs
func Bind[S, E any](e Entity[S, E], events Codec[E], states Codec[S]) *Binding[S, E] {
	return &Binding[S, E]{
		Entity: e,
		Events: events,
		States: states,
	}
}

var _ Kind = (*Binding[int, int])(nil)

// Binding is a typed entity registration. It implements Kind.
type Binding[S, E any] struct {
	Entity[S, E]

	Events Codec[E]
	States Codec[S]
}

// TypeName implements Kind
func (b *Binding[S, E]) TypeName() string { return b.Entity.TypeName }

// Initial implements Kind
func (b *Binding[S, E]) Initial() any { return b.initial() }

func (b *Binding[S, E]) initial() S {
	if b.Entity.Initial == nil {
		var zero S

		return zero
	}

	return b.Entity.Initial()
}

// Apply implements Kind
func (b *Binding[S, E]) Apply(state, event any) (any, error) {
	s, ok := state.(S)
	if !ok {
		return nil, fmt.Errorf("%w: %s: state is %T", ErrInvalidArgument, b.TypeName(), state)
	}

	e, ok := event.(E)
	if !ok {
		return nil, fmt.Errorf("%w: %s: event is %T", ErrInvalidArgument, b.TypeName(), event)
	}

	return b.Entity.Apply(s, e), nil
}

// DecodeEvent implements Kind
func (b *Binding[S, E]) DecodeEvent(typeName string, data []byte) (any, error) {
	return b.Events.Decode(typeName, data)
}

// EncodeState implements Kind
func (b *Binding[S, E]) EncodeState(state any) ([]byte, error) {
	s, ok := state.(S)
	if !ok {
		return nil, fmt.Errorf("%w: %s: state is %T", ErrInvalidArgument, b.TypeName(), state)
	}

	_, data, err := b.States.Encode(s)

	return data, err
}

// DecodeState implements Kind
func (b *Binding[S, E]) DecodeState(data []byte) (any, error) {
	return b.States.Decode("", data)
}

// EncodeEvents converts typed events into events ready to be appended
func (b *Binding[S, E]) EncodeEvents(events ...E) ([]Event, error) {
	out := make([]Event, len(events))

	for i, e := range events {
		typeName, data, err := b.Events.Encode(e)
		if err != nil {
			return nil, fmt.Errorf("encode %s event: %w", b.TypeName(), err)
		}

		out[i] = Event{
			Type:    typeName,
			Payload: data,
		}
	}

	return out, nil
}

// Fold applies events to state in order
func (b *Binding[S, E]) Fold(state S, events ...E) S {
	for _, e := range events {
		state = b.Entity.Apply(state, e)
	}

	return state
}

// NewRegistry constructs an empty entity registry
func NewRegistry() *Registry {
	return &Registry{
		kinds: make(map[string]Kind),
	}
}

// Registry maps entity type names to their kinds
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]Kind
}

// Register adds k to the registry. Type names must be unique.
func (r *Registry) Register(k Kind) error {
	name := k.TypeName()

	if name == "" {
		return fmt.Errorf("%w: entity type name must be set", ErrInvalidArgument)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.kinds[name]; ok {
		return fmt.Errorf("%w: %s", ErrEntityRegistered, name)
	}

	r.kinds[name] = k

	return nil
}

// MustRegister is like Register but panics on error
func (r *Registry) MustRegister(k Kind) {
	if err := r.Register(k); err != nil {
		panic(err)
	}
}

// Lookup returns the kind registered under typeName
func (r *Registry) Lookup(typeName string) (Kind, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	k, ok := r.kinds[typeName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntityNotRegistered, typeName)
	}

	return k, nil
}

// TypeNames returns registered type names in lexical order
func (r *Registry) TypeNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.kinds))

	for name := range r.kinds {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}
