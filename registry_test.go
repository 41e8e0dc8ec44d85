package eventsourced_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aneshas/eventsourced"
)

func TestShouldRegisterAndLookupKinds(t *testing.T) {
	reg := eventsourced.NewRegistry()

	require.NoError(t, reg.Register(counterKind()))

	account := eventsourced.Bind(
		eventsourced.Entity[int, any]{TypeName: "account"},
		eventsourced.NewJSONCodec[any](Increased{}),
		eventsourced.NewJSONCodec[int](),
	)

	require.NoError(t, reg.Register(account))

	kind, err := reg.Lookup("counter")
	require.NoError(t, err)
	assert.Equal(t, "counter", kind.TypeName())

	assert.Equal(t, []string{"account", "counter"}, reg.TypeNames())
}

func TestShouldRejectDuplicateKinds(t *testing.T) {
	reg := eventsourced.NewRegistry()

	require.NoError(t, reg.Register(counterKind()))

	err := reg.Register(counterKind())
	assert.ErrorIs(t, err, eventsourced.ErrEntityRegistered)

	assert.Panics(t, func() { reg.MustRegister(counterKind()) })
}

func TestShouldRejectUnnamedKinds(t *testing.T) {
	reg := eventsourced.NewRegistry()

	err := reg.Register(eventsourced.Bind(
		eventsourced.Entity[int, any]{},
		eventsourced.NewJSONCodec[any](),
		eventsourced.NewJSONCodec[int](),
	))
	assert.ErrorIs(t, err, eventsourced.ErrInvalidArgument)
}

func TestLookupOfUnknownKindFails(t *testing.T) {
	_, err := eventsourced.NewRegistry().Lookup("counter")

	assert.ErrorIs(t, err, eventsourced.ErrEntityNotRegistered)
}

func TestKindApplyIsTypeChecked(t *testing.T) {
	kind := counterKind()

	state, err := kind.Apply(uint64(1), Increased{Inc: 2})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), state)

	_, err = kind.Apply("one", Increased{Inc: 2})
	assert.ErrorIs(t, err, eventsourced.ErrInvalidArgument)

	_, err = kind.EncodeState("one")
	assert.ErrorIs(t, err, eventsourced.ErrInvalidArgument)
}

func TestKindWithoutInitialStartsFromZeroValue(t *testing.T) {
	kind := eventsourced.Bind(
		eventsourced.Entity[int, any]{TypeName: "account"},
		eventsourced.NewJSONCodec[any](),
		eventsourced.NewJSONCodec[int](),
	)

	assert.Equal(t, 0, kind.Initial())
}
