package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBusDeliversToAllIncludingSender(t *testing.T) {
	bus := NewMemoryBus()
	a, b := bus.Join(), bus.Join()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, a.Send(ctx, Control, []byte("hello")))

	for _, m := range []*MemoryTransport{a, b} {
		data, err := m.Receive(ctx, Control)
		require.NoError(t, err)
		assert.Equal(t, []byte("hello"), data)
	}
}

func TestMemoryBusChannelsAreSeparate(t *testing.T) {
	bus := NewMemoryBus()
	a := bus.Join()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, a.Send(ctx, DataBackup, []byte("x")))

	_, err := a.Receive(ctx, Control)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryBusFilter(t *testing.T) {
	bus := NewMemoryBus()
	a, b := bus.Join(), bus.Join()
	bus.Filter = func(from, to *MemoryTransport, ch Channel, data []byte) bool {
		return to != b
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, a.Send(ctx, Control, []byte("x")))

	_, err := a.Receive(ctx, Control)
	require.NoError(t, err)

	_, err = b.Receive(ctx, Control)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryBusDuplicate(t *testing.T) {
	bus := NewMemoryBus()
	a, b := bus.Join(), bus.Join()
	bus.Duplicate = func(from, to *MemoryTransport, ch Channel, data []byte) bool {
		return to == b
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, a.Send(ctx, Control, []byte("x")))

	for i := 0; i < 2; i++ {
		data, err := b.Receive(ctx, Control)
		require.NoError(t, err)
		assert.Equal(t, []byte("x"), data)
	}

	_, err := a.Receive(ctx, Control)
	require.NoError(t, err)
	_, err = a.Receive(ctx, Control)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryTransportClose(t *testing.T) {
	bus := NewMemoryBus()
	a := bus.Join()

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	_, err := a.Receive(context.Background(), Control)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, a.Send(context.Background(), Control, nil), ErrClosed)
}

func TestChannelNames(t *testing.T) {
	assert.Equal(t, "MC", Control.String())
	assert.Equal(t, "MDB", DataBackup.String())
	assert.Equal(t, "MDR", DataRestore.String())
}
