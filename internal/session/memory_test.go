package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMemoryStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(zap.NewNop(), 2)

	now := time.Now()
	c1, err := store.Register(ctx, &Meta{ID: "a", CreatedAt: now.Add(time.Second)})
	require.NoError(t, err)
	_, err = store.Register(ctx, &Meta{ID: "b", CreatedAt: now})
	require.NoError(t, err)
	_, err = store.Register(ctx, &Meta{ID: "a"})
	assert.ErrorIs(t, err, ErrSessionExists)

	got, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Same(t, c1, got)

	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].Meta().ID)

	require.NoError(t, c1.Send(ctx, NewEvent("x", nil)))
	require.NoError(t, c1.Send(ctx, NewEvent("y", nil)))
	assert.ErrorIs(t, c1.Send(ctx, NewEvent("z", nil)), ErrQueueFull)
	assert.Equal(t, "x", (<-c1.EventQueue()).Event)

	assert.NoError(t, c1.Refresh(ctx))
	require.NoError(t, c1.Close(ctx))
	require.NoError(t, c1.Close(ctx))
	assert.ErrorIs(t, c1.Send(ctx, NewEvent("late", nil)), ErrConnectionClosed)
	assert.ErrorIs(t, c1.Refresh(ctx), ErrConnectionClosed)
	_, err = store.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	// queue drains then reports closed
	assert.Equal(t, "y", (<-c1.EventQueue()).Event)
	_, open := <-c1.EventQueue()
	assert.False(t, open)

	assert.ErrorIs(t, store.Unregister(ctx, "a"), ErrSessionNotFound)
	require.NoError(t, store.Close())
	list, err = store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestMemoryStore_ConcurrentSendAndClose(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(zap.NewNop(), 8)
	conn, err := store.Register(ctx, &Meta{ID: "c"})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			_ = conn.Send(ctx, NewEvent("tick", nil))
		}
	}()
	go func() {
		for range conn.EventQueue() {
		}
	}()
	require.NoError(t, store.Unregister(ctx, "c"))
	<-done
}
