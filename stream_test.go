package daqbone

import (
	"context"
	"testing"
	"time"

	"github.com/raskyld/daqbone/pkg/buffer"
	"github.com/stretchr/testify/require"
)

func TestAllocateWait(t *testing.T) {
	pool := newQueuePool(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var held []buffer.Buffer
	for i := 0; i < 8; i++ {
		buf, err := allocateWait(ctx, pool, 1)
		require.NoError(t, err)
		held = append(held, buf)
	}
	require.Zero(t, pool.NumWaiters(), "a successful allocation leaves no waiter behind")

	done := make(chan buffer.Buffer, 1)
	go func() {
		buf, err := allocateWait(ctx, pool, 1)
		if err == nil {
			done <- buf
		}
		close(done)
	}()
	require.Eventually(t, func() bool { return pool.NumWaiters() == 1 }, time.Second, 5*time.Millisecond)
	held[0].Release()

	select {
	case buf, ok := <-done:
		require.True(t, ok, "the waiter must get the released slot")
		held[0] = buf
	case <-time.After(2 * time.Second):
		t.Fatal("allocation was not woken by the release")
	}
	require.Zero(t, pool.NumWaiters())

	short, stop := context.WithTimeout(ctx, 50*time.Millisecond)
	defer stop()
	_, err := allocateWait(short, pool, 1)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	for i := range held {
		held[i].Release()
	}
}
