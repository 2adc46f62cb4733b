package daqbone

import (
	"sync"
	"testing"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/daqbone/pkg/buffer"
	"github.com/stretchr/testify/require"
)

type eventRecorder struct {
	lk     sync.Mutex
	events []Event
}

func (r *eventRecorder) FireEvent(ev Event) bool {
	r.lk.Lock()
	r.events = append(r.events, ev)
	r.lk.Unlock()
	return true
}

func (r *eventRecorder) count(kind EventKind) int {
	r.lk.Lock()
	defer r.lk.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func newQueuePool(t *testing.T) *buffer.Pool {
	t.Helper()
	pool, err := buffer.NewPool(t.Name(), buffer.PoolConfig{
		SlotSize:   64,
		Count:      8,
		MetricSink: &metrics.BlackholeSink{},
	})
	require.NoError(t, err)
	return pool
}

func newAttachedQueue(capacity int, inpKind, outKind SignalKind) (*LocalTransport, *eventRecorder, *eventRecorder) {
	q := NewLocalTransport(capacity, true)
	inp, out := &eventRecorder{}, &eventRecorder{}
	q.attach(true, queueEnd{target: inp, item: 1, kind: inpKind})
	q.attach(false, queueEnd{target: out, item: 2, kind: outKind})
	return q, inp, out
}

func allocTagged(t *testing.T, pool *buffer.Pool, tag byte) buffer.Buffer {
	t.Helper()
	buf := pool.Allocate(1)
	require.False(t, buf.Null())
	buf.Segment(0)[0] = tag
	return buf
}

func TestLocalTransport_FIFO(t *testing.T) {
	pool := newQueuePool(t)
	q, _, _ := newAttachedQueue(4, SignalEvery, SignalEvery)
	require.True(t, q.Connected())

	for i := byte(0); i < 4; i++ {
		buf := allocTagged(t, pool, i)
		require.True(t, q.Send(&buf))
		require.True(t, buf.Null(), "Send takes the ownership")
	}
	require.True(t, q.Full())

	front, ok := q.Front()
	require.True(t, ok)
	require.Equal(t, byte(0), front.Segment(0)[0])
	require.Equal(t, 4, q.Size())

	for i := byte(0); i < 4; i++ {
		buf, ok := q.Recv()
		require.True(t, ok)
		require.Equal(t, i, buf.Segment(0)[0])
		buf.Release()
	}
	_, ok = q.Recv()
	require.False(t, ok)
	require.Equal(t, 0, pool.NumReferenced())
}

func TestLocalTransport_SignalEveryAndNone(t *testing.T) {
	pool := newQueuePool(t)
	q, inp, out := newAttachedQueue(4, SignalEvery, SignalNone)

	for i := byte(0); i < 3; i++ {
		buf := allocTagged(t, pool, i)
		require.True(t, q.Send(&buf))
	}
	require.Equal(t, 3, inp.count(EventInput), "every push is signalled")

	for i := 0; i < 3; i++ {
		buf, ok := q.Recv()
		require.True(t, ok)
		buf.Release()
	}
	require.Zero(t, out.count(EventOutput), "a none endpoint is never signalled")

	q2, inp2, out2 := newAttachedQueue(4, SignalNone, SignalEvery)
	for i := byte(0); i < 2; i++ {
		buf := allocTagged(t, pool, i)
		require.True(t, q2.Send(&buf))
	}
	for i := 0; i < 2; i++ {
		buf, ok := q2.Recv()
		require.True(t, ok)
		buf.Release()
	}
	require.Zero(t, inp2.count(EventInput))
	require.Equal(t, 2, out2.count(EventOutput), "every pop is signalled")
}

func TestLocalTransport_NeverBlockDropsOldest(t *testing.T) {
	pool := newQueuePool(t)
	q, _, _ := newAttachedQueue(2, SignalNone, SignalNone)
	whenConnected, whenDisconnected, err := parseBlocking(BlockNever)
	require.NoError(t, err)
	q.setBlocking(whenConnected, whenDisconnected)

	for i := byte(0); i < 3; i++ {
		buf := allocTagged(t, pool, i)
		require.True(t, q.Send(&buf))
	}
	require.Equal(t, 2, q.Size())
	require.Equal(t, 2, pool.NumReferenced(), "the skipped buffer goes back to its pool")

	buf, ok := q.Recv()
	require.True(t, ok)
	require.Equal(t, byte(1), buf.Segment(0)[0])
	buf.Release()
}

func TestLocalTransport_DefaultBlockRefusesFullQueue(t *testing.T) {
	pool := newQueuePool(t)
	q, _, _ := newAttachedQueue(3, SignalNone, SignalNone)

	for i := byte(0); i < 3; i++ {
		buf := allocTagged(t, pool, i)
		require.True(t, q.Send(&buf))
	}
	buf := allocTagged(t, pool, 3)
	require.False(t, q.Send(&buf))
	require.False(t, buf.Null(), "a refused buffer stays with the caller")
	buf.Release()
	require.Equal(t, 3, q.Size())

	// without a reader, the default policy stops blocking.
	q.Disconnect(true, false)
	buf = allocTagged(t, pool, 4)
	require.True(t, q.Send(&buf))
	require.Equal(t, 3, q.Size())
}

func TestLocalTransport_SignalConfirm(t *testing.T) {
	pool := newQueuePool(t)
	q, inp, _ := newAttachedQueue(8, SignalConfirm, SignalNone)

	for i := byte(0); i < 3; i++ {
		buf := allocTagged(t, pool, i)
		require.True(t, q.Send(&buf))
	}
	require.Equal(t, 1, inp.count(EventInput), "a confirm endpoint is notified once")

	q.ConfirmEvent(false)
	buf, ok := q.Recv()
	require.True(t, ok)
	buf.Release()
	require.Equal(t, 1, inp.count(EventInput))

	buf = allocTagged(t, pool, 9)
	require.True(t, q.Send(&buf))
	require.Equal(t, 2, inp.count(EventInput))
}

func TestLocalTransport_SignalOperation(t *testing.T) {
	pool := newQueuePool(t)
	q, inp, out := newAttachedQueue(8, SignalOperation, SignalOperation)

	for i := byte(0); i < 3; i++ {
		buf := allocTagged(t, pool, i)
		require.True(t, q.Send(&buf))
	}
	require.Equal(t, 1, inp.count(EventInput))

	buf, ok := q.Recv()
	require.True(t, ok)
	buf.Release()
	require.Equal(t, 1, out.count(EventOutput))

	// the receive re-armed the input side.
	buf = allocTagged(t, pool, 3)
	require.True(t, q.Send(&buf))
	require.Equal(t, 2, inp.count(EventInput))
}

func TestLocalTransport_Disconnect(t *testing.T) {
	pool := newQueuePool(t)
	q, inp, out := newAttachedQueue(4, SignalNone, SignalNone)

	for i := byte(0); i < 2; i++ {
		buf := allocTagged(t, pool, i)
		require.True(t, q.Send(&buf))
	}

	q.Disconnect(false, false)
	q.Disconnect(false, false)
	require.Equal(t, 1, inp.count(EventPortDisconnect))
	require.False(t, q.Connected())
	require.True(t, q.has(true))
	require.False(t, q.has(false))
	require.Equal(t, 2, pool.NumReferenced(), "the reader may still drain the queue")

	q.Disconnect(true, true)
	require.Equal(t, 0, out.count(EventPortError), "a detached side is not notified")
	require.Equal(t, 0, pool.NumReferenced())
	require.Equal(t, 0, q.Size())
}

func TestLocalTransport_SignalWhenFull(t *testing.T) {
	pool := newQueuePool(t)
	q, inp, out := newAttachedQueue(1, SignalEvery, SignalEvery)

	q.SignalWhenFull()
	require.Equal(t, 1, out.count(EventOutput), "an empty queue tells the writer there is space")

	buf := allocTagged(t, pool, 0)
	require.True(t, q.Send(&buf))
	require.Equal(t, 1, inp.count(EventInput))

	q.SignalWhenFull()
	require.Equal(t, 2, inp.count(EventInput))
}

func TestParseBlocking(t *testing.T) {
	c, d, err := parseBlocking("")
	require.NoError(t, err)
	require.True(t, c)
	require.False(t, d)

	c, d, err = parseBlocking(BlockAlways)
	require.NoError(t, err)
	require.True(t, c)
	require.True(t, d)

	_, _, err = parseBlocking("sometimes")
	require.ErrorIs(t, err, ErrBlockingPolicy)
}
