package daqbone

import (
	"fmt"
	"sync"

	"github.com/gammazero/deque"
	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/daqbone/pkg/buffer"
)

// SignalKind controls how often a queue notifies one of its endpoints.
type SignalKind uint8

const (
	// SignalDefault lets the port pick SignalOperation.
	SignalDefault SignalKind = iota
	// SignalNone never notifies.
	SignalNone
	// SignalConfirm notifies once, then waits for ConfirmEvent.
	SignalConfirm
	// SignalOperation notifies once between two operations of the
	// notified side.
	SignalOperation
	// SignalEvery notifies on every operation.
	SignalEvery
)

func (k SignalKind) String() string {
	switch k {
	case SignalDefault:
		return "default"
	case SignalNone:
		return "none"
	case SignalConfirm:
		return "confirm"
	case SignalOperation:
		return "operation"
	case SignalEvery:
		return "every"
	default:
		return "unknown"
	}
}

// Blocking policies accepted by ConnectPorts.
const (
	BlockWhenConnected    = "connected"
	BlockWhenDisconnected = "disconnected"
	BlockNever            = "never"
	BlockAlways           = "always"
)

// parseBlocking returns whether Send must refuse a full queue when both
// sides are connected, and when they are not.
func parseBlocking(policy string) (whenConnected, whenDisconnected bool, err error) {
	switch policy {
	case "", BlockWhenConnected:
		return true, false, nil
	case BlockWhenDisconnected:
		return false, true, nil
	case BlockNever:
		return false, false, nil
	case BlockAlways:
		return true, true, nil
	default:
		return false, false, fmt.Errorf("%w: %q", ErrBlockingPolicy, policy)
	}
}

const (
	maskInp  uint8 = 1
	maskOut  uint8 = 2
	maskBoth uint8 = maskInp | maskOut
)

// per side signaling state.
const (
	signalAwaitConfirm   uint8 = 1
	signalAwaitOperation uint8 = 2
	signalArmed          uint8 = 3
)

type queueEnd struct {
	target eventTarget
	item   uint32
	kind   SignalKind
}

// LocalTransport is a bounded FIFO of buffers linking an output port to
// an input port of the same process.
//
// Send and Recv never block the caller. When both endpoints are served by
// one thread, the queue runs without mutex.
type LocalTransport struct {
	mu       *sync.Mutex
	ring     *deque.Deque[buffer.Buffer]
	capacity int

	inp, out             queueEnd
	signalInp, signalOut uint8
	connected            uint8

	blockConnected    bool
	blockDisconnected bool

	msink  metrics.MetricSink
	labels []metrics.Label
}

// NewLocalTransport creates an unattached queue.
func NewLocalTransport(capacity int, withMutex bool) *LocalTransport {
	if capacity < 1 {
		capacity = 1
	}
	q := &LocalTransport{
		ring:           deque.New[buffer.Buffer](capacity),
		capacity:       capacity,
		signalInp:      signalArmed,
		signalOut:      signalArmed,
		blockConnected: true,
		msink:          &metrics.BlackholeSink{},
	}
	if withMutex {
		q.mu = &sync.Mutex{}
	}
	return q
}

func (q *LocalTransport) lock() {
	if q.mu != nil {
		q.mu.Lock()
	}
}

func (q *LocalTransport) unlock() {
	if q.mu != nil {
		q.mu.Unlock()
	}
}

// enableMutex is used when a queue created for a single thread gets
// reused by endpoints living on different threads.
func (q *LocalTransport) enableMutex() {
	if q.mu == nil {
		q.mu = &sync.Mutex{}
	}
}

func (q *LocalTransport) withMetrics(sink metrics.MetricSink, labels []metrics.Label) {
	if sink != nil {
		q.msink = sink
	}
	q.labels = labels
}

func (q *LocalTransport) setBlocking(whenConnected, whenDisconnected bool) {
	q.lock()
	q.blockConnected = whenConnected
	q.blockDisconnected = whenDisconnected
	q.unlock()
}

func (q *LocalTransport) attach(isInput bool, end queueEnd) {
	q.lock()
	defer q.unlock()
	if isInput {
		q.inp = end
		q.connected |= maskInp
	} else {
		q.out = end
		q.connected |= maskOut
	}
}

func (q *LocalTransport) Capacity() int {
	return q.capacity
}

func (q *LocalTransport) Size() int {
	q.lock()
	defer q.unlock()
	return q.ring.Len()
}

func (q *LocalTransport) Full() bool {
	q.lock()
	defer q.unlock()
	return q.ring.Len() >= q.capacity
}

func (q *LocalTransport) Empty() bool {
	return q.Size() == 0
}

// Connected reports whether both sides are attached.
func (q *LocalTransport) Connected() bool {
	q.lock()
	defer q.unlock()
	return q.connected == maskBoth
}

// not thread safe!
// must be called by the holder of the lock.
func (q *LocalTransport) shouldBlockLocked() bool {
	if q.connected == maskBoth {
		return q.blockConnected
	}
	return q.blockDisconnected
}

// not thread safe!
// must be called by the holder of the lock.
func signalLocked(kind SignalKind, state *uint8, next uint8) bool {
	switch kind {
	case SignalConfirm, SignalOperation:
		if *state == signalArmed {
			*state = next
			return true
		}
	case SignalEvery:
		return true
	}
	return false
}

func signalNextState(kind SignalKind) uint8 {
	if kind == SignalConfirm {
		return signalAwaitConfirm
	}
	return signalAwaitOperation
}

// Send moves buf into the queue, leaving buf null. On a full queue it
// either drops the oldest buffer or, when the blocking policy applies,
// returns false and leaves buf untouched.
func (q *LocalTransport) Send(buf *buffer.Buffer) bool {
	if buf.Null() {
		return true
	}

	var skipped buffer.Buffer
	var notify eventTarget
	var item uint32

	q.lock()
	if q.ring.Len() >= q.capacity {
		if q.shouldBlockLocked() {
			q.unlock()
			q.msink.IncrCounterWithLabels(MetricQueueRejectedCount, 1.0, q.labels)
			return false
		}
		skipped = q.ring.PopFront()
	}
	q.ring.PushBack(buf.Take())

	if q.signalOut == signalAwaitOperation {
		q.signalOut = signalArmed
	}

	if q.connected&maskInp != 0 {
		if signalLocked(q.inp.kind, &q.signalInp, signalNextState(q.inp.kind)) {
			notify, item = q.inp.target, q.inp.item
		}
	}
	q.unlock()

	if !skipped.Null() {
		q.msink.IncrCounterWithLabels(MetricQueueDroppedCount, 1.0, q.labels)
		skipped.Release()
	}
	if notify != nil {
		notify.FireEvent(Event{Kind: EventInput, Item: item})
	}
	return true
}

// Recv pops the oldest buffer. It returns false on an empty queue.
func (q *LocalTransport) Recv() (buffer.Buffer, bool) {
	var notify eventTarget
	var item uint32

	q.lock()
	if q.ring.Len() == 0 {
		q.unlock()
		return buffer.Buffer{}, false
	}
	buf := q.ring.PopFront()

	if q.signalInp == signalAwaitOperation {
		q.signalInp = signalArmed
	}

	if q.connected&maskOut != 0 {
		if signalLocked(q.out.kind, &q.signalOut, signalNextState(q.out.kind)) {
			notify, item = q.out.target, q.out.item
		}
	}
	q.unlock()

	if notify != nil {
		notify.FireEvent(Event{Kind: EventOutput, Item: item})
	}
	return buf, true
}

// Front gives a look at the oldest buffer without removing it. The handle
// does not hold a reference.
func (q *LocalTransport) Front() (buffer.Buffer, bool) {
	q.lock()
	defer q.unlock()
	if q.ring.Len() == 0 {
		return buffer.Buffer{}, false
	}
	return q.ring.Front(), true
}

// SignalWhenFull notifies the input side when the queue is full. Otherwise
// it behaves like a dummy Recv: the output side is notified, under its
// signaling policy, that there is space.
func (q *LocalTransport) SignalWhenFull() {
	var notify eventTarget
	var item uint32
	var kind EventKind

	q.lock()
	if q.ring.Len() >= q.capacity {
		notify, item, kind = q.inp.target, q.inp.item, EventInput
	} else {
		if q.signalInp == signalAwaitOperation {
			q.signalInp = signalArmed
		}
		if signalLocked(q.out.kind, &q.signalOut, signalNextState(q.out.kind)) {
			notify, item, kind = q.out.target, q.out.item, EventOutput
		}
	}
	q.unlock()

	if notify != nil {
		notify.FireEvent(Event{Kind: kind, Item: item})
	}
}

// ConfirmEvent re-arms the signaling of a SignalConfirm endpoint once its
// owner acted on the previous notification.
func (q *LocalTransport) ConfirmEvent(fromOutput bool) {
	q.lock()
	defer q.unlock()
	if fromOutput {
		// the next event makes sense only after a send, unless no send is
		// possible anyway.
		if q.ring.Len() >= q.capacity {
			q.signalOut = signalArmed
		} else {
			q.signalOut = signalAwaitOperation
		}
	} else {
		if q.ring.Len() == 0 {
			q.signalInp = signalArmed
		} else {
			q.signalInp = signalAwaitOperation
		}
	}
}

// Disconnect detaches one side and notifies the other one. Once both sides
// are detached, buffered data is released. Detaching an already detached
// side does nothing.
func (q *LocalTransport) Disconnect(isInput, withErr bool) {
	var notify eventTarget
	var item uint32
	var leftovers []buffer.Buffer

	q.lock()
	mask := maskOut
	if isInput {
		mask = maskInp
	}
	if q.connected&mask == 0 {
		q.unlock()
		return
	}
	q.connected &^= mask
	if isInput {
		q.inp.target = nil
		notify, item = q.out.target, q.out.item
	} else {
		q.out.target = nil
		notify, item = q.inp.target, q.inp.item
	}
	if q.connected == 0 {
		for q.ring.Len() > 0 {
			leftovers = append(leftovers, q.ring.PopFront())
		}
	}
	q.unlock()

	if notify != nil {
		kind := EventPortDisconnect
		if withErr {
			kind = EventPortError
		}
		notify.FireEvent(Event{Kind: kind, Item: item})
	}

	for i := range leftovers {
		leftovers[i].Release()
	}
}

// PortActivated tells the other side that the module owning the given
// side started or stopped.
func (q *LocalTransport) PortActivated(isInput, on bool) {
	q.lock()
	end := q.inp
	if isInput {
		end = q.out
	}
	q.unlock()

	if end.target == nil {
		return
	}
	kind := EventConnStop
	if on {
		kind = EventConnStart
	}
	end.target.FireEvent(Event{Kind: kind, Item: end.item})
}

// has reports whether the given side is attached.
func (q *LocalTransport) has(isInput bool) bool {
	q.lock()
	defer q.unlock()
	if isInput {
		return q.connected&maskInp != 0
	}
	return q.connected&maskOut != 0
}
