package daqbone

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/daqbone/pkg/buffer"
	"github.com/stretchr/testify/require"
)

// counterInput produces records holding their sequence number.
type counterInput struct {
	lk      sync.Mutex
	next    int
	total   int
	stalled int
	closed  bool
}

func (in *counterInput) NextSize() (int, error) {
	in.lk.Lock()
	defer in.lk.Unlock()
	if in.stalled > 0 {
		in.stalled--
		return 0, ErrNoData
	}
	if in.next >= in.total {
		return 0, io.EOF
	}
	return 1, nil
}

func (in *counterInput) Fill(buf *buffer.Buffer) error {
	in.lk.Lock()
	defer in.lk.Unlock()
	buf.Segment(0)[0] = byte(in.next)
	in.next++
	return nil
}

func (in *counterInput) Close() error {
	in.lk.Lock()
	in.closed = true
	in.lk.Unlock()
	return nil
}

type recordingOutput struct {
	lk      sync.Mutex
	records []byte
	flushes int
	closed  bool
}

func (out *recordingOutput) WriteBuffer(buf *buffer.Buffer) error {
	out.lk.Lock()
	out.records = append(out.records, buf.Bytes()...)
	out.lk.Unlock()
	return nil
}

func (out *recordingOutput) Flush() error {
	out.lk.Lock()
	out.flushes++
	out.lk.Unlock()
	return nil
}

func (out *recordingOutput) Close() error {
	out.lk.Lock()
	out.closed = true
	out.lk.Unlock()
	return nil
}

func (out *recordingOutput) snapshot() ([]byte, int) {
	out.lk.Lock()
	defer out.lk.Unlock()
	return append([]byte(nil), out.records...), out.flushes
}

func testModuleConfig() ModuleConfig {
	return ModuleConfig{MetricSink: &metrics.BlackholeSink{}}
}

func runPipeline(t *testing.T, total int, pool *buffer.Pool, sameThread bool, port PortConfig) (*counterInput, *recordingOutput) {
	t.Helper()
	in := &counterInput{total: total, stalled: 2}
	out := &recordingOutput{}

	src, err := NewSource("src", in, pool, port, testModuleConfig())
	require.NoError(t, err)
	snk, err := NewSink("snk", out, port, testModuleConfig())
	require.NoError(t, err)

	th1 := newTestThread(t, "pipeline-1", nil)
	th2 := th1
	if !sameThread {
		th2 = newTestThread(t, "pipeline-2", nil)
	}
	assignProcessor(t, src.Processor, th1)
	assignProcessor(t, snk.Processor, th2)

	require.NoError(t, ConnectPorts(src.Port("Output"), snk.Port("Input")))
	require.NoError(t, snk.Start())
	require.NoError(t, src.Start())

	require.Eventually(t, func() bool {
		records, flushes := out.snapshot()
		return len(records) == total && flushes > 0
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, src.Close())
	require.NoError(t, snk.Close())
	return in, out
}

func TestSourceSink_Pipeline(t *testing.T) {
	for _, sameThread := range []bool{true, false} {
		pool, err := buffer.NewPool("pipeline", buffer.PoolConfig{
			SlotSize:   16,
			Count:      4,
			MetricSink: &metrics.BlackholeSink{},
		})
		require.NoError(t, err)

		in, out := runPipeline(t, 50, pool, sameThread, PortConfig{Capacity: 2})
		records, _ := out.snapshot()
		for i, b := range records {
			require.Equal(t, byte(i), b, "records must arrive in order")
		}
		require.True(t, in.closed)
		require.True(t, out.closed)
		require.Eventually(t, func() bool { return pool.NumReferenced() == 0 }, time.Second, 10*time.Millisecond)
		require.NoError(t, pool.Close())
	}
}

func TestSource_WaitsForPool(t *testing.T) {
	// a single slot forces the source to wait for the sink to recycle it.
	pool, err := buffer.NewPool("tiny", buffer.PoolConfig{
		SlotSize:   8,
		Count:      1,
		MetricSink: &metrics.BlackholeSink{},
	})
	require.NoError(t, err)

	_, out := runPipeline(t, 20, pool, false, PortConfig{Capacity: 4})
	records, _ := out.snapshot()
	require.Len(t, records, 20)
}

func TestConnectPorts_Errors(t *testing.T) {
	th := newTestThread(t, "connect", nil)
	a := NewModule("a", nil, testModuleConfig())
	b := NewModule("b", nil, testModuleConfig())
	assignProcessor(t, a.Processor, th)
	assignProcessor(t, b.Processor, th)

	aOut, err := a.AddOutput("Out", PortConfig{})
	require.NoError(t, err)
	aIn, err := a.AddInput("In", PortConfig{})
	require.NoError(t, err)
	bIn, err := b.AddInput("In", PortConfig{Capacity: 32, Blocking: "sometimes"})
	require.NoError(t, err)

	_, err = a.AddInput("In", PortConfig{})
	require.ErrorIs(t, err, ErrNameConflict)
	_, err = a.AddInput("bad name", PortConfig{})
	require.ErrorIs(t, err, ErrNameInvalid)

	require.ErrorIs(t, ConnectPorts(aIn, bIn), ErrPortDirection)
	require.ErrorIs(t, ConnectPorts(aOut, nil), ErrPortNotConnected)
	require.ErrorIs(t, ConnectPorts(aOut, bIn), ErrBlockingPolicy)

	bIn2, err := b.AddInput("In2", PortConfig{Capacity: 32})
	require.NoError(t, err)
	require.NoError(t, ConnectPorts(aOut, bIn2))
	require.Equal(t, 32, aOut.Queue().Capacity(), "the largest capacity wins")
	require.Same(t, aOut.Queue(), bIn2.Queue())
	require.True(t, aOut.IsConnected())

	bOut, err := b.AddOutput("Out", PortConfig{})
	require.NoError(t, err)
	require.NoError(t, ConnectPorts(bOut, aIn))
	require.ErrorIs(t, ConnectPorts(aOut, aIn), ErrQueueConflict)
}

func TestConnectPorts_SameThreadQueueIsUnlocked(t *testing.T) {
	th1 := newTestThread(t, "shared", nil)
	th2 := newTestThread(t, "other", nil)
	a := NewModule("a", nil, testModuleConfig())
	b := NewModule("b", nil, testModuleConfig())
	c := NewModule("c", nil, testModuleConfig())
	assignProcessor(t, a.Processor, th1)
	assignProcessor(t, b.Processor, th1)
	assignProcessor(t, c.Processor, th2)

	aOut, err := a.AddOutput("Out", PortConfig{})
	require.NoError(t, err)
	bIn, err := b.AddInput("In", PortConfig{})
	require.NoError(t, err)
	require.NoError(t, ConnectPorts(aOut, bIn))
	require.Nil(t, aOut.Queue().mu, "one thread touches the queue")

	bOut, err := b.AddOutput("Out", PortConfig{})
	require.NoError(t, err)
	cIn, err := c.AddInput("In", PortConfig{})
	require.NoError(t, err)
	require.NoError(t, ConnectPorts(bOut, cIn))
	require.NotNil(t, bOut.Queue().mu, "endpoints on two threads share the queue")
}

func TestModule_DisconnectPropagates(t *testing.T) {
	th1 := newTestThread(t, "left", nil)
	th2 := newTestThread(t, "right", nil)
	a := NewModule("a", nil, testModuleConfig())
	b := NewModule("b", nil, testModuleConfig())
	assignProcessor(t, a.Processor, th1)
	assignProcessor(t, b.Processor, th2)

	out, err := a.AddOutput("Out", PortConfig{})
	require.NoError(t, err)
	inp, err := b.AddInput("In", PortConfig{})
	require.NoError(t, err)
	require.NoError(t, ConnectPorts(out, inp))

	out.Disconnect(false)
	require.Eventually(t, func() bool { return !inp.IsConnected() }, time.Second, 10*time.Millisecond,
		"the peer must release its side once notified")
	require.Nil(t, out.Queue())
}

func TestModule_StartRequiresThread(t *testing.T) {
	m := NewModule("lonely", nil, testModuleConfig())
	require.ErrorIs(t, m.Start(), ErrNotAssigned)
	require.False(t, m.IsRunning())
}
