package daqbone

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/raskyld/daqbone/pkg/buffer"
)

// netTransportPort is the name of the single port of a NetTransport.
const netTransportPort = "Link"

// EventFrameReady tells a NetTransport that a received buffer waits to be
// forwarded.
const EventFrameReady = EventUser + 1

// NetTransportOptions configures a NetTransport.
type NetTransportOptions struct {
	// Pool receives the buffers read from the stream. Required when the
	// link feeds an input port.
	Pool *buffer.Pool
	// MaxFrameSize bounds the size of a received buffer.
	MaxFrameSize int
	// OnBroken is called once when the link fails while the module is
	// not being closed.
	OnBroken func()
}

// NetTransport is the handler of a module bridging a network stream and
// a local port. When the local port is an input, the module reads buffers
// from the stream and sends them through its output port. When it is an
// output, the module writes the buffers it receives to the stream.
type NetTransport struct {
	m      *Module
	stream *netStream
	opts   NetTransportOptions
	dir    PortDirection

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// handoff between the reader goroutine and the module thread.
	lk      sync.Mutex
	pending buffer.Buffer
	taken   chan struct{}

	brokenOnce sync.Once
	closing    atomic.Bool
}

// NewNetTransport creates the module of a link. local is the direction
// of the user port it will be connected to.
func NewNetTransport(
	name string,
	stream *netStream,
	local PortDirection,
	port PortConfig,
	opts NetTransportOptions,
	cfg ModuleConfig,
) (*Module, error) {
	if local == PortInput && opts.Pool == nil {
		return nil, ErrNoPool
	}
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = defaultMaxFrameSize
	}
	nt := &NetTransport{
		stream: stream,
		opts:   opts,
		taken:  make(chan struct{}, 1),
	}
	nt.ctx, nt.cancel = context.WithCancel(context.Background())

	m := NewModule(name, nt, cfg)
	var err error
	if local == PortInput {
		nt.dir = PortOutput
		_, err = m.AddOutput(netTransportPort, port)
	} else {
		nt.dir = PortInput
		_, err = m.AddInput(netTransportPort, port)
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (nt *NetTransport) BindModule(m *Module) {
	nt.m = m
}

func (nt *NetTransport) OnThreadAssigned() {
	if nt.dir == PortOutput {
		nt.wg.Add(1)
		go nt.readLoop()
	}
}

func (nt *NetTransport) OnStart() {}

func (nt *NetTransport) OnStop() {}

// readLoop receives the buffers from the stream and passes them one at a
// time to the module thread.
func (nt *NetTransport) readLoop() {
	defer nt.wg.Done()
	for {
		buf, err := nt.stream.readBuffer(nt.ctx, nt.opts.Pool, nt.opts.MaxFrameSize)
		if err != nil {
			if nt.ctx.Err() == nil {
				if errors.Is(err, io.EOF) {
					nt.m.logger.Info("remote side closed the link")
				} else {
					nt.m.logger.Warn("could not read from link", LabelError.L(err))
				}
				nt.m.Post(func() { nt.fail(err) })
			}
			return
		}
		nt.m.msink.IncrCounterWithLabels(MetricNetBytesIn, float32(buf.Size()), nt.m.labels)

		nt.lk.Lock()
		nt.pending = buf
		nt.lk.Unlock()
		nt.m.FireEvent(Event{Kind: EventFrameReady})

		select {
		case <-nt.taken:
		case <-nt.ctx.Done():
			return
		}
	}
}

func (nt *NetTransport) ProcessEvent(ev Event) {
	if ev.Kind == EventFrameReady {
		nt.forward()
	}
}

func (nt *NetTransport) ProcessOutputEvent(*Port) {
	nt.forward()
}

func (nt *NetTransport) ProcessPortEvent(_ *Port, kind EventKind) {
	switch kind {
	case EventPortConnect, EventConnStart:
		nt.forward()
	case EventPortDisconnect, EventPortError:
		nt.shutdown()
	}
}

// forward moves the received buffer to the output port.
func (nt *NetTransport) forward() {
	if nt.dir != PortOutput || !nt.m.IsRunning() {
		return
	}
	out := nt.m.Port(netTransportPort)
	nt.lk.Lock()
	defer nt.lk.Unlock()
	if nt.pending.Null() || !out.CanSend() {
		return
	}
	if !out.Send(&nt.pending) {
		return
	}
	select {
	case nt.taken <- struct{}{}:
	default:
	}
}

// ProcessInputEvent writes the queued buffers to the stream.
func (nt *NetTransport) ProcessInputEvent(port *Port) {
	for i := 0; i < sinkBatch; i++ {
		buf, ok := port.Recv()
		if !ok {
			return
		}
		n, err := nt.stream.writeBuffer(&buf)
		buf.Release()
		if err != nil {
			nt.m.logger.Warn("could not write to link", LabelError.L(err))
			nt.fail(err)
			return
		}
		nt.m.msink.IncrCounterWithLabels(MetricNetBytesOut, float32(n), nt.m.labels)
	}
	if port.CanRecv() {
		nt.m.FireEvent(Event{Kind: EventInput, Item: port.ID()})
	}
}

// fail reports the broken link once, on the module thread.
func (nt *NetTransport) fail(err error) {
	if nt.closing.Load() {
		return
	}
	nt.m.Port(netTransportPort).Disconnect(true)
	nt.shutdown()
	nt.brokenOnce.Do(func() {
		nt.m.msink.IncrCounterWithLabels(MetricNetStreamErrorCount, 1.0,
			withLabels(nt.m.labels, LabelError.M("link_broken")))
		if nt.opts.OnBroken != nil {
			nt.opts.OnBroken()
		}
	})
}

func (nt *NetTransport) shutdown() {
	nt.cancel()
	nt.stream.abort(QErrStreamClosed)
	nt.lk.Lock()
	nt.pending.Release()
	nt.lk.Unlock()
}

// Close terminates the link.
func (nt *NetTransport) Close() error {
	nt.closing.Store(true)
	nt.shutdown()
	nt.wg.Wait()
	nt.lk.Lock()
	nt.pending.Release()
	nt.lk.Unlock()
	return nil
}
