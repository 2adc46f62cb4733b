package daqbone

import (
	"sync"

	"github.com/raskyld/daqbone/pkg/buffer"
)

// PortDirection tells whether a port consumes or produces buffers.
type PortDirection uint8

const (
	PortInput PortDirection = iota
	PortOutput
)

func (d PortDirection) String() string {
	if d == PortInput {
		return "input"
	}
	return "output"
}

// PortConfig holds the per-port parameters negotiated by ConnectPorts.
type PortConfig struct {
	// Capacity requested for the queue, the largest of both sides wins.
	Capacity int
	// Signal is how often the queue notifies the owner of this port.
	Signal SignalKind
	// Blocking is one of the Block* policies. The output side wins.
	Blocking string
}

const defaultPortCapacity = 10

// Port is a named data endpoint owned by a Module. It is linked to the
// opposite port by a LocalTransport shared between both.
type Port struct {
	name   string
	module *Module
	id     uint32
	dir    PortDirection
	cfg    PortConfig

	lk    sync.Mutex
	queue *LocalTransport
}

func newPort(m *Module, id uint32, name string, dir PortDirection, cfg PortConfig) *Port {
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultPortCapacity
	}
	if cfg.Signal == SignalDefault {
		cfg.Signal = SignalOperation
	}
	return &Port{
		name:   name,
		module: m,
		id:     id,
		dir:    dir,
		cfg:    cfg,
	}
}

func (p *Port) Name() string {
	return p.name
}

// FullName is "module/port".
func (p *Port) FullName() string {
	return p.module.Name() + "/" + p.name
}

func (p *Port) Module() *Module {
	return p.module
}

func (p *Port) ID() uint32 {
	return p.id
}

func (p *Port) Direction() PortDirection {
	return p.dir
}

func (p *Port) IsInput() bool {
	return p.dir == PortInput
}

func (p *Port) Config() PortConfig {
	return p.cfg
}

// Queue returns the transport linked to the port, or nil.
func (p *Port) Queue() *LocalTransport {
	p.lk.Lock()
	defer p.lk.Unlock()
	return p.queue
}

func (p *Port) setQueue(q *LocalTransport) {
	p.lk.Lock()
	p.queue = q
	p.lk.Unlock()
}

// IsConnected reports whether both sides of the queue are attached.
func (p *Port) IsConnected() bool {
	q := p.Queue()
	return q != nil && q.Connected()
}

// Send hands buf to the queue. It returns false, leaving buf untouched,
// when the port is not linked or the queue refused it.
func (p *Port) Send(buf *buffer.Buffer) bool {
	if p.dir != PortOutput {
		return false
	}
	q := p.Queue()
	if q == nil {
		return false
	}
	return q.Send(buf)
}

// Recv pops the next queued buffer.
func (p *Port) Recv() (buffer.Buffer, bool) {
	if p.dir != PortInput {
		return buffer.Buffer{}, false
	}
	q := p.Queue()
	if q == nil {
		return buffer.Buffer{}, false
	}
	return q.Recv()
}

// CanSend reports whether Send would be accepted without dropping data.
func (p *Port) CanSend() bool {
	q := p.Queue()
	return p.dir == PortOutput && q != nil && !q.Full()
}

// CanRecv reports whether Recv would return a buffer.
func (p *Port) CanRecv() bool {
	q := p.Queue()
	return p.dir == PortInput && q != nil && !q.Empty()
}

// NumQueued returns how many buffers wait in the queue.
func (p *Port) NumQueued() int {
	q := p.Queue()
	if q == nil {
		return 0
	}
	return q.Size()
}

// ConfirmEvent re-arms a SignalConfirm port.
func (p *Port) ConfirmEvent() {
	if q := p.Queue(); q != nil {
		q.ConfirmEvent(p.dir == PortOutput)
	}
}

// SignalWhenFull asks the queue to notify once it has a meaning for this
// port: data for an input, space for an output.
func (p *Port) SignalWhenFull() {
	if q := p.Queue(); q != nil {
		q.SignalWhenFull()
	}
}

// Disconnect detaches the port from its queue. The opposite port receives
// EventPortError when withErr is set, EventPortDisconnect otherwise.
func (p *Port) Disconnect(withErr bool) {
	p.lk.Lock()
	q := p.queue
	p.queue = nil
	p.lk.Unlock()

	if q != nil {
		q.Disconnect(p.dir == PortInput, withErr)
	}
}

func (p *Port) activated(on bool) {
	if q := p.Queue(); q != nil {
		q.PortActivated(p.dir == PortInput, on)
	}
}
