package daqbone

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/daqbone/pkg/command"
)

// ModuleConfig configures a Module.
type ModuleConfig struct {
	Kind         string
	Priority     Priority
	LogHandler   slog.Handler
	MetricSink   metrics.MetricSink
	MetricLabels []metrics.Label
}

// ModuleBinder is implemented by handlers keeping a reference to the
// Module they run in. BindModule is called by NewModule.
type ModuleBinder interface {
	BindModule(m *Module)
}

// InputHandler is notified when data is queued on an input port.
type InputHandler interface {
	ProcessInputEvent(port *Port)
}

// OutputHandler is notified when space is available on an output port.
type OutputHandler interface {
	ProcessOutputEvent(port *Port)
}

// PortEventHandler receives the connection events of the ports:
// EventPortConnect, EventPortDisconnect, EventPortError, EventConnStart
// and EventConnStop.
type PortEventHandler interface {
	ProcessPortEvent(port *Port, kind EventKind)
}

// StartStopHandler is notified, on the module thread, of Start and Stop.
type StartStopHandler interface {
	OnStart()
	OnStop()
}

// Module is a Processor owning named ports. Its handler decides what
// happens with the data, the module takes care of routing events of the
// ports to it.
//
// Data events are only delivered while the module runs.
type Module struct {
	*Processor

	kind    string
	handler any
	logger  *slog.Logger
	msink   metrics.MetricSink
	labels  []metrics.Label
	running atomic.Bool

	lk     sync.Mutex
	ports  []*Port
	byName map[string]*Port
}

// NewModule creates an unassigned module. The handler may implement any
// of the module handler interfaces, as well as TimeoutHandler,
// CommandExecutor, ReplyHandler and EventHandler for user events.
func NewModule(name string, handler any, cfg ModuleConfig) *Module {
	m := &Module{
		kind:    cfg.Kind,
		handler: handler,
		byName:  make(map[string]*Port),
	}
	m.Processor = NewProcessor(name, moduleRunner{m}, cfg.Priority)

	if cfg.LogHandler == nil {
		m.logger = slog.Default()
	} else {
		m.logger = slog.New(cfg.LogHandler)
	}
	m.logger = m.logger.With(LabelModule.L(name))

	if cfg.MetricSink == nil {
		m.msink = metrics.Default()
	} else {
		m.msink = cfg.MetricSink
	}
	m.labels = withLabels(cfg.MetricLabels, LabelModule.M(name))

	if binder, ok := handler.(ModuleBinder); ok {
		binder.BindModule(m)
	}
	return m
}

func (m *Module) Kind() string {
	return m.kind
}

func (m *Module) Handler() any {
	return m.handler
}

// Logger returns the logger of the module, for handlers.
func (m *Module) Logger() *slog.Logger {
	return m.logger
}

func (m *Module) IsRunning() bool {
	return m.running.Load()
}

func validName(name string) bool {
	return name != "" && !strings.ContainsAny(name, "/ \t\n")
}

func (m *Module) addPort(name string, dir PortDirection, cfg PortConfig) (*Port, error) {
	if !validName(name) {
		return nil, fmt.Errorf("%w: %q", ErrNameInvalid, name)
	}
	m.lk.Lock()
	defer m.lk.Unlock()
	if _, exists := m.byName[name]; exists {
		return nil, fmt.Errorf("%w: port %s/%s", ErrNameConflict, m.Name(), name)
	}
	p := newPort(m, uint32(len(m.ports)), name, dir, cfg)
	m.ports = append(m.ports, p)
	m.byName[name] = p
	return p, nil
}

// AddInput declares an input port.
func (m *Module) AddInput(name string, cfg PortConfig) (*Port, error) {
	return m.addPort(name, PortInput, cfg)
}

// AddOutput declares an output port.
func (m *Module) AddOutput(name string, cfg PortConfig) (*Port, error) {
	return m.addPort(name, PortOutput, cfg)
}

// Port finds a port by name.
func (m *Module) Port(name string) *Port {
	m.lk.Lock()
	defer m.lk.Unlock()
	return m.byName[name]
}

func (m *Module) portByID(id uint32) *Port {
	m.lk.Lock()
	defer m.lk.Unlock()
	if int(id) >= len(m.ports) {
		return nil
	}
	return m.ports[id]
}

// Ports returns a snapshot of the ports, in declaration order.
func (m *Module) Ports() []*Port {
	m.lk.Lock()
	defer m.lk.Unlock()
	return append([]*Port(nil), m.ports...)
}

// Input returns the i-th input port, or nil.
func (m *Module) Input(i int) *Port {
	return m.nth(PortInput, i)
}

// Output returns the i-th output port, or nil.
func (m *Module) Output(i int) *Port {
	return m.nth(PortOutput, i)
}

func (m *Module) nth(dir PortDirection, i int) *Port {
	for _, p := range m.Ports() {
		if p.dir != dir {
			continue
		}
		if i == 0 {
			return p
		}
		i--
	}
	return nil
}

// Start switches the module to running. The handler is notified on the
// module thread, then the ports holding data or space get their first
// data event.
func (m *Module) Start() error {
	if !m.IsAssigned() {
		return ErrNotAssigned
	}
	if m.running.Swap(true) {
		return nil
	}
	m.Post(func() {
		if h, ok := m.handler.(StartStopHandler); ok {
			h.OnStart()
		}
		for _, p := range m.Ports() {
			p.activated(true)
		}
		m.kick()
	})
	m.logger.Debug("module started")
	return nil
}

// Stop switches the module off. Queued data stays in the queues.
func (m *Module) Stop() {
	if !m.running.Swap(false) {
		return
	}
	posted := m.Post(func() {
		if h, ok := m.handler.(StartStopHandler); ok {
			h.OnStop()
		}
		for _, p := range m.Ports() {
			p.activated(false)
		}
	})
	if !posted {
		for _, p := range m.Ports() {
			p.activated(false)
		}
	}
	m.logger.Debug("module stopped")
}

// kick delivers the data events that may have been dropped while the
// module was not running.
func (m *Module) kick() {
	for _, p := range m.Ports() {
		if p.CanRecv() {
			m.FireEvent(Event{Kind: EventInput, Item: p.id})
		} else if p.CanSend() {
			m.FireEvent(Event{Kind: EventOutput, Item: p.id})
		}
	}
}

// DisconnectAll detaches every port.
func (m *Module) DisconnectAll(withErr bool) {
	for _, p := range m.Ports() {
		p.Disconnect(withErr)
	}
}

// Close stops the module, detaches its ports and removes it from its
// thread. A handler implementing io.Closer is closed last.
func (m *Module) Close() error {
	m.Stop()
	m.DisconnectAll(false)
	var err error
	if m.Thread() != nil {
		err = m.RemoveFromThread()
	}
	if c, ok := m.handler.(io.Closer); ok {
		err = errors.Join(err, c.Close())
	}
	return err
}

// moduleRunner is the processor handler of a Module.
type moduleRunner struct {
	m *Module
}

func (r moduleRunner) ProcessEvent(ev Event) {
	m := r.m
	switch ev.Kind {
	case EventInput, EventOutput:
		if !m.IsRunning() {
			return
		}
		p := m.portByID(ev.Item)
		if p == nil {
			return
		}
		if ev.Kind == EventInput {
			if h, ok := m.handler.(InputHandler); ok {
				h.ProcessInputEvent(p)
			}
		} else if h, ok := m.handler.(OutputHandler); ok {
			h.ProcessOutputEvent(p)
		}

	case EventPortConnect, EventPortDisconnect, EventPortError, EventConnStart, EventConnStop:
		p := m.portByID(ev.Item)
		if p == nil {
			return
		}
		if ev.Kind == EventPortDisconnect || ev.Kind == EventPortError {
			// the other side left, release our side as well.
			p.Disconnect(false)
			if ev.Kind == EventPortError {
				m.logger.Warn("port disconnected on error", LabelPort.L(p.Name()))
			}
		}
		if h, ok := m.handler.(PortEventHandler); ok {
			h.ProcessPortEvent(p, ev.Kind)
		}

	default:
		if h, ok := m.handler.(EventHandler); ok {
			h.ProcessEvent(ev)
		}
	}
}

func (r moduleRunner) ProcessTimeout(elapsed time.Duration) time.Duration {
	if h, ok := r.m.handler.(TimeoutHandler); ok {
		return h.ProcessTimeout(elapsed)
	}
	return -1
}

func (r moduleRunner) ExecuteCommand(cmd *command.Command) command.Result {
	if h, ok := r.m.handler.(CommandExecutor); ok {
		return h.ExecuteCommand(cmd)
	}
	return command.ResultFalse
}

func (r moduleRunner) ReplyCommand(cmd *command.Command) {
	if h, ok := r.m.handler.(ReplyHandler); ok {
		h.ReplyCommand(cmd)
	}
}

func (r moduleRunner) OnThreadAssigned() {
	if h, ok := r.m.handler.(AssignHandler); ok {
		h.OnThreadAssigned()
	}
}

// Capability is the closed set of roles a module kind can play.
type Capability uint8

const (
	CapDataInput Capability = 1 << iota
	CapDataOutput
	CapTransport
)

func (c Capability) String() string {
	var parts []string
	if c&CapDataInput != 0 {
		parts = append(parts, "data-input")
	}
	if c&CapDataOutput != 0 {
		parts = append(parts, "data-output")
	}
	if c&CapTransport != 0 {
		parts = append(parts, "transport")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// ModuleFactory builds a module of a given kind. The manager fills cfg
// with its logging and metrics settings.
type ModuleFactory func(mgr *Manager, name string, params map[string]any, cfg ModuleConfig) (*Module, error)

// ModuleKind describes a kind of module creatable by name.
type ModuleKind struct {
	Name string
	Caps Capability
	New  ModuleFactory
}

// kindRegistry maps kind names to factories.
type kindRegistry struct {
	lk    sync.Mutex
	kinds map[string]ModuleKind
}

func newKindRegistry() *kindRegistry {
	return &kindRegistry{kinds: make(map[string]ModuleKind)}
}

func (r *kindRegistry) register(kind ModuleKind) error {
	if !validName(kind.Name) || kind.New == nil {
		return fmt.Errorf("%w: module kind %q", ErrInvalidCfg, kind.Name)
	}
	r.lk.Lock()
	defer r.lk.Unlock()
	if _, exists := r.kinds[kind.Name]; exists {
		return fmt.Errorf("%w: module kind %q", ErrNameConflict, kind.Name)
	}
	r.kinds[kind.Name] = kind
	return nil
}

func (r *kindRegistry) get(name string) (ModuleKind, bool) {
	r.lk.Lock()
	defer r.lk.Unlock()
	kind, ok := r.kinds[name]
	return kind, ok
}

func (r *kindRegistry) list() []ModuleKind {
	r.lk.Lock()
	defer r.lk.Unlock()
	out := make([]ModuleKind, 0, len(r.kinds))
	for _, k := range r.kinds {
		out = append(out, k)
	}
	return out
}
