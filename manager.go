package daqbone

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/daqbone/pkg/buffer"
	"github.com/raskyld/daqbone/pkg/command"
)

// State of a Manager.
type State uint8

const (
	StateHalted State = iota
	StateConfigured
	StateReady
	StateRunning
	StateError
)

func (s State) String() string {
	switch s {
	case StateHalted:
		return "Halted"
	case StateConfigured:
		return "Configured"
	case StateReady:
		return "Ready"
	case StateRunning:
		return "Running"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

// connMgrThread serves the connection manager.
const connMgrThread = "ConnMgrThread"

// maxExceptions bounds the module exceptions kept for inspection.
const maxExceptions = 100

// Manager is the process context of a node. It owns the pools, threads,
// modules and devices, drives the node state machine and routes commands.
//
// Nothing is global: tests may run several Managers in one process.
type Manager struct {
	node       string
	logger     *slog.Logger
	logHandler slog.Handler
	msink      metrics.MetricSink
	labels     []metrics.Label
	timing     ConnTiming
	assignWait time.Duration
	router     CommandRouter

	routeWP *workerpool.WorkerPool
	kinds   *kindRegistry
	cm      *ConnectionManager
	reg     *registry

	lk         sync.Mutex
	state      State
	conns      []*ConnectionRequest
	exceptions []*ModuleException
	closed     bool
}

// NewManager creates a Manager in the Halted state.
func NewManager(opts ...Option) (*Manager, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}
	if !validName(cfg.node) {
		return nil, fmt.Errorf("%w: node name %q", ErrNameInvalid, cfg.node)
	}

	mgr := &Manager{
		node:       cfg.node,
		logHandler: cfg.logHandler,
		timing:     cfg.timing,
		assignWait: cfg.assignWait,
		router:     cfg.router,
		routeWP:    workerpool.New(cfg.routeWorkers),
		kinds:      newKindRegistry(),
		reg:        newRegistry(),
	}

	if cfg.logHandler == nil {
		mgr.logger = slog.Default()
	} else {
		mgr.logger = slog.New(cfg.logHandler)
	}
	mgr.logger = mgr.logger.With(LabelNode.L(cfg.node))

	if cfg.metricSink == nil {
		mgr.msink = metrics.Default()
	} else {
		mgr.msink = cfg.metricSink
	}
	mgr.labels = withLabels(cfg.metricLabels, LabelNode.M(cfg.node))

	for _, kind := range []ModuleKind{fileSourceKind(), fileSinkKind()} {
		if err := mgr.kinds.register(kind); err != nil {
			return nil, err
		}
	}

	thread, err := mgr.CreateThread(connMgrThread)
	if err != nil {
		return nil, err
	}
	mgr.cm = newConnectionManager(mgr, cfg.timing)
	if err := mgr.assign(mgr.cm.Processor, thread); err != nil {
		return nil, err
	}

	mgr.logger.Debug("manager created")
	return mgr, nil
}

func (mgr *Manager) NodeName() string {
	return mgr.node
}

func (mgr *Manager) State() State {
	mgr.lk.Lock()
	defer mgr.lk.Unlock()
	return mgr.state
}

// ConnectionManager returns the connection manager of the node.
func (mgr *Manager) ConnectionManager() *ConnectionManager {
	return mgr.cm
}

var transitions = map[State][]State{
	StateHalted:     {StateConfigured},
	StateConfigured: {StateReady},
	StateReady:      {StateRunning},
	StateRunning:    {StateReady},
}

func (mgr *Manager) transition(to State) (State, error) {
	mgr.lk.Lock()
	defer mgr.lk.Unlock()
	if mgr.closed {
		return mgr.state, ErrClosed
	}
	from := mgr.state
	if to != StateHalted && to != StateError && !slices.Contains(transitions[from], to) {
		return from, fmt.Errorf("%w: %s -> %s", ErrStateTransition, from, to)
	}
	mgr.state = to
	return from, nil
}

func (mgr *Manager) logTransition(from, to State) {
	mgr.logger.Info("state changed", slog.String("from", from.String()), LabelState.L(to.String()))
	mgr.msink.SetGaugeWithLabels(MetricManagerState, float32(to), mgr.labels)
}

// Configure moves from Halted to Configured.
func (mgr *Manager) Configure() error {
	from, err := mgr.transition(StateConfigured)
	if err != nil {
		return err
	}
	mgr.logTransition(from, StateConfigured)
	return nil
}

// Enable establishes every registered connection, then moves to Ready.
// A failed or timed out batch moves the Manager to Error.
func (mgr *Manager) Enable(ctx context.Context, timeout time.Duration) error {
	mgr.lk.Lock()
	state := mgr.state
	num := len(mgr.conns)
	mgr.lk.Unlock()
	if state != StateConfigured {
		return fmt.Errorf("%w: %s -> %s", ErrStateTransition, state, StateReady)
	}

	if num > 0 {
		res, err := mgr.ActivateConnections(ctx, num, timeout, false)
		if err != nil || res != command.ResultTrue {
			if err == nil {
				err = fmt.Errorf("%w: batch %s", ErrConnRejected, res)
				if res == command.ResultTimedOut {
					err = ErrConnTimedOut
				}
			}
			// a Halt during the batch already decided the state.
			if mgr.State() == StateConfigured {
				mgr.Fail(err)
			}
			return err
		}
	}

	from, err := mgr.transition(StateReady)
	if err != nil {
		return err
	}
	mgr.logTransition(from, StateReady)
	return nil
}

// Start starts every module and moves from Ready to Running.
func (mgr *Manager) Start() error {
	from, err := mgr.transition(StateRunning)
	if err != nil {
		return err
	}
	for _, m := range mgr.Modules() {
		if err := m.Start(); err != nil {
			mgr.Fail(fmt.Errorf("module %s: %w", m.Name(), err))
			return err
		}
	}
	mgr.logTransition(from, StateRunning)
	return nil
}

// Stop stops every module and moves from Running to Ready.
func (mgr *Manager) Stop() error {
	from, err := mgr.transition(StateReady)
	if err != nil {
		return err
	}
	for _, m := range mgr.Modules() {
		m.Stop()
	}
	mgr.logTransition(from, StateReady)
	return nil
}

// Halt stops the modules and the connection handshakes from any state.
func (mgr *Manager) Halt(ctx context.Context) error {
	from, err := mgr.transition(StateHalted)
	if err != nil {
		return err
	}
	for _, m := range mgr.Modules() {
		m.Stop()
	}
	if err := mgr.ShutdownConnections(ctx); err != nil {
		mgr.logger.Warn("could not shutdown connections", LabelError.L(err))
	}
	mgr.logTransition(from, StateHalted)
	return nil
}

// Fail moves the Manager to Error.
func (mgr *Manager) Fail(cause error) {
	from, err := mgr.transition(StateError)
	if err != nil {
		return
	}
	mgr.logger.Error("manager failed", LabelError.L(cause))
	mgr.logTransition(from, StateError)
}

func (mgr *Manager) threadConfig() ThreadConfig {
	return ThreadConfig{
		LogHandler:   mgr.logHandler,
		MetricSink:   mgr.msink,
		MetricLabels: mgr.labels,
		OnException:  mgr.recordException,
	}
}

func (mgr *Manager) recordException(exc *ModuleException) {
	mgr.lk.Lock()
	mgr.exceptions = append(mgr.exceptions, exc)
	if len(mgr.exceptions) > maxExceptions {
		mgr.exceptions = slices.Delete(mgr.exceptions, 0, len(mgr.exceptions)-maxExceptions)
	}
	mgr.lk.Unlock()
	mgr.msink.IncrCounterWithLabels(MetricManagerExcCount, 1,
		withLabels(mgr.labels, LabelProcessor.M(exc.Processor)))
	mgr.logger.Error("module exception",
		LabelProcessor.L(exc.Processor), LabelThread.L(exc.Thread), LabelError.L(exc.Err))
}

// Exceptions returns the latest module exceptions.
func (mgr *Manager) Exceptions() []*ModuleException {
	mgr.lk.Lock()
	defer mgr.lk.Unlock()
	return slices.Clone(mgr.exceptions)
}

// CreatePool creates a named memory pool.
func (mgr *Manager) CreatePool(name string, cfg buffer.PoolConfig) (*buffer.Pool, error) {
	if !validName(name) {
		return nil, fmt.Errorf("%w: %q", ErrNameInvalid, name)
	}
	if cfg.LogHandler == nil {
		cfg.LogHandler = mgr.logHandler
	}
	if cfg.MetricSink == nil {
		cfg.MetricSink = mgr.msink
	}
	cfg.MetricLabels = withLabels(mgr.labels, cfg.MetricLabels...)

	mgr.lk.Lock()
	defer mgr.lk.Unlock()
	if _, exists := mgr.reg.get(sectionPools, name); exists {
		return nil, fmt.Errorf("%w: pool %s", ErrNameConflict, name)
	}
	pool, err := buffer.NewPool(name, cfg)
	if err != nil {
		return nil, err
	}
	if err := mgr.reg.insert(sectionPools, name, pool); err != nil {
		return nil, err
	}
	return pool, nil
}

// Pool finds a memory pool.
func (mgr *Manager) Pool(name string) (*buffer.Pool, error) {
	pool, ok := lookup[*buffer.Pool](mgr.reg, sectionPools, name)
	if !ok {
		return nil, fmt.Errorf("%w: pool %q", ErrNotFound, name)
	}
	return pool, nil
}

// DeletePool closes and forgets a pool. It fails while its buffers are
// referenced.
func (mgr *Manager) DeletePool(name string) error {
	mgr.lk.Lock()
	defer mgr.lk.Unlock()
	pool, ok := lookup[*buffer.Pool](mgr.reg, sectionPools, name)
	if !ok {
		return fmt.Errorf("%w: pool %q", ErrNotFound, name)
	}
	if err := pool.Close(); err != nil {
		return err
	}
	mgr.reg.remove(sectionPools, name)
	return nil
}

// CreateThread creates a named thread. Creating an existing thread
// returns it.
func (mgr *Manager) CreateThread(name string) (*Thread, error) {
	if !validName(name) {
		return nil, fmt.Errorf("%w: %q", ErrNameInvalid, name)
	}
	mgr.lk.Lock()
	defer mgr.lk.Unlock()
	if mgr.closed {
		return nil, ErrClosed
	}
	if t, ok := lookup[*Thread](mgr.reg, sectionThreads, name); ok {
		return t, nil
	}
	t := NewThread(name, mgr.threadConfig())
	if err := mgr.reg.insert(sectionThreads, name, t); err != nil {
		t.Stop()
		return nil, err
	}
	return t, nil
}

// Thread finds a thread.
func (mgr *Manager) Thread(name string) (*Thread, bool) {
	return lookup[*Thread](mgr.reg, sectionThreads, name)
}

func (mgr *Manager) assign(p *Processor, t *Thread) error {
	ctx, cancel := context.WithTimeout(context.Background(), mgr.assignWait)
	defer cancel()
	return p.AssignToThread(ctx, t, true)
}

// ModuleConfig returns the module settings matching the Manager ones.
func (mgr *Manager) ModuleConfig(kind string) ModuleConfig {
	return ModuleConfig{
		Kind:         kind,
		Priority:     PriorityNormal,
		LogHandler:   mgr.logHandler,
		MetricSink:   mgr.msink,
		MetricLabels: mgr.labels,
	}
}

// AddModule registers m with its ports and assigns it to the named
// thread, created if needed.
func (mgr *Manager) AddModule(m *Module, threadName string) error {
	if !validName(m.Name()) {
		return fmt.Errorf("%w: %q", ErrNameInvalid, m.Name())
	}
	t, err := mgr.CreateThread(threadName)
	if err != nil {
		return err
	}

	mgr.lk.Lock()
	if err := mgr.reg.insert(sectionModules, m.Name(), m); err != nil {
		mgr.lk.Unlock()
		return err
	}
	for _, p := range m.Ports() {
		_ = mgr.reg.insert(sectionPorts, p.FullName(), p)
	}
	mgr.lk.Unlock()

	if err := mgr.assign(m.Processor, t); err != nil {
		mgr.forgetModule(m.Name())
		return err
	}
	mgr.logger.Debug("module added", LabelModule.L(m.Name()), LabelThread.L(threadName))
	return nil
}

// CreateModule builds a module of a registered kind.
func (mgr *Manager) CreateModule(kind, name, threadName string, params map[string]any) (*Module, error) {
	k, ok := mgr.kinds.get(kind)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	m, err := k.New(mgr, name, params, mgr.ModuleConfig(kind))
	if err != nil {
		return nil, err
	}
	if err := mgr.AddModule(m, threadName); err != nil {
		_ = m.Close()
		return nil, err
	}
	return m, nil
}

// RegisterKind makes a kind of module creatable by name.
func (mgr *Manager) RegisterKind(kind ModuleKind) error {
	return mgr.kinds.register(kind)
}

// Kinds lists the creatable kinds of modules.
func (mgr *Manager) Kinds() []ModuleKind {
	kinds := mgr.kinds.list()
	slices.SortFunc(kinds, func(a, b ModuleKind) int { return strings.Compare(a.Name, b.Name) })
	return kinds
}

// Module finds a module.
func (mgr *Manager) Module(name string) (*Module, bool) {
	return lookup[*Module](mgr.reg, sectionModules, name)
}

// Modules returns the modules in name order.
func (mgr *Manager) Modules() []*Module {
	var out []*Module
	for _, v := range mgr.reg.walk(sectionModules, "") {
		out = append(out, v.(*Module))
	}
	return out
}

// RemoveModule closes and forgets a module.
func (mgr *Manager) RemoveModule(name string) error {
	m, ok := mgr.Module(name)
	if !ok {
		return fmt.Errorf("%w: module %q", ErrNotFound, name)
	}
	mgr.forgetModule(name)
	return m.Close()
}

func (mgr *Manager) forgetModule(name string) {
	mgr.lk.Lock()
	mgr.reg.remove(sectionModules, name)
	mgr.reg.removePrefix(sectionPorts, name+"/")
	mgr.lk.Unlock()
}

// FindPort finds a local port by "module/port".
func (mgr *Manager) FindPort(path string) (*Port, bool) {
	return lookup[*Port](mgr.reg, sectionPorts, path)
}

func (mgr *Manager) findPort(path string) *Port {
	p, _ := mgr.FindPort(path)
	return p
}

// AddDevice registers a device driven by driver on the named thread.
func (mgr *Manager) AddDevice(name string, driver DeviceDriver, threadName string) (*Device, error) {
	if !validName(name) {
		return nil, fmt.Errorf("%w: %q", ErrNameInvalid, name)
	}
	t, err := mgr.CreateThread(threadName)
	if err != nil {
		return nil, err
	}
	if b, ok := driver.(managerBinder); ok {
		b.bindManager(mgr)
	}
	dev := NewDevice(name, driver, DeviceConfig{
		LogHandler:   mgr.logHandler,
		MetricSink:   mgr.msink,
		MetricLabels: mgr.labels,
	})

	mgr.lk.Lock()
	err = mgr.reg.insert(sectionDevices, name, dev)
	mgr.lk.Unlock()
	if err != nil {
		_ = dev.Close()
		return nil, err
	}

	if err := mgr.assign(dev.Processor, t); err != nil {
		mgr.lk.Lock()
		mgr.reg.remove(sectionDevices, name)
		mgr.lk.Unlock()
		_ = dev.Close()
		return nil, err
	}
	return dev, nil
}

// Device finds a device.
func (mgr *Manager) Device(name string) (*Device, bool) {
	return lookup[*Device](mgr.reg, sectionDevices, name)
}

func (mgr *Manager) findDevice(name string) *Device {
	dev, _ := mgr.Device(name)
	return dev
}

// ConnectLocal links two local ports given as "module/port".
func (mgr *Manager) ConnectLocal(path1, path2 string) error {
	p1, ok := mgr.FindPort(path1)
	if !ok {
		return fmt.Errorf("%w: port %q", ErrNotFound, path1)
	}
	p2, ok := mgr.FindPort(path2)
	if !ok {
		return fmt.Errorf("%w: port %q", ErrNotFound, path2)
	}
	return connectPair(p1, p2)
}

// Connect registers a connection between two ports given as urls. When
// both are local they are linked at once and no request is returned.
// Otherwise the node of url1 acts as server, and the request is handled
// by the connection manager once activated.
func (mgr *Manager) Connect(url1, url2 string, opts ConnectOptions) (*ConnectionRequest, error) {
	u1, err := ParseURL(url1, mgr.node)
	if err != nil {
		return nil, err
	}
	u2, err := ParseURL(url2, mgr.node)
	if err != nil {
		return nil, err
	}

	var req *ConnectionRequest
	switch {
	case u1.Node == mgr.node && u2.Node == mgr.node:
		return nil, mgr.ConnectLocal(u1.PortPath(), u2.PortPath())
	case u1.Node == mgr.node:
		req = newConnectionRequest(u1, u2, true, opts)
	case u2.Node == mgr.node:
		req = newConnectionRequest(u2, u1, false, opts)
	default:
		return nil, fmt.Errorf("%w: none of %s and %s is local", ErrInvalidURL, url1, url2)
	}

	mgr.lk.Lock()
	if mgr.closed {
		mgr.lk.Unlock()
		return nil, ErrClosed
	}
	mgr.conns = append(mgr.conns, req)
	mgr.lk.Unlock()

	mgr.cm.Post(func() { mgr.cm.register(req, false) })
	return req, nil
}

// ReportBroken restarts the handshake of a connection whose link broke.
// An idle connection manager is reactivated.
func (mgr *Manager) ReportBroken(req *ConnectionRequest) {
	// the port is only known once the handshake started.
	if p := req.Port(); p != nil {
		p.Disconnect(true)
	}
	mgr.cm.Post(func() { mgr.cm.register(req, true) })
}

// Connections returns the registered remote connections.
func (mgr *Manager) Connections() []*ConnectionRequest {
	mgr.lk.Lock()
	defer mgr.lk.Unlock()
	return slices.Clone(mgr.conns)
}

// ActivateConnections runs the handshake of the registered connections and
// waits for the batch: true once num connections are established, false
// when a mandatory one failed, timed out otherwise.
func (mgr *Manager) ActivateConnections(ctx context.Context, num int, timeout time.Duration, debug bool) (command.Result, error) {
	cmd := command.New(CmdActivateConnections)
	cmd.SetInt(argNumConn, num)
	cmd.SetBool(argConnDebug, debug)
	cmd.SetTimeout(timeout)
	return mgr.cm.Execute(ctx, cmd)
}

// ShutdownConnections fails the outstanding handshakes and the running
// batch.
func (mgr *Manager) ShutdownConnections(ctx context.Context) error {
	res, err := mgr.cm.Execute(ctx, command.New(CmdShutdownConnections))
	if err != nil {
		return err
	}
	if res != command.ResultTrue {
		return fmt.Errorf("%w: shutdown %s", ErrConnRejected, res)
	}
	return nil
}

func splitReceiver(rcv string) (node, name string) {
	if i := strings.IndexByte(rcv, '/'); i >= 0 {
		return rcv[:i], rcv[i+1:]
	}
	return "", rcv
}

// Deliver submits cmd to the local processor named by its receiver: the
// connection manager, a device or a module.
func (mgr *Manager) Deliver(cmd *command.Command) {
	_, name := splitReceiver(cmd.Receiver())
	var target *Processor
	switch {
	case name == ConnMgrName:
		target = mgr.cm.Processor
	default:
		if dev, ok := mgr.Device(name); ok {
			target = dev.Processor
		} else if m, ok := mgr.Module(name); ok {
			target = m.Processor
		}
	}
	if target == nil {
		mgr.logger.Warn("no receiver for command",
			LabelCommand.L(cmd.Name()), slog.String("receiver", cmd.Receiver()))
		_ = cmd.ReplyFalse()
		return
	}
	target.Submit(cmd)
}

// Submit routes cmd to its receiver, local or on another node, and
// returns at once. The reply comes through the command.
func (mgr *Manager) Submit(cmd *command.Command) {
	node, _ := splitReceiver(cmd.Receiver())
	if node == "" || node == mgr.node {
		mgr.Deliver(cmd)
		return
	}
	if mgr.router == nil {
		mgr.logger.Warn("no router for remote command",
			LabelCommand.L(cmd.Name()), LabelNode.L(node))
		_ = cmd.ReplyFalse()
		return
	}

	mgr.routeWP.Submit(func() {
		ctx := context.Background()
		if dl, ok := cmd.Deadline(); ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithDeadline(ctx, dl)
			defer cancel()
		}
		if err := mgr.router.Forward(ctx, node, cmd); err != nil {
			mgr.logger.Warn("could not forward command",
				LabelCommand.L(cmd.Name()), LabelNode.L(node), LabelError.L(err))
			res := command.ResultFalse
			if errors.Is(err, context.DeadlineExceeded) {
				res = command.ResultTimedOut
			}
			_ = cmd.Reply(res)
		}
	})
}

// Close halts the Manager and releases everything it owns.
func (mgr *Manager) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), mgr.assignWait)
	defer cancel()
	_ = mgr.Halt(ctx)

	mgr.lk.Lock()
	if mgr.closed {
		mgr.lk.Unlock()
		return nil
	}
	mgr.closed = true
	mgr.lk.Unlock()

	var errs []error
	for _, m := range mgr.Modules() {
		if err := m.Close(); err != nil && !errors.Is(err, ErrNotAssigned) {
			errs = append(errs, fmt.Errorf("module %s: %w", m.Name(), err))
		}
	}
	for _, v := range mgr.reg.walk(sectionDevices, "") {
		if err := v.(*Device).Close(); err != nil {
			errs = append(errs, err)
		}
	}
	mgr.routeWP.StopWait()
	for _, v := range mgr.reg.walk(sectionThreads, "") {
		v.(*Thread).Stop()
	}
	for name, v := range mgr.reg.walk(sectionPools, "") {
		if err := v.(*buffer.Pool).Close(); err != nil {
			errs = append(errs, fmt.Errorf("pool %s: %w", name, err))
		}
	}
	mgr.logger.Debug("manager closed")
	return errors.Join(errs...)
}
