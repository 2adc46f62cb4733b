package daqbone

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
	"github.com/raskyld/daqbone/pkg/command"
)

const (
	defaultUDPBufferSize int = 1 << 21
	defaultNetPort           = 6174
	defaultNetThread         = "NetThread"
	defaultMaxFrameSize      = 16 << 20
	defaultDialTimeout       = 10 * time.Second
	defaultAcceptTimeout     = 100 * time.Second
	alpnProto                = "daqbone/1"
)

// AddressResolver finds the QUIC address of the NetDevice of a node.
type AddressResolver interface {
	Resolve(node string) (string, error)
}

// NetDeviceConfig represents configuration for the network device.
type NetDeviceConfig struct {
	// BufferSize of the requested UDP kernel buffer.
	BufferSize int

	// EnforceBufferSize fails if the kernel doesn't allocate what we asked.
	// If that's false, we retry and divide by 2 the requested
	// `NetDeviceConfig.BufferSize` until it fits or fails.
	EnforceBufferSize bool

	// TlsConfig should be configured to ensure mTLS is enabled between the
	// peers.
	TlsConfig *tls.Config

	// BindAddr and BindPort are where the device listens.
	BindAddr string
	BindPort int

	// AdvertiseAddr is the address clients dial, it defaults to the
	// address of the listener.
	AdvertiseAddr string

	// HintMaxStreams gives an indication of how many streams a peer may
	// open at once.
	HintMaxStreams int64

	// HostnameResolver to resolve hostname from peer certificates.
	HostnameResolver HostnameResolver

	// Directory resolves node names for the remote commands.
	Directory AddressResolver

	// Pool is the memory pool receiving the remote buffers.
	Pool string

	// Thread runs the NetTransport modules of the established links.
	Thread string

	// MaxFrameSize bounds the size of a received buffer.
	MaxFrameSize int

	// DialTimeout controls how much time we wait for connection
	// establishment.
	DialTimeout time.Duration

	// AcceptTimeout bounds how long an inbound data stream waits for the
	// matching connection request.
	AcceptTimeout time.Duration

	// MetricsLabels to add to every metrics emitted by the device.
	MetricLabels []metrics.Label

	// MetricSink to use for emitting metrics.
	MetricSink metrics.MetricSink

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler
}

// managerBinder is implemented by drivers which need the Manager owning
// their device.
type managerBinder interface {
	bindManager(mgr *Manager)
}

// NetDevice links ports of different nodes over QUIC. It is both the
// DeviceDriver of the connection manager and the CommandRouter of the
// Manager.
//
// Every stream starts with an init frame: the stream mode then a payload.
// A command stream carries an encoded command and gets its encoded reply.
// A data stream carries the connection id, then buffer frames.
type NetDevice struct {
	cfg    *NetDeviceConfig
	tlsCfg *tls.Config
	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label
	mgr    atomic.Pointer[Manager]

	// graceful termination asked, do not spam of connection error in logs
	gracefulTerm atomic.Bool
	closeCh      chan struct{}
	wg           sync.WaitGroup

	// inbound data streams meet the server side of their connection.
	inbound *rendezvous[*netStream]

	cxLock sync.RWMutex
	cxs    map[string]peerCx

	// QUIC layer
	tr *quic.Transport
	ln *quic.Listener

	// UDP layer
	udpLn *net.UDPConn
}

type peerCx struct {
	peer Peer
	quic.Connection
}

var (
	_ DeviceDriver  = (*NetDevice)(nil)
	_ CommandRouter = (*NetDevice)(nil)
)

// NewNetDevice starts listening. The device is usable once added to a
// Manager with `Manager.AddDevice`.
func NewNetDevice(cfg *NetDeviceConfig) (nd *NetDevice, err error) {
	if cfg.TlsConfig == nil {
		return nil, ErrNoTLSConfig
	}

	nd = &NetDevice{
		cfg:     cfg,
		closeCh: make(chan struct{}),
		inbound: newRendezvous[*netStream](),
		cxs:     make(map[string]peerCx),
	}

	nd.tlsCfg = cfg.TlsConfig.Clone()
	if len(nd.tlsCfg.NextProtos) == 0 {
		nd.tlsCfg.NextProtos = []string{alpnProto}
	}

	if cfg.LogHandler == nil {
		nd.logger = slog.Default()
	} else {
		nd.logger = slog.New(cfg.LogHandler)
	}

	if cfg.MetricSink == nil {
		nd.msink = metrics.Default()
	} else {
		nd.msink = cfg.MetricSink
	}
	nd.labels = cfg.MetricLabels

	defer func() {
		if err != nil {
			nd.Close()
		}
	}()

	port := cfg.BindPort
	if port == 0 {
		port = defaultNetPort
	}

	addr := net.ParseIP(cfg.BindAddr)
	if addr == nil {
		addr = net.IPv4zero
	}

	udpAddr := &net.UDPAddr{IP: addr, Port: port}
	udpLn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("netdevice: failed to allocate UDP listener: %w", err)
	}
	nd.udpLn = udpLn

	requested := cfg.BufferSize
	if requested == 0 {
		requested = defaultUDPBufferSize
	}
	if err := nd.negociateBufferSize(requested); err != nil {
		return nil, err
	}

	nd.tr = &quic.Transport{
		Conn: udpLn,
	}

	ln, err := nd.tr.Listen(nd.tlsCfg, nd.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("netdevice: failed to allocate QUIC listener: %w", err)
	}
	nd.ln = ln

	nd.wg.Add(1)
	go nd.acceptCx()
	nd.logger.Info("net device listening", LabelPeerAddr.L(nd.Addr()))
	return nd, nil
}

func (nd *NetDevice) quicConfig() *quic.Config {
	hint := nd.cfg.HintMaxStreams
	if hint == 0 {
		hint = 1000
	}
	return &quic.Config{
		Versions:              []quic.Version{quic.Version2, quic.Version1},
		MaxIncomingStreams:    hint,
		MaxIncomingUniStreams: -1,
		MaxIdleTimeout:        1 * time.Minute,
		KeepAlivePeriod:       15 * time.Second,
	}
}

func (nd *NetDevice) bindManager(mgr *Manager) {
	nd.mgr.Store(mgr)
}

// Addr is the address clients dial to reach this device.
func (nd *NetDevice) Addr() string {
	if nd.cfg.AdvertiseAddr != "" {
		return nd.cfg.AdvertiseAddr
	}
	if nd.udpLn == nil {
		return ""
	}
	return nd.udpLn.LocalAddr().String()
}

// PrepareConnectionRecord gives the server id clients will dial.
func (nd *NetDevice) PrepareConnectionRecord(_ context.Context, req *ConnectionRequest) error {
	if nd.gracefulTerm.Load() {
		return ErrShutdown
	}
	if req.IsServer() {
		req.SetServerID(nd.Addr())
	}
	return nil
}

// EstablishConnection waits for the data stream of the client on the
// server side, and opens it on the client side. The stream is then
// bridged to the port of the request by a NetTransport module.
func (nd *NetDevice) EstablishConnection(ctx context.Context, req *ConnectionRequest) error {
	mgr := nd.mgr.Load()
	if mgr == nil {
		return fmt.Errorf("%w: net device is not bound to a manager", ErrInvalidCfg)
	}
	port := req.Port()
	if port == nil {
		return ErrPortNotConnected
	}

	var (
		stream *netStream
		err    error
	)
	if req.IsServer() {
		stream, err = nd.acceptData(ctx, req.ConnID())
	} else {
		stream, err = nd.openData(ctx, req.ServerID(), req.ConnID())
	}
	if err != nil {
		return err
	}

	if err := nd.bridge(mgr, req, port, stream); err != nil {
		stream.abort(QErrStreamClosed)
		return err
	}
	return nil
}

func (nd *NetDevice) acceptData(ctx context.Context, connID string) (*netStream, error) {
	stream, finish, err := nd.inbound.arrive(ctx, connID, nil)
	if err != nil {
		return nil, err
	}
	if finish != nil {
		finish(nil)
	}
	if _, err := stream.Write([]byte{dataAccepted}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStreamWrite, err)
	}
	return stream, nil
}

func (nd *NetDevice) openData(ctx context.Context, addr, connID string) (*netStream, error) {
	stream, err := nd.openStream(ctx, addr, StreamModeData, []byte(connID))
	if err != nil {
		return nil, err
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = stream.SetReadDeadline(dl)
	}
	ack, err := stream.r.ReadByte()
	if err != nil || ack != dataAccepted {
		stream.abort(QErrStreamProtocolViolation)
		if err == nil {
			err = fmt.Errorf("%w: unexpected acknowledgment %d", ErrProtocolViolation, ack)
		}
		return nil, err
	}
	_ = stream.SetReadDeadline(time.Time{})
	return stream, nil
}

// bridge creates the NetTransport module of a link and connects it to
// the port of the request.
func (nd *NetDevice) bridge(mgr *Manager, req *ConnectionRequest, port *Port, stream *netStream) error {
	var opts NetTransportOptions
	opts.MaxFrameSize = nd.cfg.MaxFrameSize
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = defaultMaxFrameSize
	}
	if port.IsInput() {
		pool, err := mgr.Pool(nd.cfg.Pool)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrNoPool, err)
		}
		opts.Pool = pool
	}
	opts.OnBroken = func() {
		mgr.ReportBroken(req)
	}

	name := "net-" + req.ConnID()
	nt, err := NewNetTransport(name, stream, port.Direction(), port.Config(), opts, mgr.ModuleConfig("net-transport"))
	if err != nil {
		return err
	}
	thread := nd.cfg.Thread
	if thread == "" {
		thread = defaultNetThread
	}
	if old, exists := mgr.Module(name); exists {
		// the link of a previous attempt of the same connection.
		_ = mgr.RemoveModule(old.Name())
	}
	if err := mgr.AddModule(nt, thread); err != nil {
		_ = nt.Close()
		return err
	}
	if err := connectPair(port, nt.Port(netTransportPort)); err != nil {
		_ = mgr.RemoveModule(name)
		return err
	}
	if mgr.State() == StateRunning || port.Module().IsRunning() {
		_ = nt.Start()
	}
	nd.logger.Info("link established",
		LabelConnID.L(req.ConnID()),
		LabelLocalURL.L(req.LocalURL().String()),
		LabelRemoteURL.L(req.RemoteURL().String()),
		LabelPeerAddr.L(stream.RemoteAddr().String()),
	)
	return nil
}

// Forward sends cmd to the node and waits for its reply.
func (nd *NetDevice) Forward(ctx context.Context, node string, cmd *command.Command) error {
	if nd.cfg.Directory == nil {
		return fmt.Errorf("%w: no directory to resolve %s", ErrNoRouter, node)
	}
	addr, err := nd.cfg.Directory.Resolve(node)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNoRouter, err)
	}

	data, err := command.Marshal(cmd)
	if err != nil {
		return err
	}
	stream, err := nd.openStream(ctx, addr, StreamModeCommand, data)
	if err != nil {
		return err
	}
	defer stream.Close()

	if dl, ok := ctx.Deadline(); ok {
		_ = stream.SetReadDeadline(dl)
	}
	reply, err := stream.readPayload(maxInitPayload)
	if err != nil {
		return err
	}
	return command.ApplyReply(cmd, reply)
}

func (nd *NetDevice) openStream(ctx context.Context, addr string, mode StreamMode, payload []byte) (*netStream, error) {
	labels := withLabels(nd.labels, LabelPeerAddr.M(addr), LabelStreamMode.M(mode.String()))
	pcx, err := nd.getActiveCx(ctx, addr)
	if err != nil {
		nd.msink.IncrCounterWithLabels(MetricNetStreamErrorCount, 1.0,
			withLabels(labels, LabelError.M("no_conn_to_host")))
		return nil, err
	}

	qs, err := pcx.OpenStreamSync(ctx)
	if err != nil {
		nd.msink.IncrCounterWithLabels(MetricNetStreamErrorCount, 1.0,
			withLabels(labels, LabelError.M("cannot_open_stream")))
		return nil, err
	}

	stream := newNetStream(pcx.Connection, qs)
	nd.wg.Add(1)
	go func() {
		defer nd.wg.Done()
		stream.garbageCollector(nd.closeCh)
	}()

	if err := stream.writeInit(mode, payload); err != nil {
		stream.abort(QErrStreamClosed)
		nd.msink.IncrCounterWithLabels(MetricNetStreamErrorCount, 1.0,
			withLabels(labels, LabelError.M("cannot_send_init_frame")))
		return nil, err
	}

	nd.msink.IncrCounterWithLabels(MetricNetStreamEstOutCount, 1.0, labels)
	return stream, nil
}

// Close stops accepting, fails the pending links and closes every
// connection.
func (nd *NetDevice) Close() error {
	if !nd.gracefulTerm.CompareAndSwap(false, true) {
		// no-op because it was already shutdown
		return nil
	}
	close(nd.closeCh)
	nd.inbound.close()

	nd.cxLock.Lock()
	for addr, pcx := range nd.cxs {
		QErrShutdown.Close(pcx.Connection, "we are shutting down! bye!")
		delete(nd.cxs, addr)
	}
	nd.cxLock.Unlock()

	if nd.ln != nil {
		nd.ln.Close()
	}
	if nd.tr != nil {
		nd.tr.Close()
	}
	if nd.udpLn != nil {
		nd.udpLn.Close()
	}
	nd.wg.Wait()
	return nil
}

func (nd *NetDevice) negociateBufferSize(requested int) error {
	size := requested
	for size > 0 {
		if err := nd.udpLn.SetReadBuffer(size); err != nil {
			if nd.cfg.EnforceBufferSize {
				return ErrBufferSize
			}
			size = size >> 1
			continue
		}
		if size != requested {
			nd.logger.Warn("using smaller than expected UDP buffer", "bytes", size)
		}
		nd.msink.SetGaugeWithLabels(MetricNetUDPBufferSize, float32(size), nd.labels)
		return nil
	}
	return ErrBufferSize
}

func (nd *NetDevice) acceptCx() {
	defer nd.wg.Done()
	for {
		conn, err := nd.ln.Accept(context.Background())
		if err != nil {
			if !nd.gracefulTerm.Load() {
				// NB: quic-go only fails Accept once the listener is
				// closed.
				nd.logger.Warn("unexpected QUIC listener closure", LabelError.L(err))
			}
			return
		}

		if _, err := nd.handleConn(conn); err != nil {
			nd.logger.Debug("inbound connection refused", LabelError.L(err))
		}
	}
}

func (nd *NetDevice) getActiveCx(ctx context.Context, target string) (peerCx, error) {
	addr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return peerCx{}, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}

	nd.cxLock.RLock()
	pcx, ok := nd.cxs[addr.String()]
	nd.cxLock.RUnlock()
	if ok && pcx.Context().Err() == nil {
		return pcx, nil
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		timeout := nd.cfg.DialTimeout
		if timeout <= 0 {
			timeout = defaultDialTimeout
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	conn, err := nd.tr.Dial(ctx, addr, nd.tlsCfg, nd.quicConfig())
	if nd.gracefulTerm.Load() {
		return peerCx{}, ErrShutdown
	}
	if err != nil {
		nd.msink.IncrCounterWithLabels(MetricNetConnErrorCount, 1.0,
			withLabels(nd.labels, LabelPeerAddr.M(target), LabelError.M("dial")))
		return peerCx{}, err
	}
	return nd.handleConn(conn)
}

func (nd *NetDevice) handleConn(conn quic.Connection) (peerCx, error) {
	remote := conn.RemoteAddr().String()
	labels := withLabels(nd.labels, LabelPeerAddr.M(remote))
	logger := nd.logger.With(LabelPeerAddr.L(remote))

	resolver := nd.cfg.HostnameResolver
	if resolver == nil {
		resolver = CommonNameResolver
	}

	name, err, uerr := resolver(conn.ConnectionState().TLS.PeerCertificates)
	if err != nil {
		logger.Error("failed to resolve hostname", LabelError.L(err))
		nd.msink.IncrCounterWithLabels(MetricNetConnErrorCount, 1.0,
			withLabels(labels, LabelError.M("name_resolution")))
		if uerr == "" {
			QErrInternal.Close(conn, "unexpected error during hostname resolution")
		} else {
			QErrHostname.Close(conn, fmt.Sprintf("error during resolution: %s", uerr))
		}
		return peerCx{}, ErrHostnameResolve
	}

	pcx := peerCx{peer: peerOf(name, conn.RemoteAddr()), Connection: conn}

	nd.cxLock.Lock()
	if nd.gracefulTerm.Load() {
		nd.cxLock.Unlock()
		QErrShutdown.Close(conn, "we are shutting down! bye!")
		return peerCx{}, ErrShutdown
	}
	if old, ok := nd.cxs[remote]; ok && old.Context().Err() == nil {
		// both sides dialed at once, keep both, new streams use the last.
		logger.Debug("replacing connection to peer", slog.Any("peer", old.peer))
	}
	nd.cxs[remote] = pcx
	nd.cxLock.Unlock()

	logger.Debug("connection established", slog.Any("peer", pcx.peer))
	nd.msink.IncrCounterWithLabels(MetricNetConnEstCount, 1.0,
		withLabels(labels, LabelPeerName.M(string(name))))

	nd.wg.Add(1)
	go nd.handleStreams(pcx)
	return pcx, nil
}

func (nd *NetDevice) handleStreams(pcx peerCx) {
	defer nd.wg.Done()
	ctx := pcx.Context()
	logger := nd.logger.With(slog.Any("peer", pcx.peer))
	labels := withLabels(nd.labels, LabelPeerName.M(string(pcx.peer.Name)))

	for {
		qs, err := pcx.AcceptStream(ctx)
		if nd.gracefulTerm.Load() {
			logger.Debug("stream listener gracefully shutting down")
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				logger.Debug("connection was closed", LabelError.L(context.Cause(ctx)))
				return
			}
			nd.msink.IncrCounterWithLabels(MetricNetStreamErrorCount, 1.0,
				withLabels(labels, LabelError.M("unknown")))
			logger.Warn("error accepting stream", LabelError.L(err))
			continue
		}

		stream := newNetStream(pcx.Connection, qs)
		nd.wg.Add(2)
		go func() {
			defer nd.wg.Done()
			stream.garbageCollector(nd.closeCh)
		}()
		go func() {
			defer nd.wg.Done()
			nd.handleStream(stream, logger.With(LabelStreamID.L(int64(qs.StreamID()))), labels)
		}()
	}
}

func (nd *NetDevice) handleStream(stream *netStream, logger *slog.Logger, labels []metrics.Label) {
	payload, err := stream.readInit()
	if err != nil {
		if errors.Is(err, ErrProtocolViolation) || errors.Is(err, ErrTooLargeFrame) {
			logger.Warn("protocol violation on init frame", LabelError.L(err))
			stream.abort(QErrStreamProtocolViolation)
		} else {
			logger.Debug("stream closed before its init frame", LabelError.L(err))
			stream.abort(QErrStreamClosed)
		}
		nd.msink.IncrCounterWithLabels(MetricNetStreamErrorCount, 1.0,
			withLabels(labels, LabelError.M("no_init_frame")))
		return
	}

	labels = withLabels(labels, LabelStreamMode.M(stream.mode.String()))
	nd.msink.IncrCounterWithLabels(MetricNetStreamEstInCount, 1.0, labels)

	switch stream.mode {
	case StreamModeCommand:
		nd.serveCommand(stream, payload, logger)
	case StreamModeData:
		nd.offerData(stream, string(payload), logger)
	}
}

func (nd *NetDevice) serveCommand(stream *netStream, payload []byte, logger *slog.Logger) {
	defer stream.Close()
	mgr := nd.mgr.Load()
	if mgr == nil {
		logger.Warn("command received before the device was added to a manager")
		stream.abort(QErrStreamClosed)
		return
	}

	ctx, cancel := context.WithCancel(stream.Context())
	defer cancel()
	go func() {
		select {
		case <-nd.closeCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	err := serveRemote(ctx, mgr, payload, stream.writePayload)
	if err != nil {
		logger.Warn("could not serve remote command", LabelError.L(err))
		stream.abort(QErrStreamClosed)
	}
}

// offerData hands the data stream to the server side of its connection.
func (nd *NetDevice) offerData(stream *netStream, connID string, logger *slog.Logger) {
	timeout := nd.cfg.AcceptTimeout
	if timeout <= 0 {
		timeout = defaultAcceptTimeout
	}
	ctx, cancel := context.WithTimeout(stream.Context(), timeout)
	defer cancel()

	_, finish, err := nd.inbound.arrive(ctx, connID, stream)
	if err != nil {
		logger.Warn("no connection waits for the data stream", LabelConnID.L(connID), LabelError.L(err))
		stream.abort(QErrStreamClosed)
		return
	}
	if finish != nil {
		finish(nil)
	}
}

// Port of the listener, zero when not listening.
func (nd *NetDevice) Port() int {
	if nd.udpLn == nil {
		return 0
	}
	_, port, err := net.SplitHostPort(nd.udpLn.LocalAddr().String())
	if err != nil {
		return 0
	}
	p, _ := strconv.Atoi(port)
	return p
}
