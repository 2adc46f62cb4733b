package daqbone

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	leg_metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
)

// DirectoryConfig configures the membership of a node.
type DirectoryConfig struct {
	// NodeName is the name of the local node, it MUST be unique in the
	// cluster.
	NodeName string

	// BindAddr and BindPort are where the gossip protocol listens.
	BindAddr string
	BindPort int

	// DeviceAddr is the address of the local NetDevice, advertised to
	// the other members.
	DeviceAddr string

	// LeaveTimeout bounds how long Close waits for the leave message to
	// propagate.
	LeaveTimeout time.Duration

	MetricSink   metrics.MetricSink
	MetricLabels []metrics.Label
	LogHandler   slog.Handler
}

// Directory resolves node names into NetDevice addresses from the
// members of a gossip cluster.
type Directory struct {
	ml           *memberlist.Memberlist
	logger       *slog.Logger
	msink        metrics.MetricSink
	labels       []metrics.Label
	deviceAddr   string
	leaveTimeout time.Duration

	lk    sync.RWMutex
	addrs map[string]string
}

var (
	_ AddressResolver = (*Directory)(nil)
	_ AddressResolver = StaticDirectory(nil)
)

// NewDirectory starts the gossip protocol. Call `Join` to meet the rest
// of the cluster.
func NewDirectory(cfg DirectoryConfig) (*Directory, error) {
	if !validName(cfg.NodeName) {
		return nil, fmt.Errorf("%w: node name %q", ErrNameInvalid, cfg.NodeName)
	}

	d := &Directory{
		deviceAddr:   cfg.DeviceAddr,
		leaveTimeout: cfg.LeaveTimeout,
		addrs:        make(map[string]string),
	}
	if d.leaveTimeout <= 0 {
		d.leaveTimeout = 5 * time.Second
	}

	handler := cfg.LogHandler
	if handler == nil {
		handler = slog.Default().Handler()
	}
	d.logger = slog.New(handler).With(LabelNode.L(cfg.NodeName))

	if cfg.MetricSink == nil {
		d.msink = metrics.Default()
	} else {
		d.msink = cfg.MetricSink
	}
	d.labels = withLabels(cfg.MetricLabels, LabelNode.M(cfg.NodeName))

	mlCfg := memberlist.DefaultLANConfig()
	mlCfg.Name = cfg.NodeName
	if cfg.BindAddr != "" {
		mlCfg.BindAddr = cfg.BindAddr
	}
	mlCfg.BindPort = cfg.BindPort
	mlCfg.AdvertisePort = cfg.BindPort
	mlCfg.ProbeTimeout = 2 * time.Second
	mlCfg.Logger = slog.NewLogLogger(handler, slog.LevelDebug)

	// TODO: drop the translation once memberlist builds against
	// hashicorp/go-metrics.
	mlCfg.MetricLabels = make([]leg_metrics.Label, len(d.labels))
	for i, label := range d.labels {
		mlCfg.MetricLabels[i] = leg_metrics.Label{
			Name:  label.Name,
			Value: label.Value,
		}
	}

	g := &gossip{logger: d.logger, dir: d}
	mlCfg.Delegate = g
	mlCfg.Events = g

	ml, err := memberlist.Create(mlCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	d.ml = ml
	return d, nil
}

// Join contacts the neighbours, given as gossip addresses. It returns
// how many of them answered.
func (d *Directory) Join(neighbours []string) (int, error) {
	if len(neighbours) == 0 {
		return 0, nil
	}
	joined, err := d.ml.Join(neighbours)
	if err != nil {
		return joined, err
	}
	if joined != len(neighbours) {
		d.logger.Warn(
			"not all neighbours are reachable",
			"joined", joined,
			"expected", len(neighbours),
		)
	} else {
		d.logger.Info("cluster joined")
	}
	return joined, nil
}

// GossipAddr is the address other members join.
func (d *Directory) GossipAddr() string {
	return d.ml.LocalNode().Address()
}

func (d *Directory) learn(node, addr string) {
	d.lk.Lock()
	if addr == "" {
		delete(d.addrs, node)
	} else {
		d.addrs[node] = addr
	}
	n := len(d.addrs)
	d.lk.Unlock()
	d.msink.SetGaugeWithLabels(MetricMemberCount, float32(n), d.labels)
}

func (d *Directory) forget(node string) {
	d.learn(node, "")
}

// Resolve returns the NetDevice address of node.
func (d *Directory) Resolve(node string) (string, error) {
	d.lk.RLock()
	defer d.lk.RUnlock()
	addr, ok := d.addrs[node]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownNode, node)
	}
	return addr, nil
}

// Members returns the names of the known members, sorted.
func (d *Directory) Members() []string {
	d.lk.RLock()
	defer d.lk.RUnlock()
	return slices.Sorted(maps.Keys(d.addrs))
}

// Close leaves the cluster.
func (d *Directory) Close() error {
	if err := d.ml.Leave(d.leaveTimeout); err != nil {
		d.logger.Warn("could not leave the cluster gracefully", LabelError.L(err))
	}
	return d.ml.Shutdown()
}

// StaticDirectory is a fixed node name to address table.
type StaticDirectory map[string]string

func (sd StaticDirectory) Resolve(node string) (string, error) {
	addr, ok := sd[node]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownNode, node)
	}
	return addr, nil
}
