package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/hashicorp/go-metrics"
	gmprom "github.com/hashicorp/go-metrics/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/raskyld/daqbone"
	"github.com/raskyld/daqbone/pkg/buffer"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

var runArgs struct {
	node          string
	metricsListen string
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "run the node until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ParseConfig(rootArgs.configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("node") {
				cfg.Node = runArgs.node
			}
			if cmd.Flags().Changed("metrics-listen") {
				cfg.MetricsListen = runArgs.metricsListen
			}
			if rootArgs.logLevel != "" {
				cfg.LogLevel = rootArgs.logLevel
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	setupRunFlags(cmd.Flags())
	return cmd
}

func setupRunFlags(f *pflag.FlagSet) {
	f.StringVar(&runArgs.node, "node", "", "overrides the node name")
	f.StringVar(&runArgs.metricsListen, "metrics-listen", "", "address of the prometheus endpoint, empty disables it")
}

// node is everything a running daqnode owns.
type node struct {
	mgr    *daqbone.Manager
	device *daqbone.NetDevice
	dir    *daqbone.Directory
	logger *slog.Logger
}

func run(ctx context.Context, cfg *Config) error {
	lvl, err := cfg.Level()
	if err != nil {
		return err
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	logger := slog.New(handler).With(slog.String("node", cfg.Node))

	var sink metrics.MetricSink = &metrics.BlackholeSink{}
	if cfg.MetricsListen != "" {
		sink, err = gmprom.NewPrometheusSink()
		if err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
	}

	n, err := buildNode(cfg, handler, sink)
	if err != nil {
		return err
	}
	n.logger = logger
	defer n.close()

	eg, ctx := errgroup.WithContext(ctx)
	if cfg.MetricsListen != "" {
		eg.Go(func() error {
			return serveMetrics(ctx, cfg.MetricsListen, logger)
		})
	}
	eg.Go(func() error {
		return n.drive(ctx, cfg)
	})
	return eg.Wait()
}

func buildNode(cfg *Config, handler slog.Handler, sink metrics.MetricSink) (n *node, err error) {
	n = &node{}
	defer func() {
		if err != nil {
			n.close()
		}
	}()

	opts := []daqbone.Option{
		daqbone.WithNodeName(cfg.Node),
		daqbone.WithLog(handler),
		daqbone.WithMetricSink(sink),
	}

	if cfg.Net != nil {
		var resolver daqbone.AddressResolver = daqbone.StaticDirectory(cfg.Static)
		deviceAddr := cfg.Net.Advertise
		if deviceAddr == "" {
			deviceAddr = cfg.Net.Listen
		}
		if cfg.Gossip != nil {
			host, port, err := splitListen(cfg.Gossip.Listen)
			if err != nil {
				return nil, err
			}
			n.dir, err = daqbone.NewDirectory(daqbone.DirectoryConfig{
				NodeName:   cfg.Node,
				BindAddr:   host,
				BindPort:   port,
				DeviceAddr: deviceAddr,
				MetricSink: sink,
				LogHandler: handler,
			})
			if err != nil {
				return nil, err
			}
			resolver = n.dir
		}

		tlsCfg, err := cfg.Net.TLS.tlsConfig()
		if err != nil {
			return nil, err
		}
		host, port, err := splitListen(cfg.Net.Listen)
		if err != nil {
			return nil, err
		}
		n.device, err = daqbone.NewNetDevice(&daqbone.NetDeviceConfig{
			TlsConfig:     tlsCfg,
			BindAddr:      host,
			BindPort:      port,
			AdvertiseAddr: cfg.Net.Advertise,
			Directory:     resolver,
			Pool:          cfg.Net.Pool,
			Thread:        cfg.Net.Thread,
			MetricSink:    sink,
			LogHandler:    handler,
		})
		if err != nil {
			return nil, err
		}
		opts = append(opts, daqbone.WithRouter(n.device))
	}

	n.mgr, err = daqbone.NewManager(opts...)
	if err != nil {
		return nil, err
	}
	if n.device != nil {
		thread := cfg.Net.Thread
		if thread == "" {
			thread = "NetThread"
		}
		if _, err := n.mgr.AddDevice("net", n.device, thread); err != nil {
			return nil, err
		}
	}

	for _, p := range cfg.Pools {
		_, err := n.mgr.CreatePool(p.Name, buffer.PoolConfig{
			SlotSize:  p.SlotSize,
			Count:     p.Count,
			Increment: p.Increment,
			Limit:     p.Limit,
		})
		if err != nil {
			return nil, err
		}
	}
	for _, m := range cfg.Modules {
		thread := m.Thread
		if thread == "" {
			thread = m.Name
		}
		if _, err := n.mgr.CreateModule(m.Kind, m.Name, thread, m.Params); err != nil {
			return nil, fmt.Errorf("module %s: %w", m.Name, err)
		}
	}
	for _, c := range cfg.Connections {
		_, err := n.mgr.Connect(c.From, c.To, daqbone.ConnectOptions{
			Device:     c.Device,
			Optional:   c.Optional,
			Timeout:    c.Timeout,
			InlineSize: c.InlineSize,
			UseAck:     c.UseAck,
		})
		if err != nil {
			return nil, fmt.Errorf("connection %s -> %s: %w", c.From, c.To, err)
		}
	}
	return n, nil
}

// drive joins the cluster, brings the manager to running, then halts it
// once ctx is done.
func (n *node) drive(ctx context.Context, cfg *Config) error {
	if n.dir != nil {
		if _, err := n.dir.Join(cfg.Gossip.Join); err != nil {
			return fmt.Errorf("join: %w", err)
		}
	}
	if err := n.mgr.Configure(); err != nil {
		return err
	}
	if err := n.mgr.Enable(ctx, cfg.EnableTimeout); err != nil {
		return err
	}
	if err := n.mgr.Start(); err != nil {
		return err
	}
	n.logger.Info("node running")

	<-ctx.Done()
	haltCtx, cancel := context.WithTimeout(context.Background(), cfg.StopTimeout)
	defer cancel()
	if err := n.mgr.Halt(haltCtx); err != nil {
		return err
	}
	n.logger.Info("node halted")
	return nil
}

func (n *node) close() {
	if n.mgr != nil {
		_ = n.mgr.Close()
	}
	if n.device != nil {
		_ = n.device.Close()
	}
	if n.dir != nil {
		_ = n.dir.Close()
	}
}

func serveMetrics(ctx context.Context, listen string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	logger.Info("serving metrics", slog.String("addr", listen))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics: %w", err)
	}
	return nil
}

func splitListen(listen string) (string, int, error) {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return "", 0, fmt.Errorf("%w: port of %s: %w", ErrConfig, listen, err)
	}
	return host, p, nil
}
