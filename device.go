package daqbone

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gammazero/workerpool"
	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/daqbone/pkg/command"
)

// DeviceDriver physically establishes links. Both methods run on the
// worker pool of the Device and may block until ctx is done.
type DeviceDriver interface {
	// PrepareConnectionRecord readies the device for req. A server is
	// expected to fill the id the client will use, see SetServerID.
	PrepareConnectionRecord(ctx context.Context, req *ConnectionRequest) error
	// EstablishConnection links req.Port() to the remote port.
	EstablishConnection(ctx context.Context, req *ConnectionRequest) error
}

// DeviceConfig configures a Device.
type DeviceConfig struct {
	// Workers bounds how many driver calls run concurrently.
	Workers      int
	LogHandler   slog.Handler
	MetricSink   metrics.MetricSink
	MetricLabels []metrics.Label
}

const defaultDeviceWorkers = 4

// Device executes the ConnMgrHandle commands of the connection manager
// with its DeviceDriver.
type Device struct {
	*Processor

	driver DeviceDriver
	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label

	wp     *workerpool.WorkerPool
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
}

// NewDevice creates an unassigned device.
func NewDevice(name string, driver DeviceDriver, cfg DeviceConfig) *Device {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultDeviceWorkers
	}
	d := &Device{
		driver: driver,
		wp:     workerpool.New(cfg.Workers),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.Processor = NewProcessor(name, d, PriorityHigh)

	if cfg.LogHandler == nil {
		d.logger = slog.Default()
	} else {
		d.logger = slog.New(cfg.LogHandler)
	}
	d.logger = d.logger.With(LabelDevice.L(name))

	if cfg.MetricSink == nil {
		d.msink = metrics.Default()
	} else {
		d.msink = cfg.MetricSink
	}
	d.labels = withLabels(cfg.MetricLabels, LabelDevice.M(name))
	return d
}

func (d *Device) Driver() DeviceDriver {
	return d.driver
}

func (d *Device) ExecuteCommand(cmd *command.Command) command.Result {
	if !cmd.IsName(CmdConnMgrHandle) {
		return command.ResultFalse
	}
	req, _ := cmd.GetRef(argRequest).(*ConnectionRequest)
	if req == nil {
		return command.ResultFalse
	}

	switch p := req.Progress(); p {
	case ProgressDoingInit:
		d.run(cmd, req, "prepare", d.driver.PrepareConnectionRecord)

	case ProgressDoingConnect:
		if req.IsServer() {
			// the client can start connecting now.
			req.ReplyRemoteCommand(true)
		}
		d.run(cmd, req, "establish", d.driver.EstablishConnection)

	default:
		d.logger.Warn("request in unexpected progress", LabelProgress.L(p.String()))
		return command.ResultFalse
	}
	return command.ResultPostponed
}

func (d *Device) run(
	cmd *command.Command,
	req *ConnectionRequest,
	what string,
	fn func(context.Context, *ConnectionRequest) error,
) {
	d.wp.Submit(func() {
		ctx := d.ctx
		if dl, ok := cmd.Deadline(); ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithDeadline(ctx, dl)
			defer cancel()
		}

		err := fn(ctx, req)
		if err != nil {
			d.logger.Warn("driver failed",
				slog.String("step", what),
				LabelLocalURL.L(req.LocalURL().String()),
				LabelError.L(err),
			)
		}
		d.msink.IncrCounterWithLabels(
			MetricDeviceJobCount,
			1.0,
			withLabels(d.labels, LabelResult.M(command.ResultOf(err == nil).String())),
		)
		// the thread may have replied it at the deadline already.
		_ = cmd.ReplyBool(err == nil)
	})
}

// Close cancels the running driver calls and waits for them.
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		d.cancel()
		d.wp.StopWait()
		if d.Thread() != nil {
			_ = d.RemoveFromThread()
		}
		if c, ok := d.driver.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				d.logger.Warn("driver close failed", LabelError.L(err))
			}
		}
	})
	return nil
}
