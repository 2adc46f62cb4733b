package daqbone

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/hashicorp/go-metrics"
)

type config struct {
	node         string
	logHandler   slog.Handler
	metricSink   metrics.MetricSink
	metricLabels []metrics.Label
	router       CommandRouter
	timing       ConnTiming
	routeWorkers int
	assignWait   time.Duration
}

func defaultConfig() *config {
	node, _ := os.Hostname()
	return &config{
		node:         node,
		timing:       DefaultConnTiming(),
		routeWorkers: 4,
		assignWait:   defaultAssignTimeout,
	}
}

// Option to pass to `NewManager`
type Option func(*config) error

// WithNodeName specifies the name of the node in the cluster. It is the
// first element of the urls of its ports and MUST be unique.
func WithNodeName(node string) Option {
	return func(c *config) error {
		if !validName(node) {
			return fmt.Errorf("%w: node name %q", ErrNameInvalid, node)
		}
		c.node = node
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the
// Manager and the items it creates.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted
// by your `Manager`.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.metricSink = ms
		return nil
	}
}

// WithRouter sets how commands reach other nodes. Without router, the
// commands for remote receivers are replied false.
func WithRouter(router CommandRouter) Option {
	return func(c *config) error {
		c.router = router
		return nil
	}
}

// WithConnTiming overrides the delays of the connection handshake.
// Zero fields keep their default.
func WithConnTiming(timing ConnTiming) Option {
	return func(c *config) error {
		def := DefaultConnTiming()
		fill := func(v *time.Duration, d time.Duration) {
			if *v <= 0 {
				*v = d
			}
		}
		fill(&timing.Init, def.Init)
		fill(&timing.ServerPending, def.ServerPending)
		fill(&timing.ClientPending, def.ClientPending)
		fill(&timing.RejectBackoff, def.RejectBackoff)
		fill(&timing.WaitReplySlack, def.WaitReplySlack)
		fill(&timing.DoingConnect, def.DoingConnect)
		fill(&timing.ConnTimeout, def.ConnTimeout)
		fill(&timing.BatchMargin, def.BatchMargin)
		fill(&timing.Tick, def.Tick)
		fill(&timing.DebugEvery, def.DebugEvery)
		c.timing = timing
		return nil
	}
}

// WithRouteWorkers controls how many remote commands can be in flight.
func WithRouteWorkers(n int) Option {
	return func(c *config) error {
		if n <= 0 {
			return fmt.Errorf("%w: route workers must be positive", ErrInvalidCfg)
		}
		c.routeWorkers = n
		return nil
	}
}

// WithAssignTimeout bounds the synchronous assignment of processors to
// their thread.
func WithAssignTimeout(d time.Duration) Option {
	return func(c *config) error {
		if d <= 0 {
			d = defaultAssignTimeout
		}
		c.assignWait = d
		return nil
	}
}
