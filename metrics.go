package daqbone

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricThreadEventCount     = []string{"daqbone", "thread", "event", "count"}
	MetricThreadCommandCount   = []string{"daqbone", "thread", "command", "count"}
	MetricThreadExceptionCount = []string{"daqbone", "thread", "exception", "count"}
	MetricThreadTimedOutCount  = []string{"daqbone", "thread", "command", "timedout", "count"}
	MetricQueueDroppedCount    = []string{"daqbone", "queue", "dropped", "count"}
	MetricQueueRejectedCount   = []string{"daqbone", "queue", "rejected", "count"}
	MetricConnProgressCount    = []string{"daqbone", "conn", "progress", "count"}
	MetricConnEstCount         = []string{"daqbone", "conn", "established", "count"}
	MetricConnFailedCount      = []string{"daqbone", "conn", "failed", "count"}
	MetricConnRetryCount       = []string{"daqbone", "conn", "retry", "count"}
	MetricDeviceJobCount       = []string{"daqbone", "device", "job", "count"}
	MetricNetStreamEstInCount  = []string{"daqbone", "net", "stream", "establishment", "in", "count"}
	MetricNetStreamEstOutCount = []string{"daqbone", "net", "stream", "establishment", "out", "count"}
	MetricNetStreamErrorCount  = []string{"daqbone", "net", "stream", "error", "count"}
	MetricNetConnErrorCount    = []string{"daqbone", "net", "connection", "error", "count"}
	MetricNetConnEstCount      = []string{"daqbone", "net", "connection", "established", "count"}
	MetricNetUDPBufferSize     = []string{"daqbone", "net", "udp", "buffer", "size", "bytes"}
	MetricNetBytesOut          = []string{"daqbone", "net", "data", "out", "bytes"}
	MetricNetBytesIn           = []string{"daqbone", "net", "data", "in", "bytes"}
	MetricMemberCount          = []string{"daqbone", "membership", "members"}
	MetricManagerState         = []string{"daqbone", "manager", "state"}
	MetricManagerExcCount      = []string{"daqbone", "manager", "exception", "count"}
)

type TelemetryLabel string

var (
	LabelError      TelemetryLabel = "error"
	LabelNode       TelemetryLabel = "node"
	LabelThread     TelemetryLabel = "thread"
	LabelProcessor  TelemetryLabel = "processor"
	LabelModule     TelemetryLabel = "module"
	LabelPort       TelemetryLabel = "port"
	LabelDevice     TelemetryLabel = "device"
	LabelCommand    TelemetryLabel = "command"
	LabelConnID     TelemetryLabel = "conn_id"
	LabelLocalURL   TelemetryLabel = "local_url"
	LabelRemoteURL  TelemetryLabel = "remote_url"
	LabelProgress   TelemetryLabel = "progress"
	LabelResult     TelemetryLabel = "result"
	LabelState      TelemetryLabel = "state"
	LabelPeerAddr   TelemetryLabel = "peer_addr"
	LabelPeerName   TelemetryLabel = "peer_name"
	LabelStreamMode TelemetryLabel = "stream_mode"
	LabelStreamID   TelemetryLabel = "stream_id"
	LabelDuration   TelemetryLabel = "duration"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}

func withLabels(base []metrics.Label, extra ...metrics.Label) []metrics.Label {
	out := make([]metrics.Label, 0, len(base)+len(extra))
	out = append(out, base...)
	return append(out, extra...)
}
