package coalesce

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricInvokeLocalCount       = []string{"coalesce", "invoke", "local", "count"}
	MetricInvokeRemoteCount      = []string{"coalesce", "invoke", "remote", "count"}
	MetricInvokeRemoteErrorCount = []string{"coalesce", "invoke", "remote", "error", "count"}
	MetricInvokeNodeDownCount    = []string{"coalesce", "invoke", "node", "down", "count"}
	MetricInvokeDurationMs       = []string{"coalesce", "invoke", "duration", "ms"}

	MetricRouteCacheHitCount  = []string{"coalesce", "route", "cache", "hit", "count"}
	MetricRouteCacheMissCount = []string{"coalesce", "route", "cache", "miss", "count"}

	MetricDelegateMailboxDepth  = []string{"coalesce", "delegate", "mailbox", "depth"}
	MetricDelegateAppliedCount  = []string{"coalesce", "delegate", "applied", "count"}
	MetricDelegatePanicCount    = []string{"coalesce", "delegate", "panic", "count"}
	MetricMonitorActiveSubs     = []string{"coalesce", "monitor", "active", "subscriptions"}
	MetricMonitorDownNotifyCount = []string{"coalesce", "monitor", "down", "notify", "count"}

	MetricTransportDatagramInBytes        = []string{"coalesce", "transport", "datagram", "in", "bytes"}
	MetricTransportDatagramInErrorCount   = []string{"coalesce", "transport", "datagram", "in", "error", "count"}
	MetricTransportDatagramOutBytes       = []string{"coalesce", "transport", "datagram", "out", "bytes"}
	MetricTransportDatagramOutErrorCount  = []string{"coalesce", "transport", "datagram", "out", "error", "count"}
	MetricTransportStreamEstInCount       = []string{"coalesce", "transport", "stream", "establishment", "in", "count"}
	MetricTransportStreamEstInErrorCount  = []string{"coalesce", "transport", "stream", "establishment", "in", "error", "count"}
	MetricTransportStreamEstOutCount      = []string{"coalesce", "transport", "stream", "establishment", "out", "count"}
	MetricTransportStreamEstOutErrorCount = []string{"coalesce", "transport", "stream", "establishment", "out", "error", "count"}
	MetricTransportUDPBufferSizeBytes     = []string{"coalesce", "transport", "udp", "buffer", "size", "bytes"}
	MetricTransportConnErrorCount         = []string{"coalesce", "transport", "connection", "error", "count"}
	MetricTransportConnEstCount           = []string{"coalesce", "transport", "connection", "established", "count"}
)

// telemetryLabel names a dimension attached to both metrics and structured
// logs, so the same constant documents both.
type telemetryLabel string

var (
	labelError       telemetryLabel = "error"
	labelPeerAddr    telemetryLabel = "peer_addr"
	labelPeerName    telemetryLabel = "peer_name"
	labelNode        telemetryLabel = "node"
	labelDelegate    telemetryLabel = "delegate"
	labelTargetCount telemetryLabel = "target_count"
	labelDuration    telemetryLabel = "duration"
)

func (lab telemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab telemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}
