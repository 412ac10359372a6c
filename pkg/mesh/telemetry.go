package mesh

import (
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"
)

type TelemetryLabel string

var (
	LabelError       TelemetryLabel = "error"
	LabelPeer        TelemetryLabel = "peer"
	LabelPeerAddr    TelemetryLabel = "peer_addr"
	LabelDestination TelemetryLabel = "destination"
	LabelNextHop     TelemetryLabel = "next_hop"
	LabelSource      TelemetryLabel = "source"
	LabelResource    TelemetryLabel = "resource"
	LabelOperation   TelemetryLabel = "operation"
	LabelReason      TelemetryLabel = "reason"
	LabelMessageType TelemetryLabel = "message_type"
	LabelMessageID   TelemetryLabel = "message_id"
	LabelStreamMode  TelemetryLabel = "stream_mode"
	LabelHealth      TelemetryLabel = "health"
	LabelDuration    TelemetryLabel = "duration"
	LabelStrategy    TelemetryLabel = "strategy"
	LabelAlert       TelemetryLabel = "alert"
	LabelKey         TelemetryLabel = "key"
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

// Milliseconds converts a duration for AddSample calls.
func Milliseconds(d time.Duration) float32 {
	return float32(d) / float32(time.Millisecond)
}

// Logger returns a logger for handler, or the default one.
func Logger(handler slog.Handler) *slog.Logger {
	if handler == nil {
		return slog.Default()
	}
	return slog.New(handler)
}

// Sink returns ms, or the global go-metrics sink when nil.
func Sink(ms metrics.MetricSink) metrics.MetricSink {
	if ms == nil {
		return metrics.Default()
	}
	return ms
}
