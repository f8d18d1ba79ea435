package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campaignwatch_events_ingested_total",
		Help: "Total number of events buffered, labelled by monitor.",
	}, []string{"monitor"})

	EventsUnrouted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "campaignwatch_events_unrouted_total",
		Help: "Total number of events whose topic no monitor subscribes to.",
	})

	EventsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campaignwatch_events_rejected_total",
		Help: "Events that failed to decode or validate, labelled by source.",
	}, []string{"source"})

	BufferDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "campaignwatch_buffer_depth",
		Help: "Events waiting for the next scan, labelled by monitor.",
	}, []string{"monitor"})

	ScansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campaignwatch_scans_total",
		Help: "Completed scan cycles, labelled by monitor, trigger and status.",
	}, []string{"monitor", "trigger", "status"})

	ScansSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campaignwatch_scans_skipped_total",
		Help: "Scan triggers ignored because a scan was already running.",
	}, []string{"monitor", "trigger"})

	ScanDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "campaignwatch_scan_duration_ms",
		Help:    "Scan cycle latency in milliseconds.",
		Buckets: []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
	}, []string{"monitor"})

	DetectionsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campaignwatch_detections_total",
		Help: "Detections produced, labelled by monitor and severity.",
	}, []string{"monitor", "severity"})

	SinkOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campaignwatch_sink_outcomes_total",
		Help: "Side-effect calls, labelled by sink and status.",
	}, []string{"sink", "status"})

	ToolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campaignwatch_tool_calls_total",
		Help: "Tool invocations, labelled by tool and status.",
	}, []string{"tool", "status"})
)
