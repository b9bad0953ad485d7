package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections_active",
		Help: "Currently connected clients",
	})

	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_connections_total",
		Help: "Total client connections accepted",
	})

	UpstreamActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_upstream_sessions_active",
		Help: "Currently open upstream sessions",
	})

	UpstreamOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_upstream_sessions_opened_total",
		Help: "Upstream sessions opened successfully",
	})

	UpstreamOpenDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_upstream_open_duration_seconds",
		Help:    "Latency of the upstream connect handshake",
		Buckets: []float64{0.1, 0.2, 0.5, 0.8, 1.0, 1.5, 2.0, 3.0, 5.0},
	})

	FramesIn = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_frames_in_total",
		Help: "Client frames received by message type",
	}, []string{"type"})

	FramesOut = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_frames_out_total",
		Help: "Frames sent to clients by message type",
	}, []string{"type"})

	FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_frames_dropped_total",
		Help: "Client media frames dropped without an open upstream session",
	}, []string{"kind"})

	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_errors_total",
		Help: "Error counts by stage",
	}, []string{"stage", "error_type"})

	Interruptions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_interruptions_total",
		Help: "Upstream interruption signals",
	})

	DiscardedPlayback = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_discarded_playback_seconds",
		Help:    "Scheduled customer audio dropped on interruption",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 4.0, 8.0},
	})

	Utterances = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_utterances_total",
		Help: "Committed utterances by speaker role",
	}, []string{"role", "interrupted"})

	ReportDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "report_duration_seconds",
		Help:    "Evaluation report latency by engine",
		Buckets: []float64{0.5, 1.0, 2.0, 5.0, 10.0, 20.0, 40.0},
	}, []string{"engine"})

	ReportFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "report_placeholder_total",
		Help: "Reports replaced by the placeholder after an evaluator failure",
	}, []string{"engine"})
)
