package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "music_pipeline"

// Metrics contains all Prometheus metrics for the music pipeline service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// UDP packet metrics
	PacketsReceived  prometheus.Counter
	PacketsProcessed prometheus.Counter
	PacketsDropped   prometheus.Counter
	ParseErrors      prometheus.Counter
	QueueSize        prometheus.Gauge

	// Session metrics
	ActiveSessions     prometheus.Gauge
	SessionsStarted    prometheus.Counter
	SessionsEnded      *prometheus.CounterVec
	SessionDuration    prometheus.Histogram
	CapacityRejections prometheus.Counter

	// Capture metrics
	FramesReceived  prometheus.Counter
	FramesDropped   prometheus.Counter
	Utterances      *prometheus.CounterVec
	UtteranceLength prometheus.Histogram
	CaptureDegraded prometheus.Counter

	// Stage metrics
	StageAttempts *prometheus.CounterVec
	StageRetries  *prometheus.CounterVec
	StageCalls    *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec

	// Pipeline metrics
	StateTransitions   *prometheus.CounterVec
	PipelineRuns       *prometheus.CounterVec
	PipelineDuration   prometheus.Histogram
	SegmentsDelivered  prometheus.Counter
	SegmentSize        prometheus.Histogram
	SequenceViolations prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
	WebSocketClients    prometheus.Gauge
}

// NewRegistry returns a registry with the Go runtime and process collectors
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// UDP packet metrics
		PacketsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_packets_received_total",
			Help:      "Total number of UDP packets received",
		}),
		PacketsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_packets_processed_total",
			Help:      "Total number of UDP packets successfully processed",
		}),
		PacketsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_packets_dropped_total",
			Help:      "Total number of UDP packets dropped because the processing queue was full",
		}),
		ParseErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parse_errors_total",
			Help:      "Total number of capture packet parsing errors",
		}),
		QueueSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "udp_packet_queue_size",
			Help:      "Current number of packets in processing queue",
		}),

		// Session metrics
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Current number of active sessions",
		}),
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Total number of sessions started",
		}),
		SessionsEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_ended_total",
			Help:      "Total number of sessions ended by reason",
		}, []string{"reason"}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of sessions in seconds",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1 hour
		}),
		CapacityRejections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capacity_rejections_total",
			Help:      "Total number of session starts rejected at capacity",
		}),

		// Capture metrics
		FramesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total number of audio frames received",
		}),
		FramesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Total number of audio frames dropped under backpressure",
		}),
		Utterances: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "utterances_total",
			Help:      "Total number of utterances emitted by close reason",
		}, []string{"reason"}),
		UtteranceLength: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "utterance_duration_seconds",
			Help:      "Audio duration of emitted utterances",
			Buckets:   prometheus.LinearBuckets(1, 1, 15), // 1s to 15s
		}),
		CaptureDegraded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_degraded_total",
			Help:      "Total number of utterances force-closed by repeated classifier failures",
		}),

		// Stage metrics
		StageAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_attempts_total",
			Help:      "Total number of collaborator attempts per stage",
		}, []string{"stage"}),
		StageRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_retries_total",
			Help:      "Total number of collaborator retries per stage",
		}, []string{"stage"}),
		StageCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_calls_total",
			Help:      "Total number of stage calls by outcome",
		}, []string{"stage", "outcome"}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of stage calls including retries",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~3 minutes
		}, []string{"stage"}),

		// Pipeline metrics
		StateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_state_transitions_total",
			Help:      "Total number of pipeline state transitions by target state",
		}, []string{"state"}),
		PipelineRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_runs_total",
			Help:      "Total number of utterance pipeline runs by outcome",
		}, []string{"outcome"}),
		PipelineDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_run_duration_seconds",
			Help:      "Duration from utterance to finished track",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~4 minutes
		}),
		SegmentsDelivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_delivered_total",
			Help:      "Total number of audio segments delivered",
		}),
		SegmentSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "segment_size_bytes",
			Help:      "Size of delivered audio segments in bytes",
			Buckets:   prometheus.ExponentialBuckets(1024, 2, 12), // 1KB to ~4MB
		}),
		SequenceViolations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sequence_violations_total",
			Help:      "Total number of synthesis chunks rejected for breaking order",
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_errors_total",
			Help:      "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
		WebSocketClients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_clients",
			Help:      "Current number of connected WebSocket clients",
		}),
	}
}

// RecordPacketReceived increments the packets received counter
func (m *Metrics) RecordPacketReceived() {
	if m == nil {
		return
	}
	m.PacketsReceived.Inc()
}

// RecordPacketProcessed increments the packets processed counter
func (m *Metrics) RecordPacketProcessed() {
	if m == nil {
		return
	}
	m.PacketsProcessed.Inc()
}

// RecordPacketDropped increments the packets dropped counter
func (m *Metrics) RecordPacketDropped() {
	if m == nil {
		return
	}
	m.PacketsDropped.Inc()
}

// RecordParseError increments the parse errors counter
func (m *Metrics) RecordParseError() {
	if m == nil {
		return
	}
	m.ParseErrors.Inc()
}

// SetQueueSize sets the current queue size
func (m *Metrics) SetQueueSize(size int) {
	if m == nil {
		return
	}
	m.QueueSize.Set(float64(size))
}

// SetActiveSessions sets the current number of active sessions
func (m *Metrics) SetActiveSessions(count int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(count))
}

// RecordSessionStarted increments the sessions started counter
func (m *Metrics) RecordSessionStarted() {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
}

// RecordSessionEnded records an ended session and its duration
func (m *Metrics) RecordSessionEnded(reason string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.SessionsEnded.WithLabelValues(reason).Inc()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordCapacityRejection increments the capacity rejections counter
func (m *Metrics) RecordCapacityRejection() {
	if m == nil {
		return
	}
	m.CapacityRejections.Inc()
}

// RecordFrameReceived increments the frames received counter
func (m *Metrics) RecordFrameReceived() {
	if m == nil {
		return
	}
	m.FramesReceived.Inc()
}

// RecordFrameDropped increments the frames dropped counter
func (m *Metrics) RecordFrameDropped() {
	if m == nil {
		return
	}
	m.FramesDropped.Inc()
}

// RecordUtterance records an emitted utterance
func (m *Metrics) RecordUtterance(reason string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.Utterances.WithLabelValues(reason).Inc()
	m.UtteranceLength.Observe(durationSeconds)
}

// RecordCaptureDegraded increments the capture degraded counter
func (m *Metrics) RecordCaptureDegraded() {
	if m == nil {
		return
	}
	m.CaptureDegraded.Inc()
}

// RecordStageAttempt records one collaborator attempt
func (m *Metrics) RecordStageAttempt(stage string, retry bool) {
	if m == nil {
		return
	}
	m.StageAttempts.WithLabelValues(stage).Inc()
	if retry {
		m.StageRetries.WithLabelValues(stage).Inc()
	}
}

// RecordStageResult records the outcome of a stage call
func (m *Metrics) RecordStageResult(stage, outcome string, attempts int, durationSeconds float64) {
	if m == nil {
		return
	}
	m.StageCalls.WithLabelValues(stage, outcome).Inc()
	m.StageDuration.WithLabelValues(stage).Observe(durationSeconds)
}

// RecordStateTransition counts a pipeline state change
func (m *Metrics) RecordStateTransition(state string) {
	if m == nil {
		return
	}
	m.StateTransitions.WithLabelValues(state).Inc()
}

// RecordPipelineRun records a finished utterance run
func (m *Metrics) RecordPipelineRun(outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.PipelineRuns.WithLabelValues(outcome).Inc()
	if outcome == "completed" {
		m.PipelineDuration.Observe(durationSeconds)
	}
}

// RecordSegment records a delivered audio segment
func (m *Metrics) RecordSegment(bytes int) {
	if m == nil {
		return
	}
	m.SegmentsDelivered.Inc()
	m.SegmentSize.Observe(float64(bytes))
}

// RecordSequenceViolation increments the sequence violations counter
func (m *Metrics) RecordSequenceViolation() {
	if m == nil {
		return
	}
	m.SequenceViolations.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint string, statusCode int, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}

// AddWebSocketClients adjusts the connected WebSocket client gauge
func (m *Metrics) AddWebSocketClients(delta int) {
	if m == nil {
		return
	}
	m.WebSocketClients.Add(float64(delta))
}
