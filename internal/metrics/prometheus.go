package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the voice session service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	// Session metrics
	ActiveSessions   prometheus.Gauge
	SessionsCreated  prometheus.Counter
	SessionsClosed   prometheus.Counter
	SessionsRejected *prometheus.CounterVec
	SessionDuration  prometheus.Histogram

	// Frame metrics
	FramesReceived  prometheus.Counter
	FramesMalformed prometheus.Counter
	KeepAlives      prometheus.Counter
	SpeechFrames    prometheus.Counter

	// Utterance metrics
	Utterances        *prometheus.CounterVec
	UtteranceDuration prometheus.Histogram
	QueueWait         prometheus.Histogram
	EmptyTranscripts  prometheus.Counter

	// Transcription metrics
	TranscriptionRequests  prometheus.Counter
	TranscriptionSuccesses prometheus.Counter
	TranscriptionFailures  prometheus.Counter
	TranscriptionDuration  prometheus.Histogram

	// Response metrics
	ResponseFailures prometheus.Counter
	TTFT             prometheus.Histogram
	ResponseTokens   prometheus.Histogram

	// Outbound events
	EventsSent    *prometheus.CounterVec
	EventsDropped prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics on a fresh registry
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.NewRegistry())
}

// NewMetricsWith creates all metrics and registers them with reg
func NewMetricsWith(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	latencyBuckets := []float64{0.01, 0.025, 0.05, 0.1, 0.2, 0.3, 0.5, 1, 2, 5, 10}

	return &Metrics{
		Registry: reg,

		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "voice_active_sessions",
			Help: "Current number of open voice sessions",
		}),
		SessionsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_sessions_created_total",
			Help: "Total number of sessions created",
		}),
		SessionsClosed: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_sessions_closed_total",
			Help: "Total number of sessions closed",
		}),
		SessionsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_sessions_rejected_total",
			Help: "Total number of connections refused before a session started",
		}, []string{"reason"}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "voice_session_duration_seconds",
			Help:    "Duration of voice sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1 hour
		}),

		FramesReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_frames_received_total",
			Help: "Total number of binary audio frames received",
		}),
		FramesMalformed: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_frames_malformed_total",
			Help: "Total number of audio frames dropped as malformed",
		}),
		KeepAlives: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_keepalive_frames_total",
			Help: "Total number of zero-length keep-alive frames",
		}),
		SpeechFrames: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_speech_frames_total",
			Help: "Total number of frames at or above the endpoint threshold",
		}),

		Utterances: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_utterances_total",
			Help: "Total number of utterance boundaries by reason",
		}, []string{"reason"}),
		UtteranceDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "voice_utterance_duration_seconds",
			Help:    "Audio length of utterances sent for transcription",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 8), // 250ms to 32s
		}),
		QueueWait: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "voice_utterance_queue_wait_seconds",
			Help:    "Time an utterance waited behind an in-flight transcription",
			Buckets: latencyBuckets,
		}),
		EmptyTranscripts: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_empty_transcripts_total",
			Help: "Total number of utterances that transcribed to no text",
		}),

		TranscriptionRequests: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_transcription_requests_total",
			Help: "Total number of transcription invocations",
		}),
		TranscriptionSuccesses: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_transcription_successes_total",
			Help: "Total number of successful transcriptions",
		}),
		TranscriptionFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_transcription_failures_total",
			Help: "Total number of failed transcriptions",
		}),
		TranscriptionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "voice_asr_latency_seconds",
			Help:    "Transcription latency from invocation to result",
			Buckets: latencyBuckets,
		}),

		ResponseFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_response_failures_total",
			Help: "Total number of failed response generations",
		}),
		TTFT: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "voice_ttft_seconds",
			Help:    "Time from transcript finalisation to the first response token",
			Buckets: latencyBuckets,
		}),
		ResponseTokens: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "voice_response_tokens",
			Help:    "Number of tokens per response",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),

		EventsSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_events_sent_total",
			Help: "Total number of outbound events by type",
		}, []string{"type"}),
		EventsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_events_dropped_total",
			Help: "Total number of events discarded after a session closed",
		}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voice_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// SetActiveSessions sets the current number of open sessions
func (m *Metrics) SetActiveSessions(count int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(count))
}

// RecordSessionCreated increments the sessions created counter
func (m *Metrics) RecordSessionCreated() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
}

// RecordSessionClosed increments the sessions closed counter and records duration
func (m *Metrics) RecordSessionClosed(durationSeconds float64) {
	if m == nil {
		return
	}
	m.SessionsClosed.Inc()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordSessionRejected counts a refused connection
func (m *Metrics) RecordSessionRejected(reason string) {
	if m == nil {
		return
	}
	m.SessionsRejected.WithLabelValues(reason).Inc()
}

// RecordFrame counts one received binary frame
func (m *Metrics) RecordFrame(speech bool) {
	if m == nil {
		return
	}
	m.FramesReceived.Inc()
	if speech {
		m.SpeechFrames.Inc()
	}
}

// RecordMalformedFrame counts a dropped frame
func (m *Metrics) RecordMalformedFrame() {
	if m == nil {
		return
	}
	m.FramesMalformed.Inc()
}

// RecordKeepAlive counts a zero-length frame
func (m *Metrics) RecordKeepAlive() {
	if m == nil {
		return
	}
	m.KeepAlives.Inc()
}

// RecordUtterance records an utterance boundary
func (m *Metrics) RecordUtterance(reason string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.Utterances.WithLabelValues(reason).Inc()
	m.UtteranceDuration.Observe(durationSeconds)
}

// RecordQueueWait records how long an utterance waited before transcription
func (m *Metrics) RecordQueueWait(seconds float64) {
	if m == nil {
		return
	}
	m.QueueWait.Observe(seconds)
}

// RecordTranscriptionRequest increments transcription requests counter
func (m *Metrics) RecordTranscriptionRequest() {
	if m == nil {
		return
	}
	m.TranscriptionRequests.Inc()
}

// RecordTranscriptionSuccess records a successful transcription
func (m *Metrics) RecordTranscriptionSuccess(durationSeconds float64, empty bool) {
	if m == nil {
		return
	}
	m.TranscriptionSuccesses.Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
	if empty {
		m.EmptyTranscripts.Inc()
	}
}

// RecordTranscriptionFailure records a failed transcription
func (m *Metrics) RecordTranscriptionFailure() {
	if m == nil {
		return
	}
	m.TranscriptionFailures.Inc()
}

// RecordResponse records a completed response stream
func (m *Metrics) RecordResponse(ttftSeconds float64, tokens int) {
	if m == nil {
		return
	}
	m.TTFT.Observe(ttftSeconds)
	m.ResponseTokens.Observe(float64(tokens))
}

// RecordResponseFailure records a failed response generation
func (m *Metrics) RecordResponseFailure() {
	if m == nil {
		return
	}
	m.ResponseFailures.Inc()
}

// RecordEventSent counts an outbound event
func (m *Metrics) RecordEventSent(eventType string) {
	if m == nil {
		return
	}
	m.EventsSent.WithLabelValues(eventType).Inc()
}

// RecordEventDropped counts an event discarded after close
func (m *Metrics) RecordEventDropped() {
	if m == nil {
		return
	}
	m.EventsDropped.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
