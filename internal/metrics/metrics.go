package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains the Prometheus collectors for translation sessions.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Connection metrics
	StateTransitions *prometheus.CounterVec
	ConnectAttempts  prometheus.Counter
	Reconnects       *prometheus.CounterVec
	Errors           *prometheus.CounterVec
	ProtocolErrors   prometheus.Counter
	SetupLatency     prometheus.Histogram

	// Capture metrics
	UtterancesSent  prometheus.Counter
	UtteranceBytes  prometheus.Histogram
	EmptyUtterances prometheus.Counter
	TextTurnsSent   prometheus.Counter

	// Output metrics
	TurnsAssembled   *prometheus.CounterVec
	FragmentsPlayed  prometheus.Counter
	FragmentsDropped prometheus.Counter
	PlaybackQueue    prometheus.Gauge
}

// New creates all collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		StateTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trans2thai_state_transitions_total",
			Help: "Session state transitions by destination state",
		}, []string{"state"}),
		ConnectAttempts: f.NewCounter(prometheus.CounterOpts{
			Name: "trans2thai_connect_attempts_total",
			Help: "Total number of connection attempts to the live service",
		}),
		Reconnects: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trans2thai_reconnects_total",
			Help: "Reconnections scheduled, by reason",
		}, []string{"reason"}),
		Errors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trans2thai_errors_total",
			Help: "Errors raised to the listener, by kind",
		}, []string{"kind"}),
		ProtocolErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "trans2thai_protocol_errors_total",
			Help: "Inbound frames dropped because they could not be decoded",
		}),
		SetupLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "trans2thai_setup_latency_seconds",
			Help:    "Time from dial start to setupComplete",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}),

		UtterancesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "trans2thai_utterances_sent_total",
			Help: "Audio utterances submitted for translation",
		}),
		UtteranceBytes: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "trans2thai_utterance_bytes",
			Help:    "Size of submitted utterances in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 12), // 1KB to ~4MB
		}),
		EmptyUtterances: f.NewCounter(prometheus.CounterOpts{
			Name: "trans2thai_empty_utterances_total",
			Help: "Segmentation boundaries that produced no audio",
		}),
		TextTurnsSent: f.NewCounter(prometheus.CounterOpts{
			Name: "trans2thai_text_turns_sent_total",
			Help: "Typed text turns submitted for translation",
		}),

		TurnsAssembled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trans2thai_turns_assembled_total",
			Help: "Translation turns emitted, by speaker",
		}, []string{"speaker"}),
		FragmentsPlayed: f.NewCounter(prometheus.CounterOpts{
			Name: "trans2thai_fragments_played_total",
			Help: "Audio fragments handed to the output device",
		}),
		FragmentsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "trans2thai_fragments_dropped_total",
			Help: "Audio fragments dropped because playback fell behind",
		}),
		PlaybackQueue: f.NewGauge(prometheus.GaugeOpts{
			Name: "trans2thai_playback_queue_fragments",
			Help: "Fragments waiting for playback",
		}),
	}
}

func (m *Metrics) Transition(state string) {
	if m == nil {
		return
	}
	m.StateTransitions.WithLabelValues(state).Inc()
}

func (m *Metrics) ConnectAttempt() {
	if m == nil {
		return
	}
	m.ConnectAttempts.Inc()
}

func (m *Metrics) Reconnect(reason string) {
	if m == nil {
		return
	}
	m.Reconnects.WithLabelValues(reason).Inc()
}

func (m *Metrics) Error(kind string) {
	if m == nil {
		return
	}
	m.Errors.WithLabelValues(kind).Inc()
}

func (m *Metrics) ProtocolError() {
	if m == nil {
		return
	}
	m.ProtocolErrors.Inc()
}

func (m *Metrics) SetupCompleted(seconds float64) {
	if m == nil {
		return
	}
	m.SetupLatency.Observe(seconds)
}

func (m *Metrics) UtteranceSent(bytes int) {
	if m == nil {
		return
	}
	m.UtterancesSent.Inc()
	m.UtteranceBytes.Observe(float64(bytes))
}

func (m *Metrics) EmptyUtterance() {
	if m == nil {
		return
	}
	m.EmptyUtterances.Inc()
}

func (m *Metrics) TextTurnSent() {
	if m == nil {
		return
	}
	m.TextTurnsSent.Inc()
}

func (m *Metrics) TurnAssembled(speaker string) {
	if m == nil {
		return
	}
	m.TurnsAssembled.WithLabelValues(speaker).Inc()
}

func (m *Metrics) FragmentPlayed() {
	if m == nil {
		return
	}
	m.FragmentsPlayed.Inc()
}

func (m *Metrics) FragmentDropped() {
	if m == nil {
		return
	}
	m.FragmentsDropped.Inc()
}

func (m *Metrics) SetPlaybackQueue(n int) {
	if m == nil {
		return
	}
	m.PlaybackQueue.Set(float64(n))
}
