package metrics

import (
	"math"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all verifier metrics
type Metrics struct {
	// Capture loop
	FramesCaptured atomic.Uint64
	FramesSent     atomic.Uint64
	TicksSkipped   atomic.Uint64 // Tick fired while a capture was still in flight
	CaptureErrors  atomic.Uint64
	SendErrors     atomic.Uint64

	// Streaming channel
	EventsReceived atomic.Uint64
	ParseErrors    atomic.Uint64
	Disconnects    atomic.Uint64
	Reconnects     atomic.Uint64
	Connected      atomic.Uint64 // 0 = disconnected, 1 = connected
	Streaming      atomic.Uint64 // 0 = idle, 1 = capture loop running

	// Recognition
	EventsAccepted  atomic.Uint64
	EventsRejected  atomic.Uint64
	RecognizedTools atomic.Uint64
	MissingTools    atomic.Uint64

	// Workflow outcomes
	RequestsCompleted atomic.Uint64
	IncidentsReported atomic.Uint64
	WorkflowFailures  atomic.Uint64

	// Latency tracking
	CaptureLatencyMs atomic.Uint64 // Last capture+encode duration
	EventLatencyMs   atomic.Uint64 // Server event timestamp to arrival
	backendFPS       atomic.Uint64 // float64 bits

	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}
	m.registerPrometheusMetrics()
	return m
}

func (m *Metrics) registerPrometheusMetrics() {
	counters := []struct {
		name string
		help string
		v    *atomic.Uint64
	}{
		{"verifier_frames_captured_total", "Total frames captured from the camera", &m.FramesCaptured},
		{"verifier_frames_sent_total", "Total frames sent to the detection backend", &m.FramesSent},
		{"verifier_ticks_skipped_total", "Capture ticks skipped because a capture was in flight", &m.TicksSkipped},
		{"verifier_capture_errors_total", "Total camera capture or encode errors", &m.CaptureErrors},
		{"verifier_send_errors_total", "Total frame send errors", &m.SendErrors},
		{"verifier_events_received_total", "Total detection events decoded from the channel", &m.EventsReceived},
		{"verifier_parse_errors_total", "Total inbound messages dropped as unparseable", &m.ParseErrors},
		{"verifier_disconnects_total", "Total channel disconnects", &m.Disconnects},
		{"verifier_reconnects_total", "Total successful channel reconnects", &m.Reconnects},
		{"verifier_events_accepted_total", "Detection events applied to the snapshot", &m.EventsAccepted},
		{"verifier_events_rejected_total", "Detection events rejected as malformed", &m.EventsRejected},
		{"verifier_requests_completed_total", "Service requests completed", &m.RequestsCompleted},
		{"verifier_incidents_reported_total", "Incidents reported", &m.IncidentsReported},
		{"verifier_workflow_failures_total", "Complete/incident backend calls that failed", &m.WorkflowFailures},
	}
	for _, c := range counters {
		v := c.v
		m.registry.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{Name: c.name, Help: c.help},
			func() float64 { return float64(v.Load()) },
		))
	}

	gauges := []struct {
		name string
		help string
		v    *atomic.Uint64
	}{
		{"verifier_channel_connected", "Channel connected (0=no, 1=yes)", &m.Connected},
		{"verifier_streaming", "Capture loop running (0=no, 1=yes)", &m.Streaming},
		{"verifier_recognized_tools", "Expected tools recognized above threshold in the latest snapshot", &m.RecognizedTools},
		{"verifier_missing_tools", "Expected tools missing in the latest snapshot", &m.MissingTools},
		{"verifier_capture_latency_ms", "Last capture and encode duration in milliseconds", &m.CaptureLatencyMs},
		{"verifier_event_latency_ms", "Delay between backend event timestamp and arrival in milliseconds", &m.EventLatencyMs},
	}
	for _, g := range gauges {
		v := g.v
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: g.name, Help: g.help},
			func() float64 { return float64(v.Load()) },
		))
	}

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "verifier_backend_fps",
			Help: "Processing rate reported by the detection backend",
		},
		m.BackendFPS,
	))
}

// UpdateCaptureLatency records how long one capture took
func (m *Metrics) UpdateCaptureLatency(d time.Duration) {
	m.CaptureLatencyMs.Store(uint64(d.Milliseconds()))
}

// UpdateEventLatency records the delay between the backend stamping an event and its arrival
func (m *Metrics) UpdateEventLatency(stamped time.Time) {
	if stamped.IsZero() {
		return
	}
	latency := time.Since(stamped).Milliseconds()
	if latency < 0 {
		latency = 0
	}
	m.EventLatencyMs.Store(uint64(latency))
}

// SetBackendFPS stores the fps reported in the latest event
func (m *Metrics) SetBackendFPS(fps float64) {
	m.backendFPS.Store(math.Float64bits(fps))
}

// BackendFPS returns the fps reported in the latest event
func (m *Metrics) BackendFPS() float64 {
	return math.Float64frombits(m.backendFPS.Load())
}

// SetBool stores a 0/1 gauge
func SetBool(g *atomic.Uint64, v bool) {
	if v {
		g.Store(1)
		return
	}
	g.Store(0)
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on its own listener
func (m *Metrics) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return http.ListenAndServe(addr, mux)
}
