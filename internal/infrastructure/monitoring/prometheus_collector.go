package monitoring

import (
	"camrelay/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector records relay and lifecycle metrics. It satisfies the
// router, lifecycle and WebSocket observer interfaces.
type PrometheusCollector struct {
	// Signaling
	messagesRouted    *prometheus.CounterVec
	messagesDropped   *prometheus.CounterVec
	candidatesBuffer  *prometheus.CounterVec
	sessionTransition *prometheus.CounterVec

	// Connections
	connectionsOpen *prometheus.GaugeVec
	framesReceived  *prometheus.CounterVec
	framesRejected  *prometheus.CounterVec

	// Lifecycle controllers
	lifecycleTransition *prometheus.CounterVec
	attemptFailures     *prometheus.CounterVec
	confirmedTotal      prometheus.Counter

	// Inventory
	devicesRegistered prometheus.Gauge
	sessionsActive    prometheus.Gauge
}

// NewPrometheusCollector registers every metric with reg. Pass
// prometheus.DefaultRegisterer to expose them on the default handler.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)
	return &PrometheusCollector{
		messagesRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "camrelay_signal_messages_routed_total",
			Help: "Signaling messages delivered to their recipient",
		}, []string{"type"}),

		messagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "camrelay_signal_messages_dropped_total",
			Help: "Signaling messages dropped by the router",
		}, []string{"type", "reason"}),

		candidatesBuffer: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "camrelay_candidates_buffered_total",
			Help: "Candidates held until the remote description was set",
		}, []string{"evicted"}),

		sessionTransition: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "camrelay_session_transitions_total",
			Help: "Relay-side session state transitions",
		}, []string{"from", "to"}),

		connectionsOpen: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "camrelay_ws_connections",
			Help: "Open signaling connections",
		}, []string{"role"}),

		framesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "camrelay_ws_frames_received_total",
			Help: "Frames received on signaling connections",
		}, []string{"type"}),

		framesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "camrelay_ws_frames_rejected_total",
			Help: "Frames answered with an error frame",
		}, []string{"type", "code"}),

		lifecycleTransition: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "camrelay_lifecycle_transitions_total",
			Help: "Connection lifecycle controller state transitions",
		}, []string{"from", "to"}),

		attemptFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "camrelay_lifecycle_attempt_failures_total",
			Help: "Failed connection attempts by reason",
		}, []string{"reason"}),

		confirmedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "camrelay_lifecycle_confirmed_total",
			Help: "Connections confirmed live",
		}),

		devicesRegistered: factory.NewGauge(prometheus.GaugeOpts{
			Name: "camrelay_devices_registered",
			Help: "Devices currently registered",
		}),

		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "camrelay_sessions_active",
			Help: "Non-terminal relay sessions",
		}),
	}
}

func (c *PrometheusCollector) MessageRouted(kind domain.MessageType) {
	c.messagesRouted.WithLabelValues(string(kind)).Inc()
}

func (c *PrometheusCollector) MessageDropped(kind domain.MessageType, reason string) {
	c.messagesDropped.WithLabelValues(string(kind), reason).Inc()
}

func (c *PrometheusCollector) CandidateBuffered(evicted bool) {
	label := "false"
	if evicted {
		label = "true"
	}
	c.candidatesBuffer.WithLabelValues(label).Inc()
}

func (c *PrometheusCollector) SessionStateChanged(from, to domain.SessionState) {
	c.sessionTransition.WithLabelValues(string(from), string(to)).Inc()
}

func (c *PrometheusCollector) ConnectionOpened(role domain.PartyRole) {
	c.connectionsOpen.WithLabelValues(string(role)).Inc()
}

func (c *PrometheusCollector) ConnectionClosed(role domain.PartyRole) {
	c.connectionsOpen.WithLabelValues(string(role)).Dec()
}

func (c *PrometheusCollector) FrameReceived(kind domain.MessageType) {
	c.framesReceived.WithLabelValues(string(kind)).Inc()
}

func (c *PrometheusCollector) FrameRejected(kind domain.MessageType, code string) {
	c.framesRejected.WithLabelValues(string(kind), code).Inc()
}

func (c *PrometheusCollector) StateChanged(from, to domain.SessionState) {
	c.lifecycleTransition.WithLabelValues(string(from), string(to)).Inc()
}

func (c *PrometheusCollector) AttemptFailed(reason string) {
	c.attemptFailures.WithLabelValues(reason).Inc()
}

func (c *PrometheusCollector) Confirmed() {
	c.confirmedTotal.Inc()
}

// SetInventory records the registry size.
func (c *PrometheusCollector) SetInventory(devices, sessions int) {
	c.devicesRegistered.Set(float64(devices))
	c.sessionsActive.Set(float64(sessions))
}
