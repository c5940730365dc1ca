package monitoring

import (
	"time"

	"meshconf/internal/core/domain"
	"meshconf/internal/core/services"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var _ services.MetricsSink = (*PrometheusCollector)(nil)

type PrometheusCollector struct {
	// Gauges
	roomsActive       prometheus.Gauge
	connectionsActive prometheus.Gauge

	// Counters
	messagesTotal     *prometheus.CounterVec
	relayDropsTotal   prometheus.Counter
	authFailuresTotal prometheus.Counter
	disconnectsTotal  *prometheus.CounterVec
	keyRotationsTotal prometheus.Counter
	decryptFailsTotal prometheus.Counter
	mitigationsTotal  *prometheus.CounterVec
	profileChanges    *prometheus.CounterVec

	// Histograms
	adaptationDecisionDuration prometheus.Histogram
	riskScore                  prometheus.Histogram
	relayLatency               prometheus.Histogram
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		roomsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "meshconf_rooms_active",
			Help: "Number of rooms with at least one member",
		}),

		connectionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "meshconf_connections_active",
			Help: "Number of open signaling connections",
		}),

		messagesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "meshconf_signal_messages_total",
			Help: "Signaling messages received, by type",
		}, []string{"type"}),

		relayDropsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meshconf_relay_drops_total",
			Help: "Signaling frames dropped because the destination was absent",
		}),

		authFailuresTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meshconf_auth_failures_total",
			Help: "Rejected authentication attempts",
		}),

		disconnectsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "meshconf_disconnects_total",
			Help: "Closed signaling connections, by reason",
		}, []string{"reason"}),

		keyRotationsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meshconf_key_rotations_total",
			Help: "Room key rotations performed",
		}),

		decryptFailsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meshconf_envelope_failures_total",
			Help: "Envelopes rejected during decryption",
		}),

		mitigationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "meshconf_mitigations_total",
			Help: "Mitigations applied by the threat detector, by kind",
		}, []string{"kind"}),

		profileChanges: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "meshconf_profile_changes_total",
			Help: "Quality profile transitions, by target profile",
		}, []string{"profile"}),

		adaptationDecisionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "meshconf_adaptation_decision_duration_seconds",
			Help:    "Wall time of one quality adaptation decision",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}),

		riskScore: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "meshconf_risk_score",
			Help:    "Risk scores produced by the threat detector",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),

		relayLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "meshconf_relay_latency_seconds",
			Help:    "Server-side handling time of a relayed signal frame",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}),
	}
}

// signal.Metrics implementation

func (p *PrometheusCollector) MessageIn(msgType string) {
	p.messagesTotal.WithLabelValues(msgType).Inc()
}

func (p *PrometheusCollector) RelayDrop() {
	p.relayDropsTotal.Inc()
}

func (p *PrometheusCollector) AuthFailure() {
	p.authFailuresTotal.Inc()
}

func (p *PrometheusCollector) ConnectionOpened() {
	p.connectionsActive.Inc()
}

func (p *PrometheusCollector) ConnectionClosed(reason string) {
	p.connectionsActive.Dec()
	p.disconnectsTotal.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) RelayLatency(d time.Duration) {
	p.relayLatency.Observe(d.Seconds())
}

// Room lifecycle

func (p *PrometheusCollector) SetActiveRooms(n int) {
	p.roomsActive.Set(float64(n))
}

// Encryption

func (p *PrometheusCollector) RecordKeyRotation() {
	p.keyRotationsTotal.Inc()
}

func (p *PrometheusCollector) RecordEnvelopeFailure() {
	p.decryptFailsTotal.Inc()
}

// Adaptation

func (p *PrometheusCollector) RecordAdaptationDecision(d time.Duration, result domain.AdaptationResult) {
	p.adaptationDecisionDuration.Observe(d.Seconds())
	if result.FromProfile != result.ToProfile {
		p.profileChanges.WithLabelValues(string(result.ToProfile)).Inc()
	}
}

// Threat detection

func (p *PrometheusCollector) RecordRiskScore(score float64) {
	p.riskScore.Observe(score)
}

func (p *PrometheusCollector) RecordMitigation(kind domain.DirectiveKind) {
	p.mitigationsTotal.WithLabelValues(string(kind)).Inc()
}

