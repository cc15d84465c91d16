package telemetry

import (
	"strconv"
	"time"

	"github.com/glimte/mmate-gateway/bridge"
	"github.com/glimte/mmate-gateway/messaging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mmate_gateway"

var (
	_ bridge.Observer                   = (*Metrics)(nil)
	_ messaging.ConnectionStateListener = (*Metrics)(nil)
)

// Metrics records request/reply and broker connection metrics. It is a
// bridge.Observer and a messaging.ConnectionStateListener.
type Metrics struct {
	pending         prometheus.Gauge
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	dropped         *prometheus.CounterVec

	brokerConnected prometheus.Gauge
	disconnects     prometheus.Counter
	reconnects      prometheus.Counter

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// NewMetrics creates the gateway metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		pending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_requests",
			Help:      "Requests currently waiting for a reply",
		}),
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Settled request/reply exchanges by reply destination and outcome",
		}, []string{"destination", "outcome"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time from submit to settlement",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 15, 30},
		}, []string{"destination"}),
		dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_messages_total",
			Help:      "Inbound messages ignored by the reply demultiplexer",
		}, []string{"destination", "reason"}),

		brokerConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "connected",
			Help:      "Broker connection state (1=connected, 0=disconnected)",
		}),
		disconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "disconnects_total",
			Help:      "Established broker connections that were lost",
		}),
		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "reconnect_attempts_total",
			Help:      "Background reconnect attempts",
		}),

		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route, method and status code",
		}, []string{"route", "method", "code"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

func (m *Metrics) RequestStarted(destination string) {
	m.pending.Inc()
}

func (m *Metrics) RequestSettled(destination string, outcome bridge.Outcome, elapsed time.Duration) {
	m.pending.Dec()
	m.requests.WithLabelValues(destination, string(outcome)).Inc()
	m.requestDuration.WithLabelValues(destination).Observe(elapsed.Seconds())
}

func (m *Metrics) MessageDropped(destination string, reason string) {
	m.dropped.WithLabelValues(destination, reason).Inc()
}

func (m *Metrics) OnConnected() {
	m.brokerConnected.Set(1)
}

func (m *Metrics) OnDisconnected(err error) {
	m.brokerConnected.Set(0)
	m.disconnects.Inc()
}

func (m *Metrics) OnReconnecting(attempt int) {
	m.reconnects.Inc()
}

// ObserveHTTP records one served HTTP request
func (m *Metrics) ObserveHTTP(route, method string, code int, elapsed time.Duration) {
	m.httpRequests.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}
