package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Telemetry aggregates the delivery counters exported on the management
// endpoint. A nil *Telemetry is valid and counts nothing, so the stores and
// the dispatcher stay testable without a metrics registry.
type Telemetry struct {
	registry *prometheus.Registry

	liveDeliveries  prometheus.Counter
	offlineEnqueues prometheus.Counter
	redeliveries    prometheus.Counter
	connections     prometheus.Gauge
}

func NewTelemetry(queueDepth func() float64) *Telemetry {
	t := &Telemetry{
		registry: prometheus.NewRegistry(),
		liveDeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parley_deliveries_live_total",
			Help: "Frames delivered directly to online sessions.",
		}),
		offlineEnqueues: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parley_offline_enqueued_total",
			Help: "Deliveries parked in the offline store.",
		}),
		redeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parley_offline_redelivered_total",
			Help: "Offline items redelivered on reconnect.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "parley_connections",
			Help: "Authenticated connections currently open.",
		}),
	}
	t.registry.MustRegister(t.liveDeliveries, t.offlineEnqueues, t.redeliveries, t.connections)
	if queueDepth != nil {
		t.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "parley_dispatch_queue_depth",
			Help: "Dispatch requests waiting in the queue.",
		}, queueDepth))
	}
	return t
}

func (t *Telemetry) Handler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

func (t *Telemetry) LiveDelivery() {
	if t == nil {
		return
	}
	t.liveDeliveries.Inc()
}

func (t *Telemetry) OfflineEnqueue() {
	if t == nil {
		return
	}
	t.offlineEnqueues.Inc()
}

func (t *Telemetry) Redelivered(count int) {
	if t == nil {
		return
	}
	t.redeliveries.Add(float64(count))
}

func (t *Telemetry) ConnectionOpened() {
	if t == nil {
		return
	}
	t.connections.Inc()
}

func (t *Telemetry) ConnectionClosed() {
	if t == nil {
		return
	}
	t.connections.Dec()
}
