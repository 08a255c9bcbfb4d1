// Package metrics registers the Prometheus series this gateway exposes,
// named and shaped after the original implementation's metrics module.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups every series the gateway updates inline from the hot path.
// One instance is constructed at startup and threaded into every component
// that needs to touch it, the way the logger is threaded in.
type Metrics struct {
	SubscriptionsCount *prometheus.GaugeVec
	ConnectionsCount   prometheus.Gauge
	Slot               prometheus.Gauge
	AccountUpdatesCount prometheus.Counter
	SlotUpdatesCount    prometheus.Counter
	BytesReceived       prometheus.Counter
	BytesSent           prometheus.Counter
	ConnectionTimeouts  prometheus.Counter
}

// New registers every series against the default registry via promauto, the
// same call-site shape used for counters throughout the example pack
// (WithLabelValues(...).Inc()).
func New() *Metrics {
	return &Metrics{
		SubscriptionsCount: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wsgateway_subscriptions_count",
			Help: "Live account/program subscriptions held by each manager shard.",
		}, []string{"manager_id"}),
		ConnectionsCount: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "wsgateway_connections_count",
			Help: "Live WebSocket sessions.",
		}),
		Slot: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "wsgateway_slot",
			Help: "Slot of the most recent slot update consumed from ingest.",
		}),
		AccountUpdatesCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: "wsgateway_account_updates_count",
			Help: "Account updates consumed from ingest.",
		}),
		SlotUpdatesCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: "wsgateway_slot_updates_count",
			Help: "Slot updates consumed from ingest.",
		}),
		BytesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "wsgateway_bytes_received",
			Help: "Bytes received from ingest topics.",
		}),
		BytesSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "wsgateway_bytes_sent",
			Help: "Bytes written to WebSocket sessions.",
		}),
		ConnectionTimeouts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "wsgateway_connection_timeouts",
			Help: "Sessions closed for missing the heartbeat deadline.",
		}),
	}
}

// NewForTest builds a Metrics instance registered against a private registry,
// so package tests can run in parallel without colliding on the global
// default registry's series names.
func NewForTest() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		SubscriptionsCount:  factory.NewGaugeVec(prometheus.GaugeOpts{Name: "subscriptions_count"}, []string{"manager_id"}),
		ConnectionsCount:    factory.NewGauge(prometheus.GaugeOpts{Name: "connections_count"}),
		Slot:                factory.NewGauge(prometheus.GaugeOpts{Name: "slot"}),
		AccountUpdatesCount: factory.NewCounter(prometheus.CounterOpts{Name: "account_updates_count"}),
		SlotUpdatesCount:    factory.NewCounter(prometheus.CounterOpts{Name: "slot_updates_count"}),
		BytesReceived:       factory.NewCounter(prometheus.CounterOpts{Name: "bytes_received"}),
		BytesSent:           factory.NewCounter(prometheus.CounterOpts{Name: "bytes_sent"}),
		ConnectionTimeouts:  factory.NewCounter(prometheus.CounterOpts{Name: "connection_timeouts"}),
	}
}
