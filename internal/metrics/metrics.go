// Registers:
//
//	#DeriFlow_events_routed_total
//	#DeriFlow_events_dropped_total
//	#DeriFlow_reconnects_total
//	#DeriFlow_orders_total
//	#DeriFlow_client_connections
//	#go_* and process_* system metrics
//
// The collectors are exposed through Handler, mounted on the dashboard.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once              sync.Once
	eventsRouted      *prometheus.CounterVec
	eventsDropped     prometheus.Counter
	reconnects        prometheus.Counter
	orders            *prometheus.CounterVec
	clientConnections prometheus.Gauge
)

func Init() {
	once.Do(func() {
		eventsRouted = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "DeriFlow_events_routed_total",
				Help: "Number of market events routed to downstream subscribers",
			},
			[]string{"symbol"},
		)

		eventsDropped = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "DeriFlow_events_dropped_total",
				Help: "Number of market events dropped before routing",
			},
		)

		reconnects = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "DeriFlow_reconnects_total",
				Help: "Number of upstream reconnect attempts",
			},
		)

		orders = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "DeriFlow_orders_total",
				Help: "Number of order operations by outcome",
			},
			[]string{"operation", "outcome"},
		)

		clientConnections = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "DeriFlow_client_connections",
				Help: "Number of currently connected downstream clients",
			},
		)

		_ = prometheus.Register(eventsRouted)
		_ = prometheus.Register(eventsDropped)
		_ = prometheus.Register(reconnects)
		_ = prometheus.Register(orders)
		_ = prometheus.Register(clientConnections)
		_ = prometheus.Register(collectors.NewGoCollector())
		_ = prometheus.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

// Handler exposes the registered collectors over HTTP.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordEventRouted increases the routed counter for a symbol.
func RecordEventRouted(symbol string) {
	if eventsRouted != nil {
		eventsRouted.WithLabelValues(symbol).Inc()
	}
}

// RecordEventDropped increases the dropped-event counter.
func RecordEventDropped() {
	if eventsDropped != nil {
		eventsDropped.Inc()
	}
}

// RecordReconnect increases the reconnect counter.
func RecordReconnect() {
	if reconnects != nil {
		reconnects.Inc()
	}
}

// RecordOrder increases the order counter for one operation and outcome.
func RecordOrder(operation, outcome string) {
	if orders != nil {
		orders.WithLabelValues(operation, outcome).Inc()
	}
}

// ClientConnected adjusts the connection gauge upward.
func ClientConnected() {
	if clientConnections != nil {
		clientConnections.Inc()
	}
}

// ClientDisconnected adjusts the connection gauge downward.
func ClientDisconnected() {
	if clientConnections != nil {
		clientConnections.Dec()
	}
}
