// Package monitor exports the gauges the control client's Monitor activity
// (spec.md §4.5 item 5) reports on a 60s cadence, and serves them over
// /metrics. Grounded on
// adred-codev-ws_poc/go-server-3/internal/metrics/metrics.go's
// Registry-wrapping-promauto-collectors shape.
package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps this agent's Prometheus collectors. Each Registry owns a
// private prometheus.Registry rather than the global default one, so
// multiple agents (or tests) can construct independent Registries without
// colliding on collector names.
type Registry struct {
	reg *prometheus.Registry

	OpenRooms prometheus.Gauge
	LiveRooms prometheus.Gauge
	RoomCap   prometheus.Gauge
	HTTPQueue prometheus.Gauge
	Outbound  prometheus.Gauge
}

// NewRegistry creates the agent's gauges.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Registry{
		reg: reg,
		OpenRooms: f.NewGauge(prometheus.GaugeOpts{
			Name: "ddathome_open_rooms",
			Help: "Number of subscriptions the manager currently tracks.",
		}),
		LiveRooms: f.NewGauge(prometheus.GaugeOpts{
			Name: "ddathome_live_rooms",
			Help: "Cardinality of the live room set.",
		}),
		RoomCap: f.NewGauge(prometheus.GaugeOpts{
			Name: "ddathome_room_cap",
			Help: "Configured maximum number of concurrently live rooms.",
		}),
		HTTPQueue: f.NewGauge(prometheus.GaugeOpts{
			Name: "ddathome_http_queue_depth",
			Help: "Current depth of the HTTP job priority queue.",
		}),
		Outbound: f.NewGauge(prometheus.GaugeOpts{
			Name: "ddathome_outbound_queue_depth",
			Help: "Current depth of the outbound serializer queue.",
		}),
	}
}

// Handler returns an HTTP handler exposing this Registry's collectors.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
