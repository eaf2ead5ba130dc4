package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rift_gateway_connections",
		Help: "Currently open gateway connections.",
	})

	metricDispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rift_gateway_dispatches_total",
		Help: "Inbound payload dispatches by opcode and outcome.",
	}, []string{"opcode", "outcome"})

	metricCloses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rift_gateway_closes_total",
		Help: "Connection closes by close code.",
	}, []string{"code"})

	metricLazyRanges = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rift_gateway_lazy_ranges_total",
		Help: "Member-list ranges served by lazy requests.",
	})
)

// ConnectionOpened records a new gateway connection.
func ConnectionOpened() { metricConnections.Inc() }

// ConnectionClosed records a finished gateway connection.
func ConnectionClosed() { metricConnections.Dec() }
