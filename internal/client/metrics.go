package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	forwardedRows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backbone_forwarded_descriptors_total",
		Help: "Descriptors written to the downstream Flight server",
	})

	forwardErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backbone_forward_errors_total",
		Help: "Failed forwards by reason",
	}, []string{"reason"})

	breakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backbone_forward_circuit_state",
		Help: "Forwarding circuit breaker state (0 closed, 1 open, 2 half-open)",
	})
)
