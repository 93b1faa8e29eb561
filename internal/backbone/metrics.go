package backbone

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ForwardDuration tracks time spent per backbone step
	ForwardDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "backbone_stage_duration_seconds",
		Help:    "Time spent in backbone forward steps",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})
)
