package resnet

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LayerDuration tracks time spent in the stem and each residual stage
	LayerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "backbone_layer_duration_seconds",
		Help:    "Time spent in specific backbone stages",
		Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"layer", "device"})
)
