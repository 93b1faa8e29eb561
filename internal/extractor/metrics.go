package extractor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	imagesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backbone_images_processed_total",
		Help: "Total number of images run through the backbone",
	})

	batchesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backbone_batches_processed_total",
		Help: "Total number of padded batches run through the backbone",
	})

	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "backbone_batch_duration_seconds",
		Help:    "Time spent preprocessing and running one batch",
		Buckets: prometheus.DefBuckets,
	})

	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backbone_cache_hits_total",
		Help: "Descriptor cache hits",
	})

	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backbone_cache_misses_total",
		Help: "Descriptor cache misses",
	})
)
