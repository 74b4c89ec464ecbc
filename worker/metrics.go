package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var inflightGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "conveyor_worker_inflight",
	Help: "gauge of handler invocations currently in flight",
})

var handlerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "conveyor_worker_handler_duration_seconds",
	Help:    "histogram of handler invocation durations",
	Buckets: prometheus.DefBuckets,
}, []string{"flow"})
