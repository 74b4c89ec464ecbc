package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var enqueuedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "conveyor_queue_enqueued_total",
	Help: "counter of records inserted into the processing queue",
}, []string{"flow"})

var claimedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "conveyor_queue_claimed_total",
	Help: "counter of records atomically claimed into processing",
}, []string{"flow"})

var completedCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "conveyor_queue_completed_total",
	Help: "counter of records transitioned into completed",
})

var failedCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "conveyor_queue_failed_total",
	Help: "counter of records transitioned into failed",
})

var reapedCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "conveyor_queue_reaped_total",
	Help: "counter of orphaned processing records returned to pending",
})

var claimDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "conveyor_claim_duration_seconds",
	Help:    "histogram of claim-batch statement durations",
	Buckets: prometheus.DefBuckets,
})
