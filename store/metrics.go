package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var poolInUseGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "conveyor_store_pool_in_use",
	Help: "gauge of store pool connections currently checked out",
}, []string{"store"})

var poolIdleGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "conveyor_store_pool_idle",
	Help: "gauge of idle store pool connections",
}, []string{"store"})

var poolOverflowGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "conveyor_store_pool_overflow",
	Help: "gauge of store pool connections open beyond the steady-state size",
}, []string{"store"})
