// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "tradepipe_runs_total", Help: "Pipeline runs by outcome"},
		[]string{"mode", "outcome"},
	)
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "tradepipe_orders_total", Help: "Order attempts by fill status"},
		[]string{"mode", "side", "status"},
	)
	RejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "tradepipe_rejections_total", Help: "Intents refused before execution"},
		[]string{"reason"},
	)
	SnapshotFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "tradepipe_snapshot_failures_total", Help: "Symbols that degraded to an unresolved price"},
		[]string{"source"},
	)
	LockContention = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "tradepipe_lock_contention_total", Help: "Runs refused because the run lock was held"},
	)
	NotifyFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "tradepipe_notify_failures_total", Help: "Notifications that could not be delivered"},
		[]string{"sink"},
	)
	RunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "tradepipe_run_duration_seconds", Help: "Wall time of a pipeline run", Buckets: prometheus.DefBuckets},
		[]string{"mode"},
	)
)

func init() {
	prometheus.MustRegister(RunsTotal, OrdersTotal, RejectionsTotal, SnapshotFailures, LockContention, NotifyFailures, RunDuration)
}

func Handler() http.Handler {
	return promhttp.Handler()
}
