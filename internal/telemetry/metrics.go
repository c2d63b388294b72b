// Package telemetry holds the process-wide Prometheus collectors.
package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	DispatchJobs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "autopost_dispatch_jobs_total",
		Help: "Jobs handled by the dispatch engine, by outcome",
	}, []string{"outcome"})
	DispatchRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "autopost_dispatch_runs_total",
		Help: "Dispatch invocations, by result",
	}, []string{"result"})
	TokenRefreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "autopost_token_refresh_total",
		Help: "OAuth refresh grants, by result",
	}, []string{"result"})
	Alerts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "autopost_alerts_total",
		Help: "Alert decisions, by result",
	}, []string{"result"})
	MonitorAnomalies = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "autopost_monitor_anomalies",
		Help: "Anomalous jobs found by the last monitor run",
	})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "autopost_rate_limit_rejects_total",
		Help: "API requests rejected by the rate limiter",
	})
	Panics = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "autopost_panics_recovered_total",
		Help: "Recovered panics, by source",
	}, []string{"source"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			DispatchJobs,
			DispatchRuns,
			TokenRefreshes,
			Alerts,
			MonitorAnomalies,
			RateLimitRejects,
			Panics,
		)
	})
	return promhttp.Handler()
}
