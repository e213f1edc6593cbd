package metrics

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Content store metrics
var (
	PinsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipagent_pins_total",
			Help: "Pinned hashes by result",
		},
		[]string{"result"},
	)

	UploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipagent_uploads_total",
			Help: "Streamed uploads by result",
		},
		[]string{"result"},
	)

	UploadBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pipagent_upload_bytes_total",
			Help: "Bytes received through StoreFile",
		},
	)

	TierReplicationFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pipagent_tier_replication_failures_total",
			Help: "Blobs that could not be copied to the remote tier",
		},
	)

	TierHydrationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pipagent_tier_hydrations_total",
			Help: "Blobs fetched from the remote tier on a local miss",
		},
	)
)

// Execution metrics
var (
	ExecutionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pipagent_executions_active",
			Help: "Number of process pips currently executing",
		},
	)

	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipagent_executions_total",
			Help: "Finished executions by result",
		},
		[]string{"result"},
	)

	ExecDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pipagent_exec_duration_seconds",
			Help:    "Wall-clock time of a remote execution, staging included",
			Buckets: []float64{0.05, 0.1, 0.5, 1.0, 5.0, 30.0, 60.0, 300.0, 600.0},
		},
	)

	OutputsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pipagent_outputs_total",
			Help: "Output files stored by executions",
		},
	)

	ViolationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pipagent_violations_total",
			Help: "Accesses rejected by a sandbox manifest",
		},
	)

	WorkerUtilization = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pipagent_worker_utilization",
			Help: "Worker utilization (0-1)",
		},
		[]string{"region", "worker_id"},
	)

	EventSyncLag = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pipagent_event_sync_lag_seconds",
			Help: "Time since the last successful NATS sync",
		},
	)
)

// Admin surface metrics
var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipagent_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	AuthAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipagent_auth_attempts_total",
			Help: "Total auth attempts",
		},
		[]string{"type", "result"},
	)
)

func init() {
	prometheus.MustRegister(
		PinsTotal,
		UploadsTotal,
		UploadBytesTotal,
		TierReplicationFailuresTotal,
		TierHydrationsTotal,
		ExecutionsActive,
		ExecutionsTotal,
		ExecDuration,
		OutputsTotal,
		ViolationsTotal,
		WorkerUtilization,
		EventSyncLag,
		HTTPRequestsTotal,
		AuthAttemptsTotal,
	)
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveExecution records a finished execution.
func ObserveExecution(result string, started time.Time, outputs, violations int) {
	ExecutionsTotal.WithLabelValues(result).Inc()
	ExecDuration.Observe(time.Since(started).Seconds())
	OutputsTotal.Add(float64(outputs))
	ViolationsTotal.Add(float64(violations))
}

// EchoMiddleware returns Echo middleware that instruments HTTP requests.
func EchoMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}

			HTTPRequestsTotal.WithLabelValues(
				c.Request().Method,
				c.Path(),
				strconv.Itoa(status),
			).Inc()
			return err
		}
	}
}

// StartMetricsServer starts a standalone HTTP server serving /metrics on the given address.
func StartMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("metrics: server on %s stopped: %v", addr, err)
		}
	}()
	return srv
}
