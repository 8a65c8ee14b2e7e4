package observability

import (
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ReportsRequested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reports_requested_total",
		Help: "Report requests by outcome",
	}, []string{"outcome"}) // outcome: accepted, duplicate, invalid, throttled, error

	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "report_jobs_processed_total",
		Help: "The total number of processed report jobs",
	}, []string{"status"}) // status: completed, failed, retried

	JobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "report_job_duration_seconds",
		Help:    "Duration of report generation.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	})

	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "report_notifications_total",
		Help: "Notifications handed to the dispatcher",
	}, []string{"event"})

	ArtifactsSwept = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "report_artifacts_swept_total",
		Help: "Expired report artifacts by delete result",
	}, []string{"result"}) // result: deleted, error, stale_temp

	JobsPurged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "report_jobs_purged_total",
		Help: "Finished job records removed by retention",
	})
)

// NewLogger creates a new structured logger. LOG_LEVEL selects the level.
func NewLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: ParseLevel(os.Getenv("LOG_LEVEL"))}))
}

func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// StartMetricsServer runs an HTTP server to expose Prometheus metrics.
func StartMetricsServer(addr string) {
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("metrics server failed", "error", err)
		}
	}()
}
