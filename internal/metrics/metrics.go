package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	syncCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "svnwt_sync_total",
			Help: "Total number of commit synchronizations attempted",
		},
	)

	syncFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "svnwt_sync_failed_total",
			Help: "Total number of failed commit synchronizations",
		},
		[]string{"stage"},
	)

	syncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "svnwt_sync_duration_seconds",
			Help:    "Commit delivery duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
	)

	tokenRefresh = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "svnwt_token_refresh_total",
			Help: "Total number of access token requests",
		},
		[]string{"outcome"},
	)

	resolution = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "svnwt_resolution_cache_total",
			Help: "Entity id resolutions by entity and result (hit, found, created)",
		},
		[]string{"entity", "result"},
	)

	trackerRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "svnwt_tracker_request_duration_seconds",
			Help:    "Tracker API request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.2, 0.5, 1, 2, 5, 10},
		},
		[]string{"method", "outcome"},
	)
)

// Sync stages reported by SyncFailed.
const (
	StageExtract = "extract"
	StageDeliver = "deliver"
	StageJournal = "journal"
)

func SyncStarted() {
	syncCount.Inc()
}

func SyncFailed(stage string) {
	syncFailed.WithLabelValues(stage).Inc()
}

func SyncDelivered(startTime time.Time) {
	syncDuration.Observe(time.Since(startTime).Seconds())
}

func TokenRefreshed(err error) {
	tokenRefresh.WithLabelValues(outcome(err)).Inc()
}

func Resolved(entity, result string) {
	resolution.WithLabelValues(entity, result).Inc()
}

func TrackerRequest(method string, startTime time.Time, err error) {
	trackerRequestDuration.WithLabelValues(method, outcome(err)).Observe(time.Since(startTime).Seconds())
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
