package pipelines

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	modelLoadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sdturbo",
			Subsystem: "sessions",
			Name:      "load_duration_seconds",
			Help:      "Time to fetch and compile one model session",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"role"},
	)

	modelLoadFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sdturbo",
			Subsystem: "sessions",
			Name:      "load_failures_total",
			Help:      "Model load failures by role and kind (download or load)",
		},
		[]string{"role", "kind"},
	)

	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sdturbo",
			Subsystem: "engine",
			Name:      "stage_duration_seconds",
			Help:      "Duration of each generation stage",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	imagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sdturbo",
			Subsystem: "engine",
			Name:      "images_total",
			Help:      "Images generated, by outcome",
		},
		[]string{"outcome"},
	)

	rejectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sdturbo",
			Subsystem: "engine",
			Name:      "rejected_total",
			Help:      "Generate calls rejected because another run was in progress",
		},
	)
)

func init() {
	prometheus.MustRegister(modelLoadDuration, modelLoadFailures, stageDuration, imagesTotal, rejectedTotal)
}
