package services

import "github.com/prometheus/client_golang/prometheus"

// Outcome labels of deployments_total.
const (
	outcomePublished        = "published"
	outcomeReplayed         = "replayed"
	outcomeGenerationFailed = "generation_failed"
	outcomePublishFailed    = "publish_failed"
	outcomeStoreError       = "store_error"
)

var (
	deploymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deployments_total",
			Help: "Deployment orchestrations by outcome.",
		},
		[]string{"outcome"},
	)
	publishDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "publish_duration_seconds",
			Help:    "Duration of repository publishing.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(deploymentsTotal, publishDuration)
}
