package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	imagenStudio = "imagen_studio"

	predictionsTotal          = "predictions_total"
	predictionDurationSeconds = "prediction_duration_seconds"
	predictionProgress        = "prediction_progress"
	imageLoadFailuresTotal    = "image_load_failures_total"
	historyPrunedTotal        = "history_pruned_total"

	// Labels
	outcomeLabel = "outcome"
)

var predictionLabels = []string{
	outcomeLabel,
}

/**
* Metrics definition
**/
var predictionsTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: imagenStudio,
		Name:      predictionsTotal,
		Help:      "number of finished prediction jobs by outcome",
	},
	predictionLabels,
)

var predictionDurationMetric = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Subsystem: imagenStudio,
		Name:      predictionDurationSeconds,
		Help:      "wall time from submission to terminal state",
		Buckets:   []float64{5, 10, 20, 30, 45, 60, 90, 120, 300},
	},
	predictionLabels,
)

var predictionProgressMetric = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Subsystem: imagenStudio,
		Name:      predictionProgress,
		Help:      "published progress of the current prediction job",
	},
)

var imageLoadFailuresMetric = prometheus.NewCounter(
	prometheus.CounterOpts{
		Subsystem: imagenStudio,
		Name:      imageLoadFailuresTotal,
		Help:      "number of output images that could not be loaded",
	},
)

var historyPrunedMetric = prometheus.NewCounter(
	prometheus.CounterOpts{
		Subsystem: imagenStudio,
		Name:      historyPrunedTotal,
		Help:      "number of history records removed by retention",
	},
)

func ObservePrediction(outcome string, seconds float64) {
	labels := prometheus.Labels{
		outcomeLabel: outcome,
	}
	predictionsTotalMetric.With(labels).Inc()
	predictionDurationMetric.With(labels).Observe(seconds)
}

func SetPredictionProgress(progress float64) {
	predictionProgressMetric.Set(progress)
}

func AddImageLoadFailures(n int) {
	if n > 0 {
		imageLoadFailuresMetric.Add(float64(n))
	}
}

func AddHistoryPruned(n int64) {
	if n > 0 {
		historyPrunedMetric.Add(float64(n))
	}
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func init() {
	registerMetrics()
}

func registerMetrics() {
	prometheus.MustRegister(predictionsTotalMetric)
	prometheus.MustRegister(predictionDurationMetric)
	prometheus.MustRegister(predictionProgressMetric)
	prometheus.MustRegister(imageLoadFailuresMetric)
	prometheus.MustRegister(historyPrunedMetric)
}
