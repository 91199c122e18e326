package tracking

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// TrainingMetric holds the latest value of every logged metric
	TrainingMetric = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "molgraph_training_metric",
			Help: "Latest value of a logged training metric",
		},
		[]string{"run", "metric"},
	)

	// LoggedStepsTotal counts LogMetrics calls per run
	LoggedStepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "molgraph_logged_steps_total",
			Help: "Total number of metric steps logged",
		},
		[]string{"run"},
	)

	// RunsFinishedTotal counts finished runs by status
	RunsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "molgraph_runs_finished_total",
			Help: "Total number of finished runs",
		},
		[]string{"status"},
	)

	// StreamErrorsTotal counts failed writes to the metric stream
	StreamErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "molgraph_stream_errors_total",
			Help: "Total number of failed metric stream writes",
		},
	)
)

func init() {
	prometheus.MustRegister(TrainingMetric)
	prometheus.MustRegister(LoggedStepsTotal)
	prometheus.MustRegister(RunsFinishedTotal)
	prometheus.MustRegister(StreamErrorsTotal)
}
