package services

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	PredictionsTotal *prometheus.CounterVec
	RowsSaved        prometheus.Counter
	RowsDropped      prometheus.Counter
	StageFailures    *prometheus.CounterVec
	ModelLoads       *prometheus.CounterVec
	ModelLoadSeconds prometheus.Histogram
	InferenceSeconds prometheus.Histogram
	EventsPublished  *prometheus.CounterVec
	HTTPDuration     *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PredictionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "custcat_predictions_total",
			Help: "Predictions computed, by mode (single or batch).",
		}, []string{"mode"}),
		RowsSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "custcat_prediction_rows_saved_total",
			Help: "Prediction records persisted.",
		}),
		RowsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "custcat_prediction_rows_dropped_total",
			Help: "Batch rows predicted but not persisted.",
		}),
		StageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "custcat_pipeline_failures_total",
			Help: "Pipeline failures by stage.",
		}, []string{"stage"}),
		ModelLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "custcat_model_loads_total",
			Help: "Model artifact load attempts by result.",
		}, []string{"result"}),
		ModelLoadSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "custcat_model_load_duration_seconds",
			Help:    "Duration of model artifact loads.",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1.0},
		}),
		InferenceSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "custcat_inference_duration_seconds",
			Help:    "Duration of a predict call.",
			Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 0.5, 1.0},
		}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "custcat_events_published_total",
			Help: "Prediction events published by sink and result.",
		}, []string{"sink", "result"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "custcat_http_request_duration_seconds",
			Help:    "HTTP request latency by route, method and status.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method", "status"}),
	}
	reg.MustRegister(
		m.PredictionsTotal,
		m.RowsSaved,
		m.RowsDropped,
		m.StageFailures,
		m.ModelLoads,
		m.ModelLoadSeconds,
		m.InferenceSeconds,
		m.EventsPublished,
		m.HTTPDuration,
	)
	return m
}

// ObserveModelLoad matches classifier.LoadObserver.
func (m *Metrics) ObserveModelLoad(err error, took time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ModelLoads.WithLabelValues(result).Inc()
	m.ModelLoadSeconds.Observe(took.Seconds())
}
