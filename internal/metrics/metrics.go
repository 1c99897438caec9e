package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var totalTensors atomic.Int64

var (
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "weightscope_stage_duration_seconds",
		Help:    "Duration of each pipeline stage over a whole batch",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})

	ModelsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "weightscope_models_processed_total",
		Help: "Models that went through the pipeline, by outcome",
	}, []string{"outcome"})

	TensorsFlattened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "weightscope_tensors_flattened_total",
		Help: "The total number of parameter tensors flattened",
	})

	ElementsFlattened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "weightscope_elements_flattened_total",
		Help: "The total number of parameter values copied by the serializer",
	})

	PlotsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "weightscope_plots_written_total",
		Help: "Histogram images written to disk",
	})

	DocumentsPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "weightscope_documents_persisted_total",
		Help: "Summary documents inserted into the collection",
	})

	NonFiniteValues = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "weightscope_nonfinite_values_total",
		Help: "Total number of NaN/Inf parameter values detected",
	}, []string{"model", "type"})

	BatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "weightscope_batch_size",
		Help:    "Number of models submitted per batch",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
	})

	TensorElements = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "weightscope_tensor_elements",
		Help:    "Distribution of parameter tensor sizes",
		Buckets: prometheus.ExponentialBuckets(1, 16, 8),
	})
)

func RecordStageDuration(stage string, duration time.Duration) {
	StageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

func RecordModelOutcome(outcome string) {
	ModelsProcessed.WithLabelValues(outcome).Inc()
}

func RecordTensorFlattened(elements int) {
	TensorsFlattened.Inc()
	ElementsFlattened.Add(float64(elements))
	TensorElements.Observe(float64(elements))
	totalTensors.Add(1)
}

func RecordPlotWritten() {
	PlotsWritten.Inc()
}

func RecordDocumentPersisted() {
	DocumentsPersisted.Inc()
}

func RecordNonFinite(model string, nanCount, infCount int) {
	if nanCount > 0 {
		NonFiniteValues.WithLabelValues(model, "nan").Add(float64(nanCount))
	}
	if infCount > 0 {
		NonFiniteValues.WithLabelValues(model, "inf").Add(float64(infCount))
	}
}

func RecordBatch(models int) {
	BatchSize.Observe(float64(models))
}

// TensorsSeen returns the number of tensors flattened since process start.
func TensorsSeen() int64 {
	return totalTensors.Load()
}
