// Package metrics holds the Prometheus collectors of the inference engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "embee"

// Step kinds for StepDuration.
const (
	StepPrefill = "prefill"
	StepDecode  = "decode"
)

// Metrics is a set of collectors bound to one registry. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	GeneratedTokens prometheus.Counter
	PromptTokens    prometheus.Counter
	StepDuration    *prometheus.HistogramVec
	SessionsStopped *prometheus.CounterVec
	ContextLength   prometheus.Histogram
	KVCacheBytes    prometheus.Gauge
	ModelLoad       prometheus.Summary
	WeightBytes     prometheus.Gauge
}

// New registers the engine collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		GeneratedTokens: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generated_tokens_total",
			Help:      "Tokens delivered to callers.",
		}),
		PromptTokens: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prompt_tokens_total",
			Help:      "Prompt tokens run through prefill.",
		}),
		StepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Duration of forward steps.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		}, []string{"kind"}),
		SessionsStopped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_total",
			Help:      "Finished generations by stop reason.",
		}, []string{"reason"}),
		ContextLength: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "context_length_tokens",
			Help:      "Distribution of context lengths at the end of a generation.",
			Buckets:   []float64{16, 64, 256, 512, 1024, 2048, 4096, 8192, 16384},
		}),
		KVCacheBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "kv_cache_bytes",
			Help:      "Bytes held by live KV caches.",
		}),
		ModelLoad: f.NewSummary(prometheus.SummaryOpts{
			Namespace: namespace,
			Name:      "model_load_duration_seconds",
			Help:      "Model load time.",
		}),
		WeightBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "model_weight_bytes",
			Help:      "Raw weight bytes of the loaded model.",
		}),
	}
}

func (m *Metrics) ObserveStep(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.StepDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) AddGenerated(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.GeneratedTokens.Add(float64(n))
}

func (m *Metrics) AddPrompt(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.PromptTokens.Add(float64(n))
}

// Stopped records one finished generation and its final context length.
func (m *Metrics) Stopped(reason string, contextLen int) {
	if m == nil {
		return
	}
	m.SessionsStopped.WithLabelValues(reason).Inc()
	m.ContextLength.Observe(float64(contextLen))
}

// AddCacheBytes moves the live KV cache gauge by delta.
func (m *Metrics) AddCacheBytes(delta int64) {
	if m == nil {
		return
	}
	m.KVCacheBytes.Add(float64(delta))
}

func (m *Metrics) ObserveLoad(d time.Duration, weightBytes int64) {
	if m == nil {
		return
	}
	m.ModelLoad.Observe(d.Seconds())
	m.WeightBytes.Set(float64(weightBytes))
}

// WriteTextfile dumps every metric gathered by g in the text exposition
// format, for the node exporter textfile collector.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	return prometheus.WriteToTextfile(path, g)
}
