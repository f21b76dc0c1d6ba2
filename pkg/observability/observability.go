// Package observability provides Prometheus metrics and structured logging
// for RLM completions.
package observability

import (
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/code-rabi/rllm/pkg/core"
)

// Metrics holds the completion-level Prometheus collectors.
type Metrics struct {
	Iterations prometheus.Histogram
	Duration   prometheus.Histogram
	TokenUsage *prometheus.CounterVec
	RootCalls  prometheus.Counter
	SubCalls   prometheus.Counter
	Errors     prometheus.Counter
}

// New registers the RLM collectors on the given registerer. Pass
// prometheus.DefaultRegisterer for process-wide metrics, or a private
// registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Iterations: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rllm_iterations_count",
			Help:    "Number of iterations per RLM completion",
			Buckets: []float64{1, 2, 5, 10, 20, 50},
		}),
		Duration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rllm_completion_duration_seconds",
			Help:    "Total duration of RLM completion in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		TokenUsage: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rllm_token_usage_total",
			Help: "Total number of tokens used",
		}, []string{"type"}),
		RootCalls: factory.NewCounter(prometheus.CounterOpts{
			Name: "rllm_root_calls_total",
			Help: "Total number of root LLM calls",
		}),
		SubCalls: factory.NewCounter(prometheus.CounterOpts{
			Name: "rllm_sub_calls_total",
			Help: "Total number of sub-LLM calls made from sandboxed code",
		}),
		Errors: factory.NewCounter(prometheus.CounterOpts{
			Name: "rllm_errors_total",
			Help: "Total number of RLM completion errors",
		}),
	}
}

// ObserveCompletion records the accounting of one finished completion.
func (m *Metrics) ObserveCompletion(result *core.RLMResult) {
	if m == nil || result == nil {
		return
	}
	m.Iterations.Observe(float64(result.Iterations))
	m.Duration.Observe(result.Usage.ExecutionTime.Seconds())
	m.TokenUsage.WithLabelValues("input").Add(float64(result.Usage.Tokens.PromptTokens))
	m.TokenUsage.WithLabelValues("output").Add(float64(result.Usage.Tokens.CompletionTokens))
	m.RootCalls.Add(float64(result.Usage.RootCalls))
	m.SubCalls.Add(float64(result.Usage.SubCalls))
}

// ObserveError counts a failed completion.
func (m *Metrics) ObserveError() {
	if m == nil {
		return
	}
	m.Errors.Inc()
}

// SetupLogger installs a JSON slog handler as the process default and
// returns it.
func SetupLogger() *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Key = "timestamp"
				a.Value = slog.StringValue(time.Now().Format(time.RFC3339))
			}
			return a
		},
	})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
