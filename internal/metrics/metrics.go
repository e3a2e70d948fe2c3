package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	EnqueuedJobs        prometheus.Counter
	ProcessedJobs       prometheus.Counter
	FailedJobs          prometheus.Counter
	ProviderCalls       prometheus.Counter
	ToolExecutions      prometheus.Counter
	InsufficientCredits prometheus.Counter
	IndexJobs           prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			EnqueuedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "herobot",
				Name:      "queue_enqueued_total",
				Help:      "Total jobs enqueued to redis stream",
			}),
			ProcessedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "herobot",
				Name:      "queue_processed_total",
				Help:      "Total jobs successfully processed",
			}),
			FailedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "herobot",
				Name:      "queue_failed_total",
				Help:      "Total jobs failed during processing",
			}),
			ProviderCalls: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "herobot",
				Name:      "provider_calls_total",
				Help:      "Total calls made to AI provider backends",
			}),
			ToolExecutions: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "herobot",
				Name:      "tool_executions_total",
				Help:      "Total customer tool invocations",
			}),
			InsufficientCredits: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "herobot",
				Name:      "insufficient_credits_total",
				Help:      "Total requests rejected by the credit gate",
			}),
			IndexJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "herobot",
				Name:      "knowledge_index_jobs_total",
				Help:      "Total knowledge indexing jobs processed",
			}),
		}
		prometheus.MustRegister(
			global.EnqueuedJobs, global.ProcessedJobs, global.FailedJobs,
			global.ProviderCalls, global.ToolExecutions, global.InsufficientCredits,
			global.IndexJobs,
		)
	})
	return global
}
