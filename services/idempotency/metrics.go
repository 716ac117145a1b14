package idempotency

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "idempotency_cache_hits_total",
		Help: "Requests answered from the idempotency response cache.",
	})
	lockContended = promauto.NewCounter(prometheus.CounterOpts{
		Name: "idempotency_lock_contended_total",
		Help: "Requests that found the fingerprint lock already held.",
	})
	passthrough = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "idempotency_passthrough_total",
		Help: "Requests executed without deduplication, by reason.",
	}, []string{"reason"})
	executions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "idempotency_executions_total",
		Help: "Handler executions performed while holding the fingerprint lock.",
	})
)
