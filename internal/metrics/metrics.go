// Package metrics exposes prometheus collectors for transaction loops.
//
// A nil *Collector is valid and records nothing, so loops built without
// metrics pay no cost.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for LoopsTotal.
const (
	OutcomeCommitted = "committed"
	OutcomeAborted   = "aborted"
	OutcomeFailed    = "failed"
	OutcomeLifecycle = "lifecycle"
	OutcomePanic     = "panic"
)

// Collector groups the transaction loop metrics.
type Collector struct {
	attempts       *prometheus.CounterVec
	retries        *prometheus.CounterVec
	outcomes       *prometheus.CounterVec
	commitDuration *prometheus.HistogramVec
	longCommits    *prometheus.CounterVec
	abortFailures  *prometheus.CounterVec
}

// New registers the collectors on reg. Use prometheus.DefaultRegisterer to
// expose them on the default /metrics handler.
func New(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		// attempts tracks every begun transaction
		attempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "txloop_attempts_total",
				Help: "Total number of transaction attempts",
			},
			[]string{"loop"},
		),
		retries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "txloop_retries_total",
				Help: "Total number of retries after a transient failure",
			},
			[]string{"loop"},
		),
		outcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "txloop_runs_total",
				Help: "Total number of loop runs by final outcome",
			},
			[]string{"loop", "outcome"},
		),
		commitDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "txloop_commit_duration_seconds",
				Help:    "Commit latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"loop"},
		),
		longCommits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "txloop_long_commits_total",
				Help: "Total number of commits slower than the configured threshold",
			},
			[]string{"loop"},
		),
		abortFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "txloop_abort_failures_total",
				Help: "Total number of failed aborts",
			},
			[]string{"loop"},
		),
	}
}

// Attempt records a begun transaction.
func (c *Collector) Attempt(loop string) {
	if c == nil {
		return
	}
	c.attempts.WithLabelValues(loop).Inc()
}

// Retry records a retry after a transient failure.
func (c *Collector) Retry(loop string) {
	if c == nil {
		return
	}
	c.retries.WithLabelValues(loop).Inc()
}

// Outcome records how a run ended.
func (c *Collector) Outcome(loop, outcome string) {
	if c == nil {
		return
	}
	c.outcomes.WithLabelValues(loop, outcome).Inc()
}

// Commit records a commit's latency and whether it was over the threshold.
func (c *Collector) Commit(loop string, d time.Duration, long bool) {
	if c == nil {
		return
	}
	c.commitDuration.WithLabelValues(loop).Observe(d.Seconds())
	if long {
		c.longCommits.WithLabelValues(loop).Inc()
	}
}

// AbortFailure records a failed abort.
func (c *Collector) AbortFailure(loop string) {
	if c == nil {
		return
	}
	c.abortFailures.WithLabelValues(loop).Inc()
}
