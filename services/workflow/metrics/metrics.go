package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RunsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "workflow_runs_active",
		Help: "Runs currently executing on the worker pool",
	})

	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workflow_runs_total",
		Help: "Run attempts by event and outcome (completed, retrying, failed, skipped)",
	}, []string{"event", "outcome"})

	StepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "workflow_step_duration_seconds",
		Help:    "Per-step execution latency, memoized replays excluded",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0},
	}, []string{"step"})

	StepMemoHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workflow_step_memo_hits_total",
		Help: "Steps answered from the step log without re-execution",
	}, []string{"step"})

	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workflow_errors_total",
		Help: "Error counts by stage",
	}, []string{"stage", "error_type"})

	Declined = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workflow_chat_declined_total",
		Help: "Chat runs that ended silently at a validation gate",
	}, []string{"gate"})
)
