// Package metrics exposes prometheus collectors for the pipeline:
// task states, debate consensus, router selections, saga outcomes, and
// breaker transitions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every pipeline collector.
type Metrics struct {
	TasksCompleted   prometheus.Counter
	TasksFailed      prometheus.Counter
	TasksCanceled    prometheus.Counter
	TasksRunning     prometheus.Gauge
	DebateConsensus  prometheus.Histogram
	DebateEscalated  prometheus.Counter
	RouterSelections *prometheus.CounterVec
	RouterExplored   prometheus.Counter
	SagaSuccess      prometheus.Counter
	SagaRolledBack   prometheus.Counter
	BreakerTrips     *prometheus.CounterVec
	HITLCreated      prometheus.Counter
	HITLExpired      prometheus.Counter
}

// New constructs and registers all collectors.
func New(registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		TasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conductor_tasks_completed",
			Help: "Number of DAG nodes completed",
		}),
		TasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conductor_tasks_failed",
			Help: "Number of DAG nodes failed",
		}),
		TasksCanceled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conductor_tasks_canceled",
			Help: "Number of DAG nodes canceled",
		}),
		TasksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conductor_tasks_running",
			Help: "Number of DAG nodes currently running",
		}),
		DebateConsensus: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "conductor_debate_consensus_ratio",
			Help:    "Observed consensus ratios across debates",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
		DebateEscalated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conductor_debate_escalated",
			Help: "Number of debates escalated to HITL",
		}),
		RouterSelections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_router_selections",
			Help: "Model selections by model id",
		}, []string{"model"}),
		RouterExplored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conductor_router_explored",
			Help: "Number of exploratory selections",
		}),
		SagaSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conductor_saga_success",
			Help: "Number of changesets merged",
		}),
		SagaRolledBack: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conductor_saga_rolled_back",
			Help: "Number of changesets rolled back",
		}),
		BreakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_breaker_trips",
			Help: "Circuit breaker trips by model id",
		}, []string{"model"}),
		HITLCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conductor_hitl_created",
			Help: "Number of approval requests created",
		}),
		HITLExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conductor_hitl_expired",
			Help: "Number of approval requests expired past SLA",
		}),
	}

	collectors := []prometheus.Collector{
		m.TasksCompleted, m.TasksFailed, m.TasksCanceled, m.TasksRunning,
		m.DebateConsensus, m.DebateEscalated,
		m.RouterSelections, m.RouterExplored,
		m.SagaSuccess, m.SagaRolledBack, m.BreakerTrips,
		m.HITLCreated, m.HITLExpired,
	}
	for _, c := range collectors {
		if err := registerer.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
