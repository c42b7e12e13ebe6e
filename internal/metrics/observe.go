package metrics

import (
	"conductor/internal/platform"
	"conductor/internal/types"
)

// Observe subscribes the collectors to the pipeline's domain events so
// counters track runs without the components knowing about prometheus.
// Event delivery is at-least-once; counters tolerate the rare duplicate.
func Observe(m *Metrics, bus platform.EventBus) {
	bus.Subscribe(platform.EventTaskStateChanged, func(ev platform.Event) {
		switch types.TaskState(ev.Payload["state"]) {
		case types.TaskRunning:
			m.TasksRunning.Inc()
		case types.TaskCompleted:
			m.TasksRunning.Dec()
			m.TasksCompleted.Inc()
		case types.TaskFailed:
			m.TasksRunning.Dec()
			m.TasksFailed.Inc()
		case types.TaskCanceled:
			m.TasksCanceled.Inc()
		}
	})
	bus.Subscribe(platform.EventMergeCompleted, func(ev platform.Event) {
		m.SagaSuccess.Inc()
	})
	bus.Subscribe(platform.EventRollbackStarted, func(ev platform.Event) {
		m.SagaRolledBack.Inc()
	})
}
