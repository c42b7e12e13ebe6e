package metrics

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"conductor/internal/platform"
)

func TestObserveCountsTaskEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	bus := platform.NewLocalEventBus()
	Observe(m, bus)
	ctx := context.Background()

	publish := func(state string) {
		bus.Publish(ctx, platform.Event{
			Type:    platform.EventTaskStateChanged,
			Key:     "t1",
			Payload: map[string]string{"state": state},
		})
	}
	publish("RUNNING")
	publish("COMPLETED")
	publish("RUNNING")
	publish("FAILED")
	bus.Publish(ctx, platform.Event{Type: platform.EventMergeCompleted, Key: "cs1"})
	bus.Publish(ctx, platform.Event{Type: platform.EventRollbackStarted, Key: "cs2"})

	if got := testutil.ToFloat64(m.TasksCompleted); got != 1 {
		t.Fatalf("completed = %v", got)
	}
	if got := testutil.ToFloat64(m.TasksFailed); got != 1 {
		t.Fatalf("failed = %v", got)
	}
	if got := testutil.ToFloat64(m.TasksRunning); got != 0 {
		t.Fatalf("running gauge = %v", got)
	}
	if got := testutil.ToFloat64(m.SagaSuccess); got != 1 {
		t.Fatalf("saga success = %v", got)
	}
	if got := testutil.ToFloat64(m.SagaRolledBack); got != 1 {
		t.Fatalf("saga rolled back = %v", got)
	}
}

func TestDoubleRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := New(reg); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	if _, err := New(reg); err == nil {
		t.Fatal("duplicate registration accepted")
	}
}
