package orchestrator

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"conductor/internal/types"
)

func TestJournalRoundTrip(t *testing.T) {
	stateDir := t.TempDir()
	j, err := openJournal(stateDir, "run-x")
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}

	written := []runEvent{
		{Type: "run_submitted", Detail: "demo"},
		{Type: "node_state", TaskID: "t1", State: types.TaskRunning, Attempt: 1},
		{Type: "node_state", TaskID: "t1", State: types.TaskCompleted, Attempt: 1, ProofRef: "abc123"},
		{Type: "run_completed", Detail: "completed=1"},
	}
	for _, ev := range written {
		if err := j.append(ev); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := j.close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	replayed, err := replayJournal(stateDir, "run-x")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if diff := cmp.Diff(written, replayed, cmpopts.IgnoreFields(runEvent{}, "Timestamp")); diff != "" {
		t.Fatalf("journal round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestReplayMissingJournal(t *testing.T) {
	events, err := replayJournal(t.TempDir(), "nope")
	if err != nil {
		t.Fatalf("missing journal should be empty, got %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("events = %v", events)
	}
}

func TestDAGSnapshotRoundTrip(t *testing.T) {
	stateDir := t.TempDir()
	dag := &DAG{Name: "snap", Tasks: []*types.Task{
		{ID: "t1", Type: types.TaskFeature, Objective: "x", RiskScore: 0.2, Domain: "billing"},
	}}
	if err := saveDAGSnapshot(stateDir, "run-y", dag); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := loadDAGSnapshot(stateDir, "run-y")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := cmp.Diff(dag, got); diff != "" {
		t.Fatalf("snapshot mismatch (-want +got):\n%s", diff)
	}
}
