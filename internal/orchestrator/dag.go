// Package orchestrator implements the top-level task DAG engine: layered
// scheduling with bounded concurrency, generator/validator fan-out, debate
// and HITL escalation, saga staging, retry with backoff, event-sourced run
// state, and cooperative cancellation.
package orchestrator

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"conductor/internal/types"
)

// DAG is a validated task graph ready for submission.
type DAG struct {
	Name  string        `yaml:"name"`
	Tasks []*types.Task `yaml:"tasks"`
}

// LoadDAG reads a YAML run manifest.
func LoadDAG(path string) (*DAG, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dag %s: %w", path, err)
	}
	var dag DAG
	if err := yaml.Unmarshal(data, &dag); err != nil {
		return nil, fmt.Errorf("parse dag %s: %w", path, err)
	}
	if err := dag.Validate(); err != nil {
		return nil, err
	}
	return &dag, nil
}

// Validate checks task-level invariants plus graph shape: unique ids,
// deps resolvable within the DAG, and no cycles.
func (d *DAG) Validate() error {
	if len(d.Tasks) == 0 {
		return fmt.Errorf("dag has no tasks")
	}
	ids := make(map[string]*types.Task, len(d.Tasks))
	for _, t := range d.Tasks {
		if err := t.Validate(); err != nil {
			return err
		}
		if _, dup := ids[t.ID]; dup {
			return fmt.Errorf("duplicate task id %s", t.ID)
		}
		ids[t.ID] = t
	}
	for _, t := range d.Tasks {
		for _, dep := range t.Deps {
			if _, ok := ids[dep]; !ok {
				return fmt.Errorf("task %s depends on unknown task %s", t.ID, dep)
			}
		}
	}

	// Cycle detection by depth-first coloring.
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(ids))
	var visit func(string) error
	visit = func(id string) error {
		color[id] = gray
		for _, dep := range ids[id].Deps {
			switch color[dep] {
			case gray:
				return fmt.Errorf("dependency cycle through %s", dep)
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}
	for id := range ids {
		if color[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// Node is the scheduler's per-task record.
type Node struct {
	Task      *types.Task     `json:"task"`
	State     types.TaskState `json:"state"`
	Attempts  int             `json:"attempts"`
	ProofRef  string          `json:"proof_of_change_ref,omitempty"`
	Diagnosis *Diagnosis      `json:"diagnosis,omitempty"`
}

// Diagnosis is the structured failure report surfaced in run status.
type Diagnosis struct {
	Kind          types.ErrorKind `json:"kind"`
	Rationale     string          `json:"rationale"`
	ProofRef      string          `json:"proof_of_change_ref,omitempty"`
	HITLRequestID string          `json:"hitl_request_id,omitempty"`
	AuditPointer  string          `json:"audit_pointer,omitempty"`
}

// RunStatus is the answer to get_status.
type RunStatus struct {
	RunID   string     `json:"run_id"`
	Nodes   []NodeView `json:"nodes"`
	Summary string     `json:"summary"`
	Done    bool       `json:"done"`
}

// NodeView is one node's externally visible state.
type NodeView struct {
	TaskID    string          `json:"task_id"`
	State     types.TaskState `json:"state"`
	Attempts  int             `json:"attempts"`
	ProofRef  string          `json:"proof_of_change_ref,omitempty"`
	Diagnosis *Diagnosis      `json:"diagnosis,omitempty"`
}
