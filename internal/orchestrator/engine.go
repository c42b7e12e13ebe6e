package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"conductor/internal/config"
	"conductor/internal/debate"
	"conductor/internal/hitl"
	"conductor/internal/logging"
	"conductor/internal/platform"
	"conductor/internal/policy"
	"conductor/internal/provenance"
	"conductor/internal/router"
	"conductor/internal/saga"
	"conductor/internal/types"
)

// Deps is the engine's composition root: every external collaborator and
// core component, constructed at startup and passed explicitly.
type Deps struct {
	Store     *provenance.Store
	Gate      *policy.Gate
	Router    *router.Router
	Debate    *debate.Controller
	Approvals *hitl.Workflow
	Saga      *saga.Saga
	Backend   platform.ModelBackend
	Sandbox   platform.SandboxExecutor
	Vector    platform.VectorStore // optional; proposal embeddings are indexed when set
	Bus       platform.EventBus
	Clock     platform.Clock
	Audit     logging.AuditSink
}

// Engine drives task DAGs to completion.
type Engine struct {
	cfg      config.OrchestratorConfig
	stateDir string
	deps     Deps

	mu   sync.Mutex
	runs map[string]*run
}

type run struct {
	id      string
	dag     *DAG
	journal *journal
	cancel  context.CancelFunc
	done    chan struct{}

	mu     sync.Mutex
	nodes  map[string]*Node
	halted bool
	err    error
}

// New builds an engine.
func New(cfg config.OrchestratorConfig, stateDir string, deps Deps) *Engine {
	if deps.Clock == nil {
		deps.Clock = platform.RealClock{}
	}
	return &Engine{cfg: cfg, stateDir: stateDir, deps: deps, runs: make(map[string]*run)}
}

// Submit registers a DAG and starts executing it. Returns the run id.
func (e *Engine) Submit(ctx context.Context, dag *DAG) (string, error) {
	if err := dag.Validate(); err != nil {
		return "", err
	}
	runID := "run-" + uuid.NewString()[:8]
	return e.start(ctx, runID, dag, nil)
}

// Resume reloads a persisted run after restart: the DAG snapshot plus a
// journal replay rebuild node state, then execution continues. Nodes the
// journal shows terminal stay terminal; everything else re-executes and
// the provenance store absorbs any duplicate side effects.
func (e *Engine) Resume(ctx context.Context, runID string) (string, error) {
	dag, err := loadDAGSnapshot(e.stateDir, runID)
	if err != nil {
		return "", fmt.Errorf("resume %s: %w", runID, err)
	}
	events, err := replayJournal(e.stateDir, runID)
	if err != nil {
		return "", fmt.Errorf("resume %s: %w", runID, err)
	}
	return e.start(ctx, runID, dag, events)
}

func (e *Engine) start(ctx context.Context, runID string, dag *DAG, replay []runEvent) (string, error) {
	if err := saveDAGSnapshot(e.stateDir, runID, dag); err != nil {
		return "", err
	}
	j, err := openJournal(e.stateDir, runID)
	if err != nil {
		return "", err
	}

	nodes := make(map[string]*Node, len(dag.Tasks))
	for _, t := range dag.Tasks {
		nodes[t.ID] = &Node{Task: t, State: types.TaskPending}
	}
	for _, ev := range replay {
		if ev.Type != "node_state" {
			continue
		}
		if n, ok := nodes[ev.TaskID]; ok {
			n.State = ev.State
			n.Attempts = ev.Attempt
			if ev.ProofRef != "" {
				n.ProofRef = ev.ProofRef
			}
		}
	}
	// Replayed RUNNING/READY states restart from PENDING; their external
	// effects are keyed in the provenance store.
	for _, n := range nodes {
		if !n.State.Terminal() {
			n.State = types.TaskPending
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{
		id:      runID,
		dag:     dag,
		journal: j,
		cancel:  cancel,
		done:    make(chan struct{}),
		nodes:   nodes,
	}

	e.mu.Lock()
	e.runs[runID] = r
	e.mu.Unlock()

	if len(replay) == 0 {
		if err := j.append(runEvent{Type: "run_submitted", Detail: dag.Name}); err != nil {
			cancel()
			return "", err
		}
	}
	if err := e.auditAppend(logging.AuditEntry{
		EventType: logging.AuditRunStarted,
		RunID:     runID,
		Success:   true,
		Message:   dag.Name,
	}); err != nil {
		cancel()
		return "", err
	}

	go e.runLoop(runCtx, r)
	logging.Orchestrator("run %s submitted (%d tasks)", runID, len(dag.Tasks))
	return runID, nil
}

// Wait blocks until the run finishes.
func (e *Engine) Wait(runID string) error {
	e.mu.Lock()
	r, ok := e.runs[runID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("run %s: %w", runID, types.ErrNotFound)
	}
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Cancel cooperatively cancels a run: all in-flight suspensions return
// typed Canceled errors and held resources release on the way out.
func (e *Engine) Cancel(runID string) error {
	e.mu.Lock()
	r, ok := e.runs[runID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("run %s: %w", runID, types.ErrNotFound)
	}
	logging.Orchestrator("run %s cancel requested", runID)
	r.cancel()
	return nil
}

// GetStatus reports per-node state and a run summary.
func (e *Engine) GetStatus(runID string) (RunStatus, error) {
	e.mu.Lock()
	r, ok := e.runs[runID]
	e.mu.Unlock()
	if !ok {
		return RunStatus{}, fmt.Errorf("run %s: %w", runID, types.ErrNotFound)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	status := RunStatus{RunID: runID}
	counts := make(map[types.TaskState]int)
	done := true
	for _, t := range r.dag.Tasks {
		n := r.nodes[t.ID]
		counts[n.State]++
		if !n.State.Terminal() {
			done = false
		}
		status.Nodes = append(status.Nodes, NodeView{
			TaskID:    t.ID,
			State:     n.State,
			Attempts:  n.Attempts,
			ProofRef:  n.ProofRef,
			Diagnosis: n.Diagnosis,
		})
	}
	status.Done = done
	status.Summary = fmt.Sprintf("completed=%d failed=%d canceled=%d running=%d pending=%d",
		counts[types.TaskCompleted], counts[types.TaskFailed], counts[types.TaskCanceled],
		counts[types.TaskRunning], counts[types.TaskPending]+counts[types.TaskReady])
	return status, nil
}

// =============================================================================
// SCHEDULER
// =============================================================================

type nodeResult struct {
	taskID string
	err    error
}

// runLoop schedules READY nodes with bounded concurrency until every
// node is terminal or the run halts.
func (e *Engine) runLoop(ctx context.Context, r *run) {
	defer close(r.done)
	defer r.journal.close()

	active := make(map[string]bool)
	results := make(chan nodeResult, e.cfg.WorkerPoolSize*2)

	for {
		// Drain finished work.
		for {
			select {
			case res := <-results:
				delete(active, res.taskID)
			default:
				goto schedule
			}
		}

	schedule:
		r.mu.Lock()
		halted := r.halted
		allTerminal := true
		var ready []*Node
		for _, t := range r.dag.Tasks {
			n := r.nodes[t.ID]
			if !n.State.Terminal() {
				allTerminal = false
			}
			if n.State == types.TaskPending && e.depsSatisfiedLocked(r, n) && !active[t.ID] {
				ready = append(ready, n)
			}
		}
		r.mu.Unlock()

		if allTerminal && len(active) == 0 {
			e.finishRun(ctx, r)
			return
		}
		if halted {
			e.cancelRemaining(r)
			if len(active) == 0 {
				e.finishRun(ctx, r)
				return
			}
		} else {
			select {
			case <-ctx.Done():
				e.cancelRemaining(r)
				if len(active) == 0 {
					e.finishRun(ctx, r)
					return
				}
			default:
				for _, n := range ready {
					if len(active) >= e.cfg.WorkerPoolSize {
						break
					}
					e.setNodeState(r, n, types.TaskReady, "")
					e.setNodeState(r, n, types.TaskRunning, "")
					active[n.Task.ID] = true
					go func(n *Node) {
						results <- nodeResult{taskID: n.Task.ID, err: e.executeNode(ctx, r, n)}
					}(n)
				}
			}
		}

		select {
		case res := <-results:
			delete(active, res.taskID)
		case <-time.After(50 * time.Millisecond):
			// Periodic wake-up also covers cancellation: canceled workers
			// drain through the results channel like any other completion.
		}
	}
}

// depsSatisfiedLocked: READY exactly when every dep is COMPLETED. A dep
// in any other terminal state cancels the dependent unless the dep was
// non-blocking.
func (e *Engine) depsSatisfiedLocked(r *run, n *Node) bool {
	for _, dep := range n.Task.Deps {
		dn := r.nodes[dep]
		switch dn.State {
		case types.TaskCompleted:
			continue
		case types.TaskFailed, types.TaskCanceled:
			if dn.Task.NonBlocking {
				continue
			}
			n.State = types.TaskCanceled
			n.Diagnosis = &Diagnosis{
				Kind:      types.KindCanceled,
				Rationale: fmt.Sprintf("dependency %s is %s", dep, dn.State),
			}
			e.journalNodeLocked(r, n, "dependency terminal")
			return false
		default:
			return false
		}
	}
	return true
}

func (e *Engine) cancelRemaining(r *run) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.dag.Tasks {
		n := r.nodes[t.ID]
		if n.State == types.TaskPending || n.State == types.TaskReady {
			n.State = types.TaskCanceled
			n.Diagnosis = &Diagnosis{Kind: types.KindCanceled, Rationale: "run canceled"}
			e.journalNodeLocked(r, n, "run canceled")
		}
	}
}

func (e *Engine) finishRun(ctx context.Context, r *run) {
	status, _ := e.GetStatus(r.id)
	if err := r.journal.append(runEvent{Type: "run_completed", Detail: status.Summary}); err != nil {
		logging.Get(logging.CategoryOrchestrator).Error("journal run_completed: %v", err)
	}
	if err := e.auditAppend(logging.AuditEntry{
		EventType: logging.AuditRunCompleted,
		RunID:     r.id,
		Success:   true,
		Message:   status.Summary,
	}); err != nil {
		logging.Get(logging.CategoryOrchestrator).Error("audit run_completed: %v", err)
	}
	if e.deps.Bus != nil {
		_ = e.deps.Bus.Publish(ctx, platform.Event{
			Type:    platform.EventRunCompleted,
			Key:     r.id,
			Payload: map[string]string{"summary": status.Summary},
		})
	}
	logging.Orchestrator("run %s finished: %s", r.id, status.Summary)
}

// setNodeState transitions a node, journals it, and publishes the event.
func (e *Engine) setNodeState(r *run, n *Node, state types.TaskState, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n.State.Terminal() {
		return // terminal states are immutable
	}
	n.State = state
	e.journalNodeLocked(r, n, detail)
}

func (e *Engine) journalNodeLocked(r *run, n *Node, detail string) {
	if err := r.journal.append(runEvent{
		Type:     "node_state",
		TaskID:   n.Task.ID,
		State:    n.State,
		Attempt:  n.Attempts,
		ProofRef: n.ProofRef,
		Detail:   detail,
	}); err != nil {
		logging.Get(logging.CategoryOrchestrator).Error("journal node_state %s: %v", n.Task.ID, err)
	}
	if e.deps.Bus != nil {
		_ = e.deps.Bus.Publish(context.Background(), platform.Event{
			Type: platform.EventTaskStateChanged,
			Key:  n.Task.ID,
			Payload: map[string]string{
				"run":   r.id,
				"state": string(n.State),
			},
		})
	}
}

// haltRun marks the run halted after a fatal error: no new nodes start.
func (e *Engine) haltRun(r *run, cause error) {
	r.mu.Lock()
	r.halted = true
	r.err = cause
	r.mu.Unlock()
	if err := r.journal.append(runEvent{Type: "run_halted", Detail: cause.Error()}); err != nil {
		logging.Get(logging.CategoryOrchestrator).Error("journal run_halted: %v", err)
	}
	if err := e.auditAppend(logging.AuditEntry{
		EventType: logging.AuditRunHalted,
		RunID:     r.id,
		Success:   false,
		Message:   cause.Error(),
	}); err != nil {
		logging.Get(logging.CategoryOrchestrator).Error("audit run_halted: %v", err)
	}
	logging.Get(logging.CategoryOrchestrator).Error("run %s HALTED: %v", r.id, cause)
}

func (e *Engine) auditAppend(entry logging.AuditEntry) error {
	if e.deps.Audit == nil {
		return nil
	}
	return e.deps.Audit.Append(entry)
}
