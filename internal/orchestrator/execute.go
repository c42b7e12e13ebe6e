package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"conductor/internal/debate"
	"conductor/internal/hitl"
	"conductor/internal/logging"
	"conductor/internal/platform"
	"conductor/internal/policy"
	"conductor/internal/saga"
	"conductor/internal/types"
)

// executeNode drives one node through the pipeline with the retry policy:
// transient errors back off and retry up to the cap; policy denials,
// contract violations, and safety outcomes never retry silently; fatal
// errors halt the run.
func (e *Engine) executeNode(ctx context.Context, r *run, n *Node) error {
	task := n.Task
	var lastErr error

	for attempt := 1; attempt <= e.cfg.MaxRetries; attempt++ {
		r.mu.Lock()
		n.Attempts = attempt
		r.mu.Unlock()

		err := e.executeAttempt(ctx, r, n)
		if err == nil {
			e.completeNode(r, n)
			return nil
		}
		lastErr = err

		switch types.KindOf(err) {
		case types.KindCanceled:
			e.failNode(r, n, types.TaskCanceled, err)
			return err
		case types.KindFatal:
			e.failNode(r, n, types.TaskFailed, err)
			e.haltRun(r, err)
			return err
		case types.KindPolicyDenial, types.KindContractViolation:
			e.failNode(r, n, types.TaskFailed, err)
			return err
		case types.KindSafetyEscalation:
			// Safety outcomes already routed through HITL inside the
			// attempt; reaching here means the human said no.
			e.failNode(r, n, types.TaskFailed, err)
			return err
		}

		// Transient or resource exhaustion: backoff and retry.
		if attempt < e.cfg.MaxRetries {
			backoff := e.cfg.RetryBackoffBase << (attempt - 1)
			if backoff > e.cfg.RetryBackoffMax {
				backoff = e.cfg.RetryBackoffMax
			}
			logging.Orchestrator("task %s attempt %d failed (%v), retrying in %v", task.ID, attempt, err, backoff)
			if serr := e.deps.Clock.Sleep(ctx, backoff); serr != nil {
				e.failNode(r, n, types.TaskCanceled, serr)
				return serr
			}
		}
	}

	e.failNode(r, n, types.TaskFailed, lastErr)
	return lastErr
}

func (e *Engine) completeNode(r *run, n *Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n.State = types.TaskCompleted
	e.journalNodeLocked(r, n, "completed")
	logging.Orchestrator("task %s COMPLETED (attempts=%d)", n.Task.ID, n.Attempts)
}

func (e *Engine) failNode(r *run, n *Node, state types.TaskState, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n.State = state
	diag := &Diagnosis{Kind: types.KindOf(cause), Rationale: cause.Error(), ProofRef: n.ProofRef}
	var denied *types.PolicyDeniedError
	if errors.As(cause, &denied) {
		if tier, ok := denied.Obligations["hitl_risk_tier"]; ok {
			diag.HITLRequestID = hitlRequestID(n.Task.ID, "policy-"+tier)
		}
	}
	n.Diagnosis = diag
	e.journalNodeLocked(r, n, cause.Error())
	logging.Get(logging.CategoryOrchestrator).Error("task %s %s: %v", n.Task.ID, state, cause)
}

// =============================================================================
// SINGLE ATTEMPT PIPELINE
// =============================================================================

// executeAttempt runs the full pipeline once: policy gate, routing,
// generation, debate, deterministic validation, proof-of-change, saga
// staging, and provenance recording.
func (e *Engine) executeAttempt(ctx context.Context, r *run, n *Node) error {
	task := n.Task
	level := types.RiskLevelFor(task.RiskScore)

	// 1. Milestone authorization. An obligation may demand pre-approval.
	dec, err := e.deps.Gate.Evaluate(ctx, policy.SubjectMilestoneExecution, map[string]string{
		"task":      task.ID,
		"type":      string(task.Type),
		"domain":    task.Domain,
		"risk":      fmt.Sprintf("%.2f", task.RiskScore),
		"risk_tier": string(level),
	})
	if err != nil {
		return err
	}
	approvalRequired := false
	if _, ok := dec.Obligations["hitl_risk_tier"]; ok {
		approvalRequired = true
	}

	// 2. Model selection.
	sel, err := e.deps.Router.Select(ctx, task.Type, task.RiskScore, task.Domain, task.Budget)
	if err != nil {
		return err
	}

	// 3. Generator fan-out: diverse attempts above the debate floor.
	genCount := 1
	if task.RiskScore >= e.cfg.DebateRiskFloor {
		genCount = e.cfg.DiverseGenerators
	}
	proposals, err := e.generate(ctx, task, sel.Model, genCount)
	if err != nil {
		e.deps.Router.RecordFailure(sel.Model.ModelID)
		return err
	}
	// The provider call completed: settle the breaker now so a
	// HALF_OPEN probe resolves even if a later stage fails the attempt.
	e.deps.Router.RecordSuccess(sel.Model.ModelID)

	// 4. Selection: debate when fanned out, direct otherwise.
	chosen := proposals[0]
	var debateEvidence *debate.Evidence
	transcriptRef := ""
	if genCount > 1 {
		res, derr := e.deps.Debate.DebateAndSelect(ctx, proposals, task, level)
		if derr != nil {
			return derr
		}
		debateEvidence = res.Evidence
		switch res.Status {
		case debate.StatusSelected:
			chosen = *res.Selected
		case debate.StatusInsufficientDiversity:
			return fmt.Errorf("generator fan-out produced insufficient diversity for %s", task.ID)
		case debate.StatusAllProposalsUnsafe:
			chosen, err = e.escalateDebate(ctx, task, proposals, res,
				&types.AllProposalsUnsafeError{TaskID: task.ID, Rejected: len(proposals)})
			if err != nil {
				return err
			}
			approvalRequired = false // the human already approved this change
		case debate.StatusNoConsensusHITL:
			chosen, err = e.escalateDebate(ctx, task, proposals, res,
				&types.NoConsensusError{TaskID: task.ID, ConsensusRatio: res.ConsensusRatio})
			if err != nil {
				return err
			}
			approvalRequired = false
		}
		if res.Evidence != nil {
			if ref, terr := e.storeTranscript(ctx, task.ID, res); terr == nil {
				transcriptRef = ref
			} else {
				logging.Get(logging.CategoryOrchestrator).Warn("store debate transcript: %v", terr)
			}
		}
	}

	// 5. Deterministic validators over the chosen proposal.
	report, err := e.validate(ctx, task, chosen)
	if err != nil {
		return err
	}
	if debateEvidence != nil {
		report.ValidatorScores = debateEvidence.Scores
	}

	// 6. Proof of change.
	proof := types.ProofOfChange{
		ChangeID:         task.ID,
		Proposal:         chosen,
		DiffStats:        types.DiffStats{FilesChanged: 1, Insertions: len(chosen.Rationale)},
		Validation:       report,
		DebateTranscript: transcriptRef,
		PolicyVersion:    e.deps.Gate.Version(),
		CreatedAt:        e.deps.Clock.Now(),
	}
	proofRef, err := e.storeProof(ctx, &proof)
	if err != nil {
		return err
	}
	r.mu.Lock()
	n.ProofRef = proofRef
	r.mu.Unlock()

	// 7. Stage code-bearing tasks through the saga, gated by approval.
	if len(task.Repos) > 0 {
		if approvalRequired {
			if err := e.awaitApproval(ctx, task, "milestone", dec.Obligations["hitl_risk_tier"], nil); err != nil {
				return err
			}
		}
		if err := e.stageChangeset(ctx, task, &proof); err != nil {
			return err
		}
	}

	// 8. Record the proof keyed by the task id and feed the router.
	quality := report.CoverageDelta
	if len(report.ValidatorScores) > 0 {
		sum := 0.0
		for _, vs := range report.ValidatorScores {
			sum += vs.Score
		}
		quality = sum / float64(len(report.ValidatorScores))
	}
	e.deps.Router.RecordOutcome(sel.Model.ModelID, task.Type, quality,
		chosen.EstimatedCost, time.Duration(0))

	if _, err := e.deps.Store.RecordResult(ctx, "proof:"+task.ID, []byte(proofRef)); err != nil {
		return err
	}
	return nil
}

// escalateDebate opens a HITL request carrying the debate evidence and
// suspends the node until resolution. Approval selects the top-mean
// proposal; rejection or expiry surfaces the original safety error.
func (e *Engine) escalateDebate(ctx context.Context, task *types.Task, proposals []types.Proposal, res debate.Result, cause error) (types.Proposal, error) {
	evidence := hitl.EvidenceBundle{Rationale: cause.Error()}
	if res.Evidence != nil {
		evidence.ValidatorScores = res.Evidence.Scores
	}
	if err := e.awaitApproval(ctx, task, "debate", string(types.RiskLevelFor(task.RiskScore)), &evidence); err != nil {
		return types.Proposal{}, errors.Join(cause, err)
	}

	// Human approved: take the proposal with the highest mean score, or
	// the first proposal when scores never materialized.
	if res.Evidence != nil && len(res.Evidence.Scores) > 0 {
		sums := make(map[string]float64)
		counts := make(map[string]int)
		for _, vs := range res.Evidence.Scores {
			sums[vs.ProposalID] += vs.Score
			counts[vs.ProposalID]++
		}
		bestID, best := "", -1.0
		for id, sum := range sums {
			mean := sum / float64(counts[id])
			if mean > best || (mean == best && id < bestID) {
				best, bestID = mean, id
			}
		}
		for _, p := range proposals {
			if p.ID == bestID {
				return p, nil
			}
		}
	}
	return proposals[0], nil
}

func hitlRequestID(taskID, reason string) string {
	return fmt.Sprintf("hitl-%s-%s", taskID, reason)
}

// awaitApproval opens (idempotently) a HITL request for the task and
// blocks until terminal. Non-approval is a policy denial.
func (e *Engine) awaitApproval(ctx context.Context, task *types.Task, reason, tier string, evidence *hitl.EvidenceBundle) error {
	if e.deps.Approvals == nil {
		return fmt.Errorf("approval required for %s but no HITL workflow configured", task.ID)
	}
	riskTier := types.RiskLevel(tier)
	if riskTier == "" {
		riskTier = types.RiskLevelFor(task.RiskScore)
	}
	repos := make([]string, 0, len(task.Repos))
	for _, rc := range task.Repos {
		repos = append(repos, rc.RepoID)
	}
	ev := hitl.EvidenceBundle{Rationale: task.Objective}
	if evidence != nil {
		ev = *evidence
	}

	req, err := e.deps.Approvals.CreateApprovalRequest(ctx, hitl.CreateRequestInput{
		ChangeID:      task.ID,
		RiskTier:      riskTier,
		Requester:     "conductor-oe",
		Repos:         repos,
		Evidence:      ev,
		PolicyVersion: e.deps.Gate.Version(),
	}, hitlRequestID(task.ID, reason))
	if err != nil {
		return err
	}

	wctx, cancel := context.WithTimeout(ctx, e.cfg.HITLWaitTimeout)
	defer cancel()
	final, err := e.deps.Approvals.WaitTerminal(wctx, req.ID, 0)
	if err != nil {
		return err
	}
	if final.Status != hitl.StatusApproved {
		return &types.PolicyDeniedError{
			Subject:       "hitl:" + reason,
			Reason:        fmt.Sprintf("approval request %s is %s", req.ID, final.Status),
			PolicyVersion: e.deps.Gate.Version(),
		}
	}
	logging.Orchestrator("task %s approved via %s", task.ID, req.ID)
	return nil
}

// stageChangeset builds and executes the task's multi-repo changeset.
func (e *Engine) stageChangeset(ctx context.Context, task *types.Task, proof *types.ProofOfChange) error {
	changes := make([]types.RepoChange, len(task.Repos))
	copy(changes, task.Repos)
	for i := range changes {
		if changes[i].ChangeID == "" {
			changes[i].ChangeID = task.ID
		}
		if changes[i].Branch == "" {
			changes[i].Branch = "conductor/" + task.ID
		}
		if changes[i].Migration == "" {
			changes[i].Migration = types.MigrationNone
		}
	}
	cs := &types.MultiRepoChangeSet{
		ID:                 "cs-" + task.ID,
		Changes:            changes,
		Rollback:           types.RollbackRevertPR,
		RequireMergeFreeze: true,
		Requester:          "conductor-oe",
		RiskScore:          task.RiskScore,
		Domain:             task.Domain,
	}

	res, err := e.deps.Saga.Execute(ctx, cs)
	if err != nil {
		return err
	}
	if res.Status != saga.StatusSuccess {
		return fmt.Errorf("changeset %s failed: %s (rollback_completed=%v)", cs.ID, res.Reason, res.RollbackCompleted)
	}
	return nil
}

// =============================================================================
// GENERATION AND VALIDATION
// =============================================================================

// generate produces count proposals from the selected model at spread
// temperatures, storing each diff artifact content-addressed.
func (e *Engine) generate(ctx context.Context, task *types.Task, model types.ModelConfig, count int) ([]types.Proposal, error) {
	temps := e.cfg.GeneratorTemps
	if len(temps) == 0 {
		temps = []float64{0.7, 0.8, 0.9}
	}

	proposals := make([]types.Proposal, 0, count)
	for i := 0; i < count; i++ {
		temp := temps[i%len(temps)]
		if count == 1 {
			temp = model.Temperature
		}
		seed := generatorSeed(task.ID, i)
		prompt := fmt.Sprintf("Produce a code change for task %q.\nObjective: %s\nDomain: %s\n",
			task.ID, task.Objective, task.Domain)

		res, err := e.deps.Backend.Generate(ctx, model.ModelID, prompt, platform.GenerateParams{
			Temperature: temp,
			Seed:        seed,
			MaxTokens:   task.Budget.MaxTokens,
		})
		if err != nil {
			return nil, fmt.Errorf("generator %d for %s: %w", i, task.ID, err)
		}

		diffRef, err := e.deps.Store.PutArtifact(ctx, []byte(res.Text))
		if err != nil {
			return nil, err
		}
		promptSum := sha256.Sum256([]byte(prompt))
		p := types.Proposal{
			ID:            fmt.Sprintf("%s-p%d", task.ID, i),
			TaskID:        task.ID,
			CodeDiffRef:   diffRef,
			Rationale:     res.Text,
			EstimatedCost: float64(res.TokenUsage) / 1000 * model.CostPer1KTokens,
			RiskScoreSelf: pseudoRisk(res.Text),
			Embedding:     pseudoEmbedding(res.Text),
			Provenance: types.Provenance{
				ModelID:     model.ModelID,
				Seed:        seed,
				Temperature: temp,
				PromptHash:  hex.EncodeToString(promptSum[:]),
				Timestamp:   e.deps.Clock.Now(),
			},
		}
		if e.deps.Vector != nil {
			// Best-effort: the embedding index feeds later retrieval, it
			// never blocks generation.
			if verr := e.deps.Vector.Upsert(ctx, p.ID, p.Embedding, map[string]string{
				"task": task.ID, "diff": p.CodeDiffRef,
			}); verr != nil {
				logging.Get(logging.CategoryOrchestrator).Warn("vector upsert %s: %v", p.ID, verr)
			}
		}
		proposals = append(proposals, p)
	}
	return proposals, nil
}

// validate runs the sandbox on the chosen proposal at temperature-0
// determinism and folds the results into a validation report.
func (e *Engine) validate(ctx context.Context, task *types.Task, p types.Proposal) (types.ValidationReport, error) {
	diff, err := e.deps.Store.GetArtifact(ctx, p.CodeDiffRef)
	if err != nil {
		return types.ValidationReport{}, err
	}
	limits := platform.SandboxLimits{
		CPUSeconds: 300,
		MemoryMB:   2048,
		Timeout:    task.Constraints.WallClockTimeout,
	}
	res, err := e.deps.Sandbox.Run(ctx, string(diff), "", limits)
	if err != nil {
		return types.ValidationReport{}, fmt.Errorf("sandbox run for %s: %w", task.ID, err)
	}
	if res.ExitStatus != 0 {
		return types.ValidationReport{}, fmt.Errorf("sandbox exit %d for %s: %s", res.ExitStatus, task.ID, res.Stderr)
	}
	return types.ValidationReport{
		CoverageDelta:  res.Coverage,
		MutationScore:  res.MutationScore,
		StaticFindings: res.StaticFindings,
		SecurityScan:   res.SecurityFindings,
	}, nil
}

// storeProof persists the proof-of-change content-addressed; identical
// proofs hash identically.
func (e *Engine) storeProof(ctx context.Context, proof *types.ProofOfChange) (string, error) {
	blob, err := json.Marshal(proof)
	if err != nil {
		return "", fmt.Errorf("marshal proof %s: %w", proof.ChangeID, err)
	}
	return e.deps.Store.PutArtifact(ctx, blob)
}

func (e *Engine) storeTranscript(ctx context.Context, taskID string, res debate.Result) (string, error) {
	blob, err := json.Marshal(res.Evidence)
	if err != nil {
		return "", err
	}
	return e.deps.Store.PutArtifact(ctx, blob)
}

func generatorSeed(taskID string, i int) int64 {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", taskID, i)))
	return int64(binary.BigEndian.Uint64(sum[:8]) & 0x7fffffffffffffff)
}

// pseudoEmbedding derives a stable 8-dim embedding from content for the
// diversity filter. A real deployment injects the vector store's
// embedder; the pipeline only needs stable pairwise distances.
func pseudoEmbedding(text string) []float64 {
	sum := sha256.Sum256([]byte(text))
	out := make([]float64, 8)
	for i := range out {
		out[i] = float64(binary.BigEndian.Uint16(sum[i*2:])) / 65535
	}
	return out
}

// pseudoRisk maps content to a stable self-reported risk in [0, 0.9).
func pseudoRisk(text string) float64 {
	sum := sha256.Sum256([]byte(text))
	return float64(sum[3]%90) / 100
}
