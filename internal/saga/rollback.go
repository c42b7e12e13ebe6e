package saga

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"conductor/internal/hitl"
	"conductor/internal/logging"
	"conductor/internal/platform"
	"conductor/internal/types"
)

// phase1Rollback compensates before any merge happened: close PRs.
// Locks release in the Execute defer.
func (s *Saga) phase1Rollback(ctx context.Context, st *execState) {
	logging.Saga("changeset %s: phase-1 rollback (closing %d PRs)", st.cs.ID, len(st.prIDs))
	for repo, prID := range st.prIDs {
		if err := s.repos.ClosePR(ctx, repo, prID); err != nil {
			logging.Get(logging.CategorySaga).Warn("close PR %s on %s: %v", prID, repo, err)
		}
		if aerr := s.auditAppend(logging.AuditEntry{
			EventType:   logging.AuditPRClosed,
			ChangesetID: st.cs.ID,
			RepoID:      repo,
			Target:      prID,
			Success:     true,
			Message:     "phase-1 rollback",
		}); aerr != nil {
			logging.Get(logging.CategorySaga).Error("audit PR close: %v", aerr)
		}
	}
}

// phase2Rollback compensates already-merged repos after a merge failure,
// per the changeset's strategy. Returns the failed Result; the saga's
// caller records it.
func (s *Saga) phase2Rollback(ctx context.Context, st *execState, cause error) (Result, error) {
	if s.bus != nil {
		_ = s.bus.Publish(ctx, platform.Event{
			Type:    platform.EventRollbackStarted,
			Key:     st.cs.ID,
			Payload: map[string]string{"reason": cause.Error()},
		})
	}

	res := Result{
		Status:      StatusFailed,
		Reason:      cause.Error(),
		MergedRepos: append([]string(nil), st.merged...),
		CommitSHAs:  copyMap(st.shas),
		RevertSHAs:  make(map[string]string),
	}

	switch st.cs.Rollback {
	case types.RollbackRollForward:
		return s.rollForward(ctx, st, res, cause)
	case types.RollbackEmergencyForce:
		return s.emergencyForce(ctx, st, res)
	default: // revert_pr
		return s.revertPRs(ctx, st, res)
	}
}

// revertPRs opens auto-merge revert PRs in reverse dependency order. A
// revert that fails its own CI escalates to emergency force.
func (s *Saga) revertPRs(ctx context.Context, st *execState, res Result) (Result, error) {
	logging.Saga("changeset %s: revert_pr rollback of %d repos", st.cs.ID, len(st.merged))

	for i := len(st.merged) - 1; i >= 0; i-- {
		repo := st.merged[i]
		sha := st.shas[repo]

		prID, err := s.repos.CreateRevertPR(ctx, repo, sha, true)
		if err != nil {
			logging.Get(logging.CategorySaga).Error("revert PR on %s: %v", repo, err)
			return s.emergencyForce(ctx, st, res)
		}
		if aerr := s.auditAppend(logging.AuditEntry{
			EventType:   logging.AuditRollbackAction,
			ChangesetID: st.cs.ID,
			RepoID:      repo,
			Target:      prID,
			Success:     true,
			Message:     "revert PR opened for " + sha,
		}); aerr != nil {
			return res, aerr
		}

		cctx, cancel := context.WithTimeout(ctx, s.cfg.RevertCITimeout)
		ciErr := s.waitCI(cctx, repo, prID)
		cancel()
		if ciErr != nil {
			logging.Get(logging.CategorySaga).Error("revert CI on %s: %v", repo, ciErr)
			return s.emergencyForce(ctx, st, res)
		}

		revertSHA, err := s.repos.MergePR(ctx, repo, prID, "merge")
		if err != nil {
			logging.Get(logging.CategorySaga).Error("merge revert on %s: %v", repo, err)
			return s.emergencyForce(ctx, st, res)
		}
		res.RevertSHAs[repo] = revertSHA
		if aerr := s.auditAppend(logging.AuditEntry{
			EventType:   logging.AuditRollbackAction,
			ChangesetID: st.cs.ID,
			RepoID:      repo,
			Target:      revertSHA,
			Success:     true,
			Message:     "revert merged",
		}); aerr != nil {
			return res, aerr
		}
	}

	res.RollbackCompleted = true
	logging.Saga("changeset %s: rollback complete", st.cs.ID)
	return res, nil
}

// emergencyForce is the escalation path: a human approval with a short
// SLA gates a privileged, audited, time-boxed force-push revert under
// relaxed branch protection. Denial aborts rollback.
func (s *Saga) emergencyForce(ctx context.Context, st *execState, res Result) (Result, error) {
	if s.approvals == nil {
		res.RollbackCompleted = false
		return res, &types.EmergencyRollbackDeniedError{ChangesetID: st.cs.ID}
	}

	reqID := "emergency-" + st.cs.ID + "-" + uuid.NewString()[:8]
	pol := hitl.PolicyForTier(types.RiskCritical)
	pol.SLA = s.cfg.EmergencySLA
	req, err := s.approvals.CreateApprovalRequest(ctx, hitl.CreateRequestInput{
		ChangeID:       st.cs.ID,
		RiskTier:       types.RiskCritical,
		Requester:      "conductor-saga",
		Repos:          res.MergedRepos,
		Evidence:       hitl.EvidenceBundle{Rationale: "emergency force rollback: " + res.Reason},
		PolicyOverride: &pol,
	}, reqID)
	if err != nil {
		res.RollbackCompleted = false
		return res, err
	}

	final, err := s.approvals.WaitTerminal(ctx, req.ID, 0)
	if err != nil {
		res.RollbackCompleted = false
		return res, err
	}
	if final.Status != hitl.StatusApproved {
		logging.Get(logging.CategorySaga).Error("changeset %s: emergency rollback %s", st.cs.ID, final.Status)
		res.RollbackCompleted = false
		return res, &types.EmergencyRollbackDeniedError{ChangesetID: st.cs.ID, RequestID: req.ID}
	}

	// Approval granted: privileged time-boxed credential, protections
	// relaxed, force-push reverts in reverse order, protections restored.
	cred, err := s.vault.IssueScopedCredential(ctx, "emergency:"+st.cs.ID, []string{"force_push"}, s.cfg.EmergencySLA)
	if err != nil {
		res.RollbackCompleted = false
		return res, err
	}
	auditToken := cred.ID
	if aerr := s.auditAppend(logging.AuditEntry{
		EventType:   logging.AuditCredentialIssued,
		ChangesetID: st.cs.ID,
		Target:      cred.ID,
		Actor:       "conductor-saga",
		Success:     true,
		Message:     "privileged emergency credential",
	}); aerr != nil {
		return res, aerr
	}

	for i := len(st.merged) - 1; i >= 0; i-- {
		repo := st.merged[i]
		baseline := st.baselineHeads[repo]

		if err := s.repos.RelaxProtection(ctx, repo, auditToken); err != nil {
			res.RollbackCompleted = false
			return res, fmt.Errorf("relax protection on %s: %w", repo, err)
		}
		if aerr := s.auditAppend(logging.AuditEntry{
			EventType:   logging.AuditProtectionChange,
			ChangesetID: st.cs.ID,
			RepoID:      repo,
			Actor:       "conductor-saga",
			Success:     true,
			Message:     "protection relaxed (approved " + req.ID + ")",
		}); aerr != nil {
			return res, aerr
		}

		pushErr := s.repos.ForcePush(ctx, repo, "main", baseline, auditToken)
		if aerr := s.auditAppend(logging.AuditEntry{
			EventType:   logging.AuditForcePush,
			ChangesetID: st.cs.ID,
			RepoID:      repo,
			Target:      baseline,
			Actor:       "conductor-saga",
			Success:     pushErr == nil,
			Message:     "force-push revert (approved " + req.ID + ")",
		}); aerr != nil {
			return res, aerr
		}

		restoreErr := s.repos.RestoreProtection(ctx, repo, auditToken)
		if aerr := s.auditAppend(logging.AuditEntry{
			EventType:   logging.AuditProtectionChange,
			ChangesetID: st.cs.ID,
			RepoID:      repo,
			Actor:       "conductor-saga",
			Success:     restoreErr == nil,
			Message:     "protection restored",
		}); aerr != nil {
			return res, aerr
		}
		if pushErr != nil {
			res.RollbackCompleted = false
			return res, fmt.Errorf("force push on %s: %w", repo, pushErr)
		}
		if restoreErr != nil {
			res.RollbackCompleted = false
			return res, fmt.Errorf("restore protection on %s: %w", repo, restoreErr)
		}
		res.RevertSHAs[repo] = baseline
	}

	_ = s.vault.Revoke(ctx, cred)
	res.RollbackCompleted = true
	logging.Saga("changeset %s: emergency rollback complete", st.cs.ID)
	return res, nil
}

// rollForward skips reverting data-bearing changes: a fix-forward task
// enters the orchestrator at elevated priority and rollback is complete
// once that task is accepted.
func (s *Saga) rollForward(ctx context.Context, st *execState, res Result, cause error) (Result, error) {
	if s.fixForward == nil {
		res.RollbackCompleted = false
		return res, fmt.Errorf("roll_forward strategy with no fix-forward sink")
	}
	if err := s.fixForward(ctx, st.cs, cause.Error()); err != nil {
		res.RollbackCompleted = false
		return res, fmt.Errorf("fix-forward task not accepted: %w", err)
	}
	if aerr := s.auditAppend(logging.AuditEntry{
		EventType:   logging.AuditRollbackAction,
		ChangesetID: st.cs.ID,
		Success:     true,
		Message:     "fix-forward task accepted; no revert performed",
	}); aerr != nil {
		return res, aerr
	}
	res.RollbackCompleted = true
	logging.Saga("changeset %s: roll-forward accepted", st.cs.ID)
	return res, nil
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
