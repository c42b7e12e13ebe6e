// Package saga applies a MultiRepoChangeSet atomically across repos:
// distributed merge locks with fencing tokens, PR creation under scoped
// credentials, parallel CI waits, dependency-ordered merges honoring the
// expand/migrate/contract discipline, and choreographed rollback.
package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"conductor/internal/config"
	"conductor/internal/hitl"
	"conductor/internal/logging"
	"conductor/internal/platform"
	"conductor/internal/policy"
	"conductor/internal/provenance"
	"conductor/internal/types"
)

// ResultStatus is the saga outcome discriminator.
type ResultStatus string

const (
	StatusSuccess ResultStatus = "success"
	StatusFailed  ResultStatus = "failed"
)

// Result is the saga's answer, persisted in the provenance store keyed
// by the changeset id.
type Result struct {
	Status            ResultStatus      `json:"status"`
	MergedRepos       []string          `json:"merged_repos,omitempty"`
	CommitSHAs        map[string]string `json:"commit_shas,omitempty"`
	Reason            string            `json:"reason,omitempty"`
	RollbackCompleted bool              `json:"rollback_completed"`
	RevertSHAs        map[string]string `json:"revert_shas,omitempty"`
}

// FixForwardFunc accepts a roll-forward task into the orchestrator with
// elevated priority. Returning nil means the task was accepted.
type FixForwardFunc func(ctx context.Context, cs *types.MultiRepoChangeSet, reason string) error

// Saga drives changeset execution.
type Saga struct {
	cfg        config.SagaConfig
	locks      platform.LockService
	repos      platform.RepoPlatform
	vault      platform.CredentialVault
	store      *provenance.Store
	gate       *policy.Gate
	approvals  *hitl.Workflow
	bus        platform.EventBus
	clock      platform.Clock
	audit      logging.AuditSink
	fixForward FixForwardFunc
}

// New wires a saga executor.
func New(cfg config.SagaConfig, locks platform.LockService, repos platform.RepoPlatform, vault platform.CredentialVault, store *provenance.Store, gate *policy.Gate, approvals *hitl.Workflow, bus platform.EventBus, clock platform.Clock, audit logging.AuditSink, fixForward FixForwardFunc) *Saga {
	if clock == nil {
		clock = platform.RealClock{}
	}
	return &Saga{
		cfg: cfg, locks: locks, repos: repos, vault: vault, store: store,
		gate: gate, approvals: approvals, bus: bus, clock: clock, audit: audit,
		fixForward: fixForward,
	}
}

// execState tracks one execution attempt.
type execState struct {
	cs            *types.MultiRepoChangeSet
	leases        map[string]platform.Lease  // repo -> lease
	baselineHeads map[string]string          // repo -> main head before merging
	prIDs         map[string]string          // repo -> PR id
	merged        []string                   // repos merged, in merge order
	shas          map[string]string          // repo -> merge commit
}

// Execute applies the changeset, or rolls back. Idempotent on the
// changeset id: a stored result returns without side effects, and each
// per-repo merge is absorbed by its own (changeset, repo) key, so a
// crash-and-replay never merges twice (scenario: restart after partial
// merge).
func (s *Saga) Execute(ctx context.Context, cs *types.MultiRepoChangeSet) (Result, error) {
	timer := logging.StartTimer(logging.CategorySaga, fmt.Sprintf("saga(%s)", cs.ID))
	defer timer.StopWithInfo()

	if err := cs.Validate(); err != nil {
		return Result{}, err
	}

	// 1. Idempotency check.
	if stored, err := s.store.GetResult(ctx, resultKey(cs.ID)); err == nil {
		var r Result
		if jerr := json.Unmarshal(stored, &r); jerr != nil {
			return Result{}, &types.PISInconsistencyError{Key: resultKey(cs.ID), Detail: "stored saga result undecodable"}
		}
		logging.Saga("changeset %s: returning stored result (%s)", cs.ID, r.Status)
		return r, nil
	} else if !errors.Is(err, types.ErrNotFound) && !errors.Is(err, provenance.ErrInFlight) {
		return Result{}, err
	}

	st := &execState{
		cs:            cs,
		leases:        make(map[string]platform.Lease),
		baselineHeads: make(map[string]string),
		prIDs:         make(map[string]string),
		shas:          make(map[string]string),
	}

	// 8. Locks release on every exit path; stale tokens are ignored.
	defer s.releaseLocks(st)

	res, err := s.run(ctx, st)
	if err != nil {
		return res, err
	}

	// 7. Record the final result.
	blob, merr := json.Marshal(res)
	if merr != nil {
		return res, fmt.Errorf("marshal saga result: %w", merr)
	}
	if _, rerr := s.store.RecordResult(ctx, resultKey(cs.ID), blob); rerr != nil {
		return res, rerr
	}
	return res, nil
}

func resultKey(changesetID string) string { return "saga:" + changesetID }

func mergeKey(changesetID, repoID string) string {
	return fmt.Sprintf("merge:%s:%s", changesetID, repoID)
}

func (s *Saga) run(ctx context.Context, st *execState) (Result, error) {
	cs := st.cs

	// 2. Acquire merge locks under the freeze, noting branch heads first
	// so post-acquisition advancement is detectable.
	for _, rc := range cs.Changes {
		head, err := s.repos.GetBranchHead(ctx, rc.RepoID, "main")
		if err != nil {
			return Result{}, fmt.Errorf("read %s head: %w", rc.RepoID, err)
		}
		st.baselineHeads[rc.RepoID] = head
	}
	if cs.RequireMergeFreeze {
		if err := s.acquireLocks(ctx, st); err != nil {
			return Result{}, err
		}
	}

	// 3. External-merge detection before any write.
	for _, rc := range cs.Changes {
		head, err := s.repos.GetBranchHead(ctx, rc.RepoID, "main")
		if err != nil {
			return Result{}, fmt.Errorf("recheck %s head: %w", rc.RepoID, err)
		}
		if head != st.baselineHeads[rc.RepoID] {
			cmErr := &types.ConcurrentMergeError{RepoID: rc.RepoID, ExpectedSHA: st.baselineHeads[rc.RepoID], ActualSHA: head}
			logging.Get(logging.CategorySaga).Warn("changeset %s: %v", cs.ID, cmErr)
			return Result{Status: StatusFailed, Reason: cmErr.Error(), RollbackCompleted: true}, cmErr
		}
	}

	// 4. Open PRs under per-repo scoped credentials.
	if err := s.openPRs(ctx, st); err != nil {
		return Result{}, err
	}

	// 5. Wait for CI everywhere; any failure is a Phase-1 rollback (no
	// merges have happened yet).
	if err := s.waitAllCI(ctx, st); err != nil {
		s.phase1Rollback(ctx, st)
		return Result{Status: StatusFailed, Reason: err.Error(), RollbackCompleted: true}, nil
	}

	// 6. Dependency-ordered merges.
	order, err := topoOrder(cs.Changes)
	if err != nil {
		return Result{}, err
	}
	for _, rc := range order {
		if err := s.mergeOne(ctx, st, rc); err != nil {
			logging.Get(logging.CategorySaga).Error("changeset %s: merge of %s failed: %v", cs.ID, rc.RepoID, err)
			return s.phase2Rollback(ctx, st, err)
		}
	}

	if s.bus != nil {
		_ = s.bus.Publish(ctx, platform.Event{
			Type: platform.EventMergeCompleted,
			Key:  cs.ID,
			Payload: map[string]string{
				"changeset": cs.ID,
				"repos":     fmt.Sprintf("%d", len(st.merged)),
			},
		})
	}
	return Result{Status: StatusSuccess, MergedRepos: st.merged, CommitSHAs: st.shas}, nil
}

// acquireLocks takes merge locks in sorted repo order. Partial
// acquisition releases everything already held and surfaces a
// retriable error.
func (s *Saga) acquireLocks(ctx context.Context, st *execState) error {
	repoIDs := make([]string, 0, len(st.cs.Changes))
	for _, rc := range st.cs.Changes {
		repoIDs = append(repoIDs, rc.RepoID)
	}
	sort.Strings(repoIDs)

	for _, repo := range repoIDs {
		lease, err := s.locks.Acquire(ctx, "merge_lock:"+repo, st.cs.ID, s.cfg.LockTTL, s.cfg.LockWaitTimeout)
		if err != nil {
			s.releaseLocks(st)
			return err
		}
		st.leases[repo] = lease
		if aerr := s.auditAppend(logging.AuditEntry{
			EventType:   logging.AuditLockAcquired,
			ChangesetID: st.cs.ID,
			RepoID:      repo,
			Success:     true,
			Fields:      map[string]interface{}{"fencing_token": lease.FencingToken},
		}); aerr != nil {
			s.releaseLocks(st)
			return aerr
		}
	}
	return nil
}

func (s *Saga) releaseLocks(st *execState) {
	for repo, lease := range st.leases {
		err := s.locks.Release(context.Background(), lease.Key, lease.FencingToken)
		var stale *types.StaleTokenError
		if err != nil && !errors.As(err, &stale) {
			logging.Get(logging.CategorySaga).Warn("release lock %s: %v", lease.Key, err)
		}
		if aerr := s.auditAppend(logging.AuditEntry{
			EventType:   logging.AuditLockReleased,
			ChangesetID: st.cs.ID,
			RepoID:      repo,
			Success:     err == nil,
			Fields:      map[string]interface{}{"fencing_token": lease.FencingToken},
		}); aerr != nil {
			logging.Get(logging.CategorySaga).Error("audit lock release: %v", aerr)
		}
		delete(st.leases, repo)
	}
}

// openPRs issues a least-privilege credential per repo and opens PRs.
// Credential ids (never secrets) land in the audit log.
func (s *Saga) openPRs(ctx context.Context, st *execState) error {
	for i := range st.cs.Changes {
		rc := &st.cs.Changes[i]
		cred, err := s.vault.IssueScopedCredential(ctx, rc.RepoID, []string{"pr:write"}, s.cfg.CredentialTTL)
		if err != nil {
			return fmt.Errorf("issue credential for %s: %w", rc.RepoID, err)
		}
		rc.CredentialHandle = cred.ID
		if aerr := s.auditAppend(logging.AuditEntry{
			EventType:   logging.AuditCredentialIssued,
			ChangesetID: st.cs.ID,
			RepoID:      rc.RepoID,
			Target:      cred.ID,
			Success:     true,
		}); aerr != nil {
			return aerr
		}

		// PR creation is idempotent keyed by (changeset, repo): a replay
		// after a crash reuses the PR already opened.
		payload, err := s.store.Do(ctx, fmt.Sprintf("pr:%s:%s", st.cs.ID, rc.RepoID), st.cs.ID,
			func(ctx context.Context) ([]byte, error) {
				prID, oerr := s.repos.OpenPR(ctx, rc.RepoID, rc.Branch,
					fmt.Sprintf("conductor: %s", st.cs.ID),
					fmt.Sprintf("Automated change %s (%s migration)", rc.ChangeID, rc.Migration))
				if oerr != nil {
					return nil, oerr
				}
				return []byte(prID), nil
			})
		if err != nil {
			return fmt.Errorf("open PR on %s: %w", rc.RepoID, err)
		}
		prID := string(payload)
		st.prIDs[rc.RepoID] = prID
		rc.State = types.RepoPROpen
		if aerr := s.auditAppend(logging.AuditEntry{
			EventType:   logging.AuditPROpened,
			ChangesetID: st.cs.ID,
			RepoID:      rc.RepoID,
			Target:      prID,
			Success:     true,
		}); aerr != nil {
			return aerr
		}
	}
	return nil
}

// waitAllCI polls every PR in parallel under the global CI timeout.
func (s *Saga) waitAllCI(ctx context.Context, st *execState) error {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.CITimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(cctx)
	for _, rc := range st.cs.Changes {
		rc := rc
		g.Go(func() error {
			return s.waitCI(gctx, rc.RepoID, st.prIDs[rc.RepoID])
		})
	}
	if err := g.Wait(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("CI wait exceeded %v: %w", s.cfg.CITimeout, err)
		}
		return err
	}
	for i := range st.cs.Changes {
		st.cs.Changes[i].State = types.RepoCIPassing
	}
	return nil
}

func (s *Saga) waitCI(ctx context.Context, repo, prID string) error {
	for {
		status, err := s.repos.GetPRCIStatus(ctx, repo, prID)
		if err == nil {
			switch status.State {
			case platform.CISuccess:
				logging.SagaDebug("CI passing on %s %s", repo, prID)
				return nil
			case platform.CIFailure:
				return fmt.Errorf("CI failed on %s (%s): %s", repo, prID, status.Details)
			}
		} else {
			logging.Get(logging.CategorySaga).Warn("CI poll %s/%s: %v", repo, prID, err)
		}
		if serr := s.clock.Sleep(ctx, s.cfg.CIPollInterval); serr != nil {
			return serr
		}
	}
}

// mergeOne merges one repo honoring its migration type. The merge itself
// is idempotent keyed by (changeset, repo): on replay the stored commit
// is returned and no second merge happens.
func (s *Saga) mergeOne(ctx context.Context, st *execState, rc types.RepoChange) error {
	switch rc.Migration {
	case types.MigrationMigrate:
		if rc.RequiresCanary {
			if err := s.runCanary(ctx, st, rc); err != nil {
				return err
			}
		}
	case types.MigrationContract:
		upgraded, err := s.repos.VerifyAllServicesUpgraded(ctx, rc.RepoID)
		if err != nil {
			return fmt.Errorf("verify upgrades for %s: %w", rc.RepoID, err)
		}
		if !upgraded {
			return &types.MigrationOrderError{RepoID: rc.RepoID, Detail: "dependent services not on post-expand schema"}
		}
	}

	// Merge-time policy authorization; a freeze imposed mid-saga denies.
	if s.gate != nil {
		input := map[string]string{
			"repo":                rc.RepoID,
			"merge_freeze_active": "false",
			"risk":                fmt.Sprintf("%.2f", st.cs.RiskScore),
			"risk_tier":           string(types.RiskLevelFor(st.cs.RiskScore)),
		}
		if _, err := s.gate.Evaluate(ctx, policy.SubjectMerge, input); err != nil {
			return err
		}
	}

	// Invariant: no merge without holding the repo's lock when freezing.
	if st.cs.RequireMergeFreeze {
		if _, held := st.leases[rc.RepoID]; !held {
			return fmt.Errorf("merge of %s attempted without holding its lock", rc.RepoID)
		}
	}

	payload, err := s.store.Do(ctx, mergeKey(st.cs.ID, rc.RepoID), st.cs.ID, func(ctx context.Context) ([]byte, error) {
		sha, merr := s.repos.MergePR(ctx, rc.RepoID, st.prIDs[rc.RepoID], "merge")
		if merr != nil {
			return nil, merr
		}
		return []byte(sha), nil
	})
	if err != nil {
		return err
	}
	sha := string(payload)

	st.merged = append(st.merged, rc.RepoID)
	st.shas[rc.RepoID] = sha
	logging.Saga("changeset %s: merged %s -> %s", st.cs.ID, rc.RepoID, sha)
	return s.auditAppend(logging.AuditEntry{
		EventType:   logging.AuditMerge,
		ChangesetID: st.cs.ID,
		RepoID:      rc.RepoID,
		Target:      sha,
		Success:     true,
		Fields:      map[string]interface{}{"migration": string(rc.Migration)},
	})
}

// runCanary deploys a canary and watches it for the configured window.
func (s *Saga) runCanary(ctx context.Context, st *execState, rc types.RepoChange) error {
	prID := st.prIDs[rc.RepoID]
	if err := s.repos.DeployCanary(ctx, rc.RepoID, prID); err != nil {
		return fmt.Errorf("deploy canary on %s: %w", rc.RepoID, err)
	}
	if aerr := s.auditAppend(logging.AuditEntry{
		EventType:   logging.AuditCanary,
		ChangesetID: st.cs.ID,
		RepoID:      rc.RepoID,
		Target:      prID,
		Success:     true,
		Message:     "canary deployed",
	}); aerr != nil {
		return aerr
	}

	deadline := s.clock.Now().Add(s.cfg.CanaryWindow)
	for s.clock.Now().Before(deadline) {
		healthy, detail, err := s.repos.CanaryHealthy(ctx, rc.RepoID, prID)
		if err != nil {
			logging.Get(logging.CategorySaga).Warn("canary poll %s: %v", rc.RepoID, err)
		} else if !healthy {
			return &types.CanaryFailedError{RepoID: rc.RepoID, Detail: detail}
		}
		if serr := s.clock.Sleep(ctx, s.cfg.CIPollInterval); serr != nil {
			return serr
		}
	}
	logging.Saga("canary on %s healthy through %v window", rc.RepoID, s.cfg.CanaryWindow)
	return nil
}

// topoOrder sorts changes so dependencies merge first. Deterministic:
// ties break by repo id.
func topoOrder(changes []types.RepoChange) ([]types.RepoChange, error) {
	byID := make(map[string]types.RepoChange, len(changes))
	indegree := make(map[string]int, len(changes))
	dependents := make(map[string][]string, len(changes))
	for _, rc := range changes {
		byID[rc.RepoID] = rc
		indegree[rc.RepoID] += 0
		for _, dep := range rc.Deps {
			indegree[rc.RepoID]++
			dependents[dep] = append(dependents[dep], rc.RepoID)
		}
	}

	var frontier []string
	for id, d := range indegree {
		if d == 0 {
			frontier = append(frontier, id)
		}
	}
	sort.Strings(frontier)

	var order []types.RepoChange
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		order = append(order, byID[id])
		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				frontier = append(frontier, dep)
			}
		}
		sort.Strings(frontier)
	}
	if len(order) != len(changes) {
		return nil, fmt.Errorf("repo dependency cycle in changeset")
	}
	return order, nil
}

func (s *Saga) auditAppend(entry logging.AuditEntry) error {
	if s.audit == nil {
		return nil
	}
	return s.audit.Append(entry)
}
