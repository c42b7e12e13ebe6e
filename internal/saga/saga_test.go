package saga

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"conductor/internal/config"
	"conductor/internal/hitl"
	"conductor/internal/logging"
	"conductor/internal/platform"
	"conductor/internal/policy"
	"conductor/internal/provenance"
	"conductor/internal/types"
)

type sagaFixture struct {
	saga  *Saga
	locks *platform.LocalLockService
	repos *platform.LocalRepoPlatform
	store *provenance.Store
	audit *logging.MemoryAuditSink
	hitl  *hitl.Workflow
	ident *platform.LocalIdentityProvider
}

func testSagaConfig() config.SagaConfig {
	return config.SagaConfig{
		LockTTL:         time.Minute,
		LockWaitTimeout: 500 * time.Millisecond,
		CITimeout:       2 * time.Second,
		CIPollInterval:  10 * time.Millisecond,
		RevertCITimeout: time.Second,
		CanaryWindow:    50 * time.Millisecond,
		EmergencySLA:    time.Second,
		CredentialTTL:   time.Minute,
	}
}

func newSagaFixture(t *testing.T, fixForward FixForwardFunc) *sagaFixture {
	t.Helper()
	clock := platform.RealClock{}
	locks := platform.NewLocalLockService(clock)
	repos := platform.NewLocalRepoPlatform()
	vault := platform.NewLocalCredentialVault(clock)
	audit := logging.NewMemoryAuditSink()

	store, err := provenance.Open(filepath.Join(t.TempDir(), "provenance.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	engine, err := policy.NewMangleEngine("", "")
	require.NoError(t, err)
	gate := policy.NewGate(engine, audit, 3)

	ident := platform.NewLocalIdentityProvider()
	owners := platform.NewLocalCodeownerResolver()
	approvals, err := hitl.Open(t.TempDir(), ident, owners, hitl.NopNotifier{}, clock, audit)
	require.NoError(t, err)
	t.Cleanup(func() { approvals.Close() })

	s := New(testSagaConfig(), locks, repos, vault, store, gate, approvals, platform.NewLocalEventBus(), clock, audit, fixForward)
	return &sagaFixture{saga: s, locks: locks, repos: repos, store: store, audit: audit, hitl: approvals, ident: ident}
}

// chainChangeset builds repos a<-b<-c (b depends on a, c on b).
func chainChangeset(id string) *types.MultiRepoChangeSet {
	return &types.MultiRepoChangeSet{
		ID: id,
		Changes: []types.RepoChange{
			{ChangeID: id, RepoID: "repo-a", Branch: "feat", Migration: types.MigrationNone},
			{ChangeID: id, RepoID: "repo-b", Branch: "feat", Migration: types.MigrationNone, Deps: []string{"repo-a"}},
			{ChangeID: id, RepoID: "repo-c", Branch: "feat", Migration: types.MigrationNone, Deps: []string{"repo-b"}},
		},
		Rollback:           types.RollbackRevertPR,
		RequireMergeFreeze: true,
		RiskScore:          0.3,
	}
}

func TestSingleRepoHappyPath(t *testing.T) {
	f := newSagaFixture(t, nil)
	cs := &types.MultiRepoChangeSet{
		ID: "cs-single",
		Changes: []types.RepoChange{
			{ChangeID: "c1", RepoID: "repo-a", Branch: "feat", Migration: types.MigrationNone},
		},
		RequireMergeFreeze: true,
		RiskScore:          0.2,
	}

	res, err := f.saga.Execute(context.Background(), cs)
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, res.Status)
	require.Equal(t, []string{"repo-a"}, res.MergedRepos)
	require.NotEmpty(t, res.CommitSHAs["repo-a"])

	// Audit trail covers lock, credential, PR, merge, release.
	require.NotEmpty(t, f.audit.ByType(logging.AuditLockAcquired))
	require.NotEmpty(t, f.audit.ByType(logging.AuditCredentialIssued))
	require.NotEmpty(t, f.audit.ByType(logging.AuditPROpened))
	require.NotEmpty(t, f.audit.ByType(logging.AuditMerge))
	require.NotEmpty(t, f.audit.ByType(logging.AuditLockReleased))
}

func TestDependencyOrderedMergeWithRollback(t *testing.T) {
	// Scenario: A merges, B's merge fails, rollback reverts A in reverse
	// order and the failed result reports rollback complete with both
	// the original and revert SHAs.
	f := newSagaFixture(t, nil)
	f.repos.ScriptMergeFailure("repo-b", true)

	cs := chainChangeset("cs-rollback")
	res, err := f.saga.Execute(context.Background(), cs)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, res.Status)
	require.True(t, res.RollbackCompleted)
	require.Equal(t, []string{"repo-a"}, res.MergedRepos)
	require.NotEmpty(t, res.CommitSHAs["repo-a"])
	require.NotEmpty(t, res.RevertSHAs["repo-a"])
	require.NotEmpty(t, f.audit.ByType(logging.AuditRollbackAction))

	// Locks were released on the failure path.
	lease, err := f.locks.Acquire(context.Background(), "merge_lock:repo-a", "probe", time.Minute, 100*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, f.locks.Release(context.Background(), lease.Key, lease.FencingToken))
}

func TestExecuteIdempotentOnChangesetID(t *testing.T) {
	f := newSagaFixture(t, nil)
	cs := chainChangeset("cs-idem")

	res1, err := f.saga.Execute(context.Background(), cs)
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, res1.Status)
	prsAfterFirst := f.repos.OpenPRCount("repo-a")

	// Replay: stored result, no new PRs or merges.
	res2, err := f.saga.Execute(context.Background(), chainChangeset("cs-idem"))
	require.NoError(t, err)
	require.Equal(t, res1.CommitSHAs, res2.CommitSHAs)
	require.Equal(t, prsAfterFirst, f.repos.OpenPRCount("repo-a"))
}

func TestCrashReplayAbsorbsPartialMerges(t *testing.T) {
	// Scenario F: merges for A and B were recorded but the process died
	// before the changeset result was stored. Replay must not re-merge.
	f := newSagaFixture(t, nil)
	ctx := context.Background()

	_, err := f.store.RecordResult(ctx, mergeKey("cs-crash", "repo-a"), []byte("sha-precrash-a"))
	require.NoError(t, err)
	_, err = f.store.RecordResult(ctx, mergeKey("cs-crash", "repo-b"), []byte("sha-precrash-b"))
	require.NoError(t, err)

	res, err := f.saga.Execute(ctx, chainChangeset("cs-crash"))
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, res.Status)

	// Pre-crash merges are returned as-is; only repo-c merged anew.
	require.Equal(t, "sha-precrash-a", res.CommitSHAs["repo-a"])
	require.Equal(t, "sha-precrash-b", res.CommitSHAs["repo-b"])
	require.NotEmpty(t, res.CommitSHAs["repo-c"])
}

func TestConcurrentMergeDetected(t *testing.T) {
	f := newSagaFixture(t, nil)
	cs := chainChangeset("cs-concurrent")

	// Seed heads, then advance repo-b externally between baseline and
	// recheck by hooking the lock acquisition window: simplest faithful
	// simulation is to advance after the baseline read, which the local
	// platform lets us do deterministically by pre-reading heads.
	ctx := context.Background()
	_, err := f.repos.GetBranchHead(ctx, "repo-b", "main")
	require.NoError(t, err)

	// Execute with a wrapper lock service that advances the branch head
	// during acquisition.
	f.saga.locks = &headAdvancingLocks{inner: f.locks, repos: f.repos, repo: "repo-b"}
	res, err := f.saga.Execute(ctx, cs)
	var cm *types.ConcurrentMergeError
	require.True(t, errors.As(err, &cm), "got %v", err)
	require.Equal(t, "repo-b", cm.RepoID)
	require.Equal(t, StatusFailed, res.Status)
}

// headAdvancingLocks simulates an external merge landing while the saga
// waits for its locks.
type headAdvancingLocks struct {
	inner    platform.LockService
	repos    *platform.LocalRepoPlatform
	repo     string
	advanced bool
}

func (h *headAdvancingLocks) Acquire(ctx context.Context, key, owner string, ttl, wait time.Duration) (platform.Lease, error) {
	if !h.advanced {
		h.repos.AdvanceBranchHead(h.repo, "main")
		h.advanced = true
	}
	return h.inner.Acquire(ctx, key, owner, ttl, wait)
}

func (h *headAdvancingLocks) Renew(ctx context.Context, key string, token uint64, ttl time.Duration) error {
	return h.inner.Renew(ctx, key, token, ttl)
}

func (h *headAdvancingLocks) Release(ctx context.Context, key string, token uint64) error {
	return h.inner.Release(ctx, key, token)
}

func TestCIFailureTriggersPhase1Rollback(t *testing.T) {
	f := newSagaFixture(t, nil)
	f.repos.ScriptCI("repo-b", platform.CIFailure)

	res, err := f.saga.Execute(context.Background(), chainChangeset("cs-ci-fail"))
	require.NoError(t, err)
	require.Equal(t, StatusFailed, res.Status)
	require.True(t, res.RollbackCompleted)
	require.Empty(t, res.MergedRepos)
	require.NotEmpty(t, f.audit.ByType(logging.AuditPRClosed))
}

func TestCanaryFailure(t *testing.T) {
	f := newSagaFixture(t, nil)
	f.repos.ScriptCanaryFailure("repo-a", true)

	cs := &types.MultiRepoChangeSet{
		ID: "cs-canary",
		Changes: []types.RepoChange{
			{ChangeID: "c1", RepoID: "repo-a", Branch: "feat", Migration: types.MigrationMigrate, RequiresCanary: true},
		},
		RequireMergeFreeze: true,
		RiskScore:          0.4,
	}
	res, err := f.saga.Execute(context.Background(), cs)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, res.Status)
	require.Contains(t, res.Reason, "canary")
	require.Empty(t, res.MergedRepos)
}

func TestContractMigrationOrder(t *testing.T) {
	f := newSagaFixture(t, nil)

	cs := &types.MultiRepoChangeSet{
		ID: "cs-contract",
		Changes: []types.RepoChange{
			{ChangeID: "c1", RepoID: "repo-a", Branch: "feat", Migration: types.MigrationContract},
		},
		RequireMergeFreeze: true,
		RiskScore:          0.4,
	}

	t.Run("blocked_until_upgraded", func(t *testing.T) {
		f.repos.SetServicesUpgraded("repo-a", false)
		res, err := f.saga.Execute(context.Background(), cs)
		require.NoError(t, err)
		require.Equal(t, StatusFailed, res.Status)
		require.Contains(t, res.Reason, "migration order")
	})

	t.Run("proceeds_after_upgrade", func(t *testing.T) {
		f2 := newSagaFixture(t, nil)
		f2.repos.SetServicesUpgraded("repo-a", true)
		res, err := f2.saga.Execute(context.Background(), cs)
		require.NoError(t, err)
		require.Equal(t, StatusSuccess, res.Status)
	})
}

func TestRollForwardStrategy(t *testing.T) {
	accepted := 0
	f := newSagaFixture(t, func(ctx context.Context, cs *types.MultiRepoChangeSet, reason string) error {
		accepted++
		return nil
	})
	f.repos.ScriptMergeFailure("repo-b", true)

	cs := chainChangeset("cs-forward")
	cs.Rollback = types.RollbackRollForward

	res, err := f.saga.Execute(context.Background(), cs)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, res.Status)
	require.True(t, res.RollbackCompleted)
	require.Equal(t, 1, accepted)
	// No revert happened: repo-a's merge stands.
	require.NotEmpty(t, res.CommitSHAs["repo-a"])
	require.Empty(t, res.RevertSHAs)
}

func TestEmergencyForceDeniedWhenNoApprovers(t *testing.T) {
	// The emergency path demands a fresh human approval with a short
	// SLA. With no approvers, the request expires and rollback aborts
	// with a typed denial; rollback_completed stays false.
	f := newSagaFixture(t, nil)
	f.repos.ScriptMergeFailure("repo-b", true)

	cs := chainChangeset("cs-emergency")
	cs.Rollback = types.RollbackEmergencyForce

	res, err := f.saga.Execute(context.Background(), cs)
	var denied *types.EmergencyRollbackDeniedError
	require.True(t, errors.As(err, &denied), "got %v", err)
	require.False(t, res.RollbackCompleted)
	require.Equal(t, []string{"repo-a"}, res.MergedRepos)
}

func TestLockTimeoutIsRetriable(t *testing.T) {
	f := newSagaFixture(t, nil)
	ctx := context.Background()

	// Hold repo-b's lock so acquisition times out.
	lease, err := f.locks.Acquire(ctx, "merge_lock:repo-b", "other", time.Minute, 100*time.Millisecond)
	require.NoError(t, err)
	defer f.locks.Release(ctx, lease.Key, lease.FencingToken)

	_, err = f.saga.Execute(ctx, chainChangeset("cs-locked"))
	var lockErr *types.LockTimeoutError
	require.True(t, errors.As(err, &lockErr), "got %v", err)
	require.True(t, types.Retriable(err))

	// Partial locks were released.
	probe, err := f.locks.Acquire(ctx, "merge_lock:repo-a", "probe", time.Minute, 100*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, f.locks.Release(ctx, probe.Key, probe.FencingToken))
}

func TestTopoOrderDeterministic(t *testing.T) {
	changes := []types.RepoChange{
		{RepoID: "c", Deps: []string{"b"}},
		{RepoID: "b", Deps: []string{"a"}},
		{RepoID: "a"},
		{RepoID: "z"},
	}
	order, err := topoOrder(changes)
	require.NoError(t, err)
	ids := make([]string, len(order))
	for i, rc := range order {
		ids[i] = rc.RepoID
	}
	require.Equal(t, []string{"a", "b", "c", "z"}, ids)
}
