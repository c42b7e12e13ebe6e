// Package platform defines the external collaborator interfaces the core
// depends on: model backends, the repository platform, locks, credentials,
// identity, events, and clocks. The core is generic over these; the Local*
// implementations back the test suite and the CLI's local mode.
package platform

import (
	"context"
	"time"
)

// =============================================================================
// MODEL BACKEND
// =============================================================================

// GenerateParams control one model invocation. Temperature 0 with a seed
// must decode deterministically.
type GenerateParams struct {
	Temperature float64
	Seed        int64
	MaxTokens   int
}

// GenerateResult is the output of one model invocation.
type GenerateResult struct {
	Text       string
	TokenUsage int
	Latency    time.Duration
}

// ModelBackend invokes an LLM. Implementations must honor temperature=0
// deterministically when validators request it.
type ModelBackend interface {
	Generate(ctx context.Context, modelID, prompt string, params GenerateParams) (GenerateResult, error)
}

// =============================================================================
// SANDBOX EXECUTOR
// =============================================================================

// SandboxLimits bound a sandboxed run. Network is deny-by-default; the
// allow-list is supplied per call.
type SandboxLimits struct {
	CPUSeconds    int
	MemoryMB      int
	Timeout       time.Duration
	NetworkAllow  []string
}

// SandboxResult carries everything the validators need from a run.
type SandboxResult struct {
	ExitStatus       int
	Stdout           string
	Stderr           string
	Coverage         float64
	MutationScore    float64
	StaticFindings   []string
	SecurityFindings []string
}

// SandboxExecutor runs a code diff plus tests under resource limits.
type SandboxExecutor interface {
	Run(ctx context.Context, codeDiff, tests string, limits SandboxLimits) (SandboxResult, error)
}

// =============================================================================
// RETRIEVAL
// =============================================================================

// SearchHit is one retrieval result.
type SearchHit struct {
	ID      string
	Score   float64
	Payload map[string]string
}

// VectorStore is the embedding search backend.
type VectorStore interface {
	Search(ctx context.Context, query []float64, filters map[string]string, topK int) ([]SearchHit, error)
	Upsert(ctx context.Context, id string, embedding []float64, payload map[string]string) error
}

// CodeSearch is keyword/BM25 search over indexed repositories.
type CodeSearch interface {
	Search(ctx context.Context, query string, filters map[string]string, topK int) ([]SearchHit, error)
}

// =============================================================================
// REPO PLATFORM
// =============================================================================

// CIState is the observed CI status of a PR.
type CIState string

const (
	CIPending CIState = "pending"
	CISuccess CIState = "success"
	CIFailure CIState = "failure"
)

// CIStatus is a point-in-time CI observation.
type CIStatus struct {
	State   CIState
	Details string
}

// RepoPlatform is the repository-hosting abstraction: PRs, CI, merges, and
// the privileged emergency operations. MergePR must be safe to retry with
// the same (repo, pr).
type RepoPlatform interface {
	OpenPR(ctx context.Context, repo, branch, title, body string) (prID string, err error)
	GetPRCIStatus(ctx context.Context, repo, prID string) (CIStatus, error)
	MergePR(ctx context.Context, repo, prID, strategy string) (commitSHA string, err error)
	ClosePR(ctx context.Context, repo, prID string) error
	CreateRevertPR(ctx context.Context, repo, commitSHA string, autoMerge bool) (prID string, err error)
	GetBranchHead(ctx context.Context, repo, branch string) (commitSHA string, err error)

	// VerifyAllServicesUpgraded answers whether every service depending on
	// repo has deployed the post-expand schema; gates contract merges.
	VerifyAllServicesUpgraded(ctx context.Context, repo string) (bool, error)

	// Privileged emergency operations. Every call is separately audited.
	ForcePush(ctx context.Context, repo, branch, commitSHA, auditToken string) error
	RelaxProtection(ctx context.Context, repo, auditToken string) error
	RestoreProtection(ctx context.Context, repo, auditToken string) error

	// DeployCanary starts a canary for the PR; CanaryHealthy reports its
	// state during the monitoring window.
	DeployCanary(ctx context.Context, repo, prID string) error
	CanaryHealthy(ctx context.Context, repo, prID string) (bool, string, error)
}

// =============================================================================
// LOCK SERVICE
// =============================================================================

// Lease is a held distributed lock with its fencing token.
type Lease struct {
	Key          string
	FencingToken uint64
	ExpiresAt    time.Time
}

// LockService is the distributed lock backend. Fencing tokens are
// monotonic per key; Release with a stale token is silently ignored by
// callers (the service reports it so the caller can log).
type LockService interface {
	Acquire(ctx context.Context, key, owner string, ttl, waitTimeout time.Duration) (Lease, error)
	Renew(ctx context.Context, key string, token uint64, newTTL time.Duration) error
	Release(ctx context.Context, key string, token uint64) error
}

// =============================================================================
// CREDENTIAL VAULT
// =============================================================================

// CredentialHandle references an issued credential. It never carries
// secret material; the repo platform layer dereferences it.
type CredentialHandle struct {
	ID        string
	Resource  string
	ExpiresAt time.Time
}

// CredentialVault issues least-privilege, short-lived scoped credentials.
type CredentialVault interface {
	IssueScopedCredential(ctx context.Context, resource string, permissions []string, ttl time.Duration) (CredentialHandle, error)
	Revoke(ctx context.Context, handle CredentialHandle) error
}

// =============================================================================
// IDENTITY
// =============================================================================

// IdentityProvider is the RBAC/SSO surface.
type IdentityProvider interface {
	IsAuthorized(ctx context.Context, userID, action, resource string) (bool, error)
	GetUsersInGroup(ctx context.Context, group string) ([]string, error)
}

// CodeownerResolver maps repos and files to owning users.
type CodeownerResolver interface {
	Resolve(ctx context.Context, repos, files []string) ([]string, error)
}

// =============================================================================
// EVENT BUS
// =============================================================================

// Event is one domain event. Delivery is at-least-once; consumers must be
// idempotent.
type Event struct {
	Type      string
	Key       string
	Payload   map[string]string
	Timestamp time.Time
}

// EventBus is at-least-once publish/subscribe for domain events.
type EventBus interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(eventType string, handler func(Event)) (unsubscribe func())
}

// Domain event types.
const (
	EventTaskStateChanged = "task_state_changed"
	EventHITLDecision     = "hitl_decision"
	EventMergeCompleted   = "merge_completed"
	EventRollbackStarted  = "rollback_started"
	EventRunCompleted     = "run_completed"
)

// =============================================================================
// CLOCK
// =============================================================================

// Clock abstracts wall and monotonic time so SLA and timeout behavior is
// deterministic under test.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Sleep(ctx context.Context, d time.Duration) error
}
