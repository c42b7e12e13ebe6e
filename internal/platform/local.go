package platform

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"conductor/internal/logging"
	"conductor/internal/types"
)

// Local implementations of the external interfaces. They back the test
// suite and the CLI's local mode; semantics match the contracts in
// interfaces.go (fencing tokens, at-least-once events, idempotent merges).

// =============================================================================
// LOCAL LOCK SERVICE
// =============================================================================

type lockState struct {
	owner     string
	token     uint64
	expiresAt time.Time
}

// LocalLockService is an in-process lock backend with monotonic fencing
// tokens per key and TTL expiry.
type LocalLockService struct {
	mu     sync.Mutex
	clock  Clock
	locks  map[string]*lockState
	tokens map[string]uint64 // highest token ever issued per key
}

// NewLocalLockService creates an empty lock service.
func NewLocalLockService(clock Clock) *LocalLockService {
	if clock == nil {
		clock = RealClock{}
	}
	return &LocalLockService{
		clock:  clock,
		locks:  make(map[string]*lockState),
		tokens: make(map[string]uint64),
	}
}

// Acquire polls for the lock until waitTimeout. Tokens increase per key
// across all acquisitions, including after expiry.
func (s *LocalLockService) Acquire(ctx context.Context, key, owner string, ttl, waitTimeout time.Duration) (Lease, error) {
	deadline := s.clock.Now().Add(waitTimeout)
	for {
		select {
		case <-ctx.Done():
			return Lease{}, &types.CanceledError{Op: "lock acquire " + key}
		default:
		}

		s.mu.Lock()
		cur, held := s.locks[key]
		if held && s.clock.Now().After(cur.expiresAt) {
			delete(s.locks, key)
			held = false
		}
		if !held {
			s.tokens[key]++
			st := &lockState{owner: owner, token: s.tokens[key], expiresAt: s.clock.Now().Add(ttl)}
			s.locks[key] = st
			s.mu.Unlock()
			logging.PlatformDebug("lock %s acquired by %s (token=%d)", key, owner, st.token)
			return Lease{Key: key, FencingToken: st.token, ExpiresAt: st.expiresAt}, nil
		}
		s.mu.Unlock()

		if !s.clock.Now().Before(deadline) {
			return Lease{}, &types.LockTimeoutError{RepoID: key, Wait: waitTimeout}
		}
		if err := s.clock.Sleep(ctx, 20*time.Millisecond); err != nil {
			return Lease{}, &types.CanceledError{Op: "lock acquire " + key}
		}
	}
}

// Renew extends the TTL if the token is still current.
func (s *LocalLockService) Renew(ctx context.Context, key string, token uint64, newTTL time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, held := s.locks[key]
	if !held || cur.token != token {
		return &types.StaleTokenError{Key: key, Token: token}
	}
	cur.expiresAt = s.clock.Now().Add(newTTL)
	return nil
}

// Release frees the lock if the token is current; stale tokens get a
// typed error the caller ignores by contract.
func (s *LocalLockService) Release(ctx context.Context, key string, token uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, held := s.locks[key]
	if !held || cur.token != token {
		return &types.StaleTokenError{Key: key, Token: token}
	}
	delete(s.locks, key)
	logging.PlatformDebug("lock %s released (token=%d)", key, token)
	return nil
}

// =============================================================================
// LOCAL CREDENTIAL VAULT
// =============================================================================

// LocalCredentialVault issues opaque handles; no secret material exists.
type LocalCredentialVault struct {
	mu      sync.Mutex
	clock   Clock
	issued  map[string]CredentialHandle
	revoked map[string]bool
}

// NewLocalCredentialVault creates an empty vault.
func NewLocalCredentialVault(clock Clock) *LocalCredentialVault {
	if clock == nil {
		clock = RealClock{}
	}
	return &LocalCredentialVault{
		clock:   clock,
		issued:  make(map[string]CredentialHandle),
		revoked: make(map[string]bool),
	}
}

// IssueScopedCredential mints a single-use handle scoped to one resource.
func (v *LocalCredentialVault) IssueScopedCredential(ctx context.Context, resource string, permissions []string, ttl time.Duration) (CredentialHandle, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	h := CredentialHandle{
		ID:        "cred-" + uuid.NewString(),
		Resource:  resource,
		ExpiresAt: v.clock.Now().Add(ttl),
	}
	v.issued[h.ID] = h
	logging.PlatformDebug("credential %s issued for %s (ttl=%v)", h.ID, resource, ttl)
	return h, nil
}

// Revoke invalidates a handle.
func (v *LocalCredentialVault) Revoke(ctx context.Context, handle CredentialHandle) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.revoked[handle.ID] = true
	return nil
}

// =============================================================================
// LOCAL IDENTITY PROVIDER
// =============================================================================

// LocalIdentityProvider answers RBAC checks from static group membership.
type LocalIdentityProvider struct {
	mu     sync.RWMutex
	groups map[string][]string          // group -> users
	grants map[string]map[string]bool   // user -> action -> allowed
}

// NewLocalIdentityProvider creates an empty provider.
func NewLocalIdentityProvider() *LocalIdentityProvider {
	return &LocalIdentityProvider{
		groups: make(map[string][]string),
		grants: make(map[string]map[string]bool),
	}
}

// AddUserToGroup registers a user in a group.
func (p *LocalIdentityProvider) AddUserToGroup(user, group string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.groups[group] = append(p.groups[group], user)
}

// Grant allows a user an action on any resource.
func (p *LocalIdentityProvider) Grant(user, action string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.grants[user] == nil {
		p.grants[user] = make(map[string]bool)
	}
	p.grants[user][action] = true
}

// IsAuthorized checks an explicit grant or group-derived role grant.
func (p *LocalIdentityProvider) IsAuthorized(ctx context.Context, userID, action, resource string) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.grants[userID][action] {
		return true, nil
	}
	// approve:<role> is implied by membership in group <role>.
	if len(action) > 8 && action[:8] == "approve:" {
		role := action[8:]
		for _, u := range p.groups[role] {
			if u == userID {
				return true, nil
			}
		}
	}
	return false, nil
}

// GetUsersInGroup lists group members.
func (p *LocalIdentityProvider) GetUsersInGroup(ctx context.Context, group string) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	users := make([]string, len(p.groups[group]))
	copy(users, p.groups[group])
	return users, nil
}

// =============================================================================
// LOCAL CODEOWNER RESOLVER
// =============================================================================

// LocalCodeownerResolver resolves owners from a static repo map.
type LocalCodeownerResolver struct {
	mu     sync.RWMutex
	owners map[string][]string // repo -> users
}

// NewLocalCodeownerResolver creates an empty resolver.
func NewLocalCodeownerResolver() *LocalCodeownerResolver {
	return &LocalCodeownerResolver{owners: make(map[string][]string)}
}

// SetOwners registers the owners of a repo.
func (r *LocalCodeownerResolver) SetOwners(repo string, users ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.owners[repo] = users
}

// Resolve returns the union of owners across the given repos.
func (r *LocalCodeownerResolver) Resolve(ctx context.Context, repos, files []string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	for _, repo := range repos {
		for _, u := range r.owners[repo] {
			if _, ok := seen[u]; !ok {
				seen[u] = struct{}{}
				out = append(out, u)
			}
		}
	}
	return out, nil
}

// =============================================================================
// LOCAL EVENT BUS
// =============================================================================

// LocalEventBus delivers events synchronously to subscribers. A handler
// panic is swallowed after logging; redelivery is the publisher's retry.
type LocalEventBus struct {
	mu       sync.RWMutex
	handlers map[string]map[int]func(Event)
	nextID   int
}

// NewLocalEventBus creates an empty bus.
func NewLocalEventBus() *LocalEventBus {
	return &LocalEventBus{handlers: make(map[string]map[int]func(Event))}
}

// Publish delivers the event to every subscriber of its type.
func (b *LocalEventBus) Publish(ctx context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	b.mu.RLock()
	hs := make([]func(Event), 0, len(b.handlers[event.Type]))
	for _, h := range b.handlers[event.Type] {
		hs = append(hs, h)
	}
	b.mu.RUnlock()

	for _, h := range hs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logging.Get(logging.CategoryEvents).Error("event handler panic on %s: %v", event.Type, r)
				}
			}()
			h(event)
		}()
	}
	return nil
}

// Subscribe registers a handler and returns its unsubscribe func.
func (b *LocalEventBus) Subscribe(eventType string, handler func(Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers[eventType] == nil {
		b.handlers[eventType] = make(map[int]func(Event))
	}
	id := b.nextID
	b.nextID++
	b.handlers[eventType][id] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[eventType], id)
	}
}

// =============================================================================
// LOCAL REPO PLATFORM
// =============================================================================

type localPR struct {
	id        string
	repo      string
	branch    string
	title     string
	merged    bool
	closed    bool
	commitSHA string
	ci        CIStatus
	canaryOK  bool
	revertOf  string
}

// LocalRepoPlatform simulates the repository host: branch heads, PRs, CI
// results, canaries, and protection state. Tests script CI and canary
// outcomes per repo.
type LocalRepoPlatform struct {
	mu         sync.Mutex
	prs        map[string]*localPR // prID -> pr
	heads      map[string]string   // repo/branch -> sha
	nextSHA    int
	ciResults  map[string]CIState // repo -> scripted CI outcome (default success)
	canaryFail map[string]bool    // repo -> canary degrades
	upgraded   map[string]bool    // repo -> dependents on post-expand schema
	protected  map[string]bool    // repo -> branch protection active
	mergeFail  map[string]bool    // repo -> scripted merge failure
}

// NewLocalRepoPlatform creates an empty simulated host.
func NewLocalRepoPlatform() *LocalRepoPlatform {
	return &LocalRepoPlatform{
		prs:        make(map[string]*localPR),
		heads:      make(map[string]string),
		ciResults:  make(map[string]CIState),
		canaryFail: make(map[string]bool),
		upgraded:   make(map[string]bool),
		protected:  make(map[string]bool),
		mergeFail:  make(map[string]bool),
	}
}

// ScriptCI sets the CI outcome every PR on repo will report.
func (p *LocalRepoPlatform) ScriptCI(repo string, state CIState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ciResults[repo] = state
}

// ScriptMergeFailure makes MergePR fail for the repo.
func (p *LocalRepoPlatform) ScriptMergeFailure(repo string, fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mergeFail[repo] = fail
}

// ScriptCanaryFailure makes canaries on repo degrade.
func (p *LocalRepoPlatform) ScriptCanaryFailure(repo string, fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.canaryFail[repo] = fail
}

// SetServicesUpgraded marks repo's dependents as schema-upgraded.
func (p *LocalRepoPlatform) SetServicesUpgraded(repo string, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.upgraded[repo] = ok
}

// AdvanceBranchHead simulates an external push to repo's branch.
func (p *LocalRepoPlatform) AdvanceBranchHead(repo, branch string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bumpHeadLocked(repo, branch)
}

func (p *LocalRepoPlatform) bumpHeadLocked(repo, branch string) string {
	p.nextSHA++
	sha := fmt.Sprintf("sha-%s-%06d", repo, p.nextSHA)
	p.heads[repo+"/"+branch] = sha
	return sha
}

// OpenPR opens a simulated PR with the repo's scripted CI outcome.
func (p *LocalRepoPlatform) OpenPR(ctx context.Context, repo, branch, title, body string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pr := &localPR{
		id:     "pr-" + uuid.NewString()[:8],
		repo:   repo,
		branch: branch,
		title:  title,
		ci:     CIStatus{State: CIPending},
	}
	p.prs[pr.id] = pr
	logging.PlatformDebug("opened %s on %s (%s)", pr.id, repo, title)
	return pr.id, nil
}

// GetPRCIStatus reports the scripted outcome (default success).
func (p *LocalRepoPlatform) GetPRCIStatus(ctx context.Context, repo, prID string) (CIStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pr, ok := p.prs[prID]
	if !ok {
		return CIStatus{}, fmt.Errorf("pr %s: %w", prID, types.ErrNotFound)
	}
	state, scripted := p.ciResults[repo]
	if !scripted {
		state = CISuccess
	}
	pr.ci = CIStatus{State: state}
	return pr.ci, nil
}

// MergePR merges idempotently: a second call returns the original SHA.
func (p *LocalRepoPlatform) MergePR(ctx context.Context, repo, prID, strategy string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pr, ok := p.prs[prID]
	if !ok {
		return "", fmt.Errorf("pr %s: %w", prID, types.ErrNotFound)
	}
	if pr.merged {
		return pr.commitSHA, nil
	}
	if p.mergeFail[repo] {
		return "", fmt.Errorf("merge of %s on %s rejected by host", prID, repo)
	}
	pr.merged = true
	pr.commitSHA = p.bumpHeadLocked(repo, "main")
	logging.Platform("merged %s on %s -> %s", prID, repo, pr.commitSHA)
	return pr.commitSHA, nil
}

// ClosePR closes an unmerged PR.
func (p *LocalRepoPlatform) ClosePR(ctx context.Context, repo, prID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	pr, ok := p.prs[prID]
	if !ok {
		return fmt.Errorf("pr %s: %w", prID, types.ErrNotFound)
	}
	pr.closed = true
	return nil
}

// CreateRevertPR opens a PR reverting the given commit.
func (p *LocalRepoPlatform) CreateRevertPR(ctx context.Context, repo, commitSHA string, autoMerge bool) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pr := &localPR{
		id:       "pr-revert-" + uuid.NewString()[:8],
		repo:     repo,
		branch:   "revert/" + commitSHA,
		title:    "Revert " + commitSHA,
		revertOf: commitSHA,
		ci:       CIStatus{State: CIPending},
	}
	p.prs[pr.id] = pr
	return pr.id, nil
}

// GetBranchHead returns the branch's current SHA, minting one if unseen.
func (p *LocalRepoPlatform) GetBranchHead(ctx context.Context, repo, branch string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sha, ok := p.heads[repo+"/"+branch]; ok {
		return sha, nil
	}
	return p.bumpHeadLocked(repo, branch), nil
}

// VerifyAllServicesUpgraded answers from the scripted map.
func (p *LocalRepoPlatform) VerifyAllServicesUpgraded(ctx context.Context, repo string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.upgraded[repo], nil
}

// ForcePush rewrites the branch head. Requires protection relaxed.
func (p *LocalRepoPlatform) ForcePush(ctx context.Context, repo, branch, commitSHA, auditToken string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.protected[repo] {
		return fmt.Errorf("repo %s: branch protection active", repo)
	}
	p.heads[repo+"/"+branch] = commitSHA
	return nil
}

// RelaxProtection disables branch protection under an audit token.
func (p *LocalRepoPlatform) RelaxProtection(ctx context.Context, repo, auditToken string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.protected[repo] = false
	return nil
}

// RestoreProtection re-enables branch protection.
func (p *LocalRepoPlatform) RestoreProtection(ctx context.Context, repo, auditToken string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.protected[repo] = true
	return nil
}

// DeployCanary starts a simulated canary.
func (p *LocalRepoPlatform) DeployCanary(ctx context.Context, repo, prID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	pr, ok := p.prs[prID]
	if !ok {
		return fmt.Errorf("pr %s: %w", prID, types.ErrNotFound)
	}
	pr.canaryOK = !p.canaryFail[repo]
	return nil
}

// CanaryHealthy reports the scripted canary state.
func (p *LocalRepoPlatform) CanaryHealthy(ctx context.Context, repo, prID string) (bool, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pr, ok := p.prs[prID]
	if !ok {
		return false, "", fmt.Errorf("pr %s: %w", prID, types.ErrNotFound)
	}
	if !pr.canaryOK {
		return false, "error rate above threshold", nil
	}
	return true, "", nil
}

// MergedSHA returns the merge commit of a PR, if merged. Test helper.
func (p *LocalRepoPlatform) MergedSHA(prID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pr, ok := p.prs[prID]
	if !ok || !pr.merged {
		return "", false
	}
	return pr.commitSHA, true
}

// OpenPRCount returns how many PRs were ever opened on repo. Test helper.
func (p *LocalRepoPlatform) OpenPRCount(repo string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, pr := range p.prs {
		if pr.repo == repo {
			n++
		}
	}
	return n
}
