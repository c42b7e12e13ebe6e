package hitl

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"conductor/internal/logging"
	"conductor/internal/platform"
	"conductor/internal/types"
)

// Notifier delivers approval notifications. Delivery is at-least-once
// and best-effort; clients rely on the API for correctness, never on
// notifications.
type Notifier interface {
	Notify(ctx context.Context, userIDs []string, req *Request) error
}

// NopNotifier drops notifications.
type NopNotifier struct{}

// Notify does nothing.
func (NopNotifier) Notify(ctx context.Context, userIDs []string, req *Request) error { return nil }

// CreateRequestInput is the caller's side of create_approval_request.
type CreateRequestInput struct {
	ChangeID      string
	RiskTier      types.RiskLevel
	Requester     string
	Repos         []string
	Files         []string
	Evidence      EvidenceBundle
	PolicyVersion string
	// PolicyOverride replaces the tier default when the policy engine
	// demands stricter values. Nil uses PolicyForTier.
	PolicyOverride *ApprovalPolicy
}

// Workflow is the durable approval state machine. All state lives in
// SQLite; the in-memory mutex map only serializes concurrent decisions
// per request id.
type Workflow struct {
	db       *sql.DB
	identity platform.IdentityProvider
	owners   platform.CodeownerResolver
	notify   Notifier
	clock    platform.Clock
	audit    logging.AuditSink

	mu       sync.Mutex
	reqLocks map[string]*sync.Mutex
}

// Open initializes the workflow database at dir/hitl.db.
func Open(dir string, identity platform.IdentityProvider, owners platform.CodeownerResolver, notify Notifier, clock platform.Clock, audit logging.AuditSink) (*Workflow, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create hitl dir: %w", err)
	}
	db, err := sql.Open("sqlite3", filepath.Join(dir, "hitl.db"))
	if err != nil {
		return nil, fmt.Errorf("open hitl db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.HITLDebug("failed to set busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.HITLDebug("failed to set journal_mode=WAL: %v", err)
	}

	schema := `
CREATE TABLE IF NOT EXISTS requests (
    request_id  TEXT PRIMARY KEY,
    state       BLOB NOT NULL,
    status      TEXT NOT NULL,
    expires_at  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS decisions (
    request_id  TEXT NOT NULL,
    approver_id TEXT NOT NULL,
    idem_key    TEXT NOT NULL,
    payload     BLOB NOT NULL,
    PRIMARY KEY (request_id, approver_id)
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("hitl schema: %w", err)
	}

	if notify == nil {
		notify = NopNotifier{}
	}
	if clock == nil {
		clock = platform.RealClock{}
	}
	return &Workflow{
		db:       db,
		identity: identity,
		owners:   owners,
		notify:   notify,
		clock:    clock,
		audit:    audit,
		reqLocks: make(map[string]*sync.Mutex),
	}, nil
}

// Close closes the database.
func (w *Workflow) Close() error { return w.db.Close() }

func (w *Workflow) lockFor(requestID string) *sync.Mutex {
	w.mu.Lock()
	defer w.mu.Unlock()
	m, ok := w.reqLocks[requestID]
	if !ok {
		m = &sync.Mutex{}
		w.reqLocks[requestID] = m
	}
	return m
}

// =============================================================================
// CREATE
// =============================================================================

// CreateApprovalRequest materializes a request idempotently: the request
// id IS the caller's idempotency key, so a replay returns the persisted
// request without re-resolving or re-notifying.
func (w *Workflow) CreateApprovalRequest(ctx context.Context, in CreateRequestInput, idemKey string) (*Request, error) {
	if idemKey == "" {
		return nil, fmt.Errorf("idempotency key required")
	}
	lock := w.lockFor(idemKey)
	lock.Lock()
	defer lock.Unlock()

	if existing, err := w.loadRequest(ctx, idemKey); err == nil {
		return existing, nil
	} else if !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}

	pol := PolicyForTier(in.RiskTier)
	if in.PolicyOverride != nil {
		pol = mergeStricter(pol, *in.PolicyOverride)
	}

	eligible := make(map[Role][]string, len(pol.RequiredRoles))
	for _, role := range pol.RequiredRoles {
		users, err := w.resolveRole(ctx, role, in.Repos, in.Files)
		if err != nil {
			return nil, fmt.Errorf("resolve eligible %s approvers: %w", role, err)
		}
		eligible[role] = users
	}

	now := w.clock.Now()
	req := &Request{
		ID:            idemKey,
		ChangeID:      in.ChangeID,
		RiskTier:      in.RiskTier,
		Requester:     in.Requester,
		Repos:         in.Repos,
		Files:         in.Files,
		Evidence:      in.Evidence,
		Policy:        pol,
		Status:        StatusPending,
		Eligible:      eligible,
		CreatedAt:     now,
		ExpiresAt:     now.Add(pol.SLA),
		PolicyVersion: in.PolicyVersion,
	}
	if err := w.saveRequest(ctx, req); err != nil {
		return nil, err
	}
	if err := w.auditAppend(logging.AuditEntry{
		EventType: logging.AuditHITLCreated,
		Target:    req.ID,
		Actor:     req.Requester,
		Success:   true,
		Message:   fmt.Sprintf("approval request created (tier=%s, sla=%v)", req.RiskTier, pol.SLA),
	}); err != nil {
		return nil, err
	}

	for role, users := range eligible {
		if len(users) == 0 {
			logging.Get(logging.CategoryHITL).Warn("request %s: no eligible %s approvers", req.ID, role)
			continue
		}
		if err := w.notify.Notify(ctx, users, req); err != nil {
			logging.Get(logging.CategoryHITL).Warn("notify %s approvers for %s failed: %v", role, req.ID, err)
		}
	}
	logging.HITL("request %s created for change %s (tier=%s)", req.ID, req.ChangeID, req.RiskTier)
	return req, nil
}

func (w *Workflow) resolveRole(ctx context.Context, role Role, repos, files []string) ([]string, error) {
	if role == RoleCodeowner && w.owners != nil {
		return w.owners.Resolve(ctx, repos, files)
	}
	if w.identity == nil {
		return nil, nil
	}
	return w.identity.GetUsersInGroup(ctx, string(role))
}

// mergeStricter keeps the stricter of two policies field by field.
func mergeStricter(base, override ApprovalPolicy) ApprovalPolicy {
	out := base
	for _, r := range override.RequiredRoles {
		found := false
		for _, b := range out.RequiredRoles {
			if b == r {
				found = true
				break
			}
		}
		if !found {
			out.RequiredRoles = append(out.RequiredRoles, r)
		}
	}
	if out.Quorum == nil {
		out.Quorum = map[Role]int{}
	}
	for r, q := range override.Quorum {
		if q > out.Quorum[r] {
			out.Quorum[r] = q
		}
	}
	if override.DualControl {
		out.DualControl = true
	}
	if override.AntiSelfApproval {
		out.AntiSelfApproval = true
	}
	if override.SLA > 0 && override.SLA < out.SLA {
		out.SLA = override.SLA
	}
	if len(override.EscalationChain) > 0 {
		out.EscalationChain = override.EscalationChain
	}
	return out
}

// =============================================================================
// SUBMIT
// =============================================================================

// SubmitApproval records one approver decision. Serialized per request;
// idempotent on (request, approver, idem key); all the §4.5 counting
// rules are enforced here and violations are typed errors.
func (w *Workflow) SubmitApproval(ctx context.Context, requestID, approverID string, role Role, decision DecisionValue, comment, idemKey string) (ApprovalResult, error) {
	lock := w.lockFor(requestID)
	lock.Lock()
	defer lock.Unlock()

	req, err := w.loadRequest(ctx, requestID)
	if err != nil {
		return ApprovalResult{}, err
	}

	// Expiry check happens before the terminal check so an overdue
	// pending request expires rather than accepting a late decision.
	if !req.Status.Terminal() && w.clock.Now().After(req.ExpiresAt) {
		if err := w.expireLocked(ctx, req); err != nil {
			return ApprovalResult{}, err
		}
	}
	if req.Status.Terminal() {
		return ApprovalResult{Status: req.Status}, &types.TerminalRequestError{RequestID: requestID, Status: string(req.Status)}
	}

	// Replay of the same decision is idempotent; a different idem key
	// from the same user is a duplicate-approval violation.
	if prior, ok, err := w.loadDecision(ctx, requestID, approverID); err != nil {
		return ApprovalResult{}, err
	} else if ok {
		if prior.IdemKey == idemKey {
			return w.resultLocked(ctx, req)
		}
		w.auditViolation(req, approverID, "duplicate decision")
		return ApprovalResult{}, &types.DuplicateApprovalError{RequestID: requestID, UserID: approverID}
	}

	if req.Policy.AntiSelfApproval && approverID == req.Requester {
		w.auditViolation(req, approverID, "self approval")
		return ApprovalResult{}, &types.SelfApprovalError{RequestID: requestID, UserID: approverID}
	}

	if role == RoleAuditor {
		w.auditViolation(req, approverID, "auditor role is read-only")
		return ApprovalResult{}, &types.UnauthorizedApproverError{RequestID: requestID, UserID: approverID, Role: string(role)}
	}

	authorized, err := w.identity.IsAuthorized(ctx, approverID, "approve:"+string(role), requestID)
	if err != nil {
		return ApprovalResult{}, fmt.Errorf("rbac check for %s: %w", approverID, err)
	}
	if !authorized {
		w.auditViolation(req, approverID, "rbac rejected role "+string(role))
		return ApprovalResult{}, &types.UnauthorizedApproverError{RequestID: requestID, UserID: approverID, Role: string(role)}
	}

	dec := Decision{
		RequestID:  requestID,
		ApproverID: approverID,
		Role:       role,
		Decision:   decision,
		Comment:    comment,
		Timestamp:  w.clock.Now(),
		IdemKey:    idemKey,
	}
	if err := w.saveDecision(ctx, dec); err != nil {
		return ApprovalResult{}, err
	}
	if err := w.auditAppend(logging.AuditEntry{
		EventType: logging.AuditHITLDecision,
		Target:    requestID,
		Actor:     approverID,
		Success:   true,
		Message:   fmt.Sprintf("%s %s as %s", approverID, decision, role),
	}); err != nil {
		return ApprovalResult{}, err
	}

	// Any reject terminates the request.
	if decision == DecisionReject {
		req.Status = StatusRejected
		req.FinalizedAt = w.clock.Now()
		if err := w.saveRequest(ctx, req); err != nil {
			return ApprovalResult{}, err
		}
		if err := w.auditAppend(logging.AuditEntry{
			EventType: logging.AuditHITLTerminal,
			Target:    requestID,
			Actor:     approverID,
			Success:   true,
			Message:   "rejected",
		}); err != nil {
			return ApprovalResult{}, err
		}
		logging.HITL("request %s rejected by %s", requestID, approverID)
		return w.resultLocked(ctx, req)
	}

	return w.evaluateQuorumLocked(ctx, req)
}

// evaluateQuorumLocked recomputes status from all recorded decisions.
func (w *Workflow) evaluateQuorumLocked(ctx context.Context, req *Request) (ApprovalResult, error) {
	decisions, err := w.loadDecisions(ctx, req.ID)
	if err != nil {
		return ApprovalResult{}, err
	}

	progress := make(map[Role]int)
	approvingRoles := make(map[Role]struct{})
	approvingUsers := make(map[string]struct{})
	for _, d := range decisions {
		if d.Decision != DecisionApprove {
			continue
		}
		progress[d.Role]++
		approvingRoles[d.Role] = struct{}{}
		approvingUsers[d.ApproverID] = struct{}{}
	}

	for _, role := range req.Policy.RequiredRoles {
		if progress[role] < req.Policy.Quorum[role] {
			req.Status = StatusPending
			if err := w.saveRequest(ctx, req); err != nil {
				return ApprovalResult{}, err
			}
			return ApprovalResult{Status: StatusPending, Progress: progress}, nil
		}
	}

	if err := w.auditAppend(logging.AuditEntry{
		EventType: logging.AuditHITLQuorum,
		Target:    req.ID,
		Success:   true,
		Message:   "quorum reached for all required roles",
	}); err != nil {
		return ApprovalResult{}, err
	}

	if req.Policy.DualControl {
		if len(approvingRoles) < 2 {
			req.Status = StatusAwaitingDualControlRoles
			if err := w.saveRequest(ctx, req); err != nil {
				return ApprovalResult{}, err
			}
			return ApprovalResult{Status: req.Status, Progress: progress}, nil
		}
		if len(approvingUsers) < 2 {
			req.Status = StatusAwaitingDualControlIDs
			if err := w.saveRequest(ctx, req); err != nil {
				return ApprovalResult{}, err
			}
			return ApprovalResult{Status: req.Status, Progress: progress}, nil
		}
	}

	req.Status = StatusApproved
	req.FinalizedAt = w.clock.Now()
	if err := w.saveRequest(ctx, req); err != nil {
		return ApprovalResult{}, err
	}
	if err := w.auditAppend(logging.AuditEntry{
		EventType: logging.AuditHITLTerminal,
		Target:    req.ID,
		Success:   true,
		Message:   "approved",
	}); err != nil {
		return ApprovalResult{}, err
	}
	logging.HITL("request %s approved", req.ID)
	return ApprovalResult{Status: StatusApproved, Progress: progress}, nil
}

func (w *Workflow) resultLocked(ctx context.Context, req *Request) (ApprovalResult, error) {
	decisions, err := w.loadDecisions(ctx, req.ID)
	if err != nil {
		return ApprovalResult{}, err
	}
	progress := make(map[Role]int)
	for _, d := range decisions {
		if d.Decision == DecisionApprove {
			progress[d.Role]++
		}
	}
	return ApprovalResult{Status: req.Status, Progress: progress}, nil
}

// =============================================================================
// EXPIRY
// =============================================================================

// ExpireDue transitions overdue pending requests to expired and notifies
// the escalation chain. WaitTerminal runs it on every poll; nothing else
// runs it on a timer.
func (w *Workflow) ExpireDue(ctx context.Context) (int, error) {
	rows, err := w.db.QueryContext(ctx,
		`SELECT request_id FROM requests WHERE status NOT IN ('approved','rejected','expired') AND expires_at <= ?`,
		w.clock.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("expiry scan: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()

	expired := 0
	for _, id := range ids {
		lock := w.lockFor(id)
		lock.Lock()
		req, err := w.loadRequest(ctx, id)
		if err == nil && !req.Status.Terminal() && w.clock.Now().After(req.ExpiresAt) {
			if err := w.expireLocked(ctx, req); err != nil {
				lock.Unlock()
				return expired, err
			}
			expired++
		}
		lock.Unlock()
	}
	return expired, nil
}

func (w *Workflow) expireLocked(ctx context.Context, req *Request) error {
	req.Status = StatusExpired
	req.FinalizedAt = w.clock.Now()
	if err := w.saveRequest(ctx, req); err != nil {
		return err
	}
	if err := w.auditAppend(logging.AuditEntry{
		EventType: logging.AuditHITLExpired,
		Target:    req.ID,
		Success:   true,
		Message:   fmt.Sprintf("SLA %v elapsed", req.Policy.SLA),
	}); err != nil {
		return err
	}
	logging.HITL("request %s expired", req.ID)

	for _, group := range req.Policy.EscalationChain {
		users, err := w.identity.GetUsersInGroup(ctx, group)
		if err != nil || len(users) == 0 {
			continue
		}
		if err := w.notify.Notify(ctx, users, req); err != nil {
			logging.Get(logging.CategoryHITL).Warn("escalation notify %s failed: %v", group, err)
			continue
		}
		if err := w.auditAppend(logging.AuditEntry{
			EventType: logging.AuditHITLEscalation,
			Target:    req.ID,
			Success:   true,
			Message:   "escalated to " + group,
		}); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// PERSISTENCE
// =============================================================================

// Get returns the current request state.
func (w *Workflow) Get(ctx context.Context, requestID string) (*Request, error) {
	return w.loadRequest(ctx, requestID)
}

func (w *Workflow) saveRequest(ctx context.Context, req *Request) error {
	blob, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request %s: %w", req.ID, err)
	}
	_, err = w.db.ExecContext(ctx,
		`INSERT INTO requests (request_id, state, status, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(request_id) DO UPDATE SET state = excluded.state, status = excluded.status`,
		req.ID, blob, string(req.Status), req.ExpiresAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save request %s: %w", req.ID, err)
	}
	return nil
}

func (w *Workflow) loadRequest(ctx context.Context, requestID string) (*Request, error) {
	var blob []byte
	err := w.db.QueryRowContext(ctx,
		`SELECT state FROM requests WHERE request_id = ?`, requestID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("request %s: %w", requestID, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load request %s: %w", requestID, err)
	}
	var req Request
	if err := json.Unmarshal(blob, &req); err != nil {
		return nil, fmt.Errorf("decode request %s: %w", requestID, err)
	}
	return &req, nil
}

func (w *Workflow) saveDecision(ctx context.Context, dec Decision) error {
	blob, err := json.Marshal(dec)
	if err != nil {
		return fmt.Errorf("marshal decision: %w", err)
	}
	_, err = w.db.ExecContext(ctx,
		`INSERT INTO decisions (request_id, approver_id, idem_key, payload) VALUES (?, ?, ?, ?)`,
		dec.RequestID, dec.ApproverID, dec.IdemKey, blob)
	if err != nil {
		return fmt.Errorf("save decision: %w", err)
	}
	return nil
}

func (w *Workflow) loadDecision(ctx context.Context, requestID, approverID string) (Decision, bool, error) {
	var blob []byte
	err := w.db.QueryRowContext(ctx,
		`SELECT payload FROM decisions WHERE request_id = ? AND approver_id = ?`,
		requestID, approverID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return Decision{}, false, nil
	}
	if err != nil {
		return Decision{}, false, err
	}
	var dec Decision
	if err := json.Unmarshal(blob, &dec); err != nil {
		return Decision{}, false, err
	}
	return dec, true, nil
}

func (w *Workflow) loadDecisions(ctx context.Context, requestID string) ([]Decision, error) {
	rows, err := w.db.QueryContext(ctx,
		`SELECT payload FROM decisions WHERE request_id = ?`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Decision
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, err
		}
		var dec Decision
		if err := json.Unmarshal(blob, &dec); err != nil {
			return nil, err
		}
		out = append(out, dec)
	}
	return out, rows.Err()
}

func (w *Workflow) auditAppend(entry logging.AuditEntry) error {
	if w.audit == nil {
		return nil
	}
	return w.audit.Append(entry)
}

func (w *Workflow) auditViolation(req *Request, actor, detail string) {
	if err := w.auditAppend(logging.AuditEntry{
		EventType: logging.AuditHITLViolation,
		Target:    req.ID,
		Actor:     actor,
		Success:   false,
		Message:   detail,
	}); err != nil {
		logging.Get(logging.CategoryHITL).Error("audit append failed: %v", err)
	}
}

// WaitTerminal polls until the request reaches a terminal state or the
// context expires. Quorum waiting is event re-evaluation, not a held
// lock; the poll interval is short because reads are local.
func (w *Workflow) WaitTerminal(ctx context.Context, requestID string, poll time.Duration) (*Request, error) {
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	for {
		if _, err := w.ExpireDue(ctx); err != nil {
			return nil, err
		}
		req, err := w.loadRequest(ctx, requestID)
		if err != nil {
			return nil, err
		}
		if req.Status.Terminal() {
			return req, nil
		}
		if err := w.clock.Sleep(ctx, poll); err != nil {
			return nil, &types.CanceledError{Op: "hitl wait " + requestID}
		}
	}
}
