package types

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// ERROR TAXONOMY
// =============================================================================

// ErrorKind classifies errors at component boundaries. Higher layers decide
// retry, escalate, or fail based on the kind, never on message strings.
type ErrorKind string

const (
	KindTransient          ErrorKind = "transient"
	KindPolicyDenial       ErrorKind = "policy_denial"
	KindSafetyEscalation   ErrorKind = "safety_escalation"
	KindContractViolation  ErrorKind = "contract_violation"
	KindResourceExhaustion ErrorKind = "resource_exhaustion"
	KindFatal              ErrorKind = "fatal"
	KindCanceled           ErrorKind = "canceled"
)

// Kinded is implemented by every typed error in the pipeline.
type Kinded interface {
	Kind() ErrorKind
}

// KindOf classifies any error. Context cancellation maps to KindCanceled;
// unclassified errors default to transient so callers retry bounded times
// rather than silently dropping work.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var k Kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindTransient
}

// Retriable reports whether an error kind may be retried with backoff.
func Retriable(err error) bool {
	return KindOf(err) == KindTransient
}

// =============================================================================
// TRANSIENT
// =============================================================================

// LockTimeoutError is returned when a merge lock cannot be acquired within
// the bounded wait.
type LockTimeoutError struct {
	RepoID string
	Wait   time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("merge lock on %s not acquired within %v", e.RepoID, e.Wait)
}
func (e *LockTimeoutError) Kind() ErrorKind { return KindTransient }

// RateLimitedError is returned when a provider token bucket is exhausted
// and the caller's deadline expires before refill.
type RateLimitedError struct {
	Provider string
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("provider %s rate limited", e.Provider)
}
func (e *RateLimitedError) Kind() ErrorKind { return KindTransient }

// =============================================================================
// POLICY DENIAL
// =============================================================================

// PolicyDeniedError carries the gate's reason and structured obligations.
type PolicyDeniedError struct {
	Subject       string
	Reason        string
	Obligations   map[string]string
	PolicyVersion string
}

func (e *PolicyDeniedError) Error() string {
	return fmt.Sprintf("policy denied %s: %s (policy %s)", e.Subject, e.Reason, e.PolicyVersion)
}
func (e *PolicyDeniedError) Kind() ErrorKind { return KindPolicyDenial }

// RequiresHITL reports whether the denial carries an obligation to open a
// human approval request instead of failing outright.
func (e *PolicyDeniedError) RequiresHITL() bool {
	_, ok := e.Obligations["hitl_risk_tier"]
	return ok
}

// =============================================================================
// SAFETY ESCALATION
// =============================================================================

// AllProposalsUnsafeError: every debate candidate was denied by the safety gate.
type AllProposalsUnsafeError struct {
	TaskID   string
	Rejected int
}

func (e *AllProposalsUnsafeError) Error() string {
	return fmt.Sprintf("task %s: all %d proposals denied by safety gate", e.TaskID, e.Rejected)
}
func (e *AllProposalsUnsafeError) Kind() ErrorKind { return KindSafetyEscalation }

// NoConsensusError: a high or critical risk debate failed to reach consensus.
type NoConsensusError struct {
	TaskID         string
	ConsensusRatio float64
	Threshold      float64
}

func (e *NoConsensusError) Error() string {
	return fmt.Sprintf("task %s: consensus %.2f below threshold %.2f, HITL required",
		e.TaskID, e.ConsensusRatio, e.Threshold)
}
func (e *NoConsensusError) Kind() ErrorKind { return KindSafetyEscalation }

// CanaryFailedError: a canary deployment degraded during its monitoring window.
type CanaryFailedError struct {
	RepoID string
	Detail string
}

func (e *CanaryFailedError) Error() string {
	return fmt.Sprintf("canary failed on %s: %s", e.RepoID, e.Detail)
}
func (e *CanaryFailedError) Kind() ErrorKind { return KindSafetyEscalation }

// =============================================================================
// CONTRACT VIOLATIONS
// =============================================================================

// SelfApprovalError: the requester attempted to approve their own request.
type SelfApprovalError struct {
	RequestID string
	UserID    string
}

func (e *SelfApprovalError) Error() string {
	return fmt.Sprintf("request %s: requester %s may not approve their own change", e.RequestID, e.UserID)
}
func (e *SelfApprovalError) Kind() ErrorKind { return KindContractViolation }

// DuplicateApprovalError: a user already decided on this request.
type DuplicateApprovalError struct {
	RequestID string
	UserID    string
}

func (e *DuplicateApprovalError) Error() string {
	return fmt.Sprintf("request %s: %s already submitted a decision", e.RequestID, e.UserID)
}
func (e *DuplicateApprovalError) Kind() ErrorKind { return KindContractViolation }

// UnauthorizedApproverError: RBAC rejected the approver for the claimed role.
type UnauthorizedApproverError struct {
	RequestID string
	UserID    string
	Role      string
}

func (e *UnauthorizedApproverError) Error() string {
	return fmt.Sprintf("request %s: %s not authorized for role %s", e.RequestID, e.UserID, e.Role)
}
func (e *UnauthorizedApproverError) Kind() ErrorKind { return KindContractViolation }

// MigrationOrderError: a contract migration attempted before dependents upgraded.
type MigrationOrderError struct {
	RepoID string
	Detail string
}

func (e *MigrationOrderError) Error() string {
	return fmt.Sprintf("migration order violation on %s: %s", e.RepoID, e.Detail)
}
func (e *MigrationOrderError) Kind() ErrorKind { return KindContractViolation }

// ConcurrentMergeError: the target branch head advanced under our lock request.
type ConcurrentMergeError struct {
	RepoID      string
	ExpectedSHA string
	ActualSHA   string
}

func (e *ConcurrentMergeError) Error() string {
	return fmt.Sprintf("concurrent merge detected on %s: head %s, expected %s",
		e.RepoID, e.ActualSHA, e.ExpectedSHA)
}
func (e *ConcurrentMergeError) Kind() ErrorKind { return KindContractViolation }

// StaleTokenError: a lock operation presented a superseded fencing token.
type StaleTokenError struct {
	Key   string
	Token uint64
}

func (e *StaleTokenError) Error() string {
	return fmt.Sprintf("stale fencing token %d for %s", e.Token, e.Key)
}
func (e *StaleTokenError) Kind() ErrorKind { return KindContractViolation }

// TerminalRequestError: a decision arrived after the HITL request finalized.
type TerminalRequestError struct {
	RequestID string
	Status    string
}

func (e *TerminalRequestError) Error() string {
	return fmt.Sprintf("request %s already terminal (%s)", e.RequestID, e.Status)
}
func (e *TerminalRequestError) Kind() ErrorKind { return KindContractViolation }

// EmergencyRollbackDeniedError: the human gate refused an emergency force rollback.
type EmergencyRollbackDeniedError struct {
	ChangesetID string
	RequestID   string
}

func (e *EmergencyRollbackDeniedError) Error() string {
	return fmt.Sprintf("changeset %s: emergency rollback denied (request %s)", e.ChangesetID, e.RequestID)
}
func (e *EmergencyRollbackDeniedError) Kind() ErrorKind { return KindContractViolation }

// =============================================================================
// RESOURCE EXHAUSTION
// =============================================================================

// NoViableModelError: no model survived the router's safety filters.
type NoViableModelError struct {
	TaskType string
	Domain   string
	Filtered map[string]string // model_id -> reason it was dropped
}

func (e *NoViableModelError) Error() string {
	return fmt.Sprintf("no viable model for %s/%s (%d filtered)", e.TaskType, e.Domain, len(e.Filtered))
}
func (e *NoViableModelError) Kind() ErrorKind { return KindResourceExhaustion }

// PoolStarvationError: K validators could not be acquired within the timeout.
type PoolStarvationError struct {
	Requested int
	Timeout   time.Duration
}

func (e *PoolStarvationError) Error() string {
	return fmt.Sprintf("validator pool starved: %d requested, timeout %v", e.Requested, e.Timeout)
}
func (e *PoolStarvationError) Kind() ErrorKind { return KindResourceExhaustion }

// BudgetExceededError: a task ran past a budget ceiling.
type BudgetExceededError struct {
	TaskID string
	Field  string
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("task %s exceeded budget %s", e.TaskID, e.Field)
}
func (e *BudgetExceededError) Kind() ErrorKind { return KindResourceExhaustion }

// =============================================================================
// FATAL
// =============================================================================

// PISInconsistencyError: the idempotency ledger contradicts itself. The
// owning run must halt for this key.
type PISInconsistencyError struct {
	Key    string
	Detail string
}

func (e *PISInconsistencyError) Error() string {
	return fmt.Sprintf("provenance store inconsistent for key %s: %s", e.Key, e.Detail)
}
func (e *PISInconsistencyError) Kind() ErrorKind { return KindFatal }

// AuditDurabilityError: the audit sink could not durably record a transition.
type AuditDurabilityError struct {
	Entry string
	Err   error
}

func (e *AuditDurabilityError) Error() string {
	return fmt.Sprintf("audit sink durability failure for %s: %v", e.Entry, e.Err)
}
func (e *AuditDurabilityError) Kind() ErrorKind { return KindFatal }
func (e *AuditDurabilityError) Unwrap() error   { return e.Err }

// PolicyEngineUnavailableError: policy evaluation failed beyond retries.
// Deny-by-default means the pipeline cannot proceed.
type PolicyEngineUnavailableError struct {
	Attempts int
	Err      error
}

func (e *PolicyEngineUnavailableError) Error() string {
	return fmt.Sprintf("policy engine unavailable after %d attempts: %v", e.Attempts, e.Err)
}
func (e *PolicyEngineUnavailableError) Kind() ErrorKind { return KindFatal }
func (e *PolicyEngineUnavailableError) Unwrap() error   { return e.Err }

// =============================================================================
// CANCELLATION AND NOT-FOUND
// =============================================================================

// CanceledError propagates user cancellation through suspension points.
type CanceledError struct {
	Op string
}

func (e *CanceledError) Error() string   { return fmt.Sprintf("%s canceled", e.Op) }
func (e *CanceledError) Kind() ErrorKind { return KindCanceled }

// ErrNotFound is the sentinel for missing artifacts and results.
var ErrNotFound = errors.New("not found")
