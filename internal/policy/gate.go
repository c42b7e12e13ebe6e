// Package policy implements the deny-by-default policy gate invoked at
// every decision boundary: milestone execution, proposal safety, model
// selection, merges, approval policy, and emergency rollback. Decisions
// are deterministic for a given (policy bundle version, input) pair and
// the version is recorded in every proof-of-change.
package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"conductor/internal/logging"
	"conductor/internal/types"
)

// Decision subjects the gate answers.
const (
	SubjectMilestoneExecution = "milestone_execution"
	SubjectProposalSafety     = "proposal_safety"
	SubjectModelSelection     = "model_selection"
	SubjectMerge              = "merge"
	SubjectApprovalPolicy     = "approval_policy"
	SubjectEmergencyRollback  = "emergency_rollback"
)

// Decision is the gate's answer: allow/deny plus structured obligations.
type Decision struct {
	Allow         bool
	Obligations   map[string]string
	Rationale     string
	PolicyVersion string
}

// Engine evaluates a versioned policy bundle against a structured input.
// Implementations must be deterministic for (version, subject, input).
type Engine interface {
	Evaluate(ctx context.Context, subject string, input map[string]string) (Decision, error)
	Version() string
}

// Gate wraps an Engine with bounded retries, audit logging, and the
// deny-by-default rule: evaluation failure is deny.
type Gate struct {
	engine  Engine
	audit   logging.AuditSink
	retries int
}

// NewGate builds the gate. retries bounds transient engine failures
// before the evaluation is treated as a fatal engine outage.
func NewGate(engine Engine, audit logging.AuditSink, retries int) *Gate {
	if retries <= 0 {
		retries = 3
	}
	return &Gate{engine: engine, audit: audit, retries: retries}
}

// Version reports the active policy bundle version.
func (g *Gate) Version() string { return g.engine.Version() }

// Evaluate runs the decision. A deny (or an engine outage beyond
// retries) returns a typed error; the Decision is also returned so
// callers can inspect obligations on denial.
func (g *Gate) Evaluate(ctx context.Context, subject string, input map[string]string) (Decision, error) {
	var (
		dec     Decision
		lastErr error
	)
	for attempt := 0; attempt < g.retries; attempt++ {
		var err error
		dec, err = g.engine.Evaluate(ctx, subject, input)
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err
		logging.Get(logging.CategoryPolicy).Warn("policy evaluate %s attempt %d failed: %v", subject, attempt+1, err)
		select {
		case <-ctx.Done():
			return Decision{}, &types.CanceledError{Op: "policy evaluate " + subject}
		case <-time.After(time.Duration(attempt+1) * 50 * time.Millisecond):
		}
	}
	if lastErr != nil {
		// Policy evaluation failure is deny; beyond retries it is fatal.
		g.auditDecision(subject, input, Decision{PolicyVersion: g.engine.Version()}, false)
		return Decision{}, &types.PolicyEngineUnavailableError{Attempts: g.retries, Err: lastErr}
	}

	g.auditDecision(subject, input, dec, dec.Allow)
	if !dec.Allow {
		return dec, &types.PolicyDeniedError{
			Subject:       subject,
			Reason:        dec.Rationale,
			Obligations:   dec.Obligations,
			PolicyVersion: dec.PolicyVersion,
		}
	}
	logging.PolicyDebug("allow %s (policy %s, obligations=%d)", subject, dec.PolicyVersion, len(dec.Obligations))
	return dec, nil
}

func (g *Gate) auditDecision(subject string, input map[string]string, dec Decision, allow bool) {
	if g.audit == nil {
		return
	}
	event := logging.AuditPolicyDeny
	if allow {
		event = logging.AuditPolicyAllow
	}
	fields := map[string]interface{}{"policy_version": dec.PolicyVersion}
	// Stable ordering keeps audit diffs deterministic.
	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s=%s ", k, input[k])
	}
	fields["input"] = strings.TrimSpace(sb.String())
	if err := g.audit.Append(logging.AuditEntry{
		EventType: event,
		Target:    subject,
		Success:   allow,
		Message:   dec.Rationale,
		Fields:    fields,
	}); err != nil {
		logging.Get(logging.CategoryPolicy).Error("audit append failed: %v", err)
	}
}
