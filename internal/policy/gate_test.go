package policy

import (
	"context"
	"errors"
	"testing"

	"conductor/internal/logging"
	"conductor/internal/types"
)

func newTestGate(t *testing.T) (*Gate, *logging.MemoryAuditSink) {
	t.Helper()
	engine, err := NewMangleEngine("", "")
	if err != nil {
		t.Fatalf("compile default bundle: %v", err)
	}
	audit := logging.NewMemoryAuditSink()
	return NewGate(engine, audit, 3), audit
}

func TestMilestoneExecutionAllowed(t *testing.T) {
	gate, _ := newTestGate(t)
	dec, err := gate.Evaluate(context.Background(), SubjectMilestoneExecution, map[string]string{
		"risk":      "0.20",
		"risk_tier": "low",
	})
	if err != nil {
		t.Fatalf("low-risk milestone denied: %v", err)
	}
	if !dec.Allow {
		t.Fatal("allow = false")
	}
	if _, ok := dec.Obligations["hitl_risk_tier"]; ok {
		t.Fatal("low risk should carry no HITL obligation")
	}
	if dec.PolicyVersion == "" {
		t.Fatal("policy version missing")
	}
}

func TestMilestoneObligationAtCriticalRisk(t *testing.T) {
	gate, _ := newTestGate(t)
	dec, err := gate.Evaluate(context.Background(), SubjectMilestoneExecution, map[string]string{
		"risk":      "0.95",
		"risk_tier": "critical",
	})
	if err != nil {
		t.Fatalf("critical milestone denied: %v", err)
	}
	if dec.Obligations["hitl_risk_tier"] != "critical" {
		t.Fatalf("obligations = %v", dec.Obligations)
	}
}

func TestProposalSafety(t *testing.T) {
	gate, audit := newTestGate(t)
	ctx := context.Background()

	t.Run("clean_allowed", func(t *testing.T) {
		if _, err := gate.Evaluate(ctx, SubjectProposalSafety, map[string]string{
			"flagged":    "false",
			"diff_lines": "120",
		}); err != nil {
			t.Fatalf("clean proposal denied: %v", err)
		}
	})

	t.Run("flagged_denied", func(t *testing.T) {
		_, err := gate.Evaluate(ctx, SubjectProposalSafety, map[string]string{
			"flagged":    "true",
			"diff_lines": "120",
		})
		var denied *types.PolicyDeniedError
		if !errors.As(err, &denied) {
			t.Fatalf("want PolicyDeniedError, got %v", err)
		}
		if denied.Reason == "" {
			t.Fatal("deny reason missing")
		}
	})

	t.Run("oversized_denied", func(t *testing.T) {
		_, err := gate.Evaluate(ctx, SubjectProposalSafety, map[string]string{
			"flagged":    "false",
			"diff_lines": "9000",
		})
		var denied *types.PolicyDeniedError
		if !errors.As(err, &denied) {
			t.Fatalf("want PolicyDeniedError, got %v", err)
		}
	})

	if len(audit.ByType(logging.AuditPolicyDeny)) < 2 {
		t.Fatal("denials not audited")
	}
}

func TestModelSelectionTiers(t *testing.T) {
	gate, _ := newTestGate(t)
	ctx := context.Background()

	if _, err := gate.Evaluate(ctx, SubjectModelSelection, map[string]string{
		"safety_tier": "production",
		"risk":        "0.95",
	}); err != nil {
		t.Fatalf("production model denied: %v", err)
	}

	if _, err := gate.Evaluate(ctx, SubjectModelSelection, map[string]string{
		"safety_tier": "experimental",
		"risk":        "0.30",
	}); err != nil {
		t.Fatalf("experimental at low risk denied: %v", err)
	}

	_, err := gate.Evaluate(ctx, SubjectModelSelection, map[string]string{
		"safety_tier": "experimental",
		"risk":        "0.85",
	})
	var denied *types.PolicyDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("experimental at high risk: want denial, got %v", err)
	}
}

func TestMergeFreeze(t *testing.T) {
	gate, _ := newTestGate(t)
	ctx := context.Background()

	if _, err := gate.Evaluate(ctx, SubjectMerge, map[string]string{
		"merge_freeze_active": "false",
		"risk":                "0.20",
		"risk_tier":           "low",
	}); err != nil {
		t.Fatalf("unfrozen merge denied: %v", err)
	}

	_, err := gate.Evaluate(ctx, SubjectMerge, map[string]string{
		"merge_freeze_active": "true",
		"risk":                "0.20",
		"risk_tier":           "low",
	})
	var denied *types.PolicyDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("frozen merge: want denial, got %v", err)
	}
}

func TestDenyByDefault(t *testing.T) {
	gate, _ := newTestGate(t)
	// A subject with no rules in the bundle must be denied.
	_, err := gate.Evaluate(context.Background(), "unknown_subject", map[string]string{})
	var denied *types.PolicyDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("unknown subject: want denial, got %v", err)
	}
}

// failingEngine always errors, to exercise the outage path.
type failingEngine struct{}

func (failingEngine) Evaluate(context.Context, string, map[string]string) (Decision, error) {
	return Decision{}, errors.New("engine down")
}
func (failingEngine) Version() string { return "broken" }

func TestEngineOutageIsFatalDeny(t *testing.T) {
	gate := NewGate(failingEngine{}, logging.NewMemoryAuditSink(), 2)
	_, err := gate.Evaluate(context.Background(), SubjectMerge, nil)
	var unavailable *types.PolicyEngineUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("want PolicyEngineUnavailableError, got %v", err)
	}
	if types.KindOf(err) != types.KindFatal {
		t.Fatalf("kind = %v", types.KindOf(err))
	}
}

func TestEvaluateDeterministic(t *testing.T) {
	gate, _ := newTestGate(t)
	input := map[string]string{"flagged": "false", "diff_lines": "10"}
	a, err := gate.Evaluate(context.Background(), SubjectProposalSafety, input)
	if err != nil {
		t.Fatal(err)
	}
	b, err := gate.Evaluate(context.Background(), SubjectProposalSafety, input)
	if err != nil {
		t.Fatal(err)
	}
	if a.Allow != b.Allow || a.PolicyVersion != b.PolicyVersion {
		t.Fatalf("nondeterministic decisions: %+v vs %+v", a, b)
	}
}
