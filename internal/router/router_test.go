package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"conductor/internal/config"
	"conductor/internal/types"
)

func testCatalog() []types.ModelConfig {
	return []types.ModelConfig{
		{
			ModelID:         "prod-strong",
			Provider:        "anthropic",
			DomainWhitelist: []string{"*"},
			SafetyTier:      types.TierProduction,
			CostPer1KTokens: 0.015,
			AvgLatency:      2 * time.Second,
		},
		{
			ModelID:         "prod-cheap",
			Provider:        "genai",
			DomainWhitelist: []string{"billing", "payments"},
			SafetyTier:      types.TierProduction,
			CostPer1KTokens: 0.002,
			AvgLatency:      800 * time.Millisecond,
		},
		{
			ModelID:         "exp-fast",
			Provider:        "genai",
			DomainWhitelist: []string{"*"},
			SafetyTier:      types.TierExperimental,
			CostPer1KTokens: 0.001,
			AvgLatency:      300 * time.Millisecond,
		},
	}
}

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	cfg := config.DefaultConfig().Router
	cfg.Models = testCatalog()
	return New(cfg, nil, nil, 42)
}

func TestSelectFiltersDomain(t *testing.T) {
	r := newTestRouter(t)
	sel, err := r.Select(context.Background(), types.TaskFeature, 0.2, "search", types.Budget{})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	// prod-cheap is not whitelisted for "search".
	if sel.Model.ModelID == "prod-cheap" {
		t.Fatal("domain filter ignored")
	}
	if !sel.Model.AllowsDomain("search") {
		t.Fatalf("selected %s not whitelisted", sel.Model.ModelID)
	}
}

func TestSelectHighRiskRequiresProductionTier(t *testing.T) {
	r := newTestRouter(t)
	// At risk >= 0.7 the experimental model must never be selected, and
	// exploration must be off: repeat to catch a stray exploratory pick.
	for i := 0; i < 50; i++ {
		sel, err := r.Select(context.Background(), types.TaskFeature, 0.85, "billing", types.Budget{})
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		if sel.Model.SafetyTier != types.TierProduction {
			t.Fatalf("iteration %d: selected %s tier %s", i, sel.Model.ModelID, sel.Model.SafetyTier)
		}
		if sel.Explored {
			t.Fatalf("iteration %d: exploration at risk 0.85", i)
		}
	}
}

func TestSelectBudgetFilters(t *testing.T) {
	r := newTestRouter(t)
	sel, err := r.Select(context.Background(), types.TaskFeature, 0.85, "billing", types.Budget{
		MaxCost:    0.005,
		MaxLatency: time.Second,
	})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if sel.Model.ModelID != "prod-cheap" {
		t.Fatalf("selected %s", sel.Model.ModelID)
	}
	if sel.Model.CostPer1KTokens > 0.005 || sel.Model.AvgLatency > time.Second {
		t.Fatal("budget filter violated")
	}
}

func TestSelectNoViableModel(t *testing.T) {
	r := newTestRouter(t)
	_, err := r.Select(context.Background(), types.TaskFeature, 0.85, "billing", types.Budget{
		MaxCost: 0.0001,
	})
	var noModel *types.NoViableModelError
	if !errors.As(err, &noModel) {
		t.Fatalf("want NoViableModelError, got %v", err)
	}
	if len(noModel.Filtered) == 0 {
		t.Fatal("filter reasons missing")
	}
}

func TestSelectOpenBreakerFilters(t *testing.T) {
	r := newTestRouter(t)
	for i := 0; i < 10; i++ {
		r.RecordFailure("prod-cheap")
	}
	if r.Breaker("prod-cheap").State() != BreakerOpen {
		t.Fatal("breaker did not trip")
	}
	sel, err := r.Select(context.Background(), types.TaskFeature, 0.85, "billing", types.Budget{})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if sel.Model.ModelID == "prod-cheap" {
		t.Fatal("open breaker ignored")
	}
}

func TestHalfOpenAdmitsSingleProbe(t *testing.T) {
	// After cooldown a recovering model gets exactly one probe: the
	// first selection takes it, concurrent siblings fail over to the
	// next survivor until the probe settles.
	cfg := config.DefaultConfig().Router
	cfg.Models = testCatalog()
	cfg.BreakerCooldown = 20 * time.Millisecond
	r := New(cfg, nil, nil, 42)
	ctx := context.Background()

	// prod-cheap ranks first (strong prior, lowest cost); prod-strong
	// is the fail-over.
	for i := 0; i < 30; i++ {
		r.RecordOutcome("prod-cheap", types.TaskFeature, 0.95, 0.001, time.Second)
		r.RecordOutcome("prod-strong", types.TaskFeature, 0.3, 0.01, time.Second)
	}

	for i := 0; i < 10; i++ {
		r.RecordFailure("prod-cheap")
	}
	if r.Breaker("prod-cheap").State() != BreakerOpen {
		t.Fatal("breaker did not trip")
	}
	time.Sleep(30 * time.Millisecond)

	// First selection after cooldown wins the probe slot.
	first, err := r.Select(ctx, types.TaskFeature, 0.85, "billing", types.Budget{})
	if err != nil {
		t.Fatalf("probe select: %v", err)
	}
	if first.Model.ModelID != "prod-cheap" {
		t.Fatalf("probe went to %s", first.Model.ModelID)
	}

	// While the probe is in flight, a second selection must not land on
	// the recovering model.
	second, err := r.Select(ctx, types.TaskFeature, 0.85, "billing", types.Budget{})
	if err != nil {
		t.Fatalf("concurrent select: %v", err)
	}
	if second.Model.ModelID == "prod-cheap" {
		t.Fatal("second caller admitted to a HALF_OPEN model")
	}

	// The probe settles successfully; the breaker closes and the model
	// is selectable again.
	r.RecordOutcome("prod-cheap", types.TaskFeature, 0.9, 0.001, time.Second)
	if r.Breaker("prod-cheap").State() != BreakerClosed {
		t.Fatalf("breaker state after probe success = %v", r.Breaker("prod-cheap").State())
	}
	third, err := r.Select(ctx, types.TaskFeature, 0.85, "billing", types.Budget{})
	if err != nil {
		t.Fatalf("post-probe select: %v", err)
	}
	if third.Model.ModelID != "prod-cheap" {
		t.Fatalf("recovered model not selected: %s", third.Model.ModelID)
	}
}

func TestUtilityPrefersQualityAtHighRisk(t *testing.T) {
	r := newTestRouter(t)
	// Teach the router that prod-strong is excellent and prod-cheap poor.
	for i := 0; i < 30; i++ {
		r.RecordOutcome("prod-strong", types.TaskFeature, 0.95, 0.01, time.Second)
		r.RecordOutcome("prod-cheap", types.TaskFeature, 0.2, 0.001, time.Second)
	}
	sel, err := r.Select(context.Background(), types.TaskFeature, 0.85, "billing", types.Budget{})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if sel.Model.ModelID != "prod-strong" {
		t.Fatalf("quality weighting failed: selected %s", sel.Model.ModelID)
	}
}

func TestPriorUpdate(t *testing.T) {
	s := NewPriorStore(0.5, 0.25, 0.1, 0.95, 100)

	initial := s.Get("m", "feature")
	if initial.Mean != 0.5 || initial.Samples != 0 {
		t.Fatalf("default prior = %+v", initial)
	}

	p := s.Observe("m", "feature", 0.9)
	if p.Mean <= 0.5 {
		t.Fatalf("mean did not move toward observation: %v", p.Mean)
	}
	if p.Std >= 0.25 {
		t.Fatalf("std did not shrink: %v", p.Std)
	}
	if p.Samples != 1 {
		t.Fatalf("samples = %d", p.Samples)
	}

	// Repeated observations converge near the observed value.
	for i := 0; i < 200; i++ {
		p = s.Observe("m", "feature", 0.9)
	}
	if p.Mean < 0.85 || p.Mean > 0.95 {
		t.Fatalf("converged mean = %v", p.Mean)
	}
}

func TestQLCB(t *testing.T) {
	p := QualityPrior{Mean: 0.6, Std: 0.2}
	cases := []struct {
		k    float64
		want float64
	}{
		{0.5, 0.5},
		{1.0, 0.4},
		{2.0, 0.2},
		{4.0, 0},
	}
	for _, tc := range cases {
		got := p.QLCB(tc.k)
		if diff := got - tc.want; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("QLCB(k=%v) = %v, want %v", tc.k, got, tc.want)
		}
	}
}

func TestMinMaxNormalizeDegenerate(t *testing.T) {
	out := minMaxNormalize([]float64{3, 3, 3})
	for _, v := range out {
		if v != 0.5 {
			t.Fatalf("degenerate set normalized to %v", out)
		}
	}
}

func TestConfidenceMultiplier(t *testing.T) {
	cases := []struct {
		risk float64
		want float64
	}{
		{0.1, 0.5},
		{0.45, 1.0},
		{0.7, 1.5},
		{0.9, 2.0},
	}
	for _, tc := range cases {
		if got := confidenceMultiplier(tc.risk); got != tc.want {
			t.Errorf("confidenceMultiplier(%v) = %v, want %v", tc.risk, got, tc.want)
		}
	}
}

func TestExplorationRate(t *testing.T) {
	if explorationRate(0.75) != 0 {
		t.Fatal("exploration at risk >= 0.7")
	}
	if explorationRate(0.5) != 0.05 {
		t.Fatal("medium exploration rate wrong")
	}
	if explorationRate(0.1) != 0.10 {
		t.Fatal("low exploration rate wrong")
	}
}
