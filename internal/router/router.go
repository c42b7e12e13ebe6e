package router

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"conductor/internal/config"
	"conductor/internal/logging"
	"conductor/internal/policy"
	"conductor/internal/types"
)

// utility weights per risk bucket: (quality, cost, latency).
type weights struct{ q, c, l float64 }

func weightsFor(risk float64) weights {
	switch types.RiskLevelFor(risk) {
	case types.RiskLow:
		return weights{0.4, 0.4, 0.2}
	case types.RiskMedium:
		return weights{0.5, 0.3, 0.2}
	case types.RiskHigh:
		return weights{0.6, 0.25, 0.15}
	default:
		return weights{0.7, 0.2, 0.1}
	}
}

// confidenceMultiplier is the risk-adaptive k in Q_LCB = max(0, mean - k*std).
func confidenceMultiplier(risk float64) float64 {
	switch {
	case risk < 0.3:
		return 0.5
	case risk < 0.6:
		return 1.0
	case risk < 0.8:
		return 1.5
	default:
		return 2.0
	}
}

// explorationRate is risk-gated: no exploration at high risk.
func explorationRate(risk float64) float64 {
	switch {
	case risk >= 0.7:
		return 0
	case risk >= 0.4:
		return 0.05
	default:
		return 0.10
	}
}

// Selection is the router's answer with its scoring breakdown.
type Selection struct {
	Model    types.ModelConfig
	Utility  float64
	QLCB     float64
	Explored bool
}

// Router selects one model configuration per task and learns from
// observed outcomes.
type Router struct {
	mu       sync.Mutex
	catalog  []types.ModelConfig
	priors   *PriorStore
	breakers map[string]*CircuitBreaker
	gate     *policy.Gate
	cfg      config.RouterConfig
	rng      *rand.Rand
	audit    logging.AuditSink
}

// New builds a router over the configured model catalog.
func New(cfg config.RouterConfig, gate *policy.Gate, audit logging.AuditSink, seed int64) *Router {
	r := &Router{
		catalog: cfg.Models,
		priors: NewPriorStore(
			cfg.PriorMean, cfg.PriorStd, cfg.ObsNoiseVariance, cfg.DecayRate, cfg.DecayAfter),
		breakers: make(map[string]*CircuitBreaker),
		gate:     gate,
		cfg:      cfg,
		rng:      rand.New(rand.NewSource(seed)),
		audit:    audit,
	}
	for _, m := range cfg.Models {
		r.breakers[m.ModelID] = NewCircuitBreaker(m.ModelID, BreakerConfig{
			ConsecutiveFailures: cfg.BreakerFailures,
			Window:              cfg.BreakerWindow,
			Cooldown:            cfg.BreakerCooldown,
		}, nil)
	}
	return r
}

// Breaker returns the breaker for a model (creating one for unknown ids).
func (r *Router) Breaker(modelID string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[modelID]
	if !ok {
		b = NewCircuitBreaker(modelID, BreakerConfig{
			ConsecutiveFailures: r.cfg.BreakerFailures,
			Window:              r.cfg.BreakerWindow,
			Cooldown:            r.cfg.BreakerCooldown,
		}, nil)
		r.breakers[modelID] = b
	}
	return b
}

// Select picks a model for (taskType, risk, domain) under the budget.
// Safety filters apply in order; survivors are ranked by risk-adjusted
// utility; exploration is Thompson-style and disabled at risk >= 0.7.
func (r *Router) Select(ctx context.Context, taskType types.TaskType, risk float64, domain string, budget types.Budget) (Selection, error) {
	timer := logging.StartTimer(logging.CategoryRouter, "router.Select")
	defer timer.Stop()

	filtered := make(map[string]string)
	var survivors []types.ModelConfig

	for _, m := range r.catalog {
		if reason := r.filter(ctx, m, risk, domain, budget); reason != "" {
			filtered[m.ModelID] = reason
			continue
		}
		survivors = append(survivors, m)
	}
	if len(survivors) == 0 {
		return Selection{}, &types.NoViableModelError{TaskType: string(taskType), Domain: domain, Filtered: filtered}
	}

	k := confidenceMultiplier(risk)
	w := weightsFor(risk)
	costs := make([]float64, len(survivors))
	lats := make([]float64, len(survivors))
	lcbs := make([]float64, len(survivors))
	utils := make([]float64, len(survivors))
	for i, m := range survivors {
		costs[i] = m.CostPer1KTokens
		lats[i] = float64(m.AvgLatency)
		lcbs[i] = r.priors.Get(m.ModelID, string(taskType)).QLCB(k)
	}
	costN := minMaxNormalize(costs)
	latN := minMaxNormalize(lats)
	for i := range survivors {
		utils[i] = w.q*lcbs[i] - w.c*costN[i] - w.l*latN[i]
	}

	// Rank by utility; ties break by model id so selection is stable.
	order := make([]int, len(survivors))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		if utils[order[a]] != utils[order[b]] {
			return utils[order[a]] > utils[order[b]]
		}
		return survivors[order[a]].ModelID < survivors[order[b]].ModelID
	})

	// Exploration: Thompson sample among candidates with Q_LCB >= 0.6.
	r.mu.Lock()
	explore := r.rng.Float64() < explorationRate(risk)
	r.mu.Unlock()
	var sel Selection
	admitted := false
	if explore {
		if exp, idx, ok := r.thompsonPick(survivors, lcbs, taskType); ok {
			// Breaker admission happens at selection time: the chosen
			// model is the one the caller invokes, so Allow here is the
			// single-probe gate for a HALF_OPEN model.
			if r.Breaker(survivors[idx].ModelID).Allow() {
				sel = exp
				sel.Explored = true
				admitted = true
			}
		}
	}
	if !admitted {
		// Exploit in utility order; a model whose breaker refuses
		// admission (HALF_OPEN with its probe already in flight) is
		// skipped so concurrent callers fail over instead of piling
		// onto a recovering provider.
		for _, i := range order {
			if r.Breaker(survivors[i].ModelID).Allow() {
				sel = Selection{Model: survivors[i], Utility: utils[i], QLCB: lcbs[i]}
				admitted = true
				break
			}
			filtered[survivors[i].ModelID] = "breaker probe in flight"
		}
	}
	if !admitted {
		return Selection{}, &types.NoViableModelError{TaskType: string(taskType), Domain: domain, Filtered: filtered}
	}

	logging.Router("selected %s for %s/%s risk=%.2f (U=%.3f, explored=%v)",
		sel.Model.ModelID, taskType, domain, risk, sel.Utility, sel.Explored)
	if r.audit != nil {
		if err := r.audit.Append(logging.AuditEntry{
			EventType: logging.AuditModelSelected,
			Target:    sel.Model.ModelID,
			Success:   true,
			Fields: map[string]interface{}{
				"task_type": string(taskType),
				"risk":      risk,
				"domain":    domain,
				"explored":  sel.Explored,
			},
		}); err != nil {
			logging.Get(logging.CategoryRouter).Error("audit append failed: %v", err)
		}
	}
	return sel, nil
}

// filter applies the ordered safety filters; a non-empty reason drops
// the model.
func (r *Router) filter(ctx context.Context, m types.ModelConfig, risk float64, domain string, budget types.Budget) string {
	if !m.AllowsDomain(domain) {
		return "domain not whitelisted"
	}
	if risk >= 0.7 && m.SafetyTier != types.TierProduction {
		return "non-production tier at high risk"
	}
	if budget.MaxCost > 0 && m.CostPer1KTokens > budget.MaxCost {
		return "cost above budget"
	}
	if budget.MaxLatency > 0 && m.AvgLatency > budget.MaxLatency {
		return "latency above budget"
	}
	if r.Breaker(m.ModelID).State() == BreakerOpen {
		return "circuit breaker open"
	}
	if r.gate != nil {
		input := map[string]string{
			"model":       m.ModelID,
			"safety_tier": string(m.SafetyTier),
			"domain":      domain,
			"risk":        fmt.Sprintf("%.2f", risk),
		}
		if _, err := r.gate.Evaluate(ctx, policy.SubjectModelSelection, input); err != nil {
			return "policy denied"
		}
	}
	return ""
}

// thompsonPick samples one draw from N(mean, std^2) for each candidate
// whose Q_LCB >= 0.6 and picks the max. Returns false when the eligible
// set is empty (caller exploits instead).
func (r *Router) thompsonPick(survivors []types.ModelConfig, lcbs []float64, taskType types.TaskType) (Selection, int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bestIdx, bestDraw := -1, math.Inf(-1)
	for i, m := range survivors {
		if lcbs[i] < 0.6 {
			continue
		}
		p := r.priors.Get(m.ModelID, string(taskType))
		draw := p.Mean + r.rng.NormFloat64()*p.Std
		if draw > bestDraw {
			bestDraw, bestIdx = draw, i
		}
	}
	if bestIdx < 0 {
		return Selection{}, -1, false
	}
	return Selection{Model: survivors[bestIdx], Utility: bestDraw, QLCB: lcbs[bestIdx]}, bestIdx, true
}

// RecordOutcome folds an observed task outcome into the model's prior
// and breaker. Any completed invocation settles the breaker as success
// (the probe must settle even when observed quality is poor); provider
// failures go through RecordFailure instead.
func (r *Router) RecordOutcome(modelID string, taskType types.TaskType, quality, actualCost float64, actualLatency time.Duration) {
	r.priors.Observe(modelID, string(taskType), quality)
	r.Breaker(modelID).RecordSuccess()
	logging.RouterDebug("outcome %s/%s: quality=%.2f cost=%.4f latency=%v",
		modelID, taskType, quality, actualCost, actualLatency)
}

// RecordSuccess settles a completed provider invocation with the
// breaker. Callers invoke it as soon as the model call returns so a
// HALF_OPEN probe never hangs on later pipeline stages.
func (r *Router) RecordSuccess(modelID string) {
	r.Breaker(modelID).RecordSuccess()
}

// RecordFailure notes a provider failure for breaker accounting.
func (r *Router) RecordFailure(modelID string) {
	r.Breaker(modelID).RecordFailure()
}

// Prior exposes the current prior for (model, task type).
func (r *Router) Prior(modelID string, taskType types.TaskType) QualityPrior {
	return r.priors.Get(modelID, string(taskType))
}

// minMaxNormalize maps values to [0,1]; degenerate sets map to 0.5.
func minMaxNormalize(vals []float64) []float64 {
	out := make([]float64, len(vals))
	if len(vals) == 0 {
		return out
	}
	lo, hi := vals[0], vals[0]
	for _, v := range vals {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if hi-lo < 1e-12 {
		for i := range out {
			out[i] = 0.5
		}
		return out
	}
	for i, v := range vals {
		out[i] = (v - lo) / (hi - lo)
	}
	return out
}
