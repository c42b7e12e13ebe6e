package debate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"golang.org/x/sync/errgroup"

	"conductor/internal/config"
	"conductor/internal/logging"
	"conductor/internal/policy"
	"conductor/internal/types"
)

// Status is the debate outcome discriminator.
type Status string

const (
	StatusSelected              Status = "selected"
	StatusInsufficientDiversity Status = "insufficient_diversity"
	StatusAllProposalsUnsafe    Status = "all_proposals_unsafe"
	StatusNoConsensusHITL       Status = "no_consensus_hitl_required"
)

// Result is the debate outcome. Exactly one of the documented cases:
// a selected winner with its consensus metrics, a diversity failure, a
// safety-gate wipeout, or a no-consensus escalation with full evidence.
type Result struct {
	Status              Status
	Selected            *types.Proposal
	ConsensusRatio      float64
	InterRaterAgreement float64
	RequiresHITL        bool
	TieBreak            map[string]float64 // winner's component breakdown
	Evidence            *Evidence
}

// Evidence is the bundle attached to HITL escalations.
type Evidence struct {
	Proposals []types.Proposal
	Scores    []types.ValidatorScore
	Agreement float64
}

// Scorer produces one validator's deterministic judgment of a proposal.
// Implementations decode at temperature 0 with the validator's seed.
type Scorer interface {
	Score(ctx context.Context, v Validator, task *types.Task, p types.Proposal) (score, confidence float64, err error)
}

// Judge critiques a proposal for the tie-break's judge component.
type Judge interface {
	Critique(ctx context.Context, task *types.Task, p types.Proposal) (float64, error)
}

// consensusThreshold per risk level. Critical requires unanimity.
func consensusThreshold(level types.RiskLevel) float64 {
	switch level {
	case types.RiskLow:
		return 0.60
	case types.RiskMedium:
		return 0.67
	case types.RiskHigh:
		return 0.80
	default:
		return 1.00
	}
}

// tieBreakWeights per risk level: validator, judge, risk, cost.
func tieBreakWeights(level types.RiskLevel) (v, j, r, c float64) {
	switch level {
	case types.RiskLow:
		return 0.40, 0.30, 0.20, 0.10
	case types.RiskMedium:
		return 0.35, 0.25, 0.30, 0.10
	case types.RiskHigh:
		return 0.30, 0.20, 0.40, 0.10
	default:
		return 0.25, 0.15, 0.50, 0.10
	}
}

// Controller orchestrates one debate per task.
type Controller struct {
	cfg    config.DebateConfig
	pool   *Pool
	scorer Scorer
	judge  Judge
	gate   *policy.Gate
}

// NewController wires the debate controller. An even validator count is
// legal but warned against: ties are more likely, odd K is recommended.
func NewController(cfg config.DebateConfig, pool *Pool, scorer Scorer, judge Judge, gate *policy.Gate) *Controller {
	if cfg.ValidatorCount%2 == 0 {
		logging.Get(logging.CategoryDebate).Warn(
			"validator_count=%d is even; ties are more likely, odd K recommended", cfg.ValidatorCount)
	}
	return &Controller{cfg: cfg, pool: pool, scorer: scorer, judge: judge, gate: gate}
}

// DebateAndSelect runs the full protocol: diversity filter, safety gate,
// shared panel scoring, consensus check, then escalation or tie-break.
func (c *Controller) DebateAndSelect(ctx context.Context, proposals []types.Proposal, task *types.Task, level types.RiskLevel) (Result, error) {
	timer := logging.StartTimer(logging.CategoryDebate, fmt.Sprintf("debate(%s)", task.ID))
	defer timer.StopWithInfo()

	k := c.cfg.ValidatorCount

	// 1. Diversity filter: greedy accept, reject anything within the L2
	// threshold of an already-accepted proposal.
	retained := diversityFilter(proposals, c.cfg.DiversityThreshold)
	if len(retained) < minProposals(len(proposals), k) {
		logging.Debate("task %s: %d/%d proposals survive diversity filter, need %d",
			task.ID, len(retained), len(proposals), minProposals(len(proposals), k))
	}
	if len(retained) == 0 || (len(proposals) >= k && len(retained) < k) {
		return Result{Status: StatusInsufficientDiversity}, nil
	}

	// 2. Safety gate.
	if c.cfg.SafetyGateEnabled() && c.gate != nil {
		var safe []types.Proposal
		for _, p := range retained {
			input := map[string]string{
				"proposal":   p.ID,
				"flagged":    fmt.Sprintf("%v", p.RiskScoreSelf >= 0.95),
				"diff_lines": "0",
				"risk":       fmt.Sprintf("%.2f", p.RiskScoreSelf),
			}
			if _, err := c.gate.Evaluate(ctx, policy.SubjectProposalSafety, input); err != nil {
				var denied *types.PolicyDeniedError
				if errors.As(err, &denied) {
					logging.Debate("task %s: proposal %s denied by safety gate: %s", task.ID, p.ID, denied.Reason)
					continue
				}
				return Result{}, err
			}
			safe = append(safe, p)
		}
		if len(safe) == 0 {
			return Result{Status: StatusAllProposalsUnsafe, RequiresHITL: true}, nil
		}
		retained = safe
	}

	// 3. Shared validator panel. Released on every exit path.
	panel, err := c.pool.AcquirePanel(ctx, k, c.cfg.AcquireTimeout)
	if err != nil {
		return Result{}, err
	}
	defer c.pool.ReleasePanel(panel)

	scores, rankings, err := c.scorePanel(ctx, panel, task, retained)
	if err != nil {
		return Result{}, err
	}

	agreement := KendallW(rankings)
	logging.Debate("task %s: inter-rater agreement W=%.3f over %dx%d", task.ID, agreement, k, len(retained))

	// 4. Consensus: w* is the proposal with the highest mean score; the
	// ratio counts validators whose rank-1 vote is w*.
	means := meanScores(scores, retained)
	winnerIdx := argmax(means)
	votes := 0
	for vi := range rankings {
		if rankings[vi][winnerIdx] == 1 {
			votes++
		}
	}
	ratio := float64(votes) / float64(k)
	threshold := consensusThreshold(level)

	flat := flattenScores(scores, panel, retained)
	if ratio >= threshold {
		winner := retained[winnerIdx]
		logging.Debate("task %s: consensus %.2f >= %.2f, selected %s", task.ID, ratio, threshold, winner.ID)
		return Result{
			Status:              StatusSelected,
			Selected:            &winner,
			ConsensusRatio:      ratio,
			InterRaterAgreement: agreement,
			Evidence:            &Evidence{Proposals: retained, Scores: flat, Agreement: agreement},
		}, nil
	}

	// 5. No consensus: high and critical risk escalate with evidence.
	if level == types.RiskHigh || level == types.RiskCritical {
		logging.Debate("task %s: consensus %.2f < %.2f at %s risk, escalating", task.ID, ratio, threshold, level)
		return Result{
			Status:              StatusNoConsensusHITL,
			RequiresHITL:        true,
			ConsensusRatio:      ratio,
			InterRaterAgreement: agreement,
			Evidence:            &Evidence{Proposals: retained, Scores: flat, Agreement: agreement},
		}, nil
	}

	// 6. Normalized tie-break for low and medium risk.
	winner, breakdown, err := c.tieBreak(ctx, task, retained, means, level)
	if err != nil {
		return Result{}, err
	}
	logging.Debate("task %s: tie-break selected %s", task.ID, winner.ID)
	return Result{
		Status:              StatusSelected,
		Selected:            &winner,
		ConsensusRatio:      ratio,
		InterRaterAgreement: agreement,
		TieBreak:            breakdown,
		Evidence:            &Evidence{Proposals: retained, Scores: flat, Agreement: agreement},
	}, nil
}

// scorePanel collects the full K x N score matrix in parallel. A
// validator failure is retried once on the same proposal set; a second
// failure discards the whole panel (partial panels never reach
// consensus).
func (c *Controller) scorePanel(ctx context.Context, panel []Validator, task *types.Task, proposals []types.Proposal) (map[string]map[string]types.ValidatorScore, [][]int, error) {
	scores := make([]map[string]types.ValidatorScore, len(panel))

	g, gctx := errgroup.WithContext(ctx)
	for vi, v := range panel {
		vi, v := vi, v
		g.Go(func() error {
			row := make(map[string]types.ValidatorScore, len(proposals))
			for _, p := range proposals {
				var (
					score, conf float64
					err         error
				)
				for attempt := 0; attempt < 2; attempt++ {
					sctx, cancel := context.Context(gctx), context.CancelFunc(func() {})
					if c.cfg.ScoreTimeout > 0 {
						sctx, cancel = context.WithTimeout(gctx, c.cfg.ScoreTimeout)
					}
					score, conf, err = c.scorer.Score(sctx, v, task, p)
					cancel()
					if err == nil {
						break
					}
					logging.Get(logging.CategoryDebate).Warn("validator %s failed on %s (attempt %d): %v",
						v.ID, p.ID, attempt+1, err)
				}
				if err != nil {
					return fmt.Errorf("validator %s failed on %s: %w", v.ID, p.ID, err)
				}
				row[p.ID] = types.ValidatorScore{
					ValidatorID: v.ID,
					ProposalID:  p.ID,
					Score:       score,
					Confidence:  conf,
				}
			}
			scores[vi] = row
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	// Dense rankings per validator: sort by score descending, proposal
	// id ascending for determinism; each rank 1..N appears exactly once.
	byValidator := make(map[string]map[string]types.ValidatorScore, len(panel))
	rankings := make([][]int, len(panel))
	for vi, v := range panel {
		row := scores[vi]
		order := make([]string, 0, len(proposals))
		for _, p := range proposals {
			order = append(order, p.ID)
		}
		sort.SliceStable(order, func(a, b int) bool {
			sa, sb := row[order[a]].Score, row[order[b]].Score
			if sa != sb {
				return sa > sb
			}
			return order[a] < order[b]
		})
		rankOf := make(map[string]int, len(order))
		for rank, id := range order {
			vs := row[id]
			vs.Ranking = rank + 1
			row[id] = vs
			rankOf[id] = rank + 1
		}
		rankings[vi] = make([]int, len(proposals))
		for pi, p := range proposals {
			rankings[vi][pi] = rankOf[p.ID]
		}
		byValidator[v.ID] = row
	}
	return byValidator, rankings, nil
}

// tieBreak combines four normalized components under risk-adaptive
// weights and returns the argmax winner with its breakdown.
func (c *Controller) tieBreak(ctx context.Context, task *types.Task, proposals []types.Proposal, validatorMeans []float64, level types.RiskLevel) (types.Proposal, map[string]float64, error) {
	const eps = 1e-9

	judgeRaw := make([]float64, len(proposals))
	for i, p := range proposals {
		if c.judge == nil {
			judgeRaw[i] = 0.5
			continue
		}
		v, err := c.judge.Critique(ctx, task, p)
		if err != nil {
			return types.Proposal{}, nil, fmt.Errorf("judge critique of %s: %w", p.ID, err)
		}
		judgeRaw[i] = v
	}

	riskRaw := make([]float64, len(proposals))
	costRaw := make([]float64, len(proposals))
	for i, p := range proposals {
		riskRaw[i] = 1 - p.RiskScoreSelf
		costRaw[i] = 1 / (p.EstimatedCost + eps)
	}

	judgeN := normalize(judgeRaw)
	riskN := normalize(riskRaw)
	costN := normalize(costRaw)

	wv, wj, wr, wc := tieBreakWeights(level)
	bestIdx, bestScore := 0, math.Inf(-1)
	for i := range proposals {
		s := wv*validatorMeans[i] + wj*judgeN[i] + wr*riskN[i] + wc*costN[i]
		if s > bestScore {
			bestScore, bestIdx = s, i
		}
	}
	breakdown := map[string]float64{
		"validator": validatorMeans[bestIdx],
		"judge":     judgeN[bestIdx],
		"risk":      riskN[bestIdx],
		"cost":      costN[bestIdx],
		"combined":  bestScore,
	}
	return proposals[bestIdx], breakdown, nil
}

// diversityFilter greedily accepts proposals whose embedding is at least
// threshold L2 distance from every accepted one.
func diversityFilter(proposals []types.Proposal, threshold float64) []types.Proposal {
	var accepted []types.Proposal
	for _, p := range proposals {
		ok := true
		for _, a := range accepted {
			if l2Distance(p.Embedding, a.Embedding) < threshold {
				ok = false
				break
			}
		}
		if ok {
			accepted = append(accepted, p)
		}
	}
	return accepted
}

func l2Distance(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	sum := 0.0
	for i := 0; i < n; i++ {
		d := a[i] - b[i]
		sum += d * d
	}
	for i := n; i < len(a); i++ {
		sum += a[i] * a[i]
	}
	for i := n; i < len(b); i++ {
		sum += b[i] * b[i]
	}
	return math.Sqrt(sum)
}

func meanScores(scores map[string]map[string]types.ValidatorScore, proposals []types.Proposal) []float64 {
	means := make([]float64, len(proposals))
	for pi, p := range proposals {
		sum := 0.0
		for _, row := range scores {
			sum += row[p.ID].Score
		}
		means[pi] = sum / float64(len(scores))
	}
	return means
}

func flattenScores(scores map[string]map[string]types.ValidatorScore, panel []Validator, proposals []types.Proposal) []types.ValidatorScore {
	out := make([]types.ValidatorScore, 0, len(panel)*len(proposals))
	for _, v := range panel {
		for _, p := range proposals {
			out = append(out, scores[v.ID][p.ID])
		}
	}
	return out
}

func argmax(vals []float64) int {
	best, bestV := 0, math.Inf(-1)
	for i, v := range vals {
		if v > bestV {
			best, bestV = i, v
		}
	}
	return best
}

func normalize(vals []float64) []float64 {
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

// minProposals is the retained-count floor the diversity stage reports
// against: all of them when fewer than K arrive, otherwise K.
func minProposals(supplied, k int) int {
	if supplied < k {
		return supplied
	}
	return k
}
