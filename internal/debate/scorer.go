package debate

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"conductor/internal/platform"
	"conductor/internal/types"
)

// =============================================================================
// MODEL-BACKED SCORER AND JUDGE
// =============================================================================

var scoreLine = regexp.MustCompile(`(?m)^SCORE:\s*([01](?:\.\d+)?)`)
var confLine = regexp.MustCompile(`(?m)^CONFIDENCE:\s*([01](?:\.\d+)?)`)

// ModelScorer asks a model backend to judge proposals. Every call decodes
// at temperature 0 with the validator's seed, so the same validator gives
// the same proposal the same verdict within and across panels.
type ModelScorer struct {
	Backend platform.ModelBackend
	ModelID string
}

// Score prompts for a SCORE/CONFIDENCE verdict and parses it. Output with
// no SCORE line (such as the local backend's opaque text) gets a stable
// score derived from its content with confidence 0.5; a SCORE line with
// no CONFIDENCE line reads as confidence 0.
func (s *ModelScorer) Score(ctx context.Context, v Validator, task *types.Task, p types.Proposal) (float64, float64, error) {
	prompt := fmt.Sprintf(
		"You are validator %s reviewing a proposed change for task %q.\n"+
			"Objective: %s\nRationale: %s\nDiff artifact: %s\n\n"+
			"Reply with exactly two lines:\nSCORE: <0..1>\nCONFIDENCE: <0..1>\n",
		v.ID, task.ID, task.Objective, p.Rationale, p.CodeDiffRef)

	res, err := s.Backend.Generate(ctx, s.ModelID, prompt, platform.GenerateParams{
		Temperature: 0,
		Seed:        v.Seed,
		MaxTokens:   64,
	})
	if err != nil {
		return 0, 0, err
	}
	return parseVerdict(res.Text)
}

func parseVerdict(text string) (float64, float64, error) {
	score, conf := 0.0, 0.0
	if m := scoreLine.FindStringSubmatch(text); m != nil {
		score, _ = strconv.ParseFloat(m[1], 64)
	} else {
		// Deterministic fallback for backends that return opaque text
		// (the local backend): derive a stable score from the content.
		score = stableUnit(text)
		conf = 0.5
		return clamp01(score), conf, nil
	}
	if m := confLine.FindStringSubmatch(text); m != nil {
		conf, _ = strconv.ParseFloat(m[1], 64)
	}
	return clamp01(score), clamp01(conf), nil
}

// stableUnit maps arbitrary text to a stable value in [0,1).
func stableUnit(s string) float64 {
	var h uint64 = 1469598103934665603
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return float64(h%10000) / 10000
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// ModelJudge produces the tie-break judge component from a critique call.
type ModelJudge struct {
	Backend platform.ModelBackend
	ModelID string
	Seed    int64
}

// Critique returns the judge's raw quality estimate for a proposal.
func (j *ModelJudge) Critique(ctx context.Context, task *types.Task, p types.Proposal) (float64, error) {
	prompt := fmt.Sprintf(
		"Critique this proposal for task %q and rate overall quality.\n"+
			"Rationale: %s\n\nReply with one line:\nSCORE: <0..1>\n",
		task.ID, p.Rationale)
	res, err := j.Backend.Generate(ctx, j.ModelID, prompt, platform.GenerateParams{
		Temperature: 0,
		Seed:        j.Seed,
		MaxTokens:   32,
	})
	if err != nil {
		return 0, err
	}
	score, _, err := parseVerdict(res.Text)
	return score, err
}
