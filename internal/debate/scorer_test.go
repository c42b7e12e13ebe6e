package debate

import (
	"context"
	"testing"

	"conductor/internal/platform"
	"conductor/internal/types"
)

func TestParseVerdict(t *testing.T) {
	cases := []struct {
		name      string
		text      string
		wantScore float64
		wantConf  float64
	}{
		{"well_formed", "SCORE: 0.85\nCONFIDENCE: 0.9", 0.85, 0.9},
		{"score_only", "SCORE: 0.4\n", 0.4, 0},
		{"clamped", "SCORE: 1.5\nCONFIDENCE: 1.2", 1.0, 1.0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			score, conf, err := parseVerdict(tc.text)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if score != tc.wantScore || conf != tc.wantConf {
				t.Fatalf("got (%v, %v), want (%v, %v)", score, conf, tc.wantScore, tc.wantConf)
			}
		})
	}

	t.Run("opaque_text_is_stable", func(t *testing.T) {
		s1, _, err := parseVerdict("gen-deadbeef")
		if err != nil {
			t.Fatal(err)
		}
		s2, _, err := parseVerdict("gen-deadbeef")
		if err != nil {
			t.Fatal(err)
		}
		if s1 != s2 {
			t.Fatal("fallback score unstable")
		}
		if s1 < 0 || s1 >= 1 {
			t.Fatalf("fallback score %v out of range", s1)
		}
	})
}

func TestModelScorerDeterministicPerValidator(t *testing.T) {
	scorer := &ModelScorer{Backend: platform.NewLocalModelBackend(), ModelID: "m"}
	task := &types.Task{ID: "t1", Objective: "obj"}
	p := types.Proposal{ID: "p1", Rationale: "r", CodeDiffRef: "ref"}
	v := Validator{ID: "validator-a-0", Seed: 7}

	s1, _, err := scorer.Score(context.Background(), v, task, p)
	if err != nil {
		t.Fatal(err)
	}
	s2, _, err := scorer.Score(context.Background(), v, task, p)
	if err != nil {
		t.Fatal(err)
	}
	if s1 != s2 {
		t.Fatal("same validator scored the same proposal differently")
	}

	// A different seed diversifies the judgment.
	s3, _, err := scorer.Score(context.Background(), Validator{ID: "validator-b-1", Seed: 8}, task, p)
	if err != nil {
		t.Fatal(err)
	}
	if s3 == s1 {
		t.Log("different validators happened to agree; allowed but rare")
	}
}
