// Package types provides shared domain types used across conductor packages.
// This package exists to break import cycles between the orchestrator, debate,
// saga, and provenance layers. Types here are foundational data structures
// with no complex dependencies; constructors are the only path to a valid
// instance.
package types

import (
	"fmt"
	"time"
)

// =============================================================================
// TASKS
// =============================================================================

// TaskType classifies a unit of work in the change pipeline.
type TaskType string

const (
	TaskFeature   TaskType = "feature"
	TaskTest      TaskType = "test"
	TaskReview    TaskType = "review"
	TaskRefactor  TaskType = "refactor"
	TaskPerf      TaskType = "perf"
	TaskSecurity  TaskType = "security"
	TaskDocs      TaskType = "docs"
	TaskDepUpdate TaskType = "dep_update"
)

var validTaskTypes = map[TaskType]struct{}{
	TaskFeature: {}, TaskTest: {}, TaskReview: {}, TaskRefactor: {},
	TaskPerf: {}, TaskSecurity: {}, TaskDocs: {}, TaskDepUpdate: {},
}

// TaskState is the lifecycle state of a DAG node.
type TaskState string

const (
	TaskPending   TaskState = "PENDING"
	TaskReady     TaskState = "READY"
	TaskRunning   TaskState = "RUNNING"
	TaskCompleted TaskState = "COMPLETED"
	TaskFailed    TaskState = "FAILED"
	TaskCanceled  TaskState = "CANCELED"
)

// Terminal reports whether the state is final. Terminal states are immutable.
func (s TaskState) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCanceled
}

// Budget bounds a task's resource consumption. All fields are ceilings.
type Budget struct {
	MaxTokens  int           `yaml:"max_tokens" json:"max_tokens"`
	MaxCost    float64       `yaml:"max_cost" json:"max_cost"`
	MaxLatency time.Duration `yaml:"max_latency" json:"max_latency"`
}

// Constraints bound the shape of an acceptable change.
type Constraints struct {
	MaxDiffLines     int           `yaml:"max_diff_lines" json:"max_diff_lines"`
	MinCoverageDelta float64       `yaml:"min_coverage_delta" json:"min_coverage_delta"`
	WallClockTimeout time.Duration `yaml:"wall_clock_timeout" json:"wall_clock_timeout"`
}

// Task is one objective in a run's DAG. The ID doubles as the idempotency
// key for every externally observable action taken on the task's behalf.
type Task struct {
	ID          string      `yaml:"id" json:"id"`
	Type        TaskType    `yaml:"type" json:"type"`
	Objective   string      `yaml:"objective" json:"objective"`
	ContextRefs []string    `yaml:"context_refs" json:"context_refs,omitempty"`
	Constraints Constraints `yaml:"constraints" json:"constraints"`
	Budget      Budget      `yaml:"budget" json:"budget"`
	Deps        []string    `yaml:"deps" json:"deps,omitempty"`
	RiskScore   float64     `yaml:"risk_score" json:"risk_score"`
	Domain      string      `yaml:"domain" json:"domain"`
	// NonBlocking marks a task whose failure does not cancel dependents.
	NonBlocking bool `yaml:"non_blocking" json:"non_blocking,omitempty"`
	// Repos declares the repos a code-bearing task stages into. Empty for
	// tasks that produce no merge (docs analysis, review-only work).
	Repos []RepoChange `yaml:"repos" json:"repos,omitempty"`
}

// NewTask validates and constructs a Task. Risk is immutable after ingest,
// so the constructor is the single place it is range-checked.
func NewTask(id string, typ TaskType, objective string, risk float64, domain string) (*Task, error) {
	if id == "" {
		return nil, fmt.Errorf("task id required")
	}
	if _, ok := validTaskTypes[typ]; !ok {
		return nil, fmt.Errorf("unknown task type %q", typ)
	}
	if risk < 0 || risk > 1 {
		return nil, fmt.Errorf("task %s: risk_score %.3f outside [0,1]", id, risk)
	}
	return &Task{ID: id, Type: typ, Objective: objective, RiskScore: risk, Domain: domain}, nil
}

// Validate checks the cross-field invariants a deserialized Task must hold.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task id required")
	}
	if _, ok := validTaskTypes[t.Type]; !ok {
		return fmt.Errorf("task %s: unknown type %q", t.ID, t.Type)
	}
	if t.RiskScore < 0 || t.RiskScore > 1 {
		return fmt.Errorf("task %s: risk_score %.3f outside [0,1]", t.ID, t.RiskScore)
	}
	if t.Budget.MaxTokens < 0 || t.Budget.MaxCost < 0 || t.Budget.MaxLatency < 0 {
		return fmt.Errorf("task %s: negative budget field", t.ID)
	}
	for _, d := range t.Deps {
		if d == t.ID {
			return fmt.Errorf("task %s: depends on itself", t.ID)
		}
	}
	return nil
}

// =============================================================================
// RISK LEVELS
// =============================================================================

// RiskLevel buckets a continuous risk score for policy, debate, and HITL.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RiskLevelFor maps a risk score to the level used by debate consensus
// thresholds and HITL tiers: <0.3 low, <0.6 medium, <0.9 high, else
// critical. The router's confidence multiplier uses its own finer
// buckets.
func RiskLevelFor(score float64) RiskLevel {
	switch {
	case score < 0.3:
		return RiskLow
	case score < 0.6:
		return RiskMedium
	case score < 0.9:
		return RiskHigh
	default:
		return RiskCritical
	}
}

// =============================================================================
// PROPOSALS AND SCORES
// =============================================================================

// Provenance records how a proposal was produced.
type Provenance struct {
	ModelID     string    `json:"model_id"`
	Seed        int64     `json:"seed"`
	Temperature float64   `json:"temperature"`
	PromptHash  string    `json:"prompt_hash"`
	Timestamp   time.Time `json:"timestamp"`
}

// Proposal is one candidate change produced by a generator worker.
// Immutable once created; CodeDiffRef must resolve in the provenance store.
type Proposal struct {
	ID            string     `json:"id"`
	TaskID        string     `json:"task_id"`
	CodeDiffRef   string     `json:"code_diff_ref"`
	Rationale     string     `json:"rationale"`
	EstimatedCost float64    `json:"estimated_cost"`
	RiskScoreSelf float64    `json:"risk_score_self"`
	Embedding     []float64  `json:"embedding,omitempty"`
	Provenance    Provenance `json:"provenance"`
}

// ValidatorScore is one validator's judgment of one proposal.
// Rankings are dense: each integer 1..N appears exactly once per validator.
type ValidatorScore struct {
	ValidatorID string  `json:"validator_id"`
	ProposalID  string  `json:"proposal_id"`
	Score       float64 `json:"score"`
	Ranking     int     `json:"ranking"`
	Confidence  float64 `json:"confidence"`
}

// =============================================================================
// PROOF OF CHANGE
// =============================================================================

// RiskFinding is one structured risk in a proof-of-change.
type RiskFinding struct {
	Severity    string `json:"severity"`
	Description string `json:"description"`
}

// ValidationReport aggregates deterministic validator output.
type ValidationReport struct {
	CoverageDelta   float64          `json:"coverage_delta"`
	MutationScore   float64          `json:"mutation_score"`
	StaticFindings  []string         `json:"static_findings,omitempty"`
	SecurityScan    []string         `json:"security_scan,omitempty"`
	TestsAdded      []string         `json:"tests_added,omitempty"`
	TestsModified   []string         `json:"tests_modified,omitempty"`
	ValidatorScores []ValidatorScore `json:"validator_scores,omitempty"`
}

// DiffStats summarizes a code diff.
type DiffStats struct {
	FilesChanged int `json:"files_changed"`
	Insertions   int `json:"insertions"`
	Deletions    int `json:"deletions"`
}

// ProofOfChange is the immutable bundle produced for every change:
// diff, rationale, validation report, and full provenance. Its content
// hash is stable for identical inputs.
type ProofOfChange struct {
	ChangeID          string             `json:"change_id"`
	Proposal          Proposal           `json:"proposal"`
	DiffStats         DiffStats          `json:"diff_stats"`
	Risks             []RiskFinding      `json:"risks,omitempty"`
	Validation        ValidationReport   `json:"validation"`
	DebateTranscript  string             `json:"debate_transcript_ref,omitempty"`
	TieBreakBreakdown map[string]float64 `json:"tie_break_breakdown,omitempty"`
	PolicyVersion     string             `json:"policy_version"`
	CreatedAt         time.Time          `json:"created_at"`
}

// =============================================================================
// MULTI-REPO CHANGES
// =============================================================================

// MigrationType is the three-phase expand/migrate/contract data-migration
// classification for a repo change.
type MigrationType string

const (
	MigrationNone     MigrationType = "none"
	MigrationExpand   MigrationType = "expand"
	MigrationMigrate  MigrationType = "migrate"
	MigrationContract MigrationType = "contract"
)

// RepoChangeState is the per-repo merge lifecycle.
type RepoChangeState string

const (
	RepoNew       RepoChangeState = "NEW"
	RepoPROpen    RepoChangeState = "PR_OPEN"
	RepoCIPassing RepoChangeState = "CI_PASSING"
	RepoMerged    RepoChangeState = "MERGED"
	RepoFailed    RepoChangeState = "FAILED"
	RepoReverted  RepoChangeState = "REVERTED"
)

// RepoChange is one repo's slice of a changeset. CredentialHandle is an
// opaque reference; secret material never transits the core.
type RepoChange struct {
	ChangeID         string          `yaml:"change_id" json:"change_id"`
	RepoID           string          `yaml:"repo_id" json:"repo_id"`
	Branch           string          `yaml:"branch" json:"branch"`
	Files            []string        `yaml:"files" json:"files,omitempty"`
	Deps             []string        `yaml:"deps" json:"deps,omitempty"`
	Migration        MigrationType   `yaml:"migration" json:"migration"`
	RequiresCanary   bool            `yaml:"requires_canary" json:"requires_canary"`
	CredentialHandle string          `yaml:"-" json:"credential_handle,omitempty"`
	State            RepoChangeState `yaml:"-" json:"state,omitempty"`
}

// RollbackStrategy selects how a failed changeset is compensated.
type RollbackStrategy string

const (
	RollbackRevertPR       RollbackStrategy = "revert_pr"
	RollbackEmergencyForce RollbackStrategy = "emergency_force"
	RollbackRollForward    RollbackStrategy = "roll_forward"
)

// MultiRepoChangeSet is an atomically-applied change across repos.
type MultiRepoChangeSet struct {
	ID                 string           `json:"changeset_id"`
	Changes            []RepoChange     `json:"changes"`
	Rollback           RollbackStrategy `json:"rollback_strategy"`
	RequireMergeFreeze bool             `json:"require_merge_freeze"`
	EmergencyContacts  []string         `json:"emergency_contacts,omitempty"`
	Requester          string           `json:"requester,omitempty"`
	RiskScore          float64          `json:"risk_score"`
	Domain             string           `json:"domain,omitempty"`
}

// Validate enforces the changeset invariants: acyclic repo deps and
// expand-before-migrate-before-contract ordering within each repo.
func (cs *MultiRepoChangeSet) Validate() error {
	if cs.ID == "" {
		return fmt.Errorf("changeset id required")
	}
	switch cs.Rollback {
	case RollbackRevertPR, RollbackEmergencyForce, RollbackRollForward:
	case "":
		cs.Rollback = RollbackRevertPR
	default:
		return fmt.Errorf("changeset %s: unknown rollback strategy %q", cs.ID, cs.Rollback)
	}
	byRepo := make(map[string][]MigrationType)
	ids := make(map[string]struct{}, len(cs.Changes))
	for _, rc := range cs.Changes {
		if rc.RepoID == "" {
			return fmt.Errorf("changeset %s: repo change with empty repo_id", cs.ID)
		}
		ids[rc.RepoID] = struct{}{}
		byRepo[rc.RepoID] = append(byRepo[rc.RepoID], rc.Migration)
	}
	for _, rc := range cs.Changes {
		for _, dep := range rc.Deps {
			if _, ok := ids[dep]; !ok {
				return fmt.Errorf("changeset %s: repo %s depends on %s, not in changeset", cs.ID, rc.RepoID, dep)
			}
		}
	}
	if err := checkAcyclicRepos(cs.Changes); err != nil {
		return fmt.Errorf("changeset %s: %w", cs.ID, err)
	}
	// Contract must not be listed ahead of its expand/migrate phases when
	// they ship in the same changeset; the saga enforces run-time ordering.
	for repo, migs := range byRepo {
		seenExpand, seenMigrate := false, false
		for _, m := range migs {
			switch m {
			case MigrationExpand:
				seenExpand = true
			case MigrationMigrate:
				seenMigrate = true
			case MigrationContract:
				if len(migs) > 1 && (!seenExpand || !seenMigrate) {
					return fmt.Errorf("repo %s: contract listed before expand/migrate", repo)
				}
			}
		}
	}
	return nil
}

func checkAcyclicRepos(changes []RepoChange) error {
	deps := make(map[string][]string, len(changes))
	for _, rc := range changes {
		deps[rc.RepoID] = rc.Deps
	}
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(deps))
	var visit func(string) error
	visit = func(n string) error {
		color[n] = gray
		for _, d := range deps[n] {
			switch color[d] {
			case gray:
				return fmt.Errorf("repo dependency cycle through %s", d)
			case white:
				if err := visit(d); err != nil {
					return err
				}
			}
		}
		color[n] = black
		return nil
	}
	for n := range deps {
		if color[n] == white {
			if err := visit(n); err != nil {
				return err
			}
		}
	}
	return nil
}

// MergeLock describes a held distributed merge lock.
type MergeLock struct {
	RepoID       string    `json:"repo_id"`
	Owner        string    `json:"owner"` // changeset_id
	AcquiredAt   time.Time `json:"acquired_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	FencingToken uint64    `json:"fencing_token"`
}

// =============================================================================
// MODEL CONFIGURATION
// =============================================================================

// SafetyTier gates which models may serve high-risk tasks.
type SafetyTier string

const (
	TierExperimental SafetyTier = "experimental"
	TierProduction   SafetyTier = "production"
)

// ModelConfig describes one selectable model configuration.
type ModelConfig struct {
	ModelID         string        `yaml:"model_id" json:"model_id"`
	Provider        string        `yaml:"provider" json:"provider"`
	DomainWhitelist []string      `yaml:"domain_whitelist" json:"domain_whitelist"`
	SafetyTier      SafetyTier    `yaml:"safety_tier" json:"safety_tier"`
	CostPer1KTokens float64       `yaml:"cost_per_1k_tokens" json:"cost_per_1k_tokens"`
	AvgLatency      time.Duration `yaml:"avg_latency" json:"avg_latency"`
	Temperature     float64       `yaml:"temperature" json:"temperature"`
}

// AllowsDomain reports whether the model is whitelisted for the domain.
func (m ModelConfig) AllowsDomain(domain string) bool {
	for _, d := range m.DomainWhitelist {
		if d == domain || d == "*" {
			return true
		}
	}
	return false
}
