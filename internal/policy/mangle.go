package policy

import (
	"context"
	"embed"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	_ "github.com/google/mangle/builtin"
	"github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"

	"conductor/internal/logging"
)

//go:embed defaults/policy.mg
var defaultBundle embed.FS

// MangleEngine evaluates policy bundles written as Mangle programs.
// The program is parsed and analyzed once; each Evaluate runs against a
// fresh fact store populated from the call's input, so evaluation is
// stateless and deterministic for a (version, subject, input) pair.
type MangleEngine struct {
	mu          sync.RWMutex
	version     string
	programInfo *analysis.ProgramInfo
}

// NewMangleEngine compiles a policy bundle. Empty source loads the
// embedded default bundle.
func NewMangleEngine(version, source string) (*MangleEngine, error) {
	timer := logging.StartTimer(logging.CategoryPolicy, "NewMangleEngine")
	defer timer.Stop()

	if source == "" {
		data, err := defaultBundle.ReadFile("defaults/policy.mg")
		if err != nil {
			return nil, fmt.Errorf("embedded policy bundle unreadable: %w", err)
		}
		source = string(data)
	}
	if version == "" {
		version = "default-v1"
	}

	parsed, err := parse.Unit(strings.NewReader(source))
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy bundle %s: %w", version, err)
	}
	programInfo, err := analysis.AnalyzeOneUnit(parsed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to analyze policy bundle %s: %w", version, err)
	}
	logging.Policy("policy bundle %s compiled (%d clauses)", version, len(parsed.Clauses))
	return &MangleEngine{version: version, programInfo: programInfo}, nil
}

// Version returns the bundle version.
func (e *MangleEngine) Version() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.version
}

// Evaluate derives allow/1, deny_reason/2, and obligation/3 facts for the
// subject. Deny-by-default: no allow fact means deny. Numeric inputs are
// detected by parse and asserted scaled as input_num (floats in [0,1]
// become 0..100, matching the kernel's integer-only comparison rule).
func (e *MangleEngine) Evaluate(ctx context.Context, subject string, input map[string]string) (Decision, error) {
	select {
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	default:
	}

	e.mu.RLock()
	programInfo := e.programInfo
	version := e.version
	e.mu.RUnlock()

	subjectAtom, err := ast.Name("/" + subject)
	if err != nil {
		return Decision{}, fmt.Errorf("invalid subject %q: %w", subject, err)
	}

	store := factstore.NewSimpleInMemoryStore()
	store.Add(ast.NewAtom("subject", subjectAtom))
	for k, v := range input {
		if n, ok := numericInput(v); ok {
			store.Add(ast.NewAtom("input_num", ast.String(k), ast.Number(n)))
		}
		store.Add(ast.NewAtom("input", ast.String(k), ast.String(v)))
	}

	if err := engine.EvalProgram(programInfo, store); err != nil {
		return Decision{}, fmt.Errorf("policy evaluation failed: %w", err)
	}

	dec := Decision{PolicyVersion: version, Obligations: map[string]string{}}
	store.GetFacts(ast.NewQuery(ast.PredicateSym{Symbol: "allow", Arity: 1}), func(a ast.Atom) error {
		if nameEquals(a.Args[0], subjectAtom) {
			dec.Allow = true
		}
		return nil
	})
	store.GetFacts(ast.NewQuery(ast.PredicateSym{Symbol: "deny_reason", Arity: 2}), func(a ast.Atom) error {
		if nameEquals(a.Args[0], subjectAtom) {
			dec.Allow = false
			dec.Rationale = stringTerm(a.Args[1])
		}
		return nil
	})
	store.GetFacts(ast.NewQuery(ast.PredicateSym{Symbol: "obligation", Arity: 3}), func(a ast.Atom) error {
		if nameEquals(a.Args[0], subjectAtom) {
			dec.Obligations[stringTerm(a.Args[1])] = stringTerm(a.Args[2])
		}
		return nil
	})

	if dec.Allow && dec.Rationale == "" {
		dec.Rationale = "matched allow rule"
	}
	if !dec.Allow && dec.Rationale == "" {
		dec.Rationale = "no matching allow rule"
	}
	return dec, nil
}

// numericInput parses a decimal input. Floats in [0,1] scale to 0..100;
// other floats truncate. Mangle comparisons are integer-only.
func numericInput(v string) (int64, bool) {
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return n, true
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		if f >= 0 && f <= 1 {
			return int64(f * 100), true
		}
		return int64(f), true
	}
	return 0, false
}

func nameEquals(term ast.BaseTerm, name ast.Constant) bool {
	c, ok := term.(ast.Constant)
	return ok && c.Type == ast.NameType && c.Symbol == name.Symbol
}

// stringTerm extracts the Go string from a Mangle constant.
func stringTerm(term ast.BaseTerm) string {
	c, ok := term.(ast.Constant)
	if !ok {
		return ""
	}
	switch c.Type {
	case ast.NameType, ast.StringType:
		return c.Symbol
	default:
		return c.String()
	}
}
