// Package policy provides the CEL-based review policy engine. Policies
// run over finished assessments and decide the transaction's review
// status; they never feed back into the fused suspicion score.
package policy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Engine compiles and evaluates review policies.
type Engine struct {
	mu       sync.RWMutex
	env      *cel.Env
	compiled map[string]*CompiledPolicy
}

// CompiledPolicy holds a pre-compiled CEL program.
type CompiledPolicy struct {
	Policy  *domain.ReviewPolicy
	Program cel.Program
}

// NewEngine creates a review policy engine with the assessment variables
// bound into the CEL environment.
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("suspicion_score", cel.IntType),
		cel.Variable("anomaly_score", cel.IntType),
		cel.Variable("behavioral_score", cel.IntType),
		cel.Variable("classifier_score", cel.IntType),
		cel.Variable("is_anomaly", cel.BoolType),
		cel.Variable("classifier_used", cel.BoolType),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("category", cel.StringType),
		cel.Variable("merchant", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:      env,
		compiled: make(map[string]*CompiledPolicy),
	}, nil
}

// ValidatePolicy compiles a policy without loading it.
func (e *Engine) ValidatePolicy(p *domain.ReviewPolicy) error {
	if p == nil {
		return fmt.Errorf("policy is required")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compile(p)
	return err
}

// LoadPolicy compiles and loads a single policy.
func (e *Engine) LoadPolicy(p *domain.ReviewPolicy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := e.compile(p)
	if err != nil {
		return err
	}

	e.compiled[p.ID] = compiled

	return nil
}

// LoadPolicies compiles and loads every enabled policy.
func (e *Engine) LoadPolicies(policies []*domain.ReviewPolicy) error {
	for _, p := range policies {
		if p.Enabled {
			if err := e.LoadPolicy(p); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReloadPolicies replaces the loaded set wholesale. Used for hot-reload
// from the database: either the full new set compiles, or the old set
// keeps serving.
func (e *Engine) ReloadPolicies(policies []*domain.ReviewPolicy) error {
	fresh := make(map[string]*CompiledPolicy)
	for _, p := range policies {
		if !p.Enabled {
			continue
		}
		compiled, err := e.compile(p)
		if err != nil {
			return err
		}
		fresh[p.ID] = compiled
	}

	e.mu.Lock()
	e.compiled = fresh
	e.mu.Unlock()

	return nil
}

// LoadedPolicies returns the currently loaded policy configurations.
func (e *Engine) LoadedPolicies() []*domain.ReviewPolicy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]*domain.ReviewPolicy, 0, len(e.compiled))
	for _, c := range e.compiled {
		policies = append(policies, c.Policy)
	}
	return policies
}

// PoliciesCount returns the number of loaded policies.
func (e *Engine) PoliciesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiled)
}

// EvaluateInput carries the assessment fields exposed to policy
// expressions.
type EvaluateInput struct {
	TxID            string
	SuspicionScore  int
	AnomalyScore    int
	BehavioralScore int
	ClassifierScore int
	IsAnomaly       bool
	ClassifierUsed  bool
	Amount          float64
	Category        string
	Merchant        string
}

// EvaluateAll runs every loaded policy against the assessment.
func (e *Engine) EvaluateAll(ctx context.Context, input *EvaluateInput) ([]domain.PolicyResult, error) {
	e.mu.RLock()
	policies := make([]*CompiledPolicy, 0, len(e.compiled))
	for _, c := range e.compiled {
		policies = append(policies, c)
	}
	e.mu.RUnlock()

	if len(policies) == 0 {
		return nil, nil
	}

	activation := map[string]any{
		"suspicion_score":  int64(input.SuspicionScore),
		"anomaly_score":    int64(input.AnomalyScore),
		"behavioral_score": int64(input.BehavioralScore),
		"classifier_score": int64(input.ClassifierScore),
		"is_anomaly":       input.IsAnomaly,
		"classifier_used":  input.ClassifierUsed,
		"amount":           input.Amount,
		"category":         input.Category,
		"merchant":         input.Merchant,
	}

	results := make([]domain.PolicyResult, 0, len(policies))
	for _, p := range policies {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		results = append(results, e.evaluate(p, activation, input.TxID))
	}

	return results, nil
}

func (e *Engine) evaluate(p *CompiledPolicy, activation map[string]any, txID string) domain.PolicyResult {
	start := time.Now()

	result := domain.PolicyResult{
		PolicyID: p.Policy.ID,
		TxID:     txID,
	}

	out, _, err := p.Program.Eval(activation)
	if err != nil {
		result.Outcome = domain.ReviewPending
		result.Reason = fmt.Sprintf("evaluation error: %v", err)
		result.ProcessMs = time.Since(start).Milliseconds()
		return result
	}

	score := toScore(out)
	result.Score = score
	result.Outcome, result.Reason = matchBand(score, p.Policy.Bands)
	result.ProcessMs = time.Since(start).Milliseconds()

	return result
}

// Decide collapses policy results into a single review status. The most
// restrictive outcome wins: blocked over pending over approved. With no
// results the transaction is approved.
func Decide(results []domain.PolicyResult) (string, string) {
	status, reason := domain.ReviewApproved, ""
	for _, r := range results {
		switch r.Outcome {
		case domain.ReviewBlocked:
			return domain.ReviewBlocked, r.Reason
		case domain.ReviewPending:
			status, reason = domain.ReviewPending, r.Reason
		}
	}
	return status, reason
}

// Close clears the loaded policies.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiled = make(map[string]*CompiledPolicy)
	return nil
}

// toScore converts a CEL value to a numeric score.
func toScore(val ref.Val) float64 {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return 1.0
		}
		return 0.0
	case types.Double:
		return float64(v)
	case types.Int:
		return float64(v)
	default:
		return 0.0
	}
}

// matchBand finds the matching band for a score. Bands are evaluated in
// order, lower bound inclusive, upper exclusive; nil upper means
// unbounded.
func matchBand(score float64, bands []domain.PolicyBand) (string, string) {
	for _, band := range bands {
		lower := 0.0
		if band.LowerLimit != nil {
			lower = *band.LowerLimit
		}
		if score < lower {
			continue
		}
		if band.UpperLimit == nil || score < *band.UpperLimit {
			return band.Outcome, band.Reason
		}
	}

	return domain.ReviewApproved, "no matching band"
}

func (e *Engine) compile(p *domain.ReviewPolicy) (*CompiledPolicy, error) {
	ast, issues := e.env.Compile(p.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile policy %s: %w", p.ID, issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, fmt.Errorf("policy %s: expression must return bool, int, or double, got %s", p.ID, outputType)
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for policy %s: %w", p.ID, err)
	}

	return &CompiledPolicy{
		Policy:  p,
		Program: program,
	}, nil
}
