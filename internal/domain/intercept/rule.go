package intercept

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/tapwire/tapwire/internal/domain/capture"
)

// maxRuleLength caps hold-rule expressions.
const maxRuleLength = 1024

// ruleCostBudget is the CEL runtime cost limit per evaluation.
const ruleCostBudget = 100_000

// ruleEvalTimeout bounds a single rule evaluation.
const ruleEvalTimeout = time.Second

// Rule is a compiled CEL predicate over a captured envelope. Rules see
// two variables: `direction` ("client_to_server" | "server_to_client")
// and `method` (empty string for responses). Example:
//
//	direction == "client_to_server" && method.startsWith("tools/")
type Rule struct {
	expr string
	prg  cel.Program
}

// newRuleEnvironment builds the CEL environment for hold rules.
func newRuleEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("direction", cel.StringType),
		cel.Variable("method", cel.StringType),
	)
}

// CompileRule parses and type-checks a hold-rule expression.
func CompileRule(expr string) (*Rule, error) {
	if expr == "" {
		return nil, errors.New("rule expression is empty")
	}
	if len(expr) > maxRuleLength {
		return nil, fmt.Errorf("rule expression too long: %d characters (max %d)", len(expr), maxRuleLength)
	}

	env, err := newRuleEnvironment()
	if err != nil {
		return nil, fmt.Errorf("create rule environment: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile rule: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("rule must evaluate to bool, got %v", ast.OutputType())
	}

	prg, err := env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(ruleCostBudget),
	)
	if err != nil {
		return nil, fmt.Errorf("build rule program: %w", err)
	}

	return &Rule{expr: expr, prg: prg}, nil
}

// Expression returns the source expression of the rule.
func (r *Rule) Expression() string {
	return r.expr
}

// Matches evaluates the rule against an envelope.
func (r *Rule) Matches(env *capture.Envelope) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ruleEvalTimeout)
	defer cancel()

	result, _, err := r.prg.ContextEval(ctx, map[string]any{
		"direction": string(env.Direction),
		"method":    env.Method,
	})
	if err != nil {
		return false, fmt.Errorf("evaluate rule: %w", err)
	}

	match, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("rule did not return a boolean, got %T", result.Value())
	}
	return match, nil
}
