// Package cel provides a CEL-based route-guard evaluator: named boolean
// expressions over the observable session (permission set, profile,
// loadedness) that presentation collaborators use for route guarding.
package cel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/sessionwarden/sessionwarden/internal/domain/session"
)

// maxExpressionLength caps guard expression size.
const maxExpressionLength = 1024

// maxCostBudget is the CEL runtime cost limit, guarding against
// cost-exhaustion from pathological expressions.
const maxCostBudget = 100_000

// maxNestingDepth is the maximum parenthesis/bracket nesting depth.
const maxNestingDepth = 50

// evalTimeout bounds a single guard evaluation.
const evalTimeout = 5 * time.Second

// interruptCheckFreq is how often (in comprehension iterations) context
// cancellation is checked.
const interruptCheckFreq = 100

// Evaluator compiles and evaluates guard expressions.
type Evaluator struct {
	env *cel.Env
}

// NewGuardEnvironment creates a CEL environment with the guard variables:
//
//	permissions  list(string)  the session's granted permission set
//	profile      map(string)   id, username, display_name, email
//	loaded       bool          whether a confirmed session exists
func NewGuardEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("permissions", cel.ListType(cel.StringType)),
		cel.Variable("profile", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("loaded", cel.BoolType),
	)
}

// NewEvaluator creates an evaluator with the guard environment.
func NewEvaluator() (*Evaluator, error) {
	env, err := NewGuardEnvironment()
	if err != nil {
		return nil, fmt.Errorf("failed to create guard environment: %w", err)
	}
	return &Evaluator{env: env}, nil
}

// Compile parses and type-checks a guard expression, returning a compiled
// program.
func (e *Evaluator) Compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compilation failed: %w", issues.Err())
	}

	prg, err := e.env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
		cel.InterruptCheckFrequency(interruptCheckFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation failed: %w", err)
	}

	return prg, nil
}

// validateNesting checks that the expression does not exceed the maximum
// allowed nesting depth for parentheses, brackets, and braces.
func validateNesting(expr string) error {
	var depth, maxDepth int
	for _, ch := range expr {
		switch ch {
		case '(', '[', '{':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ')', ']', '}':
			depth--
		}
	}
	if maxDepth > maxNestingDepth {
		return fmt.Errorf("expression nesting too deep: %d levels (max %d)", maxDepth, maxNestingDepth)
	}
	return nil
}

// ValidateExpression checks that a guard expression is syntactically valid
// and within the safety limits. Called at config load so bad guards fail
// startup, not requests.
func (e *Evaluator) ValidateExpression(expr string) error {
	if len(expr) > maxExpressionLength {
		return fmt.Errorf("expression too long: %d characters (max %d)", len(expr), maxExpressionLength)
	}

	if expr == "" {
		return errors.New("expression is empty")
	}

	if err := validateNesting(expr); err != nil {
		return err
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("invalid guard expression: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return fmt.Errorf("guard expression must evaluate to bool, got %s", ast.OutputType())
	}

	return nil
}

// Evaluate runs a compiled guard against the given session (nil means
// logged out). Returns true only if the expression evaluates to true.
func (e *Evaluator) Evaluate(prg cel.Program, sess *session.Session) (bool, error) {
	activation := buildActivation(sess)

	ctx, cancel := context.WithTimeout(context.Background(), evalTimeout)
	defer cancel()

	result, _, err := prg.ContextEval(ctx, activation)
	if err != nil {
		return false, fmt.Errorf("evaluation failed: %w", err)
	}

	boolResult, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression did not return a boolean, got %T", result.Value())
	}

	return boolResult, nil
}

// buildActivation maps the session onto the guard variables. Absent
// sessions get empty values so guards can be written total.
func buildActivation(sess *session.Session) map[string]any {
	if sess == nil {
		return map[string]any{
			"permissions": []string{},
			"profile":     map[string]string{},
			"loaded":      false,
		}
	}
	perms := sess.Permissions
	if perms == nil {
		perms = []string{}
	}
	return map[string]any{
		"permissions": perms,
		"profile": map[string]string{
			"id":           sess.Profile.ID,
			"username":     sess.Profile.Username,
			"display_name": sess.Profile.DisplayName,
			"email":        sess.Profile.Email,
		},
		"loaded": sess.Loaded,
	}
}
