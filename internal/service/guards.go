package service

import (
	"fmt"
	"sort"

	celeval "github.com/google/cel-go/cel"

	"github.com/sessionwarden/sessionwarden/internal/adapter/outbound/cel"
	"github.com/sessionwarden/sessionwarden/internal/domain/session"
)

// ErrUnknownGuard is returned for guard names that were never configured.
var ErrUnknownGuard = fmt.Errorf("unknown guard")

// GuardRegistry holds the named route-guard expressions, compiled once at
// startup so a malformed expression fails the process instead of a request.
type GuardRegistry struct {
	eval     *cel.Evaluator
	programs map[string]celeval.Program
}

// NewGuardRegistry compiles every configured guard expression.
func NewGuardRegistry(exprs map[string]string) (*GuardRegistry, error) {
	eval, err := cel.NewEvaluator()
	if err != nil {
		return nil, fmt.Errorf("guard environment: %w", err)
	}
	programs := make(map[string]celeval.Program, len(exprs))
	for name, expr := range exprs {
		if err := eval.ValidateExpression(expr); err != nil {
			return nil, fmt.Errorf("guard %q: %w", name, err)
		}
		prg, err := eval.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("guard %q: %w", name, err)
		}
		programs[name] = prg
	}
	return &GuardRegistry{eval: eval, programs: programs}, nil
}

// Names returns the configured guard names, sorted.
func (g *GuardRegistry) Names() []string {
	names := make([]string, 0, len(g.programs))
	for name := range g.programs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Check evaluates the named guard against the given session. A nil session
// is evaluated with empty bindings, so guards can express "must be logged
// in" via the loaded variable.
func (g *GuardRegistry) Check(name string, sess *session.Session) (bool, error) {
	prg, ok := g.programs[name]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownGuard, name)
	}
	return g.eval.Evaluate(prg, sess)
}
