// Package policy evaluates expression rules that decide what happens to a
// query after the domain index has been consulted.
package policy

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Actions a rule can take.
const (
	ActionAnswer   = "answer"
	ActionNXDomain = "nxdomain"
	ActionRefuse   = "refuse"
	ActionDrop     = "drop"
	ActionPass     = "pass"
)

var validActions = []string{ActionAnswer, ActionNXDomain, ActionRefuse, ActionDrop, ActionPass}

// ErrInvalidAction is returned by AddRule for an unknown action.
var ErrInvalidAction = errors.New("invalid policy action")

// Rule is a policy rule
type Rule struct {
	Name    string
	Logic   string
	Action  string
	Enabled bool
	program *vm.Program
}

// Engine is the policy engine. Rules are evaluated in insertion order and the
// first match wins. It is safe for concurrent use.
type Engine struct {
	mu    sync.RWMutex
	rules []*Rule
}

// NewEngine creates a new policy engine
func NewEngine() *Engine {
	return &Engine{}
}

// ValidateAction normalizes and checks an action name.
func ValidateAction(action string) (string, error) {
	a := strings.ToLower(strings.TrimSpace(action))
	if !slices.Contains(validActions, a) {
		return "", fmt.Errorf("%w: %q (must be one of %s)", ErrInvalidAction, action, strings.Join(validActions, ", "))
	}
	return a, nil
}

// AddRule compiles rule.Logic against Context and appends the rule.
func (e *Engine) AddRule(rule *Rule) error {
	if err := compile(rule); err != nil {
		return err
	}

	e.mu.Lock()
	e.rules = append(e.rules, rule)
	e.mu.Unlock()
	return nil
}

// ReplaceRules compiles rules and swaps them in as one unit. If any rule
// fails to compile the current rules are kept.
func (e *Engine) ReplaceRules(rules []*Rule) error {
	for _, rule := range rules {
		if err := compile(rule); err != nil {
			return err
		}
	}

	e.mu.Lock()
	e.rules = slices.Clone(rules)
	e.mu.Unlock()
	return nil
}

// queryTypeInFunc exposes QueryTypeIn(QueryType, "A", "AAAA", ...) to rules.
var queryTypeInFunc = expr.Function("QueryTypeIn",
	func(params ...any) (any, error) {
		if len(params) == 0 {
			return false, nil
		}
		qtype, _ := params[0].(string)
		types := make([]string, 0, len(params)-1)
		for _, p := range params[1:] {
			if t, ok := p.(string); ok {
				types = append(types, t)
			}
		}
		return QueryTypeIn(qtype, types...), nil
	},
	new(func(string, ...string) bool),
)

func compile(rule *Rule) error {
	action, err := ValidateAction(rule.Action)
	if err != nil {
		return fmt.Errorf("rule %q: %w", rule.Name, err)
	}

	program, err := expr.Compile(rule.Logic, expr.Env(Context{}), expr.AsBool(), queryTypeInFunc)
	if err != nil {
		return fmt.Errorf("rule %q: failed to compile logic: %w", rule.Name, err)
	}

	rule.Action = action
	rule.program = program
	return nil
}

// Evaluate returns the first enabled rule whose logic is true for ctx. Rules
// that fail at run time are treated as not matching.
func (e *Engine) Evaluate(ctx Context) (bool, *Rule) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, rule := range e.rules {
		if !rule.Enabled || rule.program == nil {
			continue
		}
		out, err := expr.Run(rule.program, ctx)
		if err != nil {
			continue
		}
		if matched, ok := out.(bool); ok && matched {
			return true, rule
		}
	}
	return false, nil
}

// GetRules returns a copy of the rule list.
func (e *Engine) GetRules() []*Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Clone(e.rules)
}

// Count returns the number of rules.
func (e *Engine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rules)
}
