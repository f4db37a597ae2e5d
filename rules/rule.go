package rules

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ErrEmptyRule is returned when a user step carries no assignment rule.
var ErrEmptyRule = errors.New("assignment rule is empty")

// Resolver maps a step's assignment rule and the instance environment to a user id.
type Resolver interface {
	Resolve(rule string, env map[string]interface{}) (uint64, error)
}

// ResolverFunc is a function adapter for Resolver.
type ResolverFunc func(rule string, env map[string]interface{}) (uint64, error)

// Resolve implements the Resolver interface.
func (f ResolverFunc) Resolve(rule string, env map[string]interface{}) (uint64, error) {
	return f(rule, env)
}

// ExprResolver is an implementation of Resolver using expr-lang/expr.
// A rule is an expression that yields a positive integer, for example
// "initiatorId", "reviewerId" or "amount > 10000 ? directorId : managerId".
type ExprResolver struct {
	cache       map[string]*vm.Program
	mu          sync.RWMutex
	optionsFunc map[string]func(map[string]interface{}) interface{}
}

// NewExprResolver creates a new ExprResolver with an initialized cache.
func NewExprResolver() *ExprResolver {
	return &ExprResolver{
		cache:       make(map[string]*vm.Program),
		optionsFunc: make(map[string]func(map[string]interface{}) interface{}),
	}
}

// AddOptionFunc exposes a derived value to every rule under name.
func (r *ExprResolver) AddOptionFunc(name string, f func(map[string]interface{}) interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.optionsFunc[name] = f
}

// Resolve evaluates rule against env. The caller's env is never modified.
func (r *ExprResolver) Resolve(rule string, env map[string]interface{}) (uint64, error) {
	if rule == "" {
		return 0, ErrEmptyRule
	}

	scope := make(map[string]interface{}, len(env)+len(r.optionsFunc))
	for k, v := range env {
		scope[k] = v
	}
	r.mu.RLock()
	for k, f := range r.optionsFunc {
		scope[k] = f(env)
	}
	program, ok := r.cache[rule]
	r.mu.RUnlock()

	if !ok {
		// Compiled without a typed env: variables differ per instance.
		r.mu.Lock()
		if program, ok = r.cache[rule]; !ok {
			var err error
			program, err = expr.Compile(rule)
			if err != nil {
				r.mu.Unlock()
				return 0, fmt.Errorf("compile assignment rule %q: %w", rule, err)
			}
			r.cache[rule] = program
		}
		r.mu.Unlock()
	}

	result, err := expr.Run(program, scope)
	if err != nil {
		return 0, fmt.Errorf("run assignment rule %q: %w", rule, err)
	}
	id, err := toUserID(result)
	if err != nil {
		return 0, fmt.Errorf("assignment rule %q: %w", rule, err)
	}
	return id, nil
}

func toUserID(v interface{}) (uint64, error) {
	var n int64
	switch val := v.(type) {
	case int:
		n = int64(val)
	case int64:
		n = val
	case int32:
		n = int64(val)
	case uint64:
		if val > math.MaxInt64 {
			return 0, fmt.Errorf("user id %d out of range", val)
		}
		n = int64(val)
	case uint:
		n = int64(val)
	case float64:
		if val != math.Trunc(val) {
			return 0, fmt.Errorf("did not evaluate to an integer user id, got %v", val)
		}
		n = int64(val)
	default:
		return 0, fmt.Errorf("did not evaluate to an integer user id, got %T", v)
	}
	if n <= 0 {
		return 0, fmt.Errorf("did not evaluate to a positive user id, got %d", n)
	}
	return uint64(n), nil
}
