// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package workflow

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/tombee/maestro/pkg/errors"
)

// Evaluator evaluates step conditions against the run input and upstream
// step outputs. Compiled programs are cached; every run of a workflow
// re-evaluates the same small set of expressions.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewEvaluator creates an empty condition evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{cache: make(map[string]*vm.Program)}
}

// Evaluate runs a condition against the step's view of the run. The
// environment exposes "input" (the run input) and "steps" (upstream
// outputs keyed by step slug). An empty condition is true.
func (e *Evaluator) Evaluate(condition string, input, steps map[string]any) (bool, error) {
	if condition == "" {
		return true, nil
	}

	program, err := e.compile(condition)
	if err != nil {
		return false, &errors.ValidationError{
			Field:      "condition",
			Message:    fmt.Sprintf("failed to compile condition: %s", err.Error()),
			Suggestion: "check the expression syntax",
		}
	}

	env := map[string]any{
		"input":    input,
		"steps":    steps,
		"has":      containsFunc,
		"includes": containsFunc,
		"length":   lenFunc,
	}

	result, err := expr.Run(program, env)
	if err != nil {
		return false, &errors.ValidationError{
			Field:   "condition",
			Message: fmt.Sprintf("condition evaluation failed: %s", err.Error()),
		}
	}

	ok, isBool := result.(bool)
	if !isBool {
		return false, &errors.ValidationError{
			Field:      "condition",
			Message:    fmt.Sprintf("condition must return boolean, got %T (%v)", result, result),
			Suggestion: "use comparison operators or boolean functions",
		}
	}
	return ok, nil
}

// Check compiles a condition without running it, for validation at
// workflow registration.
func (e *Evaluator) Check(condition string) error {
	if condition == "" {
		return nil
	}
	if _, err := e.compile(condition); err != nil {
		return &errors.ValidationError{
			Field:      "condition",
			Message:    fmt.Sprintf("failed to compile condition: %s", err.Error()),
			Suggestion: "check the expression syntax",
		}
	}
	return nil
}

func (e *Evaluator) compile(condition string) (*vm.Program, error) {
	e.mu.RLock()
	if prog, ok := e.cache[condition]; ok {
		e.mu.RUnlock()
		return prog, nil
	}
	e.mu.RUnlock()

	// "contains" is a reserved string operator in expr, so the helpers
	// are exposed as "has" and "includes".
	env := map[string]any{
		"has":      containsFunc,
		"includes": containsFunc,
		"length":   lenFunc,
	}

	prog, err := expr.Compile(condition,
		expr.Env(env),
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[condition] = prog
	e.mu.Unlock()
	return prog, nil
}

// containsFunc reports whether a collection holds a value: slice element,
// map key, or substring.
func containsFunc(collection, value any) bool {
	if collection == nil {
		return false
	}
	rv := reflect.ValueOf(collection)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			if reflect.DeepEqual(rv.Index(i).Interface(), value) {
				return true
			}
		}
	case reflect.Map:
		for _, key := range rv.MapKeys() {
			if reflect.DeepEqual(key.Interface(), value) {
				return true
			}
		}
	case reflect.String:
		if s, ok := value.(string); ok {
			return strings.Contains(rv.String(), s)
		}
	}
	return false
}

// lenFunc returns the length of a string, slice, array or map, and 0 for
// anything else.
func lenFunc(v any) int {
	if v == nil {
		return 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String, reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len()
	}
	return 0
}
