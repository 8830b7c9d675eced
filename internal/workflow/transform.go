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
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/itchyny/gojq"
)

const (
	// transformTimeout bounds a single jq program run. Transforms are
	// pure data reshaping and should never take this long.
	transformTimeout = 1 * time.Second
)

// Transformer applies jq programs to step outputs before they enter the
// run's output namespace. Compiled programs are cached per program text.
type Transformer struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewTransformer creates an empty transformer.
func NewTransformer() *Transformer {
	return &Transformer{cache: make(map[string]*gojq.Code)}
}

// Apply runs a jq program against a step output. An empty program returns
// the output unchanged. Non-object results are wrapped under a "result"
// key so the output namespace stays a map.
func (t *Transformer) Apply(ctx context.Context, program string, output map[string]any) (map[string]any, error) {
	if program == "" {
		return output, nil
	}

	code, err := t.compile(program)
	if err != nil {
		return nil, err
	}

	execCtx, cancel := context.WithTimeout(ctx, transformTimeout)
	defer cancel()

	iter := code.RunWithContext(execCtx, anyMap(output))

	var results []any
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			if execCtx.Err() != nil {
				return nil, fmt.Errorf("transform timeout after %v", transformTimeout)
			}
			return nil, fmt.Errorf("transform failed: %w", err)
		}
		results = append(results, v)
	}

	var result any
	switch len(results) {
	case 0:
		result = nil
	case 1:
		result = results[0]
	default:
		result = results
	}

	if m, ok := result.(map[string]any); ok {
		return m, nil
	}
	return map[string]any{"result": result}, nil
}

// Check compiles a jq program without running it, for validation at
// workflow registration.
func (t *Transformer) Check(program string) error {
	if program == "" {
		return nil
	}
	_, err := t.compile(program)
	return err
}

func (t *Transformer) compile(program string) (*gojq.Code, error) {
	t.mu.RLock()
	if code, ok := t.cache[program]; ok {
		t.mu.RUnlock()
		return code, nil
	}
	t.mu.RUnlock()

	query, err := gojq.Parse(program)
	if err != nil {
		return nil, fmt.Errorf("invalid jq expression: %w", err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("jq compilation failed: %w", err)
	}

	t.mu.Lock()
	t.cache[program] = code
	t.mu.Unlock()
	return code, nil
}

// anyMap converts the output to the plain any-typed form gojq operates on.
func anyMap(m map[string]any) any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
