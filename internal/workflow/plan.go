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

// Package workflow compiles workflow definitions into run plans and drives
// their execution. A plan is an immutable snapshot of the step graph taken
// when a run is created; the executor walks the graph, dispatches ready
// steps onto the queue, cascades failures, and finalizes the run.
package workflow

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tombee/maestro/internal/store"
	"github.com/tombee/maestro/pkg/errors"
)

// Step is one node of a compiled plan.
type Step struct {
	ID        string
	Name      string
	AgentID   string
	Order     int
	Config    map[string]any
	DependsOn []string
	Condition string
	Transform string

	// Slug is the step's key in the run output namespace: the step name
	// lowercased with whitespace runs collapsed to single underscores.
	Slug string
}

// Plan is the compiled form of a workflow: validated steps in ascending
// order plus the dependency adjacency derived from them. Workflow edits
// after compilation never affect a plan already attached to a run.
type Plan struct {
	WorkflowID    string
	Version       int
	FailurePolicy string

	// Sequential marks a plan whose steps declared no dependencies at
	// all. Such workflows run strictly in step order and every step
	// receives the outputs of all steps before it.
	Sequential bool

	// Steps in ascending Order.
	Steps []*Step

	byID       map[string]*Step
	dependents map[string][]string
}

// Slugify normalizes a step name into its output namespace key.
func Slugify(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), "_")
}

// Compile validates a workflow definition and snapshots it into a plan.
// It rejects empty workflows, duplicate orders or slugs, references to
// unknown steps, self-dependencies, and cyclic graphs.
func Compile(wf *store.Workflow) (*Plan, error) {
	if wf == nil {
		return nil, &errors.ValidationError{Field: "workflow", Message: "workflow is required"}
	}
	if len(wf.Steps) == 0 {
		return nil, &errors.ValidationError{
			Field:      "steps",
			Message:    "workflow has no steps",
			Suggestion: "define at least one step before executing the workflow",
		}
	}

	plan := &Plan{
		WorkflowID:    wf.ID,
		Version:       wf.Version,
		FailurePolicy: wf.FailurePolicy,
		Steps:         make([]*Step, 0, len(wf.Steps)),
		byID:          make(map[string]*Step, len(wf.Steps)),
		dependents:    make(map[string][]string, len(wf.Steps)),
	}
	if plan.FailurePolicy == "" {
		plan.FailurePolicy = store.FailFast
	}

	orders := make(map[int]string, len(wf.Steps))
	slugs := make(map[string]string, len(wf.Steps))
	declared := false

	for _, ws := range wf.Steps {
		if ws.ID == "" {
			return nil, &errors.ValidationError{Field: "steps.id", Message: "step is missing an identifier"}
		}
		if ws.Name == "" {
			return nil, &errors.ValidationError{
				Field:   "steps.name",
				Message: fmt.Sprintf("step %s has no name", ws.ID),
			}
		}
		if ws.AgentID == "" {
			return nil, &errors.ValidationError{
				Field:   "steps.agent",
				Message: fmt.Sprintf("step %q has no agent", ws.Name),
			}
		}
		if _, dup := plan.byID[ws.ID]; dup {
			return nil, &errors.ValidationError{
				Field:   "steps.id",
				Message: fmt.Sprintf("duplicate step identifier %s", ws.ID),
			}
		}
		if prev, dup := orders[ws.Order]; dup {
			return nil, &errors.ValidationError{
				Field:   "steps.order",
				Message: fmt.Sprintf("steps %q and %q share order %d", prev, ws.Name, ws.Order),
			}
		}
		orders[ws.Order] = ws.Name

		slug := Slugify(ws.Name)
		if prev, dup := slugs[slug]; dup {
			return nil, &errors.ValidationError{
				Field:      "steps.name",
				Message:    fmt.Sprintf("steps %q and %q normalize to the same output key %q", prev, ws.Name, slug),
				Suggestion: "rename one of the steps so outputs do not collide",
			}
		}
		slugs[slug] = ws.Name

		step := &Step{
			ID:        ws.ID,
			Name:      ws.Name,
			AgentID:   ws.AgentID,
			Order:     ws.Order,
			Config:    ws.Config,
			DependsOn: append([]string(nil), ws.DependsOn...),
			Condition: ws.Condition,
			Transform: ws.Transform,
			Slug:      slug,
		}
		if len(step.DependsOn) > 0 {
			declared = true
		}
		plan.Steps = append(plan.Steps, step)
		plan.byID[step.ID] = step
	}

	sort.Slice(plan.Steps, func(i, j int) bool { return plan.Steps[i].Order < plan.Steps[j].Order })

	// Legacy sequential contract: no step declared dependencies, so each
	// step implicitly depends on the one before it.
	if !declared {
		plan.Sequential = true
		for i := 1; i < len(plan.Steps); i++ {
			plan.Steps[i].DependsOn = []string{plan.Steps[i-1].ID}
		}
	}

	for _, step := range plan.Steps {
		seen := make(map[string]bool, len(step.DependsOn))
		for _, dep := range step.DependsOn {
			if dep == step.ID {
				return nil, &errors.ValidationError{
					Field:   "steps.depends_on",
					Message: fmt.Sprintf("step %q depends on itself", step.Name),
				}
			}
			if _, ok := plan.byID[dep]; !ok {
				return nil, &errors.ValidationError{
					Field:   "steps.depends_on",
					Message: fmt.Sprintf("step %q depends on unknown step %s", step.Name, dep),
				}
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			plan.dependents[dep] = append(plan.dependents[dep], step.ID)
		}
	}

	if err := plan.checkAcyclic(); err != nil {
		return nil, err
	}
	return plan, nil
}

// checkAcyclic runs Kahn's algorithm over the dependency graph. Any node
// left unvisited sits on a cycle.
func (p *Plan) checkAcyclic() error {
	indegree := p.InDegrees()
	queue := make([]string, 0, len(p.Steps))
	for _, step := range p.Steps {
		if indegree[step.ID] == 0 {
			queue = append(queue, step.ID)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, dep := range p.dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if visited != len(p.Steps) {
		var stuck []string
		for _, step := range p.Steps {
			if indegree[step.ID] > 0 {
				stuck = append(stuck, step.Name)
			}
		}
		return &errors.ValidationError{
			Field:      "steps.depends_on",
			Message:    fmt.Sprintf("dependency cycle involving steps: %s", strings.Join(stuck, ", ")),
			Suggestion: "remove one of the depends_on edges to break the cycle",
		}
	}
	return nil
}

// Step returns the plan step with the given identifier.
func (p *Plan) Step(id string) (*Step, bool) {
	s, ok := p.byID[id]
	return s, ok
}

// Dependents returns the identifiers of steps that directly depend on id.
func (p *Plan) Dependents(id string) []string {
	return p.dependents[id]
}

// InDegrees returns a fresh unmet-dependency count per step. Duplicate
// depends_on entries count once.
func (p *Plan) InDegrees() map[string]int {
	in := make(map[string]int, len(p.Steps))
	for _, step := range p.Steps {
		seen := make(map[string]bool, len(step.DependsOn))
		n := 0
		for _, dep := range step.DependsOn {
			if !seen[dep] {
				seen[dep] = true
				n++
			}
		}
		in[step.ID] = n
	}
	return in
}
