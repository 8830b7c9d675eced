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
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tombee/maestro/internal/store"
)

// PlanCache memoizes compiled plans for hot workflows. Entries are keyed
// by workflow identity, version and update time, so editing a workflow
// naturally invalidates its cached plan.
type PlanCache struct {
	plans *lru.Cache[string, *Plan]
}

// NewPlanCache creates a cache holding at most size compiled plans.
func NewPlanCache(size int) (*PlanCache, error) {
	if size <= 0 {
		return nil, fmt.Errorf("plan cache size must be positive, got %d", size)
	}
	plans, err := lru.New[string, *Plan](size)
	if err != nil {
		return nil, err
	}
	return &PlanCache{plans: plans}, nil
}

// Get returns the compiled plan for a workflow, compiling on miss.
func (c *PlanCache) Get(wf *store.Workflow) (*Plan, error) {
	if wf == nil {
		return Compile(wf)
	}
	key := planKey(wf)
	if plan, ok := c.plans.Get(key); ok {
		return plan, nil
	}
	plan, err := Compile(wf)
	if err != nil {
		return nil, err
	}
	c.plans.Add(key, plan)
	return plan, nil
}

// Len reports the number of cached plans.
func (c *PlanCache) Len() int {
	return c.plans.Len()
}

func planKey(wf *store.Workflow) string {
	return wf.ID + "@" + strconv.Itoa(wf.Version) + "#" + strconv.FormatInt(wf.UpdatedAt.UnixNano(), 10)
}
