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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/maestro/internal/store"
)

func TestPlanCacheReusesCompiledPlans(t *testing.T) {
	cache, err := NewPlanCache(4)
	require.NoError(t, err)

	wf := planWorkflow(store.WorkflowStep{ID: "a", AgentID: "x", Name: "One", Order: 1})
	wf.UpdatedAt = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	first, err := cache.Get(wf)
	require.NoError(t, err)
	second, err := cache.Get(wf)
	require.NoError(t, err)
	assert.Same(t, first, second, "cache hit returns the compiled plan")
	assert.Equal(t, 1, cache.Len())
}

func TestPlanCacheInvalidatesOnEdit(t *testing.T) {
	cache, err := NewPlanCache(4)
	require.NoError(t, err)

	wf := planWorkflow(store.WorkflowStep{ID: "a", AgentID: "x", Name: "One", Order: 1})
	wf.UpdatedAt = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	first, err := cache.Get(wf)
	require.NoError(t, err)

	wf.Version++
	wf.UpdatedAt = wf.UpdatedAt.Add(time.Minute)
	second, err := cache.Get(wf)
	require.NoError(t, err)
	assert.NotSame(t, first, second, "editing the workflow changes the cache key")
	assert.Equal(t, 2, cache.Len())
}

func TestPlanCachePropagatesCompileErrors(t *testing.T) {
	cache, err := NewPlanCache(4)
	require.NoError(t, err)

	wf := planWorkflow(
		store.WorkflowStep{ID: "a", AgentID: "x", Name: "One", Order: 1, DependsOn: []string{"b"}},
		store.WorkflowStep{ID: "b", AgentID: "x", Name: "Two", Order: 2, DependsOn: []string{"a"}},
	)
	_, err = cache.Get(wf)
	require.Error(t, err)
	assert.Equal(t, 0, cache.Len(), "failed compiles are not cached")
}

func TestPlanCacheRejectsBadSize(t *testing.T) {
	_, err := NewPlanCache(0)
	require.Error(t, err)
}
