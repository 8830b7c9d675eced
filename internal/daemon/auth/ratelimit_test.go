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

package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterAllowsBurst(t *testing.T) {
	// A long window keeps refill negligible during the loop.
	rl := NewRateLimiter(RateLimitConfig{Max: 10, Window: time.Minute})

	for i := 0; i < 10; i++ {
		assert.True(t, rl.Allow("user-1"), "request %d should be allowed", i)
	}
	assert.False(t, rl.Allow("user-1"))
}

func TestRateLimiterRefills(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Max: 10, Window: time.Second})

	for i := 0; i < 10; i++ {
		rl.Allow("user-1")
	}
	assert.False(t, rl.Allow("user-1"))

	// 10 req/s refills one token every 100ms.
	time.Sleep(150 * time.Millisecond)
	assert.True(t, rl.Allow("user-1"))
}

func TestRateLimiterIsolatesUsers(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Max: 2, Window: time.Minute})

	assert.True(t, rl.Allow("user-1"))
	assert.True(t, rl.Allow("user-1"))
	assert.False(t, rl.Allow("user-1"))

	assert.True(t, rl.Allow("user-2"))
}

func TestRateLimiterDisabled(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{})

	for i := 0; i < 1000; i++ {
		assert.True(t, rl.Allow("user-1"))
	}
	assert.Equal(t, 0, rl.Size())
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Max: 100, Window: time.Minute})

	rl.Allow("stale")
	time.Sleep(30 * time.Millisecond)
	rl.Allow("fresh")
	assert.Equal(t, 2, rl.Size())

	rl.Cleanup(20 * time.Millisecond)
	assert.Equal(t, 1, rl.Size())

	// The surviving bucket keeps its state.
	assert.True(t, rl.Allow("fresh"))
}
