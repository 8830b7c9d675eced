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
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig describes a per-user request budget: Max requests per
// Window, with bursts up to Max.
type RateLimitConfig struct {
	Max    int
	Window time.Duration
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter enforces a per-user token bucket. Idle buckets are dropped
// by Cleanup so the map does not grow with user churn.
type RateLimiter struct {
	mu      sync.Mutex
	users   map[string]*limiterEntry
	limit   rate.Limit
	burst   int
	enabled bool
}

// NewRateLimiter builds a limiter from cfg. A non-positive Max or Window
// disables limiting.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	rl := &RateLimiter{users: make(map[string]*limiterEntry)}
	if cfg.Max <= 0 || cfg.Window <= 0 {
		return rl
	}
	rl.enabled = true
	rl.limit = rate.Limit(float64(cfg.Max) / cfg.Window.Seconds())
	rl.burst = cfg.Max
	return rl
}

// Allow reports whether one more request from key fits the budget.
func (rl *RateLimiter) Allow(key string) bool {
	if !rl.enabled {
		return true
	}
	rl.mu.Lock()
	entry, ok := rl.users[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.users[key] = entry
	}
	entry.lastSeen = time.Now()
	rl.mu.Unlock()
	return entry.limiter.Allow()
}

// Cleanup drops buckets idle longer than maxIdle.
func (rl *RateLimiter) Cleanup(maxIdle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := time.Now().Add(-maxIdle)
	for key, entry := range rl.users {
		if entry.lastSeen.Before(cutoff) {
			delete(rl.users, key)
		}
	}
}

// Size returns the number of tracked users.
func (rl *RateLimiter) Size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.users)
}
