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

package agent

import (
	"context"
	"testing"
	"time"
)

func TestHandlerFunc_Invoke(t *testing.T) {
	a := NewFunc(ResourceHint{MemoryMB: 64}, func(ctx context.Context, task Task) (Result, error) {
		return Result{Success: true, Output: map[string]any{"echo": task.Input["msg"]}}, nil
	})

	res, err := a.Invoke(context.Background(), Task{
		ID:    "task-1",
		Input: map[string]any{"msg": "hello"},
	})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if !res.Success {
		t.Error("expected success")
	}
	if res.Output["echo"] != "hello" {
		t.Errorf("expected echo 'hello', got %v", res.Output["echo"])
	}

	if got := a.ResourceHint().MemoryMB; got != 64 {
		t.Errorf("ResourceHint().MemoryMB = %d, want 64", got)
	}
}

func TestDefaultHint_PerType(t *testing.T) {
	tests := []struct {
		agentType  string
		wantMemory int64
	}{
		{TypeCodeReview, 256},
		{TypeTesting, 256},
		{TypeDeployment, 128},
		{TypeHTTP, 64},
		{TypeMCP, 64},
		{"unknown-type", 128},
	}

	for _, tt := range tests {
		t.Run(tt.agentType, func(t *testing.T) {
			hint := DefaultHint(tt.agentType)
			if hint.MemoryMB != tt.wantMemory {
				t.Errorf("DefaultHint(%q).MemoryMB = %d, want %d", tt.agentType, hint.MemoryMB, tt.wantMemory)
			}
		})
	}
}

func TestSleep_HonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- Sleep(ctx, 10*time.Second)
	}()

	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Sleep() = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Sleep did not return after cancellation")
	}
}

func TestSleep_Elapses(t *testing.T) {
	if err := Sleep(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("Sleep() = %v, want nil", err)
	}
}
