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

// Package bus is the in-process notification fan-out. Components publish
// typed events; websocket subscribers receive them filtered by
// organization, user, and channel subscription.
package bus

// Event types published by the executor, orchestrator, and resource
// manager.
const (
	EventWorkflowStarted   = "workflow_started"
	EventWorkflowRunning   = "workflow_running"
	EventWorkflowCompleted = "workflow_completed"
	EventWorkflowFailed    = "workflow_failed"
	EventWorkflowCancelled = "workflow_cancelled"
	EventTaskStatus        = "task_status"
	EventTaskCompleted     = "task_completed"
	EventTaskFailed        = "task_failed"
	EventResourceWarning   = "resource_warning"
	EventLimitsUpdated     = "limits_updated"
)

// Well-known channels. Run-scoped events additionally go to RunChannel.
const (
	ChannelWorkflows = "workflows"
	ChannelTasks     = "tasks"
	ChannelSystem    = "system"
)

// RunChannel names the per-run channel for clients following one run.
func RunChannel(runID string) string {
	return "run:" + runID
}

// Event is a single notification. OrganizationID and UserID narrow
// delivery when set; Channels lists the subscription channels the event
// belongs to (empty means broadcast).
type Event struct {
	Type           string
	Channels       []string
	OrganizationID string
	UserID         string
	Data           map[string]any
}

// Publisher is the sink the pipeline publishes events to.
type Publisher interface {
	Publish(ev Event)
}

// Nop is a Publisher that discards every event. Used in tests and when
// websockets are disabled.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(Event) {}
