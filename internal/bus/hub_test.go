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

package bus

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wsMessage struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
	ID        string         `json:"id"`
}

func newTestHub(t *testing.T, cfg Config) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(cfg)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		hub.HandleWS(w, r, Identity{
			UserID:         r.URL.Query().Get("user"),
			OrganizationID: r.URL.Query().Get("org"),
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	t.Cleanup(hub.closeAll)
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	if query != "" {
		url += "?" + query
	}
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readMessage(t *testing.T, ws *websocket.Conn) wsMessage {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)
	var msg wsMessage
	require.NoError(t, json.Unmarshal(raw, &msg))
	return msg
}

func send(t *testing.T, ws *websocket.Conn, msgType string, data map[string]any) {
	t.Helper()
	payload, err := json.Marshal(map[string]any{"type": msgType, "data": data})
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, payload))
}

func TestWelcomeCarriesConnectionIDAndFeatures(t *testing.T) {
	_, srv := newTestHub(t, Config{Features: map[string]bool{"websockets": true}})

	ws := dial(t, srv, "")
	welcome := readMessage(t, ws)

	assert.Equal(t, "welcome", welcome.Type)
	assert.NotEmpty(t, welcome.Data["connectionId"])
	assert.NotEmpty(t, welcome.ID)
	features, ok := welcome.Data["features"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, features["websockets"])
}

func TestPingPong(t *testing.T) {
	_, srv := newTestHub(t, Config{})

	ws := dial(t, srv, "")
	readMessage(t, ws) // welcome

	send(t, ws, "ping", nil)
	assert.Equal(t, "pong", readMessage(t, ws).Type)
}

func TestUnknownMessageType(t *testing.T) {
	_, srv := newTestHub(t, Config{})

	ws := dial(t, srv, "")
	readMessage(t, ws)

	send(t, ws, "bogus", nil)
	msg := readMessage(t, ws)
	assert.Equal(t, "error", msg.Type)
	assert.Contains(t, msg.Data["message"], "bogus")
}

func TestChannelSubscriptionFiltering(t *testing.T) {
	hub, srv := newTestHub(t, Config{})

	firehose := dial(t, srv, "")
	readMessage(t, firehose)

	tasksOnly := dial(t, srv, "")
	readMessage(t, tasksOnly)
	send(t, tasksOnly, "subscribe", map[string]any{"channel": ChannelTasks})
	assert.Equal(t, "subscribed", readMessage(t, tasksOnly).Type)

	hub.Publish(Event{
		Type:     EventWorkflowStarted,
		Channels: []string{ChannelWorkflows},
		Data:     map[string]any{"workflowRunId": "run-1"},
	})
	hub.Publish(Event{
		Type:     EventTaskStatus,
		Channels: []string{ChannelTasks},
		Data:     map[string]any{"taskId": "task-1"},
	})

	// The unsubscribed connection receives both events in order.
	assert.Equal(t, EventWorkflowStarted, readMessage(t, firehose).Type)
	assert.Equal(t, EventTaskStatus, readMessage(t, firehose).Type)

	// The subscriber only sees the tasks channel.
	msg := readMessage(t, tasksOnly)
	assert.Equal(t, EventTaskStatus, msg.Type)
	assert.Equal(t, "task-1", msg.Data["taskId"])
}

func TestUnsubscribeRestoresFirehose(t *testing.T) {
	hub, srv := newTestHub(t, Config{})

	ws := dial(t, srv, "")
	readMessage(t, ws)

	send(t, ws, "subscribe", map[string]any{"channel": ChannelSystem})
	readMessage(t, ws)
	send(t, ws, "unsubscribe", map[string]any{"channel": ChannelSystem})
	readMessage(t, ws)

	hub.Publish(Event{Type: EventTaskStatus, Channels: []string{ChannelTasks}})
	assert.Equal(t, EventTaskStatus, readMessage(t, ws).Type)
}

func TestOrganizationFiltering(t *testing.T) {
	hub, srv := newTestHub(t, Config{})

	acme := dial(t, srv, "org=org-acme&user=u1")
	readMessage(t, acme)
	other := dial(t, srv, "org=org-other&user=u2")
	readMessage(t, other)

	hub.Publish(Event{
		Type:           EventWorkflowCompleted,
		OrganizationID: "org-acme",
		Data:           map[string]any{"workflowRunId": "run-9"},
	})
	// Broadcast event reaches both afterwards; it doubles as a fence so
	// we can assert the scoped event never reached the other org.
	hub.Publish(Event{Type: EventResourceWarning, Data: map[string]any{"pct": 81}})

	assert.Equal(t, EventWorkflowCompleted, readMessage(t, acme).Type)
	assert.Equal(t, EventResourceWarning, readMessage(t, acme).Type)
	assert.Equal(t, EventResourceWarning, readMessage(t, other).Type)
}

func TestAuthenticateRebindsIdentity(t *testing.T) {
	hub, srv := newTestHub(t, Config{})

	ws := dial(t, srv, "")
	readMessage(t, ws)

	send(t, ws, "authenticate", map[string]any{"userId": "u7", "organizationId": "org-7"})
	auth := readMessage(t, ws)
	assert.Equal(t, "authenticated", auth.Type)
	assert.Equal(t, "u7", auth.Data["userId"])

	hub.Publish(Event{Type: EventTaskCompleted, OrganizationID: "org-7"})
	assert.Equal(t, EventTaskCompleted, readMessage(t, ws).Type)
}

func TestReapClosesIdleConnections(t *testing.T) {
	hub, srv := newTestHub(t, Config{InactiveAfter: time.Nanosecond})

	ws := dial(t, srv, "")
	readMessage(t, ws)
	require.Equal(t, 1, hub.Stats().Connections)

	time.Sleep(10 * time.Millisecond)
	hub.reap(time.Now())

	assert.Equal(t, 0, hub.Stats().Connections)
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	assert.Error(t, err)
}

func TestStatsCountsSubscriptions(t *testing.T) {
	hub, srv := newTestHub(t, Config{})

	a := dial(t, srv, "")
	readMessage(t, a)
	b := dial(t, srv, "")
	readMessage(t, b)

	send(t, a, "subscribe", map[string]any{"channel": ChannelWorkflows})
	readMessage(t, a)
	send(t, b, "subscribe", map[string]any{"channel": ChannelWorkflows})
	readMessage(t, b)
	send(t, b, "subscribe", map[string]any{"channel": ChannelTasks})
	readMessage(t, b)

	st := hub.Stats()
	assert.Equal(t, 2, st.Connections)
	assert.Equal(t, 2, st.Channels[ChannelWorkflows])
	assert.Equal(t, 1, st.Channels[ChannelTasks])
}
