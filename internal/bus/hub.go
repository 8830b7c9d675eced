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
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tombee/maestro/internal/log"
)

const (
	// writeWait bounds a single frame write to a slow consumer.
	writeWait = 10 * time.Second

	// maxMessageSize bounds inbound client frames.
	maxMessageSize = 64 * 1024

	defaultInactiveAfter = 10 * time.Minute
	defaultReapEvery     = 5 * time.Minute
)

// Identity is the authenticated principal bound to a connection. It is
// seeded from the bearer token at upgrade time; a later authenticate
// message replaces it.
type Identity struct {
	UserID         string
	OrganizationID string
}

// Config configures the hub.
type Config struct {
	Logger *slog.Logger

	// Features is reported to clients in the welcome message.
	Features map[string]bool

	// InactiveAfter is how long a silent connection lives before the
	// reaper closes it. Defaults to 10 minutes.
	InactiveAfter time.Duration

	// ReapEvery is the reaper period. Defaults to 5 minutes.
	ReapEvery time.Duration

	// AllowedOrigins restricts websocket upgrades by Origin header.
	// Empty, or a single "*", allows any origin.
	AllowedOrigins []string

	// ConnectionsGauge, when set, tracks the number of open connections.
	ConnectionsGauge prometheus.Gauge
}

// Stats is a point-in-time view of the hub for health reporting.
type Stats struct {
	Connections int            `json:"connections"`
	Channels    map[string]int `json:"channels"`
}

// Hub accepts websocket connections and fans published events out to
// them. Delivery is best effort: there is no per-connection queue, and a
// failed write disconnects the consumer.
type Hub struct {
	upgrader      websocket.Upgrader
	logger        *slog.Logger
	features      map[string]bool
	inactiveAfter time.Duration
	reapEvery     time.Duration
	gauge         prometheus.Gauge

	mu      sync.RWMutex
	conns   map[string]*conn
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

type conn struct {
	id string
	ws *websocket.Conn

	// writeMu serializes frame writes; gorilla allows one writer.
	writeMu sync.Mutex

	mu         sync.Mutex
	userID     string
	orgID      string
	channels   map[string]struct{}
	lastActive time.Time
}

// NewHub creates a hub. Call Start to run the idle-connection reaper.
func NewHub(cfg Config) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	inactive := cfg.InactiveAfter
	if inactive <= 0 {
		inactive = defaultInactiveAfter
	}
	reap := cfg.ReapEvery
	if reap <= 0 {
		reap = defaultReapEvery
	}

	origins := cfg.AllowedOrigins
	checkOrigin := func(r *http.Request) bool {
		if len(origins) == 0 {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, allowed := range origins {
			if allowed == "*" || allowed == origin {
				return true
			}
		}
		return false
	}

	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		logger:        log.WithComponent(logger, "bus"),
		features:      cfg.Features,
		inactiveAfter: inactive,
		reapEvery:     reap,
		gauge:         cfg.ConnectionsGauge,
		conns:         make(map[string]*conn),
	}
}

// clientMessage is the inbound frame shape: {type, data}.
type clientMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// serverMessage is the outbound frame shape: {type, data, timestamp, id}.
type serverMessage struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	ID        string         `json:"id"`
}

// HandleWS upgrades the request and services the connection until the
// peer goes away. The identity from the bearer token seeds the
// connection's delivery filters.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request, ident Identity) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Debug("websocket upgrade failed", log.Error(err))
		return
	}

	c := &conn{
		id:         uuid.NewString(),
		ws:         ws,
		userID:     ident.UserID,
		orgID:      ident.OrganizationID,
		channels:   make(map[string]struct{}),
		lastActive: time.Now(),
	}

	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
	if h.gauge != nil {
		h.gauge.Inc()
	}

	h.logger.Debug("websocket connected",
		slog.String("connection_id", c.id),
		slog.String("user_id", c.userID))

	features := map[string]any{}
	for name, enabled := range h.features {
		features[name] = enabled
	}
	h.sendTo(c, "welcome", map[string]any{
		"connectionId": c.id,
		"features":     features,
	})

	go h.readLoop(c)
}

// readLoop consumes client frames until the connection dies.
func (h *Hub) readLoop(c *conn) {
	defer h.drop(c.id)
	c.ws.SetReadLimit(maxMessageSize)

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		c.touch()

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.sendTo(c, "error", map[string]any{"message": "malformed message"})
			continue
		}
		h.handleClientMessage(c, msg)
	}
}

func (h *Hub) handleClientMessage(c *conn, msg clientMessage) {
	switch msg.Type {
	case "authenticate":
		var body struct {
			UserID         string `json:"userId"`
			OrganizationID string `json:"organizationId"`
		}
		if err := json.Unmarshal(msg.Data, &body); err != nil {
			h.sendTo(c, "error", map[string]any{"message": "malformed authenticate payload"})
			return
		}
		c.mu.Lock()
		c.userID = body.UserID
		c.orgID = body.OrganizationID
		c.mu.Unlock()
		h.sendTo(c, "authenticated", map[string]any{
			"userId":         body.UserID,
			"organizationId": body.OrganizationID,
		})

	case "subscribe":
		channel, ok := channelOf(msg.Data)
		if !ok {
			h.sendTo(c, "error", map[string]any{"message": "subscribe requires a channel"})
			return
		}
		c.mu.Lock()
		c.channels[channel] = struct{}{}
		c.mu.Unlock()
		h.sendTo(c, "subscribed", map[string]any{"channel": channel})

	case "unsubscribe":
		channel, ok := channelOf(msg.Data)
		if !ok {
			h.sendTo(c, "error", map[string]any{"message": "unsubscribe requires a channel"})
			return
		}
		c.mu.Lock()
		delete(c.channels, channel)
		c.mu.Unlock()
		h.sendTo(c, "unsubscribed", map[string]any{"channel": channel})

	case "ping":
		h.sendTo(c, "pong", nil)

	default:
		h.sendTo(c, "error", map[string]any{"message": "unknown message type: " + msg.Type})
	}
}

func channelOf(raw json.RawMessage) (string, bool) {
	var body struct {
		Channel string `json:"channel"`
	}
	if err := json.Unmarshal(raw, &body); err != nil || body.Channel == "" {
		return "", false
	}
	return body.Channel, true
}

// Publish implements Publisher. Events are fanned out to every connection
// whose filters match; a failed write drops the connection.
func (h *Hub) Publish(ev Event) {
	msg := serverMessage{
		Type:      ev.Type,
		Data:      ev.Data,
		Timestamp: time.Now().UTC(),
		ID:        uuid.NewString(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Warn("dropping unmarshalable event", slog.String("type", ev.Type), log.Error(err))
		return
	}

	h.mu.RLock()
	targets := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.wants(ev) {
			continue
		}
		if err := c.write(payload); err != nil {
			h.logger.Debug("disconnecting slow consumer",
				slog.String("connection_id", c.id), log.Error(err))
			h.drop(c.id)
		}
	}
}

// wants reports whether the event passes the connection's organization,
// user, and channel filters.
func (c *conn) wants(ev Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ev.OrganizationID != "" && c.orgID != ev.OrganizationID {
		return false
	}
	if ev.UserID != "" && c.userID != ev.UserID {
		return false
	}
	// A connection with explicit subscriptions only receives events on
	// those channels; one without receives everything in scope.
	if len(c.channels) == 0 || len(ev.Channels) == 0 {
		return true
	}
	for _, ch := range ev.Channels {
		if _, ok := c.channels[ch]; ok {
			return true
		}
	}
	return false
}

func (c *conn) write(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

func (c *conn) touch() {
	c.mu.Lock()
	c.lastActive = time.Now()
	c.mu.Unlock()
}

func (c *conn) idleSince(cutoff time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive.Before(cutoff)
}

// sendTo writes one server message to a single connection.
func (h *Hub) sendTo(c *conn, msgType string, data map[string]any) {
	msg := serverMessage{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now().UTC(),
		ID:        uuid.NewString(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := c.write(payload); err != nil {
		h.drop(c.id)
	}
}

// drop removes and closes a connection. Safe to call more than once.
func (h *Hub) drop(id string) {
	h.mu.Lock()
	c, ok := h.conns[id]
	if ok {
		delete(h.conns, id)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	_ = c.ws.Close()
	if h.gauge != nil {
		h.gauge.Dec()
	}
	h.logger.Debug("websocket disconnected", slog.String("connection_id", id))
}

// Start launches the idle-connection reaper.
func (h *Hub) Start(ctx context.Context) {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.stopCh = make(chan struct{})
	h.doneCh = make(chan struct{})
	h.mu.Unlock()

	go h.run(ctx)
}

// Stop halts the reaper and closes every connection.
func (h *Hub) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	close(h.stopCh)
	h.mu.Unlock()

	<-h.doneCh
	h.closeAll()
}

func (h *Hub) run(ctx context.Context) {
	defer close(h.doneCh)

	ticker := time.NewTicker(h.reapEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopCh:
			return
		case now := <-ticker.C:
			h.reap(now)
		}
	}
}

// reap closes connections with no activity inside the inactivity window.
func (h *Hub) reap(now time.Time) {
	cutoff := now.Add(-h.inactiveAfter)

	h.mu.RLock()
	var idle []string
	for id, c := range h.conns {
		if c.idleSince(cutoff) {
			idle = append(idle, id)
		}
	}
	h.mu.RUnlock()

	for _, id := range idle {
		h.logger.Debug("reaping idle websocket", slog.String("connection_id", id))
		h.drop(id)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[string]*conn)
	h.mu.Unlock()

	for _, c := range conns {
		_ = c.ws.Close()
		if h.gauge != nil {
			h.gauge.Dec()
		}
	}
}

// Stats reports connection and subscription counts.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	st := Stats{
		Connections: len(h.conns),
		Channels:    make(map[string]int),
	}
	for _, c := range h.conns {
		c.mu.Lock()
		for ch := range c.channels {
			st.Channels[ch]++
		}
		c.mu.Unlock()
	}
	return st
}
