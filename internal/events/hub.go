// Package events fans out lifecycle and log events to connected browser
// clients over server-sent events. Delivery is best-effort and in-memory;
// clients catch up after a dropout by re-reading the permanent log file.
package events

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scriptops/scriptops/internal/analysis"
	"github.com/scriptops/scriptops/internal/metrics"
)

// sessionQueueCap bounds each session's outgoing queue. A session that falls
// this far behind is closed; the client reconnects and replays from the log
// file.
const sessionQueueCap = 256

// keepAliveInterval paces comment frames that hold idle connections open
// through proxies.
const keepAliveInterval = 30 * time.Second

// Event type vocabulary published over the stream.
const (
	EventInit                = "init"
	EventAnalysisUpdate      = "analysisUpdate"
	EventAnalysisCreated     = "analysisCreated"
	EventAnalysisDeleted     = "analysisDeleted"
	EventAnalysisRenamed     = "analysisRenamed"
	EventAnalysisUpdated     = "analysisUpdated"
	EventAnalysisEnvUpdated  = "analysisEnvironmentUpdated"
	EventLog                 = "log"
	EventLogsCleared         = "logsCleared"
	EventAnalysisRolledBack  = "analysisRolledBack"
	EventAnalysisMovedToTeam = "analysisMovedToTeam"
	EventTeamDeleted         = "teamDeleted"
	EventUserRoleUpdated     = "userRoleUpdated"
	EventAdminUserRole       = "adminUserRoleUpdated"
	EventUserTeamsUpdated    = "userTeamsUpdated"
	EventUserDeleted         = "userDeleted"
	EventMetricsUpdate       = "metricsUpdate"
)

// session is one connected SSE client.
type session struct {
	id         string
	userID     string
	isAdmin    bool
	ch         chan []byte
	subscribed map[string]struct{}
}

// Hub owns the session map and all addressing. Producers never block: a
// session whose queue overflows is dropped.
type Hub struct {
	log     *zap.Logger
	metrics *metrics.Metrics

	// InitData, when set, builds the per-user init snapshot sent on connect
	// and on RefreshInitDataForUser.
	InitData func(userID string) (any, error)

	mu       sync.RWMutex
	sessions map[string]*session
}

// NewHub creates an empty hub.
func NewHub(log *zap.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		log:      log.Named("events"),
		metrics:  m,
		sessions: make(map[string]*session),
	}
}

// encode builds one event body: {"type": t, ...fields}.
func encode(t string, fields map[string]any) []byte {
	body := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		body[k] = v
	}
	body["type"] = t
	data, err := json.Marshal(body)
	if err != nil {
		// Payloads are built from plain values; a failure here is a bug.
		return []byte(fmt.Sprintf(`{"type":%q}`, t))
	}
	return data
}

// addClient registers a session and returns it.
func (h *Hub) addClient(userID string, isAdmin bool) *session {
	s := &session{
		id:         uuid.NewString(),
		userID:     userID,
		isAdmin:    isAdmin,
		ch:         make(chan []byte, sessionQueueCap),
		subscribed: make(map[string]struct{}),
	}
	h.mu.Lock()
	h.sessions[s.id] = s
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.SSESessions.Inc()
	}
	return s
}

// removeClient drops a session. Idempotent.
func (h *Hub) removeClient(sessionID string) {
	h.mu.Lock()
	_, ok := h.sessions[sessionID]
	delete(h.sessions, sessionID)
	h.mu.Unlock()
	if ok && h.metrics != nil {
		h.metrics.SSESessions.Dec()
	}
}

// Subscribe adds analysis ids to a session's subscription set.
func (h *Hub) Subscribe(sessionID string, analysisIDs []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[sessionID]
	if !ok {
		return
	}
	for _, id := range analysisIDs {
		s.subscribed[id] = struct{}{}
	}
}

// Unsubscribe removes analysis ids from a session's subscription set.
func (h *Hub) Unsubscribe(sessionID string, analysisIDs []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[sessionID]
	if !ok {
		return
	}
	for _, id := range analysisIDs {
		delete(s.subscribed, id)
	}
}

// SessionCount returns the number of connected sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// deliver enqueues data on each matching session without blocking. Overflowed
// sessions are collected and dropped after the read lock is released.
func (h *Hub) deliver(data []byte, match func(*session) bool) {
	var overflowed []string

	h.mu.RLock()
	for _, s := range h.sessions {
		if !match(s) {
			continue
		}
		select {
		case s.ch <- data:
		default:
			overflowed = append(overflowed, s.id)
		}
	}
	h.mu.RUnlock()

	for _, id := range overflowed {
		h.log.Warn("dropping slow session", zap.String("sessionId", id))
		if h.metrics != nil {
			h.metrics.SSEDropped.Inc()
		}
		h.closeSession(id)
	}
}

func (h *Hub) closeSession(sessionID string) {
	h.mu.Lock()
	s, ok := h.sessions[sessionID]
	if ok {
		delete(h.sessions, sessionID)
		close(s.ch)
	}
	h.mu.Unlock()
	if ok && h.metrics != nil {
		h.metrics.SSESessions.Dec()
	}
}

// Broadcast delivers an analysis-scoped event to every session subscribed to
// that analysis.
func (h *Hub) Broadcast(eventType, analysisID string, fields map[string]any) {
	if fields == nil {
		fields = map[string]any{}
	}
	fields["analysisId"] = analysisID
	data := encode(eventType, fields)
	h.deliver(data, func(s *session) bool {
		_, ok := s.subscribed[analysisID]
		return ok
	})
}

// BroadcastToAll delivers an event to every connected session.
func (h *Hub) BroadcastToAll(eventType string, fields map[string]any) {
	data := encode(eventType, fields)
	h.deliver(data, func(*session) bool { return true })
}

// BroadcastToAdmins delivers an event to every session whose user is an
// admin.
func (h *Hub) BroadcastToAdmins(eventType string, fields map[string]any) {
	data := encode(eventType, fields)
	h.deliver(data, func(s *session) bool { return s.isAdmin })
}

// BroadcastToUsers delivers an event to every session belonging to one of
// the given users.
func (h *Hub) BroadcastToUsers(userIDs []string, eventType string, fields map[string]any) {
	ids := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		ids[id] = struct{}{}
	}
	data := encode(eventType, fields)
	h.deliver(data, func(s *session) bool {
		_, ok := ids[s.userID]
		return ok
	})
}

// SendToUser delivers an event to every session for one user.
func (h *Hub) SendToUser(userID, eventType string, fields map[string]any) {
	data := encode(eventType, fields)
	h.deliver(data, func(s *session) bool { return s.userID == userID })
}

// RefreshInitDataForUser pushes a fresh init snapshot to all of a user's
// sessions, used after permission or membership changes.
func (h *Hub) RefreshInitDataForUser(userID string) {
	if h.InitData == nil {
		return
	}
	snapshot, err := h.InitData(userID)
	if err != nil {
		h.log.Warn("build init snapshot", zap.String("userId", userID), zap.Error(err))
		return
	}
	h.SendToUser(userID, EventInit, map[string]any{"data": snapshot})
}

// AnalysisUpdate implements analysis.Notifier.
func (h *Hub) AnalysisUpdate(analysisID string, st analysis.Status) {
	h.Broadcast(EventAnalysisUpdate, analysisID, map[string]any{"update": st})
}

// AnalysisLog implements analysis.Notifier. Clients dedupe by the entry's
// sequence per analysis.
func (h *Hub) AnalysisLog(analysisID, fileName string, entry analysis.LogEntry, totalCount uint64) {
	h.Broadcast(EventLog, analysisID, map[string]any{
		"fileName":   fileName,
		"log":        entry,
		"totalCount": totalCount,
	})
}

// LogsCleared implements analysis.Notifier.
func (h *Hub) LogsCleared(analysisID, clearMessage string) {
	fields := map[string]any{}
	if clearMessage != "" {
		fields["clearMessage"] = clearMessage
	}
	h.Broadcast(EventLogsCleared, analysisID, fields)
}

// ServeSSE handles one live-event connection, blocking until the client
// disconnects or its queue overflows. Only GET is accepted.
func (h *Hub) ServeSSE(w http.ResponseWriter, r *http.Request, userID string, isAdmin bool) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s := h.addClient(userID, isAdmin)
	defer h.removeClient(s.id)

	// Tell the client its session id so it can manage subscriptions, then
	// hand it the init snapshot.
	h.writeFrame(w, flusher, encode("session", map[string]any{"sessionId": s.id}))
	if h.InitData != nil {
		if snapshot, err := h.InitData(userID); err == nil {
			h.writeFrame(w, flusher, encode(EventInit, map[string]any{"data": snapshot}))
		} else {
			h.log.Warn("build init snapshot", zap.String("userId", userID), zap.Error(err))
		}
	}

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case data, ok := <-s.ch:
			if !ok {
				// Dropped for slow consumption.
				return
			}
			h.writeFrame(w, flusher, data)
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *Hub) writeFrame(w http.ResponseWriter, flusher http.Flusher, data []byte) {
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return
	}
	flusher.Flush()
}
