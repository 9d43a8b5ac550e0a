package events

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/scriptops/scriptops/internal/analysis"
	"github.com/scriptops/scriptops/internal/metrics"
)

func newTestHub() *Hub {
	return NewHub(zap.NewNop(), metrics.New())
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func drain(s *session) []map[string]any {
	var out []map[string]any
	for {
		select {
		case data := <-s.ch:
			var ev map[string]any
			if err := json.Unmarshal(data, &ev); err != nil {
				panic(err)
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestBroadcastReachesOnlySubscribedSessions(t *testing.T) {
	h := newTestHub()
	a := h.addClient("u1", false)
	b := h.addClient("u2", false)
	h.Subscribe(a.id, []string{"an1", "an2"})

	h.Broadcast(EventAnalysisUpdate, "an1", map[string]any{"update": "x"})

	got := drain(a)
	if len(got) != 1 || got[0]["type"] != EventAnalysisUpdate || got[0]["analysisId"] != "an1" {
		t.Fatalf("subscribed session got %v", got)
	}
	if extra := drain(b); len(extra) != 0 {
		t.Fatalf("unsubscribed session got %v", extra)
	}

	h.Unsubscribe(a.id, []string{"an1"})
	h.Broadcast(EventAnalysisUpdate, "an1", nil)
	if extra := drain(a); len(extra) != 0 {
		t.Fatalf("unsubscribed analysis still delivered: %v", extra)
	}

	h.Broadcast(EventAnalysisUpdate, "an2", nil)
	if got := drain(a); len(got) != 1 {
		t.Fatalf("remaining subscription lost: %v", got)
	}
}

func TestTargetedDelivery(t *testing.T) {
	h := newTestHub()
	admin := h.addClient("u1", true)
	member := h.addClient("u2", false)
	memberAgain := h.addClient("u2", false)

	h.BroadcastToAdmins(EventUserRoleUpdated, map[string]any{"userId": "u2"})
	if got := drain(admin); len(got) != 1 || got[0]["type"] != EventUserRoleUpdated {
		t.Fatalf("admin got %v", got)
	}
	if got := drain(member); len(got) != 0 {
		t.Fatalf("member got admin event: %v", got)
	}

	h.SendToUser("u2", EventUserTeamsUpdated, nil)
	if got := drain(member); len(got) != 1 {
		t.Fatalf("first u2 session got %v", got)
	}
	if got := drain(memberAgain); len(got) != 1 {
		t.Fatalf("second u2 session got %v", got)
	}
	if got := drain(admin); len(got) != 0 {
		t.Fatalf("u1 got u2 event: %v", got)
	}

	h.BroadcastToUsers([]string{"u1"}, EventTeamDeleted, map[string]any{"teamId": "t1"})
	if got := drain(admin); len(got) != 1 || got[0]["teamId"] != "t1" {
		t.Fatalf("u1 got %v", got)
	}

	h.BroadcastToAll(EventMetricsUpdate, nil)
	for name, s := range map[string]*session{"admin": admin, "member": member, "memberAgain": memberAgain} {
		if got := drain(s); len(got) != 1 {
			t.Fatalf("%s got %v", name, got)
		}
	}
}

func TestSlowSessionDropped(t *testing.T) {
	h := newTestHub()
	slow := h.addClient("u1", false)
	h.Subscribe(slow.id, []string{"an1"})

	for i := 0; i < sessionQueueCap+1; i++ {
		h.Broadcast(EventLog, "an1", map[string]any{"seq": i})
	}

	if h.SessionCount() != 0 {
		t.Fatalf("overflowed session still registered, count = %d", h.SessionCount())
	}
	// The channel is closed so a reader unblocks.
	n := 0
	for range slow.ch {
		n++
	}
	if n != sessionQueueCap {
		t.Fatalf("queued %d events before drop, want %d", n, sessionQueueCap)
	}
}

func TestRemoveClientIdempotent(t *testing.T) {
	h := newTestHub()
	s := h.addClient("u1", false)
	h.removeClient(s.id)
	h.removeClient(s.id)
	if h.SessionCount() != 0 {
		t.Fatalf("count = %d", h.SessionCount())
	}
	// Addressing a removed session is a no-op.
	h.Subscribe(s.id, []string{"an1"})
	h.Broadcast(EventLog, "an1", nil)
}

func TestNotifierEvents(t *testing.T) {
	h := newTestHub()
	s := h.addClient("u1", false)
	h.Subscribe(s.id, []string{"an1"})

	h.AnalysisUpdate("an1", analysis.Status{State: analysis.StateRunning, PID: 42})
	h.AnalysisLog("an1", "index.js", analysis.LogEntry{Msg: "tick", Level: "info", Sequence: 7}, 7)
	h.LogsCleared("an1", "cleared by operator")
	h.LogsCleared("an1", "")

	got := drain(s)
	if len(got) != 4 {
		t.Fatalf("got %d events: %v", len(got), got)
	}
	if got[0]["type"] != EventAnalysisUpdate {
		t.Fatalf("event 0 = %v", got[0])
	}
	update := got[0]["update"].(map[string]any)
	if update["status"] != string(analysis.StateRunning) {
		t.Fatalf("status payload = %v", update)
	}

	if got[1]["type"] != EventLog || got[1]["fileName"] != "index.js" {
		t.Fatalf("log event = %v", got[1])
	}
	entry := got[1]["log"].(map[string]any)
	if entry["sequence"] != float64(7) || entry["msg"] != "tick" {
		t.Fatalf("log entry payload = %v", entry)
	}
	if got[1]["totalCount"] != float64(7) {
		t.Fatalf("totalCount = %v", got[1]["totalCount"])
	}

	if got[2]["type"] != EventLogsCleared || got[2]["clearMessage"] != "cleared by operator" {
		t.Fatalf("logsCleared event = %v", got[2])
	}
	if _, present := got[3]["clearMessage"]; present {
		t.Fatalf("empty clear message should be omitted: %v", got[3])
	}
}

func TestRefreshInitDataForUser(t *testing.T) {
	h := newTestHub()
	h.InitData = func(userID string) (any, error) {
		return map[string]any{"user": userID}, nil
	}
	s := h.addClient("u1", false)
	other := h.addClient("u2", false)

	h.RefreshInitDataForUser("u1")

	got := drain(s)
	if len(got) != 1 || got[0]["type"] != EventInit {
		t.Fatalf("got %v", got)
	}
	data := got[0]["data"].(map[string]any)
	if data["user"] != "u1" {
		t.Fatalf("init data = %v", data)
	}
	if extra := drain(other); len(extra) != 0 {
		t.Fatalf("other user got init: %v", extra)
	}
}

// readFrame scans to the next data: line and decodes it.
func readFrame(t *testing.T, sc *bufio.Scanner) map[string]any {
	t.Helper()
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev map[string]any
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("decode frame %q: %v", line, err)
		}
		return ev
	}
	t.Fatalf("stream ended: %v", sc.Err())
	return nil
}

func TestServeSSEStream(t *testing.T) {
	h := newTestHub()
	h.InitData = func(userID string) (any, error) {
		return map[string]any{"analyses": []any{}}, nil
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeSSE(w, r, "u1", false)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "no-cache" {
		t.Fatalf("Cache-Control = %q", cc)
	}

	sc := bufio.NewScanner(resp.Body)

	hello := readFrame(t, sc)
	if hello["type"] != "session" {
		t.Fatalf("first frame = %v", hello)
	}
	sessionID := hello["sessionId"].(string)

	init := readFrame(t, sc)
	if init["type"] != EventInit {
		t.Fatalf("second frame = %v", init)
	}

	h.Subscribe(sessionID, []string{"an1"})
	h.AnalysisLog("an1", "index.js", analysis.LogEntry{Msg: "hello", Sequence: 1}, 1)

	ev := readFrame(t, sc)
	if ev["type"] != EventLog || ev["analysisId"] != "an1" {
		t.Fatalf("log frame = %v", ev)
	}

	cancel()
	waitFor(t, func() bool { return h.SessionCount() == 0 }, "session not removed after disconnect")
}

func TestServeSSERejectsNonGet(t *testing.T) {
	h := newTestHub()
	req := httptest.NewRequest(http.MethodPost, "/api/sse/events", nil)
	rec := httptest.NewRecorder()
	h.ServeSSE(rec, req, "u1", false)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rec.Code)
	}
	if h.SessionCount() != 0 {
		t.Fatalf("rejected request registered a session")
	}
}
