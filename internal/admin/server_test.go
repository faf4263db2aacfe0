package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/danmuck/peerlink/internal/link"
	"github.com/danmuck/peerlink/internal/testutil/testlog"
)

// holdTransport accepts sends and never answers them.
type holdTransport struct {
	mu        sync.Mutex
	reachable  bool
	sent       []link.Envelope
	background []link.BackgroundEnvelope
}

func (h *holdTransport) Send(env link.Envelope, _ func(link.Reply), _ func(error)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, env)
}
func (h *holdTransport) TransferBackground(env link.BackgroundEnvelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.background = append(h.background, env)
}
func (h *holdTransport) SetState(link.StateEnvelope) error        { return nil }
func (h *holdTransport) Activated() bool                          { return true }
func (h *holdTransport) Reachable() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reachable
}

func newTestServer(t *testing.T, role link.Role, token string) (*Server, *link.Link) {
	t.Helper()
	return newTestServerOn(t, role, token, &holdTransport{})
}

func newTestServerOn(t *testing.T, role link.Role, token string, tr *holdTransport) (*Server, *link.Link) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := link.DefaultConfig()
	cfg.Role = role
	cfg.Peer = "admin-test"
	cfg.OnLogLevel = func(string) error { return nil }
	l, err := link.New(cfg, tr)
	if err != nil {
		t.Fatalf("new link: %v", err)
	}
	return New(Config{Peer: "admin-test", Token: token}, l), l
}

func do(t *testing.T, s *Server, method, path, body, token string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	s.HTTPRouter().ServeHTTP(rr, req)
	var out map[string]any
	if rr.Body.Len() > 0 && strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode %s %s: %v body=%s", method, path, err, rr.Body.String())
		}
	}
	return rr.Code, out
}

func TestHealthReadyAndSnapshot(t *testing.T) {
	testlog.Start(t)
	s, _ := newTestServer(t, link.RoleFollower, "")

	code, body := do(t, s, http.MethodGet, "/health", "", "")
	if code != http.StatusOK || body["status"] != "ok" || body["peer"] != "admin-test" {
		t.Fatalf("unexpected health: %d %#v", code, body)
	}
	code, body = do(t, s, http.MethodGet, "/ready", "", "")
	if code != http.StatusServiceUnavailable || body["ready"] != false || body["activated"] != true {
		t.Fatalf("unreachable peer reported ready: %d %#v", code, body)
	}
	code, body = do(t, s, http.MethodGet, "/link", "", "")
	if code != http.StatusOK || body["role"] != "follower" {
		t.Fatalf("unexpected snapshot: %d %#v", code, body)
	}
	if queues, ok := body["queues"].([]any); !ok || len(queues) != 3 {
		t.Fatalf("expected three queue stats, got %#v", body["queues"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	testlog.Start(t)
	s, _ := newTestServer(t, link.RoleFollower, "")
	do(t, s, http.MethodGet, "/health", "", "")
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	s.HTTPRouter().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "peerlink_") {
		t.Fatalf("metrics not exposed: %d", rr.Code)
	}
}

func TestSendQueuesAndFlush(t *testing.T) {
	testlog.Start(t)
	s, l := newTestServer(t, link.RoleFollower, "")

	code, body := do(t, s, http.MethodPost, "/link/messages", `{"type":"note","body":{"n":1},"ack":true}`, "")
	if code != http.StatusAccepted || body["status"] != "queued" {
		t.Fatalf("unexpected send: %d %#v", code, body)
	}
	do(t, s, http.MethodPost, "/link/messages", `{"type":"note","body":{"n":2},"ack":true}`, "")
	do(t, s, http.MethodPost, "/link/messages", `{"type":"other","body":"x","ack":true}`, "")
	if depth := l.Snapshot().Queues[0].Depth; depth != 3 {
		t.Fatalf("expected depth 3, got %d", depth)
	}

	code, body = do(t, s, http.MethodPost, "/link/flush/message?type=note", "", "")
	if code != http.StatusOK || body["flushed"] != float64(2) {
		t.Fatalf("unexpected flush by type: %d %#v", code, body)
	}
	code, body = do(t, s, http.MethodPost, "/link/flush/message", "", "")
	if code != http.StatusOK || body["flushed"] != float64(1) {
		t.Fatalf("unexpected flush: %d %#v", code, body)
	}
	code, _ = do(t, s, http.MethodPost, "/link/flush/binary?type=note", "", "")
	if code != http.StatusBadRequest {
		t.Fatalf("type filter on binary should be rejected, got %d", code)
	}
	code, _ = do(t, s, http.MethodPost, "/link/flush/carrier-pigeon", "", "")
	if code != http.StatusBadRequest {
		t.Fatalf("unknown channel should be rejected, got %d", code)
	}
}

func TestSendRejectsReservedAndEmpty(t *testing.T) {
	testlog.Start(t)
	s, _ := newTestServer(t, link.RoleFollower, "")
	code, body := do(t, s, http.MethodPost, "/link/messages", `{"type":"link.ack","body":"1"}`, "")
	if code != http.StatusBadRequest || !strings.Contains(body["error"].(string), "reserved") {
		t.Fatalf("reserved type accepted: %d %#v", code, body)
	}
	code, _ = do(t, s, http.MethodPost, "/link/state", `{"ack":true}`, "")
	if code != http.StatusBadRequest {
		t.Fatalf("missing body accepted: %d", code)
	}
	code, _ = do(t, s, http.MethodPost, "/link/messages", `not json`, "")
	if code != http.StatusBadRequest {
		t.Fatalf("invalid json accepted: %d", code)
	}
}

func TestCancelPending(t *testing.T) {
	testlog.Start(t)
	s, _ := newTestServer(t, link.RoleFollower, "")
	_, body := do(t, s, http.MethodPost, "/link/background", `{"body":"bulk","ack":true}`, "")
	ts := int64(body["timestamp"].(float64))

	code, _ := do(t, s, http.MethodPost, "/link/cancel/background/"+strconv.FormatInt(ts, 10), "", "")
	if code != http.StatusOK {
		t.Fatalf("cancel failed: %d", code)
	}
	code, _ = do(t, s, http.MethodPost, "/link/cancel/background/"+strconv.FormatInt(ts, 10), "", "")
	if code != http.StatusNotFound {
		t.Fatalf("second cancel should miss, got %d", code)
	}
	code, _ = do(t, s, http.MethodPost, "/link/cancel/background/abc", "", "")
	if code != http.StatusBadRequest {
		t.Fatalf("bad timestamp accepted: %d", code)
	}
}

func TestResetRequiresAuthority(t *testing.T) {
	testlog.Start(t)
	follower, _ := newTestServer(t, link.RoleFollower, "")
	code, _ := do(t, follower, http.MethodPost, "/link/reset", `{"reason":"test"}`, "")
	if code != http.StatusConflict {
		t.Fatalf("follower reset should conflict, got %d", code)
	}

	authority, l := newTestServer(t, link.RoleAuthority, "")
	before := l.Epoch()
	code, body := do(t, authority, http.MethodPost, "/link/reset", "", "")
	if code != http.StatusAccepted || int64(body["epoch"].(float64)) <= before {
		t.Fatalf("unexpected reset: %d %#v before=%d", code, body, before)
	}
}

func TestMutatingRoutesRequireToken(t *testing.T) {
	testlog.Start(t)
	s, _ := newTestServer(t, link.RoleFollower, "s3cret")

	code, _ := do(t, s, http.MethodPost, "/link/flush/message", "", "")
	if code != http.StatusUnauthorized {
		t.Fatalf("missing token accepted: %d", code)
	}
	code, _ = do(t, s, http.MethodPost, "/link/flush/message", "", "wrong")
	if code != http.StatusUnauthorized {
		t.Fatalf("wrong token accepted: %d", code)
	}
	code, _ = do(t, s, http.MethodPost, "/link/flush/message", "", "s3cret")
	if code != http.StatusOK {
		t.Fatalf("valid token rejected: %d", code)
	}
	code, _ = do(t, s, http.MethodGet, "/link", "", "")
	if code != http.StatusOK {
		t.Fatalf("read routes stay open, got %d", code)
	}
}

func TestReadyFollowsReachability(t *testing.T) {
	testlog.Start(t)
	tr := &holdTransport{reachable: true}
	s, _ := newTestServerOn(t, link.RoleFollower, "", tr)

	code, body := do(t, s, http.MethodGet, "/ready", "", "")
	if code != http.StatusOK || body["ready"] != true {
		t.Fatalf("reachable peer not ready: %d %#v", code, body)
	}
	tr.mu.Lock()
	tr.reachable = false
	tr.mu.Unlock()
	code, body = do(t, s, http.MethodGet, "/ready", "", "")
	if code != http.StatusServiceUnavailable || body["ready"] != false {
		t.Fatalf("lost peer still ready: %d %#v", code, body)
	}
}

func TestSendBodiesArriveUnquoted(t *testing.T) {
	testlog.Start(t)
	tr := &holdTransport{reachable: true}
	s, _ := newTestServerOn(t, link.RoleFollower, "", tr)

	if code, _ := do(t, s, http.MethodPost, "/link/binary", `{"body":"abc"}`, ""); code != http.StatusAccepted {
		t.Fatalf("binary send rejected: %d", code)
	}
	if code, _ := do(t, s, http.MethodPost, "/link/background", `{"body":{"n":1}}`, ""); code != http.StatusAccepted {
		t.Fatalf("background send rejected: %d", code)
	}
	if code, _ := do(t, s, http.MethodPost, "/link/state", `{"body":null}`, ""); code != http.StatusBadRequest {
		t.Fatalf("null body accepted: %d", code)
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.sent) != 1 || string(tr.sent[0].Body) != "abc" {
		t.Fatalf("string body should arrive without quotes: %#v", tr.sent)
	}
	if len(tr.background) != 1 || string(tr.background[0].Body) != `{"n":1}` {
		t.Fatalf("object body should arrive as json: %#v", tr.background)
	}
}
