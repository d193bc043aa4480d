package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/smallnest/permgate/bus"
	"github.com/smallnest/permgate/lifecycle"
	"github.com/smallnest/permgate/permission"
)

type wireMessage struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code int    `json:"code"`
		Data string `json:"data"`
	} `json:"error"`
}

type testGateway struct {
	server   *Server
	registry *permission.Registry
	http     *httptest.Server
}

func newTestGateway(t *testing.T, token string) *testGateway {
	t.Helper()

	eventBus := bus.NewEventBus(16)
	t.Cleanup(func() { _ = eventBus.Close() })

	reg := permission.NewRegistry(NewBusNotifier(eventBus), permission.WithPromptTimeout(5*time.Second))
	t.Cleanup(func() { reg.Close(context.Background()) })

	ctrl := lifecycle.NewController(reg, lifecycle.Config{ArtifactDir: t.TempDir()})
	opts := DefaultOptions()
	opts.Token = token
	srv := NewServer(opts, reg, ctrl, eventBus)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.closeAllConnections()
		ts.Close()
	})
	return &testGateway{server: srv, registry: reg, http: ts}
}

func (g *testGateway) dial(t *testing.T, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(g.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	msg := readUntil(t, conn, func(m wireMessage) bool { return m.Method == "connected" })
	if len(msg.Params) == 0 {
		t.Fatalf("expected welcome params")
	}
	return conn
}

func readUntil(t *testing.T, conn *websocket.Conn, match func(wireMessage) bool) wireMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var m wireMessage
		if err := conn.ReadJSON(&m); err != nil {
			t.Fatalf("read: %v", err)
		}
		if match(m) {
			return m
		}
	}
}

func rpc(t *testing.T, conn *websocket.Conn, id int, method string, params interface{}) wireMessage {
	t.Helper()
	req := map[string]interface{}{"jsonrpc": "2.0", "id": id, "method": method, "params": params}
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("write: %v", err)
	}
	want := fmt.Sprintf("%d", id)
	return readUntil(t, conn, func(m wireMessage) bool { return string(m.ID) == want })
}

func postPrompt(port int, toolName string) <-chan permission.Decision {
	out := make(chan permission.Decision, 1)
	go func() {
		body, _ := json.Marshal(permission.Request{ToolUseID: "tu", ToolName: toolName, Input: json.RawMessage(`{"x":1}`)})
		resp, err := http.Post(fmt.Sprintf("http://127.0.0.1:%d%s", port, permission.PromptPath), "application/json", bytes.NewReader(body))
		if err != nil {
			close(out)
			return
		}
		defer resp.Body.Close()
		var d permission.Decision
		_ = json.NewDecoder(resp.Body).Decode(&d)
		out <- d
	}()
	return out
}

func TestHealthEndpoint(t *testing.T) {
	g := newTestGateway(t, "")

	resp, err := http.Get(g.http.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	post, err := http.Post(g.http.URL+"/health", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	post.Body.Close()
	if post.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", post.StatusCode)
	}
}

func TestHealthReportsClosedBus(t *testing.T) {
	eventBus := bus.NewEventBus(4)
	reg := permission.NewRegistry(nil)
	defer reg.Close(context.Background())
	srv := NewServer(DefaultOptions(), reg, lifecycle.NewController(reg, lifecycle.Config{ArtifactDir: t.TempDir()}), eventBus)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	_ = eventBus.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 after bus close, got %d", resp.StatusCode)
	}
}

func TestPumpUnsubscribesWhenSendFails(t *testing.T) {
	g := newTestGateway(t, "")
	ws := g.dial(t, nil)

	eventBus := bus.NewEventBus(1)
	defer eventBus.Close()
	sub := eventBus.Subscribe(permission.GlobalChannel)

	conn := NewConnection(ws, DefaultOptions())
	_ = ws.UnderlyingConn().Close()

	done := make(chan struct{})
	go func() {
		g.server.pump(conn, sub)
		close(done)
	}()

	if _, err := eventBus.Publish(permission.GlobalChannel, permission.PromptEvent{PromptID: "p1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("pump did not stop after a failed send")
	}
	if n := eventBus.SubscriberCount(); n != 0 {
		t.Fatalf("expected subscription removed, %d left", n)
	}
}

func TestPromptRoundTripOverWebSocket(t *testing.T) {
	g := newTestGateway(t, "")
	conn := g.dial(t, nil)

	start := rpc(t, conn, 1, "session.start", map[string]string{"session_id": "s1"})
	if start.Error != nil {
		t.Fatalf("session.start failed: %+v", start.Error)
	}
	var launch lifecycle.Launch
	if err := json.Unmarshal(start.Result, &launch); err != nil {
		t.Fatalf("decode launch: %v", err)
	}

	result := postPrompt(launch.Port, "Bash")

	notif := readUntil(t, conn, func(m wireMessage) bool { return m.Method == NotificationPrompt })
	var pn PromptNotification
	if err := json.Unmarshal(notif.Params, &pn); err != nil {
		t.Fatalf("decode notification: %v", err)
	}
	if pn.Channel != permission.GlobalChannel || pn.Prompt.SessionID != "s1" || pn.Prompt.ToolName != "Bash" {
		t.Fatalf("unexpected notification %+v", pn)
	}

	pending := rpc(t, conn, 2, "permission.pending", map[string]string{"session_id": "s1"})
	if !strings.Contains(string(pending.Result), pn.Prompt.PromptID) {
		t.Fatalf("expected prompt listed as pending, got %s", pending.Result)
	}

	resolved := rpc(t, conn, 3, "permission.resolve", map[string]interface{}{
		"session_id": "s1",
		"prompt_id":  pn.Prompt.PromptID,
		"decision":   map[string]string{"behavior": "deny", "message": "not now"},
	})
	if resolved.Error != nil {
		t.Fatalf("resolve failed: %+v", resolved.Error)
	}

	select {
	case d := <-result:
		if d.Behavior != permission.BehaviorDeny || d.Message != "not now" {
			t.Fatalf("unexpected decision %+v", d)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("prompt was not answered")
	}

	again := rpc(t, conn, 4, "permission.resolve", map[string]interface{}{
		"session_id": "s1",
		"prompt_id":  pn.Prompt.PromptID,
		"decision":   map[string]string{"behavior": "allow"},
	})
	if again.Error == nil || again.Error.Data != "prompt_not_found" {
		t.Fatalf("second resolve should fail with prompt_not_found, got %+v", again.Error)
	}
}

func TestSubscribeScopesNotifications(t *testing.T) {
	g := newTestGateway(t, "")
	conn := g.dial(t, nil)

	portA, err := g.registry.Start(context.Background(), "a")
	if err != nil {
		t.Fatalf("start a: %v", err)
	}
	portB, err := g.registry.Start(context.Background(), "b")
	if err != nil {
		t.Fatalf("start b: %v", err)
	}

	sub := rpc(t, conn, 1, "permission.subscribe", map[string]string{"session_id": "b"})
	if sub.Error != nil || !strings.Contains(string(sub.Result), permission.SessionChannel("b")) {
		t.Fatalf("unexpected subscribe result %+v", sub)
	}

	postPrompt(portA, "ToolA")
	postPrompt(portB, "ToolB")

	notif := readUntil(t, conn, func(m wireMessage) bool { return m.Method == NotificationPrompt })
	var pn PromptNotification
	_ = json.Unmarshal(notif.Params, &pn)
	if pn.Channel != permission.SessionChannel("b") || pn.Prompt.ToolName != "ToolB" {
		t.Fatalf("expected only session b prompts, got %+v", pn)
	}
}

func TestWebSocketAuth(t *testing.T) {
	g := newTestGateway(t, "s3cret")
	url := "ws" + strings.TrimPrefix(g.http.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("expected unauthenticated dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}

	_, _, err = websocket.DefaultDialer.Dial(url+"?token=wrong", nil)
	if err == nil {
		t.Fatalf("expected wrong token to fail")
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer s3cret")
	conn := g.dial(t, header)
	if resp := rpc(t, conn, 1, "health", nil); resp.Error != nil {
		t.Fatalf("health failed: %+v", resp.Error)
	}
}

func TestParseErrorResponse(t *testing.T) {
	g := newTestGateway(t, "")
	conn := g.dial(t, nil)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{nope")); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg := readUntil(t, conn, func(m wireMessage) bool { return m.Error != nil })
	if msg.Error.Code != -32700 {
		t.Fatalf("expected parse error, got %+v", msg.Error)
	}
}

func TestStartAndStop(t *testing.T) {
	eventBus := bus.NewEventBus(4)
	defer eventBus.Close()
	reg := permission.NewRegistry(nil)
	defer reg.Close(context.Background())

	opts := DefaultOptions()
	opts.Port = 0
	srv := NewServer(opts, reg, lifecycle.NewController(reg, lifecycle.Config{ArtifactDir: t.TempDir()}), eventBus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := srv.Start(ctx); err == nil {
		t.Fatalf("second start should fail")
	}
	if !srv.IsRunning() || srv.Addr() == "" {
		t.Fatalf("expected running server with address")
	}

	resp, err := http.Get("http://" + srv.Addr() + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	resp.Body.Close()

	if err := srv.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if srv.IsRunning() {
		t.Fatalf("expected stopped server")
	}
	_ = srv.Stop()
}
