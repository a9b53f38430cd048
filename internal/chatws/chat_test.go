// ABOUTME: End-to-end tests for the single-gateway chat WebSocket router
// ABOUTME: Drives a browser-side client against a stub upstream through the full stack

package chatws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/webchat-proxy/internal/store"
	"github.com/2389/webchat-proxy/internal/upstream"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

var stubUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// stubUpstream speaks the gateway wire protocol: challenge handshake, then
// acks every request and lets tests push chat events.
type stubUpstream struct {
	t      *testing.T
	server *httptest.Server

	mu       sync.Mutex
	conns    []*websocket.Conn
	requests []stubRequest
	payloads map[string]any
}

type stubRequest struct {
	Method string
	Params json.RawMessage
}

func newStubUpstream(t *testing.T) *stubUpstream {
	t.Helper()
	g := &stubUpstream{t: t, payloads: make(map[string]any)}
	g.server = httptest.NewServer(http.HandlerFunc(g.serve))
	t.Cleanup(g.server.Close)
	return g
}

func (g *stubUpstream) url() string {
	return "ws" + strings.TrimPrefix(g.server.URL, "http")
}

func (g *stubUpstream) serve(w http.ResponseWriter, r *http.Request) {
	ws, err := stubUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	ws.WriteJSON(map[string]any{"type": "event", "event": "connect.challenge"})
	var connect struct {
		ID     string `json:"id"`
		Method string `json:"method"`
	}
	if err := ws.ReadJSON(&connect); err != nil || connect.Method != "connect" {
		return
	}
	ws.WriteJSON(map[string]any{
		"type": "res", "id": connect.ID, "ok": true,
		"payload": map[string]any{
			"protocol": 3,
			"snapshot": map[string]any{
				"agents":       []map[string]any{{"id": "main", "name": "Main"}},
				"models":       []map[string]any{{"id": "claude-sonnet"}},
				"defaultModel": "claude-sonnet",
			},
		},
	})

	g.mu.Lock()
	g.conns = append(g.conns, ws)
	g.mu.Unlock()

	for {
		var req struct {
			ID     string          `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := ws.ReadJSON(&req); err != nil {
			return
		}
		g.mu.Lock()
		g.requests = append(g.requests, stubRequest{Method: req.Method, Params: req.Params})
		res := map[string]any{"type": "res", "id": req.ID, "ok": true}
		if payload, ok := g.payloads[req.Method]; ok {
			res["payload"] = payload
		}
		ws.WriteJSON(res)
		g.mu.Unlock()
	}
}

// respondWith sets the response payload for the given method.
func (g *stubUpstream) respondWith(method string, payload any) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.payloads[method] = payload
}

func (g *stubUpstream) recorded(method string) []stubRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []stubRequest
	for _, r := range g.requests {
		if r.Method == method {
			out = append(out, r)
		}
	}
	return out
}

// emitChat pushes one chat event with a single text block.
func (g *stubUpstream) emitChat(sessionKey, state, text, errMsg string) {
	payload := map[string]any{
		"sessionKey": sessionKey,
		"state":      state,
		"message": map[string]any{
			"agent":   map[string]any{"name": "Main"},
			"content": []map[string]any{{"type": "text", "text": text}},
		},
	}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, ws := range g.conns {
		ws.WriteJSON(map[string]any{"type": "event", "event": "chat", "payload": payload})
	}
}

// harness wires store, manager, router, and the downstream HTTP server.
type harness struct {
	store   store.Store
	manager *upstream.Manager
	server  *httptest.Server
}

func fastOptions() upstream.Options {
	return upstream.Options{
		DialTimeout:      2 * time.Second,
		HandshakeTimeout: 2 * time.Second,
		InitialBackoff:   20 * time.Millisecond,
		MaxBackoff:       50 * time.Millisecond,
		MaxAttempts:      3,
		RequestTimeout:   2 * time.Second,
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	rec := NewRecorder(s, testLogger())
	opts := fastOptions()
	opts.OnChatEvent = rec.OnChatEvent
	mgr := upstream.NewManager(s, testLogger(), opts)
	t.Cleanup(mgr.CloseAll)

	rt := New(s, mgr, rec, testLogger())
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/chat/federated", rt.ServeFederated)
	mux.HandleFunc("GET /ws/chat/{gateway_id}", rt.ServeSingle)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return &harness{store: s, manager: mgr, server: server}
}

// addGateway stores a gateway record pointing at the stub and waits for the
// upstream link to come up.
func (h *harness) addGateway(t *testing.T, id string, g *stubUpstream) {
	t.Helper()
	ctx := context.Background()
	_, err := h.store.AddGateway(ctx, &store.Gateway{ID: id, Name: id, URL: g.url()})
	require.NoError(t, err)
	require.NoError(t, h.manager.Register(ctx, id))

	conn, ok := h.manager.Get(id)
	require.True(t, ok)
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if conn.State() == upstream.StateConnected {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("gateway %s never connected: %s", id, conn.LastError())
}

func (h *harness) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + path
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	var frame map[string]any
	require.NoError(t, ws.ReadJSON(&frame))
	return frame
}

// readStream skips frames until the next stream frame arrives.
func readStream(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	for i := 0; i < 10; i++ {
		frame := readFrame(t, ws)
		if frame["type"] == "stream" {
			return frame
		}
	}
	t.Fatal("no stream frame received")
	return nil
}

func TestSingle_UnknownGateway(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t, "/ws/chat/missing")

	frame := readFrame(t, ws)
	assert.Equal(t, "error", frame["type"])
	assert.Contains(t, frame["error"], "not found")
}

func TestSingle_ConnectedSnapshotAndPing(t *testing.T) {
	h := newHarness(t)
	g := newStubUpstream(t)
	h.addGateway(t, "g1", g)

	ws := h.dial(t, "/ws/chat/g1")
	frame := readFrame(t, ws)
	require.Equal(t, "connected", frame["type"])
	agents := frame["agents"].([]any)
	require.Len(t, agents, 1)
	assert.Equal(t, "main", agents[0].(map[string]any)["id"])
	assert.Equal(t, "claude-sonnet", frame["defaultModel"])

	require.NoError(t, ws.WriteJSON(map[string]string{"type": "ping"}))
	assert.Equal(t, "pong", readFrame(t, ws)["type"])
}

func TestSingle_ChatRoundTrip(t *testing.T) {
	h := newHarness(t)
	g := newStubUpstream(t)
	h.addGateway(t, "g1", g)

	ws := h.dial(t, "/ws/chat/g1")
	readFrame(t, ws) // connected

	require.NoError(t, ws.WriteJSON(map[string]any{
		"type": "chat", "sessionKey": "web-abc", "message": "What is 6x7?",
	}))

	// Wait for the upstream to see the send before emitting events.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(g.recorded("chat.send")) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	require.NotEmpty(t, g.recorded("chat.send"))

	g.emitChat("web-abc", "delta", "<think>deliberating</think>", "")
	g.emitChat("web-abc", "final", "<think>deliberating</think>Answer: 42", "")

	delta := readStream(t, ws)
	assert.Equal(t, "delta", delta["state"])
	assert.Equal(t, "<think>deliberating</think>", delta["text"])

	final := readStream(t, ws)
	assert.Equal(t, "final", final["state"])
	assert.Equal(t, "deliberating Answer: 42", final["text"])

	// Both the user turn and the filtered final are persisted.
	var messages []*store.Message
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var err error
		messages, err = h.store.ListMessages(context.Background(), "g1", "web-abc", 50, 0)
		require.NoError(t, err)
		if len(messages) == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.Len(t, messages, 2)
	assert.Equal(t, store.RoleUser, messages[0].Role)
	assert.Equal(t, "What is 6x7?", messages[0].Content[0].Text)
	assert.Equal(t, store.RoleAssistant, messages[1].Role)
	assert.Equal(t, "deliberating Answer: 42", messages[1].Content[0].Text)
}

func TestSingle_DropsEventsForForeignSessionKeys(t *testing.T) {
	h := newHarness(t)
	g := newStubUpstream(t)
	h.addGateway(t, "g1", g)

	ws := h.dial(t, "/ws/chat/g1")
	readFrame(t, ws)

	require.NoError(t, ws.WriteJSON(map[string]any{
		"type": "chat", "sessionKey": "web-mine", "message": "hello",
	}))
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(g.recorded("chat.send")) == 0 {
		time.Sleep(5 * time.Millisecond)
	}

	g.emitChat("web-other", "final", "not yours", "")
	g.emitChat("web-mine", "final", "yours", "")

	frame := readStream(t, ws)
	assert.Equal(t, "web-mine", frame["sessionKey"])
	assert.Equal(t, "yours", frame["text"])
}

func TestSingle_ErrorEventForwarded(t *testing.T) {
	h := newHarness(t)
	g := newStubUpstream(t)
	h.addGateway(t, "g1", g)

	ws := h.dial(t, "/ws/chat/g1")
	readFrame(t, ws)
	require.NoError(t, ws.WriteJSON(map[string]any{
		"type": "chat", "sessionKey": "web-abc", "message": "hi",
	}))
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(g.recorded("chat.send")) == 0 {
		time.Sleep(5 * time.Millisecond)
	}

	g.emitChat("web-abc", "error", "", "model overloaded")
	frame := readStream(t, ws)
	assert.Equal(t, "error", frame["state"])
	assert.Equal(t, "model overloaded", frame["error"])

	// Nothing persisted beyond the user turn.
	messages, err := h.store.ListMessages(context.Background(), "g1", "web-abc", 50, 0)
	require.NoError(t, err)
	assert.Len(t, messages, 1)
}

func TestSingle_History(t *testing.T) {
	h := newHarness(t)
	g := newStubUpstream(t)
	h.addGateway(t, "g1", g)
	ctx := context.Background()

	for _, text := range []string{"one", "two"} {
		_, err := h.store.AppendMessage(ctx, "g1", "web-abc", store.RoleUser,
			[]store.ContentBlock{{Type: "text", Text: text}}, nil)
		require.NoError(t, err)
	}

	ws := h.dial(t, "/ws/chat/g1")
	readFrame(t, ws)
	require.NoError(t, ws.WriteJSON(map[string]any{"type": "history", "sessionKey": "web-abc"}))

	frame := readFrame(t, ws)
	require.Equal(t, "history", frame["type"])
	messages := frame["messages"].([]any)
	require.Len(t, messages, 2)
	first := messages[0].(map[string]any)
	assert.Equal(t, "user", first["role"])
	assert.Equal(t, "one", first["content"].([]any)[0].(map[string]any)["text"])

	// Unknown session yields an empty list, not an error.
	require.NoError(t, ws.WriteJSON(map[string]any{"type": "history", "sessionKey": "web-none"}))
	frame = readFrame(t, ws)
	require.Equal(t, "history", frame["type"])
	assert.Empty(t, frame["messages"])
}

func TestSingle_HistoryFetchedFromGatewayWhenLocalEmpty(t *testing.T) {
	h := newHarness(t)
	g := newStubUpstream(t)
	g.respondWith("chat.history", map[string]any{
		"messages": []map[string]any{
			{"role": "user", "content": "earlier question", "timestamp": 123},
			{"role": "assistant", "content": []map[string]any{{"type": "text", "text": "earlier answer"}}},
			{"role": "toolResult", "content": "ls output"},
		},
	})
	h.addGateway(t, "g1", g)

	ws := h.dial(t, "/ws/chat/g1")
	readFrame(t, ws)
	require.NoError(t, ws.WriteJSON(map[string]any{"type": "history", "sessionKey": "web-remote"}))

	frame := readFrame(t, ws)
	require.Equal(t, "history", frame["type"])
	messages := frame["messages"].([]any)
	require.Len(t, messages, 2)
	first := messages[0].(map[string]any)
	assert.Equal(t, "user", first["role"])
	assert.Equal(t, "earlier question", first["content"].([]any)[0].(map[string]any)["text"])
	second := messages[1].(map[string]any)
	assert.Equal(t, "assistant", second["role"])
	assert.Equal(t, "earlier answer", second["content"].([]any)[0].(map[string]any)["text"])

	// The gateway was actually consulted.
	require.NotEmpty(t, g.recorded("chat.history"))

	// The fetched transcript is served, not adopted into the store.
	local, err := h.store.ListMessages(context.Background(), "g1", "web-remote", 50, 0)
	require.NoError(t, err)
	assert.Empty(t, local)
}

func TestSingle_HistoryRegistersSessionKey(t *testing.T) {
	h := newHarness(t)
	g := newStubUpstream(t)
	h.addGateway(t, "g1", g)

	ws := h.dial(t, "/ws/chat/g1")
	readFrame(t, ws)

	// Asking for history is enough to start receiving events for the key.
	require.NoError(t, ws.WriteJSON(map[string]any{"type": "history", "sessionKey": "web-oob"}))
	require.Equal(t, "history", readFrame(t, ws)["type"])

	g.emitChat("web-oob", "delta", "out of band", "")
	frame := readStream(t, ws)
	assert.Equal(t, "web-oob", frame["sessionKey"])
	assert.Equal(t, "out of band", frame["text"])
}

func TestSingle_SetReasoningForwardedWithoutEcho(t *testing.T) {
	h := newHarness(t)
	g := newStubUpstream(t)
	h.addGateway(t, "g1", g)

	ws := h.dial(t, "/ws/chat/g1")
	readFrame(t, ws)
	require.NoError(t, ws.WriteJSON(map[string]any{
		"type": "set_reasoning", "sessionKey": "web-abc", "enabled": true,
	}))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(g.recorded("chat.set_reasoning")) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	calls := g.recorded("chat.set_reasoning")
	require.Len(t, calls, 1)
	assert.Contains(t, string(calls[0].Params), `"enabled":true`)

	// The socket stays quiet; a ping proves nothing was echoed in between.
	require.NoError(t, ws.WriteJSON(map[string]string{"type": "ping"}))
	assert.Equal(t, "pong", readFrame(t, ws)["type"])
}

func TestSingle_ChatValidation(t *testing.T) {
	h := newHarness(t)
	g := newStubUpstream(t)
	h.addGateway(t, "g1", g)

	ws := h.dial(t, "/ws/chat/g1")
	readFrame(t, ws)
	require.NoError(t, ws.WriteJSON(map[string]any{"type": "chat", "message": "no key"}))
	frame := readFrame(t, ws)
	assert.Equal(t, "error", frame["type"])
	assert.Contains(t, frame["error"], "sessionKey")
}
