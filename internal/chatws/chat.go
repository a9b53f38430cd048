// ABOUTME: Downstream WebSocket router for single-gateway chat
// ABOUTME: Forwards user turns upstream and streams deltas and filtered finals back

package chatws

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/webchat-proxy/internal/store"
	"github.com/2389/webchat-proxy/internal/thinking"
	"github.com/2389/webchat-proxy/internal/upstream"
)

const (
	// readWindow is how long a downstream socket may stay silent before the
	// router closes it. Clients ping every ~30s.
	readWindow = 90 * time.Second

	defaultHistoryLimit = 50
)

// Router serves the downstream chat WebSocket endpoints.
type Router struct {
	store    store.Store
	manager  *upstream.Manager
	recorder *Recorder
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// New builds the chat router. Origin checks are handled by the CORS policy
// of the embedding frontend, so upgrades are accepted from any origin.
func New(st store.Store, mgr *upstream.Manager, rec *Recorder, logger *slog.Logger) *Router {
	return &Router{
		store:    st,
		manager:  mgr,
		recorder: rec,
		logger:   logger.With("component", "chatws"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// clientConn serializes writes to one downstream socket.
type clientConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *clientConn) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}

func (c *clientConn) sendError(msg string) {
	c.send(map[string]string{"type": "error", "error": msg})
}

// clientMessage is one inbound downstream frame. Fields are a union over all
// message kinds.
type clientMessage struct {
	Type              string                  `json:"type"`
	SessionKey        string                  `json:"sessionKey"`
	Message           string                  `json:"message"`
	AdvancedReasoning *bool                   `json:"advancedReasoning"`
	Enabled           bool                    `json:"enabled"`
	Limit             int                     `json:"limit"`
	Targets           []store.FederatedTarget `json:"targets"`
	Broadcast         bool                    `json:"broadcast"`
}

type connectedFrame struct {
	Type         string           `json:"type"`
	Agents       []upstream.Agent `json:"agents"`
	Models       []upstream.Model `json:"models"`
	DefaultModel string           `json:"defaultModel,omitempty"`
}

type streamFrame struct {
	Type       string  `json:"type"`
	SessionKey string  `json:"sessionKey,omitempty"`
	State      string  `json:"state"`
	Text       string  `json:"text,omitempty"`
	Error      string  `json:"error,omitempty"`
	Source     *source `json:"source,omitempty"`
}

type source struct {
	GatewayID string `json:"gateway_id"`
	AgentName string `json:"agent_name"`
}

type historyMessage struct {
	Role      string               `json:"role"`
	Content   []store.ContentBlock `json:"content"`
	Timestamp *int64               `json:"timestamp"`
}

func snapshotFrame(frameType string, snap upstream.Snapshot) connectedFrame {
	agents := snap.Agents
	if agents == nil {
		agents = []upstream.Agent{}
	}
	models := snap.Models
	if models == nil {
		models = []upstream.Model{}
	}
	return connectedFrame{
		Type:         frameType,
		Agents:       agents,
		Models:       models,
		DefaultModel: snap.DefaultModel,
	}
}

// ServeSingle handles /ws/chat/{gateway_id}.
func (rt *Router) ServeSingle(w http.ResponseWriter, r *http.Request) {
	gatewayID := r.PathValue("gateway_id")
	logger := rt.logger.With("gateway_id", gatewayID)

	ws, err := rt.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()
	client := &clientConn{ws: ws}

	conn, ok := rt.manager.Get(gatewayID)
	if !ok {
		client.sendError("Gateway not found")
		client.mu.Lock()
		ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unknown gateway"))
		client.mu.Unlock()
		return
	}

	// The snapshot may be stale while the upstream reconnects; connected
	// means the proxy side is ready.
	if err := client.send(snapshotFrame("connected", conn.Snapshot())); err != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Session keys this client has engaged, via any message kind. Upstream
	// events for other keys are dropped.
	var keysMu sync.Mutex
	activeKeys := make(map[string]bool)
	hasKey := func(key string) bool {
		keysMu.Lock()
		defer keysMu.Unlock()
		return activeKeys[key]
	}
	addKey := func(key string) {
		keysMu.Lock()
		activeKeys[key] = true
		keysMu.Unlock()
		rt.recorder.Track(gatewayID, key)
	}

	chatEvents, cancelChat := conn.Subscribe(upstream.EventChat)
	defer cancelChat()
	reconnects, cancelReconnect := conn.Subscribe(upstream.EventConnected)
	defer cancelReconnect()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-reconnects:
				client.send(snapshotFrame("reconnected", conn.Snapshot()))
			case ev := <-chatEvents:
				rt.forwardChatEvent(client, ev, hasKey, logger)
			}
		}
	}()

	for {
		ws.SetReadDeadline(time.Now().Add(readWindow))
		var msg clientMessage
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("downstream socket closed", "error", err)
			}
			return
		}

		switch msg.Type {
		case "ping":
			client.send(map[string]string{"type": "pong"})

		case "chat":
			if msg.SessionKey == "" || msg.Message == "" {
				client.sendError("Missing sessionKey or message")
				continue
			}
			addKey(msg.SessionKey)
			if _, err := rt.store.AppendMessage(ctx, gatewayID, msg.SessionKey, store.RoleUser,
				store.TextBlocks(msg.Message), nil); err != nil {
				logger.Error("persisting user message", "session_key", msg.SessionKey, "error", err)
			}
			if err := conn.SendChat(ctx, msg.SessionKey, msg.Message, msg.AdvancedReasoning); err != nil {
				client.sendError(err.Error())
			}

		case "abort":
			if msg.SessionKey == "" {
				client.sendError("Missing sessionKey")
				continue
			}
			addKey(msg.SessionKey)
			if err := conn.Abort(ctx, msg.SessionKey); err != nil {
				client.sendError(err.Error())
			}

		case "set_reasoning":
			if msg.SessionKey == "" {
				client.sendError("Missing sessionKey")
				continue
			}
			addKey(msg.SessionKey)
			if err := conn.SetReasoning(ctx, msg.SessionKey, msg.Enabled); err != nil {
				client.sendError(err.Error())
			}

		case "history":
			if msg.SessionKey == "" {
				client.sendError("Missing sessionKey")
				continue
			}
			addKey(msg.SessionKey)
			limit := msg.Limit
			if limit <= 0 {
				limit = defaultHistoryLimit
			}
			messages, err := rt.store.ListMessages(ctx, gatewayID, msg.SessionKey, limit, 0)
			if err != nil {
				logger.Error("loading history", "session_key", msg.SessionKey, "error", err)
				client.sendError("failed to load history")
				continue
			}
			out := make([]historyMessage, 0, len(messages))
			for _, m := range messages {
				out = append(out, historyMessage{Role: m.Role, Content: m.Content, Timestamp: m.Timestamp})
			}
			// With no local copy, let the gateway fill in history for
			// sessions started elsewhere.
			if len(out) == 0 && conn.State() == upstream.StateConnected {
				fetched, err := conn.History(ctx, msg.SessionKey, limit)
				if err != nil {
					logger.Warn("history fetch from gateway failed", "session_key", msg.SessionKey, "error", err)
				}
				for _, m := range fetched {
					out = append(out, historyMessage{Role: m.Role, Content: m.Content, Timestamp: m.Timestamp})
				}
			}
			client.send(map[string]any{"type": "history", "messages": out})

		default:
			client.sendError("unknown message type")
		}
	}
}

// forwardChatEvent relays one upstream chat event to the downstream client.
// Finals are filtered; the recorder has already persisted them. Deltas are
// transient.
func (rt *Router) forwardChatEvent(client *clientConn, ev upstream.Event,
	hasKey func(string) bool, logger *slog.Logger) {

	decoded, err := upstream.DecodeChatEvent(ev.Payload)
	if err != nil {
		logger.Warn("undecodable chat event", "error", err)
		return
	}
	if !hasKey(decoded.SessionKey) {
		return
	}

	switch decoded.State {
	case upstream.StateDelta:
		client.send(streamFrame{
			Type: "stream", SessionKey: decoded.SessionKey,
			State: upstream.StateDelta, Text: decoded.Text,
		})

	case upstream.StateFinal:
		client.send(streamFrame{
			Type: "stream", SessionKey: decoded.SessionKey,
			State: upstream.StateFinal, Text: thinking.Strip(decoded.Text),
		})

	case upstream.StateError:
		errMsg := decoded.Error
		if errMsg == "" {
			errMsg = "Unknown error"
		}
		client.send(streamFrame{
			Type: "stream", SessionKey: decoded.SessionKey,
			State: upstream.StateError, Error: errMsg,
		})
	}
}
