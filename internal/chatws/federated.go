// ABOUTME: Downstream WebSocket router for federated chat across gateways
// ABOUTME: Fans one user turn out to many targets and interleaves tagged responses back

package chatws

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/webchat-proxy/internal/store"
	"github.com/2389/webchat-proxy/internal/thinking"
	"github.com/2389/webchat-proxy/internal/upstream"
)

// targetKey identifies one (gateway, session) pair a socket has targeted.
type targetKey struct {
	gatewayID  string
	sessionKey string
}

// federatedSession is the per-socket state of one federated client.
type federatedSession struct {
	router *Router
	client *clientConn
	logger *slog.Logger

	mu      sync.Mutex
	pumps   map[string]func()  // per-gateway subscription cancels
	targets map[targetKey]bool // every pair this socket has ever targeted
	pending map[targetKey]bool // pairs still streaming the current turn
}

// ServeFederated handles /ws/chat/federated.
func (rt *Router) ServeFederated(w http.ResponseWriter, r *http.Request) {
	ws, err := rt.upgrader.Upgrade(w, r, nil)
	if err != nil {
		rt.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()
	client := &clientConn{ws: ws}

	if err := client.send(map[string]any{"type": "connected", "federated": true}); err != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	fs := &federatedSession{
		router:  rt,
		client:  client,
		logger:  rt.logger.With("endpoint", "federated"),
		pumps:   make(map[string]func()),
		targets: make(map[targetKey]bool),
		pending: make(map[targetKey]bool),
	}
	defer fs.stopPumps()

	for {
		ws.SetReadDeadline(time.Now().Add(readWindow))
		var msg clientMessage
		if err := ws.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case "ping":
			client.send(map[string]string{"type": "pong"})

		case "chat":
			if msg.Message == "" {
				client.sendError("Missing message")
				continue
			}
			if len(msg.Targets) == 0 {
				client.sendError("No valid targets")
				continue
			}
			fs.fanOut(ctx, msg.Message, msg.AdvancedReasoning, msg.Targets)

		case "abort":
			fs.abortAll(ctx, msg.Targets)

		default:
			client.sendError("unknown message type")
		}
	}
}

func (fs *federatedSession) stopPumps() {
	fs.mu.Lock()
	cancels := make([]func(), 0, len(fs.pumps))
	for _, cancel := range fs.pumps {
		cancels = append(cancels, cancel)
	}
	fs.pumps = make(map[string]func())
	fs.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

func (fs *federatedSession) sourceError(gatewayID, msg string) {
	fs.client.send(streamFrame{
		Type:   "stream",
		State:  upstream.StateError,
		Error:  msg,
		Source: &source{GatewayID: gatewayID, AgentName: "system"},
	})
}

// fanOut persists the user turn per target and issues the upstream sends in
// parallel. A failing target reports an error under its own source tag and
// never cancels the others. ctx is the socket-lifetime context, so pumps
// started here outlive the turn.
func (fs *federatedSession) fanOut(ctx context.Context, message string, advancedReasoning *bool, targets []store.FederatedTarget) {
	fs.mu.Lock()
	fs.pending = make(map[targetKey]bool, len(targets))
	fs.mu.Unlock()

	var g errgroup.Group
	for _, target := range targets {
		g.Go(func() error {
			fs.sendToTarget(ctx, target, message, advancedReasoning)
			return nil
		})
	}
	g.Wait()
}

func (fs *federatedSession) sendToTarget(ctx context.Context, target store.FederatedTarget, message string, advancedReasoning *bool) {
	conn, ok := fs.router.manager.Get(target.GatewayID)
	if !ok {
		fs.sourceError(target.GatewayID, fmt.Sprintf("Gateway %s not found", target.GatewayID))
		return
	}
	if conn.State() != upstream.StateConnected {
		fs.sourceError(target.GatewayID, fmt.Sprintf("Gateway %s not connected", target.GatewayID))
		return
	}

	fs.ensurePump(ctx, target.GatewayID, conn)

	key := targetKey{gatewayID: target.GatewayID, sessionKey: target.SessionKey}
	fs.mu.Lock()
	fs.targets[key] = true
	fs.pending[key] = true
	fs.mu.Unlock()
	fs.router.recorder.Track(target.GatewayID, target.SessionKey)

	if _, err := fs.router.store.AppendMessage(ctx, target.GatewayID, target.SessionKey, store.RoleUser,
		store.TextBlocks(message), nil); err != nil {
		fs.logger.Error("persisting user message", "gateway_id", target.GatewayID,
			"session_key", target.SessionKey, "error", err)
	}

	if err := conn.SendChat(ctx, target.SessionKey, message, advancedReasoning); err != nil {
		fs.markDone(key)
		fs.sourceError(target.GatewayID, err.Error())
	}
}

func (fs *federatedSession) abortAll(ctx context.Context, targets []store.FederatedTarget) {
	var g errgroup.Group
	for _, target := range targets {
		g.Go(func() error {
			conn, ok := fs.router.manager.Get(target.GatewayID)
			if !ok || conn.State() != upstream.StateConnected {
				return nil
			}
			if err := conn.Abort(ctx, target.SessionKey); err != nil {
				fs.logger.Warn("abort failed", "gateway_id", target.GatewayID, "error", err)
			}
			return nil
		})
	}
	g.Wait()
}

func (fs *federatedSession) targeted(key targetKey) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.targets[key]
}

func (fs *federatedSession) markDone(key targetKey) {
	fs.mu.Lock()
	delete(fs.pending, key)
	fs.mu.Unlock()
}

// ensurePump starts the event pump for a gateway the first time a turn
// targets it. The pump lives until the downstream socket closes.
func (fs *federatedSession) ensurePump(ctx context.Context, gatewayID string, conn *upstream.Connection) {
	fs.mu.Lock()
	if _, ok := fs.pumps[gatewayID]; ok {
		fs.mu.Unlock()
		return
	}

	chatEvents, cancelChat := conn.Subscribe(upstream.EventChat)
	reconnects, cancelReconnect := conn.Subscribe(upstream.EventConnected)
	pumpCtx, cancelCtx := context.WithCancel(ctx)
	fs.pumps[gatewayID] = func() {
		cancelCtx()
		cancelChat()
		cancelReconnect()
	}
	fs.mu.Unlock()

	go func() {
		for {
			select {
			case <-pumpCtx.Done():
				return
			case <-reconnects:
				fs.client.send(map[string]string{"type": "reconnected", "gateway_id": gatewayID})
			case ev := <-chatEvents:
				fs.forwardEvent(gatewayID, ev)
			}
		}
	}()
}

// forwardEvent relays one upstream chat event, tagged with its source. Events
// for sessions this socket never targeted belong to other clients of the same
// gateway and are dropped. Finals are filtered; the recorder has already
// persisted them.
func (fs *federatedSession) forwardEvent(gatewayID string, ev upstream.Event) {
	decoded, err := upstream.DecodeChatEvent(ev.Payload)
	if err != nil {
		fs.logger.Warn("undecodable chat event", "gateway_id", gatewayID, "error", err)
		return
	}

	key := targetKey{gatewayID: gatewayID, sessionKey: decoded.SessionKey}
	if !fs.targeted(key) {
		return
	}

	agentName := decoded.AgentName
	if agentName == "" {
		agentName = "unknown"
	}
	src := &source{GatewayID: gatewayID, AgentName: agentName}

	switch decoded.State {
	case upstream.StateDelta:
		fs.client.send(streamFrame{
			Type: "stream", SessionKey: decoded.SessionKey,
			State: upstream.StateDelta, Text: decoded.Text, Source: src,
		})

	case upstream.StateFinal:
		fs.markDone(key)
		fs.client.send(streamFrame{
			Type: "stream", SessionKey: decoded.SessionKey,
			State: upstream.StateFinal, Text: thinking.Strip(decoded.Text), Source: src,
		})

	case upstream.StateError:
		errMsg := decoded.Error
		if errMsg == "" {
			errMsg = "Unknown error"
		}
		fs.markDone(key)
		fs.client.send(streamFrame{
			Type: "stream", SessionKey: decoded.SessionKey,
			State: upstream.StateError, Error: errMsg, Source: src,
		})
	}
}
