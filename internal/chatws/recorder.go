// ABOUTME: Single writer for assistant transcript rows
// ABOUTME: Persists each filtered final exactly once, however many sockets subscribe

package chatws

import (
	"context"
	"log/slog"
	"sync"

	"github.com/2389/webchat-proxy/internal/store"
	"github.com/2389/webchat-proxy/internal/thinking"
	"github.com/2389/webchat-proxy/internal/upstream"
)

// Recorder persists assistant finals for sessions some downstream client has
// engaged. It hooks the upstream read loop, so a final is written before any
// subscriber sees the event and exactly once regardless of how many sockets
// are attached to the same session.
type Recorder struct {
	store  store.Store
	logger *slog.Logger

	mu   sync.Mutex
	keys map[string]map[string]bool // gateway id -> engaged session keys
}

// NewRecorder builds a recorder backed by the given store.
func NewRecorder(st store.Store, logger *slog.Logger) *Recorder {
	return &Recorder{
		store:  st,
		logger: logger.With("component", "recorder"),
		keys:   make(map[string]map[string]bool),
	}
}

// Track marks a session as engaged. Finals for untracked sessions are not
// persisted; they belong to some other client of the upstream.
func (rec *Recorder) Track(gatewayID, sessionKey string) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	byGateway := rec.keys[gatewayID]
	if byGateway == nil {
		byGateway = make(map[string]bool)
		rec.keys[gatewayID] = byGateway
	}
	byGateway[sessionKey] = true
}

func (rec *Recorder) tracked(gatewayID, sessionKey string) bool {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.keys[gatewayID][sessionKey]
}

// OnChatEvent records the filtered text of each final for tracked sessions.
// Runs on the upstream read loop.
func (rec *Recorder) OnChatEvent(gatewayID string, ev upstream.ChatEvent) {
	if ev.State != upstream.StateFinal || !rec.tracked(gatewayID, ev.SessionKey) {
		return
	}
	text := thinking.Strip(ev.Text)
	if _, err := rec.store.AppendMessage(context.Background(), gatewayID, ev.SessionKey,
		store.RoleAssistant, store.TextBlocks(text), nil); err != nil {
		rec.logger.Error("persisting assistant message",
			"gateway_id", gatewayID, "session_key", ev.SessionKey, "error", err)
	}
}
