// ABOUTME: JSON wire frames for the upstream gateway protocol
// ABOUTME: Request/response/event framing, connect params, and chat event decoding

package upstream

import (
	"encoding/json"
	"fmt"

	"github.com/2389/webchat-proxy/internal/store"
)

// Wire frame types.
const (
	frameTypeRequest  = "req"
	frameTypeResponse = "res"
	frameTypeEvent    = "event"
)

// Wire methods the proxy issues.
const (
	methodConnect      = "connect"
	methodAgentsList   = "agents.list"
	methodModelsList   = "models.list"
	methodChatSend     = "chat.send"
	methodChatAbort    = "chat.abort"
	methodChatHistory  = "chat.history"
	methodSetReasoning = "chat.set_reasoning"
)

// Upstream event names.
const (
	EventChallenge = "connect.challenge"
	EventChat      = "chat"
)

// Local event names published by the connection itself. They never appear on
// the wire; subscribers receive them alongside upstream events.
const (
	EventConnected       = "connected"
	EventReconnectFailed = "reconnect_failed"
)

// protocolVersion is the single protocol revision the proxy speaks.
const protocolVersion = 3

// requestFrame is an outbound req frame.
type requestFrame struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// frame is an inbound res or event frame.
type frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Event   string          `json:"event,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *frameError     `json:"error,omitempty"`
}

// frameError is the error block of a failed res frame.
type frameError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// authBlock carries gateway credentials on the connect request. A nil
// authBlock is omitted entirely; the upstream may run with device auth
// disabled.
type authBlock struct {
	Token    string `json:"token,omitempty"`
	Password string `json:"password,omitempty"`
}

// clientInfo describes this proxy to the upstream.
type clientInfo struct {
	ID         string `json:"id"`
	Version    string `json:"version"`
	Platform   string `json:"platform"`
	Mode       string `json:"mode"`
	InstanceID string `json:"instanceId"`
}

// connectParams is the params block of the connect request.
type connectParams struct {
	Auth        *authBlock      `json:"auth,omitempty"`
	Role        string          `json:"role"`
	Scopes      []string        `json:"scopes"`
	Permissions map[string]bool `json:"permissions"`
	Client      clientInfo      `json:"client"`
	MinProtocol int             `json:"minProtocol"`
	MaxProtocol int             `json:"maxProtocol"`
}

// operatorScopes are the scopes requested on every handshake.
var operatorScopes = []string{
	"operator.read", "operator.write", "operator.admin",
	"operator.approvals", "operator.pairing",
}

// operatorPermissions are the permissions declared on every handshake.
var operatorPermissions = map[string]bool{
	"operator.admin":     true,
	"operator.approvals": true,
	"operator.pairing":   true,
}

// Agent is one upstream agent as reported by the snapshot or agents.list.
type Agent struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Model is one upstream model identifier.
type Model struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Snapshot is the metadata block cached after a successful handshake.
type Snapshot struct {
	Agents       []Agent `json:"agents"`
	Models       []Model `json:"models"`
	DefaultModel string  `json:"defaultModel,omitempty"`
}

// connectResult is the payload of a successful connect response.
type connectResult struct {
	Protocol int `json:"protocol"`
	Snapshot struct {
		SessionDefaults struct {
			Model string `json:"model"`
		} `json:"sessionDefaults"`
		Agents       []Agent `json:"agents"`
		Models       []Model `json:"models"`
		DefaultModel string  `json:"defaultModel"`
	} `json:"snapshot"`
}

// chatSendParams is the params block of chat.send.
type chatSendParams struct {
	SessionKey        string `json:"sessionKey"`
	Message           string `json:"message"`
	AdvancedReasoning *bool  `json:"advancedReasoning,omitempty"`
	Deliver           bool   `json:"deliver"`
	IdempotencyKey    string `json:"idempotencyKey"`
}

// sessionKeyParams covers chat.abort and similar single-key methods.
type sessionKeyParams struct {
	SessionKey string `json:"sessionKey"`
}

// chatHistoryParams is the params block of chat.history.
type chatHistoryParams struct {
	SessionKey string `json:"sessionKey"`
	Limit      int    `json:"limit"`
}

// chatHistoryResult is the payload of a chat.history response. Content may be
// a typed block array or a bare string depending on the upstream version.
type chatHistoryResult struct {
	Messages []struct {
		Role      string          `json:"role"`
		Content   json.RawMessage `json:"content"`
		Timestamp *int64          `json:"timestamp"`
	} `json:"messages"`
}

// HistoryMessage is one transcript entry fetched from the upstream.
type HistoryMessage struct {
	Role      string
	Content   []store.ContentBlock
	Timestamp *int64
}

// decodeHistoryContent normalizes a history entry body to text blocks.
func decodeHistoryContent(raw json.RawMessage) []store.ContentBlock {
	if len(raw) == 0 {
		return nil
	}
	var blocks []store.ContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		out := make([]store.ContentBlock, 0, len(blocks))
		for _, b := range blocks {
			if b.Type == "text" && b.Text != "" {
				out = append(out, b)
			}
		}
		return out
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil && text != "" {
		return store.TextBlocks(text)
	}
	return nil
}

// setReasoningParams is the params block of chat.set_reasoning.
type setReasoningParams struct {
	SessionKey string `json:"sessionKey"`
	Enabled    bool   `json:"enabled"`
}

// Chat event stream states.
const (
	StateDelta = "delta"
	StateFinal = "final"
	StateError = "error"
)

// ChatEvent is a decoded upstream chat event. Text is the concatenation of
// the text content blocks of the event's message.
type ChatEvent struct {
	SessionKey string
	State      string
	Text       string
	Error      string
	AgentName  string
}

// chatEventPayload mirrors the wire shape of a chat event payload.
type chatEventPayload struct {
	SessionKey string `json:"sessionKey"`
	State      string `json:"state"`
	Error      string `json:"error,omitempty"`
	Message    struct {
		Agent struct {
			Name string `json:"name"`
		} `json:"agent"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
}

// DecodeChatEvent parses a chat event payload.
func DecodeChatEvent(payload json.RawMessage) (ChatEvent, error) {
	var raw chatEventPayload
	if err := json.Unmarshal(payload, &raw); err != nil {
		return ChatEvent{}, fmt.Errorf("decoding chat event: %w", err)
	}

	ev := ChatEvent{
		SessionKey: raw.SessionKey,
		State:      raw.State,
		Error:      raw.Error,
		AgentName:  raw.Message.Agent.Name,
	}
	for _, block := range raw.Message.Content {
		if block.Type == "text" {
			ev.Text += block.Text
		}
	}
	return ev, nil
}
