// ABOUTME: Store interface and data types for webchat-proxy persistence
// ABOUTME: Defines Gateway, Session, Message, FederatedSession and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateGateway is returned when adding a gateway whose id already exists.
var ErrDuplicateGateway = errors.New("gateway already exists")

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Gateway is a stored upstream gateway configuration. Token and Password are
// only populated by GetGateway; every listing path returns them blank.
type Gateway struct {
	ID        string
	Name      string
	URL       string
	Token     string
	Password  string
	CreatedAt time.Time
}

// Session scopes a chat transcript to one gateway. It is uniquely identified
// by (GatewayID, SessionKey).
type Session struct {
	ID           int64
	GatewayID    string
	SessionKey   string
	Title        string
	AgentID      string
	Model        string
	CreatedAt    time.Time
	LastActivity time.Time
}

// ContentBlock is one typed element of a message body. Content is persisted
// as a JSON array of blocks so richer types can be added without a schema
// change.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// TextBlocks wraps plain text in a single-element block list.
func TextBlocks(text string) []ContentBlock {
	return []ContentBlock{{Type: "text", Text: text}}
}

// Message is one append-only transcript entry.
type Message struct {
	ID        int64
	SessionID int64
	Role      string
	Content   []ContentBlock
	Timestamp *int64 // upstream-reported epoch millis, when available
	CreatedAt time.Time
}

// FederatedTarget names one (gateway, session key) leg of a federated session.
type FederatedTarget struct {
	GatewayID  string `json:"gateway_id"`
	SessionKey string `json:"session_key"`
}

// FederatedSession is a named collection of targets addressed as one
// conversational surface. Its lifecycle is independent of plain sessions.
type FederatedSession struct {
	ID           string
	Title        string
	Targets      []FederatedTarget
	CreatedAt    time.Time
	LastActivity time.Time
}

// SessionFields carries the optional attributes of UpsertSession. Empty
// strings leave the stored value untouched.
type SessionFields struct {
	Title   string
	AgentID string
	Model   string
}

// Store defines persistence for gateways, sessions, messages, and federated
// sessions.
type Store interface {
	// Gateways
	ListGateways(ctx context.Context) ([]*Gateway, error)
	AddGateway(ctx context.Context, gw *Gateway) (*Gateway, error)
	GetGateway(ctx context.Context, id string) (*Gateway, error)
	DeleteGateway(ctx context.Context, id string) error

	// Sessions
	ListSessions(ctx context.Context, gatewayID string) ([]*Session, error)
	GetSession(ctx context.Context, gatewayID, sessionKey string) (*Session, error)
	UpsertSession(ctx context.Context, gatewayID, sessionKey string, fields SessionFields) (*Session, error)
	DeleteSession(ctx context.Context, gatewayID, sessionKey string) error

	// Messages
	AppendMessage(ctx context.Context, gatewayID, sessionKey, role string, content []ContentBlock, upstreamTS *int64) (*Message, error)
	ListMessages(ctx context.Context, gatewayID, sessionKey string, limit int, beforeID int64) ([]*Message, error)

	// Federated sessions
	CreateFederatedSession(ctx context.Context, fs *FederatedSession) (*FederatedSession, error)
	GetFederatedSession(ctx context.Context, id string) (*FederatedSession, error)
	ListFederatedSessions(ctx context.Context) ([]*FederatedSession, error)
	TouchFederatedSession(ctx context.Context, id string) error
	DeleteFederatedSession(ctx context.Context, id string) error

	// Close releases any resources held by the store
	Close() error
}
