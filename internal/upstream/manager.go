// ABOUTME: Registry of upstream connections, one per configured gateway
// ABOUTME: Starts, looks up, and tears down connections as gateway records change

package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/2389/webchat-proxy/internal/store"
)

// Manager owns one Connection per gateway record. All methods are safe for
// concurrent use.
type Manager struct {
	store  store.Store
	logger *slog.Logger
	opts   Options

	mu      sync.Mutex
	conns   map[string]*Connection
	baseCtx context.Context
}

// NewManager builds an empty registry backed by the given store.
func NewManager(st store.Store, logger *slog.Logger, opts Options) *Manager {
	return &Manager{
		store:  st,
		logger: logger.With("component", "upstream-manager"),
		opts:   opts,
		conns:  make(map[string]*Connection),
	}
}

// lifecycleCtx is the context connections run under. Request-scoped contexts
// passed to Register only bound the store lookup, not the connection.
func (m *Manager) lifecycleCtx() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.baseCtx != nil {
		return m.baseCtx
	}
	return context.Background()
}

// StartAll connects every gateway currently in the store. Connections started
// now and by later Register calls live until ctx is canceled.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	m.baseCtx = ctx
	m.mu.Unlock()

	gateways, err := m.store.ListGateways(ctx)
	if err != nil {
		return fmt.Errorf("listing gateways: %w", err)
	}
	for _, gw := range gateways {
		if err := m.Register(ctx, gw.ID); err != nil {
			m.logger.Error("starting gateway connection", "gateway_id", gw.ID, "error", err)
		}
	}
	return nil
}

// Register starts a connection for the gateway with the given id. Credentials
// are loaded from the store; registering an already-registered gateway is a
// no-op.
func (m *Manager) Register(ctx context.Context, gatewayID string) error {
	m.mu.Lock()
	if _, ok := m.conns[gatewayID]; ok {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	gw, err := m.store.GetGateway(ctx, gatewayID)
	if err != nil {
		return fmt.Errorf("loading gateway %s: %w", gatewayID, err)
	}

	conn := NewConnection(*gw, m.logger, m.opts)
	m.mu.Lock()
	if _, ok := m.conns[gatewayID]; ok {
		m.mu.Unlock()
		return nil
	}
	m.conns[gatewayID] = conn
	m.mu.Unlock()

	conn.Start(m.lifecycleCtx())
	return nil
}

// Unregister closes and removes the connection for the given gateway.
func (m *Manager) Unregister(gatewayID string) {
	m.mu.Lock()
	conn, ok := m.conns[gatewayID]
	if ok {
		delete(m.conns, gatewayID)
	}
	m.mu.Unlock()
	if ok {
		conn.Close()
	}
}

// Get returns the connection for the given gateway, if registered.
func (m *Manager) Get(gatewayID string) (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[gatewayID]
	return conn, ok
}

// ConnectionStatus summarizes one registered connection.
type ConnectionStatus struct {
	GatewayID string `json:"gateway_id"`
	State     State  `json:"state"`
	LastError string `json:"last_error,omitempty"`
}

// Status reports the state of every registered connection.
func (m *Manager) Status() []ConnectionStatus {
	m.mu.Lock()
	conns := make(map[string]*Connection, len(m.conns))
	for id, conn := range m.conns {
		conns[id] = conn
	}
	m.mu.Unlock()

	out := make([]ConnectionStatus, 0, len(conns))
	for id, conn := range conns {
		out = append(out, ConnectionStatus{
			GatewayID: id,
			State:     conn.State(),
			LastError: conn.LastError(),
		})
	}
	return out
}

// CloseAll tears down every connection. The manager can be reused afterward.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, conn := range m.conns {
		conns = append(conns, conn)
	}
	m.conns = make(map[string]*Connection)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			c.Close()
		}(conn)
	}
	wg.Wait()
}
