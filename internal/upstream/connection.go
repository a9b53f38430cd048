// ABOUTME: Persistent WebSocket connection to one upstream gateway
// ABOUTME: Handles challenge handshake, request correlation, reconnect backoff, and event fanout

package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/webchat-proxy/internal/store"
)

// Connection state values.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateTerminal     State = "terminal"
)

var (
	// ErrNotConnected is returned for requests issued while the link is down.
	ErrNotConnected = errors.New("gateway not connected")
	// ErrConnectionLost fails in-flight requests when the link drops.
	ErrConnectionLost = errors.New("gateway connection lost")
	// ErrTerminal is returned once the connection gives up reconnecting.
	ErrTerminal = errors.New("gateway connection terminal")
	// ErrTimeout is returned when a request outlives its response window.
	ErrTimeout = errors.New("gateway request timed out")
)

// Event is one upstream or local event delivered to subscribers.
type Event struct {
	Name    string
	Payload json.RawMessage
}

// Options tune connection behavior. The zero value selects production
// defaults.
type Options struct {
	// DialTimeout bounds the WebSocket dial. Default 10s.
	DialTimeout time.Duration
	// HandshakeTimeout bounds the wait for the challenge and the connect
	// response. Default 15s.
	HandshakeTimeout time.Duration
	// InitialBackoff is the first reconnect delay. Default 1s.
	InitialBackoff time.Duration
	// MaxBackoff caps the reconnect delay. Default 30s.
	MaxBackoff time.Duration
	// MaxAttempts is the number of consecutive failed connects before the
	// connection goes terminal. Default 10.
	MaxAttempts int
	// RequestTimeout bounds individual request/response round trips.
	// Default 30s.
	RequestTimeout time.Duration
	// OnChatEvent, when set, observes every decoded chat event before it is
	// published to subscribers. It is called from the read loop, so events
	// it has seen are visible to any subscriber that receives them.
	OnChatEvent func(gatewayID string, ev ChatEvent)
}

func (o Options) withDefaults() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 15 * time.Second
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 10
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 30 * time.Second
	}
	return o
}

type pendingResult struct {
	payload json.RawMessage
	err     error
}

type subscriber struct {
	name string
	ch   chan Event
}

// Connection owns the upstream link for a single gateway record. It dials,
// performs the challenge handshake, correlates requests with responses, and
// republishes events to subscribers. A lost link reconnects with exponential
// backoff until MaxAttempts consecutive failures, after which the connection
// is terminal until Reconnect or Close.
type Connection struct {
	gateway store.Gateway
	opts    Options
	logger  *slog.Logger

	mu        sync.Mutex
	ws        *websocket.Conn
	state     State
	lastError string
	snapshot  Snapshot
	pending   map[string]chan pendingResult
	reasoning map[string]bool
	subs      map[*subscriber]struct{}
	writeMu   sync.Mutex

	idPrefix string
	seq      atomic.Uint64

	cancel  context.CancelFunc
	done    chan struct{}
	wakeNow chan struct{}
}

// NewConnection builds a connection for the given gateway record. Run must
// be started for the link to come up.
func NewConnection(gw store.Gateway, logger *slog.Logger, opts Options) *Connection {
	return &Connection{
		gateway:   gw,
		opts:      opts.withDefaults(),
		logger:    logger.With("component", "upstream", "gateway_id", gw.ID),
		state:     StateDisconnected,
		pending:   make(map[string]chan pendingResult),
		reasoning: make(map[string]bool),
		subs:      make(map[*subscriber]struct{}),
		idPrefix:  uuid.NewString()[:8],
		wakeNow:   make(chan struct{}, 1),
	}
}

// Start launches the connect loop in a new goroutine.
func (c *Connection) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go func() {
		defer close(done)
		c.run(runCtx)
	}()
}

// Close tears down the link and stops reconnecting.
func (c *Connection) Close() {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Reconnect clears terminal state and retries immediately.
func (c *Connection) Reconnect(ctx context.Context) {
	c.mu.Lock()
	terminal := c.state == StateTerminal
	running := c.done != nil
	if terminal {
		c.state = StateDisconnected
	}
	c.mu.Unlock()

	if terminal && running {
		// Restart the loop; a terminal loop has already returned.
		c.Close()
		running = false
	}
	if !running {
		c.Start(ctx)
		return
	}
	select {
	case c.wakeNow <- struct{}{}:
	default:
	}
}

// State reports the current link state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError reports the most recent connect or read failure, if any.
func (c *Connection) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

// Gateway returns the gateway record this connection serves, without
// credentials.
func (c *Connection) Gateway() store.Gateway {
	gw := c.gateway
	gw.Token = ""
	gw.Password = ""
	return gw
}

// Snapshot returns the agents and models cached at the last handshake.
func (c *Connection) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}

// Subscribe registers a listener for the named event. The returned cancel
// func must be called to release the channel. Slow subscribers drop events
// rather than block the read loop.
func (c *Connection) Subscribe(name string) (<-chan Event, func()) {
	sub := &subscriber{name: name, ch: make(chan Event, 64)}
	c.mu.Lock()
	c.subs[sub] = struct{}{}
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		delete(c.subs, sub)
		c.mu.Unlock()
	}
	return sub.ch, cancel
}

func (c *Connection) publish(name string, payload json.RawMessage) {
	c.mu.Lock()
	targets := make([]*subscriber, 0, len(c.subs))
	for sub := range c.subs {
		if sub.name == name {
			targets = append(targets, sub)
		}
	}
	c.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub.ch <- Event{Name: name, Payload: payload}:
		default:
			c.logger.Warn("dropping event for slow subscriber", "event", name)
		}
	}
}

// SendChat submits a user message for the given session. The response stream
// arrives as chat events; the call returns once the gateway accepts the send.
// advancedReasoning is forwarded when non-nil.
func (c *Connection) SendChat(ctx context.Context, sessionKey, message string, advancedReasoning *bool) error {
	_, err := c.request(ctx, methodChatSend, chatSendParams{
		SessionKey:        sessionKey,
		Message:           message,
		AdvancedReasoning: advancedReasoning,
		Deliver:           false,
		IdempotencyKey:    uuid.NewString(),
	})
	return err
}

// Abort cancels the in-flight response for the given session.
func (c *Connection) Abort(ctx context.Context, sessionKey string) error {
	_, err := c.request(ctx, methodChatAbort, sessionKeyParams{SessionKey: sessionKey})
	return err
}

// History fetches the upstream transcript for a session. Tool results and
// entries without text content are skipped. The local store stays
// authoritative for anything the proxy has observed itself; this exists for
// sessions started elsewhere.
func (c *Connection) History(ctx context.Context, sessionKey string, limit int) ([]HistoryMessage, error) {
	payload, err := c.request(ctx, methodChatHistory, chatHistoryParams{
		SessionKey: sessionKey,
		Limit:      limit,
	})
	if err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, nil
	}
	var result chatHistoryResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("decoding history: %w", err)
	}
	out := make([]HistoryMessage, 0, len(result.Messages))
	for _, m := range result.Messages {
		if m.Role == "toolResult" {
			continue
		}
		blocks := decodeHistoryContent(m.Content)
		if len(blocks) == 0 {
			continue
		}
		out = append(out, HistoryMessage{Role: m.Role, Content: blocks, Timestamp: m.Timestamp})
	}
	return out, nil
}

// SetReasoning toggles advanced reasoning for a session. The setting is
// cached and re-applied after every reconnect.
func (c *Connection) SetReasoning(ctx context.Context, sessionKey string, enabled bool) error {
	c.mu.Lock()
	c.reasoning[sessionKey] = enabled
	c.mu.Unlock()

	_, err := c.request(ctx, methodSetReasoning, setReasoningParams{
		SessionKey: sessionKey,
		Enabled:    enabled,
	})
	return err
}

// request issues one req frame and waits for the matching res frame.
func (c *Connection) request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.state == StateTerminal {
		c.mu.Unlock()
		return nil, ErrTerminal
	}
	if c.state != StateConnected || c.ws == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	ws := c.ws
	id := fmt.Sprintf("r%d-%s", c.seq.Add(1), c.idPrefix)
	ch := make(chan pendingResult, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.writeFrame(ws, requestFrame{
		Type:   frameTypeRequest,
		ID:     id,
		Method: method,
		Params: params,
	}); err != nil {
		return nil, fmt.Errorf("sending %s: %w", method, err)
	}

	timer := time.NewTimer(c.opts.RequestTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return res.payload, nil
	case <-timer.C:
		return nil, fmt.Errorf("%s: %w", method, ErrTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Connection) writeFrame(ws *websocket.Conn, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteJSON(v)
}

func (c *Connection) setState(s State, lastError string) {
	c.mu.Lock()
	c.state = s
	if lastError != "" || s == StateConnected {
		c.lastError = lastError
	}
	c.mu.Unlock()
}

// run is the connect loop. It returns when ctx is canceled or the
// connection goes terminal.
func (c *Connection) run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.InitialBackoff
	bo.MaxInterval = c.opts.MaxBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()
	failures := 0

	for ctx.Err() == nil {
		c.setState(StateConnecting, "")
		ws, err := c.dialAndHandshake(ctx)
		if err != nil {
			failures++
			c.logger.Warn("connect failed", "error", err, "attempt", failures)
			c.setState(StateDisconnected, err.Error())
			if failures >= c.opts.MaxAttempts {
				c.setState(StateTerminal, err.Error())
				c.publish(EventReconnectFailed, nil)
				c.logger.Error("giving up after repeated connect failures", "attempts", failures)
				return
			}
			if !c.sleep(ctx, bo.NextBackOff()) {
				return
			}
			continue
		}

		failures = 0
		bo.Reset()

		c.mu.Lock()
		c.ws = ws
		c.state = StateConnected
		c.lastError = ""
		c.mu.Unlock()

		readDone := make(chan error, 1)
		go func() { readDone <- c.readLoop(ws) }()

		c.fetchMetadata(ctx)
		c.reapplyReasoning(ctx)
		c.publish(EventConnected, nil)
		c.logger.Info("gateway connected", "url", c.gateway.URL)

		var readErr error
		select {
		case readErr = <-readDone:
		case <-ctx.Done():
			ws.Close()
			<-readDone
			readErr = ctx.Err()
		}

		c.mu.Lock()
		c.ws = nil
		c.state = StateDisconnected
		if readErr != nil {
			c.lastError = readErr.Error()
		}
		for id, ch := range c.pending {
			ch <- pendingResult{err: ErrConnectionLost}
			delete(c.pending, id)
		}
		c.mu.Unlock()
		ws.Close()

		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("gateway disconnected", "error", readErr)
		if !c.sleep(ctx, bo.NextBackOff()) {
			return
		}
	}
}

func (c *Connection) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-c.wakeNow:
		return true
	case <-ctx.Done():
		return false
	}
}

// dialAndHandshake opens the WebSocket and completes the challenge exchange.
func (c *Connection) dialAndHandshake(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()

	ws, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.gateway.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", c.gateway.URL, err)
	}

	deadline := time.Now().Add(c.opts.HandshakeTimeout)
	ws.SetReadDeadline(deadline)

	// The gateway speaks first with a connect.challenge event.
	var challenge frame
	if err := ws.ReadJSON(&challenge); err != nil {
		ws.Close()
		return nil, fmt.Errorf("reading challenge: %w", err)
	}
	if challenge.Type != frameTypeEvent || challenge.Event != EventChallenge {
		ws.Close()
		return nil, fmt.Errorf("expected %s, got %s/%s", EventChallenge, challenge.Type, challenge.Event)
	}

	var auth *authBlock
	if c.gateway.Token != "" || c.gateway.Password != "" {
		auth = &authBlock{Token: c.gateway.Token, Password: c.gateway.Password}
	}
	connectID := fmt.Sprintf("r%d-%s", c.seq.Add(1), c.idPrefix)
	req := requestFrame{
		Type:   frameTypeRequest,
		ID:     connectID,
		Method: methodConnect,
		Params: connectParams{
			Auth:        auth,
			Role:        "operator",
			Scopes:      operatorScopes,
			Permissions: operatorPermissions,
			Client: clientInfo{
				ID:         "webchat-proxy",
				Version:    "1.0.0",
				Platform:   "go",
				Mode:       "backend",
				InstanceID: c.idPrefix,
			},
			MinProtocol: protocolVersion,
			MaxProtocol: protocolVersion,
		},
	}
	if err := c.writeFrame(ws, req); err != nil {
		ws.Close()
		return nil, fmt.Errorf("sending connect: %w", err)
	}

	var res frame
	if err := ws.ReadJSON(&res); err != nil {
		ws.Close()
		return nil, fmt.Errorf("reading connect response: %w", err)
	}
	if res.Type != frameTypeResponse || res.ID != connectID {
		ws.Close()
		return nil, fmt.Errorf("unexpected frame during handshake: %s", res.Type)
	}
	if !res.OK {
		ws.Close()
		msg := "connect rejected"
		if res.Error != nil {
			msg = res.Error.Message
		}
		return nil, fmt.Errorf("connect rejected: %s", msg)
	}

	var result connectResult
	if len(res.Payload) > 0 {
		if err := json.Unmarshal(res.Payload, &result); err != nil {
			c.logger.Warn("unparseable connect payload", "error", err)
		}
	}
	c.mu.Lock()
	c.snapshot = Snapshot{
		Agents:       result.Snapshot.Agents,
		Models:       result.Snapshot.Models,
		DefaultModel: result.Snapshot.DefaultModel,
	}
	if c.snapshot.DefaultModel == "" {
		c.snapshot.DefaultModel = result.Snapshot.SessionDefaults.Model
	}
	c.mu.Unlock()

	ws.SetReadDeadline(time.Time{})
	return ws, nil
}

// fetchMetadata refreshes the agent and model lists after a handshake. The
// snapshot already holds handshake data, so failures here only log.
func (c *Connection) fetchMetadata(ctx context.Context) {
	if payload, err := c.request(ctx, methodAgentsList, nil); err == nil {
		var out struct {
			Agents []Agent `json:"agents"`
		}
		if json.Unmarshal(payload, &out) == nil && len(out.Agents) > 0 {
			c.mu.Lock()
			c.snapshot.Agents = out.Agents
			c.mu.Unlock()
		}
	} else {
		c.logger.Debug("agents.list failed", "error", err)
	}

	if payload, err := c.request(ctx, methodModelsList, nil); err == nil {
		var out struct {
			Models []Model `json:"models"`
		}
		if json.Unmarshal(payload, &out) == nil && len(out.Models) > 0 {
			c.mu.Lock()
			c.snapshot.Models = out.Models
			c.mu.Unlock()
		}
	} else {
		c.logger.Debug("models.list failed", "error", err)
	}
}

// reapplyReasoning replays cached reasoning toggles onto the fresh link.
func (c *Connection) reapplyReasoning(ctx context.Context) {
	c.mu.Lock()
	settings := make(map[string]bool, len(c.reasoning))
	for k, v := range c.reasoning {
		settings[k] = v
	}
	c.mu.Unlock()

	for sessionKey, enabled := range settings {
		if _, err := c.request(ctx, methodSetReasoning, setReasoningParams{
			SessionKey: sessionKey,
			Enabled:    enabled,
		}); err != nil {
			c.logger.Warn("reapplying reasoning setting failed", "session_key", sessionKey, "error", err)
		}
	}
}

// readLoop pumps inbound frames until the connection drops.
func (c *Connection) readLoop(ws *websocket.Conn) error {
	for {
		var f frame
		if err := ws.ReadJSON(&f); err != nil {
			return err
		}
		switch f.Type {
		case frameTypeResponse:
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			if ok {
				delete(c.pending, f.ID)
			}
			c.mu.Unlock()
			if !ok {
				c.logger.Debug("response for unknown request", "id", f.ID)
				continue
			}
			if f.OK {
				ch <- pendingResult{payload: f.Payload}
			} else {
				msg := "request failed"
				if f.Error != nil {
					msg = f.Error.Message
				}
				ch <- pendingResult{err: errors.New(msg)}
			}
		case frameTypeEvent:
			if f.Event == EventChat && c.opts.OnChatEvent != nil {
				if ev, err := DecodeChatEvent(f.Payload); err == nil {
					c.opts.OnChatEvent(c.gateway.ID, ev)
				}
			}
			c.publish(f.Event, f.Payload)
		default:
			c.logger.Debug("ignoring frame", "type", f.Type)
		}
	}
}
