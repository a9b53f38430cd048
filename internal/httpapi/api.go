// ABOUTME: REST surface for gateways, sessions, messages, and federated sessions
// ABOUTME: JSON handlers mounted under /api, backed by the store and the upstream manager

package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/2389/webchat-proxy/internal/store"
	"github.com/2389/webchat-proxy/internal/upstream"
)

const (
	defaultMessageLimit = 50
	maxMessageLimit     = 500
)

// API serves the REST surface. Secrets held in gateway records are never
// written to a response body.
type API struct {
	store   store.Store
	manager *upstream.Manager
	logger  *slog.Logger
}

// New builds the REST handler set.
func New(st store.Store, mgr *upstream.Manager, logger *slog.Logger) *API {
	return &API{
		store:   st,
		manager: mgr,
		logger:  logger.With("component", "api"),
	}
}

// Routes registers all /api handlers on mux.
func (a *API) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/gateways", a.listGateways)
	mux.HandleFunc("POST /api/gateways", a.addGateway)
	mux.HandleFunc("DELETE /api/gateways/{id}", a.deleteGateway)
	mux.HandleFunc("GET /api/gateways/{id}/status", a.gatewayStatus)

	mux.HandleFunc("GET /api/gateways/{id}/sessions", a.listSessions)
	mux.HandleFunc("POST /api/gateways/{id}/sessions", a.createSession)
	mux.HandleFunc("GET /api/gateways/{id}/sessions/{key}", a.getSession)
	mux.HandleFunc("DELETE /api/gateways/{id}/sessions/{key}", a.deleteSession)
	mux.HandleFunc("GET /api/gateways/{id}/sessions/{key}/messages", a.listMessages)

	mux.HandleFunc("GET /api/federated-sessions", a.listFederatedSessions)
	mux.HandleFunc("POST /api/federated-sessions", a.createFederatedSession)
	mux.HandleFunc("GET /api/federated-sessions/{id}", a.getFederatedSession)
	mux.HandleFunc("DELETE /api/federated-sessions/{id}", a.deleteFederatedSession)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// gatewayResponse is a gateway record as exposed over HTTP. It carries no
// credential fields at all.
type gatewayResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	Connected bool      `json:"connected"`
	CreatedAt time.Time `json:"created_at"`
}

func (a *API) connected(gatewayID string) bool {
	conn, ok := a.manager.Get(gatewayID)
	return ok && conn.State() == upstream.StateConnected
}

func (a *API) listGateways(w http.ResponseWriter, r *http.Request) {
	gateways, err := a.store.ListGateways(r.Context())
	if err != nil {
		a.logger.Error("listing gateways", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list gateways")
		return
	}
	out := make([]gatewayResponse, 0, len(gateways))
	for _, gw := range gateways {
		out = append(out, gatewayResponse{
			ID:        gw.ID,
			Name:      gw.Name,
			URL:       gw.URL,
			Connected: a.connected(gw.ID),
			CreatedAt: gw.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type gatewayCreateRequest struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	URL      string `json:"url"`
	Token    string `json:"token"`
	Password string `json:"password"`
}

func (a *API) addGateway(w http.ResponseWriter, r *http.Request) {
	var req gatewayCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ID == "" || req.Name == "" || req.URL == "" {
		writeError(w, http.StatusBadRequest, "id, name, and url are required")
		return
	}

	gw, err := a.store.AddGateway(r.Context(), &store.Gateway{
		ID:       req.ID,
		Name:     req.Name,
		URL:      req.URL,
		Token:    req.Token,
		Password: req.Password,
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicateGateway) {
			writeError(w, http.StatusBadRequest, "gateway already exists")
			return
		}
		a.logger.Error("adding gateway", "gateway_id", req.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to add gateway")
		return
	}

	if err := a.manager.Register(r.Context(), gw.ID); err != nil {
		a.logger.Error("registering gateway connection", "gateway_id", gw.ID, "error", err)
	}

	writeJSON(w, http.StatusOK, gatewayResponse{
		ID:        gw.ID,
		Name:      gw.Name,
		URL:       gw.URL,
		Connected: a.connected(gw.ID),
		CreatedAt: gw.CreatedAt,
	})
}

func (a *API) deleteGateway(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.store.DeleteGateway(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "gateway not found")
			return
		}
		a.logger.Error("deleting gateway", "gateway_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete gateway")
		return
	}
	a.manager.Unregister(id)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type gatewayStatusResponse struct {
	ID           string           `json:"id"`
	Connected    bool             `json:"connected"`
	Agents       []upstream.Agent `json:"agents"`
	Models       []upstream.Model `json:"models"`
	DefaultModel string           `json:"default_model,omitempty"`
}

func (a *API) gatewayStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	conn, ok := a.manager.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "gateway not found")
		return
	}
	snap := conn.Snapshot()
	if snap.Agents == nil {
		snap.Agents = []upstream.Agent{}
	}
	if snap.Models == nil {
		snap.Models = []upstream.Model{}
	}
	writeJSON(w, http.StatusOK, gatewayStatusResponse{
		ID:           id,
		Connected:    conn.State() == upstream.StateConnected,
		Agents:       snap.Agents,
		Models:       snap.Models,
		DefaultModel: snap.DefaultModel,
	})
}

type sessionResponse struct {
	ID           int64     `json:"id"`
	GatewayID    string    `json:"gateway_id"`
	SessionKey   string    `json:"session_key"`
	Title        string    `json:"title,omitempty"`
	AgentID      string    `json:"agent_id,omitempty"`
	Model        string    `json:"model,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

func toSessionResponse(s *store.Session) sessionResponse {
	return sessionResponse{
		ID:           s.ID,
		GatewayID:    s.GatewayID,
		SessionKey:   s.SessionKey,
		Title:        s.Title,
		AgentID:      s.AgentID,
		Model:        s.Model,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity,
	}
}

// requireGateway resolves the gateway path segment, writing a 404 when the
// record does not exist.
func (a *API) requireGateway(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if _, err := a.store.GetGateway(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "gateway not found")
		} else {
			a.logger.Error("loading gateway", "gateway_id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to load gateway")
		}
		return "", false
	}
	return id, true
}

func (a *API) listSessions(w http.ResponseWriter, r *http.Request) {
	gatewayID, ok := a.requireGateway(w, r)
	if !ok {
		return
	}
	sessions, err := a.store.ListSessions(r.Context(), gatewayID)
	if err != nil {
		a.logger.Error("listing sessions", "gateway_id", gatewayID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	out := make([]sessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, toSessionResponse(s))
	}
	writeJSON(w, http.StatusOK, out)
}

type sessionCreateRequest struct {
	SessionKey string `json:"session_key"`
	Title      string `json:"title"`
	AgentID    string `json:"agent_id"`
	Model      string `json:"model"`
}

func (a *API) createSession(w http.ResponseWriter, r *http.Request) {
	gatewayID, ok := a.requireGateway(w, r)
	if !ok {
		return
	}
	var req sessionCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.SessionKey == "" {
		req.SessionKey = "web-" + uuid.NewString()
	}
	session, err := a.store.UpsertSession(r.Context(), gatewayID, req.SessionKey, store.SessionFields{
		Title:   req.Title,
		AgentID: req.AgentID,
		Model:   req.Model,
	})
	if err != nil {
		a.logger.Error("creating session", "gateway_id", gatewayID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(session))
}

func (a *API) getSession(w http.ResponseWriter, r *http.Request) {
	gatewayID, ok := a.requireGateway(w, r)
	if !ok {
		return
	}
	session, err := a.store.GetSession(r.Context(), gatewayID, r.PathValue("key"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		a.logger.Error("loading session", "gateway_id", gatewayID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(session))
}

func (a *API) deleteSession(w http.ResponseWriter, r *http.Request) {
	gatewayID, ok := a.requireGateway(w, r)
	if !ok {
		return
	}
	if err := a.store.DeleteSession(r.Context(), gatewayID, r.PathValue("key")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		a.logger.Error("deleting session", "gateway_id", gatewayID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type messageResponse struct {
	ID        int64                `json:"id"`
	SessionID int64                `json:"session_id"`
	Role      string               `json:"role"`
	Content   []store.ContentBlock `json:"content"`
	Timestamp *int64               `json:"timestamp,omitempty"`
	CreatedAt time.Time            `json:"created_at"`
}

func (a *API) listMessages(w http.ResponseWriter, r *http.Request) {
	gatewayID, ok := a.requireGateway(w, r)
	if !ok {
		return
	}

	limit := defaultMessageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxMessageLimit)
	}
	var beforeID int64
	if raw := r.URL.Query().Get("before"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "before must be a message id")
			return
		}
		beforeID = n
	}

	sessionKey := r.PathValue("key")
	messages, err := a.store.ListMessages(r.Context(), gatewayID, sessionKey, limit, beforeID)
	if err != nil {
		a.logger.Error("listing messages", "gateway_id", gatewayID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}

	// Sessions started elsewhere have no local copy; fetch from the gateway.
	// The store stays authoritative for anything the proxy has observed.
	if len(messages) == 0 && beforeID == 0 {
		if conn, ok := a.manager.Get(gatewayID); ok && conn.State() == upstream.StateConnected {
			fetched, err := conn.History(r.Context(), sessionKey, limit)
			if err != nil {
				a.logger.Warn("history fetch from gateway failed",
					"gateway_id", gatewayID, "session_key", sessionKey, "error", err)
			}
			out := make([]messageResponse, 0, len(fetched))
			for _, m := range fetched {
				out = append(out, messageResponse{
					Role:      m.Role,
					Content:   m.Content,
					Timestamp: m.Timestamp,
				})
			}
			writeJSON(w, http.StatusOK, out)
			return
		}
	}

	out := make([]messageResponse, 0, len(messages))
	for _, m := range messages {
		out = append(out, messageResponse{
			ID:        m.ID,
			SessionID: m.SessionID,
			Role:      m.Role,
			Content:   m.Content,
			Timestamp: m.Timestamp,
			CreatedAt: m.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type federatedSessionResponse struct {
	ID           string                  `json:"id"`
	Title        string                  `json:"title,omitempty"`
	Gateways     []store.FederatedTarget `json:"gateways"`
	CreatedAt    time.Time               `json:"created_at"`
	LastActivity time.Time               `json:"last_activity"`
}

func toFederatedResponse(fs *store.FederatedSession) federatedSessionResponse {
	targets := fs.Targets
	if targets == nil {
		targets = []store.FederatedTarget{}
	}
	return federatedSessionResponse{
		ID:           fs.ID,
		Title:        fs.Title,
		Gateways:     targets,
		CreatedAt:    fs.CreatedAt,
		LastActivity: fs.LastActivity,
	}
}

func (a *API) listFederatedSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := a.store.ListFederatedSessions(r.Context())
	if err != nil {
		a.logger.Error("listing federated sessions", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list federated sessions")
		return
	}
	out := make([]federatedSessionResponse, 0, len(sessions))
	for _, fs := range sessions {
		out = append(out, toFederatedResponse(fs))
	}
	writeJSON(w, http.StatusOK, out)
}

type federatedCreateRequest struct {
	Title    string                  `json:"title"`
	Gateways []store.FederatedTarget `json:"gateways"`
}

func (a *API) createFederatedSession(w http.ResponseWriter, r *http.Request) {
	var req federatedCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Gateways) == 0 {
		writeError(w, http.StatusBadRequest, "at least one gateway target is required")
		return
	}
	for _, target := range req.Gateways {
		if target.GatewayID == "" || target.SessionKey == "" {
			writeError(w, http.StatusBadRequest, "every target needs gateway_id and session_key")
			return
		}
	}

	fs, err := a.store.CreateFederatedSession(r.Context(), &store.FederatedSession{
		ID:      "fed-" + uuid.NewString(),
		Title:   req.Title,
		Targets: req.Gateways,
	})
	if err != nil {
		a.logger.Error("creating federated session", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create federated session")
		return
	}
	writeJSON(w, http.StatusOK, toFederatedResponse(fs))
}

func (a *API) getFederatedSession(w http.ResponseWriter, r *http.Request) {
	fs, err := a.store.GetFederatedSession(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "federated session not found")
			return
		}
		a.logger.Error("loading federated session", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load federated session")
		return
	}
	writeJSON(w, http.StatusOK, toFederatedResponse(fs))
}

func (a *API) deleteFederatedSession(w http.ResponseWriter, r *http.Request) {
	if err := a.store.DeleteFederatedSession(r.Context(), r.PathValue("id")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "federated session not found")
			return
		}
		a.logger.Error("deleting federated session", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete federated session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
