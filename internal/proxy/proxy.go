// ABOUTME: Top-level orchestrator wiring store, upstream manager, and HTTP surfaces
// ABOUTME: Owns startup seeding, the listener, and graceful shutdown

package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/2389/webchat-proxy/internal/chatws"
	"github.com/2389/webchat-proxy/internal/config"
	"github.com/2389/webchat-proxy/internal/httpapi"
	"github.com/2389/webchat-proxy/internal/store"
	"github.com/2389/webchat-proxy/internal/upstream"
)

const shutdownTimeout = 10 * time.Second

// Server is the assembled proxy.
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   store.Store
	manager *upstream.Manager
	handler http.Handler
}

// New opens the store and wires every component. The returned server does
// not listen until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	st, err := store.NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	recorder := chatws.NewRecorder(st, logger)
	manager := upstream.NewManager(st, logger, upstream.Options{OnChatEvent: recorder.OnChatEvent})
	api := httpapi.New(st, manager, logger)
	chat := chatws.New(st, manager, recorder, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{
			"name":    "webchat-proxy",
			"version": "1.0.0",
			"status":  "running",
		})
	})
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	})
	api.Routes(mux)
	mux.HandleFunc("GET /ws/chat/federated", chat.ServeFederated)
	mux.HandleFunc("GET /ws/chat/{gateway_id}", chat.ServeSingle)

	return &Server{
		cfg:     cfg,
		logger:  logger.With("component", "proxy"),
		store:   st,
		manager: manager,
		handler: httpapi.CORS(cfg.CORSOriginList(), mux),
	}, nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// Handler exposes the assembled HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Manager exposes the upstream registry, mainly for tests.
func (s *Server) Manager() *upstream.Manager {
	return s.manager
}

// Store exposes the persistence layer, mainly for tests.
func (s *Server) Store() store.Store {
	return s.store
}

// seedDefaultGateway inserts a default gateway row when the table is empty
// and DEFAULT_GATEWAY_URL is set.
func (s *Server) seedDefaultGateway(ctx context.Context) error {
	if s.cfg.DefaultGatewayURL == "" {
		return nil
	}
	existing, err := s.store.ListGateways(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	_, err = s.store.AddGateway(ctx, &store.Gateway{
		ID:   "default",
		Name: "Default Gateway",
		URL:  s.cfg.DefaultGatewayURL,
	})
	if err != nil {
		return err
	}
	s.logger.Info("seeded default gateway", "url", s.cfg.DefaultGatewayURL)
	return nil
}

// Run brings up upstream connections and serves HTTP until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	defer s.store.Close()

	if err := s.seedDefaultGateway(ctx); err != nil {
		return fmt.Errorf("seeding default gateway: %w", err)
	}
	if err := s.manager.StartAll(ctx); err != nil {
		return fmt.Errorf("starting upstream connections: %w", err)
	}
	defer s.manager.CloseAll()

	httpServer := &http.Server{
		Addr:    s.cfg.ListenAddr(),
		Handler: s.handler,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", httpServer.Addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http shutdown", "error", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
