package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/vaultd/internal/observability"
	"github.com/harun/vaultd/internal/tracing"
	"github.com/harun/vaultd/pkg/session"
	"github.com/harun/vaultd/pkg/window"
	"github.com/rs/zerolog"
)

// DefaultHost keeps the gateway on loopback unless configured otherwise.
const DefaultHost = "127.0.0.1"

// Server is the websocket gateway. Every authenticated connection owns one
// window of the session manager.
type Server struct {
	host           string
	port           int
	server         *http.Server
	listener       net.Listener
	upgrader       websocket.Upgrader
	clients        *ClientRegistry
	router         *RPCRouter
	auth           *Authenticator
	broadcaster    *EventBroadcaster
	sessions       *session.Manager
	logger         zerolog.Logger
	isShuttingDown bool
	shutdownMu     sync.RWMutex
	clientWG       sync.WaitGroup
}

// Config holds server configuration
type Config struct {
	Host         string
	Port         int
	SharedSecret string
	Sessions     *session.Manager
	Logger       zerolog.Logger
}

// NewServer creates a new gateway server. Port 0 picks a free port on Start.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.SharedSecret == "" {
		return nil, fmt.Errorf("shared secret is required")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}

	clients := NewClientRegistry()
	logger := cfg.Logger.With().Str("component", "gateway").Logger()

	s := &Server{
		host:        cfg.Host,
		port:        cfg.Port,
		clients:     clients,
		router:      NewRPCRouter(),
		auth:        NewAuthenticator(cfg.SharedSecret),
		broadcaster: NewEventBroadcaster(clients, logger),
		sessions:    cfg.Sessions,
		logger:      logger,
		upgrader: websocket.Upgrader{
			// Front-ends are local and authenticate with the shared secret.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	s.registerBuiltinMethods()

	return s, nil
}

// Handler returns the HTTP handler serving /ws, /metrics and /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", net.JoinHostPort(s.host, fmt.Sprint(s.port)))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting gateway server")

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	return nil
}

// Addr is the address the server listens on, once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop tells clients the server is going away, drops their connections and
// waits until every window they owned has been closed.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	if s.isShuttingDown {
		s.shutdownMu.Unlock()
		return nil
	}
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway server")

	s.broadcaster.Broadcast(EventServerShutdown, map[string]interface{}{
		"message": "Server is shutting down",
	})

	for _, client := range s.clients.GetAll() {
		_ = client.Conn.Close()
	}

	done := make(chan struct{})
	go func() {
		s.clientWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All windows closed")
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
	}

	s.logger.Info().Msg("Gateway server stopped")
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	client, err := s.accept(w, r)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to accept connection")
		return
	}
	if client == nil {
		return
	}

	s.logger.Info().
		Str("clientId", client.ID).
		Str("ip", r.RemoteAddr).
		Msg("Client connected")

	if err := s.sendAuthChallenge(client); err != nil {
		s.logger.Error().Err(err).Str("clientId", client.ID).Msg("Failed to send auth challenge")
		_ = client.Conn.Close()
		s.clients.Remove(client.ID)
		s.clientWG.Done()
		return
	}

	go s.handleClient(client)
}

// accept upgrades the connection and registers the client. Stop cannot run
// in between, so every registered client is seen by it.
func (s *Server) accept(w http.ResponseWriter, r *http.Request) (*Client, error) {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()

	if s.isShuttingDown {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return nil, nil
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade connection: %w", err)
	}

	clientID, err := NewWindowID()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	now := time.Now()
	client := &Client{
		ID:           clientID,
		Conn:         conn,
		ConnectedAt:  now,
		LastActivity: now,
		IPAddress:    r.RemoteAddr,
		State:        StateConnecting,
	}
	s.clients.Add(client)
	s.clientWG.Add(1)
	return client, nil
}

func (s *Server) sendAuthChallenge(client *Client) error {
	nonce, err := newNonce()
	if err != nil {
		return err
	}

	var msg AuthChallenge
	s.clients.Update(client, func(c *Client) {
		msg = s.auth.Arm(c, nonce)
	})
	return client.WriteJSON(msg)
}

// handleClient reads messages until the connection drops. Requests are
// answered in arrival order so edits apply in the order they were typed.
func (s *Server) handleClient(client *Client) {
	defer s.clientWG.Done()
	defer func() {
		s.closeWindow(client)
		_ = client.Conn.Close()
		s.clients.Remove(client.ID)
		s.logger.Info().Str("clientId", client.ID).Msg("Client disconnected")
	}()

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Str("clientId", client.ID).Msg("WebSocket error")
			}
			return
		}

		s.clients.UpdateActivity(client.ID)
		s.handleMessage(client, message)
	}
}

// closeWindow tears down the window of a dropped connection. A window the
// client already closed is not an error.
func (s *Server) closeWindow(client *Client) {
	authenticated := false
	s.clients.Update(client, func(c *Client) {
		authenticated = c.Authenticated
		c.State = StateDisconnected
	})
	if !authenticated {
		return
	}

	ctx := tracing.NewWindowContext(context.Background(), client.ID)
	err := s.sessions.CloseWindow(ctx, client.ID)
	if err != nil && !errors.Is(err, window.ErrUnknownWindow) {
		s.logger.Warn().Err(err).Str("clientId", client.ID).Msg("Window closed with errors")
	}
}

func (s *Server) handleMessage(client *Client, message []byte) {
	var authResp AuthResponse
	if err := json.Unmarshal(message, &authResp); err == nil && authResp.Method == MethodAuthResponse {
		s.handleAuthMessage(client, authResp)
		return
	}

	if !s.isAuthenticated(client) {
		s.sendError(client, requestID(message), AuthenticationRequired, "Authentication required")
		return
	}

	req, err := s.router.ParseRequest(message)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			s.sendError(client, requestID(message), rpcErr.Code, rpcErr.Message)
		} else {
			s.sendError(client, requestID(message), ParseError, err.Error())
		}
		return
	}

	ctx := tracing.NewWindowContext(context.Background(), client.ID)
	ctx = tracing.WithRequestID(ctx, req.ID)
	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Debug().Str("method", req.Method).Msg("Gateway received request")

	response := s.router.RouteRequest(withClient(ctx, client), req)
	if response.Error != nil {
		logger.Debug().
			Str("method", req.Method).
			Int("code", response.Error.Code).
			Str("error", response.Error.Message).
			Msg("Request failed")
	}
	if err := client.WriteJSON(response); err != nil {
		logger.Error().Err(err).Msg("Failed to send response")
	}
}

// handleAuthMessage verifies the signature and, on success, opens the window
// this connection will drive.
func (s *Server) handleAuthMessage(client *Client, authResp AuthResponse) {
	ctx := tracing.NewWindowContext(context.Background(), client.ID)

	var verdict Verdict
	s.clients.Update(client, func(c *Client) {
		verdict = s.auth.Verify(c, authResp.Signature)
	})
	result := verdict.Result

	if !result.Success {
		observability.RecordSecurityAudit(ctx, "auth", client.ID, "failure")
		s.logger.Warn().
			Str("clientId", client.ID).
			Str("reason", result.Message).
			Msg("Authentication failed")
		if err := client.WriteJSON(result); err != nil {
			s.logger.Error().Err(err).Str("clientId", client.ID).Msg("Failed to send auth result")
		}
		if verdict.Drop {
			_ = client.Conn.Close()
		}
		return
	}

	ui := &windowUI{client: client, broadcaster: s.broadcaster}
	dir, err := s.sessions.OpenWindow(ctx, client.ID, ui)
	if err != nil {
		s.clients.Update(client, s.auth.Revoke)
		s.logger.Error().Err(err).Str("clientId", client.ID).Msg("Failed to open window")
		_ = client.WriteJSON(AuthResult{Event: EventAuthFailure, Message: err.Error()})
		_ = client.Conn.Close()
		return
	}

	observability.RecordSecurityAudit(ctx, "auth", client.ID, "success")
	result.Directory = dir
	if err := client.WriteJSON(result); err != nil {
		s.logger.Error().Err(err).Str("clientId", client.ID).Msg("Failed to send auth result")
		return
	}
	s.logger.Info().Str("clientId", client.ID).Str("directory", dir).Msg("Client authenticated")
}

func (s *Server) isAuthenticated(client *Client) bool {
	var ok bool
	s.clients.Update(client, func(c *Client) { ok = c.Authenticated })
	return ok
}

// requestID recovers the id of a request that could not be handled so the
// error can still be matched to it.
func requestID(message []byte) string {
	var envelope struct {
		ID interface{} `json:"id"`
	}
	if err := json.Unmarshal(message, &envelope); err != nil {
		return ""
	}
	if id, ok := envelope.ID.(string); ok {
		return id
	}
	return ""
}

func (s *Server) sendError(client *Client, requestID string, code int, message string) {
	if err := client.WriteJSON(errorResponse(requestID, &RPCError{Code: code, Message: message})); err != nil {
		s.logger.Error().
			Err(err).
			Str("clientId", client.ID).
			Msg("Failed to send error response")
	}
}

// Broadcast sends an event to every window.
func (s *Server) Broadcast(event string, data interface{}) {
	s.broadcaster.Broadcast(event, data)
}

// GetConnectedClients returns information about all connected clients
func (s *Server) GetConnectedClients() []ClientInfo {
	return s.clients.GetConnectedClients()
}
