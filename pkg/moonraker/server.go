// Package moonraker provides a Moonraker-compatible API server. Host
// components register remote methods with it and push console events to
// connected WebSocket clients.
package moonraker

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"klipper-go-flasher/pkg/config"
	"klipper-go-flasher/pkg/errors"
	"klipper-go-flasher/pkg/log"
)

// Version reported by server.info
const Version = "v0.8.0-klipper-go-flasher"

// MethodHandler serves one remote method call.
type MethodHandler = func(ctx context.Context, params map[string]any) (any, error)

// KlippyStatus reports the state of the Klippy host.
type KlippyStatus interface {
	State(ctx context.Context) (string, error)
}

// Server provides a Moonraker-compatible API server.
type Server struct {
	klippy KlippyStatus

	// HTTP server
	httpServer *http.Server
	addr       string

	// WebSocket management
	wsUpgrader websocket.Upgrader
	wsClients  map[int64]*WSClient
	wsClientMu sync.RWMutex
	nextWSID   int64

	// Remote methods registered by components
	methods  map[string]MethodHandler
	methodMu sync.RWMutex

	// Server events forwarded to clients as notifications
	notifications map[string]string

	// Extra HTTP handlers mounted by components
	handlers map[string]http.Handler

	// Warnings and loaded components reported by server.info
	warnings   []string
	components []string
	infoMu     sync.RWMutex

	// Server state
	running   atomic.Bool
	startTime time.Time
	logger    *log.Logger
}

// Config holds server configuration.
type Config struct {
	// HTTP address to listen on (e.g., ":7125")
	Addr string

	// Klippy is queried for server.info; may be nil.
	Klippy KlippyStatus
}

// LoadConfig reads the [server] section.
func LoadConfig(cfg *config.Config) (Config, error) {
	sec := cfg.GetSectionOptional("server")
	host, err := sec.Get("host", "0.0.0.0")
	if err != nil {
		return Config{}, err
	}
	port, err := sec.GetInt("port", 7125)
	if err != nil {
		return Config{}, err
	}
	if port < 1 || port > 65535 {
		return Config{}, config.ErrOutOfRange(sec.GetName(), "port", float64(port), "must be a TCP port")
	}
	return Config{Addr: net.JoinHostPort(host, strconv.Itoa(port))}, nil
}

// New creates a new Moonraker-compatible server.
func New(cfg Config) *Server {
	s := &Server{
		klippy:    cfg.Klippy,
		addr:      cfg.Addr,
		wsClients: make(map[int64]*WSClient),
		methods:   make(map[string]MethodHandler),
		notifications: map[string]string{
			"server:gcode_response": "notify_gcode_response",
		},
		handlers:  make(map[string]http.Handler),
		startTime: time.Now(),
		logger:    log.GetLogger("moonraker"),
	}

	s.wsUpgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // Allow all origins for development
		},
	}

	return s
}

// RegisterMethod exposes handler as a JSON-RPC method.
func (s *Server) RegisterMethod(name string, handler MethodHandler) {
	s.methodMu.Lock()
	defer s.methodMu.Unlock()
	if _, exists := s.methods[name]; exists {
		s.logger.Warn("Remote method '%s' registered twice", name)
	}
	s.methods[name] = handler
	s.logger.Debug("Registered remote method '%s'", name)
}

// Handle mounts h at path. It must be called before Handler.
func (s *Server) Handle(path string, h http.Handler) {
	s.methodMu.Lock()
	defer s.methodMu.Unlock()
	s.handlers[path] = h
}

// RegisterComponent lists name under server.info components.
func (s *Server) RegisterComponent(name string) {
	s.infoMu.Lock()
	defer s.infoMu.Unlock()
	s.components = append(s.components, name)
}

// AddWarning records a warning shown to clients in server.info.
func (s *Server) AddWarning(msg string) {
	s.infoMu.Lock()
	s.warnings = append(s.warnings, msg)
	s.infoMu.Unlock()
	s.logger.Warn("%s", msg)
}

// Warnings returns the recorded warnings.
func (s *Server) Warnings() []string {
	s.infoMu.RLock()
	defer s.infoMu.RUnlock()
	return append([]string{}, s.warnings...)
}

// SendEvent broadcasts a server event to every WebSocket client.
func (s *Server) SendEvent(event string, data any) {
	s.methodMu.RLock()
	method, ok := s.notifications[event]
	s.methodMu.RUnlock()
	if !ok {
		s.logger.Debug("No notification registered for event '%s'", event)
		return
	}
	s.broadcast(map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  []any{data},
	})
}

func (s *Server) broadcast(msg any) {
	s.wsClientMu.RLock()
	defer s.wsClientMu.RUnlock()
	for _, client := range s.wsClients {
		client.Send(msg)
	}
}

// Handler returns the HTTP handler serving every endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// JSON-RPC endpoint
	mux.HandleFunc("/jsonrpc", s.handleJSONRPC)

	// WebSocket endpoint
	mux.HandleFunc("/websocket", s.handleWebSocket)

	// REST-style endpoints (alternative to JSON-RPC)
	mux.HandleFunc("/server/info", s.handleServerInfo)
	mux.HandleFunc("/machine/mcu_flasher/flash", s.handleFlash)
	mux.HandleFunc("/machine/mcu_flasher/list", s.handleFlasherList)

	// Access/authentication endpoints
	mux.HandleFunc("/access/oneshot_token", s.handleOneshotToken)

	s.methodMu.RLock()
	for path, h := range s.handlers {
		mux.Handle(path, h)
	}
	s.methodMu.RUnlock()

	// Wrap with CORS middleware
	return s.corsMiddleware(mux)
}

// Start starts the API server and blocks until it is stopped.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.running.Store(true)
	s.logger.Info("Moonraker API server starting on %s", s.addr)

	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop closes every WebSocket client and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.running.Store(false)

	// Close all WebSocket clients
	s.wsClientMu.Lock()
	for _, client := range s.wsClients {
		client.Close()
	}
	s.wsClients = make(map[int64]*WSClient)
	s.wsClientMu.Unlock()

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// JSON-RPC 2.0 structures

type jsonRPCRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
	ID      any            `json:"id,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonRPCError `json:"error,omitempty"`
	ID      any           `json:"id,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

var errMethodNotFound = fmt.Errorf("method not found")

// errorStatus maps an error to the HTTP status Moonraker reports for it.
func errorStatus(err error) int {
	switch {
	case err == errMethodNotFound:
		return http.StatusNotFound
	case errors.Is(err, errors.ErrUnknownMCU):
		return http.StatusNotFound
	case errors.Is(err, errors.ErrPrinterBusy), errors.Is(err, errors.ErrFlashInProgress):
		return http.StatusServiceUnavailable
	case errors.Is(err, errors.ErrConfigWrite), errors.Is(err, errors.ErrServiceAction),
		errors.Is(err, errors.ErrKlippy), errors.Is(err, errors.ErrRuntime):
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func rpcError(err error) *jsonRPCError {
	if err == errMethodNotFound {
		return &jsonRPCError{Code: -32601, Message: "Method not found"}
	}
	return &jsonRPCError{Code: errorStatus(err), Message: err.Error()}
}

// handleJSONRPC handles JSON-RPC 2.0 requests.
func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req jsonRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONRPC(w, jsonRPCResponse{JSONRPC: "2.0", Error: &jsonRPCError{Code: -32700, Message: "Parse error"}})
		return
	}

	s.writeJSONRPC(w, s.call(r.Context(), req, nil))
}

// call dispatches req and builds its response.
func (s *Server) call(ctx context.Context, req jsonRPCRequest, client *WSClient) jsonRPCResponse {
	resp := jsonRPCResponse{JSONRPC: "2.0", ID: req.ID}
	result, err := s.dispatchMethod(ctx, req.Method, req.Params, client)
	if err != nil {
		if err != errMethodNotFound {
			entry := s.logger.WithFields(log.Fields{
				"method": req.Method,
				"code":   string(errors.CodeOf(err)),
			})
			if errors.IsRequestRejected(err) {
				entry.Info("JSON-RPC request rejected: %v", err)
			} else {
				entry.Warn("JSON-RPC request failed: %v", err)
			}
		}
		resp.Error = rpcError(err)
		return resp
	}
	resp.Result = result
	return resp
}

// dispatchMethod routes a method call to the appropriate handler.
func (s *Server) dispatchMethod(ctx context.Context, method string, params map[string]any, client *WSClient) (result any, err error) {
	defer func() {
		if herr := errors.RecoverPanic(recover()); herr != nil {
			s.logger.Error("Panic in remote method '%s': %v", method, herr)
			result, err = nil, herr
		}
	}()

	switch method {
	case "server.info":
		return s.methodServerInfo(ctx)
	case "server.connection.identify":
		return s.methodIdentify(params, client)
	}

	s.methodMu.RLock()
	handler, ok := s.methods[method]
	s.methodMu.RUnlock()
	if !ok {
		return nil, errMethodNotFound
	}
	if params == nil {
		params = map[string]any{}
	}
	return handler(ctx, params)
}

// Method implementations

func (s *Server) methodServerInfo(ctx context.Context) (any, error) {
	hostname, _ := os.Hostname()
	klippyState := "disconnected"
	if s.klippy != nil {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if state, err := s.klippy.State(ctx); err == nil {
			klippyState = state
		}
	}

	s.infoMu.RLock()
	components := append([]string{}, s.components...)
	warnings := append([]string{}, s.warnings...)
	s.infoMu.RUnlock()
	sort.Strings(components)

	s.wsClientMu.RLock()
	wsCount := len(s.wsClients)
	s.wsClientMu.RUnlock()

	return map[string]any{
		"klippy_connected":   klippyState != "disconnected",
		"klippy_state":       klippyState,
		"components":         components,
		"failed_components":  []string{},
		"warnings":           warnings,
		"websocket_count":    wsCount,
		"moonraker_version":  Version,
		"api_version":        []int{1, 5, 0},
		"api_version_string": "1.5.0",
		"hostname":           hostname,
		"uptime":             time.Since(s.startTime).Seconds(),
	}, nil
}

func (s *Server) methodIdentify(params map[string]any, client *WSClient) (any, error) {
	if client == nil {
		return nil, fmt.Errorf("identify requires a WebSocket connection")
	}
	clientName := "unknown"
	if name, ok := params["client_name"].(string); ok {
		clientName = name
	}
	s.logger.Info("WebSocket client %d identified as %s", client.id, clientName)
	return map[string]any{
		"connection_id": client.id,
	}, nil
}

// REST endpoint handlers

func (s *Server) handleServerInfo(w http.ResponseWriter, r *http.Request) {
	result, err := s.methodServerInfo(r.Context())
	if err != nil {
		s.writeJSONError(w, err)
		return
	}
	s.writeJSON(w, map[string]any{"result": result})
}

func (s *Server) handleFlash(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	params := map[string]any{}
	if mcu := r.URL.Query().Get("mcu"); mcu != "" {
		params["mcu"] = mcu
	}
	s.restCall(w, r, "flash_mcu", params)
}

func (s *Server) handleFlasherList(w http.ResponseWriter, r *http.Request) {
	s.restCall(w, r, "machine.mcu_flasher.list", nil)
}

func (s *Server) restCall(w http.ResponseWriter, r *http.Request, method string, params map[string]any) {
	result, err := s.dispatchMethod(r.Context(), method, params, nil)
	if err != nil {
		s.writeJSONError(w, err)
		return
	}
	s.writeJSON(w, map[string]any{"result": result})
}

func (s *Server) handleOneshotToken(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]any{"result": uuid.New().String()})
}

// CORS middleware to allow cross-origin requests from Fluidd/Mainsail
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Set CORS headers
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")
		w.Header().Set("Access-Control-Allow-Credentials", "true")

		// Handle preflight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// JSON response helpers

func (s *Server) writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeJSONError(w http.ResponseWriter, err error) {
	status := errorStatus(err)
	msg := err.Error()
	if err == errMethodNotFound {
		msg = "Not Found"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": msg,
		},
	})
}

func (s *Server) writeJSONRPC(w http.ResponseWriter, resp jsonRPCResponse) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
