// Package main implements the dashboard backend HTTP server: LLM chat with
// device command dispatch, the device registry API, and the wire protocol
// polled by edge devices.
package main

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/edgedesk/edgedesk/internal/command"
	"github.com/edgedesk/edgedesk/internal/config"
	"github.com/edgedesk/edgedesk/internal/jobs"
	"github.com/edgedesk/edgedesk/internal/llm"
	"github.com/edgedesk/edgedesk/internal/orchestrate"
	"github.com/edgedesk/edgedesk/internal/registry"
)

const (
	readTimeout     = 15 * time.Second
	idleTimeout     = 60 * time.Second
	shutdownTimeout = 10 * time.Second
	maxRequestBody  = 1 << 20 // 1MB

	sessionCookieName = "edgedesk_session"
	sessionTTL        = 12 * time.Hour
)

// Server holds the shared state behind all HTTP handlers.
type Server struct {
	cfg       *config.Config
	registry  *registry.Store
	queue     *jobs.Queue
	validator *command.Validator
	executor  *orchestrate.Executor
	chat      llm.Provider // nil if disabled

	sessionMu sync.Mutex
	sessions  map[string]time.Time
}

// ChatRequest is the JSON request for /api/chat
type ChatRequest struct {
	Messages []llm.Message `json:"messages"`
}

// ChatResponse is the JSON response for /api/chat
type ChatResponse struct {
	Reply string `json:"reply"`
}

// RegisterRequest is the JSON request for the registration endpoints.
// Capabilities is a pointer so a missing field can be told apart from an
// explicit empty list.
type RegisterRequest struct {
	DeviceID     string         `json:"device_id"`
	Capabilities *[]any         `json:"capabilities"`
	Meta         map[string]any `json:"meta"`
	Approved     bool           `json:"approved"`
}

// RegisterResponse is the JSON response for the registration endpoints
type RegisterResponse struct {
	Status   string      `json:"status"`
	DeviceID string      `json:"device_id"`
	Device   *DeviceView `json:"device"`
}

// RenameRequest is the JSON request for PATCH /api/devices/{id}/name.
// DisplayName null (or absent) clears the name.
type RenameRequest struct {
	DisplayName *string `json:"display_name"`
}

// ResultRequest is the JSON body for POST /jobs/result
type ResultRequest struct {
	DeviceID    string `json:"device_id"`
	JobID       string `json:"job_id"`
	OK          bool   `json:"ok"`
	ReturnValue any    `json:"return_value"`
	Stdout      string `json:"stdout"`
	Stderr      string `json:"stderr"`
	Error       string `json:"error"`
	TS          any    `json:"ts"`
}

// ResultResponse is the JSON response for POST /jobs/result
type ResultResponse struct {
	Status  string `json:"status"`
	Warning string `json:"warning,omitempty"`
}

// DeviceView is the serialized device shape returned by the registry API
type DeviceView struct {
	DeviceID      string                `json:"device_id"`
	DisplayName   string                `json:"display_name,omitempty"`
	Role          string                `json:"role"`
	Capabilities  []registry.Capability `json:"capabilities"`
	Meta          map[string]any        `json:"meta"`
	Approved      bool                  `json:"approved"`
	ActionCatalog any                   `json:"action_catalog,omitempty"`
	QueueDepth    int                   `json:"queue_depth"`
	LastSeen      int64                 `json:"last_seen"`
	RegisteredAt  int64                 `json:"registered_at"`
	LastResult    *jobs.Result          `json:"last_result,omitempty"`
}

// LoginRequest is the JSON request for POST /login
type LoginRequest struct {
	Password string `json:"password"`
}

// ErrorResponse is the JSON error response
type ErrorResponse struct {
	Error string `json:"error"`
}

func newServer(cfg *config.Config, chat llm.Provider) *Server {
	reg := registry.NewStore()
	queue := jobs.NewQueue(reg)
	executor := orchestrate.NewExecutor(reg, queue, chat)
	executor.ResultTimeout = cfg.ResultTimeout()

	return &Server{
		cfg:       cfg,
		registry:  reg,
		queue:     queue,
		validator: command.NewValidator(reg),
		executor:  executor,
		chat:      chat,
		sessions:  make(map[string]time.Time),
	}
}

// routes wires up all endpoints. Dashboard routes sit behind the session gate
// when a password is configured; device wire routes never do.
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	// Dashboard API
	mux.HandleFunc("POST /api/chat", s.requireSession(s.handleChat))
	mux.HandleFunc("GET /api/chat/health", s.requireSession(s.handleChatHealth))
	mux.HandleFunc("GET /api/devices", s.requireSession(s.handleListDevices))
	mux.HandleFunc("POST /api/devices/register", s.requireSession(s.handleDashboardRegister))
	mux.HandleFunc("PATCH /api/devices/{id}/name", s.requireSession(s.handleRenameDevice))
	mux.HandleFunc("DELETE /api/devices/{id}", s.requireSession(s.handleDeleteDevice))

	// Session gate
	mux.HandleFunc("POST /login", s.handleLogin)
	mux.HandleFunc("POST /logout", s.handleLogout)
	mux.HandleFunc("GET /session", s.handleSession)

	// Device wire protocol
	mux.HandleFunc("POST /register", s.handleDeviceRegister)
	mux.HandleFunc("GET /jobs/next", s.handleNextJob)
	mux.HandleFunc("POST /jobs/result", s.handlePostResult)
	mux.HandleFunc("POST /jobs/result/{device_id}", s.handlePostResult)

	mux.HandleFunc("GET /healthz", s.handleHealthz)

	return mux
}

// handleChat runs one chat turn: LLM call, command validation, sequence
// execution, reply assembly. Every failure short of an LLM transport error
// still produces a reply string.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	history := make([]llm.Message, 0, len(req.Messages))
	for _, msg := range req.Messages {
		role := msg.Role
		if role != "system" && role != "user" && role != "assistant" {
			continue
		}
		if msg.Content == "" {
			continue
		}
		history = append(history, llm.Message{Role: role, Content: msg.Content})
	}
	if len(history) == 0 || history[len(history)-1].Role != "user" {
		s.writeError(w, http.StatusBadRequest, "last message must be from user")
		return
	}

	if s.chat == nil {
		s.writeError(w, http.StatusInternalServerError, "chat provider is not configured")
		return
	}

	raw, err := s.chat.Chat(r.Context(), llm.BuildChatMessages(s.executor.DeviceContext(), history))
	if err != nil {
		log.Printf("[ERROR] chat completion failed: %v", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	turn := llm.ParseAssistantTurn(raw)
	reply := turn.Reply

	cmds, validationErrs := s.validator.ValidateSequence(anyList(turn.Commands))
	if len(validationErrs) > 0 {
		// Any validation error aborts the whole batch; the messages
		// become a system notice on the conversational reply.
		notice := "（注意: コマンドを実行できませんでした。" + strings.Join(validationErrs, " / ") + "）"
		if reply != "" {
			reply += "\n" + notice
		} else {
			reply = notice
		}
		s.writeJSON(w, http.StatusOK, ChatResponse{Reply: reply})
		return
	}

	if len(cmds) > 0 {
		finalReply, status := s.executor.ExecuteSequence(r.Context(), history, reply, cmds)
		s.writeJSON(w, status, ChatResponse{Reply: finalReply})
		return
	}

	s.writeJSON(w, http.StatusOK, ChatResponse{Reply: reply})
}

func (s *Server) handleChatHealth(w http.ResponseWriter, r *http.Request) {
	if s.chat == nil {
		s.writeJSON(w, http.StatusOK, &llm.Health{Ok: false, Provider: "none", Error: "chat provider is not configured"})
		return
	}
	s.writeJSON(w, http.StatusOK, s.chat.Health(r.Context()))
}

// handleDashboardRegister registers a device on behalf of the dashboard. The
// request may carry the approval flag that first-time registration requires.
func (s *Server) handleDashboardRegister(w http.ResponseWriter, r *http.Request) {
	s.register(w, r, true)
}

// handleDeviceRegister is the self-registration path polled devices use on
// boot. Self-reports can never approve a device.
func (s *Server) handleDeviceRegister(w http.ResponseWriter, r *http.Request) {
	s.register(w, r, false)
}

func (s *Server) register(w http.ResponseWriter, r *http.Request, allowApproval bool) {
	var req RegisterRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	if strings.TrimSpace(req.DeviceID) == "" {
		s.writeError(w, http.StatusBadRequest, "device_id is required")
		return
	}
	if req.Capabilities == nil {
		s.writeError(w, http.StatusBadRequest, "capabilities must be a list")
		return
	}

	approved := req.Approved && allowApproval
	caps := registry.NormalizeCapabilities(*req.Capabilities)

	dev, created, err := s.registry.Register(req.DeviceID, caps, req.Meta, approved)
	if errors.Is(err, registry.ErrNotApproved) {
		s.writeError(w, http.StatusForbidden, "device not approved")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	status := "updated"
	if created {
		status = "registered"
		log.Printf("[INFO] device %s registered (%d capabilities)", dev.ID, len(dev.Capabilities))
	}
	s.writeJSON(w, http.StatusOK, RegisterResponse{
		Status:   status,
		DeviceID: dev.ID,
		Device:   s.deviceView(dev),
	})
}

func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	devices := s.registry.List()
	views := make([]*DeviceView, 0, len(devices))
	for _, dev := range devices {
		views = append(views, s.deviceView(dev))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"devices": views})
}

func (s *Server) handleRenameDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := strings.TrimSpace(r.PathValue("id"))
	if deviceID == "" {
		s.writeError(w, http.StatusBadRequest, "device_id is required")
		return
	}

	var req RenameRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	name := ""
	if req.DisplayName != nil {
		name = *req.DisplayName
	}
	dev, err := s.registry.Rename(deviceID, name)
	if errors.Is(err, registry.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "device not registered")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "updated", "device": s.deviceView(dev)})
}

func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := strings.TrimSpace(r.PathValue("id"))
	if err := s.registry.Delete(deviceID); errors.Is(err, registry.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "device not registered")
		return
	}
	// Cascade: pending jobs, queued commands and stored results die with
	// the device.
	s.queue.DropDevice(deviceID)
	log.Printf("[INFO] device %s deleted", deviceID)
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "device_id": deviceID})
}

// handleNextJob is the device poll: 204 when the queue is empty, otherwise the
// oldest queued job is consumed and delivered exactly once.
func (s *Server) handleNextJob(w http.ResponseWriter, r *http.Request) {
	deviceID := strings.TrimSpace(r.URL.Query().Get("device_id"))
	if deviceID == "" {
		s.writeError(w, http.StatusBadRequest, "device_id is required")
		return
	}

	job, err := s.queue.DequeueNext(deviceID)
	if errors.Is(err, registry.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "device not registered")
		return
	}
	if job == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

// handlePostResult accepts a device's result report. The device id may arrive
// in the body, the query string, the X-Device-ID header, or the path segment;
// more than one distinct value across those sources is rejected as ambiguous.
func (s *Server) handlePostResult(w http.ResponseWriter, r *http.Request) {
	var req ResultRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	explicitID, err := resolveDeviceIDHints(
		req.DeviceID,
		r.URL.Query().Get("device_id"),
		r.Header.Get("X-Device-ID"),
		r.PathValue("device_id"),
	)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobID := strings.TrimSpace(req.JobID)
	if jobID == "" {
		jobID = strings.TrimSpace(r.URL.Query().Get("job_id"))
	}

	result := &jobs.Result{
		OK:          req.OK,
		ReturnValue: req.ReturnValue,
		Stdout:      req.Stdout,
		Stderr:      req.Stderr,
		Error:       req.Error,
		TS:          req.TS,
	}

	deviceID, warning, err := s.queue.PostResult(explicitID, jobID, result)
	switch {
	case errors.Is(err, jobs.ErrNoDeviceHint):
		s.writeError(w, http.StatusBadRequest, "device_id or job_id is required")
		return
	case errors.Is(err, registry.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "device not registered")
		return
	}
	if warning != "" {
		log.Printf("[WARN] result for device %s: %s", deviceID, warning)
	}
	s.writeJSON(w, http.StatusOK, ResultResponse{Status: "ack", Warning: warning})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "devices": s.registry.Count()})
}

// resolveDeviceIDHints collapses the device id candidates from all transport
// sources into at most one distinct value.
func resolveDeviceIDHints(candidates ...string) (string, error) {
	resolved := ""
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if resolved != "" && resolved != c {
			return "", fmt.Errorf("conflicting device ids: %s and %s", resolved, c)
		}
		resolved = c
	}
	return resolved, nil
}

func (s *Server) deviceView(dev *registry.Device) *DeviceView {
	role := "standard"
	if dev.IsAgent() {
		role = registry.AgentRoleValue
	}
	return &DeviceView{
		DeviceID:      dev.ID,
		DisplayName:   dev.DisplayName(),
		Role:          role,
		Capabilities:  dev.Capabilities,
		Meta:          dev.Meta,
		Approved:      dev.Approved,
		ActionCatalog: dev.ActionCatalog(),
		QueueDepth:    s.queue.Depth(dev.ID),
		LastSeen:      dev.LastSeen.Unix(),
		RegisteredAt:  dev.RegisteredAt.Unix(),
		LastResult:    s.queue.LastResult(dev.ID),
	}
}

// --- session gate ---

// requireSession wraps dashboard handlers. With no password configured the
// gate is disabled entirely.
func (s *Server) requireSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.DashboardPassword == "" || s.hasValidSession(r) {
			next(w, r)
			return
		}
		s.writeError(w, http.StatusUnauthorized, "authentication required")
	}
}

func (s *Server) hasValidSession(r *http.Request) bool {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		return false
	}

	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	expires, ok := s.sessions[cookie.Value]
	if !ok {
		return false
	}
	if time.Now().After(expires) {
		delete(s.sessions, cookie.Value)
		return false
	}
	return true
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.cfg.DashboardPassword == "" {
		s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
		return
	}

	var req LoginRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if subtle.ConstantTimeCompare([]byte(req.Password), []byte(s.cfg.DashboardPassword)) != 1 {
		s.writeError(w, http.StatusUnauthorized, "invalid password")
		return
	}

	token, err := newSessionToken()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "could not create session")
		return
	}

	s.sessionMu.Lock()
	s.sessions[token] = time.Now().Add(sessionTTL)
	s.sessionMu.Unlock()

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		s.sessionMu.Lock()
		delete(s.sessions, cookie.Value)
		s.sessionMu.Unlock()
	}
	http.SetCookie(w, &http.Cookie{
		Name:   sessionCookieName,
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	authenticated := s.cfg.DashboardPassword == "" || s.hasValidSession(r)
	s.writeJSON(w, http.StatusOK, map[string]any{"authenticated": authenticated})
}

func newSessionToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// --- helpers ---

func decodeBody(r *http.Request, dst any) error {
	return json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxRequestBody)).Decode(dst)
}

// anyList normalizes the parser's command list for the validator, which
// distinguishes nil from an empty list.
func anyList(commands []any) any {
	if commands == nil {
		return nil
	}
	return commands
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[ERROR] Failed to encode response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, ErrorResponse{Error: message})
}

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Printf("[INFO] No .env file found or error loading it: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[ERROR] Config load failed: %v", err)
	}

	chat, err := llm.NewFromEnv()
	if err != nil {
		log.Printf("[WARN] Chat provider init failed, chat endpoint will be degraded: %v", err)
	}
	if chat != nil {
		log.Printf("[INFO] Chat provider: %s", chat.Name())
	} else {
		log.Printf("[INFO] Chat provider: disabled")
	}

	server := newServer(cfg, chat)

	// The chat handler blocks for up to the result-wait deadline plus the
	// LLM calls around it, so the write timeout must stay well above it.
	httpServer := &http.Server{
		Addr:         cfg.Addr,
		Handler:      server.routes(),
		ReadTimeout:  readTimeout,
		WriteTimeout: cfg.ResultTimeout() + 2*time.Minute,
		IdleTimeout:  idleTimeout,
	}

	go func() {
		log.Printf("[INFO] Dashboard backend listening on %s (result timeout %s)", cfg.Addr, cfg.ResultTimeout())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("[ERROR] Server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Printf("[INFO] Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("[ERROR] Shutdown failed: %v", err)
	}
}
