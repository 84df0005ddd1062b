// Package server exposes the HTTP surface: it authenticates the acting user,
// resolves request payloads into the pipeline's tagged union, and translates
// pipeline errors into the response envelope.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"chatline/internal/app"
	"chatline/internal/ratelimit"
	"chatline/internal/util"
	"chatline/pkg/apperr"
	"chatline/pkg/domain"
	"chatline/pkg/storage"
)

// multipartMemory is the in-memory threshold for parsing uploads; larger
// parts spill to temp files.
const multipartMemory = 32 << 20

// Config wires required dependencies for the HTTP server.
type Config struct {
	App                        *app.App
	WS                         http.Handler
	Presence                   OnlineFunc
	Files                      storage.FileStore
	Avatars                    storage.FileStore
	RedisAddr                  string
	RedisPassword              string
	RegisterRateLimitPerMinute int
	LoginRateLimitPerMinute    int
	MaxUploadBytes             int64
	MaxAvatarBytes             int64
}

// OnlineFunc returns the ids of currently connected users.
type OnlineFunc func(r *http.Request) ([]string, error)

// Server exposes HTTP endpoints for the chat backend.
type Server struct {
	app             *app.App
	ws              http.Handler
	online          OnlineFunc
	files           storage.FileStore
	avatars         storage.FileStore
	mux             *http.ServeMux
	maxUploadBytes  int64
	maxAvatarBytes  int64
	registerLimiter *ratelimit.FixedWindowLimiter
	loginLimiter    *ratelimit.FixedWindowLimiter
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, fmt.Errorf("app is required")
	}
	registerLimit := cfg.RegisterRateLimitPerMinute
	if registerLimit <= 0 {
		registerLimit = 5
	}
	loginLimit := cfg.LoginRateLimitPerMinute
	if loginLimit <= 0 {
		loginLimit = 10
	}
	newLimiter := func(name string, limit int) (*ratelimit.FixedWindowLimiter, error) {
		prefix := "chatline:ratelimit:" + name
		limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, prefix, limit, time.Minute)
		if err != nil {
			return nil, fmt.Errorf("init %s limiter: %w", name, err)
		}
		return limiter, nil
	}
	registerLimiter, err := newLimiter("register", registerLimit)
	if err != nil {
		return nil, err
	}
	loginLimiter, err := newLimiter("login", loginLimit)
	if err != nil {
		return nil, err
	}
	maxUploadBytes := cfg.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = app.MaxMessageFileBytes
	}
	maxAvatarBytes := cfg.MaxAvatarBytes
	if maxAvatarBytes <= 0 {
		maxAvatarBytes = app.MaxAvatarBytes
	}
	s := &Server{
		app:             cfg.App,
		ws:              cfg.WS,
		online:          cfg.Presence,
		files:           cfg.Files,
		avatars:         cfg.Avatars,
		mux:             http.NewServeMux(),
		maxUploadBytes:  maxUploadBytes,
		maxAvatarBytes:  maxAvatarBytes,
		registerLimiter: registerLimiter,
		loginLimiter:    loginLimiter,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler wrapped in the middleware chain.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog(
		util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// accounts
	s.mux.HandleFunc("/api/auth/register", s.handleRegister)
	s.mux.HandleFunc("/api/auth/login", s.handleLogin)
	s.mux.Handle("/api/users", s.authenticated(s.handleUsers))
	s.mux.Handle("/api/users/online", s.authenticated(s.handleOnline))
	s.mux.Handle("/api/users/", s.authenticated(s.handleUserByID))

	// messages
	s.mux.Handle("/api/messages", s.authenticated(s.handleMessages))
	s.mux.Handle("/api/messages/", s.authenticated(s.handleMessageByID))

	// stored content
	s.mux.Handle("/uploads/files/", s.authenticated(s.handleFileDownload))
	s.mux.HandleFunc("/uploads/images/", s.handleAvatarDownload)

	if s.ws != nil {
		s.mux.Handle("/ws", s.ws)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeEnvelope(w, http.StatusOK, "ok", nil)
}

type authHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			s.audit(r, "auth.token", "fail", "reason", "missing_token")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		user, ok := s.app.UserFromToken(token)
		if !ok {
			s.audit(r, "auth.token", "fail", "reason", "invalid_token")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, user)
	})
}

// account handlers

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.registerLimiter, "too many registration attempts") {
		s.audit(r, "auth.register", "rate_limited")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxAvatarBytes+1<<20)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	username := r.FormValue("username")
	password := r.FormValue("password")

	var avatar *domain.FilePayload
	file, header, err := r.FormFile("userimg")
	if err == nil {
		defer file.Close()
		avatar = &domain.FilePayload{
			Reader:   file,
			Size:     header.Size,
			MimeType: header.Header.Get("Content-Type"),
			Name:     header.Filename,
		}
	}

	user, token, err := s.app.Register(r.Context(), username, password, avatar)
	if err != nil {
		s.audit(r, "auth.register", "fail", "reason", err.Error())
		writeAppError(w, err)
		return
	}
	s.audit(r, "auth.register", "success", "user_id", user.ID)
	writeTokenEnvelope(w, http.StatusCreated, "User created", user, token)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.loginLimiter, "too many login attempts") {
		s.audit(r, "auth.login", "rate_limited")
		return
	}
	var req loginRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, token, err := s.app.Login(req.Username, req.Password)
	if err != nil {
		s.audit(r, "auth.login", "fail", "username", req.Username)
		writeAppError(w, err)
		return
	}
	s.audit(r, "auth.login", "success", "user_id", user.ID)
	writeTokenEnvelope(w, http.StatusOK, "User logged in", user, token)
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	users, err := s.app.ListUsers(user.ID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeEnvelope(w, http.StatusOK, "Users fetched", users)
}

func (s *Server) handleOnline(w http.ResponseWriter, r *http.Request, _ domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if s.online == nil {
		writeEnvelope(w, http.StatusOK, "Online users fetched", []string{})
		return
	}
	ids, err := s.online(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeEnvelope(w, http.StatusOK, "Online users fetched", ids)
}

func (s *Server) handleUserByID(w http.ResponseWriter, r *http.Request, _ domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	id, ok := pathID(w, r, "/api/users/")
	if !ok {
		return
	}
	user, err := s.app.GetUser(id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeEnvelope(w, http.StatusOK, "User fetched", user)
}

// message handlers

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodPost:
		s.handleSendMessage(w, r, user)
	case http.MethodGet:
		s.handleListConversation(w, r, user)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request, user domain.User) {
	contentType := r.Header.Get("Content-Type")
	mediaType, _, _ := mime.ParseMediaType(contentType)

	var recipientID uint
	var payload domain.MessagePayload

	if mediaType == "multipart/form-data" {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes+1<<20)
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			writeError(w, http.StatusBadRequest, "invalid form data")
			return
		}
		id, ok := parseUserField(w, r.FormValue("message_to"))
		if !ok {
			return
		}
		recipientID = id
		file, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, http.StatusBadRequest, "No file provided")
			return
		}
		defer file.Close()
		payload = domain.FilePayload{
			Reader:   file,
			Size:     header.Size,
			MimeType: header.Header.Get("Content-Type"),
			Name:     header.Filename,
		}
	} else {
		var req sendMessageRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		id, ok := parseUserField(w, req.MessageTo.String())
		if !ok {
			return
		}
		recipientID = id
		payload = domain.TextPayload{Content: req.MessageContent}
	}

	msg, err := s.app.SendMessage(r.Context(), user.ID, recipientID, payload)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeEnvelope(w, http.StatusOK, "Message sent", msg)
}

func (s *Server) handleListConversation(w http.ResponseWriter, r *http.Request, user domain.User) {
	peerID, ok := parseUserField(w, r.URL.Query().Get("userId"))
	if !ok {
		return
	}
	msgs, err := s.app.ListConversation(user.ID, peerID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeEnvelope(w, http.StatusOK, "Messages received", msgs)
}

func (s *Server) handleMessageByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	id, ok := pathID(w, r, "/api/messages/")
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodPatch:
		var req updateMessageRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		msg, err := s.app.UpdateMessage(user.ID, id, req.MessageContent)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeEnvelope(w, http.StatusOK, "Message updated", msg)
	case http.MethodDelete:
		msg, err := s.app.DeleteMessage(r.Context(), user.ID, id)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeEnvelope(w, http.StatusOK, "Message deleted", msg)
	default:
		methodNotAllowed(w)
	}
}

// stored content handlers

func (s *Server) handleFileDownload(w http.ResponseWriter, r *http.Request, _ domain.User) {
	s.serveStored(w, r, s.files, "/uploads/files/")
}

func (s *Server) handleAvatarDownload(w http.ResponseWriter, r *http.Request) {
	s.serveStored(w, r, s.avatars, "/uploads/images/")
}

func (s *Server) serveStored(w http.ResponseWriter, r *http.Request, fs storage.FileStore, prefix string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if fs == nil {
		http.NotFound(w, r)
		return
	}
	name := strings.TrimPrefix(r.URL.Path, prefix)
	if name == "" || strings.Contains(name, "/") {
		http.NotFound(w, r)
		return
	}
	rc, err := fs.Open(r.Context(), name)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer rc.Close()
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	if _, err := io.Copy(w, rc); err != nil {
		slog.Warn("stream stored file", "name", name, "err", err)
	}
}

// request/response types

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type sendMessageRequest struct {
	MessageTo      json.Number `json:"message_to"`
	MessageContent string      `json:"message_content"`
}

type updateMessageRequest struct {
	MessageContent string `json:"message_content"`
}

type envelope struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Data    any    `json:"data"`
	Token   string `json:"token,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeEnvelope(w http.ResponseWriter, status int, message string, data any) {
	writeJSON(w, status, envelope{Status: status, Message: message, Data: data})
}

func writeTokenEnvelope(w http.ResponseWriter, status int, message string, data any, token string) {
	writeJSON(w, status, envelope{Status: status, Message: message, Data: data, Token: token})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, envelope{Status: status, Message: msg})
}

func writeAppError(w http.ResponseWriter, err error) {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		writeError(w, appErr.Status, appErr.Message)
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func pathID(w http.ResponseWriter, r *http.Request, prefix string) (uint, bool) {
	raw := strings.TrimPrefix(r.URL.Path, prefix)
	if raw == "" || strings.Contains(raw, "/") {
		http.NotFound(w, r)
		return 0, false
	}
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return uint(id), true
}

func parseUserField(w http.ResponseWriter, raw string) (uint, bool) {
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 32)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, "userId is required")
		return 0, false
	}
	return uint(id), true
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, msg string) bool {
	key := r.URL.Path + "|" + clientIP(r)
	if limiter.Allow(key) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}

func clientIP(r *http.Request) string {
	if xfwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xfwd != "" {
		parts := strings.Split(xfwd, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	return strings.TrimSpace(r.RemoteAddr)
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", clientIP(r),
		"request_id", util.RequestIDFromRequest(r),
	}
	logAttrs = append(logAttrs, attrs...)
	if outcome == "success" {
		slog.Info("security_event", logAttrs...)
		return
	}
	slog.Warn("security_event", logAttrs...)
}
