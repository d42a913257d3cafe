// Package server exposes chats and documents over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"

	"groundchat/internal/conversation"
	"groundchat/internal/documents"
	"groundchat/internal/util"
)

// Authenticator resolves a bearer token to a user id.
type Authenticator interface {
	VerifySubject(token string) (string, error)
}

// Limiter throttles question submission per user.
type Limiter interface {
	Allow(ctx context.Context, key string) bool
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	Conversations *conversation.Service
	Documents     *documents.Service
	Auth          Authenticator
	// AuthDisabled trusts the X-User-ID header instead of a bearer token.
	AuthDisabled   bool
	Limiter        Limiter
	AllowedOrigins []string
	MaxUploadBytes int64
	Logger         *slog.Logger
}

// Server exposes HTTP endpoints for chats and documents.
type Server struct {
	chats          *conversation.Service
	docs           *documents.Service
	auth           Authenticator
	authDisabled   bool
	limiter        Limiter
	allowedOrigins []string
	maxUploadBytes int64
	validate       *validator.Validate
	logger         *slog.Logger
	mux            *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxUpload := cfg.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = 50 << 20
	}
	s := &Server{
		chats:          cfg.Conversations,
		docs:           cfg.Documents,
		auth:           cfg.Auth,
		authDisabled:   cfg.AuthDisabled,
		limiter:        cfg.Limiter,
		allowedOrigins: cfg.AllowedOrigins,
		maxUploadBytes: maxUpload,
		validate:       validator.New(validator.WithRequiredStructEnabled()),
		logger:         logger.With("component", "server"),
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	var h http.Handler = s.mux
	h = util.WithCORS(s.allowedOrigins, h)
	h = util.WithSecurityHeaders(h)
	h = util.WithRequestLog("groundchat", h)
	return util.WithRequestID(h)
}

func (s *Server) routes() {
	for pattern, h := range s.handlers() {
		s.mux.Handle(pattern, h)
	}
}

func (s *Server) handlers() map[string]http.Handler {
	return map[string]http.Handler{
		"GET /healthz": http.HandlerFunc(s.handleHealth),

		"POST /api/chats":                   s.withUser(s.handleCreateChat),
		"GET /api/chats":                    s.withUser(s.handleListChats),
		"GET /api/chats/{chatID}/messages":  s.withUser(s.handleListMessages),
		"POST /api/chats/{chatID}/messages": s.withUser(s.handleSubmit),
		"POST /api/chats/{chatID}/cancel":   s.withUser(s.handleCancel),
		"GET /api/chats/{chatID}/export":    s.withUser(s.handleExport),

		"POST /api/documents":        s.withUser(s.handleCreateDocument),
		"GET /api/documents":         s.withUser(s.handleListDocuments),
		"GET /api/documents/sources": s.withUser(s.handleListSources),
		"GET /api/documents/{id}":    s.withUser(s.handleGetDocument),
		"DELETE /api/documents/{id}": s.withUser(s.handleDeleteDocument),
	}
}

// Routes lists every registered pattern as "METHOD /path", sorted.
func Routes() []string {
	var s Server
	out := make([]string, 0, 13)
	for pattern := range s.handlers() {
		out = append(out, pattern)
	}
	slices.Sort(out)
	return out
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, string)

func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authDisabled {
			userID := strings.TrimSpace(r.Header.Get("X-User-ID"))
			if userID == "" {
				userID = "local"
			}
			next(w, r, userID)
			return
		}
		if s.auth == nil {
			writeError(w, http.StatusInternalServerError, "auth not configured")
			return
		}
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		userID, err := s.auth.VerifySubject(token)
		if err != nil {
			util.LoggerFromContext(r.Context()).Debug("token rejected", "error", err)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, userID)
	})
}

func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	fe := verrs[0]
	field := lowerFirst(fe.Field())
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "max":
		return field + " is too long"
	default:
		return field + " is invalid"
	}
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
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
