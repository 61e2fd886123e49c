// Package handler exposes login, token verification, and password change over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"llm-platform-backend/internal/auth/service"
	"llm-platform-backend/internal/logging"
	"llm-platform-backend/internal/metrics"
	"llm-platform-backend/internal/security"
	"llm-platform-backend/internal/server/middleware"
	"llm-platform-backend/internal/server/respond"
)

var validate = validator.New()

// AuthSvc is the auth service surface used by the handler.
type AuthSvc interface {
	Login(ctx context.Context, username, password, ip, userAgent string) (*service.LoginResult, error)
	ChangePassword(ctx context.Context, accountID, currentPassword, newPassword string) (int, error)
}

// Handler serves /auth routes.
type Handler struct {
	svc           AuthSvc
	secureCookies bool
	log           logging.Logger
	m             *metrics.Metrics
}

// NewHandler returns an auth handler. secureCookies marks the fingerprint
// cookie Secure and should be true in production.
func NewHandler(svc AuthSvc, secureCookies bool, log logging.Logger, m *metrics.Metrics) *Handler {
	return &Handler{svc: svc, secureCookies: secureCookies, log: log, m: m}
}

// RegisterPublic mounts the routes reachable without credentials.
func (h *Handler) RegisterPublic(r *mux.Router) {
	r.HandleFunc("/auth/login", h.Login).Methods(http.MethodPost)
}

// RegisterProtected mounts the routes behind the session authenticator.
func (h *Handler) RegisterProtected(r *mux.Router) {
	r.HandleFunc("/auth/verify", h.Verify).Methods(http.MethodGet)
	r.HandleFunc("/auth/me", h.Me).Methods(http.MethodGet)
	r.HandleFunc("/auth/password", h.ChangePassword).Methods(http.MethodPost)
	r.HandleFunc("/users/me", h.Me).Methods(http.MethodGet)
}

type loginRequest struct {
	Username string `json:"username" validate:"required,max=64"`
	Password string `json:"password" validate:"required,max=128"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	Role        string `json:"role"`
	Username    string `json:"username"`
}

// Login checks username/password and, on success, returns a session token and
// sets the fingerprint cookie. Every failure gets the same generic 401; the
// specific reason lives only in the audit log and login_history.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validate.Struct(&req); err != nil {
		respond.Error(w, http.StatusBadRequest, "username and password are required")
		return
	}

	result, err := h.svc.Login(r.Context(), req.Username, req.Password, clientIP(r), r.UserAgent())
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			h.m.Logins.WithLabelValues("rejected").Inc()
			respond.Error(w, http.StatusUnauthorized, "invalid username or password")
			return
		}
		h.log.Error("login failed", zap.Error(err))
		respond.Error(w, http.StatusInternalServerError, "internal error")
		return
	}

	h.m.Logins.WithLabelValues("ok").Inc()
	security.SetFingerprintCookie(w, result.RawFingerprint, h.secureCookies)
	respond.JSON(w, http.StatusOK, loginResponse{
		AccessToken: result.Token,
		TokenType:   "bearer",
		Role:        string(result.Account.Role),
		Username:    result.Account.Username,
	})
}

// Verify is the pre-flight check clients call before opening the chat UI.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	acct, ok := middleware.AccountFrom(r.Context())
	if !ok {
		respond.Error(w, http.StatusUnauthorized, "missing credentials")
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{
		"valid":    true,
		"username": acct.Username,
		"role":     string(acct.Role),
	})
}

type accountResponse struct {
	ID              string `json:"id"`
	Username        string `json:"username"`
	Role            string `json:"role"`
	Active          bool   `json:"is_active"`
	DailyTokenLimit int64  `json:"daily_token_limit"`
	TokenVersion    int    `json:"token_version"`
	DisplayName     string `json:"display_name,omitempty"`
	ClassName       string `json:"class_name,omitempty"`
}

// Me echoes the caller's account. The password hash and gateway key never
// appear in the response.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	acct, ok := middleware.AccountFrom(r.Context())
	if !ok {
		respond.Error(w, http.StatusUnauthorized, "missing credentials")
		return
	}
	respond.JSON(w, http.StatusOK, accountResponse{
		ID:              acct.ID,
		Username:        acct.Username,
		Role:            string(acct.Role),
		Active:          acct.Active,
		DailyTokenLimit: acct.DailyTokenLimit,
		TokenVersion:    acct.TokenVersion,
		DisplayName:     acct.DisplayName,
		ClassName:       acct.ClassName,
	})
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required,min=8,max=128"`
}

// ChangePassword replaces the caller's password and invalidates every session,
// including the one making this request.
func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	acct, ok := middleware.AccountFrom(r.Context())
	if !ok {
		respond.Error(w, http.StatusUnauthorized, "missing credentials")
		return
	}
	var req changePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validate.Struct(&req); err != nil {
		respond.Error(w, http.StatusBadRequest, "new password must be 8 to 128 characters")
		return
	}

	if _, err := h.svc.ChangePassword(r.Context(), acct.ID, req.CurrentPassword, req.NewPassword); err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			respond.Error(w, http.StatusBadRequest, "current password is incorrect")
			return
		}
		h.log.Error("password change failed", zap.Error(err))
		respond.Error(w, http.StatusInternalServerError, "internal error")
		return
	}

	respond.JSON(w, http.StatusOK, map[string]string{
		"message": "password changed; all sessions signed out, please log in again",
	})
}

// clientIP prefers the first X-Forwarded-For hop, falling back to the socket peer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
