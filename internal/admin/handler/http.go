// Package handler exposes the admin account management routes. Every route
// here must be mounted behind both the session authenticator and the admin guard.
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"llm-platform-backend/internal/account/domain"
	"llm-platform-backend/internal/logging"
	"llm-platform-backend/internal/security"
	"llm-platform-backend/internal/server/respond"
)

var validate = validator.New()

// AccountRepo is the account store surface needed for administration.
type AccountRepo interface {
	GetByID(ctx context.Context, id string) (*domain.Account, error)
	GetByUsername(ctx context.Context, username string) (*domain.Account, error)
	Create(ctx context.Context, a *domain.Account) error
	List(ctx context.Context) ([]*domain.Account, error)
	SetActive(ctx context.Context, id string, active bool) error
	UpdateUsername(ctx context.Context, id, username string) error
}

// Invalidator force-invalidates every session of an account.
type Invalidator interface {
	ForceLogout(ctx context.Context, accountID string) (int, error)
}

// Handler serves /admin/users routes.
type Handler struct {
	accounts AccountRepo
	sessions Invalidator
	hasher   *security.Hasher
	log      logging.Logger
}

// NewHandler returns an admin handler with the given collaborators.
func NewHandler(accounts AccountRepo, sessions Invalidator, hasher *security.Hasher, log logging.Logger) *Handler {
	return &Handler{accounts: accounts, sessions: sessions, hasher: hasher, log: log}
}

// Register mounts the admin routes on r.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/admin/users", h.CreateUser).Methods(http.MethodPost)
	r.HandleFunc("/admin/users", h.ListUsers).Methods(http.MethodGet)
	r.HandleFunc("/admin/users/{id}/logout", h.ForceLogout).Methods(http.MethodPost)
	r.HandleFunc("/admin/users/{id}/activate", h.Activate).Methods(http.MethodPost)
	r.HandleFunc("/admin/users/{id}/deactivate", h.Deactivate).Methods(http.MethodPost)
	r.HandleFunc("/admin/users/{id}/username", h.Rename).Methods(http.MethodPatch)
}

type createUserRequest struct {
	Username        string `json:"username" validate:"required,min=3,max=64"`
	Password        string `json:"password" validate:"required,min=8,max=128"`
	Role            string `json:"role" validate:"required,oneof=admin student"`
	DisplayName     string `json:"display_name" validate:"max=64"`
	ClassName       string `json:"class_name" validate:"max=64"`
	DailyTokenLimit int64  `json:"daily_token_limit" validate:"gte=0"`
}

type userResponse struct {
	ID              string `json:"id"`
	Username        string `json:"username"`
	Role            string `json:"role"`
	Active          bool   `json:"is_active"`
	DailyTokenLimit int64  `json:"daily_token_limit"`
	FailedLogins    int    `json:"failed_login_attempts"`
	TokenVersion    int    `json:"token_version"`
	DisplayName     string `json:"display_name,omitempty"`
	ClassName       string `json:"class_name,omitempty"`
}

func toUserResponse(a *domain.Account) userResponse {
	return userResponse{
		ID:              a.ID,
		Username:        a.Username,
		Role:            string(a.Role),
		Active:          a.Active,
		DailyTokenLimit: a.DailyTokenLimit,
		FailedLogins:    a.FailedLogins,
		TokenVersion:    a.TokenVersion,
		DisplayName:     a.DisplayName,
		ClassName:       a.ClassName,
	}
}

const defaultDailyTokenLimit = 100000

// CreateUser provisions an account with a fresh upstream gateway key.
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validate.Struct(&req); err != nil {
		respond.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	role, err := domain.ParseRole(req.Role)
	if err != nil {
		respond.Error(w, http.StatusBadRequest, "invalid role")
		return
	}

	existing, err := h.accounts.GetByUsername(r.Context(), req.Username)
	if err != nil {
		h.internalError(w, "username lookup failed", err)
		return
	}
	if existing != nil {
		respond.Error(w, http.StatusConflict, "username already taken")
		return
	}

	hash, err := h.hasher.Hash([]byte(req.Password))
	if err != nil {
		h.internalError(w, "password hash failed", err)
		return
	}
	apiKey, err := security.GenerateAPIKey()
	if err != nil {
		h.internalError(w, "api key generation failed", err)
		return
	}

	limit := req.DailyTokenLimit
	if limit == 0 {
		limit = defaultDailyTokenLimit
	}
	now := time.Now().UTC()
	acct := &domain.Account{
		ID:              uuid.New().String(),
		Username:        req.Username,
		PasswordHash:    hash,
		Role:            role,
		Active:          true,
		APIKey:          apiKey,
		DailyTokenLimit: limit,
		TokenVersion:    1,
		DisplayName:     req.DisplayName,
		ClassName:       req.ClassName,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := h.accounts.Create(r.Context(), acct); err != nil {
		h.internalError(w, "account create failed", err)
		return
	}

	h.log.Info("account created",
		zap.String("account_id", acct.ID),
		zap.String("username", acct.Username),
		zap.String("role", string(acct.Role)))
	respond.JSON(w, http.StatusCreated, toUserResponse(acct))
}

// ListUsers returns every account.
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.accounts.List(r.Context())
	if err != nil {
		h.internalError(w, "account list failed", err)
		return
	}
	out := make([]userResponse, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, toUserResponse(a))
	}
	respond.JSON(w, http.StatusOK, out)
}

// ForceLogout invalidates every session of the target account and returns the
// new token version.
func (h *Handler) ForceLogout(w http.ResponseWriter, r *http.Request) {
	acct, ok := h.load(w, r)
	if !ok {
		return
	}
	version, err := h.sessions.ForceLogout(r.Context(), acct.ID)
	if err != nil {
		h.internalError(w, "force logout failed", err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]int{"token_version": version})
}

// Activate re-enables a deactivated account. The failed-login counter resets;
// the token version stays where it is, so pre-deactivation tokens remain dead.
func (h *Handler) Activate(w http.ResponseWriter, r *http.Request) {
	acct, ok := h.load(w, r)
	if !ok {
		return
	}
	if err := h.accounts.SetActive(r.Context(), acct.ID, true); err != nil {
		h.internalError(w, "activate failed", err)
		return
	}
	h.log.Info("account activated", zap.String("account_id", acct.ID))
	respond.JSON(w, http.StatusOK, map[string]string{"message": "account activated"})
}

// Deactivate disables the account and force-invalidates its sessions.
func (h *Handler) Deactivate(w http.ResponseWriter, r *http.Request) {
	acct, ok := h.load(w, r)
	if !ok {
		return
	}
	if err := h.accounts.SetActive(r.Context(), acct.ID, false); err != nil {
		h.internalError(w, "deactivate failed", err)
		return
	}
	version, err := h.sessions.ForceLogout(r.Context(), acct.ID)
	if err != nil {
		h.internalError(w, "force logout failed", err)
		return
	}
	h.log.Info("account deactivated", zap.String("account_id", acct.ID))
	respond.JSON(w, http.StatusOK, map[string]any{
		"message":       "account deactivated",
		"token_version": version,
	})
}

type renameRequest struct {
	Username string `json:"username" validate:"required,min=3,max=64"`
}

// Rename changes the account's username and force-invalidates its sessions,
// since the old username travels inside every outstanding token.
func (h *Handler) Rename(w http.ResponseWriter, r *http.Request) {
	acct, ok := h.load(w, r)
	if !ok {
		return
	}
	var req renameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validate.Struct(&req); err != nil {
		respond.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	taken, err := h.accounts.GetByUsername(r.Context(), req.Username)
	if err != nil {
		h.internalError(w, "username lookup failed", err)
		return
	}
	if taken != nil && taken.ID != acct.ID {
		respond.Error(w, http.StatusConflict, "username already taken")
		return
	}

	if err := h.accounts.UpdateUsername(r.Context(), acct.ID, req.Username); err != nil {
		h.internalError(w, "rename failed", err)
		return
	}
	version, err := h.sessions.ForceLogout(r.Context(), acct.ID)
	if err != nil {
		h.internalError(w, "force logout failed", err)
		return
	}
	h.log.Info("account renamed",
		zap.String("account_id", acct.ID),
		zap.String("username", req.Username))
	respond.JSON(w, http.StatusOK, map[string]any{
		"username":      req.Username,
		"token_version": version,
	})
}

// load resolves the {id} path variable to an account or writes a 404.
func (h *Handler) load(w http.ResponseWriter, r *http.Request) (*domain.Account, bool) {
	id := mux.Vars(r)["id"]
	acct, err := h.accounts.GetByID(r.Context(), id)
	if err != nil {
		h.internalError(w, "account lookup failed", err)
		return nil, false
	}
	if acct == nil {
		respond.Error(w, http.StatusNotFound, "account not found")
		return nil, false
	}
	return acct, true
}

func (h *Handler) internalError(w http.ResponseWriter, msg string, err error) {
	h.log.Error(msg, zap.Error(err))
	respond.Error(w, http.StatusInternalServerError, "internal error")
}
