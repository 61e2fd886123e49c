// Package handler exposes the completion proxy and conversation history over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"llm-platform-backend/internal/chat/domain"
	"llm-platform-backend/internal/chat/proxy"
	"llm-platform-backend/internal/chat/quota"
	"llm-platform-backend/internal/logging"
	"llm-platform-backend/internal/metrics"
	"llm-platform-backend/internal/server/middleware"
	"llm-platform-backend/internal/server/respond"
)

// maxRequestBytes sits above what the message bounds admit (200 messages of
// 64 KiB each plus framing), so the request validator is the authoritative
// limit and the body cap only stops runaway payloads.
const maxRequestBytes = 16 << 20

var validate = validator.New()

// Gateway is the upstream completion client used by the handler.
type Gateway interface {
	Complete(ctx context.Context, apiKey string, body *domain.CompletionRequest) (*proxy.Result, error)
	Stream(ctx context.Context, apiKey string, body *domain.CompletionRequest) (<-chan []byte, error)
}

// Quota meters per-account daily token usage.
type Quota interface {
	Allow(ctx context.Context, accountID string, limit int64) error
	Record(ctx context.Context, accountID string, tokens int64)
}

// ChatRepo is the minimal conversation store needed by the handler.
type ChatRepo interface {
	ListConversations(ctx context.Context, accountID string) ([]*domain.Conversation, error)
	GetConversation(ctx context.Context, id, accountID string) (*domain.Conversation, error)
	CreateConversation(ctx context.Context, c *domain.Conversation) error
	DeactivateConversation(ctx context.Context, id, accountID string) (bool, error)
	ListMessages(ctx context.Context, conversationID string) ([]*domain.Message, error)
	CreateMessage(ctx context.Context, m *domain.Message) error
}

// Handler serves /chat routes.
type Handler struct {
	gateway Gateway
	quota   Quota
	repo    ChatRepo
	log     logging.Logger
	m       *metrics.Metrics
}

// NewHandler returns a chat handler with the given collaborators.
func NewHandler(gateway Gateway, q Quota, repo ChatRepo, log logging.Logger, m *metrics.Metrics) *Handler {
	return &Handler{gateway: gateway, quota: q, repo: repo, log: log, m: m}
}

// Register mounts the chat routes on r. All routes assume the session
// authenticator middleware already ran.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/chat/completions", h.Completions).Methods(http.MethodPost)
	r.HandleFunc("/chat/conversations", h.ListConversations).Methods(http.MethodGet)
	r.HandleFunc("/chat/conversations", h.CreateConversation).Methods(http.MethodPost)
	r.HandleFunc("/chat/conversations/{id}", h.DeleteConversation).Methods(http.MethodDelete)
	r.HandleFunc("/chat/conversations/{id}/messages", h.ListMessages).Methods(http.MethodGet)
	r.HandleFunc("/chat/messages", h.SaveMessage).Methods(http.MethodPost)
}

// Completions proxies an OpenAI-compatible completion to the upstream gateway,
// streamed or not depending on the request's stream flag.
func (h *Handler) Completions(w http.ResponseWriter, r *http.Request) {
	acct, ok := middleware.AccountFrom(r.Context())
	if !ok {
		respond.Error(w, http.StatusUnauthorized, "missing credentials")
		return
	}

	var req domain.CompletionRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		respond.Error(w, http.StatusBadRequest, "request out of bounds: "+err.Error())
		return
	}

	if err := h.quota.Allow(r.Context(), acct.ID, acct.DailyTokenLimit); err != nil {
		if errors.Is(err, quota.ErrExhausted) {
			respond.Error(w, http.StatusTooManyRequests, "daily token quota exhausted")
			return
		}
		respond.Error(w, http.StatusInternalServerError, "internal error")
		return
	}

	req.EnsurePolicyPreamble()
	h.quota.Record(r.Context(), acct.ID, req.EstimateTokens())

	if req.Stream {
		h.streamCompletion(w, r, acct.APIKey, &req)
		return
	}
	h.relayCompletion(w, r, acct.APIKey, &req)
}

func (h *Handler) relayCompletion(w http.ResponseWriter, r *http.Request, apiKey string, req *domain.CompletionRequest) {
	start := time.Now()
	res, err := h.gateway.Complete(r.Context(), apiKey, req)
	h.m.CompletionDuration.WithLabelValues("sync").Observe(time.Since(start).Seconds())
	if err != nil {
		h.m.CompletionRequests.WithLabelValues("sync", "error").Inc()
		h.log.Error("upstream completion failed", zap.Error(err))
		if isTimeout(err) {
			respond.Error(w, http.StatusGatewayTimeout, "upstream timeout")
			return
		}
		respond.Error(w, http.StatusBadGateway, "upstream unavailable")
		return
	}

	h.m.CompletionRequests.WithLabelValues("sync", "ok").Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(res.StatusCode)
	w.Write(res.Body)
}

func (h *Handler) streamCompletion(w http.ResponseWriter, r *http.Request, apiKey string, req *domain.CompletionRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respond.Error(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	start := time.Now()
	chunks, err := h.gateway.Stream(r.Context(), apiKey, req)
	if err != nil {
		h.m.CompletionRequests.WithLabelValues("stream", "error").Inc()
		h.log.Error("upstream stream failed", zap.Error(err))
		if isTimeout(err) {
			respond.Error(w, http.StatusGatewayTimeout, "upstream timeout")
			return
		}
		respond.Error(w, http.StatusBadGateway, "upstream unavailable")
		return
	}

	h.m.CompletionRequests.WithLabelValues("stream", "ok").Inc()
	// Observed on every exit, including a client disconnect mid-stream, so
	// aborted streams still show up in the histogram.
	defer func() {
		h.m.CompletionDuration.WithLabelValues("stream").Observe(time.Since(start).Seconds())
	}()

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for chunk := range chunks {
		if _, err := w.Write(chunk); err != nil {
			// Client went away; the request context cancellation stops the
			// upstream producer.
			return
		}
		flusher.Flush()
		h.m.StreamChunks.Inc()
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

type createConversationRequest struct {
	Title string `json:"title" validate:"required,max=100"`
	Model string `json:"model" validate:"required,max=128"`
}

type saveMessageRequest struct {
	ConversationID string `json:"conv_id" validate:"required,uuid"`
	Role           string `json:"role" validate:"required"`
	Content        string `json:"content" validate:"required"`
}

// ListConversations returns the caller's active conversations, newest first.
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	acct, ok := middleware.AccountFrom(r.Context())
	if !ok {
		respond.Error(w, http.StatusUnauthorized, "missing credentials")
		return
	}
	convs, err := h.repo.ListConversations(r.Context(), acct.ID)
	if err != nil {
		h.log.Error("list conversations failed", zap.Error(err))
		respond.Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	if convs == nil {
		convs = []*domain.Conversation{}
	}
	respond.JSON(w, http.StatusOK, convs)
}

// CreateConversation opens a new conversation for the caller.
func (h *Handler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	acct, ok := middleware.AccountFrom(r.Context())
	if !ok {
		respond.Error(w, http.StatusUnauthorized, "missing credentials")
		return
	}
	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validate.Struct(&req); err != nil {
		respond.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	now := time.Now().UTC()
	conv := &domain.Conversation{
		ID:        uuid.New().String(),
		AccountID: acct.ID,
		Title:     req.Title,
		Model:     req.Model,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.repo.CreateConversation(r.Context(), conv); err != nil {
		h.log.Error("create conversation failed", zap.Error(err))
		respond.Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	respond.JSON(w, http.StatusCreated, conv)
}

// DeleteConversation soft-deletes a conversation the caller owns.
func (h *Handler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	acct, ok := middleware.AccountFrom(r.Context())
	if !ok {
		respond.Error(w, http.StatusUnauthorized, "missing credentials")
		return
	}
	id := mux.Vars(r)["id"]
	deleted, err := h.repo.DeactivateConversation(r.Context(), id, acct.ID)
	if err != nil {
		h.log.Error("delete conversation failed", zap.Error(err))
		respond.Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !deleted {
		respond.Error(w, http.StatusNotFound, "conversation not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListMessages returns all messages of a conversation the caller owns, oldest first.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	acct, ok := middleware.AccountFrom(r.Context())
	if !ok {
		respond.Error(w, http.StatusUnauthorized, "missing credentials")
		return
	}
	id := mux.Vars(r)["id"]
	conv, err := h.repo.GetConversation(r.Context(), id, acct.ID)
	if err != nil {
		h.log.Error("load conversation failed", zap.Error(err))
		respond.Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	if conv == nil {
		respond.Error(w, http.StatusNotFound, "conversation not found")
		return
	}

	msgs, err := h.repo.ListMessages(r.Context(), id)
	if err != nil {
		h.log.Error("list messages failed", zap.Error(err))
		respond.Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	if msgs == nil {
		msgs = []*domain.Message{}
	}
	respond.JSON(w, http.StatusOK, msgs)
}

// SaveMessage stores one turn of a conversation the caller owns. Clients call
// it once for the user message before the completion and once for the
// assistant message after.
func (h *Handler) SaveMessage(w http.ResponseWriter, r *http.Request) {
	acct, ok := middleware.AccountFrom(r.Context())
	if !ok {
		respond.Error(w, http.StatusUnauthorized, "missing credentials")
		return
	}
	var req saveMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validate.Struct(&req); err != nil {
		respond.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if !domain.ValidMessageRole(req.Role) {
		respond.Error(w, http.StatusBadRequest, "invalid message role")
		return
	}

	conv, err := h.repo.GetConversation(r.Context(), req.ConversationID, acct.ID)
	if err != nil {
		h.log.Error("load conversation failed", zap.Error(err))
		respond.Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	if conv == nil {
		respond.Error(w, http.StatusNotFound, "conversation not found")
		return
	}

	msg := &domain.Message{
		ID:             uuid.New().String(),
		ConversationID: req.ConversationID,
		Role:           req.Role,
		Content:        req.Content,
		CreatedAt:      time.Now().UTC(),
	}
	if err := h.repo.CreateMessage(r.Context(), msg); err != nil {
		h.log.Error("save message failed", zap.Error(err))
		respond.Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	respond.JSON(w, http.StatusCreated, map[string]string{"id": msg.ID})
}
