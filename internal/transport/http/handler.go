// Package api provides the HTTP handlers for the chat service.
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/kasa-chat/kasa/internal/auth"
	"github.com/kasa-chat/kasa/internal/chat"
	"github.com/kasa-chat/kasa/internal/domain"
	"github.com/kasa-chat/kasa/internal/quota"
	"github.com/kasa-chat/kasa/internal/store"
)

const identityKey = "identity"

// Handler handles HTTP requests.
type Handler struct {
	store      store.Store
	orch       *chat.Orchestrator
	guard      *quota.Guard
	resolver   auth.Resolver
	maxMessage int
	logger     *zap.Logger
}

// NewHandler creates a new handler.
func NewHandler(db store.Store, orch *chat.Orchestrator, guard *quota.Guard, resolver auth.Resolver, maxMessage int, logger *zap.Logger) *Handler {
	return &Handler{
		store:      db,
		orch:       orch,
		guard:      guard,
		resolver:   resolver,
		maxMessage: maxMessage,
		logger:     logger,
	}
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api", h.Authenticate)
	g.POST("/conversations", h.CreateConversation)
	g.GET("/conversations", h.ListConversations)
	g.PATCH("/conversations/:id", h.RenameConversation)
	g.DELETE("/conversations/:id", h.DeleteConversation)
	g.GET("/conversations/:id/messages", h.GetMessages)
	g.POST("/chat", h.Chat)
	g.GET("/usage", h.GetUsage)

	e.GET("/health", h.Health)
}

// Authenticate resolves the bearer token to an identity.
func (h *Handler) Authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		header := c.Request().Header.Get(echo.HeaderAuthorization)
		token := strings.TrimPrefix(header, "Bearer ")
		identity, err := h.resolver.Resolve(c.Request().Context(), token)
		if err != nil {
			if errors.Is(err, domain.ErrUnauthorized) {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			}
			h.logger.Error("session resolution failed", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
		}
		c.Set(identityKey, identity)
		return next(c)
	}
}

func (h *Handler) identity(c echo.Context) auth.Identity {
	id, _ := c.Get(identityKey).(auth.Identity)
	return id
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
}

// chatRequest is the send/edit/regenerate body.
type chatRequest struct {
	ChatID               string `json:"chatId"`
	Message              string `json:"message"`
	Regenerate           bool   `json:"regenerate"`
	RegenerateFromIndex  *int   `json:"regenerateFromIndex"`
	EditFromMessageIndex *int   `json:"editFromMessageIndex"`
}

// Chat runs one streaming turn.
// POST /api/chat
func (h *Handler) Chat(c echo.Context) error {
	identity := h.identity(c)

	var req chatRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if !req.Regenerate && strings.TrimSpace(req.Message) == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "message is required"})
	}
	if len(req.Message) > h.maxMessage {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "message too long"})
	}

	conv, ok := h.ownedConversation(c, identity, req.ChatID)
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "conversation not found"})
	}

	// The loop is not cancelled by a client disconnect: segments persist
	// and quota is consumed whether or not anyone is still reading.
	ctx := context.WithoutCancel(c.Request().Context())
	sink := newNDJSONSink(c.Response())

	err := h.orch.Run(ctx, chat.Request{
		Conversation:         conv,
		Message:              req.Message,
		Regenerate:           req.Regenerate,
		RegenerateFromIndex:  req.RegenerateFromIndex,
		EditFromMessageIndex: req.EditFromMessageIndex,
	}, sink)
	if err != nil && !sink.Started() {
		switch {
		case errors.Is(err, domain.ErrQuotaExceeded):
			return c.JSON(http.StatusTooManyRequests, map[string]string{"error": "daily message limit reached"})
		case errors.Is(err, domain.ErrInvalidInput):
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid message index"})
		default:
			h.logger.Error("chat turn failed", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
		}
	}
	return nil
}

// CreateConversation creates an empty conversation.
// POST /api/conversations
func (h *Handler) CreateConversation(c echo.Context) error {
	identity := h.identity(c)

	var body struct {
		Title string `json:"title"`
	}
	_ = c.Bind(&body)

	conv := &domain.Conversation{
		ConversationID: uuid.New().String(),
		UserID:         identity.UserID,
		Title:          body.Title,
		CreatedAt:      time.Now(),
	}
	if err := h.store.CreateConversation(c.Request().Context(), conv); err != nil {
		h.logger.Error("failed to create conversation", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
	return c.JSON(http.StatusCreated, conv)
}

// ListConversations lists the caller's conversations.
// GET /api/conversations
func (h *Handler) ListConversations(c echo.Context) error {
	identity := h.identity(c)

	convs, err := h.store.ListConversations(c.Request().Context(), identity.UserID)
	if err != nil {
		h.logger.Error("failed to list conversations", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
	if convs == nil {
		convs = []domain.Conversation{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"conversations": convs})
}

// RenameConversation updates a conversation title.
// PATCH /api/conversations/:id
func (h *Handler) RenameConversation(c echo.Context) error {
	identity := h.identity(c)

	var body struct {
		Title string `json:"title"`
	}
	if err := c.Bind(&body); err != nil || strings.TrimSpace(body.Title) == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "title is required"})
	}

	err := h.store.RenameConversation(c.Request().Context(), c.Param("id"), identity.UserID, body.Title)
	if errors.Is(err, domain.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "conversation not found"})
	}
	if err != nil {
		h.logger.Error("failed to rename conversation", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
	return c.NoContent(http.StatusNoContent)
}

// DeleteConversation deletes a conversation and its messages.
// DELETE /api/conversations/:id
func (h *Handler) DeleteConversation(c echo.Context) error {
	identity := h.identity(c)

	err := h.store.DeleteConversation(c.Request().Context(), c.Param("id"), identity.UserID)
	if errors.Is(err, domain.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "conversation not found"})
	}
	if err != nil {
		h.logger.Error("failed to delete conversation", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
	return c.NoContent(http.StatusNoContent)
}

// GetMessages retrieves the ordered messages of an owned conversation.
// GET /api/conversations/:id/messages
func (h *Handler) GetMessages(c echo.Context) error {
	identity := h.identity(c)

	conv, ok := h.ownedConversation(c, identity, c.Param("id"))
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "conversation not found"})
	}

	messages, err := h.store.GetMessages(c.Request().Context(), conv.ConversationID)
	if err != nil {
		h.logger.Error("failed to load messages", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
	if messages == nil {
		messages = []domain.Message{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"messages": messages})
}

// GetUsage reports the effective plan and today's usage.
// GET /api/usage
func (h *Handler) GetUsage(c echo.Context) error {
	identity := h.identity(c)
	ctx := c.Request().Context()

	user, err := h.store.GetUser(ctx, identity.UserID)
	if err != nil || user == nil {
		h.logger.Error("failed to load user for usage", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
	decision, err := h.guard.Usage(ctx, user)
	if err != nil {
		h.logger.Error("failed to compute usage", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"plan":  decision.Plan,
		"limit": decision.Limit,
		"used":  decision.Used,
	})
}

// ownedConversation resolves id to a conversation owned by the caller. A
// malformed id, a missing row, and another user's row all look the same to
// the client.
func (h *Handler) ownedConversation(c echo.Context, identity auth.Identity, id string) (*domain.Conversation, bool) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, false
	}
	conv, err := h.store.GetConversation(c.Request().Context(), id)
	if err != nil {
		h.logger.Error("failed to load conversation", zap.String("conversation_id", id), zap.Error(err))
		return nil, false
	}
	if conv == nil || conv.UserID != identity.UserID {
		return nil, false
	}
	return conv, true
}
