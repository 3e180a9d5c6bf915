package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/shinyyama/farm-market-backend/internal/model"
	"github.com/shinyyama/farm-market-backend/internal/service"
)

// MessageDeliverer is the delivery coordinator as the handlers see it.
type MessageDeliverer interface {
	Deliver(ctx context.Context, convID uint64, senderUID string, content service.Content) (*service.Delivery, error)
	Persist(ctx context.Context, convID uint64, senderUID string, content service.Content) (*model.Message, error)
}

type ConversationHandler struct {
	svc      service.ConversationService
	delivery MessageDeliverer
}

func NewConversationHandler(svc service.ConversationService, delivery MessageDeliverer) *ConversationHandler {
	return &ConversationHandler{svc: svc, delivery: delivery}
}

type OpenConversationRequest struct {
	FarmerID string `json:"farmerId"`
	BuyerID  string `json:"buyerId"`
}

type MessageRequest struct {
	Content string `json:"content"`
	Kind    string `json:"kind"`
}

// Create opens (or returns) the conversation between the caller and a counterpart.
func (h *ConversationHandler) Create(c echo.Context) error {
	uid := callerUID(c)
	if uid == "" {
		return unauthorized(c)
	}
	role, _ := c.Get("role").(string)
	var req OpenConversationRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, NewErrorResponse("bad_request", "invalid json"))
	}
	counterpart := req.FarmerID
	if role == model.RoleFarmer {
		counterpart = req.BuyerID
	}
	cv, err := h.svc.OpenWith(c.Request().Context(), uid, role, counterpart)
	if err != nil {
		return chatError(c, err, "failed to open conversation")
	}
	return c.JSON(http.StatusOK, cv)
}

func (h *ConversationHandler) List(c echo.Context) error {
	uid := callerUID(c)
	if uid == "" {
		return unauthorized(c)
	}
	list, err := h.svc.ListForUser(c.Request().Context(), uid)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, NewErrorResponse("internal_error", "failed to fetch conversations"))
	}
	return c.JSON(http.StatusOK, list)
}

func (h *ConversationHandler) Get(c echo.Context) error {
	uid := callerUID(c)
	if uid == "" {
		return unauthorized(c)
	}
	convID, ok, err := conversationID(c)
	if !ok {
		return err
	}
	cv, err := h.svc.Get(c.Request().Context(), convID, uid)
	if err != nil {
		return chatError(c, err, "failed to fetch conversation")
	}
	return c.JSON(http.StatusOK, cv)
}

func (h *ConversationHandler) ListMessages(c echo.Context) error {
	uid := callerUID(c)
	if uid == "" {
		return unauthorized(c)
	}
	convID, ok, err := conversationID(c)
	if !ok {
		return err
	}
	msgs, err := h.svc.ListMessages(c.Request().Context(), convID, uid)
	if err != nil {
		return chatError(c, err, "failed to fetch messages")
	}
	return c.JSON(http.StatusOK, msgs)
}

// CreateMessage is the request/response fallback: the message is persisted
// and returned, and the recipient sees it on their next read.
func (h *ConversationHandler) CreateMessage(c echo.Context) error {
	uid := callerUID(c)
	if uid == "" {
		return unauthorized(c)
	}
	convID, ok, err := conversationID(c)
	if !ok {
		return err
	}
	var req MessageRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, NewErrorResponse("bad_request", "invalid json"))
	}
	content, err := service.ParseContent(req.Kind, req.Content)
	if err != nil {
		return chatError(c, err, "invalid message")
	}
	msg, err := h.delivery.Persist(c.Request().Context(), convID, uid, content)
	if err != nil {
		return chatError(c, err, "failed to send message")
	}
	return c.JSON(http.StatusCreated, msg)
}

func (h *ConversationHandler) MarkRead(c echo.Context) error {
	uid := callerUID(c)
	if uid == "" {
		return unauthorized(c)
	}
	convID, ok, err := conversationID(c)
	if !ok {
		return err
	}
	n, err := h.svc.MarkRead(c.Request().Context(), convID, uid)
	if err != nil {
		return chatError(c, err, "failed to mark read")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"status": "ok", "updated": n})
}

// chatError maps service errors onto the error envelope.
func chatError(c echo.Context, err error, fallback string) error {
	code, status := errorCode(err)
	msg := fallback
	if status == http.StatusBadRequest || status == http.StatusForbidden || status == http.StatusNotFound {
		msg = err.Error()
	}
	return c.JSON(status, NewErrorResponse(code, msg))
}

func errorCode(err error) (string, int) {
	switch {
	case errors.Is(err, service.ErrConversationNotFound):
		return "conversation_not_found", http.StatusNotFound
	case errors.Is(err, service.ErrNotAParticipant):
		return "not_a_participant", http.StatusForbidden
	case errors.Is(err, service.ErrRoleCannotChat):
		return "forbidden", http.StatusForbidden
	case errors.Is(err, service.ErrInvalidMessage),
		errors.Is(err, service.ErrSelfConversation),
		errors.Is(err, service.ErrInvalidCounterpart):
		return "bad_request", http.StatusBadRequest
	case errors.Is(err, service.ErrMessageDeliveryFailed):
		return "message_delivery_failed", http.StatusServiceUnavailable
	}
	return "internal_error", http.StatusInternalServerError
}
