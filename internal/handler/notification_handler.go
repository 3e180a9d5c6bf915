package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/shinyyama/farm-market-backend/internal/model"
	"github.com/shinyyama/farm-market-backend/internal/repository"
	"github.com/shinyyama/farm-market-backend/internal/service"
)

// NotificationHandler serves the new-message inbox. Opening a conversation
// clears its entries through mark-read; these endpoints cover the badge.
type NotificationHandler struct {
	svc service.NotificationService
}

func NewNotificationHandler(svc service.NotificationService) *NotificationHandler {
	return &NotificationHandler{svc: svc}
}

type InboxEntry struct {
	ID             uint64    `json:"id"`
	ConversationID uint64    `json:"conversationId"`
	MessageID      uint64    `json:"messageId"`
	Preview        string    `json:"preview"`
	Read           bool      `json:"read"`
	CreatedAt      time.Time `json:"createdAt"`
}

type InboxResponse struct {
	Entries     []InboxEntry `json:"notifications"`
	UnreadCount int64        `json:"unreadCount"`
}

type clearInboxRequest struct {
	ConversationID uint64 `json:"conversationId"`
}

func inboxEntry(n model.Notification) InboxEntry {
	e := InboxEntry{ID: n.ID, Preview: n.Body, Read: n.ReadAt != nil, CreatedAt: n.CreatedAt}
	if n.ConversationID != nil {
		e.ConversationID = *n.ConversationID
	}
	if n.MessageID != nil {
		e.MessageID = *n.MessageID
	}
	return e
}

// List handles GET /notifications?conversationId=&unread=&limit=.
// Unread entries only unless unread=false.
func (h *NotificationHandler) List(c echo.Context) error {
	uid := callerUID(c)
	if uid == "" {
		return unauthorized(c)
	}
	f := repository.NotificationFilter{UnreadOnly: true}
	if err := echo.QueryParamsBinder(c).
		Uint64("conversationId", &f.ConversationID).
		Bool("unread", &f.UnreadOnly).
		Int("limit", &f.Limit).
		BindError(); err != nil {
		return c.JSON(http.StatusBadRequest, NewErrorResponse("bad_request", "invalid notification query"))
	}

	list, unread, err := h.svc.List(c.Request().Context(), uid, f)
	if err != nil {
		return chatError(c, err, "failed to fetch notifications")
	}
	resp := InboxResponse{Entries: make([]InboxEntry, 0, len(list)), UnreadCount: unread}
	for _, n := range list {
		resp.Entries = append(resp.Entries, inboxEntry(n))
	}
	return c.JSON(http.StatusOK, resp)
}

// Clear handles POST /notifications/read. A conversationId clears that
// conversation only; an empty body clears the whole inbox.
func (h *NotificationHandler) Clear(c echo.Context) error {
	uid := callerUID(c)
	if uid == "" {
		return unauthorized(c)
	}
	var req clearInboxRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, NewErrorResponse("bad_request", "invalid request body"))
	}

	ctx := c.Request().Context()
	var err error
	if req.ConversationID != 0 {
		err = h.svc.MarkByConversation(ctx, uid, req.ConversationID)
	} else {
		err = h.svc.MarkAllRead(ctx, uid)
	}
	if err != nil {
		return chatError(c, err, "failed to clear notifications")
	}
	unread, err := h.svc.UnreadCount(ctx, uid, 0)
	if err != nil {
		return chatError(c, err, "failed to count notifications")
	}
	return c.JSON(http.StatusOK, map[string]int64{"unreadCount": unread})
}
