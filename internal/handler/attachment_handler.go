package handler

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/shinyyama/farm-market-backend/internal/service"
	"github.com/shinyyama/farm-market-backend/internal/storage"
)

type AttachmentHandler struct {
	svc    service.ConversationService
	signer storage.AttachmentSigner
}

func NewAttachmentHandler(svc service.ConversationService, signer storage.AttachmentSigner) *AttachmentHandler {
	return &AttachmentHandler{svc: svc, signer: signer}
}

type AttachmentRequest struct {
	ContentType string `json:"contentType"`
}

// Create returns a signed upload URL; the resulting publicUrl is then sent
// as the content of an image message.
func (h *AttachmentHandler) Create(c echo.Context) error {
	uid := callerUID(c)
	if uid == "" {
		return unauthorized(c)
	}
	if h.signer == nil {
		return c.JSON(http.StatusServiceUnavailable, NewErrorResponse("unavailable", "image upload is not configured"))
	}
	convID, ok, err := conversationID(c)
	if !ok {
		return err
	}
	var req AttachmentRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, NewErrorResponse("bad_request", "invalid json"))
	}
	if _, err := h.svc.Get(c.Request().Context(), convID, uid); err != nil {
		return chatError(c, err, "failed to fetch conversation")
	}
	up, err := h.signer.SignImageUpload(c.Request().Context(), convID, req.ContentType)
	if err != nil {
		if errors.Is(err, storage.ErrUnsupportedContentType) {
			return c.JSON(http.StatusBadRequest, NewErrorResponse("bad_request", err.Error()))
		}
		return c.JSON(http.StatusInternalServerError, NewErrorResponse("internal_error", "failed to sign upload"))
	}
	return c.JSON(http.StatusOK, up)
}
