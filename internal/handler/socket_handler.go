package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/shinyyama/farm-market-backend/internal/config"
	"github.com/shinyyama/farm-market-backend/internal/realtime"
	"github.com/shinyyama/farm-market-backend/internal/service"
	"github.com/sirupsen/logrus"
)

// SocketHandler serves the live chat channel: join/leave, submit and mark-read frames.
type SocketHandler struct {
	svc      service.ConversationService
	delivery MessageDeliverer
	hub      *realtime.Hub
	cfg      config.ChatConfig
	log      *logrus.Logger
	upgrader websocket.Upgrader
}

func NewSocketHandler(svc service.ConversationService, delivery MessageDeliverer, hub *realtime.Hub, cfg config.ChatConfig, allowedOrigins []string, log *logrus.Logger) *SocketHandler {
	return &SocketHandler{
		svc:      svc,
		delivery: delivery,
		hub:      hub,
		cfg:      cfg,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

// originChecker admits the configured origins and local development hosts.
// Non-browser clients send no Origin and are admitted.
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if _, ok := set[origin]; ok {
			return true
		}
		u, err := url.Parse(origin)
		return err == nil && (u.Hostname() == "localhost" || u.Hostname() == "127.0.0.1")
	}
}

func (h *SocketHandler) Serve(c echo.Context) error {
	uid, _ := c.Get("uid").(string)
	if uid == "" {
		return c.JSON(http.StatusUnauthorized, NewErrorResponse("unauthorized", "missing uid"))
	}
	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade already wrote the response.
		h.log.WithField("uid", uid).Debugf("websocket upgrade failed: %v", err)
		return nil
	}

	conn := realtime.NewConnection(uid, ws, h.cfg.SendBuffer)
	h.hub.Attach(conn)
	conn.Start()
	defer func() {
		h.hub.Detach(conn)
		conn.Close(websocket.CloseNormalClosure, "session closed")
	}()

	readTimeout := h.cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 60 * time.Second
	}
	if h.cfg.MaxMessageBytes > 0 {
		ws.SetReadLimit(h.cfg.MaxMessageBytes)
	}
	_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readTimeout))
	})

	log := h.log.WithFields(logrus.Fields{"uid": uid, "conn": conn.ID()})
	log.Debug("socket connected")
	h.send(conn, realtime.EventFrame{Type: realtime.FrameConnected, ConnectionID: conn.ID()})

	ctx := c.Request().Context()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Debugf("socket read error: %v", err)
			}
			return nil
		}
		_ = ws.SetReadDeadline(time.Now().Add(readTimeout))

		var frame realtime.InboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.sendError(conn, "bad_request", "invalid payload")
			continue
		}
		switch frame.Type {
		case realtime.FrameJoin:
			h.handleJoin(ctx, conn, frame)
		case realtime.FrameLeave:
			h.handleLeave(conn, frame)
		case realtime.FrameSubmit:
			h.handleSubmit(ctx, conn, frame, log)
		case realtime.FrameMarkRead:
			h.handleMarkRead(ctx, conn, frame)
		default:
			h.sendError(conn, "unsupported_type", "unknown frame type")
		}
	}
}

func (h *SocketHandler) handleJoin(ctx context.Context, conn *realtime.Connection, frame realtime.InboundFrame) {
	if frame.ConversationID == 0 {
		h.sendError(conn, "bad_request", "conversationId is required")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, h.persistTimeout())
	defer cancel()
	if _, err := h.svc.Get(ctx, frame.ConversationID, conn.UserID()); err != nil {
		code, _ := errorCode(err)
		h.sendError(conn, code, "cannot join conversation")
		return
	}
	h.hub.Join(frame.ConversationID, conn)
	h.send(conn, realtime.EventFrame{Type: realtime.FrameJoined, ConversationID: frame.ConversationID})
}

func (h *SocketHandler) handleLeave(conn *realtime.Connection, frame realtime.InboundFrame) {
	if frame.ConversationID == 0 {
		h.sendError(conn, "bad_request", "conversationId is required")
		return
	}
	h.hub.Leave(frame.ConversationID, conn)
	h.send(conn, realtime.EventFrame{Type: realtime.FrameLeft, ConversationID: frame.ConversationID})
}

func (h *SocketHandler) handleSubmit(ctx context.Context, conn *realtime.Connection, frame realtime.InboundFrame, log *logrus.Entry) {
	failed := func(reason string) {
		h.send(conn, realtime.EventFrame{
			Type:           realtime.FrameDeliveryFailed,
			ConversationID: frame.ConversationID,
			ClientRef:      frame.ClientRef,
			Reason:         reason,
		})
	}
	if frame.ConversationID == 0 {
		failed("bad_request")
		return
	}
	content, err := service.ParseContent(frame.Kind, frame.Content)
	if err != nil {
		failed("invalid_message")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, h.persistTimeout())
	defer cancel()
	out, err := h.delivery.Deliver(ctx, frame.ConversationID, conn.UserID(), content)
	if err != nil {
		code, _ := errorCode(err)
		if errors.Is(err, context.DeadlineExceeded) {
			code = "message_delivery_failed"
		}
		log.WithField("conversation", frame.ConversationID).Infof("submit rejected: %v", err)
		failed(code)
		return
	}

	// The sender always gets the durable copy, even without a join.
	if !out.Published || !h.hub.IsJoined(frame.ConversationID, conn) {
		msg := out.Message
		h.send(conn, realtime.EventFrame{Type: realtime.FrameDelivered, ConversationID: msg.ConversationID, Message: &msg})
	}
}

func (h *SocketHandler) handleMarkRead(ctx context.Context, conn *realtime.Connection, frame realtime.InboundFrame) {
	if frame.ConversationID == 0 {
		h.sendError(conn, "bad_request", "conversationId is required")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, h.persistTimeout())
	defer cancel()
	n, err := h.svc.MarkRead(ctx, frame.ConversationID, conn.UserID())
	if err != nil {
		code, _ := errorCode(err)
		h.sendError(conn, code, "cannot mark conversation read")
		return
	}
	h.send(conn, realtime.EventFrame{Type: realtime.FrameRead, ConversationID: frame.ConversationID, Updated: &n})
}

func (h *SocketHandler) persistTimeout() time.Duration {
	if h.cfg.PersistTimeout > 0 {
		return h.cfg.PersistTimeout
	}
	return 5 * time.Second
}

func (h *SocketHandler) send(conn *realtime.Connection, frame realtime.EventFrame) {
	if payload, err := json.Marshal(frame); err == nil {
		_ = conn.Send(payload)
	}
}

func (h *SocketHandler) sendError(conn *realtime.Connection, code, message string) {
	if payload, err := json.Marshal(realtime.ErrorFrame{Type: realtime.FrameError, Code: code, Message: message}); err == nil {
		_ = conn.Send(payload)
	}
}
