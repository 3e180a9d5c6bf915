package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/shinyyama/farm-market-backend/internal/model"
	"github.com/shinyyama/farm-market-backend/internal/service"
)

type stubConversations struct {
	service.ConversationService
	openedUID, openedRole, openedWith string
	getErr                            error
}

func (s *stubConversations) OpenWith(_ context.Context, uid, role, counterpart string) (*model.Conversation, error) {
	s.openedUID, s.openedRole, s.openedWith = uid, role, counterpart
	return &model.Conversation{ID: 1, BuyerUID: uid, FarmerUID: counterpart}, nil
}

func (s *stubConversations) Get(_ context.Context, id uint64, uid string) (*model.Conversation, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	return &model.Conversation{ID: id, BuyerUID: uid, FarmerUID: "f"}, nil
}

type stubDeliverer struct {
	err error
}

func (d *stubDeliverer) Deliver(context.Context, uint64, string, service.Content) (*service.Delivery, error) {
	return nil, errors.New("not used")
}

func (d *stubDeliverer) Persist(_ context.Context, convID uint64, sender string, c service.Content) (*model.Message, error) {
	if d.err != nil {
		return nil, d.err
	}
	return &model.Message{ID: 5, ConversationID: convID, SenderUID: sender, Content: c.Body(), Kind: c.Kind()}, nil
}

func newCtx(method, target, body, uid, role string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if uid != "" {
		c.Set("uid", uid)
		c.Set("role", role)
	}
	return c, rec
}

func TestCreatePicksCounterpartByRole(t *testing.T) {
	tests := []struct {
		role, body, want string
	}{
		{model.RoleBuyer, `{"farmerId":"f1","buyerId":"ignored"}`, "f1"},
		{"", `{"farmerId":"f1"}`, "f1"},
		{model.RoleFarmer, `{"farmerId":"ignored","buyerId":"b1"}`, "b1"},
	}
	for _, tt := range tests {
		t.Run(tt.role, func(t *testing.T) {
			stub := &stubConversations{}
			h := NewConversationHandler(stub, &stubDeliverer{})
			c, rec := newCtx(http.MethodPost, "/api/conversations", tt.body, "me", tt.role)
			if err := h.Create(c); err != nil {
				t.Fatalf("create: %v", err)
			}
			if rec.Code != http.StatusOK || stub.openedWith != tt.want || stub.openedRole != tt.role {
				t.Fatalf("code=%d opened with %q as %q", rec.Code, stub.openedWith, stub.openedRole)
			}
		})
	}
}

func TestHandlersRequireUID(t *testing.T) {
	h := NewConversationHandler(&stubConversations{}, &stubDeliverer{})
	for name, fn := range map[string]echo.HandlerFunc{
		"create": h.Create, "list": h.List, "get": h.Get,
		"messages": h.ListMessages, "post": h.CreateMessage, "read": h.MarkRead,
	} {
		c, rec := newCtx(http.MethodGet, "/", "", "", "")
		if err := fn(c); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: code=%d", name, rec.Code)
		}
	}
}

func TestCreateMessageFallback(t *testing.T) {
	tests := []struct {
		name     string
		param    string
		body     string
		err      error
		wantCode int
		wantErr  string
	}{
		{"ok", "3", `{"content":"hi"}`, nil, http.StatusCreated, ""},
		{"bad id", "x", `{"content":"hi"}`, nil, http.StatusBadRequest, "bad_request"},
		{"bad json", "3", `{`, nil, http.StatusBadRequest, "bad_request"},
		{"empty", "3", `{"content":""}`, nil, http.StatusBadRequest, "bad_request"},
		{"bad kind", "3", `{"content":"x","kind":"video"}`, nil, http.StatusBadRequest, "bad_request"},
		{"outsider", "3", `{"content":"hi"}`, service.ErrNotAParticipant, http.StatusForbidden, "not_a_participant"},
		{"missing", "3", `{"content":"hi"}`, service.ErrConversationNotFound, http.StatusNotFound, "conversation_not_found"},
		{"persist", "3", `{"content":"hi"}`, fmt.Errorf("%w: boom", service.ErrMessageDeliveryFailed), http.StatusServiceUnavailable, "message_delivery_failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewConversationHandler(&stubConversations{}, &stubDeliverer{err: tt.err})
			c, rec := newCtx(http.MethodPost, "/", tt.body, "b", model.RoleBuyer)
			c.SetParamNames("id")
			c.SetParamValues(tt.param)
			if err := h.CreateMessage(c); err != nil {
				t.Fatalf("handler: %v", err)
			}
			if rec.Code != tt.wantCode {
				t.Fatalf("code=%d body=%s", rec.Code, rec.Body.String())
			}
			if tt.wantErr != "" {
				var resp ErrorResponse
				_ = json.Unmarshal(rec.Body.Bytes(), &resp)
				if resp.Error.Code != tt.wantErr {
					t.Fatalf("error code=%q", resp.Error.Code)
				}
			}
		})
	}
}

func TestErrorCodeHidesInternalDetail(t *testing.T) {
	c, rec := newCtx(http.MethodGet, "/", "", "u", "")
	if err := chatError(c, errors.New("dial tcp 10.0.0.3:3306: refused"), "failed to fetch"); err != nil {
		t.Fatalf("chatError: %v", err)
	}
	if rec.Code != http.StatusInternalServerError || strings.Contains(rec.Body.String(), "10.0.0.3") {
		t.Fatalf("code=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://farm.example.com"})
	tests := map[string]bool{
		"":                         true,
		"https://farm.example.com": true,
		"http://localhost:3000":    true,
		"https://evil.example.com": false,
	}
	for origin, want := range tests {
		req := httptest.NewRequest(http.MethodGet, "/api/ws", nil)
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		if got := check(req); got != want {
			t.Fatalf("%q: got %v", origin, got)
		}
	}
	if !originChecker(nil)(httptest.NewRequest(http.MethodGet, "/", nil)) {
		t.Fatalf("no allow list should admit all")
	}
}
