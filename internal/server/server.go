package server

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/shinyyama/farm-market-backend/internal/config"
	"github.com/shinyyama/farm-market-backend/internal/handler"
	appmw "github.com/shinyyama/farm-market-backend/internal/middleware"
	"github.com/shinyyama/farm-market-backend/internal/realtime"
	"github.com/shinyyama/farm-market-backend/internal/service"
	"github.com/shinyyama/farm-market-backend/internal/storage"
	"github.com/sirupsen/logrus"
)

// Deps is everything the HTTP surface needs; cmd/api builds it.
type Deps struct {
	Config        *config.Config
	Log           *logrus.Logger
	Auth          *appmw.AuthMiddleware
	Conversations service.ConversationService
	Notifications service.NotificationService
	Delivery      handler.MessageDeliverer
	Hub           *realtime.Hub
	// Signer is nil when no bucket is configured.
	Signer storage.AttachmentSigner
}

type Server struct {
	e   *echo.Echo
	hub *realtime.Hub
}

func New(d Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(requestLogger(d.Log))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
		AllowOriginFunc:  allowOrigin(d.Config.AllowedOrigins),
	}))

	convHandler := handler.NewConversationHandler(d.Conversations, d.Delivery)
	socketHandler := handler.NewSocketHandler(d.Conversations, d.Delivery, d.Hub, d.Config.Chat, d.Config.AllowedOrigins, d.Log)
	attachmentHandler := handler.NewAttachmentHandler(d.Conversations, d.Signer)
	notificationHandler := handler.NewNotificationHandler(d.Notifications)

	sha, buildTime := d.Config.GitSHA, d.Config.BuildTime
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"ok":         "true",
			"git_sha":    sha,
			"build_time": buildTime,
		})
	})

	api := e.Group("/api", d.Auth.RequireAuth)
	api.GET("/ws", socketHandler.Serve)
	api.POST("/conversations", convHandler.Create)
	api.GET("/conversations", convHandler.List)
	api.GET("/conversations/:id", convHandler.Get)
	api.GET("/conversations/:id/messages", convHandler.ListMessages)
	api.POST("/conversations/:id/messages", convHandler.CreateMessage)
	api.POST("/conversations/:id/read", convHandler.MarkRead)
	api.POST("/conversations/:id/attachments", attachmentHandler.Create)
	api.GET("/notifications", notificationHandler.List)
	api.POST("/notifications/read", notificationHandler.Clear)

	return &Server{e: e, hub: d.Hub}
}

func (s *Server) Start(addr string) error {
	return s.e.Start(addr)
}

// Handler exposes the router, e.g. for httptest.
func (s *Server) Handler() http.Handler {
	return s.e
}

// Shutdown closes live sockets first so the HTTP server can drain.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.hub != nil {
		s.hub.Close()
	}
	return s.e.Shutdown(ctx)
}

func requestLogger(log *logrus.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURIPath:   true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			entry := log.WithFields(logrus.Fields{
				"method":     v.Method,
				"path":       v.URIPath,
				"status":     v.Status,
				"latency":    v.Latency.String(),
				"request_id": v.RequestID,
			})
			if v.Error != nil {
				entry.WithField("error", v.Error.Error()).Warn("request")
				return nil
			}
			entry.Info("request")
			return nil
		},
	})
}

// allowOrigin admits local development hosts and the configured origins.
func allowOrigin(allowed []string) func(origin string) (bool, error) {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(strings.ToLower(strings.TrimSpace(o)), "/")] = struct{}{}
	}
	return func(origin string) (bool, error) {
		low := strings.ToLower(origin)
		if strings.HasPrefix(low, "http://localhost:") || strings.HasPrefix(low, "http://127.0.0.1:") ||
			strings.HasPrefix(low, "https://localhost:") || strings.HasPrefix(low, "https://127.0.0.1:") {
			return true, nil
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false, nil
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return false, nil
		}
		_, ok := set[strings.TrimRight(low, "/")]
		return ok, nil
	}
}
