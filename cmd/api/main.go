package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shinyyama/farm-market-backend/internal/config"
	"github.com/shinyyama/farm-market-backend/internal/db"
	"github.com/shinyyama/farm-market-backend/internal/logging"
	appmw "github.com/shinyyama/farm-market-backend/internal/middleware"
	"github.com/shinyyama/farm-market-backend/internal/queue"
	"github.com/shinyyama/farm-market-backend/internal/realtime"
	"github.com/shinyyama/farm-market-backend/internal/repository"
	"github.com/shinyyama/farm-market-backend/internal/server"
	"github.com/shinyyama/farm-market-backend/internal/service"
	"github.com/shinyyama/farm-market-backend/internal/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format)

	var (
		chatRepo  repository.ChatRepository
		notifRepo repository.NotificationRepository
	)
	switch cfg.DB.Driver {
	case config.DriverPostgres:
		pool, err := db.ConnectPostgres(ctx, cfg.DB.URL)
		if err != nil {
			logger.Fatalf("db connect error: %v", err)
		}
		defer pool.Close()
		if err := repository.EnsurePgSchema(ctx, pool); err != nil {
			logger.Fatalf("schema error: %v", err)
		}
		chatRepo = repository.NewPgConversationRepository(pool, logger)
		notifRepo = repository.NewPgNotificationRepository(pool)
	default:
		conn, err := db.Connect(cfg.DB)
		if err != nil {
			logger.Fatalf("db connect error: %v", err)
		}
		if err := db.Migrate(conn); err != nil {
			logger.Fatalf("auto migrate error: %v", err)
		}
		chatRepo = repository.NewConversationRepository(conn, logger)
		notifRepo = repository.NewNotificationRepository(conn)
	}

	authMw, err := appmw.NewAuthMiddleware(ctx, cfg.Auth)
	if err != nil {
		logger.Fatalf("auth init error: %v", err)
	}

	notifSvc := service.NewNotificationService(notifRepo)
	convSvc := service.NewConversationService(chatRepo, notifSvc, logger)
	hub := realtime.NewHub()

	var publisher service.Publisher = realtime.NewLocalPublisher(hub)
	var taskClient queue.Client
	if cfg.Redis.URL != "" {
		bus, err := realtime.NewRedisBus(cfg.Redis.URL, cfg.Redis.Channel, hub, logger)
		if err != nil {
			logger.Warnf("redis bus disabled: %v", err)
		} else {
			defer bus.Close()
			publisher = bus
			go func() {
				if err := bus.Run(ctx); err != nil {
					logger.Warnf("redis bus stopped: %v", err)
				}
			}()
		}

		client, err := queue.NewAsynqClient(cfg.Redis.URL)
		if err != nil {
			logger.Warnf("task queue disabled: %v", err)
		} else {
			defer client.Close()
			taskClient = client
			worker, err := queue.NewAsynqServer(cfg.Redis.URL, 4, logger, service.NotifyQueue)
			if err != nil {
				logger.Warnf("task worker disabled: %v", err)
			} else {
				service.RegisterNotifyTask(worker, notifSvc)
				go func() {
					if err := worker.Run(ctx); err != nil {
						logger.Warnf("task worker stopped: %v", err)
					}
				}()
			}
		}
	}
	// without redis the dispatcher writes notifications inline
	dispatcher := service.NewNotificationDispatcher(notifSvc, taskClient, logger)
	coordinator := service.NewDeliveryCoordinator(convSvc, publisher, dispatcher, logger)

	var signer storage.AttachmentSigner
	if cfg.Storage.Bucket != "" {
		s, err := storage.NewGCSSigner(ctx, cfg.Storage)
		if err != nil {
			logger.Warnf("image upload disabled: %v", err)
		} else {
			defer s.Close()
			signer = s
		}
	}

	srv := server.New(server.Deps{
		Config:        cfg,
		Log:           logger,
		Auth:          authMw,
		Conversations: convSvc,
		Notifications: notifSvc,
		Delivery:      coordinator,
		Hub:           hub,
		Signer:        signer,
	})

	addr := ":" + cfg.Port
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("starting server on %s", addr)
		errCh <- srv.Start(addr)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("shutdown: %v", err)
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("server stopped: %v", err)
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("server stopped: %v", err)
		}
	}
}
