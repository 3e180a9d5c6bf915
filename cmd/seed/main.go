package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/shinyyama/farm-market-backend/internal/config"
	"github.com/shinyyama/farm-market-backend/internal/db"
	"github.com/shinyyama/farm-market-backend/internal/logging"
	"github.com/shinyyama/farm-market-backend/internal/model"
	"github.com/shinyyama/farm-market-backend/internal/repository"
	"github.com/shinyyama/farm-market-backend/internal/service"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// seedThread is one demo conversation; lines alternate buyer, farmer.
type seedThread struct {
	Buyer  model.UserProfile
	Farmer model.UserProfile
	Lines  []string
}

func main() {
	if err := run(); err != nil {
		log.Fatalf("seed failed: %v", err)
	}
}

func run() error {
	ctx := context.Background()
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format)

	var repo repository.ChatRepository
	var notifRepo repository.NotificationRepository
	switch cfg.DB.Driver {
	case config.DriverPostgres:
		pool, err := db.ConnectPostgres(ctx, cfg.DB.URL)
		if err != nil {
			return fmt.Errorf("connect db: %w", err)
		}
		defer pool.Close()
		if err := repository.EnsurePgSchema(ctx, pool); err != nil {
			return fmt.Errorf("schema: %w", err)
		}
		repo = repository.NewPgConversationRepository(pool, logger)
		notifRepo = repository.NewPgNotificationRepository(pool)
		logger.Info("postgres: users directory is not seeded")
	default:
		gdb, err := db.Connect(cfg.DB)
		if err != nil {
			return fmt.Errorf("connect db: %w", err)
		}
		if err := db.Migrate(gdb); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		if err := seedProfiles(gdb, buildThreads()); err != nil {
			return err
		}
		repo = repository.NewConversationRepository(gdb, logger)
		notifRepo = repository.NewNotificationRepository(gdb)
	}

	notifSvc := service.NewNotificationService(notifRepo)
	convs := service.NewConversationService(repo, notifSvc, logger)
	force := strings.EqualFold(os.Getenv("FORCE_SEED"), "true")

	seeded := 0
	for _, th := range buildThreads() {
		cv, err := convs.GetOrCreate(ctx, th.Buyer.ID, th.Farmer.ID)
		if err != nil {
			return fmt.Errorf("open %s/%s: %w", th.Buyer.ID, th.Farmer.ID, err)
		}
		existing, err := convs.ListMessages(ctx, cv.ID, th.Buyer.ID)
		if err != nil {
			return fmt.Errorf("list messages %d: %w", cv.ID, err)
		}
		if len(existing) > 0 && !force {
			logger.Infof("conversation %d already has messages; skipping (set FORCE_SEED=true to append)", cv.ID)
			continue
		}
		for i, line := range th.Lines {
			sender := th.Buyer.ID
			if i%2 == 1 {
				sender = th.Farmer.ID
			}
			content, err := service.ParseContent(string(model.MessageKindText), line)
			if err != nil {
				return err
			}
			msg, err := convs.AppendMessage(ctx, cv.ID, sender, content)
			if err != nil {
				return fmt.Errorf("append to %d: %w", cv.ID, err)
			}
			if err := notifSvc.NotifyNewMessage(ctx, *msg); err != nil {
				logger.Warnf("notify %d: %v", msg.ID, err)
			}
		}
		seeded++
	}

	logger.Infof("seeded %d conversations", seeded)
	return nil
}

// seedProfiles fills the users directory for local development. Production
// reads it from the account service.
func seedProfiles(gdb *gorm.DB, threads []seedThread) error {
	if !gdb.Migrator().HasTable(&model.UserProfile{}) {
		if err := gdb.AutoMigrate(&model.UserProfile{}); err != nil {
			return fmt.Errorf("create users: %w", err)
		}
	}
	seen := map[string]struct{}{}
	var profiles []model.UserProfile
	for _, th := range threads {
		for _, p := range []model.UserProfile{th.Buyer, th.Farmer} {
			if _, ok := seen[p.ID]; ok {
				continue
			}
			seen[p.ID] = struct{}{}
			profiles = append(profiles, p)
		}
	}
	if err := gdb.Clauses(clause.OnConflict{UpdateAll: true}).Create(&profiles).Error; err != nil {
		return fmt.Errorf("upsert users: %w", err)
	}
	return nil
}

func buildThreads() []seedThread {
	buyer := model.UserProfile{ID: "demo-buyer", FirstName: "Hana", LastName: "Mori", Role: model.RoleBuyer}
	sunny := model.UserProfile{ID: "demo-farmer-sunny", FarmName: "Sunny Slope Farm", Role: model.RoleFarmer}
	river := model.UserProfile{ID: "demo-farmer-river", FirstName: "Ken", LastName: "Ota", FarmName: "Riverside Orchard", Role: model.RoleFarmer}
	return []seedThread{
		{Buyer: buyer, Farmer: sunny, Lines: []string{
			"Are the tomatoes fresh?",
			"Yes, picked today!",
			"Great, I'd like 2kg for Saturday pickup.",
			"Reserved. See you Saturday morning.",
		}},
		{Buyer: buyer, Farmer: river, Lines: []string{
			"Do you still have Fuji apples?",
			"A few crates left, they go fast this week.",
		}},
	}
}
