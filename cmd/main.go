package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pairchat/backend/internal/api/handler"
	"pairchat/backend/internal/chathub"
	"pairchat/backend/internal/config"
	"pairchat/backend/internal/localization"
	"pairchat/backend/internal/storage"
	"pairchat/backend/internal/store"
	"pairchat/backend/internal/store/redisstore"
	"pairchat/backend/internal/telegram"
	"pairchat/backend/internal/worker"

	"github.com/gin-gonic/gin"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const shutdownTimeout = 10 * time.Second

func setupDependencies(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*gorm.DB, *redis.Client) {
	// 1. PostgreSQL
	db, err := gorm.Open(postgres.Open(cfg.PostgresDSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		log.Fatalf("Failed to connect PostgreSQL: %v", err)
	}

	// 2. Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("Failed to connect Redis: %v", err)
	}

	log.Info("Database and Redis connections established")
	return db, rdb
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	log := cfg.NewLogger()
	entry := logrus.NewEntry(log)
	log.Info("Starting pairchat gateway...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Ініціалізація залежностей
	db, rdb := setupDependencies(ctx, cfg, log)
	defer rdb.Close()

	audit := storage.NewStorageService(db, entry)
	if err := audit.Migrate(ctx); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// одна pub/sub підписка на процес
	feed, err := redisstore.NewFeed(ctx, rdb, cfg.Redis.KeyPrefix, cfg.Liveness.HeartbeatInterval, entry)
	if err != nil {
		log.Fatalf("Failed to subscribe to store changes: %v", err)
	}
	defer feed.Close()

	connect := func(ctx context.Context, clientID string) (store.Store, error) {
		c, err := redisstore.Connect(ctx, rdb, redisstore.Options{
			KeyPrefix:         cfg.Redis.KeyPrefix,
			HeartbeatInterval: cfg.Liveness.HeartbeatInterval,
			ConnID:            clientID + "-" + uuid.NewString(),
			Feed:              feed,
			Logger:            entry,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	reaper := redisstore.NewReaper(rdb, cfg.Redis.KeyPrefix, entry)

	// 2. Chat Hub
	hub := chathub.NewManagerService(connect, audit, cfg.Matching, entry)

	// 3. Background jobs
	gcStore, err := connect(ctx, "worker")
	if err != nil {
		log.Fatalf("Failed to open worker store connection: %v", err)
	}
	defer gcStore.Close()
	workerServer := worker.NewWorkerServer(
		asynq.RedisClientOpt{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB},
		worker.NewPresenceReapHandler(reaper, cfg.Liveness.TTL, entry),
		worker.NewRoomGC(gcStore, audit, cfg.RoomGC, entry),
		worker.Schedule{
			ReapInterval: cfg.Liveness.ReapInterval,
			StaleAfter:   cfg.Liveness.TTL,
			GCInterval:   cfg.RoomGC.Interval,
		},
		entry,
	)

	// 4. Налаштування Gin та роутингу
	r := gin.Default()
	h := handler.NewHandler(hub, cfg.JWTSecret, func(ctx context.Context) (int64, error) {
		return reaper.OnlineConnections(ctx, cfg.Liveness.TTL)
	}, entry)
	h.Register(r)

	server := &http.Server{
		Addr:           cfg.HTTPAddr,
		Handler:        r,
		ReadTimeout:    10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return workerServer.Run(gctx)
	})
	g.Go(func() error {
		log.WithField("addr", cfg.HTTPAddr).Info("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	// 5. Telegram (optional)
	if cfg.TelegramBotToken != "" {
		bot, err := tgbotapi.NewBotAPI(cfg.TelegramBotToken)
		if err != nil {
			log.Fatalf("Не вдалося запустити Telegram-бота: %v", err)
		}
		log.WithField("bot", bot.Self.UserName).Info("Authorized on Telegram")

		loc, err := localization.Default()
		if err != nil {
			log.Fatalf("Failed to load translations: %v", err)
		}
		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := bot.GetUpdatesChan(u)
		botService := telegram.NewBotService(bot, hub, loc, entry)

		g.Go(func() error {
			botService.Run(gctx, updates)
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			bot.StopReceivingUpdates()
			return nil
		})
	} else {
		log.Warn("TELEGRAM_BOT_TOKEN is not set, Telegram front end disabled")
	}

	if err := g.Wait(); err != nil {
		log.WithError(err).Error("gateway stopped with error")
		os.Exit(1)
	}
	log.Info("gateway stopped")
}
