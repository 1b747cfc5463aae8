package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"pairchat/backend/internal/chathub"
	"pairchat/backend/internal/config"
	"pairchat/backend/internal/storage"
	"pairchat/backend/internal/store"
	"pairchat/backend/internal/store/redisstore"
	"pairchat/backend/internal/worker"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	commandTimeout = 30 * time.Second
	reasonAdmin    = chathub.EndReason("closed_by_admin")
)

const usage = `Usage: admin <command> [args]

Commands:
  online              connections with a live heartbeat
  sessions            active rooms in the audit log
  user <user_id>      active room of a user
  room <room_id>      audit record of a room
  close <room_id>     end a room for both participants
  reap                run the presence reaper once
  gc                  run the room collector once`

func main() {
	if len(os.Args) < 2 {
		fmt.Println(usage)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("failed to load config: %v", err)
	}
	log := cfg.NewLogger()
	entry := logrus.NewEntry(log)

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	command := os.Args[1]
	arg := func(syntax string) string {
		if len(os.Args) != 3 {
			fmt.Println("Usage: admin " + syntax)
			os.Exit(1)
		}
		return os.Args[2]
	}

	switch command {
	case "online":
		reaper := redisstore.NewReaper(newRedis(ctx, cfg, log), cfg.Redis.KeyPrefix, entry)
		n, err := reaper.OnlineConnections(ctx, cfg.Liveness.TTL)
		if err != nil {
			log.Fatalf("Error counting connections: %v", err)
		}
		fmt.Printf("%d connections online\n", n)
	case "sessions":
		if err := listSessions(ctx, newStorage(cfg, entry)); err != nil {
			log.Fatalf("Error listing sessions: %v", err)
		}
	case "user":
		userID := arg("user <user_id>")
		roomID, err := newStorage(cfg, entry).GetActiveRoomIDForUser(ctx, userID)
		if err != nil {
			log.Fatalf("Error looking up user: %v", err)
		}
		if roomID == "" {
			fmt.Printf("User %s is not in a session.\n", userID)
			return
		}
		fmt.Printf("User %s is in room %s.\n", userID, roomID)
	case "room":
		if err := showRoom(ctx, newStorage(cfg, entry), arg("room <room_id>")); err != nil {
			log.Fatalf("Error reading room: %v", err)
		}
	case "close":
		roomID := arg("close <room_id>")
		st := newStore(ctx, cfg, entry)
		defer st.Close()
		coord := chathub.NewCoordinator(st, newStorage(cfg, entry), entry)
		if err := coord.CloseRoom(ctx, roomID, reasonAdmin); err != nil {
			log.Fatalf("Error closing room: %v", err)
		}
		fmt.Printf("Room %s has been closed.\n", roomID)
	case "reap":
		reaper := redisstore.NewReaper(newRedis(ctx, cfg, log), cfg.Redis.KeyPrefix, entry)
		n, err := reaper.Reap(ctx, cfg.Liveness.TTL)
		if err != nil {
			log.Fatalf("Error reaping: %v", err)
		}
		fmt.Printf("%d stale connections reaped\n", n)
	case "gc":
		st := newStore(ctx, cfg, entry)
		defer st.Close()
		res, err := worker.NewRoomGC(st, newStorage(cfg, entry), cfg.RoomGC, entry).Collect(ctx)
		if err != nil {
			log.Fatalf("Error collecting rooms: %v", err)
		}
		fmt.Printf("expired: %d, abandoned: %d, audit rows closed: %d\n", res.Expired, res.Abandoned, res.AuditClosed)
	default:
		fmt.Println("Unknown command")
		fmt.Println(usage)
		os.Exit(1)
	}
}

func newStorage(cfg *config.Config, logger *logrus.Entry) *storage.Service {
	db, err := gorm.Open(postgres.Open(cfg.PostgresDSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		logger.Fatalf("failed to connect database: %v", err)
	}
	return storage.NewStorageService(db, logger)
}

func newRedis(ctx context.Context, cfg *config.Config, log *logrus.Logger) *redis.Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to connect Redis: %v", err)
	}
	return rdb
}

// newStore opens a short-lived store connection. It registers no
// on-disconnect removals, so closing it leaves the tree untouched.
func newStore(ctx context.Context, cfg *config.Config, logger *logrus.Entry) store.Store {
	c, err := redisstore.Connect(ctx, newRedis(ctx, cfg, logger.Logger), redisstore.Options{
		KeyPrefix:         cfg.Redis.KeyPrefix,
		HeartbeatInterval: cfg.Liveness.HeartbeatInterval,
		ConnID:            "admin-" + fmt.Sprint(os.Getpid()),
		Logger:            logger,
	})
	if err != nil {
		logger.Fatalf("failed to open store connection: %v", err)
	}
	return c
}

func listSessions(ctx context.Context, s storage.Storage) error {
	ids, err := s.GetActiveRoomIDs(ctx)
	if err != nil {
		return err
	}
	stats, err := s.Stats(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		fmt.Println(id)
	}
	fmt.Printf("%d active, %d total\n", stats.Active, stats.Total)
	return nil
}

func showRoom(ctx context.Context, s storage.Storage, roomID string) error {
	room, err := s.GetRoomByID(ctx, roomID)
	if err != nil {
		return err
	}
	fmt.Printf("room:      %s\n", room.RoomID)
	fmt.Printf("users:     %s, %s\n", room.User1ID, room.User2ID)
	fmt.Printf("interests: %v\n", []string(room.SharedInterests))
	fmt.Printf("started:   %s\n", room.StartedAt.Format(time.RFC3339))
	if room.IsActive {
		fmt.Println("status:    active")
		return nil
	}
	ended := "-"
	if room.EndedAt != nil {
		ended = room.EndedAt.Format(time.RFC3339)
	}
	fmt.Printf("status:    closed at %s (%s)\n", ended, room.EndReason)
	return nil
}
