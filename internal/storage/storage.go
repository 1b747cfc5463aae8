// Package storage keeps the relational audit log of chat rooms. It records
// who was paired, when and why the room closed; message text never reaches
// the database.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pairchat/backend/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ErrRoomNotFound is returned by GetRoomByID for an unknown room.
var ErrRoomNotFound = errors.New("storage: chat room not found")

type Storage interface {
	Migrate(ctx context.Context) error

	SaveRoom(ctx context.Context, room *models.ChatRoom) error
	CloseRoom(ctx context.Context, roomID, reason string, endedAt time.Time) error

	GetActiveRoomIDForUser(ctx context.Context, userID string) (string, error)
	GetActiveRoomIDs(ctx context.Context) ([]string, error)
	GetRoomByID(ctx context.Context, roomID string) (*models.ChatRoom, error)
	ActiveRoomsStartedBefore(ctx context.Context, cutoff time.Time) ([]models.ChatRoom, error)
	Stats(ctx context.Context) (RoomStats, error)
}

// RoomStats is a summary of the audit log.
type RoomStats struct {
	Active int64 `json:"active"`
	Total  int64 `json:"total"`
}

type Service struct {
	DB  *gorm.DB
	log *logrus.Entry
}

var _ Storage = (*Service)(nil)

// NewStorageService Constructor
func NewStorageService(db *gorm.DB, logger *logrus.Entry) *Service {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Service{
		DB:  db,
		log: logger.WithField("component", "storage"),
	}
}

// Migrate створює або оновлює таблицю кімнат
func (s *Service) Migrate(ctx context.Context) error {
	if err := s.DB.WithContext(ctx).AutoMigrate(&models.ChatRoom{}); err != nil {
		return fmt.Errorf("storage: migrate: %w", err)
	}
	return nil
}

// SaveRoom зберігає кімнату в PostgreSQL
func (s *Service) SaveRoom(ctx context.Context, room *models.ChatRoom) error {
	if err := s.DB.WithContext(ctx).Save(room).Error; err != nil {
		s.log.WithError(err).WithField("room_id", room.RoomID).Error("failed to save room")
		return err
	}
	return nil
}

// CloseRoom marks an active room closed. Closing a room twice keeps the first
// reason and end time.
func (s *Service) CloseRoom(ctx context.Context, roomID, reason string, endedAt time.Time) error {
	res := closeRoomQuery(s.DB.WithContext(ctx), roomID, reason, endedAt)
	if res.Error != nil {
		s.log.WithError(res.Error).WithField("room_id", roomID).Error("failed to close room")
		return res.Error
	}
	if res.RowsAffected == 0 {
		s.log.WithField("room_id", roomID).Debug("room already closed or never recorded")
	}
	return nil
}

func closeRoomQuery(tx *gorm.DB, roomID, reason string, endedAt time.Time) *gorm.DB {
	return tx.Model(&models.ChatRoom{}).
		Where("room_id = ? AND is_active = ?", roomID, true).
		Updates(map[string]any{
			"is_active":  false,
			"ended_at":   endedAt,
			"end_reason": reason,
		})
}

// GetActiveRoomIDs повертає список усіх RoomID, які є активними в даний момент.
func (s *Service) GetActiveRoomIDs(ctx context.Context) ([]string, error) {
	var roomIDs []string
	if err := activeRoomIDsQuery(s.DB.WithContext(ctx), &roomIDs).Error; err != nil {
		s.log.WithError(err).Error("failed to retrieve active room ids")
		return nil, err
	}
	return roomIDs, nil
}

func activeRoomIDsQuery(tx *gorm.DB, dest *[]string) *gorm.DB {
	return tx.Model(&models.ChatRoom{}).
		Where("is_active = ?", true).
		Order("started_at").
		Pluck("room_id", dest)
}

// GetActiveRoomIDForUser знаходить активний RoomID, в якому бере участь даний
// користувач. Порожній рядок означає, що такої кімнати немає.
func (s *Service) GetActiveRoomIDForUser(ctx context.Context, userID string) (string, error) {
	var room models.ChatRoom
	err := activeRoomForUserQuery(s.DB.WithContext(ctx), userID, &room).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		s.log.WithError(err).WithField("user_id", userID).Error("failed to find active room for user")
		return "", err
	}
	return room.RoomID, nil
}

func activeRoomForUserQuery(tx *gorm.DB, userID string, dest *models.ChatRoom) *gorm.DB {
	return tx.Where("is_active = ?", true).
		Where("user1_id = ? OR user2_id = ?", userID, userID).
		Order("started_at DESC").
		First(dest)
}

func (s *Service) GetRoomByID(ctx context.Context, roomID string) (*models.ChatRoom, error) {
	var room models.ChatRoom
	err := s.DB.WithContext(ctx).Where("room_id = ?", roomID).First(&room).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		s.log.WithError(err).WithField("room_id", roomID).Error("failed to get room")
		return nil, err
	}
	return &room, nil
}

// ActiveRoomsStartedBefore lists rooms still recorded as active that opened
// before cutoff. The garbage collector checks them against the shared store.
func (s *Service) ActiveRoomsStartedBefore(ctx context.Context, cutoff time.Time) ([]models.ChatRoom, error) {
	var rooms []models.ChatRoom
	if err := staleRoomsQuery(s.DB.WithContext(ctx), cutoff, &rooms).Error; err != nil {
		return nil, fmt.Errorf("storage: stale rooms: %w", err)
	}
	return rooms, nil
}

func staleRoomsQuery(tx *gorm.DB, cutoff time.Time, dest *[]models.ChatRoom) *gorm.DB {
	return tx.Where("is_active = ? AND started_at < ?", true, cutoff).
		Order("started_at").
		Find(dest)
}

func (s *Service) Stats(ctx context.Context) (RoomStats, error) {
	var st RoomStats
	db := s.DB.WithContext(ctx)
	if err := db.Model(&models.ChatRoom{}).Count(&st.Total).Error; err != nil {
		return RoomStats{}, fmt.Errorf("storage: count rooms: %w", err)
	}
	if err := db.Model(&models.ChatRoom{}).Where("is_active = ?", true).Count(&st.Active).Error; err != nil {
		return RoomStats{}, fmt.Errorf("storage: count active rooms: %w", err)
	}
	return st, nil
}
