package chathub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pairchat/backend/internal/models"
	"pairchat/backend/internal/store"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// SessionLog records room lifetimes outside the shared store.
type SessionLog interface {
	SaveRoom(ctx context.Context, room *models.ChatRoom) error
	CloseRoom(ctx context.Context, roomID, reason string, endedAt time.Time) error
}

// EndReason says why an in-session watch fired.
type EndReason string

const (
	EndRoomGone     EndReason = "room_gone"
	EndRoomInactive EndReason = "room_inactive"
	EndNotMember    EndReason = "not_member"
	EndPartnerGone  EndReason = "partner_gone"
	EndPartnerLeft  EndReason = "partner_offline"
	EndPartnerMoved EndReason = "partner_moved"
	EndLocal        EndReason = "ended"
	EndAbandoned    EndReason = "abandoned"
)

// Coordinator owns a confirmed room: creation, membership checks, message
// relay and termination.
type Coordinator struct {
	store store.Store
	audit SessionLog
	log   *logrus.Entry
	now   func() time.Time
}

// NewCoordinator builds a coordinator. audit may be nil.
func NewCoordinator(st store.Store, audit SessionLog, logger *logrus.Entry) *Coordinator {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Coordinator{
		store: st,
		audit: audit,
		log:   logger.WithField("component", "rooms"),
		now:   time.Now,
	}
}

// CreateRoom writes an active room and then moves both participants to
// chatting. If either record is gone the room is closed again and ErrStale
// is returned.
func (c *Coordinator) CreateRoom(ctx context.Context, roomID string, participants [2]string, shared []string) (*models.Room, error) {
	room := &models.Room{
		ID:           roomID,
		Participants: participants[:],
		Active:       true,
		StartedAt:    c.now(),
	}
	if err := c.store.Write(ctx, store.RoomPath(roomID), room); err != nil {
		return nil, fmt.Errorf("rooms: create %s: %w", roomID, err)
	}

	for _, uid := range participants {
		err := c.store.Update(ctx, store.UserPath(uid), map[string]any{
			"status":        models.StatusChatting,
			"currentRoomId": roomID,
		})
		if err == nil {
			continue
		}
		if cerr := c.CloseRoom(ctx, roomID, EndAbandoned); cerr != nil {
			c.log.WithError(cerr).WithField("room_id", roomID).Warn("failed to close half-created room")
		}
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrStale
		}
		return nil, fmt.Errorf("rooms: mark %s chatting: %w", uid, err)
	}

	if c.audit != nil {
		row := &models.ChatRoom{
			RoomID:          roomID,
			User1ID:         participants[0],
			User2ID:         participants[1],
			SharedInterests: shared,
			IsActive:        true,
			StartedAt:       room.StartedAt,
		}
		if err := c.audit.SaveRoom(ctx, row); err != nil {
			c.log.WithError(err).WithField("room_id", roomID).Warn("failed to record room")
		}
	}
	c.log.WithFields(logrus.Fields{"room_id": roomID, "participants": participants}).Info("room created")
	return room, nil
}

// Join re-validates a room created by the peer.
func (c *Coordinator) Join(ctx context.Context, roomID, self string) (*models.Room, error) {
	room, err := c.Room(ctx, roomID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrStale
	}
	if err != nil {
		return nil, err
	}
	if !room.Active || !room.Has(self) {
		return nil, ErrStale
	}
	return room, nil
}

// Room reads one room record.
func (c *Coordinator) Room(ctx context.Context, roomID string) (*models.Room, error) {
	snap, err := c.store.ReadOnce(ctx, store.RoomPath(roomID))
	if err != nil {
		return nil, fmt.Errorf("rooms: read %s: %w", roomID, err)
	}
	var room models.Room
	if err := snap.Decode(&room); err != nil {
		return nil, err
	}
	return &room, nil
}

// SubscribeMessages delivers the full message list, in insertion order,
// every time it changes.
func (c *Coordinator) SubscribeMessages(roomID string, fn func([]models.Message)) (store.Unsubscribe, error) {
	return c.store.Subscribe(store.MessagesPath(roomID), func(s store.Snapshot) {
		msgs, err := store.DecodeChildren[models.Message](s)
		if err != nil {
			c.log.WithError(err).WithField("room_id", roomID).Warn("skipping undecodable messages")
		}
		fn(msgs)
	})
}

// SendMessage appends a message under a time-ordered id.
func (c *Coordinator) SendMessage(ctx context.Context, roomID, senderID, text string) (*models.Message, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("rooms: message id: %w", err)
	}
	msg := &models.Message{
		ID:        id.String(),
		SenderID:  senderID,
		Text:      text,
		CreatedAt: c.now(),
	}
	if err := c.store.Write(ctx, store.MessagePath(roomID, msg.ID), msg); err != nil {
		return nil, fmt.Errorf("rooms: send to %s: %w", roomID, err)
	}
	return msg, nil
}

// CloseRoom marks the room inactive. A room that is already gone is fine.
func (c *Coordinator) CloseRoom(ctx context.Context, roomID string, reason EndReason) error {
	now := c.now()
	err := c.store.Update(ctx, store.RoomPath(roomID), map[string]any{
		"active":  false,
		"endedAt": now,
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("rooms: close %s: %w", roomID, err)
	}
	if c.audit != nil {
		if err := c.audit.CloseRoom(ctx, roomID, string(reason), now); err != nil {
			c.log.WithError(err).WithField("room_id", roomID).Warn("failed to record room close")
		}
	}
	c.log.WithFields(logrus.Fields{"room_id": roomID, "reason": reason}).Info("room closed")
	return nil
}

// Watch arms the two involuntary-termination watches of an active session:
// the room itself and the partner's record. onEnd may be called more than
// once; callers act on the first call only.
func (c *Coordinator) Watch(roomID, self, partner string, onEnd func(EndReason)) (store.Unsubscribe, error) {
	unsubRoom, err := c.store.Subscribe(store.RoomPath(roomID), func(s store.Snapshot) {
		if s.Value == nil {
			onEnd(EndRoomGone)
			return
		}
		var room models.Room
		if err := s.Decode(&room); err != nil {
			onEnd(EndRoomGone)
			return
		}
		switch {
		case !room.Active:
			onEnd(EndRoomInactive)
		case !room.Has(self):
			onEnd(EndNotMember)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("rooms: watch %s: %w", roomID, err)
	}

	unsubPartner, err := c.store.Subscribe(store.UserPath(partner), func(s store.Snapshot) {
		var rec models.UserRecord
		if err := s.Decode(&rec); err != nil {
			onEnd(EndPartnerGone)
			return
		}
		switch {
		case !rec.Online:
			onEnd(EndPartnerLeft)
		case rec.RoomID() != roomID:
			onEnd(EndPartnerMoved)
		}
	})
	if err != nil {
		unsubRoom()
		return nil, fmt.Errorf("rooms: watch partner %s: %w", partner, err)
	}

	return func() {
		unsubRoom()
		unsubPartner()
	}, nil
}
