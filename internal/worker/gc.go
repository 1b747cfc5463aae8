package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pairchat/backend/internal/config"
	"pairchat/backend/internal/models"
	"pairchat/backend/internal/store"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

// ReasonGC is the end reason written for rooms closed by the collector.
const ReasonGC = "gc"

// RoomAudit is the part of the audit log the collector reconciles.
type RoomAudit interface {
	ActiveRoomsStartedBefore(ctx context.Context, cutoff time.Time) ([]models.ChatRoom, error)
	CloseRoom(ctx context.Context, roomID, reason string, endedAt time.Time) error
}

// GCResult counts what one collection removed.
type GCResult struct {
	Expired     int `json:"expired"`
	Abandoned   int `json:"abandoned"`
	AuditClosed int `json:"audit_closed"`
}

// RoomGC deletes closed rooms after the retention window and active rooms
// that nobody's presence record points at once the grace window has passed.
// Such rooms are left behind when both sides of a crossed request open one.
type RoomGC struct {
	store store.Store
	audit RoomAudit
	cfg   config.RoomGC
	log   *logrus.Entry
	now   func() time.Time
}

// NewRoomGC creates the collector. audit may be nil.
func NewRoomGC(st store.Store, audit RoomAudit, cfg config.RoomGC, logger *logrus.Entry) *RoomGC {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &RoomGC{
		store: st,
		audit: audit,
		cfg:   cfg,
		log:   logger.WithField("component", "room_gc"),
		now:   time.Now,
	}
}

// ProcessTask implements asynq.Handler.
func (g *RoomGC) ProcessTask(ctx context.Context, t *asynq.Task) error {
	res, err := g.Collect(ctx)
	if err != nil {
		return err
	}
	if res != (GCResult{}) {
		g.log.WithFields(taskLogFields(t)).WithFields(logrus.Fields{
			"expired":      res.Expired,
			"abandoned":    res.Abandoned,
			"audit_closed": res.AuditClosed,
		}).Info("rooms collected")
	}
	return nil
}

// Collect runs one pass over the rooms in the store and then over the audit log.
func (g *RoomGC) Collect(ctx context.Context) (GCResult, error) {
	var res GCResult
	now := g.now()

	snap, err := g.store.ReadOnce(ctx, store.RoomsRoot)
	if err != nil {
		return res, fmt.Errorf("worker: read rooms: %w", err)
	}
	rooms, err := store.DecodeChildren[models.Room](snap)
	if err != nil {
		g.log.WithError(err).Warn("skipping undecodable rooms")
	}

	// rooms that are alive or were already closed in this pass
	done := make(map[string]bool, len(rooms))
	for _, r := range rooms {
		switch {
		case !r.Active:
			ended := r.StartedAt
			if r.EndedAt != nil {
				ended = *r.EndedAt
			}
			if now.Sub(ended) < g.cfg.Retention {
				continue
			}
			if err := g.store.Delete(ctx, store.RoomPath(r.ID)); err != nil {
				return res, fmt.Errorf("worker: delete room %s: %w", r.ID, err)
			}
			res.Expired++

		case now.Sub(r.StartedAt) >= g.cfg.Grace:
			referenced, err := g.referenced(ctx, r)
			if err != nil {
				g.log.WithError(err).WithField("room_id", r.ID).Warn("cannot check room participants")
				done[r.ID] = true
				continue
			}
			if referenced {
				done[r.ID] = true
				continue
			}
			if err := g.store.Delete(ctx, store.RoomPath(r.ID)); err != nil {
				return res, fmt.Errorf("worker: delete room %s: %w", r.ID, err)
			}
			g.closeAudit(ctx, r.ID, now)
			done[r.ID] = true
			res.Abandoned++

		default:
			done[r.ID] = true
		}
	}

	if g.audit == nil {
		return res, nil
	}
	rows, err := g.audit.ActiveRoomsStartedBefore(ctx, now.Add(-g.cfg.Grace))
	if err != nil {
		return res, err
	}
	for _, row := range rows {
		if done[row.RoomID] {
			continue
		}
		if g.closeAudit(ctx, row.RoomID, now) {
			res.AuditClosed++
		}
	}
	return res, nil
}

// referenced reports whether any participant's record still points at r.
func (g *RoomGC) referenced(ctx context.Context, r models.Room) (bool, error) {
	for _, p := range r.Participants {
		snap, err := g.store.ReadOnce(ctx, store.UserPath(p))
		if err != nil {
			return false, err
		}
		var rec models.UserRecord
		if err := snap.Decode(&rec); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return false, err
		}
		if rec.RoomID() == r.ID {
			return true, nil
		}
	}
	return false, nil
}

func (g *RoomGC) closeAudit(ctx context.Context, roomID string, now time.Time) bool {
	if g.audit == nil {
		return false
	}
	if err := g.audit.CloseRoom(ctx, roomID, ReasonGC, now); err != nil {
		g.log.WithError(err).WithField("room_id", roomID).Warn("failed to close audit row")
		return false
	}
	return true
}
