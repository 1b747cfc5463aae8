package chathub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pairchat/backend/internal/config"
	"pairchat/backend/internal/models"
	"pairchat/backend/internal/store"

	"github.com/sirupsen/logrus"
)

// Presence publishes one user's record and answers who else is around.
type Presence struct {
	store store.Store
	self  string
	log   *logrus.Entry
	now   func() time.Time
	// opTimeout bounds store calls made outside any caller's context.
	opTimeout time.Duration

	mu        sync.Mutex
	record    *models.UserRecord // latest value seen at our own path
	published bool
	unsubs    []store.Unsubscribe
}

func NewPresence(st store.Store, selfID string, opTimeout time.Duration, logger *logrus.Entry) *Presence {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if opTimeout <= 0 {
		opTimeout = config.DefaultStoreOpTimeout
	}
	p := &Presence{
		store:     st,
		self:      selfID,
		log:       logger.WithFields(logrus.Fields{"component": "presence", "user_id": selfID}),
		now:       time.Now,
		opTimeout: opTimeout,
	}
	p.unsubs = append(p.unsubs, st.OnReconnect(p.rearm))
	return p
}

// Publish writes the record at users/{id} and arranges for it to be removed
// when this connection drops.
func (p *Presence) Publish(ctx context.Context, rec models.UserRecord) error {
	if rec.ID != p.self {
		return fmt.Errorf("presence: record id %q does not match %q", rec.ID, p.self)
	}
	rec.Online = true
	rec.LastSeen = p.now()

	path := store.UserPath(p.self)
	if err := p.store.Write(ctx, path, rec); err != nil {
		return fmt.Errorf("presence: publish: %w", err)
	}
	if err := p.store.OnDisconnectRemove(ctx, path); err != nil {
		return fmt.Errorf("presence: arm on-disconnect: %w", err)
	}

	p.mu.Lock()
	p.record = &rec
	first := !p.published
	p.published = true
	p.mu.Unlock()

	if first {
		unsub, err := p.store.Subscribe(path, p.observe)
		if err != nil {
			return fmt.Errorf("presence: watch own record: %w", err)
		}
		p.mu.Lock()
		p.unsubs = append(p.unsubs, unsub)
		p.mu.Unlock()
	}
	return nil
}

// observe keeps the cached record in step with peer updates (status,
// currentRoomId). A missing record keeps the last known value so that it can
// be re-published after a reconnect.
func (p *Presence) observe(s store.Snapshot) {
	var rec models.UserRecord
	if err := s.Decode(&rec); err != nil {
		return
	}
	p.mu.Lock()
	p.record = &rec
	p.mu.Unlock()
}

// rearm runs after liveness came back: the store forgot our on-disconnect
// hook and may already have removed the record.
func (p *Presence) rearm() {
	p.mu.Lock()
	if !p.published || p.record == nil {
		p.mu.Unlock()
		return
	}
	rec := *p.record
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), p.opTimeout)
	defer cancel()
	if err := p.Publish(ctx, rec); err != nil {
		p.log.WithError(err).Warn("failed to re-publish presence after reconnect")
		return
	}
	p.log.Info("presence re-published after reconnect")
}

// SetStatus changes our own status and room. If the record is gone it is
// published again with the new values.
func (p *Presence) SetStatus(ctx context.Context, status models.Status, roomID string) error {
	var room *string
	if roomID != "" {
		room = &roomID
	}
	now := p.now()
	err := p.store.Update(ctx, store.UserPath(p.self), map[string]any{
		"status":        status,
		"currentRoomId": room,
		"lastSeen":      now,
	})
	if errors.Is(err, store.ErrNotFound) {
		p.mu.Lock()
		cached := p.record
		p.mu.Unlock()
		if cached == nil {
			return fmt.Errorf("presence: set status: %w", err)
		}
		rec := *cached
		rec.Status = status
		rec.CurrentRoomID = room
		return p.Publish(ctx, rec)
	}
	if err != nil {
		return fmt.Errorf("presence: set status: %w", err)
	}

	p.mu.Lock()
	if p.record != nil {
		p.record.Status = status
		p.record.CurrentRoomID = room
		p.record.LastSeen = now
	}
	p.mu.Unlock()
	return nil
}

// Record re-reads one user's record.
func (p *Presence) Record(ctx context.Context, userID string) (*models.UserRecord, error) {
	snap, err := p.store.ReadOnce(ctx, store.UserPath(userID))
	if err != nil {
		return nil, fmt.Errorf("presence: read %s: %w", userID, err)
	}
	var rec models.UserRecord
	if err := snap.Decode(&rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListAvailable returns everyone online and available except ourselves.
// The result is stale the moment it is returned.
func (p *Presence) ListAvailable(ctx context.Context) ([]models.UserRecord, error) {
	snap, err := p.store.ReadOnce(ctx, store.UsersRoot)
	if err != nil {
		return nil, fmt.Errorf("presence: list: %w", err)
	}
	users, err := store.DecodeChildren[models.UserRecord](snap)
	if err != nil {
		p.log.WithError(err).Debug("skipping undecodable user records")
	}
	out := users[:0]
	for _, u := range users {
		if u.ID != p.self && u.IsAvailable() {
			out = append(out, u)
		}
	}
	return out, nil
}

// SubscribeActiveCount reports the number of online users other than
// ourselves on every registry change. The count is approximate.
func (p *Presence) SubscribeActiveCount(onCount func(int)) (store.Unsubscribe, error) {
	return p.store.Subscribe(store.UsersRoot, func(s store.Snapshot) {
		users, _ := store.DecodeChildren[models.UserRecord](s)
		n := 0
		for _, u := range users {
			if u.Online && u.ID != p.self {
				n++
			}
		}
		onCount(n)
	})
}

// Withdraw removes our record on voluntary exit.
func (p *Presence) Withdraw(ctx context.Context) error {
	p.mu.Lock()
	unsubs := p.unsubs
	p.unsubs = nil
	p.published = false
	p.mu.Unlock()
	for _, u := range unsubs {
		u()
	}

	path := store.UserPath(p.self)
	if err := p.store.CancelOnDisconnect(ctx, path); err != nil && !errors.Is(err, store.ErrClosed) {
		return fmt.Errorf("presence: cancel on-disconnect: %w", err)
	}
	if err := p.store.Delete(ctx, path); err != nil && !errors.Is(err, store.ErrClosed) {
		return fmt.Errorf("presence: withdraw: %w", err)
	}
	return nil
}
