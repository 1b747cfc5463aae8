package chathub

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"pairchat/backend/internal/models"
	"pairchat/backend/internal/store"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNoCandidate means nobody else is available right now.
	ErrNoCandidate = errors.New("chathub: no candidate available")
	// ErrStale means a record no longer says what we acted on.
	ErrStale = errors.New("chathub: stale state")
)

// MatcherService drives the two-phase request/response handshake for one
// user. It holds no session state; the Session decides what to do next.
type MatcherService struct {
	store        store.Store
	presence     *Presence
	self         string
	preferShared bool
	log          *logrus.Entry
	now          func() time.Time
	pick         func(n int) int
}

func NewMatcherService(st store.Store, p *Presence, selfID string, preferShared bool, logger *logrus.Entry) *MatcherService {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &MatcherService{
		store:        st,
		presence:     p,
		self:         selfID,
		preferShared: preferShared,
		log:          logger.WithFields(logrus.Fields{"component": "matcher", "user_id": selfID}),
		now:          time.Now,
		pick:         rand.IntN,
	}
}

// FindCandidate picks a random available user not in exclude. With
// preferShared set, users sharing one of interests are preferred.
func (m *MatcherService) FindCandidate(ctx context.Context, interests []string, exclude map[string]bool) (models.UserRecord, error) {
	users, err := m.presence.ListAvailable(ctx)
	if err != nil {
		return models.UserRecord{}, err
	}
	candidates := users[:0]
	for _, u := range users {
		if !exclude[u.ID] {
			candidates = append(candidates, u)
		}
	}
	if len(candidates) == 0 {
		return models.UserRecord{}, ErrNoCandidate
	}

	if m.preferShared && len(interests) > 0 {
		var shared []models.UserRecord
		for _, u := range candidates {
			if len(models.SharedInterests(interests, u.Interests)) > 0 {
				shared = append(shared, u)
			}
		}
		if len(shared) > 0 {
			candidates = shared
		}
	}
	return candidates[m.pick(len(candidates))], nil
}

// RequestSession re-reads the candidate and, if still available, marks us as
// requesting under a fresh room id and writes the request into the
// candidate's inbox. The request goes away with our connection.
func (m *MatcherService) RequestSession(ctx context.Context, info models.PublicInfo, candidateID string) (*models.MatchRequest, error) {
	cand, err := m.presence.Record(ctx, candidateID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrStale
	}
	if err != nil {
		return nil, err
	}
	if !cand.IsAvailable() {
		return nil, ErrStale
	}

	req := &models.MatchRequest{
		Target:    candidateID,
		From:      m.self,
		FromInfo:  info,
		RoomID:    uuid.NewString(),
		CreatedAt: m.now(),
	}
	if err := m.presence.SetStatus(ctx, models.StatusRequesting, req.RoomID); err != nil {
		return nil, err
	}
	path := store.RequestPath(candidateID)
	if err := m.store.Write(ctx, path, req); err != nil {
		return nil, fmt.Errorf("matcher: write request to %s: %w", candidateID, err)
	}
	if err := m.store.OnDisconnectRemove(ctx, path); err != nil {
		_ = m.deleteRequestIf(ctx, candidateID, m.self, req.RoomID)
		return nil, fmt.Errorf("matcher: arm on-disconnect for %s: %w", path, err)
	}
	m.log.WithFields(logrus.Fields{"target": candidateID, "room_id": req.RoomID}).Debug("match request sent")
	return req, nil
}

// WatchInbox calls fn with the request waiting at requests/{self}, or nil
// when the inbox is empty.
func (m *MatcherService) WatchInbox(fn func(*models.MatchRequest)) (store.Unsubscribe, error) {
	return m.store.Subscribe(store.RequestPath(m.self), func(s store.Snapshot) {
		var req models.MatchRequest
		if err := s.Decode(&req); err != nil {
			fn(nil)
			return
		}
		req.Target = m.self
		fn(&req)
	})
}

// WatchResponse calls fn with the response waiting at responses/{self}, or
// nil when there is none.
func (m *MatcherService) WatchResponse(fn func(*models.MatchResponse)) (store.Unsubscribe, error) {
	return m.store.Subscribe(store.ResponsePath(m.self), func(s store.Snapshot) {
		var resp models.MatchResponse
		if err := s.Decode(&resp); err != nil {
			fn(nil)
			return
		}
		fn(&resp)
	})
}

// Validate re-reads an incoming request and its sender before we commit to
// it. The request must still be in our inbox and the sender must still be
// requesting us under the same room id.
func (m *MatcherService) Validate(ctx context.Context, req *models.MatchRequest) (*models.UserRecord, error) {
	snap, err := m.store.ReadOnce(ctx, store.RequestPath(m.self))
	if err != nil {
		return nil, fmt.Errorf("matcher: re-read inbox: %w", err)
	}
	var cur models.MatchRequest
	if err := snap.Decode(&cur); err != nil || cur.From != req.From || cur.RoomID != req.RoomID {
		return nil, ErrStale
	}

	sender, err := m.presence.Record(ctx, req.From)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrStale
	}
	if err != nil {
		return nil, err
	}
	if !sender.Online || sender.Status != models.StatusRequesting || sender.RoomID() != req.RoomID {
		return nil, ErrStale
	}
	return sender, nil
}

// Respond answers an incoming request and clears it from our inbox.
func (m *MatcherService) Respond(ctx context.Context, req *models.MatchRequest, accepted bool, info *models.PublicInfo) error {
	resp := models.MatchResponse{
		Accepted:  accepted,
		From:      m.self,
		RoomID:    req.RoomID,
		CreatedAt: m.now(),
	}
	if accepted {
		resp.ResponderInfo = info
	}
	if err := m.store.Write(ctx, store.ResponsePath(req.From), resp); err != nil {
		return fmt.Errorf("matcher: respond to %s: %w", req.From, err)
	}
	return m.DiscardRequest(ctx, req.From, req.RoomID)
}

// DiscardRequest deletes our inbox if it still holds the given request.
// A request written since by someone else is left alone.
func (m *MatcherService) DiscardRequest(ctx context.Context, from, roomID string) error {
	return m.deleteRequestIf(ctx, m.self, from, roomID)
}

// ConsumeResponse deletes our response and our outgoing request once the
// answer has been read.
func (m *MatcherService) ConsumeResponse(ctx context.Context, req *models.MatchRequest) error {
	return m.Cancel(ctx, req)
}

// DiscardResponse deletes the response at responses/{self} if it is for
// roomID. An empty roomID matches any response.
func (m *MatcherService) DiscardResponse(ctx context.Context, roomID string) error {
	path := store.ResponsePath(m.self)
	if roomID != "" {
		resp, err := m.PendingResponse(ctx)
		if err != nil {
			return err
		}
		if resp == nil || resp.RoomID != roomID {
			return nil
		}
	}
	if err := m.store.Delete(ctx, path); err != nil {
		return fmt.Errorf("matcher: delete response: %w", err)
	}
	return nil
}

// Cancel deletes our outgoing request, if it is still in the target's inbox,
// and any response to it. Our own status is left alone.
func (m *MatcherService) Cancel(ctx context.Context, req *models.MatchRequest) error {
	// the inbox may hold someone else's request by the time we drop
	path := store.RequestPath(req.Target)
	if err := m.store.CancelOnDisconnect(ctx, path); err != nil && !errors.Is(err, store.ErrClosed) {
		return fmt.Errorf("matcher: cancel on-disconnect for %s: %w", path, err)
	}
	if err := m.deleteRequestIf(ctx, req.Target, m.self, req.RoomID); err != nil {
		return err
	}
	return m.DiscardResponse(ctx, req.RoomID)
}

// Withdraw abandons an outgoing request that went unanswered: the request and
// any response are deleted and we are available again.
func (m *MatcherService) Withdraw(ctx context.Context, req *models.MatchRequest) error {
	if err := m.Cancel(ctx, req); err != nil {
		return err
	}
	return m.presence.SetStatus(ctx, models.StatusAvailable, "")
}

// PendingResponse reads our response path once.
func (m *MatcherService) PendingResponse(ctx context.Context) (*models.MatchResponse, error) {
	snap, err := m.store.ReadOnce(ctx, store.ResponsePath(m.self))
	if err != nil {
		return nil, fmt.Errorf("matcher: read response: %w", err)
	}
	var resp models.MatchResponse
	if err := snap.Decode(&resp); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &resp, nil
}

func (m *MatcherService) deleteRequestIf(ctx context.Context, target, from, roomID string) error {
	path := store.RequestPath(target)
	snap, err := m.store.ReadOnce(ctx, path)
	if err != nil {
		return fmt.Errorf("matcher: read request %s: %w", path, err)
	}
	var cur models.MatchRequest
	if err := snap.Decode(&cur); err != nil {
		return nil
	}
	if cur.From != from || (roomID != "" && cur.RoomID != roomID) {
		return nil
	}
	if err := m.store.Delete(ctx, path); err != nil {
		return fmt.Errorf("matcher: delete request %s: %w", path, err)
	}
	return nil
}
