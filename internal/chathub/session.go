package chathub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pairchat/backend/internal/config"
	"pairchat/backend/internal/models"
	"pairchat/backend/internal/store"

	"github.com/sirupsen/logrus"
)

const mailboxSize = 64

// SessionDeps are the collaborators of a Session. Store and Listener are
// required.
type SessionDeps struct {
	Store     store.Store
	Listener  Listener
	Media     Media
	Transport Transport
	Audit     SessionLog
	Matching  config.Matching
	Logger    *logrus.Entry
}

// Session is the local state machine of one client. A single goroutine owns
// all of its state: UI commands, store callbacks and timers are queued on a
// mailbox and handled one at a time.
type Session struct {
	id   string
	info models.PublicInfo
	cfg  config.Matching

	store     store.Store
	presence  *Presence
	matcher   *MatcherService
	rooms     *Coordinator
	listener  Listener
	media     Media
	transport Transport
	log       *logrus.Entry

	mailbox   chan func()
	quit      chan struct{}
	stopped   chan struct{}
	state     atomic.Int32
	opened    atomic.Bool
	closeOnce sync.Once

	// Owned by the run goroutine.
	gen       uint64
	phase     scope // timers of the current state
	live      scope // watches of the current room
	lifetime  scope // inbox, response and active-count watches
	pending   *models.MatchRequest
	prompt    *models.MatchRequest
	resume    State
	room      *SessionInfo
	mediaHeld bool
	skip      map[string]bool
}

// NewSession builds an idle session for id. Call Open to publish presence.
func NewSession(id string, info models.PublicInfo, deps SessionDeps) *Session {
	if deps.Logger == nil {
		deps.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if deps.Media == nil {
		deps.Media = NoMedia{}
	}
	if deps.Transport == nil {
		deps.Transport = noTransport{}
	}
	if deps.Listener == nil {
		deps.Listener = NopListener{}
	}
	deps.Matching = deps.Matching.WithDefaults()
	info.Interests = models.NormalizeInterests(info.Interests)

	presence := NewPresence(deps.Store, id, deps.Matching.StoreOpTimeout, deps.Logger)
	return &Session{
		id:        id,
		info:      info,
		cfg:       deps.Matching,
		store:     deps.Store,
		presence:  presence,
		matcher:   NewMatcherService(deps.Store, presence, id, deps.Matching.PreferSharedInterests, deps.Logger),
		rooms:     NewCoordinator(deps.Store, deps.Audit, deps.Logger),
		listener:  deps.Listener,
		media:     deps.Media,
		transport: deps.Transport,
		log:       deps.Logger.WithFields(logrus.Fields{"component": "session", "user_id": id}),
		mailbox:   make(chan func(), mailboxSize),
		quit:      make(chan struct{}),
		stopped:   make(chan struct{}),
		skip:      make(map[string]bool),
	}
}

func (s *Session) ID() string              { return s.id }
func (s *Session) Info() models.PublicInfo { return s.info }

// State returns the current state. It is safe to call from any goroutine.
func (s *Session) State() State { return State(s.state.Load()) }

// Open publishes presence and starts watching the inbox.
func (s *Session) Open(ctx context.Context) error {
	if !s.opened.CompareAndSwap(false, true) {
		return errors.New("chathub: session already open")
	}
	go s.run()

	if err := s.presence.Publish(ctx, models.NewUserRecord(s.id, s.info, time.Now())); err != nil {
		return err
	}
	done := make(chan error, 1)
	if !s.post(func() { done <- s.armLifetime() }) {
		return ErrSessionClosed
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start begins searching. Ignored unless Idle.
func (s *Session) Start() { s.post(s.start) }

// Skip leaves the current session or handshake and searches again.
func (s *Session) Skip() { s.post(s.skipNow) }

// End leaves the current session or stops searching.
func (s *Session) End() { s.post(s.end) }

// Accept answers the open prompt with yes.
func (s *Session) Accept() { s.post(s.accept) }

// Decline answers the open prompt with no.
func (s *Session) Decline() {
	s.post(func() {
		if s.State() == AwaitingDecision {
			s.decline()
		}
	})
}

// Send posts text into the current room.
func (s *Session) Send(text string) error {
	reply := make(chan error, 1)
	if !s.post(func() { reply <- s.send(text) }) {
		return ErrSessionClosed
	}
	select {
	case err := <-reply:
		return err
	case <-s.stopped:
		return ErrSessionClosed
	}
}

// Close leaves whatever is in progress, withdraws presence and closes the
// store connection.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.opened.Load() {
			done := make(chan struct{})
			if s.post(func() { s.shutdown(); close(done) }) {
				<-done
			}
			close(s.quit)
			<-s.stopped
		}
		err = s.store.Close()
	})
	return err
}

func (s *Session) run() {
	defer close(s.stopped)
	for {
		select {
		case fn := <-s.mailbox:
			fn()
		case <-s.quit:
			return
		}
	}
}

func (s *Session) post(fn func()) bool {
	select {
	case <-s.quit:
		return false
	default:
	}
	select {
	case s.mailbox <- fn:
		return true
	case <-s.quit:
		return false
	}
}

// event returns a callback that runs fn on the actor only if the state that
// created it is still current.
func (s *Session) event(fn func()) func() {
	gen := s.gen
	return func() {
		s.post(func() {
			if s.gen == gen {
				fn()
			}
		})
	}
}

func (s *Session) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.cfg.StoreOpTimeout)
}

func (s *Session) armLifetime() error {
	unsub, err := s.matcher.WatchInbox(func(req *models.MatchRequest) {
		s.post(func() { s.onInbox(req) })
	})
	if err != nil {
		return err
	}
	s.lifetime.watch(unsub)

	unsub, err = s.matcher.WatchResponse(func(resp *models.MatchResponse) {
		s.post(func() { s.onResponse(resp) })
	})
	if err != nil {
		return err
	}
	s.lifetime.watch(unsub)

	unsub, err = s.presence.SubscribeActiveCount(func(n int) {
		s.post(func() { s.listener.OnActiveCount(n) })
	})
	if err != nil {
		return err
	}
	s.lifetime.watch(unsub)

	s.listener.OnState(Transition{From: Idle, To: Idle})
	return nil
}

func (s *Session) setState(to State) {
	from := s.State()
	s.bump()
	s.state.Store(int32(to))

	t := Transition{From: from, To: to}
	if s.room != nil {
		info := *s.room
		t.Session = &info
	}
	s.log.WithFields(logrus.Fields{"from": from, "to": to}).Debug("state changed")
	s.listener.OnState(t)
}

// bump invalidates every timer and callback armed for the current state.
func (s *Session) bump() {
	s.gen++
	s.phase.cancel()
}

// --- search ---

func (s *Session) start() {
	if s.State() != Idle {
		return
	}
	if err := s.acquireMedia(); err != nil {
		s.log.WithError(err).Info("cannot start without media")
		s.listener.OnNotice(NoticeMediaUnavailable)
		return
	}
	clear(s.skip)
	s.enterSearching()
}

func (s *Session) enterSearching() {
	s.setState(Searching)
	s.search()
}

func (s *Session) search() {
	if s.State() != Searching {
		return
	}
	ctx, cancel := s.opCtx()
	defer cancel()

	cand, err := s.matcher.FindCandidate(ctx, s.info.Interests, s.skip)
	if err != nil {
		if !errors.Is(err, ErrNoCandidate) {
			s.log.WithError(err).Warn("candidate lookup failed")
		}
		clear(s.skip)
		s.phase.after(s.cfg.RetryInterval, s.event(s.search))
		return
	}

	req, err := s.matcher.RequestSession(ctx, s.info, cand.ID)
	if errors.Is(err, ErrStale) {
		s.skip[cand.ID] = true
		s.phase.after(0, s.event(s.search))
		return
	}
	if err != nil {
		s.log.WithError(err).WithField("candidate", cand.ID).Warn("match request failed")
		if serr := s.presence.SetStatus(ctx, models.StatusAvailable, ""); serr != nil {
			s.log.WithError(serr).Warn("failed to reset status")
		}
		s.phase.after(s.cfg.RetryInterval, s.event(s.search))
		return
	}

	s.pending = req
	s.setState(Requesting)
	s.phase.after(s.cfg.HandshakeTimeout, s.event(s.requestTimedOut))
}

func (s *Session) requestTimedOut() {
	if s.State() != Requesting || s.pending == nil {
		return
	}
	ctx, cancel := s.opCtx()
	defer cancel()

	pending := s.pending
	// The answer may have landed just before the timer fired.
	if resp, err := s.matcher.PendingResponse(ctx); err == nil && resp != nil && s.answers(resp) {
		s.handleResponse(resp)
		return
	}

	s.log.WithField("target", pending.Target).Info("match request timed out")
	s.pending = nil
	if err := s.matcher.Withdraw(ctx, pending); err != nil {
		s.log.WithError(err).Warn("failed to withdraw request")
	}
	s.skip[pending.Target] = true
	s.enterSearching()
}

func (s *Session) answers(resp *models.MatchResponse) bool {
	return s.pending != nil && resp.RoomID == s.pending.RoomID && resp.From == s.pending.Target
}

func (s *Session) onResponse(resp *models.MatchResponse) {
	if resp == nil {
		return
	}
	if s.State() == Requesting && s.answers(resp) {
		s.handleResponse(resp)
		return
	}
	if s.room != nil && resp.RoomID == s.room.RoomID {
		return
	}

	// An answer to a request we already gave up on.
	ctx, cancel := s.opCtx()
	defer cancel()
	if err := s.matcher.DiscardResponse(ctx, resp.RoomID); err != nil {
		s.log.WithError(err).Warn("failed to discard stale response")
	}
	if resp.Accepted {
		s.log.WithField("room_id", resp.RoomID).Info("closing room opened for a withdrawn request")
		if err := s.rooms.CloseRoom(ctx, resp.RoomID, EndAbandoned); err != nil {
			s.log.WithError(err).Warn("failed to close abandoned room")
		}
		s.reassertStatus(ctx)
	}
}

func (s *Session) handleResponse(resp *models.MatchResponse) {
	ctx, cancel := s.opCtx()
	defer cancel()

	pending := s.pending
	s.pending = nil
	if err := s.matcher.ConsumeResponse(ctx, pending); err != nil {
		s.log.WithError(err).Warn("failed to clear handshake paths")
	}

	if !resp.Accepted {
		s.log.WithField("target", pending.Target).Debug("match request declined")
		s.skip[pending.Target] = true
		if err := s.presence.SetStatus(ctx, models.StatusAvailable, ""); err != nil {
			s.log.WithError(err).Warn("failed to reset status")
		}
		s.enterSearching()
		return
	}

	room, err := s.rooms.Join(ctx, resp.RoomID, s.id)
	if err != nil {
		s.log.WithError(err).WithField("room_id", resp.RoomID).Info("accepted room is not joinable")
		if err := s.presence.SetStatus(ctx, models.StatusAvailable, ""); err != nil {
			s.log.WithError(err).Warn("failed to reset status")
		}
		s.enterSearching()
		return
	}

	info := SessionInfo{RoomID: room.ID, Partner: pending.Target, Initiator: true}
	if resp.ResponderInfo != nil {
		info.PartnerInfo = *resp.ResponderInfo
	}
	s.enterSession(info)
}

// --- receiving side ---

func (s *Session) onInbox(req *models.MatchRequest) {
	if req == nil {
		if s.State() == AwaitingDecision && s.prompt != nil {
			old := s.prompt
			s.prompt = nil
			s.listener.OnPromptCancelled(old.From)
			s.resumeAfterPrompt()
		}
		return
	}
	if req.From == s.id {
		return
	}

	switch st := s.State(); st {
	case Idle, Searching:
		s.resume = st
		s.prompt = req
		s.setState(AwaitingDecision)
		s.showPrompt(req)

	case AwaitingDecision:
		if s.prompt != nil && s.prompt.From == req.From && s.prompt.RoomID == req.RoomID {
			return
		}
		if s.prompt != nil {
			s.listener.OnPromptCancelled(s.prompt.From)
		}
		s.bump()
		s.prompt = req
		s.showPrompt(req)

	case Requesting:
		if s.pending != nil && s.pending.Target == req.From {
			s.resolveMutual(req)
			return
		}
		s.declineBusy(req)

	case InSession, Ending:
		if s.room != nil && s.room.Partner == req.From {
			ctx, cancel := s.opCtx()
			defer cancel()
			_ = s.matcher.DiscardRequest(ctx, req.From, req.RoomID)
			return
		}
		s.declineBusy(req)
	}
}

func (s *Session) showPrompt(req *models.MatchRequest) {
	s.phase.after(s.cfg.HandshakeTimeout, s.event(func() {
		s.log.WithField("from", req.From).Info("prompt unanswered, declining")
		s.listener.OnPromptCancelled(req.From)
		s.decline()
	}))
	s.listener.OnPrompt(Prompt{From: req.From, FromInfo: req.FromInfo, RoomID: req.RoomID})
}

// resolveMutual handles a request from the very peer we are requesting. The
// lower id yields and accepts the peer's request; the higher id drops it and
// keeps waiting for the answer to its own.
func (s *Session) resolveMutual(req *models.MatchRequest) {
	ctx, cancel := s.opCtx()
	defer cancel()

	if s.id > req.From {
		if err := s.matcher.DiscardRequest(ctx, req.From, req.RoomID); err != nil {
			s.log.WithError(err).Warn("failed to drop crossed request")
		}
		return
	}

	s.log.WithField("peer", req.From).Debug("crossed requests, yielding")
	own := s.pending
	s.pending = nil
	if err := s.matcher.Cancel(ctx, own); err != nil {
		s.log.WithError(err).Warn("failed to cancel own request")
	}
	s.resume = Searching
	s.acceptRequest(ctx, req, false)
}

func (s *Session) declineBusy(req *models.MatchRequest) {
	ctx, cancel := s.opCtx()
	defer cancel()
	if err := s.matcher.Respond(ctx, req, false, nil); err != nil {
		s.log.WithError(err).WithField("from", req.From).Warn("failed to decline request")
	}
}

func (s *Session) accept() {
	if s.State() != AwaitingDecision || s.prompt == nil {
		return
	}
	req := s.prompt
	s.prompt = nil

	ctx, cancel := s.opCtx()
	defer cancel()
	if err := s.acquireMedia(); err != nil {
		s.log.WithError(err).Info("cannot accept without media")
		s.listener.OnNotice(NoticeMediaUnavailable)
		if err := s.matcher.Respond(ctx, req, false, nil); err != nil {
			s.log.WithError(err).Warn("failed to decline request")
		}
		s.resumeAfterPrompt()
		return
	}
	s.acceptRequest(ctx, req, true)
}

// acceptRequest re-validates req, opens the room and answers yes. The room is
// written before the answer so the requester can always join it.
func (s *Session) acceptRequest(ctx context.Context, req *models.MatchRequest, prompted bool) {
	giveUp := func() {
		if prompted {
			s.listener.OnPromptCancelled(req.From)
		}
		s.resumeAfterPrompt()
	}

	sender, err := s.matcher.Validate(ctx, req)
	if err != nil {
		s.log.WithError(err).WithField("from", req.From).Info("request went stale before accept")
		if err := s.matcher.DiscardRequest(ctx, req.From, req.RoomID); err != nil {
			s.log.WithError(err).Warn("failed to drop stale request")
		}
		giveUp()
		return
	}

	shared := models.SharedInterests(s.info.Interests, sender.Interests)
	if _, err := s.rooms.CreateRoom(ctx, req.RoomID, [2]string{req.From, s.id}, shared); err != nil {
		s.log.WithError(err).WithField("room_id", req.RoomID).Info("room could not be opened")
		if err := s.matcher.Respond(ctx, req, false, nil); err != nil {
			s.log.WithError(err).Warn("failed to decline request")
		}
		giveUp()
		return
	}
	if err := s.matcher.Respond(ctx, req, true, &s.info); err != nil {
		s.log.WithError(err).Warn("failed to answer request")
	}

	s.enterSession(SessionInfo{
		RoomID:      req.RoomID,
		Partner:     req.From,
		PartnerInfo: req.FromInfo,
	})
}

func (s *Session) decline() {
	if s.prompt == nil {
		return
	}
	req := s.prompt
	s.prompt = nil

	ctx, cancel := s.opCtx()
	defer cancel()
	if err := s.matcher.Respond(ctx, req, false, nil); err != nil {
		s.log.WithError(err).Warn("failed to decline request")
	}
	s.resumeAfterPrompt()
}

// resumeAfterPrompt returns to wherever the prompt interrupted us and makes
// sure our record says available again.
func (s *Session) resumeAfterPrompt() {
	ctx, cancel := s.opCtx()
	defer cancel()
	if err := s.presence.SetStatus(ctx, models.StatusAvailable, ""); err != nil {
		s.log.WithError(err).Warn("failed to reset status")
	}

	if s.resume == Searching && s.mediaHeld {
		s.enterSearching()
		return
	}
	s.releaseMedia()
	s.setState(Idle)
}

// --- session ---

func (s *Session) enterSession(info SessionInfo) {
	s.room = &info
	s.setState(InSession)

	gen := s.gen
	onEnd := func(r EndReason) {
		s.post(func() {
			if s.gen == gen {
				s.roomEnded(r)
			}
		})
	}
	unsub, err := s.rooms.Watch(info.RoomID, s.id, info.Partner, onEnd)
	if err != nil {
		s.log.WithError(err).Warn("failed to watch room")
		s.terminate(EndLocal, true, false)
		return
	}
	s.live.watch(unsub)

	unsub, err = s.rooms.SubscribeMessages(info.RoomID, func(msgs []models.Message) {
		s.post(func() {
			if s.gen == gen {
				s.listener.OnMessages(msgs)
			}
		})
	})
	if err != nil {
		s.log.WithError(err).Warn("failed to watch messages")
	} else {
		s.live.watch(unsub)
	}

	s.log.WithFields(logrus.Fields{"room_id": info.RoomID, "partner": info.Partner, "initiator": info.Initiator}).Info("session started")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.MediaTimeout)
	defer cancel()
	if err := s.transport.Begin(ctx, info); err != nil {
		s.log.WithError(err).Warn("transport did not start")
	}
}

func (s *Session) roomEnded(reason EndReason) {
	if s.State() != InSession {
		return
	}
	s.log.WithField("reason", reason).Info("session ended by peer or store")
	gone := reason == EndRoomGone || reason == EndRoomInactive || reason == EndNotMember
	s.terminate(reason, !gone, true)
}

// terminate tears the current session down and leaves us Idle.
func (s *Session) terminate(reason EndReason, closeRoom, notify bool) {
	info := s.room
	if info == nil {
		return
	}
	s.setState(Ending)
	s.live.cancel()

	ctx, cancel := s.opCtx()
	defer cancel()
	if closeRoom {
		if err := s.rooms.CloseRoom(ctx, info.RoomID, reason); err != nil {
			s.log.WithError(err).Warn("failed to close room")
		}
	}
	s.releaseMedia()
	s.transport.End(info.RoomID)
	if err := s.presence.SetStatus(ctx, models.StatusAvailable, ""); err != nil {
		s.log.WithError(err).Warn("failed to reset status")
	}

	s.room = nil
	if notify {
		s.listener.OnNotice(NoticePartnerLeft)
	}
	s.setState(Idle)
}

func (s *Session) send(text string) error {
	if s.State() != InSession || s.room == nil {
		return ErrNotInSession
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	ctx, cancel := s.opCtx()
	defer cancel()
	_, err := s.rooms.SendMessage(ctx, s.room.RoomID, s.id, text)
	return err
}

// --- commands ---

func (s *Session) end() {
	ctx, cancel := s.opCtx()
	defer cancel()

	switch s.State() {
	case InSession:
		s.terminate(EndLocal, true, false)
	case Searching:
		s.stopSearching(ctx)
	case Requesting:
		s.withdrawPending(ctx)
		s.stopSearching(ctx)
	case AwaitingDecision:
		s.resume = Idle
		s.decline()
	}
}

func (s *Session) skipNow() {
	ctx, cancel := s.opCtx()
	defer cancel()

	switch s.State() {
	case Idle:
		s.start()
	case InSession:
		s.terminate(EndLocal, true, false)
		s.start()
	case Searching:
		s.enterSearching()
	case Requesting:
		s.withdrawPending(ctx)
		s.enterSearching()
	case AwaitingDecision:
		s.resume = Idle
		s.decline()
		s.start()
	}
}

func (s *Session) withdrawPending(ctx context.Context) {
	if s.pending == nil {
		return
	}
	pending := s.pending
	s.pending = nil
	s.skip[pending.Target] = true
	if err := s.matcher.Withdraw(ctx, pending); err != nil {
		s.log.WithError(err).Warn("failed to withdraw request")
	}
}

func (s *Session) stopSearching(ctx context.Context) {
	if err := s.presence.SetStatus(ctx, models.StatusAvailable, ""); err != nil {
		s.log.WithError(err).Warn("failed to reset status")
	}
	s.releaseMedia()
	s.setState(Idle)
}

func (s *Session) shutdown() {
	ctx, cancel := s.opCtx()
	defer cancel()

	switch s.State() {
	case InSession:
		s.terminate(EndLocal, true, false)
	case Requesting:
		s.withdrawPending(ctx)
	case AwaitingDecision:
		s.resume = Idle
		s.decline()
	}
	s.releaseMedia()
	s.bump()
	s.live.cancel()
	s.lifetime.cancel()
	if err := s.presence.Withdraw(ctx); err != nil {
		s.log.WithError(err).Warn("failed to withdraw presence")
	}
	s.log.Debug("session closed")
}

// reassertStatus rewrites our status from local state, after a peer may have
// overwritten it for a room we never joined.
func (s *Session) reassertStatus(ctx context.Context) {
	var err error
	switch s.State() {
	case Requesting:
		if s.pending != nil {
			err = s.presence.SetStatus(ctx, models.StatusRequesting, s.pending.RoomID)
		}
	case InSession, Ending:
		if s.room != nil {
			err = s.presence.SetStatus(ctx, models.StatusChatting, s.room.RoomID)
		}
	default:
		err = s.presence.SetStatus(ctx, models.StatusAvailable, "")
	}
	if err != nil {
		s.log.WithError(err).Warn("failed to restore status")
	}
}

// --- media ---

func (s *Session) acquireMedia() error {
	if s.mediaHeld {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.MediaTimeout)
	defer cancel()
	if err := s.media.Acquire(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrMediaUnavailable, err)
	}
	s.mediaHeld = true
	return nil
}

func (s *Session) releaseMedia() {
	if !s.mediaHeld {
		return
	}
	s.mediaHeld = false
	s.media.Release()
}

// scope collects the subscriptions and timers armed for one state.
type scope struct {
	unsubs []store.Unsubscribe
	timers []*time.Timer
}

func (sc *scope) watch(u store.Unsubscribe) {
	if u != nil {
		sc.unsubs = append(sc.unsubs, u)
	}
}

func (sc *scope) after(d time.Duration, fn func()) {
	sc.timers = append(sc.timers, time.AfterFunc(d, fn))
}

func (sc *scope) cancel() {
	for _, t := range sc.timers {
		t.Stop()
	}
	for _, u := range sc.unsubs {
		u()
	}
	sc.unsubs, sc.timers = nil, nil
}
