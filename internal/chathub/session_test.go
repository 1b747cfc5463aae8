package chathub_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"pairchat/backend/internal/chathub"
	"pairchat/backend/internal/models"
	"pairchat/backend/internal/store"
	"pairchat/backend/internal/store/memstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSession_MatchAndChat(t *testing.T) {
	srv := memstore.NewServer()
	obs := newObserver(t, srv)
	b := newPeer(t, srv, "b", fastMatching(), autoAccept)
	a := newPeer(t, srv, "a", fastMatching())

	roomID := pair(t, a, b)

	assert.Equal(t, "b", a.l.current().Partner)
	assert.Equal(t, "a", b.l.current().Partner)
	assert.Equal(t, "nick-b", a.l.current().PartnerInfo.Nickname)
	assert.Equal(t, "nick-a", b.l.current().PartnerInfo.Nickname)

	begunA, _ := a.tr.snapshot()
	begunB, _ := b.tr.snapshot()
	require.Len(t, begunA, 1)
	require.Len(t, begunB, 1)
	assert.True(t, begunA[0].Initiator, "requester starts negotiation")
	assert.False(t, begunB[0].Initiator)

	room := obs.room(roomID)
	require.NotNil(t, room)
	assert.True(t, room.Active)
	assert.ElementsMatch(t, []string{"a", "b"}, room.Participants)
	for _, id := range []string{"a", "b"} {
		u := obs.user(id)
		require.NotNil(t, u)
		assert.Equal(t, models.StatusChatting, u.Status)
		assert.Equal(t, roomID, u.RoomID())
	}

	require.Eventually(t, func() bool {
		return !obs.exists(store.RequestPath("b")) && !obs.exists(store.ResponsePath("a"))
	}, waitFor, tick, "handshake paths are consumed")

	require.NoError(t, a.s.Send("hello"))
	require.NoError(t, b.s.Send("hi there"))
	require.NoError(t, a.s.Send("bye"))

	for _, p := range []*peer{a, b} {
		require.Eventually(t, func() bool { return len(p.l.lastMessages()) == 3 }, waitFor, tick)
		msgs := p.l.lastMessages()
		assert.Equal(t, "hello", msgs[0].Text)
		assert.Equal(t, "a", msgs[0].SenderID)
		assert.Equal(t, "hi there", msgs[1].Text)
		assert.Equal(t, "b", msgs[1].SenderID)
		assert.Equal(t, "bye", msgs[2].Text)
		assert.Equal(t, "a", msgs[2].SenderID)
	}
}

func TestSession_DeclineLeavesBothAvailable(t *testing.T) {
	srv := memstore.NewServer()
	obs := newObserver(t, srv)

	patient := fastMatching()
	patient.RetryInterval = 10 * time.Second
	b := newPeer(t, srv, "b", fastMatching(), autoDecline)
	a := newPeer(t, srv, "a", patient)

	a.s.Start()
	require.Eventually(t, func() bool { return b.l.promptCount() == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return a.l.saw(chathub.Requesting, chathub.Searching) }, waitFor, tick)
	require.Eventually(t, func() bool {
		return !obs.exists(store.RequestPath("b")) && !obs.exists(store.ResponsePath("a"))
	}, waitFor, tick)

	assert.Equal(t, chathub.Searching, a.s.State())
	assert.Equal(t, chathub.Idle, b.s.State())
	assert.Equal(t, models.StatusAvailable, obs.status("a"))
	assert.Equal(t, models.StatusAvailable, obs.status("b"))
}

func TestSession_RequestTimesOut(t *testing.T) {
	srv := memstore.NewServer()
	obs := newObserver(t, srv)

	requester := fastMatching()
	requester.RetryInterval = 10 * time.Second
	silent := fastMatching()
	silent.HandshakeTimeout = 10 * time.Second

	b := newPeer(t, srv, "b", silent)
	a := newPeer(t, srv, "a", requester)

	a.s.Start()
	require.Eventually(t, func() bool { return a.s.State() == chathub.Requesting }, waitFor, tick)
	started := time.Now()
	require.True(t, obs.exists(store.RequestPath("b")))

	require.Eventually(t, func() bool { return a.s.State() == chathub.Searching }, waitFor, tick)
	assert.Less(t, time.Since(started), time.Second, "requesting must not outlive the handshake bound")
	assert.True(t, a.l.saw(chathub.Requesting, chathub.Searching))

	require.Eventually(t, func() bool { return !obs.exists(store.RequestPath("b")) }, waitFor, tick)
	assert.Equal(t, models.StatusAvailable, obs.status("a"))

	require.Eventually(t, func() bool {
		return b.l.cancelledCount() == 1 && b.s.State() == chathub.Idle
	}, waitFor, tick, "the withdrawn request takes the prompt with it")
}

func TestSession_UnansweredPromptIsDeclined(t *testing.T) {
	srv := memstore.NewServer()
	obs := newObserver(t, srv)

	requester := fastMatching()
	requester.HandshakeTimeout = 10 * time.Second
	requester.RetryInterval = 10 * time.Second
	b := newPeer(t, srv, "b", fastMatching())
	a := newPeer(t, srv, "a", requester)

	a.s.Start()
	require.Eventually(t, func() bool { return b.s.State() == chathub.AwaitingDecision }, waitFor, tick)
	prompted := time.Now()

	require.Eventually(t, func() bool { return b.s.State() == chathub.Idle }, waitFor, tick)
	assert.Less(t, time.Since(prompted), time.Second)
	assert.Equal(t, 1, b.l.cancelledCount())

	require.Eventually(t, func() bool { return a.l.saw(chathub.Requesting, chathub.Searching) }, waitFor, tick)
	require.Eventually(t, func() bool { return obs.status("a") == models.StatusAvailable }, waitFor, tick)
	assert.Equal(t, models.StatusAvailable, obs.status("b"))
}

func TestSession_EndFromEitherSide(t *testing.T) {
	for _, tc := range []struct {
		name  string
		ender string
	}{
		{name: "requester ends", ender: "a"},
		{name: "target ends", ender: "b"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			srv := memstore.NewServer()
			obs := newObserver(t, srv)
			b := newPeer(t, srv, "b", fastMatching(), acceptOnce)
			a := newPeer(t, srv, "a", fastMatching())
			roomID := pair(t, a, b)

			ender, other := a, b
			if tc.ender == "b" {
				ender, other = b, a
			}
			ender.s.End()

			require.Eventually(t, func() bool {
				return ender.s.State() == chathub.Idle && other.s.State() == chathub.Idle
			}, waitFor, tick)
			require.Eventually(t, func() bool { return other.l.hasNotice(chathub.NoticePartnerLeft) }, waitFor, tick)
			assert.False(t, ender.l.hasNotice(chathub.NoticePartnerLeft))

			require.Eventually(t, func() bool {
				return obs.status("a") == models.StatusAvailable && obs.status("b") == models.StatusAvailable
			}, waitFor, tick)
			room := obs.room(roomID)
			require.NotNil(t, room)
			assert.False(t, room.Active)
			assert.NotNil(t, room.EndedAt)

			for _, p := range []*peer{a, b} {
				acquired, released := p.media.counts()
				assert.Equal(t, acquired, released, "media of %s released", p.id)
				_, ended := p.tr.snapshot()
				assert.Equal(t, []string{roomID}, ended)
			}
			assert.ErrorIs(t, a.s.Send("anyone?"), chathub.ErrNotInSession)
		})
	}
}

func TestSession_PartnerDisconnectEndsSession(t *testing.T) {
	srv := memstore.NewServer()
	obs := newObserver(t, srv)
	b := newPeer(t, srv, "b", fastMatching(), autoAccept)
	a := newPeer(t, srv, "a", fastMatching())
	roomID := pair(t, a, b)

	b.conn.Drop()

	require.Eventually(t, func() bool {
		return a.s.State() == chathub.Idle && a.l.hasNotice(chathub.NoticePartnerLeft)
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		r := obs.room(roomID)
		return r != nil && !r.Active
	}, waitFor, tick)
	assert.Equal(t, models.StatusAvailable, obs.status("a"))
}

func TestSession_SkipSearchesAgain(t *testing.T) {
	srv := memstore.NewServer()
	b := newPeer(t, srv, "b", fastMatching(), acceptOnce)
	a := newPeer(t, srv, "a", fastMatching())
	pair(t, a, b)

	a.s.Skip()

	require.Eventually(t, func() bool { return b.l.hasNotice(chathub.NoticePartnerLeft) }, waitFor, tick)
	require.Eventually(t, func() bool {
		return a.l.saw(chathub.Ending, chathub.Idle) && a.l.saw(chathub.Idle, chathub.Searching)
	}, waitFor, tick)
	assert.False(t, a.l.hasNotice(chathub.NoticePartnerLeft))
	assert.NotEqual(t, chathub.InSession, a.s.State())
}

func TestSession_CrossedRequests_LowerIDYields(t *testing.T) {
	ctx := context.Background()
	srv := memstore.NewServer()
	obs := newObserver(t, srv)

	m := fastMatching()
	m.HandshakeTimeout = 5 * time.Second
	a := newPeer(t, srv, "a", m)

	b := srv.Connect("b")
	defer b.Close()
	require.NoError(t, b.Write(ctx, store.UserPath("b"), models.NewUserRecord("b", models.PublicInfo{Nickname: "bee"}, time.Now())))

	a.s.Start()
	require.Eventually(t, func() bool { return a.s.State() == chathub.Requesting }, waitFor, tick)

	// b sends its own request to a before seeing a's.
	require.NoError(t, b.Update(ctx, store.UserPath("b"), map[string]any{"status": models.StatusRequesting, "currentRoomId": "room-b"}))
	require.NoError(t, b.Write(ctx, store.RequestPath("a"), models.MatchRequest{
		From: "b", FromInfo: models.PublicInfo{Nickname: "bee"}, RoomID: "room-b", CreatedAt: time.Now(),
	}))

	require.Eventually(t, func() bool { return a.s.State() == chathub.InSession }, waitFor, tick)
	cur := a.l.current()
	assert.Equal(t, "room-b", cur.RoomID)
	assert.Equal(t, "b", cur.Partner)
	assert.False(t, cur.Initiator)
	assert.Zero(t, a.l.promptCount(), "a crossed request is accepted without asking")

	assert.False(t, obs.exists(store.RequestPath("b")), "a withdrew its own request")
	resp := obs.response("b")
	require.NotNil(t, resp)
	assert.True(t, resp.Accepted)
	assert.Equal(t, "room-b", resp.RoomID)
	room := obs.room("room-b")
	require.NotNil(t, room)
	assert.True(t, room.Active)
	assert.Equal(t, models.StatusChatting, obs.status("b"))
}

func TestSession_CrossedRequests_HigherIDWaits(t *testing.T) {
	ctx := context.Background()
	srv := memstore.NewServer()
	obs := newObserver(t, srv)

	m := fastMatching()
	m.HandshakeTimeout = 5 * time.Second
	z := newPeer(t, srv, "z", m)

	b := srv.Connect("b")
	defer b.Close()
	require.NoError(t, b.Write(ctx, store.UserPath("b"), models.NewUserRecord("b", models.PublicInfo{Nickname: "bee"}, time.Now())))

	z.s.Start()
	require.Eventually(t, func() bool { return z.s.State() == chathub.Requesting }, waitFor, tick)

	require.NoError(t, b.Update(ctx, store.UserPath("b"), map[string]any{"status": models.StatusRequesting, "currentRoomId": "room-b"}))
	require.NoError(t, b.Write(ctx, store.RequestPath("z"), models.MatchRequest{From: "b", RoomID: "room-b", CreatedAt: time.Now()}))

	require.Eventually(t, func() bool { return !obs.exists(store.RequestPath("z")) }, waitFor, tick)
	assert.Equal(t, chathub.Requesting, z.s.State())
	assert.True(t, obs.exists(store.RequestPath("b")), "own request stays in place")
	assert.Nil(t, obs.response("b"), "the crossed request is dropped silently")
	assert.Nil(t, obs.room("room-b"))
}

func TestSession_BusyDeclinesThirdParty(t *testing.T) {
	ctx := context.Background()
	srv := memstore.NewServer()
	obs := newObserver(t, srv)
	b := newPeer(t, srv, "b", fastMatching(), autoAccept)
	a := newPeer(t, srv, "a", fastMatching())
	roomID := pair(t, a, b)

	c := srv.Connect("c")
	defer c.Close()
	rec := models.NewUserRecord("c", models.PublicInfo{Nickname: "sea"}, time.Now())
	rec.Status = models.StatusRequesting
	rc := "room-c"
	rec.CurrentRoomID = &rc
	require.NoError(t, c.Write(ctx, store.UserPath("c"), rec))
	require.NoError(t, c.Write(ctx, store.RequestPath("a"), models.MatchRequest{From: "c", RoomID: rc, CreatedAt: time.Now()}))

	require.Eventually(t, func() bool { return obs.response("c") != nil }, waitFor, tick)
	assert.False(t, obs.response("c").Accepted)
	assert.False(t, obs.exists(store.RequestPath("a")))
	assert.Equal(t, chathub.InSession, a.s.State())
	assert.Equal(t, roomID, a.l.current().RoomID)
}

func TestSession_MediaFailureOnStart(t *testing.T) {
	srv := memstore.NewServer()
	obs := newObserver(t, srv)
	newPeer(t, srv, "b", fastMatching(), autoAccept)
	a := newPeer(t, srv, "a", fastMatching(), withMediaError)

	a.s.Start()
	require.Eventually(t, func() bool { return a.l.hasNotice(chathub.NoticeMediaUnavailable) }, waitFor, tick)
	assert.Equal(t, chathub.Idle, a.s.State())
	assert.Equal(t, models.StatusAvailable, obs.status("a"))
	assert.False(t, obs.exists(store.RequestPath("b")))
}

func TestSession_MediaFailureOnAccept(t *testing.T) {
	srv := memstore.NewServer()
	obs := newObserver(t, srv)

	patient := fastMatching()
	patient.RetryInterval = 10 * time.Second
	b := newPeer(t, srv, "b", fastMatching(), autoAccept, withMediaError)
	a := newPeer(t, srv, "a", patient)

	a.s.Start()
	require.Eventually(t, func() bool { return b.l.hasNotice(chathub.NoticeMediaUnavailable) }, waitFor, tick)
	require.Eventually(t, func() bool { return a.l.saw(chathub.Requesting, chathub.Searching) }, waitFor, tick)
	assert.Equal(t, chathub.Idle, b.s.State())
	assert.Equal(t, models.StatusAvailable, obs.status("b"))
	require.Eventually(t, func() bool { return obs.status("a") == models.StatusAvailable }, waitFor, tick)
}

func TestSession_StaleAcceptedResponseClosesRoom(t *testing.T) {
	ctx := context.Background()
	srv := memstore.NewServer()
	obs := newObserver(t, srv)
	a := newPeer(t, srv, "a", fastMatching())

	x := srv.Connect("x")
	defer x.Close()
	require.NoError(t, x.Write(ctx, store.RoomPath("r1"), models.Room{ID: "r1", Participants: []string{"a", "x"}, Active: true, StartedAt: time.Now()}))
	require.NoError(t, x.Write(ctx, store.ResponsePath("a"), models.MatchResponse{Accepted: true, From: "x", RoomID: "r1", CreatedAt: time.Now()}))

	require.Eventually(t, func() bool {
		r := obs.room("r1")
		return r != nil && !r.Active && !obs.exists(store.ResponsePath("a"))
	}, waitFor, tick)
	assert.Equal(t, chathub.Idle, a.s.State())
	assert.Equal(t, models.StatusAvailable, obs.status("a"))
}

func TestSession_ReconnectRepublishesPresence(t *testing.T) {
	srv := memstore.NewServer()
	obs := newObserver(t, srv)
	a := newPeer(t, srv, "a", fastMatching())

	require.Eventually(t, func() bool { return obs.user("a") != nil }, waitFor, tick)
	a.conn.Drop()
	require.Eventually(t, func() bool { return obs.user("a") == nil }, waitFor, tick)

	a.conn.Reconnect()
	require.Eventually(t, func() bool {
		u := obs.user("a")
		return u != nil && u.Online && u.Status == models.StatusAvailable
	}, waitFor, tick)

	// The hook is armed again: a second drop removes the record too.
	a.conn.Drop()
	require.Eventually(t, func() bool { return obs.user("a") == nil }, waitFor, tick)
}

func TestSession_CloseWithdrawsPresence(t *testing.T) {
	srv := memstore.NewServer()
	obs := newObserver(t, srv)
	b := newPeer(t, srv, "b", fastMatching(), autoAccept)
	a := newPeer(t, srv, "a", fastMatching())
	pair(t, a, b)

	require.NoError(t, a.s.Close())
	assert.Nil(t, obs.user("a"))
	require.Eventually(t, func() bool {
		return b.s.State() == chathub.Idle && b.l.hasNotice(chathub.NoticePartnerLeft)
	}, waitFor, tick)
	assert.ErrorIs(t, a.s.Send("hi"), chathub.ErrSessionClosed)
}

func TestSession_ActiveCount(t *testing.T) {
	srv := memstore.NewServer()
	a := newPeer(t, srv, "a", fastMatching())
	newPeer(t, srv, "b", fastMatching())
	c := newPeer(t, srv, "c", fastMatching())

	require.Eventually(t, func() bool { return a.l.activeCount() == 2 }, waitFor, tick)
	require.NoError(t, c.s.Close())
	require.Eventually(t, func() bool { return a.l.activeCount() == 1 }, waitFor, tick)
}

func TestSession_SendOutsideSession(t *testing.T) {
	srv := memstore.NewServer()
	a := newPeer(t, srv, "a", fastMatching())
	assert.ErrorIs(t, a.s.Send("hello?"), chathub.ErrNotInSession)
}

// Both users search at the same moment with nobody else around: they must
// end up together in exactly one active room.
func TestSession_SimultaneousSearchPairsOnce(t *testing.T) {
	for i := range 10 {
		t.Run(fmt.Sprintf("run-%d", i), func(t *testing.T) {
			srv := memstore.NewServer()
			obs := newObserver(t, srv)
			a := newPeer(t, srv, "u1", fastMatching(), autoAccept)
			b := newPeer(t, srv, "u2", fastMatching(), autoAccept)

			a.s.Start()
			b.s.Start()

			require.Eventually(t, func() bool {
				if a.s.State() != chathub.InSession || b.s.State() != chathub.InSession {
					return false
				}
				ra, rb := a.l.current(), b.l.current()
				return ra != nil && rb != nil && ra.RoomID == rb.RoomID
			}, waitFor, tick)

			require.Eventually(t, func() bool {
				active := 0
				for _, key := range obs.read(store.RoomsRoot).ChildKeys() {
					if r := obs.room(key); r != nil && r.Active {
						active++
					}
				}
				return active == 1
			}, waitFor, tick)
		})
	}
}
