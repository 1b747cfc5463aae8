package chathub_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"pairchat/backend/internal/chathub"
	"pairchat/backend/internal/config"
	"pairchat/backend/internal/models"
	"pairchat/backend/internal/store"
	"pairchat/backend/internal/store/memstore"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const waitFor = 3 * time.Second
const tick = 5 * time.Millisecond

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func fastMatching() config.Matching {
	return config.Matching{
		HandshakeTimeout: 300 * time.Millisecond,
		RetryInterval:    20 * time.Millisecond,
		MediaTimeout:     time.Second,
		StoreOpTimeout:   time.Second,
	}
}

// recListener records everything a Session tells its UI.
type recListener struct {
	mu        sync.Mutex
	states    []chathub.Transition
	prompts   []chathub.Prompt
	cancelled []string
	messages  [][]models.Message
	notices   []chathub.Notice
	count     int
	onPrompt  func(chathub.Prompt)
}

func (l *recListener) OnState(t chathub.Transition) {
	l.mu.Lock()
	l.states = append(l.states, t)
	l.mu.Unlock()
}

func (l *recListener) OnPrompt(p chathub.Prompt) {
	l.mu.Lock()
	l.prompts = append(l.prompts, p)
	fn := l.onPrompt
	l.mu.Unlock()
	if fn != nil {
		go fn(p)
	}
}

func (l *recListener) OnPromptCancelled(from string) {
	l.mu.Lock()
	l.cancelled = append(l.cancelled, from)
	l.mu.Unlock()
}

func (l *recListener) OnMessages(msgs []models.Message) {
	l.mu.Lock()
	l.messages = append(l.messages, msgs)
	l.mu.Unlock()
}

func (l *recListener) OnActiveCount(n int) {
	l.mu.Lock()
	l.count = n
	l.mu.Unlock()
}

func (l *recListener) OnNotice(n chathub.Notice) {
	l.mu.Lock()
	l.notices = append(l.notices, n)
	l.mu.Unlock()
}

func (l *recListener) promptCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.prompts)
}

func (l *recListener) cancelledCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.cancelled)
}

func (l *recListener) activeCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

func (l *recListener) hasNotice(n chathub.Notice) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, got := range l.notices {
		if got == n {
			return true
		}
	}
	return false
}

func (l *recListener) saw(from, to chathub.State) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range l.states {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

// current returns the session of the latest transition into InSession.
func (l *recListener) current() *chathub.SessionInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.states) - 1; i >= 0; i-- {
		if l.states[i].To == chathub.InSession {
			return l.states[i].Session
		}
	}
	return nil
}

func (l *recListener) lastMessages() []models.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.messages) == 0 {
		return nil
	}
	return l.messages[len(l.messages)-1]
}

type fakeMedia struct {
	mu       sync.Mutex
	err      error
	acquired int
	released int
}

func (m *fakeMedia) Acquire(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.acquired++
	return nil
}

func (m *fakeMedia) Release() {
	m.mu.Lock()
	m.released++
	m.mu.Unlock()
}

func (m *fakeMedia) counts() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquired, m.released
}

type fakeTransport struct {
	mu    sync.Mutex
	begun []chathub.SessionInfo
	ended []string
}

func (f *fakeTransport) Begin(_ context.Context, s chathub.SessionInfo) error {
	f.mu.Lock()
	f.begun = append(f.begun, s)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) End(roomID string) {
	f.mu.Lock()
	f.ended = append(f.ended, roomID)
	f.mu.Unlock()
}

func (f *fakeTransport) snapshot() ([]chathub.SessionInfo, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]chathub.SessionInfo(nil), f.begun...), append([]string(nil), f.ended...)
}

type peer struct {
	id    string
	conn  *memstore.Conn
	s     *chathub.Session
	l     *recListener
	media *fakeMedia
	tr    *fakeTransport
}

type peerOption func(*peer)

func autoAccept(p *peer) {
	p.l.onPrompt = func(chathub.Prompt) { p.s.Accept() }
}

func autoDecline(p *peer) {
	p.l.onPrompt = func(chathub.Prompt) { p.s.Decline() }
}

func acceptOnce(p *peer) {
	var once sync.Once
	p.l.onPrompt = func(chathub.Prompt) { once.Do(p.s.Accept) }
}

func withMediaError(p *peer) {
	p.media.err = errors.New("camera blocked")
}

func newPeer(t *testing.T, srv *memstore.Server, id string, m config.Matching, opts ...peerOption) *peer {
	t.Helper()
	p := &peer{id: id, conn: srv.Connect(id), l: &recListener{}, media: &fakeMedia{}, tr: &fakeTransport{}}
	for _, o := range opts {
		o(p)
	}
	p.s = chathub.NewSession(id, models.PublicInfo{Nickname: "nick-" + id, Interests: []string{"Go", "music"}}, chathub.SessionDeps{
		Store:     p.conn,
		Listener:  p.l,
		Media:     p.media,
		Transport: p.tr,
		Matching:  m,
		Logger:    quietLogger(),
	})
	require.NoError(t, p.s.Open(context.Background()))
	t.Cleanup(func() { _ = p.s.Close() })
	return p
}

// pair starts a and lets b accept, returning once both are in the same room.
func pair(t *testing.T, a, b *peer) string {
	t.Helper()
	a.s.Start()
	require.Eventually(t, func() bool {
		return a.s.State() == chathub.InSession && b.s.State() == chathub.InSession
	}, waitFor, tick)
	ra, rb := a.l.current(), b.l.current()
	require.NotNil(t, ra)
	require.NotNil(t, rb)
	require.Equal(t, ra.RoomID, rb.RoomID)
	return ra.RoomID
}

// observer reads the shared tree without taking part.
type observer struct {
	t    *testing.T
	conn *memstore.Conn
}

func newObserver(t *testing.T, srv *memstore.Server) *observer {
	c := srv.Connect("observer-" + t.Name())
	t.Cleanup(func() { _ = c.Close() })
	return &observer{t: t, conn: c}
}

func (o *observer) read(path string) store.Snapshot {
	snap, err := o.conn.ReadOnce(context.Background(), path)
	require.NoError(o.t, err)
	return snap
}

func (o *observer) exists(path string) bool { return o.read(path).Value != nil }

func (o *observer) user(id string) *models.UserRecord {
	var u models.UserRecord
	if err := o.read(store.UserPath(id)).Decode(&u); err != nil {
		return nil
	}
	return &u
}

func (o *observer) room(id string) *models.Room {
	var r models.Room
	if err := o.read(store.RoomPath(id)).Decode(&r); err != nil {
		return nil
	}
	return &r
}

func (o *observer) response(requester string) *models.MatchResponse {
	var r models.MatchResponse
	if err := o.read(store.ResponsePath(requester)).Decode(&r); err != nil {
		return nil
	}
	return &r
}

func (o *observer) status(id string) models.Status {
	if u := o.user(id); u != nil {
		return u.Status
	}
	return ""
}

type mockSessionLog struct {
	mock.Mock
}

func (m *mockSessionLog) SaveRoom(ctx context.Context, room *models.ChatRoom) error {
	args := m.Called(ctx, room)
	return args.Error(0)
}

func (m *mockSessionLog) CloseRoom(ctx context.Context, roomID, reason string, endedAt time.Time) error {
	args := m.Called(ctx, roomID, reason, endedAt)
	return args.Error(0)
}
