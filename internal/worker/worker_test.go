package worker

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"pairchat/backend/internal/config"
	"pairchat/backend/internal/models"
	"pairchat/backend/internal/store"
	"pairchat/backend/internal/store/memstore"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

type mockReaper struct {
	mock.Mock
}

func (m *mockReaper) Reap(ctx context.Context, staleAfter time.Duration) (int, error) {
	args := m.Called(ctx, staleAfter)
	return args.Int(0), args.Error(1)
}

type mockAudit struct {
	mock.Mock
}

func (m *mockAudit) ActiveRoomsStartedBefore(ctx context.Context, cutoff time.Time) ([]models.ChatRoom, error) {
	args := m.Called(ctx, cutoff)
	rooms, _ := args.Get(0).([]models.ChatRoom)
	return rooms, args.Error(1)
}

func (m *mockAudit) CloseRoom(ctx context.Context, roomID, reason string, endedAt time.Time) error {
	args := m.Called(ctx, roomID, reason, endedAt)
	return args.Error(0)
}

func TestPresenceReapHandler(t *testing.T) {
	ctx := context.Background()

	t.Run("default window", func(t *testing.T) {
		r := new(mockReaper)
		r.On("Reap", mock.Anything, 20*time.Second).Return(2, nil).Once()
		h := NewPresenceReapHandler(r, 20*time.Second, quietLogger())

		require.NoError(t, h.ProcessTask(ctx, asynq.NewTask(TypePresenceReap, nil)))
		r.AssertExpectations(t)
	})

	t.Run("payload window", func(t *testing.T) {
		r := new(mockReaper)
		r.On("Reap", mock.Anything, 5*time.Second).Return(0, nil).Once()
		h := NewPresenceReapHandler(r, 20*time.Second, quietLogger())

		task, err := NewPresenceReapTask(5 * time.Second)
		require.NoError(t, err)
		require.NoError(t, h.ProcessTask(ctx, task))
		r.AssertExpectations(t)
	})

	t.Run("bad payload is not retried", func(t *testing.T) {
		r := new(mockReaper)
		h := NewPresenceReapHandler(r, 20*time.Second, quietLogger())

		err := h.ProcessTask(ctx, asynq.NewTask(TypePresenceReap, []byte("{")))
		assert.ErrorIs(t, err, asynq.SkipRetry)
		r.AssertNotCalled(t, "Reap", mock.Anything, mock.Anything)
	})

	t.Run("reaper error", func(t *testing.T) {
		r := new(mockReaper)
		boom := errors.New("redis down")
		r.On("Reap", mock.Anything, 20*time.Second).Return(0, boom).Once()
		h := NewPresenceReapHandler(r, 20*time.Second, quietLogger())

		assert.ErrorIs(t, h.ProcessTask(ctx, asynq.NewTask(TypePresenceReap, nil)), boom)
	})
}

var gcConfig = config.RoomGC{Retention: 10 * time.Minute, Grace: 2 * time.Minute}

type gcFixture struct {
	conn *memstore.Conn
	now  time.Time
}

func (f gcFixture) room(t *testing.T, id string, active bool, startedAgo, endedAgo time.Duration, participants ...string) {
	t.Helper()
	r := models.Room{ID: id, Participants: participants, Active: active, StartedAt: f.now.Add(-startedAgo)}
	if endedAgo > 0 {
		ended := f.now.Add(-endedAgo)
		r.EndedAt = &ended
	}
	ctx := context.Background()
	require.NoError(t, f.conn.Write(ctx, store.RoomPath(id), r))
	require.NoError(t, f.conn.Write(ctx, store.MessagePath(id, "m1"), models.Message{ID: "m1", SenderID: participants[0], Text: "hi"}))
}

func (f gcFixture) user(t *testing.T, id, roomID string) {
	t.Helper()
	rec := models.NewUserRecord(id, models.PublicInfo{Nickname: id}, f.now)
	if roomID != "" {
		rec.Status = models.StatusChatting
		rec.CurrentRoomID = &roomID
	}
	require.NoError(t, f.conn.Write(context.Background(), store.UserPath(id), rec))
}

func (f gcFixture) exists(t *testing.T, path string) bool {
	t.Helper()
	snap, err := f.conn.ReadOnce(context.Background(), path)
	require.NoError(t, err)
	return snap.Exists()
}

func newGC(t *testing.T, audit RoomAudit) (*RoomGC, gcFixture) {
	t.Helper()
	srv := memstore.NewServer()
	conn := srv.Connect("gc")
	t.Cleanup(func() { _ = conn.Close() })

	f := gcFixture{conn: conn, now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	gc := NewRoomGC(conn, audit, gcConfig, quietLogger())
	gc.now = func() time.Time { return f.now }
	return gc, f
}

func TestRoomGC_Collect(t *testing.T) {
	ctx := context.Background()
	audit := new(mockAudit)
	gc, f := newGC(t, audit)

	f.room(t, "expired", false, time.Hour, 30*time.Minute, "a", "b")
	f.room(t, "recently-closed", false, time.Hour, time.Minute, "a", "b")
	f.room(t, "live", true, time.Hour, 0, "c", "d")
	f.room(t, "abandoned", true, 5*time.Minute, 0, "c", "e")
	f.room(t, "fresh", true, 10*time.Second, 0, "f", "g")
	f.user(t, "c", "live")
	f.user(t, "e", "")

	cutoff := f.now.Add(-gcConfig.Grace)
	audit.On("CloseRoom", mock.Anything, "abandoned", ReasonGC, f.now).Return(nil).Once()
	audit.On("ActiveRoomsStartedBefore", mock.Anything, cutoff).Return([]models.ChatRoom{
		{RoomID: "live", IsActive: true},
		{RoomID: "abandoned", IsActive: true},
		{RoomID: "lost", IsActive: true},
	}, nil).Once()
	audit.On("CloseRoom", mock.Anything, "lost", ReasonGC, f.now).Return(nil).Once()

	res, err := gc.Collect(ctx)
	require.NoError(t, err)
	assert.Equal(t, GCResult{Expired: 1, Abandoned: 1, AuditClosed: 1}, res)

	assert.False(t, f.exists(t, store.RoomPath("expired")))
	assert.False(t, f.exists(t, store.MessagesPath("expired")), "messages go with the room")
	assert.False(t, f.exists(t, store.RoomPath("abandoned")))
	assert.True(t, f.exists(t, store.RoomPath("recently-closed")))
	assert.True(t, f.exists(t, store.RoomPath("live")))
	assert.True(t, f.exists(t, store.RoomPath("fresh")))
	audit.AssertExpectations(t)
}

func TestRoomGC_WithoutAudit(t *testing.T) {
	gc, f := newGC(t, nil)
	f.room(t, "abandoned", true, time.Hour, 0, "x", "y")

	res, err := gc.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Abandoned)
	assert.False(t, f.exists(t, store.RoomPath("abandoned")))
}

func TestRoomGC_AuditFailureKeepsGoing(t *testing.T) {
	audit := new(mockAudit)
	gc, f := newGC(t, audit)
	f.room(t, "abandoned", true, time.Hour, 0, "x", "y")

	audit.On("CloseRoom", mock.Anything, "abandoned", ReasonGC, mock.Anything).Return(errors.New("db down"))
	audit.On("ActiveRoomsStartedBefore", mock.Anything, mock.Anything).Return(nil, errors.New("db down"))

	res, err := gc.Collect(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 1, res.Abandoned)
	assert.False(t, f.exists(t, store.RoomPath("abandoned")))
}

func TestMuxRoutesTasks(t *testing.T) {
	ctx := context.Background()
	r := new(mockReaper)
	r.On("Reap", mock.Anything, time.Minute).Return(0, nil).Once()
	gc, _ := newGC(t, nil)

	mux := newMux(NewPresenceReapHandler(r, time.Minute, quietLogger()), gc)
	require.NoError(t, mux.ProcessTask(ctx, asynq.NewTask(TypePresenceReap, nil)))
	require.NoError(t, mux.ProcessTask(ctx, NewRoomGCTask()))
	assert.Error(t, mux.ProcessTask(ctx, asynq.NewTask("unknown:task", nil)))
	r.AssertExpectations(t)
}
