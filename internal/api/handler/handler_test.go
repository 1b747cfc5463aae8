package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pairchat/backend/internal/chathub"
	"pairchat/backend/internal/config"
	"pairchat/backend/internal/models"
	"pairchat/backend/internal/store/memstore"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func newTestRouter(t *testing.T, online OnlineCounter) (*gin.Engine, *Handler) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	m := config.DefaultMatching()
	m.HandshakeTimeout = 2 * time.Second
	m.RetryInterval = 50 * time.Millisecond
	hub := chathub.NewManagerService(memstore.NewServer().Connector(), nil, m, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)

	h := NewHandler(hub, testSecret, online, quietLogger())
	r := gin.New()
	h.Register(r)
	return r, h
}

func TestGetAnonID(t *testing.T) {
	r, _ := newTestRouter(t, nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/anonid", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Token  string `json:"token"`
		AnonID string `json:"anon_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.NotEmpty(t, body.AnonID)

	id, err := parseAnonID([]byte(testSecret), body.Token)
	require.NoError(t, err)
	assert.Equal(t, body.AnonID, id)

	_, err = parseAnonID([]byte("other-secret"), body.Token)
	assert.Error(t, err)
}

func TestParseAnonID_Expired(t *testing.T) {
	token, err := generateJWT([]byte(testSecret), "u1", time.Now().Add(-2*tokenTTL))
	require.NoError(t, err)
	_, err = parseAnonID([]byte(testSecret), token)
	assert.Error(t, err)
}

func TestGetStats(t *testing.T) {
	t.Run("with online counter", func(t *testing.T) {
		r, _ := newTestRouter(t, func(context.Context) (int64, error) { return 42, nil })
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stats", nil))
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"online":42,"local_clients":0}`, w.Body.String())
	})

	t.Run("counter failure", func(t *testing.T) {
		r, _ := newTestRouter(t, func(context.Context) (int64, error) { return 0, errors.New("redis down") })
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stats", nil))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})

	t.Run("local only", func(t *testing.T) {
		r, _ := newTestRouter(t, nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stats", nil))
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"online":0,"local_clients":0}`, w.Body.String())
	})
}

func TestServeWebSocket_RejectsBadIdentity(t *testing.T) {
	r, _ := newTestRouter(t, nil)

	tests := []struct {
		name   string
		target string
		header string
		want   int
	}{
		{name: "no identity", target: "/ws", want: http.StatusBadRequest},
		{name: "id with slash", target: "/ws?id=a/b", want: http.StatusBadRequest},
		{name: "garbage token", target: "/ws?token=nope", want: http.StatusUnauthorized},
		{name: "garbage bearer", target: "/ws", header: "Bearer nope", want: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestPublicInfo(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name          string
		target        string
		wantNickname  string
		wantInterests []string
	}{
		{"trimmed and normalized", "/ws?nickname=%20Neo%20&interests=Go,%20music,,go", "Neo", []string{"go", "music"}},
		{"default nickname", "/ws", "anon-user-1", nil},
		{"blank nickname", "/ws?nickname=%20%20&interests=chess", "anon-user-1", []string{"chess"}},
		{"long nickname cut", "/ws?nickname=" + strings.Repeat("x", maxNicknameLen+5), strings.Repeat("x", maxNicknameLen), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// gin кешує query, тому контекст щоразу новий
			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			c.Request = httptest.NewRequest(http.MethodGet, tt.target, nil)

			info := publicInfo(c, "user-123")
			assert.Equal(t, tt.wantNickname, info.Nickname)
			if tt.wantInterests == nil {
				assert.Empty(t, info.Interests)
			} else {
				assert.Equal(t, tt.wantInterests, info.Interests)
			}
		})
	}
}

type wsPeer struct {
	t    *testing.T
	conn *websocket.Conn
}

func dial(t *testing.T, srv *httptest.Server, query string) *wsPeer {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &wsPeer{t: t, conn: conn}
}

func (p *wsPeer) send(f models.Frame) {
	require.NoError(p.t, p.conn.WriteJSON(f))
}

// await reads frames until one of type typ arrives, answering media requests
// along the way.
func (p *wsPeer) await(typ string, match func(models.Frame) bool) models.Frame {
	p.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		require.NoError(p.t, p.conn.SetReadDeadline(deadline))
		var f models.Frame
		require.NoError(p.t, p.conn.ReadJSON(&f), "waiting for %s", typ)
		if f.Type == models.FrameMediaRequest && typ != models.FrameMediaRequest {
			p.send(models.Frame{Type: models.FrameMediaReady})
		}
		if f.Type == typ && (match == nil || match(f)) {
			return f
		}
	}
}

func TestServeWebSocket_MatchAndChat(t *testing.T) {
	r, h := newTestRouter(t, nil)
	srv := httptest.NewServer(r)
	defer srv.Close()

	b := dial(t, srv, "id=bob&nickname=Bob&interests=go")
	b.await(models.FrameState, nil)
	a := dial(t, srv, "id=alice&nickname=Alice")
	a.await(models.FrameState, nil)
	require.Eventually(t, func() bool { return h.Hub.LocalClients() == 2 }, 5*time.Second, 10*time.Millisecond)

	a.send(models.Frame{Type: models.FrameStart})
	a.await(models.FrameMediaRequest, nil)
	a.send(models.Frame{Type: models.FrameMediaReady})

	prompt := b.await(models.FramePrompt, nil)
	assert.Equal(t, "alice", prompt.From)
	require.NotNil(t, prompt.FromInfo)
	assert.Equal(t, "Alice", prompt.FromInfo.Nickname)
	b.send(models.Frame{Type: models.FrameAccept})

	startedB := b.await(models.FrameSessionStarted, nil)
	startedA := a.await(models.FrameSessionStarted, nil)
	assert.Equal(t, startedA.RoomID, startedB.RoomID)
	assert.True(t, startedA.Initiator)
	assert.False(t, startedB.Initiator)
	assert.Equal(t, "bob", startedA.Partner)

	a.send(models.Frame{Type: models.FrameSend, Text: "hello bob"})
	got := b.await(models.FrameMessages, func(f models.Frame) bool { return len(f.Messages) == 1 })
	assert.Equal(t, "hello bob", got.Messages[0].Text)
	assert.Equal(t, "alice", got.Messages[0].SenderID)

	b.send(models.Frame{Type: models.FrameEnd})
	ended := a.await(models.FrameSessionEnded, nil)
	assert.Equal(t, startedA.RoomID, ended.RoomID)
	a.await(models.FrameNotice, func(f models.Frame) bool { return f.Notice == string(chathub.NoticePartnerLeft) })
}

func TestServeWebSocket_UnknownFrame(t *testing.T) {
	r, _ := newTestRouter(t, nil)
	srv := httptest.NewServer(r)
	defer srv.Close()

	p := dial(t, srv, "id=carol")
	p.send(models.Frame{Type: "dance"})
	f := p.await(models.FrameError, nil)
	assert.Contains(t, f.Error, "dance")

	p.send(models.Frame{Type: models.FrameSend, Text: "anyone?"})
	f = p.await(models.FrameError, nil)
	assert.Equal(t, chathub.ErrNotInSession.Error(), f.Error)
}
