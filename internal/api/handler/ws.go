package handler

import (
	"net/http"
	"strings"

	"pairchat/backend/internal/chathub"
	"pairchat/backend/internal/models"
	"pairchat/backend/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	maxNicknameLen = 32
	maxInterests   = 10
	maxInterestLen = 32
	bearerPrefix   = "Bearer "
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Дозволяє з'єднання з будь-якого домену. У продакшені налаштувати!
	CheckOrigin: func(r *http.Request) bool { return true },
}

// identity works out who is connecting: a ticket from /anonid (query
// "token" or a bearer header) or a raw self-chosen "id".
func (h *Handler) identity(c *gin.Context) (string, bool) {
	token := c.Query("token")
	if auth := c.GetHeader("Authorization"); token == "" && strings.HasPrefix(auth, bearerPrefix) {
		token = auth[len(bearerPrefix):]
	}
	if token != "" {
		id, err := parseAnonID(h.secret, token)
		if err != nil {
			h.log.WithError(err).Debug("rejected token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token or expired"})
			return "", false
		}
		return id, true
	}

	id := strings.TrimSpace(c.Query("id"))
	if id == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "id or token is required"})
		return "", false
	}
	if store.ValidatePath(store.UserPath(id)) != nil || strings.ContainsAny(id, "/.#$[]") {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return "", false
	}
	return id, true
}

// publicInfo reads nickname and comma-separated interests from the query.
func publicInfo(c *gin.Context, id string) models.PublicInfo {
	nick := strings.TrimSpace(c.Query("nickname"))
	if nick == "" {
		nick = "anon-" + id[:min(len(id), 6)]
	}
	if r := []rune(nick); len(r) > maxNicknameLen {
		nick = string(r[:maxNicknameLen])
	}

	var interests []string
	for _, s := range strings.Split(c.Query("interests"), ",") {
		s = strings.TrimSpace(s)
		if s == "" || len(s) > maxInterestLen {
			continue
		}
		interests = append(interests, s)
		if len(interests) == maxInterests {
			break
		}
	}
	return models.PublicInfo{Nickname: nick, Interests: models.NormalizeInterests(interests)}
}

// ServeWebSocket оновлює HTTP-з'єднання до WebSocket
func (h *Handler) ServeWebSocket(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}
	info := publicInfo(c, id)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	client := chathub.NewWebSocketClient(conn, h.Hub, id, h.log)
	session, err := h.Hub.NewSession(c.Request.Context(), id, info, client, client, client)
	if err != nil {
		h.log.WithError(err).WithField("user_id", id).Error("failed to open session")
		_ = conn.WriteJSON(models.Frame{Type: models.FrameError, Error: "session unavailable"})
		_ = conn.Close()
		return
	}
	client.Attach(session)

	// Реєстрація клієнта в Chat Hub; Run запускає pumps.
	h.Hub.RegisterCh <- client
}
