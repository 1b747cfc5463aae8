package chathub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"pairchat/backend/internal/models"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
	relayBuffer    = 16
)

// WebSocketClient is a browser connection. It is the Session's Listener,
// and it stands in for the browser's camera and peer transport: media is
// requested with a media_request frame and confirmed by media_ready.
type WebSocketClient struct {
	UserID string
	Conn   *websocket.Conn
	Hub    *ManagerService
	Send   chan models.Frame

	// relay hands chat lines to the session outside the read pump.
	relay chan string

	session *Session
	log     *logrus.Entry

	mediaMu   sync.Mutex
	mediaWait chan error

	done      chan struct{}
	closeOnce sync.Once
}

func NewWebSocketClient(conn *websocket.Conn, hub *ManagerService, userID string, logger *logrus.Entry) *WebSocketClient {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &WebSocketClient{
		UserID: userID,
		Conn:   conn,
		Hub:    hub,
		Send:   make(chan models.Frame, sendBuffer),
		relay:  make(chan string, relayBuffer),
		log:    logger.WithFields(logrus.Fields{"component": "ws_client", "user_id": userID}),
		done:   make(chan struct{}),
	}
}

// Attach binds the client to the session it drives.
func (c *WebSocketClient) Attach(s *Session) { c.session = s }

func (c *WebSocketClient) GetUserID() string { return c.UserID }
func (c *WebSocketClient) Session() *Session { return c.session }

// Run запускає 'pumps' для WebSocket
func (c *WebSocketClient) Run() {
	go c.writePump()
	go c.relayPump()
	go c.readPump()
}

// Close stops the pumps and closes the session, which withdraws presence.
func (c *WebSocketClient) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.session != nil {
			if err := c.session.Close(); err != nil {
				c.log.WithError(err).Warn("session close failed")
			}
		}
		_ = c.Conn.Close()
	})
}

func (c *WebSocketClient) push(f models.Frame) {
	select {
	case c.Send <- f:
	case <-c.done:
	default:
		c.log.WithField("type", f.Type).Warn("send buffer full, dropping frame")
	}
}

// --- Listener ---

func (c *WebSocketClient) OnState(t Transition) {
	f := models.Frame{Type: models.FrameState, State: t.To.String()}
	if t.Session != nil {
		f.RoomID = t.Session.RoomID
		f.Partner = t.Session.Partner
		info := t.Session.PartnerInfo
		f.PartnerInfo = &info
		f.Initiator = t.Session.Initiator
	}
	c.push(f)
}

func (c *WebSocketClient) OnPrompt(p Prompt) {
	info := p.FromInfo
	c.push(models.Frame{Type: models.FramePrompt, From: p.From, FromInfo: &info, RoomID: p.RoomID})
}

func (c *WebSocketClient) OnPromptCancelled(from string) {
	c.push(models.Frame{Type: models.FramePromptCancelled, From: from})
}

func (c *WebSocketClient) OnMessages(msgs []models.Message) {
	c.push(models.Frame{Type: models.FrameMessages, Messages: msgs})
}

func (c *WebSocketClient) OnActiveCount(n int) {
	c.push(models.Frame{Type: models.FrameActiveCount, Count: &n})
}

func (c *WebSocketClient) OnNotice(n Notice) {
	c.push(models.Frame{Type: models.FrameNotice, Notice: string(n)})
}

// --- Media ---

func (c *WebSocketClient) Acquire(ctx context.Context) error {
	wait := make(chan error, 1)
	c.mediaMu.Lock()
	c.mediaWait = wait
	c.mediaMu.Unlock()
	defer func() {
		c.mediaMu.Lock()
		if c.mediaWait == wait {
			c.mediaWait = nil
		}
		c.mediaMu.Unlock()
	}()

	c.push(models.Frame{Type: models.FrameMediaRequest})
	select {
	case err := <-wait:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrSessionClosed
	}
}

func (c *WebSocketClient) Release() {
	c.push(models.Frame{Type: models.FrameMediaRelease})
}

func (c *WebSocketClient) resolveMedia(err error) {
	c.mediaMu.Lock()
	wait := c.mediaWait
	c.mediaWait = nil
	c.mediaMu.Unlock()
	if wait == nil {
		c.log.Debug("media answer without a pending request")
		return
	}
	wait <- err
}

// --- Transport ---

// Begin tells the browser to start peer negotiation for the room.
func (c *WebSocketClient) Begin(_ context.Context, s SessionInfo) error {
	info := s.PartnerInfo
	c.push(models.Frame{
		Type:        models.FrameSessionStarted,
		RoomID:      s.RoomID,
		Partner:     s.Partner,
		PartnerInfo: &info,
		Initiator:   s.Initiator,
	})
	return nil
}

func (c *WebSocketClient) End(roomID string) {
	c.push(models.Frame{Type: models.FrameSessionEnded, RoomID: roomID})
}

// --- pumps ---

func (c *WebSocketClient) readPump() {
	defer func() {
		select {
		case c.Hub.UnregisterCh <- c:
		case <-c.done:
		}
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.WithError(err).Warn("error reading message")
			}
			return
		}

		var f models.Frame
		if err := json.Unmarshal(message, &f); err != nil {
			c.log.WithError(err).Debug("error decoding frame")
			c.push(models.Frame{Type: models.FrameError, Error: "malformed frame"})
			continue
		}
		c.handle(f)
	}
}

func (c *WebSocketClient) handle(f models.Frame) {
	switch f.Type {
	case models.FrameStart:
		c.session.Start()
	case models.FrameSkip:
		c.session.Skip()
	case models.FrameEnd:
		c.session.End()
	case models.FrameAccept:
		c.session.Accept()
	case models.FrameDecline:
		c.session.Decline()
	case models.FrameSend:
		select {
		case c.relay <- f.Text:
		case <-c.done:
		default:
			c.push(models.Frame{Type: models.FrameError, Error: "too many pending messages"})
		}
	case models.FrameMediaReady:
		c.resolveMedia(nil)
	case models.FrameMediaError:
		msg := f.Error
		if msg == "" {
			msg = "media error"
		}
		c.resolveMedia(errors.New(msg))
	default:
		c.push(models.Frame{Type: models.FrameError, Error: "unknown frame type " + f.Type})
	}
}

func (c *WebSocketClient) relayPump() {
	for {
		select {
		case text := <-c.relay:
			if err := c.session.Send(text); err != nil {
				c.push(models.Frame{Type: models.FrameError, Error: err.Error()})
			}
		case <-c.done:
			return
		}
	}
}

// writePump пише кадри з каналу Send у WebSocket і шле ping.
func (c *WebSocketClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Conn.Close()
	}()

	for {
		select {
		case f := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteJSON(f); err != nil {
				c.log.WithError(err).Debug("write failed")
				return
			}

		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
