package telegram

import (
	"strconv"
	"sync"
	"sync/atomic"

	"pairchat/backend/internal/chathub"
	"pairchat/backend/internal/localization"
	"pairchat/backend/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"
)

const outboxSize = 32

// Sender is the part of the Bot API the front end needs.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// UserIDFor maps a Telegram chat to the id its Session publishes under.
func UserIDFor(chatID int64) string {
	return "tg-" + strconv.FormatInt(chatID, 10)
}

// Client реалізує інтерфейс chathub.Client для одного Telegram-чату.
// It is also the Session's Listener: state changes become bot messages.
type Client struct {
	ChatID int64
	UserID string

	bot     Sender
	loc     *localization.Localizer
	session *chathub.Session
	log     *logrus.Entry

	lang    atomic.Value // string
	prompt  atomic.Value // string, room id of the open prompt
	online  atomic.Int64
	relayed int // messages of the current room already handled, listener goroutine only

	out       chan tgbotapi.Chattable
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(chatID int64, bot Sender, loc *localization.Localizer, lang string, logger *logrus.Entry) *Client {
	c := &Client{
		ChatID: chatID,
		UserID: UserIDFor(chatID),
		bot:    bot,
		loc:    loc,
		log:    logger.WithFields(logrus.Fields{"component": "tg_client", "chat_id": chatID}),
		out:    make(chan tgbotapi.Chattable, outboxSize),
		done:   make(chan struct{}),
	}
	c.lang.Store(lang)
	c.prompt.Store("")
	return c
}

func (c *Client) GetUserID() string         { return c.UserID }
func (c *Client) Session() *chathub.Session { return c.session }

// Language returns the chat's interface language.
func (c *Client) Language() string { return c.lang.Load().(string) }

// SetLanguage switches the interface language.
func (c *Client) SetLanguage(lang string) { c.lang.Store(lang) }

// promptRoom returns the room id of the prompt the buttons must answer.
func (c *Client) promptRoom() string { return c.prompt.Load().(string) }

// Run запускає 'write pump'. 'Read pump' обробляється централізовано.
func (c *Client) Run() {
	go c.writePump()
}

// Close stops the write pump and closes the session.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.session != nil {
			if err := c.session.Close(); err != nil {
				c.log.WithError(err).Warn("session close failed")
			}
		}
	})
}

func (c *Client) text(key string, args ...any) string {
	if len(args) == 0 {
		return c.loc.GetString(c.Language(), key)
	}
	return c.loc.Format(c.Language(), key, args...)
}

func (c *Client) say(key string, args ...any) {
	c.enqueue(tgbotapi.NewMessage(c.ChatID, c.text(key, args...)))
}

func (c *Client) enqueue(msg tgbotapi.Chattable) {
	select {
	case c.out <- msg:
	case <-c.done:
	default:
		c.log.Warn("outbox full, dropping message")
	}
}

// writePump слухає канал out і надсилає повідомлення в Telegram
func (c *Client) writePump() {
	defer c.log.Debug("write pump stopped")
	for {
		select {
		case msg := <-c.out:
			if _, err := c.bot.Send(msg); err != nil {
				c.log.WithError(err).Warn("failed to send telegram message")
			}
		case <-c.done:
			return
		}
	}
}

// --- chathub.Listener ---

func (c *Client) OnState(t chathub.Transition) {
	switch t.To {
	case chathub.Searching:
		if t.From == chathub.Idle {
			c.say("searching", c.online.Load())
		}
	case chathub.InSession:
		c.relayed = 0
		nick := "anon"
		if t.Session != nil && t.Session.PartnerInfo.Nickname != "" {
			nick = t.Session.PartnerInfo.Nickname
		}
		c.say("match_found", nick)
	}
}

func (c *Client) OnPrompt(p chathub.Prompt) {
	nick := p.FromInfo.Nickname
	if nick == "" {
		nick = "anon"
	}
	c.prompt.Store(p.RoomID)
	msg := tgbotapi.NewMessage(c.ChatID, c.text("incoming_request", nick))
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(c.text("btn_accept"), callbackAccept+p.RoomID),
			tgbotapi.NewInlineKeyboardButtonData(c.text("btn_decline"), callbackDecline+p.RoomID),
		),
	)
	c.enqueue(msg)
}

func (c *Client) OnPromptCancelled(string) {
	c.prompt.Store("")
	c.say("request_expired")
}

// OnMessages relays the partner's new lines. The list always holds the whole
// room history, so only the tail past relayed is new.
func (c *Client) OnMessages(msgs []models.Message) {
	if len(msgs) < c.relayed {
		c.relayed = 0
	}
	for _, m := range msgs[c.relayed:] {
		if m.SenderID != c.UserID {
			c.enqueue(tgbotapi.NewMessage(c.ChatID, m.Text))
		}
	}
	c.relayed = len(msgs)
}

func (c *Client) OnActiveCount(n int) {
	c.online.Store(int64(n))
}

func (c *Client) OnNotice(n chathub.Notice) {
	switch n {
	case chathub.NoticePartnerLeft:
		c.say("partner_left")
	case chathub.NoticeMediaUnavailable:
		c.say("media_unavailable")
	default:
		c.log.WithField("notice", n).Debug("unhandled notice")
	}
}
