// Package telegram handles the integration with the Telegram Bot API.
// Every private chat drives its own chathub Session: commands start, skip and
// stop matchmaking, inline buttons answer prompts and plain text is relayed
// into the room.
package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"

	"pairchat/backend/internal/chathub"
	"pairchat/backend/internal/localization"
	"pairchat/backend/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"
)

const (
	callbackAccept  = "accept:"
	callbackDecline = "decline:"
	callbackLang    = "set_lang_"
)

// BotService is responsible for receiving Telegram updates and routing them
// to per-chat sessions.
type BotService struct {
	Bot       Sender
	Hub       *chathub.ManagerService
	Localizer *localization.Localizer
	log       *logrus.Entry

	// mu serializes client creation, one session per chat.
	mu sync.Mutex
}

// NewBotService creates a new BotService instance.
func NewBotService(bot Sender, hub *chathub.ManagerService, loc *localization.Localizer, logger *logrus.Entry) *BotService {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &BotService{
		Bot:       bot,
		Hub:       hub,
		Localizer: loc,
		log:       logger.WithField("component", "telegram"),
	}
}

// Run is the main loop for receiving Telegram updates. It returns when ctx is
// done or the channel closes.
func (s *BotService) Run(ctx context.Context, updates <-chan tgbotapi.Update) {
	s.log.Info("telegram bot started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info("telegram bot stopped")
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			s.HandleUpdate(ctx, update)
		}
	}
}

// HandleUpdate routes one update.
func (s *BotService) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.Message != nil:
		s.handleMessage(ctx, update.Message)
	case update.CallbackQuery != nil:
		s.handleCallbackQuery(ctx, update.CallbackQuery)
	}
}

// getOrCreateClient returns the chat's client, opening a Session for it on
// first contact.
func (s *BotService) getOrCreateClient(ctx context.Context, chatID int64, from *tgbotapi.User) (*Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	userID := UserIDFor(chatID)
	if existing, ok := s.Hub.Client(userID); ok {
		if c, ok := existing.(*Client); ok {
			return c, nil
		}
		s.log.WithField("user_id", userID).Warn("client is not a telegram client, replacing")
	}

	lang := localization.DefaultLanguage
	if from != nil && s.Localizer.Has(from.LanguageCode) {
		lang = from.LanguageCode
	}
	c := newClient(chatID, s.Bot, s.Localizer, lang, s.log)

	// Telegram has no camera path; the chat is text only.
	session, err := s.Hub.NewSession(ctx, userID, models.PublicInfo{Nickname: "anon"}, c, chathub.NoMedia{}, nil)
	if err != nil {
		return nil, err
	}
	c.session = session
	s.Hub.Register(c)
	return c, nil
}

func (s *BotService) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.Chat.Type != "" && msg.Chat.Type != "private" {
		return
	}
	c, err := s.getOrCreateClient(ctx, msg.Chat.ID, msg.From)
	if err != nil {
		s.log.WithError(err).WithField("chat_id", msg.Chat.ID).Error("failed to open session")
		return
	}

	if msg.IsCommand() {
		s.handleCommand(c, msg.Command())
		return
	}

	if msg.Text == "" {
		c.say("unsupported_message_type")
		return
	}
	if err := c.Session().Send(msg.Text); err != nil {
		if errors.Is(err, chathub.ErrNotInSession) {
			c.say("not_in_chat")
			return
		}
		s.log.WithError(err).WithField("chat_id", msg.Chat.ID).Warn("failed to relay message")
	}
}

func (s *BotService) handleCommand(c *Client, command string) {
	session := c.Session()
	switch command {
	case "start":
		switch session.State() {
		case chathub.Idle:
			session.Start()
		case chathub.InSession, chathub.Ending:
			// already paired
		default:
			c.say("searching", c.online.Load())
		}
	case "next":
		session.Skip()
	case "stop":
		switch session.State() {
		case chathub.InSession:
			c.say("chat_ended_self")
		case chathub.Searching, chathub.Requesting, chathub.AwaitingDecision:
			c.say("search_stopped")
		}
		session.End()
	case "help":
		c.say("welcome")
	case "language":
		s.sendLanguageKeyboard(c)
	default:
		c.say("unknown_command")
	}
}

// sendLanguageKeyboard sends a message with a keyboard to choose a language.
func (s *BotService) sendLanguageKeyboard(c *Client) {
	row := make([]tgbotapi.InlineKeyboardButton, 0, 2)
	for _, lang := range s.Localizer.Languages() {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(languageNames[lang], callbackLang+lang))
	}
	msg := tgbotapi.NewMessage(c.ChatID, c.text("choose_language"))
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(row)
	c.enqueue(msg)
}

var languageNames = map[string]string{
	"en": "English",
	"uk": "Українська",
}

func (s *BotService) handleCallbackQuery(ctx context.Context, cq *tgbotapi.CallbackQuery) {
	// Respond to the callback query to remove the "loading" state
	if _, err := s.Bot.Request(tgbotapi.NewCallback(cq.ID, "")); err != nil {
		s.log.WithError(err).Debug("failed to answer callback")
	}
	if cq.From == nil {
		return
	}

	c, err := s.getOrCreateClient(ctx, cq.From.ID, cq.From)
	if err != nil {
		s.log.WithError(err).WithField("chat_id", cq.From.ID).Error("failed to open session")
		return
	}

	switch data := cq.Data; {
	case strings.HasPrefix(data, callbackAccept):
		if s.answersPrompt(c, strings.TrimPrefix(data, callbackAccept)) {
			c.Session().Accept()
		}
	case strings.HasPrefix(data, callbackDecline):
		if s.answersPrompt(c, strings.TrimPrefix(data, callbackDecline)) {
			c.Session().Decline()
		}
	case strings.HasPrefix(data, callbackLang):
		lang := strings.TrimPrefix(data, callbackLang)
		if !s.Localizer.Has(lang) {
			return
		}
		c.SetLanguage(lang)
		c.say("language_changed")
	default:
		s.log.WithField("data", data).Debug("unknown callback")
	}
}

// answersPrompt reports whether a button pressed for roomID belongs to the
// prompt that is currently open. Buttons of older prompts stay clickable in
// the chat history.
func (s *BotService) answersPrompt(c *Client, roomID string) bool {
	if c.Session().State() == chathub.AwaitingDecision && roomID == c.promptRoom() {
		return true
	}
	c.say("request_expired")
	return false
}
