package chathub

import (
	"context"
	"errors"
	"fmt"

	"pairchat/backend/internal/models"
)

// Client is any front end that drives a Session: a WebSocket connection, a
// Telegram chat. The manager handles them uniformly.
type Client interface {
	// GetUserID returns the id the client's Session publishes under.
	GetUserID() string
	// Session returns the state machine the client drives.
	Session() *Session
	// Run starts the client's pumps. It does not block.
	Run()
	// Close shuts the client down and closes its Session.
	Close()
}

// State is the local view of one client's matchmaking and session progress.
type State int32

const (
	Idle State = iota
	Searching
	Requesting
	AwaitingDecision
	InSession
	Ending
)

var stateNames = [...]string{"idle", "searching", "requesting", "awaiting_decision", "in_session", "ending"}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// SessionInfo describes a confirmed pairing. The requester is the initiator.
type SessionInfo struct {
	RoomID      string
	Partner     string
	PartnerInfo models.PublicInfo
	Initiator   bool
}

// Transition is one state change. Session is set while a room is attached.
type Transition struct {
	From    State
	To      State
	Session *SessionInfo
}

// Prompt asks the user to accept or decline an incoming request.
type Prompt struct {
	From     string
	FromInfo models.PublicInfo
	RoomID   string
}

// Notice is a user-facing event that is not a state change.
type Notice string

const (
	NoticePartnerLeft      Notice = "partner_left"
	NoticeMediaUnavailable Notice = "media_unavailable"
)

var (
	// ErrNotInSession is returned by Send outside of InSession.
	ErrNotInSession = errors.New("chathub: not in a session")
	// ErrMediaUnavailable wraps camera/microphone acquisition failures.
	ErrMediaUnavailable = errors.New("chathub: media unavailable")
	// ErrSessionClosed is returned once Close has been called.
	ErrSessionClosed = errors.New("chathub: session closed")
)

// Listener is the UI side of a Session. All calls for one Session arrive on
// the same goroutine, in order.
type Listener interface {
	OnState(t Transition)
	OnPrompt(p Prompt)
	OnPromptCancelled(from string)
	OnMessages(msgs []models.Message)
	OnActiveCount(n int)
	OnNotice(n Notice)
}

// Media is the local camera/microphone.
type Media interface {
	Acquire(ctx context.Context) error
	Release()
}

// Transport carries audio/video between confirmed partners. Begin is called
// on every entry into InSession, End when the session is torn down.
type Transport interface {
	Begin(ctx context.Context, s SessionInfo) error
	End(roomID string)
}

// NopListener ignores everything. Embed it to implement part of Listener.
type NopListener struct{}

func (NopListener) OnState(Transition)          {}
func (NopListener) OnPrompt(Prompt)             {}
func (NopListener) OnPromptCancelled(string)    {}
func (NopListener) OnMessages([]models.Message) {}
func (NopListener) OnActiveCount(int)           {}
func (NopListener) OnNotice(Notice)             {}

// NoMedia is for text-only front ends: acquisition always succeeds.
type NoMedia struct{}

func (NoMedia) Acquire(context.Context) error { return nil }
func (NoMedia) Release()                      {}

type noTransport struct{}

func (noTransport) Begin(context.Context, SessionInfo) error { return nil }
func (noTransport) End(string)                               {}
