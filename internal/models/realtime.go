package models

import "time"

// MatchRequest is written at requests/{target} by a searching user.
// Target is implied by the path and filled in after decoding.
type MatchRequest struct {
	Target    string     `json:"-"`
	From      string     `json:"from"`
	FromInfo  PublicInfo `json:"fromInfo"`
	RoomID    string     `json:"roomId"`
	CreatedAt time.Time  `json:"createdAt"`
}

// MatchResponse is written at responses/{requester} by the request's target.
type MatchResponse struct {
	Accepted      bool        `json:"accepted"`
	From          string      `json:"from"`
	RoomID        string      `json:"roomId"`
	ResponderInfo *PublicInfo `json:"responderInfo,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
}

// Frame is one JSON message on a client WebSocket, in either direction.
type Frame struct {
	Type string `json:"type"`

	// Inbound
	Text  string `json:"text,omitempty"`
	Error string `json:"error,omitempty"`

	// Outbound
	State       string      `json:"state,omitempty"`
	RoomID      string      `json:"room_id,omitempty"`
	Partner     string      `json:"partner,omitempty"`
	PartnerInfo *PublicInfo `json:"partner_info,omitempty"`
	Initiator   bool        `json:"initiator,omitempty"`
	From        string      `json:"from,omitempty"`
	FromInfo    *PublicInfo `json:"from_info,omitempty"`
	Messages    []Message   `json:"messages,omitempty"`
	Count       *int        `json:"count,omitempty"`
	Notice      string      `json:"notice,omitempty"`
}

// Inbound frame types.
const (
	FrameStart      = "start"
	FrameSkip       = "skip"
	FrameEnd        = "end"
	FrameAccept     = "accept"
	FrameDecline    = "decline"
	FrameSend       = "send"
	FrameMediaReady = "media_ready"
	FrameMediaError = "media_error"
)

// Outbound frame types.
const (
	FrameState           = "state"
	FramePrompt          = "prompt"
	FramePromptCancelled = "prompt_cancelled"
	FrameMessages        = "messages"
	FrameActiveCount     = "active_count"
	FrameNotice          = "notice"
	FrameSessionStarted  = "session_started"
	FrameSessionEnded    = "session_ended"
	FrameMediaRequest    = "media_request"
	FrameMediaRelease    = "media_release"
	FrameError           = "error"
)
