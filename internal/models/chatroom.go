package models

import (
	"slices"
	"time"

	"github.com/lib/pq"
)

// Room is the store record of a confirmed pairing, kept at rooms/{id}.
// Messages live under rooms/{id}/messages and are not part of this value.
type Room struct {
	ID           string     `json:"id"`
	Participants []string   `json:"participants"`
	Active       bool       `json:"active"`
	StartedAt    time.Time  `json:"startedAt"`
	EndedAt      *time.Time `json:"endedAt,omitempty"`
}

// Has reports whether userID is one of the room's participants.
func (r Room) Has(userID string) bool {
	return slices.Contains(r.Participants, userID)
}

// PartnerOf returns the other participant, or "" if userID is not in the room.
func (r Room) PartnerOf(userID string) string {
	if !r.Has(userID) {
		return ""
	}
	for _, p := range r.Participants {
		if p != userID {
			return p
		}
	}
	return ""
}

// Message is one chat line. It is immutable once written.
type Message struct {
	ID        string    `json:"id"`
	SenderID  string    `json:"senderId"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// ChatRoom is the audit row kept in PostgreSQL for every session.
// It records who talked and for how long, never what was said.
type ChatRoom struct {
	// RoomID is the unique identifier for the chat room (UUID).
	RoomID  string `gorm:"primaryKey"`
	User1ID string `gorm:"index"`
	User2ID string `gorm:"index"`
	// SharedInterests are the interests both participants had when the room opened.
	SharedInterests pq.StringArray `gorm:"type:text[]"`
	IsActive        bool           `gorm:"index"`
	StartedAt       time.Time
	EndedAt         *time.Time
	// EndReason is why the room was closed (e.g. "ended", "partner_gone", "gc").
	EndReason string
}
