package models

import (
	"slices"
	"strings"
	"time"
)

// Status is the availability a user advertises in the presence registry.
type Status string

const (
	StatusAvailable  Status = "available"
	StatusRequesting Status = "requesting"
	StatusChatting   Status = "chatting"
)

// PublicInfo is the part of a user record that is shown to a prospective partner.
type PublicInfo struct {
	Nickname  string   `json:"nickname"`
	Interests []string `json:"interests,omitempty"`
}

// UserRecord is published at users/{id} while the user's client is connected.
// The owner writes it; the peer it is transacting with may update Status and
// CurrentRoomID.
type UserRecord struct {
	ID            string    `json:"id"`
	Nickname      string    `json:"nickname"`
	Interests     []string  `json:"interests,omitempty"`
	Online        bool      `json:"online"`
	Status        Status    `json:"status"`
	CurrentRoomID *string   `json:"currentRoomId"`
	LastSeen      time.Time `json:"lastSeen"`
}

// NewUserRecord builds an online, available record for id.
func NewUserRecord(id string, info PublicInfo, now time.Time) UserRecord {
	return UserRecord{
		ID:        id,
		Nickname:  info.Nickname,
		Interests: NormalizeInterests(info.Interests),
		Online:    true,
		Status:    StatusAvailable,
		LastSeen:  now,
	}
}

// Info returns the public part of the record.
func (u UserRecord) Info() PublicInfo {
	return PublicInfo{Nickname: u.Nickname, Interests: u.Interests}
}

// RoomID returns the current room or "" when there is none.
func (u UserRecord) RoomID() string {
	if u.CurrentRoomID == nil {
		return ""
	}
	return *u.CurrentRoomID
}

// IsAvailable reports whether the user can be offered as a match candidate.
func (u UserRecord) IsAvailable() bool {
	return u.Online && u.Status == StatusAvailable
}

// NormalizeInterests lower-cases, trims, de-duplicates and sorts interests so
// that the slice behaves like a set.
func NormalizeInterests(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// SharedInterests returns the interests present in both sets.
func SharedInterests(a, b []string) []string {
	a, b = NormalizeInterests(a), NormalizeInterests(b)
	var shared []string
	for _, s := range a {
		if _, ok := slices.BinarySearch(b, s); ok {
			shared = append(shared, s)
		}
	}
	return shared
}
