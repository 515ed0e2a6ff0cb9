package models

import (
	"fmt"
	"time"
)

// PresenceMode what the user is live for.
type PresenceMode string

const (
	PresenceSocial PresenceMode = "SOCIAL"
	PresenceEvent  PresenceMode = "EVENT"
	PresenceTravel PresenceMode = "TRAVEL"
)

// ParsePresenceMode validates a mode string.
func ParsePresenceMode(s string) (PresenceMode, error) {
	switch PresenceMode(s) {
	case PresenceSocial, PresenceEvent, PresenceTravel:
		return PresenceMode(s), nil
	}
	return "", fmt.Errorf("unknown presence mode %q", s)
}

// PresenceRow ground truth for "live now".
type PresenceRow struct {
	ID        string       `json:"id"`
	UserID    string       `json:"user_id"`
	Mode      PresenceMode `json:"mode"`
	Geo       *Coords      `json:"geo,omitempty"`
	ExpiresAt time.Time    `json:"expires_at"`
	CreatedAt time.Time    `json:"created_at"`
}

// Active reports whether the row is live at now.
func (p PresenceRow) Active(now time.Time) bool {
	return p.ExpiresAt.After(now)
}

// Actor the authenticated caller of a kernel operation.
type Actor struct {
	UserID string
}

// Authenticated reports whether the actor carries an identity.
func (a Actor) Authenticated() bool {
	return a.UserID != ""
}
