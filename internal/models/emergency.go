package models

import "time"

// EmergencyStatus position of an incident in the panic sequence.
type EmergencyStatus string

const (
	EmergencyTriggered        EmergencyStatus = "triggered"
	EmergencyAlertingContacts EmergencyStatus = "alerting_contacts"
	EmergencySharingLocation  EmergencyStatus = "sharing_location"
	EmergencyAdminNotified    EmergencyStatus = "admin_notified"
	EmergencyResolved         EmergencyStatus = "resolved"
)

// EmergencyEvent one active or archived incident.
type EmergencyEvent struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	Source          string          `json:"source"`
	TriggeredAt     time.Time       `json:"triggered_at"`
	Location        *Coords         `json:"location,omitempty"`
	Status          EmergencyStatus `json:"status"`
	ContactsAlerted []string        `json:"contacts_alerted"`
	AdminBeaconID   *string         `json:"admin_beacon_id,omitempty"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty"`
	ResolvedBy      string          `json:"resolved_by,omitempty"`
	Notes           string          `json:"notes,omitempty"`
}

// Clone deep-copies the event so snapshots handed to subscribers never alias live state.
func (e *EmergencyEvent) Clone() *EmergencyEvent {
	if e == nil {
		return nil
	}
	out := *e
	if e.Location != nil {
		loc := *e.Location
		out.Location = &loc
	}
	out.ContactsAlerted = append([]string(nil), e.ContactsAlerted...)
	if e.AdminBeaconID != nil {
		id := *e.AdminBeaconID
		out.AdminBeaconID = &id
	}
	if e.ResolvedAt != nil {
		t := *e.ResolvedAt
		out.ResolvedAt = &t
	}
	return &out
}

// TrustedContact someone to alert when the actor panics.
type TrustedContact struct {
	ID      string `json:"id"`
	UserID  string `json:"user_id"`
	Name    string `json:"name"`
	Phone   string `json:"phone,omitempty"`
	Email   string `json:"email,omitempty"`
	Channel string `json:"channel,omitempty"` // preferred channel; empty means any
}

// EmergencySnapshot what emergency subscribers observe.
type EmergencySnapshot struct {
	Active  *EmergencyEvent `json:"active,omitempty"`
	History int             `json:"history"`
}

// AlertKind what a contact notification is about.
type AlertKind string

const (
	AlertEmergency AlertKind = "emergency"
	AlertResolved  AlertKind = "resolved"
)

// Alert one message to one trusted contact. Channels render it as they see fit.
type Alert struct {
	Kind     AlertKind `json:"kind"`
	EventID  string    `json:"event_id"`
	UserID   string    `json:"user_id"`
	Message  string    `json:"message"`
	Location *Coords   `json:"location,omitempty"`
	SentAt   time.Time `json:"sent_at"`
}
