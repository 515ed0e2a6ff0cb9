package models

import "time"

// SystemState application gating lifecycle.
type SystemState string

const (
	StateAgeRequired        SystemState = "AGE_REQUIRED"
	StateConsentRequired    SystemState = "CONSENT_REQUIRED"
	StateOnboardingRequired SystemState = "ONBOARDING_REQUIRED"
	StateOSReady            SystemState = "OS_READY"
	StateEmergencyActive    SystemState = "EMERGENCY_ACTIVE"
	StateBlocked            SystemState = "BLOCKED"
)

// Valid reports whether s is a declared state.
func (s SystemState) Valid() bool {
	switch s {
	case StateAgeRequired, StateConsentRequired, StateOnboardingRequired,
		StateOSReady, StateEmergencyActive, StateBlocked:
		return true
	}
	return false
}

// IsGate reports whether s is one of the onboarding gates.
func (s SystemState) IsGate() bool {
	return s == StateAgeRequired || s == StateConsentRequired || s == StateOnboardingRequired
}

// SystemStateSnapshot what subscribers observe.
type SystemStateSnapshot struct {
	State         SystemState `json:"state"`
	PreviousState SystemState `json:"previous_state,omitempty"`
	BlockedReason string      `json:"blocked_reason,omitempty"`
	ChangedAt     time.Time   `json:"changed_at"`
}

// ProfileFlags the actor facts that decide which gate applies.
type ProfileFlags struct {
	AgeVerified        bool
	ConsentAccepted    bool
	OnboardingComplete bool
	Blocked            bool
	BlockedReason      string
}
