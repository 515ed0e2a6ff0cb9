package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// BeaconType kind of live entity surfaced on the globe.
type BeaconType uint8

const (
	BeaconSocial BeaconType = iota
	BeaconEvent
	BeaconRadio
	BeaconMarket
	BeaconSafety

	// NumBeaconTypes must stay last. Per-type rule tables are checked against it
	// at compile time, so adding a type without its rules does not build.
	NumBeaconTypes
)

// AllBeaconTypes in declaration order.
var AllBeaconTypes = [...]BeaconType{
	BeaconSocial,
	BeaconEvent,
	BeaconRadio,
	BeaconMarket,
	BeaconSafety,
}

var beaconTypeNames = [...]string{
	BeaconSocial: "SOCIAL",
	BeaconEvent:  "EVENT",
	BeaconRadio:  "RADIO",
	BeaconMarket: "MARKET",
	BeaconSafety: "SAFETY",
}

var beaconTypeTags = [...]string{
	BeaconSocial: "social",
	BeaconEvent:  "event",
	BeaconRadio:  "radio",
	BeaconMarket: "market",
	BeaconSafety: "safety",
}

// Compile-time: one entry per type in every table.
var (
	_ = [1]struct{}{}[int(NumBeaconTypes)-len(AllBeaconTypes)]
	_ = [1]struct{}{}[int(NumBeaconTypes)-len(beaconTypeNames)]
	_ = [1]struct{}{}[int(NumBeaconTypes)-len(beaconTypeTags)]
)

func (t BeaconType) String() string {
	if t < NumBeaconTypes {
		return beaconTypeNames[t]
	}
	return fmt.Sprintf("BeaconType(%d)", uint8(t))
}

// Tag is the lowercase prefix used in beacon ids ("social", "event", ...).
func (t BeaconType) Tag() string {
	if t < NumBeaconTypes {
		return beaconTypeTags[t]
	}
	return ""
}

// Valid reports whether t is a declared type.
func (t BeaconType) Valid() bool {
	return t < NumBeaconTypes
}

// ParseBeaconType parses the upper-case wire name.
func ParseBeaconType(s string) (BeaconType, error) {
	for i, name := range beaconTypeNames {
		if name == s {
			return BeaconType(i), nil
		}
	}
	return 0, fmt.Errorf("unknown beacon type %q", s)
}

func (t BeaconType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("unknown beacon type %d", uint8(t))
	}
	return []byte(t.String()), nil
}

func (t *BeaconType) UnmarshalText(b []byte) error {
	parsed, err := ParseBeaconType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Coords canonical coordinate pair.
type Coords struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the pair is inside WGS84 bounds.
func (c Coords) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

// Beacon normalized, ephemeral point of interest.
type Beacon struct {
	ID        string         `json:"id"`
	Type      BeaconType     `json:"type"`
	Lat       float64        `json:"lat"`
	Lng       float64        `json:"lng"`
	Intensity float64        `json:"intensity"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// Expired reports whether the beacon's expiry is strictly before now.
// Beacons without expiry never expire.
func (b Beacon) Expired(now time.Time) bool {
	return b.ExpiresAt != nil && b.ExpiresAt.Before(now)
}

// MarshalBeacons encodes a snapshot for caches and wire transport.
func MarshalBeacons(beacons []Beacon) ([]byte, error) {
	if beacons == nil {
		beacons = []Beacon{}
	}
	return json.Marshal(beacons)
}
