// Package intensity maps a beacon type and its raw row to a [0,1] intensity.
package intensity

import (
	"math"

	"hotmess-kernel/internal/models"
	"hotmess-kernel/internal/store"
)

const (
	SocialIntensity = 0.7
	MarketIntensity = 0.6
	SafetyIntensity = 1.0

	// Attendance at which an event saturates.
	EventRSVPSaturation = 50.0
	// Tempo at which the radio beacon saturates.
	RadioBPMSaturation = 140.0
)

type rule func(row store.Row) float64

func constant(v float64) rule {
	return func(store.Row) float64 { return v }
}

func ratio(column string, saturation float64) rule {
	return func(row store.Row) float64 {
		v, ok := row.Float(column)
		if !ok {
			return 0
		}
		return Clamp(v / saturation)
	}
}

var rules = [...]rule{
	models.BeaconSocial: constant(SocialIntensity),
	models.BeaconEvent:  ratio("rsvp_count", EventRSVPSaturation),
	models.BeaconRadio:  ratio("bpm", RadioBPMSaturation),
	models.BeaconMarket: constant(MarketIntensity),
	models.BeaconSafety: constant(SafetyIntensity),
}

var _ = [1]struct{}{}[int(models.NumBeaconTypes)-len(rules)]

// For returns the intensity of a row of type t. Unknown types score 0.
func For(t models.BeaconType, row store.Row) float64 {
	if !t.Valid() {
		return 0
	}
	return rules[t](row)
}

// Clamp bounds v to [0,1].
func Clamp(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
