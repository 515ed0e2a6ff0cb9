package aggregator

import (
	"errors"
	"fmt"

	"hotmess-kernel/internal/models"
	"hotmess-kernel/internal/store"
)

// RadioKey is the natural key of the single radio beacon.
const RadioKey = "now_playing"

// ErrUnknownBeaconType a row was tagged with a type outside the enum. Such rows are
// rejected rather than given a made-up identity.
var ErrUnknownBeaconType = errors.New("unknown beacon type")

// naturalKey derives the per-type key from a row alone.
type naturalKey func(row store.Row) (string, bool)

func column(name string) naturalKey {
	return func(row store.Row) (string, bool) {
		v, ok := row.String(name)
		return v, ok && v != ""
	}
}

func singleton(key string) naturalKey {
	return func(store.Row) (string, bool) { return key, true }
}

// SOCIAL and SAFETY collapse per user; EVENT and MARKET are per row.
var naturalKeys = [...]naturalKey{
	models.BeaconSocial: column("user_id"),
	models.BeaconEvent:  column("id"),
	models.BeaconRadio:  singleton(RadioKey),
	models.BeaconMarket: column("id"),
	models.BeaconSafety: column("user_id"),
}

var _ = [1]struct{}{}[int(models.NumBeaconTypes)-len(naturalKeys)]

// BeaconID returns "<tag>:<natural key>" for a row of type t.
func BeaconID(t models.BeaconType, row store.Row) (string, error) {
	if !t.Valid() {
		return "", fmt.Errorf("%w: %d", ErrUnknownBeaconType, uint8(t))
	}
	key, ok := naturalKeys[t](row)
	if !ok {
		return "", fmt.Errorf("%s row has no natural key", t)
	}
	return t.Tag() + ":" + key, nil
}
