package aggregator

import (
	"time"

	"hotmess-kernel/internal/models"
	"hotmess-kernel/internal/store"
)

// Source describes one backing table feeding beacons of a single type.
type Source struct {
	Name  string
	Table string
	Type  models.BeaconType
	// Filters selects the rows that are live at now. Applied to the bulk load
	// query and, locally, to every changed row.
	Filters func(now time.Time) []store.Filter
	// ExpiryColumns are tried in order; the first timestamp found is the beacon expiry.
	ExpiryColumns []string
}

func (s Source) filters(now time.Time) []store.Filter {
	if s.Filters == nil {
		return nil
	}
	return s.Filters(now)
}

// Tables names the backing tables of the default sources.
type Tables struct {
	Presence string
	Events   string
	Market   string
	Safety   string
	Radio    string
}

// DefaultTables returns the conventional table names.
func DefaultTables() Tables {
	return Tables{
		Presence: "presence",
		Events:   "events",
		Market:   "market_listings",
		Safety:   "safety_alerts",
		Radio:    "radio_now_playing",
	}
}

// DefaultSources returns the presence, events, market and safety sources.
func DefaultSources(t Tables) []Source {
	return []Source{
		{
			Name:  "presence",
			Table: t.Presence,
			Type:  models.BeaconSocial,
			Filters: func(now time.Time) []store.Filter {
				return []store.Filter{store.Gt("expires_at", now)}
			},
			ExpiryColumns: []string{"expires_at"},
		},
		{
			Name:  "events",
			Table: t.Events,
			Type:  models.BeaconEvent,
			Filters: func(now time.Time) []store.Filter {
				return []store.Filter{store.Gt("ends_at", now)}
			},
			ExpiryColumns: []string{"expires_at", "ends_at"},
		},
		{
			Name:  "market",
			Table: t.Market,
			Type:  models.BeaconMarket,
			Filters: func(time.Time) []store.Filter {
				return []store.Filter{store.Eq("status", "active")}
			},
			ExpiryColumns: []string{"expires_at"},
		},
		{
			Name:  "safety",
			Table: t.Safety,
			Type:  models.BeaconSafety,
			Filters: func(time.Time) []store.Filter {
				return []store.Filter{store.Eq("active", true)}
			},
			ExpiryColumns: []string{"expires_at"},
		},
	}
}

// RadioSource is the optional now-playing source; it only ever yields one beacon.
func RadioSource(t Tables) Source {
	return Source{
		Name:          "radio",
		Table:         t.Radio,
		Type:          models.BeaconRadio,
		ExpiryColumns: []string{"ends_at"},
	}
}
