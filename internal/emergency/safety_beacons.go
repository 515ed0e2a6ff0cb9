package emergency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"hotmess-kernel/internal/aggregator"
	"hotmess-kernel/internal/models"
	"hotmess-kernel/internal/store"
)

const (
	DefaultSafetyTable   = "safety_alerts"
	DefaultContactsTable = "trusted_contacts"
)

// StoreSafetyBeacons writes incidents into the safety table the aggregator
// watches, so they appear in the beacon stream as SAFETY beacons.
type StoreSafetyBeacons struct {
	store store.Store
	table string
	now   func() time.Time
}

func NewStoreSafetyBeacons(st store.Store, table string) *StoreSafetyBeacons {
	if table == "" {
		table = DefaultSafetyTable
	}
	return &StoreSafetyBeacons{store: st, table: table, now: time.Now}
}

func (s *StoreSafetyBeacons) Raise(ctx context.Context, ev *models.EmergencyEvent) (string, error) {
	if ev.UserID == "" {
		return "", errors.New("safety beacon: incident has no user")
	}
	row := store.Row{
		"user_id":    ev.UserID,
		"event_id":   ev.ID,
		"source":     ev.Source,
		"active":     true,
		"status":     "active",
		"created_at": ev.TriggeredAt,
	}
	if ev.Location != nil {
		row["lat"] = ev.Location.Lat
		row["lng"] = ev.Location.Lng
	}

	inserted, err := s.store.Insert(ctx, s.table, row)
	if err != nil {
		return "", fmt.Errorf("safety beacon: insert: %w", err)
	}
	if inserted == nil {
		inserted = row
	}
	return aggregator.BeaconID(models.BeaconSafety, inserted)
}

// Move repositions the incident's active row. A row raised without a location
// enters the beacon stream on its first move.
func (s *StoreSafetyBeacons) Move(ctx context.Context, ev *models.EmergencyEvent, loc models.Coords) error {
	_, err := s.store.Update(ctx, s.table,
		[]store.Filter{
			store.Eq("user_id", ev.UserID),
			store.Eq("event_id", ev.ID),
			store.Eq("active", true),
		},
		store.Row{"lat": loc.Lat, "lng": loc.Lng})
	if err != nil {
		return fmt.Errorf("safety beacon: move: %w", err)
	}
	return nil
}

// Clear marks the incident's row inactive; the aggregator drops it on the update.
func (s *StoreSafetyBeacons) Clear(ctx context.Context, ev *models.EmergencyEvent) error {
	now := s.now().UTC()
	_, err := s.store.Update(ctx, s.table,
		[]store.Filter{
			store.Eq("user_id", ev.UserID),
			store.Eq("event_id", ev.ID),
		},
		store.Row{
			"active":      false,
			"status":      "resolved",
			"resolved_at": now,
			"expires_at":  now,
		})
	if err != nil {
		return fmt.Errorf("safety beacon: clear: %w", err)
	}
	return nil
}

// StoreContacts reads trusted contacts from the backing store.
type StoreContacts struct {
	store store.Store
	table string
}

func NewStoreContacts(st store.Store, table string) *StoreContacts {
	if table == "" {
		table = DefaultContactsTable
	}
	return &StoreContacts{store: st, table: table}
}

func (s *StoreContacts) TrustedContacts(ctx context.Context, userID string) ([]models.TrustedContact, error) {
	rows, err := s.store.Select(ctx, store.Query{
		Table:   s.table,
		Filters: []store.Filter{store.Eq("user_id", userID)},
		OrderBy: "created_at",
	})
	if err != nil {
		return nil, fmt.Errorf("trusted contacts: %w", err)
	}

	out := make([]models.TrustedContact, 0, len(rows))
	for _, r := range rows {
		c := models.TrustedContact{UserID: userID}
		c.ID, _ = r.String("id")
		c.Name, _ = r.String("name")
		c.Phone, _ = r.String("phone")
		c.Email, _ = r.String("email")
		c.Channel, _ = r.String("channel")
		out = append(out, c)
	}
	return out, nil
}
