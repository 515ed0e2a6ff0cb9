package emergency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"hotmess-kernel/internal/models"
)

// Publisher is the subset of the MQTT client the broadcaster needs.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

const DefaultIncidentTopicPrefix = "incidents/"

// MQTTBroadcaster publishes live location to incidents/<event_id>/location.
// Messages are retained so late joiners see the last known position.
type MQTTBroadcaster struct {
	pub    Publisher
	prefix string
	qos    byte
	now    func() time.Time
}

func NewMQTTBroadcaster(pub Publisher, prefix string, qos byte) *MQTTBroadcaster {
	if prefix == "" {
		prefix = DefaultIncidentTopicPrefix
	}
	return &MQTTBroadcaster{pub: pub, prefix: prefix, qos: qos, now: time.Now}
}

type locationMessage struct {
	EventID string    `json:"event_id"`
	Lat     float64   `json:"lat"`
	Lng     float64   `json:"lng"`
	At      time.Time `json:"at"`
}

func (b *MQTTBroadcaster) BroadcastLocation(ctx context.Context, eventID string, c models.Coords) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(locationMessage{EventID: eventID, Lat: c.Lat, Lng: c.Lng, At: b.now().UTC()})
	if err != nil {
		return err
	}
	if err := b.pub.Publish(b.Topic(eventID), b.qos, true, payload); err != nil {
		return fmt.Errorf("broadcast location: %w", err)
	}
	return nil
}

func (b *MQTTBroadcaster) Topic(eventID string) string {
	return b.prefix + eventID + "/location"
}
