package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"hotmess-kernel/internal/models"
)

// Publisher is the subset of the MQTT client used for push.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

const DefaultPushTopicPrefix = "contacts/"

// MQTTPush sends the alert to contacts/<contact_id>/alerts, where the
// contact's app is subscribed.
type MQTTPush struct {
	pub    Publisher
	prefix string
	qos    byte
}

func NewMQTTPush(pub Publisher, prefix string, qos byte) *MQTTPush {
	if prefix == "" {
		prefix = DefaultPushTopicPrefix
	}
	return &MQTTPush{pub: pub, prefix: prefix, qos: qos}
}

func (p *MQTTPush) Notify(ctx context.Context, contact models.TrustedContact, alert models.Alert) error {
	if contact.ID == "" {
		return ErrNoAddress
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("mqtt push: %w", err)
	}
	if err := p.pub.Publish(p.prefix+contact.ID+"/alerts", p.qos, false, payload); err != nil {
		return fmt.Errorf("mqtt push: %w", err)
	}
	return nil
}
