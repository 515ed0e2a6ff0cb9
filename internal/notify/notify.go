// Package notify delivers contact alerts. Channels are interchangeable; the
// Fallback notifier tries them in order until one accepts the alert.
package notify

import (
	"context"
	"errors"
	"fmt"

	"hotmess-kernel/internal/models"

	"go.uber.org/zap"
)

// ErrNoAddress the contact has no address for this channel.
var ErrNoAddress = errors.New("notify: contact has no address for channel")

// Notifier delivers one alert to one contact.
type Notifier interface {
	Notify(ctx context.Context, contact models.TrustedContact, alert models.Alert) error
}

// Channel a named Notifier.
type Channel struct {
	Name     string
	Notifier Notifier
}

// Fallback tries channels in order. A contact's preferred channel goes first.
type Fallback struct {
	channels []Channel
	logger   *zap.Logger
}

func NewFallback(logger *zap.Logger, channels ...Channel) *Fallback {
	return &Fallback{channels: channels, logger: logger}
}

func (f *Fallback) Notify(ctx context.Context, contact models.TrustedContact, alert models.Alert) error {
	if len(f.channels) == 0 {
		return errors.New("notify: no channels configured")
	}

	var errs []error
	for _, ch := range f.ordered(contact.Channel) {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		err := ch.Notifier.Notify(ctx, contact, alert)
		if err == nil {
			f.logger.Debug("Contact notified",
				zap.String("contact_id", contact.ID),
				zap.String("channel", ch.Name),
				zap.String("event_id", alert.EventID),
			)
			return nil
		}
		if !errors.Is(err, ErrNoAddress) {
			f.logger.Warn("Notify channel failed",
				zap.String("contact_id", contact.ID),
				zap.String("channel", ch.Name),
				zap.Error(err),
			)
		}
		errs = append(errs, fmt.Errorf("%s: %w", ch.Name, err))
	}
	return fmt.Errorf("notify: all channels failed for contact %s: %w", contact.ID, errors.Join(errs...))
}

func (f *Fallback) ordered(preferred string) []Channel {
	if preferred == "" {
		return f.channels
	}
	out := make([]Channel, 0, len(f.channels))
	for _, ch := range f.channels {
		if ch.Name == preferred {
			out = append(out, ch)
		}
	}
	for _, ch := range f.channels {
		if ch.Name != preferred {
			out = append(out, ch)
		}
	}
	return out
}
