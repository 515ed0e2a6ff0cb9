// Package device reads the phone's position from the MQTT topic its app publishes to.
package device

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqttcommon "hotmess-kernel/common/mqtt"
	"hotmess-kernel/internal/geo"
	"hotmess-kernel/internal/models"
	"hotmess-kernel/internal/store"
	"hotmess-kernel/internal/subscription"

	"go.uber.org/zap"
)

// Broker is the subset of the MQTT client the locator uses.
type Broker interface {
	Subscribe(topic string, qos byte, handler mqttcommon.MessageHandler) error
	Unsubscribe(topics ...string) error
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

const (
	DefaultTopicPrefix = "devices/"
	// DefaultMaxFixAge how old a cached fix may be for Current to return it without waiting.
	DefaultMaxFixAge = 30 * time.Second
)

// MQTTLocator shares one broker subscription between Current and Watch callers.
type MQTTLocator struct {
	broker    Broker
	topic     string
	qos       byte
	maxFixAge time.Duration
	now       func() time.Time
	logger    *zap.Logger

	mu         sync.Mutex
	subscribed bool
	last       *models.Coords
	lastAt     time.Time
	listeners  *subscription.Registry[models.Coords]
}

func NewMQTTLocator(broker Broker, deviceID string, qos byte, logger *zap.Logger) *MQTTLocator {
	return &MQTTLocator{
		broker:    broker,
		topic:     LocationTopic(deviceID),
		qos:       qos,
		maxFixAge: DefaultMaxFixAge,
		now:       time.Now,
		logger:    logger,
		listeners: subscription.NewRegistry[models.Coords](),
	}
}

func LocationTopic(deviceID string) string {
	return DefaultTopicPrefix + deviceID + "/location"
}

// Current returns a recent cached fix, or asks the device for one and waits
// until ctx ends.
func (l *MQTTLocator) Current(ctx context.Context) (models.Coords, error) {
	l.mu.Lock()
	if l.last != nil && l.now().Sub(l.lastAt) <= l.maxFixAge {
		c := *l.last
		l.mu.Unlock()
		return c, nil
	}
	l.mu.Unlock()

	fixes := make(chan models.Coords, 1)
	stop, err := l.Watch(ctx, func(c models.Coords) {
		select {
		case fixes <- c:
		default:
		}
	})
	if err != nil {
		return models.Coords{}, err
	}
	defer stop()

	if err := l.broker.Publish(l.topic+"/request", l.qos, false, []byte(`{}`)); err != nil {
		l.logger.Warn("Location request failed", zap.String("topic", l.topic), zap.Error(err))
	}

	select {
	case c := <-fixes:
		return c, nil
	case <-ctx.Done():
		return models.Coords{}, fmt.Errorf("device location: %w", ctx.Err())
	}
}

// Watch calls fn for every fix until stop is called or ctx ends.
func (l *MQTTLocator) Watch(ctx context.Context, fn func(models.Coords)) (func(), error) {
	if err := l.ensureSubscribed(); err != nil {
		return nil, err
	}
	cancel := l.listeners.Subscribe(fn)

	var once sync.Once
	done := make(chan struct{})
	stop := func() {
		once.Do(func() {
			close(done)
			cancel()
			l.releaseIfIdle()
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			stop()
		case <-done:
		}
	}()
	return stop, nil
}

func (l *MQTTLocator) ensureSubscribed() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.subscribed {
		return nil
	}
	if err := l.broker.Subscribe(l.topic, l.qos, l.handle); err != nil {
		return fmt.Errorf("device location: subscribe %s: %w", l.topic, err)
	}
	l.subscribed = true
	return nil
}

func (l *MQTTLocator) releaseIfIdle() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.subscribed || l.listeners.Len() > 0 {
		return
	}
	if err := l.broker.Unsubscribe(l.topic); err != nil {
		l.logger.Warn("Location unsubscribe failed", zap.String("topic", l.topic), zap.Error(err))
	}
	l.subscribed = false
}

func (l *MQTTLocator) handle(topic string, payload []byte) error {
	c, err := DecodeFix(payload)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.last = &c
	l.lastAt = l.now()
	l.mu.Unlock()

	l.listeners.Publish(c)
	return nil
}

// DecodeFix accepts {"lat","lng"}, {"latitude","longitude"} or a GeoJSON
// Point under "location".
func DecodeFix(payload []byte) (models.Coords, error) {
	var row store.Row
	if err := json.Unmarshal(payload, &row); err != nil {
		return models.Coords{}, fmt.Errorf("device location: %w", err)
	}
	c, ok := geo.Normalize(row)
	if !ok {
		return models.Coords{}, fmt.Errorf("device location: no usable coordinates")
	}
	return c, nil
}
