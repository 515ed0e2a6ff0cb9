package changefeed

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

const (
	channelSuffix     = "_changes"
	listenerPingEvery = 90 * time.Second
)

// listener is the subset of *pq.Listener used here.
type listener interface {
	Listen(channel string) error
	Unlisten(channel string) error
	NotificationChannel() <-chan *pq.Notification
	Ping() error
	Close() error
}

// PGNotify delivers changes published by triggers via pg_notify('<table>_changes', payload).
type PGNotify struct {
	l      listener
	logger *zap.Logger

	mu     sync.Mutex
	subs   map[string]map[uint64]Handler
	nextID uint64

	done      chan struct{}
	closeOnce sync.Once
}

// NewPGNotify opens a dedicated LISTEN connection on dsn.
func NewPGNotify(dsn string, logger *zap.Logger) *PGNotify {
	l := pq.NewListener(dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnectionAttemptFailed, pq.ListenerEventDisconnected:
			logger.Warn("Change listener connection problem", zap.Int("event", int(ev)), zap.Error(err))
		case pq.ListenerEventReconnected:
			logger.Info("Change listener reconnected")
		}
	})
	return newPGNotify(l, logger)
}

func newPGNotify(l listener, logger *zap.Logger) *PGNotify {
	p := &PGNotify{
		l:      l,
		logger: logger,
		subs:   make(map[string]map[uint64]Handler),
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

// Subscribe LISTENs on <table>_changes for the first subscriber of a table.
func (p *PGNotify) Subscribe(ctx context.Context, table string, handler Handler) (Unsubscribe, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	channel := table + channelSuffix

	p.mu.Lock()
	defer p.mu.Unlock()

	handlers, ok := p.subs[channel]
	if !ok {
		if err := p.l.Listen(channel); err != nil {
			return nil, err
		}
		handlers = make(map[uint64]Handler)
		p.subs[channel] = handlers
	}
	p.nextID++
	id := p.nextID
	handlers[id] = handler

	var once sync.Once
	return func() {
		once.Do(func() { p.remove(channel, id) })
	}, nil
}

func (p *PGNotify) remove(channel string, id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	handlers, ok := p.subs[channel]
	if !ok {
		return
	}
	delete(handlers, id)
	if len(handlers) > 0 {
		return
	}
	delete(p.subs, channel)
	if err := p.l.Unlisten(channel); err != nil {
		p.logger.Warn("Failed to unlisten", zap.String("channel", channel), zap.Error(err))
	}
}

// Close stops dispatching and closes the listener connection.
func (p *PGNotify) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		err = p.l.Close()
	})
	return err
}

func (p *PGNotify) run() {
	ping := time.NewTicker(listenerPingEvery)
	defer ping.Stop()

	for {
		select {
		case <-p.done:
			return
		case n, ok := <-p.l.NotificationChannel():
			if !ok {
				return
			}
			// nil after a reconnect: notifications may have been missed
			if n == nil {
				p.logger.Warn("Change listener reconnected, notifications may have been lost")
				continue
			}
			p.dispatch(n)
		case <-ping.C:
			go func() {
				if err := p.l.Ping(); err != nil {
					p.logger.Warn("Change listener ping failed", zap.Error(err))
				}
			}()
		}
	}
}

func (p *PGNotify) dispatch(n *pq.Notification) {
	table := strings.TrimSuffix(n.Channel, channelSuffix)
	change, err := DecodePayload(table, []byte(n.Extra))
	if err != nil {
		p.logger.Warn("Dropping malformed change notification",
			zap.String("channel", n.Channel),
			zap.Error(err),
		)
		return
	}

	p.mu.Lock()
	handlers := make([]Handler, 0, len(p.subs[n.Channel]))
	for _, h := range p.subs[n.Channel] {
		handlers = append(handlers, h)
	}
	p.mu.Unlock()

	for _, h := range handlers {
		h(change)
	}
}
