// Package emergency runs the panic sequence: force the emergency state, alert
// trusted contacts, share live location and raise a SAFETY beacon.
package emergency

import (
	"context"
	"errors"
	"sync"
	"time"

	"hotmess-kernel/internal/metrics"
	"hotmess-kernel/internal/models"
	"hotmess-kernel/internal/subscription"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var ErrNoActiveEmergency = errors.New("emergency: no active emergency")

// ContactDirectory lists the people to alert for a user.
type ContactDirectory interface {
	TrustedContacts(ctx context.Context, userID string) ([]models.TrustedContact, error)
}

// Notifier delivers one alert to one contact.
type Notifier interface {
	Notify(ctx context.Context, contact models.TrustedContact, alert models.Alert) error
}

// Locator reads the device position once or continuously.
type Locator interface {
	Current(ctx context.Context) (models.Coords, error)
	Watch(ctx context.Context, fn func(models.Coords)) (stop func(), err error)
}

// Broadcaster pushes live location to the incident channel.
type Broadcaster interface {
	BroadcastLocation(ctx context.Context, eventID string, c models.Coords) error
}

// SafetyBeacons makes the incident visible in the beacon stream.
type SafetyBeacons interface {
	Raise(ctx context.Context, ev *models.EmergencyEvent) (beaconID string, err error)
	Move(ctx context.Context, ev *models.EmergencyEvent, loc models.Coords) error
	Clear(ctx context.Context, ev *models.EmergencyEvent) error
}

// StateOverride the part of the state machine the controller drives.
type StateOverride interface {
	ForceEmergency(source string) models.SystemStateSnapshot
	ResolveEmergency() bool
}

// Deps are all optional except State; a nil dependency skips its step.
type Deps struct {
	State       StateOverride
	Contacts    ContactDirectory
	Notifier    Notifier
	Locator     Locator
	Broadcaster Broadcaster
	Beacons     SafetyBeacons
}

const (
	DefaultLocationTimeout = 5 * time.Second
	DefaultNotifyTimeout   = 10 * time.Second
	DefaultHistoryCap      = 50
	DefaultBroadcastEvery  = 2 * time.Second
	stepTimeout            = 10 * time.Second
)

type Options struct {
	LocationTimeout time.Duration
	NotifyTimeout   time.Duration
	HistoryCap      int
	// BroadcastEvery is the minimum spacing of live-location broadcasts.
	BroadcastEvery time.Duration
	Metrics        *metrics.Metrics
	Now            func() time.Time
}

type Controller struct {
	deps   Deps
	opts   Options
	logger *zap.Logger

	// overrideMu pairs publishing or clearing the active slot with the
	// matching state override.
	overrideMu sync.Mutex

	mu       sync.Mutex
	active   *models.EmergencyEvent
	history  []*models.EmergencyEvent // oldest first
	tracking func()

	emitMu sync.Mutex
	subs   *subscription.Registry[models.EmergencySnapshot]
}

func NewController(deps Deps, opts Options, logger *zap.Logger) *Controller {
	if opts.LocationTimeout <= 0 {
		opts.LocationTimeout = DefaultLocationTimeout
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = DefaultNotifyTimeout
	}
	if opts.HistoryCap <= 0 {
		opts.HistoryCap = DefaultHistoryCap
	}
	if opts.BroadcastEvery <= 0 {
		opts.BroadcastEvery = DefaultBroadcastEvery
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Controller{
		deps:   deps,
		opts:   opts,
		logger: logger,
		subs:   subscription.NewRegistry[models.EmergencySnapshot](),
	}
}

// Trigger starts an incident. The state override happens before any I/O and
// nothing downstream can undo it. While an incident is active, Trigger returns
// it without alerting anyone again.
func (c *Controller) Trigger(ctx context.Context, actor models.Actor, source string, location *models.Coords) *models.EmergencyEvent {
	c.overrideMu.Lock()
	c.mu.Lock()
	if c.active != nil {
		ev := c.active.Clone()
		c.mu.Unlock()
		c.overrideMu.Unlock()
		c.logger.Info("Emergency already active", zap.String("event_id", ev.ID), zap.String("source", source))
		return ev
	}
	ev := &models.EmergencyEvent{
		ID:              uuid.NewString(),
		UserID:          actor.UserID,
		Source:          source,
		TriggeredAt:     c.opts.Now().UTC(),
		Status:          models.EmergencyTriggered,
		ContactsAlerted: []string{},
	}
	if location != nil && location.Valid() {
		loc := *location
		ev.Location = &loc
	}
	c.active = ev
	c.mu.Unlock()
	c.deps.State.ForceEmergency(source)
	c.opts.Metrics.SetEmergencyActive(true)
	c.overrideMu.Unlock()

	c.logger.Info("Emergency triggered",
		zap.String("event_id", ev.ID),
		zap.String("user_id", actor.UserID),
		zap.String("source", source),
	)
	c.emit()

	// The sequence outlives the caller's request.
	seqCtx := context.WithoutCancel(ctx)
	id := ev.ID

	if ev.Location == nil {
		if loc, ok := c.currentLocation(seqCtx); ok {
			c.update(id, func(e *models.EmergencyEvent) { e.Location = &loc })
		}
	}

	c.setStatus(id, models.EmergencyAlertingContacts)
	c.alertContacts(seqCtx, id, actor.UserID)

	c.setStatus(id, models.EmergencySharingLocation)
	c.startTracking(id)

	c.setStatus(id, models.EmergencyAdminNotified)
	c.raiseBeacon(seqCtx, id)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil && c.active.ID == id {
		return c.active.Clone()
	}
	// resolved while the sequence ran
	for i := len(c.history) - 1; i >= 0; i-- {
		if c.history[i].ID == id {
			return c.history[i].Clone()
		}
	}
	return ev.Clone()
}

// Resolve closes the active incident and restores the previous system state.
func (c *Controller) Resolve(ctx context.Context, resolvedBy, notes string) (*models.EmergencyEvent, error) {
	c.overrideMu.Lock()
	c.mu.Lock()
	ev := c.active
	if ev == nil {
		c.mu.Unlock()
		c.overrideMu.Unlock()
		return nil, ErrNoActiveEmergency
	}
	stop := c.tracking
	c.tracking = nil
	now := c.opts.Now().UTC()
	ev.ResolvedAt = &now
	ev.ResolvedBy = resolvedBy
	ev.Notes = notes
	ev.Status = models.EmergencyResolved
	c.history = append(c.history, ev)
	if over := len(c.history) - c.opts.HistoryCap; over > 0 {
		c.history = append([]*models.EmergencyEvent(nil), c.history[over:]...)
	}
	c.active = nil
	resolved := ev.Clone()
	c.mu.Unlock()
	c.deps.State.ResolveEmergency()
	c.opts.Metrics.SetEmergencyActive(false)
	c.overrideMu.Unlock()

	if stop != nil {
		stop()
	}

	if c.deps.Beacons != nil && resolved.AdminBeaconID != nil {
		bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stepTimeout)
		if err := c.deps.Beacons.Clear(bctx, resolved); err != nil {
			c.logger.Error("Failed to clear safety beacon", zap.String("event_id", resolved.ID), zap.Error(err))
		}
		cancel()
	}

	c.logger.Info("Emergency resolved",
		zap.String("event_id", resolved.ID),
		zap.String("resolved_by", resolvedBy),
		zap.Duration("duration", now.Sub(resolved.TriggeredAt)),
	)
	c.emit()
	return resolved, nil
}

// Active returns a copy of the active incident, or nil.
func (c *Controller) Active() *models.EmergencyEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active.Clone()
}

// History returns resolved incidents, oldest first.
func (c *Controller) History() []models.EmergencyEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.EmergencyEvent, len(c.history))
	for i, ev := range c.history {
		out[i] = *ev.Clone()
	}
	return out
}

// Subscribe delivers the current snapshot, then every change.
func (c *Controller) Subscribe(fn func(models.EmergencySnapshot)) subscription.Cancel {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	fn(c.snapshot())
	return c.subs.Subscribe(fn)
}

func (c *Controller) snapshot() models.EmergencySnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return models.EmergencySnapshot{Active: c.active.Clone(), History: len(c.history)}
}

func (c *Controller) emit() {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.subs.Publish(c.snapshot())
}

// update applies fn if id is still the active incident.
func (c *Controller) update(id string, fn func(*models.EmergencyEvent)) bool {
	c.mu.Lock()
	if c.active == nil || c.active.ID != id {
		c.mu.Unlock()
		return false
	}
	fn(c.active)
	c.mu.Unlock()
	c.emit()
	return true
}

func (c *Controller) setStatus(id string, status models.EmergencyStatus) {
	if c.update(id, func(e *models.EmergencyEvent) { e.Status = status }) {
		c.logger.Info("Emergency status", zap.String("event_id", id), zap.String("status", string(status)))
	}
}

func (c *Controller) currentLocation(ctx context.Context) (models.Coords, bool) {
	if c.deps.Locator == nil {
		return models.Coords{}, false
	}
	lctx, cancel := context.WithTimeout(ctx, c.opts.LocationTimeout)
	defer cancel()

	loc, err := c.deps.Locator.Current(lctx)
	if err != nil {
		c.logger.Warn("Emergency location unavailable", zap.Error(err))
		return models.Coords{}, false
	}
	if !loc.Valid() {
		c.logger.Warn("Emergency location out of range", zap.Float64("lat", loc.Lat), zap.Float64("lng", loc.Lng))
		return models.Coords{}, false
	}
	return loc, true
}

func (c *Controller) alertContacts(ctx context.Context, id, userID string) {
	if c.deps.Contacts == nil || c.deps.Notifier == nil || userID == "" {
		c.logger.Warn("Contact alerting skipped", zap.String("event_id", id))
		return
	}

	lctx, cancel := context.WithTimeout(ctx, stepTimeout)
	contacts, err := c.deps.Contacts.TrustedContacts(lctx, userID)
	cancel()
	if err != nil {
		c.logger.Error("Failed to load trusted contacts", zap.String("event_id", id), zap.Error(err))
		return
	}

	ev := c.Active()
	if ev == nil || ev.ID != id {
		return
	}
	alert := models.Alert{
		Kind:     models.AlertEmergency,
		EventID:  id,
		UserID:   userID,
		Message:  "Emergency triggered. Live location is being shared.",
		Location: ev.Location,
		SentAt:   c.opts.Now().UTC(),
	}

	for _, contact := range contacts {
		nctx, cancel := context.WithTimeout(ctx, c.opts.NotifyTimeout)
		err := c.deps.Notifier.Notify(nctx, contact, alert)
		cancel()
		if err != nil {
			c.opts.Metrics.IncContactAlert("failed")
			c.logger.Warn("Failed to alert contact",
				zap.String("event_id", id),
				zap.String("contact_id", contact.ID),
				zap.Error(err),
			)
			continue
		}
		c.opts.Metrics.IncContactAlert("delivered")
		c.update(id, func(e *models.EmergencyEvent) {
			e.ContactsAlerted = append(e.ContactsAlerted, contact.ID)
		})
	}
}

func (c *Controller) startTracking(id string) {
	if c.deps.Locator == nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &tracker{
		c:       c,
		id:      id,
		ctx:     ctx,
		limiter: rate.NewLimiter(rate.Every(c.opts.BroadcastEvery), 1),
	}

	onUpdate := func(loc models.Coords) {
		if !loc.Valid() {
			return
		}
		if !c.update(id, func(e *models.EmergencyEvent) { e.Location = &loc }) {
			return
		}
		t.offer(loc)
	}

	stopWatch, err := c.deps.Locator.Watch(ctx, onUpdate)
	if err != nil {
		cancel()
		c.logger.Error("Failed to start location tracking", zap.String("event_id", id), zap.Error(err))
		return
	}

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			stopWatch()
			t.stop()
			c.logger.Info("Location tracking stopped", zap.String("event_id", id))
		})
	}

	c.mu.Lock()
	if c.active == nil || c.active.ID != id {
		c.mu.Unlock()
		stop()
		return
	}
	c.tracking = stop
	loc := c.active.Location
	c.mu.Unlock()

	if loc != nil {
		t.offer(*loc)
	}
}

// tracker publishes device fixes at most once per broadcast window. A fix that
// arrives inside the window is held, and the newest held fix is published when
// the window reopens.
type tracker struct {
	c       *Controller
	id      string
	ctx     context.Context
	limiter *rate.Limiter

	mu      sync.Mutex
	pending *models.Coords
	timer   *time.Timer
}

func (t *tracker) offer(loc models.Coords) {
	t.mu.Lock()
	if t.ctx.Err() != nil {
		t.mu.Unlock()
		return
	}
	t.pending = &loc
	if t.timer != nil {
		t.mu.Unlock()
		return
	}
	if delay := t.limiter.Reserve().Delay(); delay > 0 {
		t.timer = time.AfterFunc(delay, t.flush)
		t.mu.Unlock()
		return
	}
	t.pending = nil
	t.mu.Unlock()
	t.publish(loc)
}

func (t *tracker) flush() {
	t.mu.Lock()
	loc := t.pending
	t.pending, t.timer = nil, nil
	t.mu.Unlock()
	if loc != nil {
		t.publish(*loc)
	}
}

func (t *tracker) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.pending = nil
}

// publish sends loc to the incident channel and moves the SAFETY beacon.
func (t *tracker) publish(loc models.Coords) {
	if t.ctx.Err() != nil {
		return
	}
	c := t.c
	if c.deps.Broadcaster != nil {
		if err := c.deps.Broadcaster.BroadcastLocation(t.ctx, t.id, loc); err != nil {
			c.logger.Warn("Location broadcast failed", zap.String("event_id", t.id), zap.Error(err))
		}
	}
	if c.deps.Beacons == nil {
		return
	}
	ev := c.Active()
	if ev == nil || ev.ID != t.id {
		return
	}
	mctx, cancel := context.WithTimeout(t.ctx, stepTimeout)
	defer cancel()
	if err := c.deps.Beacons.Move(mctx, ev, loc); err != nil {
		c.logger.Warn("Failed to move safety beacon", zap.String("event_id", t.id), zap.Error(err))
	}
}

func (c *Controller) raiseBeacon(ctx context.Context, id string) {
	if c.deps.Beacons == nil {
		return
	}
	ev := c.Active()
	if ev == nil || ev.ID != id {
		return
	}

	bctx, cancel := context.WithTimeout(ctx, stepTimeout)
	defer cancel()
	beaconID, err := c.deps.Beacons.Raise(bctx, ev)
	if err != nil {
		c.logger.Error("Failed to raise safety beacon", zap.String("event_id", id), zap.Error(err))
		return
	}

	var latest *models.Coords
	if !c.update(id, func(e *models.EmergencyEvent) {
		e.AdminBeaconID = &beaconID
		latest = e.Location
	}) {
		// resolved in the meantime
		ev.AdminBeaconID = &beaconID
		if err := c.deps.Beacons.Clear(bctx, ev); err != nil {
			c.logger.Error("Failed to clear safety beacon", zap.String("event_id", id), zap.Error(err))
		}
		return
	}

	// tracking may have reported a fix while the row was being written
	if latest != nil && (ev.Location == nil || *latest != *ev.Location) {
		if err := c.deps.Beacons.Move(bctx, ev, *latest); err != nil {
			c.logger.Warn("Failed to move safety beacon", zap.String("event_id", id), zap.Error(err))
		}
	}
}
