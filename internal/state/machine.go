// Package state owns the application gating lifecycle. Only the transitions in
// the table are legal, except entry into EMERGENCY_ACTIVE, which is always accepted.
package state

import (
	"context"
	"errors"
	"sync"
	"time"

	"hotmess-kernel/internal/metrics"
	"hotmess-kernel/internal/models"
	"hotmess-kernel/internal/subscription"

	"go.uber.org/zap"
)

var transitions = map[models.SystemState][]models.SystemState{
	models.StateAgeRequired:        {models.StateConsentRequired, models.StateBlocked, models.StateEmergencyActive},
	models.StateConsentRequired:    {models.StateOnboardingRequired, models.StateOSReady, models.StateBlocked, models.StateEmergencyActive},
	models.StateOnboardingRequired: {models.StateOSReady, models.StateBlocked, models.StateEmergencyActive},
	models.StateOSReady:            {models.StateEmergencyActive, models.StateBlocked},
	models.StateEmergencyActive:    {models.StateOSReady, models.StateAgeRequired, models.StateBlocked},
	models.StateBlocked:            {models.StateEmergencyActive},
}

// CanTransition reports whether from -> to is in the table.
func CanTransition(from, to models.SystemState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

const persistTimeout = 2 * time.Second

// Options for New. Zero values pick the defaults.
type Options struct {
	Initial   models.SystemState
	Persister Persister
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

// Machine is safe for concurrent use. Writes are totally ordered: every
// transition, including the emergency override, observes the state left by
// the write before it, and subscribers see snapshots in that order.
// Subscribers must not call back into write methods synchronously.
type Machine struct {
	writeMu sync.Mutex // serializes transitions and their notification
	mu      sync.RWMutex
	snap    models.SystemStateSnapshot

	subs      *subscription.Registry[models.SystemStateSnapshot]
	persister Persister
	metrics   *metrics.Metrics
	now       func() time.Time
	logger    *zap.Logger
}

func New(opts Options, logger *zap.Logger) *Machine {
	if !opts.Initial.Valid() {
		opts.Initial = models.StateAgeRequired
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Machine{
		snap:      models.SystemStateSnapshot{State: opts.Initial, ChangedAt: opts.Now().UTC()},
		subs:      subscription.NewRegistry[models.SystemStateSnapshot](),
		persister: opts.Persister,
		metrics:   opts.Metrics,
		now:       opts.Now,
		logger:    logger,
	}
}

// Current returns the latest snapshot.
func (m *Machine) Current() models.SystemStateSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

// Subscribe calls fn with the current snapshot, then on every change.
func (m *Machine) Subscribe(fn func(models.SystemStateSnapshot)) subscription.Cancel {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	fn(m.Current())
	return m.subs.Subscribe(fn)
}

// SetState applies a table transition. EMERGENCY_ACTIVE is routed to the
// override and always accepted. Rejections leave the state unchanged.
func (m *Machine) SetState(to models.SystemState) bool {
	if to == models.StateEmergencyActive {
		m.ForceEmergency("set_state")
		return true
	}
	return m.transition(func(cur models.SystemStateSnapshot) (models.SystemStateSnapshot, bool) {
		return m.legal(cur, to, "")
	}, string(to))
}

// Block moves to BLOCKED and records reason.
func (m *Machine) Block(reason string) bool {
	return m.transition(func(cur models.SystemStateSnapshot) (models.SystemStateSnapshot, bool) {
		return m.legal(cur, models.StateBlocked, reason)
	}, string(models.StateBlocked))
}

// Advance is a compare-and-set for gate flows: it applies from -> to only if
// the current state is still from. An emergency that lands first wins.
func (m *Machine) Advance(from, to models.SystemState) bool {
	if to == models.StateEmergencyActive {
		m.ForceEmergency("advance")
		return true
	}
	return m.transition(func(cur models.SystemStateSnapshot) (models.SystemStateSnapshot, bool) {
		if cur.State != from {
			m.logger.Warn("State advance lost race",
				zap.String("expected_state", string(from)),
				zap.String("from_state", string(cur.State)),
				zap.String("to_state", string(to)),
			)
			return cur, false
		}
		return m.legal(cur, to, "")
	}, string(to))
}

// ForceEmergency enters EMERGENCY_ACTIVE from any state. The state it
// replaces is kept as PreviousState; re-entry keeps the original snapshot.
func (m *Machine) ForceEmergency(source string) models.SystemStateSnapshot {
	var out models.SystemStateSnapshot
	m.transition(func(cur models.SystemStateSnapshot) (models.SystemStateSnapshot, bool) {
		next := cur
		if cur.State != models.StateEmergencyActive {
			next.PreviousState = cur.State
		}
		next.State = models.StateEmergencyActive
		next.ChangedAt = m.now().UTC()
		out = next
		m.logger.Info("Emergency override",
			zap.String("source", source),
			zap.String("from_state", string(cur.State)),
		)
		return next, true
	}, string(models.StateEmergencyActive))
	return out
}

// ResolveEmergency restores the state captured when the emergency began.
// It is a no-op outside EMERGENCY_ACTIVE.
func (m *Machine) ResolveEmergency() bool {
	return m.transition(func(cur models.SystemStateSnapshot) (models.SystemStateSnapshot, bool) {
		if cur.State != models.StateEmergencyActive {
			m.logger.Warn("Resolve outside emergency ignored", zap.String("from_state", string(cur.State)))
			return cur, false
		}
		restore := cur.PreviousState
		if !restore.Valid() || restore == models.StateEmergencyActive {
			restore = models.StateAgeRequired
		}
		next := models.SystemStateSnapshot{
			State:         restore,
			PreviousState: models.StateEmergencyActive,
			ChangedAt:     m.now().UTC(),
		}
		if restore == models.StateBlocked {
			next.BlockedReason = cur.BlockedReason
		}
		return next, true
	}, "resolve")
}

// Gate returns the state profile flags call for.
func Gate(flags models.ProfileFlags) models.SystemState {
	switch {
	case flags.Blocked:
		return models.StateBlocked
	case !flags.AgeVerified:
		return models.StateAgeRequired
	case !flags.ConsentAccepted:
		return models.StateConsentRequired
	case !flags.OnboardingComplete:
		return models.StateOnboardingRequired
	}
	return models.StateOSReady
}

// Reconcile walks legal transitions toward the gate flags call for. It never
// leaves EMERGENCY_ACTIVE and never moves backwards through the gates.
func (m *Machine) Reconcile(flags models.ProfileFlags) models.SystemStateSnapshot {
	target := Gate(flags)
	cur := m.Current()
	if cur.State == models.StateEmergencyActive || cur.State == target {
		return cur
	}

	if target == models.StateBlocked {
		m.Block(flags.BlockedReason)
		return m.Current()
	}

	path := pathTo(cur.State, target)
	if path == nil {
		m.logger.Warn("No legal path to gate",
			zap.String("from_state", string(cur.State)),
			zap.String("to_state", string(target)),
		)
		m.metrics.ObserveTransition(string(target), false)
		return cur
	}
	from := cur.State
	for _, step := range path {
		if !m.Advance(from, step) {
			break
		}
		from = step
	}
	return m.Current()
}

// pathTo is the shortest legal route, never passing through EMERGENCY_ACTIVE.
func pathTo(from, to models.SystemState) []models.SystemState {
	prev := map[models.SystemState]models.SystemState{from: from}
	queue := []models.SystemState{from}
	for len(queue) > 0 {
		s := queue[0]
		queue = queue[1:]
		if s == to {
			var path []models.SystemState
			for ; s != from; s = prev[s] {
				path = append([]models.SystemState{s}, path...)
			}
			return path
		}
		for _, next := range transitions[s] {
			if next == models.StateEmergencyActive {
				continue
			}
			if _, seen := prev[next]; !seen {
				prev[next] = s
				queue = append(queue, next)
			}
		}
	}
	return nil
}

// Restore loads a persisted snapshot, if any.
func (m *Machine) Restore(ctx context.Context) error {
	if m.persister == nil {
		return nil
	}
	snap, err := m.persister.Load(ctx)
	if errors.Is(err, ErrNoSavedState) {
		return nil
	}
	if err != nil {
		return err
	}
	if !snap.State.Valid() {
		m.logger.Warn("Ignoring persisted state", zap.String("state", string(snap.State)))
		return nil
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	m.mu.Lock()
	m.snap = snap
	m.mu.Unlock()
	m.subs.Publish(snap)
	m.logger.Info("System state restored", zap.String("state", string(snap.State)))
	return nil
}

func (m *Machine) legal(cur models.SystemStateSnapshot, to models.SystemState, reason string) (models.SystemStateSnapshot, bool) {
	if !CanTransition(cur.State, to) {
		m.logger.Warn("Illegal state transition rejected",
			zap.String("from_state", string(cur.State)),
			zap.String("to_state", string(to)),
		)
		return cur, false
	}
	next := models.SystemStateSnapshot{
		State:         to,
		PreviousState: cur.State,
		ChangedAt:     m.now().UTC(),
	}
	if to == models.StateBlocked {
		next.BlockedReason = reason
	}
	return next, true
}

// transition runs step under the write lock, then persists and notifies.
// label names the request in metrics when step rejects it.
func (m *Machine) transition(step func(models.SystemStateSnapshot) (models.SystemStateSnapshot, bool), label string) bool {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	next, ok := step(m.snap)
	if ok {
		m.snap = next
	}
	m.mu.Unlock()

	if ok {
		label = string(next.State)
	}
	m.metrics.ObserveTransition(label, ok)
	if !ok {
		return false
	}

	m.persist(next)
	m.subs.Publish(next)
	return true
}

func (m *Machine) persist(snap models.SystemStateSnapshot) {
	if m.persister == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := m.persister.Save(ctx, snap); err != nil {
		m.logger.Warn("Failed to persist system state", zap.String("state", string(snap.State)), zap.Error(err))
	}
}
