package emergency_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	agg "hotmess-kernel/internal/aggregator"
	"hotmess-kernel/internal/emergency"
	"hotmess-kernel/internal/models"
	"hotmess-kernel/internal/state"
	"hotmess-kernel/internal/store/storetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var alice = models.Actor{UserID: "u-alice"}

type fakeContacts struct {
	contacts []models.TrustedContact
	err      error
}

func (f *fakeContacts) TrustedContacts(context.Context, string) ([]models.TrustedContact, error) {
	return f.contacts, f.err
}

type fakeNotifier struct {
	mu      sync.Mutex
	failFor map[string]bool
	sent    []string
}

func (f *fakeNotifier) Notify(_ context.Context, c models.TrustedContact, _ models.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, c.ID)
	if f.failFor[c.ID] {
		return errors.New("carrier rejected")
	}
	return nil
}

func (f *fakeNotifier) attempts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

// fakeLocator blocks Current until ctx ends unless a fix is set.
type fakeLocator struct {
	mu      sync.Mutex
	fix     *models.Coords
	watchFn func(models.Coords)
	stops   int
}

func (f *fakeLocator) Current(ctx context.Context) (models.Coords, error) {
	f.mu.Lock()
	fix := f.fix
	f.mu.Unlock()
	if fix != nil {
		return *fix, nil
	}
	<-ctx.Done()
	return models.Coords{}, ctx.Err()
}

func (f *fakeLocator) Watch(_ context.Context, fn func(models.Coords)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watchFn = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.stops++
	}, nil
}

func (f *fakeLocator) push(c models.Coords) {
	f.mu.Lock()
	fn := f.watchFn
	f.mu.Unlock()
	fn(c)
}

func (f *fakeLocator) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

type fakeBroadcaster struct {
	mu   sync.Mutex
	sent []models.Coords
}

func (f *fakeBroadcaster) BroadcastLocation(_ context.Context, _ string, c models.Coords) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, c)
	return nil
}

func (f *fakeBroadcaster) last() models.Coords {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return models.Coords{}
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeBroadcaster) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fixture struct {
	machine     *state.Machine
	mem         *storetest.Memory
	contacts    *fakeContacts
	notifier    *fakeNotifier
	locator     *fakeLocator
	broadcaster *fakeBroadcaster
	ctrl        *emergency.Controller
}

func newFixture(t *testing.T, initial models.SystemState, opts emergency.Options) *fixture {
	t.Helper()
	f := &fixture{
		machine: state.New(state.Options{Initial: initial}, zap.NewNop()),
		mem:     storetest.New(),
		contacts: &fakeContacts{contacts: []models.TrustedContact{
			{ID: "c-1", Name: "Sam"},
			{ID: "c-2", Name: "Jo"},
			{ID: "c-3", Name: "Ari"},
		}},
		notifier:    &fakeNotifier{failFor: map[string]bool{}},
		locator:     &fakeLocator{},
		broadcaster: &fakeBroadcaster{},
	}
	if opts.LocationTimeout == 0 {
		opts.LocationTimeout = 20 * time.Millisecond
	}
	f.ctrl = emergency.NewController(emergency.Deps{
		State:       f.machine,
		Contacts:    f.contacts,
		Notifier:    f.notifier,
		Locator:     f.locator,
		Broadcaster: f.broadcaster,
		Beacons:     emergency.NewStoreSafetyBeacons(f.mem, ""),
	}, opts, zap.NewNop())
	return f
}

func TestTriggerAndResolve_FromOnboarding(t *testing.T) {
	f := newFixture(t, models.StateOnboardingRequired, emergency.Options{})

	var mu sync.Mutex
	var statuses []models.EmergencyStatus
	cancel := f.ctrl.Subscribe(func(s models.EmergencySnapshot) {
		if s.Active == nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if n := len(statuses); n == 0 || statuses[n-1] != s.Active.Status {
			statuses = append(statuses, s.Active.Status)
		}
	})
	defer cancel()

	ev := f.ctrl.Trigger(context.Background(), alice, "ui_panic_button", nil)
	require.NotNil(t, ev)
	assert.Equal(t, models.StateEmergencyActive, f.machine.Current().State)
	assert.Equal(t, models.EmergencyAdminNotified, ev.Status)
	assert.Equal(t, []string{"c-1", "c-2", "c-3"}, ev.ContactsAlerted)
	require.NotNil(t, ev.AdminBeaconID)
	assert.Equal(t, "safety:u-alice", *ev.AdminBeaconID)

	mu.Lock()
	assert.Equal(t, []models.EmergencyStatus{
		models.EmergencyTriggered,
		models.EmergencyAlertingContacts,
		models.EmergencySharingLocation,
		models.EmergencyAdminNotified,
	}, statuses)
	mu.Unlock()

	resolved, err := f.ctrl.Resolve(context.Background(), "user", "false alarm")
	require.NoError(t, err)
	assert.Equal(t, models.EmergencyResolved, resolved.Status)
	assert.Equal(t, "user", resolved.ResolvedBy)
	require.NotNil(t, resolved.ResolvedAt)

	assert.Equal(t, models.StateOnboardingRequired, f.machine.Current().State)
	assert.Nil(t, f.ctrl.Active())
	assert.Len(t, f.ctrl.History(), 1)

	rows := f.mem.Rows(emergency.DefaultSafetyTable)
	require.Len(t, rows, 1)
	assert.Equal(t, false, rows[0]["active"])
	assert.Equal(t, "resolved", rows[0]["status"])
}

func TestTrigger_ContactFailuresAreIsolated(t *testing.T) {
	f := newFixture(t, models.StateOSReady, emergency.Options{})
	f.notifier.failFor["c-2"] = true

	ev := f.ctrl.Trigger(context.Background(), alice, "ui_panic_button", nil)

	assert.Equal(t, []string{"c-1", "c-2", "c-3"}, f.notifier.attempts())
	assert.Equal(t, []string{"c-1", "c-3"}, ev.ContactsAlerted)
	assert.Equal(t, models.EmergencyAdminNotified, ev.Status)
}

func TestTrigger_EverythingDownstreamFails(t *testing.T) {
	machine := state.New(state.Options{Initial: models.StateBlocked}, zap.NewNop())
	ctrl := emergency.NewController(emergency.Deps{
		State:    machine,
		Contacts: &fakeContacts{err: errors.New("db down")},
		Notifier: &fakeNotifier{},
	}, emergency.Options{}, zap.NewNop())

	ev := ctrl.Trigger(context.Background(), alice, "ui_panic_button", nil)
	require.NotNil(t, ev)
	assert.Equal(t, models.StateEmergencyActive, machine.Current().State)
	assert.Empty(t, ev.ContactsAlerted)
	assert.Nil(t, ev.AdminBeaconID)
}

func TestTrigger_LocationTimeoutDoesNotBlock(t *testing.T) {
	f := newFixture(t, models.StateOSReady, emergency.Options{LocationTimeout: 30 * time.Millisecond})

	start := time.Now()
	ev := f.ctrl.Trigger(context.Background(), alice, "ui_panic_button", nil)
	assert.Less(t, time.Since(start), time.Second)
	assert.Nil(t, ev.Location)
	assert.Equal(t, models.EmergencyAdminNotified, ev.Status)
}

func TestTrigger_UsesDeviceFixWhenNoneSupplied(t *testing.T) {
	f := newFixture(t, models.StateOSReady, emergency.Options{})
	f.locator.fix = &models.Coords{Lat: 51.5, Lng: -0.12}

	ev := f.ctrl.Trigger(context.Background(), alice, "ui_panic_button", nil)
	require.NotNil(t, ev.Location)
	assert.Equal(t, 51.5, ev.Location.Lat)

	row := f.mem.Rows(emergency.DefaultSafetyTable)[0]
	assert.Equal(t, 51.5, row["lat"])
}

func TestTrigger_WhileActiveReturnsActive(t *testing.T) {
	f := newFixture(t, models.StateOSReady, emergency.Options{})

	first := f.ctrl.Trigger(context.Background(), alice, "ui_panic_button", nil)
	second := f.ctrl.Trigger(context.Background(), alice, "voice", nil)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, f.notifier.attempts(), 3)
	assert.Len(t, f.mem.Rows(emergency.DefaultSafetyTable), 1)
}

func TestTracking_UpdatesAndStopsOnce(t *testing.T) {
	f := newFixture(t, models.StateOSReady, emergency.Options{BroadcastEvery: time.Millisecond})
	f.ctrl.Trigger(context.Background(), alice, "ui_panic_button", nil)

	f.locator.push(models.Coords{Lat: 10, Lng: 20})
	active := f.ctrl.Active()
	require.NotNil(t, active.Location)
	assert.Equal(t, 10.0, active.Location.Lat)
	assert.Equal(t, 1, f.broadcaster.count())

	_, err := f.ctrl.Resolve(context.Background(), "user", "")
	require.NoError(t, err)
	assert.Equal(t, 1, f.locator.stopCount())

	// late update after resolve is a no-op
	f.locator.push(models.Coords{Lat: 11, Lng: 21})
	assert.Equal(t, 1, f.broadcaster.count())
	assert.Equal(t, 10.0, f.ctrl.History()[0].Location.Lat)

	_, err = f.ctrl.Resolve(context.Background(), "user", "")
	assert.ErrorIs(t, err, emergency.ErrNoActiveEmergency)
	assert.Equal(t, 1, f.locator.stopCount())
}

func TestTracking_BroadcastsAreThrottled(t *testing.T) {
	f := newFixture(t, models.StateOSReady, emergency.Options{BroadcastEvery: time.Hour})
	f.ctrl.Trigger(context.Background(), alice, "ui_panic_button", nil)

	for i := 0; i < 5; i++ {
		f.locator.push(models.Coords{Lat: float64(i), Lng: 0})
	}

	assert.Equal(t, 1, f.broadcaster.count())
	assert.Equal(t, 4.0, f.ctrl.Active().Location.Lat)
}

func TestHistoryCap(t *testing.T) {
	f := newFixture(t, models.StateOSReady, emergency.Options{HistoryCap: 3})

	var ids []string
	for i := 0; i < 5; i++ {
		ev := f.ctrl.Trigger(context.Background(), alice, "ui_panic_button", &models.Coords{Lat: 1, Lng: 1})
		ids = append(ids, ev.ID)
		_, err := f.ctrl.Resolve(context.Background(), "user", "")
		require.NoError(t, err)
	}

	history := f.ctrl.History()
	require.Len(t, history, 3)
	assert.Equal(t, ids[2], history[0].ID)
	assert.Equal(t, ids[4], history[2].ID)
	assert.Equal(t, models.StateOSReady, f.machine.Current().State)
}

func TestSafetyBeaconReachesAggregator(t *testing.T) {
	f := newFixture(t, models.StateOSReady, emergency.Options{})

	a := agg.New(f.mem, f.mem, agg.Options{SweepInterval: time.Hour}, zap.NewNop())
	stop, err := a.Start(context.Background())
	require.NoError(t, err)
	defer stop()

	f.ctrl.Trigger(context.Background(), alice, "ui_panic_button", &models.Coords{Lat: 51.5074, Lng: -0.1278})

	require.Eventually(t, func() bool {
		b := a.Beacons()
		return len(b) == 1 && b[0].ID == "safety:u-alice" && b[0].Intensity == 1.0
	}, time.Second, 5*time.Millisecond)

	_, err = f.ctrl.Resolve(context.Background(), "admin", "")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(a.Beacons()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestTracking_LatestFixIsBroadcastAfterBurst(t *testing.T) {
	f := newFixture(t, models.StateOSReady, emergency.Options{BroadcastEvery: 100 * time.Millisecond})
	f.ctrl.Trigger(context.Background(), alice, "ui_panic_button", &models.Coords{Lat: 1, Lng: 1})
	require.Equal(t, 1, f.broadcaster.count())

	f.locator.push(models.Coords{Lat: 2, Lng: 2})
	f.locator.push(models.Coords{Lat: 3, Lng: 3})
	assert.Equal(t, 3.0, f.ctrl.Active().Location.Lat)

	require.Eventually(t, func() bool {
		return f.broadcaster.last() == models.Coords{Lat: 3, Lng: 3}
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, f.broadcaster.count())

	require.Eventually(t, func() bool {
		return f.mem.Rows(emergency.DefaultSafetyTable)[0]["lat"] == 3.0
	}, time.Second, 5*time.Millisecond)
}

func TestTracking_SubscribersSeeEveryFix(t *testing.T) {
	f := newFixture(t, models.StateOSReady, emergency.Options{BroadcastEvery: time.Hour})
	f.ctrl.Trigger(context.Background(), alice, "ui_panic_button", nil)

	var mu sync.Mutex
	var seen []float64
	cancel := f.ctrl.Subscribe(func(s models.EmergencySnapshot) {
		if s.Active == nil || s.Active.Location == nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, s.Active.Location.Lat)
	})
	defer cancel()

	f.locator.push(models.Coords{Lat: 5, Lng: 5})
	f.locator.push(models.Coords{Lat: 6, Lng: 6})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []float64{5, 6}, seen)
}

func TestSafetyBeaconFollowsTrackingWithoutInitialFix(t *testing.T) {
	f := newFixture(t, models.StateOSReady, emergency.Options{BroadcastEvery: time.Millisecond})

	a := agg.New(f.mem, f.mem, agg.Options{SweepInterval: time.Hour}, zap.NewNop())
	stop, err := a.Start(context.Background())
	require.NoError(t, err)
	defer stop()

	ev := f.ctrl.Trigger(context.Background(), alice, "ui_panic_button", nil)
	require.Nil(t, ev.Location)
	require.NotNil(t, ev.AdminBeaconID)
	assert.Empty(t, a.Beacons())

	f.locator.push(models.Coords{Lat: 51.5, Lng: -0.12})

	require.Eventually(t, func() bool {
		b := a.Beacons()
		return len(b) == 1 && b[0].ID == "safety:u-alice" && b[0].Lat == 51.5 && b[0].Lng == -0.12
	}, time.Second, 5*time.Millisecond)
}

// gatedState holds ForceEmergency until release is closed.
type gatedState struct {
	*state.Machine
	entered chan struct{}
	release chan struct{}
}

func (g *gatedState) ForceEmergency(source string) models.SystemStateSnapshot {
	close(g.entered)
	<-g.release
	return g.Machine.ForceEmergency(source)
}

func TestResolveDuringOverrideLeavesConsistentState(t *testing.T) {
	machine := state.New(state.Options{Initial: models.StateOSReady}, zap.NewNop())
	gate := &gatedState{Machine: machine, entered: make(chan struct{}), release: make(chan struct{})}
	ctrl := emergency.NewController(emergency.Deps{State: gate}, emergency.Options{}, zap.NewNop())

	triggered := make(chan struct{})
	go func() {
		defer close(triggered)
		ctrl.Trigger(context.Background(), alice, "ui_panic_button", nil)
	}()
	<-gate.entered

	resolved := make(chan error, 1)
	go func() {
		_, err := ctrl.Resolve(context.Background(), "user", "")
		resolved <- err
	}()

	select {
	case <-resolved:
		t.Fatal("Resolve finished before the state override landed")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate.release)
	<-triggered
	require.NoError(t, <-resolved)

	assert.Nil(t, ctrl.Active())
	assert.Equal(t, models.StateOSReady, machine.Current().State)
}
