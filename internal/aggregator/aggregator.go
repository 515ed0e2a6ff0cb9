// Package aggregator keeps the canonical in-memory map of live beacons, fed by
// one bulk load and one change feed per source, and emits full snapshots.
package aggregator

import (
	"context"
	"errors"
	"sync"
	"time"

	"hotmess-kernel/internal/changefeed"
	"hotmess-kernel/internal/geo"
	"hotmess-kernel/internal/intensity"
	"hotmess-kernel/internal/metrics"
	"hotmess-kernel/internal/models"
	"hotmess-kernel/internal/store"
	"hotmess-kernel/internal/subscription"
	"hotmess-kernel/internal/visual"

	"go.uber.org/zap"
)

const (
	DefaultSweepInterval = 10 * time.Second
	DefaultLoadTimeout   = 5 * time.Second
	eventBuffer          = 256
)

// ErrAlreadyStarted Start was called twice on the same aggregator.
var ErrAlreadyStarted = errors.New("aggregator already started")

// Options configures an Aggregator. Zero values take defaults.
type Options struct {
	Sources       []Source
	SweepInterval time.Duration
	// LoadTimeout bounds each source's initial query.
	LoadTimeout   time.Duration
	Metrics       *metrics.Metrics
	Now           func() time.Time
}

// emission is one published snapshot. seq increases with every emission.
type emission struct {
	seq     uint64
	beacons []models.Beacon
}

type event struct {
	src    Source
	change changefeed.Change
}

// Aggregator owns the beacon map. All mutation happens on one goroutine
// (the event loop); feed callbacks only enqueue.
type Aggregator struct {
	store    store.Store
	feed     changefeed.Feed
	sources  []Source
	interval    time.Duration
	loadTimeout time.Duration
	metrics     *metrics.Metrics
	now      func() time.Time
	logger   *zap.Logger

	events  chan event
	beacons map[string]models.Beacon // owned by the event loop after Start

	subs *subscription.Registry[emission]

	snapMu  sync.RWMutex
	current emission

	startMu sync.Mutex
	started bool
}

// New creates an aggregator over st and feed.
func New(st store.Store, feed changefeed.Feed, opts Options, logger *zap.Logger) *Aggregator {
	if opts.Sources == nil {
		opts.Sources = DefaultSources(DefaultTables())
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = DefaultLoadTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Aggregator{
		store:       st,
		feed:        feed,
		sources:     opts.Sources,
		interval:    opts.SweepInterval,
		loadTimeout: opts.LoadTimeout,
		metrics:     opts.Metrics,
		now:         opts.Now,
		logger:      logger,
		events:      make(chan event, eventBuffer),
		beacons:     make(map[string]models.Beacon),
		subs:        subscription.NewRegistry[emission](),
		current:     emission{beacons: []models.Beacon{}},
	}
}

// Start bulk-loads every source concurrently, binds one change feed per source
// and starts the sweep timer. A failing or slow source is logged and skipped. The returned stop func
// unsubscribes every feed and stops the timer; it is safe to call more than once.
func (a *Aggregator) Start(ctx context.Context) (func(), error) {
	a.startMu.Lock()
	defer a.startMu.Unlock()
	if a.started {
		return nil, ErrAlreadyStarted
	}
	a.started = true

	a.logger.Info("Starting beacon aggregator",
		zap.Int("source_count", len(a.sources)),
		zap.Duration("sweep_interval", a.interval),
	)

	now := a.now()
	loaded := make([][]models.Beacon, len(a.sources))
	var wg sync.WaitGroup
	for i, src := range a.sources {
		wg.Add(1)
		go func(i int, src Source) {
			defer wg.Done()
			loaded[i] = a.load(ctx, src, now)
		}(i, src)
	}
	wg.Wait()
	for _, beacons := range loaded {
		for _, b := range beacons {
			a.beacons[b.ID] = b
		}
	}
	a.sweep(now)
	a.emit()

	loopCtx, cancel := context.WithCancel(ctx)
	var unsubs []changefeed.Unsubscribe
	for _, src := range a.sources {
		src := src
		unsub, err := a.feed.Subscribe(loopCtx, src.Table, func(c changefeed.Change) {
			a.enqueue(loopCtx, src, c)
		})
		if err != nil {
			a.logger.Warn("Failed to bind change feed, source will only refresh on restart",
				zap.String("source", src.Name),
				zap.String("table", src.Table),
				zap.Error(err),
			)
			a.metrics.IncSourceFailure(src.Name, "subscribe")
			continue
		}
		unsubs = append(unsubs, unsub)
	}

	done := make(chan struct{})
	go a.run(loopCtx, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			// cancel first so handlers blocked in enqueue return before unsubscribe waits on them
			cancel()
			for _, unsub := range unsubs {
				unsub()
			}
			<-done
			a.logger.Info("Beacon aggregator stopped")
		})
	}, nil
}

// Subscribe registers fn for every emitted snapshot and immediately delivers the
// current one. A listener never sees an older snapshot after a newer one, and
// may subscribe or cancel from inside its callback. Snapshots are shared
// between listeners and must not be modified.
func (a *Aggregator) Subscribe(fn func([]models.Beacon)) subscription.Cancel {
	l := &listener{fn: fn}
	cancel := a.subs.Subscribe(l.deliver)

	a.snapMu.RLock()
	cur := a.current
	a.snapMu.RUnlock()
	l.deliver(cur)
	return cancel
}

type listener struct {
	mu   sync.Mutex
	seen bool
	seq  uint64
	fn   func([]models.Beacon)
}

func (l *listener) deliver(e emission) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.seen && e.seq <= l.seq {
		return
	}
	l.seen, l.seq = true, e.seq
	l.fn(e.beacons)
}

// Beacons returns a copy of the last emitted snapshot.
func (a *Aggregator) Beacons() []models.Beacon {
	a.snapMu.RLock()
	defer a.snapMu.RUnlock()
	out := make([]models.Beacon, len(a.current.beacons))
	copy(out, a.current.beacons)
	return out
}

func (a *Aggregator) enqueue(ctx context.Context, src Source, c changefeed.Change) {
	select {
	case a.events <- event{src: src, change: c}:
	case <-ctx.Done():
	}
}

func (a *Aggregator) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-a.events:
			now := a.now()
			if a.apply(ev.src, ev.change, now) {
				a.sweep(now)
				a.emit()
			}
		case <-ticker.C:
			a.sweep(a.now())
			a.emit()
		}
	}
}

// load runs the bulk query for one source under the load timeout. Errors are
// isolated to that source.
func (a *Aggregator) load(ctx context.Context, src Source, now time.Time) []models.Beacon {
	loadCtx, cancel := context.WithTimeout(ctx, a.loadTimeout)
	defer cancel()

	rows, err := a.store.Select(loadCtx, store.Query{Table: src.Table, Filters: src.filters(now)})
	if err != nil {
		a.logger.Warn("Initial load failed, continuing without source",
			zap.String("source", src.Name),
			zap.String("table", src.Table),
			zap.Error(err),
		)
		a.metrics.IncSourceFailure(src.Name, "load")
		return nil
	}

	var out []models.Beacon
	dropped := 0
	for _, row := range rows {
		id, err := BeaconID(src.Type, row)
		if err != nil {
			dropped++
			continue
		}
		b, ok := buildBeacon(src, id, row)
		if !ok {
			dropped++
			continue
		}
		out = append(out, b)
	}

	a.logger.Info("Loaded source",
		zap.String("source", src.Name),
		zap.Int("row_count", len(rows)),
		zap.Int("loaded_count", len(out)),
		zap.Int("dropped_count", dropped),
	)
	return out
}

// apply folds one change into the map and reports whether the map changed.
func (a *Aggregator) apply(src Source, c changefeed.Change, now time.Time) bool {
	id, err := BeaconID(src.Type, c.Row())
	if err != nil {
		a.logger.Debug("Ignoring change without beacon identity",
			zap.String("source", src.Name),
			zap.String("op", string(c.Op)),
			zap.Error(err),
		)
		return false
	}

	_, existed := a.beacons[id]

	if c.Op == changefeed.OpDelete {
		delete(a.beacons, id)
		return existed
	}

	// a row that left the source (resolved alert, closed listing) removes its beacon
	if !store.MatchAll(src.filters(now), c.New) {
		delete(a.beacons, id)
		return existed
	}

	b, ok := buildBeacon(src, id, c.New)
	if !ok {
		delete(a.beacons, id)
		return existed
	}
	a.beacons[id] = b
	return true
}

// sweep drops beacons whose expiry is strictly before now.
func (a *Aggregator) sweep(now time.Time) {
	if n := sweepExpired(a.beacons, now); n > 0 {
		a.logger.Debug("Swept expired beacons", zap.Int("count", n))
	}
}

func sweepExpired(beacons map[string]models.Beacon, now time.Time) int {
	removed := 0
	for id, b := range beacons {
		if b.Expired(now) {
			delete(beacons, id)
			removed++
		}
	}
	return removed
}

func (a *Aggregator) emit() {
	list := make([]models.Beacon, 0, len(a.beacons))
	counts := make(map[string]int, models.NumBeaconTypes)
	for _, b := range a.beacons {
		list = append(list, b)
		counts[b.Type.String()]++
	}
	visual.SortBeacons(list)

	a.snapMu.Lock()
	a.current = emission{seq: a.current.seq + 1, beacons: list}
	cur := a.current
	a.snapMu.Unlock()

	a.subs.Publish(cur)

	a.metrics.IncEmission()
	a.metrics.SetLiveBeacons(typeNames(), counts)
	a.logger.Debug("Emitted beacon snapshot", zap.Int("beacon_count", len(list)))
}

func typeNames() []string {
	names := make([]string, len(models.AllBeaconTypes))
	for i, t := range models.AllBeaconTypes {
		names[i] = t.String()
	}
	return names
}

// buildBeacon normalizes a row. Rows without a usable location yield false.
func buildBeacon(src Source, id string, row store.Row) (models.Beacon, bool) {
	coords, ok := geo.Normalize(row)
	if !ok {
		return models.Beacon{}, false
	}

	b := models.Beacon{
		ID:        id,
		Type:      src.Type,
		Lat:       coords.Lat,
		Lng:       coords.Lng,
		Intensity: intensity.For(src.Type, row),
		Meta:      map[string]any(row.Clone()),
	}
	for _, col := range src.ExpiryColumns {
		if t, ok := row.Time(col); ok {
			b.ExpiresAt = t
			break
		}
	}
	return b, true
}
